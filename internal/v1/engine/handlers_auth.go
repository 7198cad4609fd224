package engine

import (
	"context"

	"go.uber.org/zap"

	"github.com/cadenza-live/linkplay/internal/v1/logging"
	"github.com/cadenza-live/linkplay/internal/v1/protocol"
	"github.com/cadenza-live/linkplay/internal/v1/session"
	"github.com/cadenza-live/linkplay/internal/v1/types"
)

func (e *Engine) handleAuthenticate(ctx context.Context, connID types.ConnIDType, c protocol.Authenticate) string {
	sendErr := func(msg string) {
		if err := e.sessions.Send(connID, protocol.AuthenticateResp{Err: msg}); err != nil {
			logging.Warn(ctx, "auth reject send failed", zap.Error(err))
		}
	}

	if _, dup := e.sessions.SessionByConn(connID); dup {
		sendErr(msgDuplicateAuth)
		return "duplicate_auth"
	}
	if len(c.Token) != e.tokenLength {
		sendErr(msgInvalidToken)
		return "invalid_token"
	}

	// The identity call runs with no locks held.
	user, err := e.identity.Me(ctx, c.Token)
	if err != nil {
		logging.Warn(ctx, "identity lookup failed",
			zap.String("token", logging.RedactToken(c.Token)), zap.Error(err))
		sendErr(msgAuthFailed)
		return "auth_failed"
	}

	if entry, banned := e.bans.IsIDBanned(int32(user.ID)); banned {
		sendErr(msgBannedPrefix + entry.Reason)
		e.sessions.Close(connID)
		return "banned"
	}

	prev, had, err := e.sessions.Bind(connID, user)
	if err != nil {
		if err == session.ErrDuplicateAuth {
			sendErr(msgDuplicateAuth)
			return "duplicate_auth"
		}
		sendErr(msgAuthFailed)
		return "bind_failed"
	}

	if had {
		// Second login for the same user. If they are in a room the new
		// connection takes over the membership and the old socket dies
		// silently; otherwise the old socket is simply evicted.
		if migrated := e.rooms.MigrateConn(user.ID, connID); migrated {
			logging.Info(ctx, "session migrated",
				zap.Int32("user_id", int32(user.ID)),
				zap.String("old_conn", string(prev.ConnID)),
				zap.String("new_conn", string(connID)))
		}
		e.sessions.Close(prev.ConnID)
	}

	resp := protocol.AuthenticateResp{User: user}
	if roomID, inRoom := e.rooms.RoomIDByUser(user.ID); inRoom {
		if state, ok := e.rooms.ClientState(roomID, user.ID); ok {
			resp.Room = &state
		}
	}

	if err := e.sessions.Send(connID, resp); err != nil {
		logging.Warn(ctx, "auth reply send failed", zap.Error(err))
		return "send_failed"
	}

	bot := e.botUser()
	welcome := protocol.MessageCmd{Msg: protocol.Message{
		Kind:    protocol.MsgChat,
		User:    &bot,
		Content: "欢迎来到 " + e.serverName,
	}}
	if err := e.sessions.Send(connID, welcome); err != nil {
		logging.Warn(ctx, "welcome send failed", zap.Error(err))
	}

	logging.Info(ctx, "user authenticated",
		zap.Int32("user_id", int32(user.ID)), zap.String("name", user.Name))
	return "ok"
}
