package engine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/cadenza-live/linkplay/internal/v1/logging"
	"github.com/cadenza-live/linkplay/internal/v1/protocol"
	"github.com/cadenza-live/linkplay/internal/v1/room"
	"github.com/cadenza-live/linkplay/internal/v1/session"
	"github.com/cadenza-live/linkplay/internal/v1/types"
)

// Admin capabilities. These are the mutating operations the web bridge
// exposes; each one goes through the same store paths as the player
// commands so the catalog invariants keep holding.

// ErrPlayerNotInRoom is returned when an admin targets a user who is not
// in the named room.
var ErrPlayerNotInRoom = errors.New("player not in room")

// ErrInvalidArgument marks admin requests with out-of-range parameters.
var ErrInvalidArgument = errors.New("invalid argument")

// KickPlayer removes a user from a room, notifying the room and the
// target.
func (e *Engine) KickPlayer(ctx context.Context, roomID types.RoomIDType, target types.UserIDType) error {
	if id, ok := e.rooms.RoomIDByUser(target); !ok || id != roomID {
		return ErrPlayerNotInRoom
	}

	var targetUser types.User
	var targetConn types.ConnIDType
	err := e.rooms.Update(roomID, func(r *room.Room) error {
		p := r.Player(target)
		if p == nil {
			return ErrPlayerNotInRoom
		}
		targetUser = p.User
		targetConn = p.ConnID
		return nil
	})
	if err != nil {
		return err
	}

	bot := e.botUser()
	e.broadcastRoomMessage(ctx, roomID, protocol.Message{
		Kind:   protocol.MsgKick,
		User:   &bot,
		Target: &targetUser,
	})

	if !e.leaveRoom(ctx, session.Session{UserID: target, User: targetUser, ConnID: targetConn}) {
		return ErrPlayerNotInRoom
	}

	_ = e.sessions.Send(targetConn, protocol.Ack{Op: protocol.SLeaveRoom})
	_ = e.sessions.Send(targetConn, protocol.MessageCmd{Msg: protocol.Message{
		Kind: protocol.MsgChat, User: &bot, Content: msgKickedByAdmin,
	}})

	logging.Info(ctx, "player kicked",
		zap.String("room_id", string(roomID)), zap.Int32("user_id", int32(target)))
	return nil
}

// ForceStart pushes a room straight into Playing, skipping the ready
// gate. Requires a selected chart.
func (e *Engine) ForceStart(ctx context.Context, roomID types.RoomIDType) error {
	var sends []outbound
	err := e.rooms.Update(roomID, func(r *room.Room) error {
		if r.State.Kind == types.StatePlaying {
			return errors.New("room is already playing")
		}
		if r.SelectedChart == nil {
			return errors.New("no chart selected")
		}
		r.SoloConfirmPending = false
		startPlayingLocked(e, r, &sends)
		return nil
	})
	if err != nil {
		return err
	}
	e.flush(ctx, sends)
	e.publishRoomUpdate(ctx, roomID)
	return nil
}

// ToggleLock flips the room's join lock and returns the new value.
func (e *Engine) ToggleLock(ctx context.Context, roomID types.RoomIDType) (bool, error) {
	var locked bool
	var sends []outbound
	err := e.rooms.Update(roomID, func(r *room.Room) error {
		r.Locked = !r.Locked
		locked = r.Locked
		msg := protocol.Message{Kind: protocol.MsgLockRoom, Lock: r.Locked}
		r.AppendMessage(msg, e.now())
		sends = fanOut(nil, r.ConnIDs(), protocol.MessageCmd{Msg: msg})
		return nil
	})
	if err != nil {
		return false, err
	}
	e.flush(ctx, sends)
	e.publishRoomUpdate(ctx, roomID)
	return locked, nil
}

// ToggleMode flips cycle mode and returns the new value.
func (e *Engine) ToggleMode(ctx context.Context, roomID types.RoomIDType) (bool, error) {
	var cycle bool
	var sends []outbound
	err := e.rooms.Update(roomID, func(r *room.Room) error {
		r.Cycle = !r.Cycle
		cycle = r.Cycle
		msg := protocol.Message{Kind: protocol.MsgCycleRoom, Cycle: r.Cycle}
		r.AppendMessage(msg, e.now())
		sends = fanOut(nil, r.ConnIDs(), protocol.MessageCmd{Msg: msg})
		return nil
	})
	if err != nil {
		return false, err
	}
	e.flush(ctx, sends)
	e.publishRoomUpdate(ctx, roomID)
	return cycle, nil
}

// SetMaxPlayers changes a room's member cap. Shrinking below the current
// member count is allowed; existing members stay.
func (e *Engine) SetMaxPlayers(ctx context.Context, roomID types.RoomIDType, max int) error {
	if max < 1 || max > 100 {
		return fmt.Errorf("%w: max players %d out of range [1,100]", ErrInvalidArgument, max)
	}
	err := e.rooms.Update(roomID, func(r *room.Room) error {
		r.MaxPlayers = max
		return nil
	})
	if err != nil {
		return err
	}
	e.publishRoomUpdate(ctx, roomID)
	return nil
}

// CloseRoom deletes a room outright, notifying every member.
func (e *Engine) CloseRoom(ctx context.Context, roomID types.RoomIDType) error {
	members, err := e.rooms.Close(roomID)
	if err != nil {
		return err
	}

	bot := e.botUser()
	for _, m := range members {
		_ = e.sessions.Send(m.ConnID, protocol.MessageCmd{Msg: protocol.Message{
			Kind: protocol.MsgChat, User: &bot, Content: "房间已被管理员关闭",
		}})
		_ = e.sessions.Send(m.ConnID, protocol.Ack{Op: protocol.SLeaveRoom})
	}

	logging.Info(ctx, "room closed by admin",
		zap.String("room_id", string(roomID)), zap.Int("members", len(members)))
	e.publishEvent(ctx, EventRoomDeleted, types.RoomSummary{ID: roomID})
	return nil
}

// DisconnectUser force-closes a user's live connection, if any. The
// admin surface calls this after banning an online user.
func (e *Engine) DisconnectUser(ctx context.Context, userID types.UserIDType) {
	sess, ok := e.sessions.SessionByUser(userID)
	if !ok {
		return
	}
	e.sessions.Close(sess.ConnID)
	e.HandleDisconnection(ctx, sess.ConnID)
	logging.Info(ctx, "user disconnected by admin", zap.Int32("user_id", int32(userID)))
}

// SendServerMessage broadcasts a bot chat line. An empty room id targets
// every local room.
func (e *Engine) SendServerMessage(ctx context.Context, roomID types.RoomIDType, text string) error {
	bot := e.botUser()
	msg := protocol.Message{Kind: protocol.MsgChat, User: &bot, Content: text}

	if roomID != "" {
		if !e.rooms.Exists(roomID) {
			return room.ErrRoomNotFound
		}
		e.broadcastRoomMessage(ctx, roomID, msg)
		return nil
	}
	for _, s := range e.rooms.Summaries() {
		e.broadcastRoomMessage(ctx, s.ID, msg)
	}
	return nil
}
