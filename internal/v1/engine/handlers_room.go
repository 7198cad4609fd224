package engine

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/cadenza-live/linkplay/internal/v1/logging"
	"github.com/cadenza-live/linkplay/internal/v1/protocol"
	"github.com/cadenza-live/linkplay/internal/v1/room"
	"github.com/cadenza-live/linkplay/internal/v1/session"
	"github.com/cadenza-live/linkplay/internal/v1/types"
)

// mapStoreErr translates room store sentinels into user-visible strings.
func mapStoreErr(err error) string {
	switch {
	case errors.Is(err, room.ErrRoomExists):
		return msgRoomExists
	case errors.Is(err, room.ErrRoomNotFound):
		return msgRoomNotFound
	case errors.Is(err, room.ErrRoomFull):
		return msgRoomFull
	case errors.Is(err, room.ErrRoomLocked):
		return msgRoomLocked
	case errors.Is(err, room.ErrAlreadyInRoom):
		return msgAlreadyInRoom
	case errors.Is(err, room.ErrNotInRoom):
		return msgNotInRoom
	case errors.Is(err, room.ErrBlacklisted):
		return msgBlacklisted
	case errors.Is(err, room.ErrNotWhitelisted):
		return msgNotWhitelisted
	case errors.Is(err, room.ErrMaxRooms):
		return msgMaxRooms
	default:
		return msgInvalidRoomID
	}
}

// broadcastRoomMessage appends a Message to the room history and sends it
// to every member except the excluded connections.
func (e *Engine) broadcastRoomMessage(ctx context.Context, roomID types.RoomIDType, msg protocol.Message, exclude ...types.ConnIDType) {
	var sends []outbound
	err := e.rooms.Update(roomID, func(r *room.Room) error {
		r.AppendMessage(msg, e.now())
		sends = fanOut(nil, r.ConnIDs(), protocol.MessageCmd{Msg: msg}, exclude...)
		return nil
	})
	if err != nil {
		return
	}
	e.flush(ctx, sends)
}

func (e *Engine) handleChat(ctx context.Context, sess session.Session, c protocol.Chat) string {
	roomID, ok := e.rooms.RoomIDByUser(sess.UserID)
	if !ok {
		e.reject(sess.ConnID, protocol.SChat, msgNotInRoom)
		return "not_in_room"
	}

	e.ack(sess.ConnID, protocol.SChat)
	u := sess.User
	e.broadcastRoomMessage(ctx, roomID, protocol.Message{
		Kind:    protocol.MsgChat,
		User:    &u,
		Content: c.Message,
	})
	return "ok"
}

func (e *Engine) handleCreateRoom(ctx context.Context, sess session.Session, c protocol.CreateRoom) string {
	if err := e.rooms.Create(c.ID, sess.User, sess.ConnID); err != nil {
		e.reject(sess.ConnID, protocol.SCreateRoom, mapStoreErr(err))
		return "rejected"
	}

	e.ack(sess.ConnID, protocol.SCreateRoom)
	u := sess.User
	e.broadcastRoomMessage(ctx, c.ID, protocol.Message{Kind: protocol.MsgCreateRoom, User: &u})

	logging.Info(ctx, "room created",
		zap.String("room_id", string(c.ID)), zap.Int32("user_id", int32(sess.UserID)))
	if sums := e.rooms.Summaries(); len(sums) > 0 {
		for _, s := range sums {
			if s.ID == c.ID {
				e.publishEvent(ctx, EventRoomCreated, s)
				break
			}
		}
	}
	return "ok"
}

func (e *Engine) handleJoinRoom(ctx context.Context, sess session.Session, c protocol.JoinRoom) string {
	user := sess.User
	user.Monitor = c.Monitor

	state, err := e.rooms.Join(c.ID, user, sess.ConnID)
	if err != nil {
		if errors.Is(err, room.ErrRoomNotFound) {
			if status, handled := e.tryProxyJoin(ctx, sess, user, c); handled {
				return status
			}
		}
		e.reject(sess.ConnID, protocol.SJoinRoom, mapStoreErr(err))
		return "rejected"
	}

	if err := e.sessions.Send(sess.ConnID, protocol.JoinRoomResp{Room: state}); err != nil {
		logging.Warn(ctx, "join reply send failed", zap.Error(err))
	}

	// Existing members learn about the newcomer twice: the structural
	// OnJoinRoom notification plus the chat-visible Message.
	var sends []outbound
	_ = e.rooms.Update(c.ID, func(r *room.Room) error {
		sends = fanOut(nil, r.ConnIDs(), protocol.OnJoinRoom{User: user}, sess.ConnID)
		msg := protocol.Message{Kind: protocol.MsgJoinRoom, User: &user}
		r.AppendMessage(msg, e.now())
		sends = fanOut(sends, r.ConnIDs(), protocol.MessageCmd{Msg: msg})
		return nil
	})
	e.flush(ctx, sends)

	e.publishRoomUpdate(ctx, c.ID)
	return "ok"
}

// tryProxyJoin attempts the federation path for a join targeting a room
// this node does not own. Returns handled=false when federation is off
// or no peer advertises the room.
func (e *Engine) tryProxyJoin(ctx context.Context, sess session.Session, user types.User, c protocol.JoinRoom) (string, bool) {
	fed := e.federator()
	if fed == nil {
		return "", false
	}
	nodeID, ok := fed.RemoteRoomNode(c.ID)
	if !ok {
		return "", false
	}

	state, err := fed.ProxyJoin(ctx, nodeID, user, c.ID, c.Monitor)
	if err != nil {
		logging.Warn(ctx, "proxy join failed",
			zap.String("room_id", string(c.ID)), zap.String("node_id", nodeID), zap.Error(err))
		e.reject(sess.ConnID, protocol.SJoinRoom, msgFederation)
		return "proxy_failed", true
	}

	e.setProxied(sess.UserID, nodeID)
	if err := e.sessions.Send(sess.ConnID, protocol.JoinRoomResp{Room: state}); err != nil {
		logging.Warn(ctx, "proxy join reply send failed", zap.Error(err))
	}
	logging.Info(ctx, "user proxied to remote room",
		zap.Int32("user_id", int32(sess.UserID)),
		zap.String("room_id", string(c.ID)), zap.String("node_id", nodeID))
	return "ok", true
}

func (e *Engine) handleLeaveRoom(ctx context.Context, sess session.Session) string {
	if !e.leaveRoom(ctx, sess) {
		e.reject(sess.ConnID, protocol.SLeaveRoom, msgNotInRoom)
		return "not_in_room"
	}
	e.ack(sess.ConnID, protocol.SLeaveRoom)
	return "ok"
}

// leaveRoom runs the shared removal path for explicit leaves, kicks and
// disconnects. Returns false when the user was not in a room.
func (e *Engine) leaveRoom(ctx context.Context, sess session.Session) bool {
	res, err := e.rooms.Leave(sess.UserID)
	if err != nil {
		return false
	}

	u := sess.User
	if res.RoomDeleted {
		for _, m := range res.EvictedMonitors {
			if err := e.sessions.Send(m.ConnID, protocol.Ack{Op: protocol.SLeaveRoom}); err == nil {
				logging.Info(ctx, "monitor evicted with room",
					zap.Int32("user_id", int32(m.User.ID)), zap.String("room_id", string(res.RoomID)))
			}
		}
		e.publishEvent(ctx, EventRoomDeleted, types.RoomSummary{ID: res.RoomID})
		return true
	}

	e.broadcastRoomMessage(ctx, res.RoomID, protocol.Message{Kind: protocol.MsgLeaveRoom, User: &u})
	if res.NewOwner != nil {
		owner := *res.NewOwner
		e.broadcastRoomMessage(ctx, res.RoomID, protocol.Message{Kind: protocol.MsgNewHost, User: &owner})
		if err := e.sessions.Send(res.NewOwnerConnID, protocol.ChangeHost{IsHost: true}); err != nil {
			logging.Warn(ctx, "change host send failed", zap.Error(err))
		}
	}
	e.publishRoomUpdate(ctx, res.RoomID)
	return true
}

func (e *Engine) handleLockRoom(ctx context.Context, sess session.Session, c protocol.LockRoom) string {
	var sends []outbound
	err := e.rooms.UpdateByUser(sess.UserID, func(r *room.Room) error {
		if !r.IsOwner(sess.UserID) {
			return errors.New(msgNotOwner)
		}
		r.Locked = c.Lock
		msg := protocol.Message{Kind: protocol.MsgLockRoom, Lock: c.Lock}
		r.AppendMessage(msg, e.now())
		sends = fanOut(nil, r.ConnIDs(), protocol.MessageCmd{Msg: msg})
		return nil
	})
	if err != nil {
		e.reject(sess.ConnID, protocol.SLockRoom, userFacing(err))
		return "rejected"
	}

	e.ack(sess.ConnID, protocol.SLockRoom)
	e.flush(ctx, sends)
	e.publishRoomUpdateByUser(ctx, sess.UserID)
	return "ok"
}

func (e *Engine) handleCycleRoom(ctx context.Context, sess session.Session, c protocol.CycleRoom) string {
	var sends []outbound
	err := e.rooms.UpdateByUser(sess.UserID, func(r *room.Room) error {
		if !r.IsOwner(sess.UserID) {
			return errors.New(msgNotOwner)
		}
		r.Cycle = c.Cycle
		msg := protocol.Message{Kind: protocol.MsgCycleRoom, Cycle: c.Cycle}
		r.AppendMessage(msg, e.now())
		sends = fanOut(nil, r.ConnIDs(), protocol.MessageCmd{Msg: msg})
		return nil
	})
	if err != nil {
		e.reject(sess.ConnID, protocol.SCycleRoom, userFacing(err))
		return "rejected"
	}

	e.ack(sess.ConnID, protocol.SCycleRoom)
	e.flush(ctx, sends)
	e.publishRoomUpdateByUser(ctx, sess.UserID)
	return "ok"
}

// userFacing returns the error string for rejections raised inside
// Update callbacks; store sentinels are translated first.
func userFacing(err error) string {
	if errors.Is(err, room.ErrRoomNotFound) || errors.Is(err, room.ErrNotInRoom) {
		return msgNotInRoom
	}
	return err.Error()
}

func (e *Engine) publishRoomUpdate(ctx context.Context, roomID types.RoomIDType) {
	for _, s := range e.rooms.Summaries() {
		if s.ID == roomID {
			e.publishEvent(ctx, EventRoomUpdated, s)
			return
		}
	}
	e.roomsChanged()
}

func (e *Engine) publishRoomUpdateByUser(ctx context.Context, userID types.UserIDType) {
	if roomID, ok := e.rooms.RoomIDByUser(userID); ok {
		e.publishRoomUpdate(ctx, roomID)
	}
}
