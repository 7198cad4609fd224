// Package engine is the command dispatcher and room state machine. The
// transport hands it decoded client commands; it consults the session
// table, the room store and the ban store, then fans replies and
// broadcasts back out through the session table's send callbacks.
//
// Handlers follow one shape: resolve session, resolve room, commit the
// transition inside a store Update callback while collecting outbound
// commands, then flush the sends with no locks held. Blocking HTTP calls
// (identity, chart, record) always run between the resolve and commit
// steps.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cadenza-live/linkplay/internal/v1/banstore"
	"github.com/cadenza-live/linkplay/internal/v1/logging"
	"github.com/cadenza-live/linkplay/internal/v1/metrics"
	"github.com/cadenza-live/linkplay/internal/v1/protocol"
	"github.com/cadenza-live/linkplay/internal/v1/room"
	"github.com/cadenza-live/linkplay/internal/v1/session"
	"github.com/cadenza-live/linkplay/internal/v1/types"
)

// Identity is the slice of the upstream client the engine needs.
type Identity interface {
	Me(ctx context.Context, token string) (types.User, error)
	Chart(ctx context.Context, id int32) (types.ChartInfo, error)
	Record(ctx context.Context, id int32) (types.PlayerScore, error)
}

// Federator is the federation layer as seen from the engine: remote room
// lookup plus the three proxy calls and the catalog event push. Injected
// after construction to break the engine ↔ federation cycle.
type Federator interface {
	RemoteRoomNode(id types.RoomIDType) (string, bool)
	ProxyJoin(ctx context.Context, nodeID string, user types.User, roomID types.RoomIDType, monitor bool) (types.ClientRoomState, error)
	ProxyCommand(ctx context.Context, nodeID string, userID types.UserIDType, payload []byte) error
	ProxyLeave(ctx context.Context, nodeID string, userID types.UserIDType) error
	PublishRoomEvent(ctx context.Context, kind string, summary types.RoomSummary)
}

// Room event kinds pushed to federation peers and the web bridge.
const (
	EventRoomCreated = "create"
	EventRoomUpdated = "update"
	EventRoomDeleted = "delete"
)

// Options configures an Engine.
type Options struct {
	ServerName  string
	TokenLength int
}

// Engine wires the session table, room store and collaborators together.
type Engine struct {
	sessions *session.Table
	rooms    *room.Store
	bans     *banstore.Store
	identity Identity

	serverName  string
	tokenLength int
	now         func() time.Time

	mu  sync.Mutex
	fed Federator
	// proxied maps a local user to the node id currently hosting their
	// room via the proxy path.
	proxied map[types.UserIDType]string
	// onRoomsChanged pokes the web bridge's coalesced broadcast.
	onRoomsChanged func()
}

// New builds an engine. The federator and the rooms-changed hook are
// injected later via SetFederator / SetRoomsChangedHook.
func New(sessions *session.Table, rooms *room.Store, bans *banstore.Store, identity Identity, opts Options) *Engine {
	if opts.TokenLength <= 0 {
		opts.TokenLength = 20
	}
	if opts.ServerName == "" {
		opts.ServerName = "LinkPlay"
	}
	return &Engine{
		sessions:    sessions,
		rooms:       rooms,
		bans:        bans,
		identity:    identity,
		serverName:  opts.ServerName,
		tokenLength: opts.TokenLength,
		now:         time.Now,
		proxied:     make(map[types.UserIDType]string),
	}
}

// SetFederator injects the federation layer.
func (e *Engine) SetFederator(f Federator) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fed = f
}

// SetRoomsChangedHook installs the callback fired after any room mutation.
func (e *Engine) SetRoomsChangedHook(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onRoomsChanged = fn
}

func (e *Engine) federator() Federator {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fed
}

func (e *Engine) roomsChanged() {
	e.mu.Lock()
	fn := e.onRoomsChanged
	e.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (e *Engine) botUser() types.User {
	return types.User{ID: types.BotUserID, Name: e.serverName}
}

// outbound is one queued send, collected inside a store Update callback
// and flushed after the lock is released.
type outbound struct {
	conn types.ConnIDType
	cmd  protocol.ServerCommand
}

func (e *Engine) flush(ctx context.Context, sends []outbound) {
	for _, s := range sends {
		if err := e.sessions.Send(s.conn, s.cmd); err != nil {
			logging.Warn(ctx, "send failed",
				zap.String("conn_id", string(s.conn)), zap.Error(err))
		}
	}
}

// fanOut queues cmd for every listed connection, skipping the excluded
// ones.
func fanOut(sends []outbound, conns []types.ConnIDType, cmd protocol.ServerCommand, exclude ...types.ConnIDType) []outbound {
	for _, c := range conns {
		skip := false
		for _, x := range exclude {
			if c == x {
				skip = true
				break
			}
		}
		if !skip {
			sends = append(sends, outbound{conn: c, cmd: cmd})
		}
	}
	return sends
}

// HandleConnection registers a transport connection before any frame is
// read.
func (e *Engine) HandleConnection(connID types.ConnIDType, remoteAddr string, send session.SendFunc, close session.CloseFunc) {
	e.sessions.Register(connID, remoteAddr, send, close)
}

// HandleCommand runs one decoded client command.
func (e *Engine) HandleCommand(ctx context.Context, connID types.ConnIDType, cmd protocol.ClientCommand) {
	name := commandName(cmd)
	start := e.now()

	status := e.dispatch(ctx, connID, cmd)

	metrics.CommandsProcessed.WithLabelValues(name, status).Inc()
	metrics.CommandDuration.WithLabelValues(name).Observe(e.now().Sub(start).Seconds())
}

func (e *Engine) dispatch(ctx context.Context, connID types.ConnIDType, cmd protocol.ClientCommand) string {
	switch c := cmd.(type) {
	case protocol.Ping:
		if err := e.sessions.Send(connID, protocol.Pong{Timestamp: e.now().UnixMilli()}); err != nil {
			return "send_failed"
		}
		return "ok"
	case protocol.Authenticate:
		return e.handleAuthenticate(ctx, connID, c)
	case protocol.Touches, protocol.Judges:
		// Monitor telemetry; consumed and discarded.
		return "ok"
	case protocol.Unknown:
		logging.Warn(ctx, "unknown opcode", zap.Uint8("opcode", c.Op),
			zap.String("conn_id", string(connID)))
		return "unknown_opcode"
	}

	// Everything below requires a session.
	sess, ok := e.sessions.SessionByConn(connID)
	if !ok {
		e.reject(connID, ackOpcode(cmd), msgNotAuthenticated)
		return "not_authenticated"
	}

	// A user proxied to a remote room plays by forwarding; only LeaveRoom
	// is intercepted to tear the proxy down.
	if nodeID, proxied := e.proxiedNode(sess.UserID); proxied {
		return e.forwardProxied(ctx, sess, nodeID, cmd)
	}

	switch c := cmd.(type) {
	case protocol.Chat:
		return e.handleChat(ctx, sess, c)
	case protocol.CreateRoom:
		return e.handleCreateRoom(ctx, sess, c)
	case protocol.JoinRoom:
		return e.handleJoinRoom(ctx, sess, c)
	case protocol.LeaveRoom:
		return e.handleLeaveRoom(ctx, sess)
	case protocol.LockRoom:
		return e.handleLockRoom(ctx, sess, c)
	case protocol.CycleRoom:
		return e.handleCycleRoom(ctx, sess, c)
	case protocol.SelectChart:
		return e.handleSelectChart(ctx, sess, c)
	case protocol.RequestStart:
		return e.handleRequestStart(ctx, sess)
	case protocol.Ready:
		return e.handleReady(ctx, sess)
	case protocol.CancelReady:
		return e.handleCancelReady(ctx, sess)
	case protocol.Played:
		return e.handlePlayed(ctx, sess, c)
	case protocol.Abort:
		return e.handleAbort(ctx, sess)
	case protocol.GameResult:
		return e.handleGameResult(ctx, sess, c)
	default:
		logging.Warn(ctx, "unhandled command", zap.String("command", fmt.Sprintf("%T", cmd)))
		return "unhandled"
	}
}

// HandleDisconnection runs the disconnect path for a connection: abort
// any in-flight game, leave the room, drop the session.
func (e *Engine) HandleDisconnection(ctx context.Context, connID types.ConnIDType) {
	sess, had := e.sessions.Unregister(connID)
	if !had {
		return
	}
	logging.Info(ctx, "session closed",
		zap.Int32("user_id", int32(sess.UserID)), zap.String("conn_id", string(connID)))

	if nodeID, proxied := e.proxiedNode(sess.UserID); proxied {
		e.clearProxied(sess.UserID)
		if fed := e.federator(); fed != nil {
			if err := fed.ProxyLeave(ctx, nodeID, sess.UserID); err != nil {
				logging.Warn(ctx, "proxy leave on disconnect failed",
					zap.String("node_id", nodeID), zap.Error(err))
			}
		}
		return
	}

	// Mid-game disconnect counts as an abort with a zero score.
	e.commitAbort(ctx, sess, true)
	e.leaveRoom(ctx, sess)
}

// SendCommandToUser delivers a server command to a user's live
// connection. Exposed for the federation callback path and the admin
// surface.
func (e *Engine) SendCommandToUser(userID types.UserIDType, cmd protocol.ServerCommand) error {
	return e.sessions.SendToUser(userID, cmd)
}

// HandleMessage decodes and runs a raw client frame payload arriving
// from the federation proxy path on a virtual connection.
func (e *Engine) HandleMessage(ctx context.Context, connID types.ConnIDType, payload []byte) error {
	cmd, err := protocol.DecodeClientCommand(payload)
	if err != nil {
		return fmt.Errorf("decoding proxied command: %w", err)
	}
	e.HandleCommand(ctx, connID, cmd)
	return nil
}

// CreateFederatedSession registers a virtual connection for a remote
// user and binds their session, bypassing token authentication (the
// source node already authenticated them).
func (e *Engine) CreateFederatedSession(ctx context.Context, connID types.ConnIDType, user types.User, send session.SendFunc) error {
	if entry, banned := e.bans.IsIDBanned(int32(user.ID)); banned {
		return fmt.Errorf("user %d banned: %s", user.ID, entry.Reason)
	}
	e.sessions.Register(connID, string(connID), send, func() {})
	prev, had, err := e.sessions.Bind(connID, user)
	if err != nil {
		return err
	}
	if had {
		// The same user reappearing through a different path drops the
		// old connection.
		if migrated := e.rooms.MigrateConn(user.ID, connID); !migrated {
			e.sessions.Close(prev.ConnID)
		}
	}
	logging.Info(ctx, "federated session created",
		zap.Int32("user_id", int32(user.ID)), zap.String("conn_id", string(connID)))
	return nil
}

func (e *Engine) proxiedNode(userID types.UserIDType) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	n, ok := e.proxied[userID]
	return n, ok
}

func (e *Engine) setProxied(userID types.UserIDType, nodeID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.proxied[userID] = nodeID
}

func (e *Engine) clearProxied(userID types.UserIDType) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.proxied, userID)
}

// DetachProxiedUsers force-detaches every local user proxied to the
// given node, notifying them. Called when federation marks the node
// offline.
func (e *Engine) DetachProxiedUsers(ctx context.Context, nodeID string) {
	e.mu.Lock()
	var users []types.UserIDType
	for uid, n := range e.proxied {
		if n == nodeID {
			users = append(users, uid)
			delete(e.proxied, uid)
		}
	}
	e.mu.Unlock()

	for _, uid := range users {
		bot := e.botUser()
		_ = e.sessions.SendToUser(uid, protocol.Ack{Op: protocol.SLeaveRoom})
		_ = e.sessions.SendToUser(uid, protocol.MessageCmd{Msg: protocol.Message{
			Kind: protocol.MsgChat, User: &bot, Content: msgFederation,
		}})
		logging.Info(ctx, "detached proxied user after node went offline",
			zap.Int32("user_id", int32(uid)), zap.String("node_id", nodeID))
	}
}

// forwardProxied relays a proxied user's command to the authoritative
// node, intercepting LeaveRoom to tear down the proxy.
func (e *Engine) forwardProxied(ctx context.Context, sess session.Session, nodeID string, cmd protocol.ClientCommand) string {
	fed := e.federator()
	if fed == nil {
		e.clearProxied(sess.UserID)
		e.reject(sess.ConnID, ackOpcode(cmd), msgFederation)
		return "proxy_lost"
	}

	if _, isLeave := cmd.(protocol.LeaveRoom); isLeave {
		e.clearProxied(sess.UserID)
		if err := fed.ProxyLeave(ctx, nodeID, sess.UserID); err != nil {
			logging.Warn(ctx, "proxy leave failed", zap.String("node_id", nodeID), zap.Error(err))
		}
		e.ack(sess.ConnID, protocol.SLeaveRoom)
		return "ok"
	}

	if err := fed.ProxyCommand(ctx, nodeID, sess.UserID, protocol.EncodeClientCommand(cmd)); err != nil {
		logging.Warn(ctx, "proxy command failed",
			zap.String("node_id", nodeID), zap.Error(err))
		e.reject(sess.ConnID, ackOpcode(cmd), msgFederation)
		return "proxy_failed"
	}
	return "ok"
}

// reject sends the error arm of the ack for the given opcode.
func (e *Engine) reject(connID types.ConnIDType, op byte, msg string) {
	if err := e.sessions.Send(connID, protocol.Ack{Op: op, Err: msg}); err != nil {
		logging.Warn(context.Background(), "reject send failed",
			zap.String("conn_id", string(connID)), zap.Error(err))
	}
}

// ack sends the ok arm of the ack for the given opcode.
func (e *Engine) ack(connID types.ConnIDType, op byte) {
	if err := e.sessions.Send(connID, protocol.Ack{Op: op}); err != nil {
		logging.Warn(context.Background(), "ack send failed",
			zap.String("conn_id", string(connID)), zap.Error(err))
	}
}

// publishEvent pushes a catalog change to federation peers and pokes the
// web bridge.
func (e *Engine) publishEvent(ctx context.Context, kind string, summary types.RoomSummary) {
	if fed := e.federator(); fed != nil {
		fed.PublishRoomEvent(ctx, kind, summary)
	}
	e.roomsChanged()
}

// ackOpcode maps a client command to its server ack opcode.
func ackOpcode(cmd protocol.ClientCommand) byte {
	switch cmd.(type) {
	case protocol.Authenticate:
		return protocol.SAuthenticate
	case protocol.Chat:
		return protocol.SChat
	case protocol.CreateRoom:
		return protocol.SCreateRoom
	case protocol.JoinRoom:
		return protocol.SJoinRoom
	case protocol.LeaveRoom:
		return protocol.SLeaveRoom
	case protocol.LockRoom:
		return protocol.SLockRoom
	case protocol.CycleRoom:
		return protocol.SCycleRoom
	case protocol.SelectChart:
		return protocol.SSelectChart
	case protocol.RequestStart:
		return protocol.SRequestStart
	case protocol.Ready:
		return protocol.SReady
	case protocol.CancelReady:
		return protocol.SCancelReady
	case protocol.Played:
		return protocol.SPlayed
	case protocol.Abort:
		return protocol.SAbort
	case protocol.GameResult:
		return protocol.SGameResult
	default:
		return protocol.SChat
	}
}

func commandName(cmd protocol.ClientCommand) string {
	switch cmd.(type) {
	case protocol.Ping:
		return "ping"
	case protocol.Authenticate:
		return "authenticate"
	case protocol.Chat:
		return "chat"
	case protocol.Touches:
		return "touches"
	case protocol.Judges:
		return "judges"
	case protocol.CreateRoom:
		return "create_room"
	case protocol.JoinRoom:
		return "join_room"
	case protocol.LeaveRoom:
		return "leave_room"
	case protocol.LockRoom:
		return "lock_room"
	case protocol.CycleRoom:
		return "cycle_room"
	case protocol.SelectChart:
		return "select_chart"
	case protocol.RequestStart:
		return "request_start"
	case protocol.Ready:
		return "ready"
	case protocol.CancelReady:
		return "cancel_ready"
	case protocol.Played:
		return "played"
	case protocol.Abort:
		return "abort"
	case protocol.GameResult:
		return "game_result"
	default:
		return "unknown"
	}
}
