// Package session tracks live connections and their authenticated
// sessions. The Table is the "Session" level of the Session → Room →
// Federation lock order; its lock is never held across a socket write,
// so Send copies the callback out before calling it.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cadenza-live/linkplay/internal/v1/logging"
	"github.com/cadenza-live/linkplay/internal/v1/metrics"
	"github.com/cadenza-live/linkplay/internal/v1/protocol"
	"github.com/cadenza-live/linkplay/internal/v1/types"
)

var (
	// ErrDuplicateAuth means the connection already carries a session.
	ErrDuplicateAuth = errors.New("connection already authenticated")
	// ErrUnknownConn means the connection id was never registered (or was
	// already unregistered by the disconnect path).
	ErrUnknownConn = errors.New("unknown connection")
	// ErrNoSession means the connection is registered but unauthenticated.
	ErrNoSession = errors.New("connection has no session")
)

// SendFunc delivers one encoded server command to a connection. TCP
// connections write a frame; virtual federation connections POST to the
// source node's callback endpoint.
type SendFunc func(cmd protocol.ServerCommand) error

// CloseFunc tears down the underlying socket. Safe to call more than
// once.
type CloseFunc func()

// Session is the authenticated state of one connection.
type Session struct {
	UserID          types.UserIDType
	User            types.User
	ConnID          types.ConnIDType
	RemoteAddr      string
	AuthenticatedAt time.Time
}

type conn struct {
	id         types.ConnIDType
	remoteAddr string
	send       SendFunc
	close      CloseFunc
}

// Table owns the connection registry and the session maps. Safe for
// concurrent use.
type Table struct {
	mu     sync.Mutex
	conns  map[types.ConnIDType]*conn
	byConn map[types.ConnIDType]*Session
	byUser map[types.UserIDType]types.ConnIDType

	now func() time.Time
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{
		conns:  make(map[types.ConnIDType]*conn),
		byConn: make(map[types.ConnIDType]*Session),
		byUser: make(map[types.UserIDType]types.ConnIDType),
		now:    time.Now,
	}
}

// Register adds a connection without a session. Re-registering an id
// replaces the callbacks, which only happens for virtual federation
// connections being refreshed.
func (t *Table) Register(id types.ConnIDType, remoteAddr string, send SendFunc, close CloseFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conns[id] = &conn{id: id, remoteAddr: remoteAddr, send: send, close: close}
	metrics.ActiveConnections.Set(float64(len(t.conns)))
}

// RemoteAddr returns the registered peer address for a connection.
func (t *Table) RemoteAddr(id types.ConnIDType) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.conns[id]
	if !ok {
		return "", false
	}
	return c.remoteAddr, true
}

// SessionByConn returns the session bound to a connection.
func (t *Table) SessionByConn(id types.ConnIDType) (Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.byConn[id]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// SessionByUser returns the user's current session.
func (t *Table) SessionByUser(userID types.UserIDType) (Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.byUser[userID]
	if !ok {
		return Session{}, false
	}
	return *t.byConn[id], true
}

// Bind commits a session for the connection, displacing any prior
// session the same user held. The displaced session is returned so the
// caller can decide between room migration and full eviction; the old
// socket is not touched here.
func (t *Table) Bind(id types.ConnIDType, user types.User) (prev Session, hadPrev bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.conns[id]
	if !ok {
		return Session{}, false, ErrUnknownConn
	}
	if _, dup := t.byConn[id]; dup {
		return Session{}, false, ErrDuplicateAuth
	}

	if oldConn, ok := t.byUser[user.ID]; ok && oldConn != id {
		prev = *t.byConn[oldConn]
		hadPrev = true
		delete(t.byConn, oldConn)
	}

	s := &Session{
		UserID:          user.ID,
		User:            user,
		ConnID:          id,
		RemoteAddr:      c.remoteAddr,
		AuthenticatedAt: t.now(),
	}
	t.byConn[id] = s
	t.byUser[user.ID] = id
	metrics.ActiveSessions.Set(float64(len(t.byConn)))
	return prev, hadPrev, nil
}

// Unregister drops a connection and its session, if any. Returns the
// removed session so the disconnect path can run room cleanup.
func (t *Table) Unregister(id types.ConnIDType) (Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.conns, id)
	metrics.ActiveConnections.Set(float64(len(t.conns)))

	s, ok := t.byConn[id]
	if !ok {
		return Session{}, false
	}
	delete(t.byConn, id)
	// Only clear the reverse index if it still points at this connection;
	// a migration may have already repointed it.
	if t.byUser[s.UserID] == id {
		delete(t.byUser, s.UserID)
	}
	metrics.ActiveSessions.Set(float64(len(t.byConn)))
	return *s, true
}

// Send delivers a command to a connection. The callback runs outside the
// table lock. Sending to an unknown connection is a no-op error; races
// with disconnection make that ordinary.
func (t *Table) Send(id types.ConnIDType, cmd protocol.ServerCommand) error {
	t.mu.Lock()
	c, ok := t.conns[id]
	t.mu.Unlock()
	if !ok {
		return ErrUnknownConn
	}
	return c.send(cmd)
}

// SendToUser delivers a command to a user's current connection.
func (t *Table) SendToUser(userID types.UserIDType, cmd protocol.ServerCommand) error {
	t.mu.Lock()
	id, ok := t.byUser[userID]
	var c *conn
	if ok {
		c, ok = t.conns[id]
	}
	t.mu.Unlock()
	if !ok {
		return ErrNoSession
	}
	return c.send(cmd)
}

// Broadcast sends a command to every listed connection, logging and
// skipping failures. Callers pass a snapshot taken from the room store.
func (t *Table) Broadcast(ctx context.Context, ids []types.ConnIDType, cmd protocol.ServerCommand) {
	t.mu.Lock()
	targets := make([]*conn, 0, len(ids))
	for _, id := range ids {
		if c, ok := t.conns[id]; ok {
			targets = append(targets, c)
		}
	}
	t.mu.Unlock()

	for _, c := range targets {
		if err := c.send(cmd); err != nil {
			logging.Warn(ctx, "broadcast send failed",
				zap.String("conn_id", string(c.id)), zap.Error(err))
		}
	}
	metrics.BroadcastsSent.Add(float64(len(targets)))
}

// Close tears down a connection's socket. The registry row stays until
// the read loop runs Unregister.
func (t *Table) Close(id types.ConnIDType) {
	t.mu.Lock()
	c, ok := t.conns[id]
	t.mu.Unlock()
	if ok && c.close != nil {
		c.close()
	}
}

// SessionCount returns the number of authenticated sessions.
func (t *Table) SessionCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byConn)
}

// ConnCount returns the number of registered connections.
func (t *Table) ConnCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}
