// Package transport owns the TCP listener and the per-connection read
// loops. It knows nothing about rooms: every decoded frame is handed to
// the engine together with the connection id, and every engine reply
// comes back through the send callback registered at accept time.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/cadenza-live/linkplay/internal/v1/banstore"
	"github.com/cadenza-live/linkplay/internal/v1/engine"
	"github.com/cadenza-live/linkplay/internal/v1/logging"
	"github.com/cadenza-live/linkplay/internal/v1/protocol"
	"github.com/cadenza-live/linkplay/internal/v1/types"
)

const (
	// heartbeatInterval is how often the server pushes a timestamp Pong.
	heartbeatInterval = 30 * time.Second
	// heartbeatGrace is how long after a due heartbeat the peer may stay
	// silent before the socket is destroyed. Any inbound frame counts as
	// evidence of life.
	heartbeatGrace = 10 * time.Second

	writeTimeout = 10 * time.Second
	readBufSize  = 4096
)

// Server accepts TCP connections and pumps frames into the engine.
type Server struct {
	engine *engine.Engine
	bans   *banstore.Store
	addr   string

	ln      net.Listener
	connSeq atomic.Uint64
	wg      sync.WaitGroup
}

// NewServer builds a TCP server bound to addr on Run.
func NewServer(addr string, eng *engine.Engine, bans *banstore.Store) *Server {
	return &Server{engine: eng, bans: bans, addr: addr}
}

// Run listens and serves until ctx is cancelled. Blocks.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("binding %s: %w", s.addr, err)
	}
	s.ln = ln
	logging.Info(ctx, "tcp server listening", zap.String("addr", s.addr))

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			logging.Warn(ctx, "accept failed", zap.Error(err))
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(ctx, conn)
		}()
	}

	s.wg.Wait()
	return nil
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	remote := conn.RemoteAddr().String()
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		host = remote
	}
	if entry, banned := s.bans.IsIPBanned(host); banned {
		logging.Info(ctx, "rejected banned ip",
			zap.String("ip", host), zap.String("reason", entry.Reason))
		conn.Close()
		return
	}

	connID := types.ConnIDType(fmt.Sprintf("tcp:%d", s.connSeq.Add(1)))
	ctx = context.WithValue(ctx, logging.ConnIDKey, string(connID))

	c := &tcpConn{conn: conn}
	var closeOnce sync.Once
	closeFn := func() { closeOnce.Do(func() { conn.Close() }) }

	s.engine.HandleConnection(connID, remote, c.send, closeFn)
	logging.Info(ctx, "connection accepted", zap.String("remote", remote))

	defer func() {
		closeFn()
		s.engine.HandleDisconnection(ctx, connID)
	}()

	stopHeartbeat := make(chan struct{})
	defer close(stopHeartbeat)
	go s.heartbeat(ctx, c, closeFn, stopHeartbeat)

	s.readLoop(ctx, connID, c)
}

// heartbeat pushes a timestamp Pong on a fixed cadence. A failed write
// means the peer is gone; the read loop notices via the closed socket.
func (s *Server) heartbeat(ctx context.Context, c *tcpConn, closeFn func(), stop <-chan struct{}) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.send(protocol.Pong{Timestamp: time.Now().UnixMilli()}); err != nil {
				logging.Info(ctx, "heartbeat write failed, closing", zap.Error(err))
				closeFn()
				return
			}
		}
	}
}

func (s *Server) readLoop(ctx context.Context, connID types.ConnIDType, c *tcpConn) {
	var splitter protocol.FrameSplitter
	buf := make([]byte, readBufSize)
	versionChecked := false

	for {
		// The peer must say something (a frame, a Ping) within one
		// heartbeat round plus grace.
		if err := c.conn.SetReadDeadline(time.Now().Add(heartbeatInterval + heartbeatGrace)); err != nil {
			return
		}
		n, err := c.conn.Read(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				logging.Info(ctx, "connection closed", zap.Error(err))
			}
			return
		}

		splitter.Push(buf[:n])
		if !versionChecked {
			if v, seen := splitter.Version(); seen {
				versionChecked = true
				// An unexpected version is logged but tolerated; the
				// codec itself stays total.
				if v != protocol.Version {
					logging.Warn(ctx, "unexpected protocol version", zap.Uint8("version", v))
				}
			}
		}

		for {
			payload, err := splitter.Next()
			if errors.Is(err, protocol.ErrFrameTooLarge) {
				// The splitter realigned past the oversized body; keep
				// reading.
				logging.Warn(ctx, "oversized frame skipped", zap.Error(err))
				continue
			}
			if err != nil {
				// Unrecoverable stream corruption.
				logging.Warn(ctx, "corrupt stream, closing", zap.Error(err))
				return
			}
			if payload == nil {
				break
			}
			cmd, err := protocol.DecodeClientCommand(payload)
			if err != nil {
				logging.Warn(ctx, "malformed command", zap.Error(err))
				continue
			}
			s.engine.HandleCommand(ctx, connID, cmd)
		}
	}
}

// tcpConn serializes writes; the engine may send from several goroutines.
type tcpConn struct {
	mu   sync.Mutex
	conn net.Conn
}

func (c *tcpConn) send(cmd protocol.ServerCommand) error {
	frame := protocol.EncodeFrame(protocol.EncodeServerCommand(cmd))
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	_, err := c.conn.Write(frame)
	return err
}
