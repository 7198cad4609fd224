package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/cadenza-live/linkplay/internal/v1/banstore"
	"github.com/cadenza-live/linkplay/internal/v1/engine"
	"github.com/cadenza-live/linkplay/internal/v1/protocol"
	"github.com/cadenza-live/linkplay/internal/v1/room"
	"github.com/cadenza-live/linkplay/internal/v1/session"
	"github.com/cadenza-live/linkplay/internal/v1/types"
)

type staticIdentity struct{}

func (staticIdentity) Me(_ context.Context, token string) (types.User, error) {
	return types.User{ID: 7, Name: "tester"}, nil
}
func (staticIdentity) Chart(_ context.Context, id int32) (types.ChartInfo, error) {
	return types.ChartInfo{ID: id, Name: "chart"}, nil
}
func (staticIdentity) Record(_ context.Context, id int32) (types.PlayerScore, error) {
	return types.PlayerScore{}, nil
}

func startServer(t *testing.T) (addr string, shutdown func()) {
	t.Helper()
	bans, err := banstore.Load(t.TempDir())
	require.NoError(t, err)
	eng := engine.New(session.NewTable(), room.NewStore(8), bans, staticIdentity{},
		engine.Options{ServerName: "test", TokenLength: 20})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr = ln.Addr().String()
	ln.Close()

	srv := NewServer(addr, eng, bans)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Run(ctx)
	}()
	shutdown = func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("server did not shut down")
		}
	}

	// Wait for the listener to come up.
	require.Eventually(t, func() bool {
		c, err := net.Dial("tcp", addr)
		if err != nil {
			return false
		}
		c.Close()
		return true
	}, 2*time.Second, 10*time.Millisecond)
	return addr, shutdown
}

// readFrame pulls one complete frame off the wire.
func readFrame(t *testing.T, conn net.Conn, splitter *protocol.FrameSplitter) []byte {
	t.Helper()
	buf := make([]byte, 4096)
	deadline := time.Now().Add(3 * time.Second)
	for {
		if payload, err := splitter.Next(); err == nil && payload != nil {
			return payload
		}
		require.NoError(t, conn.SetReadDeadline(deadline))
		n, err := conn.Read(buf)
		require.NoError(t, err)
		splitter.Push(buf[:n])
	}
}

func TestPingPongOverSocket(t *testing.T) {
	defer goleak.VerifyNone(t)
	addr, shutdown := startServer(t)
	defer shutdown()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	// Version byte, then a Ping frame.
	_, err = conn.Write([]byte{protocol.Version})
	require.NoError(t, err)
	frame := protocol.EncodeFrame(protocol.EncodeClientCommand(protocol.Ping{}))
	_, err = conn.Write(frame)
	require.NoError(t, err)

	// The server replies with a frame (no version prefix), so feed the
	// splitter a synthetic version byte first.
	var splitter protocol.FrameSplitter
	splitter.Push([]byte{protocol.Version})

	payload := readFrame(t, conn, &splitter)
	cmd, err := protocol.DecodeServerCommand(payload)
	require.NoError(t, err)
	pong, ok := cmd.(protocol.Pong)
	require.True(t, ok)
	assert.Greater(t, pong.Timestamp, int64(0))
}

func TestAuthenticateOverSocket(t *testing.T) {
	defer goleak.VerifyNone(t)
	addr, shutdown := startServer(t)
	defer shutdown()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte{protocol.Version})
	require.NoError(t, err)
	auth := protocol.Authenticate{Token: "12345678901234567890"}
	_, err = conn.Write(protocol.EncodeFrame(protocol.EncodeClientCommand(auth)))
	require.NoError(t, err)

	var splitter protocol.FrameSplitter
	splitter.Push([]byte{protocol.Version})

	payload := readFrame(t, conn, &splitter)
	cmd, err := protocol.DecodeServerCommand(payload)
	require.NoError(t, err)
	resp, ok := cmd.(protocol.AuthenticateResp)
	require.True(t, ok)
	require.True(t, resp.OK(), resp.Err)
	assert.Equal(t, types.UserIDType(7), resp.User.ID)

	// Welcome chat follows.
	payload = readFrame(t, conn, &splitter)
	cmd, err = protocol.DecodeServerCommand(payload)
	require.NoError(t, err)
	msg, ok := cmd.(protocol.MessageCmd)
	require.True(t, ok)
	assert.Equal(t, protocol.MsgChat, msg.Msg.Kind)
}

func TestBannedIPRejectedAtAccept(t *testing.T) {
	defer goleak.VerifyNone(t)

	bans, err := banstore.Load(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, bans.BanIP("127.0.0.1", "test", "", nil))

	eng := engine.New(session.NewTable(), room.NewStore(8), bans, staticIdentity{},
		engine.Options{TokenLength: 20})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	srv := NewServer(addr, eng, bans)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { defer close(done); _ = srv.Run(ctx) }()
	defer func() { cancel(); <-done }()

	require.Eventually(t, func() bool {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			return false
		}
		defer conn.Close()
		// The server closes a banned peer without reading; the first read
		// should return EOF promptly.
		conn.SetReadDeadline(time.Now().Add(time.Second))
		buf := make([]byte, 1)
		_, err = conn.Read(buf)
		return err != nil
	}, 3*time.Second, 50*time.Millisecond)
}
