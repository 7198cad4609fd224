package federation

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadenza-live/linkplay/internal/v1/protocol"
	"github.com/cadenza-live/linkplay/internal/v1/session"
	"github.com/cadenza-live/linkplay/internal/v1/types"
)

const testSecret = "s3cret"

// fakeHooks is a stand-in engine: it records everything federation
// pushes at it and answers JoinRoom with a canned room state.
type fakeHooks struct {
	mu           sync.Mutex
	sends        map[types.ConnIDType]session.SendFunc
	messages     map[types.ConnIDType][]protocol.ClientCommand
	disconnected []types.ConnIDType
	toUser       map[types.UserIDType][]protocol.ServerCommand
	detached     []string

	joinState types.ClientRoomState
	joinErr   string
}

func newFakeHooks() *fakeHooks {
	return &fakeHooks{
		sends:    make(map[types.ConnIDType]session.SendFunc),
		messages: make(map[types.ConnIDType][]protocol.ClientCommand),
		toUser:   make(map[types.UserIDType][]protocol.ServerCommand),
	}
}

func (f *fakeHooks) HandleMessage(_ context.Context, connID types.ConnIDType, payload []byte) error {
	cmd, err := protocol.DecodeClientCommand(payload)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.messages[connID] = append(f.messages[connID], cmd)
	send := f.sends[connID]
	f.mu.Unlock()

	if _, ok := cmd.(protocol.JoinRoom); ok && send != nil {
		return send(protocol.JoinRoomResp{Err: f.joinErr, Room: f.joinState})
	}
	return nil
}

func (f *fakeHooks) HandleDisconnection(_ context.Context, connID types.ConnIDType) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = append(f.disconnected, connID)
	delete(f.sends, connID)
}

func (f *fakeHooks) SendCommandToUser(userID types.UserIDType, cmd protocol.ServerCommand) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.toUser[userID] = append(f.toUser[userID], cmd)
	return nil
}

func (f *fakeHooks) CreateFederatedSession(_ context.Context, connID types.ConnIDType, _ types.User, send session.SendFunc) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends[connID] = send
	return nil
}

func (f *fakeHooks) DetachProxiedUsers(_ context.Context, nodeID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detached = append(f.detached, nodeID)
}

func (f *fakeHooks) sendFor(connID types.ConnIDType) session.SendFunc {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sends[connID]
}

func (f *fakeHooks) commandsFor(connID types.ConnIDType) []protocol.ClientCommand {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.ClientCommand(nil), f.messages[connID]...)
}

type staticCatalog struct{ rooms []types.RoomSummary }

func (c staticCatalog) Summaries() []types.RoomSummary { return c.rooms }

type testNode struct {
	svc   *Service
	hooks *fakeHooks
	url   string
}

func startNode(t *testing.T, name string, rooms ...types.RoomSummary) *testNode {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)

	hooks := newFakeHooks()
	svc, err := New(Options{
		NodeURL:    ts.URL,
		Secret:     testSecret,
		ServerName: name,
		DataDir:    t.TempDir(),
	}, hooks, staticCatalog{rooms: rooms})
	require.NoError(t, err)
	svc.RegisterRoutes(router)
	return &testNode{svc: svc, hooks: hooks, url: ts.URL}
}

func summary(id types.RoomIDType) types.RoomSummary {
	return types.RoomSummary{ID: id, OwnerName: "owner", PlayerCount: 1, MaxPlayers: 8, State: "selectChart"}
}

func TestHandshakeConvergesBothWays(t *testing.T) {
	a := startNode(t, "node-a", summary("room-a"))
	b := startNode(t, "node-b", summary("room-b"))

	require.NoError(t, a.svc.handshakeWith(context.Background(), b.url, false))

	// A learned B synchronously; B's reverse handshake lands shortly.
	assert.True(t, a.svc.knowsPeer(b.svc.NodeID()))
	require.Eventually(t, func() bool {
		return b.svc.knowsPeer(a.svc.NodeID())
	}, 3*time.Second, 20*time.Millisecond)

	// Room catalogs converge in both directions.
	nodeID, ok := a.svc.RemoteRoomNode("room-b")
	require.True(t, ok)
	assert.Equal(t, b.svc.NodeID(), nodeID)
	require.Eventually(t, func() bool {
		id, ok := b.svc.RemoteRoomNode("room-a")
		return ok && id == a.svc.NodeID()
	}, 3*time.Second, 20*time.Millisecond)
}

func TestGossipDiscoversThirdNode(t *testing.T) {
	a := startNode(t, "node-a")
	b := startNode(t, "node-b")
	c := startNode(t, "node-c")

	require.NoError(t, a.svc.handshakeWith(context.Background(), b.url, false))
	require.Eventually(t, func() bool {
		return b.svc.knowsPeer(a.svc.NodeID())
	}, 3*time.Second, 20*time.Millisecond)

	// C only seeds A, but learns B through A's peer list, and B learns
	// C from C's gossip handshake.
	require.NoError(t, c.svc.handshakeWith(context.Background(), a.url, false))
	require.Eventually(t, func() bool {
		return c.svc.knowsPeer(b.svc.NodeID()) &&
			b.svc.knowsPeer(c.svc.NodeID()) &&
			a.svc.knowsPeer(c.svc.NodeID())
	}, 3*time.Second, 20*time.Millisecond)
}

func TestHandshakeRejectsWrongSecret(t *testing.T) {
	a := startNode(t, "node-a")

	resp, err := http.Post(a.url+"/handshake", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Empty(t, a.svc.Peers())
}

func TestRoomEventsUpdateCatalog(t *testing.T) {
	a := startNode(t, "node-a")
	b := startNode(t, "node-b")
	require.NoError(t, a.svc.handshakeWith(context.Background(), b.url, false))

	a.svc.PublishRoomEvent(context.Background(), "create", summary("fresh"))
	require.Eventually(t, func() bool {
		id, ok := b.svc.RemoteRoomNode("fresh")
		return ok && id == a.svc.NodeID()
	}, 3*time.Second, 20*time.Millisecond)

	a.svc.PublishRoomEvent(context.Background(), "delete", summary("fresh"))
	require.Eventually(t, func() bool {
		_, ok := b.svc.RemoteRoomNode("fresh")
		return !ok
	}, 3*time.Second, 20*time.Millisecond)
}

func TestEventsFromUnknownNodesDropped(t *testing.T) {
	a := startNode(t, "node-a")

	// No handshake happened, so the event must not create catalog state.
	stranger := startNode(t, "stranger")
	stranger.svc.recordPeer("fake-id", a.url, "node-a")
	stranger.svc.PublishRoomEvent(context.Background(), "create", summary("ghost"))

	time.Sleep(200 * time.Millisecond)
	_, ok := a.svc.RemoteRoomNode("ghost")
	assert.False(t, ok)
}

func TestProxyJoinCommandCallbackLeave(t *testing.T) {
	a := startNode(t, "node-a")
	b := startNode(t, "node-b")
	b.hooks.joinState = types.ClientRoomState{ID: "remote-room"}
	require.NoError(t, a.svc.handshakeWith(context.Background(), b.url, false))

	user := types.User{ID: 7, Name: "alice"}
	state, err := a.svc.ProxyJoin(context.Background(), b.svc.NodeID(), user, "remote-room", false)
	require.NoError(t, err)
	assert.Equal(t, types.RoomIDType("remote-room"), state.ID)

	connID := virtualConnID(a.svc.NodeID(), 7)
	require.NotNil(t, b.hooks.sendFor(connID))

	// Commands flow A -> B into the virtual session.
	payload := protocol.EncodeClientCommand(protocol.Chat{Message: "hi"})
	require.NoError(t, a.svc.ProxyCommand(context.Background(), b.svc.NodeID(), 7, payload))
	cmds := b.hooks.commandsFor(connID)
	require.Len(t, cmds, 2) // JoinRoom, then Chat
	assert.Equal(t, protocol.Chat{Message: "hi"}, cmds[1])

	// Replies flow B -> A through the callback endpoint.
	send := b.hooks.sendFor(connID)
	require.NoError(t, send(protocol.Ack{Op: protocol.SChat}))
	a.hooks.mu.Lock()
	got := a.hooks.toUser[7]
	a.hooks.mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, protocol.Ack{Op: protocol.SChat}, got[0])

	// Leave tears the virtual session down on B.
	require.NoError(t, a.svc.ProxyLeave(context.Background(), b.svc.NodeID(), 7))
	b.hooks.mu.Lock()
	disconnected := append([]types.ConnIDType(nil), b.hooks.disconnected...)
	b.hooks.mu.Unlock()
	assert.Contains(t, disconnected, connID)
}

func TestProxyJoinErrorDoesNotLeaveSession(t *testing.T) {
	a := startNode(t, "node-a")
	b := startNode(t, "node-b")
	b.hooks.joinErr = "房间不存在"
	require.NoError(t, a.svc.handshakeWith(context.Background(), b.url, false))

	_, err := a.svc.ProxyJoin(context.Background(), b.svc.NodeID(), types.User{ID: 7}, "nope", false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "房间不存在")

	connID := virtualConnID(a.svc.NodeID(), 7)
	b.hooks.mu.Lock()
	disconnected := append([]types.ConnIDType(nil), b.hooks.disconnected...)
	b.hooks.mu.Unlock()
	assert.Contains(t, disconnected, connID)
	assert.Nil(t, b.hooks.sendFor(connID))
}

func TestPeerOfflineTeardown(t *testing.T) {
	a := startNode(t, "node-a")
	b := startNode(t, "node-b")
	b.hooks.joinState = types.ClientRoomState{ID: "remote-room"}
	require.NoError(t, b.svc.handshakeWith(context.Background(), a.url, false))
	require.Eventually(t, func() bool {
		return a.svc.knowsPeer(b.svc.NodeID())
	}, 3*time.Second, 20*time.Millisecond)

	// A player from A is proxied into B, then A vanishes.
	_, err := a.svc.ProxyJoin(context.Background(), b.svc.NodeID(), types.User{ID: 7}, "remote-room", false)
	require.NoError(t, err)

	b.svc.handlePeerOffline(context.Background(), a.svc.NodeID())

	connID := virtualConnID(a.svc.NodeID(), 7)
	b.hooks.mu.Lock()
	disconnected := append([]types.ConnIDType(nil), b.hooks.disconnected...)
	detached := append([]string(nil), b.hooks.detached...)
	b.hooks.mu.Unlock()
	assert.Contains(t, disconnected, connID)
	assert.Contains(t, detached, a.svc.NodeID())
	_, ok := b.svc.RemoteRoomNode("room-a")
	assert.False(t, ok)
}

func TestNodeIDPersistsAcrossRestarts(t *testing.T) {
	dir := t.TempDir()
	first, err := loadOrCreateNodeID(dir, "http://host:8080", "")
	require.NoError(t, err)
	second, err := loadOrCreateNodeID(dir, "http://host:8080", "")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// A different node URL in the same directory gets its own id.
	other, err := loadOrCreateNodeID(dir, "http://host:9090", "")
	require.NoError(t, err)
	assert.NotEqual(t, first, other)

	// An explicit id wins and sticks.
	forced, err := loadOrCreateNodeID(dir, "http://host:8080", "my-node")
	require.NoError(t, err)
	assert.Equal(t, "my-node", forced)
	again, err := loadOrCreateNodeID(dir, "http://host:8080", "")
	require.NoError(t, err)
	assert.Equal(t, "my-node", again)
}

func TestOfflineProbeBackoff(t *testing.T) {
	now := time.Now()
	n := &Node{
		LastSeen:        now.Add(-time.Hour).UnixMilli(),
		LastHealthCheck: now.Add(-time.Minute).UnixMilli(),
	}
	// Recently offline: five minute cadence.
	assert.False(t, offlineProbeDue(n, now))
	n.LastHealthCheck = now.Add(-6 * time.Minute).UnixMilli()
	assert.True(t, offlineProbeDue(n, now))

	// Offline for four days: hourly cadence.
	n.LastSeen = now.Add(-4 * 24 * time.Hour).UnixMilli()
	n.LastHealthCheck = now.Add(-10 * time.Minute).UnixMilli()
	assert.False(t, offlineProbeDue(n, now))
	n.LastHealthCheck = now.Add(-2 * time.Hour).UnixMilli()
	assert.True(t, offlineProbeDue(n, now))

	// Offline for over a week: purge.
	assert.False(t, purgeDue(n, now))
	n.LastSeen = now.Add(-8 * 24 * time.Hour).UnixMilli()
	assert.True(t, purgeDue(n, now))
}
