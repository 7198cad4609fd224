package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadenza-live/linkplay/internal/v1/types"
)

func dialHub(t *testing.T, h *webHarness) (*websocket.Conn, func()) {
	t.Helper()
	ts := httptest.NewServer(h.router)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { defer close(done); h.srv.Hub().Run(ctx) }()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}

	cleanup := func() {
		conn.Close()
		cancel()
		<-done
		ts.Close()
	}
	return conn, cleanup
}

func readEnvelope(t *testing.T, conn *websocket.Conn, wantType string) wsEnvelope {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var env wsEnvelope
		require.NoError(t, json.Unmarshal(data, &env))
		if env.Type == wantType {
			return env
		}
	}
}

func TestHubSnapshotOnConnect(t *testing.T) {
	h := newWebHarness(t)
	seedRoom(t, h, "lobby", 1)
	seedRoom(t, h, "pri-secret", 2)

	conn, cleanup := dialHub(t, h)
	defer cleanup()

	env := readEnvelope(t, conn, "roomList")
	var rooms []types.RoomSummary
	require.NoError(t, json.Unmarshal(env.Payload, &rooms))
	require.Len(t, rooms, 1)
	assert.Equal(t, types.RoomIDType("lobby"), rooms[0].ID)

	env = readEnvelope(t, conn, "serverStats")
	var stats ServerStats
	require.NoError(t, json.Unmarshal(env.Payload, &stats))
	assert.Equal(t, "test-server", stats.ServerName)
	// The private room is hidden from the list but still counted.
	assert.Equal(t, 2, stats.Rooms)
}

func TestHubRoomDetailsSubscription(t *testing.T) {
	h := newWebHarness(t)
	seedRoom(t, h, "lobby", 1)

	conn, cleanup := dialHub(t, h)
	defer cleanup()
	readEnvelope(t, conn, "roomList")

	sub, _ := json.Marshal(wsEnvelope{Type: "getRoomDetails",
		Payload: json.RawMessage(`{"roomId":"lobby"}`)})
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, sub))

	env := readEnvelope(t, conn, "roomDetails")
	var details roomDetailsPayload
	require.NoError(t, json.Unmarshal(env.Payload, &details))
	assert.Equal(t, types.RoomIDType("lobby"), details.Room.ID)
	// Owner plus the injected bot member.
	assert.Len(t, details.Users, 2)
}

func TestHubUnknownRoomDetails(t *testing.T) {
	h := newWebHarness(t)
	conn, cleanup := dialHub(t, h)
	defer cleanup()
	readEnvelope(t, conn, "roomList")

	sub, _ := json.Marshal(wsEnvelope{Type: "getRoomDetails",
		Payload: json.RawMessage(`{"roomId":"ghost"}`)})
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, sub))
	env := readEnvelope(t, conn, "error")
	assert.Contains(t, string(env.Payload), "room not found")
}

func TestHubCoalescedRoomListBroadcast(t *testing.T) {
	h := newWebHarness(t)
	conn, cleanup := dialHub(t, h)
	defer cleanup()
	readEnvelope(t, conn, "roomList")

	seedRoom(t, h, "fresh", 1)
	// A burst of notifications collapses into at most a couple of pushes.
	for i := 0; i < 10; i++ {
		h.srv.Hub().NotifyRoomsChanged()
	}

	env := readEnvelope(t, conn, "roomList")
	var rooms []types.RoomSummary
	require.NoError(t, json.Unmarshal(env.Payload, &rooms))
	require.Len(t, rooms, 1)
	assert.Equal(t, types.RoomIDType("fresh"), rooms[0].ID)
}

func TestHubRejectsForeignOrigin(t *testing.T) {
	h := newWebHarness(t)
	ts := httptest.NewServer(h.router)
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/ws"
	header := http.Header{"Origin": []string{"https://evil.example.net"}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.Error(t, err)
	if resp != nil {
		resp.Body.Close()
		assert.GreaterOrEqual(t, resp.StatusCode, 400)
	}
}
