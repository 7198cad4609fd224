package web

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/cadenza-live/linkplay/internal/v1/logging"
	"github.com/cadenza-live/linkplay/internal/v1/metrics"
	"github.com/cadenza-live/linkplay/internal/v1/middleware"
	"github.com/cadenza-live/linkplay/internal/v1/room"
	"github.com/cadenza-live/linkplay/internal/v1/types"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsMaxMessage = 4096
	// broadcastInterval bounds catalog broadcast frequency; changes
	// inside one interval coalesce into a single push.
	broadcastInterval = 100 * time.Millisecond
	statsInterval     = 5 * time.Second
)

// wsEnvelope is the frame shape in both directions.
type wsEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type roomDetailsPayload struct {
	Room    types.RoomSummary   `json:"room"`
	Users   []types.User        `json:"users"`
	History []room.HistoryEntry `json:"history"`
}

// ServerStats is the periodic stats push.
type ServerStats struct {
	ServerName  string `json:"serverName"`
	Sessions    int    `json:"sessions"`
	Connections int    `json:"connections"`
	Rooms       int    `json:"rooms"`
	At          int64  `json:"at"`
}

// Hub fans room catalog changes out to spectator WebSocket clients.
// All game state stays read-only here; mutations go through the TCP
// plane or the admin endpoints.
type Hub struct {
	rooms   *room.Store
	visible func(types.RoomSummary) bool
	remote  func() []types.RoomSummary // nil when federation is off
	stats   func() ServerStats

	mu      sync.Mutex
	clients map[*wsClient]struct{}

	notify  chan struct{}
	limiter *rate.Limiter

	upgrader websocket.Upgrader
}

// NewHub builds a hub over the local room store, an optional remote
// catalog source, and a stats snapshot function.
func NewHub(rooms *room.Store, visible func(types.RoomSummary) bool, remote func() []types.RoomSummary, stats func() ServerStats, allowedOrigins []string) *Hub {
	return &Hub{
		rooms:   rooms,
		visible: visible,
		remote:  remote,
		stats:   stats,
		clients: make(map[*wsClient]struct{}),
		notify:  make(chan struct{}, 1),
		limiter: rate.NewLimiter(rate.Every(broadcastInterval), 1),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				return middleware.OriginAllowed(origin, allowedOrigins)
			},
		},
	}
}

// NotifyRoomsChanged schedules a coalesced catalog broadcast. Safe to
// call from any goroutine, never blocks.
func (h *Hub) NotifyRoomsChanged() {
	select {
	case h.notify <- struct{}{}:
	default:
	}
}

// Run drives the broadcast loops until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	statsTicker := time.NewTicker(statsInterval)
	defer statsTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case <-h.notify:
			if err := h.limiter.Wait(ctx); err != nil {
				h.closeAll()
				return
			}
			// Drain anything that piled up during the wait.
			for {
				select {
				case <-h.notify:
					continue
				default:
				}
				break
			}
			h.broadcastRoomList()
			h.broadcastSubscribedDetails()
		case <-statsTicker.C:
			h.broadcast("serverStats", h.stats())
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
}

// visibleRooms merges the local and federated catalogs through the
// visibility filter.
func (h *Hub) visibleRooms() []types.RoomSummary {
	all := h.rooms.Summaries()
	if h.remote != nil {
		all = append(all, h.remote()...)
	}
	out := make([]types.RoomSummary, 0, len(all))
	for _, r := range all {
		if h.visible(r) {
			out = append(out, r)
		}
	}
	return out
}

func (h *Hub) broadcastRoomList() {
	h.broadcast("roomList", h.visibleRooms())
}

func (h *Hub) broadcast(kind string, payload any) {
	data, err := encodeEnvelope(kind, payload)
	if err != nil {
		logging.Error(context.Background(), "encoding ws broadcast failed", zap.Error(err))
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.trySend(data)
	}
}

// broadcastSubscribedDetails refreshes each client's subscribed room.
func (h *Hub) broadcastSubscribedDetails() {
	h.mu.Lock()
	subs := make(map[*wsClient]types.RoomIDType)
	for c := range h.clients {
		if c.sub != "" {
			subs[c] = c.sub
		}
	}
	h.mu.Unlock()

	cache := make(map[types.RoomIDType][]byte)
	for c, id := range subs {
		data, ok := cache[id]
		if !ok {
			details, found := h.roomDetails(id)
			if !found {
				continue
			}
			encoded, err := encodeEnvelope("roomDetails", details)
			if err != nil {
				continue
			}
			data, cache[id] = encoded, encoded
		}
		c.trySend(data)
	}
}

func (h *Hub) roomDetails(id types.RoomIDType) (roomDetailsPayload, bool) {
	var sum types.RoomSummary
	found := false
	for _, s := range h.rooms.Summaries() {
		if s.ID == id {
			sum, found = s, true
			break
		}
	}
	if !found || !h.visible(sum) {
		return roomDetailsPayload{}, false
	}
	state, ok := h.rooms.ClientState(id, 0)
	if !ok {
		return roomDetailsPayload{}, false
	}
	return roomDetailsPayload{
		Room:    sum,
		Users:   state.Users,
		History: h.rooms.History(id),
	}, true
}

func encodeEnvelope(kind string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wsEnvelope{Type: kind, Payload: raw})
}

// ServeWS upgrades one spectator connection and starts its pumps.
func (h *Hub) ServeWS(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Warn(c.Request.Context(), "websocket upgrade failed", zap.Error(err))
		return
	}

	client := &wsClient{hub: h, conn: conn, send: make(chan []byte, 32)}
	h.mu.Lock()
	h.clients[client] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.WebSocketClients.Set(float64(n))

	go client.writePump()
	go client.readPump()

	// Snapshot on connect: current catalog and stats.
	if data, err := encodeEnvelope("roomList", h.visibleRooms()); err == nil {
		client.trySend(data)
	}
	if data, err := encodeEnvelope("serverStats", h.stats()); err == nil {
		client.trySend(data)
	}
}

func (h *Hub) dropClient(c *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.WebSocketClients.Set(float64(n))
}

// wsClient is one spectator connection.
type wsClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	// sub is guarded by hub.mu.
	sub types.RoomIDType
}

// trySend drops the frame if the client's buffer is full; a stalled
// spectator must not back-pressure the hub.
func (c *wsClient) trySend(data []byte) {
	select {
	case c.send <- data:
	default:
	}
}

type getRoomDetailsPayload struct {
	RoomID types.RoomIDType `json:"roomId"`
}

func (c *wsClient) readPump() {
	defer func() {
		c.hub.dropClient(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(wsMaxMessage)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var env wsEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		switch env.Type {
		case "getRoomDetails":
			var req getRoomDetailsPayload
			if err := json.Unmarshal(env.Payload, &req); err != nil {
				continue
			}
			details, ok := c.hub.roomDetails(req.RoomID)
			if !ok {
				if data, err := encodeEnvelope("error", gin.H{"message": "room not found"}); err == nil {
					c.trySend(data)
				}
				continue
			}
			c.hub.mu.Lock()
			c.sub = req.RoomID
			c.hub.mu.Unlock()
			if data, err := encodeEnvelope("roomDetails", details); err == nil {
				c.trySend(data)
			}
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
