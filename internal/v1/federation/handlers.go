package federation

import (
	"context"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/cadenza-live/linkplay/internal/v1/logging"
	"github.com/cadenza-live/linkplay/internal/v1/metrics"
	"github.com/cadenza-live/linkplay/internal/v1/protocol"
	"github.com/cadenza-live/linkplay/internal/v1/types"
)

// RegisterRoutes mounts the node-to-node API. Every route requires the
// shared secret; the mesh is not a public surface.
func (s *Service) RegisterRoutes(r gin.IRouter) {
	g := r.Group("/", s.requireSecret())
	g.POST("/handshake", s.handleHandshake)
	g.GET("/rooms", s.handleRooms)
	g.GET("/health", s.handleHealth)
	g.POST("/event", s.handleEvent)
	g.POST("/proxy/join", s.handleProxyJoin)
	g.POST("/proxy/command", s.handleProxyCommand)
	g.POST("/proxy/leave", s.handleProxyLeave)
	g.POST("/proxy/callback", s.handleProxyCallback)
}

func (s *Service) requireSecret() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.secretOK(c.GetHeader(SecretHeader)) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid federation secret"})
			return
		}
		c.Next()
	}
}

func (s *Service) peersSnapshot() []peerInfo {
	nodes := s.Peers()
	out := make([]peerInfo, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, peerInfo{ID: n.ID, URL: n.URL, ServerName: n.ServerName})
	}
	return out
}

func (s *Service) handleHandshake(c *gin.Context) {
	var req handshakeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed handshake"})
		return
	}
	if req.NodeID == s.id {
		logging.Warn(c.Request.Context(), "handshake from our own node id",
			zap.String("node_url", req.NodeURL))
		c.JSON(http.StatusConflict, gin.H{"error": "node id collision"})
		return
	}

	known := s.knowsPeer(req.NodeID)
	s.recordPeer(req.NodeID, req.NodeURL, req.ServerName)
	logging.Info(c.Request.Context(), "handshake received",
		zap.String("peer_id", req.NodeID), zap.String("peer_url", req.NodeURL),
		zap.Bool("reverse", req.IsReverse))

	// A forward handshake from a new peer gets answered with a reverse
	// one so both sides converge without waiting for a sync tick.
	if !req.IsReverse && !known {
		go func() {
			if err := s.handshakeWith(context.Background(), req.NodeURL, true); err != nil {
				logging.Warn(context.Background(), "reverse handshake failed",
					zap.String("peer_url", req.NodeURL), zap.Error(err))
			}
		}()
	}

	c.JSON(http.StatusOK, handshakeResponse{
		NodeID:     s.id,
		ServerName: s.opts.ServerName,
		Peers:      s.peersSnapshot(),
	})
}

func (s *Service) handleRooms(c *gin.Context) {
	c.JSON(http.StatusOK, roomsResponse{NodeID: s.id, Rooms: s.rooms.Summaries()})
}

func (s *Service) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, healthResponse{NodeID: s.id, ServerName: s.opts.ServerName})
}

func (s *Service) handleEvent(c *gin.Context) {
	var req eventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed event"})
		return
	}
	if !s.knowsPeer(req.NodeID) {
		// Events from strangers are dropped; the handshake path is the
		// only way into the peer table.
		c.Status(http.StatusAccepted)
		return
	}

	s.mu.Lock()
	rooms := s.remoteRooms[req.NodeID]
	if rooms == nil {
		rooms = make(map[types.RoomIDType]types.RoomSummary)
		s.remoteRooms[req.NodeID] = rooms
	}
	switch req.Kind {
	case "delete":
		delete(rooms, req.Room.ID)
	default:
		rooms[req.Room.ID] = req.Room
	}
	n := len(rooms)
	s.mu.Unlock()

	metrics.RemoteRooms.WithLabelValues(req.NodeID).Set(float64(n))
	c.Status(http.StatusOK)
}

// proxySender forwards server commands for one virtual connection back
// to the source node. During the initial join it captures the
// JoinRoomResp instead, so the proxy join call can return it inline.
type proxySender struct {
	svc       *Service
	sourceURL string
	userID    types.UserIDType

	mu        sync.Mutex
	capturing bool
	joinResp  *protocol.JoinRoomResp
}

func (p *proxySender) send(cmd protocol.ServerCommand) error {
	p.mu.Lock()
	if p.capturing {
		if resp, ok := cmd.(protocol.JoinRoomResp); ok {
			p.joinResp = &resp
			p.capturing = false
			p.mu.Unlock()
			return nil
		}
	}
	p.mu.Unlock()

	return p.svc.postJSON(context.Background(), eventTimeout,
		p.sourceURL+"/proxy/callback", proxyCallbackRequest{
			UserID:  p.userID,
			Payload: protocol.EncodeServerCommand(cmd),
		}, nil)
}

func (p *proxySender) takeJoinResp() (protocol.JoinRoomResp, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.capturing = false
	if p.joinResp == nil {
		return protocol.JoinRoomResp{}, false
	}
	return *p.joinResp, true
}

func (s *Service) handleProxyJoin(c *gin.Context) {
	var req proxyJoinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed proxy join"})
		return
	}
	ctx := c.Request.Context()

	connID := virtualConnID(req.SourceNodeID, req.User.ID)
	sender := &proxySender{
		svc:       s,
		sourceURL: trimURL(req.SourceNodeURL),
		userID:    req.User.ID,
		capturing: true,
	}

	user := req.User
	user.Monitor = req.Monitor
	if err := s.hooks.CreateFederatedSession(ctx, connID, user, sender.send); err != nil {
		c.JSON(http.StatusOK, proxyJoinResponse{Error: err.Error()})
		return
	}

	payload := protocol.EncodeClientCommand(protocol.JoinRoom{ID: req.RoomID, Monitor: req.Monitor})
	if err := s.hooks.HandleMessage(ctx, connID, payload); err != nil {
		s.hooks.HandleDisconnection(ctx, connID)
		c.JSON(http.StatusOK, proxyJoinResponse{Error: err.Error()})
		return
	}

	resp, ok := sender.takeJoinResp()
	if !ok || !resp.OK() {
		s.hooks.HandleDisconnection(ctx, connID)
		msg := resp.Err
		if msg == "" {
			msg = "join produced no response"
		}
		c.JSON(http.StatusOK, proxyJoinResponse{Error: msg})
		return
	}

	s.trackVirtualConn(req.SourceNodeID, connID)
	logging.Info(ctx, "federated player joined",
		zap.String("source_node", req.SourceNodeID),
		zap.Int32("user_id", int32(req.User.ID)),
		zap.String("room_id", string(req.RoomID)))
	c.JSON(http.StatusOK, proxyJoinResponse{Room: &resp.Room})
}

func (s *Service) handleProxyCommand(c *gin.Context) {
	var req proxyCommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed proxy command"})
		return
	}
	connID := virtualConnID(req.SourceNodeID, req.UserID)
	if err := s.hooks.HandleMessage(c.Request.Context(), connID, req.Payload); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusOK)
}

func (s *Service) handleProxyLeave(c *gin.Context) {
	var req proxyLeaveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed proxy leave"})
		return
	}
	connID := virtualConnID(req.SourceNodeID, req.UserID)
	s.hooks.HandleDisconnection(c.Request.Context(), connID)
	s.dropVirtualConn(req.SourceNodeID, connID)
	c.Status(http.StatusOK)
}

// handleProxyCallback runs on the source node: the authoritative node
// pushes a server command for one of our proxied users and we relay it
// down their socket.
func (s *Service) handleProxyCallback(c *gin.Context) {
	var req proxyCallbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed callback"})
		return
	}
	cmd, err := protocol.DecodeServerCommand(req.Payload)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed payload"})
		return
	}
	if err := s.hooks.SendCommandToUser(req.UserID, cmd); err != nil {
		// The user may have disconnected between frames; nothing to relay.
		logging.Info(c.Request.Context(), "callback relay dropped",
			zap.Int32("user_id", int32(req.UserID)), zap.Error(err))
	}
	c.Status(http.StatusOK)
}
