// Package web is the HTTP/WebSocket plane: the public status API, the
// spectator WebSocket projection, and the admin surface bound to the
// engine's capability methods. It never mutates room state directly.
package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cadenza-live/linkplay/internal/v1/banstore"
	"github.com/cadenza-live/linkplay/internal/v1/bus"
	"github.com/cadenza-live/linkplay/internal/v1/config"
	"github.com/cadenza-live/linkplay/internal/v1/engine"
	"github.com/cadenza-live/linkplay/internal/v1/federation"
	"github.com/cadenza-live/linkplay/internal/v1/health"
	"github.com/cadenza-live/linkplay/internal/v1/logging"
	"github.com/cadenza-live/linkplay/internal/v1/middleware"
	"github.com/cadenza-live/linkplay/internal/v1/ratelimit"
	"github.com/cadenza-live/linkplay/internal/v1/room"
	"github.com/cadenza-live/linkplay/internal/v1/session"
	"github.com/cadenza-live/linkplay/internal/v1/types"
)

// Server is the web plane.
type Server struct {
	cfg      *config.Config
	engine   *engine.Engine
	rooms    *room.Store
	sessions *session.Table
	bans     *banstore.Store
	fed      *federation.Service // nil when federation is disabled
	events   *bus.Service        // nil without redis
	limiter  *ratelimit.Limiter
	auth     *adminAuth
	hub      *Hub
}

// NewServer wires the web plane. fed and events may be nil.
func NewServer(cfg *config.Config, eng *engine.Engine, rooms *room.Store, sessions *session.Table, bans *banstore.Store, fed *federation.Service, events *bus.Service, limiter *ratelimit.Limiter, captcha CaptchaVerifier) *Server {
	s := &Server{
		cfg:      cfg,
		engine:   eng,
		rooms:    rooms,
		sessions: sessions,
		bans:     bans,
		fed:      fed,
		events:   events,
		limiter:  limiter,
		auth: newAdminAuth(cfg.AdminName, cfg.AdminPassword, cfg.AdminSecret,
			cfg.SessionSecret, !cfg.DevelopmentMode, cfg.LoginBlacklistDuration, bans, captcha),
	}

	var remote func() []types.RoomSummary
	if fed != nil {
		remote = fed.RemoteRooms
	}
	s.hub = NewHub(rooms, s.roomVisible, remote, s.serverStats, cfg.AllowedOrigins)
	return s
}

// Hub exposes the WebSocket hub so main can hook engine notifications.
func (s *Server) Hub() *Hub { return s.hub }

// roomVisible applies the public/private prefix rules: private-prefixed
// rooms show only when the private view is enabled, everything else
// follows the public view's toggle and prefix.
func (s *Server) roomVisible(sum types.RoomSummary) bool {
	id := string(sum.ID)
	if s.cfg.PriPrefix != "" && strings.HasPrefix(id, s.cfg.PriPrefix) {
		return s.cfg.EnablePriWeb
	}
	if !s.cfg.EnablePubWeb {
		return false
	}
	return s.cfg.PubPrefix == "" || strings.HasPrefix(id, s.cfg.PubPrefix)
}

func (s *Server) serverStats() ServerStats {
	return ServerStats{
		ServerName:  s.cfg.ServerName,
		Sessions:    s.sessions.SessionCount(),
		Connections: s.sessions.ConnCount(),
		Rooms:       s.rooms.Count(),
		At:          time.Now().UnixMilli(),
	}
}

// Router builds the gin handler tree.
func (s *Server) Router() *gin.Engine {
	if !s.cfg.DevelopmentMode {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), middleware.Correlation())
	if s.cfg.TracingEnabled {
		r.Use(otelgin.Middleware("linkplay-web"))
	}
	if len(s.cfg.AllowedOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     s.cfg.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Content-Type", AdminSecretHeader, middleware.CorrelationHeader},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", health.Liveness())
	r.GET("/readyz", health.Readiness(map[string]health.Check{
		"redis": func(ctx context.Context) error { return s.events.Ping(ctx) },
	}))

	// Peer traffic carries its own shared-secret auth and must not sit
	// behind the browser-facing limiter or CSRF guard.
	if s.fed != nil {
		s.fed.RegisterRoutes(r.Group("/federation"))
	}

	r.POST("/login", s.limiter.LoginMiddleware(), func(c *gin.Context) {
		s.auth.handleLogin(c, s.cfg.TrustProxyHops)
	})

	api := r.Group("/api", s.limiter.APIMiddleware())
	api.GET("/status", s.handleStatus)
	api.GET("/ws", s.hub.ServeWS)

	admin := api.Group("/admin",
		middleware.CSRFGuard(s.cfg.AllowedOrigins), s.auth.requireAdmin())
	admin.POST("/rooms/:id/kick", s.handleKick)
	admin.POST("/rooms/:id/start", s.handleForceStart)
	admin.POST("/rooms/:id/lock", s.handleToggleLock)
	admin.POST("/rooms/:id/cycle", s.handleToggleCycle)
	admin.POST("/rooms/:id/max-players", s.handleSetMaxPlayers)
	admin.POST("/rooms/:id/close", s.handleCloseRoom)
	admin.POST("/message", s.handleServerMessage)
	admin.GET("/bans", s.handleListBans)
	admin.POST("/bans/id", s.handleBanID)
	admin.DELETE("/bans/id/:userId", s.handleUnbanID)
	admin.POST("/bans/ip", s.handleBanIP)
	admin.DELETE("/bans/ip/:ip", s.handleUnbanIP)

	return r
}

// Run serves HTTP and drives the hub until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Host + ":" + s.cfg.WebPort,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.hub.Run(ctx)
		return nil
	})
	g.Go(func() error {
		logging.Info(ctx, "web server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("web server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// federationStatus is the federation block of /api/status.
type federationStatus struct {
	Enabled bool           `json:"enabled"`
	NodeID  string         `json:"nodeId,omitempty"`
	Peers   []peerStatus   `json:"peers,omitempty"`
	Nodes   map[string]int `json:"remoteRoomCounts,omitempty"`
}

type peerStatus struct {
	ID         string `json:"id"`
	ServerName string `json:"serverName"`
	Status     string `json:"status"`
	LastSeen   int64  `json:"lastSeen"`
}

func (s *Server) handleStatus(c *gin.Context) {
	all := s.rooms.Summaries()
	if s.fed != nil {
		all = append(all, s.fed.RemoteRooms()...)
	}
	visible := make([]types.RoomSummary, 0, len(all))
	for _, r := range all {
		if s.roomVisible(r) {
			visible = append(visible, r)
		}
	}

	fed := federationStatus{Enabled: s.fed != nil}
	if s.fed != nil {
		fed.NodeID = s.fed.NodeID()
		counts := make(map[string]int)
		for _, r := range s.fed.RemoteRooms() {
			counts[r.NodeID]++
		}
		fed.Nodes = counts
		for _, n := range s.fed.Peers() {
			fed.Peers = append(fed.Peers, peerStatus{
				ID:         n.ID,
				ServerName: n.ServerName,
				Status:     string(n.Status),
				LastSeen:   n.LastSeen,
			})
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"serverName":  s.cfg.ServerName,
		"sessions":    s.sessions.SessionCount(),
		"connections": s.sessions.ConnCount(),
		"rooms":       visible,
		"federation":  fed,
	})
}
