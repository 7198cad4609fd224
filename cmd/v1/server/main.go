// Command server runs the multiplayer session server: the TCP game
// plane, the HTTP/WebSocket web plane and, when configured, the
// federation mesh and the redis room-event bus.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cadenza-live/linkplay/internal/v1/banstore"
	"github.com/cadenza-live/linkplay/internal/v1/bus"
	"github.com/cadenza-live/linkplay/internal/v1/config"
	"github.com/cadenza-live/linkplay/internal/v1/engine"
	"github.com/cadenza-live/linkplay/internal/v1/federation"
	"github.com/cadenza-live/linkplay/internal/v1/logging"
	"github.com/cadenza-live/linkplay/internal/v1/ratelimit"
	"github.com/cadenza-live/linkplay/internal/v1/room"
	"github.com/cadenza-live/linkplay/internal/v1/session"
	"github.com/cadenza-live/linkplay/internal/v1/tracing"
	"github.com/cadenza-live/linkplay/internal/v1/transport"
	"github.com/cadenza-live/linkplay/internal/v1/types"
	"github.com/cadenza-live/linkplay/internal/v1/upstream"
	"github.com/cadenza-live/linkplay/internal/v1/web"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run() error {
	// Missing .env is fine; the environment itself may carry everything.
	_ = godotenv.Load()

	cfg, err := config.ValidateEnv()
	if err != nil {
		return err
	}
	if !cfg.TCPEnabled && !cfg.EnableWebServer {
		return errors.New("nothing to run: TCP_ENABLED and ENABLE_WEB_SERVER are both false")
	}
	if cfg.FederationEnabled && !cfg.EnableWebServer {
		return errors.New("FEDERATION_ENABLED requires ENABLE_WEB_SERVER=true, peers talk HTTP")
	}

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer logging.GetLogger().Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, "linkplay", cfg.OTLPEndpoint, cfg.TracingEnabled)
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logging.Warn(flushCtx, "tracing shutdown", zap.Error(err))
		}
	}()

	bans, err := banstore.Load(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("loading ban store: %w", err)
	}

	sessions := session.NewTable()
	rooms := room.NewStore(cfg.RoomSize)
	identity := upstream.NewClient(cfg.PhiraAPIURL)
	eng := engine.New(sessions, rooms, bans, identity, engine.Options{
		ServerName:  cfg.ServerName,
		TokenLength: cfg.TokenLength,
	})

	var events *bus.Service
	if cfg.RedisEnabled {
		events, err = bus.NewService(cfg.RedisAddr, cfg.RedisPassword, cfg.ServerName)
		if err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
		defer events.Close()
	}

	var fed *federation.Service
	if cfg.FederationEnabled {
		fed, err = federation.New(federation.Options{
			NodeURL:        cfg.FederationNodeURL,
			NodeID:         cfg.FederationNodeID,
			Secret:         cfg.FederationSecret,
			ServerName:     cfg.ServerName,
			Seeds:          cfg.FederationSeedNodes,
			DataDir:        cfg.DataDir,
			HealthInterval: cfg.FederationHealthInterval,
			SyncInterval:   cfg.FederationSyncInterval,
		}, eng, rooms)
		if err != nil {
			return fmt.Errorf("initializing federation: %w", err)
		}
	}
	if fed != nil || events != nil {
		eng.SetFederator(&roomEventSinks{fed: fed, events: events})
	}

	limiter, err := ratelimit.New(cfg.RateLimitAPI, cfg.RateLimitLogin, events.Client())
	if err != nil {
		return fmt.Errorf("building rate limiters: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	var busWG sync.WaitGroup

	if cfg.EnableWebServer {
		var captcha web.CaptchaVerifier
		if cfg.CaptchaProvider == "geetest" {
			captcha = web.NewGeetestVerifier(cfg.GeetestID, cfg.GeetestKey)
		}
		webSrv := web.NewServer(cfg, eng, rooms, sessions, bans, fed, events, limiter, captcha)
		eng.SetRoomsChangedHook(webSrv.Hub().NotifyRoomsChanged)
		// Sibling instances share one redis; their catalog changes only
		// need to refresh connected dashboards.
		events.SubscribeRoomEvents(ctx, &busWG, func(ev bus.RoomEvent) {
			logging.Info(ctx, "sibling room event",
				zap.String("server", ev.ServerName),
				zap.String("kind", ev.Kind),
				zap.String("room_id", string(ev.Room.ID)))
			webSrv.Hub().NotifyRoomsChanged()
		})
		g.Go(func() error { return webSrv.Run(ctx) })
	}

	if fed != nil {
		g.Go(func() error {
			fed.Run(ctx)
			return nil
		})
	}

	if cfg.TCPEnabled {
		tcp := transport.NewServer(net.JoinHostPort(cfg.Host, cfg.Port), eng, bans)
		g.Go(func() error { return tcp.Run(ctx) })
	}

	logging.Info(ctx, "server started",
		zap.String("server_name", cfg.ServerName),
		zap.Bool("tcp", cfg.TCPEnabled),
		zap.Bool("web", cfg.EnableWebServer),
		zap.Bool("federation", cfg.FederationEnabled),
		zap.Bool("redis", cfg.RedisEnabled))

	err = g.Wait()
	busWG.Wait()
	logging.Info(context.Background(), "server stopped")
	return err
}

// roomEventSinks fans the engine's catalog events out to the federation
// mesh and the redis bus, and delegates proxying to the mesh. Either
// sink may be nil.
type roomEventSinks struct {
	fed    *federation.Service
	events *bus.Service
}

func (s *roomEventSinks) RemoteRoomNode(id types.RoomIDType) (string, bool) {
	if s.fed == nil {
		return "", false
	}
	return s.fed.RemoteRoomNode(id)
}

func (s *roomEventSinks) ProxyJoin(ctx context.Context, nodeID string, user types.User, roomID types.RoomIDType, monitor bool) (types.ClientRoomState, error) {
	if s.fed == nil {
		return types.ClientRoomState{}, errors.New("federation disabled")
	}
	return s.fed.ProxyJoin(ctx, nodeID, user, roomID, monitor)
}

func (s *roomEventSinks) ProxyCommand(ctx context.Context, nodeID string, userID types.UserIDType, payload []byte) error {
	if s.fed == nil {
		return errors.New("federation disabled")
	}
	return s.fed.ProxyCommand(ctx, nodeID, userID, payload)
}

func (s *roomEventSinks) ProxyLeave(ctx context.Context, nodeID string, userID types.UserIDType) error {
	if s.fed == nil {
		return errors.New("federation disabled")
	}
	return s.fed.ProxyLeave(ctx, nodeID, userID)
}

func (s *roomEventSinks) PublishRoomEvent(ctx context.Context, kind string, summary types.RoomSummary) {
	if s.fed != nil {
		s.fed.PublishRoomEvent(ctx, kind, summary)
	}
	if err := s.events.PublishRoomEvent(ctx, kind, summary); err != nil {
		logging.Warn(ctx, "redis room event publish failed", zap.Error(err))
	}
}
