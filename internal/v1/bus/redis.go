// Package bus is the optional Redis mirror for room catalog events.
// When several instances sit behind one web frontend, each instance
// publishes its local room changes here so the others' web bridges can
// refresh without polling. A nil *Service degrades to single-instance
// mode where every method is a no-op.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/cadenza-live/linkplay/internal/v1/logging"
	"github.com/cadenza-live/linkplay/internal/v1/metrics"
	"github.com/cadenza-live/linkplay/internal/v1/types"
)

// roomChannel carries all catalog events; consumers filter client-side.
const roomChannel = "linkplay:rooms"

// RoomEvent is one catalog change as it travels over the bus.
type RoomEvent struct {
	ServerName string            `json:"serverName"`
	Kind       string            `json:"kind"` // create, update, delete
	Room       types.RoomSummary `json:"room"`
	At         int64             `json:"at"` // unix ms
}

// Service handles all interaction with Redis.
type Service struct {
	client     *redis.Client
	cb         *gobreaker.CircuitBreaker
	serverName string
}

// Client returns the underlying Redis client, for the rate limiter store.
func (s *Service) Client() *redis.Client {
	if s == nil {
		return nil
	}
	return s.client
}

// NewService connects to Redis and verifies the connection.
func NewService(addr, password, serverName string) (*Service, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "redis",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("redis").Set(stateVal)
		},
	}

	logging.Info(context.Background(), "connected to redis bus", zap.String("addr", addr))
	return &Service{
		client:     rdb,
		cb:         gobreaker.NewCircuitBreaker(st),
		serverName: serverName,
	}, nil
}

// PublishRoomEvent mirrors one catalog change to sibling instances. A
// down or open-breaker Redis drops the event; gossip sync on the web
// side repairs the view.
func (s *Service) PublishRoomEvent(ctx context.Context, kind string, room types.RoomSummary) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		data, err := json.Marshal(RoomEvent{
			ServerName: s.serverName,
			Kind:       kind,
			Room:       room,
			At:         time.Now().UnixMilli(),
		})
		if err != nil {
			return nil, fmt.Errorf("marshaling room event: %w", err)
		}
		return nil, s.client.Publish(ctx, roomChannel, data).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			logging.Warn(ctx, "redis breaker open, dropping room event",
				zap.String("room_id", string(room.ID)))
			return nil
		}
		logging.Error(ctx, "redis publish failed",
			zap.String("room_id", string(room.ID)), zap.Error(err))
		return err
	}
	return nil
}

// SubscribeRoomEvents listens for sibling instances' catalog changes
// until ctx is cancelled. Events published by this instance are
// filtered out by server name.
func (s *Service) SubscribeRoomEvents(ctx context.Context, wg *sync.WaitGroup, handler func(RoomEvent)) {
	if s == nil || s.client == nil {
		return
	}

	pubsub := s.client.Subscribe(ctx, roomChannel)
	if wg != nil {
		wg.Add(1)
	}
	go func() {
		defer pubsub.Close()
		if wg != nil {
			defer wg.Done()
		}
		logging.Info(ctx, "subscribed to redis room channel", zap.String("channel", roomChannel))

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					logging.Warn(ctx, "redis subscription closed", zap.String("channel", roomChannel))
					return
				}
				var ev RoomEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					logging.Error(ctx, "malformed bus event", zap.Error(err))
					continue
				}
				if ev.ServerName == s.serverName {
					continue
				}
				handler(ev)
			}
		}
	}()
}

// Ping checks Redis connectivity, for health checks.
func (s *Service) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil
	}
	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Ping(ctx).Err()
	})
	if err != nil && err == gobreaker.ErrOpenState {
		metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
	}
	return err
}

// Close shuts the Redis connection down.
func (s *Service) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
