// Package ratelimit wraps ulule/limiter for the web plane. Limits are
// keyed by client IP: the game protocol has its own session layer, so
// only the HTTP surface needs this.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"

	"github.com/cadenza-live/linkplay/internal/v1/logging"
	"github.com/cadenza-live/linkplay/internal/v1/metrics"
)

// Limiter holds one limiter per surface: the general API and the much
// stricter admin login endpoint.
type Limiter struct {
	api   *limiter.Limiter
	login *limiter.Limiter
	store limiter.Store
}

// New builds a Limiter from ulule-formatted rates ("300-M", "10-M").
// With a Redis client the limits are shared across instances; without
// one they fall back to per-instance memory.
func New(apiRate, loginRate string, redisClient *redis.Client) (*Limiter, error) {
	api, err := limiter.NewRateFromFormatted(apiRate)
	if err != nil {
		return nil, fmt.Errorf("invalid api rate: %w", err)
	}
	login, err := limiter.NewRateFromFormatted(loginRate)
	if err != nil {
		return nil, fmt.Errorf("invalid login rate: %w", err)
	}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
			Prefix: "linkplay:limiter:",
		})
		if err != nil {
			return nil, fmt.Errorf("creating redis limiter store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "rate limiter using redis store")
	} else {
		store = memory.NewStore()
		logging.Info(context.Background(), "rate limiter using memory store")
	}

	return &Limiter{
		api:   limiter.New(store, api),
		login: limiter.New(store, login),
		store: store,
	}, nil
}

// APIMiddleware limits general API traffic per client IP.
func (l *Limiter) APIMiddleware() gin.HandlerFunc {
	return l.middleware(l.api, "api")
}

// LoginMiddleware limits the admin login endpoint per client IP.
func (l *Limiter) LoginMiddleware() gin.HandlerFunc {
	return l.middleware(l.login, "login")
}

func (l *Limiter) middleware(inst *limiter.Limiter, kind string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		lctx, err := inst.Get(ctx, c.ClientIP())
		if err != nil {
			// A broken store fails open; availability beats strictness here.
			logging.Error(ctx, "rate limiter store failed", zap.Error(err))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(lctx.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(lctx.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(lctx.Reset, 10))

		if lctx.Reached {
			metrics.RateLimitExceeded.WithLabelValues(c.FullPath(), kind).Inc()
			c.Header("Retry-After", strconv.FormatInt(lctx.Reset-time.Now().Unix(), 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "too many requests",
				"retry_after": lctx.Reset,
			})
			return
		}

		metrics.RateLimitRequests.WithLabelValues(c.FullPath()).Inc()
		c.Next()
	}
}
