// Package middleware holds the small gin middlewares shared by the web
// plane: request correlation, real-client-IP extraction behind proxies,
// and the Origin/Referer allow-list used as CSRF defense.
package middleware

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/cadenza-live/linkplay/internal/v1/logging"
)

// CorrelationHeader carries the request id to and from clients.
const CorrelationHeader = "X-Request-ID"

// Correlation tags every request with an id, honoring one supplied by
// the caller, and stores it in the request context for the logger.
func Correlation() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(CorrelationHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Header(CorrelationHeader, id)
		ctx := logging.WithCorrelationID(c.Request.Context(), id)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// ClientIP resolves the real client address when the server sits behind
// a known number of trusted proxy hops. With hops=0 the socket peer is
// authoritative and forwarding headers are ignored.
func ClientIP(c *gin.Context, trustedHops int) string {
	if trustedHops > 0 {
		if xff := c.GetHeader("X-Forwarded-For"); xff != "" {
			parts := strings.Split(xff, ",")
			// The rightmost trustedHops entries were appended by our own
			// proxies; the one before them is the client.
			idx := len(parts) - trustedHops
			if idx < 0 {
				idx = 0
			}
			if ip := strings.TrimSpace(parts[idx]); ip != "" {
				return ip
			}
		}
		if ip := strings.TrimSpace(c.GetHeader("X-Real-IP")); ip != "" {
			return ip
		}
	}
	return c.ClientIP()
}

// OriginAllowed reports whether an Origin or Referer value matches the
// allow-list. Exact origin match for Origin; prefix match on scheme and
// host for Referer.
func OriginAllowed(value string, allowed []string) bool {
	u, err := url.Parse(value)
	if err != nil || u.Host == "" {
		return false
	}
	origin := u.Scheme + "://" + u.Host
	for _, a := range allowed {
		if strings.EqualFold(strings.TrimRight(a, "/"), origin) {
			return true
		}
	}
	return false
}

// CSRFGuard rejects state-changing browser requests whose Origin or
// Referer is not on the allow-list. Requests carrying neither header
// (curl, server-to-server) pass; browsers always attach at least one.
func CSRFGuard(allowed []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		switch c.Request.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			c.Next()
			return
		}

		origin := c.GetHeader("Origin")
		referer := c.GetHeader("Referer")
		if origin == "" && referer == "" {
			c.Next()
			return
		}
		if origin != "" && OriginAllowed(origin, allowed) {
			c.Next()
			return
		}
		if origin == "" && referer != "" && OriginAllowed(referer, allowed) {
			c.Next()
			return
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "origin not allowed"})
	}
}
