package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func ctxFor(req *http.Request) *gin.Context {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = req
	return c
}

func TestClientIPWithoutProxies(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.10:5555"
	req.Header.Set("X-Forwarded-For", "198.51.100.1")

	// hops=0: forwarding headers are spoofable, use the socket peer.
	assert.Equal(t, "192.0.2.10", ClientIP(ctxFor(req), 0))
}

func TestClientIPBehindProxies(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	req.Header.Set("X-Forwarded-For", "198.51.100.1, 10.0.0.2, 10.0.0.1")

	// Each trusted hop appended one entry; the client is just before them.
	assert.Equal(t, "10.0.0.1", ClientIP(ctxFor(req), 1))
	assert.Equal(t, "10.0.0.2", ClientIP(ctxFor(req), 2))
	assert.Equal(t, "198.51.100.1", ClientIP(ctxFor(req), 3))
	// More trusted hops than entries falls back to the first.
	assert.Equal(t, "198.51.100.1", ClientIP(ctxFor(req), 5))
}

func TestClientIPRealIPFallback(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	req.Header.Set("X-Real-IP", "198.51.100.9")
	assert.Equal(t, "198.51.100.9", ClientIP(ctxFor(req), 1))
}

func TestOriginAllowed(t *testing.T) {
	allowed := []string{"https://panel.example.com", "http://localhost:3000/"}
	assert.True(t, OriginAllowed("https://panel.example.com", allowed))
	assert.True(t, OriginAllowed("http://localhost:3000", allowed))
	assert.True(t, OriginAllowed("https://panel.example.com/some/page", allowed))
	assert.False(t, OriginAllowed("https://evil.example.net", allowed))
	assert.False(t, OriginAllowed("not a url", allowed))
	assert.False(t, OriginAllowed("", allowed))
}

func TestCSRFGuard(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(CSRFGuard([]string{"https://panel.example.com"}))
	r.POST("/x", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	do := func(method, origin, referer string) int {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(method, "/x", nil)
		if origin != "" {
			req.Header.Set("Origin", origin)
		}
		if referer != "" {
			req.Header.Set("Referer", referer)
		}
		r.ServeHTTP(w, req)
		return w.Code
	}

	// Reads are never CSRF-guarded.
	assert.Equal(t, http.StatusOK, do(http.MethodGet, "https://evil.example.net", ""))
	// Headerless non-browser writes pass.
	assert.Equal(t, http.StatusOK, do(http.MethodPost, "", ""))
	// Allowed origin or referer passes, anything else is rejected.
	assert.Equal(t, http.StatusOK, do(http.MethodPost, "https://panel.example.com", ""))
	assert.Equal(t, http.StatusOK, do(http.MethodPost, "", "https://panel.example.com/admin"))
	assert.Equal(t, http.StatusForbidden, do(http.MethodPost, "https://evil.example.net", ""))
	assert.Equal(t, http.StatusForbidden, do(http.MethodPost, "", "https://evil.example.net/admin"))
}

func TestCorrelationHeaderEcho(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Correlation())
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set(CorrelationHeader, "req-123")
	r.ServeHTTP(w, req)
	assert.Equal(t, "req-123", w.Header().Get(CorrelationHeader))

	// A fresh id is minted when absent.
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.NotEmpty(t, w.Header().Get(CorrelationHeader))
}
