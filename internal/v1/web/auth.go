package web

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/cadenza-live/linkplay/internal/v1/banstore"
	"github.com/cadenza-live/linkplay/internal/v1/logging"
	"github.com/cadenza-live/linkplay/internal/v1/middleware"
)

const (
	sessionCookie = "linkplay_session"
	sessionTTL    = 24 * time.Hour
	// maxLoginFailures locks an IP out of the login form once reached.
	maxLoginFailures = 8

	// AdminSecretHeader carries the dated AES token as an alternative to
	// the session cookie, for scripted admin access.
	AdminSecretHeader = "X-Admin-Secret"
)

var errBadCredentials = errors.New("invalid credentials")

// CaptchaVerifier is the external captcha collaborator. A nil verifier
// disables the gate.
type CaptchaVerifier interface {
	Verify(ctx context.Context, token, clientIP string) error
}

// adminAuth owns the admin login flow and request authorization.
type adminAuth struct {
	adminName     string
	adminPassword string
	adminSecret   string
	sessionSecret []byte
	secure        bool
	lockout       time.Duration
	bans          *banstore.Store
	captcha       CaptchaVerifier
	now           func() time.Time

	mu       sync.Mutex
	failures map[string]int
}

func newAdminAuth(adminName, adminPassword, adminSecret, sessionSecret string, secure bool, lockout time.Duration, bans *banstore.Store, captcha CaptchaVerifier) *adminAuth {
	return &adminAuth{
		adminName:     adminName,
		adminPassword: adminPassword,
		adminSecret:   adminSecret,
		sessionSecret: []byte(sessionSecret),
		secure:        secure,
		lockout:       lockout,
		bans:          bans,
		captcha:       captcha,
		now:           time.Now,
		failures:      make(map[string]int),
	}
}

// checkCredentials compares both fields unconditionally so a wrong name
// and a wrong password take the same time.
func (a *adminAuth) checkCredentials(name, password string) bool {
	if a.adminName == "" || a.adminPassword == "" {
		return false
	}
	nameOK := subtle.ConstantTimeCompare([]byte(name), []byte(a.adminName))
	passOK := subtle.ConstantTimeCompare([]byte(password), []byte(a.adminPassword))
	return nameOK&passOK == 1
}

func (a *adminAuth) recordFailure(ctx context.Context, ip string) {
	a.mu.Lock()
	a.failures[ip]++
	n := a.failures[ip]
	a.mu.Unlock()

	if n >= maxLoginFailures {
		until := a.now().Add(a.lockout)
		if err := a.bans.BlacklistLogin(ip, until); err != nil {
			logging.Error(ctx, "persisting login blacklist failed", zap.Error(err))
		}
		a.mu.Lock()
		delete(a.failures, ip)
		a.mu.Unlock()
		logging.Warn(ctx, "login lockout engaged",
			zap.String("ip", ip), zap.Time("until", until))
	}
}

func (a *adminAuth) clearFailures(ip string) {
	a.mu.Lock()
	delete(a.failures, ip)
	a.mu.Unlock()
}

// issueSession signs a short-lived admin session token.
func (a *adminAuth) issueSession() (string, error) {
	now := a.now()
	claims := jwt.RegisteredClaims{
		Subject:   a.adminName,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(sessionTTL)),
		Issuer:    "linkplay",
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.sessionSecret)
}

func (a *adminAuth) validSession(token string) bool {
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{},
		func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return a.sessionSecret, nil
		},
		jwt.WithIssuer("linkplay"),
		jwt.WithTimeFunc(a.now),
	)
	return err == nil && parsed.Valid
}

// datedSecretPlaintext is the expected decryption for a given day.
func datedSecretPlaintext(secret string, day time.Time) string {
	return fmt.Sprintf("%s_%s_xy521", day.Format("2006-01-02"), secret)
}

// EncodeAdminToken produces the hex iv-plus-ciphertext token for the
// given day. Exposed so operator tooling and tests share one codec.
func EncodeAdminToken(secret string, day time.Time, iv []byte) (string, error) {
	if len(iv) != aes.BlockSize {
		return "", fmt.Errorf("iv must be %d bytes", aes.BlockSize)
	}
	key := sha256.Sum256([]byte(secret))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return "", err
	}

	plain := []byte(datedSecretPlaintext(secret, day))
	pad := aes.BlockSize - len(plain)%aes.BlockSize
	plain = append(plain, bytes.Repeat([]byte{byte(pad)}, pad)...)

	out := make([]byte, len(plain))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, plain)
	return hex.EncodeToString(iv) + hex.EncodeToString(out), nil
}

// verifyAdminToken checks a dated AES-256-CBC token against today's
// expected plaintext.
func (a *adminAuth) verifyAdminToken(token string) bool {
	if a.adminSecret == "" {
		return false
	}
	raw, err := hex.DecodeString(token)
	if err != nil || len(raw) <= aes.BlockSize || len(raw)%aes.BlockSize != 0 {
		return false
	}
	iv, body := raw[:aes.BlockSize], raw[aes.BlockSize:]

	key := sha256.Sum256([]byte(a.adminSecret))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return false
	}
	plain := make([]byte, len(body))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, body)

	pad := int(plain[len(plain)-1])
	if pad < 1 || pad > aes.BlockSize || pad > len(plain) {
		return false
	}
	for _, b := range plain[len(plain)-pad:] {
		if b != byte(pad) {
			return false
		}
	}
	plain = plain[:len(plain)-pad]

	want := datedSecretPlaintext(a.adminSecret, a.now())
	return subtle.ConstantTimeCompare(plain, []byte(want)) == 1
}

// handleLogin is the form login endpoint: captcha gate, lockout check,
// timing-safe comparison, session cookie on success.
func (a *adminAuth) handleLogin(c *gin.Context, trustedHops int) {
	ctx := c.Request.Context()
	ip := middleware.ClientIP(c, trustedHops)

	if a.bans.IsLoginBlacklisted(ip) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "登录尝试过多，请稍后再试"})
		return
	}

	name := c.PostForm("username")
	password := c.PostForm("password")

	if a.captcha != nil {
		if err := a.captcha.Verify(ctx, c.PostForm("captcha"), ip); err != nil {
			a.recordFailure(ctx, ip)
			c.JSON(http.StatusForbidden, gin.H{"error": "验证码校验失败"})
			return
		}
	}

	if !a.checkCredentials(name, password) {
		a.recordFailure(ctx, ip)
		logging.Warn(ctx, "admin login rejected", zap.String("ip", ip))
		c.JSON(http.StatusUnauthorized, gin.H{"error": errBadCredentials.Error()})
		return
	}

	token, err := a.issueSession()
	if err != nil {
		logging.Error(ctx, "signing session failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	a.clearFailures(ip)
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(sessionCookie, token, int(sessionTTL.Seconds()), "/", "", a.secure, true)
	logging.Info(ctx, "admin login", zap.String("ip", ip))
	c.Redirect(http.StatusFound, "/admin")
}

// requireAdmin admits either a valid session cookie or a dated secret
// token header.
func (a *adminAuth) requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if token := c.GetHeader(AdminSecretHeader); token != "" && a.verifyAdminToken(token) {
			c.Next()
			return
		}
		if cookie, err := c.Cookie(sessionCookie); err == nil && a.validSession(cookie) {
			c.Next()
			return
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "admin authentication required"})
	}
}
