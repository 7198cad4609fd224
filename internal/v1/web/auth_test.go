package web

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadenza-live/linkplay/internal/v1/banstore"
)

func testAuth(t *testing.T) *adminAuth {
	t.Helper()
	bans, err := banstore.Load(t.TempDir())
	require.NoError(t, err)
	return newAdminAuth("admin", "hunter2hunter2", "super-secret-admin-key",
		"0123456789abcdef0123456789abcdef", true, 30*time.Minute, bans, nil)
}

func TestCheckCredentials(t *testing.T) {
	a := testAuth(t)
	assert.True(t, a.checkCredentials("admin", "hunter2hunter2"))
	assert.False(t, a.checkCredentials("admin", "wrong"))
	assert.False(t, a.checkCredentials("wrong", "hunter2hunter2"))

	// Unconfigured credentials never match, not even empty input.
	unset := newAdminAuth("", "", "", "0123456789abcdef0123456789abcdef",
		true, time.Minute, a.bans, nil)
	assert.False(t, unset.checkCredentials("", ""))
}

func TestSessionTokenLifecycle(t *testing.T) {
	a := testAuth(t)
	token, err := a.issueSession()
	require.NoError(t, err)
	assert.True(t, a.validSession(token))
	assert.False(t, a.validSession(token+"x"))
	assert.False(t, a.validSession("not-a-jwt"))

	// Expired after the TTL passes.
	a.now = func() time.Time { return time.Now().Add(sessionTTL + time.Hour) }
	assert.False(t, a.validSession(token))
}

func TestAdminTokenDatedAES(t *testing.T) {
	a := testAuth(t)
	day := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return day }

	iv := []byte("0123456789abcdef")
	token, err := EncodeAdminToken("super-secret-admin-key", day, iv)
	require.NoError(t, err)
	assert.True(t, a.verifyAdminToken(token))

	// Yesterday's token is rejected.
	old, err := EncodeAdminToken("super-secret-admin-key", day.AddDate(0, 0, -1), iv)
	require.NoError(t, err)
	assert.False(t, a.verifyAdminToken(old))

	// Wrong key material is rejected.
	bad, err := EncodeAdminToken("some-other-secret-key", day, iv)
	require.NoError(t, err)
	assert.False(t, a.verifyAdminToken(bad))

	// Garbage shapes are rejected without panicking.
	assert.False(t, a.verifyAdminToken(""))
	assert.False(t, a.verifyAdminToken("zz"))
	assert.False(t, a.verifyAdminToken("deadbeef"))

	// No configured secret disables the token path entirely.
	a.adminSecret = ""
	assert.False(t, a.verifyAdminToken(token))
}

func TestLoginLockoutAfterRepeatedFailures(t *testing.T) {
	a := testAuth(t)
	ip := "203.0.113.9"
	for i := 0; i < maxLoginFailures-1; i++ {
		a.recordFailure(t.Context(), ip)
		assert.False(t, a.bans.IsLoginBlacklisted(ip))
	}
	a.recordFailure(t.Context(), ip)
	assert.True(t, a.bans.IsLoginBlacklisted(ip))

	// The counter resets once the lockout engages.
	a.recordFailure(t.Context(), ip)
	a.mu.Lock()
	n := a.failures[ip]
	a.mu.Unlock()
	assert.Equal(t, 1, n)
}

func TestClearFailuresOnSuccess(t *testing.T) {
	a := testAuth(t)
	a.recordFailure(t.Context(), "198.51.100.1")
	a.clearFailures("198.51.100.1")
	a.mu.Lock()
	_, ok := a.failures["198.51.100.1"]
	a.mu.Unlock()
	assert.False(t, ok)
}
