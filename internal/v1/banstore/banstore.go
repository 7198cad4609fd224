// Package banstore persists id/IP bans and the login lockout blacklist as
// JSON files under the data directory. Load-once at startup, rewrite on
// every change, all under one lock.
package banstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/cadenza-live/linkplay/internal/v1/logging"
	"go.uber.org/zap"
)

const (
	banIDFile          = "banidList.json"
	banIPFile          = "banipList.json"
	loginBlacklistFile = "login_blacklist.json"
)

// Entry is one ban row, keyed by its target (user id as string, or IP).
type Entry struct {
	Target    string `json:"target"`
	Reason    string `json:"reason"`
	CreatedAt int64  `json:"createdAt"`           // unix ms
	ExpiresAt *int64 `json:"expiresAt"`           // unix ms, nil = permanent
	AdminName string `json:"adminName,omitempty"` // who placed the ban
}

// Expired reports whether the entry's expiry has passed.
func (e Entry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && *e.ExpiresAt <= now.UnixMilli()
}

// Store owns the ban tables. Safe for concurrent use.
type Store struct {
	mu      sync.Mutex
	dataDir string

	byID    map[string]Entry
	byIP    map[string]Entry
	loginBL map[string]int64 // ip -> expiresAt ms

	now func() time.Time
}

// Load reads the persisted ban files from dataDir, creating the directory
// if needed. Missing files are treated as empty tables; a corrupt file is
// a startup error.
func Load(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}

	s := &Store{
		dataDir: dataDir,
		byID:    make(map[string]Entry),
		byIP:    make(map[string]Entry),
		loginBL: make(map[string]int64),
		now:     time.Now,
	}

	if err := readJSONFile(filepath.Join(dataDir, banIDFile), &s.byID); err != nil {
		return nil, fmt.Errorf("loading %s: %w", banIDFile, err)
	}
	if err := readJSONFile(filepath.Join(dataDir, banIPFile), &s.byIP); err != nil {
		return nil, fmt.Errorf("loading %s: %w", banIPFile, err)
	}
	if err := readJSONFile(filepath.Join(dataDir, loginBlacklistFile), &s.loginBL); err != nil {
		return nil, fmt.Errorf("loading %s: %w", loginBlacklistFile, err)
	}

	logging.Info(context.Background(), "ban store loaded",
		zap.Int("id_bans", len(s.byID)),
		zap.Int("ip_bans", len(s.byIP)),
		zap.Int("login_blacklist", len(s.loginBL)))
	return s, nil
}

func readJSONFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

func writeJSONFile(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// IsIDBanned returns the active ban entry for a user id, if any.
func (s *Store) IsIDBanned(userID int32) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := strconv.FormatInt(int64(userID), 10)
	e, ok := s.byID[key]
	if !ok || e.Expired(s.now()) {
		return Entry{}, false
	}
	return e, true
}

// IsIPBanned returns the active ban entry for an IP, if any.
func (s *Store) IsIPBanned(ip string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byIP[ip]
	if !ok || e.Expired(s.now()) {
		return Entry{}, false
	}
	return e, true
}

// BanID adds or replaces a user-id ban and persists.
func (s *Store) BanID(userID int32, reason, adminName string, expiresAt *int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := strconv.FormatInt(int64(userID), 10)
	s.byID[key] = Entry{
		Target:    key,
		Reason:    reason,
		CreatedAt: s.now().UnixMilli(),
		ExpiresAt: expiresAt,
		AdminName: adminName,
	}
	return writeJSONFile(filepath.Join(s.dataDir, banIDFile), s.byID)
}

// UnbanID removes a user-id ban and persists. Removing an absent ban is
// not an error.
func (s *Store) UnbanID(userID int32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byID, strconv.FormatInt(int64(userID), 10))
	return writeJSONFile(filepath.Join(s.dataDir, banIDFile), s.byID)
}

// BanIP adds or replaces an IP ban and persists.
func (s *Store) BanIP(ip, reason, adminName string, expiresAt *int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byIP[ip] = Entry{
		Target:    ip,
		Reason:    reason,
		CreatedAt: s.now().UnixMilli(),
		ExpiresAt: expiresAt,
		AdminName: adminName,
	}
	return writeJSONFile(filepath.Join(s.dataDir, banIPFile), s.byIP)
}

// UnbanIP removes an IP ban and persists.
func (s *Store) UnbanIP(ip string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byIP, ip)
	return writeJSONFile(filepath.Join(s.dataDir, banIPFile), s.byIP)
}

// ListIDBans returns a snapshot of active user-id bans.
func (s *Store) ListIDBans() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return activeEntries(s.byID, s.now())
}

// ListIPBans returns a snapshot of active IP bans.
func (s *Store) ListIPBans() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return activeEntries(s.byIP, s.now())
}

func activeEntries(m map[string]Entry, now time.Time) []Entry {
	out := make([]Entry, 0, len(m))
	for _, e := range m {
		if !e.Expired(now) {
			out = append(out, e)
		}
	}
	return out
}

// BlacklistLogin locks an IP out of the admin login form until expiry.
func (s *Store) BlacklistLogin(ip string, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loginBL[ip] = until.UnixMilli()
	return writeJSONFile(filepath.Join(s.dataDir, loginBlacklistFile), s.loginBL)
}

// IsLoginBlacklisted reports whether an IP is still locked out. Expired
// rows are pruned lazily.
func (s *Store) IsLoginBlacklisted(ip string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	expires, ok := s.loginBL[ip]
	if !ok {
		return false
	}
	if expires <= s.now().UnixMilli() {
		delete(s.loginBL, ip)
		if err := writeJSONFile(filepath.Join(s.dataDir, loginBlacklistFile), s.loginBL); err != nil {
			logging.Warn(context.Background(), "pruning login blacklist failed", zap.Error(err))
		}
		return false
	}
	return true
}
