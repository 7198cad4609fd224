package federation

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NodeStatus is the health classification of a peer.
type NodeStatus string

const (
	StatusOnline  NodeStatus = "online"
	StatusOffline NodeStatus = "offline"
	StatusUnknown NodeStatus = "unknown"
)

// Node is one federation peer.
type Node struct {
	ID         string     `json:"id"`
	URL        string     `json:"url"`
	ServerName string     `json:"serverName"`
	Status     NodeStatus `json:"status"`
	// LastSeen is the last successful exchange, unix ms.
	LastSeen int64 `json:"lastSeen"`
	// LastHealthCheck is the last probe attempt, unix ms.
	LastHealthCheck int64 `json:"lastHealthCheck"`
	AddedAt         int64 `json:"addedAt"`
}

// urlSuffix derives the filename-safe suffix identifying this node's
// persisted state, so several nodes can share a data directory in tests.
func urlSuffix(nodeURL string) string {
	s := strings.TrimPrefix(strings.TrimPrefix(nodeURL, "https://"), "http://")
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

func idFilePath(dataDir, nodeURL string) string {
	return filepath.Join(dataDir, fmt.Sprintf("federation_id[%s].txt", urlSuffix(nodeURL)))
}

func nodesFilePath(dataDir, nodeURL string) string {
	return filepath.Join(dataDir, fmt.Sprintf("federation_nodes[%s].json", urlSuffix(nodeURL)))
}

// loadOrCreateNodeID returns the persisted node id for this URL,
// minting and persisting a fresh one on first start. An explicit
// configured id wins and is persisted.
func loadOrCreateNodeID(dataDir, nodeURL, configured string) (string, error) {
	path := idFilePath(dataDir, nodeURL)

	if configured != "" {
		if err := os.WriteFile(path, []byte(configured), 0o644); err != nil {
			return "", fmt.Errorf("persisting node id: %w", err)
		}
		return configured, nil
	}

	data, err := os.ReadFile(path)
	if err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("reading node id: %w", err)
	}

	id := uuid.NewString()
	if err := os.WriteFile(path, []byte(id), 0o644); err != nil {
		return "", fmt.Errorf("persisting node id: %w", err)
	}
	return id, nil
}

func loadNodes(dataDir, nodeURL string) ([]*Node, error) {
	data, err := os.ReadFile(nodesFilePath(dataDir, nodeURL))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var nodes []*Node
	if err := json.Unmarshal(data, &nodes); err != nil {
		return nil, fmt.Errorf("parsing node table: %w", err)
	}
	return nodes, nil
}

func saveNodes(dataDir, nodeURL string, nodes []*Node) error {
	data, err := json.MarshalIndent(nodes, "", "  ")
	if err != nil {
		return err
	}
	path := nodesFilePath(dataDir, nodeURL)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// offlineProbeDue applies the back-off ladder for offline peers: every
// five minutes for the first three days, hourly until day seven.
func offlineProbeDue(n *Node, now time.Time) bool {
	offlineFor := now.UnixMilli() - n.LastSeen
	sinceProbe := now.UnixMilli() - n.LastHealthCheck
	switch {
	case offlineFor < (3 * 24 * time.Hour).Milliseconds():
		return sinceProbe >= (5 * time.Minute).Milliseconds()
	default:
		return sinceProbe >= time.Hour.Milliseconds()
	}
}

// purgeDue reports whether an offline peer has aged out entirely.
func purgeDue(n *Node, now time.Time) bool {
	return now.UnixMilli()-n.LastSeen >= (7 * 24 * time.Hour).Milliseconds()
}
