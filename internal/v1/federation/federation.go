// Package federation maintains the peer mesh: node identity, handshake
// and gossip discovery, health probing with back-off, room catalog sync,
// and the cross-node player proxy. It holds the "Federation" level of
// the Session → Room → Federation lock order, so it never calls back
// into the engine while holding its own lock.
package federation

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cadenza-live/linkplay/internal/v1/logging"
	"github.com/cadenza-live/linkplay/internal/v1/metrics"
	"github.com/cadenza-live/linkplay/internal/v1/protocol"
	"github.com/cadenza-live/linkplay/internal/v1/session"
	"github.com/cadenza-live/linkplay/internal/v1/types"
)

// SecretHeader carries the shared federation secret on every call.
const SecretHeader = "X-Federation-Secret"

const (
	handshakeTimeout = 10 * time.Second
	healthTimeout    = 10 * time.Second
	syncTimeout      = 8 * time.Second
	eventTimeout     = 5 * time.Second
	proxyTimeout     = 30 * time.Second
)

// ErrNodeCollision means a peer presented this node's own id.
var ErrNodeCollision = errors.New("federation: node id collision")

// EngineHooks is the narrow engine surface federation calls back into.
type EngineHooks interface {
	HandleMessage(ctx context.Context, connID types.ConnIDType, payload []byte) error
	HandleDisconnection(ctx context.Context, connID types.ConnIDType)
	SendCommandToUser(userID types.UserIDType, cmd protocol.ServerCommand) error
	CreateFederatedSession(ctx context.Context, connID types.ConnIDType, user types.User, send session.SendFunc) error
	DetachProxiedUsers(ctx context.Context, nodeID string)
}

// RoomCatalog is the local room listing the service gossips outward.
type RoomCatalog interface {
	Summaries() []types.RoomSummary
}

// Options configures a federation Service.
type Options struct {
	NodeURL    string
	NodeID     string // optional; minted and persisted when empty
	Secret     string
	ServerName string
	Seeds      []string
	DataDir    string

	HealthInterval time.Duration
	SyncInterval   time.Duration
}

// Service is one node's view of the mesh.
type Service struct {
	opts  Options
	id    string
	hooks EngineHooks
	rooms RoomCatalog
	http  *http.Client
	now   func() time.Time

	mu    sync.Mutex
	peers map[string]*Node // by node id
	// remoteRooms is replaced atomically per peer; a failed sync keeps
	// the previous entries.
	remoteRooms map[string]map[types.RoomIDType]types.RoomSummary
	// virtualConns tracks the proxy sessions created for each source
	// node so they can be torn down when the node goes offline.
	virtualConns map[string]map[types.ConnIDType]struct{}
}

// New loads the persisted node identity and peer table and builds the
// service. Run starts the background loops.
func New(opts Options, hooks EngineHooks, rooms RoomCatalog) (*Service, error) {
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = 60 * time.Second
	}
	if opts.SyncInterval <= 0 {
		opts.SyncInterval = 30 * time.Second
	}

	id, err := loadOrCreateNodeID(opts.DataDir, opts.NodeURL, opts.NodeID)
	if err != nil {
		return nil, err
	}

	s := &Service{
		opts:         opts,
		id:           id,
		hooks:        hooks,
		rooms:        rooms,
		http:         &http.Client{Timeout: proxyTimeout},
		now:          time.Now,
		peers:        make(map[string]*Node),
		remoteRooms:  make(map[string]map[types.RoomIDType]types.RoomSummary),
		virtualConns: make(map[string]map[types.ConnIDType]struct{}),
	}

	nodes, err := loadNodes(opts.DataDir, opts.NodeURL)
	if err != nil {
		return nil, fmt.Errorf("loading peer table: %w", err)
	}
	for _, n := range nodes {
		if n.ID == id {
			return nil, fmt.Errorf("%w: persisted table contains own id %s", ErrNodeCollision, id)
		}
		n.Status = StatusUnknown
		s.peers[n.ID] = n
	}
	s.publishPeerGauges()

	logging.Info(context.Background(), "federation node loaded",
		zap.String("node_id", id), zap.String("node_url", opts.NodeURL),
		zap.Int("known_peers", len(s.peers)))
	return s, nil
}

// NodeID returns this node's persistent id.
func (s *Service) NodeID() string { return s.id }

// Run performs the seed handshakes and drives the health and sync loops
// until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	for _, seed := range s.opts.Seeds {
		seed = strings.TrimSpace(seed)
		if seed == "" {
			continue
		}
		if err := s.handshakeWith(ctx, seed, false); err != nil {
			logging.Warn(ctx, "seed handshake failed", zap.String("url", seed), zap.Error(err))
		}
	}

	health := time.NewTicker(s.opts.HealthInterval)
	catalog := time.NewTicker(s.opts.SyncInterval)
	defer health.Stop()
	defer catalog.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-health.C:
			s.runHealthChecks(ctx)
		case <-catalog.C:
			s.syncAll(ctx)
		}
	}
}

// Peers returns a snapshot of the peer table.
func (s *Service) Peers() []Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Node, 0, len(s.peers))
	for _, n := range s.peers {
		out = append(out, *n)
	}
	return out
}

// RemoteRooms returns a snapshot of every known remote room, stamped
// with its owning node.
func (s *Service) RemoteRooms() []types.RoomSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.RoomSummary
	for nodeID, rooms := range s.remoteRooms {
		for _, r := range rooms {
			r.NodeID = nodeID
			out = append(out, r)
		}
	}
	return out
}

// RemoteRoomNode resolves which peer owns a room id, if any.
func (s *Service) RemoteRoomNode(id types.RoomIDType) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for nodeID, rooms := range s.remoteRooms {
		if _, ok := rooms[id]; ok {
			return nodeID, true
		}
	}
	return "", false
}

func (s *Service) peerURL(nodeID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.peers[nodeID]
	if !ok {
		return "", false
	}
	return n.URL, true
}

func (s *Service) secretOK(got string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(s.opts.Secret)) == 1
}

func (s *Service) publishPeerGauges() {
	counts := map[NodeStatus]int{}
	for _, n := range s.peers {
		counts[n.Status]++
	}
	for _, st := range []NodeStatus{StatusOnline, StatusOffline, StatusUnknown} {
		metrics.FederationPeers.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
}

// wire payloads

type handshakeRequest struct {
	NodeID     string `json:"nodeId"`
	NodeURL    string `json:"nodeUrl"`
	ServerName string `json:"serverName"`
	IsReverse  bool   `json:"isReverse,omitempty"`
}

type peerInfo struct {
	ID         string `json:"id"`
	URL        string `json:"url"`
	ServerName string `json:"serverName"`
}

type handshakeResponse struct {
	NodeID     string     `json:"nodeId"`
	ServerName string     `json:"serverName"`
	Peers      []peerInfo `json:"peers"`
}

type roomsResponse struct {
	NodeID string              `json:"nodeId"`
	Rooms  []types.RoomSummary `json:"rooms"`
}

type eventRequest struct {
	NodeID string            `json:"nodeId"`
	Kind   string            `json:"kind"`
	Room   types.RoomSummary `json:"room"`
}

type proxyJoinRequest struct {
	SourceNodeID  string           `json:"sourceNodeId"`
	SourceNodeURL string           `json:"sourceNodeUrl"`
	User          types.User       `json:"user"`
	RoomID        types.RoomIDType `json:"roomId"`
	Monitor       bool             `json:"monitor"`
}

type proxyJoinResponse struct {
	Error string                 `json:"error,omitempty"`
	Room  *types.ClientRoomState `json:"room,omitempty"`
}

type proxyCommandRequest struct {
	SourceNodeID string           `json:"sourceNodeId"`
	UserID       types.UserIDType `json:"userId"`
	Payload      []byte           `json:"payload"`
}

type proxyLeaveRequest struct {
	SourceNodeID string           `json:"sourceNodeId"`
	UserID       types.UserIDType `json:"userId"`
}

type proxyCallbackRequest struct {
	UserID  types.UserIDType `json:"userId"`
	Payload []byte           `json:"payload"`
}

type healthResponse struct {
	NodeID     string `json:"nodeId"`
	ServerName string `json:"serverName"`
}

// postJSON issues one federation call with the shared secret attached.
func (s *Service) postJSON(ctx context.Context, timeout time.Duration, url string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SecretHeader, s.opts.Secret)

	resp, err := s.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s returned %d: %s", url, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (s *Service) getJSON(ctx context.Context, timeout time.Duration, url string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set(SecretHeader, s.opts.Secret)

	resp, err := s.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s returned %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// handshakeWith contacts a peer by URL and merges its peer table.
func (s *Service) handshakeWith(ctx context.Context, url string, isReverse bool) error {
	var resp handshakeResponse
	err := s.postJSON(ctx, handshakeTimeout, strings.TrimRight(url, "/")+"/handshake", handshakeRequest{
		NodeID:     s.id,
		NodeURL:    s.opts.NodeURL,
		ServerName: s.opts.ServerName,
		IsReverse:  isReverse,
	}, &resp)
	if err != nil {
		metrics.FederationCalls.WithLabelValues("handshake", "error").Inc()
		return err
	}
	metrics.FederationCalls.WithLabelValues("handshake", "ok").Inc()

	if resp.NodeID == s.id {
		return fmt.Errorf("%w: %s answered with our own id", ErrNodeCollision, url)
	}

	s.recordPeer(resp.NodeID, url, resp.ServerName)
	logging.Info(ctx, "handshake complete",
		zap.String("peer_id", resp.NodeID), zap.String("peer_url", url),
		zap.Bool("reverse", isReverse))

	// Pull the peer's catalog right away.
	s.syncPeer(ctx, resp.NodeID)

	// Gossip discovery: handshake any unknown peers they told us about.
	for _, p := range resp.Peers {
		if p.ID == s.id || s.knowsPeer(p.ID) {
			continue
		}
		if err := s.handshakeWith(ctx, p.URL, false); err != nil {
			logging.Warn(ctx, "gossip handshake failed",
				zap.String("peer_url", p.URL), zap.Error(err))
		}
	}
	return nil
}

func (s *Service) knowsPeer(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.peers[id]
	return ok
}

// recordPeer inserts or refreshes a peer row as online. Returns true
// when the peer was previously unknown.
func (s *Service) recordPeer(id, url, serverName string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UnixMilli()
	n, known := s.peers[id]
	if !known {
		n = &Node{ID: id, AddedAt: now}
		s.peers[id] = n
	}
	n.URL = strings.TrimRight(url, "/")
	n.ServerName = serverName
	n.Status = StatusOnline
	n.LastSeen = now
	s.publishPeerGauges()
	s.persistLocked()
	return !known
}

func (s *Service) persistLocked() {
	nodes := make([]*Node, 0, len(s.peers))
	for _, n := range s.peers {
		nodes = append(nodes, n)
	}
	if err := saveNodes(s.opts.DataDir, s.opts.NodeURL, nodes); err != nil {
		logging.Warn(context.Background(), "persisting peer table failed", zap.Error(err))
	}
}

// syncAll refreshes the catalog of every online peer.
func (s *Service) syncAll(ctx context.Context) {
	for _, n := range s.Peers() {
		if n.Status == StatusOnline {
			s.syncPeer(ctx, n.ID)
		}
	}
}

// syncPeer replaces one peer's remote rooms atomically. A transport
// error preserves the previous entries.
func (s *Service) syncPeer(ctx context.Context, nodeID string) {
	url, ok := s.peerURL(nodeID)
	if !ok {
		return
	}
	var resp roomsResponse
	if err := s.getJSON(ctx, syncTimeout, url+"/rooms", &resp); err != nil {
		metrics.FederationCalls.WithLabelValues("rooms", "error").Inc()
		logging.Warn(ctx, "room sync failed", zap.String("peer_id", nodeID), zap.Error(err))
		return
	}
	metrics.FederationCalls.WithLabelValues("rooms", "ok").Inc()

	fresh := make(map[types.RoomIDType]types.RoomSummary, len(resp.Rooms))
	for _, r := range resp.Rooms {
		fresh[r.ID] = r
	}

	s.mu.Lock()
	s.remoteRooms[nodeID] = fresh
	if n, ok := s.peers[nodeID]; ok {
		n.LastSeen = s.now().UnixMilli()
	}
	s.mu.Unlock()
	metrics.RemoteRooms.WithLabelValues(nodeID).Set(float64(len(fresh)))
}

// runHealthChecks probes peers per the back-off ladder and reacts to
// status transitions.
func (s *Service) runHealthChecks(ctx context.Context) {
	now := s.now()
	for _, snapshot := range s.Peers() {
		switch snapshot.Status {
		case StatusOnline, StatusUnknown:
		case StatusOffline:
			if purgeDue(&snapshot, now) {
				s.purgePeer(ctx, snapshot.ID)
				continue
			}
			if !offlineProbeDue(&snapshot, now) {
				continue
			}
		}
		s.probePeer(ctx, snapshot.ID)
	}
}

func (s *Service) probePeer(ctx context.Context, nodeID string) {
	url, ok := s.peerURL(nodeID)
	if !ok {
		return
	}

	var resp healthResponse
	err := s.getJSON(ctx, healthTimeout, url+"/health", &resp)

	s.mu.Lock()
	n, known := s.peers[nodeID]
	if !known {
		s.mu.Unlock()
		return
	}
	n.LastHealthCheck = s.now().UnixMilli()
	wasOnline := n.Status == StatusOnline

	if err != nil || resp.NodeID != nodeID {
		n.Status = StatusOffline
		s.publishPeerGauges()
		s.persistLocked()
		s.mu.Unlock()

		if wasOnline {
			logging.Warn(ctx, "peer went offline", zap.String("peer_id", nodeID), zap.Error(err))
			s.handlePeerOffline(ctx, nodeID)
		}
		metrics.FederationCalls.WithLabelValues("health", "error").Inc()
		return
	}

	backOnline := !wasOnline
	n.Status = StatusOnline
	n.LastSeen = s.now().UnixMilli()
	s.publishPeerGauges()
	s.persistLocked()
	s.mu.Unlock()

	metrics.FederationCalls.WithLabelValues("health", "ok").Inc()
	if backOnline {
		logging.Info(ctx, "peer back online", zap.String("peer_id", nodeID))
		s.syncPeer(ctx, nodeID)
	}
}

// handlePeerOffline tears down both proxy directions for a dead peer:
// incoming federated players are disconnected, outgoing proxied locals
// are detached and notified.
func (s *Service) handlePeerOffline(ctx context.Context, nodeID string) {
	s.mu.Lock()
	conns := make([]types.ConnIDType, 0, len(s.virtualConns[nodeID]))
	for c := range s.virtualConns[nodeID] {
		conns = append(conns, c)
	}
	delete(s.virtualConns, nodeID)
	delete(s.remoteRooms, nodeID)
	s.mu.Unlock()
	metrics.RemoteRooms.DeleteLabelValues(nodeID)

	for _, c := range conns {
		s.hooks.HandleDisconnection(ctx, c)
	}
	s.hooks.DetachProxiedUsers(ctx, nodeID)
}

func (s *Service) purgePeer(ctx context.Context, nodeID string) {
	s.mu.Lock()
	delete(s.peers, nodeID)
	delete(s.remoteRooms, nodeID)
	s.publishPeerGauges()
	s.persistLocked()
	s.mu.Unlock()
	metrics.RemoteRooms.DeleteLabelValues(nodeID)
	logging.Info(ctx, "purged long-offline peer", zap.String("peer_id", nodeID))
}

func trimURL(u string) string { return strings.TrimRight(u, "/") }

// virtualConnID names the synthetic connection for a proxied user.
func virtualConnID(sourceNodeID string, userID types.UserIDType) types.ConnIDType {
	return types.ConnIDType(fmt.Sprintf("federation:%s:%d", sourceNodeID, userID))
}

func (s *Service) trackVirtualConn(sourceNodeID string, connID types.ConnIDType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.virtualConns[sourceNodeID] == nil {
		s.virtualConns[sourceNodeID] = make(map[types.ConnIDType]struct{})
	}
	s.virtualConns[sourceNodeID][connID] = struct{}{}
}

func (s *Service) dropVirtualConn(sourceNodeID string, connID types.ConnIDType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.virtualConns[sourceNodeID], connID)
}

// engine.Federator implementation (outgoing proxy side)

// ProxyJoin asks the authoritative node to admit a local user into one
// of its rooms.
func (s *Service) ProxyJoin(ctx context.Context, nodeID string, user types.User, roomID types.RoomIDType, monitor bool) (types.ClientRoomState, error) {
	url, ok := s.peerURL(nodeID)
	if !ok {
		return types.ClientRoomState{}, fmt.Errorf("unknown peer %s", nodeID)
	}
	var resp proxyJoinResponse
	err := s.postJSON(ctx, proxyTimeout, url+"/proxy/join", proxyJoinRequest{
		SourceNodeID:  s.id,
		SourceNodeURL: s.opts.NodeURL,
		User:          user,
		RoomID:        roomID,
		Monitor:       monitor,
	}, &resp)
	if err != nil {
		metrics.FederationCalls.WithLabelValues("proxy_join", "error").Inc()
		return types.ClientRoomState{}, err
	}
	metrics.FederationCalls.WithLabelValues("proxy_join", "ok").Inc()
	if resp.Error != "" {
		return types.ClientRoomState{}, errors.New(resp.Error)
	}
	if resp.Room == nil {
		return types.ClientRoomState{}, errors.New("peer returned no room state")
	}
	return *resp.Room, nil
}

// ProxyCommand forwards a proxied user's raw command frame.
func (s *Service) ProxyCommand(ctx context.Context, nodeID string, userID types.UserIDType, payload []byte) error {
	url, ok := s.peerURL(nodeID)
	if !ok {
		return fmt.Errorf("unknown peer %s", nodeID)
	}
	err := s.postJSON(ctx, proxyTimeout, url+"/proxy/command", proxyCommandRequest{
		SourceNodeID: s.id,
		UserID:       userID,
		Payload:      payload,
	}, nil)
	if err != nil {
		metrics.FederationCalls.WithLabelValues("proxy_command", "error").Inc()
		return err
	}
	metrics.FederationCalls.WithLabelValues("proxy_command", "ok").Inc()
	return nil
}

// ProxyLeave tells the authoritative node a proxied user is gone.
func (s *Service) ProxyLeave(ctx context.Context, nodeID string, userID types.UserIDType) error {
	url, ok := s.peerURL(nodeID)
	if !ok {
		return fmt.Errorf("unknown peer %s", nodeID)
	}
	err := s.postJSON(ctx, proxyTimeout, url+"/proxy/leave", proxyLeaveRequest{
		SourceNodeID: s.id,
		UserID:       userID,
	}, nil)
	if err != nil {
		metrics.FederationCalls.WithLabelValues("proxy_leave", "error").Inc()
		return err
	}
	metrics.FederationCalls.WithLabelValues("proxy_leave", "ok").Inc()
	return nil
}

// PublishRoomEvent pushes a catalog change to every online peer
// asynchronously; gossip sync repairs anything a push misses.
func (s *Service) PublishRoomEvent(ctx context.Context, kind string, summary types.RoomSummary) {
	for _, n := range s.Peers() {
		if n.Status != StatusOnline {
			continue
		}
		url := n.URL
		go func() {
			err := s.postJSON(context.Background(), eventTimeout, url+"/event", eventRequest{
				NodeID: s.id,
				Kind:   kind,
				Room:   summary,
			}, nil)
			if err != nil {
				metrics.FederationCalls.WithLabelValues("event", "error").Inc()
				return
			}
			metrics.FederationCalls.WithLabelValues("event", "ok").Inc()
		}()
	}
}
