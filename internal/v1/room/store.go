package room

import (
	"container/list"
	"sync"
	"time"

	"github.com/cadenza-live/linkplay/internal/v1/metrics"
	"github.com/cadenza-live/linkplay/internal/v1/types"
)

// MaxRooms bounds the local catalog.
const MaxRooms = 1000

// Store is the in-memory room catalog. All mutations are serialized by
// its mutex; this is the "Room" level of the Session → Room → Federation
// lock order.
type Store struct {
	mu     sync.Mutex
	rooms  map[types.RoomIDType]*Room
	byUser map[types.UserIDType]types.RoomIDType

	defaultMaxPlayers int
	now               func() time.Time
}

// NewStore creates an empty catalog. defaultMaxPlayers caps new rooms
// unless an admin raises a room's limit later.
func NewStore(defaultMaxPlayers int) *Store {
	return &Store{
		rooms:             make(map[types.RoomIDType]*Room),
		byUser:            make(map[types.UserIDType]types.RoomIDType),
		defaultMaxPlayers: defaultMaxPlayers,
		now:               time.Now,
	}
}

// Create adds a room owned by the given player. The owner joins
// immediately.
func (s *Store) Create(id types.RoomIDType, owner types.User, connID types.ConnIDType) error {
	if err := types.ValidateRoomID(id); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rooms[id]; exists {
		return ErrRoomExists
	}
	if len(s.rooms) >= MaxRooms {
		return ErrMaxRooms
	}
	if _, inRoom := s.byUser[owner.ID]; inRoom {
		return ErrAlreadyInRoom
	}

	r := &Room{
		ID:         id,
		OwnerID:    owner.ID,
		Players:    make(map[types.UserIDType]*types.PlayerInfo),
		MaxPlayers: s.defaultMaxPlayers,
		State:      types.SelectChartState(nil),
		CreatedAt:  s.now(),
		messages:   list.New(),
	}
	r.Players[owner.ID] = &types.PlayerInfo{User: owner, ConnID: connID, JoinOrder: r.joinCounter}
	r.joinCounter++

	s.rooms[id] = r
	s.byUser[owner.ID] = id
	s.publishGauges(r)
	return nil
}

// Join adds a user to an existing room and returns their room snapshot.
// Federated joins arrive through the proxy path but get no special
// treatment here: the lock, whitelist and blacklist rules apply to
// everyone.
func (s *Store) Join(id types.RoomIDType, user types.User, connID types.ConnIDType) (types.ClientRoomState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[id]
	if !ok {
		return types.ClientRoomState{}, ErrRoomNotFound
	}
	if _, inRoom := s.byUser[user.ID]; inRoom {
		return types.ClientRoomState{}, ErrAlreadyInRoom
	}
	// Blacklist wins over whitelist when both apply.
	if r.isBlacklisted(user.ID) {
		return types.ClientRoomState{}, ErrBlacklisted
	}
	if !r.passesWhitelist(user.ID) {
		return types.ClientRoomState{}, ErrNotWhitelisted
	}
	if r.Locked {
		return types.ClientRoomState{}, ErrRoomLocked
	}
	if len(r.Players) >= r.MaxPlayers {
		return types.ClientRoomState{}, ErrRoomFull
	}

	r.Players[user.ID] = &types.PlayerInfo{User: user, ConnID: connID, JoinOrder: r.joinCounter}
	r.joinCounter++
	s.byUser[user.ID] = id
	s.publishGauges(r)
	return r.ClientState(user.ID), nil
}

// LeaveResult describes what a removal did to the room, snapshotted so
// the caller can broadcast without the lock.
type LeaveResult struct {
	RoomID      types.RoomIDType
	RoomDeleted bool
	// NewOwner is set when ownership moved to another member.
	NewOwner *types.User
	// NewOwnerConnID carries the new owner's connection for ChangeHost.
	NewOwnerConnID types.ConnIDType
	// EvictedMonitors lists monitors detached because the last
	// non-monitor member left.
	EvictedMonitors []types.PlayerInfo
	// ConnIDs is the post-removal fan-out set.
	ConnIDs []types.ConnIDType
}

// Leave removes a user from their room, electing a new owner or deleting
// the room per the catalog invariants.
func (s *Store) Leave(userID types.UserIDType) (LeaveResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byUser[userID]
	if !ok {
		return LeaveResult{}, ErrNotInRoom
	}
	r := s.rooms[id]
	delete(r.Players, userID)
	delete(s.byUser, userID)

	res := LeaveResult{RoomID: id}

	active := r.ActivePlayers()
	if len(active) == 0 {
		// A solo monitor does not keep a room alive.
		for _, p := range r.Members() {
			res.EvictedMonitors = append(res.EvictedMonitors, *p)
			delete(s.byUser, p.User.ID)
		}
		delete(s.rooms, id)
		res.RoomDeleted = true
		metrics.ActiveRooms.Set(float64(len(s.rooms)))
		metrics.RoomPlayers.DeleteLabelValues(string(id))
		return res, nil
	}

	if r.OwnerID == userID {
		// Elect the remaining non-monitor member with the lowest join order.
		newOwner := active[0]
		r.OwnerID = newOwner.User.ID
		u := newOwner.User
		res.NewOwner = &u
		res.NewOwnerConnID = newOwner.ConnID
	}
	res.ConnIDs = r.ConnIDs()
	s.publishGauges(r)
	return res, nil
}

// Exists reports whether a room id is taken.
func (s *Store) Exists(id types.RoomIDType) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rooms[id]
	return ok
}

// ClientState builds a member's room snapshot under the lock.
func (s *Store) ClientState(id types.RoomIDType, userID types.UserIDType) (types.ClientRoomState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[id]
	if !ok {
		return types.ClientRoomState{}, false
	}
	return r.ClientState(userID), true
}

// ConnIDs snapshots a room's broadcast fan-out set.
func (s *Store) ConnIDs(id types.RoomIDType) []types.ConnIDType {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[id]
	if !ok {
		return nil
	}
	return r.ConnIDs()
}

// History snapshots a room's stored broadcasts for the web projection.
func (s *Store) History(id types.RoomIDType) []HistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[id]
	if !ok {
		return nil
	}
	return r.MessageHistory()
}

// RoomIDByUser resolves the reverse index.
func (s *Store) RoomIDByUser(userID types.UserIDType) (types.RoomIDType, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byUser[userID]
	return id, ok
}

// Update runs fn on the room under the store lock and returns fn's error.
// This is the engine's serialization point for state transitions: the
// callback must not perform I/O.
func (s *Store) Update(id types.RoomIDType, fn func(*Room) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[id]
	if !ok {
		return ErrRoomNotFound
	}
	return fn(r)
}

// UpdateByUser is Update keyed by the reverse index.
func (s *Store) UpdateByUser(userID types.UserIDType, fn func(*Room) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byUser[userID]
	if !ok {
		return ErrNotInRoom
	}
	return fn(s.rooms[id])
}

// MigrateConn repoints a member's connection id, preserving all gameplay
// state. Used by the reconnect path.
func (s *Store) MigrateConn(userID types.UserIDType, connID types.ConnIDType) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byUser[userID]
	if !ok {
		return false
	}
	p := s.rooms[id].Players[userID]
	p.ConnID = connID
	return true
}

// Close removes a room and every membership in it, returning the member
// snapshot so the caller can notify them. Used by the admin surface.
func (s *Store) Close(id types.RoomIDType) ([]types.PlayerInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[id]
	if !ok {
		return nil, ErrRoomNotFound
	}
	members := make([]types.PlayerInfo, 0, len(r.Players))
	for _, p := range r.Members() {
		members = append(members, *p)
		delete(s.byUser, p.User.ID)
	}
	delete(s.rooms, id)
	metrics.ActiveRooms.Set(float64(len(s.rooms)))
	metrics.RoomPlayers.DeleteLabelValues(string(id))
	return members, nil
}

// Summaries returns metadata projections of every local room.
func (s *Store) Summaries() []types.RoomSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.RoomSummary, 0, len(s.rooms))
	for _, r := range s.rooms {
		out = append(out, r.Summary())
	}
	return out
}

// Count returns the number of local rooms.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rooms)
}

func (s *Store) publishGauges(r *Room) {
	metrics.ActiveRooms.Set(float64(len(s.rooms)))
	metrics.RoomPlayers.WithLabelValues(string(r.ID)).Set(float64(len(r.Players)))
}
