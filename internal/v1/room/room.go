// Package room implements the in-memory catalog of rooms and their
// players. The Store owns all room data outright; every mutation happens
// under its lock and the write paths enforce the catalog invariants:
//
//   - the owner is always a member
//   - a room with no non-monitor members is deleted
//   - a user is in at most one room (byUser reverse index)
//   - chart selection only happens in the SelectChart state
//
// Components that need to iterate members for I/O take snapshots; the
// lock is never held across a network write.
package room

import (
	"container/list"
	"time"

	"github.com/cadenza-live/linkplay/internal/v1/protocol"
	"github.com/cadenza-live/linkplay/internal/v1/types"
)

// MaxMessageHistory bounds the per-room broadcast history ring.
const MaxMessageHistory = 100

// HistoryEntry is one stored broadcast with its arrival time.
type HistoryEntry struct {
	At  time.Time        `json:"at"`
	Msg protocol.Message `json:"msg"`
}

// Room is one live game room. Fields are only touched by Store methods
// (or inside Store.Update callbacks), which run under the store lock.
type Room struct {
	ID         types.RoomIDType
	OwnerID    types.UserIDType
	Players    map[types.UserIDType]*types.PlayerInfo
	MaxPlayers int

	State  types.RoomState
	Locked bool
	Cycle  bool
	Live   bool

	SelectedChart *types.ChartInfo
	LastGameChart *types.ChartInfo

	// SoloConfirmPending is the one-shot flag armed by a solo
	// RequestStart; cleared on state change, chart change, cancel, or the
	// confirming second RequestStart.
	SoloConfirmPending bool

	Blacklist []types.UserIDType
	Whitelist []types.UserIDType

	CreatedAt time.Time

	messages    *list.List
	joinCounter int
}

// Player returns the member row for a user, or nil.
func (r *Room) Player(userID types.UserIDType) *types.PlayerInfo {
	return r.Players[userID]
}

// IsOwner reports whether the user currently owns the room.
func (r *Room) IsOwner(userID types.UserIDType) bool {
	return r.OwnerID == userID
}

// ActivePlayers returns the non-monitor members in join order. Monitors
// never gate start/finish, so all gameplay arithmetic runs over this set.
func (r *Room) ActivePlayers() []*types.PlayerInfo {
	out := make([]*types.PlayerInfo, 0, len(r.Players))
	for _, p := range r.Players {
		if !p.User.Monitor {
			out = append(out, p)
		}
	}
	sortByJoinOrder(out)
	return out
}

// Members returns every member (monitors included) in join order.
func (r *Room) Members() []*types.PlayerInfo {
	out := make([]*types.PlayerInfo, 0, len(r.Players))
	for _, p := range r.Players {
		out = append(out, p)
	}
	sortByJoinOrder(out)
	return out
}

func sortByJoinOrder(players []*types.PlayerInfo) {
	for i := 1; i < len(players); i++ {
		for j := i; j > 0 && players[j-1].JoinOrder > players[j].JoinOrder; j-- {
			players[j-1], players[j] = players[j], players[j-1]
		}
	}
}

// AllActiveFinished reports whether the game-end condition holds: every
// non-monitor member finished, or none remain.
func (r *Room) AllActiveFinished() bool {
	for _, p := range r.Players {
		if !p.User.Monitor && !p.IsFinished {
			return false
		}
	}
	return true
}

// ResetGameFlags clears ready/finished and optionally the kept scores.
func (r *Room) ResetGameFlags(clearScores bool) {
	for _, p := range r.Players {
		p.IsReady = false
		p.IsFinished = false
		if clearScores {
			p.Score = nil
		}
	}
}

// NextOwnerAfter returns the next non-monitor member after the current
// owner in join order, wrapping around. Returns the current owner when no
// other candidate exists.
func (r *Room) NextOwnerAfter(owner types.UserIDType) types.UserIDType {
	active := r.ActivePlayers()
	if len(active) == 0 {
		return owner
	}
	idx := -1
	for i, p := range active {
		if p.User.ID == owner {
			idx = i
			break
		}
	}
	next := active[(idx+1)%len(active)]
	return next.User.ID
}

// AppendMessage stores a broadcast in the bounded history ring.
func (r *Room) AppendMessage(msg protocol.Message, at time.Time) {
	r.messages.PushBack(HistoryEntry{At: at, Msg: msg})
	for r.messages.Len() > MaxMessageHistory {
		r.messages.Remove(r.messages.Front())
	}
}

// MessageHistory returns a copy of the stored broadcasts, oldest first.
func (r *Room) MessageHistory() []HistoryEntry {
	out := make([]HistoryEntry, 0, r.messages.Len())
	for e := r.messages.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(HistoryEntry))
	}
	return out
}

// isBlacklisted reports whether the user id is on the room blacklist.
func (r *Room) isBlacklisted(userID types.UserIDType) bool {
	for _, id := range r.Blacklist {
		if id == userID {
			return true
		}
	}
	return false
}

// passesWhitelist reports whether the user id may join given the
// whitelist; an empty whitelist admits everyone.
func (r *Room) passesWhitelist(userID types.UserIDType) bool {
	if len(r.Whitelist) == 0 {
		return true
	}
	for _, id := range r.Whitelist {
		if id == userID {
			return true
		}
	}
	return false
}

// ClientState builds the join/reconnect snapshot for one member.
func (r *Room) ClientState(userID types.UserIDType) types.ClientRoomState {
	users := make([]types.User, 0, len(r.Players)+1)
	// The server bot is a visible member of every room.
	users = append(users, types.User{ID: types.BotUserID, Name: "LinkPlay"})
	for _, p := range r.Members() {
		users = append(users, p.User)
	}

	var isReady bool
	if p := r.Players[userID]; p != nil {
		isReady = p.IsReady
	}
	return types.ClientRoomState{
		ID:      r.ID,
		State:   r.State,
		Live:    r.Live,
		Locked:  r.Locked,
		Cycle:   r.Cycle,
		IsHost:  r.OwnerID == userID,
		IsReady: isReady,
		Users:   users,
	}
}

// Summary builds the metadata projection for the web and federation
// planes.
func (r *Room) Summary() types.RoomSummary {
	ownerName := ""
	if p := r.Players[r.OwnerID]; p != nil {
		ownerName = p.User.Name
	}
	return types.RoomSummary{
		ID:          r.ID,
		OwnerID:     r.OwnerID,
		OwnerName:   ownerName,
		PlayerCount: len(r.Players),
		MaxPlayers:  r.MaxPlayers,
		State:       r.State.Kind.String(),
		Locked:      r.Locked,
		Cycle:       r.Cycle,
		Live:        r.Live,
		CreatedAt:   r.CreatedAt,
	}
}

// ConnIDs returns the connection ids of every member, the broadcast
// fan-out set. Taken as a snapshot so sends happen without the store lock.
func (r *Room) ConnIDs() []types.ConnIDType {
	out := make([]types.ConnIDType, 0, len(r.Players))
	for _, p := range r.Members() {
		out = append(out, p.ConnID)
	}
	return out
}
