// Package types holds the core domain types shared by the protocol codec,
// the room store, the session table and the protocol engine.
//
// Keeping these in a leaf package avoids import cycles between the engine
// and the federation layer, which both need to talk about users, rooms and
// scores without depending on each other.
package types

import (
	"errors"
	"time"
)

// ConnIDType is the opaque identifier assigned to a transport connection.
// Federated (virtual) connections use the "federation:<nodeId>:<userId>" form.
type ConnIDType string

// RoomIDType identifies a room. Room ids are client-chosen short strings.
type RoomIDType string

// UserIDType is the numeric user id from the identity service.
// BotUserID (-1) is reserved for the synthetic server bot shown in rooms.
type UserIDType int32

// BotUserID is the reserved id of the synthetic server bot injected into
// every room's visible member list.
const BotUserID UserIDType = -1

// User is the identity-service view of a player.
// Monitors are spectators: they count as room members but never as active
// players for start/finish gating.
type User struct {
	ID      UserIDType `json:"id"`
	Name    string     `json:"name"`
	Monitor bool       `json:"monitor"`
}

// PlayerScore is a finished player's result, trusted as reported by the
// client or fetched from the identity service record endpoint.
type PlayerScore struct {
	Score      int32   `json:"score"`
	Accuracy   float32 `json:"accuracy"`
	Perfect    int32   `json:"perfect"`
	Good       int32   `json:"good"`
	Bad        int32   `json:"bad"`
	Miss       int32   `json:"miss"`
	MaxCombo   int32   `json:"maxCombo"`
	FinishTime int64   `json:"finishTime"` // wall clock, unix ms
}

// FullCombo reports whether the run had no misses and no bads.
func (s PlayerScore) FullCombo() bool {
	return s.Miss == 0 && s.Bad == 0
}

// RoomStateKind tags the RoomState variant.
type RoomStateKind uint8

const (
	StateSelectChart RoomStateKind = iota
	StateWaitingForReady
	StatePlaying
)

// String implements fmt.Stringer for logs and the web projection.
func (k RoomStateKind) String() string {
	switch k {
	case StateSelectChart:
		return "selectChart"
	case StateWaitingForReady:
		return "waitingForReady"
	case StatePlaying:
		return "playing"
	default:
		return "unknown"
	}
}

// RoomState is the tagged variant driving the room lifecycle.
// ChartID is only meaningful in the SelectChart state.
type RoomState struct {
	Kind    RoomStateKind `json:"kind"`
	ChartID *int32        `json:"chartId,omitempty"`
}

// SelectChartState builds a SelectChart state, optionally carrying the
// chart that remains displayed from the previous game.
func SelectChartState(chartID *int32) RoomState {
	return RoomState{Kind: StateSelectChart, ChartID: chartID}
}

// ChartInfo is the chart metadata fetched from the chart service.
type ChartInfo struct {
	ID   int32  `json:"id"`
	Name string `json:"name"`
}

// PlayerInfo is a room's view of one member.
type PlayerInfo struct {
	User       User         `json:"user"`
	ConnID     ConnIDType   `json:"-"`
	IsReady    bool         `json:"isReady"`
	IsFinished bool         `json:"isFinished"`
	Score      *PlayerScore `json:"score,omitempty"`
	JoinOrder  int          `json:"-"`
}

// RankingEntry is one row of the end-of-game ranking.
type RankingEntry struct {
	Rank  int32        `json:"rank"`
	User  User         `json:"user"`
	Score *PlayerScore `json:"score,omitempty"`
}

// ClientRoomState is the snapshot handed to a client on join, rejoin and
// reconnect so it can rebuild its view of the room.
type ClientRoomState struct {
	ID      RoomIDType `json:"id"`
	State   RoomState  `json:"state"`
	Live    bool       `json:"live"`
	Locked  bool       `json:"locked"`
	Cycle   bool       `json:"cycle"`
	IsHost  bool       `json:"isHost"`
	IsReady bool       `json:"isReady"`
	Users   []User     `json:"users"`
}

/// RoomSummary is the federation/web projection of a room: metadata only,
// never gameplay state beyond the lifecycle kind.
type RoomSummary struct {
	ID          RoomIDType `json:"id"`
	OwnerID     UserIDType `json:"ownerId"`
	OwnerName   string     `json:"ownerName"`
	PlayerCount int        `json:"playerCount"`
	MaxPlayers  int        `json:"maxPlayers"`
	State       string     `json:"state"`
	Locked      bool       `json:"locked"`
	Cycle       bool       `json:"cycle"`
	Live        bool       `json:"live"`
	CreatedAt   time.Time  `json:"createdAt"`
	// NodeID is empty for local rooms and set to the owning node for
	// federated catalog entries.
	NodeID string `json:"nodeId,omitempty"`
}

// ValidateRoomID enforces the room id shape shared by the TCP and proxy
// join paths.
func ValidateRoomID(id RoomIDType) error {
	if len(id) == 0 {
		return errors.New("room id cannot be empty")
	}
	if len(id) > 20 {
		return errors.New("room id cannot exceed 20 characters")
	}
	for _, r := range string(id) {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_':
		default:
			return errors.New("room id may only contain letters, digits, '-' and '_'")
		}
	}
	return nil
}
