package protocol

import (
	"fmt"

	"github.com/cadenza-live/linkplay/internal/v1/types"
)

// MessageKind tags the broadcast Message union.
type MessageKind uint8

// Message variant tags, in wire order.
const (
	MsgChat MessageKind = iota
	MsgCreateRoom
	MsgJoinRoom
	MsgLeaveRoom
	MsgNewHost
	MsgSelectChart
	MsgGameStart
	MsgReady
	MsgCancelReady
	MsgCancelGame
	MsgStartPlaying
	MsgPlayed
	MsgGameEnd
	MsgAbort
	MsgLockRoom
	MsgCycleRoom
	MsgKick
)

// String implements fmt.Stringer for logs and the web projection.
func (k MessageKind) String() string {
	names := [...]string{
		"chat", "createRoom", "joinRoom", "leaveRoom", "newHost",
		"selectChart", "gameStart", "ready", "cancelReady", "cancelGame",
		"startPlaying", "played", "gameEnd", "abort", "lockRoom",
		"cycleRoom", "kick",
	}
	if int(k) < len(names) {
		return names[k]
	}
	return "unknown"
}

// Message is one room broadcast, appended to the room's history and sent
// to every member. Only the fields of the tagged variant are meaningful.
type Message struct {
	Kind MessageKind `json:"kind"`

	User   *types.User `json:"user,omitempty"`
	Target *types.User `json:"target,omitempty"` // Kick

	Content string `json:"content,omitempty"` // Chat

	ChartName string `json:"chartName,omitempty"` // SelectChart
	ChartID   int32  `json:"chartId,omitempty"`   // SelectChart

	Score     int32   `json:"score,omitempty"`     // Played
	Accuracy  float32 `json:"accuracy,omitempty"`  // Played
	FullCombo bool    `json:"fullCombo,omitempty"` // Played

	Lock  bool `json:"lock,omitempty"`  // LockRoom
	Cycle bool `json:"cycle,omitempty"` // CycleRoom
}

func writeUser(w *Writer, u types.User) {
	w.WriteInt32(int32(u.ID))
	w.WriteString(u.Name)
	w.WriteBool(u.Monitor)
}

func readUser(r *Reader) (types.User, error) {
	var u types.User
	id, err := r.ReadInt32()
	if err != nil {
		return u, err
	}
	name, err := r.ReadString()
	if err != nil {
		return u, err
	}
	monitor, err := r.ReadBool()
	if err != nil {
		return u, err
	}
	return types.User{ID: types.UserIDType(id), Name: name, Monitor: monitor}, nil
}

func writeOptionUser(w *Writer, u *types.User) {
	if u == nil {
		w.WriteBool(false)
		return
	}
	w.WriteBool(true)
	writeUser(w, *u)
}

func readOptionUser(r *Reader) (*types.User, error) {
	ok, err := r.ReadBool()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	u, err := readUser(r)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// Encode appends the Message's wire form (tag byte + variant body).
func (m Message) Encode(w *Writer) {
	w.WriteByte(byte(m.Kind))
	switch m.Kind {
	case MsgChat:
		writeOptionUser(w, m.User)
		w.WriteString(m.Content)
	case MsgCreateRoom, MsgJoinRoom, MsgLeaveRoom, MsgNewHost, MsgGameStart,
		MsgReady, MsgCancelReady, MsgCancelGame, MsgAbort:
		writeOptionUser(w, m.User)
	case MsgSelectChart:
		writeOptionUser(w, m.User)
		w.WriteString(m.ChartName)
		w.WriteInt32(m.ChartID)
	case MsgStartPlaying, MsgGameEnd:
		// No body.
	case MsgPlayed:
		writeOptionUser(w, m.User)
		w.WriteInt32(m.Score)
		w.WriteFloat32(m.Accuracy)
		w.WriteBool(m.FullCombo)
	case MsgLockRoom:
		w.WriteBool(m.Lock)
	case MsgCycleRoom:
		w.WriteBool(m.Cycle)
	case MsgKick:
		writeOptionUser(w, m.User)
		writeOptionUser(w, m.Target)
	}
}

// DecodeMessage parses one Message from the reader.
func DecodeMessage(r *Reader) (Message, error) {
	var m Message
	tag, err := r.ReadByte()
	if err != nil {
		return m, fmt.Errorf("decoding message tag: %w", err)
	}
	m.Kind = MessageKind(tag)

	switch m.Kind {
	case MsgChat:
		if m.User, err = readOptionUser(r); err == nil {
			m.Content, err = r.ReadString()
		}
	case MsgCreateRoom, MsgJoinRoom, MsgLeaveRoom, MsgNewHost, MsgGameStart,
		MsgReady, MsgCancelReady, MsgCancelGame, MsgAbort:
		m.User, err = readOptionUser(r)
	case MsgSelectChart:
		if m.User, err = readOptionUser(r); err == nil {
			if m.ChartName, err = r.ReadString(); err == nil {
				m.ChartID, err = r.ReadInt32()
			}
		}
	case MsgStartPlaying, MsgGameEnd:
		// No body.
	case MsgPlayed:
		if m.User, err = readOptionUser(r); err == nil {
			if m.Score, err = r.ReadInt32(); err == nil {
				if m.Accuracy, err = r.ReadFloat32(); err == nil {
					m.FullCombo, err = r.ReadBool()
				}
			}
		}
	case MsgLockRoom:
		m.Lock, err = r.ReadBool()
	case MsgCycleRoom:
		m.Cycle, err = r.ReadBool()
	case MsgKick:
		if m.User, err = readOptionUser(r); err == nil {
			m.Target, err = readOptionUser(r)
		}
	default:
		return m, fmt.Errorf("unknown message tag %d", tag)
	}
	if err != nil {
		return m, fmt.Errorf("decoding message %s: %w", m.Kind, err)
	}
	return m, nil
}
