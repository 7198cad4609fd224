package protocol

import (
	"fmt"

	"github.com/cadenza-live/linkplay/internal/v1/types"
)

// Client command opcodes (first payload byte of a client frame).
const (
	CPing         byte = 0
	CAuthenticate byte = 1
	CChat         byte = 2
	CTouches      byte = 3
	CJudges       byte = 4
	CCreateRoom   byte = 5
	CJoinRoom     byte = 6
	CLeaveRoom    byte = 7
	CLockRoom     byte = 8
	CCycleRoom    byte = 9
	CSelectChart  byte = 10
	CRequestStart byte = 11
	CReady        byte = 12
	CCancelReady  byte = 13
	CPlayed       byte = 14
	CAbort        byte = 15
	CGameResult   byte = 16
)

// ClientCommand is one decoded client frame.
type ClientCommand interface {
	Opcode() byte
	encode(w *Writer)
}

// Ping is the client-side heartbeat. It elicits an immediate Pong.
type Ping struct{}

// Authenticate carries the identity-service session token.
type Authenticate struct {
	Token string
}

// Chat sends a room chat line.
type Chat struct {
	Message string
}

// Touches carries live touch frames for monitors. The payload is opaque to
// the engine and discarded.
type Touches struct {
	Raw []byte
}

// Judges carries live judgement events for monitors. Opaque, discarded.
type Judges struct {
	Raw []byte
}

// CreateRoom creates a room with a client-chosen id.
type CreateRoom struct {
	ID types.RoomIDType
}

// JoinRoom joins an existing room, optionally as a monitor (spectator).
type JoinRoom struct {
	ID      types.RoomIDType
	Monitor bool
}

// LeaveRoom leaves the current room.
type LeaveRoom struct{}

// LockRoom toggles the room's join lock. Owner only.
type LockRoom struct {
	Lock bool
}

// CycleRoom toggles cycle mode (host rotation). Owner only.
type CycleRoom struct {
	Cycle bool
}

// SelectChart picks the chart for the next game. Owner only.
type SelectChart struct {
	ChartID int32
}

// RequestStart begins the ready gate (or arms the solo-confirm flag).
// Owner only.
type RequestStart struct{}

// Ready marks the sender ready during the ready gate.
type Ready struct{}

// CancelReady clears the sender's ready mark; from the owner it cancels
// the whole game.
type CancelReady struct{}

// Played reports a finished game by record id; the server fetches the
// score from the identity service.
type Played struct {
	RecordID int32
}

// Abort gives up mid-game, recording a zero score.
type Abort struct{}

// GameResult reports a finished game with the full score payload.
type GameResult struct {
	Score    int32
	Accuracy float32
	Perfect  int32
	Good     int32
	Bad      int32
	Miss     int32
	MaxCombo int32
}

// Unknown is the sentinel for an unrecognized opcode. The frame body has
// already been drained when it is returned.
type Unknown struct {
	Op byte
}

func (Ping) Opcode() byte         { return CPing }
func (Authenticate) Opcode() byte { return CAuthenticate }
func (Chat) Opcode() byte         { return CChat }
func (Touches) Opcode() byte      { return CTouches }
func (Judges) Opcode() byte       { return CJudges }
func (CreateRoom) Opcode() byte   { return CCreateRoom }
func (JoinRoom) Opcode() byte     { return CJoinRoom }
func (LeaveRoom) Opcode() byte    { return CLeaveRoom }
func (LockRoom) Opcode() byte     { return CLockRoom }
func (CycleRoom) Opcode() byte    { return CCycleRoom }
func (SelectChart) Opcode() byte  { return CSelectChart }
func (RequestStart) Opcode() byte { return CRequestStart }
func (Ready) Opcode() byte        { return CReady }
func (CancelReady) Opcode() byte  { return CCancelReady }
func (Played) Opcode() byte       { return CPlayed }
func (Abort) Opcode() byte        { return CAbort }
func (GameResult) Opcode() byte   { return CGameResult }
func (u Unknown) Opcode() byte    { return u.Op }

func (Ping) encode(*Writer) {}
func (c Authenticate) encode(w *Writer) {
	w.WriteString(c.Token)
}
func (c Chat) encode(w *Writer) {
	w.WriteString(c.Message)
}
func (c Touches) encode(w *Writer) {
	w.WriteUvarint(uint64(len(c.Raw)))
	w.WriteBytes(c.Raw)
}
func (c Judges) encode(w *Writer) {
	w.WriteUvarint(uint64(len(c.Raw)))
	w.WriteBytes(c.Raw)
}
func (c CreateRoom) encode(w *Writer) {
	w.WriteString(string(c.ID))
}
func (c JoinRoom) encode(w *Writer) {
	w.WriteString(string(c.ID))
	w.WriteBool(c.Monitor)
}
func (LeaveRoom) encode(*Writer) {}
func (c LockRoom) encode(w *Writer) {
	w.WriteBool(c.Lock)
}
func (c CycleRoom) encode(w *Writer) {
	w.WriteBool(c.Cycle)
}
func (c SelectChart) encode(w *Writer) {
	w.WriteInt32(c.ChartID)
}
func (RequestStart) encode(*Writer) {}
func (Ready) encode(*Writer)        {}
func (CancelReady) encode(*Writer)  {}
func (c Played) encode(w *Writer) {
	w.WriteInt32(c.RecordID)
}
func (Abort) encode(*Writer) {}
func (c GameResult) encode(w *Writer) {
	w.WriteInt32(c.Score)
	w.WriteFloat32(c.Accuracy)
	w.WriteInt32(c.Perfect)
	w.WriteInt32(c.Good)
	w.WriteInt32(c.Bad)
	w.WriteInt32(c.Miss)
	w.WriteInt32(c.MaxCombo)
}
func (Unknown) encode(*Writer) {}

// EncodeClientCommand serializes a client command into a frame payload
// (opcode byte followed by the command body).
func EncodeClientCommand(c ClientCommand) []byte {
	w := NewWriter(64)
	w.WriteByte(c.Opcode())
	c.encode(w)
	out := make([]byte, w.Len())
	copy(out, w.Bytes())
	return out
}

// DecodeClientCommand parses one client frame payload. Unknown opcodes are
// drained and returned as Unknown so the connection keeps going.
func DecodeClientCommand(payload []byte) (ClientCommand, error) {
	r := NewReader(payload)
	op, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("decoding opcode: %w", err)
	}

	switch op {
	case CPing:
		return Ping{}, nil
	case CAuthenticate:
		token, err := r.ReadString()
		if err != nil {
			return nil, fmt.Errorf("decoding Authenticate: %w", err)
		}
		return Authenticate{Token: token}, nil
	case CChat:
		msg, err := r.ReadString()
		if err != nil {
			return nil, fmt.Errorf("decoding Chat: %w", err)
		}
		return Chat{Message: msg}, nil
	case CTouches:
		raw, err := readOpaque(r)
		if err != nil {
			return nil, fmt.Errorf("decoding Touches: %w", err)
		}
		return Touches{Raw: raw}, nil
	case CJudges:
		raw, err := readOpaque(r)
		if err != nil {
			return nil, fmt.Errorf("decoding Judges: %w", err)
		}
		return Judges{Raw: raw}, nil
	case CCreateRoom:
		id, err := r.ReadString()
		if err != nil {
			return nil, fmt.Errorf("decoding CreateRoom: %w", err)
		}
		return CreateRoom{ID: types.RoomIDType(id)}, nil
	case CJoinRoom:
		id, err := r.ReadString()
		if err != nil {
			return nil, fmt.Errorf("decoding JoinRoom id: %w", err)
		}
		monitor, err := r.ReadBool()
		if err != nil {
			return nil, fmt.Errorf("decoding JoinRoom monitor: %w", err)
		}
		return JoinRoom{ID: types.RoomIDType(id), Monitor: monitor}, nil
	case CLeaveRoom:
		return LeaveRoom{}, nil
	case CLockRoom:
		lock, err := r.ReadBool()
		if err != nil {
			return nil, fmt.Errorf("decoding LockRoom: %w", err)
		}
		return LockRoom{Lock: lock}, nil
	case CCycleRoom:
		cycle, err := r.ReadBool()
		if err != nil {
			return nil, fmt.Errorf("decoding CycleRoom: %w", err)
		}
		return CycleRoom{Cycle: cycle}, nil
	case CSelectChart:
		id, err := r.ReadInt32()
		if err != nil {
			return nil, fmt.Errorf("decoding SelectChart: %w", err)
		}
		return SelectChart{ChartID: id}, nil
	case CRequestStart:
		return RequestStart{}, nil
	case CReady:
		return Ready{}, nil
	case CCancelReady:
		return CancelReady{}, nil
	case CPlayed:
		id, err := r.ReadInt32()
		if err != nil {
			return nil, fmt.Errorf("decoding Played: %w", err)
		}
		return Played{RecordID: id}, nil
	case CAbort:
		return Abort{}, nil
	case CGameResult:
		g, err := decodeGameResult(r)
		if err != nil {
			return nil, fmt.Errorf("decoding GameResult: %w", err)
		}
		return g, nil
	default:
		r.Drain()
		return Unknown{Op: op}, nil
	}
}

func decodeGameResult(r *Reader) (GameResult, error) {
	var g GameResult
	var err error
	if g.Score, err = r.ReadInt32(); err != nil {
		return g, err
	}
	if g.Accuracy, err = r.ReadFloat32(); err != nil {
		return g, err
	}
	ints := []*int32{&g.Perfect, &g.Good, &g.Bad, &g.Miss, &g.MaxCombo}
	for _, p := range ints {
		if *p, err = r.ReadInt32(); err != nil {
			return g, err
		}
	}
	return g, nil
}

func readOpaque(r *Reader) ([]byte, error) {
	n, err := r.ReadUvarint()
	if err != nil {
		return nil, err
	}
	if n > MaxFrameSize {
		return nil, fmt.Errorf("opaque payload of %d bytes exceeds frame limit", n)
	}
	return r.ReadBytes(int(n))
}
