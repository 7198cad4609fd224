package protocol

import (
	"fmt"

	"github.com/cadenza-live/linkplay/internal/v1/types"
)

// Server command opcodes (first payload byte of a server frame).
const (
	SPong         byte = 0
	SAuthenticate byte = 1
	SChat         byte = 2
	SMessage      byte = 3
	SChangeState  byte = 4
	SChangeHost   byte = 5
	SCreateRoom   byte = 6
	SJoinRoom     byte = 7
	SOnJoinRoom   byte = 8
	SLeaveRoom    byte = 9
	SLockRoom     byte = 10
	SCycleRoom    byte = 11
	SSelectChart  byte = 12
	SRequestStart byte = 13
	SReady        byte = 14
	SCancelReady  byte = 15
	SPlayed       byte = 16
	SAbort        byte = 17
	SGameResult   byte = 18
	SGameEnded    byte = 19
)

// ServerCommand is one server frame heading to a client.
type ServerCommand interface {
	Opcode() byte
	encode(w *Writer)
}

// Pong is the server heartbeat and the reply to a client Ping.
// Carries the server wall clock in unix milliseconds.
type Pong struct {
	Timestamp int64
}

// AuthenticateResp is the Result for Authenticate: the authenticated user
// plus the room snapshot when reconnecting into an existing membership.
type AuthenticateResp struct {
	Err  string
	User types.User
	Room *types.ClientRoomState
}

// OK reports whether the response is the success arm.
func (c AuthenticateResp) OK() bool { return c.Err == "" }

// Ack is the Result<()> reply for the plain request/ack commands
// (Chat, CreateRoom, LeaveRoom, LockRoom, CycleRoom, SelectChart,
// RequestStart, Ready, CancelReady, Played, Abort, GameResult).
type Ack struct {
	Op  byte
	Err string
}

// OK reports whether the ack is the success arm.
func (c Ack) OK() bool { return c.Err == "" }

// MessageCmd wraps one broadcast Message.
type MessageCmd struct {
	Msg Message
}

// ChangeState announces the room's new lifecycle state.
type ChangeState struct {
	State types.RoomState
}

// ChangeHost tells a member whether they are now the host.
type ChangeHost struct {
	IsHost bool
}

// JoinRoomResp is the Result for JoinRoom, carrying the room snapshot.
type JoinRoomResp struct {
	Err  string
	Room types.ClientRoomState
}

// OK reports whether the response is the success arm.
func (c JoinRoomResp) OK() bool { return c.Err == "" }

// OnJoinRoom notifies existing members that a user joined.
type OnJoinRoom struct {
	User types.User
}

// GameEnded carries the final rankings of a finished game.
type GameEnded struct {
	Rankings []types.RankingEntry
	ChartID  int32
	EndedAt  int64 // unix ms
}

func (Pong) Opcode() byte             { return SPong }
func (AuthenticateResp) Opcode() byte { return SAuthenticate }
func (a Ack) Opcode() byte            { return a.Op }
func (MessageCmd) Opcode() byte       { return SMessage }
func (ChangeState) Opcode() byte      { return SChangeState }
func (ChangeHost) Opcode() byte       { return SChangeHost }
func (JoinRoomResp) Opcode() byte     { return SJoinRoom }
func (OnJoinRoom) Opcode() byte       { return SOnJoinRoom }
func (GameEnded) Opcode() byte        { return SGameEnded }

func writeResultHeader(w *Writer, errMsg string) bool {
	if errMsg == "" {
		w.WriteBool(true)
		return true
	}
	w.WriteBool(false)
	w.WriteString(errMsg)
	return false
}

func readResultHeader(r *Reader) (string, bool, error) {
	ok, err := r.ReadBool()
	if err != nil {
		return "", false, err
	}
	if ok {
		return "", true, nil
	}
	msg, err := r.ReadString()
	if err != nil {
		return "", false, err
	}
	return msg, false, nil
}

func writeRoomState(w *Writer, s types.RoomState) {
	w.WriteByte(byte(s.Kind))
	if s.Kind == types.StateSelectChart {
		w.WriteOptionInt32(s.ChartID)
	}
}

func readRoomState(r *Reader) (types.RoomState, error) {
	var s types.RoomState
	tag, err := r.ReadByte()
	if err != nil {
		return s, err
	}
	s.Kind = types.RoomStateKind(tag)
	switch s.Kind {
	case types.StateSelectChart:
		if s.ChartID, err = r.ReadOptionInt32(); err != nil {
			return s, err
		}
	case types.StateWaitingForReady, types.StatePlaying:
	default:
		return s, fmt.Errorf("unknown room state tag %d", tag)
	}
	return s, nil
}

func writeClientRoomState(w *Writer, rs types.ClientRoomState) {
	w.WriteString(string(rs.ID))
	writeRoomState(w, rs.State)
	w.WriteBool(rs.Live)
	w.WriteBool(rs.Locked)
	w.WriteBool(rs.Cycle)
	w.WriteBool(rs.IsHost)
	w.WriteBool(rs.IsReady)
	w.WriteUvarint(uint64(len(rs.Users)))
	for _, u := range rs.Users {
		writeUser(w, u)
	}
}

func readClientRoomState(r *Reader) (types.ClientRoomState, error) {
	var rs types.ClientRoomState
	id, err := r.ReadString()
	if err != nil {
		return rs, err
	}
	rs.ID = types.RoomIDType(id)
	if rs.State, err = readRoomState(r); err != nil {
		return rs, err
	}
	bools := []*bool{&rs.Live, &rs.Locked, &rs.Cycle, &rs.IsHost, &rs.IsReady}
	for _, p := range bools {
		if *p, err = r.ReadBool(); err != nil {
			return rs, err
		}
	}
	n, err := r.ReadUvarint()
	if err != nil {
		return rs, err
	}
	if n > MaxSequenceLength {
		return rs, fmt.Errorf("user list of %d exceeds limit", n)
	}
	for i := uint64(0); i < n; i++ {
		u, err := readUser(r)
		if err != nil {
			return rs, err
		}
		rs.Users = append(rs.Users, u)
	}
	return rs, nil
}

func writeScore(w *Writer, s types.PlayerScore) {
	w.WriteInt32(s.Score)
	w.WriteFloat32(s.Accuracy)
	w.WriteInt32(s.Perfect)
	w.WriteInt32(s.Good)
	w.WriteInt32(s.Bad)
	w.WriteInt32(s.Miss)
	w.WriteInt32(s.MaxCombo)
	w.WriteInt64(s.FinishTime)
}

func readScore(r *Reader) (types.PlayerScore, error) {
	var s types.PlayerScore
	var err error
	if s.Score, err = r.ReadInt32(); err != nil {
		return s, err
	}
	if s.Accuracy, err = r.ReadFloat32(); err != nil {
		return s, err
	}
	ints := []*int32{&s.Perfect, &s.Good, &s.Bad, &s.Miss, &s.MaxCombo}
	for _, p := range ints {
		if *p, err = r.ReadInt32(); err != nil {
			return s, err
		}
	}
	if s.FinishTime, err = r.ReadInt64(); err != nil {
		return s, err
	}
	return s, nil
}

func (c Pong) encode(w *Writer) {
	w.WriteInt64(c.Timestamp)
}

func (c AuthenticateResp) encode(w *Writer) {
	if !writeResultHeader(w, c.Err) {
		return
	}
	writeUser(w, c.User)
	if c.Room == nil {
		w.WriteBool(false)
	} else {
		w.WriteBool(true)
		writeClientRoomState(w, *c.Room)
	}
}

func (c Ack) encode(w *Writer) {
	writeResultHeader(w, c.Err)
}

func (c MessageCmd) encode(w *Writer) {
	c.Msg.Encode(w)
}

func (c ChangeState) encode(w *Writer) {
	writeRoomState(w, c.State)
}

func (c ChangeHost) encode(w *Writer) {
	w.WriteBool(c.IsHost)
}

func (c JoinRoomResp) encode(w *Writer) {
	if !writeResultHeader(w, c.Err) {
		return
	}
	writeClientRoomState(w, c.Room)
}

func (c OnJoinRoom) encode(w *Writer) {
	writeUser(w, c.User)
}

func (c GameEnded) encode(w *Writer) {
	w.WriteUvarint(uint64(len(c.Rankings)))
	for _, e := range c.Rankings {
		w.WriteInt32(e.Rank)
		writeUser(w, e.User)
		if e.Score == nil {
			w.WriteBool(false)
		} else {
			w.WriteBool(true)
			writeScore(w, *e.Score)
		}
	}
	w.WriteInt32(c.ChartID)
	w.WriteInt64(c.EndedAt)
}

// EncodeServerCommand serializes a server command into a frame payload.
func EncodeServerCommand(c ServerCommand) []byte {
	w := NewWriter(128)
	w.WriteByte(c.Opcode())
	c.encode(w)
	out := make([]byte, w.Len())
	copy(out, w.Bytes())
	return out
}

// DecodeServerCommand parses one server frame payload. It exists for the
// proxy callback path and for round-trip tests.
func DecodeServerCommand(payload []byte) (ServerCommand, error) {
	r := NewReader(payload)
	op, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("decoding opcode: %w", err)
	}

	switch op {
	case SPong:
		ts, err := r.ReadInt64()
		if err != nil {
			return nil, fmt.Errorf("decoding Pong: %w", err)
		}
		return Pong{Timestamp: ts}, nil
	case SAuthenticate:
		errMsg, ok, err := readResultHeader(r)
		if err != nil {
			return nil, fmt.Errorf("decoding Authenticate result: %w", err)
		}
		if !ok {
			return AuthenticateResp{Err: errMsg}, nil
		}
		u, err := readUser(r)
		if err != nil {
			return nil, fmt.Errorf("decoding Authenticate user: %w", err)
		}
		hasRoom, err := r.ReadBool()
		if err != nil {
			return nil, fmt.Errorf("decoding Authenticate room flag: %w", err)
		}
		resp := AuthenticateResp{User: u}
		if hasRoom {
			rs, err := readClientRoomState(r)
			if err != nil {
				return nil, fmt.Errorf("decoding Authenticate room: %w", err)
			}
			resp.Room = &rs
		}
		return resp, nil
	case SMessage:
		msg, err := DecodeMessage(r)
		if err != nil {
			return nil, err
		}
		return MessageCmd{Msg: msg}, nil
	case SChangeState:
		st, err := readRoomState(r)
		if err != nil {
			return nil, fmt.Errorf("decoding ChangeState: %w", err)
		}
		return ChangeState{State: st}, nil
	case SChangeHost:
		isHost, err := r.ReadBool()
		if err != nil {
			return nil, fmt.Errorf("decoding ChangeHost: %w", err)
		}
		return ChangeHost{IsHost: isHost}, nil
	case SJoinRoom:
		errMsg, ok, err := readResultHeader(r)
		if err != nil {
			return nil, fmt.Errorf("decoding JoinRoom result: %w", err)
		}
		if !ok {
			return JoinRoomResp{Err: errMsg}, nil
		}
		rs, err := readClientRoomState(r)
		if err != nil {
			return nil, fmt.Errorf("decoding JoinRoom room: %w", err)
		}
		return JoinRoomResp{Room: rs}, nil
	case SOnJoinRoom:
		u, err := readUser(r)
		if err != nil {
			return nil, fmt.Errorf("decoding OnJoinRoom: %w", err)
		}
		return OnJoinRoom{User: u}, nil
	case SGameEnded:
		var g GameEnded
		n, err := r.ReadUvarint()
		if err != nil {
			return nil, fmt.Errorf("decoding GameEnded length: %w", err)
		}
		if n > MaxSequenceLength {
			return nil, fmt.Errorf("ranking list of %d exceeds limit", n)
		}
		for i := uint64(0); i < n; i++ {
			var e types.RankingEntry
			if e.Rank, err = r.ReadInt32(); err != nil {
				return nil, fmt.Errorf("decoding GameEnded rank: %w", err)
			}
			if e.User, err = readUser(r); err != nil {
				return nil, fmt.Errorf("decoding GameEnded user: %w", err)
			}
			hasScore, err := r.ReadBool()
			if err != nil {
				return nil, fmt.Errorf("decoding GameEnded score flag: %w", err)
			}
			if hasScore {
				s, err := readScore(r)
				if err != nil {
					return nil, fmt.Errorf("decoding GameEnded score: %w", err)
				}
				e.Score = &s
			}
			g.Rankings = append(g.Rankings, e)
		}
		if g.ChartID, err = r.ReadInt32(); err != nil {
			return nil, fmt.Errorf("decoding GameEnded chart: %w", err)
		}
		if g.EndedAt, err = r.ReadInt64(); err != nil {
			return nil, fmt.Errorf("decoding GameEnded time: %w", err)
		}
		return g, nil
	case SChat, SCreateRoom, SLeaveRoom, SLockRoom, SCycleRoom, SSelectChart,
		SRequestStart, SReady, SCancelReady, SPlayed, SAbort, SGameResult:
		errMsg, _, err := readResultHeader(r)
		if err != nil {
			return nil, fmt.Errorf("decoding ack %d: %w", op, err)
		}
		return Ack{Op: op, Err: errMsg}, nil
	default:
		return nil, fmt.Errorf("unknown server opcode %d", op)
	}
}
