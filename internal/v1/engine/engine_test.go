package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadenza-live/linkplay/internal/v1/banstore"
	"github.com/cadenza-live/linkplay/internal/v1/protocol"
	"github.com/cadenza-live/linkplay/internal/v1/room"
	"github.com/cadenza-live/linkplay/internal/v1/session"
	"github.com/cadenza-live/linkplay/internal/v1/types"
)

type fakeIdentity struct {
	users   map[string]types.User
	charts  map[int32]types.ChartInfo
	records map[int32]types.PlayerScore
}

func (f *fakeIdentity) Me(_ context.Context, token string) (types.User, error) {
	u, ok := f.users[token]
	if !ok {
		return types.User{}, errors.New("unknown token")
	}
	return u, nil
}

func (f *fakeIdentity) Chart(_ context.Context, id int32) (types.ChartInfo, error) {
	c, ok := f.charts[id]
	if !ok {
		return types.ChartInfo{}, errors.New("unknown chart")
	}
	return c, nil
}

func (f *fakeIdentity) Record(_ context.Context, id int32) (types.PlayerScore, error) {
	r, ok := f.records[id]
	if !ok {
		return types.PlayerScore{}, errors.New("unknown record")
	}
	return r, nil
}

type testConn struct {
	id     types.ConnIDType
	sent   []protocol.ServerCommand
	closed bool
}

type harness struct {
	t        *testing.T
	engine   *Engine
	sessions *session.Table
	rooms    *room.Store
	bans     *banstore.Store
	identity *fakeIdentity
	conns    map[types.ConnIDType]*testConn
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	bans, err := banstore.Load(t.TempDir())
	require.NoError(t, err)

	h := &harness{
		t:        t,
		sessions: session.NewTable(),
		rooms:    room.NewStore(8),
		bans:     bans,
		identity: &fakeIdentity{
			users: map[string]types.User{
				"token-owner-00000001": {ID: 1, Name: "alice"},
				"token-guest-00000002": {ID: 2, Name: "bob"},
				"token-third-00000003": {ID: 3, Name: "carol"},
			},
			charts: map[int32]types.ChartInfo{
				42: {ID: 42, Name: "Test"},
			},
			records: map[int32]types.PlayerScore{
				9001: {Score: 876543, Accuracy: 0.97, Perfect: 350, Good: 20, MaxCombo: 360},
			},
		},
		conns: make(map[types.ConnIDType]*testConn),
	}
	h.engine = New(h.sessions, h.rooms, bans, h.identity, Options{ServerName: "LinkPlay", TokenLength: 20})
	return h
}

func (h *harness) connect(id types.ConnIDType) *testConn {
	c := &testConn{id: id}
	h.conns[id] = c
	h.engine.HandleConnection(id, "127.0.0.1:9999", func(cmd protocol.ServerCommand) error {
		c.sent = append(c.sent, cmd)
		return nil
	}, func() { c.closed = true })
	return c
}

func (h *harness) cmd(id types.ConnIDType, cmd protocol.ClientCommand) {
	h.engine.HandleCommand(context.Background(), id, cmd)
}

func (h *harness) authAs(connID types.ConnIDType, token string) {
	h.t.Helper()
	h.cmd(connID, protocol.Authenticate{Token: token})
	resp := lastOf[protocol.AuthenticateResp](h.t, h.conns[connID])
	require.True(h.t, resp.OK(), "authenticate failed: %s", resp.Err)
}

// lastOf finds the most recent command of type T sent to the connection.
func lastOf[T protocol.ServerCommand](t *testing.T, c *testConn) T {
	t.Helper()
	for i := len(c.sent) - 1; i >= 0; i-- {
		if v, ok := c.sent[i].(T); ok {
			return v
		}
	}
	var zero T
	t.Fatalf("no %T in %d sent commands", zero, len(c.sent))
	return zero
}

func countOf[T protocol.ServerCommand](c *testConn) int {
	n := 0
	for _, cmd := range c.sent {
		if _, ok := cmd.(T); ok {
			n++
		}
	}
	return n
}

func lastAck(t *testing.T, c *testConn, op byte) protocol.Ack {
	t.Helper()
	for i := len(c.sent) - 1; i >= 0; i-- {
		if a, ok := c.sent[i].(protocol.Ack); ok && a.Op == op {
			return a
		}
	}
	t.Fatalf("no ack for opcode %d", op)
	return protocol.Ack{}
}

func TestPing(t *testing.T) {
	h := newHarness(t)
	c := h.connect("c1")
	h.cmd("c1", protocol.Ping{})
	pong := lastOf[protocol.Pong](t, c)
	assert.Greater(t, pong.Timestamp, int64(0))
}

func TestAuthenticateRejectsBadTokenLength(t *testing.T) {
	h := newHarness(t)
	c := h.connect("c1")
	h.cmd("c1", protocol.Authenticate{Token: "short"})
	resp := lastOf[protocol.AuthenticateResp](t, c)
	assert.Equal(t, msgInvalidToken, resp.Err)
}

func TestAuthenticateRejectsUnknownToken(t *testing.T) {
	h := newHarness(t)
	c := h.connect("c1")
	h.cmd("c1", protocol.Authenticate{Token: "nosuchtoken-00000000"})
	resp := lastOf[protocol.AuthenticateResp](t, c)
	assert.Equal(t, msgAuthFailed, resp.Err)
}

func TestAuthenticateBannedUserCloses(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.bans.BanID(1, "作弊", "admin", nil))
	c := h.connect("c1")
	h.cmd("c1", protocol.Authenticate{Token: "token-owner-00000001"})
	resp := lastOf[protocol.AuthenticateResp](t, c)
	assert.Contains(t, resp.Err, "作弊")
	assert.True(t, c.closed)
}

func TestAuthenticateWelcomeAndDuplicate(t *testing.T) {
	h := newHarness(t)
	c := h.connect("c1")
	h.authAs("c1", "token-owner-00000001")

	welcome := lastOf[protocol.MessageCmd](t, c)
	assert.Equal(t, protocol.MsgChat, welcome.Msg.Kind)
	assert.Equal(t, types.BotUserID, welcome.Msg.User.ID)

	h.cmd("c1", protocol.Authenticate{Token: "token-owner-00000001"})
	resp := lastOf[protocol.AuthenticateResp](t, c)
	assert.Equal(t, msgDuplicateAuth, resp.Err)
}

func TestCommandsRequireSession(t *testing.T) {
	h := newHarness(t)
	c := h.connect("c1")
	h.cmd("c1", protocol.CreateRoom{ID: "r1"})
	a := lastAck(t, c, protocol.SCreateRoom)
	assert.Equal(t, msgNotAuthenticated, a.Err)
}

func setupRoom(t *testing.T, h *harness) (owner, guest *testConn) {
	t.Helper()
	owner = h.connect("c1")
	guest = h.connect("c2")
	h.authAs("c1", "token-owner-00000001")
	h.authAs("c2", "token-guest-00000002")

	h.cmd("c1", protocol.CreateRoom{ID: "r1"})
	require.Empty(t, lastAck(t, owner, protocol.SCreateRoom).Err)

	h.cmd("c2", protocol.JoinRoom{ID: "r1"})
	resp := lastOf[protocol.JoinRoomResp](t, guest)
	require.True(t, resp.OK(), resp.Err)
	return owner, guest
}

func TestTwoPlayerHappyPath(t *testing.T) {
	h := newHarness(t)
	owner, guest := setupRoom(t, h)

	// Owner sees the structural join notification.
	join := lastOf[protocol.OnJoinRoom](t, owner)
	assert.Equal(t, types.UserIDType(2), join.User.ID)

	h.cmd("c1", protocol.SelectChart{ChartID: 42})
	require.Empty(t, lastAck(t, owner, protocol.SSelectChart).Err)
	sel := lastOf[protocol.MessageCmd](t, guest)
	assert.Equal(t, protocol.MsgSelectChart, sel.Msg.Kind)
	assert.Equal(t, "Test", sel.Msg.ChartName)

	h.cmd("c1", protocol.RequestStart{})
	require.Empty(t, lastAck(t, owner, protocol.SRequestStart).Err)
	st := lastOf[protocol.ChangeState](t, guest)
	assert.Equal(t, types.StateWaitingForReady, st.State.Kind)

	h.cmd("c2", protocol.Ready{})
	require.Empty(t, lastAck(t, guest, protocol.SReady).Err)
	st = lastOf[protocol.ChangeState](t, guest)
	assert.Equal(t, types.StatePlaying, st.State.Kind)

	h.cmd("c1", protocol.GameResult{Score: 1_000_000, Accuracy: 99.5, Perfect: 500, MaxCombo: 500})
	require.Empty(t, lastAck(t, owner, protocol.SGameResult).Err)
	// Guest, not the finisher's own connection, gets the Played message.
	played := lastOf[protocol.MessageCmd](t, guest)
	assert.Equal(t, protocol.MsgPlayed, played.Msg.Kind)
	assert.Equal(t, int32(1_000_000), played.Msg.Score)

	h.cmd("c2", protocol.GameResult{Score: 750_000, Accuracy: 95.0, Perfect: 400, Miss: 10, MaxCombo: 300})
	require.Empty(t, lastAck(t, guest, protocol.SGameResult).Err)

	ended := lastOf[protocol.GameEnded](t, owner)
	require.Len(t, ended.Rankings, 2)
	assert.Equal(t, int32(1), ended.Rankings[0].Rank)
	assert.Equal(t, types.UserIDType(1), ended.Rankings[0].User.ID)
	assert.Equal(t, int32(1_000_000), ended.Rankings[0].Score.Score)
	assert.Equal(t, int32(2), ended.Rankings[1].Rank)
	assert.Equal(t, int32(750_000), ended.Rankings[1].Score.Score)
	assert.Equal(t, int32(42), ended.ChartID)
	assert.Greater(t, ended.EndedAt, int64(0))

	// Non-cycle: back to SelectChart with the chart id displayed but the
	// selection cleared.
	st = lastOf[protocol.ChangeState](t, guest)
	require.Equal(t, types.StateSelectChart, st.State.Kind)
	require.NotNil(t, st.State.ChartID)
	assert.Equal(t, int32(42), *st.State.ChartID)

	require.NoError(t, h.rooms.Update("r1", func(r *room.Room) error {
		assert.Nil(t, r.SelectedChart)
		assert.NotNil(t, r.LastGameChart)
		for _, p := range r.Players {
			assert.False(t, p.IsReady)
			assert.False(t, p.IsFinished)
			assert.NotNil(t, p.Score)
		}
		return nil
	}))
}

func TestCycleModeHostRotation(t *testing.T) {
	h := newHarness(t)
	owner, guest := setupRoom(t, h)

	h.cmd("c1", protocol.CycleRoom{Cycle: true})
	require.Empty(t, lastAck(t, owner, protocol.SCycleRoom).Err)

	h.cmd("c1", protocol.SelectChart{ChartID: 42})
	h.cmd("c1", protocol.RequestStart{})
	h.cmd("c2", protocol.Ready{})
	h.cmd("c1", protocol.GameResult{Score: 900_000})
	h.cmd("c2", protocol.GameResult{Score: 800_000})

	// Host rotated to the guest.
	hostMsg := lastOf[protocol.ChangeHost](t, guest)
	assert.True(t, hostMsg.IsHost)
	oldHost := lastOf[protocol.ChangeHost](t, owner)
	assert.False(t, oldHost.IsHost)

	require.NoError(t, h.rooms.Update("r1", func(r *room.Room) error {
		assert.Equal(t, types.UserIDType(2), r.OwnerID)
		assert.Equal(t, types.StateWaitingForReady, r.State.Kind)
		assert.NotNil(t, r.SelectedChart)
		return nil
	}))
}

func TestMidGameDisconnectAbortsAndEndsGame(t *testing.T) {
	h := newHarness(t)
	owner, _ := setupRoom(t, h)

	h.cmd("c1", protocol.SelectChart{ChartID: 42})
	h.cmd("c1", protocol.RequestStart{})
	h.cmd("c2", protocol.Ready{})
	h.cmd("c1", protocol.GameResult{Score: 500_000})

	h.engine.HandleDisconnection(context.Background(), "c2")

	ended := lastOf[protocol.GameEnded](t, owner)
	require.Len(t, ended.Rankings, 2)
	// Disconnected guest carries the zero abort score at the bottom.
	assert.Equal(t, types.UserIDType(2), ended.Rankings[1].User.ID)
	assert.Equal(t, int32(0), ended.Rankings[1].Score.Score)

	st := lastOf[protocol.ChangeState](t, owner)
	assert.Equal(t, types.StateSelectChart, st.State.Kind)

	// The guest then leaves the room entirely.
	require.NoError(t, h.rooms.Update("r1", func(r *room.Room) error {
		assert.Nil(t, r.Player(2))
		return nil
	}))
}

func TestOwnerCancelsWithoutBeingReady(t *testing.T) {
	h := newHarness(t)
	owner, guest := setupRoom(t, h)

	h.cmd("c1", protocol.SelectChart{ChartID: 42})
	h.cmd("c1", protocol.RequestStart{})

	// Clear the owner's auto-ready so the cancel happens while not ready.
	require.NoError(t, h.rooms.Update("r1", func(r *room.Room) error {
		r.Player(1).IsReady = false
		return nil
	}))

	h.cmd("c1", protocol.CancelReady{})
	require.Empty(t, lastAck(t, owner, protocol.SCancelReady).Err)

	cancel := lastOf[protocol.MessageCmd](t, guest)
	assert.Equal(t, protocol.MsgCancelGame, cancel.Msg.Kind)
	st := lastOf[protocol.ChangeState](t, guest)
	assert.Equal(t, types.StateSelectChart, st.State.Kind)
}

func TestGuestCancelReadyRequiresReady(t *testing.T) {
	h := newHarness(t)
	_, guest := setupRoom(t, h)

	h.cmd("c1", protocol.SelectChart{ChartID: 42})
	h.cmd("c1", protocol.RequestStart{})

	h.cmd("c2", protocol.CancelReady{})
	assert.Equal(t, msgNotReady, lastAck(t, guest, protocol.SCancelReady).Err)

	h.cmd("c2", protocol.Ready{})
	// Both players ready means the game starts; cancel no longer applies.
	h.cmd("c2", protocol.CancelReady{})
	assert.Equal(t, msgWrongState, lastAck(t, guest, protocol.SCancelReady).Err)
}

func TestReconnectionMigrationDuringPlaying(t *testing.T) {
	h := newHarness(t)
	owner, _ := setupRoom(t, h)

	h.cmd("c1", protocol.SelectChart{ChartID: 42})
	h.cmd("c1", protocol.RequestStart{})
	h.cmd("c2", protocol.Ready{})

	old := h.conns["c2"]
	c3 := h.connect("c3")
	h.cmd("c3", protocol.Authenticate{Token: "token-guest-00000002"})

	resp := lastOf[protocol.AuthenticateResp](t, c3)
	require.True(t, resp.OK(), resp.Err)
	require.NotNil(t, resp.Room)
	assert.Equal(t, types.StatePlaying, resp.Room.State.Kind)

	// Old socket closed silently; no LeaveRoom broadcast reached the owner.
	assert.True(t, old.closed)
	for _, cmd := range owner.sent {
		if m, ok := cmd.(protocol.MessageCmd); ok {
			assert.NotEqual(t, protocol.MsgLeaveRoom, m.Msg.Kind)
		}
	}

	require.NoError(t, h.rooms.Update("r1", func(r *room.Room) error {
		p := r.Player(2)
		require.NotNil(t, p)
		assert.Equal(t, types.ConnIDType("c3"), p.ConnID)
		assert.False(t, p.IsFinished)
		assert.Nil(t, p.Score)
		assert.Equal(t, types.StatePlaying, r.State.Kind)
		return nil
	}))

	// The migrated connection keeps playing.
	h.cmd("c3", protocol.GameResult{Score: 123})
	require.Empty(t, lastAck(t, c3, protocol.SGameResult).Err)
}

func TestSoloConfirmGate(t *testing.T) {
	h := newHarness(t)
	owner := h.connect("c1")
	h.authAs("c1", "token-owner-00000001")
	h.cmd("c1", protocol.CreateRoom{ID: "solo"})
	h.cmd("c1", protocol.SelectChart{ChartID: 42})

	states := countOf[protocol.ChangeState](owner)
	h.cmd("c1", protocol.RequestStart{})
	require.Empty(t, lastAck(t, owner, protocol.SRequestStart).Err)
	prompt := lastOf[protocol.MessageCmd](t, owner)
	assert.Equal(t, soloConfirmPrompt, prompt.Msg.Content)
	// The first solo request only arms the gate; no state change yet.
	assert.Equal(t, states, countOf[protocol.ChangeState](owner))

	h.cmd("c1", protocol.RequestStart{})
	st := lastOf[protocol.ChangeState](t, owner)
	assert.Equal(t, types.StatePlaying, st.State.Kind)
}

func TestSoloConfirmClearedByChartChange(t *testing.T) {
	h := newHarness(t)
	owner := h.connect("c1")
	h.authAs("c1", "token-owner-00000001")
	h.cmd("c1", protocol.CreateRoom{ID: "solo"})
	h.cmd("c1", protocol.SelectChart{ChartID: 42})

	h.cmd("c1", protocol.RequestStart{})
	h.cmd("c1", protocol.SelectChart{ChartID: 42})
	h.cmd("c1", protocol.RequestStart{})
	// Chart change disarmed the gate, so this is the first request again.
	prompts := 0
	for _, cmd := range owner.sent {
		if m, ok := cmd.(protocol.MessageCmd); ok && m.Msg.Content == soloConfirmPrompt {
			prompts++
		}
	}
	assert.Equal(t, 2, prompts)
	require.NoError(t, h.rooms.Update("solo", func(r *room.Room) error {
		assert.Equal(t, types.StateSelectChart, r.State.Kind)
		assert.True(t, r.SoloConfirmPending)
		return nil
	}))
}

func TestOwnerOnlyCommands(t *testing.T) {
	h := newHarness(t)
	_, guest := setupRoom(t, h)

	h.cmd("c2", protocol.LockRoom{Lock: true})
	assert.Equal(t, msgNotOwner, lastAck(t, guest, protocol.SLockRoom).Err)
	h.cmd("c2", protocol.CycleRoom{Cycle: true})
	assert.Equal(t, msgNotOwner, lastAck(t, guest, protocol.SCycleRoom).Err)
	h.cmd("c2", protocol.SelectChart{ChartID: 42})
	assert.Equal(t, msgNotOwner, lastAck(t, guest, protocol.SSelectChart).Err)
	h.cmd("c2", protocol.RequestStart{})
	assert.Equal(t, msgNotOwner, lastAck(t, guest, protocol.SRequestStart).Err)
}

func TestStartRequiresChart(t *testing.T) {
	h := newHarness(t)
	owner, _ := setupRoom(t, h)
	h.cmd("c1", protocol.RequestStart{})
	assert.Equal(t, msgNoChart, lastAck(t, owner, protocol.SRequestStart).Err)
}

func TestChatRequiresRoom(t *testing.T) {
	h := newHarness(t)
	c := h.connect("c1")
	h.authAs("c1", "token-owner-00000001")
	h.cmd("c1", protocol.Chat{Message: "hi"})
	assert.Equal(t, msgNotInRoom, lastAck(t, c, protocol.SChat).Err)
}

func TestChatBroadcastsToRoom(t *testing.T) {
	h := newHarness(t)
	owner, guest := setupRoom(t, h)

	h.cmd("c2", protocol.Chat{Message: "gl hf"})
	require.Empty(t, lastAck(t, guest, protocol.SChat).Err)
	m := lastOf[protocol.MessageCmd](t, owner)
	assert.Equal(t, protocol.MsgChat, m.Msg.Kind)
	assert.Equal(t, "gl hf", m.Msg.Content)
	assert.Equal(t, types.UserIDType(2), m.Msg.User.ID)

	hist := h.rooms.History("r1")
	require.NotEmpty(t, hist)
	assert.Equal(t, "gl hf", hist[len(hist)-1].Msg.Content)
}

func TestLeaveRoomElectsNewOwner(t *testing.T) {
	h := newHarness(t)
	owner, guest := setupRoom(t, h)

	h.cmd("c1", protocol.LeaveRoom{})
	require.Empty(t, lastAck(t, owner, protocol.SLeaveRoom).Err)

	hostMsg := lastOf[protocol.ChangeHost](t, guest)
	assert.True(t, hostMsg.IsHost)
	newHost := lastOf[protocol.MessageCmd](t, guest)
	// NewHost broadcast follows the LeaveRoom message.
	assert.Equal(t, protocol.MsgNewHost, newHost.Msg.Kind)
	assert.Equal(t, types.UserIDType(2), newHost.Msg.User.ID)
}

func TestPlayedFetchesRecord(t *testing.T) {
	h := newHarness(t)
	owner, guest := setupRoom(t, h)
	h.cmd("c1", protocol.SelectChart{ChartID: 42})
	h.cmd("c1", protocol.RequestStart{})
	h.cmd("c2", protocol.Ready{})

	h.cmd("c1", protocol.Played{RecordID: 9001})
	require.Empty(t, lastAck(t, owner, protocol.SPlayed).Err)

	m := lastOf[protocol.MessageCmd](t, guest)
	assert.Equal(t, protocol.MsgPlayed, m.Msg.Kind)
	assert.Equal(t, int32(876543), m.Msg.Score)

	// Unknown record id is a clean rejection.
	h.cmd("c2", protocol.Played{RecordID: 404})
	assert.Equal(t, msgRecordFetch, lastAck(t, guest, protocol.SPlayed).Err)
}

func TestDoubleResultRejected(t *testing.T) {
	h := newHarness(t)
	owner, _ := setupRoom(t, h)
	h.cmd("c1", protocol.SelectChart{ChartID: 42})
	h.cmd("c1", protocol.RequestStart{})
	h.cmd("c2", protocol.Ready{})

	h.cmd("c1", protocol.GameResult{Score: 1})
	h.cmd("c1", protocol.GameResult{Score: 2})
	assert.Equal(t, msgAlreadyDone, lastAck(t, owner, protocol.SGameResult).Err)
}

func TestUnknownOpcodeIsHarmless(t *testing.T) {
	h := newHarness(t)
	h.connect("c1")
	h.cmd("c1", protocol.Unknown{Op: 200})
}

func TestTouchesAndJudgesDiscarded(t *testing.T) {
	h := newHarness(t)
	c := h.connect("c1")
	before := len(c.sent)
	h.cmd("c1", protocol.Touches{Raw: []byte{1, 2, 3}})
	h.cmd("c1", protocol.Judges{Raw: []byte{4}})
	assert.Equal(t, before, len(c.sent))
}

func TestAdminKickPlayer(t *testing.T) {
	h := newHarness(t)
	owner, guest := setupRoom(t, h)

	require.NoError(t, h.engine.KickPlayer(context.Background(), "r1", 2))

	kick := func() *protocol.Message {
		for i := len(owner.sent) - 1; i >= 0; i-- {
			if m, ok := owner.sent[i].(protocol.MessageCmd); ok && m.Msg.Kind == protocol.MsgKick {
				return &m.Msg
			}
		}
		return nil
	}()
	require.NotNil(t, kick)
	assert.Equal(t, types.UserIDType(2), kick.Target.ID)
	assert.Empty(t, lastAck(t, guest, protocol.SLeaveRoom).Err)

	_, inRoom := h.rooms.RoomIDByUser(2)
	assert.False(t, inRoom)

	assert.ErrorIs(t, h.engine.KickPlayer(context.Background(), "r1", 2), ErrPlayerNotInRoom)
}

func TestAdminForceStart(t *testing.T) {
	h := newHarness(t)
	_, guest := setupRoom(t, h)
	h.cmd("c1", protocol.SelectChart{ChartID: 42})

	require.NoError(t, h.engine.ForceStart(context.Background(), "r1"))
	st := lastOf[protocol.ChangeState](t, guest)
	assert.Equal(t, types.StatePlaying, st.State.Kind)

	assert.Error(t, h.engine.ForceStart(context.Background(), "r1"))
}

func TestAdminCloseRoom(t *testing.T) {
	h := newHarness(t)
	owner, guest := setupRoom(t, h)

	require.NoError(t, h.engine.CloseRoom(context.Background(), "r1"))
	assert.False(t, h.rooms.Exists("r1"))
	assert.Empty(t, lastAck(t, owner, protocol.SLeaveRoom).Err)
	assert.Empty(t, lastAck(t, guest, protocol.SLeaveRoom).Err)
}

func TestAdminTogglesAndMaxPlayers(t *testing.T) {
	h := newHarness(t)
	setupRoom(t, h)

	locked, err := h.engine.ToggleLock(context.Background(), "r1")
	require.NoError(t, err)
	assert.True(t, locked)

	cycle, err := h.engine.ToggleMode(context.Background(), "r1")
	require.NoError(t, err)
	assert.True(t, cycle)

	require.NoError(t, h.engine.SetMaxPlayers(context.Background(), "r1", 16))
	assert.Error(t, h.engine.SetMaxPlayers(context.Background(), "r1", 0))

	require.NoError(t, h.rooms.Update("r1", func(r *room.Room) error {
		assert.True(t, r.Locked)
		assert.True(t, r.Cycle)
		assert.Equal(t, 16, r.MaxPlayers)
		return nil
	}))
}

func TestAdminSendServerMessage(t *testing.T) {
	h := newHarness(t)
	owner, guest := setupRoom(t, h)

	require.NoError(t, h.engine.SendServerMessage(context.Background(), "", "维护通知"))
	for _, c := range []*testConn{owner, guest} {
		m := lastOf[protocol.MessageCmd](t, c)
		assert.Equal(t, "维护通知", m.Msg.Content)
		assert.Equal(t, types.BotUserID, m.Msg.User.ID)
	}

	assert.Error(t, h.engine.SendServerMessage(context.Background(), "missing", "x"))
}
