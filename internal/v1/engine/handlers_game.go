package engine

import (
	"context"
	"errors"
	"sort"

	"go.uber.org/zap"

	"github.com/cadenza-live/linkplay/internal/v1/logging"
	"github.com/cadenza-live/linkplay/internal/v1/metrics"
	"github.com/cadenza-live/linkplay/internal/v1/protocol"
	"github.com/cadenza-live/linkplay/internal/v1/room"
	"github.com/cadenza-live/linkplay/internal/v1/session"
	"github.com/cadenza-live/linkplay/internal/v1/types"
)

func (e *Engine) handleSelectChart(ctx context.Context, sess session.Session, c protocol.SelectChart) string {
	// Guard first so the chart fetch never runs for a doomed request.
	err := e.rooms.UpdateByUser(sess.UserID, func(r *room.Room) error {
		if !r.IsOwner(sess.UserID) {
			return errors.New(msgNotOwner)
		}
		if r.State.Kind != types.StateSelectChart {
			return errors.New(msgWrongState)
		}
		return nil
	})
	if err != nil {
		e.reject(sess.ConnID, protocol.SSelectChart, userFacing(err))
		return "rejected"
	}

	// Chart metadata fetch runs with no locks held.
	info, err := e.identity.Chart(ctx, c.ChartID)
	if err != nil {
		logging.Warn(ctx, "chart fetch failed", zap.Int32("chart_id", c.ChartID), zap.Error(err))
		e.reject(sess.ConnID, protocol.SSelectChart, msgChartFetch)
		return "chart_fetch_failed"
	}

	// Re-check on commit; the room may have moved while we were fetching.
	var sends []outbound
	err = e.rooms.UpdateByUser(sess.UserID, func(r *room.Room) error {
		if !r.IsOwner(sess.UserID) {
			return errors.New(msgNotOwner)
		}
		if r.State.Kind != types.StateSelectChart {
			return errors.New(msgWrongState)
		}
		chart := info
		r.SelectedChart = &chart
		id := chart.ID
		r.State = types.SelectChartState(&id)
		r.SoloConfirmPending = false

		u := sess.User
		msg := protocol.Message{
			Kind:      protocol.MsgSelectChart,
			User:      &u,
			ChartName: chart.Name,
			ChartID:   chart.ID,
		}
		r.AppendMessage(msg, e.now())
		sends = fanOut(nil, r.ConnIDs(), protocol.MessageCmd{Msg: msg})
		sends = fanOut(sends, r.ConnIDs(), protocol.ChangeState{State: r.State})
		return nil
	})
	if err != nil {
		e.reject(sess.ConnID, protocol.SSelectChart, userFacing(err))
		return "rejected"
	}

	e.ack(sess.ConnID, protocol.SSelectChart)
	e.flush(ctx, sends)
	e.publishRoomUpdateByUser(ctx, sess.UserID)
	return "ok"
}

func (e *Engine) handleRequestStart(ctx context.Context, sess session.Session) string {
	var sends []outbound
	err := e.rooms.UpdateByUser(sess.UserID, func(r *room.Room) error {
		if !r.IsOwner(sess.UserID) {
			return errors.New(msgNotOwner)
		}
		if r.State.Kind != types.StateSelectChart {
			return errors.New(msgWrongState)
		}
		if r.SelectedChart == nil {
			return errors.New(msgNoChart)
		}

		u := sess.User
		active := r.ActivePlayers()
		switch {
		case len(active) >= 2:
			r.ResetGameFlags(true)
			if p := r.Player(sess.UserID); p != nil {
				p.IsReady = true
			}
			r.SoloConfirmPending = false
			r.State = types.RoomState{Kind: types.StateWaitingForReady}

			msg := protocol.Message{Kind: protocol.MsgGameStart, User: &u}
			r.AppendMessage(msg, e.now())
			sends = fanOut(nil, r.ConnIDs(), protocol.MessageCmd{Msg: msg})
			sends = fanOut(sends, r.ConnIDs(), protocol.ChangeState{State: r.State})

		case !r.SoloConfirmPending:
			// First solo request arms the confirmation gate.
			r.SoloConfirmPending = true
			bot := e.botUser()
			sends = append(sends, outbound{conn: sess.ConnID, cmd: protocol.MessageCmd{Msg: protocol.Message{
				Kind: protocol.MsgChat, User: &bot, Content: soloConfirmPrompt,
			}}})

		default:
			// Confirmed solo start goes straight to Playing.
			r.SoloConfirmPending = false
			r.ResetGameFlags(true)
			r.State = types.RoomState{Kind: types.StatePlaying}

			msg := protocol.Message{Kind: protocol.MsgStartPlaying}
			r.AppendMessage(msg, e.now())
			sends = fanOut(nil, r.ConnIDs(), protocol.MessageCmd{Msg: msg})
			sends = fanOut(sends, r.ConnIDs(), protocol.ChangeState{State: r.State})
		}
		return nil
	})
	if err != nil {
		e.reject(sess.ConnID, protocol.SRequestStart, userFacing(err))
		return "rejected"
	}

	e.ack(sess.ConnID, protocol.SRequestStart)
	e.flush(ctx, sends)
	e.publishRoomUpdateByUser(ctx, sess.UserID)
	return "ok"
}

func (e *Engine) handleReady(ctx context.Context, sess session.Session) string {
	var sends []outbound
	err := e.rooms.UpdateByUser(sess.UserID, func(r *room.Room) error {
		if r.State.Kind != types.StateWaitingForReady {
			return errors.New(msgWrongState)
		}
		p := r.Player(sess.UserID)
		if p == nil || p.IsReady {
			return errors.New(msgWrongState)
		}
		p.IsReady = true

		u := sess.User
		msg := protocol.Message{Kind: protocol.MsgReady, User: &u}
		r.AppendMessage(msg, e.now())
		sends = fanOut(nil, r.ConnIDs(), protocol.MessageCmd{Msg: msg})

		if allGuestsReady(r) {
			startPlayingLocked(e, r, &sends)
		}
		return nil
	})
	if err != nil {
		e.reject(sess.ConnID, protocol.SReady, userFacing(err))
		return "rejected"
	}

	e.ack(sess.ConnID, protocol.SReady)
	e.flush(ctx, sends)
	e.publishRoomUpdateByUser(ctx, sess.UserID)
	return "ok"
}

// allGuestsReady reports whether every non-owner non-monitor member is
// ready; the owner is pre-marked at RequestStart.
func allGuestsReady(r *room.Room) bool {
	for _, p := range r.ActivePlayers() {
		if p.User.ID != r.OwnerID && !p.IsReady {
			return false
		}
	}
	return true
}

// startPlayingLocked flips the room into Playing with fresh finish
// state. Runs inside a store Update callback.
func startPlayingLocked(e *Engine, r *room.Room, sends *[]outbound) {
	for _, p := range r.Players {
		p.IsFinished = false
		p.Score = nil
	}
	r.State = types.RoomState{Kind: types.StatePlaying}

	msg := protocol.Message{Kind: protocol.MsgStartPlaying}
	r.AppendMessage(msg, e.now())
	*sends = fanOut(*sends, r.ConnIDs(), protocol.MessageCmd{Msg: msg})
	*sends = fanOut(*sends, r.ConnIDs(), protocol.ChangeState{State: r.State})
}

func (e *Engine) handleCancelReady(ctx context.Context, sess session.Session) string {
	var sends []outbound
	err := e.rooms.UpdateByUser(sess.UserID, func(r *room.Room) error {
		if r.State.Kind != types.StateWaitingForReady {
			return errors.New(msgWrongState)
		}
		u := sess.User

		if r.IsOwner(sess.UserID) {
			// Owner cancels the whole game, ready or not.
			r.ResetGameFlags(false)
			r.SoloConfirmPending = false
			var id *int32
			if r.SelectedChart != nil {
				chartID := r.SelectedChart.ID
				id = &chartID
			}
			r.State = types.SelectChartState(id)

			msg := protocol.Message{Kind: protocol.MsgCancelGame, User: &u}
			r.AppendMessage(msg, e.now())
			sends = fanOut(nil, r.ConnIDs(), protocol.MessageCmd{Msg: msg})
			sends = fanOut(sends, r.ConnIDs(), protocol.ChangeState{State: r.State})
			return nil
		}

		p := r.Player(sess.UserID)
		if p == nil || !p.IsReady {
			return errors.New(msgNotReady)
		}
		p.IsReady = false
		msg := protocol.Message{Kind: protocol.MsgCancelReady, User: &u}
		r.AppendMessage(msg, e.now())
		sends = fanOut(nil, r.ConnIDs(), protocol.MessageCmd{Msg: msg})
		return nil
	})
	if err != nil {
		e.reject(sess.ConnID, protocol.SCancelReady, userFacing(err))
		return "rejected"
	}

	e.ack(sess.ConnID, protocol.SCancelReady)
	e.flush(ctx, sends)
	e.publishRoomUpdateByUser(ctx, sess.UserID)
	return "ok"
}

func (e *Engine) handleGameResult(ctx context.Context, sess session.Session, c protocol.GameResult) string {
	score := types.PlayerScore{
		Score:      c.Score,
		Accuracy:   c.Accuracy,
		Perfect:    c.Perfect,
		Good:       c.Good,
		Bad:        c.Bad,
		Miss:       c.Miss,
		MaxCombo:   c.MaxCombo,
		FinishTime: e.now().UnixMilli(),
	}
	if status := e.commitScore(ctx, sess, score); status != "" {
		return status
	}
	e.ack(sess.ConnID, protocol.SGameResult)
	return "ok"
}

func (e *Engine) handlePlayed(ctx context.Context, sess session.Session, c protocol.Played) string {
	// Guard before the record fetch.
	err := e.rooms.UpdateByUser(sess.UserID, func(r *room.Room) error {
		if r.State.Kind != types.StatePlaying {
			return errors.New(msgWrongState)
		}
		if p := r.Player(sess.UserID); p == nil || p.IsFinished {
			return errors.New(msgAlreadyDone)
		}
		return nil
	})
	if err != nil {
		e.reject(sess.ConnID, protocol.SPlayed, userFacing(err))
		return "rejected"
	}

	score, err := e.identity.Record(ctx, c.RecordID)
	if err != nil {
		logging.Warn(ctx, "record fetch failed", zap.Int32("record_id", c.RecordID), zap.Error(err))
		e.reject(sess.ConnID, protocol.SPlayed, msgRecordFetch)
		return "record_fetch_failed"
	}
	score.FinishTime = e.now().UnixMilli()

	if status := e.commitScore(ctx, sess, score); status != "" {
		return status
	}
	e.ack(sess.ConnID, protocol.SPlayed)
	return "ok"
}

// commitScore records a finished run, broadcasts the Played message to
// everyone but the finisher, and ends the game when it was the last
// outstanding result. Returns "" on success or a rejection status.
func (e *Engine) commitScore(ctx context.Context, sess session.Session, score types.PlayerScore) string {
	var sends []outbound
	err := e.rooms.UpdateByUser(sess.UserID, func(r *room.Room) error {
		if r.State.Kind != types.StatePlaying {
			return errors.New(msgWrongState)
		}
		p := r.Player(sess.UserID)
		if p == nil || p.IsFinished {
			return errors.New(msgAlreadyDone)
		}
		s := score
		p.Score = &s
		p.IsFinished = true

		u := sess.User
		msg := protocol.Message{
			Kind:      protocol.MsgPlayed,
			User:      &u,
			Score:     score.Score,
			Accuracy:  score.Accuracy,
			FullCombo: score.FullCombo(),
		}
		r.AppendMessage(msg, e.now())
		sends = fanOut(nil, r.ConnIDs(), protocol.MessageCmd{Msg: msg}, sess.ConnID)

		if r.AllActiveFinished() {
			e.endGameLocked(r, &sends)
		}
		return nil
	})
	if err != nil {
		e.reject(sess.ConnID, ackOpcodeForScore(score), userFacing(err))
		return "rejected"
	}

	e.flush(ctx, sends)
	e.publishRoomUpdateByUser(ctx, sess.UserID)
	return ""
}

// ackOpcodeForScore only matters for the rejection path of commitScore;
// the GameResult ack opcode is a safe default for both entry points.
func ackOpcodeForScore(types.PlayerScore) byte { return protocol.SGameResult }

func (e *Engine) handleAbort(ctx context.Context, sess session.Session) string {
	if !e.commitAbort(ctx, sess, false) {
		e.reject(sess.ConnID, protocol.SAbort, msgWrongState)
		return "rejected"
	}
	e.ack(sess.ConnID, protocol.SAbort)
	return "ok"
}

// commitAbort marks the player finished with a zero score. With
// tolerateIdle it quietly does nothing outside Playing, which is the
// disconnect path's behavior.
func (e *Engine) commitAbort(ctx context.Context, sess session.Session, tolerateIdle bool) bool {
	var sends []outbound
	err := e.rooms.UpdateByUser(sess.UserID, func(r *room.Room) error {
		if r.State.Kind != types.StatePlaying {
			if tolerateIdle {
				return nil
			}
			return errors.New(msgWrongState)
		}
		p := r.Player(sess.UserID)
		if p == nil || p.IsFinished {
			if tolerateIdle {
				return nil
			}
			return errors.New(msgAlreadyDone)
		}
		p.Score = &types.PlayerScore{FinishTime: e.now().UnixMilli()}
		p.IsFinished = true

		u := sess.User
		msg := protocol.Message{Kind: protocol.MsgAbort, User: &u}
		r.AppendMessage(msg, e.now())
		sends = fanOut(nil, r.ConnIDs(), protocol.MessageCmd{Msg: msg}, sess.ConnID)

		if r.AllActiveFinished() {
			e.endGameLocked(r, &sends)
		}
		return nil
	})
	if err != nil {
		return false
	}

	e.flush(ctx, sends)
	e.publishRoomUpdateByUser(ctx, sess.UserID)
	return true
}

// endGameLocked finishes the game: rankings out, flags reset, cycle
// rotation. Runs inside a store Update callback.
func (e *Engine) endGameLocked(r *room.Room, sends *[]outbound) {
	active := r.ActivePlayers()
	ranked := make([]*types.PlayerInfo, len(active))
	copy(ranked, active)
	sort.SliceStable(ranked, func(i, j int) bool {
		si, sj := ranked[i].Score, ranked[j].Score
		if si == nil {
			return false
		}
		if sj == nil {
			return true
		}
		return si.Score > sj.Score
	})

	rankings := make([]types.RankingEntry, 0, len(ranked))
	for i, p := range ranked {
		rankings = append(rankings, types.RankingEntry{
			Rank:  int32(i + 1),
			User:  p.User,
			Score: p.Score,
		})
	}

	var chartID int32
	if r.SelectedChart != nil {
		chartID = r.SelectedChart.ID
	}
	ended := protocol.GameEnded{Rankings: rankings, ChartID: chartID, EndedAt: e.now().UnixMilli()}
	*sends = fanOut(*sends, r.ConnIDs(), ended)

	endMsg := protocol.Message{Kind: protocol.MsgGameEnd}
	r.AppendMessage(endMsg, e.now())
	*sends = fanOut(*sends, r.ConnIDs(), protocol.MessageCmd{Msg: endMsg})

	// Scores survive for display; ready and finished flags do not.
	r.ResetGameFlags(false)

	if r.Cycle {
		prevOwner := r.OwnerID
		newOwner := r.NextOwnerAfter(prevOwner)
		r.OwnerID = newOwner
		if newOwner != prevOwner {
			if np := r.Player(newOwner); np != nil {
				u := np.User
				hostMsg := protocol.Message{Kind: protocol.MsgNewHost, User: &u}
				r.AppendMessage(hostMsg, e.now())
				*sends = fanOut(*sends, r.ConnIDs(), protocol.MessageCmd{Msg: hostMsg})
				*sends = append(*sends, outbound{conn: np.ConnID, cmd: protocol.ChangeHost{IsHost: true}})
			}
			if op := r.Player(prevOwner); op != nil {
				*sends = append(*sends, outbound{conn: op.ConnID, cmd: protocol.ChangeHost{IsHost: false}})
			}
		}
		r.State = types.RoomState{Kind: types.StateWaitingForReady}
	} else {
		r.LastGameChart = r.SelectedChart
		r.SelectedChart = nil
		var id *int32
		if chartID != 0 || r.LastGameChart != nil {
			v := chartID
			id = &v
		}
		r.State = types.SelectChartState(id)
	}

	*sends = fanOut(*sends, r.ConnIDs(), protocol.ChangeState{State: r.State})
	metrics.GamesFinished.Inc()
}
