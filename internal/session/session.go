// Package session runs one actor goroutine per live contest. Every
// operation on a contest, whether from a connection, a timer or a finished
// background task, is an event on that actor's mailbox, so no two
// operations for the same contest are ever in flight.
package session

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"

	"github.com/lox/coinflip/internal/contest"
	"github.com/lox/coinflip/internal/settlement"
)

// ErrSessionClosed is returned to callers whose session was torn down.
var ErrSessionClosed = errors.New("session closed")

type eventKind int

const (
	evJoin eventKind = iota
	evSubmit
	evRelease
	evView
	evCancel
	evTurnTimeout
	evReveal
	evAbandon
	evInactivity
	evPresence
	evSettled
	evResettle
	evGrace
)

func (k eventKind) String() string {
	return [...]string{
		"join", "submit", "release", "view", "cancel", "turn_timeout", "reveal",
		"abandon", "inactivity", "presence", "settled", "resettle", "grace",
	}[k]
}

type event struct {
	kind    eventKind
	address string
	side    contest.Side
	token   uint64
	reason  string
	outcome settlement.Outcome
	err     error
	reply   chan reply
}

type reply struct {
	view    contest.View
	changed bool
	err     error
}

// JoinResult is returned by Join.
type JoinResult struct {
	View contest.View
	// Changed is false when the join did not alter the contest (spectator,
	// re-join, or a contest that is no longer waiting). The caller then owes
	// the joining connection a snapshot, since no broadcast went out.
	Changed bool
}

// Session is the handle to one contest's actor.
type Session struct {
	id       string
	registry *Registry
	cfg      *Config
	clock    quartz.Clock
	logger   *log.Logger
	flipper  contest.Flipper

	mailbox  chan event
	quit     chan struct{}
	done     chan struct{}
	stopping atomic.Bool
	busy     atomic.Bool

	// Everything below is owned by the actor goroutine.
	c           *contest.Contest
	deferred    []event
	turnTimer   *quartz.Timer
	revealTimer *quartz.Timer
	abandon     *quartz.Timer
	grace       *quartz.Timer
	turnToken   uint64
	revealToken uint64
	deadline    time.Time
	settling    bool
	resettle    bool
	removed     bool
}

// ID returns the contest id.
func (s *Session) ID() string { return s.id }

// Done is closed once the actor has stopped.
func (s *Session) Done() <-chan struct{} { return s.done }

// Join seats address, or registers it as a spectator.
func (s *Session) Join(ctx context.Context, address string) (JoinResult, error) {
	r, err := s.call(ctx, event{kind: evJoin, address: address})
	if err != nil {
		return JoinResult{}, err
	}
	return JoinResult{View: r.view, Changed: r.changed}, r.err
}

// SubmitChoice locks a side for the turn holder. Protocol violations come
// back as contest errors and change nothing.
func (s *Session) SubmitChoice(ctx context.Context, address string, side contest.Side) (contest.View, error) {
	r, err := s.call(ctx, event{kind: evSubmit, address: address, side: side})
	if err != nil {
		return contest.View{}, err
	}
	return r.view, r.err
}

// Release stops address's charge meter in round_active. Power is taken
// from the session clock.
func (s *Session) Release(ctx context.Context, address string) (contest.View, error) {
	r, err := s.call(ctx, event{kind: evRelease, address: address})
	if err != nil {
		return contest.View{}, err
	}
	return r.view, r.err
}

// View returns the current public state.
func (s *Session) View(ctx context.Context) (contest.View, error) {
	r, err := s.call(ctx, event{kind: evView})
	if err != nil {
		return contest.View{}, err
	}
	return r.view, nil
}

// Cancel abandons the contest if it has not reached a round resolution.
func (s *Session) Cancel(ctx context.Context, reason string) error {
	r, err := s.call(ctx, event{kind: evCancel, reason: reason})
	if err != nil {
		return err
	}
	return r.err
}

// ConnectionsChanged tells the session its set of bound connections moved,
// so it can re-evaluate abandonment.
func (s *Session) ConnectionsChanged() { s.post(event{kind: evPresence}) }

// Resettle asks a completed session to try its settlement again, even if a
// previous claim is still marked submitted.
func (s *Session) Resettle() { s.post(event{kind: evResettle}) }

func (s *Session) call(ctx context.Context, ev event) (reply, error) {
	ev.reply = make(chan reply, 1)
	select {
	case s.mailbox <- ev:
	case <-s.done:
		return reply{}, ErrSessionClosed
	case <-ctx.Done():
		return reply{}, ctx.Err()
	}
	select {
	case r := <-ev.reply:
		return r, nil
	case <-s.done:
		return reply{}, ErrSessionClosed
	case <-ctx.Done():
		return reply{}, ctx.Err()
	}
}

// post delivers an event from a timer or background task.
func (s *Session) post(ev event) {
	select {
	case s.mailbox <- ev:
	case <-s.done:
	}
}

// tryPost drops the event when the mailbox is full.
func (s *Session) tryPost(ev event) {
	select {
	case s.mailbox <- ev:
	default:
	}
}

func (s *Session) stop() {
	if s.stopping.CompareAndSwap(false, true) {
		close(s.quit)
	}
}

func (s *Session) run() {
	defer close(s.done)
	defer s.stopTimers()
	for {
		var ev event
		if len(s.deferred) > 0 {
			ev = s.deferred[0]
			s.deferred = s.deferred[1:]
		} else {
			select {
			case ev = <-s.mailbox:
			case <-s.quit:
				return
			}
		}
		s.handle(ev)
		if s.removed {
			return
		}
	}
}

// start runs on the actor goroutine before any event.
func (s *Session) start(restored bool) {
	now := s.clock.Now()
	if restored {
		s.logger.Info("Restored contest", "phase", s.c.Phase, "round", s.c.Round, "settlement", s.c.Settlement)
	} else {
		s.logger.Info("Created contest", "variant", s.c.Variant.Name, "creator", s.c.Creator)
	}
	if r := s.cfg.Recorder; r != nil {
		r.RecordContest(s.c.Record())
	}
	s.rearm(now)
	s.maybeSettle(now)
	s.updateAbandon()
	s.maybeArmGrace()
}

func (s *Session) handle(ev event) {
	if !s.busy.CompareAndSwap(false, true) {
		panic("session: concurrent transition on contest " + s.id)
	}
	defer s.busy.Store(false)

	now := s.clock.Now()
	before := s.c.Version
	rounds := len(s.c.History)
	var r reply
	s.logger.Debug("Handling event", "kind", ev.kind, "phase", s.c.Phase, "version", before)

	switch ev.kind {
	case evJoin:
		r.changed, r.err = s.c.Join(ev.address, now)
		if r.changed {
			s.logger.Info("Participant joined", "address", ev.address, "seats", len(s.c.Participants))
		}
	case evSubmit:
		r.err = s.c.SubmitChoice(ev.address, ev.side, now)
		if r.err != nil {
			s.logger.Debug("Rejected choice", "address", ev.address, "error", r.err)
		}
	case evRelease:
		power, err := s.c.Release(ev.address, now)
		if r.err = err; err != nil {
			s.logger.Debug("Rejected release", "address", ev.address, "error", err)
		} else {
			s.logger.Debug("Charge released", "address", ev.address, "power", power)
		}
	case evView:
	case evCancel:
		r.err = s.c.Cancel(ev.reason, now)
	case evTurnTimeout:
		if ev.token == s.turnToken && s.c.Phase == contest.PhaseChoosing {
			holder := s.c.Turn
			if _, err := s.c.Forfeit(now); err == nil {
				s.logger.Info("Turn timed out, round forfeited", "address", holder, "round", s.c.History[len(s.c.History)-1].Number)
			}
		}
	case evReveal:
		if ev.token == s.revealToken && s.c.Phase == contest.PhaseRoundActive {
			if round, err := s.c.ResolveRound(s.flipper, now); err == nil {
				s.logger.Debug("Round resolved", "round", round.Number, "outcome", round.Outcome, "winners", round.Winners, "eliminated", round.Eliminated, "draw", round.Draw)
			}
		}
	case evAbandon:
		s.abandon = nil
		if !s.participantsConnected() && (s.c.Phase == contest.PhaseWaiting || s.c.Phase == contest.PhaseChoosing) {
			s.logger.Warn("Cancelling abandoned contest", "phase", s.c.Phase)
			_ = s.c.Cancel("abandoned", now)
		}
	case evInactivity:
		window := s.cfg.InactivityWindow
		if window > 0 && now.Sub(s.c.UpdatedAt) >= window &&
			(s.c.Phase == contest.PhaseWaiting || s.c.Phase == contest.PhaseChoosing) {
			s.logger.Warn("Cancelling inactive contest", "phase", s.c.Phase, "idle", now.Sub(s.c.UpdatedAt))
			_ = s.c.Cancel("inactive", now)
		}
	case evPresence:
	case evSettled:
		s.settling = false
		s.applySettlement(ev.outcome, ev.err, now)
	case evResettle:
		// An attempt already in flight answers the request.
		s.resettle = !s.settling
	case evGrace:
		s.grace = nil
		if s.removable() && s.writesPending() {
			// A later restore would read a stale record; wait for the store.
			s.logger.Warn("Holding finished session until its writes land", "pending", s.cfg.Recorder.PendingFor(s.id))
		} else if s.removable() {
			s.removed = true
			s.registry.detach(s)
			s.logger.Info("Session removed", "phase", s.c.Phase, "settlement", s.c.Settlement)
		}
	}

	s.maybeSettle(now)
	if s.c.Version != before {
		s.persist(rounds)
		s.rearm(now)
		s.broadcast()
	}
	if !s.removed {
		s.updateAbandon()
		s.maybeArmGrace()
	}
	if ev.reply != nil {
		r.view = s.view()
		ev.reply <- r
	}
}

func (s *Session) view() contest.View {
	v := s.c.View()
	if s.c.Phase == contest.PhaseChoosing && !s.deadline.IsZero() {
		d := s.deadline
		v.TurnDeadline = &d
	}
	return v
}

func (s *Session) broadcast() {
	if b := s.cfg.Broadcaster; b != nil {
		b.Broadcast(s.id, s.view())
	}
}

func (s *Session) persist(roundsBefore int) {
	r := s.cfg.Recorder
	if r == nil {
		return
	}
	for _, round := range s.c.History[roundsBefore:] {
		r.RecordRound(s.id, round)
	}
	r.RecordContest(s.c.Record())
}

// rearm replaces the phase timers after a transition.
func (s *Session) rearm(now time.Time) {
	stopTimer(&s.turnTimer)
	stopTimer(&s.revealTimer)
	s.deadline = time.Time{}

	switch s.c.Phase {
	case contest.PhaseChoosing:
		token := s.c.Version
		s.turnToken = token
		timeout := s.c.Variant.TurnTimeout
		s.deadline = now.Add(timeout)
		s.turnTimer = s.clock.AfterFunc(timeout, func() {
			s.post(event{kind: evTurnTimeout, token: token})
		}, "session", "turn")
	case contest.PhaseRoundActive:
		// Every release re-arms for what is left of the charge window.
		token := s.c.Version
		s.revealToken = token
		if left := s.c.ChargeDeadline().Sub(now); left > 0 && !s.c.AllReleased() {
			s.revealTimer = s.clock.AfterFunc(left, func() {
				s.post(event{kind: evReveal, token: token})
			}, "session", "reveal")
		} else {
			s.deferred = append(s.deferred, event{kind: evReveal, token: token})
		}
	}
}

func (s *Session) participantsConnected() bool {
	conns := s.cfg.Connections
	if conns == nil {
		return true
	}
	for _, addr := range conns.Addresses(s.id) {
		if s.c.IsParticipant(addr) {
			return true
		}
	}
	return false
}

func (s *Session) updateAbandon() {
	if s.cfg.AbandonTimeout <= 0 {
		return
	}
	exposed := s.c.Phase == contest.PhaseWaiting || s.c.Phase == contest.PhaseChoosing
	if exposed && !s.participantsConnected() {
		if s.abandon == nil {
			s.abandon = s.clock.AfterFunc(s.cfg.AbandonTimeout, func() {
				s.post(event{kind: evAbandon})
			}, "session", "abandon")
		}
		return
	}
	stopTimer(&s.abandon)
}

// removable is the teardown condition: terminal, settlement no longer owed
// by this session, and nothing in flight.
func (s *Session) removable() bool {
	if s.settling {
		return false
	}
	switch s.c.Phase {
	case contest.PhaseCancelled:
		return true
	case contest.PhaseCompleted:
		return s.c.Settlement.Resolved()
	}
	return false
}

func (s *Session) writesPending() bool {
	r := s.cfg.Recorder
	return r != nil && r.PendingFor(s.id) > 0
}

func (s *Session) maybeArmGrace() {
	if s.grace != nil || !s.removable() {
		return
	}
	s.grace = s.clock.AfterFunc(s.cfg.Grace, func() {
		s.post(event{kind: evGrace})
	}, "session", "grace")
}

func (s *Session) maybeSettle(now time.Time) {
	if s.settling || s.c.Phase != contest.PhaseCompleted || s.cfg.Settler == nil {
		return
	}
	// pending_completion waits for reconciliation rather than looping here.
	auto := s.c.Settlement == contest.SettlementNone || s.c.Settlement == contest.SettlementPending
	force := s.resettle && (s.c.Settlement == contest.SettlementSubmitted || s.c.Settlement == contest.SettlementPendingCompletion)
	s.resettle = false
	if !auto && !force {
		return
	}

	req := settlement.Request{
		ContestID:        s.id,
		Winner:           s.c.Winner,
		ParticipantCount: len(s.c.Participants),
	}
	s.settling = true
	stopTimer(&s.grace)
	if s.c.Settlement != contest.SettlementSubmitted {
		s.c.SetSettlement(contest.SettlementSubmitted, "", "", now)
	}
	s.logger.Info("Dispatching settlement", "winner", req.Winner, "participants", req.ParticipantCount)

	settler := s.cfg.Settler
	timeout := s.cfg.SettleTimeout
	s.registry.spawn(func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		out, err := settler.Settle(ctx, req)
		s.post(event{kind: evSettled, outcome: out, err: err})
	})
}

func (s *Session) applySettlement(out settlement.Outcome, err error, now time.Time) {
	if err != nil {
		s.logger.Error("Settlement could not be claimed", "error", err)
		s.c.SetSettlement(contest.SettlementPendingCompletion, "", "store_unavailable", now)
		return
	}
	if out.Duplicate && out.Status == contest.SettlementSubmitted {
		// Owned elsewhere; reconciliation will come back through Resettle.
		s.logger.Warn("Settlement owned by another attempt")
		return
	}
	s.c.SetSettlement(out.Status, out.TxRef, out.Reason, now)

	if out.Status == contest.SettlementConfirmed && s.cfg.Archiver != nil {
		rec := s.c.Record()
		rounds := append([]contest.Round(nil), s.c.History...)
		archiver := s.cfg.Archiver
		s.registry.spawn(func(ctx context.Context) {
			if err := archiver.Archive(ctx, rec, rounds); err != nil {
				s.logger.Error("Failed to archive contest", "error", err)
			}
		})
	}
}

func (s *Session) stopTimers() {
	stopTimer(&s.turnTimer)
	stopTimer(&s.revealTimer)
	stopTimer(&s.abandon)
	stopTimer(&s.grace)
}

func stopTimer(t **quartz.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}
