package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	rand "math/rand/v2"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/lox/coinflip/internal/contest"
	"github.com/lox/coinflip/internal/protocol"
)

// ErrContestCancelled is returned by Agent.Play when the contest ends
// without a winner.
var ErrContestCancelled = errors.New("contest cancelled")

// Agent plays a seated address automatically. Whenever it holds the turn
// it picks a random side, switching if the opponent already called the one
// it picked. During a charge window it releases at a random point before
// the deadline.
type Agent struct {
	client *Client
	logger *log.Logger
	rng    *rand.Rand
	think  time.Duration

	mu        sync.Mutex
	submitted uint64
	released  int
	last      contest.Side
	final     chan contest.View
}

// NewAgent wraps a connected client. rng supplies sides and release timing.
func NewAgent(c *Client, rng *rand.Rand, think time.Duration, logger *log.Logger) *Agent {
	a := &Agent{
		client: c,
		logger: logger.WithPrefix("agent"),
		rng:    rng,
		think:  think,
		final:  make(chan contest.View, 1),
	}
	c.On(protocol.TypeContestState, a.handleState)
	c.On(protocol.TypeRejected, a.handleRejected)
	return a
}

// Play waits for the contest to finish and returns its final state.
func (a *Agent) Play(ctx context.Context) (contest.View, error) {
	select {
	case v := <-a.final:
		if v.Phase == contest.PhaseCancelled {
			return v, fmt.Errorf("%w: %s", ErrContestCancelled, v.CancelReason)
		}
		return v, nil
	case <-a.client.Done():
		return contest.View{}, ErrNotConnected
	case <-ctx.Done():
		return contest.View{}, ctx.Err()
	}
}

func (a *Agent) handleState(env *protocol.Envelope) {
	v, err := DecodeState(env)
	if err != nil {
		a.logger.Error("Failed to parse contest state", "error", err)
		return
	}

	switch v.Phase {
	case contest.PhaseCompleted, contest.PhaseCancelled:
		select {
		case a.final <- v:
		default:
		}
		return
	case contest.PhaseChoosing:
	case contest.PhaseRoundActive:
		a.maybeRelease(v)
		return
	default:
		return
	}
	if v.CurrentTurn != a.client.Address() {
		return
	}

	a.mu.Lock()
	if v.Version <= a.submitted {
		a.mu.Unlock()
		return
	}
	a.submitted = v.Version
	side := contest.Heads
	if a.rng.IntN(2) == 1 {
		side = contest.Tails
	}
	a.last = side
	a.mu.Unlock()

	a.submit(side)
}

func (a *Agent) maybeRelease(v contest.View) {
	if v.ChargeDeadline == nil {
		return
	}
	address := a.client.Address()
	seated := false
	for _, p := range v.Participants {
		if p.Address == address && !p.Eliminated && !p.Released {
			seated = true
		}
	}
	if !seated {
		return
	}

	a.mu.Lock()
	if v.Round <= a.released {
		a.mu.Unlock()
		return
	}
	a.released = v.Round
	var wait time.Duration
	if left := time.Until(*v.ChargeDeadline); left > 0 {
		wait = time.Duration(a.rng.Int64N(int64(left)))
	}
	a.mu.Unlock()

	time.AfterFunc(wait, func() {
		if err := a.client.Release(); err != nil {
			a.logger.Error("Failed to release", "error", err)
			return
		}
		a.logger.Info("Released charge", "round", v.Round, "held", wait)
	})
}

func (a *Agent) handleRejected(env *protocol.Envelope) {
	var r protocol.Rejected
	if err := json.Unmarshal(env.Data, &r); err != nil {
		return
	}
	if r.Request == protocol.TypeRelease {
		a.logger.Debug("Release rejected", "code", r.Code)
		return
	}
	if r.Request != protocol.TypeSubmitChoice {
		a.logger.Warn("Request rejected", "request", r.Request, "code", r.Code, "message", r.Message)
		return
	}
	if r.Code != "side_taken" {
		a.logger.Warn("Choice rejected", "code", r.Code, "message", r.Message)
		return
	}

	a.mu.Lock()
	side := contest.Heads
	if a.last == contest.Heads {
		side = contest.Tails
	}
	a.last = side
	a.mu.Unlock()

	a.logger.Debug("Side taken, switching", "side", side)
	a.submit(side)
}

func (a *Agent) submit(side contest.Side) {
	send := func() {
		if err := a.client.SubmitChoice(side); err != nil {
			a.logger.Error("Failed to submit choice", "error", err)
			return
		}
		a.logger.Info("Submitted choice", "side", side)
	}
	if a.think <= 0 {
		send()
		return
	}
	time.AfterFunc(a.think, send)
}
