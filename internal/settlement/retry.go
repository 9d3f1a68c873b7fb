package settlement

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"
)

// Backoff is a bounded exponential retry policy.
type Backoff struct {
	Initial     time.Duration
	Max         time.Duration
	Multiplier  float64
	MaxAttempts int
}

// DefaultBackoff retries five times over roughly fifteen seconds.
func DefaultBackoff() Backoff {
	return Backoff{Initial: time.Second, Max: 8 * time.Second, Multiplier: 2, MaxAttempts: 5}
}

// Delay returns the wait before attempt n+1 (n starting at 1).
func (b Backoff) Delay(n int) time.Duration {
	d := float64(b.Initial)
	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}
	for i := 1; i < n; i++ {
		d *= mult
		if b.Max > 0 && d >= float64(b.Max) {
			return b.Max
		}
	}
	return time.Duration(d)
}

// Retrier runs an operation under a Backoff.
type Retrier struct {
	backoff Backoff
	clock   quartz.Clock
	logger  *log.Logger
}

// NewRetrier creates a retrier that waits on clock.
func NewRetrier(b Backoff, clock quartz.Clock, logger *log.Logger) *Retrier {
	if b.MaxAttempts < 1 {
		b.MaxAttempts = 1
	}
	return &Retrier{backoff: b, clock: clock, logger: logger}
}

// Do calls fn until it succeeds, returns a permanent failure, the attempt
// ceiling is reached or ctx ends. It returns the number of attempts made
// and the last error.
func (r *Retrier) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) (int, error) {
	var err error
	for attempt := 1; ; attempt++ {
		err = fn(ctx, attempt)
		if err == nil {
			return attempt, nil
		}
		class, reason := Classify(err)
		if class == Permanent || attempt >= r.backoff.MaxAttempts {
			return attempt, err
		}
		delay := r.backoff.Delay(attempt)
		r.logger.Warn("Retrying after transient failure", "attempt", attempt, "reason", reason, "delay", delay)

		t := r.clock.NewTimer(delay, "settlement", "retry")
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return attempt, TransientFailure("cancelled", ctx.Err())
		}
	}
}
