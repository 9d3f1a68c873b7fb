package store

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"

	"github.com/lox/coinflip/internal/contest"
)

// WriterOptions tunes the retry behaviour of a Writer. A write is never
// dropped while the writer runs: after MaxAttempts it is escalated to an
// error and retried every RetryMax until the store takes it.
type WriterOptions struct {
	MaxAttempts  int
	RetryInitial time.Duration
	RetryMax     time.Duration
}

func (o WriterOptions) withDefaults() WriterOptions {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.RetryInitial <= 0 {
		o.RetryInitial = 100 * time.Millisecond
	}
	if o.RetryMax <= 0 {
		o.RetryMax = 5 * time.Second
	}
	return o
}

type writeOp struct {
	contestID string
	round     *contest.Round
	record    *contest.Record
}

// Writer applies contest writes to a Store on its own goroutine, in the
// order they were queued, retrying failures with backoff. Callers never
// block on the database, and a failing write holds back the ones queued
// after it so rounds land in order.
type Writer struct {
	store  Store
	clock  quartz.Clock
	logger *log.Logger
	opts   WriterOptions

	mu        sync.Mutex
	queue     []writeOp
	pending   int
	byContest map[string]int
	idle      *sync.Cond
	wake    chan struct{}
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewWriter starts a writer in front of s.
func NewWriter(s Store, clock quartz.Clock, logger *log.Logger, opts WriterOptions) *Writer {
	ctx, cancel := context.WithCancel(context.Background())
	w := &Writer{
		store:     s,
		clock:     clock,
		logger:    logger.WithPrefix("store"),
		opts:      opts.withDefaults(),
		byContest: make(map[string]int),
		wake:      make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	w.idle = sync.NewCond(&w.mu)
	go w.run()
	return w
}

// RecordRound queues an append of a resolved round.
func (w *Writer) RecordRound(contestID string, round contest.Round) {
	r := cloneRound(round)
	w.enqueue(writeOp{contestID: contestID, round: &r})
}

// RecordContest queues an upsert of the contest record.
func (w *Writer) RecordContest(rec contest.Record) {
	rec.Participants = append([]contest.Participant(nil), rec.Participants...)
	w.enqueue(writeOp{contestID: rec.ID, record: &rec})
}

// Pending returns the number of queued or in-flight writes.
func (w *Writer) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pending
}

// PendingFor returns the number of queued or in-flight writes for one
// contest.
func (w *Writer) PendingFor(contestID string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.byContest[contestID]
}

// Flush blocks until every write queued so far has been applied. While the
// store is down it keeps waiting.
func (w *Writer) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for w.pending > 0 && !w.closed {
		w.idle.Wait()
	}
}

// Shutdown waits for the queue to drain, then stops the writer. If ctx ends
// first the remaining writes are abandoned and ctx's error is returned.
// Writes queued after Shutdown are dropped.
func (w *Writer) Shutdown(ctx context.Context) error {
	drained := make(chan struct{})
	go func() {
		w.Flush()
		close(drained)
	}()

	var err error
	select {
	case <-drained:
	case <-ctx.Done():
		err = ctx.Err()
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return err
	}
	w.closed = true
	left := w.pending
	w.idle.Broadcast()
	w.mu.Unlock()
	w.cancel()
	<-w.done
	<-drained

	if left > 0 {
		w.logger.Error("Stopped with unapplied writes", "pending", left, "error", err)
	}
	return err
}

// Close drains the queue and stops the writer.
func (w *Writer) Close() {
	_ = w.Shutdown(context.Background())
}

func (w *Writer) enqueue(op writeOp) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		w.logger.Warn("Dropping write after close", "contest", op.contestID)
		return
	}
	w.queue = append(w.queue, op)
	w.pending++
	w.byContest[op.contestID]++
	w.mu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Writer) run() {
	defer close(w.done)
	for {
		w.mu.Lock()
		if len(w.queue) == 0 {
			w.mu.Unlock()
			select {
			case <-w.wake:
				continue
			case <-w.ctx.Done():
				return
			}
		}
		op := w.queue[0]
		w.mu.Unlock()

		if !w.apply(op) {
			return
		}

		w.mu.Lock()
		w.queue = w.queue[1:]
		w.pending--
		if w.byContest[op.contestID]--; w.byContest[op.contestID] <= 0 {
			delete(w.byContest, op.contestID)
		}
		if w.pending == 0 {
			w.idle.Broadcast()
		}
		w.mu.Unlock()
	}
}

// apply retries op until it lands. It returns false only when the writer
// is stopped first.
func (w *Writer) apply(op writeOp) bool {
	delay := w.opts.RetryInitial
	for attempt := 1; ; attempt++ {
		err := w.write(op)
		if err == nil {
			if attempt > w.opts.MaxAttempts {
				w.logger.Info("Durable write recovered", "contest", op.contestID, "attempts", attempt)
			}
			return true
		}
		switch {
		case attempt < w.opts.MaxAttempts:
			w.logger.Warn("Durable write failed, retrying", "contest", op.contestID, "attempt", attempt, "delay", delay, "error", err)
		case attempt == w.opts.MaxAttempts:
			w.logger.Error("Durable write still failing, holding queue", "contest", op.contestID, "attempts", attempt, "error", err)
		}

		t := w.clock.NewTimer(delay, "store", "retry")
		select {
		case <-t.C:
		case <-w.ctx.Done():
			t.Stop()
			return false
		}
		delay = min(delay*2, w.opts.RetryMax)
	}
}

func (w *Writer) write(op writeOp) error {
	ctx, cancel := context.WithTimeout(w.ctx, 10*time.Second)
	defer cancel()
	if op.round != nil {
		return w.store.AppendRound(ctx, op.contestID, *op.round)
	}
	return w.store.UpdateContestStatus(ctx, *op.record)
}
