package store

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lox/coinflip/internal/contest"
)

// flakyStore fails the first n contest writes.
type flakyStore struct {
	*Memory
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyStore) UpdateContestStatus(ctx context.Context, rec contest.Record) error {
	f.mu.Lock()
	f.calls++
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()
	if fail {
		return errors.New("connection reset")
	}
	return f.Memory.UpdateContestStatus(ctx, rec)
}

func quietLogger() *log.Logger {
	return log.NewWithOptions(io.Discard, log.Options{Level: log.ErrorLevel})
}

func TestWriterAppliesInOrder(t *testing.T) {
	mem := NewMemory()
	w := NewWriter(mem, quartz.NewReal(), quietLogger(), WriterOptions{})
	defer w.Close()

	for round := 1; round <= 5; round++ {
		rec := sampleRecord("C1", contest.PhaseChoosing)
		rec.Round = round
		w.RecordContest(rec)
		w.RecordRound("C1", contest.Round{Number: round, ResolvedAt: t0})
	}
	w.Flush()

	assert.Zero(t, w.Pending())
	snap, err := mem.LoadContest(context.Background(), "C1")
	require.NoError(t, err)
	assert.Equal(t, 5, snap.Record.Round)
	assert.Len(t, snap.Rounds, 5)
}

func TestWriterRetriesTransientFailures(t *testing.T) {
	fs := &flakyStore{Memory: NewMemory(), failures: 2}
	w := NewWriter(fs, quartz.NewReal(), quietLogger(), WriterOptions{RetryInitial: time.Millisecond})
	defer w.Close()

	w.RecordContest(sampleRecord("C1", contest.PhaseWaiting))
	w.Flush()

	snap, err := fs.LoadContest(context.Background(), "C1")
	require.NoError(t, err)
	assert.Equal(t, contest.PhaseWaiting, snap.Record.Phase)
	assert.Equal(t, 3, fs.calls)
}

func TestWriterKeepsRetryingPastMaxAttempts(t *testing.T) {
	fs := &flakyStore{Memory: NewMemory(), failures: 10}
	w := NewWriter(fs, quartz.NewReal(), quietLogger(), WriterOptions{
		MaxAttempts: 3, RetryInitial: time.Millisecond, RetryMax: 2 * time.Millisecond,
	})
	defer w.Close()

	rec := sampleRecord("C1", contest.PhaseCompleted)
	rec.Winner = "alice"
	w.RecordContest(rec)
	w.RecordRound("C1", contest.Round{Number: 1, ResolvedAt: t0})
	assert.Equal(t, 2, w.PendingFor("C1"))
	assert.Zero(t, w.PendingFor("C2"))
	w.Flush()

	fs.mu.Lock()
	calls := fs.calls
	fs.mu.Unlock()
	assert.Equal(t, 11, calls)
	assert.Zero(t, w.PendingFor("C1"))

	snap, err := fs.LoadContest(context.Background(), "C1")
	require.NoError(t, err)
	assert.Equal(t, contest.PhaseCompleted, snap.Record.Phase)
	assert.Equal(t, "alice", snap.Record.Winner)
	require.Len(t, snap.Rounds, 1, "the round queued behind the failing write still lands")
}

func TestWriterShutdownAbandonsWhenStoreStaysDown(t *testing.T) {
	fs := &flakyStore{Memory: NewMemory(), failures: 1 << 30}
	w := NewWriter(fs, quartz.NewReal(), quietLogger(), WriterOptions{
		MaxAttempts: 2, RetryInitial: time.Millisecond, RetryMax: time.Millisecond,
	})
	w.RecordContest(sampleRecord("C1", contest.PhaseWaiting))
	require.Eventually(t, func() bool {
		fs.mu.Lock()
		defer fs.mu.Unlock()
		return fs.calls > 2
	}, time.Second, time.Millisecond)
	assert.Equal(t, 1, w.PendingFor("C1"), "still held, not dropped")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, w.Shutdown(ctx), context.DeadlineExceeded)
	_, err := fs.LoadContest(context.Background(), "C1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestWriterDropsAfterClose(t *testing.T) {
	mem := NewMemory()
	w := NewWriter(mem, quartz.NewReal(), quietLogger(), WriterOptions{})
	w.Close()
	w.RecordContest(sampleRecord("C1", contest.PhaseWaiting))
	assert.Zero(t, w.Pending())
	w.Close()
}
