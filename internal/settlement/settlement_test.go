package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lox/coinflip/internal/contest"
	"github.com/lox/coinflip/internal/store"
)

// scriptedBridge returns the scripted errors in order, then succeeds.
type scriptedBridge struct {
	mu     sync.Mutex
	script []error
	calls  int
	txRef  string
}

func (b *scriptedBridge) Submit(_ context.Context, req Request) (Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if len(b.script) > 0 {
		err := b.script[0]
		b.script = b.script[1:]
		return Receipt{}, err
	}
	ref := b.txRef
	if ref == "" {
		ref = "0x" + req.ContestID
	}
	return Receipt{TxRef: ref}, nil
}

func (b *scriptedBridge) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func quietLogger() *log.Logger {
	return log.NewWithOptions(io.Discard, log.Options{Level: log.ErrorLevel})
}

func fastBackoff(attempts int) Backoff {
	return Backoff{Initial: time.Millisecond, Max: 4 * time.Millisecond, Multiplier: 2, MaxAttempts: attempts}
}

func request(id string) Request {
	return Request{ContestID: id, Winner: "alice", ParticipantCount: 2}
}

func TestSettleRetriesTransientThenConfirms(t *testing.T) {
	mem := store.NewMemory()
	bridge := &scriptedBridge{
		script: []error{
			TransientFailure("timeout", context.DeadlineExceeded),
			TransientFailure("nonce_contention", errors.New("nonce too low")),
		},
		txRef: "0xfeed",
	}
	svc := NewService(mem, bridge, fastBackoff(5), quartz.NewReal(), quietLogger())

	out, err := svc.Settle(context.Background(), request("C1"))
	require.NoError(t, err)
	assert.Equal(t, contest.SettlementConfirmed, out.Status)
	assert.Equal(t, "0xfeed", out.TxRef)
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, 3, bridge.Calls())

	confirmed, err := mem.ListSettlements(context.Background(), contest.SettlementConfirmed)
	require.NoError(t, err)
	require.Len(t, confirmed, 1)
	assert.Equal(t, "0xfeed", confirmed[0].TxRef)
	assert.Equal(t, 1, confirmed[0].Submissions, "exactly one durable submitted record")

	failed, err := mem.ListSettlements(context.Background(), contest.SettlementFailed, contest.SettlementPendingCompletion)
	require.NoError(t, err)
	assert.Empty(t, failed)
}

func TestSettleIsIdempotentAfterConfirmation(t *testing.T) {
	mem := store.NewMemory()
	bridge := &scriptedBridge{}
	svc := NewService(mem, bridge, fastBackoff(3), quartz.NewReal(), quietLogger())

	first, err := svc.Settle(context.Background(), request("C1"))
	require.NoError(t, err)
	second, err := svc.Settle(context.Background(), request("C1"))
	require.NoError(t, err)

	assert.Equal(t, 1, bridge.Calls())
	assert.False(t, first.Duplicate)
	assert.True(t, second.Duplicate)
	assert.Equal(t, contest.SettlementConfirmed, second.Status)
	assert.Equal(t, first.TxRef, second.TxRef)
}

func TestSettleConcurrentCallersSubmitOnce(t *testing.T) {
	mem := store.NewMemory()
	bridge := &scriptedBridge{}
	svc := NewService(mem, bridge, fastBackoff(3), quartz.NewReal(), quietLogger())

	var wg sync.WaitGroup
	var owners atomic.Int32
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := svc.Settle(context.Background(), request("C1"))
			assert.NoError(t, err)
			if !out.Duplicate {
				owners.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, owners.Load())
	assert.Equal(t, 1, bridge.Calls())
}

func TestSettleExhaustionMarksPendingCompletion(t *testing.T) {
	mem := store.NewMemory()
	bridge := &scriptedBridge{script: []error{
		TransientFailure("relayer_unavailable", nil),
		TransientFailure("relayer_unavailable", nil),
		TransientFailure("relayer_unavailable", nil),
	}}
	svc := NewService(mem, bridge, fastBackoff(3), quartz.NewReal(), quietLogger())

	out, err := svc.Settle(context.Background(), request("C1"))
	require.NoError(t, err)
	assert.Equal(t, contest.SettlementPendingCompletion, out.Status)
	assert.Equal(t, "relayer_unavailable", out.Reason)
	assert.Equal(t, 3, out.Attempts)

	pending, err := mem.ListSettlements(context.Background(), contest.SettlementPendingCompletion)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "relayer_unavailable", pending[0].Reason)

	// Reconciliation picks it up again and succeeds.
	out, err = svc.Settle(context.Background(), request("C1"))
	require.NoError(t, err)
	assert.Equal(t, contest.SettlementConfirmed, out.Status)
	assert.False(t, out.Duplicate)

	confirmed, err := mem.ListSettlements(context.Background(), contest.SettlementConfirmed)
	require.NoError(t, err)
	require.Len(t, confirmed, 1)
	assert.Equal(t, 4, confirmed[0].Attempts)
}

func TestSettlePermanentFailureStopsImmediately(t *testing.T) {
	mem := store.NewMemory()
	bridge := &scriptedBridge{script: []error{PermanentFailure("contest_unknown", nil)}}
	svc := NewService(mem, bridge, fastBackoff(5), quartz.NewReal(), quietLogger())

	out, err := svc.Settle(context.Background(), request("C1"))
	require.NoError(t, err)
	assert.Equal(t, contest.SettlementFailed, out.Status)
	assert.Equal(t, "contest_unknown", out.Reason)
	assert.Equal(t, 1, bridge.Calls())

	// Failed is final.
	again, err := svc.Settle(context.Background(), request("C1"))
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, 1, bridge.Calls())
}

func TestSettleTakesOverStaleSubmission(t *testing.T) {
	mem := store.NewMemory()
	clock := quartz.NewMock(t)
	_, ok, err := mem.MarkSettlementSubmitted(context.Background(), store.Claim{
		ContestID: "C1", Winner: "alice", ParticipantCount: 2, At: clock.Now(),
	})
	require.NoError(t, err)
	require.True(t, ok)

	bridge := &scriptedBridge{}
	svc := NewService(mem, bridge, fastBackoff(1), clock, quietLogger())
	svc.StaleAfter = time.Minute

	out, err := svc.Settle(context.Background(), request("C1"))
	require.NoError(t, err)
	assert.True(t, out.Duplicate)

	clock.Set(clock.Now().Add(2 * time.Minute))
	out, err = svc.Settle(context.Background(), request("C1"))
	require.NoError(t, err)
	assert.False(t, out.Duplicate)
	assert.Equal(t, contest.SettlementConfirmed, out.Status)
}

// timerClock signals every timer it creates so tests advance only once the
// retrier is actually waiting.
type timerClock struct {
	*quartz.Mock
	timers chan time.Duration
}

func (c timerClock) NewTimer(d time.Duration, tags ...string) *quartz.Timer {
	t := c.Mock.NewTimer(d, tags...)
	c.timers <- d
	return t
}

func TestRetrierHonoursMockClock(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	clock := timerClock{Mock: quartz.NewMock(t), timers: make(chan time.Duration, 4)}
	r := NewRetrier(Backoff{Initial: time.Second, Max: 10 * time.Second, Multiplier: 2, MaxAttempts: 3}, clock, quietLogger())

	var calls atomic.Int32
	done := make(chan error, 1)
	go func() {
		_, err := r.Do(ctx, func(context.Context, int) error {
			calls.Add(1)
			return TransientFailure("network", nil)
		})
		done <- err
	}()

	assert.Equal(t, time.Second, <-clock.timers)
	assert.EqualValues(t, 1, calls.Load())
	_, w := clock.AdvanceNext()
	w.MustWait(ctx)

	assert.Equal(t, 2*time.Second, <-clock.timers)
	assert.EqualValues(t, 2, calls.Load())
	_, w = clock.AdvanceNext()
	w.MustWait(ctx)

	err := <-done
	class, reason := Classify(err)
	assert.Equal(t, Transient, class)
	assert.Equal(t, "network", reason)
	assert.EqualValues(t, 3, calls.Load())
}

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Initial: time.Second, Max: 5 * time.Second, Multiplier: 2}
	assert.Equal(t, time.Second, b.Delay(1))
	assert.Equal(t, 2*time.Second, b.Delay(2))
	assert.Equal(t, 4*time.Second, b.Delay(3))
	assert.Equal(t, 5*time.Second, b.Delay(4))
	assert.Equal(t, 5*time.Second, b.Delay(10))
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err    error
		class  Class
		reason string
	}{
		{PermanentFailure("bad_winner", nil), Permanent, "bad_winner"},
		{fmt.Errorf("wrapped: %w", TransientFailure("nonce_contention", nil)), Transient, "nonce_contention"},
		{context.DeadlineExceeded, Transient, "timeout"},
		{errors.New("permanent-looking text"), Transient, "unclassified"},
	}
	for _, tc := range cases {
		class, reason := Classify(tc.err)
		assert.Equal(t, tc.class, class, tc.err.Error())
		assert.Equal(t, tc.reason, reason, tc.err.Error())
	}
}

func TestHTTPBridge(t *testing.T) {
	var (
		mu     sync.Mutex
		status = http.StatusCreated
		body   = `{"txRef":"0xabc"}`
		seen   []*http.Request
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, r)
		var req Request
		_ = json.NewDecoder(r.Body).Decode(&req)
		assert.Equal(t, "C9", req.ContestID)
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	defer srv.Close()

	b := NewHTTPBridge(srv.URL+"/", "secret", time.Second)
	set := func(code int, payload string) {
		mu.Lock()
		status, body = code, payload
		mu.Unlock()
	}

	receipt, err := b.Submit(context.Background(), Request{ContestID: "C9", Winner: "alice", ParticipantCount: 2})
	require.NoError(t, err)
	assert.Equal(t, "0xabc", receipt.TxRef)
	mu.Lock()
	require.Len(t, seen, 1)
	assert.Equal(t, "/v1/settlements", seen[0].URL.Path)
	assert.Equal(t, "C9", seen[0].Header.Get("Idempotency-Key"))
	assert.Equal(t, "Bearer secret", seen[0].Header.Get("Authorization"))
	mu.Unlock()

	cases := []struct {
		code   int
		body   string
		class  Class
		reason string
	}{
		{http.StatusConflict, `{"code":"nonce_too_low"}`, Transient, "nonce_too_low"},
		{http.StatusBadGateway, `oops`, Transient, "relayer_unavailable"},
		{http.StatusTooManyRequests, ``, Transient, "relayer_unavailable"},
		{http.StatusUnprocessableEntity, `{"code":"winner_not_participant"}`, Permanent, "winner_not_participant"},
		{http.StatusBadRequest, `nope`, Permanent, "rejected"},
		{http.StatusOK, `{}`, Transient, "bad_response"},
	}
	for _, tc := range cases {
		set(tc.code, tc.body)
		_, err := b.Submit(context.Background(), Request{ContestID: "C9", Winner: "alice", ParticipantCount: 2})
		require.Error(t, err)
		class, reason := Classify(err)
		assert.Equal(t, tc.class, class, "status %d", tc.code)
		assert.Equal(t, tc.reason, reason, "status %d", tc.code)
	}
}

func TestHTTPBridgeNetworkFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := NewHTTPBridge(url, "", time.Second).Submit(context.Background(), request("C1"))
	require.Error(t, err)
	class, _ := Classify(err)
	assert.Equal(t, Transient, class)
}

func TestLocalBridge(t *testing.T) {
	r, err := LocalBridge{}.Submit(context.Background(), request("C1"))
	require.NoError(t, err)
	assert.Equal(t, "local-C1", r.TxRef)

	_, err = LocalBridge{}.Submit(context.Background(), Request{ContestID: "C2"})
	class, _ := Classify(err)
	assert.Equal(t, Permanent, class)
}
