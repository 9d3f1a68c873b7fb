package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lox/coinflip/internal/auth"
	"github.com/lox/coinflip/internal/config"
	"github.com/lox/coinflip/internal/connections"
	"github.com/lox/coinflip/internal/contest"
	"github.com/lox/coinflip/internal/protocol"
	"github.com/lox/coinflip/internal/randutil"
	"github.com/lox/coinflip/internal/session"
	"github.com/lox/coinflip/internal/settlement"
	"github.com/lox/coinflip/internal/store"
)

func testLogger() *log.Logger {
	return log.NewWithOptions(io.Discard, log.Options{Level: log.ErrorLevel})
}

type testEnv struct {
	srv   *Server
	http  *httptest.Server
	conns *connections.Registry
	reg   *session.Registry
	mem   *store.Memory
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	logger := testLogger()
	clock := quartz.NewReal()
	mem := store.NewMemory()
	conns := connections.NewRegistry(logger)

	ids := 0
	opts = append([]Option{
		WithLoader(mem),
		WithRequestTimeout(2 * time.Second),
		WithIDGenerator(func() string {
			ids++
			return "c_test" + strconv.Itoa(ids)
		}),
	}, opts...)
	srv := NewServer(logger, conns, config.DefaultCatalog(), opts...)
	writer := store.NewWriter(mem, clock, logger, store.WriterOptions{})
	reg := session.NewRegistry(session.Config{
		Clock:       clock,
		Logger:      logger,
		Broadcaster: srv,
		Connections: conns,
		Recorder:    writer,
		Settler:     settlement.NewService(mem, settlement.LocalBridge{}, settlement.DefaultBackoff(), clock, logger),
		Loader:      mem,
		Flippers: func(id string) contest.Flipper {
			return contest.NewRandFlipper(randutil.Derive(42, id))
		},
	})
	srv.SetSessions(reg)

	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		hs.Close()
		_ = reg.Shutdown(ctx)
		writer.Close()
	})
	return &testEnv{srv: srv, http: hs, conns: conns, reg: reg, mem: mem}
}

func (e *testEnv) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.http.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, typ protocol.MessageType, data any) {
	t.Helper()
	env, err := protocol.NewEnvelope(typ, data, time.Now())
	require.NoError(t, err)
	require.NoError(t, ws.WriteJSON(env))
}

func read(t *testing.T, ws *websocket.Conn) protocol.Envelope {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	var env protocol.Envelope
	require.NoError(t, ws.ReadJSON(&env))
	return env
}

// readState skips frames until a contest_state matching pred arrives.
func readState(t *testing.T, ws *websocket.Conn, pred func(contest.View) bool) contest.View {
	t.Helper()
	for {
		env := read(t, ws)
		if env.Type != protocol.TypeContestState {
			continue
		}
		var v contest.View
		require.NoError(t, json.Unmarshal(env.Data, &v))
		if pred(v) {
			return v
		}
	}
}

func phase(p contest.Phase) func(contest.View) bool {
	return func(v contest.View) bool { return v.Phase == p }
}

func TestServerHealth(t *testing.T) {
	e := newTestEnv(t)
	resp, err := http.Get(e.http.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))
}

func TestTwoParticipantsPlayARound(t *testing.T) {
	e := newTestEnv(t)
	alice, bob := e.dial(t), e.dial(t)

	send(t, alice, protocol.TypeJoin, protocol.Join{ContestID: "C1", Address: "alice"})
	v := readState(t, alice, phase(contest.PhaseWaiting))
	assert.Equal(t, "duel-bo3", v.Variant)

	send(t, bob, protocol.TypeJoin, protocol.Join{ContestID: "C1", Address: "bob"})
	v = readState(t, bob, phase(contest.PhaseChoosing))
	assert.Equal(t, "alice", v.CurrentTurn)
	require.NotNil(t, v.TurnDeadline)
	readState(t, alice, phase(contest.PhaseChoosing))

	send(t, alice, protocol.TypeSubmitChoice, protocol.SubmitChoice{ContestID: "C1", Side: "heads"})
	send(t, bob, protocol.TypeSubmitChoice, protocol.SubmitChoice{ContestID: "C1", Side: "tails"})

	for _, ws := range []*websocket.Conn{alice, bob} {
		revealed := readState(t, ws, phase(contest.PhaseRoundActive))
		assert.Len(t, revealed.RevealedChoices, 2)
		next := readState(t, ws, func(v contest.View) bool { return v.Round == 2 })
		assert.Equal(t, contest.PhaseChoosing, next.Phase)
		assert.Equal(t, "bob", next.CurrentTurn)
		total := 0
		for _, p := range next.Participants {
			total += p.Wins
		}
		assert.Equal(t, 1, total)
	}
}

func TestRejectionGoesOnlyToSender(t *testing.T) {
	e := newTestEnv(t)
	alice, bob := e.dial(t), e.dial(t)
	send(t, alice, protocol.TypeJoin, protocol.Join{ContestID: "C1", Address: "alice"})
	readState(t, alice, phase(contest.PhaseWaiting))
	send(t, bob, protocol.TypeJoin, protocol.Join{ContestID: "C1", Address: "bob"})
	readState(t, bob, phase(contest.PhaseChoosing))
	readState(t, alice, phase(contest.PhaseChoosing))

	send(t, bob, protocol.TypeSubmitChoice, protocol.SubmitChoice{ContestID: "C1", Side: "tails"})
	env := read(t, bob)
	require.Equal(t, protocol.TypeRejected, env.Type)
	var rej protocol.Rejected
	require.NoError(t, json.Unmarshal(env.Data, &rej))
	assert.Equal(t, "not_your_turn", rej.Code)
	assert.Equal(t, "C1", rej.ContestID)
	assert.Equal(t, protocol.TypeSubmitChoice, rej.Request)

	// Alice's next frame is her own accepted choice, not bob's rejection.
	send(t, alice, protocol.TypeSubmitChoice, protocol.SubmitChoice{ContestID: "C1", Side: "heads"})
	env = read(t, alice)
	require.Equal(t, protocol.TypeContestState, env.Type)
	var v contest.View
	require.NoError(t, json.Unmarshal(env.Data, &v))
	assert.Equal(t, "bob", v.CurrentTurn)
}

func TestSubmitRequiresSeatedBinding(t *testing.T) {
	e := newTestEnv(t)
	alice, watcher := e.dial(t), e.dial(t)
	send(t, alice, protocol.TypeJoin, protocol.Join{ContestID: "C1", Address: "alice"})
	readState(t, alice, phase(contest.PhaseWaiting))

	send(t, watcher, protocol.TypeJoin, protocol.Join{ContestID: "C1"})
	readState(t, watcher, phase(contest.PhaseWaiting))
	send(t, watcher, protocol.TypeSubmitChoice, protocol.SubmitChoice{ContestID: "C1", Side: "heads"})

	env := read(t, watcher)
	require.Equal(t, protocol.TypeRejected, env.Type)
	var rej protocol.Rejected
	require.NoError(t, json.Unmarshal(env.Data, &rej))
	assert.Equal(t, "not_participant", rej.Code)
}

func rejection(t *testing.T, ws *websocket.Conn) protocol.Rejected {
	t.Helper()
	env := read(t, ws)
	require.Equal(t, protocol.TypeRejected, env.Type)
	var rej protocol.Rejected
	require.NoError(t, json.Unmarshal(env.Data, &rej))
	return rej
}

func TestSubmitAcceptsSingleLetterSides(t *testing.T) {
	e := newTestEnv(t)
	alice, bob := e.dial(t), e.dial(t)
	send(t, alice, protocol.TypeJoin, protocol.Join{ContestID: "C1", Address: "alice"})
	readState(t, alice, phase(contest.PhaseWaiting))
	send(t, bob, protocol.TypeJoin, protocol.Join{ContestID: "C1", Address: "bob"})
	readState(t, bob, phase(contest.PhaseChoosing))
	readState(t, alice, phase(contest.PhaseChoosing))

	send(t, alice, protocol.TypeSubmitChoice, protocol.SubmitChoice{ContestID: "C1", Side: "edge"})
	rej := rejection(t, alice)
	assert.Equal(t, "invalid_side", rej.Code)
	assert.Equal(t, protocol.TypeSubmitChoice, rej.Request)

	send(t, alice, protocol.TypeSubmitChoice, protocol.SubmitChoice{ContestID: "C1", Side: "H"})
	v := readState(t, alice, func(v contest.View) bool { return v.CurrentTurn == "bob" })
	require.Len(t, v.RevealedChoices, 0)

	send(t, bob, protocol.TypeSubmitChoice, protocol.SubmitChoice{ContestID: "C1", Side: "t"})
	v = readState(t, bob, phase(contest.PhaseRoundActive))
	sides := map[string]contest.Side{}
	for _, in := range v.RevealedChoices {
		sides[in.Address] = in.Side
	}
	assert.Equal(t, map[string]contest.Side{"alice": contest.Heads, "bob": contest.Tails}, sides)
}

func TestReleaseOutsideChargeWindowIsRejected(t *testing.T) {
	e := newTestEnv(t)
	alice, bob, watcher := e.dial(t), e.dial(t), e.dial(t)
	send(t, alice, protocol.TypeJoin, protocol.Join{ContestID: "C1", Address: "alice"})
	readState(t, alice, phase(contest.PhaseWaiting))
	send(t, bob, protocol.TypeJoin, protocol.Join{ContestID: "C1", Address: "bob"})
	readState(t, bob, phase(contest.PhaseChoosing))
	readState(t, alice, phase(contest.PhaseChoosing))

	send(t, alice, protocol.TypeRelease, protocol.Release{ContestID: "C1"})
	rej := rejection(t, alice)
	assert.Equal(t, "wrong_phase", rej.Code)
	assert.Equal(t, protocol.TypeRelease, rej.Request)

	send(t, watcher, protocol.TypeJoin, protocol.Join{ContestID: "C1"})
	readState(t, watcher, phase(contest.PhaseChoosing))
	send(t, watcher, protocol.TypeRelease, protocol.Release{ContestID: "C1"})
	assert.Equal(t, "not_participant", rejection(t, watcher).Code)
}

func TestBadFramesGetErrors(t *testing.T) {
	e := newTestEnv(t)
	ws := e.dial(t)

	tests := []struct {
		frame string
		code  string
	}{
		{`not json`, "malformed_message"},
		{`{"type":"fold","data":{}}`, "unknown_message_type"},
		{`{"type":"join","data":{}}`, "invalid_message"},
	}
	for _, tt := range tests {
		require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(tt.frame)))
		env := read(t, ws)
		require.Equal(t, protocol.TypeError, env.Type)
		var pe protocol.Error
		require.NoError(t, json.Unmarshal(env.Data, &pe))
		assert.Equal(t, tt.code, pe.Code, tt.frame)
	}
}

func TestSpectatorCannotCreate(t *testing.T) {
	e := newTestEnv(t)
	ws := e.dial(t)
	send(t, ws, protocol.TypeJoin, protocol.Join{ContestID: "ghost"})
	env := read(t, ws)
	require.Equal(t, protocol.TypeRejected, env.Type)
	var rej protocol.Rejected
	require.NoError(t, json.Unmarshal(env.Data, &rej))
	assert.Equal(t, "contest_not_found", rej.Code)
	assert.Zero(t, e.reg.Len())
}

func TestUnknownVariantRejected(t *testing.T) {
	e := newTestEnv(t)
	ws := e.dial(t)
	send(t, ws, protocol.TypeCreate, protocol.Create{Address: "alice", Variant: "duel-bo99"})
	env := read(t, ws)
	require.Equal(t, protocol.TypeRejected, env.Type)
	var rej protocol.Rejected
	require.NoError(t, json.Unmarshal(env.Data, &rej))
	assert.Equal(t, "invalid_variant", rej.Code)
}

func TestCreateAssignsID(t *testing.T) {
	e := newTestEnv(t)
	ws := e.dial(t)
	send(t, ws, protocol.TypeCreate, protocol.Create{Address: "alice", Variant: "royale-8"})

	env := read(t, ws)
	require.Equal(t, protocol.TypeCreated, env.Type)
	var created protocol.Created
	require.NoError(t, json.Unmarshal(env.Data, &created))
	assert.Equal(t, "c_test1", created.ContestID)
	assert.Equal(t, "royale-8", created.Variant)

	v := readState(t, ws, phase(contest.PhaseWaiting))
	assert.Equal(t, "c_test1", v.ContestID)
	assert.Equal(t, 8, v.Capacity)
	assert.Equal(t, []string{"alice"}, e.conns.Addresses("c_test1"))
}

func TestDisconnectUnbinds(t *testing.T) {
	e := newTestEnv(t)
	alice := e.dial(t)
	send(t, alice, protocol.TypeJoin, protocol.Join{ContestID: "C1", Address: "alice"})
	readState(t, alice, phase(contest.PhaseWaiting))
	require.Len(t, e.conns.ConnectionsFor("C1"), 1)

	require.NoError(t, alice.Close())
	require.Eventually(t, func() bool {
		return len(e.conns.ConnectionsFor("C1")) == 0 && e.srv.ClientCount() == 0
	}, 3*time.Second, 10*time.Millisecond)

	_, ok := e.reg.Get("C1")
	assert.True(t, ok, "contest outlives its last connection")
}

func TestLeaveUnbindsAndRejoinMoves(t *testing.T) {
	e := newTestEnv(t)
	ws := e.dial(t)
	send(t, ws, protocol.TypeJoin, protocol.Join{ContestID: "C1", Address: "alice"})
	readState(t, ws, phase(contest.PhaseWaiting))

	send(t, ws, protocol.TypeJoin, protocol.Join{ContestID: "C2", Address: "alice"})
	readState(t, ws, func(v contest.View) bool { return v.ContestID == "C2" })
	assert.Empty(t, e.conns.ConnectionsFor("C1"))
	require.Len(t, e.conns.ConnectionsFor("C2"), 1)

	send(t, ws, protocol.TypeLeave, protocol.Leave{ContestID: "C2"})
	require.Eventually(t, func() bool {
		return len(e.conns.ConnectionsFor("C2")) == 0
	}, 3*time.Second, 10*time.Millisecond)
}

func TestBroadcastPrunesDeadConnections(t *testing.T) {
	e := newTestEnv(t)
	e.conns.Bind("C9", "ghost", "")
	e.srv.Broadcast("C9", contest.View{ContestID: "C9"})
	assert.Empty(t, e.conns.ConnectionsFor("C9"))
}

func TestContestEndpoint(t *testing.T) {
	e := newTestEnv(t)
	ws := e.dial(t)
	send(t, ws, protocol.TypeJoin, protocol.Join{ContestID: "C1", Address: "alice"})
	readState(t, ws, phase(contest.PhaseWaiting))

	get := func(id string) (int, contestResponse) {
		resp, err := http.Get(e.http.URL + "/contests/" + id)
		require.NoError(t, err)
		defer resp.Body.Close()
		var out contestResponse
		if resp.StatusCode == http.StatusOK {
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
		}
		return resp.StatusCode, out
	}

	status, out := get("C1")
	require.Equal(t, http.StatusOK, status)
	assert.True(t, out.Live)
	require.NotNil(t, out.State)
	assert.Equal(t, contest.PhaseWaiting, out.State.Phase)

	status, _ = get("nope")
	assert.Equal(t, http.StatusNotFound, status)

	require.True(t, e.reg.Remove("C1"))
	require.Eventually(t, func() bool {
		status, out = get("C1")
		return status == http.StatusOK && out.Record != nil
	}, 3*time.Second, 10*time.Millisecond)
	assert.False(t, out.Live)
	assert.Equal(t, "alice", out.Record.Creator)
}

type tokenValidator struct {
	tokens map[string]string
	err    error
	calls  atomic.Int32
}

func (v *tokenValidator) Validate(_ context.Context, token string) (*auth.Identity, error) {
	v.calls.Add(1)
	if v.err != nil {
		return nil, v.err
	}
	addr, ok := v.tokens[token]
	if !ok {
		return nil, auth.ErrInvalidToken
	}
	return &auth.Identity{Address: addr}, nil
}

func nextRejection(t *testing.T, ws *websocket.Conn) protocol.Rejected {
	t.Helper()
	for {
		env := read(t, ws)
		if env.Type != protocol.TypeRejected {
			continue
		}
		var r protocol.Rejected
		require.NoError(t, json.Unmarshal(env.Data, &r))
		return r
	}
}

func TestAddressVerification(t *testing.T) {
	v := &tokenValidator{tokens: map[string]string{"alice-token": "0xA11CE"}}
	e := newTestEnv(t, WithAuth(v, false))

	t.Run("missing token", func(t *testing.T) {
		ws := e.dial(t)
		send(t, ws, protocol.TypeCreate, protocol.Create{Address: "0xa11ce"})
		assert.Equal(t, "unauthorized", nextRejection(t, ws).Code)
	})

	t.Run("token for another address", func(t *testing.T) {
		ws := e.dial(t)
		send(t, ws, protocol.TypeJoin, protocol.Join{ContestID: "c_x", Address: "0xb0b", Token: "alice-token"})
		assert.Equal(t, "unauthorized", nextRejection(t, ws).Code)
		_, ok := e.reg.Get("c_x")
		assert.False(t, ok)
	})

	t.Run("valid token is checked once per connection", func(t *testing.T) {
		ws := e.dial(t)
		before := v.calls.Load()
		send(t, ws, protocol.TypeCreate, protocol.Create{Address: "0xa11ce", Token: "alice-token"})
		readState(t, ws, phase(contest.PhaseWaiting))
		send(t, ws, protocol.TypeJoin, protocol.Join{ContestID: "c_y", Address: "0xa11ce"})
		readState(t, ws, func(v contest.View) bool { return v.ContestID == "c_y" })
		assert.Equal(t, before+1, v.calls.Load())
	})

	t.Run("spectators need no token", func(t *testing.T) {
		ws := e.dial(t)
		send(t, ws, protocol.TypeJoin, protocol.Join{ContestID: "c_y"})
		v := readState(t, ws, func(v contest.View) bool { return v.ContestID == "c_y" })
		assert.Equal(t, "0xa11ce", v.Participants[0].Address)
	})
}

func TestAddressVerifierUnavailable(t *testing.T) {
	down := func() *tokenValidator { return &tokenValidator{err: auth.ErrUnavailable} }

	t.Run("fail closed", func(t *testing.T) {
		e := newTestEnv(t, WithAuth(down(), false))
		ws := e.dial(t)
		send(t, ws, protocol.TypeCreate, protocol.Create{Address: "alice", Token: "t"})
		assert.Equal(t, "auth_unavailable", nextRejection(t, ws).Code)
	})

	t.Run("fail open", func(t *testing.T) {
		e := newTestEnv(t, WithAuth(down(), true))
		ws := e.dial(t)
		send(t, ws, protocol.TypeCreate, protocol.Create{Address: "alice", Token: "t"})
		v := readState(t, ws, phase(contest.PhaseWaiting))
		assert.Equal(t, "alice", v.Participants[0].Address)
	})
}
