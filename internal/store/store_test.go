package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lox/coinflip/internal/contest"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func sampleRecord(id string, phase contest.Phase) contest.Record {
	return contest.Record{
		ID:      id,
		Variant: contest.DefaultVariants()[0],
		Phase:   phase,
		Creator: "alice",
		Participants: []contest.Participant{
			{Address: "alice", Wins: 2},
			{Address: "bob", Wins: 1},
		},
		Round:      3,
		Winner:     "alice",
		Settlement: contest.SettlementPending,
		CreatedAt:  t0,
		UpdatedAt:  t0.Add(time.Minute),
	}
}

func claimFor(id string, at time.Time) Claim {
	return Claim{ContestID: id, Winner: "alice", ParticipantCount: 2, At: at}
}

// runStoreSuite exercises the behaviour every Store must share.
func runStoreSuite(t *testing.T, open func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("load unknown", func(t *testing.T) {
		s := open(t)
		_, err := s.LoadContest(ctx, "missing")
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("contest round trip", func(t *testing.T) {
		s := open(t)
		rec := sampleRecord("C1", contest.PhaseChoosing)
		require.NoError(t, s.UpdateContestStatus(ctx, rec))
		rec.Round = 4
		rec.UpdatedAt = t0.Add(2 * time.Minute)
		require.NoError(t, s.UpdateContestStatus(ctx, rec))

		snap, err := s.LoadContest(ctx, "C1")
		require.NoError(t, err)
		assert.Equal(t, 4, snap.Record.Round)
		assert.Equal(t, rec.Participants, snap.Record.Participants)
		assert.Equal(t, rec.Variant, snap.Record.Variant)
		assert.True(t, rec.UpdatedAt.Equal(snap.Record.UpdatedAt))
		assert.Empty(t, snap.Rounds)
	})

	t.Run("rounds are append only", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.UpdateContestStatus(ctx, sampleRecord("C1", contest.PhaseChoosing)))
		r2 := contest.Round{Number: 2, Outcome: contest.Tails, Winners: []string{"bob"}, ResolvedAt: t0}
		r1 := contest.Round{Number: 1, Outcome: contest.Heads, Winners: []string{"alice"}, ResolvedAt: t0}
		require.NoError(t, s.AppendRound(ctx, "C1", r2))
		require.NoError(t, s.AppendRound(ctx, "C1", r1))

		rewrite := r1
		rewrite.Winners = []string{"bob"}
		require.NoError(t, s.AppendRound(ctx, "C1", rewrite))

		snap, err := s.LoadContest(ctx, "C1")
		require.NoError(t, err)
		require.Len(t, snap.Rounds, 2)
		assert.Equal(t, 1, snap.Rounds[0].Number)
		assert.Equal(t, []string{"alice"}, snap.Rounds[0].Winners)
		assert.Equal(t, 2, snap.Rounds[1].Number)
	})

	t.Run("claim is exclusive", func(t *testing.T) {
		s := open(t)
		st, ok, err := s.MarkSettlementSubmitted(ctx, claimFor("C1", t0))
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, contest.SettlementSubmitted, st.Status)
		assert.Equal(t, 1, st.Submissions)

		st, ok, err = s.MarkSettlementSubmitted(ctx, claimFor("C1", t0.Add(time.Second)))
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, contest.SettlementSubmitted, st.Status)
		assert.Equal(t, 1, st.Submissions)
	})

	t.Run("stale claim is taken over", func(t *testing.T) {
		s := open(t)
		_, ok, err := s.MarkSettlementSubmitted(ctx, claimFor("C1", t0))
		require.NoError(t, err)
		require.True(t, ok)

		c := claimFor("C1", t0.Add(time.Hour))
		c.StaleBefore = t0.Add(time.Minute)
		st, ok, err := s.MarkSettlementSubmitted(ctx, c)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, 2, st.Submissions)
	})

	t.Run("confirmed is final", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.UpdateContestStatus(ctx, sampleRecord("C1", contest.PhaseCompleted)))
		_, ok, err := s.MarkSettlementSubmitted(ctx, claimFor("C1", t0))
		require.NoError(t, err)
		require.True(t, ok)

		confirmed := SettlementRecord{
			ContestID: "C1", Winner: "alice", ParticipantCount: 2,
			Status: contest.SettlementConfirmed, TxRef: "0xabc", Attempts: 3, UpdatedAt: t0,
		}
		require.NoError(t, s.RecordSettlement(ctx, confirmed))

		overwrite := confirmed
		overwrite.Status = contest.SettlementFailed
		overwrite.TxRef = ""
		require.NoError(t, s.RecordSettlement(ctx, overwrite))

		_, ok, err = s.MarkSettlementSubmitted(ctx, claimFor("C1", t0))
		require.NoError(t, err)
		assert.False(t, ok)

		list, err := s.ListSettlements(ctx, contest.SettlementConfirmed)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, "0xabc", list[0].TxRef)
		assert.Equal(t, 1, list[0].Submissions)

		snap, err := s.LoadContest(ctx, "C1")
		require.NoError(t, err)
		assert.Equal(t, contest.SettlementConfirmed, snap.Record.Settlement)
		assert.Equal(t, "0xabc", snap.Record.TxRef)
	})

	t.Run("pending completion can be reclaimed", func(t *testing.T) {
		s := open(t)
		_, _, err := s.MarkSettlementSubmitted(ctx, claimFor("C1", t0))
		require.NoError(t, err)
		require.NoError(t, s.RecordSettlement(ctx, SettlementRecord{
			ContestID: "C1", Winner: "alice", ParticipantCount: 2,
			Status: contest.SettlementPendingCompletion, Reason: "timeout", Attempts: 5, UpdatedAt: t0,
		}))

		list, err := s.ListSettlements(ctx, contest.SettlementPendingCompletion, contest.SettlementSubmitted)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, "timeout", list[0].Reason)

		st, ok, err := s.MarkSettlementSubmitted(ctx, claimFor("C1", t0.Add(time.Minute)))
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, 2, st.Submissions)
		assert.Empty(t, st.Reason)
	})

	t.Run("list unsettled", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.UpdateContestStatus(ctx, sampleRecord("A", contest.PhaseCompleted)))
		require.NoError(t, s.UpdateContestStatus(ctx, sampleRecord("B", contest.PhaseCompleted)))
		require.NoError(t, s.UpdateContestStatus(ctx, sampleRecord("C", contest.PhaseChoosing)))
		require.NoError(t, s.UpdateContestStatus(ctx, sampleRecord("D", contest.PhaseCompleted)))

		_, _, err := s.MarkSettlementSubmitted(ctx, claimFor("B", t0))
		require.NoError(t, err)
		_, _, err = s.MarkSettlementSubmitted(ctx, claimFor("D", t0))
		require.NoError(t, err)
		require.NoError(t, s.RecordSettlement(ctx, SettlementRecord{
			ContestID: "D", Winner: "alice", ParticipantCount: 2,
			Status: contest.SettlementPendingCompletion, Reason: "nonce", UpdatedAt: t0,
		}))

		recs, err := s.ListUnsettled(ctx)
		require.NoError(t, err)
		ids := make([]string, len(recs))
		for i, r := range recs {
			ids[i] = r.ID
		}
		assert.Equal(t, []string{"A", "D"}, ids)
		assert.Equal(t, contest.SettlementPendingCompletion, recs[1].Settlement)
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store { return NewMemory() })
}

func TestSQLiteStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		s, err := OpenSQLite(filepath.Join(t.TempDir(), "coinflip.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "coinflip.db")

	s, err := OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, s.UpdateContestStatus(ctx, sampleRecord("C1", contest.PhaseChoosing)))
	require.NoError(t, s.AppendRound(ctx, "C1", contest.Round{Number: 1, Outcome: contest.Heads, ResolvedAt: t0}))
	require.NoError(t, s.Close())

	s, err = OpenSQLite(path)
	require.NoError(t, err)
	defer s.Close()
	snap, err := s.LoadContest(ctx, "C1")
	require.NoError(t, err)
	assert.Equal(t, contest.PhaseChoosing, snap.Record.Phase)
	require.Len(t, snap.Rounds, 1)
	assert.Equal(t, contest.Heads, snap.Rounds[0].Outcome)
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("COINFLIP_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("COINFLIP_TEST_DATABASE_URL not set")
	}
	runStoreSuite(t, func(t *testing.T) Store {
		s, err := OpenPostgres(dsn)
		require.NoError(t, err)
		require.NoError(t, s.db.Exec("TRUNCATE contests, rounds, settlements").Error)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}
