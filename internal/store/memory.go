package store

import (
	"context"
	"sort"
	"sync"

	"github.com/lox/coinflip/internal/contest"
)

// Memory keeps everything in process. It backs tests and --store=memory.
type Memory struct {
	mu          sync.Mutex
	contests    map[string]contest.Record
	rounds      map[string][]contest.Round
	settlements map[string]SettlementRecord
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{
		contests:    make(map[string]contest.Record),
		rounds:      make(map[string][]contest.Round),
		settlements: make(map[string]SettlementRecord),
	}
}

func (m *Memory) AppendRound(_ context.Context, contestID string, round contest.Round) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rounds[contestID] {
		if r.Number == round.Number {
			return nil
		}
	}
	m.rounds[contestID] = append(m.rounds[contestID], cloneRound(round))
	return nil
}

func (m *Memory) UpdateContestStatus(_ context.Context, rec contest.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.Participants = append([]contest.Participant(nil), rec.Participants...)
	m.contests[rec.ID] = rec
	return nil
}

func (m *Memory) LoadContest(_ context.Context, id string) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.contests[id]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	rec.Participants = append([]contest.Participant(nil), rec.Participants...)
	if s, ok := m.settlements[id]; ok {
		mergeSettlement(&rec, s)
	}
	rounds := make([]contest.Round, 0, len(m.rounds[id]))
	for _, r := range m.rounds[id] {
		rounds = append(rounds, cloneRound(r))
	}
	sort.Slice(rounds, func(i, j int) bool { return rounds[i].Number < rounds[j].Number })
	return Snapshot{Record: rec, Rounds: rounds}, nil
}

func (m *Memory) MarkSettlementSubmitted(_ context.Context, c Claim) (SettlementRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.settlements[c.ContestID]
	if !claimable(cur, c) {
		return cur, false, nil
	}
	next := applyClaim(cur, c)
	m.settlements[c.ContestID] = next
	return next, true, nil
}

func (m *Memory) RecordSettlement(_ context.Context, rec SettlementRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.settlements[rec.ContestID]
	if ok && cur.Status == contest.SettlementConfirmed {
		return nil
	}
	rec.Submissions = cur.Submissions
	m.settlements[rec.ContestID] = rec
	return nil
}

func (m *Memory) ListSettlements(_ context.Context, statuses ...contest.SettlementStatus) ([]SettlementRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := statusSet(statuses)
	var out []SettlementRecord
	for _, s := range m.settlements {
		if want[s.Status] {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ContestID < out[j].ContestID })
	return out, nil
}

func (m *Memory) ListUnsettled(_ context.Context) ([]contest.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []contest.Record
	for id, rec := range m.contests {
		var sp *SettlementRecord
		if s, ok := m.settlements[id]; ok {
			sp = &s
			mergeSettlement(&rec, s)
		}
		if unsettled(rec, sp) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) Close() error { return nil }

func cloneRound(r contest.Round) contest.Round {
	r.Inputs = append([]contest.Input(nil), r.Inputs...)
	r.Winners = append([]string(nil), r.Winners...)
	r.Eliminated = append([]string(nil), r.Eliminated...)
	return r
}
