package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/lox/coinflip/internal/contest"
)

// SQLite is the embedded store. It holds a single connection, so every
// statement is serialized by database/sql.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path. ":memory:"
// gives a private in-memory database.
func OpenSQLite(path string) (*SQLite, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLite{db: db}, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS contests (
			id TEXT PRIMARY KEY,
			variant_json TEXT NOT NULL,
			phase TEXT NOT NULL,
			creator TEXT NOT NULL,
			participants_json TEXT NOT NULL,
			round INTEGER NOT NULL,
			winner TEXT NOT NULL DEFAULT '',
			settlement TEXT NOT NULL,
			tx_ref TEXT NOT NULL DEFAULT '',
			settlement_reason TEXT NOT NULL DEFAULT '',
			cancel_reason TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_contests_phase ON contests(phase);`,
		`CREATE TABLE IF NOT EXISTS rounds (
			contest_id TEXT NOT NULL,
			number INTEGER NOT NULL,
			round_json TEXT NOT NULL,
			resolved_at TEXT NOT NULL,
			PRIMARY KEY (contest_id, number)
		);`,
		`CREATE TABLE IF NOT EXISTS settlements (
			contest_id TEXT PRIMARY KEY,
			winner TEXT NOT NULL,
			participant_count INTEGER NOT NULL,
			status TEXT NOT NULL,
			tx_ref TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL DEFAULT '',
			attempts INTEGER NOT NULL DEFAULT 0,
			submissions INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_settlements_status ON settlements(status);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) AppendRound(ctx context.Context, contestID string, round contest.Round) error {
	raw, err := json.Marshal(round)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO rounds(contest_id, number, round_json, resolved_at) VALUES(?,?,?,?)`,
		contestID, round.Number, string(raw), formatTime(round.ResolvedAt))
	return err
}

func (s *SQLite) UpdateContestStatus(ctx context.Context, rec contest.Record) error {
	variant, err := json.Marshal(rec.Variant)
	if err != nil {
		return err
	}
	participants, err := json.Marshal(rec.Participants)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO contests(id, variant_json, phase, creator, participants_json, round, winner,
			settlement, tx_ref, settlement_reason, cancel_reason, created_at, updated_at)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			variant_json=excluded.variant_json,
			phase=excluded.phase,
			participants_json=excluded.participants_json,
			round=excluded.round,
			winner=excluded.winner,
			settlement=excluded.settlement,
			tx_ref=excluded.tx_ref,
			settlement_reason=excluded.settlement_reason,
			cancel_reason=excluded.cancel_reason,
			updated_at=excluded.updated_at`,
		rec.ID, string(variant), string(rec.Phase), rec.Creator, string(participants), rec.Round,
		rec.Winner, string(rec.Settlement), rec.TxRef, rec.SettlementReason, rec.CancelReason,
		formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt))
	return err
}

const contestColumns = `id, variant_json, phase, creator, participants_json, round, winner,
	settlement, tx_ref, settlement_reason, cancel_reason, created_at, updated_at`

func (s *SQLite) LoadContest(ctx context.Context, id string) (Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+contestColumns+` FROM contests WHERE id = ?`, id)
	rec, err := scanContest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, ErrNotFound
	}
	if err != nil {
		return Snapshot{}, err
	}
	if st, ok, err := s.settlement(ctx, s.db, id); err != nil {
		return Snapshot{}, err
	} else if ok {
		mergeSettlement(&rec, st)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT round_json FROM rounds WHERE contest_id = ? ORDER BY number`, id)
	if err != nil {
		return Snapshot{}, err
	}
	defer rows.Close()
	var rounds []contest.Round
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return Snapshot{}, err
		}
		var r contest.Round
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			return Snapshot{}, fmt.Errorf("contest %s: decode round: %w", id, err)
		}
		rounds = append(rounds, r)
	}
	return Snapshot{Record: rec, Rounds: rounds}, rows.Err()
}

func (s *SQLite) MarkSettlementSubmitted(ctx context.Context, c Claim) (SettlementRecord, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return SettlementRecord{}, false, err
	}
	defer func() { _ = tx.Rollback() }()

	cur, _, err := s.settlement(ctx, tx, c.ContestID)
	if err != nil {
		return SettlementRecord{}, false, err
	}
	if !claimable(cur, c) {
		return cur, false, nil
	}
	next := applyClaim(cur, c)
	if err := upsertSettlement(ctx, tx, next); err != nil {
		return SettlementRecord{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return SettlementRecord{}, false, err
	}
	return next, true, nil
}

func (s *SQLite) RecordSettlement(ctx context.Context, rec SettlementRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	cur, _, err := s.settlement(ctx, tx, rec.ContestID)
	if err != nil {
		return err
	}
	if cur.Status == contest.SettlementConfirmed {
		return nil
	}
	rec.Submissions = cur.Submissions
	if err := upsertSettlement(ctx, tx, rec); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLite) ListSettlements(ctx context.Context, statuses ...contest.SettlementStatus) ([]SettlementRecord, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}
	q := `SELECT ` + settlementColumns + ` FROM settlements WHERE status IN (` +
		strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",") + `) ORDER BY contest_id`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SettlementRecord
	for rows.Next() {
		st, err := scanSettlement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *SQLite) ListUnsettled(ctx context.Context) ([]contest.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+contestColumns+` FROM contests WHERE phase = ? ORDER BY id`, string(contest.PhaseCompleted))
	if err != nil {
		return nil, err
	}
	var recs []contest.Record
	for rows.Next() {
		rec, err := scanContest(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		recs = append(recs, rec)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var out []contest.Record
	for _, rec := range recs {
		st, ok, err := s.settlement(ctx, s.db, rec.ID)
		if err != nil {
			return nil, err
		}
		var sp *SettlementRecord
		if ok {
			sp = &st
			mergeSettlement(&rec, st)
		}
		if unsettled(rec, sp) {
			out = append(out, rec)
		}
	}
	return out, nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

const settlementColumns = `contest_id, winner, participant_count, status, tx_ref, reason, attempts, submissions, updated_at`

func (s *SQLite) settlement(ctx context.Context, q querier, contestID string) (SettlementRecord, bool, error) {
	row := q.QueryRowContext(ctx, `SELECT `+settlementColumns+` FROM settlements WHERE contest_id = ?`, contestID)
	st, err := scanSettlement(row)
	if errors.Is(err, sql.ErrNoRows) {
		return SettlementRecord{}, false, nil
	}
	if err != nil {
		return SettlementRecord{}, false, err
	}
	return st, true, nil
}

func upsertSettlement(ctx context.Context, tx *sql.Tx, rec SettlementRecord) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO settlements(`+settlementColumns+`) VALUES(?,?,?,?,?,?,?,?,?)
		ON CONFLICT(contest_id) DO UPDATE SET
			winner=excluded.winner,
			participant_count=excluded.participant_count,
			status=excluded.status,
			tx_ref=excluded.tx_ref,
			reason=excluded.reason,
			attempts=excluded.attempts,
			submissions=excluded.submissions,
			updated_at=excluded.updated_at`,
		rec.ContestID, rec.Winner, rec.ParticipantCount, string(rec.Status), rec.TxRef, rec.Reason,
		rec.Attempts, rec.Submissions, formatTime(rec.UpdatedAt))
	return err
}

func scanContest(row scanner) (contest.Record, error) {
	var (
		rec                   contest.Record
		variant, participants string
		phase, settlement     string
		createdAt, updatedAt  string
	)
	err := row.Scan(&rec.ID, &variant, &phase, &rec.Creator, &participants, &rec.Round, &rec.Winner,
		&settlement, &rec.TxRef, &rec.SettlementReason, &rec.CancelReason, &createdAt, &updatedAt)
	if err != nil {
		return contest.Record{}, err
	}
	if err := json.Unmarshal([]byte(variant), &rec.Variant); err != nil {
		return contest.Record{}, fmt.Errorf("contest %s: decode variant: %w", rec.ID, err)
	}
	if err := json.Unmarshal([]byte(participants), &rec.Participants); err != nil {
		return contest.Record{}, fmt.Errorf("contest %s: decode participants: %w", rec.ID, err)
	}
	rec.Phase = contest.Phase(phase)
	rec.Settlement = contest.SettlementStatus(settlement)
	rec.CreatedAt = parseTime(createdAt)
	rec.UpdatedAt = parseTime(updatedAt)
	return rec, nil
}

func scanSettlement(row scanner) (SettlementRecord, error) {
	var (
		st              SettlementRecord
		status, updated string
	)
	err := row.Scan(&st.ContestID, &st.Winner, &st.ParticipantCount, &status, &st.TxRef, &st.Reason,
		&st.Attempts, &st.Submissions, &updated)
	if err != nil {
		return SettlementRecord{}, err
	}
	st.Status = contest.SettlementStatus(status)
	st.UpdatedAt = parseTime(updated)
	return st, nil
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
