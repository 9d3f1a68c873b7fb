package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/lox/coinflip/internal/contest"
)

type contestRow struct {
	ID               string         `gorm:"primaryKey;size:64"`
	Variant          datatypes.JSON `gorm:"type:jsonb;not null"`
	Phase            string         `gorm:"size:32;index;not null"`
	Creator          string         `gorm:"size:128;not null"`
	Participants     datatypes.JSON `gorm:"type:jsonb;not null"`
	Round            int            `gorm:"not null"`
	Winner           string         `gorm:"size:128"`
	Settlement       string         `gorm:"size:32;not null"`
	TxRef            string         `gorm:"size:256"`
	SettlementReason string
	CancelReason     string
	CreatedAt        time.Time `gorm:"not null;autoCreateTime:false"`
	UpdatedAt        time.Time `gorm:"not null;autoUpdateTime:false"`
}

func (contestRow) TableName() string { return "contests" }

type roundRow struct {
	ContestID  string         `gorm:"primaryKey;size:64"`
	Number     int            `gorm:"primaryKey"`
	Payload    datatypes.JSON `gorm:"type:jsonb;not null"`
	ResolvedAt time.Time      `gorm:"not null"`
}

func (roundRow) TableName() string { return "rounds" }

type settlementRow struct {
	ContestID        string `gorm:"primaryKey;size:64"`
	Winner           string `gorm:"size:128;not null"`
	ParticipantCount int    `gorm:"not null"`
	Status           string `gorm:"size:32;index;not null"`
	TxRef            string `gorm:"size:256"`
	Reason           string
	Attempts         int       `gorm:"not null;default:0"`
	Submissions      int       `gorm:"not null;default:0"`
	UpdatedAt        time.Time `gorm:"not null;autoUpdateTime:false"`
}

func (settlementRow) TableName() string { return "settlements" }

// Postgres is the production store, built on gorm.
type Postgres struct {
	db *gorm.DB
}

// OpenPostgres connects to dsn and migrates the schema.
func OpenPostgres(dsn string) (*Postgres, error) {
	if dsn == "" {
		return nil, fmt.Errorf("DATABASE_URL not set")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&contestRow{}, &roundRow{}, &settlementRow{}); err != nil {
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (p *Postgres) AppendRound(ctx context.Context, contestID string, round contest.Round) error {
	raw, err := json.Marshal(round)
	if err != nil {
		return err
	}
	row := roundRow{ContestID: contestID, Number: round.Number, Payload: datatypes.JSON(raw), ResolvedAt: round.ResolvedAt}
	return p.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
}

func (p *Postgres) UpdateContestStatus(ctx context.Context, rec contest.Record) error {
	row, err := toContestRow(rec)
	if err != nil {
		return err
	}
	return p.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"variant", "phase", "participants", "round", "winner", "settlement",
			"tx_ref", "settlement_reason", "cancel_reason", "updated_at",
		}),
	}).Create(&row).Error
}

func (p *Postgres) LoadContest(ctx context.Context, id string) (Snapshot, error) {
	db := p.db.WithContext(ctx)
	var row contestRow
	if err := db.Where("id = ?", id).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Snapshot{}, ErrNotFound
		}
		return Snapshot{}, err
	}
	rec, err := fromContestRow(row)
	if err != nil {
		return Snapshot{}, err
	}

	var st settlementRow
	err = db.Where("contest_id = ?", id).First(&st).Error
	switch {
	case err == nil:
		mergeSettlement(&rec, fromSettlementRow(st))
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return Snapshot{}, err
	}

	var rows []roundRow
	if err := db.Where("contest_id = ?", id).Order("number").Find(&rows).Error; err != nil {
		return Snapshot{}, err
	}
	rounds := make([]contest.Round, 0, len(rows))
	for _, r := range rows {
		var round contest.Round
		if err := json.Unmarshal(r.Payload, &round); err != nil {
			return Snapshot{}, fmt.Errorf("contest %s: decode round %d: %w", id, r.Number, err)
		}
		rounds = append(rounds, round)
	}
	return Snapshot{Record: rec, Rounds: rounds}, nil
}

func (p *Postgres) MarkSettlementSubmitted(ctx context.Context, c Claim) (SettlementRecord, bool, error) {
	var (
		out      SettlementRecord
		acquired bool
	)
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Make sure a row exists so the lock below has something to hold.
		seed := settlementRow{
			ContestID:        c.ContestID,
			Winner:           c.Winner,
			ParticipantCount: c.ParticipantCount,
			Status:           string(contest.SettlementNone),
			UpdatedAt:        c.At,
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
			return err
		}
		var row settlementRow
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("contest_id = ?", c.ContestID).
			First(&row).Error; err != nil {
			return err
		}
		cur := fromSettlementRow(row)
		if !claimable(cur, c) {
			out = cur
			return nil
		}
		out = applyClaim(cur, c)
		acquired = true
		return tx.Save(toSettlementRow(out)).Error
	})
	if err != nil {
		return SettlementRecord{}, false, err
	}
	return out, acquired, nil
}

func (p *Postgres) RecordSettlement(ctx context.Context, rec SettlementRecord) error {
	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row settlementRow
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("contest_id = ?", rec.ContestID).
			First(&row).Error
		switch {
		case err == nil:
			if row.Status == string(contest.SettlementConfirmed) {
				return nil
			}
			rec.Submissions = row.Submissions
		case errors.Is(err, gorm.ErrRecordNotFound):
		default:
			return err
		}
		return tx.Save(toSettlementRow(rec)).Error
	})
}

func (p *Postgres) ListSettlements(ctx context.Context, statuses ...contest.SettlementStatus) ([]SettlementRecord, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}
	var rows []settlementRow
	if err := p.db.WithContext(ctx).Where("status IN ?", names).Order("contest_id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]SettlementRecord, len(rows))
	for i, r := range rows {
		out[i] = fromSettlementRow(r)
	}
	return out, nil
}

func (p *Postgres) ListUnsettled(ctx context.Context) ([]contest.Record, error) {
	db := p.db.WithContext(ctx)
	var rows []contestRow
	if err := db.Where("phase = ?", string(contest.PhaseCompleted)).Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
	}
	var sts []settlementRow
	if err := db.Where("contest_id IN ?", ids).Find(&sts).Error; err != nil {
		return nil, err
	}
	byID := make(map[string]SettlementRecord, len(sts))
	for _, s := range sts {
		byID[s.ContestID] = fromSettlementRow(s)
	}

	var out []contest.Record
	for _, r := range rows {
		rec, err := fromContestRow(r)
		if err != nil {
			return nil, err
		}
		var sp *SettlementRecord
		if s, ok := byID[rec.ID]; ok {
			sp = &s
			mergeSettlement(&rec, s)
		}
		if unsettled(rec, sp) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func toContestRow(rec contest.Record) (contestRow, error) {
	variant, err := json.Marshal(rec.Variant)
	if err != nil {
		return contestRow{}, err
	}
	participants, err := json.Marshal(rec.Participants)
	if err != nil {
		return contestRow{}, err
	}
	return contestRow{
		ID:               rec.ID,
		Variant:          datatypes.JSON(variant),
		Phase:            string(rec.Phase),
		Creator:          rec.Creator,
		Participants:     datatypes.JSON(participants),
		Round:            rec.Round,
		Winner:           rec.Winner,
		Settlement:       string(rec.Settlement),
		TxRef:            rec.TxRef,
		SettlementReason: rec.SettlementReason,
		CancelReason:     rec.CancelReason,
		CreatedAt:        rec.CreatedAt,
		UpdatedAt:        rec.UpdatedAt,
	}, nil
}

func fromContestRow(row contestRow) (contest.Record, error) {
	rec := contest.Record{
		ID:               row.ID,
		Phase:            contest.Phase(row.Phase),
		Creator:          row.Creator,
		Round:            row.Round,
		Winner:           row.Winner,
		Settlement:       contest.SettlementStatus(row.Settlement),
		TxRef:            row.TxRef,
		SettlementReason: row.SettlementReason,
		CancelReason:     row.CancelReason,
		CreatedAt:        row.CreatedAt,
		UpdatedAt:        row.UpdatedAt,
	}
	if err := json.Unmarshal(row.Variant, &rec.Variant); err != nil {
		return contest.Record{}, fmt.Errorf("contest %s: decode variant: %w", row.ID, err)
	}
	if err := json.Unmarshal(row.Participants, &rec.Participants); err != nil {
		return contest.Record{}, fmt.Errorf("contest %s: decode participants: %w", row.ID, err)
	}
	return rec, nil
}

func toSettlementRow(s SettlementRecord) *settlementRow {
	return &settlementRow{
		ContestID:        s.ContestID,
		Winner:           s.Winner,
		ParticipantCount: s.ParticipantCount,
		Status:           string(s.Status),
		TxRef:            s.TxRef,
		Reason:           s.Reason,
		Attempts:         s.Attempts,
		Submissions:      s.Submissions,
		UpdatedAt:        s.UpdatedAt,
	}
}

func fromSettlementRow(r settlementRow) SettlementRecord {
	return SettlementRecord{
		ContestID:        r.ContestID,
		Winner:           r.Winner,
		ParticipantCount: r.ParticipantCount,
		Status:           contest.SettlementStatus(r.Status),
		TxRef:            r.TxRef,
		Reason:           r.Reason,
		Attempts:         r.Attempts,
		Submissions:      r.Submissions,
		UpdatedAt:        r.UpdatedAt,
	}
}
