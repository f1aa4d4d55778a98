package repository

import (
	"context"
	"time"

	"github.com/GoPolymarket/polyloop/internal/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type auditRow struct {
	ID       string `gorm:"primaryKey"`
	IntentID string `gorm:"index;not null"`
	SignalID string `gorm:"index"`
	MarketID string
	From     string `gorm:"column:from_state"`
	To       string `gorm:"column:to_state"`
	Reason   string
	Notional string
	At       time.Time `gorm:"index"`
}

func (auditRow) TableName() string { return "intent_audit" }

type PostgresAuditRepo struct {
	db *gorm.DB
}

func NewPostgresAuditRepo(db *gorm.DB) *PostgresAuditRepo {
	return &PostgresAuditRepo{db: db}
}

func (r *PostgresAuditRepo) Insert(ctx context.Context, rec *model.AuditRecord) error {
	if rec == nil {
		return nil
	}
	row := auditRow{
		ID:       rec.ID,
		IntentID: rec.IntentID,
		SignalID: rec.SignalID,
		MarketID: rec.MarketID,
		From:     string(rec.From),
		To:       string(rec.To),
		Reason:   rec.Reason,
		Notional: rec.Notional,
		At:       rec.At,
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
}

func (r *PostgresAuditRepo) ListByIntent(ctx context.Context, intentID string, limit int) ([]*model.AuditRecord, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var rows []auditRow
	q := r.db.WithContext(ctx).Order("at ASC").Limit(limit)
	if intentID != "" {
		q = q.Where("intent_id = ?", intentID)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*model.AuditRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, &model.AuditRecord{
			ID:       row.ID,
			IntentID: row.IntentID,
			SignalID: row.SignalID,
			MarketID: row.MarketID,
			From:     model.IntentState(row.From),
			To:       model.IntentState(row.To),
			Reason:   row.Reason,
			Notional: row.Notional,
			At:       row.At,
		})
	}
	return out, nil
}
