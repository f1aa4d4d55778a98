package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/GoPolymarket/polyloop/internal/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const checkpointID = "portfolio"

type checkpointRow struct {
	ID        string `gorm:"primaryKey"`
	Version   int64  `gorm:"not null"`
	State     []byte `gorm:"type:jsonb;not null"`
	UpdatedAt time.Time
}

func (checkpointRow) TableName() string { return "portfolio_checkpoints" }

type PostgresCheckpointRepo struct {
	db *gorm.DB
}

func NewPostgresCheckpointRepo(db *gorm.DB) *PostgresCheckpointRepo {
	return &PostgresCheckpointRepo{db: db}
}

func (r *PostgresCheckpointRepo) Load(ctx context.Context) (*model.PortfolioState, error) {
	var row checkpointRow
	err := r.db.WithContext(ctx).First(&row, "id = ?", checkpointID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var st model.PortfolioState
	if err := json.Unmarshal(row.State, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Save upserts the snapshot unless a newer version is already stored.
func (r *PostgresCheckpointRepo) Save(ctx context.Context, st *model.PortfolioState) error {
	payload, err := json.Marshal(st)
	if err != nil {
		return err
	}
	row := checkpointRow{ID: checkpointID, Version: st.Version, State: payload, UpdatedAt: st.UpdatedAt}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"version", "state", "updated_at"}),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Expr{SQL: "portfolio_checkpoints.version < excluded.version"},
		}},
	}).Create(&row).Error
}
