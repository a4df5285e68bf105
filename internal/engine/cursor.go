package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CursorRow persists the per-table pull watermark. A row advances only after
// a fully successful pull phase and never moves backward.
type CursorRow struct {
	UserID            string `gorm:"column:user_id;primaryKey;size:190;not null"`
	EntityTable       string `gorm:"column:entity_table;primaryKey;size:190;not null"`
	LastPullAtSeconds int64  `gorm:"column:last_pull_at_s;not null;default:0"`
	UpdatedAt         time.Time
}

// TableName provides the explicit table binding for GORM.
func (CursorRow) TableName() string {
	return "sync_cursors"
}

// cursorStore reads and advances pull watermarks.
type cursorStore struct {
	db *gorm.DB
}

func (c *cursorStore) load(ctx context.Context, userID, table string) (int64, error) {
	var row CursorRow
	err := c.db.WithContext(ctx).
		Where("user_id = ? AND entity_table = ?", userID, table).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("cursor load failed: %w", err)
	}
	return row.LastPullAtSeconds, nil
}

// advance writes the new watermark, keeping the stored value monotonically
// non-decreasing.
func (c *cursorStore) advance(ctx context.Context, userID, table string, pullAtSeconds int64) error {
	current, err := c.load(ctx, userID, table)
	if err != nil {
		return err
	}
	if pullAtSeconds <= current {
		return nil
	}
	row := CursorRow{UserID: userID, EntityTable: table, LastPullAtSeconds: pullAtSeconds}
	if err := c.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&row).Error; err != nil {
		return fmt.Errorf("cursor advance failed: %w", err)
	}
	return nil
}
