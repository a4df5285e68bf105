// Package store implements the durable keyed record store backing the
// tracker's local-first reads and writes. Producers write here first; the
// sync engine reconciles rows against the remote store asynchronously.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

const (
	opStoreNew       = "store.new"
	opSaveLocal      = "store.save_local"
	opApplyRemote    = "store.apply_remote"
	opGetRecord      = "store.get_record"
	opListByTable    = "store.list_by_table"
	opListForDay     = "store.list_for_day"
	opMarkSyncStatus = "store.mark_sync_status"
)

// StoreError carries a dotted operation code alongside the underlying cause.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

// Code returns the dotted operation code.
func (e *StoreError) Code() string {
	return e.code
}

func newStoreError(operation, reason string, cause error) error {
	return &StoreError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// Config configures the local store.
type Config struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store persists tracker records locally and owns their sync status column.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// New validates the configuration and returns a Store.
func New(cfg Config) (*Store, error) {
	if cfg.Database == nil {
		return nil, newStoreError(opStoreNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{db: cfg.Database, clock: clock, logger: logger}, nil
}

// SaveLocal upserts a producer write. The record is stamped pending so the
// orchestrator knows it still awaits remote acknowledgment; timestamps are
// filled in when the producer left them zero.
func (s *Store) SaveLocal(ctx context.Context, record Record) (Record, error) {
	table, err := ValidateIdentifier(record.EntityTable, ErrInvalidTable)
	if err != nil {
		return Record{}, newStoreError(opSaveLocal, "invalid_table", err)
	}
	recordID, err := ValidateIdentifier(record.RecordID, ErrInvalidRecordID)
	if err != nil {
		return Record{}, newStoreError(opSaveLocal, "invalid_record_id", err)
	}
	userID, err := ValidateIdentifier(record.UserID, ErrInvalidUserID)
	if err != nil {
		return Record{}, newStoreError(opSaveLocal, "invalid_user_id", err)
	}

	now := s.clock().UTC().Unix()
	record.EntityTable = table
	record.RecordID = recordID
	record.UserID = userID
	record.SyncStatus = SyncStatusPending
	if record.CreatedAtSeconds == 0 {
		record.CreatedAtSeconds = now
	}
	if record.UpdatedAtSeconds == 0 {
		record.UpdatedAtSeconds = now
	}

	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&record).Error; err != nil {
		s.logError(opSaveLocal, "upsert_failed", err,
			zap.String("entity_table", table),
			zap.String("record_id", recordID))
		return Record{}, newStoreError(opSaveLocal, "upsert_failed", err)
	}
	return record, nil
}

// ApplyRemote writes a record pulled from the remote store. Remote-originated
// rows bypass the change queue and land already synced.
func (s *Store) ApplyRemote(ctx context.Context, record Record) error {
	if record.EntityTable == "" || record.RecordID == "" {
		return newStoreError(opApplyRemote, "invalid_key", ErrInvalidRecordID)
	}
	record.SyncStatus = SyncStatusSynced
	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&record).Error; err != nil {
		s.logError(opApplyRemote, "upsert_failed", err,
			zap.String("entity_table", record.EntityTable),
			zap.String("record_id", record.RecordID))
		return newStoreError(opApplyRemote, "upsert_failed", err)
	}
	return nil
}

// Get returns a single record by (table, id).
func (s *Store) Get(ctx context.Context, table, recordID string) (Record, error) {
	var record Record
	err := s.db.WithContext(ctx).
		Where("entity_table = ? AND record_id = ?", table, recordID).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, newStoreError(opGetRecord, "not_found", ErrRecordNotFound)
	}
	if err != nil {
		s.logError(opGetRecord, "query_failed", err,
			zap.String("entity_table", table),
			zap.String("record_id", recordID))
		return Record{}, newStoreError(opGetRecord, "query_failed", err)
	}
	return record, nil
}

// ListByTable returns all records for a user within one entity table, most
// recently updated first.
func (s *Store) ListByTable(ctx context.Context, userID, table string) ([]Record, error) {
	var records []Record
	if err := s.db.WithContext(ctx).
		Where("user_id = ? AND entity_table = ?", userID, table).
		Order("updated_at_s DESC").
		Find(&records).Error; err != nil {
		s.logError(opListByTable, "query_failed", err,
			zap.String("user_id", userID),
			zap.String("entity_table", table))
		return nil, newStoreError(opListByTable, "query_failed", err)
	}
	return records, nil
}

// ListForDay returns a user's non-deleted records of one table whose
// updatedAt falls inside the civil day starting at dayStart. Callers feed the
// result to the duplicate-resolution rule to pick the visible record per
// hourly slot.
func (s *Store) ListForDay(ctx context.Context, userID, table string, dayStart time.Time) ([]Record, error) {
	start := dayStart.UTC().Truncate(24 * time.Hour)
	end := start.Add(24 * time.Hour)
	var records []Record
	if err := s.db.WithContext(ctx).
		Where("user_id = ? AND entity_table = ? AND is_deleted = ? AND updated_at_s >= ? AND updated_at_s < ?",
			userID, table, false, start.Unix(), end.Unix()).
		Order("updated_at_s DESC").
		Find(&records).Error; err != nil {
		s.logError(opListForDay, "query_failed", err,
			zap.String("user_id", userID),
			zap.String("entity_table", table))
		return nil, newStoreError(opListForDay, "query_failed", err)
	}
	return records, nil
}

// MarkSyncStatus updates the sync status column for one record.
func (s *Store) MarkSyncStatus(ctx context.Context, table, recordID string, status SyncStatus) error {
	result := s.db.WithContext(ctx).
		Model(&Record{}).
		Where("entity_table = ? AND record_id = ?", table, recordID).
		Update("sync_status", status)
	if result.Error != nil {
		s.logError(opMarkSyncStatus, "update_failed", result.Error,
			zap.String("entity_table", table),
			zap.String("record_id", recordID),
			zap.String("status", string(status)))
		return newStoreError(opMarkSyncStatus, "update_failed", result.Error)
	}
	return nil
}

// HasPendingWrite reports whether the local copy of (table, id) still awaits
// remote acknowledgment. Used by the pull merge so remote rows never clobber
// an unsynced local edit.
func (s *Store) HasPendingWrite(ctx context.Context, table, recordID string) (bool, error) {
	record, err := s.Get(ctx, table, recordID)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return false, nil
		}
		return false, err
	}
	return record.SyncStatus == SyncStatusPending, nil
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("local store error", attrs...)
}
