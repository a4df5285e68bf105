package store

import (
	"errors"
	"fmt"
	"strings"
)

// SyncStatus tracks whether a local record has been applied remotely.
type SyncStatus string

const (
	// SyncStatusPending marks a record with an unacknowledged local write.
	SyncStatusPending SyncStatus = "pending"
	// SyncStatusSynced marks a record confirmed by the remote store.
	SyncStatusSynced SyncStatus = "synced"
	// SyncStatusError marks a record whose push exceeded the retry cap.
	SyncStatusError SyncStatus = "error"
)

// Entity tables known to the engine. The store itself is table-agnostic;
// these constants exist so producers and the orchestrator agree on names.
const (
	TableBodyMetrics   = "body_metrics"
	TableDailyMetrics  = "daily_metrics"
	TableProfile       = "profile"
	TableDeviceResults = "device_results"
)

// Source tags carried by records, ranked by resolver.SourcePriority.
const (
	SourceManual  = "manual"
	SourcePartner = "partner"
	SourceSensor  = "sensor"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidRecordID indicates an empty or oversized record identifier.
	ErrInvalidRecordID = errors.New("store: invalid record id")
	// ErrInvalidTable indicates an empty or oversized entity table name.
	ErrInvalidTable = errors.New("store: invalid entity table")
	// ErrInvalidUserID indicates an empty or oversized user identifier.
	ErrInvalidUserID = errors.New("store: invalid user id")
	// ErrRecordNotFound indicates the requested record does not exist locally.
	ErrRecordNotFound = errors.New("store: record not found")
)

// ValidateIdentifier rejects empty identifiers and ones exceeding storage bounds.
func ValidateIdentifier(raw string, sentinel error) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", sentinel)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", sentinel, maxIdentifierLength)
	}
	return trimmed, nil
}

// Record is the generic keyed row persisted for every entity kind the tracker
// keeps locally (body metrics, daily metrics, profile, device imports).
// Payload fields specific to each kind live in PayloadJSON; the engine only
// reads the sync metadata columns.
type Record struct {
	EntityTable      string     `gorm:"column:entity_table;primaryKey;size:190;not null" json:"entity_table"`
	RecordID         string     `gorm:"column:record_id;primaryKey;size:190;not null" json:"id"`
	UserID           string     `gorm:"column:user_id;size:190;not null;index:idx_records_user_updated,priority:1" json:"user_id"`
	CreatedAtSeconds int64      `gorm:"column:created_at_s;not null" json:"created_at_s"`
	UpdatedAtSeconds int64      `gorm:"column:updated_at_s;not null;index:idx_records_user_updated,priority:2" json:"updated_at_s"`
	SyncStatus       SyncStatus `gorm:"column:sync_status;size:16;not null;default:'pending'" json:"-"`
	SourceTag        string     `gorm:"column:source_tag;size:64;not null;default:''" json:"source_tag"`
	PayloadJSON      string     `gorm:"column:payload_json;type:text;not null" json:"payload"`
	IsDeleted        bool       `gorm:"column:is_deleted;not null;default:false" json:"is_deleted"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "local_records"
}

// Key identifies a record within its entity table.
type Key struct {
	EntityTable string
	RecordID    string
}

// Key returns the record's (table, id) identity.
func (r Record) Key() Key {
	return Key{EntityTable: r.EntityTable, RecordID: r.RecordID}
}
