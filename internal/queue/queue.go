// Package queue implements the durable pending-mutation queue. Producers
// enqueue one mutation per dirty record; the orchestrator drains the queue at
// the start of each sync cycle and requeues what the remote store did not
// acknowledge.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Operation enumerates the remote applications a mutation can request.
type Operation string

const (
	// OperationInsert creates the record remotely.
	OperationInsert Operation = "insert"
	// OperationUpdate replaces the remote record.
	OperationUpdate Operation = "update"
	// OperationDelete removes the remote record.
	OperationDelete Operation = "delete"
)

// MaxRetries caps per-mutation push attempts before the mutation is removed
// and its record surfaced as a permanent error.
const MaxRetries = 3

var (
	// ErrInvalidMutation indicates a mutation missing its table or record id.
	ErrInvalidMutation = errors.New("queue: mutation requires entity table and record id")
	noOpLogger         = zap.NewNop()
)

// Mutation is one pending local write awaiting remote application.
type Mutation struct {
	MutationID        string    `json:"mutation_id"`
	EntityTable       string    `json:"entity_table"`
	RecordID          string    `json:"record_id"`
	UserID            string    `json:"user_id"`
	Operation         Operation `json:"operation"`
	PayloadJSON       string    `json:"payload"`
	EnqueuedAtSeconds int64     `json:"enqueued_at_s"`
	RetryCount        int       `json:"retry_count"`
}

// MutationRow is the persisted form of a queued mutation. Position preserves
// queue order across restarts.
type MutationRow struct {
	MutationID        string `gorm:"column:mutation_id;primaryKey;size:190;not null"`
	Position          int64  `gorm:"column:position;not null;index"`
	EntityTable       string `gorm:"column:entity_table;size:190;not null"`
	RecordID          string `gorm:"column:record_id;size:190;not null"`
	UserID            string `gorm:"column:user_id;size:190;not null"`
	Operation         string `gorm:"column:op;size:16;not null"`
	PayloadJSON       string `gorm:"column:payload_json;type:text;not null"`
	EnqueuedAtSeconds int64  `gorm:"column:enqueued_at_s;not null"`
	RetryCount        int    `gorm:"column:retry_count;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (MutationRow) TableName() string {
	return "pending_mutations"
}

// Config configures a change queue.
type Config struct {
	// Database persists the queue across restarts. Nil keeps the queue in
	// memory only.
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Queue is the mutex-guarded pending-mutation queue. Enqueue may be called
// concurrently from any producer; DrainAll and Requeue are called by the
// single orchestrator.
type Queue struct {
	mu     sync.Mutex
	items  []Mutation
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// New returns an empty queue. Call Load to restore persisted mutations.
func New(cfg Config) *Queue {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Queue{db: cfg.Database, clock: clock, logger: logger}
}

// Enqueue appends a mutation, coalescing with any queued mutation for the
// same (table, id): the existing entry keeps its place and retry count but
// takes the new payload and operation, so queue length stays bounded by
// distinct dirty records rather than edit count.
func (q *Queue) Enqueue(mutation Mutation) (Mutation, error) {
	if mutation.EntityTable == "" || mutation.RecordID == "" {
		return Mutation{}, ErrInvalidMutation
	}
	if mutation.Operation == "" {
		mutation.Operation = OperationUpdate
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	for i := range q.items {
		if q.items[i].EntityTable == mutation.EntityTable && q.items[i].RecordID == mutation.RecordID {
			q.items[i].Operation = mutation.Operation
			q.items[i].PayloadJSON = mutation.PayloadJSON
			q.items[i].UserID = mutation.UserID
			coalesced := q.items[i]
			q.persistLocked()
			return coalesced, nil
		}
	}

	if mutation.MutationID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return Mutation{}, fmt.Errorf("queue: id generation failed: %w", err)
		}
		mutation.MutationID = id.String()
	}
	if mutation.EnqueuedAtSeconds == 0 {
		mutation.EnqueuedAtSeconds = q.clock().UTC().Unix()
	}
	q.items = append(q.items, mutation)
	q.persistLocked()
	return mutation, nil
}

// DrainAll atomically removes and returns every queued mutation in order.
// Concurrent Enqueue calls either land before the drain (and are returned)
// or after it (and wait for the next cycle); no mutation is lost or split.
func (q *Queue) DrainAll() []Mutation {
	q.mu.Lock()
	defer q.mu.Unlock()

	drained := q.items
	q.items = nil
	q.persistLocked()
	return drained
}

// Requeue prepends failed mutations ahead of anything enqueued since the
// drain, preserving their original relative order.
func (q *Queue) Requeue(failed []Mutation) {
	if len(failed) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	merged := make([]Mutation, 0, len(failed)+len(q.items))
	merged = append(merged, failed...)
	merged = append(merged, q.items...)
	q.items = merged
	q.persistLocked()
}

// Len returns the number of queued mutations.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Load restores the queue from its persisted rows, replacing any in-memory
// contents. Called once at startup before producers start enqueuing.
func (q *Queue) Load(ctx context.Context) error {
	if q.db == nil {
		return nil
	}
	var rows []MutationRow
	if err := q.db.WithContext(ctx).Order("position ASC").Find(&rows).Error; err != nil {
		return fmt.Errorf("queue: load failed: %w", err)
	}

	items := make([]Mutation, 0, len(rows))
	for _, row := range rows {
		items = append(items, Mutation{
			MutationID:        row.MutationID,
			EntityTable:       row.EntityTable,
			RecordID:          row.RecordID,
			UserID:            row.UserID,
			Operation:         Operation(row.Operation),
			PayloadJSON:       row.PayloadJSON,
			EnqueuedAtSeconds: row.EnqueuedAtSeconds,
			RetryCount:        row.RetryCount,
		})
	}

	q.mu.Lock()
	q.items = items
	q.mu.Unlock()
	return nil
}

// Persist flushes the current queue contents to storage. Mutating operations
// persist implicitly; this exists for explicit flushes before suspension.
func (q *Queue) Persist() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.persistLocked()
}

// persistLocked rewrites the persisted rows from the in-memory order. Caller
// holds q.mu.
func (q *Queue) persistLocked() {
	if q.db == nil {
		return
	}
	items := q.items
	err := q.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&MutationRow{}).Error; err != nil {
			return err
		}
		for position, item := range items {
			row := MutationRow{
				MutationID:        item.MutationID,
				Position:          int64(position),
				EntityTable:       item.EntityTable,
				RecordID:          item.RecordID,
				UserID:            item.UserID,
				Operation:         string(item.Operation),
				PayloadJSON:       item.PayloadJSON,
				EnqueuedAtSeconds: item.EnqueuedAtSeconds,
				RetryCount:        item.RetryCount,
			}
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		q.logger.Error("change queue persist failed",
			zap.String("operation", "queue.persist"),
			zap.Int("queued", len(items)),
			zap.Error(err))
	}
}
