// Package engine hosts the sync orchestrator: the state machine that drains
// the pending-mutation queue, pushes batches to the remote store, pulls
// changes since the last cursor, merges them through the conflict rules and
// advances the watermark. One orchestrator instance exists per user session,
// constructed at the composition root and handed to producers explicitly.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/pulsekeeplab/pulsekeep/internal/auth"
	"github.com/pulsekeeplab/pulsekeep/internal/queue"
	"github.com/pulsekeeplab/pulsekeep/internal/reachability"
	"github.com/pulsekeeplab/pulsekeep/internal/remote"
	"github.com/pulsekeeplab/pulsekeep/internal/store"
	"github.com/pulsekeeplab/pulsekeep/internal/syncerrs"
)

// State enumerates the orchestrator's observable states.
type State string

const (
	// StateIdle means no cycle is in flight.
	StateIdle State = "idle"
	// StateSyncing means a cycle is running.
	StateSyncing State = "syncing"
	// StateSuccess is the transient state after a fully successful cycle.
	StateSuccess State = "success"
	// StateError is the transient state after a failed cycle.
	StateError State = "error"
	// StateOffline means reachability reports no connectivity.
	StateOffline State = "offline"
)

// Failure reasons surfaced through Status.LastError.
const (
	ReasonNoSession    = "no_session"
	ReasonUnauthorized = "unauthorized"
	ReasonPushFailed   = "push_failed"
	ReasonPullFailed   = "pull_failed"
)

// SyncRequest is the answer to a SyncNow call.
type SyncRequest string

const (
	// SyncAccepted means a cycle ran for this request.
	SyncAccepted SyncRequest = "accepted"
	// SyncPending means a cycle was already in flight; one follow-up cycle
	// will run when it finishes.
	SyncPending SyncRequest = "pending"
)

// Status is the producer-visible view of the orchestrator.
type Status struct {
	State               State  `json:"state"`
	LastError           string `json:"last_error,omitempty"`
	PendingCount        int    `json:"pending_count"`
	LastSyncedAtSeconds int64  `json:"last_synced_at_s,omitempty"`
}

// FailureRecorder receives cycle outcomes so the scheduler can stretch or
// reset its interval.
type FailureRecorder interface {
	RecordSuccess()
	RecordFailure()
}

const (
	opEngineNew = "engine.new"
	opSyncCycle = "engine.sync_cycle"
	opEnqueue   = "engine.enqueue"

	defaultBatchSize = 50
)

var (
	errMissingStore    = errors.New("local store is required")
	errMissingQueue    = errors.New("change queue is required")
	errMissingRemote   = errors.New("remote client is required")
	errMissingTokens   = errors.New("token source is required")
	errMissingDatabase = errors.New("database handle is required")
	errMissingUserID   = errors.New("user identifier is required")
	noOpLogger         = zap.NewNop()
)

// EngineError carries a dotted operation code alongside the cause.
type EngineError struct {
	code string
	err  error
}

func (e *EngineError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *EngineError) Unwrap() error {
	return e.err
}

func newEngineError(operation, reason string, cause error) error {
	return &EngineError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// Config wires the orchestrator's collaborators.
type Config struct {
	Store    *store.Store
	Queue    *queue.Queue
	Remote   remote.Client
	Tokens   auth.TokenSource
	Database *gorm.DB

	// Reachability suppresses cycles while offline and flips the state
	// machine on transitions. Optional; absent means always online.
	Reachability reachability.Monitor
	// Backoff receives cycle outcomes. Optional.
	Backoff FailureRecorder
	// ResyncTrigger requests a debounced resync after reconnect, typically
	// the scheduler's TriggerEvent. Optional.
	ResyncTrigger func() bool

	UserID    string
	Tables    []string
	BatchSize int
	Clock     func() time.Time
	Logger    *zap.Logger
}

// Orchestrator coordinates the push/pull cycle. At most one cycle runs at a
// time; requests arriving mid-cycle coalesce into a single follow-up cycle.
type Orchestrator struct {
	store        *store.Store
	queue        *queue.Queue
	remote       remote.Client
	tokens       auth.TokenSource
	cursors      *cursorStore
	reachability reachability.Monitor
	backoff      FailureRecorder
	resync       func() bool
	userID       string
	tables       []string
	batchSize    int
	clock        func() time.Time
	logger       *zap.Logger

	mu              sync.Mutex
	state           State
	lastError       string
	lastSyncedAt    int64
	syncing         bool
	resyncRequested bool
}

// New validates the configuration, subscribes to reachability transitions
// and returns an idle orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Store == nil {
		return nil, newEngineError(opEngineNew, "missing_store", errMissingStore)
	}
	if cfg.Queue == nil {
		return nil, newEngineError(opEngineNew, "missing_queue", errMissingQueue)
	}
	if cfg.Remote == nil {
		return nil, newEngineError(opEngineNew, "missing_remote", errMissingRemote)
	}
	if cfg.Tokens == nil {
		return nil, newEngineError(opEngineNew, "missing_tokens", errMissingTokens)
	}
	if cfg.Database == nil {
		return nil, newEngineError(opEngineNew, "missing_database", errMissingDatabase)
	}
	if cfg.UserID == "" {
		return nil, newEngineError(opEngineNew, "missing_user_id", errMissingUserID)
	}

	tables := cfg.Tables
	if len(tables) == 0 {
		tables = []string{store.TableBodyMetrics, store.TableDailyMetrics, store.TableProfile, store.TableDeviceResults}
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	orchestrator := &Orchestrator{
		store:        cfg.Store,
		queue:        cfg.Queue,
		remote:       cfg.Remote,
		tokens:       cfg.Tokens,
		cursors:      &cursorStore{db: cfg.Database},
		reachability: cfg.Reachability,
		backoff:      cfg.Backoff,
		resync:       cfg.ResyncTrigger,
		userID:       cfg.UserID,
		tables:       tables,
		batchSize:    batchSize,
		clock:        clock,
		logger:       logger,
		state:        StateIdle,
	}
	if cfg.Reachability != nil {
		cfg.Reachability.Subscribe(orchestrator.onReachabilityChange)
		if cfg.Reachability.Status() == reachability.StatusOffline {
			orchestrator.state = StateOffline
		}
	}
	return orchestrator, nil
}

// CurrentState returns the producer-visible status snapshot.
func (o *Orchestrator) CurrentState() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Status{
		State:               o.state,
		LastError:           o.lastError,
		PendingCount:        o.queue.Len(),
		LastSyncedAtSeconds: o.lastSyncedAt,
	}
}

// PendingCount returns the number of queued mutations.
func (o *Orchestrator) PendingCount() int {
	return o.queue.Len()
}

// Enqueue records a producer write: the record lands in the local store
// marked pending and one mutation joins the queue, coalescing with any
// queued mutation for the same record. Never blocks on the network.
func (o *Orchestrator) Enqueue(ctx context.Context, record store.Record, operation queue.Operation) (store.Record, error) {
	saved, err := o.store.SaveLocal(ctx, record)
	if err != nil {
		return store.Record{}, err
	}
	snapshot, err := json.Marshal(saved)
	if err != nil {
		return store.Record{}, syncerrs.Serialization(opEnqueue, "snapshot_failed", err)
	}
	if _, err := o.queue.Enqueue(queue.Mutation{
		EntityTable: saved.EntityTable,
		RecordID:    saved.RecordID,
		UserID:      saved.UserID,
		Operation:   operation,
		PayloadJSON: string(snapshot),
	}); err != nil {
		return store.Record{}, newEngineError(opEnqueue, "enqueue_failed", err)
	}
	return saved, nil
}

// Delete marks the local record deleted and queues its remote removal.
func (o *Orchestrator) Delete(ctx context.Context, table, recordID string) error {
	record, err := o.store.Get(ctx, table, recordID)
	if err != nil {
		return err
	}
	record.IsDeleted = true
	record.UpdatedAtSeconds = o.clock().UTC().Unix()
	_, err = o.Enqueue(ctx, record, queue.OperationDelete)
	return err
}

// SyncNow requests a cycle. If one is already running the request coalesces
// into a single follow-up cycle and SyncPending is returned; otherwise the
// cycle runs before SyncNow returns.
func (o *Orchestrator) SyncNow(ctx context.Context) SyncRequest {
	o.mu.Lock()
	if o.syncing {
		o.resyncRequested = true
		o.mu.Unlock()
		return SyncPending
	}
	o.mu.Unlock()

	o.RunCycle(ctx)
	return SyncAccepted
}

// RunCycle executes sync cycles until no follow-up request remains. The
// scheduler calls this on every tick; at most one invocation makes progress
// at a time.
func (o *Orchestrator) RunCycle(ctx context.Context) {
	o.mu.Lock()
	if o.syncing {
		o.resyncRequested = true
		o.mu.Unlock()
		return
	}
	o.syncing = true
	o.mu.Unlock()

	for {
		o.runOnce(ctx)

		o.mu.Lock()
		if o.resyncRequested {
			o.resyncRequested = false
			o.mu.Unlock()
			continue
		}
		o.syncing = false
		o.mu.Unlock()
		return
	}
}

// runOnce performs one drain → push → pull → cursor cycle.
func (o *Orchestrator) runOnce(ctx context.Context) {
	if o.reachability != nil && o.reachability.Status() == reachability.StatusOffline {
		o.setState(StateOffline, "")
		return
	}
	o.setState(StateSyncing, "")

	drained := o.queue.DrainAll()

	token, err := o.tokens.BearerToken(ctx)
	if err != nil {
		o.queue.Requeue(drained)
		o.finishFailure(ReasonNoSession, err)
		return
	}

	pushOutcome := o.pushPhase(ctx, &token, drained)
	if pushOutcome.hardFailed {
		o.queue.Requeue(pushOutcome.unapplied)
		o.finishFailure(pushOutcome.reason, pushOutcome.err)
		return
	}
	o.queue.Requeue(pushOutcome.retryable)

	advanceCursor := !pushOutcome.hadFailures
	if err := o.pullPhase(ctx, token, advanceCursor); err != nil {
		o.finishFailure(ReasonPullFailed, err)
		return
	}
	if pushOutcome.hadFailures {
		o.finishFailure(ReasonPushFailed, pushOutcome.firstErr)
		return
	}
	o.finishSuccess()
}

func (o *Orchestrator) finishSuccess() {
	if o.backoff != nil {
		o.backoff.RecordSuccess()
	}
	o.mu.Lock()
	o.lastSyncedAt = o.clock().UTC().Unix()
	o.mu.Unlock()
	o.logger.Info("sync cycle complete", zap.String("operation", opSyncCycle))
	o.setState(StateSuccess, "")
	o.setState(StateIdle, "")
}

func (o *Orchestrator) finishFailure(reason string, err error) {
	if o.backoff != nil {
		o.backoff.RecordFailure()
	}
	o.logger.Warn("sync cycle failed",
		zap.String("operation", opSyncCycle),
		zap.String("reason", reason),
		zap.Error(err))
	o.setState(StateError, reason)
	o.setState(StateIdle, reason)
}

// setState transitions the state machine, retaining the last failure reason
// for the status surface.
func (o *Orchestrator) setState(state State, errorReason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state == StateOffline && state == StateSyncing {
		// A reachability loss observed between the guard and this transition
		// keeps the machine offline; the cycle body still runs its network
		// calls, which will fail transiently and requeue.
		return
	}
	o.state = state
	o.lastError = errorReason
}

func (o *Orchestrator) onReachabilityChange(status reachability.Status) {
	if status == reachability.StatusOffline {
		o.mu.Lock()
		o.state = StateOffline
		o.mu.Unlock()
		return
	}

	o.mu.Lock()
	if o.state == StateOffline {
		o.state = StateIdle
	}
	o.mu.Unlock()
	if o.resync != nil {
		o.resync()
	}
}
