package engine

import (
	"context"
	"encoding/json"
	"sort"

	"go.uber.org/zap"

	"github.com/pulsekeeplab/pulsekeep/internal/queue"
	"github.com/pulsekeeplab/pulsekeep/internal/store"
	"github.com/pulsekeeplab/pulsekeep/internal/syncerrs"
)

const opPushPhase = "engine.push_phase"

type pushUnitKind int

const (
	unitUpsert pushUnitKind = iota
	unitPatch
	unitDelete
)

// pushUnit is one remote request worth of work: a bounded upsert batch, a
// single profile patch, or a single delete.
type pushUnit struct {
	kind      pushUnitKind
	table     string
	mutations []queue.Mutation
	records   []store.Record
}

// pushResult summarizes the push phase for the cycle driver.
type pushResult struct {
	// hardFailed aborts the cycle: authorization could not be restored.
	hardFailed bool
	reason     string
	err        error

	// hadFailures marks soft per-record failures; the cycle continues but
	// the cursor must not advance.
	hadFailures bool
	firstErr    error

	// unapplied holds every mutation not yet acknowledged when a hard
	// failure aborted the phase, including earlier soft failures, so nothing
	// drained is lost.
	unapplied []queue.Mutation
	// retryable holds mutations whose push failed softly and whose retry
	// count remains under the cap.
	retryable []queue.Mutation
}

// pushPhase partitions drained mutations by entity table, batches them under
// the configured cap and applies them through the remote client. The token
// pointer is updated in place when an unauthorized response forces a refresh,
// so the pull phase reuses the fresh credential.
func (o *Orchestrator) pushPhase(ctx context.Context, token *string, drained []queue.Mutation) pushResult {
	units := o.buildPushUnits(drained)
	result := pushResult{}

	drainOrder := make(map[string]int, len(drained))
	for position, mutation := range drained {
		drainOrder[mutation.MutationID] = position
	}
	// Units are table-partitioned; requeued mutations go back in the order
	// they were drained.
	restoreDrainOrder := func(mutations []queue.Mutation) {
		sort.SliceStable(mutations, func(i, j int) bool {
			return drainOrder[mutations[i].MutationID] < drainOrder[mutations[j].MutationID]
		})
	}
	// An aborted phase returns earlier soft failures together with the
	// unattempted remainder; the hard failure itself consumes no retry
	// budget.
	abortUnauthorized := func(index int, cause error) pushResult {
		result.hardFailed = true
		result.reason = ReasonUnauthorized
		result.err = cause
		result.unapplied = append(result.retryable, flattenUnits(units[index:])...)
		result.retryable = nil
		restoreDrainOrder(result.unapplied)
		return result
	}

	refreshed := false
	for index, unit := range units {
		err := o.applyUnit(ctx, *token, unit)

		if err != nil && syncerrs.IsKind(err, syncerrs.KindAuth) && !refreshed {
			refreshed = true
			if refreshErr := o.tokens.ForceRefresh(ctx); refreshErr != nil {
				return abortUnauthorized(index, refreshErr)
			}
			freshToken, tokenErr := o.tokens.BearerToken(ctx)
			if tokenErr != nil {
				return abortUnauthorized(index, tokenErr)
			}
			*token = freshToken
			err = o.applyUnit(ctx, *token, unit)
		}

		if err != nil && syncerrs.IsKind(err, syncerrs.KindAuth) {
			return abortUnauthorized(index, err)
		}

		if err != nil && syncerrs.IsKind(err, syncerrs.KindSerialization) {
			// Retrying cannot fix a serialization failure; the unit is
			// dropped without consuming retry budget.
			result.hadFailures = true
			if result.firstErr == nil {
				result.firstErr = err
			}
			o.dropPermanently(ctx, unit, err)
			continue
		}

		if err != nil {
			result.hadFailures = true
			if result.firstErr == nil {
				result.firstErr = err
			}
			result.retryable = append(result.retryable, o.recordSoftFailures(ctx, unit, err)...)
			continue
		}

		for _, mutation := range unit.mutations {
			if markErr := o.store.MarkSyncStatus(ctx, mutation.EntityTable, mutation.RecordID, store.SyncStatusSynced); markErr != nil {
				o.logger.Warn("failed to mark record synced",
					zap.String("operation", opPushPhase),
					zap.String("entity_table", mutation.EntityTable),
					zap.String("record_id", mutation.RecordID),
					zap.Error(markErr))
			}
		}
	}
	restoreDrainOrder(result.retryable)
	return result
}

// dropPermanently discards a unit whose failure retrying cannot fix, marking
// each record as permanently errored.
func (o *Orchestrator) dropPermanently(ctx context.Context, unit pushUnit, cause error) {
	for _, mutation := range unit.mutations {
		o.logger.Error("dropping mutation after unrecoverable failure",
			zap.String("operation", opPushPhase),
			zap.String("reason", "serialization_failed"),
			zap.String("entity_table", mutation.EntityTable),
			zap.String("record_id", mutation.RecordID),
			zap.Error(cause))
		if markErr := o.store.MarkSyncStatus(ctx, mutation.EntityTable, mutation.RecordID, store.SyncStatusError); markErr != nil {
			o.logger.Warn("failed to mark record errored",
				zap.String("operation", opPushPhase),
				zap.String("entity_table", mutation.EntityTable),
				zap.String("record_id", mutation.RecordID),
				zap.Error(markErr))
		}
	}
}

// applyUnit issues the remote request for one unit.
func (o *Orchestrator) applyUnit(ctx context.Context, token string, unit pushUnit) error {
	switch unit.kind {
	case unitDelete:
		return o.remote.DeleteRecord(ctx, token, unit.table, unit.mutations[0].RecordID)
	case unitPatch:
		_, err := o.remote.PatchRecord(ctx, token, unit.table, unit.mutations[0].RecordID, unit.mutations[0].PayloadJSON)
		return err
	default:
		_, err := o.remote.BatchUpsert(ctx, token, unit.table, unit.records)
		return err
	}
}

// recordSoftFailures applies the retry policy to a failed unit: each mutation
// under the cap comes back for the next cycle with its counter bumped; the
// rest are dropped permanently with their records marked errored.
func (o *Orchestrator) recordSoftFailures(ctx context.Context, unit pushUnit, cause error) []queue.Mutation {
	retryable := make([]queue.Mutation, 0, len(unit.mutations))
	for _, mutation := range unit.mutations {
		mutation.RetryCount++
		if mutation.RetryCount < queue.MaxRetries {
			retryable = append(retryable, mutation)
			continue
		}
		o.logger.Error("mutation exceeded retry cap",
			zap.String("operation", opPushPhase),
			zap.String("reason", "retry_cap_exceeded"),
			zap.String("entity_table", mutation.EntityTable),
			zap.String("record_id", mutation.RecordID),
			zap.Int("retry_count", mutation.RetryCount),
			zap.Error(cause))
		if markErr := o.store.MarkSyncStatus(ctx, mutation.EntityTable, mutation.RecordID, store.SyncStatusError); markErr != nil {
			o.logger.Warn("failed to mark record errored",
				zap.String("operation", opPushPhase),
				zap.String("entity_table", mutation.EntityTable),
				zap.String("record_id", mutation.RecordID),
				zap.Error(markErr))
		}
	}
	return retryable
}

// buildPushUnits partitions mutations by entity table in first-appearance
// order, splitting each partition into upsert batches capped at the batch
// size, single-record profile patches and single-record deletes. Mutations
// whose snapshot cannot be decoded are dropped here with a permanent error.
func (o *Orchestrator) buildPushUnits(drained []queue.Mutation) []pushUnit {
	tableOrder := make([]string, 0, len(drained))
	byTable := make(map[string][]queue.Mutation)
	for _, mutation := range drained {
		if _, seen := byTable[mutation.EntityTable]; !seen {
			tableOrder = append(tableOrder, mutation.EntityTable)
		}
		byTable[mutation.EntityTable] = append(byTable[mutation.EntityTable], mutation)
	}

	var units []pushUnit
	for _, table := range tableOrder {
		var batch pushUnit
		flush := func() {
			if len(batch.mutations) > 0 {
				units = append(units, batch)
			}
			batch = pushUnit{kind: unitUpsert, table: table}
		}
		batch = pushUnit{kind: unitUpsert, table: table}

		for _, mutation := range byTable[table] {
			if mutation.Operation == queue.OperationDelete {
				flush()
				units = append(units, pushUnit{kind: unitDelete, table: table, mutations: []queue.Mutation{mutation}})
				continue
			}
			if table == store.TableProfile && mutation.Operation == queue.OperationUpdate {
				flush()
				units = append(units, pushUnit{kind: unitPatch, table: table, mutations: []queue.Mutation{mutation}})
				continue
			}

			var record store.Record
			if err := json.Unmarshal([]byte(mutation.PayloadJSON), &record); err != nil {
				o.dropMalformed(mutation, err)
				continue
			}
			batch.mutations = append(batch.mutations, mutation)
			batch.records = append(batch.records, record)
			if len(batch.mutations) >= o.batchSize {
				flush()
			}
		}
		flush()
	}
	return units
}

// dropMalformed logs and discards a mutation whose snapshot is unreadable.
// Retrying cannot fix a serialization failure, so the record is surfaced as
// a permanent error instead of blocking the batch.
func (o *Orchestrator) dropMalformed(mutation queue.Mutation, cause error) {
	o.logger.Error("dropping malformed mutation",
		zap.String("operation", opPushPhase),
		zap.String("reason", "snapshot_decode_failed"),
		zap.String("entity_table", mutation.EntityTable),
		zap.String("record_id", mutation.RecordID),
		zap.Error(cause))
	if markErr := o.store.MarkSyncStatus(context.Background(), mutation.EntityTable, mutation.RecordID, store.SyncStatusError); markErr != nil {
		o.logger.Warn("failed to mark record errored",
			zap.String("operation", opPushPhase),
			zap.String("entity_table", mutation.EntityTable),
			zap.String("record_id", mutation.RecordID),
			zap.Error(markErr))
	}
}

func flattenUnits(units []pushUnit) []queue.Mutation {
	var mutations []queue.Mutation
	for _, unit := range units {
		mutations = append(mutations, unit.mutations...)
	}
	return mutations
}
