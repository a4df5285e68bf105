package engine

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/pulsekeeplab/pulsekeep/internal/resolver"
	"github.com/pulsekeeplab/pulsekeep/internal/store"
)

const opPullPhase = "engine.pull_phase"

// pullPhase fetches each table's remote changes since its cursor and merges
// them into the local store. Cursor rows are written only after every table
// pulled cleanly, and only when advance is true (the push phase saw no
// failures); a partial pull therefore never moves a watermark.
func (o *Orchestrator) pullPhase(ctx context.Context, token string, advance bool) error {
	type cursorAdvance struct {
		table string
		at    int64
	}
	var advances []cursorAdvance

	for _, table := range o.tables {
		since, err := o.cursors.load(ctx, o.userID, table)
		if err != nil {
			return err
		}

		fetched, err := o.remote.FetchSince(ctx, token, table, o.userID, since)
		if err != nil {
			o.logger.Warn("pull fetch failed",
				zap.String("operation", opPullPhase),
				zap.String("entity_table", table),
				zap.Error(err))
			return err
		}

		maxUpdated := since
		for _, remoteRecord := range fetched {
			remoteRecord.EntityTable = table
			if err := o.mergeRemoteRecord(ctx, remoteRecord); err != nil {
				return err
			}
			if remoteRecord.UpdatedAtSeconds > maxUpdated {
				maxUpdated = remoteRecord.UpdatedAtSeconds
			}
		}
		if maxUpdated > since {
			advances = append(advances, cursorAdvance{table: table, at: maxUpdated})
		}
	}

	if !advance {
		return nil
	}
	for _, adv := range advances {
		if err := o.cursors.advance(ctx, o.userID, adv.table, adv.at); err != nil {
			return err
		}
	}
	return nil
}

// mergeRemoteRecord runs the pull-merge rule for one remote record: last
// write wins unless the local copy still has a pending mutation in flight.
func (o *Orchestrator) mergeRemoteRecord(ctx context.Context, remoteRecord store.Record) error {
	var local *store.Record
	existing, err := o.store.Get(ctx, remoteRecord.EntityTable, remoteRecord.RecordID)
	switch {
	case errors.Is(err, store.ErrRecordNotFound):
		local = nil
	case err != nil:
		return err
	default:
		local = &existing
	}

	hasPending := local != nil && local.SyncStatus == store.SyncStatusPending
	decision := resolver.MergeRemote(local, hasPending, remoteRecord)
	if decision.Action != resolver.MergeApplyRemote {
		return nil
	}
	return o.store.ApplyRemote(ctx, decision.Record)
}
