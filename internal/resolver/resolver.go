// Package resolver holds the pure conflict-resolution rules of the sync
// engine: the remote-vs-local merge applied during pull, and the same-slot
// duplicate rule that picks one visible record per hour. Neither rule
// performs I/O, so both are deterministically unit testable.
package resolver

import (
	"time"

	"github.com/pulsekeeplab/pulsekeep/internal/store"
)

// MergeAction says what the pull phase should do with one remote record.
type MergeAction string

const (
	// MergeApplyRemote overwrites the local copy with the remote record.
	MergeApplyRemote MergeAction = "apply_remote"
	// MergeKeepLocal leaves the local copy untouched.
	MergeKeepLocal MergeAction = "keep_local"
)

// MergeDecision captures the outcome of the pull merge for one record.
type MergeDecision struct {
	Action MergeAction
	Record store.Record
}

// MergeRemote resolves a pulled remote record against the local cached copy.
// Last write wins by updatedAt: the remote record applies only when strictly
// newer, so an equal timestamp keeps the local copy. One carve-out: while a
// local mutation for the id is still pending, the local edit takes precedence
// regardless of timestamps, so pulled data never silently clobbers an
// unsynced write.
func MergeRemote(local *store.Record, localHasPending bool, remote store.Record) MergeDecision {
	if local == nil {
		return MergeDecision{Action: MergeApplyRemote, Record: remote}
	}
	if localHasPending {
		return MergeDecision{Action: MergeKeepLocal, Record: *local}
	}
	if remote.UpdatedAtSeconds > local.UpdatedAtSeconds {
		return MergeDecision{Action: MergeApplyRemote, Record: remote}
	}
	return MergeDecision{Action: MergeKeepLocal, Record: *local}
}

// SlotKey groups records of one user and table into hourly visibility slots.
type SlotKey struct {
	Year  int
	Month time.Month
	Day   int
	Hour  int
}

// SlotOf derives the hourly slot a record belongs to from its updatedAt.
func SlotOf(record store.Record) SlotKey {
	at := time.Unix(record.UpdatedAtSeconds, 0).UTC()
	return SlotKey{Year: at.Year(), Month: at.Month(), Day: at.Day(), Hour: at.Hour()}
}

// SourcePriority ranks the producer that wrote a record. Manual entry
// outranks partner integrations, which outrank passive sensor imports;
// unrecognized tags rank last.
func SourcePriority(sourceTag string) int {
	switch sourceTag {
	case store.SourceManual:
		return 3
	case store.SourcePartner:
		return 2
	case store.SourceSensor:
		return 1
	default:
		return 0
	}
}

// VisibleRecord picks the single visible record among same-slot duplicates.
// Priority first, recency second: a lower-priority record never outranks a
// higher-priority one, however recent. Returns false for an empty slice.
func VisibleRecord(candidates []store.Record) (store.Record, bool) {
	if len(candidates) == 0 {
		return store.Record{}, false
	}
	visible := candidates[0]
	for _, candidate := range candidates[1:] {
		if outranks(candidate, visible) {
			visible = candidate
		}
	}
	return visible, true
}

// VisibleBySlot partitions records into hourly slots and resolves each slot
// to its one visible record.
func VisibleBySlot(records []store.Record) map[SlotKey]store.Record {
	resolved := make(map[SlotKey]store.Record)
	for _, record := range records {
		slot := SlotOf(record)
		current, ok := resolved[slot]
		if !ok || outranks(record, current) {
			resolved[slot] = record
		}
	}
	return resolved
}

func outranks(challenger, incumbent store.Record) bool {
	challengerPriority := SourcePriority(challenger.SourceTag)
	incumbentPriority := SourcePriority(incumbent.SourceTag)
	if challengerPriority != incumbentPriority {
		return challengerPriority > incumbentPriority
	}
	return challenger.UpdatedAtSeconds > incumbent.UpdatedAtSeconds
}
