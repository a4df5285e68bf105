package resolver

import (
	"testing"
	"time"

	"github.com/pulsekeeplab/pulsekeep/internal/store"
)

func TestMergeRemoteAppliesWhenNoLocalCopy(t *testing.T) {
	remote := store.Record{EntityTable: store.TableBodyMetrics, RecordID: "rec-1", UpdatedAtSeconds: 1700000000}

	decision := MergeRemote(nil, false, remote)
	if decision.Action != MergeApplyRemote {
		t.Fatalf("expected remote to apply, got %s", decision.Action)
	}
	if decision.Record.RecordID != "rec-1" {
		t.Fatalf("unexpected record: %#v", decision.Record)
	}
}

func TestMergeRemoteLastWriteWins(t *testing.T) {
	tests := []struct {
		name           string
		localUpdated   int64
		remoteUpdated  int64
		expectedAction MergeAction
	}{
		{name: "remote-newer", localUpdated: 1700000000, remoteUpdated: 1700000100, expectedAction: MergeApplyRemote},
		{name: "remote-equal-keeps-local", localUpdated: 1700000000, remoteUpdated: 1700000000, expectedAction: MergeKeepLocal},
		{name: "local-newer", localUpdated: 1700000100, remoteUpdated: 1700000000, expectedAction: MergeKeepLocal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			local := store.Record{EntityTable: store.TableBodyMetrics, RecordID: "rec-1", UpdatedAtSeconds: tt.localUpdated, SyncStatus: store.SyncStatusSynced}
			remote := store.Record{EntityTable: store.TableBodyMetrics, RecordID: "rec-1", UpdatedAtSeconds: tt.remoteUpdated}

			decision := MergeRemote(&local, false, remote)
			if decision.Action != tt.expectedAction {
				t.Fatalf("expected %s, got %s", tt.expectedAction, decision.Action)
			}
		})
	}
}

func TestMergeRemoteNeverClobbersPendingLocalEdit(t *testing.T) {
	local := store.Record{
		EntityTable:      store.TableBodyMetrics,
		RecordID:         "rec-1",
		UpdatedAtSeconds: 1700000000,
		SyncStatus:       store.SyncStatusPending,
		PayloadJSON:      `{"weight_kg":81.2}`,
	}
	remote := store.Record{
		EntityTable:      store.TableBodyMetrics,
		RecordID:         "rec-1",
		UpdatedAtSeconds: 1700009999,
		PayloadJSON:      `{"weight_kg":80.0}`,
	}

	decision := MergeRemote(&local, true, remote)
	if decision.Action != MergeKeepLocal {
		t.Fatalf("pending local edit must win, got %s", decision.Action)
	}
	if decision.Record.PayloadJSON != local.PayloadJSON {
		t.Fatalf("expected local payload retained, got %s", decision.Record.PayloadJSON)
	}
}

func TestVisibleRecordPriorityOverRecency(t *testing.T) {
	manual := store.Record{RecordID: "manual", SourceTag: store.SourceManual, UpdatedAtSeconds: 1700000000}
	sensor := store.Record{RecordID: "sensor", SourceTag: store.SourceSensor, UpdatedAtSeconds: 1700000000 + 1000}

	visible, ok := VisibleRecord([]store.Record{sensor, manual})
	if !ok {
		t.Fatalf("expected a visible record")
	}
	if visible.RecordID != "manual" {
		t.Fatalf("manual entry must outrank newer sensor import, got %s", visible.RecordID)
	}
}

func TestVisibleRecordRecencyBreaksPriorityTie(t *testing.T) {
	older := store.Record{RecordID: "older", SourceTag: store.SourceSensor, UpdatedAtSeconds: 1700000000}
	newer := store.Record{RecordID: "newer", SourceTag: store.SourceSensor, UpdatedAtSeconds: 1700000500}

	visible, ok := VisibleRecord([]store.Record{older, newer})
	if !ok {
		t.Fatalf("expected a visible record")
	}
	if visible.RecordID != "newer" {
		t.Fatalf("more recent record must win the tie, got %s", visible.RecordID)
	}
}

func TestVisibleRecordEmptyInput(t *testing.T) {
	if _, ok := VisibleRecord(nil); ok {
		t.Fatalf("empty input must not yield a visible record")
	}
}

func TestSourcePriorityOrdering(t *testing.T) {
	tests := []struct {
		tag      string
		priority int
	}{
		{tag: store.SourceManual, priority: 3},
		{tag: store.SourcePartner, priority: 2},
		{tag: store.SourceSensor, priority: 1},
		{tag: "mystery-device", priority: 0},
	}

	for _, tt := range tests {
		if got := SourcePriority(tt.tag); got != tt.priority {
			t.Fatalf("priority for %q: want %d got %d", tt.tag, tt.priority, got)
		}
	}
}

func TestSlotOfGroupsByHour(t *testing.T) {
	base := time.Date(2026, time.March, 14, 9, 5, 0, 0, time.UTC)
	sameSlot := store.Record{UpdatedAtSeconds: base.Add(40 * time.Minute).Unix()}
	nextSlot := store.Record{UpdatedAtSeconds: base.Add(90 * time.Minute).Unix()}

	first := SlotOf(store.Record{UpdatedAtSeconds: base.Unix()})
	if SlotOf(sameSlot) != first {
		t.Fatalf("records 40 minutes apart within the hour must share a slot")
	}
	if SlotOf(nextSlot) == first {
		t.Fatalf("records in different hours must not share a slot")
	}
}

func TestVisibleBySlotResolvesEachSlot(t *testing.T) {
	nine := time.Date(2026, time.March, 14, 9, 0, 0, 0, time.UTC)
	ten := time.Date(2026, time.March, 14, 10, 0, 0, 0, time.UTC)

	records := []store.Record{
		{RecordID: "nine-sensor", SourceTag: store.SourceSensor, UpdatedAtSeconds: nine.Add(30 * time.Minute).Unix()},
		{RecordID: "nine-manual", SourceTag: store.SourceManual, UpdatedAtSeconds: nine.Add(5 * time.Minute).Unix()},
		{RecordID: "ten-partner", SourceTag: store.SourcePartner, UpdatedAtSeconds: ten.Add(15 * time.Minute).Unix()},
	}

	resolved := VisibleBySlot(records)
	if len(resolved) != 2 {
		t.Fatalf("expected 2 slots, got %d", len(resolved))
	}
	for slot, record := range resolved {
		switch slot.Hour {
		case 9:
			if record.RecordID != "nine-manual" {
				t.Fatalf("slot 9 should resolve to manual entry, got %s", record.RecordID)
			}
		case 10:
			if record.RecordID != "ten-partner" {
				t.Fatalf("slot 10 should resolve to partner record, got %s", record.RecordID)
			}
		default:
			t.Fatalf("unexpected slot hour %d", slot.Hour)
		}
	}
}
