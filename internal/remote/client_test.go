package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/pulsekeeplab/pulsekeep/internal/store"
	"github.com/pulsekeeplab/pulsekeep/internal/syncerrs"
)

// fakeBackend is an in-process HTTP server mimicking the entity endpoints.
type fakeBackend struct {
	mu          sync.Mutex
	records     map[string]store.Record
	lastPrefer  string
	lastAuth    string
	lastQuery   map[string]string
	forceStatus int
}

func newFakeBackend(t *testing.T) (*fakeBackend, *httptest.Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	backend := &fakeBackend{records: make(map[string]store.Record)}
	router := gin.New()
	router.POST("/entities/:table", backend.handleUpsert)
	router.GET("/entities/:table", backend.handleFetch)
	router.PATCH("/entities/:table/:id", backend.handlePatch)
	router.DELETE("/entities/:table/:id", backend.handleDelete)

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return backend, server
}

func (b *fakeBackend) intercept(ginCtx *gin.Context) bool {
	b.mu.Lock()
	status := b.forceStatus
	b.lastPrefer = ginCtx.GetHeader("Prefer")
	b.lastAuth = ginCtx.GetHeader("Authorization")
	b.mu.Unlock()

	if status != 0 {
		ginCtx.Status(status)
		return true
	}
	return false
}

func (b *fakeBackend) handleUpsert(ginCtx *gin.Context) {
	if b.intercept(ginCtx) {
		return
	}
	var batch []store.Record
	if err := ginCtx.ShouldBindJSON(&batch); err != nil {
		ginCtx.Status(http.StatusBadRequest)
		return
	}
	table := ginCtx.Param("table")
	b.mu.Lock()
	for _, record := range batch {
		b.records[table+"/"+record.RecordID] = record
	}
	b.mu.Unlock()
	ginCtx.JSON(http.StatusOK, batch)
}

func (b *fakeBackend) handleFetch(ginCtx *gin.Context) {
	if b.intercept(ginCtx) {
		return
	}
	b.mu.Lock()
	b.lastQuery = map[string]string{
		"user_id":    ginCtx.Query("user_id"),
		"updated_at": ginCtx.Query("updated_at"),
	}
	results := make([]store.Record, 0, len(b.records))
	for _, record := range b.records {
		results = append(results, record)
	}
	b.mu.Unlock()
	ginCtx.JSON(http.StatusOK, results)
}

func (b *fakeBackend) handlePatch(ginCtx *gin.Context) {
	if b.intercept(ginCtx) {
		return
	}
	payload, err := ginCtx.GetRawData()
	if err != nil {
		ginCtx.Status(http.StatusBadRequest)
		return
	}
	record := store.Record{
		EntityTable: ginCtx.Param("table"),
		RecordID:    ginCtx.Param("id"),
		PayloadJSON: string(payload),
	}
	b.mu.Lock()
	b.records[record.EntityTable+"/"+record.RecordID] = record
	b.mu.Unlock()
	ginCtx.JSON(http.StatusOK, record)
}

func (b *fakeBackend) handleDelete(ginCtx *gin.Context) {
	if b.intercept(ginCtx) {
		return
	}
	b.mu.Lock()
	delete(b.records, ginCtx.Param("table")+"/"+ginCtx.Param("id"))
	b.mu.Unlock()
	ginCtx.Status(http.StatusNoContent)
}

func newTestClient(t *testing.T, baseURL string) *HTTPClient {
	t.Helper()
	client, err := NewHTTPClient(HTTPClientConfig{BaseURL: baseURL})
	if err != nil {
		t.Fatalf("failed to construct client: %v", err)
	}
	return client
}

func TestBatchUpsertSendsMergeDuplicatesAndBearer(t *testing.T) {
	backend, server := newFakeBackend(t)
	client := newTestClient(t, server.URL)

	records := []store.Record{
		{EntityTable: store.TableBodyMetrics, RecordID: "rec-1", UserID: "user-1", PayloadJSON: `{"weight_kg":81.2}`},
	}
	applied, err := client.BatchUpsert(context.Background(), "token-1", store.TableBodyMetrics, records)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(applied) != 1 || applied[0].RecordID != "rec-1" {
		t.Fatalf("unexpected applied batch: %#v", applied)
	}

	backend.mu.Lock()
	defer backend.mu.Unlock()
	if backend.lastPrefer != "merge-duplicates" {
		t.Fatalf("upserts must request merge-duplicates, got %q", backend.lastPrefer)
	}
	if backend.lastAuth != "Bearer token-1" {
		t.Fatalf("unexpected authorization header %q", backend.lastAuth)
	}
	if _, stored := backend.records[store.TableBodyMetrics+"/rec-1"]; !stored {
		t.Fatalf("record did not reach the backend")
	}
}

func TestFetchSinceEncodesCursorQuery(t *testing.T) {
	backend, server := newFakeBackend(t)
	client := newTestClient(t, server.URL)

	backend.mu.Lock()
	backend.records[store.TableDailyMetrics+"/rec-9"] = store.Record{RecordID: "rec-9", UserID: "user-1", UpdatedAtSeconds: 1700000500}
	backend.mu.Unlock()

	fetched, err := client.FetchSince(context.Background(), "token-1", store.TableDailyMetrics, "user-1", 1699990000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(fetched) != 1 || fetched[0].RecordID != "rec-9" {
		t.Fatalf("unexpected fetch result: %#v", fetched)
	}

	backend.mu.Lock()
	defer backend.mu.Unlock()
	if backend.lastQuery["user_id"] != "user-1" {
		t.Fatalf("unexpected user_id query %q", backend.lastQuery["user_id"])
	}
	if backend.lastQuery["updated_at"] != "gte.1699990000" {
		t.Fatalf("cursor must be sent as gte filter, got %q", backend.lastQuery["updated_at"])
	}
}

func TestPatchRecordRejectsInvalidPayloadLocally(t *testing.T) {
	_, server := newFakeBackend(t)
	client := newTestClient(t, server.URL)

	_, err := client.PatchRecord(context.Background(), "token-1", store.TableProfile, "user-1", "{not json")
	if !syncerrs.IsKind(err, syncerrs.KindSerialization) {
		t.Fatalf("expected serialization error, got %v", err)
	}
}

func TestDeleteRecordRemovesRemoteRow(t *testing.T) {
	backend, server := newFakeBackend(t)
	client := newTestClient(t, server.URL)

	backend.mu.Lock()
	backend.records[store.TableBodyMetrics+"/rec-1"] = store.Record{RecordID: "rec-1"}
	backend.mu.Unlock()

	if err := client.DeleteRecord(context.Background(), "token-1", store.TableBodyMetrics, "rec-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	backend.mu.Lock()
	defer backend.mu.Unlock()
	if _, remains := backend.records[store.TableBodyMetrics+"/rec-1"]; remains {
		t.Fatalf("record must be gone after delete")
	}
}

func TestStatusCodesMapOntoErrorTaxonomy(t *testing.T) {
	backend, server := newFakeBackend(t)
	client := newTestClient(t, server.URL)

	tests := []struct {
		name   string
		status int
		kind   syncerrs.Kind
	}{
		{name: "unauthorized", status: http.StatusUnauthorized, kind: syncerrs.KindAuth},
		{name: "unprocessable", status: http.StatusUnprocessableEntity, kind: syncerrs.KindRejection},
		{name: "server-error", status: http.StatusInternalServerError, kind: syncerrs.KindTransient},
		{name: "unavailable", status: http.StatusServiceUnavailable, kind: syncerrs.KindTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend.mu.Lock()
			backend.forceStatus = tt.status
			backend.mu.Unlock()

			_, err := client.BatchUpsert(context.Background(), "token-1", store.TableBodyMetrics, nil)
			if !syncerrs.IsKind(err, tt.kind) {
				t.Fatalf("status %d must classify as %s, got %v", tt.status, tt.kind, err)
			}
		})
	}
}

func TestNetworkFailureClassifiesTransient(t *testing.T) {
	_, server := newFakeBackend(t)
	client := newTestClient(t, server.URL)
	server.Close()

	_, err := client.FetchSince(context.Background(), "token-1", store.TableBodyMetrics, "user-1", 0)
	if !syncerrs.IsKind(err, syncerrs.KindTransient) {
		t.Fatalf("expected transient error, got %v", err)
	}
}

func TestBatchUpsertRoundTripsPayload(t *testing.T) {
	backend, server := newFakeBackend(t)
	client := newTestClient(t, server.URL)

	original := store.Record{
		EntityTable:      store.TableDeviceResults,
		RecordID:         "rec-device",
		UserID:           "user-1",
		UpdatedAtSeconds: 1700000100,
		SourceTag:        store.SourceSensor,
		PayloadJSON:      `{"heart_rate":61}`,
	}
	if _, err := client.BatchUpsert(context.Background(), "token-1", store.TableDeviceResults, []store.Record{original}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	backend.mu.Lock()
	stored := backend.records[store.TableDeviceResults+"/rec-device"]
	backend.mu.Unlock()

	encodedOriginal, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	encodedStored, err := json.Marshal(stored)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if string(encodedOriginal) != string(encodedStored) {
		t.Fatalf("payload mutated in transit:\n%s\n%s", encodedOriginal, encodedStored)
	}
}
