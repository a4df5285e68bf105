// Package remote holds the thin client boundary to the PulseKeep backend:
// batched upsert, incremental fetch-since, single-record patch and delete.
// The orchestrator only sees the Client interface; the HTTP adapter maps
// transport failures onto the engine's error taxonomy.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pulsekeeplab/pulsekeep/internal/store"
	"github.com/pulsekeeplab/pulsekeep/internal/syncerrs"
)

// Client is the wire contract consumed by the sync orchestrator.
type Client interface {
	// BatchUpsert applies a batch of records with insert-or-update semantics
	// and returns the records as applied remotely.
	BatchUpsert(ctx context.Context, token, table string, records []store.Record) ([]store.Record, error)
	// FetchSince returns the user's records of one table updated at or after
	// the cursor timestamp.
	FetchSince(ctx context.Context, token, table, userID string, sinceSeconds int64) ([]store.Record, error)
	// PatchRecord applies a partial update to a single record.
	PatchRecord(ctx context.Context, token, table, recordID, payloadJSON string) (store.Record, error)
	// DeleteRecord removes a single record.
	DeleteRecord(ctx context.Context, token, table, recordID string) error
}

const (
	opBatchUpsert  = "remote.batch_upsert"
	opFetchSince   = "remote.fetch_since"
	opPatchRecord  = "remote.patch_record"
	opDeleteRecord = "remote.delete_record"

	headerPrefer         = "Prefer"
	preferMergeDuplicate = "merge-duplicates"

	defaultRequestTimeout = 30 * time.Second
)

var (
	errMissingBaseURL = errors.New("remote base url is required")
	noOpLogger        = zap.NewNop()
)

// HTTPClientConfig configures the HTTP adapter.
type HTTPClientConfig struct {
	BaseURL        string
	HTTPClient     *http.Client
	RequestTimeout time.Duration
	Logger         *zap.Logger
}

// HTTPClient implements Client over REST/JSON.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewHTTPClient validates the configuration and returns an HTTP adapter.
func NewHTTPClient(cfg HTTPClientConfig) (*HTTPClient, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errMissingBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.RequestTimeout
		if timeout <= 0 {
			timeout = defaultRequestTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &HTTPClient{baseURL: baseURL, httpClient: httpClient, logger: logger}, nil
}

// BatchUpsert posts the batch to POST /entities/{table} with merge-duplicates
// semantics and decodes the applied records.
func (c *HTTPClient) BatchUpsert(ctx context.Context, token, table string, records []store.Record) ([]store.Record, error) {
	body, err := json.Marshal(records)
	if err != nil {
		return nil, syncerrs.Serialization(opBatchUpsert, "encode_failed", err)
	}

	endpoint := fmt.Sprintf("%s/entities/%s", c.baseURL, url.PathEscape(table))
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, syncerrs.Transient(opBatchUpsert, "request_build_failed", err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set(headerPrefer, preferMergeDuplicate)
	setBearer(request, token)

	var applied []store.Record
	if err := c.do(request, opBatchUpsert, &applied); err != nil {
		return nil, err
	}
	return applied, nil
}

// FetchSince queries GET /entities/{table}?user_id=...&updated_at=gte.<cursor>.
func (c *HTTPClient) FetchSince(ctx context.Context, token, table, userID string, sinceSeconds int64) ([]store.Record, error) {
	query := url.Values{}
	query.Set("user_id", userID)
	query.Set("updated_at", fmt.Sprintf("gte.%d", sinceSeconds))
	endpoint := fmt.Sprintf("%s/entities/%s?%s", c.baseURL, url.PathEscape(table), query.Encode())

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, syncerrs.Transient(opFetchSince, "request_build_failed", err)
	}
	setBearer(request, token)

	var fetched []store.Record
	if err := c.do(request, opFetchSince, &fetched); err != nil {
		return nil, err
	}
	return fetched, nil
}

// PatchRecord applies a partial update via PATCH /entities/{table}/{id}.
func (c *HTTPClient) PatchRecord(ctx context.Context, token, table, recordID, payloadJSON string) (store.Record, error) {
	if !json.Valid([]byte(payloadJSON)) {
		return store.Record{}, syncerrs.Serialization(opPatchRecord, "invalid_payload", errors.New("payload is not valid JSON"))
	}

	endpoint := fmt.Sprintf("%s/entities/%s/%s", c.baseURL, url.PathEscape(table), url.PathEscape(recordID))
	request, err := http.NewRequestWithContext(ctx, http.MethodPatch, endpoint, strings.NewReader(payloadJSON))
	if err != nil {
		return store.Record{}, syncerrs.Transient(opPatchRecord, "request_build_failed", err)
	}
	request.Header.Set("Content-Type", "application/json")
	setBearer(request, token)

	var patched store.Record
	if err := c.do(request, opPatchRecord, &patched); err != nil {
		return store.Record{}, err
	}
	return patched, nil
}

// DeleteRecord removes a record via DELETE /entities/{table}/{id}.
func (c *HTTPClient) DeleteRecord(ctx context.Context, token, table, recordID string) error {
	endpoint := fmt.Sprintf("%s/entities/%s/%s", c.baseURL, url.PathEscape(table), url.PathEscape(recordID))
	request, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return syncerrs.Transient(opDeleteRecord, "request_build_failed", err)
	}
	setBearer(request, token)
	return c.do(request, opDeleteRecord, nil)
}

// do executes the request and decodes the response body into out when out is
// non-nil. Status codes map onto the sync error taxonomy.
func (c *HTTPClient) do(request *http.Request, operation string, out any) error {
	response, err := c.httpClient.Do(request)
	if err != nil {
		c.logger.Warn("remote request failed",
			zap.String("operation", operation),
			zap.String("method", request.Method),
			zap.Error(err))
		return syncerrs.Transient(operation, "network_error", err)
	}
	defer response.Body.Close() //nolint:errcheck

	if err := classifyStatus(operation, response.StatusCode); err != nil {
		c.logger.Warn("remote request rejected",
			zap.String("operation", operation),
			zap.String("method", request.Method),
			zap.Int("status", response.StatusCode))
		return err
	}
	if out == nil {
		return nil
	}

	payload, err := io.ReadAll(response.Body)
	if err != nil {
		return syncerrs.Transient(operation, "read_body_failed", err)
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return syncerrs.Serialization(operation, "decode_failed", err)
	}
	return nil
}

func classifyStatus(operation string, status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized:
		return syncerrs.Auth(operation, fmt.Sprintf("status_%d", status), nil)
	case status >= 400 && status < 500:
		return syncerrs.Rejection(operation, fmt.Sprintf("status_%d", status), nil)
	default:
		return syncerrs.Transient(operation, fmt.Sprintf("status_%d", status), nil)
	}
}

func setBearer(request *http.Request, token string) {
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
}
