// Package syncerrs classifies failures seen during a sync cycle so the
// orchestrator can decide between retrying, refreshing credentials, and
// surfacing a permanent per-record error.
package syncerrs

import (
	"errors"
	"fmt"
)

// Kind partitions sync failures by the recovery action they require.
type Kind string

const (
	// KindTransient covers network timeouts and 5xx responses; retried via
	// the per-record counter and scheduler backoff.
	KindTransient Kind = "transient"
	// KindAuth covers 401 responses and token acquisition failures; triggers
	// a token refresh and one retry.
	KindAuth Kind = "auth"
	// KindRejection covers non-auth 4xx responses; surfaced per record and
	// retried up to the cap.
	KindRejection Kind = "rejection"
	// KindSerialization marks a record that cannot be encoded; fatal for that
	// record only.
	KindSerialization Kind = "serialization"
	// KindOffline suppresses all network attempts until reachability returns.
	KindOffline Kind = "offline"
)

// SyncError pairs a failure kind with a dotted operation code and cause.
type SyncError struct {
	kind Kind
	code string
	err  error
}

func (e *SyncError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *SyncError) Unwrap() error {
	return e.err
}

// Code returns the dotted operation code, e.g. "remote.batch_upsert.status_503".
func (e *SyncError) Code() string {
	return e.code
}

// Kind returns the failure classification.
func (e *SyncError) Kind() Kind {
	return e.kind
}

// New builds a classified sync error from an operation, reason and cause.
func New(kind Kind, operation, reason string, cause error) error {
	return &SyncError{kind: kind, code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// Transient wraps cause as a retryable network failure.
func Transient(operation, reason string, cause error) error {
	return New(KindTransient, operation, reason, cause)
}

// Auth wraps cause as an authorization failure.
func Auth(operation, reason string, cause error) error {
	return New(KindAuth, operation, reason, cause)
}

// Rejection wraps cause as a non-auth server rejection.
func Rejection(operation, reason string, cause error) error {
	return New(KindRejection, operation, reason, cause)
}

// Serialization wraps cause as a per-record encoding failure.
func Serialization(operation, reason string, cause error) error {
	return New(KindSerialization, operation, reason, cause)
}

// Offline wraps cause as an offline condition.
func Offline(operation, reason string, cause error) error {
	return New(KindOffline, operation, reason, cause)
}

// KindOf extracts the classification from err, defaulting to transient so an
// unclassified failure is retried rather than dropped.
func KindOf(err error) Kind {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Kind()
	}
	return KindTransient
}

// IsKind reports whether err carries the given classification.
func IsKind(err error, kind Kind) bool {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Kind() == kind
	}
	return false
}
