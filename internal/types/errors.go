package types

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a session does not exist in either storage
// backend.
var ErrNotFound = errors.New("session not found")

// ErrCacheMiss is returned by a cache when the key is absent or expired.
// Callers fall through to the durable store.
var ErrCacheMiss = errors.New("cache miss")

// SpawnError means the external process could not be started. Fatal for the
// session; the caller must create a new one.
type SpawnError struct {
	Err error
}

func (e *SpawnError) Error() string { return fmt.Sprintf("spawn process: %v", e.Err) }
func (e *SpawnError) Unwrap() error { return e.Err }

// CriticalProcessError is raised when the error stream contains a known
// critical marker. Forces the session to Failed from any state.
type CriticalProcessError struct {
	Marker string
	Line   string
}

func (e *CriticalProcessError) Error() string {
	return fmt.Sprintf("critical process error (%s): %s", e.Marker, e.Line)
}

// TimeoutError means the session exceeded its idle timeout. Emitted exactly
// once per session by the heartbeat or the cleanup sweep.
type TimeoutError struct {
	SessionID SessionID
	Idle      time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("session %s idle for %s", e.SessionID, e.Idle)
}

// InvalidStateError means an operation was rejected because the session is
// not in a state that permits it. The session is unchanged.
type InvalidStateError struct {
	Op     string
	Status Status
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s not allowed in status %q", e.Op, e.Status)
}

// ConcurrencyLimitError means session creation was rejected because the
// active-session ceiling is reached. No side effects.
type ConcurrencyLimitError struct {
	Limit int
}

func (e *ConcurrencyLimitError) Error() string {
	return fmt.Sprintf("concurrency limit reached (%d active sessions)", e.Limit)
}

// StorageError wraps a durable-store failure during create or update. Cache
// failures are never surfaced this way; they degrade to durable-only reads.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage %s: %v", e.Op, e.Err) }
func (e *StorageError) Unwrap() error { return e.Err }

// EventPublishError records an exhausted publish. It is never surfaced to the
// session-mutation caller; the event is routed to the dead-letter destination.
type EventPublishError struct {
	Subject  string
	Attempts int
	Err      error
}

func (e *EventPublishError) Error() string {
	return fmt.Sprintf("publish %s failed after %d attempts: %v", e.Subject, e.Attempts, e.Err)
}
func (e *EventPublishError) Unwrap() error { return e.Err }
