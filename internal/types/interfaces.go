package types

import (
	"context"
	"time"

	"github.com/jelmore/jelmore/internal/protocol"
)

// Cache is the fast, TTL-bound side of the dual session store. Implementations
// return ErrCacheMiss for absent or expired keys. Cache failures are an
// optimization loss, never a correctness problem.
type Cache interface {
	Set(ctx context.Context, id SessionID, data []byte, ttl time.Duration) error
	Get(ctx context.Context, id SessionID) ([]byte, error)
	Delete(ctx context.Context, id SessionID) error
	Extend(ctx context.Context, id SessionID, ttl time.Duration) error
	Close() error
}

// Durable is the persistent relational side of the dual session store and the
// source of truth for existence and audit. Records are retired, not deleted,
// on timeout; Delete exists for the explicit retention sweep.
type Durable interface {
	Insert(ctx context.Context, sess *Session) error
	Get(ctx context.Context, id SessionID) (*Session, error)
	Update(ctx context.Context, sess *Session) error
	Delete(ctx context.Context, id SessionID) error
	List(ctx context.Context, filter SessionFilter) ([]*Session, error)
	Stale(ctx context.Context, olderThan time.Time) ([]*Session, error)
	Close() error
}

// Message is one delivery from the event bus.
type Message struct {
	Subject string
	Data    []byte
	Header  map[string]string
}

// MessageHandler consumes one message. A non-nil error signals the transport
// to redeliver where the underlying bus supports it.
type MessageHandler func(msg Message) error

// Transport is a durable at-least-once pub/sub bus with bounded retention.
// Subjects use NATS-style tokens with "*" and ">" wildcards. Subscribers that
// share a non-empty group name share delivery of matching subjects; each
// group keeps its own cursor.
type Transport interface {
	Publish(ctx context.Context, subject string, data []byte, header map[string]string) error
	Subscribe(ctx context.Context, subjects []string, group string, handler MessageHandler) (func() error, error)
	Replay(ctx context.Context, subjects []string, from, to time.Time) ([]Message, error)
	Close() error
}

// Agent is the capability surface of one supervised session. The closed set
// of process variants all implement it; the manager resolves a variant
// constructor once at startup and never consults the discriminator again.
type Agent interface {
	Start(ctx context.Context, query string) error
	SendInput(ctx context.Context, text string) error
	Stream(ctx context.Context) <-chan protocol.DecodedEvent
	Suspend(ctx context.Context) ([]byte, error)
	Resume(ctx context.Context, blob []byte) error
	Terminate(ctx context.Context) error
	Snapshot() *Session
}
