// Package bus publishes session lifecycle events to a durable at-least-once
// transport with idempotency keys, background retry, and a dead-letter path.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jelmore/jelmore/internal/types"
)

// Message headers carried on every published event. HeaderMsgID doubles as
// the bus-level deduplication key.
const (
	HeaderMsgID       = "Nats-Msg-Id"
	HeaderEventType   = "Event-Type"
	HeaderSessionID   = "Session-Id"
	HeaderErrorReason = "Error-Reason"
	HeaderOrigSubject = "Original-Subject"
)

const dlqToken = "dlq"

// Stats are the publisher's cumulative counters. Background inconsistencies
// are observable only here and in logs, never by the session-mutation caller.
type Stats struct {
	Published    int64 `json:"published"`
	Retried      int64 `json:"retried"`
	DeadLettered int64 `json:"dead_lettered"`
	Dropped      int64 `json:"dropped"`
}

// Publisher wraps a Transport with asynchronous delivery. Publish enqueues and
// returns immediately; a background worker drives retry with exponential
// backoff and routes exhausted events to the dead-letter namespace instead of
// dropping them.
type Publisher struct {
	transport types.Transport
	prefix    string
	retry     *RetryPolicy

	mu     sync.Mutex
	queue  chan types.Event
	closed bool

	published    atomic.Int64
	retried      atomic.Int64
	deadLettered atomic.Int64
	dropped      atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPublisher creates a Publisher over the given transport. Subjects are
// formed as "<prefix>.<event type>"; dead letters go to
// "<prefix>.dlq.<event type>". queueSize bounds the in-flight backlog.
func NewPublisher(transport types.Transport, prefix string, retry *RetryPolicy, queueSize int) *Publisher {
	if retry == nil {
		retry = DefaultRetryPolicy()
	}
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &Publisher{
		transport: transport,
		prefix:    prefix,
		retry:     retry,
		queue:     make(chan types.Event, queueSize),
	}
}

// Start launches the background delivery worker. Must be called before
// Publish.
func (p *Publisher) Start(ctx context.Context) {
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go p.deliverLoop()
}

// Stop drains the queue, stops the worker, and waits for in-flight deliveries.
// Safe to call more than once; publishes racing or following Stop are dropped.
func (p *Publisher) Stop() {
	if p.cancel == nil {
		return
	}
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()
	p.wg.Wait()
	p.cancel()
}

// Publish enqueues an event for background delivery. It never blocks the
// caller: if the backlog is full or the publisher is stopped the event is
// counted as dropped and logged. Publish failures are invisible to session
// mutation; they surface only through Stats and the dead-letter destination.
func (p *Publisher) Publish(event types.Event) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.dropped.Add(1)
		slog.Warn("publish after stop, dropping event",
			"event_type", event.Type, "session_id", string(event.SessionID))
		return
	}
	select {
	case p.queue <- event:
		p.mu.Unlock()
	default:
		p.mu.Unlock()
		p.dropped.Add(1)
		slog.Error("event queue full, dropping event",
			"event_type", event.Type, "session_id", string(event.SessionID))
	}
}

// Subscribe attaches a handler to the given event types, optionally as part
// of a named consumer group sharing delivery.
func (p *Publisher) Subscribe(ctx context.Context, eventTypes []string, group string, handler func(types.Event) error) (func() error, error) {
	subjects := make([]string, len(eventTypes))
	for i, t := range eventTypes {
		subjects[i] = p.subject(t)
	}
	return p.transport.Subscribe(ctx, subjects, group, func(msg types.Message) error {
		var ev types.Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			slog.Warn("discarding undecodable bus message", "subject", msg.Subject, "error", err)
			return nil
		}
		return handler(ev)
	})
}

// Replay re-reads retained events for the given event types within the time
// range, independent of live subscriptions.
func (p *Publisher) Replay(ctx context.Context, eventTypes []string, from, to time.Time) ([]types.Event, error) {
	subjects := make([]string, len(eventTypes))
	for i, t := range eventTypes {
		subjects[i] = p.subject(t)
	}
	msgs, err := p.transport.Replay(ctx, subjects, from, to)
	if err != nil {
		return nil, fmt.Errorf("replay events: %w", err)
	}
	events := make([]types.Event, 0, len(msgs))
	for _, msg := range msgs {
		var ev types.Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			slog.Warn("skipping undecodable replayed message", "subject", msg.Subject, "error", err)
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// Stats returns a snapshot of the publisher counters.
func (p *Publisher) Stats() Stats {
	return Stats{
		Published:    p.published.Load(),
		Retried:      p.retried.Load(),
		DeadLettered: p.deadLettered.Load(),
		Dropped:      p.dropped.Load(),
	}
}

func (p *Publisher) subject(eventType string) string {
	return p.prefix + "." + eventType
}

func (p *Publisher) dlqSubject(eventType string) string {
	return p.prefix + "." + dlqToken + "." + eventType
}

func (p *Publisher) deliverLoop() {
	defer p.wg.Done()
	for event := range p.queue {
		p.deliver(event)
	}
}

// deliver publishes one event with retry; exhausted events are routed to the
// dead-letter subject with the failure reason and original destination
// recorded.
func (p *Publisher) deliver(event types.Event) {
	subject := p.subject(event.Type)
	data, err := json.Marshal(event)
	if err != nil {
		slog.Error("marshal event", "event_type", event.Type, "error", err)
		return
	}
	header := map[string]string{
		HeaderMsgID:     event.IdempotencyKey,
		HeaderEventType: event.Type,
		HeaderSessionID: string(event.SessionID),
	}

	attempt := 0
	err = p.retry.Execute(p.ctx, func() error {
		attempt++
		if attempt > 1 {
			p.retried.Add(1)
		}
		return p.transport.Publish(p.ctx, subject, data, header)
	})
	if err == nil {
		p.published.Add(1)
		return
	}

	pubErr := &types.EventPublishError{Subject: subject, Attempts: attempt, Err: err}
	slog.Error("publish exhausted, dead-lettering",
		"subject", subject, "session_id", string(event.SessionID), "error", err)
	p.deadLetter(event, data, pubErr)
}

func (p *Publisher) deadLetter(event types.Event, data []byte, cause *types.EventPublishError) {
	header := map[string]string{
		HeaderMsgID:       event.IdempotencyKey,
		HeaderEventType:   event.Type,
		HeaderSessionID:   string(event.SessionID),
		HeaderErrorReason: cause.Err.Error(),
		HeaderOrigSubject: cause.Subject,
	}
	if err := p.transport.Publish(p.ctx, p.dlqSubject(event.Type), data, header); err != nil {
		slog.Error("dead-letter publish failed, event lost",
			"subject", cause.Subject, "session_id", string(event.SessionID), "error", err)
		return
	}
	p.deadLettered.Add(1)
}
