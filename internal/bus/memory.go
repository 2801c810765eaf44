package bus

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jelmore/jelmore/internal/types"
)

// MemoryTransport is an in-process Transport with the same contract as the
// NATS-backed one: bounded retention with time-range replay, consumer groups
// sharing delivery, and idempotency-key deduplication within a window. It
// backs tests and single-process deployments without a bus.
type MemoryTransport struct {
	retention   time.Duration
	dedupWindow time.Duration

	mu       sync.Mutex
	messages []storedMessage
	subs     map[int]*memorySubscriber
	groups   map[string]*memoryGroup
	seen     map[string]time.Time
	nextID   int
	closed   bool
}

type storedMessage struct {
	msg types.Message
	at  time.Time
}

type memorySubscriber struct {
	subjects []string
	handler  types.MessageHandler
}

type memoryGroup struct {
	members []int // subscriber ids, delivery rotates round-robin
	next    int
}

// NewMemoryTransport creates a MemoryTransport retaining messages for the
// given window. Duplicates (same message id header) arriving within
// dedupWindow are acknowledged without being stored or delivered.
func NewMemoryTransport(retention, dedupWindow time.Duration) *MemoryTransport {
	if retention <= 0 {
		retention = time.Hour
	}
	if dedupWindow <= 0 {
		dedupWindow = time.Minute
	}
	return &MemoryTransport{
		retention:   retention,
		dedupWindow: dedupWindow,
		subs:        make(map[int]*memorySubscriber),
		groups:      make(map[string]*memoryGroup),
		seen:        make(map[string]time.Time),
	}
}

// Publish stores the message and delivers it synchronously to matching
// subscribers. Groups receive one delivery per message, rotating across
// members; groupless subscribers each receive every message.
func (t *MemoryTransport) Publish(_ context.Context, subject string, data []byte, header map[string]string) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return fmt.Errorf("transport closed")
	}

	now := time.Now()
	t.prune(now)

	if id := header[HeaderMsgID]; id != "" {
		if at, dup := t.seen[id]; dup && now.Sub(at) < t.dedupWindow {
			t.mu.Unlock()
			return nil // duplicate within window: acknowledged, not redelivered
		}
		t.seen[id] = now
	}

	msg := types.Message{Subject: subject, Data: append([]byte(nil), data...), Header: copyHeader(header)}
	t.messages = append(t.messages, storedMessage{msg: msg, at: now})

	handlers := t.matchingHandlers(subject)
	t.mu.Unlock()

	for _, h := range handlers {
		if err := h(msg); err != nil {
			slog.Warn("subscriber handler failed", "subject", subject, "error", err)
		}
	}
	return nil
}

// matchingHandlers picks the delivery set for one message. Caller holds the
// lock; the returned handlers are invoked outside it.
func (t *MemoryTransport) matchingHandlers(subject string) []types.MessageHandler {
	var handlers []types.MessageHandler
	for _, g := range t.groups {
		var candidates []int
		for _, id := range g.members {
			sub, ok := t.subs[id]
			if ok && matchesAny(sub.subjects, subject) {
				candidates = append(candidates, id)
			}
		}
		if len(candidates) == 0 {
			continue
		}
		chosen := candidates[g.next%len(candidates)]
		g.next++
		handlers = append(handlers, t.subs[chosen].handler)
	}
	for id, sub := range t.subs {
		if t.groupOf(id) != "" {
			continue
		}
		if matchesAny(sub.subjects, subject) {
			handlers = append(handlers, sub.handler)
		}
	}
	return handlers
}

func (t *MemoryTransport) groupOf(subID int) string {
	for name, g := range t.groups {
		for _, id := range g.members {
			if id == subID {
				return name
			}
		}
	}
	return ""
}

// Subscribe registers a handler for the given subjects. A non-empty group
// name joins (or creates) a consumer group whose members share delivery.
func (t *MemoryTransport) Subscribe(_ context.Context, subjects []string, group string, handler types.MessageHandler) (func() error, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, fmt.Errorf("transport closed")
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = &memorySubscriber{subjects: append([]string(nil), subjects...), handler: handler}

	if group != "" {
		g, ok := t.groups[group]
		if !ok {
			g = &memoryGroup{}
			t.groups[group] = g
		}
		g.members = append(g.members, id)
	}

	unsubscribe := func() error {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.subs, id)
		if group != "" {
			if g, ok := t.groups[group]; ok {
				for i, member := range g.members {
					if member == id {
						g.members = append(g.members[:i], g.members[i+1:]...)
						break
					}
				}
				if len(g.members) == 0 {
					delete(t.groups, group)
				}
			}
		}
		return nil
	}
	return unsubscribe, nil
}

// Replay returns retained messages matching the subjects within [from, to],
// in publish order, independent of live subscriptions.
func (t *MemoryTransport) Replay(_ context.Context, subjects []string, from, to time.Time) ([]types.Message, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, fmt.Errorf("transport closed")
	}
	t.prune(time.Now())

	var out []types.Message
	for _, stored := range t.messages {
		if stored.at.Before(from) || (!to.IsZero() && stored.at.After(to)) {
			continue
		}
		if matchesAny(subjects, stored.msg.Subject) {
			out = append(out, stored.msg)
		}
	}
	return out, nil
}

// Close drops all state. Further operations fail.
func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.messages = nil
	t.subs = map[int]*memorySubscriber{}
	t.groups = map[string]*memoryGroup{}
	return nil
}

// prune evicts messages past retention and dedup entries past the window.
// Caller holds the lock.
func (t *MemoryTransport) prune(now time.Time) {
	cutoff := now.Add(-t.retention)
	i := 0
	for ; i < len(t.messages); i++ {
		if t.messages[i].at.After(cutoff) {
			break
		}
	}
	if i > 0 {
		t.messages = append([]storedMessage(nil), t.messages[i:]...)
	}
	for id, at := range t.seen {
		if now.Sub(at) >= t.dedupWindow {
			delete(t.seen, id)
		}
	}
}

func matchesAny(patterns []string, subject string) bool {
	for _, p := range patterns {
		if matchSubject(p, subject) {
			return true
		}
	}
	return false
}

// matchSubject implements NATS-style subject matching: "*" matches one token,
// ">" matches one or more trailing tokens.
func matchSubject(pattern, subject string) bool {
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")
	for i, tok := range pt {
		if tok == ">" {
			return i < len(st)
		}
		if i >= len(st) {
			return false
		}
		if tok != "*" && tok != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}

func copyHeader(h map[string]string) map[string]string {
	if h == nil {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}
