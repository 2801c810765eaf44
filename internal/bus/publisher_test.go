package bus

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jelmore/jelmore/internal/types"
)

// flakyTransport fails the first failures publishes to non-DLQ subjects, then
// succeeds. DLQ publishes always succeed.
type flakyTransport struct {
	mu       sync.Mutex
	failures int
	calls    int
	messages []types.Message
}

func (f *flakyTransport) Publish(_ context.Context, subject string, data []byte, header map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !strings.Contains(subject, ".dlq.") {
		f.calls++
		if f.calls <= f.failures {
			return errors.New("connection refused")
		}
	}
	f.messages = append(f.messages, types.Message{Subject: subject, Data: append([]byte(nil), data...), Header: header})
	return nil
}

func (f *flakyTransport) Subscribe(context.Context, []string, string, types.MessageHandler) (func() error, error) {
	return func() error { return nil }, nil
}

func (f *flakyTransport) Replay(context.Context, []string, time.Time, time.Time) ([]types.Message, error) {
	return nil, nil
}

func (f *flakyTransport) Close() error { return nil }

func (f *flakyTransport) snapshot() []types.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.Message(nil), f.messages...)
}

func fastRetry(attempts int) *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:  attempts,
		InitialDelay: 1 * time.Millisecond,
		Multiplier:   1.0,
		MaxDelay:     5 * time.Millisecond,
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func TestPublisherRetriesThenSucceeds(t *testing.T) {
	transport := &flakyTransport{failures: 2}
	pub := NewPublisher(transport, "jelmore", fastRetry(3), 16)
	pub.Start(context.Background())
	defer pub.Stop()

	ev := types.NewEvent(types.EventSessionCreated, "s1", map[string]string{"query": "hello"})
	pub.Publish(ev)

	waitFor(t, func() bool { return pub.Stats().Published == 1 })

	stats := pub.Stats()
	if stats.Retried != 2 {
		t.Errorf("expected 2 retries, got %d", stats.Retried)
	}
	if stats.DeadLettered != 0 {
		t.Errorf("expected no dead letters, got %d", stats.DeadLettered)
	}

	msgs := transport.snapshot()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 delivered message, got %d", len(msgs))
	}
	if msgs[0].Subject != "jelmore.session.created" {
		t.Errorf("subject = %q", msgs[0].Subject)
	}
	if msgs[0].Header[HeaderMsgID] != ev.IdempotencyKey {
		t.Errorf("missing idempotency key header")
	}
}

func TestPublisherDeadLettersAfterExhaustion(t *testing.T) {
	transport := &flakyTransport{failures: 100}
	pub := NewPublisher(transport, "jelmore", fastRetry(3), 16)
	pub.Start(context.Background())
	defer pub.Stop()

	ev := types.NewEvent(types.EventSessionFailed, "s2", map[string]string{"reason": "timeout"})
	pub.Publish(ev)

	waitFor(t, func() bool { return pub.Stats().DeadLettered == 1 })

	msgs := transport.snapshot()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 dead-lettered message, got %d", len(msgs))
	}
	dl := msgs[0]
	if dl.Subject != "jelmore.dlq.session.failed" {
		t.Errorf("dlq subject = %q", dl.Subject)
	}
	if dl.Header[HeaderOrigSubject] != "jelmore.session.failed" {
		t.Errorf("original subject header = %q", dl.Header[HeaderOrigSubject])
	}
	if dl.Header[HeaderErrorReason] == "" {
		t.Error("expected error reason header on dead letter")
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	transport := &flakyTransport{}
	pub := NewPublisher(transport, "jelmore", fastRetry(1), 1)
	// Worker not started: the queue fills and stays full.

	ev := types.NewEvent(types.EventSessionOutput, "s3", nil)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			pub.Publish(ev)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full queue")
	}

	if pub.Stats().Dropped != 99 {
		t.Errorf("expected 99 dropped, got %d", pub.Stats().Dropped)
	}
}

func TestPublisherStopRacesPublish(t *testing.T) {
	transport := &flakyTransport{}
	pub := NewPublisher(transport, "jelmore", fastRetry(1), 8)
	pub.Start(context.Background())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ev := types.NewEvent(types.EventSessionOutput, "s5", nil)
		for i := 0; i < 500; i++ {
			pub.Publish(ev)
		}
	}()
	pub.Stop()
	wg.Wait()

	// Every publish either delivered or dropped; none may panic or vanish.
	stats := pub.Stats()
	if stats.Published+stats.Dropped != 500 {
		t.Errorf("published %d + dropped %d, want 500 accounted for",
			stats.Published, stats.Dropped)
	}
}

func TestPublishAfterStopDropped(t *testing.T) {
	transport := &flakyTransport{}
	pub := NewPublisher(transport, "jelmore", fastRetry(1), 8)
	pub.Start(context.Background())
	pub.Stop()

	for i := 0; i < 3; i++ {
		pub.Publish(types.NewEvent(types.EventSessionStatus, "s6", nil))
	}
	if got := pub.Stats().Dropped; got != 3 {
		t.Errorf("dropped = %d, want 3", got)
	}
	if got := len(transport.snapshot()); got != 0 {
		t.Errorf("delivered %d messages after stop", got)
	}

	// A second Stop is a no-op, not a second close.
	pub.Stop()
}

func TestPublisherStopDrainsQueue(t *testing.T) {
	transport := &flakyTransport{}
	pub := NewPublisher(transport, "jelmore", fastRetry(1), 16)
	pub.Start(context.Background())

	for i := 0; i < 5; i++ {
		ev := types.NewEvent(types.EventSessionStatus, "s4", map[string]string{"status": "active"})
		pub.Publish(ev)
	}
	pub.Stop()

	if got := pub.Stats().Published; got != 5 {
		t.Errorf("expected 5 published after Stop, got %d", got)
	}
}
