package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jelmore/jelmore/internal/types"
)

func TestMemoryTransportDelivery(t *testing.T) {
	tr := NewMemoryTransport(time.Hour, time.Minute)
	defer tr.Close()

	var mu sync.Mutex
	var got []string
	_, err := tr.Subscribe(context.Background(), []string{"jelmore.session.*"}, "", func(m types.Message) error {
		mu.Lock()
		got = append(got, m.Subject)
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := tr.Publish(context.Background(), "jelmore.session.created", []byte(`{}`), nil); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := tr.Publish(context.Background(), "jelmore.dlq.session.created", []byte(`{}`), nil); err != nil {
		t.Fatalf("publish: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != "jelmore.session.created" {
		t.Errorf("delivered = %v, want only jelmore.session.created", got)
	}
}

func TestMemoryTransportGroupSharesDelivery(t *testing.T) {
	tr := NewMemoryTransport(time.Hour, time.Minute)
	defer tr.Close()

	var mu sync.Mutex
	counts := map[string]int{}
	handler := func(name string) types.MessageHandler {
		return func(types.Message) error {
			mu.Lock()
			counts[name]++
			mu.Unlock()
			return nil
		}
	}

	for _, name := range []string{"a", "b"} {
		if _, err := tr.Subscribe(context.Background(), []string{"jelmore.session.>"}, "workers", handler(name)); err != nil {
			t.Fatalf("subscribe %s: %v", name, err)
		}
	}

	for i := 0; i < 4; i++ {
		if err := tr.Publish(context.Background(), "jelmore.session.output", []byte(`{}`), nil); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if counts["a"]+counts["b"] != 4 {
		t.Fatalf("group delivered %d messages, want 4", counts["a"]+counts["b"])
	}
	if counts["a"] != 2 || counts["b"] != 2 {
		t.Errorf("delivery not shared round-robin: %v", counts)
	}
}

func TestMemoryTransportDedup(t *testing.T) {
	tr := NewMemoryTransport(time.Hour, time.Minute)
	defer tr.Close()

	var mu sync.Mutex
	delivered := 0
	_, err := tr.Subscribe(context.Background(), []string{"jelmore.session.created"}, "", func(types.Message) error {
		mu.Lock()
		delivered++
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	header := map[string]string{HeaderMsgID: "s1-session.created-123"}
	for i := 0; i < 3; i++ {
		if err := tr.Publish(context.Background(), "jelmore.session.created", []byte(`{}`), header); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if delivered != 1 {
		t.Errorf("delivered %d times, duplicates must be suppressed", delivered)
	}
}

func TestMemoryTransportReplay(t *testing.T) {
	tr := NewMemoryTransport(time.Hour, time.Minute)
	defer tr.Close()

	before := time.Now().Add(-time.Second)
	subjects := []string{"jelmore.session.created", "jelmore.session.terminated"}
	for _, s := range subjects {
		if err := tr.Publish(context.Background(), s, []byte(`{"subject":"`+s+`"}`), nil); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	if err := tr.Publish(context.Background(), "jelmore.session.output", []byte(`{}`), nil); err != nil {
		t.Fatalf("publish: %v", err)
	}

	msgs, err := tr.Replay(context.Background(), []string{"jelmore.session.created", "jelmore.session.terminated"}, before, time.Now())
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("replayed %d messages, want 2", len(msgs))
	}
	if msgs[0].Subject != "jelmore.session.created" || msgs[1].Subject != "jelmore.session.terminated" {
		t.Errorf("replay order wrong: %s, %s", msgs[0].Subject, msgs[1].Subject)
	}

	msgs, err = tr.Replay(context.Background(), []string{"jelmore.session.>"}, time.Now().Add(time.Minute), time.Time{})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("replay outside range returned %d messages", len(msgs))
	}
}

func TestMemoryTransportUnsubscribe(t *testing.T) {
	tr := NewMemoryTransport(time.Hour, time.Minute)
	defer tr.Close()

	var mu sync.Mutex
	delivered := 0
	unsub, err := tr.Subscribe(context.Background(), []string{"jelmore.session.>"}, "", func(types.Message) error {
		mu.Lock()
		delivered++
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := unsub(); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}

	if err := tr.Publish(context.Background(), "jelmore.session.created", []byte(`{}`), nil); err != nil {
		t.Fatalf("publish: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if delivered != 0 {
		t.Errorf("unsubscribed handler still received %d messages", delivered)
	}
}

func TestSubjectMatching(t *testing.T) {
	tests := []struct {
		pattern string
		subject string
		want    bool
	}{
		{"jelmore.session.created", "jelmore.session.created", true},
		{"jelmore.session.*", "jelmore.session.created", true},
		{"jelmore.session.*", "jelmore.session.directory_changed", true},
		{"jelmore.session.*", "jelmore.dlq.session.created", false},
		{"jelmore.session.>", "jelmore.session.status.extra", true},
		{"jelmore.session.>", "jelmore.session", false},
		{"jelmore.*", "jelmore.session.created", false},
	}
	for _, tt := range tests {
		if got := matchSubject(tt.pattern, tt.subject); got != tt.want {
			t.Errorf("matchSubject(%q, %q) = %v, want %v", tt.pattern, tt.subject, got, tt.want)
		}
	}
}
