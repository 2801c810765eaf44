package supervisor

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jelmore/jelmore/internal/protocol"
)

func TestEventBufferOrder(t *testing.T) {
	b := newEventBuffer(8)
	for i := 0; i < 3; i++ {
		b.Append(protocol.DecodedEvent{Kind: protocol.KindRaw, Text: fmt.Sprintf("line %d", i)})
	}
	b.Close()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		ev, ok := b.Next(ctx)
		if !ok {
			t.Fatalf("stream ended at event %d", i)
		}
		if want := fmt.Sprintf("line %d", i); ev.Text != want {
			t.Errorf("event %d = %q, want %q", i, ev.Text, want)
		}
	}
	if _, ok := b.Next(ctx); ok {
		t.Error("expected end of stream after close")
	}
}

func TestEventBufferSharedCursor(t *testing.T) {
	b := newEventBuffer(8)
	b.Append(protocol.DecodedEvent{Kind: protocol.KindRaw, Text: "first"})
	b.Append(protocol.DecodedEvent{Kind: protocol.KindRaw, Text: "second"})

	ctx := context.Background()
	ev, ok := b.Next(ctx)
	if !ok || ev.Text != "first" {
		t.Fatalf("first read = %+v, %v", ev, ok)
	}

	// A second consumer picks up after the first, never re-reading history.
	ev, ok = b.Next(ctx)
	if !ok || ev.Text != "second" {
		t.Fatalf("second read = %+v, %v", ev, ok)
	}
}

func TestEventBufferEviction(t *testing.T) {
	b := newEventBuffer(4)
	for i := 0; i < 10; i++ {
		b.Append(protocol.DecodedEvent{Kind: protocol.KindRaw, Text: fmt.Sprintf("line %d", i)})
	}
	b.Close()

	ctx := context.Background()
	ev, ok := b.Next(ctx)
	if !ok {
		t.Fatal("expected retained events")
	}
	if ev.Text != "line 6" {
		t.Errorf("oldest retained = %q, want line 6", ev.Text)
	}

	got := 1
	for {
		if _, ok := b.Next(ctx); !ok {
			break
		}
		got++
	}
	if got != 4 {
		t.Errorf("retained %d events, want 4", got)
	}
}

func TestEventBufferBlocksUntilAppend(t *testing.T) {
	b := newEventBuffer(8)
	done := make(chan protocol.DecodedEvent, 1)
	go func() {
		ev, _ := b.Next(context.Background())
		done <- ev
	}()

	time.Sleep(10 * time.Millisecond)
	b.Append(protocol.DecodedEvent{Kind: protocol.KindRaw, Text: "arrived"})

	select {
	case ev := <-done:
		if ev.Text != "arrived" {
			t.Errorf("got %q", ev.Text)
		}
	case <-time.After(time.Second):
		t.Fatal("Next did not wake on append")
	}
}

func TestEventBufferContextCancel(t *testing.T) {
	b := newEventBuffer(8)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, ok := b.Next(ctx); ok {
		t.Error("expected Next to end on context expiry")
	}
}

func TestEventBufferRestore(t *testing.T) {
	b := newEventBuffer(8)
	history := []protocol.DecodedEvent{
		{Kind: protocol.KindAssistant, Content: "earlier"},
		{Kind: protocol.KindAssistant, Content: "work"},
	}
	b.Restore(history)

	if snap := b.Snapshot(); len(snap) != 2 {
		t.Fatalf("snapshot = %d events, want 2", len(snap))
	}

	// Restored history is pre-consumed: a live reader sees only new events.
	b.Append(protocol.DecodedEvent{Kind: protocol.KindAssistant, Content: "fresh"})
	b.Close()
	ev, ok := b.Next(context.Background())
	if !ok || ev.Content != "fresh" {
		t.Fatalf("read after restore = %+v, %v", ev, ok)
	}
	if _, ok := b.Next(context.Background()); ok {
		t.Error("restored history must not be re-delivered")
	}
}
