//go:build integration

package test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jelmore/jelmore/internal/bus"
	"github.com/jelmore/jelmore/internal/manager"
	"github.com/jelmore/jelmore/internal/store"
	"github.com/jelmore/jelmore/internal/supervisor"
	"github.com/jelmore/jelmore/internal/types"
)

// scriptVariant runs an inline shell script in place of a real agent binary.
func scriptVariant(st *store.Store, pub *bus.Publisher, script string) supervisor.Constructor {
	profile := supervisor.Profile{
		Name: "script",
		Bin:  "sh",
		BuildArgs: func(types.SessionConfig, string, bool) []string {
			return []string{"-c", script}
		},
	}
	return func(sess *types.Session) types.Agent {
		return supervisor.New(sess, st, pub, supervisor.Options{
			Profile:           profile,
			IdleTimeout:       5 * time.Second,
			HeartbeatInterval: 20 * time.Millisecond,
			GracePeriod:       200 * time.Millisecond,
		})
	}
}

func TestEndToEnd(t *testing.T) {
	ctx := context.Background()

	transport := bus.NewMemoryTransport(time.Hour, time.Minute)
	defer transport.Close()

	pub := bus.NewPublisher(transport, "jelmore", &bus.RetryPolicy{
		MaxAttempts: 2, InitialDelay: time.Millisecond, Multiplier: 1.0, MaxDelay: time.Millisecond,
	}, 128)
	pub.Start(ctx)
	defer pub.Stop()

	durable, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatal(err)
	}
	st := store.New(durable, store.NewMemoryCache(time.Minute), pub, time.Hour)
	defer st.Close()

	var mu sync.Mutex
	seen := map[string]int{}
	unsub, err := pub.Subscribe(ctx, []string{
		types.EventSessionCreated,
		types.EventSessionStarted,
		types.EventSessionTerminated,
	}, "integration", func(ev types.Event) error {
		mu.Lock()
		seen[ev.Type]++
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	defer unsub()

	script := `
echo '{"type":"assistant","content":"working"}'
echo '{"type":"tool_use","name":"bash","input":{"command":"ls"}}'
echo '{"type":"tool_result","content":"ok"}'
sleep 60
`
	variants := map[string]supervisor.Constructor{
		"script": scriptVariant(st, pub, script),
	}
	mgr := manager.New(st, pub, variants, manager.Config{
		MaxSessions:    2,
		DefaultVariant: "script",
	})
	mgr.Start(ctx)
	defer mgr.Stop()

	sess, err := mgr.CreateSession(ctx, "inspect the repo", types.SessionConfig{Variant: "script"})
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		got, err := mgr.Get(ctx, sess.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.Metrics.MessagesProcessed >= 3 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := mgr.Terminate(ctx, sess.ID); err != nil {
		t.Fatal(err)
	}

	// The durable record survives the live registry.
	stored, err := mgr.Get(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != types.StatusTerminated {
		t.Errorf("stored status = %q", stored.Status)
	}
	if stored.Metrics.ToolInvocations != 1 {
		t.Errorf("tool invocations = %d, want 1", stored.Metrics.ToolInvocations)
	}

	// Lifecycle events reached the subscriber.
	wait := time.Now().Add(2 * time.Second)
	for time.Now().Before(wait) {
		mu.Lock()
		done := seen[types.EventSessionCreated] == 1 &&
			seen[types.EventSessionStarted] == 1 &&
			seen[types.EventSessionTerminated] == 1
		mu.Unlock()
		if done {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	for _, typ := range []string{types.EventSessionCreated, types.EventSessionStarted, types.EventSessionTerminated} {
		if seen[typ] != 1 {
			t.Errorf("%s events = %d, want 1", typ, seen[typ])
		}
	}

	// Replay returns the same history from retention.
	events, err := pub.Replay(ctx, []string{types.EventSessionCreated}, time.Now().Add(-time.Minute), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].SessionID != sess.ID {
		t.Errorf("replayed = %d events", len(events))
	}
}
