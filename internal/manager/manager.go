// Package manager is the broker's front door. It owns the registry of live
// sessions, enforces the concurrency ceiling, and runs the background monitor
// and cleanup loops. All session access from transports goes through it.
package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/jelmore/jelmore/internal/bus"
	"github.com/jelmore/jelmore/internal/protocol"
	"github.com/jelmore/jelmore/internal/store"
	"github.com/jelmore/jelmore/internal/supervisor"
	"github.com/jelmore/jelmore/internal/types"
)

// Config tunes the manager. Zero values get defaults.
type Config struct {
	MaxSessions         int
	SessionTimeout      time.Duration
	WarningWindow       time.Duration
	MonitorInterval     time.Duration
	CleanupInterval     time.Duration
	MaxConcurrentStarts int
	DefaultVariant      string
}

func (c Config) withDefaults() Config {
	if c.MaxSessions <= 0 {
		c.MaxSessions = 10
	}
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = 30 * time.Minute
	}
	if c.WarningWindow <= 0 {
		c.WarningWindow = 5 * time.Minute
	}
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = 30 * time.Second
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Minute
	}
	if c.MaxConcurrentStarts <= 0 {
		c.MaxConcurrentStarts = 4
	}
	if c.DefaultVariant == "" {
		c.DefaultVariant = "claude"
	}
	return c
}

// Metrics is a point-in-time view of the broker.
type Metrics struct {
	ActiveSessions int                  `json:"active_sessions"`
	MaxSessions    int                  `json:"max_sessions"`
	ByStatus       map[types.Status]int `json:"by_status"`
	Publisher      bus.Stats            `json:"publisher"`
}

// Manager coordinates session lifecycles behind a single mutex-guarded
// registry. The active gauge is reserved before any side effect of creation
// and released exactly once per terminal transition.
type Manager struct {
	cfg      Config
	store    *store.Store
	pub      *bus.Publisher
	variants map[string]supervisor.Constructor
	startSem *semaphore.Weighted

	mu       sync.Mutex
	agents   map[types.SessionID]types.Agent
	active   int
	resuming map[types.SessionID]bool
	warned   map[types.SessionID]bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Manager over the given store, publisher, and variant registry.
func New(st *store.Store, pub *bus.Publisher, variants map[string]supervisor.Constructor, cfg Config) *Manager {
	cfg = cfg.withDefaults()
	return &Manager{
		cfg:      cfg,
		store:    st,
		pub:      pub,
		variants: variants,
		startSem: semaphore.NewWeighted(int64(cfg.MaxConcurrentStarts)),
		agents:   make(map[types.SessionID]types.Agent),
		resuming: make(map[types.SessionID]bool),
		warned:   make(map[types.SessionID]bool),
	}
}

// Start launches the monitor and cleanup loops.
func (m *Manager) Start(ctx context.Context) {
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(2)
	go m.monitorLoop()
	go m.cleanupLoop()
}

// Stop halts the loops and waits for them.
func (m *Manager) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	m.wg.Wait()
}

// Shutdown terminates every live session and then stops the loops.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	ids := make([]types.SessionID, 0, len(m.agents))
	for id := range m.agents {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.Terminate(ctx, id); err != nil {
			slog.Error("terminate on shutdown", "session_id", string(id), "error", err)
		}
	}
	m.Stop()
}

// CreateSession launches a new session. The concurrency ceiling is checked
// and the slot reserved before any side effect, so a rejected create leaves
// no trace.
func (m *Manager) CreateSession(ctx context.Context, query string, cfg types.SessionConfig) (*types.Session, error) {
	if cfg.Variant == "" {
		cfg.Variant = m.cfg.DefaultVariant
	}
	ctor, ok := m.variants[cfg.Variant]
	if !ok {
		return nil, fmt.Errorf("unknown session variant %q", cfg.Variant)
	}

	if err := m.reserve(); err != nil {
		return nil, err
	}

	sess := types.NewSession("", query, cfg)
	agent := ctor(sess)

	if err := m.store.Create(ctx, sess); err != nil {
		m.unreserve()
		return nil, err
	}
	m.pub.Publish(types.NewEvent(types.EventSessionCreated, sess.ID, map[string]string{
		"query":   query,
		"variant": cfg.Variant,
	}))

	if err := m.startSem.Acquire(ctx, 1); err != nil {
		m.unreserve()
		return nil, fmt.Errorf("acquire start slot: %w", err)
	}
	err := agent.Start(ctx, query)
	m.startSem.Release(1)
	if err != nil {
		m.unreserve()
		return nil, err
	}

	m.register(sess.ID, agent)
	slog.Info("session created",
		"session_id", string(sess.ID), "variant", cfg.Variant)
	return agent.Snapshot(), nil
}

// Get returns the current session record: the live supervisor's snapshot when
// the session is running here, the stored record otherwise.
func (m *Manager) Get(ctx context.Context, id types.SessionID) (*types.Session, error) {
	m.mu.Lock()
	agent, ok := m.agents[id]
	m.mu.Unlock()
	if ok {
		return agent.Snapshot(), nil
	}
	return m.store.Get(ctx, id)
}

// List returns stored sessions matching the filter.
func (m *Manager) List(ctx context.Context, filter types.SessionFilter) ([]*types.Session, error) {
	return m.store.List(ctx, filter)
}

// SendInput forwards text to a live session.
func (m *Manager) SendInput(ctx context.Context, id types.SessionID, text string) error {
	m.mu.Lock()
	agent, ok := m.agents[id]
	m.mu.Unlock()
	if !ok {
		sess, err := m.store.Get(ctx, id)
		if err != nil {
			return err
		}
		return &types.InvalidStateError{Op: "send input", Status: sess.Status}
	}
	return agent.SendInput(ctx, text)
}

// StreamOutput returns the live output stream of a session.
func (m *Manager) StreamOutput(ctx context.Context, id types.SessionID) (<-chan protocol.DecodedEvent, error) {
	m.mu.Lock()
	agent, ok := m.agents[id]
	m.mu.Unlock()
	if !ok {
		sess, err := m.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, &types.InvalidStateError{Op: "stream output", Status: sess.Status}
	}
	return agent.Stream(ctx), nil
}

// Suspend stops a live session and returns its resume blob. The session's
// slot is released; a suspended session does not count against the ceiling.
func (m *Manager) Suspend(ctx context.Context, id types.SessionID) ([]byte, error) {
	m.mu.Lock()
	agent, ok := m.agents[id]
	m.mu.Unlock()
	if !ok {
		sess, err := m.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, &types.InvalidStateError{Op: "suspend", Status: sess.Status}
	}

	blob, err := agent.Suspend(ctx)
	if err != nil {
		return nil, err
	}
	m.drop(id)
	return blob, nil
}

// Resume rebuilds a suspended session from its blob, subject to the same
// ceiling as creation.
func (m *Manager) Resume(ctx context.Context, blob []byte) (*types.Session, error) {
	var head struct {
		SessionID types.SessionID     `json:"session_id"`
		Config    types.SessionConfig `json:"config"`
	}
	if err := json.Unmarshal(blob, &head); err != nil {
		return nil, fmt.Errorf("decode suspend blob: %w", err)
	}
	variant := head.Config.Variant
	if variant == "" {
		variant = m.cfg.DefaultVariant
	}
	ctor, ok := m.variants[variant]
	if !ok {
		return nil, fmt.Errorf("unknown session variant %q", variant)
	}

	if err := m.claimResume(head.SessionID); err != nil {
		return nil, err
	}
	defer m.releaseResume(head.SessionID)

	if err := m.reserve(); err != nil {
		return nil, err
	}

	sess := types.NewSession("", "", head.Config)
	agent := ctor(sess)

	if err := m.startSem.Acquire(ctx, 1); err != nil {
		m.unreserve()
		return nil, fmt.Errorf("acquire start slot: %w", err)
	}
	err := agent.Resume(ctx, blob)
	m.startSem.Release(1)
	if err != nil {
		m.unreserve()
		return nil, err
	}

	snap := agent.Snapshot()
	m.register(snap.ID, agent)
	slog.Info("session resumed", "session_id", string(snap.ID))
	return snap, nil
}

// Terminate shuts a session down. Terminating an already terminal session
// succeeds without effect.
func (m *Manager) Terminate(ctx context.Context, id types.SessionID) error {
	m.mu.Lock()
	agent, ok := m.agents[id]
	m.mu.Unlock()
	if ok {
		if err := agent.Terminate(ctx); err != nil {
			return err
		}
		m.drop(id)
		return nil
	}

	sess, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if sess.Status.Terminal() {
		return nil
	}
	// Not live here (for example after a broker restart): retire the record
	// directly.
	now := time.Now().UTC()
	sess.Status = types.StatusTerminated
	sess.TerminatedAt = &now
	sess.Metrics.EndedAt = &now
	if err := m.store.Update(ctx, sess); err != nil {
		return err
	}
	m.pub.Publish(types.NewEvent(types.EventSessionTerminated, id, map[string]any{
		"terminated_at": now,
	}))
	return nil
}

// Metrics aggregates registry and publisher counters.
func (m *Manager) Metrics() Metrics {
	m.mu.Lock()
	byStatus := make(map[types.Status]int)
	for _, agent := range m.agents {
		byStatus[agent.Snapshot().Status]++
	}
	active := m.active
	m.mu.Unlock()

	out := Metrics{
		ActiveSessions: active,
		MaxSessions:    m.cfg.MaxSessions,
		ByStatus:       byStatus,
	}
	if m.pub != nil {
		out.Publisher = m.pub.Stats()
	}
	return out
}

// reserve claims one slot against the ceiling, atomically with the check.
func (m *Manager) reserve() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active >= m.cfg.MaxSessions {
		return &types.ConcurrencyLimitError{Limit: m.cfg.MaxSessions}
	}
	m.active++
	return nil
}

// unreserve returns a slot claimed by a creation that never registered an
// agent. Registered agents are released through drop instead.
func (m *Manager) unreserve() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active--
}

// claimResume rejects a resume when the session is already live or another
// resume of the same blob is in flight. The claim lasts until releaseResume.
func (m *Manager) claimResume(id types.SessionID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, live := m.agents[id]; live {
		return &types.InvalidStateError{Op: "resume", Status: types.StatusActive}
	}
	if m.resuming[id] {
		return &types.InvalidStateError{Op: "resume", Status: types.StatusStarting}
	}
	m.resuming[id] = true
	return nil
}

func (m *Manager) releaseResume(id types.SessionID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.resuming, id)
}

func (m *Manager) register(id types.SessionID, agent types.Agent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agents[id] = agent
	delete(m.warned, id)
}

// drop removes an agent from the registry and releases its slot. Release is
// keyed on registry presence, so a second drop for the same id is a no-op and
// the gauge never decrements twice.
func (m *Manager) drop(id types.SessionID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[id]; !ok {
		return
	}
	delete(m.agents, id)
	delete(m.warned, id)
	m.active--
}

// monitorLoop publishes one timeout warning per session as it approaches the
// idle limit. Activity resets the warning.
func (m *Manager) monitorLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.MonitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.checkTimeouts()
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *Manager) checkTimeouts() {
	threshold := m.cfg.SessionTimeout - m.cfg.WarningWindow
	m.mu.Lock()
	type warning struct {
		id        types.SessionID
		remaining time.Duration
	}
	var warnings []warning
	for id, agent := range m.agents {
		snap := agent.Snapshot()
		if !snap.Status.ActiveLike() {
			continue
		}
		idle := time.Since(snap.LastActivity)
		if idle < threshold {
			delete(m.warned, id)
			continue
		}
		if m.warned[id] {
			continue
		}
		m.warned[id] = true
		warnings = append(warnings, warning{id: id, remaining: m.cfg.SessionTimeout - idle})
	}
	m.mu.Unlock()

	for _, w := range warnings {
		m.pub.Publish(types.NewEvent(types.EventSessionTimeoutWarning, w.id, map[string]string{
			"remaining": w.remaining.String(),
		}))
		slog.Warn("session approaching idle timeout",
			"session_id", string(w.id), "remaining", w.remaining)
	}
}

// cleanupLoop sweeps stale stored sessions and reaps terminal agents from the
// registry.
func (m *Manager) cleanupLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := m.store.Sweep(m.ctx, time.Now()); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("stale session sweep", "error", err)
			}
			m.reapTerminal()
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *Manager) reapTerminal() {
	m.mu.Lock()
	var dead []types.SessionID
	for id, agent := range m.agents {
		if agent.Snapshot().Status.Terminal() {
			dead = append(dead, id)
		}
	}
	m.mu.Unlock()
	for _, id := range dead {
		m.drop(id)
	}
}
