// Package store implements the dual-layer session store: a durable relational
// backend as source of truth fronted by a TTL cache. Writes go durable-first
// then cache; reads try the cache and repopulate it from the durable store on
// a miss. A failed cache write never fails the operation.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jelmore/jelmore/internal/bus"
	"github.com/jelmore/jelmore/internal/types"
)

// Store coordinates the durable backend, the cache, and the event publisher.
// The cache TTL equals the session timeout so cache expiry and session
// staleness coincide.
type Store struct {
	durable   types.Durable
	cache     types.Cache
	publisher *bus.Publisher
	ttl       time.Duration
}

// New builds a Store. ttl is both the cache entry lifetime and the idle
// window used by Sweep.
func New(durable types.Durable, cache types.Cache, publisher *bus.Publisher, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Store{durable: durable, cache: cache, publisher: publisher, ttl: ttl}
}

// TTL returns the session timeout the store was configured with.
func (s *Store) TTL() time.Duration { return s.ttl }

// Create persists a new session durable-first. A durable failure aborts with
// no partial state; a cache failure after the durable write is logged and
// absorbed.
func (s *Store) Create(ctx context.Context, sess *types.Session) error {
	if err := s.durable.Insert(ctx, sess); err != nil {
		return &types.StorageError{Op: "insert", Err: err}
	}
	s.writeCache(ctx, sess)
	return nil
}

// Get returns a session, trying the cache first and falling back to the
// durable store. A cache hit extends the entry's TTL; a durable hit
// repopulates the cache with a fresh one. Returns ErrNotFound when neither
// layer has the record.
func (s *Store) Get(ctx context.Context, id types.SessionID) (*types.Session, error) {
	if s.cache != nil {
		data, err := s.cache.Get(ctx, id)
		if err == nil {
			var sess types.Session
			if err := json.Unmarshal(data, &sess); err == nil {
				if err := s.cache.Extend(ctx, id, s.ttl); err != nil && !errors.Is(err, types.ErrCacheMiss) {
					slog.Warn("cache ttl extend failed", "session_id", string(id), "error", err)
				}
				return &sess, nil
			}
			slog.Warn("discarding corrupt cache entry", "session_id", string(id))
			_ = s.cache.Delete(ctx, id)
		} else if !errors.Is(err, types.ErrCacheMiss) {
			slog.Warn("cache read failed, falling back to durable store",
				"session_id", string(id), "error", err)
		}
	}

	sess, err := s.durable.Get(ctx, id)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return nil, types.ErrNotFound
		}
		return nil, &types.StorageError{Op: "get", Err: err}
	}
	s.writeCache(ctx, sess)
	return sess, nil
}

// Update writes the session durable-first, then refreshes the cache entry
// with a full TTL. Every update extends the session's cache lifetime.
func (s *Store) Update(ctx context.Context, sess *types.Session) error {
	sess.UpdatedAt = time.Now().UTC()
	if err := s.durable.Update(ctx, sess); err != nil {
		return &types.StorageError{Op: "update", Err: err}
	}
	s.writeCache(ctx, sess)
	return nil
}

// Delete removes the session from both layers. Missing records are not an
// error.
func (s *Store) Delete(ctx context.Context, id types.SessionID) error {
	if err := s.durable.Delete(ctx, id); err != nil && !errors.Is(err, types.ErrNotFound) {
		return &types.StorageError{Op: "delete", Err: err}
	}
	if s.cache != nil {
		if err := s.cache.Delete(ctx, id); err != nil {
			slog.Warn("cache delete failed", "session_id", string(id), "error", err)
		}
	}
	return nil
}

// List returns sessions from the durable store matching the filter.
func (s *Store) List(ctx context.Context, filter types.SessionFilter) ([]*types.Session, error) {
	sessions, err := s.durable.List(ctx, filter)
	if err != nil {
		return nil, &types.StorageError{Op: "list", Err: err}
	}
	return sessions, nil
}

// Sweep retires sessions whose last activity is older than the session
// timeout. Each stale session is marked Failed with a termination timestamp,
// evicted from the cache, and announced with exactly one timeout event.
// Suspended sessions hold no process and are not swept; they wait for an
// explicit resume or terminate. Returns the number of sessions retired.
func (s *Store) Sweep(ctx context.Context, now time.Time) (int, error) {
	stale, err := s.durable.Stale(ctx, now.Add(-s.ttl))
	if err != nil {
		return 0, &types.StorageError{Op: "stale scan", Err: err}
	}

	retired := 0
	for _, sess := range stale {
		if !sess.Status.ActiveLike() {
			continue
		}
		ended := now.UTC()
		sess.Status = types.StatusFailed
		sess.TerminatedAt = &ended
		sess.Metrics.EndedAt = &ended
		sess.UpdatedAt = ended
		if err := s.durable.Update(ctx, sess); err != nil {
			slog.Error("failed to retire stale session",
				"session_id", string(sess.ID), "error", err)
			continue
		}
		if s.cache != nil {
			_ = s.cache.Delete(ctx, sess.ID)
		}
		if s.publisher != nil {
			s.publisher.Publish(types.NewEvent(types.EventSessionFailed, sess.ID, map[string]string{
				"reason":        "timeout",
				"idle_duration": now.Sub(sess.LastActivity).String(),
			}))
		}
		retired++
		slog.Info("retired stale session",
			"session_id", string(sess.ID), "last_activity", sess.LastActivity)
	}
	return retired, nil
}

// Close releases both backends.
func (s *Store) Close() error {
	var errs []error
	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close cache: %w", err))
		}
	}
	if err := s.durable.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close durable: %w", err))
	}
	return errors.Join(errs...)
}

// writeCache serializes the session into the cache with a fresh TTL. Failures
// are logged, never returned.
func (s *Store) writeCache(ctx context.Context, sess *types.Session) {
	if s.cache == nil {
		return
	}
	data, err := json.Marshal(sess)
	if err != nil {
		slog.Error("marshal session for cache", "session_id", string(sess.ID), "error", err)
		return
	}
	if err := s.cache.Set(ctx, sess.ID, data, s.ttl); err != nil {
		slog.Warn("cache write failed", "session_id", string(sess.ID), "error", err)
	}
}
