package store

import "github.com/jelmore/jelmore/internal/types"

// Compile-time interface compliance checks.
var _ types.Durable = (*SQLiteStore)(nil)
var _ types.Cache = (*RedisCache)(nil)
var _ types.Cache = (*MemoryCache)(nil)
