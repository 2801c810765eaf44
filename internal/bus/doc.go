package bus

import "github.com/jelmore/jelmore/internal/types"

// Compile-time interface compliance checks.
var _ types.Transport = (*MemoryTransport)(nil)
var _ types.Transport = (*NATSTransport)(nil)
