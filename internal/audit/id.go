package audit

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyOnce sync.Once
	entropyMu   sync.Mutex
	entropy     *ulid.MonotonicEntropy
)

// NewEventID returns a lexicographically sortable ULID for an audit event.
// Monotonic entropy keeps ids ordered even within one millisecond.
func NewEventID() string {
	entropyOnce.Do(func() {
		entropy = ulid.Monotonic(rand.Reader, 0)
	})

	entropyMu.Lock()
	defer entropyMu.Unlock()

	id, err := ulid.New(ulid.Timestamp(time.Now()), entropy)
	if err != nil {
		// Entropy exhaustion within a single millisecond; fall back to a
		// fresh non-monotonic id rather than failing the emit path.
		return ulid.Make().String()
	}
	return id.String()
}
