// ABOUTME: TTL window for suppressing redelivered feed events
// ABOUTME: Size-bounded; backed by an expirable LRU with atomic check-and-mark

package dedupe

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Default bounds used when a listener does not configure its own.
const (
	DefaultTTL      = 5 * time.Minute
	DefaultCapacity = 4096
)

// Window remembers event keys for a TTL. When full, the least recently
// marked key is evicted.
type Window struct {
	mu   sync.Mutex
	lru  *expirable.LRU[string, struct{}]
	ttl  time.Duration
	size int
}

// NewWindow creates a window. Non-positive arguments take the defaults.
func NewWindow(ttl time.Duration, capacity int) *Window {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Window{
		lru:  expirable.NewLRU[string, struct{}](capacity, nil, ttl),
		ttl:  ttl,
		size: capacity,
	}
}

// Observe marks key and reports whether it was already inside the window.
// Concurrent callers racing on the same new key see exactly one false.
func (w *Window) Observe(key string) (duplicate bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.lru.Peek(key); ok {
		return true
	}
	w.lru.Add(key, struct{}{})
	return false
}

// Len returns the number of keys currently held, expired ones included
// until the LRU sweeps them.
func (w *Window) Len() int {
	return w.lru.Len()
}

// TTL returns the configured retention.
func (w *Window) TTL() time.Duration { return w.ttl }

// Capacity returns the configured maximum number of keys.
func (w *Window) Capacity() int { return w.size }

// Close empties the window.
func (w *Window) Close() {
	w.lru.Purge()
}
