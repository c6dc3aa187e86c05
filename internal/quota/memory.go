// ABOUTME: Process-local fixed-window counter store guarded by a mutex
// ABOUTME: Sufficient for one gateway instance; not shared across processes

package quota

import (
	"context"
	"sync"
	"time"
)

// rateWindow is one live fixed window for an identity.
type rateWindow struct {
	count   int64
	resetAt time.Time
}

// MemoryCounterStore implements CounterStore with an in-process map.
// Exactly one live window exists per key; once resetAt passes the window
// resets unconditionally. A fixed window permits up to twice the nominal
// rate at a window boundary; accepted trade-off for predictability.
type MemoryCounterStore struct {
	mu      sync.Mutex
	windows map[string]*rateWindow
	now     func() time.Time // overridable in tests
}

// NewMemoryCounterStore creates an empty in-memory counter store.
func NewMemoryCounterStore() *MemoryCounterStore {
	return &MemoryCounterStore{
		windows: make(map[string]*rateWindow),
		now:     time.Now,
	}
}

// Incr increments the counter for key within the current window.
func (s *MemoryCounterStore) Incr(_ context.Context, key string, window time.Duration) (int64, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	w, ok := s.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = &rateWindow{resetAt: now.Add(window)}
		s.windows[key] = w
	}
	w.count++
	return w.count, w.resetAt, nil
}

// SetClock overrides the time source. Test hook.
func (s *MemoryCounterStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}
