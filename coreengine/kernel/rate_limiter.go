package kernel

import (
	"sort"
	"sync"
	"time"
)

// =============================================================================
// Fork Limit Config
// =============================================================================

// ForkLimitConfig bounds how many processes one parent may create per window.
// A zero MaxForksPerWindow disables the limit.
type ForkLimitConfig struct {
	MaxForksPerWindow int `json:"max_forks_per_window" yaml:"max_forks_per_window"`
	WindowSeconds     int `json:"window_seconds" yaml:"window_seconds"`
}

// DefaultForkLimitConfig returns a disabled limit with a one-second window.
func DefaultForkLimitConfig() *ForkLimitConfig {
	return &ForkLimitConfig{
		MaxForksPerWindow: 0,
		WindowSeconds:     1,
	}
}

// =============================================================================
// Sliding Window
// =============================================================================

const windowBuckets = 10

// SlidingWindow counts events over the trailing window using fixed
// sub-buckets. Timestamps are seconds.
type SlidingWindow struct {
	windowSeconds int
	buckets       map[int64]int
	mu            sync.RWMutex
}

// NewSlidingWindow creates a window of windowSeconds.
func NewSlidingWindow(windowSeconds int) *SlidingWindow {
	if windowSeconds <= 0 {
		windowSeconds = 1
	}
	return &SlidingWindow{
		windowSeconds: windowSeconds,
		buckets:       make(map[int64]int),
	}
}

func (w *SlidingWindow) bucketOf(ts float64) (cur, oldest int64, size float64) {
	size = float64(w.windowSeconds) / windowBuckets
	cur = int64(ts / size)
	return cur, cur - windowBuckets, size
}

// Record adds one event at ts and returns the count in the window.
func (w *SlidingWindow) Record(ts float64) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	cur, oldest, _ := w.bucketOf(ts)
	for b := range w.buckets {
		if b < oldest {
			delete(w.buckets, b)
		}
	}
	w.buckets[cur]++
	return w.countLocked(ts)
}

// Count returns the number of events in the window ending at ts.
func (w *SlidingWindow) Count(ts float64) int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.countLocked(ts)
}

func (w *SlidingWindow) countLocked(ts float64) int {
	_, oldest, _ := w.bucketOf(ts)
	n := 0
	for b, c := range w.buckets {
		if b >= oldest {
			n += c
		}
	}
	return n
}

// RetryAfter returns the seconds until the window drops below limit.
func (w *SlidingWindow) RetryAfter(ts float64, limit int) float64 {
	w.mu.RLock()
	defer w.mu.RUnlock()

	count := w.countLocked(ts)
	if count < limit {
		return 0
	}

	_, oldest, size := w.bucketOf(ts)
	live := make([]int64, 0, len(w.buckets))
	for b := range w.buckets {
		if b >= oldest {
			live = append(live, b)
		}
	}
	sort.Slice(live, func(i, j int) bool { return live[i] < live[j] })

	excess := count - limit + 1
	expired := 0
	for _, b := range live {
		expired += w.buckets[b]
		if expired >= excess {
			wait := float64(b+1)*size + float64(w.windowSeconds) - ts
			if wait < 0 {
				return 0
			}
			return wait
		}
	}
	return float64(w.windowSeconds)
}

// IsEmpty reports whether the window holds no buckets.
func (w *SlidingWindow) IsEmpty() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.buckets) == 0
}

// =============================================================================
// Fork Limiter
// =============================================================================

// ForkLimiter guards against fork bombs by rate limiting process creation
// per parent pid.
type ForkLimiter struct {
	config  ForkLimitConfig
	windows map[ProcessID]*SlidingWindow
	now     func() time.Time
	mu      sync.Mutex
}

// NewForkLimiter creates a limiter. A nil config disables limiting.
func NewForkLimiter(config *ForkLimitConfig) *ForkLimiter {
	if config == nil {
		config = DefaultForkLimitConfig()
	}
	return &ForkLimiter{
		config:  *config,
		windows: make(map[ProcessID]*SlidingWindow),
		now:     time.Now,
	}
}

// Enabled reports whether a limit is configured.
func (l *ForkLimiter) Enabled() bool {
	return l.config.MaxForksPerWindow > 0
}

func (l *ForkLimiter) timestamp() float64 {
	return float64(l.now().UnixNano()) / 1e9
}

// Allow records a creation by parent if it is within the limit. When it is
// not, it returns false and the seconds until a slot frees up.
func (l *ForkLimiter) Allow(parent ProcessID) (bool, float64) {
	if !l.Enabled() {
		return true, 0
	}
	ts := l.timestamp()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[parent]
	if !ok {
		w = NewSlidingWindow(l.config.WindowSeconds)
		l.windows[parent] = w
	}
	if w.Count(ts) >= l.config.MaxForksPerWindow {
		return false, w.RetryAfter(ts, l.config.MaxForksPerWindow)
	}
	w.Record(ts)
	return true, 0
}

// Forget drops the window of parent.
func (l *ForkLimiter) Forget(parent ProcessID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.windows, parent)
}

// CleanupExpired drops windows with no events left. Returns how many were
// dropped.
func (l *ForkLimiter) CleanupExpired() int {
	ts := l.timestamp()

	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for pid, w := range l.windows {
		if w.Count(ts) == 0 {
			delete(l.windows, pid)
			n++
		}
	}
	return n
}
