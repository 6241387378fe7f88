package kernel

import (
	"fmt"
	"sort"
	"sync"
)

// SemaphoreKey is the process-chosen name of a semaphore.
type SemaphoreKey uint32

// SemaphoreResultKind tells the syscall layer what to do after a wait or signal.
type SemaphoreResultKind int

const (
	// SemOK means the caller proceeds.
	SemOK SemaphoreResultKind = iota
	// SemNotExist means the key is unknown.
	SemNotExist
	// SemBlock means the caller was queued and must be blocked.
	SemBlock
	// SemWakeUp means PID was released and must be made ready.
	SemWakeUp
)

func (k SemaphoreResultKind) String() string {
	switch k {
	case SemOK:
		return "ok"
	case SemNotExist:
		return "not_exist"
	case SemBlock:
		return "block"
	case SemWakeUp:
		return "wake_up"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// SemaphoreResult is returned by Wait and Signal.
type SemaphoreResult struct {
	Kind SemaphoreResultKind
	PID  ProcessID
}

// Semaphore is a counting semaphore. A negative count is the number of
// queued waiters.
type Semaphore struct {
	count   int64
	waiters []ProcessID
	mu      sync.Mutex
}

// NewSemaphore creates a semaphore with the given initial count.
func NewSemaphore(value int64) *Semaphore {
	return &Semaphore{count: value}
}

func (s *Semaphore) wait(pid ProcessID) SemaphoreResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.count--
	if s.count < 0 {
		s.waiters = append(s.waiters, pid)
		return SemaphoreResult{Kind: SemBlock, PID: pid}
	}
	return SemaphoreResult{Kind: SemOK}
}

func (s *Semaphore) signal() SemaphoreResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.count++
	if len(s.waiters) == 0 {
		return SemaphoreResult{Kind: SemOK}
	}
	pid := s.waiters[0]
	s.waiters = s.waiters[1:]
	return SemaphoreResult{Kind: SemWakeUp, PID: pid}
}

func (s *Semaphore) cancel(pid ProcessID) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	kept := s.waiters[:0]
	for _, w := range s.waiters {
		if w == pid {
			n++
			continue
		}
		kept = append(kept, w)
	}
	s.waiters = kept
	s.count += int64(n)
	return n
}

// SemaphoreInfo is a snapshot of one semaphore.
type SemaphoreInfo struct {
	Key     SemaphoreKey `json:"key"`
	Count   int64        `json:"count"`
	Waiters []ProcessID  `json:"waiters"`
}

// =============================================================================
// Semaphore Set
// =============================================================================

// SemaphoreSet is a table of semaphores keyed by SemaphoreKey.
// The table lock is shared for wait/signal so different keys proceed
// concurrently; each semaphore serializes its own count and queue.
type SemaphoreSet struct {
	sems map[SemaphoreKey]*Semaphore
	mu   sync.RWMutex
}

// NewSemaphoreSet creates an empty set.
func NewSemaphoreSet() *SemaphoreSet {
	return &SemaphoreSet{sems: make(map[SemaphoreKey]*Semaphore)}
}

// Insert creates key with the given count. Returns false if key exists.
func (s *SemaphoreSet) Insert(key SemaphoreKey, value int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sems[key]; ok {
		return false
	}
	s.sems[key] = NewSemaphore(value)
	return true
}

// Remove deletes key and returns any processes still queued on it.
// Returns false if key does not exist.
func (s *SemaphoreSet) Remove(key SemaphoreKey) ([]ProcessID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sem, ok := s.sems[key]
	if !ok {
		return nil, false
	}
	delete(s.sems, key)

	sem.mu.Lock()
	waiters := sem.waiters
	sem.waiters = nil
	sem.mu.Unlock()
	return waiters, true
}

// Wait decrements key on behalf of pid.
func (s *SemaphoreSet) Wait(key SemaphoreKey, pid ProcessID) SemaphoreResult {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sem, ok := s.sems[key]
	if !ok {
		return SemaphoreResult{Kind: SemNotExist}
	}
	return sem.wait(pid)
}

// Signal increments key, releasing the longest waiter if there is one.
func (s *SemaphoreSet) Signal(key SemaphoreKey) SemaphoreResult {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sem, ok := s.sems[key]
	if !ok {
		return SemaphoreResult{Kind: SemNotExist}
	}
	return sem.signal()
}

// Cancel drops pid from every wait queue, giving back one count per
// dropped entry. Returns the number of entries removed.
func (s *SemaphoreSet) Cancel(pid ProcessID) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, sem := range s.sems {
		n += sem.cancel(pid)
	}
	return n
}

// Len returns the number of semaphores.
func (s *SemaphoreSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sems)
}

// Snapshot returns every semaphore ordered by key.
func (s *SemaphoreSet) Snapshot() []SemaphoreInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]SemaphoreInfo, 0, len(s.sems))
	for key, sem := range s.sems {
		sem.mu.Lock()
		out = append(out, SemaphoreInfo{
			Key:     key,
			Count:   sem.count,
			Waiters: append([]ProcessID(nil), sem.waiters...),
		})
		sem.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
