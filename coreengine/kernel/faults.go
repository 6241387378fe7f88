package kernel

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jeeves-cluster-organization/kcore/coreengine/memory"
)

// FaultRecord describes one page fault the core could not resolve.
type FaultRecord struct {
	ID        string    `json:"id"`
	PID       ProcessID `json:"pid"`
	Name      string    `json:"name"`
	Addr      uint64    `json:"addr"`
	Code      string    `json:"code"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// FaultLog keeps the most recent fatal faults in a ring.
type FaultLog struct {
	records []FaultRecord
	next    int
	full    bool
	total   uint64
	mu      sync.Mutex
}

// NewFaultLog creates a log holding up to size records.
func NewFaultLog(size int) *FaultLog {
	if size <= 0 {
		size = 64
	}
	return &FaultLog{records: make([]FaultRecord, size)}
}

// Record appends a fault and returns its id.
func (l *FaultLog) Record(pid ProcessID, name string, addr uint64, code memory.PageFaultErrorCode, reason string) string {
	rec := FaultRecord{
		ID:        uuid.New().String(),
		PID:       pid,
		Name:      name,
		Addr:      addr,
		Code:      code.String(),
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.records[l.next] = rec
	l.next = (l.next + 1) % len(l.records)
	if l.next == 0 {
		l.full = true
	}
	l.total++
	return rec.ID
}

// Recent returns up to n records, newest first. n <= 0 returns all.
func (l *FaultLog) Recent(n int) []FaultRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	size := l.next
	if l.full {
		size = len(l.records)
	}
	if n <= 0 || n > size {
		n = size
	}

	out := make([]FaultRecord, 0, n)
	for i := 1; i <= n; i++ {
		idx := (l.next - i + len(l.records)) % len(l.records)
		out = append(out, l.records[idx])
	}
	return out
}

// Total returns the number of faults ever recorded.
func (l *FaultLog) Total() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total
}
