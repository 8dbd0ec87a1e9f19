package fpga

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrDuplicateRequest is returned when a key is registered while an earlier
// request under the same key is still outstanding.
var ErrDuplicateRequest = errors.New("fpga: request already outstanding")

// Key correlates an answer with its request.
type Key struct {
	Address       uint16
	RequestNumber uint8
}

func (k Key) String() string {
	return fmt.Sprintf("0x%04X#%d", k.Address, k.RequestNumber)
}

// PendingTable tracks outstanding reads keyed by (address, request number),
// each with a deadline. It has no transport dependency; the poll loop feeds it
// answers and clock ticks.
type PendingTable struct {
	mu      sync.Mutex
	entries map[Key]time.Time

	stale   uint64
	expired uint64
}

// NewPendingTable returns an empty table.
func NewPendingTable() *PendingTable {
	return &PendingTable{entries: make(map[Key]time.Time)}
}

// Register records k as outstanding until deadline.
func (t *PendingTable) Register(k Key, deadline time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[k]; ok {
		return fmt.Errorf("%w: %v", ErrDuplicateRequest, k)
	}
	t.entries[k] = deadline
	return nil
}

// Resolve consumes the entry for k. It reports false, and counts the answer as
// stale, when nothing is outstanding under k.
func (t *PendingTable) Resolve(k Key) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[k]; !ok {
		t.stale++
		return false
	}
	delete(t.entries, k)
	return true
}

// Expire drops every entry whose deadline is not after now and returns their
// keys.
func (t *PendingTable) Expire(now time.Time) []Key {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Key
	for k, deadline := range t.entries {
		if !now.Before(deadline) {
			out = append(out, k)
			delete(t.entries, k)
		}
	}
	t.expired += uint64(len(out))
	return out
}

// Cancel drops k without counting it.
func (t *PendingTable) Cancel(k Key) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, k)
}

// Pending reports whether k is outstanding.
func (t *PendingTable) Pending(k Key) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[k]
	return ok
}

// Len returns the number of outstanding entries.
func (t *PendingTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Stale returns how many answers arrived for keys that were not outstanding.
func (t *PendingTable) Stale() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stale
}

// Expired returns how many entries have timed out.
func (t *PendingTable) Expired() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.expired
}
