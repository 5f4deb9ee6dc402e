// Package pool implements the three pieces of connection pooling state a
// session needs: the per-backend capacity count, the idle connection
// cache, and the wait queue sessions park in when a backend is at
// capacity.
package pool

import "sync"

// CapacityManager tracks in_use and in_pool connection counts per backend
// name and enforces each backend's configured max. All methods are safe
// for concurrent use.
type CapacityManager struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	inUse  uint
	inPool uint
	max    uint // 0 = unlimited
}

// NewCapacityManager creates a manager. Backend max sizes are registered
// lazily on first use via SetMax, or default to unlimited (0) otherwise.
func NewCapacityManager() *CapacityManager {
	return &CapacityManager{slots: make(map[string]*slot)}
}

// SetMax registers (or updates) the max connection count for a backend.
// Safe to call before any Acquire/Release traffic, or to adjust later;
// existing in_use/in_pool counts are preserved.
func (cm *CapacityManager) SetMax(backend string, max uint) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.slot(backend).max = max
}

func (cm *CapacityManager) slot(backend string) *slot {
	s, ok := cm.slots[backend]
	if !ok {
		s = &slot{}
		cm.slots[backend] = s
	}
	return s
}

// Acquire reserves a slot for a brand new backend connection (in_use++).
// Returns false if the backend is already at its max (in_use+in_pool).
func (cm *CapacityManager) Acquire(backend string) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	s := cm.slot(backend)
	if s.max > 0 && s.inUse+s.inPool >= s.max {
		return false
	}
	s.inUse++
	return true
}

// Release gives up a connection's slot entirely (in_use--): the
// connection is being closed, not returned to the pool.
func (cm *CapacityManager) Release(backend string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	s := cm.slot(backend)
	if s.inUse > 0 {
		s.inUse--
	}
}

// PutIntoPool moves a slot from in_use to in_pool: the connection is being
// cached idle rather than closed. A no-op if nothing is in use.
func (cm *CapacityManager) PutIntoPool(backend string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	s := cm.slot(backend)
	if s.inUse > 0 {
		s.inUse--
		s.inPool++
	}
}

// TakeFromPool moves a slot from in_pool to in_use: an idle connection is
// being handed to a new session. Returns false if nothing is in the pool
// for this backend (the caller has no business calling this then).
func (cm *CapacityManager) TakeFromPool(backend string) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	s := cm.slot(backend)
	if s.inPool == 0 {
		return false
	}
	s.inPool--
	s.inUse++
	return true
}

// ReleasePooled releases a slot that was in_pool (e.g. the idle cache is
// discarding an expired entry), without ever having gone back to in_use.
func (cm *CapacityManager) ReleasePooled(backend string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	s := cm.slot(backend)
	if s.inPool > 0 {
		s.inPool--
	}
}

// Stats reports the current in_use/in_pool/max counts for a backend.
type Stats struct {
	InUse  uint
	InPool uint
	Max    uint
}

// Stats returns a snapshot of the counts for backend.
func (cm *CapacityManager) Stats(backend string) Stats {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	s := cm.slot(backend)
	return Stats{InUse: s.inUse, InPool: s.inPool, Max: s.max}
}
