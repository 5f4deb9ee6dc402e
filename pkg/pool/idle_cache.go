package pool

import (
	"sync"
	"time"
)

// Key identifies an idle cache slot: a backend connection is only reused
// by a session that presents the same backend, user and database.
type Key struct {
	Backend  string
	User     string
	Database string
}

// Entry is one cached idle connection plus the timestamps needed to
// evaluate idle_timeout_sec/server_lifetime_sec eviction.
type Entry[T any] struct {
	Conn      T
	CreatedAt time.Time
	IdleSince time.Time
}

func (e Entry[T]) expired(now time.Time, idleTimeoutSec, lifetimeSec uint) bool {
	if idleTimeoutSec > 0 && now.Sub(e.IdleSince) >= time.Duration(idleTimeoutSec)*time.Second {
		return true
	}
	if lifetimeSec > 0 && now.Sub(e.CreatedAt) >= time.Duration(lifetimeSec)*time.Second {
		return true
	}
	return false
}

// IdleCache holds idle backend connections keyed by (backend, user,
// database), one LIFO stack per key: the most recently returned
// connection for a key is the first one handed back out. All methods are
// safe for concurrent use.
type IdleCache[T any] struct {
	mu    sync.Mutex
	byKey map[Key][]Entry[T]
}

// NewIdleCache creates an empty cache.
func NewIdleCache[T any]() *IdleCache[T] {
	return &IdleCache[T]{byKey: make(map[Key][]Entry[T])}
}

// Put pushes conn onto the top of key's stack. createdAt is when the
// underlying backend connection was first dialed (used for lifetime
// eviction); IdleSince is stamped as now.
func (c *IdleCache[T]) Put(key Key, conn T, createdAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byKey[key] = append(c.byKey[key], Entry[T]{
		Conn:      conn,
		CreatedAt: createdAt,
		IdleSince: time.Now(),
	})
}

// Take pops the first non-expired connection for key, scanning from the
// top of the stack down. Entries found expired along the way are left in
// place for a reaper (TakeOneExpired) to collect; they are never handed
// out. Returns ok=false if the stack is empty or every entry is expired.
func (c *IdleCache[T]) Take(key Key, now time.Time, idleTimeoutSec, lifetimeSec uint) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	stack := c.byKey[key]
	for i := len(stack) - 1; i >= 0; i-- {
		if idleTimeoutSec == 0 && lifetimeSec == 0 || !stack[i].expired(now, idleTimeoutSec, lifetimeSec) {
			conn := stack[i].Conn
			c.remove(key, stack, i)
			return conn, true
		}
	}
	var zero T
	return zero, false
}

// TakeOneToClose pops the most recently returned connection for key,
// regardless of expiry, for the case where a session is tearing down and
// needs to reclaim exactly one slot it just put into the pool.
func (c *IdleCache[T]) TakeOneToClose(key Key) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	stack := c.byKey[key]
	if len(stack) == 0 {
		var zero T
		return zero, false
	}
	i := len(stack) - 1
	conn := stack[i].Conn
	c.remove(key, stack, i)
	return conn, true
}

// TakeOneExpired removes and returns one expired entry for key, if any,
// so a reaper can close its underlying connection and release its
// CapacityManager slot. Returns ok=false immediately if both timeouts are
// disabled (0), since nothing can ever expire.
func (c *IdleCache[T]) TakeOneExpired(key Key, now time.Time, idleTimeoutSec, lifetimeSec uint) (T, bool) {
	if idleTimeoutSec == 0 && lifetimeSec == 0 {
		var zero T
		return zero, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	stack := c.byKey[key]
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i].expired(now, idleTimeoutSec, lifetimeSec) {
			conn := stack[i].Conn
			c.remove(key, stack, i)
			return conn, true
		}
	}
	var zero T
	return zero, false
}

// Keys returns every key that currently has at least one idle entry, for
// a reaper to sweep across. The slice is a snapshot, not a live view.
func (c *IdleCache[T]) Keys() []Key {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]Key, 0, len(c.byKey))
	for k, stack := range c.byKey {
		if len(stack) > 0 {
			keys = append(keys, k)
		}
	}
	return keys
}

// remove deletes stack[i], keeping the rest of the stack's order intact.
// Must be called with c.mu held; stack must be c.byKey[key].
func (c *IdleCache[T]) remove(key Key, stack []Entry[T], i int) {
	stack = append(stack[:i], stack[i+1:]...)
	if len(stack) == 0 {
		delete(c.byKey, key)
	} else {
		c.byKey[key] = stack
	}
}
