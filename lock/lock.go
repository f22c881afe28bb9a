// Package lock implements the single coordination token that serializes
// task-level mutation of the neighbor list and schedule against the
// interrupt-driven slot routine. There is no OS mutex here: an atomic
// locked flag plus a lock-requested flag implement a busy-wait handshake
// bounded by one slot length, exactly one writer at a time.
package lock

import (
	"runtime"
	"sync/atomic"
)

// SlotLock is the global coordination lock.
//
// A mutator calls TryLock, which fails if the lock is already held and
// otherwise raises the request flag, spins until the slot routine leaves its
// critical section, and takes the lock. The slot routine checks Requested at
// the top of every slot and skips the whole slot while a request is pending,
// which bounds the spin.
type SlotLock struct {
	locked    atomic.Bool
	requested atomic.Bool
	inSlot    atomic.Bool

	// spins counts busy-wait iterations of the last contended TryLock, for
	// the log ring.
	spins atomic.Uint32
}

// TryLock attempts to take the lock without blocking on another holder.
// It busy-waits only for the slot routine, never for another mutator.
func (l *SlotLock) TryLock() bool {
	if l.locked.Load() {
		return false
	}
	// Make sure no new slot operation will start.
	l.requested.Store(true)
	var spins uint32
	for l.inSlot.Load() {
		spins++
		runtime.Gosched()
	}
	l.spins.Store(spins)
	if l.locked.CompareAndSwap(false, true) {
		l.requested.Store(false)
		return true
	}
	l.requested.Store(false)
	return false
}

// Unlock releases the lock.
func (l *SlotLock) Unlock() {
	l.locked.Store(false)
}

// Locked reports whether a mutator holds the lock. Read-only traversals from
// the slot routine bail out when this is set.
func (l *SlotLock) Locked() bool {
	return l.locked.Load()
}

// Requested reports whether a mutator is waiting. The slot routine skips the
// slot entirely when set.
func (l *SlotLock) Requested() bool {
	return l.requested.Load()
}

// EnterSlot marks the slot routine's critical section.
func (l *SlotLock) EnterSlot() {
	l.inSlot.Store(true)
}

// LeaveSlot clears the slot routine's critical section.
func (l *SlotLock) LeaveSlot() {
	l.inSlot.Store(false)
}

// InSlot reports whether the slot routine is inside its critical section.
func (l *SlotLock) InSlot() bool {
	return l.inSlot.Load()
}

// LastSpins returns the busy-wait iteration count of the most recent
// contended acquisition.
func (l *SlotLock) LastSpins() uint32 {
	return l.spins.Load()
}
