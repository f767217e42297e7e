// Package ksync implements SPEC_FULL.md §4.D: spinlocks with IF-save
// discipline, and mutexes/condition-variables built on top of them. It
// is grounded on original_source/kern/sync.c, adapted from assembly
// context-switch primitives to goroutine parking: on real hardware a
// blocked thread's kernel stack is paused via yield_to_spl_unlock; here
// the same guard-then-park-then-release discipline is expressed with a
// per-waiter channel, which is the idiomatic Go analogue of "suspend
// until woken with the guard already known released."
package ksync

import (
	"runtime"
	"sync/atomic"
)

// CPUState is implemented by the scheduler's per-CPU record. Spinlock
// calls it to save/restore the virtual interrupt flag around a critical
// section, matching save_clear_if/restore_if: on a uniprocessor build a
// CPUState may elide the actual busy-wait (§4.D) but must still honor
// the IF save/restore contract so that nested primitives observe a
// consistent flag.
type CPUState interface {
	SaveClearIF() bool
	RestoreIF(old bool)
}

// nullCPU is used when a caller has no per-CPU state to wire in (e.g.
// package-level tests); it keeps the IF discipline a no-op rather than
// requiring every test to stand up a scheduler.
type nullCPU struct{}

func (nullCPU) SaveClearIF() bool   { return true }
func (nullCPU) RestoreIF(bool)      {}

// Spinlock is a single-integer lock with IF-save semantics: Lock
// disables interrupts and returns the flag that was in effect before,
// Unlock restores it. On SMP this also spins; on a single CPU the
// IF-disable alone is sufficient to exclude the only other writer (the
// local timer interrupt), matching §4.D's uniprocessor carve-out.
type Spinlock struct {
	held atomic.Bool
	cpu  CPUState
}

// NewSpinlock creates a lock whose IF discipline is driven by cpu. A
// nil cpu uses a no-op CPUState, suitable for tests exercising the
// queueing logic without a scheduler.
func NewSpinlock(cpu CPUState) *Spinlock {
	if cpu == nil {
		cpu = nullCPU{}
	}
	return &Spinlock{cpu: cpu}
}

// Lock disables interrupts, spins until acquired, and returns the
// previous interrupt-flag state for the caller to hand back to Unlock.
func (s *Spinlock) Lock() bool {
	old := s.cpu.SaveClearIF()
	for !s.held.CompareAndSwap(false, true) {
		runtime.Gosched()
	}
	return old
}

// Unlock releases the lock and restores the interrupt flag saved by
// the matching Lock.
func (s *Spinlock) Unlock(oldIF bool) {
	s.held.Store(false)
	s.cpu.RestoreIF(oldIF)
}

// waitNode is one parked waiter in a Mutex or CV queue.
type waitNode struct {
	wake chan struct{}
}

func newWaitNode() *waitNode { return &waitNode{wake: make(chan struct{})} }

// Mutex is a sleeping lock: contended lockers enqueue and park rather
// than spin, matching mutex_t. The guard spinlock serializes access to
// locked/waiters; Lock releases the guard only after the waiter is
// durably enqueued, so a concurrent Unlock can never miss the wakeup
// (the property yield_to_spl_unlock exists to guarantee on real
// hardware).
type Mutex struct {
	guard   *Spinlock
	locked  bool
	waiters []*waitNode
}

// NewMutex creates an unlocked mutex whose guard spinlock is driven by
// cpu (see Spinlock).
func NewMutex(cpu CPUState) *Mutex {
	return &Mutex{guard: NewSpinlock(cpu)}
}

// Lock blocks until the mutex is held by the calling goroutine.
func (m *Mutex) Lock() {
	oldIF := m.guard.Lock()
	if !m.locked {
		m.locked = true
		m.guard.Unlock(oldIF)
		return
	}
	n := newWaitNode()
	m.waiters = append(m.waiters, n)
	m.guard.Unlock(oldIF)
	<-n.wake
	// ownership was transferred to us by Unlock; m.locked is already true
}

// Unlock releases the mutex, transferring ownership directly to the
// head waiter if one is queued (so locked never transiently becomes
// false while someone is waiting), matching mutex_unlock's "transfer
// lock ownership to t."
func (m *Mutex) Unlock() {
	oldIF := m.guard.Lock()
	if len(m.waiters) == 0 {
		m.locked = false
		m.guard.Unlock(oldIF)
		return
	}
	n := m.waiters[0]
	m.waiters = m.waiters[1:]
	m.guard.Unlock(oldIF)
	close(n.wake)
}

// CV is a condition variable that must be paired with a Mutex held by
// the caller, matching cv_t's wait/signal/broadcast contract.
type CV struct {
	guard   *Spinlock
	waiters []*waitNode
}

// NewCV creates a condition variable whose guard spinlock is driven by
// cpu.
func NewCV(cpu CPUState) *CV {
	return &CV{guard: NewSpinlock(cpu)}
}

// Wait atomically releases m, blocks until Signal/Broadcast wakes this
// caller, then reacquires m before returning — callers must still
// re-check their condition in a loop, since spurious wakeups from a
// concurrent task_vanish-style broadcast are possible.
func (cv *CV) Wait(m *Mutex) {
	oldIF := cv.guard.Lock()
	n := newWaitNode()
	cv.waiters = append(cv.waiters, n)
	cv.guard.Unlock(oldIF)
	m.Unlock()
	<-n.wake
	m.Lock()
}

// Signal wakes one waiter, if any, matching cv_signal's transfer to the
// ready-queue head (§5: "wake-ups from cv_signal go to ready head").
func (cv *CV) Signal() {
	oldIF := cv.guard.Lock()
	if len(cv.waiters) == 0 {
		cv.guard.Unlock(oldIF)
		return
	}
	n := cv.waiters[0]
	cv.waiters = cv.waiters[1:]
	cv.guard.Unlock(oldIF)
	close(n.wake)
}

// Broadcast wakes every waiter, used by task_vanish-style "wake every
// descheduled sibling" paths.
func (cv *CV) Broadcast() {
	oldIF := cv.guard.Lock()
	ws := cv.waiters
	cv.waiters = nil
	cv.guard.Unlock(oldIF)
	for _, n := range ws {
		close(n.wake)
	}
}
