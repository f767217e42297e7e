// Package sched implements the scheduling machinery of SPEC_FULL.md
// §4.E: a ready queue of intrusive Node pointers, per-CPU current/idle
// bookkeeping, and a sleep min-heap. It mirrors sched.c/sched.h's
// ready-queue and timer logic; the node-per-TCB intrusive-list
// technique follows SPEC_FULL.md §9's design note directly.
//
// Each kernel thread is backed by one goroutine (see package proc).
// Real hardware performs save_and_setup_env/yield_to_spl_unlock to
// transfer the CPU to another thread's kernel stack; this package
// instead parks/unparks the owning goroutine on its Node's channel,
// which is the natural Go expression of the same "suspend until someone
// else marks you runnable" contract. The ready queue and per-CPU
// current/idle fields are still tracked explicitly so the invariants of
// SPEC_FULL.md §8 (exactly the ready threads are in the queue, current
// is never enqueued, etc.) hold and are assertable by tests.
package sched

import (
	"container/heap"
	"sync"

	"github.com/Nagi5Yeq/pebpeb-os/internal/ksync"
)

// Status is a thread's scheduling state, matching thr_stat_t.
type Status int

const (
	Running Status = iota
	Ready
	Blocked
	Sleeping
	Descheduled
	Dead
)

// Node is the scheduler-visible part of a TCB: the intrusive ready-list
// linkage, status, and parking channel. Package proc embeds a *Node in
// its TCB and stores the TCB back in Owner so the scheduler can hand
// back the owning thread without importing package proc (which would
// create an import cycle, since proc imports sched).
type Node struct {
	StatusLock *ksync.Spinlock
	status     Status

	next, prev *Node // ready-queue links; nil when not enqueued

	wakeTick uint64
	heapIdx  int // index into the scheduler's sleep heap, -1 when absent

	parkCh chan struct{}

	PendingExit bool
	Owner       interface{}
}

// NewNode creates a Node ready for use; cpu may be nil (see
// ksync.NewSpinlock).
func NewNode(owner interface{}, cpu ksync.CPUState) *Node {
	return &Node{
		StatusLock: ksync.NewSpinlock(cpu),
		status:     Descheduled,
		heapIdx:    -1,
		parkCh:     make(chan struct{}, 1),
		Owner:      owner,
	}
}

// Status returns the node's current status under its status lock, per
// §5's "per-thread status_lock (spinlock): protects status
// transitions."
func (n *Node) Status() Status {
	old := n.StatusLock.Lock()
	s := n.status
	n.StatusLock.Unlock(old)
	return s
}

func (n *Node) setStatus(s Status) {
	old := n.StatusLock.Lock()
	n.status = s
	n.StatusLock.Unlock(old)
}

// StatusLocked returns the node's status without acquiring StatusLock;
// callers must already hold it (e.g. task_vanish-style code that locks
// once to both read and decide on a status transition). Using Status
// instead here would deadlock against the Spinlock's own non-reentrant
// CAS.
func (n *Node) StatusLocked() Status { return n.status }

// SetStatusLocked sets the node's status without acquiring StatusLock;
// callers must already hold it.
func (n *Node) SetStatusLocked(s Status) { n.status = s }

// Park blocks the calling goroutine until Wake is called on this node.
// Callers must have already set the node's status (Blocked, Sleeping,
// or Descheduled) and released any locks they held, matching the
// "guard released only after suspension is recorded" discipline of
// yield_to_spl_unlock.
func (n *Node) Park() {
	<-n.parkCh
}

// wake unparks the node's goroutine. Safe to call even if the node
// never parks (e.g. make_runnable racing a thread that hasn't yet
// called deschedule): the buffered channel absorbs one pending wakeup,
// matching the real kernel's "descheduled threads are force-made-ready"
// rule for pending-exit delivery.
func (n *Node) wake() {
	select {
	case n.parkCh <- struct{}{}:
	default:
	}
}

// sleepHeap adapts Nodes to container/heap's Interface as a small
// slice wrapper, since Node itself doesn't implement
// heap.Interface (only the scheduler's slice of them does).
type sleepHeap []*Node

func (h sleepHeap) Len() int            { return len(h) }
func (h sleepHeap) Less(i, j int) bool  { return h[i].wakeTick < h[j].wakeTick }
func (h sleepHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIdx, h[j].heapIdx = i, j
}
func (h *sleepHeap) Push(x interface{}) {
	n := x.(*Node)
	n.heapIdx = len(*h)
	*h = append(*h, n)
}
func (h *sleepHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.heapIdx = -1
	*h = old[:n-1]
	return item
}

// PerCPU is the per-logical-CPU bookkeeping of sched.h's percpu_t:
// which thread is presently "current" and which is this CPU's idle
// thread.
type PerCPU struct {
	Current *Node
	Idle    *Node
}

// Scheduler owns the ready queue and sleep heap described in §4.E,
// guarded by readyLock/timerLock as §5 names them.
type Scheduler struct {
	readyLock *ksync.Spinlock
	readyHead *Node
	readyLen  int

	timerLock *ksync.Spinlock
	heap      sleepHeap
	ticks     uint64

	cpuMu sync.Mutex
	cpus  []PerCPU
}

// New creates a scheduler for ncpu logical CPUs.
func New(ncpu int, cpu ksync.CPUState) *Scheduler {
	return &Scheduler{
		readyLock: ksync.NewSpinlock(cpu),
		timerLock: ksync.NewSpinlock(cpu),
		cpus:      make([]PerCPU, ncpu),
	}
}

// SetIdle installs cpu's idle thread; idle threads are never enqueued
// in the ready list (§4.E invariant 3).
func (s *Scheduler) SetIdle(cpu int, n *Node) {
	s.cpuMu.Lock()
	s.cpus[cpu].Idle = n
	s.cpuMu.Unlock()
}

// Current returns the thread presently marked as running on cpu.
func (s *Scheduler) Current(cpu int) *Node {
	s.cpuMu.Lock()
	defer s.cpuMu.Unlock()
	return s.cpus[cpu].Current
}

func (s *Scheduler) setCurrent(cpu int, n *Node) {
	s.cpuMu.Lock()
	s.cpus[cpu].Current = n
	s.cpuMu.Unlock()
}

// enqueue appends (tail=true) or prepends (tail=false) n to the ready
// list. Caller holds readyLock.
func (s *Scheduler) enqueue(n *Node, tail bool) {
	if s.readyHead == nil {
		n.next, n.prev = n, n
		s.readyHead = n
	} else if tail {
		last := s.readyHead.prev
		last.next = n
		n.prev = last
		n.next = s.readyHead
		s.readyHead.prev = n
	} else {
		first := s.readyHead
		prevLast := first.prev
		n.next = first
		n.prev = prevLast
		prevLast.next = n
		first.prev = n
		s.readyHead = n
	}
	s.readyLen++
}

func (s *Scheduler) remove(n *Node) {
	if n.next == nil {
		return // not enqueued
	}
	if n.next == n {
		s.readyHead = nil
	} else {
		n.prev.next = n.next
		n.next.prev = n.prev
		if s.readyHead == n {
			s.readyHead = n.next
		}
	}
	n.next, n.prev = nil, nil
	s.readyLen--
}

// MakeReadyTail marks n ready and appends it to the ready queue's tail,
// used by timer-wake and I/O-complete paths per §5's ordering
// guarantees.
func (s *Scheduler) MakeReadyTail(n *Node) {
	n.setStatus(Ready)
	old := s.readyLock.Lock()
	s.enqueue(n, true)
	s.readyLock.Unlock(old)
}

// MakeReadyHead marks n ready and prepends it, used by cv_signal/
// mutex_unlock hand-off paths per §5's "wake-ups from cv_signal go to
// ready head."
func (s *Scheduler) MakeReadyHead(n *Node) {
	n.setStatus(Ready)
	old := s.readyLock.Lock()
	s.enqueue(n, false)
	s.readyLock.Unlock(old)
}

// SelectNext pops the ready queue's head and installs it as cpu's
// current thread, falling back to cpu's idle thread if the queue is
// empty. It wakes the chosen thread's goroutine.
func (s *Scheduler) SelectNext(cpu int) *Node {
	old := s.readyLock.Lock()
	var next *Node
	if s.readyHead != nil {
		next = s.readyHead
		s.remove(next)
	}
	s.readyLock.Unlock(old)

	if next == nil {
		s.cpuMu.Lock()
		next = s.cpus[cpu].Idle
		s.cpuMu.Unlock()
	}
	next.setStatus(Running)
	s.setCurrent(cpu, next)
	next.wake()
	return next
}

// Preempt appends the outgoing thread (if not idle) to the ready tail
// and selects the next thread to run on cpu, matching the timer-IRQ
// preemption path of §4.E.
func (s *Scheduler) Preempt(cpu int) {
	s.cpuMu.Lock()
	outgoing := s.cpus[cpu].Current
	idle := s.cpus[cpu].Idle
	s.cpuMu.Unlock()
	if outgoing != nil && outgoing != idle {
		s.MakeReadyTail(outgoing)
	}
	s.SelectNext(cpu)
}

// Yield puts n back at the ready tail and parks its goroutine,
// matching yield(-1)'s "give up the CPU voluntarily" path. For a
// yield to a specific tid, package syscall only checks that the target
// thread exists before calling this; its status is not checked.
func (s *Scheduler) Yield(n *Node) {
	n.setStatus(Ready)
	s.MakeReadyTail(n)
	n.Park()
}

// Deschedule puts n into the Descheduled state and parks its
// goroutine. shouldBlock is consulted with n's status lock conceptually
// held (mirroring the reject-flag race the deschedule syscall guards
// against); if it returns false the thread never parks.
func (s *Scheduler) Deschedule(n *Node, shouldBlock func() bool) {
	n.setStatus(Descheduled)
	if !shouldBlock() {
		n.setStatus(Running)
		return
	}
	n.Park()
}

// MakeRunnable forces a descheduled (or about-to-deschedule) thread
// ready immediately, matching make_runnable and task_vanish's "wake any
// descheduled siblings."
func (s *Scheduler) MakeRunnable(n *Node) {
	s.MakeReadyTail(n)
	n.wake()
}

// Sleep parks n until at least `ticks` scheduler ticks have elapsed,
// matching the sleep syscall's min-heap wait.
func (s *Scheduler) Sleep(n *Node, ticks uint64) {
	n.setStatus(Sleeping)
	old := s.timerLock.Lock()
	n.wakeTick = s.ticks + ticks
	heap.Push(&s.heap, n)
	s.timerLock.Unlock(old)
	n.Park()
}

// Tick advances the scheduler's notion of time by one and makes every
// thread whose deadline has passed ready, matching the timer handler's
// "pop all expired entries and make them ready."
func (s *Scheduler) Tick() {
	old := s.timerLock.Lock()
	s.ticks++
	now := s.ticks
	var woken []*Node
	for s.heap.Len() > 0 && s.heap[0].wakeTick <= now {
		n := heap.Pop(&s.heap).(*Node)
		woken = append(woken, n)
	}
	s.timerLock.Unlock(old)
	for _, n := range woken {
		s.MakeReadyTail(n)
		n.wake()
	}
}

// Ticks reports the current tick count (for GET_TICKS).
func (s *Scheduler) Ticks() uint64 {
	old := s.timerLock.Lock()
	t := s.ticks
	s.timerLock.Unlock(old)
	return t
}

// ReadyLen reports how many threads are presently ready, for the
// invariant tests of §8.
func (s *Scheduler) ReadyLen() int {
	old := s.readyLock.Lock()
	n := s.readyLen
	s.readyLock.Unlock(old)
	return n
}
