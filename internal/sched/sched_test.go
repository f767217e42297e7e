package sched

import (
	"testing"
	"time"
)

func TestReadyQueueFIFOOrder(t *testing.T) {
	s := New(1, nil)
	idle := NewNode("idle", nil)
	s.SetIdle(0, idle)

	a := NewNode("a", nil)
	b := NewNode("b", nil)
	s.MakeReadyTail(a)
	s.MakeReadyTail(b)

	if got := s.SelectNext(0); got != a {
		t.Fatalf("expected a first, got %v", got.Owner)
	}
	if got := s.SelectNext(0); got != b {
		t.Fatalf("expected b second, got %v", got.Owner)
	}
	if got := s.SelectNext(0); got != idle {
		t.Fatal("expected idle when ready queue is empty")
	}
}

func TestMakeReadyHeadPrepends(t *testing.T) {
	s := New(1, nil)
	idle := NewNode("idle", nil)
	s.SetIdle(0, idle)

	a := NewNode("a", nil)
	b := NewNode("b", nil)
	s.MakeReadyTail(a)
	s.MakeReadyHead(b)

	if got := s.SelectNext(0); got != b {
		t.Fatal("expected head-inserted node to run first")
	}
}

func TestSleepWakesAfterTicks(t *testing.T) {
	s := New(1, nil)
	n := NewNode("sleeper", nil)
	done := make(chan struct{})
	go func() {
		s.Sleep(n, 3)
		close(done)
	}()

	// give the goroutine a chance to register in the sleep heap
	for i := 0; i < 100 && s.heapLenForTest() == 0; i++ {
		time.Sleep(time.Millisecond)
	}
	s.Tick()
	s.Tick()
	select {
	case <-done:
		t.Fatal("woke too early")
	default:
	}
	s.Tick()
	<-done
}

func (s *Scheduler) heapLenForTest() int {
	old := s.timerLock.Lock()
	defer s.timerLock.Unlock(old)
	return s.heap.Len()
}

func TestPreemptRequeuesOutgoing(t *testing.T) {
	s := New(1, nil)
	idle := NewNode("idle", nil)
	s.SetIdle(0, idle)
	a := NewNode("a", nil)
	s.MakeReadyTail(a)
	s.SelectNext(0) // a becomes current
	b := NewNode("b", nil)
	s.MakeReadyTail(b) // b is waiting, so preemption hands the cpu to b

	s.Preempt(0)
	if s.ReadyLen() != 1 {
		t.Fatalf("expected preempted thread requeued, ready len = %d", s.ReadyLen())
	}
}
