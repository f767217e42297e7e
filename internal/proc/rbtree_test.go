package proc

import (
	"math/rand"
	"testing"
)

func TestThreadIndexInsertFind(t *testing.T) {
	idx := NewThreadIndex()
	tcbs := make([]*TCB, 0, 100)
	for i := 1; i <= 100; i++ {
		tcb := &TCB{Tid: i}
		idx.Insert(tcb)
		tcbs = append(tcbs, tcb)
	}
	for _, tcb := range tcbs {
		if got := idx.Find(tcb.Tid); got != tcb {
			t.Fatalf("tid %d: expected %v, got %v", tcb.Tid, tcb, got)
		}
	}
	if idx.Find(9999) != nil {
		t.Fatal("expected miss for unknown tid")
	}
}

func TestThreadIndexRemove(t *testing.T) {
	idx := NewThreadIndex()
	tcbs := make([]*TCB, 0, 50)
	for i := 1; i <= 50; i++ {
		tcb := &TCB{Tid: i}
		idx.Insert(tcb)
		tcbs = append(tcbs, tcb)
	}
	rand.Shuffle(len(tcbs), func(i, j int) { tcbs[i], tcbs[j] = tcbs[j], tcbs[i] })
	for i, tcb := range tcbs {
		idx.Remove(tcb)
		if idx.Find(tcb.Tid) != nil {
			t.Fatalf("tid %d still found after remove", tcb.Tid)
		}
		for _, rest := range tcbs[i+1:] {
			if idx.Find(rest.Tid) != rest {
				t.Fatalf("tid %d lost after removing tid %d", rest.Tid, tcb.Tid)
			}
		}
	}
}
