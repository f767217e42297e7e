package proc

import (
	"testing"

	"github.com/Nagi5Yeq/pebpeb-os/internal/config"
	"github.com/Nagi5Yeq/pebpeb-os/internal/mem"
	"github.com/Nagi5Yeq/pebpeb-os/internal/paging"
)

// fakeLoader maps one freshly allocated, zeroed page at a fixed
// program-break address and reports a fixed entry point, standing in
// for the archive-backed ELF loader exercised end to end in package
// archive's own tests.
type fakeLoader struct{}

const fakeEntry = uintptr(config.USERMemStart)

func (fakeLoader) Load(name string, as *AS, alloc *mem.Allocator, pg *paging.Kernel) (uintptr, bool) {
	pa, ok := alloc.Alloc(1)
	if !ok {
		return 0, false
	}
	if as.AddRegion(config.USERMemStart, 1, pa, true, false) != 0 {
		return 0, false
	}
	return fakeEntry, true
}

func newTestTable(t *testing.T) *Table {
	t.Helper()
	pg := paging.NewKernel(config.USERMemStart + 4096*config.PageSize)
	alloc := mem.NewAllocator(config.USERMemStart, 4096, pg)
	return NewTable(pg, alloc, fakeLoader{}, 1)
}

func TestCreateProcessAndFork(t *testing.T) {
	tb := newTestTable(t)
	parent, errn := tb.CreateProcess(0, "init", nil)
	if errn != 0 {
		t.Fatalf("create process failed: %d", errn)
	}
	parent.Tid = tb.AllocTid()
	parent.Process.Pid = parent.Tid
	tb.addThreadIndex(parent)

	childTid, errn := tb.Fork(parent)
	if errn != 0 {
		t.Fatalf("fork failed: %d", errn)
	}
	child := tb.FindThread(childTid)
	if child == nil {
		t.Fatal("forked child not found in thread index")
	}
	if child.Process == parent.Process {
		t.Fatal("child must get its own process")
	}
	if len(parent.Process.LiveChilds) != 1 || parent.Process.LiveChilds[0] != child.Process {
		t.Fatal("child not linked into parent's live-child list")
	}
}

func TestForkRejectsMultithreaded(t *testing.T) {
	tb := newTestTable(t)
	parent, _ := tb.CreateProcess(0, "init", nil)
	parent.Tid = tb.AllocTid()
	tb.addThreadIndex(parent)
	if _, errn := tb.ThreadFork(parent); errn != 0 {
		t.Fatalf("thread_fork failed: %d", errn)
	}
	if _, errn := tb.Fork(parent); errn == 0 {
		t.Fatal("expected fork to reject a multithreaded process")
	}
}

func TestVanishWakesWaitingParent(t *testing.T) {
	tb := newTestTable(t)
	parent, _ := tb.CreateProcess(0, "init", nil)
	parent.Tid = tb.AllocTid()
	tb.addThreadIndex(parent)
	childTid, errn := tb.Fork(parent)
	if errn != 0 {
		t.Fatalf("fork failed: %d", errn)
	}
	child := tb.FindThread(childTid)

	done := make(chan struct{})
	go func() {
		pid, _, errn := tb.Wait(parent.Process)
		if errn != 0 {
			t.Errorf("wait failed: %d", errn)
		}
		if pid != child.Process.Pid {
			t.Errorf("expected pid %d, got %d", child.Process.Pid, pid)
		}
		close(done)
	}()

	tb.Vanish(child)
	<-done
}
