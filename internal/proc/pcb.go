package proc

import "github.com/Nagi5Yeq/pebpeb-os/internal/ksync"

// PVBinding is implemented by the pv package's guest control block;
// kept as a minimal interface here so proc does not import pv (which
// itself needs proc's AS/PD types), breaking the cycle.
type PVBinding interface {
	Teardown()
}

// PCB is the process control block of SPEC_FULL.md §4.F, matching
// process_t: identity, parent/child bookkeeping, the refcounted thread
// list, and the wait/cv pair used by the wait() syscall.
type PCB struct {
	Pid       int
	ExitValue int
	Parent    *PCB

	RefcountLock *ksync.Mutex
	Refcount     int
	Threads      []*TCB

	NChilds    int
	LiveChilds []*PCB
	DeadChilds []*PCB

	NWaiters int
	WaitLock *ksync.Mutex
	WaitCV   *ksync.CV

	AS *AS
	PV PVBinding
}

func newPCB(pid int, as *AS) *PCB {
	return &PCB{
		Pid:          pid,
		RefcountLock: ksync.NewMutex(nil),
		Refcount:     1,
		WaitLock:     ksync.NewMutex(nil),
		WaitCV:       ksync.NewCV(nil),
		AS:           as,
	}
}

// addThread appends t to the process's thread list under refcount
// lock, matching the thread_fork queue_insert_tail(&p->threads, ...).
func (p *PCB) addThread(t *TCB) {
	p.RefcountLock.Lock()
	p.Threads = append(p.Threads, t)
	p.Refcount++
	p.RefcountLock.Unlock()
}

// removeThread drops t from the process's thread list, returning the
// refcount remaining afterward.
func (p *PCB) removeThread(t *TCB) int {
	p.RefcountLock.Lock()
	defer p.RefcountLock.Unlock()
	for i, o := range p.Threads {
		if o == t {
			p.Threads = append(p.Threads[:i], p.Threads[i+1:]...)
			break
		}
	}
	p.Refcount--
	return p.Refcount
}

// liveThreadCount reports how many threads the process presently has,
// used by fork/exec's "reject multithread" check.
func (p *PCB) liveThreadCount() int {
	p.RefcountLock.Lock()
	defer p.RefcountLock.Unlock()
	return p.Refcount
}
