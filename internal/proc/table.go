package proc

import (
	"sync/atomic"

	"github.com/Nagi5Yeq/pebpeb-os/internal/config"
	"github.com/Nagi5Yeq/pebpeb-os/internal/defs"
	"github.com/Nagi5Yeq/pebpeb-os/internal/ksync"
	"github.com/Nagi5Yeq/pebpeb-os/internal/limits"
	"github.com/Nagi5Yeq/pebpeb-os/internal/mem"
	"github.com/Nagi5Yeq/pebpeb-os/internal/paging"
	"github.com/Nagi5Yeq/pebpeb-os/internal/sched"
)

// Loader loads a named executable image into a fresh address space,
// matching loader.c's responsibility in create_process; package
// archive provides the concrete implementation over the executable
// table of §6. Kept as an interface here so proc does not depend on
// archive's ELF-parsing details.
type Loader interface {
	Load(name string, as *AS, alloc *mem.Allocator, pg *paging.Kernel) (entry uintptr, ok bool)
}

// Table is the global process/thread table: the tid allocator, the
// rbtree thread index (threads/threads_lock), and the scheduler these
// lifecycle operations drive. One Table exists per booted kernel.
type Table struct {
	Sched *sched.Scheduler

	pg    *paging.Kernel
	alloc *mem.Allocator
	ld    Loader

	tidCounter int64

	threadsLock *ksync.Mutex
	threads     *ThreadIndex

	InitProcess *PCB
}

// NewTable creates an empty table wired to the given paging kernel,
// frame allocator, ncpu logical CPUs, and executable loader.
func NewTable(pg *paging.Kernel, alloc *mem.Allocator, ld Loader, ncpu int) *Table {
	return &Table{
		Sched:       sched.New(ncpu, nil),
		pg:          pg,
		alloc:       alloc,
		ld:          ld,
		threadsLock: ksync.NewMutex(nil),
		threads:     NewThreadIndex(),
	}
}

// AllocTid returns the next available tid, matching alloc_tid(); tids
// are never reused within a boot, matching the original's monotonic
// counter.
func (tb *Table) AllocTid() int {
	return int(atomic.AddInt64(&tb.tidCounter, 1))
}

// FindThread looks up a thread by tid under threads_lock, matching
// find_thread.
func (tb *Table) FindThread(tid int) *TCB {
	tb.threadsLock.Lock()
	defer tb.threadsLock.Unlock()
	return tb.threads.Find(tid)
}

func (tb *Table) addThreadIndex(t *TCB) {
	tb.threadsLock.Lock()
	tb.threads.Insert(t)
	tb.threadsLock.Unlock()
}

func (tb *Table) removeThreadIndex(t *TCB) {
	tb.threadsLock.Lock()
	tb.threads.Remove(t)
	tb.threadsLock.Unlock()
}

func newKernelStack() []byte { return make([]byte, config.KStackSize) }

// CreateEmptyProcess builds a fresh TCB+PCB pair with a new empty
// address space and no user memory, matching create_empty_process.
// The caller is responsible for giving it a tid, enqueuing it, and
// linking it to a parent.
func (tb *Table) CreateEmptyProcess() (*TCB, defs.Err_t) {
	if !limits.Syslimit.Sysprocs.Take() {
		return nil, -defs.ENOPROC
	}
	as, ok := newAS(tb.pg, tb.alloc)
	if !ok {
		limits.Syslimit.Sysprocs.Give()
		return nil, -defs.ENOMEM
	}
	pcb := newPCB(0, as)
	t := &TCB{
		Node:        sched.NewNode(nil, nil),
		Process:     pcb,
		KernelStack: newKernelStack(),
	}
	t.Node.Owner = t
	pcb.Threads = []*TCB{t}
	return t, 0
}

// CreateProcess creates a process from a named executable image,
// loading it via the table's Loader and pushing argv onto its stack,
// matching create_process. tid may be 0 to allocate a fresh one, or
// nonzero to use the given tid (exec passes the caller's tid; boot
// passes the reserved init/idle pids).
func (tb *Table) CreateProcess(tid int, exe string, argv []string) (*TCB, defs.Err_t) {
	t, errn := tb.CreateEmptyProcess()
	if errn != 0 {
		return nil, errn
	}
	if tid == 0 {
		tid = tb.AllocTid()
	}
	t.Tid = tid
	t.Process.Pid = tid

	entry, ok := tb.ld.Load(exe, t.Process.AS, tb.alloc, tb.pg)
	if !ok {
		limits.Syslimit.Sysprocs.Give()
		return nil, -defs.ENOENT
	}

	stackPages := config.DefaultStackSize / config.PageSize
	stackPA, ok := tb.alloc.Alloc(stackPages)
	if !ok {
		limits.Syslimit.Sysprocs.Give()
		return nil, -defs.ENOMEM
	}
	if e := t.Process.AS.AddRegion(config.DefaultStackPos, stackPages, stackPA, true, false); e != 0 {
		tb.alloc.Free(stackPA, stackPages)
		limits.Syslimit.Sysprocs.Give()
		return nil, e
	}
	pushArgv(t.Process.AS, argv)

	t.Esp3 = config.DefaultStackEnd
	t.Eip3 = entry
	t.Esp0 = uintptr(len(t.KernelStack))
	return t, 0
}

// pushArgv writes the argument bytes, a NULL-terminated argv pointer
// array below them, and the (argc, argv, stack_hi, stack_lo) words
// below that into the last page of a fresh stack region (the page
// config.MaxTotalArg leaves out of the argument budget).
// Errors are ignored here (a failure only means the child sees an
// empty argv, not a kernel bug) since the syscall layer already
// bounded argv's total size before calling exec/fork.
func pushArgv(as *AS, argv []string) {
	const wordSize = 4
	top := uintptr(config.DefaultStackEnd)
	lastPage := top - config.PageSize

	strAddr := top
	ptrs := make([]uint32, len(argv))
	for i, s := range argv {
		b := append([]byte(s), 0)
		strAddr -= uintptr(len(b))
		if strAddr < lastPage {
			return // argv too large for the reserved page; caller already bounded this
		}
		if !as.WriteAt(strAddr, b) {
			return
		}
		ptrs[i] = uint32(strAddr)
	}

	argvArrayAddr := strAddr - uintptr(len(ptrs)+1)*wordSize
	frameAddr := argvArrayAddr - 4*wordSize
	if frameAddr < lastPage {
		return
	}
	buf := make([]byte, 0, 4*wordSize+(len(ptrs)+1)*wordSize)
	buf = appendLE32(buf, uint32(len(argv)))
	buf = appendLE32(buf, uint32(argvArrayAddr))
	buf = appendLE32(buf, uint32(top))      // stack_hi
	buf = appendLE32(buf, uint32(lastPage)) // stack_lo
	for _, p := range ptrs {
		buf = appendLE32(buf, p)
	}
	buf = appendLE32(buf, 0) // NULL terminator
	as.WriteAt(frameAddr, buf)
}

func appendLE32(buf []byte, v uint32) []byte {
	return append(buf, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

// copyRegions replicates src's regions into dst with fresh frames for
// every region: a region still marked ZFOD stays ZFOD in dst and is not
// copied, a resident one is copied byte for byte, matching
// sys_fork_real's copy_region.
func copyRegions(alloc *mem.Allocator, pg *paging.Kernel, src, dst *AS) defs.Err_t {
	src.mu.Lock()
	regions := append([]Region(nil), src.Regions...)
	src.mu.Unlock()

	for _, r := range regions {
		pa, ok := alloc.Alloc(r.Pages)
		if !ok {
			return -defs.ENOMEM
		}
		if !r.ZFOD {
			for i := 0; i < r.Pages; i++ {
				copy(pg.FrameBytes(pa+mem.Pa_t(i)*config.PageSize), pg.FrameBytes(r.Pa+mem.Pa_t(i)*config.PageSize))
			}
		}
		if e := dst.AddRegion(r.Addr, r.Pages, pa, r.RW, r.ZFOD); e != 0 {
			alloc.Free(pa, r.Pages)
			return e
		}
	}
	return 0
}

// Fork implements the fork() syscall: rejects multithreaded callers,
// clones the caller's address space region-by-region, and links the
// new process as a live child, matching sys_fork_real.
func (tb *Table) Fork(current *TCB) (int, defs.Err_t) {
	p := current.Process
	if p.liveThreadCount() != 1 {
		return 0, -defs.EAGAIN // multithread fork() rejected (§6: state error -2 at the syscall layer)
	}
	child, errn := tb.CreateEmptyProcess()
	if errn != 0 {
		return 0, errn
	}
	if e := copyRegions(tb.alloc, tb.pg, p.AS, child.Process.AS); e != 0 {
		tb.destroyProcessShell(child)
		return 0, e
	}
	tid := tb.AllocTid()
	child.Tid = tid
	child.Process.Pid = tid
	child.Esp3, child.Eip3, child.SwexnArg = current.Esp3, current.Eip3, current.SwexnArg
	child.Esp0 = uintptr(len(child.KernelStack))

	child.Process.Parent = p
	p.WaitLock.Lock()
	p.LiveChilds = append(p.LiveChilds, child.Process)
	p.NChilds++
	p.WaitLock.Unlock()

	tb.addThreadIndex(child)
	tb.Sched.MakeReadyTail(child.Node)
	return tid, 0
}

// ThreadFork implements thread_fork(): a new TCB sharing the caller's
// process, matching sys_thread_fork_real.
func (tb *Table) ThreadFork(current *TCB) (int, defs.Err_t) {
	p := current.Process
	tid := tb.AllocTid()
	t := &TCB{
		Node:        sched.NewNode(nil, nil),
		Tid:         tid,
		Process:     p,
		Esp3:        current.Esp3,
		Eip3:        current.Eip3,
		SwexnArg:    current.SwexnArg,
		InHandler:   current.InHandler,
		KernelStack: newKernelStack(),
	}
	t.Node.Owner = t
	t.Esp0 = uintptr(len(t.KernelStack))
	if current.PTS != nil {
		current.PTS.Ref()
		t.PTS = current.PTS
	}
	p.addThread(t)
	tb.addThreadIndex(t)
	tb.Sched.MakeReadyTail(t.Node)
	return tid, 0
}

// Exec implements exec(): builds a fresh process image and in-place
// swaps it into the caller's PCB, matching sys_exec_real +
// swap_process_inplace. The caller's TCB survives (its tid/status are
// unchanged) but its Process's AS and PV are replaced by the new
// image's, and its user entry point and stack pointer are reset. The
// shell TCB/PCB that built the new image is dropped (only its
// process-count slot is returned); the caller's previous address space
// is not handed back to the allocator.
func (tb *Table) Exec(current *TCB, exe string, argv []string) defs.Err_t {
	if current.Process.liveThreadCount() != 1 {
		return -defs.EAGAIN
	}
	shell, errn := tb.CreateProcess(current.Tid, exe, argv)
	if errn != 0 {
		return errn
	}
	// swap_process_inplace: move the new image's AS/PV into the
	// caller's PCB, preserving pid/parent/wait-state identity.
	current.Process.AS = shell.Process.AS
	current.Process.PV = shell.Process.PV
	current.Esp3 = shell.Esp3
	current.Eip3 = shell.Eip3
	current.SwexnArg = 0
	current.InHandler = false
	limits.Syslimit.Sysprocs.Give() // the shell process's slot is released; identity lives on in current
	return 0
}

// Wait implements wait(): blocks until a child has exited, then
// reports its pid and exit value, matching sys_wait_real.
func (tb *Table) Wait(p *PCB) (pid, status int, errn defs.Err_t) {
	p.WaitLock.Lock()
	if p.NChilds <= p.NWaiters {
		p.WaitLock.Unlock()
		return 0, 0, -defs.ECHILD
	}
	p.NWaiters++
	for len(p.DeadChilds) == 0 {
		p.WaitCV.Wait(p.WaitLock)
	}
	child := p.DeadChilds[0]
	p.DeadChilds = p.DeadChilds[1:]
	p.NChilds--
	p.NWaiters--
	p.WaitLock.Unlock()
	return child.Pid, child.ExitValue, 0
}

// destroyProcessShell frees a process that was created but never run
// (e.g. a failed fork child), matching destroy_thread: its regions'
// frames go back to the allocator and its process slot is released.
// The page-directory and page-table frames are not returned.
func (tb *Table) destroyProcessShell(t *TCB) {
	for _, r := range t.Process.AS.Regions {
		tb.alloc.Free(r.Pa, r.Pages)
	}
	limits.Syslimit.Sysprocs.Give()
}

// reparentChildren moves p's live and dead children to init, matching
// the original's "orphans are reparented to init" convention (see
// SPEC_FULL.md §4.F; the distilled spec leaves orphan handling
// implicit, original_source reparents rather than leaking queue
// nodes).
func (tb *Table) reparentChildren(p *PCB) {
	if tb.InitProcess == nil || tb.InitProcess == p {
		return
	}
	init := tb.InitProcess
	init.WaitLock.Lock()
	for _, c := range p.LiveChilds {
		c.Parent = init
		init.LiveChilds = append(init.LiveChilds, c)
		init.NChilds++
	}
	for _, c := range p.DeadChilds {
		c.Parent = init
		init.DeadChilds = append(init.DeadChilds, c)
		init.NChilds++
	}
	init.WaitLock.Unlock()
	init.WaitCV.Broadcast()
}

// vanishThread removes t from its process and the scheduler's
// bookkeeping, freeing its process once the last thread is gone:
// every region's frames go back to the allocator (the page-directory
// and page-table frames are not returned), matching kill_current's
// thread-then-process teardown.
func (tb *Table) vanishThread(t *TCB) {
	p := t.Process
	remaining := p.removeThread(t)
	tb.removeThreadIndex(t)
	old := t.Node.StatusLock.Lock()
	t.setDead()
	t.Node.StatusLock.Unlock(old)
	if t.PTS != nil {
		t.PTS.Unref()
	}
	if remaining > 0 {
		return
	}
	if p.PV != nil {
		p.PV.Teardown()
	}
	for _, r := range p.AS.Regions {
		tb.alloc.Free(r.Pa, r.Pages)
	}
	tb.reparentChildren(p)
	limits.Syslimit.Sysprocs.Give()

	if p.Parent != nil {
		parent := p.Parent
		parent.WaitLock.Lock()
		for i, c := range parent.LiveChilds {
			if c == p {
				parent.LiveChilds = append(parent.LiveChilds[:i], parent.LiveChilds[i+1:]...)
				break
			}
		}
		parent.DeadChilds = append(parent.DeadChilds, p)
		parent.WaitLock.Unlock()
		parent.WaitCV.Signal()
	}
}

func (t *TCB) setDead() {
	// status is already guarded by the caller holding StatusLock; this
	// helper only exists to give the transition a name matching
	// THREAD_DEAD.
	t.Node.SetStatusLocked(sched.Dead)
}

// Vanish implements vanish(): the calling thread exits, matching
// sys_vanish_real -> kill_current.
func (tb *Table) Vanish(current *TCB) {
	tb.vanishThread(current)
}

// TaskVanish implements task_vanish(): every other thread in the
// process gets pending_exit set (waking any that are merely
// descheduled), then the caller itself exits, matching
// sys_task_vanish_real.
func (tb *Table) TaskVanish(current *TCB, exitValue int) {
	p := current.Process
	p.ExitValue = exitValue
	p.RefcountLock.Lock()
	siblings := append([]*TCB(nil), p.Threads...)
	p.RefcountLock.Unlock()
	for _, t := range siblings {
		old := t.Node.StatusLock.Lock()
		t.Node.PendingExit = true
		needWake := t.Node.StatusLocked() == sched.Descheduled
		t.Node.StatusLock.Unlock(old)
		if needWake {
			tb.Sched.MakeRunnable(t.Node)
		}
	}
	tb.vanishThread(current)
}

// Sleep implements sleep(): parks the caller on the scheduler's sleep
// heap for dt ticks, matching sys_sleep_real.
func (tb *Table) Sleep(current *TCB, dt int) {
	if dt <= 0 {
		return
	}
	tb.Sched.Sleep(current.Node, uint64(dt))
}

// GetTicks implements get_ticks().
func (tb *Table) GetTicks() uint64 { return tb.Sched.Ticks() }

// Deschedule implements deschedule(): parks the caller unless reject
// is set or an exit is already pending, matching sys_deschedule_real.
func (tb *Table) Deschedule(current *TCB, reject bool) defs.Err_t {
	old := current.Node.StatusLock.Lock()
	pending := current.Node.PendingExit
	current.Node.StatusLock.Unlock(old)
	if reject || pending {
		return 0
	}
	tb.Sched.Deschedule(current.Node, func() bool { return true })
	return 0
}

// NewPages implements new_pages(): allocates n_pages = length/PageSize
// fresh frames and maps them writable at base, matching
// sys_new_pages_real. base and length must already be page-aligned and
// length must be positive; the caller (package syscall) enforces that
// before calling, matching the original's copy_from_user + alignment
// checks happening before this point.
func (tb *Table) NewPages(current *TCB, base uintptr, length int) defs.Err_t {
	npages := length / config.PageSize
	if npages <= 0 {
		return -defs.EINVAL
	}
	if _, ok := current.Process.AS.Lookup(base); ok {
		return -defs.EINVAL
	}
	pa, ok := tb.alloc.Alloc(npages)
	if !ok {
		return -defs.ENOMEM
	}
	if e := current.Process.AS.AddRegion(base, npages, pa, true, false); e != 0 {
		tb.alloc.Free(pa, npages)
		return e
	}
	return 0
}

// RemovePages implements remove_pages(): frees the region starting
// exactly at base, matching sys_remove_pages_real.
func (tb *Table) RemovePages(current *TCB, base uintptr) defs.Err_t {
	pa, npages, ok := current.Process.AS.RemoveRegion(base)
	if !ok {
		return -defs.EINVAL
	}
	tb.alloc.Free(pa, npages)
	return 0
}

// MakeRunnable implements make_runnable(tid), matching
// sys_make_runnable_real.
func (tb *Table) MakeRunnable(tid int) defs.Err_t {
	t := tb.FindThread(tid)
	if t == nil {
		return -defs.ESRCH
	}
	old := t.Node.StatusLock.Lock()
	isDescheduled := t.Node.StatusLocked() == sched.Descheduled
	t.Node.StatusLock.Unlock(old)
	if !isDescheduled {
		return -2
	}
	tb.Sched.MakeRunnable(t.Node)
	return 0
}
