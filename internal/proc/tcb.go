package proc

import "github.com/Nagi5Yeq/pebpeb-os/internal/sched"

// ConsoleBinding is implemented by package pts's per-thread handle; proc
// only needs to keep it alive and release it on exit, so the interface
// is kept minimal here to avoid proc importing pts.
type ConsoleBinding interface {
	Ref()
	Unref()
}

// TCB is the thread control block of SPEC_FULL.md §4.F, embedding the
// scheduler's intrusive Node (status, ready-list linkage, park channel)
// and adding the fields specific to this kernel's threads: user
// exception registration, kernel fault-recovery EIP, and the owning
// process/console.
type TCB struct {
	*sched.Node

	Tid     int
	Process *PCB

	// User exception (swexn) registration, matching esp3/eip3/swexn_arg/df3.
	Esp3      uintptr
	Eip3      uintptr
	SwexnArg  uintptr
	InHandler bool

	// Esp0 is the ring-0 entry stack pointer (conceptually fixed per
	// thread on real hardware); Eip0 is the kernel fault-recovery
	// address usercopy installs around a copy loop.
	Esp0 uintptr
	eip0 uintptr

	// recoveryFaulted is set by the exception dispatcher when it
	// redirects a fault's EIP to Eip0, and consumed by TookRecoveryFault.
	recoveryFaulted bool

	// KernelStack stands in for the real kernel stack memory; this
	// kernel does not perform an actual context switch (see package
	// sched's doc comment), so nothing reads it besides bookkeeping and
	// tests that want to assert a stack was allocated.
	KernelStack []byte

	PTS ConsoleBinding

	rbLink *rbNode
}

// SetEIP0 implements usercopy.Thread.
func (t *TCB) SetEIP0(v uintptr) uintptr {
	old := t.eip0
	t.eip0 = v
	return old
}

// RestoreEIP0 implements usercopy.Thread.
func (t *TCB) RestoreEIP0(old uintptr) {
	t.eip0 = old
	t.recoveryFaulted = false
}

// TookRecoveryFault implements usercopy.Thread.
func (t *TCB) TookRecoveryFault() bool {
	v := t.recoveryFaulted
	t.recoveryFaulted = false
	return v
}

// Eip0 returns the currently installed kernel fault-recovery address,
// used by the exception dispatcher to decide whether a kernel-mode
// fault is an in-progress usercopy rather than a real kernel bug.
func (t *TCB) Eip0() uintptr { return t.eip0 }

// MarkRecoveryFault records that a fault was redirected to the
// recovery stub, called by the exception dispatcher.
func (t *TCB) MarkRecoveryFault() { t.recoveryFaulted = true }

// Eip3Value implements except.Thread (named to avoid colliding with
// the Eip3 field).
func (t *TCB) Eip3Value() uintptr { return t.Eip3 }

// SwexnArmed implements except.Thread, matching df3 != 0.
func (t *TCB) SwexnArmed() bool { return t.InHandler }

// ArmSwexn implements except.Thread: marks swexn delivery in progress
// and consumes the one-shot handler registration, matching
// handle_fault's current->df3 = 1; current->eip3 = 0.
func (t *TCB) ArmSwexn() {
	t.InHandler = true
	t.Eip3 = 0
}

// SwexnEntry implements except.Thread, reporting where execution
// should resume to run the registered handler.
func (t *TCB) SwexnEntry() (eip, esp uintptr) {
	return t.Eip3, t.Esp3
}

// ProcessRefcountOne implements except.Thread: only a single-threaded
// process gets exit_value = -2 when the dispatcher kills its faulting
// thread, and only a single-threaded process's kernel-mode fault is a
// candidate for eip0 recovery.
func (t *TCB) ProcessRefcountOne() bool { return t.Process.liveThreadCount() == 1 }

// SetExitValue implements except.Thread.
func (t *TCB) SetExitValue(v int) { t.Process.ExitValue = v }
