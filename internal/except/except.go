// Package except implements SPEC_FULL.md §4.G: the fault dispatcher
// that every non-syscall trap/exception funnels through. It is a
// direct translation of original_source/kern/interrupt.c's
// handle_fault, reordered into the explicit classifier chain
// SPEC_FULL.md names: ZFOD resolution, then PV fault delegation (for
// threads presently running a PV guest), then kernel-mode usercopy
// recovery via eip0, then user-mode swexn reflection, then kill as a
// last resort.
package except

import "github.com/Nagi5Yeq/pebpeb-os/internal/config"

// Cause mirrors SWEXN_CAUSE_*: the fault vector plus enough detail to
// classify it.
type Cause int

const (
	CausePagefault Cause = iota
	CauseProtfault
	CauseDivide
	CauseDebug
	CauseBreakpoint
	CauseOverflow
	CauseOpcode
	CauseNoMath
	CauseSegment
	CauseStack
	CauseGeneral
	CauseMathFault
	CauseAlignment
	CauseMachineCheck
	CauseSIMD
	CauseDoubleFault
)

// reasons names each cause for the "LWP %d killed: %s" diagnostic,
// matching interrupt.c's reasons[] table.
var reasons = map[Cause]string{
	CausePagefault:    "pagefault",
	CauseProtfault:    "protection fault",
	CauseDivide:       "divide error",
	CauseDebug:        "debug exception",
	CauseBreakpoint:   "breakpoint",
	CauseOverflow:     "overflow",
	CauseOpcode:       "invalid opcode",
	CauseNoMath:       "device not available",
	CauseSegment:      "segment not present",
	CauseStack:        "stack fault",
	CauseGeneral:      "general protection fault",
	CauseMathFault:    "x87 floating point exception",
	CauseAlignment:    "alignment check",
	CauseMachineCheck: "machine check",
	CauseSIMD:         "SIMD floating point exception",
	CauseDoubleFault:  "double fault (unrecoverable)",
}

func (c Cause) String() string {
	if s, ok := reasons[c]; ok {
		return s
	}
	return "unknown fault"
}

// Unrecoverable reports whether a cause can never be delivered to
// user-mode swexn: a double fault or machine check always kills,
// regardless of swexn registration.
func (c Cause) Unrecoverable() bool {
	return c == CauseDoubleFault || c == CauseMachineCheck
}

// Frame is the saved register state for the faulting context, matching
// ureg_t's fields that handle_fault actually reads/writes.
type Frame struct {
	Cause      Cause
	ErrorCode  uint32
	CR2        uintptr // faulting address, valid for page faults
	EIP        uintptr
	CS         uint16
	EFlags     uint32
	ESP        uintptr
	EAX, EBX, ECX, EDX uintptr
	ESI, EDI, EBP      uintptr
}

// KernelCS identifies frames that faulted while already running
// kernel code (rather than reflecting from user mode), matching
// frame->cs == SEGSEL_KERNEL_CS.
const KernelCS = 0

// AddressSpace abstracts the subset of proc.AS the ZFOD path needs:
// resolving the first-touch fault for a lazily-backed region.
type AddressSpace interface {
	ResolveZFOD(va uintptr) bool
}

// PVGuest is implemented by a process's PV binding when it is actively
// running guest code; except delegates any fault taken while a PV
// guest is current to the guest's own reflection logic before falling
// back to this kernel's own handling, matching the hypervisor's
// "first try to deliver into the guest" contract (original_source's
// single-kernel design conflates host/guest fault paths; PV guests in
// this kernel get their own first look, per SPEC_FULL.md's domain
// stack expansion).
type PVGuest interface {
	// ReflectFault attempts to deliver the fault into the guest's
	// virtual IDT. It reports whether the guest accepted it; if not,
	// the host dispatcher continues down its own classifier chain.
	ReflectFault(f *Frame) bool
}

// Thread is the subset of proc.TCB the dispatcher needs. Method names
// are distinct from TCB's exported fields of the same meaning (Eip3,
// InHandler) since Go forbids a method and field sharing one name.
//
// This kernel runs hosted rather than on bare metal (see SPEC_FULL.md
// §10's discussion of the simulated-hardware boundary), so the
// "ureg_t pushed onto the user stack" step of the original's swexn
// delivery collapses into plain Go state: ArmSwexn just records that
// delivery happened and SwexnEntry reports where to resume, instead of
// a real copy_to_user of register state a freestanding build would
// need.
type Thread interface {
	Eip0() uintptr
	MarkRecoveryFault()
	Eip3Value() uintptr
	SwexnArmed() bool
	ArmSwexn()
	SwexnEntry() (eip, esp uintptr)
	ProcessRefcountOne() bool
	SetExitValue(v int)
}

// Killer is called when a fault cannot be resolved any other way,
// matching kill_current().
type Killer interface {
	Kill(t Thread)
}

// Dispatch runs the classifier chain for a fault taken while t was
// running, matching handle_fault's ordering exactly. as may be nil if
// the fault did not occur in user memory context; pv may be nil if t
// is not presently running a PV guest.
func Dispatch(f *Frame, t Thread, as AddressSpace, pv PVGuest, kill Killer) {
	if f.Cause == CausePagefault && f.CR2 >= config.USERMemStart && as != nil {
		if as.ResolveZFOD(f.CR2) {
			return
		}
	}

	if pv != nil {
		if pv.ReflectFault(f) {
			return
		}
	}

	if f.CS == KernelCS {
		if !t.ProcessRefcountOne() {
			// multithreaded kernel-mode fault: never a usercopy
			// recovery candidate, always fatal.
		} else if (f.Cause == CausePagefault || f.Cause == CauseProtfault) && t.Eip0() != 0 {
			f.EIP = t.Eip0()
			t.MarkRecoveryFault()
			return
		}
		if t.ProcessRefcountOne() {
			t.SetExitValue(-2)
		}
		kill.Kill(t)
		return
	}

	if !f.Cause.Unrecoverable() && t.Eip3Value() != 0 && !t.SwexnArmed() {
		eip, esp := t.SwexnEntry()
		t.ArmSwexn()
		f.EIP, f.ESP = eip, esp
		f.EAX, f.EBX, f.ECX, f.EDX = 0, 0, 0, 0
		f.ESI, f.EDI, f.EBP = 0, 0, 0
		return
	}

	if t.ProcessRefcountOne() {
		t.SetExitValue(-2)
	}
	kill.Kill(t)
}
