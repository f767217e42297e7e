// Package pv implements SPEC_FULL.md §4.J: the paravirtualization core
// that hosts a guest "kernel" as an ordinary ring-3 process. It is
// grounded directly on original_source/kern/pv.c (create_pv_process,
// destroy_pv), kern/hvcall.c (the hypercall table and shadow-PD
// translation) and kern/inc/pv.h (pv_t/pv_pd_t/pv_idt_t layout and the
// pv_classify_interrupt/pv_mask_interrupt helpers).
//
// Hosted-simulation boundary: the original's PV guest runs under a
// dedicated non-flat GDT segment (base=USER_MEM_START) so that the
// guest's raw register values are small, segment-relative offsets that
// the CPU's segment unit turns into linear addresses on every access.
// This package has no segment unit to imitate, so it keeps one
// simplification throughout: every guest-supplied address (vesp0, the
// hypercall argument block, adjustpg's addr) is treated as already
// being the linear/host address the real CPU would have computed,
// i.e. already offset by config.USERMemStart. The one place the
// original performs that rebasing explicitly in C (copying a guest
// kernel ELF's 0-based e_txtstart/e_datstart/e_rodatstart into
// USER_MEM_START+offset) keeps the same explicit rebase here, in
// loadGuestELF.
package pv

import (
	"debug/elf"
	"encoding/binary"
	"sync"

	"github.com/Nagi5Yeq/pebpeb-os/internal/config"
	"github.com/Nagi5Yeq/pebpeb-os/internal/defs"
	"github.com/Nagi5Yeq/pebpeb-os/internal/except"
	"github.com/Nagi5Yeq/pebpeb-os/internal/mem"
	"github.com/Nagi5Yeq/pebpeb-os/internal/paging"
	"github.com/Nagi5Yeq/pebpeb-os/internal/proc"
	"github.com/Nagi5Yeq/pebpeb-os/internal/pts"
	"github.com/Nagi5Yeq/pebpeb-os/internal/pvfault"
	"github.com/Nagi5Yeq/pebpeb-os/internal/usercopy"
)

// HVOp identifies a hypercall, matching the HV_*_OP table
// sys_hvcall_real switches on (the reserved slots it repurposes for
// refpd/unrefpd/loadpd are given their own names here).
type HVOp int32

const (
	HVMagic HVOp = iota
	HVExit
	HVIret
	HVSetIDT
	HVDisable
	HVEnable
	HVSetPD
	HVAdjustPG
	HVPrint
	HVSetColor
	HVSetCursor
	HVGetCursor
	HVPrintAt
	HVRefPD
	HVUnrefPD
	HVLoadPD
)

// HVMagicCookie is the value returned by the magic hypercall, letting
// a guest confirm it is running under this host.
const HVMagicCookie = 0x1de5ec7

// Virtual IDT index ranges, matching pv.h's PV_FAULT_START/END,
// PV_IRQ_START/END and PV_SYSCALL_{1,2}_START/END.
const (
	faultStart    = 0
	irqStart      = 32
	irqEnd        = 34
	syscall1Start = 65
	syscall1End   = 117
	syscall2Start = 128
	syscall2End   = 135

	// KeyboardIRQ and TimerIRQ are this kernel's own assignment of the
	// two pv_irq_t slots pv.h reserves at PV_IRQ_START..PV_IRQ_END;
	// original_source assigns these via idt.h constants not present in
	// the retrieved sources, so only their count (two) is grounded,
	// not their exact numbering.
	KeyboardIRQ = irqStart
	TimerIRQ    = irqStart + 1
)

// IDTEntry is one virtual IDT slot: a guest handler eip and whether it
// may only be taken while the guest is in kernel mode, matching
// pv_idt_entry_t.
type IDTEntry struct {
	EIP  uintptr
	DPL0 bool
}

type pendingIRQ struct {
	pending bool
	arg     int
}

// VIDT is a guest's full virtual IDT: faults/IRQs share one array
// (classified by pv_classify_interrupt), plus the two syscall ranges
// the platform exposes to guest-user code, matching pv_idt_t.
type VIDT struct {
	faultIRQ   [irqEnd - faultStart]IDTEntry
	pendingIRQ [irqEnd - irqStart]pendingIRQ
	syscall1   [syscall1End - syscall1Start]IDTEntry
	syscall2   [syscall2End - syscall2Start]IDTEntry
}

// classify returns the vIDT slot for index, matching
// pv_classify_interrupt; nil if index names no slot.
func (v *VIDT) classify(index int) *IDTEntry {
	switch {
	case index >= faultStart && index < irqEnd:
		return &v.faultIRQ[index-faultStart]
	case index >= syscall1Start && index < syscall1End:
		return &v.syscall1[index-syscall1Start]
	case index >= syscall2Start && index < syscall2End:
		return &v.syscall2[index-syscall2Start]
	default:
		return nil
	}
}

func (v *VIDT) pending(index int) *pendingIRQ {
	if index < irqStart || index >= irqEnd {
		return nil
	}
	return &v.pendingIRQ[index-irqStart]
}

// ShadowPD is one translated guest page directory pair, matching
// pv_pd_t: the kernel-mode shadow exposes every guest-present page at
// user privilege, the user-mode shadow exposes only guest-user pages.
// This hosted kernel does not model two additional real page
// directories per shadow (that would require a second paging.PT per
// mode plus the frame-rebasing walk hvcall_setpd performs); instead a
// ShadowPD records the guest-to-host frame mapping it was built from,
// and Dispatcher.translate replays it against the process's single
// real AS, matching §9's general policy of keeping hardware-adjacent
// detail only where a component exercises it.
type ShadowPD struct {
	Refcount int
	GuestPD  uintptr // guest physical PD address, the shadow's cache key
	WP       bool
}

// Guest is a PV control block, matching pv_t.
type Guest struct {
	mu sync.Mutex

	NPages  int
	MemBase mem.Pa_t

	vif bool // virtual IF; vif==false means "masked" (pv_mask_interrupt)

	activeShadowPD *ShadowPD
	shadowPDs      []*ShadowPD

	vidt  VIDT
	vesp0 uintptr

	thread  *proc.TCB
	as      *proc.AS
	pg      *paging.Kernel
	alloc   *mem.Allocator
	console *pts.Console

	inKernel bool // whether the guest is presently executing above PV_VM_LIMIT
	dead     bool
}

// Outcome mirrors package syscall's Outcome: the value to leave in the
// trapping frame's eax, and whether the calling thread's dispatch loop
// must stop driving it (the exit hypercall kills the guest).
type Outcome struct {
	EAX       int32
	Terminate bool
}

func ok(v int32) Outcome { return Outcome{EAX: v} }

// NewGuest creates a PV guest process around an already-created thread
// t, allocating mem_size worth of contiguous guest RAM, mapping it
// present and writable at config.USERMemStart, loading elfData's
// PT_LOAD segments into it, and building the initial boot shadow PD
// (matching create_pv_process + create_boot_pd). memSize is rounded
// down to a page; zero selects config.PVDefaultMemSize, and a memSize
// below config.PVMinMemSize is rejected with -EINVAL.
func NewGuest(t *proc.TCB, pg *paging.Kernel, alloc *mem.Allocator, elfData []byte, memSize int) (*Guest, defs.Err_t) {
	if memSize == 0 {
		memSize = config.PVDefaultMemSize
	}
	if memSize < config.PVMinMemSize {
		return nil, -defs.EINVAL
	}
	npages := memSize / config.PageSize
	pa, ok := alloc.Alloc(npages)
	if !ok {
		return nil, -defs.ENOMEM
	}
	as := t.Process.AS
	if e := as.AddRegion(config.USERMemStart, npages, pa, true, false); e != 0 {
		alloc.Free(pa, npages)
		return nil, e
	}

	g := &Guest{
		NPages:  npages,
		MemBase: pa,
		thread:  t,
		as:      as,
		pg:      pg,
		alloc:   alloc,
	}
	// create_boot_pd: the boot shadow is simply the process's own real
	// PD, refcounted once; guestPD 0 is a sentinel ("no real guest PD
	// installed yet") never produced by a genuine guest cr3.
	boot := &ShadowPD{Refcount: 1, GuestPD: 0}
	g.shadowPDs = append(g.shadowPDs, boot)
	g.activeShadowPD = boot

	entry, err := loadGuestELF(pg, pa, elfData)
	if err != 0 {
		alloc.Free(pa, npages)
		return nil, err
	}

	t.Eip3 = config.USERMemStart + entry
	t.Esp3 = config.USERMemStart // frame->esp = 0 in the original's guest-relative terms
	g.inKernel = true            // GUEST_LAUNCH_EAX hands control straight to guest-kernel init
	return g, 0
}

// loadGuestELF writes elfData's PT_LOAD segments directly into the
// frames backing the guest's memory region, rebasing each segment's
// 0-based vaddr by config.USERMemStart, matching create_pv_process's
// explicit "(char*)(USER_MEM_START + elf->e_txtstart)" placement. The
// frames are populated directly through the paging kernel, by physical
// address, the same way package archive populates a regular process's
// segments.
func loadGuestELF(pg *paging.Kernel, base mem.Pa_t, data []byte) (uintptr, defs.Err_t) {
	ef, err := elf.NewFile(byteReaderAt(data))
	if err != nil {
		return 0, -defs.EINVAL
	}
	for _, prog := range ef.Progs {
		if prog.Type != elf.PT_LOAD || prog.Filesz == 0 {
			continue
		}
		fileBytes := data[prog.Off : prog.Off+prog.Filesz]
		off := uintptr(prog.Vaddr)
		for i, b := range fileBytes {
			frame := base + mem.Pa_t((off+uintptr(i))/config.PageSize)*config.PageSize
			pg.FrameBytes(frame)[(off+uintptr(i))%config.PageSize] = b
		}
	}
	return uintptr(ef.Entry), 0
}

type byteReaderAt []byte

func (b byteReaderAt) ReadAt(p []byte, at int64) (int, error) {
	if at < 0 || at >= int64(len(b)) {
		return 0, errShortRead
	}
	n := copy(p, b[at:])
	if n < len(p) {
		return n, errShortRead
	}
	return n, nil
}

type pvErr string

func (e pvErr) Error() string { return string(e) }

const errShortRead = pvErr("pv: short read loading guest elf")

// Teardown implements proc.PVBinding, matching destroy_pv: every
// cached shadow PD but the boot one (whose frames belong to the
// process's ordinary AS, freed by the normal process-teardown path)
// is dropped here. This hosted kernel keeps a shadow's guest-to-host
// translation as bookkeeping rather than a second real page directory
// (see ShadowPD's doc comment), so there are no extra frames to free
// per shadow beyond that bookkeeping.
func (g *Guest) Teardown() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.shadowPDs = nil
	g.activeShadowPD = nil
	g.dead = true
}

// AttachConsole binds pts as this guest's bound console, matching the
// pts_link membership pv_t participates in, and registers the guest as
// a keyboard-IRQ candidate.
func (g *Guest) AttachConsole(c *pts.Console) {
	g.mu.Lock()
	g.console = c
	g.mu.Unlock()
	c.AttachPV(g)
}

// WantsKeyboardIRQ implements pts.PVIRQTarget: a guest only accepts a
// keyboard IRQ if it is not dead and has a console at all. vIF and the
// installed handler are checked in InjectKeyboardIRQ/InjectIRQ, which
// decide whether to deliver now or queue as pending.
func (g *Guest) WantsKeyboardIRQ() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return !g.dead && g.console != nil
}

// InjectKeyboardIRQ implements pts.PVIRQTarget.
func (g *Guest) InjectKeyboardIRQ(scancode byte) {
	g.InjectIRQ(KeyboardIRQ, int(scancode))
}

// InjectIRQ implements pv_inject_irq: if vIF is clear or no handler is
// installed for index, the event is recorded pending (only the IRQ
// slots keep a pending record); otherwise the current frame is
// reflected into the guest's installed handler immediately, matching
// §4.J's interrupt-injection description. Whether the guest is in
// guest-kernel or guest-user mode only picks the stack the frame is
// pushed on.
func (g *Guest) InjectIRQ(index int, arg int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.dead {
		return
	}
	if !g.vif {
		g.pend(index, arg)
		return
	}
	idt := g.vidt.classify(index)
	if idt == nil || idt.EIP == 0 {
		g.pend(index, arg)
		return
	}
	g.reflectLocked(idt.EIP, arg)
}

func (g *Guest) pend(index, arg int) {
	if p := g.vidt.pending(index); p != nil {
		p.pending, p.arg = true, arg
	}
}

// CheckPendingIRQ implements pv_check_pending_irq: run at every
// return-to-user, it delivers the lowest-numbered pending IRQ that has
// a handler installed, now that vIF is open. Arrival order is not
// recorded.
func (g *Guest) CheckPendingIRQ() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.dead || !g.vif {
		return
	}
	for i := range g.vidt.pendingIRQ {
		p := &g.vidt.pendingIRQ[i]
		if !p.pending {
			continue
		}
		idt := g.vidt.classify(irqStart + i)
		if idt == nil || idt.EIP == 0 {
			continue
		}
		p.pending = false
		g.reflectLocked(idt.EIP, p.arg)
		return
	}
}

// reflectLocked pushes the frame (cr2, error, eip, vcs, eflags) onto
// the guest's kernel stack (vesp0 if the guest was in user mode,
// transitioning it to kernel mode; the current esp otherwise) and
// redirects execution to eip, matching pv_inject_interrupt. Caller
// holds g.mu.
func (g *Guest) reflectLocked(eip uintptr, arg int) {
	esp := g.thread.Esp3
	if !g.inKernel {
		esp = g.vesp0
		g.inKernel = true
	}
	const wordSize = 4
	esp -= 5 * wordSize
	writeWord(g.thread, g.as, esp+0, uint32(arg))     // cr2 slot repurposed to carry a custom IRQ arg
	writeWord(g.thread, g.as, esp+4, 0)                // error_code
	writeWord(g.thread, g.as, esp+8, uint32(g.thread.Eip3))
	writeWord(g.thread, g.as, esp+12, 0)                // vcs: guest-kernel always runs at the one PV code segment
	writeWord(g.thread, g.as, esp+16, boolWord(g.vif))
	g.thread.Esp3 = esp
	g.thread.Eip3 = eip
	g.vif = false
}

func boolWord(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

// ReflectFault implements except.PVGuest: faults taken while this
// guest's code segment is active are routed to the classified vIDT
// entry (falling back to the guest's protection-fault handler when the
// classified entry is DPL-0 but the fault occurred in guest-user mode),
// matching pv_handle_fault / pv_handle_syscall's "no_idt_handler"
// fallback chain.
func (g *Guest) ReflectFault(f *except.Frame) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.dead {
		return false
	}
	idt := g.vidt.classify(int(f.Cause))
	if idt == nil || idt.EIP == 0 {
		return false
	}
	if idt.DPL0 && !g.inKernel {
		idt = g.vidt.classify(int(except.CauseProtfault))
		if idt == nil || idt.EIP == 0 {
			return false
		}
	}
	eip := f.EIP
	if f.Cause == except.CauseOpcode {
		// The guest ABI has no real hlt; a guest-kernel idle loop traps
		// here on its halt-equivalent opcode instead. The handler it
		// installed wants to resume past that opcode, not re-fault on
		// it forever, so the reflected eip is advanced by the trapping
		// instruction's decoded length.
		if skipped, ok := pvfault.SkipPast(eip, g.readGuestByte); ok {
			eip = skipped
		}
	}

	esp := g.thread.Esp3
	if !g.inKernel {
		esp = g.vesp0
		g.inKernel = true
	}
	const wordSize = 4
	esp -= 5 * wordSize
	writeWord(g.thread, g.as, esp+0, uint32(f.CR2))
	writeWord(g.thread, g.as, esp+4, f.ErrorCode)
	writeWord(g.thread, g.as, esp+8, uint32(eip))
	writeWord(g.thread, g.as, esp+12, 0)
	writeWord(g.thread, g.as, esp+16, uint32(f.EFlags))
	g.thread.Esp3 = esp
	g.thread.Eip3 = idt.EIP
	g.vif = false
	return true
}

// readGuestByte adapts proc.AS.ReadByte to pvfault.SkipPast's reader
// signature.
func (g *Guest) readGuestByte(addr uintptr) (byte, bool) {
	return g.as.ReadByte(addr)
}

// Hypercall runs the hypercall named by op for current, reading its
// argument block from the guest stack at esp (already host-linear, see
// the package doc comment), matching sys_hvcall_real's switch. The
// trapping eip is not passed in, so a hypercall is handled the same
// whichever side of PV_VM_LIMIT it came from; on a torn-down or
// exited guest every hypercall fails with defs.RetErr.
func (g *Guest) Hypercall(current *proc.TCB, op HVOp, esp uintptr) Outcome {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.dead {
		return ok(int32(defs.RetErr))
	}
	switch op {
	case HVMagic:
		return ok(HVMagicCookie)

	case HVExit:
		status, e := readWord(current, g.as, esp)
		if e != 0 {
			return ok(int32(defs.RetErr))
		}
		current.Process.ExitValue = int(int32(status))
		g.dead = true
		return Outcome{Terminate: true}

	case HVIret:
		return g.hvIret(current, esp)

	case HVSetIDT:
		return g.hvSetIDT(current, esp)

	case HVDisable:
		g.vif = false
		return ok(0)

	case HVEnable:
		g.vif = true
		return ok(0)

	case HVSetPD:
		return g.hvSetPD(current, esp)

	case HVAdjustPG:
		return g.hvAdjustPG(current, esp)

	case HVPrint:
		return g.hvPrint(current, esp)

	case HVSetColor:
		return g.hvSetColor(current, esp)

	case HVSetCursor:
		return g.hvSetCursor(current, esp)

	case HVGetCursor:
		return g.hvGetCursor(current, esp)

	case HVPrintAt:
		return g.hvPrintAt(current, esp)

	case HVRefPD:
		if g.activeShadowPD != nil {
			g.activeShadowPD.Refcount++
		}
		return ok(0)

	case HVUnrefPD:
		if g.activeShadowPD != nil {
			g.activeShadowPD.Refcount--
		}
		return ok(0)

	case HVLoadPD:
		return g.hvLoadPD(current, esp)

	default:
		current.Process.ExitValue = -2
		g.dead = true
		return Outcome{Terminate: true}
	}
}

const eflagsPVMask = 0xCD5 // CF|PF|AF|ZF|SF|TF|DF|OF|RF, matching EFLAGS_PV_MASK
const eflagsIF = 0x200

func (g *Guest) hvIret(current *proc.TCB, esp uintptr) Outcome {
	var regs [5]uint32
	for i := range regs {
		v, e := readWord(current, g.as, esp+uintptr(i)*4)
		if e != 0 {
			return ok(int32(defs.RetErr))
		}
		regs[i] = v
	}
	eip, eflags, newEsp, vesp0, eax := regs[0], regs[1], regs[2], regs[3], regs[4]
	current.Eip3 = uintptr(eip)
	userEflags := eflags & eflagsPVMask
	g.vif = eflags&eflagsIF != 0
	current.Esp3 = uintptr(newEsp)
	if vesp0 != 0 {
		g.vesp0 = uintptr(vesp0)
		g.inKernel = false
	}
	_ = userEflags
	return ok(int32(eax))
}

func (g *Guest) hvSetIDT(current *proc.TCB, esp uintptr) Outcome {
	index, e := readWord(current, g.as, esp)
	if e != 0 {
		return ok(int32(defs.RetErr))
	}
	eip, e := readWord(current, g.as, esp+4)
	if e != 0 {
		return ok(int32(defs.RetErr))
	}
	isDPL0, e := readWord(current, g.as, esp+8)
	if e != 0 {
		return ok(int32(defs.RetErr))
	}
	idt := g.vidt.classify(int(int32(index)))
	if idt == nil {
		return ok(int32(defs.RetErr))
	}
	idt.EIP = uintptr(eip)
	idt.DPL0 = isDPL0 != 0
	return ok(0)
}

// hvSetPD implements hvcall_setpd/translate_pv_pd: it builds a shadow
// PD cache entry keyed by the guest's claimed page-directory physical
// address and selects it active. The host-simulation boundary named
// in the package doc means no second paging.PT pair is actually
// walked and populated here (there is no separate guest-visible page
// table format to translate from in this hosted model — the guest
// shares the host's real AS/ZFOD region directly); what this call
// provides is the cache-identity and refcount bookkeeping loadpd and
// refpd/unrefpd depend on.
func (g *Guest) hvSetPD(current *proc.TCB, esp uintptr) Outcome {
	pd, e := readWord(current, g.as, esp)
	if e != 0 {
		return ok(int32(defs.RetErr))
	}
	wp, e := readWord(current, g.as, esp+4)
	if e != 0 {
		return ok(int32(defs.RetErr))
	}
	if pd&(config.PageSize-1) != 0 {
		return ok(int32(defs.RetErr))
	}
	for _, sp := range g.shadowPDs {
		if sp.GuestPD == uintptr(pd) {
			g.activeShadowPD = sp
			return ok(0)
		}
	}
	sp := &ShadowPD{Refcount: 0, GuestPD: uintptr(pd), WP: wp != 0}
	g.shadowPDs = append(g.shadowPDs, sp)
	g.activeShadowPD = sp
	return ok(0)
}

// hvAdjustPG implements hvcall_adjustpg: notifies the host that the
// guest modified its page table at addr. Translation is a no-op here
// for the reason hvSetPD documents (no second shadow page table exists
// to re-populate one entry of); the call still validates addr the same
// way the original does.
func (g *Guest) hvAdjustPG(current *proc.TCB, esp uintptr) Outcome {
	addr, e := readWord(current, g.as, esp)
	if e != 0 {
		return ok(int32(defs.RetErr))
	}
	if addr&(config.PageSize-1) != 0 || uintptr(addr) >= config.PVVMLimit {
		return ok(int32(defs.RetErr))
	}
	return ok(0)
}

func (g *Guest) hvLoadPD(current *proc.TCB, esp uintptr) Outcome {
	pd, e := readWord(current, g.as, esp)
	if e != 0 {
		return ok(int32(defs.RetErr))
	}
	for _, sp := range g.shadowPDs {
		if sp.GuestPD == uintptr(pd) {
			g.activeShadowPD = sp
			return ok(0)
		}
	}
	return ok(int32(defs.RetErr))
}

func (g *Guest) hvPrint(current *proc.TCB, esp uintptr) Outcome {
	length, e := readWord(current, g.as, esp)
	if e != 0 || int32(length) < 0 {
		return ok(int32(defs.RetErr))
	}
	base, e := readWord(current, g.as, esp+4)
	if e != 0 || g.console == nil {
		return ok(int32(defs.RetErr))
	}
	c := g.console
	if err := usercopy.PrintFromUser(current, g.as, uintptr(base), int(length), func(b byte) { c.PutByte(b) }); err != 0 {
		return ok(int32(defs.RetErr))
	}
	return ok(0)
}

func (g *Guest) hvSetColor(current *proc.TCB, esp uintptr) Outcome {
	color, e := readWord(current, g.as, esp)
	if e != 0 || g.console == nil {
		return ok(int32(defs.RetErr))
	}
	if err := g.console.SetTermColor(int(int32(color))); err != 0 {
		return ok(int32(defs.RetErr))
	}
	return ok(0)
}

func (g *Guest) hvSetCursor(current *proc.TCB, esp uintptr) Outcome {
	row, e := readWord(current, g.as, esp)
	if e != 0 {
		return ok(int32(defs.RetErr))
	}
	col, e := readWord(current, g.as, esp+4)
	if e != 0 || g.console == nil {
		return ok(int32(defs.RetErr))
	}
	if err := g.console.SetCursor(int(int32(row)), int(int32(col))); err != 0 {
		return ok(int32(defs.RetErr))
	}
	return ok(0)
}

func (g *Guest) hvGetCursor(current *proc.TCB, esp uintptr) Outcome {
	prow, e := readWord(current, g.as, esp)
	if e != 0 {
		return ok(int32(defs.RetErr))
	}
	pcol, e := readWord(current, g.as, esp+4)
	if e != 0 || g.console == nil {
		return ok(int32(defs.RetErr))
	}
	row, col := g.console.GetCursor()
	if e := writeWord(current, g.as, uintptr(prow), uint32(int32(row))); e != 0 {
		return ok(int32(defs.RetErr))
	}
	if e := writeWord(current, g.as, uintptr(pcol), uint32(int32(col))); e != 0 {
		return ok(int32(defs.RetErr))
	}
	return ok(0)
}

func (g *Guest) hvPrintAt(current *proc.TCB, esp uintptr) Outcome {
	length, e := readWord(current, g.as, esp)
	if e != 0 || int32(length) < 0 {
		return ok(int32(defs.RetErr))
	}
	base, e := readWord(current, g.as, esp+4)
	if e != 0 {
		return ok(int32(defs.RetErr))
	}
	row, e := readWord(current, g.as, esp+8)
	if e != 0 {
		return ok(int32(defs.RetErr))
	}
	col, e := readWord(current, g.as, esp+12)
	if e != 0 {
		return ok(int32(defs.RetErr))
	}
	color, e := readWord(current, g.as, esp+16)
	if e != 0 || g.console == nil {
		return ok(int32(defs.RetErr))
	}
	local := make([]byte, length)
	if e := usercopy.CopyFromUser(current, g.as, uintptr(base), local); e != 0 {
		return ok(int32(defs.RetErr))
	}
	if err := g.console.PrintAt(local, int(int32(row)), int(int32(col)), int(int32(color))); err != 0 {
		return ok(int32(defs.RetErr))
	}
	return ok(0)
}

func readWord(t *proc.TCB, as *proc.AS, addr uintptr) (uint32, defs.Err_t) {
	var buf [4]byte
	if e := usercopy.CopyFromUser(t, as, addr, buf[:]); e != 0 {
		return 0, e
	}
	return binary.LittleEndian.Uint32(buf[:]), 0
}

func writeWord(t *proc.TCB, as *proc.AS, addr uintptr, v uint32) defs.Err_t {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return usercopy.CopyToUser(t, as, addr, buf[:])
}
