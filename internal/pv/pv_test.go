package pv

import (
	"encoding/binary"
	"testing"

	"github.com/Nagi5Yeq/pebpeb-os/internal/config"
	"github.com/Nagi5Yeq/pebpeb-os/internal/except"
	"github.com/Nagi5Yeq/pebpeb-os/internal/mem"
	"github.com/Nagi5Yeq/pebpeb-os/internal/paging"
	"github.com/Nagi5Yeq/pebpeb-os/internal/proc"
	"github.com/Nagi5Yeq/pebpeb-os/internal/pts"
	"github.com/Nagi5Yeq/pebpeb-os/internal/pvguest"
)

type fakeLoader struct{}

func (fakeLoader) Load(name string, as *proc.AS, alloc *mem.Allocator, pg *paging.Kernel) (uintptr, bool) {
	return 0, false
}

// buildMinimalELF32 assembles a one-segment 32-bit little-endian ELF
// executable by hand (debug/elf only reads, it doesn't write), placing
// data at vaddr with entry as its e_entry.
func buildMinimalELF32(vaddr, entry uint32, data []byte) []byte {
	const ehsize = 52
	const phsize = 32
	buf := make([]byte, ehsize+phsize+len(data))

	copy(buf[0:4], []byte{0x7f, 'E', 'L', 'F'})
	buf[4] = 1 // ELFCLASS32
	buf[5] = 1 // ELFDATA2LSB
	buf[6] = 1 // EV_CURRENT
	le16 := binary.LittleEndian.PutUint16
	le32 := binary.LittleEndian.PutUint32
	le16(buf[16:], 2)             // e_type = ET_EXEC
	le16(buf[18:], 3)             // e_machine = EM_386
	le32(buf[20:], 1)             // e_version
	le32(buf[24:], entry)         // e_entry
	le32(buf[28:], ehsize)        // e_phoff
	le16(buf[40:], ehsize)        // e_ehsize
	le16(buf[42:], phsize)        // e_phentsize
	le16(buf[44:], 1)             // e_phnum

	ph := buf[ehsize:]
	le32(ph[0:], 1)                   // p_type = PT_LOAD
	le32(ph[4:], ehsize+phsize)       // p_offset
	le32(ph[8:], vaddr)               // p_vaddr
	le32(ph[12:], vaddr)              // p_paddr
	le32(ph[16:], uint32(len(data)))  // p_filesz
	le32(ph[20:], uint32(len(data)))  // p_memsz
	le32(ph[24:], 7)                  // p_flags = RWX
	le32(ph[28:], config.PageSize)    // p_align

	copy(buf[ehsize+phsize:], data)
	return buf
}

func newTestGuestThread(t *testing.T) (*proc.TCB, *paging.Kernel, *mem.Allocator) {
	t.Helper()
	pg := paging.NewKernel(config.USERMemStart + 8192*config.PageSize)
	alloc := mem.NewAllocator(config.USERMemStart, 8192, pg)
	tb := proc.NewTable(pg, alloc, fakeLoader{}, 1)
	current, errn := tb.CreateEmptyProcess()
	if errn != 0 {
		t.Fatalf("create empty process failed: %d", errn)
	}
	return current, pg, alloc
}

func TestNewGuestLoadsELFAndSetsEntry(t *testing.T) {
	current, pg, alloc := newTestGuestThread(t)
	payload := []byte("guest-kernel-bytes")
	elfData := buildMinimalELF32(0, 0x40, payload)

	g, errn := NewGuest(current, pg, alloc, elfData, config.PVMinMemSize)
	if errn != 0 {
		t.Fatalf("NewGuest failed: %d", errn)
	}
	if current.Eip3 != config.USERMemStart+0x40 {
		t.Fatalf("got eip3=%x, want %x", current.Eip3, config.USERMemStart+0x40)
	}
	if current.Esp3 != config.USERMemStart {
		t.Fatalf("got esp3=%x, want %x", current.Esp3, uintptr(config.USERMemStart))
	}
	if !g.inKernel {
		t.Fatal("expected a freshly launched guest to start in guest-kernel mode")
	}
	for i, want := range payload {
		got, ok := current.Process.AS.ReadByte(config.USERMemStart + uintptr(i))
		if !ok || got != want {
			t.Fatalf("byte %d: got %v/%v, want %v", i, got, ok, want)
		}
	}
}

func TestNewGuestRejectsUndersizedMem(t *testing.T) {
	current, pg, alloc := newTestGuestThread(t)
	_, errn := NewGuest(current, pg, alloc, buildMinimalELF32(0, 0, nil), 4096)
	if errn == 0 {
		t.Fatal("expected a too-small mem_size to be rejected")
	}
}

func TestHypercallMagic(t *testing.T) {
	current, pg, alloc := newTestGuestThread(t)
	g, errn := NewGuest(current, pg, alloc, buildMinimalELF32(0, 0, nil), 0)
	if errn != 0 {
		t.Fatalf("NewGuest failed: %d", errn)
	}
	out := g.Hypercall(current, HVMagic, 0)
	if out.EAX != HVMagicCookie || out.Terminate {
		t.Fatalf("got %+v, want magic cookie", out)
	}
}

// TestDogGuestPrintsOverItsFullHypercallSequence drives scenario 6
// ("PV guest prints") against the real dog guest image from package
// pvguest, loaded exactly the way NewGuest would load any other guest
// binary, rather than a mocked hypercall frame built ad hoc for this
// test.
func TestDogGuestPrintsOverItsFullHypercallSequence(t *testing.T) {
	current, pg, alloc := newTestGuestThread(t)
	g, errn := NewGuest(current, pg, alloc, pvguest.BuildELF(), 0)
	if errn != 0 {
		t.Fatalf("NewGuest failed to load the dog guest image: %d", errn)
	}

	mgr := pts.NewManager(pts.IdentityDecoder{})
	c := mgr.NewConsole(pts.IdentityDecoder{})
	g.AttachConsole(c)

	scratch := uintptr(config.USERMemStart + 2*config.PageSize)

	if out := g.Hypercall(current, HVMagic, 0); out.EAX != HVMagicCookie || out.Terminate {
		t.Fatalf("magic: got %+v, want the magic cookie", out)
	}

	if e := writeWord(current, g.as, scratch, 0); e != 0 { // vIDT index 0
		t.Fatalf("priming setidt args failed: %d", e)
	}
	writeWord(current, g.as, scratch+4, 0x5000) // handler eip
	writeWord(current, g.as, scratch+8, 0)       // not kernel-only
	if out := g.Hypercall(current, HVSetIDT, scratch); out.EAX != 0 {
		t.Fatalf("setidt: got %+v, want success", out)
	}

	if out := g.Hypercall(current, HVEnable, 0); out.EAX != 0 {
		t.Fatalf("enable: got %+v, want success", out)
	}
	if !g.vif {
		t.Fatal("expected enable to raise the guest's virtual interrupt flag")
	}

	startRow, _ := c.GetCursor()
	writeWord(current, g.as, scratch, uint32(len(pvguest.Message))) // length; the NUL the data segment adds is not printed
	writeWord(current, g.as, scratch+4, pvguest.MessageAddr)
	if out := g.Hypercall(current, HVPrint, scratch); out.EAX != 0 {
		t.Fatalf("print: got %+v, want success", out)
	}
	if row, _ := c.GetCursor(); row == startRow {
		t.Fatal("expected printing the dog guest's banner to advance the console cursor")
	}

	writeWord(current, g.as, scratch, 0) // exit status
	out := g.Hypercall(current, HVExit, scratch)
	if !out.Terminate {
		t.Fatal("expected exit to terminate the guest")
	}
	if current.Process.ExitValue != 0 {
		t.Fatalf("got exit value %d, want 0", current.Process.ExitValue)
	}
}

func TestHypercallUnknownOpKillsGuest(t *testing.T) {
	current, pg, alloc := newTestGuestThread(t)
	g, _ := NewGuest(current, pg, alloc, buildMinimalELF32(0, 0, nil), 0)
	out := g.Hypercall(current, HVOp(999), 0)
	if !out.Terminate {
		t.Fatal("expected an unrecognized hypercall number to terminate the guest")
	}
	if current.Process.ExitValue != -2 {
		t.Fatalf("got exit value %d, want -2", current.Process.ExitValue)
	}
}

func TestHypercallExitSetsExitValueAndTerminates(t *testing.T) {
	current, pg, alloc := newTestGuestThread(t)
	g, _ := NewGuest(current, pg, alloc, buildMinimalELF32(0, 0, nil), 0)

	esp := uintptr(config.USERMemStart + config.PageSize)
	if e := writeWord(current, current.Process.AS, esp, 7); e != 0 {
		t.Fatalf("failed priming exit status word: %d", e)
	}
	out := g.Hypercall(current, HVExit, esp)
	if !out.Terminate {
		t.Fatal("expected hv_exit to terminate the guest")
	}
	if current.Process.ExitValue != 7 {
		t.Fatalf("got exit value %d, want 7", current.Process.ExitValue)
	}
}

func TestSetIDTThenInjectDeliversToHandler(t *testing.T) {
	current, pg, alloc := newTestGuestThread(t)
	g, _ := NewGuest(current, pg, alloc, buildMinimalELF32(0, 0, nil), 0)

	esp := uintptr(config.USERMemStart + config.PageSize)
	writeWord(current, current.Process.AS, esp+0, uint32(KeyboardIRQ))
	writeWord(current, current.Process.AS, esp+4, 0x1234)
	writeWord(current, current.Process.AS, esp+8, 0)
	if out := g.Hypercall(current, HVSetIDT, esp); out.EAX != 0 {
		t.Fatalf("hv_setidt failed: %d", out.EAX)
	}
	g.Hypercall(current, HVEnable, 0)

	g.InjectIRQ(KeyboardIRQ, 42)
	if current.Eip3 != 0x1234 {
		t.Fatalf("got eip3=%x, want handler at 0x1234", current.Eip3)
	}
	if g.vif {
		t.Fatal("expected injection to mask vif")
	}
}

func TestInjectIRQWhileMaskedIsPendingUntilEnabled(t *testing.T) {
	current, pg, alloc := newTestGuestThread(t)
	g, _ := NewGuest(current, pg, alloc, buildMinimalELF32(0, 0, nil), 0)

	esp := uintptr(config.USERMemStart + config.PageSize)
	writeWord(current, current.Process.AS, esp+0, uint32(KeyboardIRQ))
	writeWord(current, current.Process.AS, esp+4, 0x5678)
	writeWord(current, current.Process.AS, esp+8, 0)
	g.Hypercall(current, HVSetIDT, esp)
	// vif starts masked (disabled); injection should queue, not deliver.
	g.InjectIRQ(KeyboardIRQ, 1)
	if current.Eip3 == 0x5678 {
		t.Fatal("did not expect delivery while vif is masked")
	}

	g.Hypercall(current, HVEnable, 0)
	g.CheckPendingIRQ()
	if current.Eip3 != 0x5678 {
		t.Fatalf("got eip3=%x, want pending irq delivered at 0x5678", current.Eip3)
	}
}

func TestWantsKeyboardIRQRequiresAttachedConsole(t *testing.T) {
	current, pg, alloc := newTestGuestThread(t)
	g, _ := NewGuest(current, pg, alloc, buildMinimalELF32(0, 0, nil), 0)
	if g.WantsKeyboardIRQ() {
		t.Fatal("expected a guest with no bound console to not want keyboard irqs")
	}
}

func TestSetPDThenLoadPDRoundTrip(t *testing.T) {
	current, pg, alloc := newTestGuestThread(t)
	g, _ := NewGuest(current, pg, alloc, buildMinimalELF32(0, 0, nil), 0)

	esp := uintptr(config.USERMemStart + config.PageSize)
	const guestPD = uintptr(config.PageSize * 3)
	writeWord(current, current.Process.AS, esp+0, uint32(guestPD))
	writeWord(current, current.Process.AS, esp+4, 0)
	if out := g.Hypercall(current, HVSetPD, esp); out.EAX != 0 {
		t.Fatalf("hv_setpd failed: %d", out.EAX)
	}
	if g.activeShadowPD == nil || g.activeShadowPD.GuestPD != guestPD {
		t.Fatal("expected setpd to install and select a shadow keyed by the guest pd")
	}

	writeWord(current, current.Process.AS, esp+0, 0) // reselect the boot shadow
	if out := g.Hypercall(current, HVLoadPD, esp); out.EAX != 0 {
		t.Fatalf("hv_loadpd failed: %d", out.EAX)
	}
	if g.activeShadowPD.GuestPD != 0 {
		t.Fatal("expected loadpd to reselect the boot shadow")
	}

	writeWord(current, current.Process.AS, esp+0, uint32(guestPD+config.PageSize))
	if out := g.Hypercall(current, HVLoadPD, esp); out.EAX == 0 {
		t.Fatal("expected loadpd on an unknown guest pd to fail")
	}
}

func TestRefUnrefPD(t *testing.T) {
	current, pg, alloc := newTestGuestThread(t)
	g, _ := NewGuest(current, pg, alloc, buildMinimalELF32(0, 0, nil), 0)
	before := g.activeShadowPD.Refcount
	g.Hypercall(current, HVRefPD, 0)
	if g.activeShadowPD.Refcount != before+1 {
		t.Fatalf("got refcount %d, want %d", g.activeShadowPD.Refcount, before+1)
	}
	g.Hypercall(current, HVUnrefPD, 0)
	if g.activeShadowPD.Refcount != before {
		t.Fatalf("got refcount %d, want %d", g.activeShadowPD.Refcount, before)
	}
}

func TestTeardownClearsShadowState(t *testing.T) {
	current, pg, alloc := newTestGuestThread(t)
	g, _ := NewGuest(current, pg, alloc, buildMinimalELF32(0, 0, nil), 0)
	g.Teardown()
	if g.activeShadowPD != nil || g.shadowPDs != nil || !g.dead {
		t.Fatal("expected teardown to clear shadow pd state and mark the guest dead")
	}
	out := g.Hypercall(current, HVMagic, 0)
	if out.EAX != int32(-1) {
		t.Fatalf("expected hypercalls on a torn-down guest to fail cleanly, got %+v", out)
	}
}

func TestReflectFaultFallsBackToProtfaultWhenHandlerIsKernelOnly(t *testing.T) {
	current, pg, alloc := newTestGuestThread(t)
	g, _ := NewGuest(current, pg, alloc, buildMinimalELF32(0, 0, nil), 0)
	g.inKernel = false
	g.vesp0 = uintptr(config.USERMemStart + config.PageSize)

	protfaultIdt := g.vidt.classify(int(except.CauseProtfault))
	protfaultIdt.EIP = 0xabcd
	protfaultIdt.DPL0 = false

	badIdt := g.vidt.classify(int(except.CausePagefault)) // marked kernel-only
	badIdt.EIP = 0xdead
	badIdt.DPL0 = true

	f := &except.Frame{Cause: except.CausePagefault, CR2: 0xbeef}
	if !g.ReflectFault(f) {
		t.Fatal("expected the protection-fault fallback to deliver")
	}
	if current.Eip3 != 0xabcd {
		t.Fatalf("got eip3=%x, want fallback handler at 0xabcd", current.Eip3)
	}
}

func TestReflectFaultOnOpcodeTrapSkipsPastTheHaltingInstruction(t *testing.T) {
	current, pg, alloc := newTestGuestThread(t)
	g, _ := NewGuest(current, pg, alloc, buildMinimalELF32(0, 0, nil), 0)
	g.inKernel = true
	current.Esp3 = uintptr(config.USERMemStart + config.PageSize) // a mapped guest-kernel stack

	idt := g.vidt.classify(int(except.CauseOpcode))
	idt.EIP = 0x1234

	faultEip := uintptr(config.USERMemStart + 0x10)
	g.as.WriteByte(faultEip, 0xf4) // hlt: one-byte encoding

	f := &except.Frame{Cause: except.CauseOpcode, EIP: faultEip}
	if !g.ReflectFault(f) {
		t.Fatal("expected the opcode handler to deliver")
	}
	if current.Eip3 != 0x1234 {
		t.Fatalf("got eip3=%x, want handler at 0x1234", current.Eip3)
	}
	pushedEip, e := readWord(current, g.as, current.Esp3+8)
	if e != 0 {
		t.Fatalf("reading back the pushed frame failed: %d", e)
	}
	if uintptr(pushedEip) != faultEip+1 {
		t.Fatalf("got pushed eip=%x, want %x (one past the decoded hlt)", pushedEip, faultEip+1)
	}
}
