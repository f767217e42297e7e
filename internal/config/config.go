// Package config holds the compile-time-ish constants and boot argument
// parsing that the teacher embeds directly in its kernel package's
// top-level var blocks. Collecting them here follows SPEC_FULL.md §10 and
// keeps every other package free of magic numbers.
package config

import "strings"

// Layout constants, named identically to the original C kernel's
// common_kern.h / sched.h so that SPEC_FULL.md's prose maps directly onto
// the code.
const (
	PageShift = 12
	PageSize  = 1 << PageShift

	// USERMemStart is the first byte of the user/high physical+virtual
	// region; everything below is the kernel's identity map.
	USERMemStart = 0x10000000

	// USERPDStart is the first page-directory index whose entries are
	// process-private rather than copied from the kernel template.
	USERPDStart = USERMemStart >> 22

	// StackTop is the highest address a user stack may occupy.
	StackTop = 0xfffff000

	DefaultStackSize = 64 * 1024
	DefaultStackEnd  = StackTop - PageSize
	DefaultStackPos  = DefaultStackEnd - DefaultStackSize

	MaxArgLen   = 4096
	MaxNumArg   = 256
	MaxTotalArg = DefaultStackSize - PageSize

	KStackSize = PageSize

	// InitPid and IdlePid are reserved for the two boot-spawned
	// processes, as in the teacher's sched.h.
	InitPid = 1
	IdlePid = 2
)

// SchedQuantumTicks is how many timer ticks a thread runs before
// preemption; the teacher's reference kernel uses one tick per
// interrupt, i.e. quantum == 1, and that default is kept.
const SchedQuantumTicks = 1

// Scratch slot count: one per logical CPU, matching the per-CPU
// mapped_phys_page of sched.h's percpu_t.
const MaxCPUs = 32

// Console/keyboard geometry, named after pts.h's CONSOLE_HEIGHT/WIDTH
// and its ring sizes.
const (
	ConsoleHeight = 25
	ConsoleWidth  = 80

	KbdRingSize = PageSize
	ChrRingSize = PageSize
	MaxReadline = ChrRingSize - 1
)

// PV guest defaults, named after pv.h's PV_DEFAULT_SIZE / PV_MINIMUM_SIZE
// (expressed here in bytes rather than MB).
const (
	PVDefaultMemSize = 24 * 1024 * 1024
	PVMinMemSize     = 20 * 1024 * 1024
	// PVVMLimit is the guest-virtual boundary above which addresses are
	// considered to belong to the guest kernel.
	PVVMLimit = USERMemStart
)

// BootArgs is the parsed form of the kernel's boot command line,
// recovered from original_source/kern/common.c per SPEC_FULL.md §12.5.
type BootArgs struct {
	Misbehave int
	Debug     bool
}

// ParseBootArgs parses a Multiboot-style argv into BootArgs. Unknown
// tokens are ignored, matching the original's permissive parser.
func ParseBootArgs(argv []string) BootArgs {
	var b BootArgs
	for _, a := range argv {
		switch {
		case a == "debug":
			b.Debug = true
		case strings.HasPrefix(a, "misbehave="):
			n := 0
			for _, c := range strings.TrimPrefix(a, "misbehave=") {
				if c < '0' || c > '9' {
					n = 0
					break
				}
				n = n*10 + int(c-'0')
			}
			b.Misbehave = n
		}
	}
	return b
}
