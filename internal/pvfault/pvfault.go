// Package pvfault decodes a faulting guest instruction's encoded
// length, the same way a debugger steps over a trapped instruction
// rather than re-executing it. internal/pv uses this when reflecting
// an invalid-opcode fault caused by a guest kernel's halt-equivalent
// instruction (the Pebbles guest ABI has no real hlt; a guest that
// wants to idle traps with #UD on an opcode the host recognizes as its
// yield signal) — the frame reflected to the guest's handler needs to
// resume one instruction further along, not back at the trapping byte.
package pvfault

import "golang.org/x/arch/x86/x86asm"

// maxInstLen is the longest possible x86 instruction encoding; callers
// only need to supply this many bytes starting at the fault address.
const maxInstLen = 15

// InstructionLength decodes the single x86 instruction at the start of
// code (32-bit mode, matching this kernel's protected-mode guests) and
// reports its encoded length. ok is false if code does not begin with
// a decodable instruction.
func InstructionLength(code []byte) (n int, ok bool) {
	inst, err := x86asm.Decode(code, 32)
	if err != nil {
		return 0, false
	}
	return inst.Len, true
}

// SkipPast reads up to maxInstLen bytes starting at eip via read,
// stopping at the first unreadable address, and returns eip advanced
// past the instruction it decodes there. If not even the first byte is
// readable, or the bytes read do not decode, eip is returned unchanged
// and ok is false, so callers can fall back to reflecting the fault at
// the original address.
func SkipPast(eip uintptr, read func(addr uintptr) (byte, bool)) (uintptr, bool) {
	var buf [maxInstLen]byte
	got := 0
	for got < maxInstLen {
		b, readOK := read(eip + uintptr(got))
		if !readOK {
			break
		}
		buf[got] = b
		got++
	}
	if got == 0 {
		return eip, false
	}
	n, ok := InstructionLength(buf[:got])
	if !ok {
		return eip, false
	}
	return eip + uintptr(n), true
}
