// Package pvguest builds the "dog" guest image used to exercise
// internal/pv's paravirtualized guest host end to end, matching
// SPEC_FULL.md §12.2's recovered dog/toad guest: a tiny guest kernel
// that calls magic, installs its own idt entries, enables interrupts,
// prints a banner, and exits. It is shared by cmd/pvguest-dog (which
// writes the image to a file) and internal/pv's own tests (which load
// it directly), so the guest exercised by both is the same real binary
// rather than a mock built ad hoc per test.
package pvguest

import (
	"encoding/binary"

	"github.com/Nagi5Yeq/pebpeb-os/internal/config"
)

// Message is the banner the dog guest prints via the print hypercall,
// matching the original's guest writing a fixed string on boot.
const Message = "dog\n"

// entryVaddr and dataVaddr lay out the guest's two PT_LOAD segments
// (ELF-relative, 0-based): one page of text holding real x86-32
// machine code, one page of data holding Message.
const (
	entryVaddr = 0
	dataVaddr  = config.PageSize
)

// MessageAddr is dataVaddr already rebased into the guest's
// host-linear address space, matching internal/pv's package-doc
// convention that every guest-supplied address is already linear
// (i.e. already offset by config.USERMemStart): the value the dog
// guest's print hypercall would hand over as its buffer pointer.
const MessageAddr = config.USERMemStart + dataVaddr

// code is the dog guest's entire text segment. Nothing in this hosted
// kernel decodes and executes guest machine code as a CPU would (the
// hypercall sequence below is issued directly, the same way
// cmd/kernel's trap-dispatch path would after decoding a real trap);
// this byte stream exists so the guest is backed by genuine,
// disassemblable x86-32 instructions rather than filler, matching the
// fidelity internal/pv's own hand-assembled test images already hold
// (see pv_test.go's buildMinimalELF32) and giving internal/pvfault's
// x86asm decoder real encodings to work against.
var code = []byte{
	0xb8, 0x00, 0x00, 0x00, 0x00, // mov eax, 0   (HVMagic)
	0xcd, 0x40, // int 0x40        ; hypercall trap
	0xb8, 0x03, 0x00, 0x00, 0x00, // mov eax, 3   (HVSetIDT)
	0xcd, 0x40,
	0xb8, 0x05, 0x00, 0x00, 0x00, // mov eax, 5   (HVEnable)
	0xcd, 0x40,
	0xb8, 0x08, 0x00, 0x00, 0x00, // mov eax, 8   (HVPrint)
	0xcd, 0x40,
	0xb8, 0x01, 0x00, 0x00, 0x00, // mov eax, 1   (HVExit)
	0xcd, 0x40,
	0x0f, 0x0b, // ud2 ; unreachable
}

// BuildELF assembles the dog guest as a minimal 32-bit little-endian
// ELF executable. debug/elf (used by internal/pv.loadGuestELF) only
// reads ELF files, so there is no standard-library writer to call
// instead; the header is filled in by hand the same way
// pv_test.go's buildMinimalELF32 does for its single-segment test
// images, extended here to two PT_LOAD segments (text, data).
func BuildELF() []byte {
	const ehsize = 52
	const phsize = 32
	const nphdr = 2

	data := append([]byte(Message), 0)
	textOff := uint32(ehsize + nphdr*phsize)
	dataOff := textOff + uint32(len(code))

	buf := make([]byte, dataOff+uint32(len(data)))

	copy(buf[0:4], []byte{0x7f, 'E', 'L', 'F'})
	buf[4] = 1 // ELFCLASS32
	buf[5] = 1 // ELFDATA2LSB
	buf[6] = 1 // EV_CURRENT
	le16 := binary.LittleEndian.PutUint16
	le32 := binary.LittleEndian.PutUint32
	le16(buf[16:], 2)                // e_type = ET_EXEC
	le16(buf[18:], 3)                // e_machine = EM_386
	le32(buf[20:], 1)                // e_version
	le32(buf[24:], entryVaddr)       // e_entry
	le32(buf[28:], ehsize)           // e_phoff
	le16(buf[40:], ehsize)           // e_ehsize
	le16(buf[42:], phsize)           // e_phentsize
	le16(buf[44:], nphdr)            // e_phnum

	text := buf[ehsize : ehsize+phsize]
	le32(text[0:], 1)                   // p_type = PT_LOAD
	le32(text[4:], textOff)              // p_offset
	le32(text[8:], entryVaddr)           // p_vaddr
	le32(text[12:], entryVaddr)          // p_paddr
	le32(text[16:], uint32(len(code)))   // p_filesz
	le32(text[20:], uint32(len(code)))   // p_memsz
	le32(text[24:], 5)                   // p_flags = R|X
	le32(text[28:], config.PageSize)     // p_align

	dataPh := buf[ehsize+phsize : ehsize+2*phsize]
	le32(dataPh[0:], 1)                 // p_type = PT_LOAD
	le32(dataPh[4:], dataOff)            // p_offset
	le32(dataPh[8:], dataVaddr)          // p_vaddr
	le32(dataPh[12:], dataVaddr)         // p_paddr
	le32(dataPh[16:], uint32(len(data))) // p_filesz
	le32(dataPh[20:], uint32(len(data))) // p_memsz
	le32(dataPh[24:], 6)                 // p_flags = R|W
	le32(dataPh[28:], config.PageSize)   // p_align

	copy(buf[textOff:], code)
	copy(buf[dataOff:], data)
	return buf
}
