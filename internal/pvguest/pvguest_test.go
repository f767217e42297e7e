package pvguest

import (
	"bytes"
	"debug/elf"
	"testing"
)

func TestBuildELFParsesAsTwoSegmentExecutable(t *testing.T) {
	data := BuildELF()
	ef, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("pvguest produced an unparsable ELF: %v", err)
	}
	var loads int
	for _, p := range ef.Progs {
		if p.Type == elf.PT_LOAD {
			loads++
		}
	}
	if loads != 2 {
		t.Fatalf("got %d PT_LOAD segments, want 2", loads)
	}
	if ef.Entry != entryVaddr {
		t.Fatalf("got entry %x, want %x", ef.Entry, entryVaddr)
	}
}

func TestBuildELFEmbedsMessageAtDataVaddr(t *testing.T) {
	data := BuildELF()
	ef, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("pvguest produced an unparsable ELF: %v", err)
	}
	for _, p := range ef.Progs {
		if p.Vaddr != dataVaddr {
			continue
		}
		got := make([]byte, len(Message))
		if _, err := p.ReadAt(got, 0); err != nil {
			t.Fatalf("reading the data segment failed: %v", err)
		}
		if string(got) != Message {
			t.Fatalf("got %q, want %q", got, Message)
		}
		return
	}
	t.Fatal("no PT_LOAD segment found at dataVaddr")
}
