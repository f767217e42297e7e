package usercopy

import "testing"

type fakeThread struct {
	eip0    uintptr
	faulted bool
}

func (t *fakeThread) SetEIP0(v uintptr) uintptr { old := t.eip0; t.eip0 = v; return old }
func (t *fakeThread) RestoreEIP0(old uintptr)   { t.eip0 = old; t.faulted = false }
func (t *fakeThread) TookRecoveryFault() bool   { v := t.faulted; t.faulted = false; return v }

// fakeSpace is a flat byte array with an optional faulting address,
// standing in for a process's mapped address space.
type fakeSpace struct {
	mem      map[uintptr]byte
	faultAt  uintptr
	hasFault bool
}

func (s *fakeSpace) ReadByte(va uintptr) (byte, bool) {
	if s.hasFault && va >= s.faultAt {
		return 0, false
	}
	return s.mem[va], true
}

func (s *fakeSpace) WriteByte(va uintptr, b byte) bool {
	if s.hasFault && va >= s.faultAt {
		return false
	}
	s.mem[va] = b
	return true
}

func TestCopyFromUserRoundtrip(t *testing.T) {
	th := &fakeThread{}
	sp := &fakeSpace{mem: map[uintptr]byte{0x1000: 'h', 0x1001: 'i'}}
	buf := make([]byte, 2)
	if err := CopyFromUser(th, sp, 0x1000, buf); err != 0 {
		t.Fatalf("unexpected error %d", err)
	}
	if string(buf) != "hi" {
		t.Fatalf("got %q", buf)
	}
}

func TestCopyFromUserFaultsCleanly(t *testing.T) {
	th := &fakeThread{}
	sp := &fakeSpace{mem: map[uintptr]byte{}, hasFault: true, faultAt: 0x2000}
	buf := make([]byte, 4)
	err := CopyFromUser(th, sp, 0x1ffe, buf)
	if err == 0 {
		t.Fatal("expected fault")
	}
	if th.eip0 != 0 {
		t.Fatal("expected eip0 restored after fault")
	}
}

func TestCopyStringFromUserGrows(t *testing.T) {
	th := &fakeThread{}
	mem := map[uintptr]byte{}
	s := "a longer string than the initial buffer capacity"
	for i, c := range []byte(s) {
		mem[uintptr(0x3000+i)] = c
	}
	mem[uintptr(0x3000+len(s))] = 0
	sp := &fakeSpace{mem: mem}
	got, err := CopyStringFromUser(th, sp, 0x3000, 4096)
	if err != 0 {
		t.Fatalf("unexpected error %d", err)
	}
	if got != s {
		t.Fatalf("got %q want %q", got, s)
	}
}

func TestCopyStringFromUserTooLong(t *testing.T) {
	th := &fakeThread{}
	mem := map[uintptr]byte{}
	for i := 0; i < 20; i++ {
		mem[uintptr(0x4000+i)] = 'x'
	}
	sp := &fakeSpace{mem: mem}
	if _, err := CopyStringFromUser(th, sp, 0x4000, 10); err == 0 {
		t.Fatal("expected E2BIG when no terminator found within maxlen")
	}
}
