// Package usercopy implements SPEC_FULL.md §4.C: trap-safe copy-in/out
// of user memory. Real hardware recovers from a fault mid-copy by
// rewriting the faulting EIP to a recovery stub installed in the
// thread's eip0 field; here each copy loop installs the sentinel
// RecoveryEIP through the Thread interface's SetEIP0 and restores the
// old value with RestoreEIP0, and the exception dispatcher (package
// except) redirects a kernel-mode page or protection fault to eip0
// whenever eip0 is nonzero. This is a direct translation of
// original_source/kern/usermem.c.
package usercopy

import "github.com/Nagi5Yeq/pebpeb-os/internal/defs"

// RecoveryEIP is the sentinel "address" a copy loop installs as eip0;
// a nonzero eip0 tells the exception dispatcher that a usercopy loop
// is in progress and should be aborted rather than panicking the
// kernel. In a freestanding build this would be the real
// address of a short assembly stub; here it just needs to be a value
// no real code address coincides with.
const RecoveryEIP = ^uintptr(0)

// Thread is the subset of the scheduler's TCB that usercopy needs:
// installing/restoring the kernel fault-recovery EIP around a copy
// loop, matching §4.C's "before the loop the current thread's eip0 is
// installed to point at a recovery stub ... eip0 is restored
// afterwards."
type Thread interface {
	SetEIP0(v uintptr) (old uintptr)
	RestoreEIP0(old uintptr)
	// TookRecoveryFault reports whether the exception dispatcher
	// redirected execution to the recovery stub since the last call,
	// consuming the flag.
	TookRecoveryFault() bool
}

// Space abstracts a process's address space enough for usercopy to
// read/write one byte at user virtual address va — in a real kernel
// this is a plain load/store through the process's mapped pages that
// either succeeds or traps; here it is a direct call into the process's
// address space (package proc's AS), which
// reports a page fault as an error instead of trapping, since Go has no
// page-fault signal of its own to repurpose. Either encoding satisfies
// the same copy-round-trip law (§8).
type Space interface {
	ReadByte(va uintptr) (byte, bool)
	WriteByte(va uintptr, b byte) bool
}

func setup(t Thread) uintptr { return t.SetEIP0(RecoveryEIP) }
func finish(t Thread, old uintptr) { t.RestoreEIP0(old) }

// CopyFromUser copies len(buf) bytes starting at addr in as into buf.
func CopyFromUser(t Thread, as Space, addr uintptr, buf []byte) defs.Err_t {
	old := setup(t)
	defer finish(t, old)
	for i := range buf {
		b, ok := as.ReadByte(addr + uintptr(i))
		if !ok {
			return -defs.EFAULT
		}
		buf[i] = b
	}
	return 0
}

// CopyToUser copies buf into user memory starting at addr in as.
func CopyToUser(t Thread, as Space, addr uintptr, buf []byte) defs.Err_t {
	old := setup(t)
	defer finish(t, old)
	for i, b := range buf {
		if !as.WriteByte(addr+uintptr(i), b) {
			return -defs.EFAULT
		}
	}
	return 0
}

// CopyStringFromUser reads a NUL-terminated string starting at addr,
// growing a buffer by doubling until the terminator is seen or maxlen
// bytes have been read without one, matching copy_string_from_user's
// doubling-buffer strategy.
func CopyStringFromUser(t Thread, as Space, addr uintptr, maxlen int) (string, defs.Err_t) {
	old := setup(t)
	defer finish(t, old)

	buf := make([]byte, 0, 12)
	for len(buf) < maxlen {
		b, ok := as.ReadByte(addr + uintptr(len(buf)))
		if !ok {
			return "", -defs.EFAULT
		}
		buf = append(buf, b)
		if b == 0 {
			return string(buf[:len(buf)-1]), 0
		}
	}
	return "", -defs.E2BIG
}

// PrintFromUser reads len bytes from addr and hands each to sink in
// order, aborting with -EFAULT on the first unreadable byte (bytes
// already handed to sink stay delivered) — used by the print/readline-echo style
// syscalls that must copy straight into the PTS rather than a kernel
// buffer, matching print_buf_from_user.
func PrintFromUser(t Thread, as Space, addr uintptr, length int, sink func(byte)) defs.Err_t {
	old := setup(t)
	defer finish(t, old)
	for i := 0; i < length; i++ {
		b, ok := as.ReadByte(addr + uintptr(i))
		if !ok {
			return -defs.EFAULT
		}
		sink(b)
	}
	return 0
}
