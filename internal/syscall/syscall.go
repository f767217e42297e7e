// Package syscall implements SPEC_FULL.md §4.H / §6: the ring-3
// syscall surface. A trap into this kernel carries the vector number
// and an argument-block pointer in esi (copy_from_user reads each
// argument word by word from there); the result is placed in eax.
// Dispatch is grounded directly on
// original_source/kern/syscall_io.c, syscall_memory.c,
// syscall_misc.c, and syscall_thread.c's swexn handler, reusing
// package proc's lifecycle operations and package usercopy's trap-safe
// copy primitives rather than re-deriving them.
package syscall

import (
	"encoding/binary"

	"github.com/Nagi5Yeq/pebpeb-os/internal/archive"
	"github.com/Nagi5Yeq/pebpeb-os/internal/config"
	"github.com/Nagi5Yeq/pebpeb-os/internal/defs"
	"github.com/Nagi5Yeq/pebpeb-os/internal/proc"
	"github.com/Nagi5Yeq/pebpeb-os/internal/pts"
	"github.com/Nagi5Yeq/pebpeb-os/internal/stats"
	"github.com/Nagi5Yeq/pebpeb-os/internal/usercopy"
)

// Vector identifies a syscall entry point, matching the dispatch table
// the original installs in idt.c at the ring-3 trap gates. Numbering is
// this kernel's own (the original assigns them via a generated header);
// only uniqueness and the §6 name/arg/return mapping matter.
type Vector int

const (
	FORK Vector = iota + 1
	EXEC
	WAIT
	YIELD
	DESCHEDULE
	MAKE_RUNNABLE
	GETTID
	NEW_PAGES
	REMOVE_PAGES
	SLEEP
	GETCHAR
	READLINE
	PRINT
	SET_TERM_COLOR
	SET_CURSOR_POS
	GET_CURSOR_POS
	THREAD_FORK
	GET_TICKS
	MISBEHAVE
	HALT
	TASK_VANISH
	NEW_CONSOLE
	SET_STATUS
	VANISH
	READFILE
	SWEXN
)

// noSuchSyscall is returned in eax for any vector outside the table
// above, matching §6's "any unassigned vector in the ring-3 range
// returns a fixed 'no such syscall' error."
const noSuchSyscall = int32(defs.RetErr)

// Dispatcher holds everything a syscall handler needs beyond the
// calling thread itself: the process/thread table, the compiled-in
// executable archive (readfile/exec), and the console multiplexer
// (new_console).
type Dispatcher struct {
	Table   *proc.Table
	Archive *archive.Archive
	Console *pts.Manager

	// Stats is consulted by READFILE before the archive table is: a
	// request for stats.ProfFile ("prof") is served from the live
	// per-thread accounting record instead of a compiled-in binary,
	// matching §11's pprof-sample wiring. Nil disables the "prof" name
	// (it then falls through to the archive, which has no such entry).
	Stats *stats.Recorder

	// Halt is invoked by the halt() syscall; this hosted simulation has
	// no hlt instruction to execute, so the caller (cmd/kernel) wires in
	// whatever "stop the machine" means for its run mode.
	Halt func()
}

// Outcome is a syscall's result: the value to place in eax, and whether
// the calling thread's execution loop must stop driving it further
// (vanish/task_vanish/halt never return to their caller; a successful
// exec discards the caller's old image and resumes at a new entry
// point instead of returning through the normal eax path).
type Outcome struct {
	EAX       int32
	Terminate bool
}

func ok(v int32) Outcome { return Outcome{EAX: v} }
func done() Outcome      { return Outcome{Terminate: true} }

// Dispatch runs the syscall named by vector for current, reading its
// argument block from esi, matching the per-vector sys_*_real handlers.
func (d *Dispatcher) Dispatch(current *proc.TCB, vector Vector, esi uintptr) Outcome {
	as := current.Process.AS
	switch vector {
	case FORK:
		tid, e := d.Table.Fork(current)
		if e == -defs.EAGAIN {
			return ok(int32(defs.RetStateErr)) // multithreaded caller: a state error
		}
		if e != 0 {
			return ok(int32(e))
		}
		return ok(int32(tid))

	case EXEC:
		return d.exec(current, as, esi)

	case WAIT:
		return d.wait(current, as, esi)

	case YIELD:
		return d.yield(current, as, esi)

	case DESCHEDULE:
		return d.deschedule(current, as, esi)

	case MAKE_RUNNABLE:
		// tid is passed directly in esi, matching sys_make_runnable_real.
		return ok(int32(d.Table.MakeRunnable(int(int32(esi)))))

	case GETTID:
		return ok(int32(current.Tid))

	case NEW_PAGES:
		return d.newPages(current, as, esi)

	case REMOVE_PAGES:
		// base is passed directly in esi, matching sys_remove_pages_real.
		return ok(int32(d.Table.RemovePages(current, esi)))

	case SLEEP:
		// dt is passed directly in esi, matching sys_sleep_real.
		dt := int32(esi)
		if dt <= 0 {
			return ok(dt)
		}
		d.Table.Sleep(current, int(dt))
		return ok(0)

	case GETCHAR:
		return d.getchar(current)

	case READLINE:
		return d.readline(current, as, esi)

	case PRINT:
		return d.print(current, as, esi)

	case SET_TERM_COLOR:
		return d.setTermColor(current, as, esi)

	case SET_CURSOR_POS:
		return d.setCursorPos(current, as, esi)

	case GET_CURSOR_POS:
		return d.getCursorPos(current, as, esi)

	case THREAD_FORK:
		tid, e := d.Table.ThreadFork(current)
		if e != 0 {
			return ok(int32(e))
		}
		return ok(int32(tid))

	case GET_TICKS:
		return ok(int32(d.Table.GetTicks()))

	case MISBEHAVE:
		return ok(0)

	case HALT:
		if d.Halt != nil {
			d.Halt()
		}
		return done()

	case TASK_VANISH:
		status, _ := readWord(current, as, esi)
		d.Table.TaskVanish(current, int(int32(status)))
		return done()

	case NEW_CONSOLE:
		return d.newConsole(current)

	case SET_STATUS:
		status, _ := readWord(current, as, esi)
		current.Process.ExitValue = int(int32(status))
		return ok(0)

	case VANISH:
		d.Table.Vanish(current)
		return done()

	case READFILE:
		return d.readFile(current, as, esi)

	case SWEXN:
		return d.swexn(current, as, esi)

	default:
		return ok(noSuchSyscall)
	}
}

// readWord reads one 4-byte little-endian argument word at addr.
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

const wordSize = 4

func (d *Dispatcher) exec(current *proc.TCB, as *proc.AS, esi uintptr) Outcome {
	nameAddr, e := readWord(current, as, esi)
	if e != 0 {
		return ok(int32(defs.RetErr))
	}
	argvAddr, e := readWord(current, as, esi+wordSize)
	if e != 0 {
		return ok(int32(defs.RetErr))
	}
	name, e := usercopy.CopyStringFromUser(current, as, uintptr(nameAddr), config.MaxArgLen)
	if e != 0 {
		return ok(int32(defs.RetErr))
	}
	argv, e := readArgv(current, as, uintptr(argvAddr))
	if e != 0 {
		return ok(int32(defs.RetErr))
	}
	if e := d.Table.Exec(current, name, argv); e != 0 {
		if e == -defs.EAGAIN {
			return ok(int32(defs.RetStateErr)) // multithreaded caller: a state error
		}
		return ok(int32(e))
	}
	return done() // resumes at the new image's entry point, never through eax
}

// readArgv reads a NUL-terminated array of string pointers starting at
// addr, matching the loader's argv marshaling convention (§4.F).
func readArgv(t *proc.TCB, as *proc.AS, addr uintptr) ([]string, defs.Err_t) {
	var argv []string
	for i := 0; i < config.MaxNumArg; i++ {
		ptr, e := readWord(t, as, addr+uintptr(i)*wordSize)
		if e != 0 {
			return nil, e
		}
		if ptr == 0 {
			return argv, 0
		}
		s, e := usercopy.CopyStringFromUser(t, as, uintptr(ptr), config.MaxArgLen)
		if e != 0 {
			return nil, e
		}
		argv = append(argv, s)
	}
	return nil, -defs.E2BIG
}

func (d *Dispatcher) wait(current *proc.TCB, as *proc.AS, esi uintptr) Outcome {
	statusAddr, e := readWord(current, as, esi)
	if e != 0 {
		return ok(int32(defs.RetErr))
	}
	pid, status, errn := d.Table.Wait(current.Process)
	if errn != 0 {
		return ok(int32(defs.RetStateErr))
	}
	if e := writeWord(current, as, uintptr(statusAddr), uint32(int32(status))); e != 0 {
		return ok(int32(defs.RetErr))
	}
	return ok(int32(pid))
}

func (d *Dispatcher) yield(current *proc.TCB, as *proc.AS, esi uintptr) Outcome {
	// tid is passed directly in esi, matching sys_yield_real.
	tid := int32(esi)
	if tid == -1 {
		d.Table.Sched.Yield(current.Node)
		return ok(0)
	}
	target := d.Table.FindThread(int(tid))
	if target == nil {
		return ok(int32(defs.RetErr))
	}
	d.Table.Sched.Yield(current.Node)
	return ok(0)
}

func (d *Dispatcher) deschedule(current *proc.TCB, as *proc.AS, esi uintptr) Outcome {
	rejectWord, e := readWord(current, as, esi)
	if e != 0 {
		return ok(int32(defs.RetErr))
	}
	reject := int32(rejectWord) != 0
	return ok(int32(d.Table.Deschedule(current, reject)))
}

func (d *Dispatcher) newPages(current *proc.TCB, as *proc.AS, esi uintptr) Outcome {
	base, e := readWord(current, as, esi)
	if e != 0 {
		return ok(int32(defs.RetErr))
	}
	length, e := readWord(current, as, esi+wordSize)
	if e != 0 {
		return ok(int32(defs.RetErr))
	}
	if base&(config.PageSize-1) != 0 || length&(config.PageSize-1) != 0 {
		return ok(int32(defs.RetErr))
	}
	return ok(int32(d.Table.NewPages(current, uintptr(base), int(length))))
}

// console returns current's attached console as a concrete *pts.Console,
// or nil if it has none (matching the original's invariant that every
// thread always has a pts, but defensive here since PTS is optional in
// tests).
func console(current *proc.TCB) *pts.Console {
	c, _ := current.PTS.(*pts.Console)
	return c
}

func (d *Dispatcher) getchar(current *proc.TCB) Outcome {
	c := console(current)
	if c == nil {
		return ok(int32(defs.RetErr))
	}
	return ok(int32(c.Getchar()))
}

func (d *Dispatcher) readline(current *proc.TCB, as *proc.AS, esi uintptr) Outcome {
	c := console(current)
	if c == nil {
		return ok(int32(defs.RetErr))
	}
	length, e := readWord(current, as, esi)
	if e != 0 {
		return ok(int32(defs.RetErr))
	}
	bufAddr, e := readWord(current, as, esi+wordSize)
	if e != 0 {
		return ok(int32(defs.RetErr))
	}
	if int32(length) < 0 || int(length) > config.MaxReadline {
		return ok(int32(defs.RetErr))
	}
	local := make([]byte, length)
	n := c.ReadLine(local)
	if n < 0 {
		return ok(int32(defs.RetErr))
	}
	if e := usercopy.CopyToUser(current, as, uintptr(bufAddr), local[:n]); e != 0 {
		return ok(int32(defs.RetErr))
	}
	return ok(int32(n))
}

func (d *Dispatcher) print(current *proc.TCB, as *proc.AS, esi uintptr) Outcome {
	c := console(current)
	if c == nil {
		return ok(int32(defs.RetErr))
	}
	length, e := readWord(current, as, esi)
	if e != 0 {
		return ok(int32(defs.RetErr))
	}
	if int32(length) < 0 {
		return ok(int32(defs.RetStateErr))
	}
	bufAddr, e := readWord(current, as, esi+wordSize)
	if e != 0 {
		return ok(int32(defs.RetErr))
	}
	e = usercopy.PrintFromUser(current, as, uintptr(bufAddr), int(length), func(b byte) { c.PutByte(b) })
	if e != 0 {
		return ok(int32(defs.RetErr))
	}
	return ok(0)
}

func (d *Dispatcher) setTermColor(current *proc.TCB, as *proc.AS, esi uintptr) Outcome {
	c := console(current)
	if c == nil {
		return ok(int32(defs.RetErr))
	}
	return ok(int32(c.SetTermColor(int(int32(esi)))))
}

func (d *Dispatcher) setCursorPos(current *proc.TCB, as *proc.AS, esi uintptr) Outcome {
	c := console(current)
	if c == nil {
		return ok(int32(defs.RetErr))
	}
	row, e := readWord(current, as, esi)
	if e != 0 {
		return ok(int32(defs.RetErr))
	}
	col, e := readWord(current, as, esi+wordSize)
	if e != 0 {
		return ok(int32(defs.RetErr))
	}
	return ok(int32(c.SetCursor(int(int32(row)), int(int32(col)))))
}

func (d *Dispatcher) getCursorPos(current *proc.TCB, as *proc.AS, esi uintptr) Outcome {
	c := console(current)
	if c == nil {
		return ok(int32(defs.RetErr))
	}
	rowAddr, e := readWord(current, as, esi)
	if e != 0 {
		return ok(int32(defs.RetErr))
	}
	colAddr, e := readWord(current, as, esi+wordSize)
	if e != 0 {
		return ok(int32(defs.RetErr))
	}
	row, col := c.GetCursor()
	if e := writeWord(current, as, uintptr(rowAddr), uint32(int32(row))); e != 0 {
		return ok(int32(defs.RetErr))
	}
	if e := writeWord(current, as, uintptr(colAddr), uint32(int32(col))); e != 0 {
		return ok(int32(defs.RetErr))
	}
	return ok(0)
}

func (d *Dispatcher) newConsole(current *proc.TCB) Outcome {
	if d.Console == nil {
		return ok(int32(defs.RetErr))
	}
	old := console(current)
	fresh := d.Console.NewConsole(pts.IdentityDecoder{})
	current.PTS = fresh
	if old != nil {
		old.Unref()
	}
	d.Console.Switch(fresh)
	return ok(0)
}

func (d *Dispatcher) readFile(current *proc.TCB, as *proc.AS, esi uintptr) Outcome {
	nameAddr, e := readWord(current, as, esi)
	if e != 0 {
		return ok(int32(defs.RetErr))
	}
	bufAddr, e := readWord(current, as, esi+wordSize)
	if e != 0 {
		return ok(int32(defs.RetErr))
	}
	count, e := readWord(current, as, esi+2*wordSize)
	if e != 0 {
		return ok(int32(defs.RetErr))
	}
	offset, e := readWord(current, as, esi+3*wordSize)
	if e != 0 {
		return ok(int32(defs.RetErr))
	}
	if int32(count) < 0 || int32(offset) < 0 {
		return ok(int32(defs.RetErr))
	}
	name, e := usercopy.CopyStringFromUser(current, as, uintptr(nameAddr), config.MaxArgLen)
	if e != 0 {
		return ok(int32(defs.RetErr))
	}

	var n int
	if name == stats.ProfFile && d.Stats != nil {
		prof, err := d.Stats.Snapshot()
		if err != nil || int(offset) > len(prof) {
			return ok(int32(defs.RetErr))
		}
		n = readSlice(prof, int(count), int(offset))
		if e := usercopy.CopyToUser(current, as, uintptr(bufAddr), prof[int(offset):int(offset)+n]); e != 0 {
			return ok(int32(defs.RetErr))
		}
		return ok(int32(n))
	}

	local := make([]byte, count)
	n, errn := d.Archive.ReadFile(name, local, int(count), int(offset))
	if errn != 0 {
		return ok(int32(defs.RetErr))
	}
	if e := usercopy.CopyToUser(current, as, uintptr(bufAddr), local[:n]); e != 0 {
		return ok(int32(defs.RetErr))
	}
	return ok(int32(n))
}

// readSlice computes how many bytes of data can be served starting at
// offset up to count, matching the archive's own offset-clamped copy
// convention so the "prof" pseudo-file behaves like any other entry.
func readSlice(data []byte, count, offset int) int {
	if offset > len(data) {
		return 0
	}
	size := len(data) - offset
	if count < size {
		size = count
	}
	return size
}

// swexn implements SWEXN, matching syscall_thread.c's handler: eip3==0
// deregisters any installed handler (returning 0). Otherwise eip3 must
// lie in [config.USERMemStart, config.StackTop) (else -2) and esp3 must
// be nonzero (else -1); esp3, eip3 and arg are then installed,
// un-arming the one-shot delivery flag so the next fault is reflected
// fresh. The fourth word, ureg_ptr, is not read: on real hardware a
// nonzero pointer seeds the register state the handler resumes with
// (copy_from_user of a ureg_t); this hosted simulation has no such
// struct to prime.
func (d *Dispatcher) swexn(current *proc.TCB, as *proc.AS, esi uintptr) Outcome {
	esp3, e := readWord(current, as, esi)
	if e != 0 {
		return ok(int32(defs.RetErr))
	}
	eip3, e := readWord(current, as, esi+wordSize)
	if e != 0 {
		return ok(int32(defs.RetErr))
	}
	arg, e := readWord(current, as, esi+2*wordSize)
	if e != 0 {
		return ok(int32(defs.RetErr))
	}

	if eip3 == 0 {
		current.Esp3, current.Eip3, current.SwexnArg = 0, 0, 0
		current.InHandler = false
		return ok(0)
	}
	if uintptr(eip3) < config.USERMemStart || uintptr(eip3) >= config.StackTop {
		return ok(int32(defs.RetStateErr))
	}
	if esp3 == 0 {
		return ok(int32(defs.RetErr))
	}
	current.Esp3 = uintptr(esp3)
	current.Eip3 = uintptr(eip3)
	current.SwexnArg = uintptr(arg)
	current.InHandler = false
	return ok(0)
}
