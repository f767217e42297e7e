// Command kernel assembles and boots the hosted kernel this repository
// implements: the frame allocator and paging kernel, the process
// table, the console, the compiled-in read-only executable archive,
// and the syscall dispatcher, then spawns the two boot-reserved
// processes (pid 1, init, and pid 2, idle) before driving the
// scheduler's timer loop, matching SPEC_FULL.md §6's boot sequence.
//
// This is the hosted-simulation boundary's stand-in for the original's
// kern_start0/mp_boot path: there is no real-mode/protected-mode
// transition, GDT/IDT load, or APIC bring-up to perform here, only the
// Go object graph those stages would have wired together by the time
// control reaches the scheduler. Nothing in this tree decodes and
// executes a process's compiled-in machine code as a CPU would (see
// internal/pv's package doc for the same boundary on the guest side),
// so this command's loop drives the parts of the kernel a host process
// actually can: console input and the timer tick.
package main

import (
	"bufio"
	"flag"
	"log"
	"os"
	"time"

	"github.com/Nagi5Yeq/pebpeb-os/internal/archive"
	"github.com/Nagi5Yeq/pebpeb-os/internal/config"
	"github.com/Nagi5Yeq/pebpeb-os/internal/mem"
	"github.com/Nagi5Yeq/pebpeb-os/internal/paging"
	"github.com/Nagi5Yeq/pebpeb-os/internal/proc"
	"github.com/Nagi5Yeq/pebpeb-os/internal/pts"
	"github.com/Nagi5Yeq/pebpeb-os/internal/pvguest"
	"github.com/Nagi5Yeq/pebpeb-os/internal/stats"
	"github.com/Nagi5Yeq/pebpeb-os/internal/syscall"
)

// physPages sizes the frame allocator's arena. A hosted kernel has no
// e820 memory map to read; this stands in for "all physical memory the
// bootloader reported," the same role config.MaxCPUs plays for CPU
// count.
const physPages = 1 << 16 // 256MiB of simulated physical memory

// tickInterval is how often the scheduler's timer fires, standing in
// for the original's 100Hz PIT/APIC timer interrupt.
const tickInterval = 10 * time.Millisecond

func main() {
	flag.Parse()
	boot := config.ParseBootArgs(flag.Args())
	if boot.Debug {
		log.SetFlags(log.Ltime | log.Lmicroseconds)
	}

	pg := paging.NewKernel(config.USERMemStart + physPages*config.PageSize)
	alloc := mem.NewAllocator(config.USERMemStart, physPages, pg)

	// Neither pid 1 nor pid 2's compiled-in image is ever executed as
	// machine code in this hosted model (see the package doc), so the
	// same real ELF image — the dog guest's — backs both archive
	// entries. A freestanding build's tools/mkarchive would instead
	// point these names at genuinely distinct compiled binaries.
	ar := archive.New([]archive.Entry{
		{Name: "init", Data: pvguest.BuildELF()},
		{Name: "idle", Data: pvguest.BuildELF()},
	})

	tb := proc.NewTable(pg, alloc, ar, config.MaxCPUs)

	initThread, errn := tb.CreateProcess(config.InitPid, "init", []string{"init"})
	if errn != 0 {
		log.Fatalf("failed to spawn init (pid %d): %d", config.InitPid, errn)
	}
	tb.InitProcess = initThread.Process

	idleThread, errn := tb.CreateProcess(config.IdlePid, "idle", nil)
	if errn != 0 {
		log.Fatalf("failed to spawn idle (pid %d): %d", config.IdlePid, errn)
	}
	tb.Sched.SetIdle(0, idleThread.Node)

	mgr := pts.NewManager(pts.IdentityDecoder{})
	console := mgr.NewConsole(pts.IdentityDecoder{})
	mgr.Switch(console)
	initThread.PTS = console

	// init is the first thread made ready; SelectNext installs it as
	// cpu 0's current thread, matching the original's first call to
	// schedule() after mp_boot finishes bringing up cpu 0.
	tb.Sched.MakeReadyTail(initThread.Node)
	tb.Sched.SelectNext(0)

	recorder := stats.NewRecorder()
	halted := make(chan struct{})
	dispatcher := &syscall.Dispatcher{
		Table:   tb,
		Archive: ar,
		Console: mgr,
		Stats:   recorder,
		Halt:    func() { close(halted) },
	}

	log.Printf("booted: pid %d (init) ready, pid %d (idle) installed on cpu 0", config.InitPid, config.IdlePid)
	if boot.Misbehave != 0 {
		log.Printf("misbehave=%d requested on the boot command line", boot.Misbehave)
	}

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	keys := make(chan byte, config.KbdRingSize)
	go readKeystrokes(os.Stdin, keys)

	// There is no CPU interpreter in this tree to decode init's
	// compiled-in instructions and trap on a halt syscall itself (see
	// the package doc), so a typed "halt" line stands in for init
	// issuing that trap: it is dispatched through the very same
	// syscall.Dispatcher.Dispatch path a real trap would reach.
	var line []byte
	for {
		select {
		case <-halted:
			return
		case <-ticker.C:
			tb.Sched.Tick()
			if current := tb.Sched.Current(0); current != nil {
				recorder.Charge(current.Owner.(*proc.TCB).Tid, 1)
			}
		case sc, ok := <-keys:
			if !ok {
				return
			}
			mgr.Keystroke(sc)
			if sc == '\n' {
				if string(line) == "halt" {
					dispatcher.Dispatch(initThread, syscall.HALT, 0)
				}
				line = line[:0]
				continue
			}
			line = append(line, sc)
		}
	}
}

// readKeystrokes forwards stdin bytes onto keys, standing in for the
// keyboard controller's IRQ1 handler feeding Manager.Keystroke.
func readKeystrokes(f *os.File, keys chan<- byte) {
	defer close(keys)
	r := bufio.NewReader(f)
	for {
		b, err := r.ReadByte()
		if err != nil {
			return
		}
		keys <- b
	}
}
