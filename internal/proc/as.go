// Package proc implements SPEC_FULL.md §4.F: process/thread lifecycle
// (PCB/TCB, fork, thread_fork, exec, wait, vanish, task_vanish) atop
// package sched's ready-queue primitives. It is grounded on
// original_source/kern/sched.c, kern/inc/sched.h,
// kern/syscall_process.c and kern/syscall_thread.c, with the per-process
// address-space bookkeeping styled after the teacher's vm.Vm_t
// (biscuit/src/vm/as.go): a single mutex over a region list plus a page
// directory.
package proc

import (
	"sync"

	"github.com/Nagi5Yeq/pebpeb-os/internal/config"
	"github.com/Nagi5Yeq/pebpeb-os/internal/defs"
	"github.com/Nagi5Yeq/pebpeb-os/internal/mem"
	"github.com/Nagi5Yeq/pebpeb-os/internal/paging"
)

// Region records one mapped extent of a process's address space,
// matching region_t.
type Region struct {
	Addr  uintptr
	Pages int
	Pa    mem.Pa_t
	RW    bool
	// ZFOD marks a region whose frame is allocated but not yet wired
	// into the page table: the first access to any page in it takes a
	// ZFOD fault (§4.G) that installs the mapping lazily.
ZFOD bool
}

// AS is one process's address space: its page directory plus the
// region list used to validate and replay mappings, matching the
// combination of process_t.regions/mm_lock and vm.Vm_t.
type AS struct {
	mu sync.Mutex

	pg    *paging.Kernel
	alloc *mem.Allocator

	PD   *paging.PT
	PDPa mem.Pa_t

	Regions []Region
}

// newAS allocates a fresh page directory seeded with the kernel's
// identity map, matching create_empty_process's PD setup.
func newAS(pg *paging.Kernel, alloc *mem.Allocator) (*AS, bool) {
	pd, pdpa, ok := pg.NewPD(alloc)
	if !ok {
		return nil, false
	}
	return &AS{pg: pg, alloc: alloc, PD: pd, PDPa: pdpa}, true
}

// Lookup finds the region containing va, if any.
func (as *AS) Lookup(va uintptr) (Region, bool) {
	as.mu.Lock()
	defer as.mu.Unlock()
	for _, r := range as.Regions {
		if va >= r.Addr && va < r.Addr+uintptr(r.Pages)*config.PageSize {
			return r, true
		}
	}
	return Region{}, false
}

// AddRegion records a new mapped extent and wires its PTEs, matching
// add_region. If zfod is true the PTEs are installed without the
// present bit, and the first access reports a fault handled by
// package except.
func (as *AS) AddRegion(vaddr uintptr, npages int, pa mem.Pa_t, rw, zfod bool) defs.Err_t {
	as.mu.Lock()
	defer as.mu.Unlock()

	flags := paging.PTE_U
	if rw {
		flags |= paging.PTE_W
	}
	if !zfod {
		flags |= paging.PTE_P
	}
	for i := 0; i < npages; i++ {
		va := vaddr + uintptr(i)*config.PageSize
		framePA := pa + mem.Pa_t(i)*config.PageSize
		if !as.pg.Map(as.alloc, as.PD, va, framePA, flags) {
			return -defs.ENOMEM
		}
	}
	as.Regions = append(as.Regions, Region{Addr: vaddr, Pages: npages, Pa: pa, RW: rw, ZFOD: zfod})
	return 0
}

// ResolveZFOD installs the present bit for every page of the ZFOD
// region covering va (ZFOD is tracked per region, see pendingZFOD),
// called by the fault dispatcher the first time a page of it is
// touched.
func (as *AS) ResolveZFOD(va uintptr) bool {
	as.mu.Lock()
	defer as.mu.Unlock()
	va = roundDown(va)
	for i, r := range as.Regions {
		if !r.ZFOD || va < r.Addr || va >= r.Addr+uintptr(r.Pages)*config.PageSize {
			continue
		}
		flags := paging.PTE_U | paging.PTE_P
		if r.RW {
			flags |= paging.PTE_W
		}
		for p := 0; p < r.Pages; p++ {
			pva := r.Addr + uintptr(p)*config.PageSize
			if !as.pg.Map(as.alloc, as.PD, pva, r.Pa+mem.Pa_t(p)*config.PageSize, flags) {
				return false
			}
		}
		as.Regions[i].ZFOD = len(as.Regions[i].pendingZFOD()) > 0
		return true
	}
	return false
}

// pendingZFOD is a placeholder hook for partial-region ZFOD tracking;
// this kernel resolves ZFOD at region granularity (every page in a
// region shares one ZFOD flag), so it always reports none pending.
func (r Region) pendingZFOD() []uintptr { return nil }

// ReadByte/WriteByte implement usercopy.Space for this address space,
// translating va through the page directory and reading/writing the
// backing frame directly (the host-process equivalent of a hardware
// page-table walk followed by a direct memory access).
func (as *AS) ReadByte(va uintptr) (byte, bool) {
	as.mu.Lock()
	defer as.mu.Unlock()
	pte, ok := as.pg.Lookup(as.PD, va)
	if !ok || pte&paging.PTE_P == 0 {
		return 0, false
	}
	off := int(va) % config.PageSize
	return as.pg.FrameBytes(pte.Addr())[off], true
}

func (as *AS) WriteByte(va uintptr, b byte) bool {
	as.mu.Lock()
	defer as.mu.Unlock()
	pte, ok := as.pg.Lookup(as.PD, va)
	if !ok || pte&paging.PTE_P == 0 || pte&paging.PTE_W == 0 {
		return false
	}
	off := int(va) % config.PageSize
	as.pg.FrameBytes(pte.Addr())[off] = b
	return true
}

func roundDown(va uintptr) uintptr {
	return va &^ (config.PageSize - 1)
}

// RemoveRegion unmaps and drops the region starting exactly at vaddr,
// matching sys_remove_pages_real's region scan. It reports the freed
// physical base and page count so the caller can return the frames to
// the allocator.
func (as *AS) RemoveRegion(vaddr uintptr) (pa mem.Pa_t, npages int, ok bool) {
	as.mu.Lock()
	defer as.mu.Unlock()
	for i, r := range as.Regions {
		if r.Addr != vaddr {
			continue
		}
		for p := 0; p < r.Pages; p++ {
			as.pg.Unmap(as.PD, vaddr+uintptr(p)*config.PageSize)
		}
		as.Regions = append(as.Regions[:i], as.Regions[i+1:]...)
		return r.Pa, r.Pages, true
	}
	return 0, 0, false
}

// WriteAt writes data into already-mapped pages starting at va,
// crossing page boundaries as needed. Used by argv marshaling, which
// writes into the pre-mapped top page of a fresh stack region.
func (as *AS) WriteAt(va uintptr, data []byte) bool {
	as.mu.Lock()
	defer as.mu.Unlock()
	for i, b := range data {
		addr := va + uintptr(i)
		pte, ok := as.pg.Lookup(as.PD, addr)
		if !ok || pte&paging.PTE_P == 0 || pte&paging.PTE_W == 0 {
			return false
		}
		as.pg.FrameBytes(pte.Addr())[int(addr)%config.PageSize] = b
	}
	return true
}
