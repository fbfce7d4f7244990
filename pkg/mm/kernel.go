// Copyright 2026 The Pagevisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package mm ties the paging subsystem together: per-process address
// spaces, the clock replacement engine, the evictor, and the page-fault
// path that brings swapped pages back.
package mm

import (
	"fmt"
	"sync/atomic"
	"time"

	"pagevisor.dev/pagevisor/pkg/log"
	"pagevisor.dev/pagevisor/pkg/memory"
	"pagevisor.dev/pagevisor/pkg/pagetables"
	"pagevisor.dev/pagevisor/pkg/sv39"
	"pagevisor.dev/pagevisor/pkg/swap"
)

// Config describes the machine the kernel boots on.
type Config struct {
	// PhysBytes is the size of physical RAM; a positive multiple of the
	// page size.
	PhysBytes uint64

	// KernelReserve is the size of the kernel image at the bottom of
	// RAM; those frames never reach the free list. Zero means one page.
	KernelReserve uint64

	// SwapSlots is the capacity of the swap region in pages.
	SwapSlots uint32

	// Device backs the swap region. Nil selects an in-memory device of
	// SwapSlots pages.
	Device swap.Device
}

// Kernel is the paging subsystem of one booted machine. It owns the
// process-wide singletons: the frame arena, the metadata table and LRU
// list, the frame allocator, the swap pool and its device, the page-table
// layer, and the clock cursor. All are initialized once here and never
// torn down.
type Kernel struct {
	mem   *memory.PhysMem
	pages *memory.Pages
	kmem  *memory.Kmem
	pt    *pagetables.PageTables
	pool  *swap.Pool
	dev   swap.Device
	stats swap.Stats

	// kernelRoot is the boot-time direct-map page table.
	kernelRoot sv39.PhysAddr

	// clockHand is the replacement cursor, guarded by the Pages locks.
	clockHand *memory.Page

	tlbShootdowns atomic.Uint64

	evictLog log.Logger
}

// NewKernel boots a kernel over fresh physical memory: it carves out the
// kernel image, builds the direct map and the trampoline mapping, and
// arms the allocator with the evictor.
func NewKernel(cfg Config) (*Kernel, error) {
	if cfg.PhysBytes == 0 || cfg.PhysBytes%sv39.PageSize != 0 {
		return nil, fmt.Errorf("mm: physical memory size %#x not page-aligned", cfg.PhysBytes)
	}
	reserve := sv39.Addr(cfg.KernelReserve).RoundUp()
	if reserve == 0 {
		reserve = sv39.PageSize
	}
	if uint64(reserve)+sv39.PageSize > cfg.PhysBytes {
		return nil, fmt.Errorf("mm: kernel reserve %#x leaves no usable frames", uint64(reserve))
	}

	dev := cfg.Device
	if dev == nil {
		dev = swap.NewMemDevice(cfg.SwapSlots)
	}

	k := &Kernel{
		mem:      memory.NewPhysMem(cfg.PhysBytes),
		pool:     swap.NewPool(cfg.SwapSlots),
		dev:      dev,
		evictLog: log.BasicRateLimitedLogger(time.Second),
	}
	k.pages = memory.NewPages(k.mem)
	kernelEnd := sv39.KernBase + sv39.PhysAddr(reserve)
	k.kmem = memory.NewKmem(k.mem, kernelEnd)
	k.pt = pagetables.New(k.mem, k.kmem, k.pages, k.pool, func() {
		k.tlbShootdowns.Add(1)
	})

	if err := k.makeKernelMap(kernelEnd); err != nil {
		return nil, err
	}

	// Everything is wired; from here on an empty free list turns into an
	// eviction.
	k.kmem.SetReclaim(k.evictPage)

	log.Infof("mm: booted with %d frames (%d reserved), %d swap slots",
		k.mem.Frames(), reserve/sv39.PageSize, cfg.SwapSlots)
	return k, nil
}

// makeKernelMap builds the direct map of physical RAM and the trampoline
// mapping at the top of the address space: the kernel image executable
// and read-only, the rest of RAM read-write.
func (k *Kernel) makeKernelMap(kernelEnd sv39.PhysAddr) error {
	root, err := k.pt.NewRoot()
	if err != nil {
		return fmt.Errorf("mm: allocating kernel page table: %w", err)
	}
	k.kernelRoot = root

	if err := k.pt.Map(root, sv39.Addr(sv39.KernBase), uint64(kernelEnd-sv39.KernBase),
		sv39.KernBase, sv39.PTERead|sv39.PTEExec); err != nil {
		return fmt.Errorf("mm: mapping kernel image: %w", err)
	}
	if err := k.pt.Map(root, sv39.Addr(kernelEnd), uint64(k.mem.Top()-kernelEnd),
		kernelEnd, sv39.PTERead|sv39.PTEWrite); err != nil {
		return fmt.Errorf("mm: mapping physical RAM: %w", err)
	}

	// The trap entry/exit page, mapped at the highest virtual address of
	// the kernel page table. The first kernel frame stands in for it. User
	// address spaces built by NewAddressSpace do not map it.
	if err := k.pt.Map(root, sv39.Trampoline, sv39.PageSize,
		sv39.KernBase, sv39.PTERead|sv39.PTEExec); err != nil {
		return fmt.Errorf("mm: mapping trampoline: %w", err)
	}
	return nil
}

// KernelRoot returns the boot page table root.
func (k *Kernel) KernelRoot() sv39.PhysAddr {
	return k.kernelRoot
}

// FreeFrames returns the number of frames on the free list.
func (k *Kernel) FreeFrames() int {
	return k.kmem.FreeCount()
}

// SwapStats returns the cumulative swap-out and swap-in page counts.
func (k *Kernel) SwapStats() (outs, ins uint64) {
	return k.stats.Snapshot()
}

// SwapSlotsUsed returns the number of allocated swap slots.
func (k *Kernel) SwapSlotsUsed() uint32 {
	return k.pool.Used()
}

// TLBShootdowns returns the number of TLB shootdowns issued.
func (k *Kernel) TLBShootdowns() uint64 {
	return k.tlbShootdowns.Load()
}

// LRULen returns the number of frames eligible for eviction.
func (k *Kernel) LRULen() int {
	return k.pages.Len()
}

// CheckLRU verifies the LRU list structure against its population count.
func (k *Kernel) CheckLRU() error {
	return k.pages.Check()
}

// LogSwapStats writes the swap counters to the global logger.
func (k *Kernel) LogSwapStats() {
	k.stats.Log()
}

// swapMust panics the kernel on a swap I/O failure. The device contract
// is completes-or-dies; there is no state to unwind to.
func swapMust(err error) {
	if err != nil {
		panic(fmt.Sprintf("mm: swap I/O: %v", err))
	}
}
