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

// Package memory implements physical memory for the paging subsystem: the
// frame arena, the per-frame metadata table with its LRU list, and the
// frame allocator.
package memory

import (
	"pagevisor.dev/pagevisor/pkg/sv39"
)

// PhysMem is the machine's physical RAM, a 4 KiB-frame arena addressed by
// simulated physical addresses in [sv39.KernBase, Top). The same memory is
// visible as words, so that page-table frames are directly usable as PTE
// arrays, and as bytes for data access and swap I/O. This stands in for the
// kernel's direct map.
type PhysMem struct {
	words []sv39.PTE
	bytes []byte
	size  uint64
}

// NewPhysMem returns an arena of the given size, which must be a positive
// multiple of the page size.
func NewPhysMem(size uint64) *PhysMem {
	if size == 0 || size%sv39.PageSize != 0 {
		panic("memory: physical size not page-aligned")
	}
	words := make([]sv39.PTE, size/8)
	return &PhysMem{
		words: words,
		bytes: bytesView(words),
		size:  size,
	}
}

// Size returns the arena size in bytes.
func (m *PhysMem) Size() uint64 {
	return m.size
}

// Top returns one beyond the highest physical address.
func (m *PhysMem) Top() sv39.PhysAddr {
	return sv39.KernBase + sv39.PhysAddr(m.size)
}

// Frames returns the number of frames in the arena.
func (m *PhysMem) Frames() int {
	return int(m.size / sv39.PageSize)
}

// Contains reports whether pa falls inside the arena.
func (m *PhysMem) Contains(pa sv39.PhysAddr) bool {
	return pa >= sv39.KernBase && pa < m.Top()
}

func (m *PhysMem) frameOffset(pa sv39.PhysAddr) uint64 {
	if !pa.IsPageAligned() || !m.Contains(pa) {
		panic("memory: bad frame address")
	}
	return uint64(pa - sv39.KernBase)
}

// Bytes returns the frame at pa as a byte slice.
func (m *PhysMem) Bytes(pa sv39.PhysAddr) []byte {
	off := m.frameOffset(pa)
	return m.bytes[off : off+sv39.PageSize : off+sv39.PageSize]
}

// Range returns n bytes starting at physical address pa, which need not be
// page-aligned but must not cross the end of the arena.
func (m *PhysMem) Range(pa sv39.PhysAddr, n uint64) []byte {
	if !m.Contains(pa) || uint64(m.Top()-pa) < n {
		panic("memory: bad physical range")
	}
	off := uint64(pa - sv39.KernBase)
	return m.bytes[off : off+n : off+n]
}

// Table returns the frame at pa viewed as a page-table page.
func (m *PhysMem) Table(pa sv39.PhysAddr) []sv39.PTE {
	off := m.frameOffset(pa) / 8
	return m.words[off : off+sv39.EntriesPerTable : off+sv39.EntriesPerTable]
}

// Zero clears the frame at pa.
func (m *PhysMem) Zero(pa sv39.PhysAddr) {
	m.Fill(pa, 0)
}

// Fill writes b over every byte of the frame at pa.
func (m *PhysMem) Fill(pa sv39.PhysAddr, b byte) {
	page := m.Bytes(pa)
	for i := range page {
		page[i] = b
	}
}
