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

// Package swap provides the backing store for evicted pages: the device
// contract, the slot allocator over it, and swap traffic accounting.
//
// The swap region is a headerless run of page-sized slots; slot i begins
// at byte offset i*PageSize. Slots never survive a reboot.
package swap

import (
	"pagevisor.dev/pagevisor/pkg/sv39"
)

// Device is one page of synchronous I/O against the swap region. Reads
// and writes may sleep the caller; they either complete fully or return
// an error that the paging subsystem treats as fatal.
type Device interface {
	// ReadPage fills dst, which must be one page long, from slot.
	ReadPage(slot uint32, dst []byte) error

	// WritePage stores src, which must be one page long, to slot.
	WritePage(slot uint32, src []byte) error
}

// MemDevice is a Device over an in-memory slab. It is primarily for
// tests, and for machines configured without a swap file.
type MemDevice struct {
	slab []byte
}

// NewMemDevice returns a MemDevice with capacity for slots pages.
func NewMemDevice(slots uint32) *MemDevice {
	return &MemDevice{slab: make([]byte, uint64(slots)*sv39.PageSize)}
}

// ReadPage implements Device.ReadPage.
func (d *MemDevice) ReadPage(slot uint32, dst []byte) error {
	checkPage(dst)
	copy(dst, d.slab[uint64(slot)*sv39.PageSize:])
	return nil
}

// WritePage implements Device.WritePage.
func (d *MemDevice) WritePage(slot uint32, src []byte) error {
	checkPage(src)
	copy(d.slab[uint64(slot)*sv39.PageSize:], src)
	return nil
}

func checkPage(p []byte) {
	if len(p) != sv39.PageSize {
		panic("swap: buffer is not one page")
	}
}
