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

package main

import (
	"fmt"

	"github.com/BurntSushi/toml"
	"pagevisor.dev/pagevisor/pkg/mm"
	"pagevisor.dev/pagevisor/pkg/sv39"
	"pagevisor.dev/pagevisor/pkg/swap"
)

// config is the machine description the scenarios boot against.
type config struct {
	// PhysBytes is the size of simulated physical RAM.
	PhysBytes uint64 `toml:"phys_bytes"`
	// KernelReserve is the size of the simulated kernel image.
	KernelReserve uint64 `toml:"kernel_reserve"`
	// SwapBytes is the size of the swap region.
	SwapBytes uint64 `toml:"swap_bytes"`
	// SwapFile backs the swap region on disk. Empty keeps swap in
	// memory.
	SwapFile string `toml:"swap_file"`
}

// loadConfig loads the machine description from path, or returns the
// default machine when path is empty: 512 KiB of RAM against an 8 MiB
// swap region, small enough that every scenario pages heavily.
func loadConfig(path string) (*config, error) {
	c := &config{
		PhysBytes:     1 << 19,
		KernelReserve: sv39.PageSize,
		SwapBytes:     8 << 20,
	}
	if path == "" {
		return c, nil
	}
	if _, err := toml.DecodeFile(path, c); err != nil {
		return nil, err
	}
	return c, nil
}

// boot brings up a kernel on the configured machine.
func (c *config) boot() (*mm.Kernel, error) {
	slots := uint32(c.SwapBytes / sv39.PageSize)
	var dev swap.Device
	if c.SwapFile != "" {
		fd, err := swap.NewFileDevice(c.SwapFile, slots)
		if err != nil {
			return nil, err
		}
		dev = fd
	}
	k, err := mm.NewKernel(mm.Config{
		PhysBytes:     c.PhysBytes,
		KernelReserve: c.KernelReserve,
		SwapSlots:     slots,
		Device:        dev,
	})
	if err != nil {
		return nil, fmt.Errorf("booting kernel: %w", err)
	}
	return k, nil
}
