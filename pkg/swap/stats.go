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

package swap

import (
	"fmt"

	"pagevisor.dev/pagevisor/pkg/log"
	"pagevisor.dev/pagevisor/pkg/sync"
)

// Stats counts swap traffic. The stats mutex is last in the subsystem
// lock order; it nests under anything.
type Stats struct {
	mu   sync.Mutex
	outs uint64
	ins  uint64
}

// IncOut records one page written to swap.
func (s *Stats) IncOut() {
	s.mu.Lock()
	s.outs++
	s.mu.Unlock()
}

// IncIn records one page read back from swap.
func (s *Stats) IncIn() {
	s.mu.Lock()
	s.ins++
	s.mu.Unlock()
}

// Snapshot returns the current counters.
func (s *Stats) Snapshot() (outs, ins uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outs, s.ins
}

// String implements fmt.Stringer.
func (s *Stats) String() string {
	outs, ins := s.Snapshot()
	return fmt.Sprintf("swap out: %d pages, swap in: %d pages, total: %d", outs, ins, outs+ins)
}

// Log writes the counters to the global logger.
func (s *Stats) Log() {
	log.Infof("%s", s)
}
