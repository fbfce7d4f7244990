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

	"golang.org/x/sys/unix"
	"pagevisor.dev/pagevisor/pkg/sv39"
)

// FileDevice is a Device backed by a host file, standing in for the block
// device partition that holds the swap region.
type FileDevice struct {
	fd   int
	path string
}

// NewFileDevice creates or truncates the file at path and sizes it for
// slots pages.
func NewFileDevice(path string, slots uint32) (*FileDevice, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("swap: opening %q: %w", path, err)
	}
	if err := unix.Ftruncate(fd, int64(slots)*sv39.PageSize); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("swap: sizing %q: %w", path, err)
	}
	return &FileDevice{fd: fd, path: path}, nil
}

// ReadPage implements Device.ReadPage.
func (d *FileDevice) ReadPage(slot uint32, dst []byte) error {
	checkPage(dst)
	off := int64(slot) * sv39.PageSize
	for done := 0; done < len(dst); {
		n, err := unix.Pread(d.fd, dst[done:], off+int64(done))
		if err != nil {
			return fmt.Errorf("swap: read slot %d of %q: %w", slot, d.path, err)
		}
		if n == 0 {
			return fmt.Errorf("swap: short read at slot %d of %q", slot, d.path)
		}
		done += n
	}
	return nil
}

// WritePage implements Device.WritePage.
func (d *FileDevice) WritePage(slot uint32, src []byte) error {
	checkPage(src)
	off := int64(slot) * sv39.PageSize
	for done := 0; done < len(src); {
		n, err := unix.Pwrite(d.fd, src[done:], off+int64(done))
		if err != nil {
			return fmt.Errorf("swap: write slot %d of %q: %w", slot, d.path, err)
		}
		done += n
	}
	return nil
}

// Close releases the backing file descriptor.
func (d *FileDevice) Close() error {
	return unix.Close(d.fd)
}
