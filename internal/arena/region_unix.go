// Copyright 2025 Google LLC
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

//go:build unix

package arena

import (
	"golang.org/x/sys/unix"

	"github.com/ziggy42/kestrel/fault"
)

// Region is a contiguous address range reserved up front and made
// accessible page by page. Committed bytes never move, so slices handed out
// over a Region stay valid until Release. Bytes past the committed size are
// mapped PROT_NONE; touching them raises a hardware fault.
type Region struct {
	mem       []byte
	committed int
}

// Reserve maps size bytes of inaccessible address space.
func Reserve(size int) (*Region, error) {
	if size <= 0 {
		return &Region{}, nil
	}
	size = roundUp(size, unix.Getpagesize())
	mem, err := unix.Mmap(
		-1, 0, size,
		unix.PROT_NONE,
		unix.MAP_PRIVATE|unix.MAP_ANON|unix.MAP_NORESERVE,
	)
	if err != nil {
		return nil, fault.Wrap(fault.AllocationFailure, err, "reserve %d bytes", size)
	}
	return &Region{mem: mem}, nil
}

// Commit makes the first size bytes readable and writable. Shrinking is not
// supported; a smaller size is a no-op.
func (r *Region) Commit(size int) error {
	if size <= r.committed {
		return nil
	}
	if size > len(r.mem) {
		return fault.New(
			fault.AllocationFailure,
			"commit %d bytes exceeds reservation of %d", size, len(r.mem),
		)
	}
	size = min(roundUp(size, unix.Getpagesize()), len(r.mem))
	if err := unix.Mprotect(r.mem[:size], unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return fault.Wrap(fault.AllocationFailure, err, "commit %d bytes", size)
	}
	r.committed = size
	return nil
}

// Bytes returns the committed part of the region.
func (r *Region) Bytes() []byte {
	return r.mem[:r.committed]
}

// Reserved returns the total size of the reservation.
func (r *Region) Reserved() int {
	return len(r.mem)
}

// Release unmaps the region. Every slice derived from it becomes invalid.
func (r *Region) Release() error {
	if r.mem == nil {
		return nil
	}
	err := unix.Munmap(r.mem)
	r.mem, r.committed = nil, 0
	return err
}
