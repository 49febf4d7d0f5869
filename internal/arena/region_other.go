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

//go:build !unix

package arena

import "github.com/ziggy42/kestrel/fault"

const pageSize = 4096

// Region emulates a reservation on platforms without mmap. The whole
// reservation is allocated from the Go heap on first commit so committed
// bytes never move; only the committed prefix is exposed.
type Region struct {
	mem       []byte
	reserved  int
	committed int
}

// Reserve records the maximum size of the region.
func Reserve(size int) (*Region, error) {
	return &Region{reserved: roundUp(max(size, 0), pageSize)}, nil
}

// Commit grows the accessible part of the region to at least size bytes.
func (r *Region) Commit(size int) error {
	if size <= r.committed {
		return nil
	}
	if size > r.reserved {
		return fault.New(
			fault.AllocationFailure,
			"commit %d bytes exceeds reservation of %d", size, r.reserved,
		)
	}
	if r.mem == nil {
		r.mem = make([]byte, r.reserved)
	}
	r.committed = min(roundUp(size, pageSize), r.reserved)
	return nil
}

// Bytes returns the committed part of the region.
func (r *Region) Bytes() []byte {
	return r.mem[:r.committed]
}

// Reserved returns the total size of the reservation.
func (r *Region) Reserved() int {
	return r.reserved
}

// Release drops the backing array.
func (r *Region) Release() error {
	r.mem, r.reserved, r.committed = nil, 0, 0
	return nil
}
