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

// Package arena provides a single-owner bump allocator over a reserved
// address range, together with bounds-checked pointer and vector types built
// on top of it.
//
// Memory handed out by an Allocator lives outside the Go heap on unix
// platforms, so only pointer-free element types may be allocated.
package arena

import (
	"reflect"
	"unsafe"

	"github.com/ziggy42/kestrel/fault"
)

const (
	// Granule is the allocation unit: every allocation starts and ends on a
	// Granule boundary.
	Granule = 16
	// ChunkSize is how much the committed part of the arena grows at a time.
	ChunkSize = 64 << 10
	// DefaultLimit is the absolute size ceiling of an arena.
	DefaultLimit = 256 << 20
	// MaxAllocation is the ceiling of a single allocation, independent of
	// how much room the arena has left.
	MaxAllocation = 64 << 20
)

// Allocator is a bump allocator. It is not safe for concurrent use.
type Allocator struct {
	region *Region
	limit  int
	used   int
}

// New reserves an arena that can grow up to limit bytes.
func New(limit int) (*Allocator, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	region, err := Reserve(limit)
	if err != nil {
		return nil, err
	}
	return &Allocator{region: region, limit: region.Reserved()}, nil
}

// Used returns the current frontier, in bytes.
func (a *Allocator) Used() int { return a.used }

// Committed returns how many bytes are currently backed by memory.
func (a *Allocator) Committed() int { return len(a.region.Bytes()) }

// Limit returns the absolute size ceiling.
func (a *Allocator) Limit() int { return a.limit }

// Release returns the arena's memory. Every slice it handed out becomes
// invalid.
func (a *Allocator) Release() error {
	a.used = 0
	return a.region.Release()
}

// Alloc returns n zeroed, contiguous Ts aligned to alignof(T).
func Alloc[T any](a *Allocator, n int) ([]T, error) {
	var zero T
	if n < 0 {
		return nil, fault.New(fault.AllocationFailure, "negative element count %d", n)
	}
	if n == 0 {
		return nil, nil
	}
	if hasPointers(reflect.TypeFor[T]()) {
		return nil, fault.New(
			fault.AllocationFailure, "type %T contains pointers", zero,
		)
	}
	elem := int(unsafe.Sizeof(zero))
	if elem == 0 {
		return make([]T, n), nil
	}
	if n > MaxAllocation/elem {
		return nil, fault.New(
			fault.AllocationFailure,
			"%d elements of %d bytes exceed the per-allocation ceiling", n, elem,
		)
	}
	off, err := a.allocBytes(n*elem, int(unsafe.Alignof(zero)))
	if err != nil {
		return nil, err
	}
	return unsafe.Slice((*T)(a.pointer(off)), n), nil
}

// Reclaim undoes the most recent allocation. It fails with a double free
// fault unless s ends exactly at the frontier.
func Reclaim[T any](a *Allocator, s []T) error {
	if cap(s) == 0 {
		return nil
	}
	var zero T
	off, ok := a.offsetOf(unsafe.Pointer(unsafe.SliceData(s)))
	if !ok {
		return fault.New(fault.DoubleFree, "pointer not owned by this arena")
	}
	end := off + roundUp(cap(s)*int(unsafe.Sizeof(zero)), Granule)
	if end != a.used {
		return fault.New(
			fault.DoubleFree,
			"region [%d, %d) is not at the frontier %d", off, end, a.used,
		)
	}
	a.used = off
	return nil
}

func (a *Allocator) allocBytes(size, align int) (int, error) {
	if size > MaxAllocation {
		return 0, fault.New(
			fault.AllocationFailure,
			"%d bytes exceed the per-allocation ceiling of %d", size, MaxAllocation,
		)
	}
	off := roundUp(a.used, max(align, 1))
	end := off + roundUp(size, Granule)
	if err := a.ensure(end); err != nil {
		return 0, err
	}
	clear(a.region.Bytes()[off:end])
	a.used = end
	return off, nil
}

// resize moves the frontier for the block starting at off, provided that
// block is the last allocation. It reports whether it did so.
func (a *Allocator) resize(off, oldSize, newSize int) (bool, error) {
	if off+roundUp(oldSize, Granule) != a.used {
		return false, nil
	}
	end := off + roundUp(newSize, Granule)
	if end > a.used {
		if newSize > MaxAllocation {
			return false, fault.New(
				fault.AllocationFailure,
				"%d bytes exceed the per-allocation ceiling of %d", newSize, MaxAllocation,
			)
		}
		if err := a.ensure(end); err != nil {
			return false, err
		}
		clear(a.region.Bytes()[a.used:end])
	}
	a.used = end
	return true, nil
}

// ensure grows the committed region chunk by chunk until end fits.
func (a *Allocator) ensure(end int) error {
	if end > a.limit {
		return fault.New(
			fault.AllocationFailure,
			"arena exhausted: need %d bytes, ceiling is %d", end, a.limit,
		)
	}
	committed := a.Committed()
	if end <= committed {
		return nil
	}
	target := committed
	for target < end {
		target += ChunkSize
	}
	return a.region.Commit(min(target, a.limit))
}

func (a *Allocator) pointer(off int) unsafe.Pointer {
	return unsafe.Pointer(unsafe.SliceData(a.region.Bytes()[off:]))
}

func (a *Allocator) offsetOf(p unsafe.Pointer) (int, bool) {
	mem := a.region.Bytes()
	if len(mem) == 0 {
		return 0, false
	}
	base := uintptr(unsafe.Pointer(unsafe.SliceData(mem)))
	addr := uintptr(p)
	if addr < base || addr >= base+uintptr(len(mem)) {
		return 0, false
	}
	return int(addr - base), true
}

func hasPointers(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.String,
		reflect.Chan, reflect.Func, reflect.Interface, reflect.UnsafePointer:
		return true
	case reflect.Array:
		return t.Len() > 0 && hasPointers(t.Elem())
	case reflect.Struct:
		for i := range t.NumField() {
			if hasPointers(t.Field(i).Type) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func roundUp(n, to int) int {
	return (n + to - 1) / to * to
}
