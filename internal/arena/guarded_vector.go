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

package arena

import (
	"unsafe"

	"github.com/ziggy42/kestrel/fault"
)

// GuardedVector is a growable sequence whose storage comes from an
// Allocator. Out of range accesses fail with an out of bounds fault.
type GuardedVector[T any] struct {
	alloc *Allocator
	block []T
	size  int
}

// NewGuardedVector allocates room for capacity items.
func NewGuardedVector[T any](a *Allocator, capacity int) (*GuardedVector[T], error) {
	block, err := Alloc[T](a, capacity)
	if err != nil {
		return nil, err
	}
	return &GuardedVector[T]{alloc: a, block: block}, nil
}

// Len returns the number of items.
func (v *GuardedVector[T]) Len() int { return v.size }

// Cap returns the number of items the vector holds without growing.
func (v *GuardedVector[T]) Cap() int { return len(v.block) }

// Items returns the live items. The slice aliases the vector.
func (v *GuardedVector[T]) Items() []T { return v.block[:v.size:v.size] }

// At returns item i.
func (v *GuardedVector[T]) At(i int) (T, error) {
	if i < 0 || i >= v.size {
		var zero T
		return zero, fault.New(fault.OutOfBounds, "index %d, length %d", i, v.size)
	}
	return v.block[i], nil
}

// Ref returns a pointer to item i, for in-place patching.
func (v *GuardedVector[T]) Ref(i int) (*T, error) {
	if i < 0 || i >= v.size {
		return nil, fault.New(fault.OutOfBounds, "index %d, length %d", i, v.size)
	}
	return &v.block[i], nil
}

// Set overwrites item i.
func (v *GuardedVector[T]) Set(i int, item T) error {
	ref, err := v.Ref(i)
	if err != nil {
		return err
	}
	*ref = item
	return nil
}

// Push appends an item, growing the storage if needed.
func (v *GuardedVector[T]) Push(item T) error {
	if v.size == len(v.block) {
		if err := v.grow(max(2*len(v.block), 8)); err != nil {
			return err
		}
	}
	v.block[v.size] = item
	v.size++
	return nil
}

// Pop removes and returns the last item.
func (v *GuardedVector[T]) Pop() (T, error) {
	if v.size == 0 {
		var zero T
		return zero, fault.New(fault.OutOfBounds, "pop from empty vector")
	}
	v.size--
	item := v.block[v.size]
	var zero T
	v.block[v.size] = zero
	return item, nil
}

// Resize sets the length to n. Growing extends into fresh, zeroed arena
// space; shrinking reclaims the tail when the vector is the arena's most
// recent allocation.
func (v *GuardedVector[T]) Resize(n int) error {
	if n < 0 {
		return fault.New(fault.OutOfBounds, "negative size %d", n)
	}
	if n > len(v.block) {
		if err := v.grow(n); err != nil {
			return err
		}
	} else if n < v.size {
		clear(v.block[n:v.size])
		if err := v.shrink(n); err != nil {
			return err
		}
	}
	v.size = n
	return nil
}

func (v *GuardedVector[T]) grow(capacity int) error {
	var zero T
	elem := int(unsafe.Sizeof(zero))
	if len(v.block) > 0 && elem > 0 {
		off, ok := v.alloc.offsetOf(unsafe.Pointer(unsafe.SliceData(v.block)))
		if ok {
			grown, err := v.alloc.resize(off, len(v.block)*elem, capacity*elem)
			if err != nil {
				return err
			}
			if grown {
				v.block = unsafe.Slice(unsafe.SliceData(v.block), capacity)
				return nil
			}
		}
	}
	block, err := Alloc[T](v.alloc, capacity)
	if err != nil {
		return err
	}
	copy(block, v.block[:v.size])
	v.block = block
	return nil
}

// shrink hands the granules past the first n items back to the arena. A
// block with later allocations behind it keeps its capacity.
func (v *GuardedVector[T]) shrink(n int) error {
	var zero T
	elem := int(unsafe.Sizeof(zero))
	if len(v.block) == 0 || elem == 0 {
		return nil
	}
	off, ok := v.alloc.offsetOf(unsafe.Pointer(unsafe.SliceData(v.block)))
	if !ok || off+roundUp(len(v.block)*elem, Granule) != v.alloc.used {
		return nil
	}
	kept := roundUp(n*elem, Granule)
	if tail := v.alloc.used - (off + kept); tail > 0 {
		freed := unsafe.Slice((*byte)(v.alloc.pointer(off+kept)), tail)
		if err := Reclaim(v.alloc, freed); err != nil {
			return err
		}
	}
	v.block = v.block[:n:n]
	return nil
}
