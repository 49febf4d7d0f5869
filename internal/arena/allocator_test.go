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
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ziggy42/kestrel/fault"
)

type pair struct {
	a uint64
	b uint32
}

func newTestAllocator(t *testing.T, limit int) *Allocator {
	t.Helper()
	a, err := New(limit)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Release() })
	return a
}

func TestAllocReturnsZeroedAlignedRegions(t *testing.T) {
	a := newTestAllocator(t, 1<<20)

	bytes, err := Alloc[byte](a, 3)
	require.NoError(t, err)
	pairs, err := Alloc[pair](a, 4)
	require.NoError(t, err)

	assert.Len(t, bytes, 3)
	assert.Len(t, pairs, 4)
	for _, p := range pairs {
		assert.Equal(t, pair{}, p)
	}
	addr := uintptr(unsafe.Pointer(&pairs[0]))
	assert.Zero(t, addr%unsafe.Alignof(pair{}))
	assert.Zero(t, addr%Granule)
}

func TestSuccessiveAllocationsNeverOverlap(t *testing.T) {
	a := newTestAllocator(t, 1<<20)

	type span struct{ start, end uintptr }
	var spans []span
	for i := 1; i < 50; i++ {
		s, err := Alloc[uint32](a, i)
		require.NoError(t, err)
		for j := range s {
			s[j] = uint32(i)
		}
		start := uintptr(unsafe.Pointer(&s[0]))
		spans = append(spans, span{start, start + uintptr(i*4)})
	}
	for i := range spans {
		for j := i + 1; j < len(spans); j++ {
			overlap := spans[i].start < spans[j].end && spans[j].start < spans[i].end
			assert.False(t, overlap, "allocations %d and %d overlap", i, j)
		}
	}
}

func TestAllocGrowsInChunks(t *testing.T) {
	a := newTestAllocator(t, 4*ChunkSize)
	assert.Zero(t, a.Committed())

	_, err := Alloc[byte](a, ChunkSize+1)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, a.Committed(), 2*ChunkSize)
	assert.LessOrEqual(t, a.Committed(), a.Limit())
}

func TestAllocFailsAtAbsoluteCeiling(t *testing.T) {
	a := newTestAllocator(t, 2*ChunkSize)

	_, err := Alloc[byte](a, ChunkSize)
	require.NoError(t, err)
	_, err = Alloc[byte](a, 2*ChunkSize)
	require.ErrorIs(t, err, fault.ErrAllocationFailure)
}

func TestAllocPerCallCeilingDoesNotGrowArena(t *testing.T) {
	a := newTestAllocator(t, DefaultLimit)

	_, err := Alloc[byte](a, MaxAllocation+1)
	require.ErrorIs(t, err, fault.ErrAllocationFailure)
	assert.Zero(t, a.Used())
	assert.Zero(t, a.Committed())
}

func TestAllocRejectsPointerTypes(t *testing.T) {
	a := newTestAllocator(t, 1<<20)

	_, err := Alloc[string](a, 1)
	require.ErrorIs(t, err, fault.ErrAllocationFailure)
	_, err = Alloc[struct{ p *int }](a, 1)
	require.ErrorIs(t, err, fault.ErrAllocationFailure)
}

func TestReclaimOnlyAtFrontier(t *testing.T) {
	a := newTestAllocator(t, 1<<20)

	first, err := Alloc[uint64](a, 4)
	require.NoError(t, err)
	second, err := Alloc[uint64](a, 4)
	require.NoError(t, err)

	require.ErrorIs(t, Reclaim(a, first), fault.ErrDoubleFree)

	before := a.Used()
	require.NoError(t, Reclaim(a, second))
	assert.Less(t, a.Used(), before)
	require.ErrorIs(t, Reclaim(a, second), fault.ErrDoubleFree)
	require.NoError(t, Reclaim(a, first))
	assert.Zero(t, a.Used())
}

func TestReclaimedSpaceIsZeroedOnReuse(t *testing.T) {
	a := newTestAllocator(t, 1<<20)

	s, err := Alloc[uint32](a, 8)
	require.NoError(t, err)
	for i := range s {
		s[i] = 0xdeadbeef
	}
	require.NoError(t, Reclaim(a, s))

	again, err := Alloc[uint32](a, 8)
	require.NoError(t, err)
	for _, v := range again {
		assert.Zero(t, v)
	}
}

func TestReclaimForeignSlice(t *testing.T) {
	a := newTestAllocator(t, 1<<20)
	_, err := Alloc[byte](a, 1)
	require.NoError(t, err)

	require.ErrorIs(t, Reclaim(a, make([]byte, 4)), fault.ErrDoubleFree)
}
