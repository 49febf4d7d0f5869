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

package kestrel

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ziggy42/kestrel/fault"
)

func newTestMemory(t *testing.T, limits Limits, ceiling uint32) *Memory {
	t.Helper()
	m, err := newMemory(MemoryType{Limits: limits}, ceiling)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestMemoryGrowZeroIsIdempotent(t *testing.T) {
	m := newTestMemory(t, Limits{Min: 2}, 16)

	for range 3 {
		require.Equal(t, int32(2), m.Grow(0))
	}
	require.Equal(t, uint32(2), m.Size())
}

func TestMemoryGrowZeroFillsNewPages(t *testing.T) {
	m := newTestMemory(t, Limits{Min: 1}, 16)
	for i := range m.Bytes() {
		m.Bytes()[i] = 0xaa
	}

	require.Equal(t, int32(1), m.Grow(2))

	require.Equal(t, 3*PageSize, len(m.Bytes()))
	for i, b := range m.Bytes()[PageSize:] {
		if b != 0 {
			t.Fatalf("byte %d of the grown pages is %#x", PageSize+i, b)
		}
	}
	require.Equal(t, byte(0xaa), m.Bytes()[PageSize-1])
}

func TestMemoryGrowRespectsDeclaredMaximum(t *testing.T) {
	m := newTestMemory(t, Limits{Min: 1, Max: 2, HasMax: true}, 16)

	require.Equal(t, uint32(2), m.Ceiling())
	require.Equal(t, int32(-1), m.Grow(2))
	require.Equal(t, uint32(1), m.Size())
	require.Equal(t, int32(1), m.Grow(1))
	require.Equal(t, int32(-1), m.Grow(1))
	require.Equal(t, uint32(2), m.Size())
}

func TestMemoryGrowRespectsGlobalCeiling(t *testing.T) {
	m := newTestMemory(t, Limits{Min: 1, Max: 100, HasMax: true}, 4)

	require.Equal(t, uint32(4), m.Ceiling())
	require.Equal(t, int32(-1), m.Grow(4))
	require.Equal(t, int32(1), m.Grow(3))
	require.Equal(t, int32(-1), m.Grow(0xffff_ffff))
}

func TestMemoryInitialAboveCeiling(t *testing.T) {
	_, err := newMemory(MemoryType{Limits: Limits{Min: 5}}, 4)

	requireFault(t, err, fault.InstantiationFailed)
}

func TestMemoryBoundsChecks(t *testing.T) {
	m := newTestMemory(t, Limits{Min: 1}, 1)

	require.NoError(t, m.StoreUint32(PageSize-8, 4, 0xdeadbeef))
	v, err := m.LoadUint32(PageSize-4, 0)
	require.NoError(t, err)
	require.Equal(t, uint32(0xdeadbeef), v)

	_, err = m.LoadUint64(PageSize-4, 0)
	requireFault(t, err, fault.MemoryAccessBounds)

	// offset + index must not wrap around 32 bits.
	_, err = m.LoadByte(0xffff_ffff, 1)
	requireFault(t, err, fault.MemoryAccessBounds)

	requireFault(t, m.Write(PageSize-1, []byte{1, 2}), fault.MemoryAccessBounds)
	_, err = m.Read(PageSize, 0)
	require.NoError(t, err)
}
