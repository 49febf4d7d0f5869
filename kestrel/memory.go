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
	"encoding/binary"

	"go.uber.org/zap"

	"github.com/ziggy42/kestrel/fault"
	"github.com/ziggy42/kestrel/internal/arena"
)

// Memory is a linear memory instance. Its address range is reserved for the
// whole ceiling at creation and committed page by page as it grows, so the
// backing bytes never move.
type Memory struct {
	Limits  Limits
	ceiling uint32
	region  *arena.Region
	data    []byte
}

// newMemory creates a memory with mt's initial size that can grow up to
// ceiling pages.
func newMemory(mt MemoryType, ceiling uint32) (*Memory, error) {
	if mt.Limits.HasMax {
		ceiling = min(ceiling, mt.Limits.Max)
	}
	if mt.Limits.Min > ceiling {
		return nil, fault.New(
			fault.InstantiationFailed,
			"memory of %d pages exceeds the ceiling of %d", mt.Limits.Min, ceiling,
		)
	}
	region, err := arena.Reserve(int(ceiling) * PageSize)
	if err != nil {
		return nil, err
	}
	m := &Memory{Limits: mt.Limits, ceiling: ceiling, region: region}
	if err := m.commit(mt.Limits.Min); err != nil {
		_ = region.Release()
		return nil, err
	}
	return m, nil
}

func (m *Memory) commit(pages uint32) error {
	size := int(pages) * PageSize
	if err := m.region.Commit(size); err != nil {
		return err
	}
	m.data = m.region.Bytes()[:size:size]
	return nil
}

// Size returns the size of the memory in pages.
func (m *Memory) Size() uint32 {
	return uint32(len(m.data) / PageSize)
}

// Ceiling returns the page count the memory can never grow past.
func (m *Memory) Ceiling() uint32 { return m.ceiling }

// Grow extends the memory by delta pages. It returns the previous size in
// pages, or -1 without changing anything if the result would exceed the
// ceiling or the pages cannot be committed. New pages read as zero.
func (m *Memory) Grow(delta uint32) int32 {
	previous := m.Size()
	if uint64(previous)+uint64(delta) > uint64(m.ceiling) {
		return -1
	}
	if delta == 0 {
		return int32(previous)
	}
	if err := m.commit(previous + delta); err != nil {
		Logger().Debug("memory grow failed", zap.Error(err))
		return -1
	}
	if ce := Logger().Check(zap.DebugLevel, "memory grown"); ce != nil {
		ce.Write(zap.Uint32("from", previous), zap.Uint32("to", previous+delta))
	}
	return int32(previous)
}

// Bytes returns the accessible memory. The slice is invalidated by Grow.
func (m *Memory) Bytes() []byte { return m.data }

// Read returns length bytes starting at offset. The result aliases the
// memory.
func (m *Memory) Read(offset, length uint32) ([]byte, error) {
	return m.slice(0, offset, uint64(length))
}

// Write copies data into memory starting at offset.
func (m *Memory) Write(offset uint32, data []byte) error {
	dst, err := m.slice(0, offset, uint64(len(data)))
	if err != nil {
		return err
	}
	copy(dst, data)
	return nil
}

// Close unmaps the memory. It must not be used afterwards.
func (m *Memory) Close() error {
	m.data = nil
	return m.region.Release()
}

// slice bounds-checks an access of width bytes at offset+index. The sum is
// computed in 64 bits so it cannot wrap.
func (m *Memory) slice(offset, index uint32, width uint64) ([]byte, error) {
	start := uint64(offset) + uint64(index)
	if start+width > uint64(len(m.data)) {
		return nil, fault.New(
			fault.MemoryAccessBounds,
			"access of %d bytes at %d, memory is %d bytes", width, start, len(m.data),
		)
	}
	return m.data[start : start+width], nil
}

func (m *Memory) LoadByte(offset, index uint32) (byte, error) {
	b, err := m.slice(offset, index, 1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (m *Memory) LoadUint16(offset, index uint32) (uint16, error) {
	b, err := m.slice(offset, index, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (m *Memory) LoadUint32(offset, index uint32) (uint32, error) {
	b, err := m.slice(offset, index, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (m *Memory) LoadUint64(offset, index uint32) (uint64, error) {
	b, err := m.slice(offset, index, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (m *Memory) StoreByte(offset, index uint32, v byte) error {
	b, err := m.slice(offset, index, 1)
	if err != nil {
		return err
	}
	b[0] = v
	return nil
}

func (m *Memory) StoreUint16(offset, index uint32, v uint16) error {
	b, err := m.slice(offset, index, 2)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(b, v)
	return nil
}

func (m *Memory) StoreUint32(offset, index uint32, v uint32) error {
	b, err := m.slice(offset, index, 4)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(b, v)
	return nil
}

func (m *Memory) StoreUint64(offset, index uint32, v uint64) error {
	b, err := m.slice(offset, index, 8)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(b, v)
	return nil
}
