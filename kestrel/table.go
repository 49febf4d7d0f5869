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
	"github.com/ziggy42/kestrel/fault"
	"github.com/ziggy42/kestrel/internal/arena"
)

// Table is a funcref table instance. Each element holds a function index
// plus one; zero is the null reference.
type Table struct {
	Type     TableType
	elements []uint32
}

func newTable(a *arena.Allocator, tt TableType) (*Table, error) {
	elements, err := arena.Alloc[uint32](a, int(tt.Limits.Min))
	if err != nil {
		return nil, fault.Wrap(
			fault.ConstructorFailure, err, "table of %d elements", tt.Limits.Min,
		)
	}
	return &Table{Type: tt, elements: elements}, nil
}

func (t *Table) Size() uint32 {
	return uint32(len(t.elements))
}

// Get returns the function index at index. ok is false for a null element.
func (t *Table) Get(index uint32) (funcIdx uint32, ok bool, err error) {
	if index >= t.Size() {
		return 0, false, fault.New(
			fault.UndefinedElement, "table index %d, size %d", index, t.Size(),
		)
	}
	e := t.elements[index]
	if e == 0 {
		return 0, false, nil
	}
	return e - 1, true, nil
}

// InitFromSlice copies function indexes into the table starting at offset.
func (t *Table) InitFromSlice(offset uint32, funcIndexes []uint32) error {
	if uint64(offset)+uint64(len(funcIndexes)) > uint64(t.Size()) {
		return fault.New(
			fault.InstantiationFailed,
			"element segment of %d at %d overflows table of %d",
			len(funcIndexes), offset, t.Size(),
		)
	}
	for i, funcIdx := range funcIndexes {
		t.elements[offset+uint32(i)] = funcIdx + 1
	}
	return nil
}
