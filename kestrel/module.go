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

// FunctionBody is a decoded function: its declared locals and the flat
// instruction stream produced by the encoder.
type FunctionBody struct {
	// Locals are the declared locals, run-length grouped by type.
	Locals []LocalGroup
	// LocalsCount is the number of parameters plus declared locals.
	LocalsCount uint32
	// MaxHeight is the highest operand stack height the body reaches above
	// its locals.
	MaxHeight uint32

	localTypes []ValueType
	code       []instr
}

// Instructions returns the length of the encoded instruction stream.
func (b *FunctionBody) Instructions() int { return len(b.code) }

// Module is the decoded representation of a binary module. Its fixed-size
// arrays live in an arena owned by the module; Close releases them, after
// which the Module and every Instance created from it must not be used.
//
// A Module is immutable once parsed and may be shared by any number of
// instances.
type Module struct {
	Types               []FunctionType
	Imports             []Import
	FunctionTypeIndexes []uint32
	Tables              []TableType
	Memories            []MemoryType
	Globals             []GlobalVariable
	Exports             []Export
	StartIndex          *uint32
	ElementSegments     []ElementSegment
	Code                []FunctionBody
	DataSegments        []DataSegment
	DataCount           *uint32

	// typeAliases maps each type index to the first structurally equal
	// one, so indirect calls compare signatures with a single integer test.
	typeAliases []uint32
	arena       *arena.Allocator
}

// Close releases the module's arena.
func (m *Module) Close() error {
	if m.arena == nil {
		return nil
	}
	a := m.arena
	m.arena = nil
	return a.Release()
}

// ArenaBytes returns how much of the module's arena is in use.
func (m *Module) ArenaBytes() int {
	if m.arena == nil {
		return 0
	}
	return m.arena.Used()
}

func (m *Module) numFunctions() uint32 {
	return uint32(len(m.Imports) + len(m.FunctionTypeIndexes))
}

func (m *Module) typeIndexOf(funcIdx uint32) uint32 {
	if funcIdx < uint32(len(m.Imports)) {
		return m.Imports[funcIdx].TypeIndex
	}
	return m.FunctionTypeIndexes[funcIdx-uint32(len(m.Imports))]
}

// FunctionType returns the signature of function funcIdx, imports first.
func (m *Module) FunctionType(funcIdx uint32) (FunctionType, bool) {
	if funcIdx >= m.numFunctions() {
		return FunctionType{}, false
	}
	return m.Types[m.typeIndexOf(funcIdx)], true
}

// ExportedFunction resolves a function export by name.
func (m *Module) ExportedFunction(name string) (uint32, FunctionType, error) {
	for _, export := range m.Exports {
		if export.Name == name && export.Kind == FunctionExportKind {
			return export.Index, m.Types[m.typeIndexOf(export.Index)], nil
		}
	}
	return 0, FunctionType{}, fault.New(
		fault.ExportNotFound, "function %q is not exported", name,
	)
}

// ExportedFunctionNames lists function exports in declaration order.
func (m *Module) ExportedFunctionNames() []string {
	var names []string
	for _, export := range m.Exports {
		if export.Kind == FunctionExportKind {
			names = append(names, export.Name)
		}
	}
	return names
}

// finalize checks the cross-section invariants and computes the type alias
// table. It runs once, after the last section.
func (m *Module) finalize() error {
	if len(m.FunctionTypeIndexes) != len(m.Code) {
		return fault.New(
			fault.GeneralParsingFailure,
			"%d function declarations but %d bodies",
			len(m.FunctionTypeIndexes), len(m.Code),
		)
	}
	if len(m.Memories) > 1 {
		return fault.New(fault.Unimplemented, "%d memories", len(m.Memories))
	}
	if len(m.Tables) > 1 {
		return fault.New(fault.Unimplemented, "%d tables", len(m.Tables))
	}
	if m.DataCount != nil && *m.DataCount != uint32(len(m.DataSegments)) {
		return fault.New(
			fault.GeneralParsingFailure,
			"data count %d does not match %d segments",
			*m.DataCount, len(m.DataSegments),
		)
	}

	numFuncs := m.numFunctions()
	seen := make(map[string]struct{}, len(m.Exports))
	for _, export := range m.Exports {
		if _, ok := seen[export.Name]; ok {
			return fault.New(
				fault.GeneralParsingFailure, "duplicate export %q", export.Name,
			)
		}
		seen[export.Name] = struct{}{}
		var count uint32
		switch export.Kind {
		case FunctionExportKind:
			count = numFuncs
		case TableExportKind:
			count = uint32(len(m.Tables))
		case MemoryExportKind:
			count = uint32(len(m.Memories))
		case GlobalExportKind:
			count = uint32(len(m.Globals))
		}
		if export.Index >= count {
			return fault.New(
				fault.GeneralParsingFailure,
				"export %q refers to %s %d, only %d defined",
				export.Name, export.Kind, export.Index, count,
			)
		}
	}

	if m.StartIndex != nil {
		start := *m.StartIndex
		if start >= numFuncs {
			return fault.New(
				fault.GeneralParsingFailure, "start function %d out of range", start,
			)
		}
		ft := m.Types[m.typeIndexOf(start)]
		if len(ft.ParamTypes) != 0 || len(ft.ResultTypes) != 0 {
			return fault.New(
				fault.GeneralParsingFailure,
				"start function %d has type %s, want () -> ()", start, ft,
			)
		}
	}

	if len(m.ElementSegments) > 0 && len(m.Tables) == 0 {
		return fault.New(fault.GeneralParsingFailure, "element segment without a table")
	}
	for i, segment := range m.ElementSegments {
		for _, funcIdx := range segment.FunctionIndex {
			if funcIdx >= numFuncs {
				return fault.New(
					fault.GeneralParsingFailure,
					"element segment %d refers to function %d", i, funcIdx,
				)
			}
		}
	}
	if len(m.DataSegments) > 0 && len(m.Memories) == 0 {
		return fault.New(fault.GeneralParsingFailure, "data segment without a memory")
	}

	aliases, err := arena.Alloc[uint32](m.arena, len(m.Types))
	if err != nil {
		return err
	}
	for i := range m.Types {
		aliases[i] = uint32(i)
		for j := range i {
			if m.Types[j].Equal(m.Types[i]) {
				aliases[i] = uint32(j)
				break
			}
		}
	}
	m.typeAliases = aliases
	return nil
}
