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

// Package wasmbuild assembles binary modules in memory. Tests, benchmarks and
// examples use it to produce inputs without an external wat2wasm toolchain.
package wasmbuild

import (
	"encoding/binary"

	"github.com/ziggy42/kestrel/internal/leb128"
	"github.com/ziggy42/kestrel/internal/opcode"
)

// Value types, re-exported for brevity at call sites.
const (
	I32 = opcode.ValI32
	I64 = opcode.ValI64
	F32 = opcode.ValF32
	F64 = opcode.ValF64
)

// Void is the empty block type.
const Void = opcode.BlockVoid

type rawSection struct {
	id      byte
	payload []byte
}

// Builder accumulates the entries of one module. Function imports must be
// declared before any function is defined, since they share the function
// index space.
type Builder struct {
	types         [][]byte
	imports       [][]byte
	importedFuncs uint32
	funcs         []uint32
	codes         [][]byte
	tables        [][]byte
	memories      [][]byte
	globals       [][]byte
	exports       [][]byte
	start         *uint32
	elements      [][]byte
	datas         [][]byte
	customs       [][]byte
	raw           []rawSection
}

// New returns an empty builder.
func New() *Builder {
	return &Builder{}
}

// Type interns a function type and returns its index.
func (b *Builder) Type(params, results []byte) uint32 {
	entry := []byte{opcode.FuncType}
	entry = appendBytes(entry, params)
	entry = appendBytes(entry, results)
	for i, t := range b.types {
		if string(t) == string(entry) {
			return uint32(i)
		}
	}
	b.types = append(b.types, entry)
	return uint32(len(b.types) - 1)
}

// ImportFunc declares an imported function and returns its function index.
func (b *Builder) ImportFunc(module, name string, params, results []byte) uint32 {
	if len(b.funcs) > 0 {
		panic("wasmbuild: function imports must precede function definitions")
	}
	typeIdx := b.Type(params, results)
	entry := appendName(nil, module)
	entry = appendName(entry, name)
	entry = append(entry, opcode.KindFunc)
	entry = leb128.AppendUnsigned(entry, uint64(typeIdx))
	b.imports = append(b.imports, entry)
	b.importedFuncs++
	return b.importedFuncs - 1
}

// ImportMemory declares an imported memory.
func (b *Builder) ImportMemory(module, name string, initial uint32, maximum ...uint32) {
	entry := appendName(nil, module)
	entry = appendName(entry, name)
	entry = append(entry, opcode.KindMemory)
	b.imports = append(b.imports, appendLimits(entry, initial, maximum))
}

// Func defines a function. code is the instruction stream without the
// final end, which Func appends. locals lists one type per local.
func (b *Builder) Func(params, results, locals []byte, code ...[]byte) uint32 {
	b.funcs = append(b.funcs, b.Type(params, results))

	var groups [][2]uint64
	for _, t := range locals {
		if n := len(groups); n > 0 && groups[n-1][1] == uint64(t) {
			groups[n-1][0]++
			continue
		}
		groups = append(groups, [2]uint64{1, uint64(t)})
	}
	body := leb128.AppendUnsigned(nil, uint64(len(groups)))
	for _, g := range groups {
		body = leb128.AppendUnsigned(body, g[0])
		body = append(body, byte(g[1]))
	}
	for _, c := range code {
		body = append(body, c...)
	}
	body = append(body, byte(opcode.End))
	b.codes = append(b.codes, body)
	return b.importedFuncs + uint32(len(b.funcs)-1)
}

// Table defines a funcref table.
func (b *Builder) Table(initial uint32, maximum ...uint32) {
	b.tables = append(b.tables, appendLimits([]byte{opcode.FuncRef}, initial, maximum))
}

// Memory defines a linear memory sized in pages.
func (b *Builder) Memory(initial uint32, maximum ...uint32) {
	b.memories = append(b.memories, appendLimits(nil, initial, maximum))
}

// Global defines a global initialized by init, a single constant
// instruction without its end.
func (b *Builder) Global(t byte, mutable bool, init []byte) uint32 {
	entry := []byte{t, 0}
	if mutable {
		entry[1] = 1
	}
	entry = append(entry, init...)
	entry = append(entry, byte(opcode.End))
	b.globals = append(b.globals, entry)
	return uint32(len(b.globals) - 1)
}

// Export exports a function.
func (b *Builder) Export(name string, funcIdx uint32) {
	b.export(name, opcode.KindFunc, funcIdx)
}

// ExportMemory exports a memory.
func (b *Builder) ExportMemory(name string, memIdx uint32) {
	b.export(name, opcode.KindMemory, memIdx)
}

// ExportGlobal exports a global.
func (b *Builder) ExportGlobal(name string, globalIdx uint32) {
	b.export(name, opcode.KindGlobal, globalIdx)
}

func (b *Builder) export(name string, kind byte, idx uint32) {
	entry := appendName(nil, name)
	entry = append(entry, kind)
	b.exports = append(b.exports, leb128.AppendUnsigned(entry, uint64(idx)))
}

// Start marks funcIdx as the start function.
func (b *Builder) Start(funcIdx uint32) {
	b.start = &funcIdx
}

// Elements places funcs into table 0 starting at offset.
func (b *Builder) Elements(offset int32, funcs ...uint32) {
	entry := []byte{0}
	entry = append(entry, I32Const(offset)...)
	entry = append(entry, byte(opcode.End))
	entry = leb128.AppendUnsigned(entry, uint64(len(funcs)))
	for _, f := range funcs {
		entry = leb128.AppendUnsigned(entry, uint64(f))
	}
	b.elements = append(b.elements, entry)
}

// Data copies data into memory 0 at offset.
func (b *Builder) Data(offset int32, data []byte) {
	entry := []byte{0}
	entry = append(entry, I32Const(offset)...)
	entry = append(entry, byte(opcode.End))
	b.datas = append(b.datas, appendBytes(entry, data))
}

// Custom adds a custom section. Custom sections are emitted first.
func (b *Builder) Custom(name string, payload []byte) {
	b.customs = append(b.customs, append(appendName(nil, name), payload...))
}

// Raw appends an arbitrary section after all others, without any ordering
// or content checks.
func (b *Builder) Raw(id byte, payload []byte) {
	b.raw = append(b.raw, rawSection{id: id, payload: payload})
}

// Bytes encodes the module.
func (b *Builder) Bytes() []byte {
	out := binary.LittleEndian.AppendUint32(nil, opcode.Magic)
	out = binary.LittleEndian.AppendUint32(out, opcode.Version)
	for _, c := range b.customs {
		out = appendSection(out, opcode.SectionCustom, c)
	}
	out = appendVectorSection(out, opcode.SectionType, b.types)
	out = appendVectorSection(out, opcode.SectionImport, b.imports)
	if len(b.funcs) > 0 {
		payload := leb128.AppendUnsigned(nil, uint64(len(b.funcs)))
		for _, t := range b.funcs {
			payload = leb128.AppendUnsigned(payload, uint64(t))
		}
		out = appendSection(out, opcode.SectionFunction, payload)
	}
	out = appendVectorSection(out, opcode.SectionTable, b.tables)
	out = appendVectorSection(out, opcode.SectionMemory, b.memories)
	out = appendVectorSection(out, opcode.SectionGlobal, b.globals)
	out = appendVectorSection(out, opcode.SectionExport, b.exports)
	if b.start != nil {
		out = appendSection(
			out, opcode.SectionStart, leb128.AppendUnsigned(nil, uint64(*b.start)),
		)
	}
	out = appendVectorSection(out, opcode.SectionElement, b.elements)
	if len(b.codes) > 0 {
		bodies := make([][]byte, len(b.codes))
		for i, c := range b.codes {
			bodies[i] = appendBytes(nil, c)
		}
		out = appendVectorSection(out, opcode.SectionCode, bodies)
	}
	out = appendVectorSection(out, opcode.SectionData, b.datas)
	for _, r := range b.raw {
		out = appendSection(out, r.id, r.payload)
	}
	return out
}

func appendSection(out []byte, id byte, payload []byte) []byte {
	out = append(out, id)
	return appendBytes(out, payload)
}

func appendVectorSection(out []byte, id byte, entries [][]byte) []byte {
	if len(entries) == 0 {
		return out
	}
	payload := leb128.AppendUnsigned(nil, uint64(len(entries)))
	for _, e := range entries {
		payload = append(payload, e...)
	}
	return appendSection(out, id, payload)
}

func appendBytes(out, data []byte) []byte {
	out = leb128.AppendUnsigned(out, uint64(len(data)))
	return append(out, data...)
}

func appendName(out []byte, name string) []byte {
	return appendBytes(out, []byte(name))
}

func appendLimits(out []byte, initial uint32, maximum []uint32) []byte {
	if len(maximum) == 0 {
		out = append(out, 0)
		return leb128.AppendUnsigned(out, uint64(initial))
	}
	out = append(out, 1)
	out = leb128.AppendUnsigned(out, uint64(initial))
	return leb128.AppendUnsigned(out, uint64(maximum[0]))
}
