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
	"math"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/ziggy42/kestrel/fault"
	"github.com/ziggy42/kestrel/internal/arena"
	"github.com/ziggy42/kestrel/internal/leb128"
	"github.com/ziggy42/kestrel/internal/opcode"
)

const (
	// maxFunctionLocals bounds params plus locals of a single function.
	maxFunctionLocals = 50000
	// scratchLimit bounds the encoder's control and fixup stacks.
	scratchLimit = 16 << 20
)

// sectionRank orders non-custom sections. The data count section sits
// between element and code.
var sectionRank = [...]int{
	opcode.SectionType:      1,
	opcode.SectionImport:    2,
	opcode.SectionFunction:  3,
	opcode.SectionTable:     4,
	opcode.SectionMemory:    5,
	opcode.SectionGlobal:    6,
	opcode.SectionExport:    7,
	opcode.SectionStart:     8,
	opcode.SectionElement:   9,
	opcode.SectionDataCount: 10,
	opcode.SectionCode:      11,
	opcode.SectionData:      12,
}

// ReadModule decodes a binary module using the default configuration.
func ReadModule(data []byte) (*Module, error) {
	return parseModule(data, DefaultConfig())
}

// parser decodes one module. It is single use.
type parser struct {
	p      *arena.GuardedPtr[byte]
	module *Module
	writer *bitcodeWriter
}

func parseModule(data []byte, cfg Config) (*Module, error) {
	cfg = cfg.normalized()
	a, err := arena.New(cfg.MaxArenaBytes)
	if err != nil {
		return nil, err
	}
	scratch, err := arena.New(scratchLimit)
	if err != nil {
		_ = a.Release()
		return nil, err
	}
	defer scratch.Release()

	m := &Module{arena: a}
	writer, err := newBitcodeWriter(m, scratch)
	if err != nil {
		_ = a.Release()
		return nil, err
	}
	ps := &parser{p: arena.NewGuardedPtr(data), module: m, writer: writer}
	if err := ps.parse(); err != nil {
		_ = a.Release()
		return nil, asParseFault(err)
	}

	Logger().Debug("module parsed",
		zap.Int("bytes", len(data)),
		zap.Int("types", len(m.Types)),
		zap.Int("imports", len(m.Imports)),
		zap.Int("functions", len(m.Code)),
		zap.Int("exports", len(m.Exports)),
		zap.Int("arena_bytes", a.Used()),
	)
	return m, nil
}

// asParseFault keeps parser, system and allocation faults, and reports
// anything else, bounds faults included, as a general parsing failure.
func asParseFault(err error) error {
	code, ok := fault.CodeOf(err)
	if ok {
		switch code.Category() {
		case fault.CategoryParser, fault.CategorySystem:
			return err
		}
		if code == fault.AllocationFailure {
			return err
		}
	}
	return fault.Wrap(fault.GeneralParsingFailure, err, "malformed module")
}

// annotate adds context to err while keeping its fault code.
func annotate(err error, format string, args ...any) error {
	code, ok := fault.CodeOf(err)
	if !ok || code == fault.OutOfBounds {
		code = fault.GeneralParsingFailure
	}
	return fault.Wrap(code, err, format, args...)
}

func (ps *parser) parse() error {
	if err := ps.parseHeader(); err != nil {
		return err
	}
	last := 0
	for !ps.p.Done() {
		id, err := ps.p.Next()
		if err != nil {
			return err
		}
		if id > opcode.SectionDataCount {
			return fault.New(fault.InvalidSectionID, "section id %d", id)
		}
		size, err := leb128.Uint32(ps.p)
		if err != nil {
			return err
		}
		if id == opcode.SectionCustom {
			err = ps.skipCustomSection(int(size))
		} else {
			rank := sectionRank[id]
			if rank <= last {
				return fault.New(
					fault.GeneralParsingFailure, "section %d out of order", id,
				)
			}
			last = rank
			err = ps.parseSection(id, int(size))
		}
		if err != nil {
			return err
		}
	}
	return ps.module.finalize()
}

// skipCustomSection checks the section name and steps over the payload.
func (ps *parser) skipCustomSection(size int) error {
	restore, err := ps.p.ScopedConsumeItems(size)
	if err != nil {
		return fault.Wrap(
			fault.GeneralParsingFailure, err, "custom section length %d exceeds module", size,
		)
	}
	defer restore()
	_, err = ps.parseName()
	return err
}

func (ps *parser) parseHeader() error {
	header, err := ps.p.Take(8)
	if err != nil {
		return fault.Wrap(fault.InvalidMagicNumber, err, "module shorter than its header")
	}
	if magic := binary.LittleEndian.Uint32(header[:4]); magic != opcode.Magic {
		return fault.New(fault.InvalidMagicNumber, "got %#08x", magic)
	}
	if version := binary.LittleEndian.Uint32(header[4:]); version != opcode.Version {
		return fault.New(fault.InvalidVersion, "unsupported version %d", version)
	}
	return nil
}

// parseSection decodes one section within a bound of size bytes, which it
// must consume exactly.
func (ps *parser) parseSection(id byte, size int) error {
	restore, err := ps.p.ScopedShrinkBounds(size)
	if err != nil {
		return fault.Wrap(
			fault.GeneralParsingFailure, err, "section %d length %d exceeds module", id, size,
		)
	}
	defer restore()

	m := ps.module
	switch id {
	case opcode.SectionType:
		m.Types, err = parseVector(ps, ps.parseFunctionType)
	case opcode.SectionImport:
		m.Imports, err = parseVector(ps, ps.parseImport)
	case opcode.SectionFunction:
		m.FunctionTypeIndexes, err = parseArenaVector(ps, ps.parseTypeIndex)
	case opcode.SectionTable:
		m.Tables, err = parseArenaVector(ps, ps.parseTableType)
	case opcode.SectionMemory:
		m.Memories, err = parseArenaVector(ps, ps.parseMemoryType)
	case opcode.SectionGlobal:
		err = ps.parseGlobals()
	case opcode.SectionExport:
		m.Exports, err = parseVector(ps, ps.parseExport)
	case opcode.SectionStart:
		var index uint32
		index, err = leb128.Uint32(ps.p)
		m.StartIndex = &index
	case opcode.SectionElement:
		m.ElementSegments, err = parseVector(ps, ps.parseElementSegment)
	case opcode.SectionCode:
		err = ps.parseCode()
	case opcode.SectionData:
		m.DataSegments, err = parseVector(ps, ps.parseDataSegment)
	case opcode.SectionDataCount:
		var count uint32
		count, err = leb128.Uint32(ps.p)
		m.DataCount = &count
	}
	if err != nil {
		return err
	}
	if !ps.p.Done() {
		return fault.New(
			fault.GeneralParsingFailure,
			"section %d has %d trailing bytes", id, ps.p.Remaining(),
		)
	}
	return nil
}

// readCount reads a vector length. Every item takes at least one byte, so a
// count larger than what is left is malformed.
func (ps *parser) readCount() (int, error) {
	count, err := leb128.Uint32(ps.p)
	if err != nil {
		return 0, err
	}
	if int(count) > ps.p.Remaining() {
		return 0, fault.New(
			fault.GeneralParsingFailure,
			"vector of %d items in %d bytes", count, ps.p.Remaining(),
		)
	}
	return int(count), nil
}

// parseVector decodes a vector into the Go heap, for items that hold
// strings or slices.
func parseVector[T any](ps *parser, parse func() (T, error)) ([]T, error) {
	count, err := ps.readCount()
	if err != nil {
		return nil, err
	}
	items := make([]T, count)
	for i := range items {
		if items[i], err = parse(); err != nil {
			return nil, err
		}
	}
	return items, nil
}

// parseArenaVector decodes a vector of pointer-free items into the module
// arena.
func parseArenaVector[T any](ps *parser, parse func() (T, error)) ([]T, error) {
	count, err := ps.readCount()
	if err != nil {
		return nil, err
	}
	items, err := arena.Alloc[T](ps.module.arena, count)
	if err != nil {
		return nil, err
	}
	for i := range items {
		if items[i], err = parse(); err != nil {
			return nil, err
		}
	}
	return items, nil
}

func (ps *parser) parseName() (string, error) {
	length, err := ps.readCount()
	if err != nil {
		return "", err
	}
	b, err := ps.p.Take(length)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", fault.New(fault.GeneralParsingFailure, "malformed UTF-8 name")
	}
	return string(b), nil
}

func (ps *parser) parseValueType() (ValueType, error) {
	b, err := ps.p.Next()
	if err != nil {
		return 0, err
	}
	if t := ValueType(b); t.valid() {
		return t, nil
	}
	return 0, fault.New(fault.GeneralParsingFailure, "invalid value type %#02x", b)
}

func (ps *parser) parseFunctionType() (FunctionType, error) {
	b, err := ps.p.Next()
	if err != nil {
		return FunctionType{}, err
	}
	if b != opcode.FuncType {
		return FunctionType{}, fault.New(
			fault.GeneralParsingFailure, "expected function type, got %#02x", b,
		)
	}
	params, err := parseArenaVector(ps, ps.parseValueType)
	if err != nil {
		return FunctionType{}, err
	}
	results, err := parseArenaVector(ps, ps.parseValueType)
	if err != nil {
		return FunctionType{}, err
	}
	if len(results) > 1 {
		return FunctionType{}, fault.New(
			fault.GeneralParsingFailure, "function type with %d results", len(results),
		)
	}
	return FunctionType{ParamTypes: params, ResultTypes: results}, nil
}

func (ps *parser) parseTypeIndex() (uint32, error) {
	index, err := leb128.Uint32(ps.p)
	if err != nil {
		return 0, err
	}
	if index >= uint32(len(ps.module.Types)) {
		return 0, fault.New(fault.GeneralParsingFailure, "unknown type %d", index)
	}
	return index, nil
}

func (ps *parser) parseImport() (Import, error) {
	moduleName, err := ps.parseName()
	if err != nil {
		return Import{}, err
	}
	name, err := ps.parseName()
	if err != nil {
		return Import{}, err
	}
	kind, err := ps.p.Next()
	if err != nil {
		return Import{}, err
	}
	switch kind {
	case opcode.KindFunc:
		index, err := ps.parseTypeIndex()
		if err != nil {
			return Import{}, err
		}
		return Import{ModuleName: moduleName, Name: name, TypeIndex: index}, nil
	case opcode.KindTable, opcode.KindMemory, opcode.KindGlobal:
		return Import{}, fault.New(
			fault.Unimplemented, "import %s.%s of %s", moduleName, name, ExportKind(kind),
		)
	default:
		return Import{}, fault.New(fault.GeneralParsingFailure, "import kind %#02x", kind)
	}
}

func (ps *parser) parseLimits(ceiling uint32) (Limits, error) {
	flag, err := ps.p.Next()
	if err != nil {
		return Limits{}, err
	}
	var limits Limits
	switch flag {
	case 0x00:
		limits.Min, err = leb128.Uint32(ps.p)
	case 0x01:
		if limits.Min, err = leb128.Uint32(ps.p); err != nil {
			return Limits{}, err
		}
		limits.Max, err = leb128.Uint32(ps.p)
		limits.HasMax = true
	case 0x02, 0x03:
		return Limits{}, fault.New(fault.Unimplemented, "shared limits")
	default:
		return Limits{}, fault.New(fault.GeneralParsingFailure, "limits flag %#02x", flag)
	}
	if err != nil {
		return Limits{}, err
	}
	if limits.Min > ceiling || (limits.HasMax && limits.Max > ceiling) {
		return Limits{}, fault.New(
			fault.GeneralParsingFailure, "limits exceed ceiling of %d", ceiling,
		)
	}
	if limits.HasMax && limits.Max < limits.Min {
		return Limits{}, fault.New(
			fault.GeneralParsingFailure,
			"maximum %d below initial %d", limits.Max, limits.Min,
		)
	}
	return limits, nil
}

func (ps *parser) parseTableType() (TableType, error) {
	b, err := ps.p.Next()
	if err != nil {
		return TableType{}, err
	}
	if b != opcode.FuncRef {
		return TableType{}, fault.New(
			fault.GeneralParsingFailure, "table element type %#02x", b,
		)
	}
	limits, err := ps.parseLimits(math.MaxUint32)
	if err != nil {
		return TableType{}, err
	}
	return TableType{Limits: limits}, nil
}

func (ps *parser) parseMemoryType() (MemoryType, error) {
	limits, err := ps.parseLimits(MaxPages)
	if err != nil {
		return MemoryType{}, err
	}
	return MemoryType{Limits: limits}, nil
}

// parseGlobals fills the global section in place, so that an initializer
// can read the globals declared before it.
func (ps *parser) parseGlobals() error {
	count, err := ps.readCount()
	if err != nil {
		return err
	}
	globals, err := arena.Alloc[GlobalVariable](ps.module.arena, count)
	if err != nil {
		return err
	}
	for i := range globals {
		ps.module.Globals = globals[:i]
		valueType, err := ps.parseValueType()
		if err != nil {
			return err
		}
		mutable, err := leb128.Uint1(ps.p)
		if err != nil {
			return err
		}
		init, err := ps.parseConstExpr(valueType)
		if err != nil {
			return err
		}
		globals[i] = GlobalVariable{
			GlobalType: GlobalType{ValueType: valueType, IsMutable: mutable == 1},
			Init:       init,
		}
	}
	ps.module.Globals = globals
	return nil
}

// parseConstExpr evaluates a constant initializer: a single const or a read
// of an earlier immutable global, followed by end.
func (ps *parser) parseConstExpr(want ValueType) (Value, error) {
	b, err := ps.p.Next()
	if err != nil {
		return Value{}, err
	}
	op := opcode.Opcode(b)
	var v Value
	switch op {
	case opcode.I32Const, opcode.I64Const, opcode.F32Const, opcode.F64Const:
		imm, err := readImmediates(ps.p, op)
		if err != nil {
			return Value{}, err
		}
		v = Value{typ: constType(op), bits: imm.imm}
	case opcode.GlobalGet:
		index, err := leb128.Uint32(ps.p)
		if err != nil {
			return Value{}, err
		}
		globals := ps.module.Globals
		if index >= uint32(len(globals)) || globals[index].GlobalType.IsMutable {
			return Value{}, fault.New(
				fault.GeneralParsingFailure, "constant reads unknown or mutable global %d", index,
			)
		}
		v = globals[index].Init
	default:
		return Value{}, fault.New(
			fault.GeneralParsingFailure, "%s in constant expression", op,
		)
	}
	end, err := ps.p.Next()
	if err != nil {
		return Value{}, err
	}
	if opcode.Opcode(end) != opcode.End {
		return Value{}, fault.New(fault.GeneralParsingFailure, "constant expression not terminated")
	}
	if v.typ != want {
		return Value{}, fault.New(
			fault.GeneralParsingFailure, "constant of type %s, want %s", v.typ, want,
		)
	}
	return v, nil
}

func constType(op opcode.Opcode) ValueType {
	switch op {
	case opcode.I32Const:
		return I32
	case opcode.I64Const:
		return I64
	case opcode.F32Const:
		return F32
	default:
		return F64
	}
}

func (ps *parser) parseExport() (Export, error) {
	name, err := ps.parseName()
	if err != nil {
		return Export{}, err
	}
	kind, err := ps.p.Next()
	if err != nil {
		return Export{}, err
	}
	if kind > opcode.KindGlobal {
		return Export{}, fault.New(fault.GeneralParsingFailure, "export kind %#02x", kind)
	}
	index, err := leb128.Uint32(ps.p)
	if err != nil {
		return Export{}, err
	}
	return Export{Name: name, Kind: ExportKind(kind), Index: index}, nil
}

// segmentFlags reads the segment prefix. Only active segments on index zero
// with an offset expression are supported.
func (ps *parser) segmentFlags(what string) error {
	flags, err := leb128.Uint32(ps.p)
	if err != nil {
		return err
	}
	if flags != 0 {
		return fault.New(fault.Unimplemented, "%s segment flags %d", what, flags)
	}
	return nil
}

func (ps *parser) parseElementSegment() (ElementSegment, error) {
	if err := ps.segmentFlags("element"); err != nil {
		return ElementSegment{}, err
	}
	offset, err := ps.parseConstExpr(I32)
	if err != nil {
		return ElementSegment{}, err
	}
	indexes, err := parseArenaVector(ps, func() (uint32, error) {
		return leb128.Uint32(ps.p)
	})
	if err != nil {
		return ElementSegment{}, err
	}
	return ElementSegment{Offset: uint32(offset.Int32()), FunctionIndex: indexes}, nil
}

func (ps *parser) parseDataSegment() (DataSegment, error) {
	if err := ps.segmentFlags("data"); err != nil {
		return DataSegment{}, err
	}
	offset, err := ps.parseConstExpr(I32)
	if err != nil {
		return DataSegment{}, err
	}
	length, err := ps.readCount()
	if err != nil {
		return DataSegment{}, err
	}
	src, err := ps.p.Take(length)
	if err != nil {
		return DataSegment{}, err
	}
	content, err := arena.Alloc[byte](ps.module.arena, length)
	if err != nil {
		return DataSegment{}, err
	}
	copy(content, src)
	return DataSegment{Offset: uint32(offset.Int32()), Content: content}, nil
}

func (ps *parser) parseCode() error {
	m := ps.module
	count, err := ps.readCount()
	if err != nil {
		return err
	}
	if count != len(m.FunctionTypeIndexes) {
		return fault.New(
			fault.GeneralParsingFailure,
			"%d bodies for %d declared functions", count, len(m.FunctionTypeIndexes),
		)
	}
	m.Code = make([]FunctionBody, count)
	for i := range m.Code {
		sig := m.Types[m.FunctionTypeIndexes[i]]
		if err := ps.parseFunction(&m.Code[i], sig); err != nil {
			return annotate(err, "function %d", len(m.Imports)+i)
		}
	}
	return nil
}

func (ps *parser) parseFunction(body *FunctionBody, sig FunctionType) error {
	size, err := leb128.Uint32(ps.p)
	if err != nil {
		return err
	}
	restore, err := ps.p.ScopedShrinkBounds(int(size))
	if err != nil {
		return err
	}
	defer restore()

	groups, err := parseArenaVector(ps, ps.parseLocalGroup)
	if err != nil {
		return err
	}
	total := uint64(len(sig.ParamTypes))
	for _, g := range groups {
		total += uint64(g.Count)
	}
	if total > maxFunctionLocals {
		return fault.New(fault.GeneralParsingFailure, "too many locals: %d", total)
	}
	localTypes, err := arena.Alloc[ValueType](ps.module.arena, int(total)-len(sig.ParamTypes))
	if err != nil {
		return err
	}
	next := localTypes
	for _, g := range groups {
		for j := range g.Count {
			next[j] = g.Type
		}
		next = next[g.Count:]
	}

	body.Locals = groups
	body.localTypes = localTypes
	body.LocalsCount = uint32(total)
	return ps.writer.encode(ps.p, body, sig)
}

func (ps *parser) parseLocalGroup() (LocalGroup, error) {
	count, err := leb128.Uint32(ps.p)
	if err != nil {
		return LocalGroup{}, err
	}
	if count > maxFunctionLocals {
		return LocalGroup{}, fault.New(fault.GeneralParsingFailure, "too many locals: %d", count)
	}
	t, err := ps.parseValueType()
	if err != nil {
		return LocalGroup{}, err
	}
	return LocalGroup{Count: count, Type: t}, nil
}
