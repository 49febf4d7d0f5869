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
	"slices"
	"strings"

	"github.com/ziggy42/kestrel/internal/opcode"
)

// ValueType classifies the individual values that code can compute with and
// the values that a variable accepts.
type ValueType byte

const (
	I32 ValueType = ValueType(opcode.ValI32)
	I64 ValueType = ValueType(opcode.ValI64)
	F32 ValueType = ValueType(opcode.ValF32)
	F64 ValueType = ValueType(opcode.ValF64)
)

func (t ValueType) String() string {
	switch t {
	case I32:
		return "i32"
	case I64:
		return "i64"
	case F32:
		return "f32"
	case F64:
		return "f64"
	default:
		return "invalid"
	}
}

func (t ValueType) valid() bool {
	return t == I32 || t == I64 || t == F32 || t == F64
}

// FunctionType classifies the signature of functions, mapping a vector of
// parameters to at most one result.
type FunctionType struct {
	ParamTypes  []ValueType
	ResultTypes []ValueType
}

// Equal reports whether both signatures have the same parameter and result
// types, in order.
func (ft FunctionType) Equal(other FunctionType) bool {
	return slices.Equal(ft.ParamTypes, other.ParamTypes) &&
		slices.Equal(ft.ResultTypes, other.ResultTypes)
}

func (ft FunctionType) String() string {
	var b strings.Builder
	b.WriteByte('(')
	for i, t := range ft.ParamTypes {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.String())
	}
	b.WriteString(") -> (")
	for i, t := range ft.ResultTypes {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.String())
	}
	b.WriteByte(')')
	return b.String()
}

// Limits define min/max constraints for tables and memories.
type Limits struct {
	Min    uint32
	Max    uint32
	HasMax bool
}

type TableType struct {
	Limits Limits
}

type MemoryType struct {
	Limits Limits
}

// GlobalType defines the type of a global variable, which includes its value
// type and whether it is mutable.
type GlobalType struct {
	ValueType ValueType
	IsMutable bool
}

// GlobalVariable is a global declaration with its evaluated constant
// initializer.
type GlobalVariable struct {
	GlobalType GlobalType
	Init       Value
}

// ExportKind identifies what an Export refers to.
type ExportKind byte

const (
	FunctionExportKind ExportKind = ExportKind(opcode.KindFunc)
	TableExportKind    ExportKind = ExportKind(opcode.KindTable)
	MemoryExportKind   ExportKind = ExportKind(opcode.KindMemory)
	GlobalExportKind   ExportKind = ExportKind(opcode.KindGlobal)
)

func (k ExportKind) String() string {
	switch k {
	case FunctionExportKind:
		return "func"
	case TableExportKind:
		return "table"
	case MemoryExportKind:
		return "memory"
	case GlobalExportKind:
		return "global"
	default:
		return "invalid"
	}
}

type Export struct {
	Name  string
	Kind  ExportKind
	Index uint32
}

// Import is a function imported from the host, identified by module and
// name. Only function imports are supported.
type Import struct {
	ModuleName string
	Name       string
	TypeIndex  uint32
}

// ElementSegment initializes a range of the table with function indexes.
type ElementSegment struct {
	Offset        uint32
	FunctionIndex []uint32
}

// DataSegment initializes a range of linear memory.
type DataSegment struct {
	Offset  uint32
	Content []byte
}

// LocalGroup is a run of locals of the same type, as declared in a function
// body.
type LocalGroup struct {
	Count uint32
	Type  ValueType
}
