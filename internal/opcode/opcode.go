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

// Package opcode holds the constants of the binary module format: magic
// number, section ids, descriptor kinds, value types and instruction bytes.
package opcode

// Magic is "\0asm" read as a little-endian uint32.
const (
	Magic   uint32 = 0x6D736100
	Version uint32 = 0x01
)

// Section ids. Non-custom sections must appear in increasing id order.
const (
	SectionCustom    byte = 0
	SectionType      byte = 1
	SectionImport    byte = 2
	SectionFunction  byte = 3
	SectionTable     byte = 4
	SectionMemory    byte = 5
	SectionGlobal    byte = 6
	SectionExport    byte = 7
	SectionStart     byte = 8
	SectionElement   byte = 9
	SectionCode      byte = 10
	SectionData      byte = 11
	SectionDataCount byte = 12
)

// Import and export descriptor kinds.
const (
	KindFunc   byte = 0
	KindTable  byte = 1
	KindMemory byte = 2
	KindGlobal byte = 3
)

// Type encodings.
const (
	ValI32    byte = 0x7F
	ValI64    byte = 0x7E
	ValF32    byte = 0x7D
	ValF64    byte = 0x7C
	FuncRef   byte = 0x70
	FuncType  byte = 0x60
	BlockVoid byte = 0x40
)

// Opcode is a single-byte instruction code.
type Opcode byte

// Control and parametric instructions.
const (
	Unreachable  Opcode = 0x00
	Nop          Opcode = 0x01
	Block        Opcode = 0x02
	Loop         Opcode = 0x03
	If           Opcode = 0x04
	Else         Opcode = 0x05
	End          Opcode = 0x0B
	Br           Opcode = 0x0C
	BrIf         Opcode = 0x0D
	BrTable      Opcode = 0x0E
	Return       Opcode = 0x0F
	Call         Opcode = 0x10
	CallIndirect Opcode = 0x11
	Drop         Opcode = 0x1A
	Select       Opcode = 0x1B
)

// Variable instructions.
const (
	LocalGet  Opcode = 0x20
	LocalSet  Opcode = 0x21
	LocalTee  Opcode = 0x22
	GlobalGet Opcode = 0x23
	GlobalSet Opcode = 0x24
)

// Memory instructions.
const (
	I32Load    Opcode = 0x28
	I64Load    Opcode = 0x29
	F32Load    Opcode = 0x2A
	F64Load    Opcode = 0x2B
	I32Load8S  Opcode = 0x2C
	I32Load8U  Opcode = 0x2D
	I32Load16S Opcode = 0x2E
	I32Load16U Opcode = 0x2F
	I64Load8S  Opcode = 0x30
	I64Load8U  Opcode = 0x31
	I64Load16S Opcode = 0x32
	I64Load16U Opcode = 0x33
	I64Load32S Opcode = 0x34
	I64Load32U Opcode = 0x35
	I32Store   Opcode = 0x36
	I64Store   Opcode = 0x37
	F32Store   Opcode = 0x38
	F64Store   Opcode = 0x39
	I32Store8  Opcode = 0x3A
	I32Store16 Opcode = 0x3B
	I64Store8  Opcode = 0x3C
	I64Store16 Opcode = 0x3D
	I64Store32 Opcode = 0x3E
	MemorySize Opcode = 0x3F
	MemoryGrow Opcode = 0x40
)

// Constants.
const (
	I32Const Opcode = 0x41
	I64Const Opcode = 0x42
	F32Const Opcode = 0x43
	F64Const Opcode = 0x44
)

// Comparisons.
const (
	I32Eqz Opcode = 0x45
	I32Eq  Opcode = 0x46
	I32Ne  Opcode = 0x47
	I32LtS Opcode = 0x48
	I32LtU Opcode = 0x49
	I32GtS Opcode = 0x4A
	I32GtU Opcode = 0x4B
	I32LeS Opcode = 0x4C
	I32LeU Opcode = 0x4D
	I32GeS Opcode = 0x4E
	I32GeU Opcode = 0x4F

	I64Eqz Opcode = 0x50
	I64Eq  Opcode = 0x51
	I64Ne  Opcode = 0x52
	I64LtS Opcode = 0x53
	I64LtU Opcode = 0x54
	I64GtS Opcode = 0x55
	I64GtU Opcode = 0x56
	I64LeS Opcode = 0x57
	I64LeU Opcode = 0x58
	I64GeS Opcode = 0x59
	I64GeU Opcode = 0x5A

	F32Eq Opcode = 0x5B
	F32Ne Opcode = 0x5C
	F32Lt Opcode = 0x5D
	F32Gt Opcode = 0x5E
	F32Le Opcode = 0x5F
	F32Ge Opcode = 0x60

	F64Eq Opcode = 0x61
	F64Ne Opcode = 0x62
	F64Lt Opcode = 0x63
	F64Gt Opcode = 0x64
	F64Le Opcode = 0x65
	F64Ge Opcode = 0x66
)

// Integer arithmetic.
const (
	I32Clz    Opcode = 0x67
	I32Ctz    Opcode = 0x68
	I32Popcnt Opcode = 0x69
	I32Add    Opcode = 0x6A
	I32Sub    Opcode = 0x6B
	I32Mul    Opcode = 0x6C
	I32DivS   Opcode = 0x6D
	I32DivU   Opcode = 0x6E
	I32RemS   Opcode = 0x6F
	I32RemU   Opcode = 0x70
	I32And    Opcode = 0x71
	I32Or     Opcode = 0x72
	I32Xor    Opcode = 0x73
	I32Shl    Opcode = 0x74
	I32ShrS   Opcode = 0x75
	I32ShrU   Opcode = 0x76
	I32Rotl   Opcode = 0x77
	I32Rotr   Opcode = 0x78

	I64Clz    Opcode = 0x79
	I64Ctz    Opcode = 0x7A
	I64Popcnt Opcode = 0x7B
	I64Add    Opcode = 0x7C
	I64Sub    Opcode = 0x7D
	I64Mul    Opcode = 0x7E
	I64DivS   Opcode = 0x7F
	I64DivU   Opcode = 0x80
	I64RemS   Opcode = 0x81
	I64RemU   Opcode = 0x82
	I64And    Opcode = 0x83
	I64Or     Opcode = 0x84
	I64Xor    Opcode = 0x85
	I64Shl    Opcode = 0x86
	I64ShrS   Opcode = 0x87
	I64ShrU   Opcode = 0x88
	I64Rotl   Opcode = 0x89
	I64Rotr   Opcode = 0x8A
)

// Floating point arithmetic.
const (
	F32Abs      Opcode = 0x8B
	F32Neg      Opcode = 0x8C
	F32Ceil     Opcode = 0x8D
	F32Floor    Opcode = 0x8E
	F32Trunc    Opcode = 0x8F
	F32Nearest  Opcode = 0x90
	F32Sqrt     Opcode = 0x91
	F32Add      Opcode = 0x92
	F32Sub      Opcode = 0x93
	F32Mul      Opcode = 0x94
	F32Div      Opcode = 0x95
	F32Min      Opcode = 0x96
	F32Max      Opcode = 0x97
	F32Copysign Opcode = 0x98

	F64Abs      Opcode = 0x99
	F64Neg      Opcode = 0x9A
	F64Ceil     Opcode = 0x9B
	F64Floor    Opcode = 0x9C
	F64Trunc    Opcode = 0x9D
	F64Nearest  Opcode = 0x9E
	F64Sqrt     Opcode = 0x9F
	F64Add      Opcode = 0xA0
	F64Sub      Opcode = 0xA1
	F64Mul      Opcode = 0xA2
	F64Div      Opcode = 0xA3
	F64Min      Opcode = 0xA4
	F64Max      Opcode = 0xA5
	F64Copysign Opcode = 0xA6
)

// Conversions.
const (
	I32WrapI64        Opcode = 0xA7
	I32TruncF32S      Opcode = 0xA8
	I32TruncF32U      Opcode = 0xA9
	I32TruncF64S      Opcode = 0xAA
	I32TruncF64U      Opcode = 0xAB
	I64ExtendI32S     Opcode = 0xAC
	I64ExtendI32U     Opcode = 0xAD
	I64TruncF32S      Opcode = 0xAE
	I64TruncF32U      Opcode = 0xAF
	I64TruncF64S      Opcode = 0xB0
	I64TruncF64U      Opcode = 0xB1
	F32ConvertI32S    Opcode = 0xB2
	F32ConvertI32U    Opcode = 0xB3
	F32ConvertI64S    Opcode = 0xB4
	F32ConvertI64U    Opcode = 0xB5
	F32DemoteF64      Opcode = 0xB6
	F64ConvertI32S    Opcode = 0xB7
	F64ConvertI32U    Opcode = 0xB8
	F64ConvertI64S    Opcode = 0xB9
	F64ConvertI64U    Opcode = 0xBA
	F64PromoteF32     Opcode = 0xBB
	I32ReinterpretF32 Opcode = 0xBC
	I64ReinterpretF64 Opcode = 0xBD
	F32ReinterpretI32 Opcode = 0xBE
	F64ReinterpretI64 Opcode = 0xBF
)

// Sign extension.
const (
	I32Extend8S  Opcode = 0xC0
	I32Extend16S Opcode = 0xC1
	I64Extend8S  Opcode = 0xC2
	I64Extend16S Opcode = 0xC3
	I64Extend32S Opcode = 0xC4
)
