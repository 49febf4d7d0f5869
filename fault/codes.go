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

// Package fault defines the error taxonomy shared by every kestrel
// component. Each fault carries a stable numeric Code whose category
// (parser, memory, interpreter, system, auxiliary) is encoded in its
// hundreds digit.
package fault

// Category groups codes by the subsystem that raises them.
type Category uint16

const (
	CategoryParser      Category = 1
	CategoryMemory      Category = 2
	CategoryInterpreter Category = 3
	CategorySystem      Category = 4
	CategoryAuxiliary   Category = 5
)

func (c Category) String() string {
	switch c {
	case CategoryParser:
		return "parser"
	case CategoryMemory:
		return "memory"
	case CategoryInterpreter:
		return "interpreter"
	case CategorySystem:
		return "system"
	case CategoryAuxiliary:
		return "auxiliary"
	default:
		return "unknown"
	}
}

// Code is a stable fault identifier. Values are part of the embedding API
// and must never be renumbered.
type Code uint16

const (
	InvalidMagicNumber    Code = 100
	InvalidVersion        Code = 101
	InvalidSectionID      Code = 102
	GeneralParsingFailure Code = 103

	AllocationFailure  Code = 200
	DoubleFree         Code = 201
	OutOfBounds        Code = 202
	MemoryAccessBounds Code = 203

	Unreachable              Code = 300
	CallStackExhausted       Code = 301
	OperandStackOverflow     Code = 302
	IndirectCallTypeMismatch Code = 303
	UnresolvedImport         Code = 304
	DivideByZero             Code = 305
	IntegerOverflow          Code = 306
	InvalidConversion        Code = 307
	UndefinedElement         Code = 308
	UninitializedElement     Code = 309
	ImmutableGlobal          Code = 310
	Cancelled                Code = 311
	ExportNotFound           Code = 312
	ArgumentMismatch         Code = 313

	ConstructorFailure Code = 400
	Unimplemented      Code = 401

	LinkFailure         Code = 500
	HostFunctionFailure Code = 501
	InstantiationFailed Code = 502
)

var codeNames = map[Code]string{
	InvalidMagicNumber:    "invalid magic number",
	InvalidVersion:        "invalid version",
	InvalidSectionID:      "invalid section id",
	GeneralParsingFailure: "general parsing failure",

	AllocationFailure:  "allocation failure",
	DoubleFree:         "double free",
	OutOfBounds:        "out of bounds access",
	MemoryAccessBounds: "out of bounds memory access",

	Unreachable:              "unreachable executed",
	CallStackExhausted:       "call stack exhausted",
	OperandStackOverflow:     "operand stack overflow",
	IndirectCallTypeMismatch: "indirect call type mismatch",
	UnresolvedImport:         "unresolved import",
	DivideByZero:             "integer divide by zero",
	IntegerOverflow:          "integer overflow",
	InvalidConversion:        "invalid conversion to integer",
	UndefinedElement:         "undefined element",
	UninitializedElement:     "uninitialized element",
	ImmutableGlobal:          "store to immutable global",
	Cancelled:                "execution cancelled",
	ExportNotFound:           "export not found",
	ArgumentMismatch:         "argument mismatch",

	ConstructorFailure: "constructor failure",
	Unimplemented:      "unimplemented feature",

	LinkFailure:         "link failure",
	HostFunctionFailure: "host function failure",
	InstantiationFailed: "instantiation failed",
}

// Category returns the category the code belongs to.
func (c Code) Category() Category {
	return Category(c / 100)
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return "unknown fault"
}
