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

package wasmbuild

import (
	"encoding/binary"
	"math"

	"github.com/ziggy42/kestrel/internal/leb128"
	"github.com/ziggy42/kestrel/internal/opcode"
)

// Op encodes immediate-free instructions.
func Op(ops ...opcode.Opcode) []byte {
	out := make([]byte, len(ops))
	for i, op := range ops {
		out[i] = byte(op)
	}
	return out
}

// Concat joins instruction fragments.
func Concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func withIndex(op opcode.Opcode, idx uint32) []byte {
	return leb128.AppendUnsigned([]byte{byte(op)}, uint64(idx))
}

func I32Const(v int32) []byte {
	return leb128.AppendSigned([]byte{byte(opcode.I32Const)}, int64(v))
}

func I64Const(v int64) []byte {
	return leb128.AppendSigned([]byte{byte(opcode.I64Const)}, v)
}

func F32Const(v float32) []byte {
	return binary.LittleEndian.AppendUint32(
		[]byte{byte(opcode.F32Const)}, math.Float32bits(v),
	)
}

func F64Const(v float64) []byte {
	return binary.LittleEndian.AppendUint64(
		[]byte{byte(opcode.F64Const)}, math.Float64bits(v),
	)
}

func LocalGet(i uint32) []byte  { return withIndex(opcode.LocalGet, i) }
func LocalSet(i uint32) []byte  { return withIndex(opcode.LocalSet, i) }
func LocalTee(i uint32) []byte  { return withIndex(opcode.LocalTee, i) }
func GlobalGet(i uint32) []byte { return withIndex(opcode.GlobalGet, i) }
func GlobalSet(i uint32) []byte { return withIndex(opcode.GlobalSet, i) }
func Call(i uint32) []byte      { return withIndex(opcode.Call, i) }
func Br(depth uint32) []byte    { return withIndex(opcode.Br, depth) }
func BrIf(depth uint32) []byte  { return withIndex(opcode.BrIf, depth) }

// CallIndirect calls through table 0 with the given type index.
func CallIndirect(typeIdx uint32) []byte {
	return append(withIndex(opcode.CallIndirect, typeIdx), 0)
}

// Block, Loop and If take a block type: Void or a value type.
func Block(bt byte) []byte { return []byte{byte(opcode.Block), bt} }
func Loop(bt byte) []byte  { return []byte{byte(opcode.Loop), bt} }
func If(bt byte) []byte    { return []byte{byte(opcode.If), bt} }

// BrTable branches to targets[i], or to def when i is out of range.
func BrTable(targets []uint32, def uint32) []byte {
	out := withIndex(opcode.BrTable, uint32(len(targets)))
	for _, t := range targets {
		out = leb128.AppendUnsigned(out, uint64(t))
	}
	return leb128.AppendUnsigned(out, uint64(def))
}

// Mem encodes a load or store with its alignment exponent and offset.
func Mem(op opcode.Opcode, align, offset uint32) []byte {
	out := withIndex(op, align)
	return leb128.AppendUnsigned(out, uint64(offset))
}

func MemorySize() []byte { return []byte{byte(opcode.MemorySize), 0} }
func MemoryGrow() []byte { return []byte{byte(opcode.MemoryGrow), 0} }

// Types is shorthand for a list of value types.
func Types(ts ...byte) []byte { return ts }
