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

	"github.com/ziggy42/kestrel/fault"
	"github.com/ziggy42/kestrel/internal/arena"
	"github.com/ziggy42/kestrel/internal/leb128"
	"github.com/ziggy42/kestrel/internal/opcode"
)

// instr is one encoded instruction. Field meaning depends on op:
//
//	br, br_if, br_table entries: a = target pc, b = slots dropped, keep = slots kept
//	if: a = pc of the else arm, or past the end without one
//	else: a = pc past the end
//	end (function terminator): a = params + locals, keep = result arity
//	return: keep = result arity
//	br_table: a = number of entries, default included
//	call: a = function index; call_indirect: a = type index
//	local.*, global.*: a = index
//	loads and stores: a = static offset
//	consts: imm = bit pattern
type instr struct {
	op   opcode.Opcode
	keep uint16
	a    uint32
	b    uint32
	imm  uint64
}

// brTableCanary marks the slot after a br_table's entries. It is emitted as
// an unreachable instruction, so even a mis-resolved jump onto it faults.
const brTableCanary uint64 = 0x6b6573747265_6c31

type immediates struct {
	a         uint32
	imm       uint64
	blockType byte
}

// readImmediates decodes the immediates of op, except for br_table whose
// target list the caller reads itself.
func readImmediates(p *arena.GuardedPtr[byte], op opcode.Opcode) (immediates, error) {
	var imm immediates
	var err error
	switch op {
	case opcode.Block, opcode.Loop, opcode.If:
		imm.blockType, err = p.Next()
	case opcode.Br, opcode.BrIf, opcode.Call,
		opcode.LocalGet, opcode.LocalSet, opcode.LocalTee,
		opcode.GlobalGet, opcode.GlobalSet:
		imm.a, err = leb128.Uint32(p)
	case opcode.CallIndirect:
		if imm.a, err = leb128.Uint32(p); err != nil {
			return imm, err
		}
		err = readZeroByte(p, op)
	case opcode.MemorySize, opcode.MemoryGrow:
		err = readZeroByte(p, op)
	case opcode.I32Const:
		var v int32
		v, err = leb128.Int32(p)
		imm.imm = uint64(uint32(v))
	case opcode.I64Const:
		var v int64
		v, err = leb128.Int64(p)
		imm.imm = uint64(v)
	case opcode.F32Const:
		var b []byte
		b, err = p.Take(4)
		if err == nil {
			imm.imm = uint64(binary.LittleEndian.Uint32(b))
		}
	case opcode.F64Const:
		var b []byte
		b, err = p.Take(8)
		if err == nil {
			imm.imm = binary.LittleEndian.Uint64(b)
		}
	default:
		if isMemoryAccess(op) {
			var align uint32
			if align, err = leb128.Uint32(p); err != nil {
				return imm, err
			}
			if align > naturalAlignment(op) {
				return imm, fault.New(
					fault.GeneralParsingFailure,
					"alignment 2^%d of %s exceeds natural alignment", align, op,
				)
			}
			imm.a, err = leb128.Uint32(p)
			return imm, err
		}
		if op == 0xFC || op == 0xFD {
			return imm, fault.New(
				fault.Unimplemented, "prefixed instruction %#02x", byte(op),
			)
		}
		if !op.Known() {
			return imm, fault.New(fault.GeneralParsingFailure, "unknown %s", op)
		}
	}
	return imm, err
}

func readZeroByte(p *arena.GuardedPtr[byte], op opcode.Opcode) error {
	b, err := p.Next()
	if err != nil {
		return err
	}
	if b != 0 {
		return fault.New(fault.GeneralParsingFailure, "%s: zero byte expected", op)
	}
	return nil
}

func isMemoryAccess(op opcode.Opcode) bool {
	return op >= opcode.I32Load && op <= opcode.I64Store32
}

// naturalAlignment returns log2 of the access width.
func naturalAlignment(op opcode.Opcode) uint32 {
	switch op {
	case opcode.I32Load8S, opcode.I32Load8U, opcode.I64Load8S, opcode.I64Load8U,
		opcode.I32Store8, opcode.I64Store8:
		return 0
	case opcode.I32Load16S, opcode.I32Load16U, opcode.I64Load16S,
		opcode.I64Load16U, opcode.I32Store16, opcode.I64Store16:
		return 1
	case opcode.I32Load, opcode.F32Load, opcode.I64Load32S, opcode.I64Load32U,
		opcode.I32Store, opcode.F32Store, opcode.I64Store32:
		return 2
	default:
		return 3
	}
}

// stackEffect returns how many operands a non-control instruction pops and
// pushes.
func stackEffect(op opcode.Opcode) (pop, push uint32) {
	switch {
	case op == opcode.Nop:
		return 0, 0
	case op == opcode.Drop, op == opcode.LocalSet, op == opcode.GlobalSet:
		return 1, 0
	case op == opcode.LocalTee, op == opcode.MemoryGrow:
		return 1, 1
	case op == opcode.Select:
		return 3, 1
	case op == opcode.LocalGet, op == opcode.GlobalGet, op == opcode.MemorySize,
		op >= opcode.I32Const && op <= opcode.F64Const:
		return 0, 1
	case op >= opcode.I32Load && op <= opcode.I64Load32U:
		return 1, 1
	case op >= opcode.I32Store && op <= opcode.I64Store32:
		return 2, 0
	case isUnary(op):
		return 1, 1
	default:
		return 2, 1
	}
}

func isUnary(op opcode.Opcode) bool {
	switch {
	case op == opcode.I32Eqz, op == opcode.I64Eqz:
		return true
	case op >= opcode.I32Clz && op <= opcode.I32Popcnt:
		return true
	case op >= opcode.I64Clz && op <= opcode.I64Popcnt:
		return true
	case op >= opcode.F32Abs && op <= opcode.F32Sqrt:
		return true
	case op >= opcode.F64Abs && op <= opcode.F64Sqrt:
		return true
	case op >= opcode.I32WrapI64 && op <= opcode.I64Extend32S:
		return true
	}
	return false
}
