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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ziggy42/kestrel/fault"
	"github.com/ziggy42/kestrel/internal/opcode"
	wb "github.com/ziggy42/kestrel/internal/wasmbuild"
)

func readModule(t *testing.T, b *wb.Builder) *Module {
	t.Helper()
	m, err := ReadModule(b.Bytes())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func isBranch(op opcode.Opcode) bool {
	switch op {
	case opcode.Br, opcode.BrIf, opcode.If, opcode.Else:
		return true
	}
	return false
}

// requireValidTargets checks that every branch in code lands on an
// instruction of the same function.
func requireValidTargets(t *testing.T, code []instr) {
	t.Helper()
	for pc, in := range code {
		if isBranch(in.op) {
			require.Less(t, int(in.a), len(code), "%s at %d", in.op, pc)
		}
	}
	require.Equal(t, opcode.End, code[len(code)-1].op)
}

func TestEncoderBranchTargetsAreValid(t *testing.T) {
	modules := map[string]*wb.Builder{
		"fact":      factModule(),
		"br_table":  brTableModule(),
		"recursion": recursionModule(),
		"spin":      spinModule(),
	}
	for name, b := range modules {
		t.Run(name, func(t *testing.T) {
			m := readModule(t, b)
			for _, body := range m.Code {
				requireValidTargets(t, body.code)
			}
		})
	}
}

func TestEncoderBrTableRegion(t *testing.T) {
	m := readModule(t, brTableModule())
	code := m.Code[0].code

	table := -1
	for pc, in := range code {
		if in.op == opcode.BrTable {
			table = pc
			break
		}
	}
	require.GreaterOrEqual(t, table, 0)

	entries := int(code[table].a)
	require.Equal(t, 3, entries)
	for i := 1; i <= entries; i++ {
		require.Equal(t, opcode.Br, code[table+i].op)
	}
	canary := code[table+entries+1]
	require.Equal(t, opcode.Unreachable, canary.op)
	require.Equal(t, brTableCanary, canary.imm)

	// Each entry leaves through a different block, so the targets differ
	// and increase with depth.
	require.Less(t, code[table+1].a, code[table+2].a)
	require.Less(t, code[table+2].a, code[table+3].a)
}

func TestEncoderLoopBranchesBackward(t *testing.T) {
	m := readModule(t, spinModule())
	code := m.Code[0].code

	require.Equal(t, opcode.Br, code[0].op)
	require.Equal(t, uint32(0), code[0].a)
}

func TestEncoderBranchDropsOperands(t *testing.T) {
	b := wb.New()
	b.Export("f", b.Func(nil, wb.Types(wb.I32), nil,
		wb.Block(wb.I32),
		wb.I32Const(1), wb.I32Const(2), wb.I32Const(3),
		wb.Br(0),
		wb.Op(opcode.End)))
	m := readModule(t, b)
	code := m.Code[0].code

	br := code[3]
	require.Equal(t, opcode.Br, br.op)
	require.Equal(t, uint32(2), br.b)
	require.Equal(t, uint16(1), br.keep)
	require.Equal(t, uint32(4), br.a)
	require.Equal(t, uint32(3), m.Code[0].MaxHeight)
}

func TestEncoderFunctionEndCarriesFrameShape(t *testing.T) {
	b := wb.New()
	b.Func(wb.Types(wb.I32, wb.I64), wb.Types(wb.I64), wb.Types(wb.F32, wb.F32, wb.I32),
		wb.LocalGet(1))
	m := readModule(t, b)
	body := m.Code[0]

	end := body.code[len(body.code)-1]
	require.Equal(t, opcode.End, end.op)
	require.Equal(t, uint32(5), end.a)
	require.Equal(t, uint16(1), end.keep)
	require.Equal(t, uint32(5), body.LocalsCount)
	require.Equal(t, []LocalGroup{{Count: 2, Type: F32}, {Count: 1, Type: I32}}, body.Locals)
}

func TestEncoderElidesStructuralInstructions(t *testing.T) {
	b := wb.New()
	b.Func(nil, nil, nil,
		wb.Op(opcode.Nop),
		wb.Block(wb.Void), wb.Loop(wb.Void), wb.Op(opcode.Nop), wb.Op(opcode.End), wb.Op(opcode.End))
	m := readModule(t, b)

	require.Equal(t, 1, m.Code[0].Instructions())
}

func TestEncoderRejectsMalformedBodies(t *testing.T) {
	tests := []struct {
		name string
		code [][]byte
		want fault.Code
	}{
		{"stack underflow", [][]byte{wb.Op(opcode.I32Add)}, fault.GeneralParsingFailure},
		{"value left on stack", [][]byte{wb.I32Const(1)}, fault.GeneralParsingFailure},
		{"branch too deep", [][]byte{wb.Br(1)}, fault.GeneralParsingFailure},
		{"unknown local", [][]byte{wb.LocalGet(0), wb.Op(opcode.Drop)}, fault.GeneralParsingFailure},
		{"unknown function", [][]byte{wb.Call(9)}, fault.GeneralParsingFailure},
		{"memory without memory", [][]byte{wb.MemorySize(), wb.Op(opcode.Drop)}, fault.GeneralParsingFailure},
		{"else without if", [][]byte{wb.Op(opcode.Else)}, fault.GeneralParsingFailure},
		{"unknown opcode", [][]byte{{0xd5}}, fault.GeneralParsingFailure},
		{"prefixed opcode", [][]byte{{0xfc, 0x00}}, fault.Unimplemented},
		{"multi-value block", [][]byte{wb.Block(0x00), wb.Op(opcode.End)}, fault.Unimplemented},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := wb.New()
			b.Func(nil, nil, nil, tt.code...)

			_, err := ReadModule(b.Bytes())

			requireFault(t, err, tt.want)
		})
	}
}

func TestEncoderRejectsOverAlignedAccess(t *testing.T) {
	b := wb.New()
	b.Memory(1)
	b.Func(nil, nil, nil, wb.I32Const(0), wb.Mem(opcode.I32Load8U, 1, 0), wb.Op(opcode.Drop))

	_, err := ReadModule(b.Bytes())

	requireFault(t, err, fault.GeneralParsingFailure)
}

func TestEncoderAcceptsUnreachableTails(t *testing.T) {
	b := wb.New()
	b.Func(nil, wb.Types(wb.I32), nil,
		wb.Op(opcode.Unreachable), wb.Op(opcode.I32Add))

	_, err := ReadModule(b.Bytes())

	require.NoError(t, err)
}
