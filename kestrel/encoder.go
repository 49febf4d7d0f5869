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
	"github.com/ziggy42/kestrel/internal/leb128"
	"github.com/ziggy42/kestrel/internal/opcode"
)

type frameKind uint8

const (
	frameFunction frameKind = iota
	frameBlock
	frameLoop
	frameIf
)

// ctrlFrame is an open block while encoding. height is the operand height
// when the block was entered.
type ctrlFrame struct {
	kind        frameKind
	hasElse     bool
	unreachable bool
	arity       uint32
	height      uint32
	start       uint32
	ifPC        uint32
	fixups      uint32
}

// labelArity is the number of values a branch to the frame carries. Loops
// are entered from the top and take no values.
func (f *ctrlFrame) labelArity() uint32 {
	if f.kind == frameLoop {
		return 0
	}
	return f.arity
}

// fixup is a branch whose target is the end of frame, not yet emitted.
type fixup struct {
	pc    uint32
	frame uint32
}

// bitcodeWriter turns a function body into a flat instruction array whose
// branches carry absolute targets. Its control and fixup stacks live in a
// scratch arena shared by every body of a module.
type bitcodeWriter struct {
	module *Module
	ctrl   *arena.GuardedVector[ctrlFrame]
	fixups *arena.GuardedVector[fixup]

	code      *arena.GuardedVector[instr]
	pc        uint32
	numLocals uint32
	results   uint32
	height    uint32
	maxHeight uint32
}

func newBitcodeWriter(m *Module, scratch *arena.Allocator) (*bitcodeWriter, error) {
	ctrl, err := arena.NewGuardedVector[ctrlFrame](scratch, 16)
	if err != nil {
		return nil, err
	}
	fixups, err := arena.NewGuardedVector[fixup](scratch, 64)
	if err != nil {
		return nil, err
	}
	return &bitcodeWriter{module: m, ctrl: ctrl, fixups: fixups}, nil
}

// encode reads the instruction stream at p, which must end exactly at the
// function's final end, and fills body.code and body.MaxHeight.
func (w *bitcodeWriter) encode(
	p *arena.GuardedPtr[byte],
	body *FunctionBody,
	sig FunctionType,
) error {
	start := p.Pos()
	count, err := countInstructions(p)
	if err != nil {
		return err
	}
	if !p.Done() {
		return fault.New(
			fault.GeneralParsingFailure, "%d bytes after the function end", p.Remaining(),
		)
	}
	if err := p.Seek(start); err != nil {
		return err
	}

	code, err := arena.NewGuardedVector[instr](w.module.arena, count)
	if err != nil {
		return err
	}
	if err := code.Resize(count); err != nil {
		return err
	}
	w.code = code
	w.pc = 0
	w.numLocals = body.LocalsCount
	w.results = uint32(len(sig.ResultTypes))
	w.height = 0
	w.maxHeight = 0
	if err := w.ctrl.Resize(0); err != nil {
		return err
	}
	if err := w.fixups.Resize(0); err != nil {
		return err
	}
	if err := w.ctrl.Push(ctrlFrame{
		kind:  frameFunction,
		arity: w.results,
	}); err != nil {
		return err
	}

	for w.ctrl.Len() > 0 {
		if err := w.step(p); err != nil {
			return err
		}
	}
	if int(w.pc) != count {
		return fault.New(
			fault.GeneralParsingFailure,
			"encoded %d instructions, sized for %d", w.pc, count,
		)
	}

	body.code = code.Items()
	body.MaxHeight = w.maxHeight
	w.code = nil
	return nil
}

// countInstructions is the structural pass: it walks the body once to size
// the instruction array, without interpreting it.
func countInstructions(p *arena.GuardedPtr[byte]) (int, error) {
	depth, n := 1, 0
	for depth > 0 {
		b, err := p.Next()
		if err != nil {
			return 0, err
		}
		op := opcode.Opcode(b)
		switch op {
		case opcode.Block, opcode.Loop:
			depth++
		case opcode.If:
			depth++
			n++
		case opcode.End:
			depth--
			if depth == 0 {
				n++
			}
			continue
		case opcode.Nop:
			continue
		case opcode.BrTable:
			targets, err := leb128.Uint32(p)
			if err != nil {
				return 0, err
			}
			if int(targets) >= p.Remaining() {
				return 0, fault.New(
					fault.GeneralParsingFailure, "br_table with %d targets overruns body", targets,
				)
			}
			for range targets + 1 {
				if _, err := leb128.Uint32(p); err != nil {
					return 0, err
				}
			}
			// Table, entries, default, canary.
			n += int(targets) + 3
			continue
		default:
			n++
		}
		if _, err := readImmediates(p, op); err != nil {
			return 0, err
		}
	}
	return n, nil
}

func (w *bitcodeWriter) step(p *arena.GuardedPtr[byte]) error {
	b, err := p.Next()
	if err != nil {
		return err
	}
	op := opcode.Opcode(b)
	if op == opcode.BrTable {
		return w.emitBrTable(p)
	}
	imm, err := readImmediates(p, op)
	if err != nil {
		return err
	}

	switch op {
	case opcode.Nop:
		return nil
	case opcode.Block, opcode.Loop:
		arity, err := blockArity(imm.blockType)
		if err != nil {
			return err
		}
		kind := frameBlock
		if op == opcode.Loop {
			kind = frameLoop
		}
		return w.pushFrame(ctrlFrame{kind: kind, arity: arity})
	case opcode.If:
		arity, err := blockArity(imm.blockType)
		if err != nil {
			return err
		}
		if err := w.pop(1); err != nil {
			return err
		}
		ifPC := w.pc
		if err := w.emit(instr{op: opcode.If}); err != nil {
			return err
		}
		return w.pushFrame(ctrlFrame{kind: frameIf, arity: arity, ifPC: ifPC})
	case opcode.Else:
		return w.emitElse()
	case opcode.End:
		return w.emitEnd()
	case opcode.Br:
		if err := w.emitBranch(op, imm.a, w.pc); err != nil {
			return err
		}
		w.markUnreachable()
		return nil
	case opcode.BrIf:
		if err := w.pop(1); err != nil {
			return err
		}
		return w.emitBranch(op, imm.a, w.pc)
	case opcode.Return:
		if err := w.pop(w.results); err != nil {
			return err
		}
		if err := w.emit(instr{op: op, keep: uint16(w.results)}); err != nil {
			return err
		}
		w.markUnreachable()
		return nil
	case opcode.Unreachable:
		if err := w.emit(instr{op: op}); err != nil {
			return err
		}
		w.markUnreachable()
		return nil
	case opcode.Call:
		ft, ok := w.module.FunctionType(imm.a)
		if !ok {
			return fault.New(fault.GeneralParsingFailure, "call to unknown function %d", imm.a)
		}
		return w.emitCall(instr{op: op, a: imm.a}, ft, 0)
	case opcode.CallIndirect:
		if imm.a >= uint32(len(w.module.Types)) {
			return fault.New(fault.GeneralParsingFailure, "call_indirect to unknown type %d", imm.a)
		}
		if len(w.module.Tables) == 0 {
			return fault.New(fault.GeneralParsingFailure, "call_indirect without a table")
		}
		return w.emitCall(instr{op: op, a: imm.a}, w.module.Types[imm.a], 1)
	case opcode.LocalGet, opcode.LocalSet, opcode.LocalTee:
		if imm.a >= w.numLocals {
			return fault.New(fault.GeneralParsingFailure, "%s of unknown local %d", op, imm.a)
		}
	case opcode.GlobalGet, opcode.GlobalSet:
		if imm.a >= uint32(len(w.module.Globals)) {
			return fault.New(fault.GeneralParsingFailure, "%s of unknown global %d", op, imm.a)
		}
	default:
		if (isMemoryAccess(op) || op == opcode.MemorySize || op == opcode.MemoryGrow) &&
			len(w.module.Memories) == 0 {
			return fault.New(fault.GeneralParsingFailure, "%s without a memory", op)
		}
	}

	pop, push := stackEffect(op)
	if err := w.pop(pop); err != nil {
		return err
	}
	w.push(push)
	return w.emit(instr{op: op, a: imm.a, imm: imm.imm})
}

func blockArity(bt byte) (uint32, error) {
	if bt == opcode.BlockVoid {
		return 0, nil
	}
	if ValueType(bt).valid() {
		return 1, nil
	}
	return 0, fault.New(fault.Unimplemented, "block type %#02x", bt)
}

func (w *bitcodeWriter) emit(in instr) error {
	if err := w.code.Set(int(w.pc), in); err != nil {
		return err
	}
	w.pc++
	return nil
}

func (w *bitcodeWriter) emitCall(in instr, ft FunctionType, extra uint32) error {
	if err := w.pop(extra + uint32(len(ft.ParamTypes))); err != nil {
		return err
	}
	w.push(uint32(len(ft.ResultTypes)))
	return w.emit(in)
}

func (w *bitcodeWriter) top() *ctrlFrame {
	f, _ := w.ctrl.Ref(w.ctrl.Len() - 1)
	return f
}

func (w *bitcodeWriter) pushFrame(f ctrlFrame) error {
	f.height = w.height
	f.start = w.pc
	f.fixups = uint32(w.fixups.Len())
	return w.ctrl.Push(f)
}

func (w *bitcodeWriter) push(n uint32) {
	w.height += n
	w.maxHeight = max(w.maxHeight, w.height)
}

// pop removes n operands from the static height. In unreachable code the
// height bottoms out at the frame's entry height instead of failing.
func (w *bitcodeWriter) pop(n uint32) error {
	f := w.top()
	if w.height >= f.height+n {
		w.height -= n
		return nil
	}
	if f.unreachable {
		w.height = f.height
		return nil
	}
	return fault.New(
		fault.GeneralParsingFailure,
		"operand stack underflow: need %d, have %d", n, w.height-f.height,
	)
}

func (w *bitcodeWriter) markUnreachable() {
	f := w.top()
	f.unreachable = true
	w.height = f.height
}

// branchTo builds a branch to the label depth frames out and, unless the
// target is a loop, records a fixup for slot pc.
func (w *bitcodeWriter) branchTo(depth uint32, pc uint32) (instr, error) {
	n := uint32(w.ctrl.Len())
	if depth >= n {
		return instr{}, fault.New(fault.GeneralParsingFailure, "branch depth %d out of range", depth)
	}
	idx := n - 1 - depth
	target, err := w.ctrl.At(int(idx))
	if err != nil {
		return instr{}, err
	}
	arity := target.labelArity()
	cur := w.top()
	if w.height < cur.height+arity && !cur.unreachable {
		return instr{}, fault.New(
			fault.GeneralParsingFailure, "branch needs %d values on the stack", arity,
		)
	}
	in := instr{keep: uint16(arity)}
	if w.height >= target.height+arity {
		in.b = w.height - target.height - arity
	}
	if target.kind == frameLoop {
		in.a = target.start
		return in, nil
	}
	return in, w.fixups.Push(fixup{pc: pc, frame: idx})
}

func (w *bitcodeWriter) emitBranch(op opcode.Opcode, depth uint32, pc uint32) error {
	in, err := w.branchTo(depth, pc)
	if err != nil {
		return err
	}
	in.op = op
	return w.emit(in)
}

// emitBrTable reserves one entry per target right after the table
// instruction, then a canary that must survive the entries being written.
func (w *bitcodeWriter) emitBrTable(p *arena.GuardedPtr[byte]) error {
	targets, err := leb128.Uint32(p)
	if err != nil {
		return err
	}
	if err := w.pop(1); err != nil {
		return err
	}
	entries := targets + 1
	if err := w.emit(instr{op: opcode.BrTable, a: entries}); err != nil {
		return err
	}
	region := w.pc
	w.pc += entries
	canary := w.pc
	if err := w.emit(instr{op: opcode.Unreachable, imm: brTableCanary}); err != nil {
		return err
	}

	var arity uint32
	for i := range entries {
		depth, err := leb128.Uint32(p)
		if err != nil {
			return err
		}
		in, err := w.branchTo(depth, region+i)
		if err != nil {
			return err
		}
		if i == 0 {
			arity = uint32(in.keep)
		} else if uint32(in.keep) != arity {
			return fault.New(fault.GeneralParsingFailure, "br_table targets differ in arity")
		}
		in.op = opcode.Br
		if err := w.code.Set(int(region+i), in); err != nil {
			return err
		}
	}

	check, err := w.code.At(int(canary))
	if err != nil {
		return err
	}
	if check.op != opcode.Unreachable || check.imm != brTableCanary {
		return fault.New(fault.OutOfBounds, "br_table entries overran their region")
	}
	w.markUnreachable()
	return nil
}

func (w *bitcodeWriter) emitElse() error {
	f := w.top()
	if f.kind != frameIf || f.hasElse {
		return fault.New(fault.GeneralParsingFailure, "else without if")
	}
	if err := w.checkEndHeight(f); err != nil {
		return err
	}
	// The then arm jumps over the else arm.
	idx := uint32(w.ctrl.Len() - 1)
	if err := w.fixups.Push(fixup{pc: w.pc, frame: idx}); err != nil {
		return err
	}
	if err := w.emit(instr{op: opcode.Else}); err != nil {
		return err
	}
	if err := w.patch(f.ifPC, w.pc); err != nil {
		return err
	}
	f.hasElse = true
	f.unreachable = false
	w.height = f.height
	return nil
}

func (w *bitcodeWriter) emitEnd() error {
	f := w.top()
	if err := w.checkEndHeight(f); err != nil {
		return err
	}
	w.height = f.height + f.arity
	idx := uint32(w.ctrl.Len() - 1)

	if f.kind == frameIf && !f.hasElse {
		if f.arity != 0 {
			return fault.New(fault.GeneralParsingFailure, "if without else must not yield a value")
		}
		if err := w.patch(f.ifPC, w.pc); err != nil {
			return err
		}
	}
	if err := w.resolveFixups(idx, w.pc); err != nil {
		return err
	}

	done := *f
	if _, err := w.ctrl.Pop(); err != nil {
		return err
	}
	if done.kind == frameFunction {
		return w.emit(instr{op: opcode.End, a: w.numLocals, keep: uint16(done.arity)})
	}
	return nil
}

func (w *bitcodeWriter) checkEndHeight(f *ctrlFrame) error {
	if f.unreachable && w.height <= f.height+f.arity {
		return nil
	}
	if w.height != f.height+f.arity {
		return fault.New(
			fault.GeneralParsingFailure,
			"block leaves %d values, want %d", w.height-f.height, f.arity,
		)
	}
	return nil
}

// resolveFixups points every pending branch to frame idx at target and
// compacts the remaining fixups, which all belong to enclosing frames.
func (w *bitcodeWriter) resolveFixups(idx uint32, target uint32) error {
	f := w.top()
	items := w.fixups.Items()
	kept := int(f.fixups)
	for i := int(f.fixups); i < len(items); i++ {
		fx := items[i]
		if fx.frame == idx {
			if err := w.patch(fx.pc, target); err != nil {
				return err
			}
			continue
		}
		items[kept] = fx
		kept++
	}
	return w.fixups.Resize(kept)
}

func (w *bitcodeWriter) patch(pc uint32, target uint32) error {
	in, err := w.code.Ref(int(pc))
	if err != nil {
		return err
	}
	in.a = target
	return nil
}
