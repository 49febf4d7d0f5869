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
	"context"
	"math"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/ziggy42/kestrel/fault"
	"github.com/ziggy42/kestrel/internal/arena"
	"github.com/ziggy42/kestrel/internal/faultbridge"
	"github.com/ziggy42/kestrel/internal/opcode"
	"github.com/ziggy42/kestrel/internal/watchdog"
)

// vm executes the functions of one instance. It owns the instance's value
// stack and call stack, both fixed in size and carved from the instance
// arena. A vm runs one call stack at a time; host functions may re-enter it
// on the same goroutine.
type vm struct {
	instance   *Instance
	module     *Module
	numImports uint32
	stack      valueStack
	callStack  []callFrame
	depth      uint32

	watchdog  *watchdog.Watchdog
	interrupt atomic.Bool
	guard     *watchdog.Guard
	ctx       context.Context
	running   int
}

func newVM(inst *Instance, a *arena.Allocator, cfg Config) (*vm, error) {
	data, err := arena.Alloc[Value](a, cfg.OperandStackSize)
	if err != nil {
		return nil, err
	}
	frames, err := arena.Alloc[callFrame](a, cfg.MaxCallStackDepth)
	if err != nil {
		return nil, err
	}
	return &vm{
		instance:   inst,
		module:     inst.module,
		numImports: uint32(len(inst.module.Imports)),
		stack:      valueStack{data: data},
		callStack:  frames,
		watchdog:   watchdog.New(cfg.ExecutionTimeout),
	}, nil
}

// invoke runs function funcIdx with args and returns its results. The
// outermost invocation arms the watchdog; nested ones, made by host
// functions, run under the same guard. On a fault both stacks are restored
// to where the invocation found them.
func (vm *vm) invoke(
	ctx context.Context,
	funcIdx uint32,
	args []Value,
) ([]Value, error) {
	ft := vm.module.Types[vm.module.typeIndexOf(funcIdx)]
	if err := checkArguments(ft, args); err != nil {
		return nil, err
	}
	if vm.running == 0 {
		vm.interrupt.Store(false)
		vm.ctx = ctx
		vm.guard = vm.watchdog.Arm(ctx, func() { vm.interrupt.Store(true) })
		defer func() {
			vm.guard.Release()
			vm.guard = nil
			vm.ctx = nil
		}()
	}
	vm.running++
	defer func() { vm.running-- }()

	entrySP, entryDepth := vm.stack.sp, vm.depth
	if !vm.stack.fits(uint32(len(args))) {
		return nil, fault.New(fault.OperandStackOverflow, "no room for %d arguments", len(args))
	}
	for _, arg := range args {
		vm.stack.push(arg)
	}

	err := faultbridge.Run(func() error {
		if funcIdx < vm.numImports {
			return vm.callHost(funcIdx)
		}
		return vm.execute(funcIdx)
	})
	if err != nil {
		vm.stack.sp, vm.depth = entrySP, entryDepth
		vm.logFault(funcIdx, err)
		return nil, err
	}

	n := uint32(len(ft.ResultTypes))
	results := make([]Value, n)
	copy(results, vm.stack.data[vm.stack.sp-n:vm.stack.sp])
	vm.stack.sp = entrySP
	return results, nil
}

func (vm *vm) logFault(funcIdx uint32, err error) {
	code, _ := fault.CodeOf(err)
	if code == fault.Cancelled {
		Logger().Warn("execution interrupted",
			zap.String("instance", vm.instance.name),
			zap.Uint32("function", funcIdx),
			zap.Error(err),
		)
		return
	}
	if ce := Logger().Check(zap.DebugLevel, "run faulted"); ce != nil {
		ce.Write(
			zap.String("instance", vm.instance.name),
			zap.Uint32("function", funcIdx),
			zap.Uint16("code", uint16(code)),
			zap.Error(err),
		)
	}
}

func checkArguments(ft FunctionType, args []Value) error {
	if len(args) != len(ft.ParamTypes) {
		return fault.New(
			fault.ArgumentMismatch,
			"expected %d arguments, got %d", len(ft.ParamTypes), len(args),
		)
	}
	for i, arg := range args {
		if arg.typ != ft.ParamTypes[i] {
			return fault.New(
				fault.ArgumentMismatch,
				"argument %d: expected %s, got %s", i, ft.ParamTypes[i], arg.typ,
			)
		}
	}
	return nil
}

func (vm *vm) cancelled() error {
	var cause error
	if vm.guard != nil {
		cause = vm.guard.Err()
	}
	if cause == nil {
		return fault.New(fault.Cancelled, "interrupted")
	}
	return fault.Wrap(fault.Cancelled, cause, "interrupted")
}

func (vm *vm) body(funcIdx uint32) *FunctionBody {
	return &vm.module.Code[funcIdx-vm.numImports]
}

// enter pushes a frame for defined function funcIdx, whose arguments are on
// top of the stack, and zeroes its locals. Both limits are checked here, so
// the callee's own pushes cannot overflow.
func (vm *vm) enter(funcIdx, returnPC uint32) (*FunctionBody, error) {
	if vm.depth >= uint32(len(vm.callStack)) {
		return nil, fault.New(
			fault.CallStackExhausted, "call depth %d reached", len(vm.callStack),
		)
	}
	body := vm.body(funcIdx)
	declared := uint32(len(body.localTypes))
	if !vm.stack.fits(declared + body.MaxHeight) {
		return nil, fault.New(
			fault.OperandStackOverflow,
			"function %d needs %d slots, %d left",
			funcIdx, declared+body.MaxHeight, uint32(len(vm.stack.data))-vm.stack.sp,
		)
	}
	base := vm.stack.sp - (body.LocalsCount - declared)
	for _, t := range body.localTypes {
		vm.stack.push(zeroValue(t))
	}
	vm.callStack[vm.depth] = callFrame{
		function:   funcIdx,
		localsBase: base,
		returnPC:   returnPC,
	}
	vm.depth++
	return body, nil
}

// execute runs defined function entry until it returns. Calls between
// defined functions stay inside this loop; host calls leave it.
func (vm *vm) execute(entry uint32) error {
	entryDepth := vm.depth
	body, err := vm.enter(entry, 0)
	if err != nil {
		return err
	}
	stack := &vm.stack
	code := body.code
	base := vm.callStack[vm.depth-1].localsBase
	var pc uint32

	for {
		if vm.interrupt.Load() {
			return vm.cancelled()
		}
		in := &code[pc]
		pc++

		var err error
		var callee uint32
		// Using a switch instead of a table of handlers lets the compiler
		// emit a jump table over the dense opcode range.
		switch in.op {
		case opcode.Unreachable:
			return fault.New(fault.Unreachable, "at pc %d", pc-1)
		case opcode.If:
			if stack.popInt32() == 0 {
				pc = in.a
			}
			continue
		case opcode.Else:
			pc = in.a
			continue
		case opcode.Br:
			stack.unwind(in.b, uint32(in.keep))
			pc = in.a
			continue
		case opcode.BrIf:
			if stack.popInt32() != 0 {
				stack.unwind(in.b, uint32(in.keep))
				pc = in.a
			}
			continue
		case opcode.BrTable:
			index := min(stack.popUint32(), in.a-1)
			target := &code[pc+index]
			stack.unwind(target.b, uint32(target.keep))
			pc = target.a
			continue
		case opcode.Return, opcode.End:
			frame := vm.callStack[vm.depth-1]
			keep := uint32(in.keep)
			copy(stack.data[frame.localsBase:], stack.data[stack.sp-keep:stack.sp])
			stack.sp = frame.localsBase + keep
			vm.depth--
			if vm.depth == entryDepth {
				return nil
			}
			caller := vm.callStack[vm.depth-1]
			code = vm.body(caller.function).code
			base = caller.localsBase
			pc = frame.returnPC
			continue
		case opcode.Call:
			callee = in.a
		case opcode.CallIndirect:
			callee, err = vm.resolveIndirect(stack.popUint32(), in.a)
		case opcode.Drop:
			stack.sp--
		case opcode.Select:
			c := stack.popInt32()
			b := stack.pop()
			if c == 0 {
				*stack.top() = b
			}
		case opcode.LocalGet:
			stack.push(stack.data[base+in.a])
		case opcode.LocalSet:
			stack.data[base+in.a] = stack.pop()
		case opcode.LocalTee:
			stack.data[base+in.a] = *stack.top()
		case opcode.GlobalGet:
			stack.push(vm.instance.globals[in.a])
		case opcode.GlobalSet:
			err = vm.handleGlobalSet(in.a)
		case opcode.I32Load:
			err = handleLoad(vm, in, stack.pushInt32, (*Memory).LoadUint32, uint32ToInt32)
		case opcode.I64Load:
			err = handleLoad(vm, in, stack.pushInt64, (*Memory).LoadUint64, uint64ToInt64)
		case opcode.F32Load:
			err = handleLoad(vm, in, stack.pushFloat32, (*Memory).LoadUint32, math.Float32frombits)
		case opcode.F64Load:
			err = handleLoad(vm, in, stack.pushFloat64, (*Memory).LoadUint64, math.Float64frombits)
		case opcode.I32Load8S:
			err = handleLoad(vm, in, stack.pushInt32, (*Memory).LoadByte, signExtend8To32)
		case opcode.I32Load8U:
			err = handleLoad(vm, in, stack.pushInt32, (*Memory).LoadByte, zeroExtend8To32)
		case opcode.I32Load16S:
			err = handleLoad(vm, in, stack.pushInt32, (*Memory).LoadUint16, signExtend16To32)
		case opcode.I32Load16U:
			err = handleLoad(vm, in, stack.pushInt32, (*Memory).LoadUint16, zeroExtend16To32)
		case opcode.I64Load8S:
			err = handleLoad(vm, in, stack.pushInt64, (*Memory).LoadByte, signExtend8To64)
		case opcode.I64Load8U:
			err = handleLoad(vm, in, stack.pushInt64, (*Memory).LoadByte, zeroExtend8To64)
		case opcode.I64Load16S:
			err = handleLoad(vm, in, stack.pushInt64, (*Memory).LoadUint16, signExtend16To64)
		case opcode.I64Load16U:
			err = handleLoad(vm, in, stack.pushInt64, (*Memory).LoadUint16, zeroExtend16To64)
		case opcode.I64Load32S:
			err = handleLoad(vm, in, stack.pushInt64, (*Memory).LoadUint32, signExtend32To64)
		case opcode.I64Load32U:
			err = handleLoad(vm, in, stack.pushInt64, (*Memory).LoadUint32, zeroExtend32To64)
		case opcode.I32Store:
			err = handleStore(vm, in, stack.popUint32(), (*Memory).StoreUint32)
		case opcode.I64Store:
			err = handleStore(vm, in, uint64(stack.popInt64()), (*Memory).StoreUint64)
		case opcode.F32Store:
			err = handleStore(vm, in, uint32(stack.pop().bits), (*Memory).StoreUint32)
		case opcode.F64Store:
			err = handleStore(vm, in, stack.pop().bits, (*Memory).StoreUint64)
		case opcode.I32Store8, opcode.I64Store8:
			err = handleStore(vm, in, byte(stack.pop().bits), (*Memory).StoreByte)
		case opcode.I32Store16, opcode.I64Store16:
			err = handleStore(vm, in, uint16(stack.pop().bits), (*Memory).StoreUint16)
		case opcode.I64Store32:
			err = handleStore(vm, in, uint32(stack.pop().bits), (*Memory).StoreUint32)
		case opcode.MemorySize:
			stack.pushInt32(int32(vm.instance.memory.Size()))
		case opcode.MemoryGrow:
			stack.pushInt32(vm.instance.memory.Grow(stack.popUint32()))
		case opcode.I32Const, opcode.I64Const, opcode.F32Const, opcode.F64Const:
			stack.push(Value{typ: constType(in.op), bits: in.imm})
		case opcode.I32Eqz:
			stack.pushBool(stack.popInt32() == 0)
		case opcode.I32Eq:
			vm.handleBinaryBoolInt32(eq[int32])
		case opcode.I32Ne:
			vm.handleBinaryBoolInt32(ne[int32])
		case opcode.I32LtS:
			vm.handleBinaryBoolInt32(lt[int32])
		case opcode.I32LtU:
			vm.handleBinaryBoolInt32(ltU32)
		case opcode.I32GtS:
			vm.handleBinaryBoolInt32(gt[int32])
		case opcode.I32GtU:
			vm.handleBinaryBoolInt32(gtU32)
		case opcode.I32LeS:
			vm.handleBinaryBoolInt32(le[int32])
		case opcode.I32LeU:
			vm.handleBinaryBoolInt32(leU32)
		case opcode.I32GeS:
			vm.handleBinaryBoolInt32(ge[int32])
		case opcode.I32GeU:
			vm.handleBinaryBoolInt32(geU32)
		case opcode.I64Eqz:
			stack.pushBool(stack.popInt64() == 0)
		case opcode.I64Eq:
			vm.handleBinaryBoolInt64(eq[int64])
		case opcode.I64Ne:
			vm.handleBinaryBoolInt64(ne[int64])
		case opcode.I64LtS:
			vm.handleBinaryBoolInt64(lt[int64])
		case opcode.I64LtU:
			vm.handleBinaryBoolInt64(ltU64)
		case opcode.I64GtS:
			vm.handleBinaryBoolInt64(gt[int64])
		case opcode.I64GtU:
			vm.handleBinaryBoolInt64(gtU64)
		case opcode.I64LeS:
			vm.handleBinaryBoolInt64(le[int64])
		case opcode.I64LeU:
			vm.handleBinaryBoolInt64(leU64)
		case opcode.I64GeS:
			vm.handleBinaryBoolInt64(ge[int64])
		case opcode.I64GeU:
			vm.handleBinaryBoolInt64(geU64)
		case opcode.F32Eq:
			vm.handleBinaryBoolFloat32(eq[float32])
		case opcode.F32Ne:
			vm.handleBinaryBoolFloat32(ne[float32])
		case opcode.F32Lt:
			vm.handleBinaryBoolFloat32(lt[float32])
		case opcode.F32Gt:
			vm.handleBinaryBoolFloat32(gt[float32])
		case opcode.F32Le:
			vm.handleBinaryBoolFloat32(le[float32])
		case opcode.F32Ge:
			vm.handleBinaryBoolFloat32(ge[float32])
		case opcode.F64Eq:
			vm.handleBinaryBoolFloat64(eq[float64])
		case opcode.F64Ne:
			vm.handleBinaryBoolFloat64(ne[float64])
		case opcode.F64Lt:
			vm.handleBinaryBoolFloat64(lt[float64])
		case opcode.F64Gt:
			vm.handleBinaryBoolFloat64(gt[float64])
		case opcode.F64Le:
			vm.handleBinaryBoolFloat64(le[float64])
		case opcode.F64Ge:
			vm.handleBinaryBoolFloat64(ge[float64])
		case opcode.I32Clz:
			vm.handleUnaryInt32(clz32)
		case opcode.I32Ctz:
			vm.handleUnaryInt32(ctz32)
		case opcode.I32Popcnt:
			vm.handleUnaryInt32(popcnt32)
		case opcode.I32Add:
			vm.handleBinaryInt32(add[int32])
		case opcode.I32Sub:
			vm.handleBinaryInt32(sub[int32])
		case opcode.I32Mul:
			vm.handleBinaryInt32(mul[int32])
		case opcode.I32DivS:
			err = vm.handleBinarySafeInt32(divS[int32])
		case opcode.I32DivU:
			err = vm.handleBinarySafeInt32(divU32)
		case opcode.I32RemS:
			err = vm.handleBinarySafeInt32(remS[int32])
		case opcode.I32RemU:
			err = vm.handleBinarySafeInt32(remU32)
		case opcode.I32And:
			vm.handleBinaryInt32(and[int32])
		case opcode.I32Or:
			vm.handleBinaryInt32(or[int32])
		case opcode.I32Xor:
			vm.handleBinaryInt32(xor[int32])
		case opcode.I32Shl:
			vm.handleBinaryInt32(shl32)
		case opcode.I32ShrS:
			vm.handleBinaryInt32(shrS32)
		case opcode.I32ShrU:
			vm.handleBinaryInt32(shrU32)
		case opcode.I32Rotl:
			vm.handleBinaryInt32(rotl32)
		case opcode.I32Rotr:
			vm.handleBinaryInt32(rotr32)
		case opcode.I64Clz:
			vm.handleUnaryInt64(clz64)
		case opcode.I64Ctz:
			vm.handleUnaryInt64(ctz64)
		case opcode.I64Popcnt:
			vm.handleUnaryInt64(popcnt64)
		case opcode.I64Add:
			vm.handleBinaryInt64(add[int64])
		case opcode.I64Sub:
			vm.handleBinaryInt64(sub[int64])
		case opcode.I64Mul:
			vm.handleBinaryInt64(mul[int64])
		case opcode.I64DivS:
			err = vm.handleBinarySafeInt64(divS[int64])
		case opcode.I64DivU:
			err = vm.handleBinarySafeInt64(divU64)
		case opcode.I64RemS:
			err = vm.handleBinarySafeInt64(remS[int64])
		case opcode.I64RemU:
			err = vm.handleBinarySafeInt64(remU64)
		case opcode.I64And:
			vm.handleBinaryInt64(and[int64])
		case opcode.I64Or:
			vm.handleBinaryInt64(or[int64])
		case opcode.I64Xor:
			vm.handleBinaryInt64(xor[int64])
		case opcode.I64Shl:
			vm.handleBinaryInt64(shl64)
		case opcode.I64ShrS:
			vm.handleBinaryInt64(shrS64)
		case opcode.I64ShrU:
			vm.handleBinaryInt64(shrU64)
		case opcode.I64Rotl:
			vm.handleBinaryInt64(rotl64)
		case opcode.I64Rotr:
			vm.handleBinaryInt64(rotr64)
		case opcode.F32Abs:
			vm.handleUnaryFloat32(fabs32)
		case opcode.F32Neg:
			vm.handleUnaryFloat32(fneg[float32])
		case opcode.F32Ceil:
			vm.handleUnaryFloat32(fceil[float32])
		case opcode.F32Floor:
			vm.handleUnaryFloat32(ffloor[float32])
		case opcode.F32Trunc:
			vm.handleUnaryFloat32(ftrunc[float32])
		case opcode.F32Nearest:
			vm.handleUnaryFloat32(fnearest[float32])
		case opcode.F32Sqrt:
			vm.handleUnaryFloat32(fsqrt[float32])
		case opcode.F32Add:
			vm.handleBinaryFloat32(add[float32])
		case opcode.F32Sub:
			vm.handleBinaryFloat32(sub[float32])
		case opcode.F32Mul:
			vm.handleBinaryFloat32(mul[float32])
		case opcode.F32Div:
			vm.handleBinaryFloat32(fdiv[float32])
		case opcode.F32Min:
			vm.handleBinaryFloat32(fmin[float32])
		case opcode.F32Max:
			vm.handleBinaryFloat32(fmax[float32])
		case opcode.F32Copysign:
			vm.handleBinaryFloat32(fcopysign32)
		case opcode.F64Abs:
			vm.handleUnaryFloat64(math.Abs)
		case opcode.F64Neg:
			vm.handleUnaryFloat64(fneg[float64])
		case opcode.F64Ceil:
			vm.handleUnaryFloat64(fceil[float64])
		case opcode.F64Floor:
			vm.handleUnaryFloat64(ffloor[float64])
		case opcode.F64Trunc:
			vm.handleUnaryFloat64(ftrunc[float64])
		case opcode.F64Nearest:
			vm.handleUnaryFloat64(fnearest[float64])
		case opcode.F64Sqrt:
			vm.handleUnaryFloat64(fsqrt[float64])
		case opcode.F64Add:
			vm.handleBinaryFloat64(add[float64])
		case opcode.F64Sub:
			vm.handleBinaryFloat64(sub[float64])
		case opcode.F64Mul:
			vm.handleBinaryFloat64(mul[float64])
		case opcode.F64Div:
			vm.handleBinaryFloat64(fdiv[float64])
		case opcode.F64Min:
			vm.handleBinaryFloat64(fmin[float64])
		case opcode.F64Max:
			vm.handleBinaryFloat64(fmax[float64])
		case opcode.F64Copysign:
			vm.handleBinaryFloat64(math.Copysign)
		case opcode.I32WrapI64:
			stack.pushInt32(int32(stack.popInt64()))
		case opcode.I32TruncF32S:
			err = vm.handleTruncFloat32Int32(truncI32S[float32])
		case opcode.I32TruncF32U:
			err = vm.handleTruncFloat32Int32(truncI32U[float32])
		case opcode.I32TruncF64S:
			err = vm.handleTruncFloat64Int32(truncI32S[float64])
		case opcode.I32TruncF64U:
			err = vm.handleTruncFloat64Int32(truncI32U[float64])
		case opcode.I64ExtendI32S:
			stack.pushInt64(int64(stack.popInt32()))
		case opcode.I64ExtendI32U:
			stack.pushInt64(int64(stack.popUint32()))
		case opcode.I64TruncF32S:
			err = vm.handleTruncFloat32Int64(truncI64S[float32])
		case opcode.I64TruncF32U:
			err = vm.handleTruncFloat32Int64(truncI64U[float32])
		case opcode.I64TruncF64S:
			err = vm.handleTruncFloat64Int64(truncI64S[float64])
		case opcode.I64TruncF64U:
			err = vm.handleTruncFloat64Int64(truncI64U[float64])
		case opcode.F32ConvertI32S:
			stack.pushFloat32(float32(stack.popInt32()))
		case opcode.F32ConvertI32U:
			stack.pushFloat32(float32(stack.popUint32()))
		case opcode.F32ConvertI64S:
			stack.pushFloat32(float32(stack.popInt64()))
		case opcode.F32ConvertI64U:
			stack.pushFloat32(float32(uint64(stack.popInt64())))
		case opcode.F32DemoteF64:
			stack.pushFloat32(float32(stack.popFloat64()))
		case opcode.F64ConvertI32S:
			stack.pushFloat64(float64(stack.popInt32()))
		case opcode.F64ConvertI32U:
			stack.pushFloat64(float64(stack.popUint32()))
		case opcode.F64ConvertI64S:
			stack.pushFloat64(float64(stack.popInt64()))
		case opcode.F64ConvertI64U:
			stack.pushFloat64(float64(uint64(stack.popInt64())))
		case opcode.F64PromoteF32:
			stack.pushFloat64(float64(stack.popFloat32()))
		case opcode.I32ReinterpretF32, opcode.I64ReinterpretF64,
			opcode.F32ReinterpretI32, opcode.F64ReinterpretI64:
			stack.top().typ = reinterpretType(in.op)
		case opcode.I32Extend8S:
			stack.pushInt32(int32(int8(stack.popInt32())))
		case opcode.I32Extend16S:
			stack.pushInt32(int32(int16(stack.popInt32())))
		case opcode.I64Extend8S:
			stack.pushInt64(int64(int8(stack.popInt64())))
		case opcode.I64Extend16S:
			stack.pushInt64(int64(int16(stack.popInt64())))
		case opcode.I64Extend32S:
			stack.pushInt64(int64(int32(stack.popInt64())))
		default:
			return fault.New(fault.Unimplemented, "%s", in.op)
		}
		if err != nil {
			return err
		}
		if in.op != opcode.Call && in.op != opcode.CallIndirect {
			continue
		}

		if callee < vm.numImports {
			if err := vm.callHost(callee); err != nil {
				return err
			}
			continue
		}
		next, err := vm.enter(callee, pc)
		if err != nil {
			return err
		}
		code = next.code
		base = vm.callStack[vm.depth-1].localsBase
		pc = 0
	}
}

// resolveIndirect maps a table element to a function index, checking that
// the function's signature is the expected one.
func (vm *vm) resolveIndirect(elemIdx, typeIdx uint32) (uint32, error) {
	funcIdx, ok, err := vm.instance.table.Get(elemIdx)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fault.New(fault.UninitializedElement, "table element %d is null", elemIdx)
	}
	aliases := vm.module.typeAliases
	actual := vm.module.typeIndexOf(funcIdx)
	if aliases[actual] != aliases[typeIdx] {
		return 0, fault.New(
			fault.IndirectCallTypeMismatch,
			"function %d has type %s, want %s",
			funcIdx, vm.module.Types[actual], vm.module.Types[typeIdx],
		)
	}
	return funcIdx, nil
}

func (vm *vm) handleGlobalSet(index uint32) error {
	if !vm.module.Globals[index].GlobalType.IsMutable {
		return fault.New(fault.ImmutableGlobal, "global %d", index)
	}
	vm.instance.globals[index] = vm.stack.pop()
	return nil
}

// callHost pops the arguments of import funcIdx, runs the host function and
// pushes its results after checking them against the import's type.
func (vm *vm) callHost(funcIdx uint32) error {
	imp := vm.module.Imports[funcIdx]
	host := vm.instance.imports[funcIdx]
	if host == nil {
		return fault.New(fault.UnresolvedImport, "%s.%s", imp.ModuleName, imp.Name)
	}
	ft := vm.module.Types[imp.TypeIndex]
	n := uint32(len(ft.ParamTypes))
	args := make([]Value, n)
	copy(args, vm.stack.data[vm.stack.sp-n:vm.stack.sp])
	vm.stack.sp -= n

	results, err := vm.runHost(host, args)
	if err != nil {
		return fault.Wrap(
			fault.HostFunctionFailure, err, "%s.%s", imp.ModuleName, imp.Name,
		)
	}
	if len(results) != len(ft.ResultTypes) {
		return fault.New(
			fault.HostFunctionFailure,
			"%s.%s returned %d values, want %d",
			imp.ModuleName, imp.Name, len(results), len(ft.ResultTypes),
		)
	}
	for i, r := range results {
		if r.typ != ft.ResultTypes[i] {
			return fault.New(
				fault.HostFunctionFailure,
				"%s.%s result %d is %s, want %s",
				imp.ModuleName, imp.Name, i, r.typ, ft.ResultTypes[i],
			)
		}
		vm.stack.push(r)
	}
	return nil
}

// runHost calls a host function, turning a panic into an error.
func (vm *vm) runHost(host *hostFunction, args []Value) (results []Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = e
			} else {
				err = fault.New(fault.HostFunctionFailure, "panic: %v", r)
			}
		}
	}()
	call := &HostCall{ctx: vm.ctx, instance: vm.instance}
	return host.fn(call, args)
}

func (vm *vm) handleBinaryInt32(op func(a, b int32) int32) {
	b := vm.stack.popInt32()
	a := vm.stack.popInt32()
	vm.stack.pushInt32(op(a, b))
}

func (vm *vm) handleBinaryInt64(op func(a, b int64) int64) {
	b := vm.stack.popInt64()
	a := vm.stack.popInt64()
	vm.stack.pushInt64(op(a, b))
}

func (vm *vm) handleBinaryFloat32(op func(a, b float32) float32) {
	b := vm.stack.popFloat32()
	a := vm.stack.popFloat32()
	vm.stack.pushFloat32(op(a, b))
}

func (vm *vm) handleBinaryFloat64(op func(a, b float64) float64) {
	b := vm.stack.popFloat64()
	a := vm.stack.popFloat64()
	vm.stack.pushFloat64(op(a, b))
}

func (vm *vm) handleBinarySafeInt32(op func(a, b int32) (int32, error)) error {
	b := vm.stack.popInt32()
	a := vm.stack.popInt32()
	result, err := op(a, b)
	if err != nil {
		return err
	}
	vm.stack.pushInt32(result)
	return nil
}

func (vm *vm) handleBinarySafeInt64(op func(a, b int64) (int64, error)) error {
	b := vm.stack.popInt64()
	a := vm.stack.popInt64()
	result, err := op(a, b)
	if err != nil {
		return err
	}
	vm.stack.pushInt64(result)
	return nil
}

func (vm *vm) handleBinaryBoolInt32(op func(a, b int32) bool) {
	b := vm.stack.popInt32()
	a := vm.stack.popInt32()
	vm.stack.pushBool(op(a, b))
}

func (vm *vm) handleBinaryBoolInt64(op func(a, b int64) bool) {
	b := vm.stack.popInt64()
	a := vm.stack.popInt64()
	vm.stack.pushBool(op(a, b))
}

func (vm *vm) handleBinaryBoolFloat32(op func(a, b float32) bool) {
	b := vm.stack.popFloat32()
	a := vm.stack.popFloat32()
	vm.stack.pushBool(op(a, b))
}

func (vm *vm) handleBinaryBoolFloat64(op func(a, b float64) bool) {
	b := vm.stack.popFloat64()
	a := vm.stack.popFloat64()
	vm.stack.pushBool(op(a, b))
}

func (vm *vm) handleUnaryInt32(op func(a int32) int32) {
	vm.stack.pushInt32(op(vm.stack.popInt32()))
}

func (vm *vm) handleUnaryInt64(op func(a int64) int64) {
	vm.stack.pushInt64(op(vm.stack.popInt64()))
}

func (vm *vm) handleUnaryFloat32(op func(a float32) float32) {
	vm.stack.pushFloat32(op(vm.stack.popFloat32()))
}

func (vm *vm) handleUnaryFloat64(op func(a float64) float64) {
	vm.stack.pushFloat64(op(vm.stack.popFloat64()))
}

func (vm *vm) handleTruncFloat32Int32(op func(a float32) (int32, error)) error {
	result, err := op(vm.stack.popFloat32())
	if err != nil {
		return err
	}
	vm.stack.pushInt32(result)
	return nil
}

func (vm *vm) handleTruncFloat64Int32(op func(a float64) (int32, error)) error {
	result, err := op(vm.stack.popFloat64())
	if err != nil {
		return err
	}
	vm.stack.pushInt32(result)
	return nil
}

func (vm *vm) handleTruncFloat32Int64(op func(a float32) (int64, error)) error {
	result, err := op(vm.stack.popFloat32())
	if err != nil {
		return err
	}
	vm.stack.pushInt64(result)
	return nil
}

func (vm *vm) handleTruncFloat64Int64(op func(a float64) (int64, error)) error {
	result, err := op(vm.stack.popFloat64())
	if err != nil {
		return err
	}
	vm.stack.pushInt64(result)
	return nil
}

func handleStore[T any](
	vm *vm,
	in *instr,
	val T,
	store func(*Memory, uint32, uint32, T) error,
) error {
	index := vm.stack.popUint32()
	return store(vm.instance.memory, in.a, index, val)
}

func handleLoad[T any, R any](
	vm *vm,
	in *instr,
	push func(R),
	load func(*Memory, uint32, uint32) (T, error),
	convert func(T) R,
) error {
	index := vm.stack.popUint32()
	v, err := load(vm.instance.memory, in.a, index)
	if err != nil {
		return err
	}
	push(convert(v))
	return nil
}

// reinterpretType is the result type of a reinterpret instruction. The bits
// stay in place.
func reinterpretType(op opcode.Opcode) ValueType {
	switch op {
	case opcode.I32ReinterpretF32:
		return I32
	case opcode.I64ReinterpretF64:
		return I64
	case opcode.F32ReinterpretI32:
		return F32
	default:
		return F64
	}
}
