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
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ziggy42/kestrel/fault"
	"github.com/ziggy42/kestrel/internal/opcode"
	wb "github.com/ziggy42/kestrel/internal/wasmbuild"
)

func instantiate(t *testing.T, b *wb.Builder) *Instance {
	t.Helper()
	return instantiateWith(t, NewRuntime(), b)
}

func instantiateWith(t *testing.T, rt *Runtime, b *wb.Builder) *Instance {
	t.Helper()
	inst, err := rt.InstantiateModule("test", b.Bytes())
	require.NoError(t, err)
	t.Cleanup(func() { _ = inst.Close() })
	return inst
}

func requireFault(t *testing.T, err error, code fault.Code) {
	t.Helper()
	require.Error(t, err)
	got, ok := fault.CodeOf(err)
	require.True(t, ok, "not a fault: %v", err)
	require.Equal(t, code, got, "unexpected fault: %v", err)
}

func addModule() *wb.Builder {
	b := wb.New()
	add := b.Func(wb.Types(wb.I32, wb.I32), wb.Types(wb.I32), nil,
		wb.LocalGet(0), wb.LocalGet(1), wb.Op(opcode.I32Add))
	b.Export("add", add)
	return b
}

func factModule() *wb.Builder {
	b := wb.New()
	// fact(n) = n <= 1 ? 1 : n * fact(n-1)
	b.Func(wb.Types(wb.I64), wb.Types(wb.I64), nil,
		wb.LocalGet(0), wb.I64Const(1), wb.Op(opcode.I64LeS),
		wb.If(wb.I64),
		wb.I64Const(1),
		wb.Op(opcode.Else),
		wb.LocalGet(0),
		wb.LocalGet(0), wb.I64Const(1), wb.Op(opcode.I64Sub),
		wb.Call(0),
		wb.Op(opcode.I64Mul),
		wb.Op(opcode.End))
	b.Export("fact", 0)
	return b
}

func TestRuntimeAdd(t *testing.T) {
	inst := instantiate(t, addModule())

	result, err := inst.CallWithReturn(context.Background(), "add", Int32(2), Int32(3))

	require.NoError(t, err)
	require.Equal(t, Int32(5), result)
}

func TestRuntimeMemoryGrowReturnsPreviousSize(t *testing.T) {
	b := wb.New()
	b.Memory(1)
	grow := b.Func(wb.Types(wb.I32), wb.Types(wb.I32), nil,
		wb.LocalGet(0), wb.MemoryGrow())
	b.Export("grow", grow)
	inst := instantiate(t, b)
	ctx := context.Background()

	first, err := inst.CallWithReturn(ctx, "grow", Int32(1))
	require.NoError(t, err)
	second, err := inst.CallWithReturn(ctx, "grow", Int32(1))
	require.NoError(t, err)

	require.Equal(t, int32(1), first.Int32())
	require.Equal(t, int32(2), second.Int32())
	require.Equal(t, uint32(3), inst.Memory().Size())
}

func TestRuntimeDivideByZeroFaults(t *testing.T) {
	b := wb.New()
	div := b.Func(wb.Types(wb.I32, wb.I32), wb.Types(wb.I32), nil,
		wb.LocalGet(0), wb.LocalGet(1), wb.Op(opcode.I32DivS))
	b.Export("div", div)
	inst := instantiate(t, b)

	_, err := inst.Invoke(context.Background(), "div", Int32(7), Int32(0))

	requireFault(t, err, fault.DivideByZero)
	require.ErrorIs(t, err, fault.ErrDivideByZero)
}

func TestRuntimeGrowPastDeclaredMaximumFails(t *testing.T) {
	b := wb.New()
	b.Memory(1, 2)
	grow := b.Func(wb.Types(wb.I32), wb.Types(wb.I32), nil,
		wb.LocalGet(0), wb.MemoryGrow())
	b.Export("grow", grow)
	size := b.Func(nil, wb.Types(wb.I32), nil, wb.MemorySize())
	b.Export("size", size)
	inst := instantiate(t, b)
	ctx := context.Background()

	result, err := inst.CallWithReturn(ctx, "grow", Int32(3))
	require.NoError(t, err)
	require.Equal(t, int32(-1), result.Int32())

	pages, err := inst.CallWithReturn(ctx, "size")
	require.NoError(t, err)
	require.Equal(t, int32(1), pages.Int32())
}

func TestRuntimeRecursiveFactorial(t *testing.T) {
	inst := instantiate(t, factModule())

	result, err := inst.CallWithReturn(context.Background(), "fact", Int64(5))

	require.NoError(t, err)
	require.Equal(t, int64(120), result.Int64())
}

func TestRuntimeHostFunction(t *testing.T) {
	b := wb.New()
	mul := b.ImportFunc("env", "multiply", wb.Types(wb.I32, wb.I32), wb.Types(wb.I32))
	area := b.Func(wb.Types(wb.I32, wb.I32), wb.Types(wb.I32), nil,
		wb.LocalGet(0), wb.LocalGet(1), wb.Call(mul))
	b.Export("area", area)

	rt := NewRuntime()
	err := rt.NewHostModuleBuilder("env").
		AddHostFunc("multiply", FunctionType{
			ParamTypes:  []ValueType{I32, I32},
			ResultTypes: []ValueType{I32},
		}, func(_ *HostCall, args []Value) ([]Value, error) {
			return []Value{Int32(args[0].Int32() * args[1].Int32())}, nil
		}).
		Register()
	require.NoError(t, err)
	inst := instantiateWith(t, rt, b)

	result, err := inst.CallWithReturn(context.Background(), "area", Int32(7), Int32(6))

	require.NoError(t, err)
	require.Equal(t, int32(42), result.Int32())
}

func TestRuntimeHostFunctionError(t *testing.T) {
	b := wb.New()
	fail := b.ImportFunc("env", "fail", nil, nil)
	b.Export("run", b.Func(nil, nil, nil, wb.Call(fail)))

	cause := errors.New("boom")
	rt := NewRuntime().RegisterHostFunction("env", "fail", FunctionType{},
		func(*HostCall, []Value) ([]Value, error) { return nil, cause })
	inst := instantiateWith(t, rt, b)

	err := inst.Call(context.Background(), "run")

	requireFault(t, err, fault.HostFunctionFailure)
	require.ErrorIs(t, err, cause)
}

func TestRuntimeHostFunctionWrongResults(t *testing.T) {
	b := wb.New()
	get := b.ImportFunc("env", "get", nil, wb.Types(wb.I32))
	b.Export("run", b.Func(nil, wb.Types(wb.I32), nil, wb.Call(get)))

	rt := NewRuntime().RegisterHostFunction("env", "get",
		FunctionType{ResultTypes: []ValueType{I32}},
		func(*HostCall, []Value) ([]Value, error) {
			return []Value{Int64(1)}, nil
		})
	inst := instantiateWith(t, rt, b)

	_, err := inst.Invoke(context.Background(), "run")

	requireFault(t, err, fault.HostFunctionFailure)
}

func TestRuntimeHostFunctionSeesMemory(t *testing.T) {
	b := wb.New()
	peek := b.ImportFunc("env", "peek", wb.Types(wb.I32), wb.Types(wb.I32))
	b.Memory(1)
	b.Data(16, []byte{0x2a})
	b.Export("run", b.Func(nil, wb.Types(wb.I32), nil, wb.I32Const(16), wb.Call(peek)))

	rt := NewRuntime().RegisterHostFunction("env", "peek",
		FunctionType{ParamTypes: []ValueType{I32}, ResultTypes: []ValueType{I32}},
		func(call *HostCall, args []Value) ([]Value, error) {
			data, err := call.Memory().Read(uint32(args[0].Int32()), 1)
			if err != nil {
				return nil, err
			}
			return []Value{Int32(int32(data[0]))}, nil
		})
	inst := instantiateWith(t, rt, b)

	result, err := inst.CallWithReturn(context.Background(), "run")

	require.NoError(t, err)
	require.Equal(t, int32(42), result.Int32())
}

func TestRuntimeHostReentersInstance(t *testing.T) {
	b := wb.New()
	callback := b.ImportFunc("env", "callback", wb.Types(wb.I32), wb.Types(wb.I32))
	double := b.Func(wb.Types(wb.I32), wb.Types(wb.I32), nil,
		wb.LocalGet(0), wb.LocalGet(0), wb.Op(opcode.I32Add))
	b.Export("double", double)
	run := b.Func(wb.Types(wb.I32), wb.Types(wb.I32), nil,
		wb.LocalGet(0), wb.Call(callback), wb.I32Const(1), wb.Op(opcode.I32Add))
	b.Export("run", run)

	rt := NewRuntime().RegisterHostFunction("env", "callback",
		FunctionType{ParamTypes: []ValueType{I32}, ResultTypes: []ValueType{I32}},
		func(call *HostCall, args []Value) ([]Value, error) {
			return call.Instance().Invoke(call.Context(), "double", args...)
		})
	inst := instantiateWith(t, rt, b)

	result, err := inst.CallWithReturn(context.Background(), "run", Int32(20))

	require.NoError(t, err)
	require.Equal(t, int32(41), result.Int32())
}

func TestRuntimeUnresolvedImportFaultsAtCallTime(t *testing.T) {
	b := wb.New()
	missing := b.ImportFunc("env", "missing", nil, nil)
	b.Export("ok", b.Func(nil, wb.Types(wb.I32), nil, wb.I32Const(1)))
	b.Export("run", b.Func(nil, nil, nil, wb.Call(missing)))
	inst := instantiate(t, b)
	ctx := context.Background()

	result, err := inst.CallWithReturn(ctx, "ok")
	require.NoError(t, err)
	require.Equal(t, int32(1), result.Int32())

	requireFault(t, inst.Call(ctx, "run"), fault.UnresolvedImport)
}

func TestRuntimeHostTypeMismatchIsLinkFailure(t *testing.T) {
	b := wb.New()
	b.ImportFunc("env", "f", wb.Types(wb.I32), nil)

	rt := NewRuntime().RegisterHostFunction("env", "f",
		FunctionType{ParamTypes: []ValueType{I64}},
		func(*HostCall, []Value) ([]Value, error) { return nil, nil })

	_, err := rt.InstantiateModule("test", b.Bytes())

	requireFault(t, err, fault.LinkFailure)
}

func TestHostModuleBuilderRejectsDuplicates(t *testing.T) {
	fn := func(*HostCall, []Value) ([]Value, error) { return nil, nil }

	err := NewRuntime().NewHostModuleBuilder("env").
		AddHostFunc("f", FunctionType{}, fn).
		AddHostFunc("f", FunctionType{}, fn).
		Register()

	require.Error(t, err)
}

func TestRuntimeStartFunctionRuns(t *testing.T) {
	b := wb.New()
	g := b.Global(wb.I32, true, wb.I32Const(0))
	b.ExportGlobal("counter", g)
	start := b.Func(nil, nil, nil, wb.I32Const(7), wb.GlobalSet(g))
	b.Start(start)
	inst := instantiate(t, b)

	v, err := inst.Global("counter")

	require.NoError(t, err)
	require.Equal(t, Int32(7), v)
}

func TestRuntimeStartFunctionFaultFailsInstantiation(t *testing.T) {
	b := wb.New()
	b.Start(b.Func(nil, nil, nil, wb.Op(opcode.Unreachable)))

	_, err := NewRuntime().InstantiateModule("test", b.Bytes())

	requireFault(t, err, fault.InstantiationFailed)
	require.ErrorIs(t, err, fault.ErrUnreachable)
}

func TestRuntimeDataSegmentOutOfBounds(t *testing.T) {
	b := wb.New()
	b.Memory(1)
	b.Data(PageSize-2, []byte{1, 2, 3})

	_, err := NewRuntime().InstantiateModule("test", b.Bytes())

	requireFault(t, err, fault.InstantiationFailed)
}

func TestRuntimeMemoryAboveCeilingFailsInstantiation(t *testing.T) {
	b := wb.New()
	b.Memory(8)
	cfg := DefaultConfig()
	cfg.MaxMemoryPages = 4

	_, err := NewRuntime().WithConfig(cfg).InstantiateModule("test", b.Bytes())

	requireFault(t, err, fault.InstantiationFailed)
}

func TestRuntimeStacksAboveAllocationCeiling(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OperandStackSize = 5 << 20

	_, err := NewRuntime().WithConfig(cfg).InstantiateModule("test", addModule().Bytes())

	requireFault(t, err, fault.ConstructorFailure)
	require.ErrorIs(t, err, fault.ErrAllocationFailure)
}

func TestRuntimeTableAboveAllocationCeiling(t *testing.T) {
	b := wb.New()
	b.Table(20 << 20)

	_, err := NewRuntime().InstantiateModule("test", b.Bytes())

	requireFault(t, err, fault.ConstructorFailure)
	require.ErrorIs(t, err, fault.ErrAllocationFailure)
}

func TestRuntimeCallByInstanceName(t *testing.T) {
	rt := NewRuntime()
	defer rt.Close()
	m, err := rt.ReadModule(addModule().Bytes())
	require.NoError(t, err)
	defer m.Close()
	_, err = rt.Instantiate("math", m)
	require.NoError(t, err)
	_, err = rt.Instantiate("other", m)
	require.NoError(t, err)

	results, err := rt.Call(context.Background(), "other", "add", Int32(40), Int32(2))

	require.NoError(t, err)
	require.Equal(t, []Value{Int32(42)}, results)
	require.Equal(t, []string{"math", "other"}, rt.Instances())

	_, err = rt.Call(context.Background(), "missing", "add")
	requireFault(t, err, fault.ExportNotFound)
}

func TestInstanceMissingExport(t *testing.T) {
	inst := instantiate(t, addModule())

	_, err := inst.Invoke(context.Background(), "sub", Int32(1), Int32(2))

	requireFault(t, err, fault.ExportNotFound)
}

func TestInstanceArgumentMismatch(t *testing.T) {
	inst := instantiate(t, addModule())
	ctx := context.Background()

	_, err := inst.Invoke(ctx, "add", Int32(1))
	requireFault(t, err, fault.ArgumentMismatch)

	_, err = inst.Invoke(ctx, "add", Int32(1), Int64(2))
	requireFault(t, err, fault.ArgumentMismatch)
}

func TestInstanceExecuteAll(t *testing.T) {
	b := wb.New()
	g := b.Global(wb.I32, true, wb.I32Const(0))
	b.ExportGlobal("calls", g)
	bump := b.Func(wb.Types(wb.I32), nil, nil,
		wb.GlobalGet(g), wb.I32Const(1), wb.Op(opcode.I32Add), wb.GlobalSet(g))
	b.Export("a", bump)
	b.Export("b", bump)
	inst := instantiate(t, b)

	require.NoError(t, inst.ExecuteAll(context.Background()))

	v, err := inst.Global("calls")
	require.NoError(t, err)
	require.Equal(t, int32(2), v.Int32())
}

func TestInstanceExecuteAllStopsAtFirstFault(t *testing.T) {
	b := wb.New()
	g := b.Global(wb.I32, true, wb.I32Const(0))
	b.ExportGlobal("calls", g)
	b.Export("trap", b.Func(nil, nil, nil, wb.Op(opcode.Unreachable)))
	b.Export("bump", b.Func(nil, nil, nil, wb.I32Const(1), wb.GlobalSet(g)))
	inst := instantiate(t, b)

	requireFault(t, inst.ExecuteAll(context.Background()), fault.Unreachable)

	v, err := inst.Global("calls")
	require.NoError(t, err)
	require.Equal(t, int32(0), v.Int32())
}

func TestInstanceClosedRejectsCalls(t *testing.T) {
	inst, err := NewRuntime().InstantiateModule("test", addModule().Bytes())
	require.NoError(t, err)
	require.NoError(t, inst.Close())
	require.NoError(t, inst.Close())

	_, err = inst.Invoke(context.Background(), "add", Int32(1), Int32(2))

	requireFault(t, err, fault.InstantiationFailed)
}

func TestClosedModuleCannotBeInstantiated(t *testing.T) {
	m, err := ReadModule(addModule().Bytes())
	require.NoError(t, err)
	require.NoError(t, m.Close())

	_, err = NewInstance(m, DefaultConfig())

	requireFault(t, err, fault.InstantiationFailed)
}
