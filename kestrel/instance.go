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

	"go.uber.org/zap"

	"github.com/ziggy42/kestrel/fault"
	"github.com/ziggy42/kestrel/internal/arena"
)

// Instance is an instantiated module: its memory, table and globals plus the
// engine that runs its code. An Instance runs one call at a time and is not
// safe for concurrent use; distinct instances of the same Module are
// independent.
type Instance struct {
	name    string
	module  *Module
	memory  *Memory
	table   *Table
	globals []Value
	imports []*hostFunction
	vm      *vm
	arena   *arena.Allocator

	ownsModule bool
	closed     bool
}

// NewInstance instantiates m without host functions. Calling any of its
// imports faults with UnresolvedImport.
func NewInstance(m *Module, cfg Config) (*Instance, error) {
	return newInstance("", m, nil, cfg)
}

func newInstance(
	name string,
	m *Module,
	hosts map[string]map[string]*hostFunction,
	cfg Config,
) (inst *Instance, err error) {
	if m == nil || m.arena == nil {
		return nil, fault.New(fault.InstantiationFailed, "module is closed")
	}
	cfg = cfg.normalized()

	imports, err := resolveImports(m, hosts)
	if err != nil {
		return nil, err
	}

	a, err := arena.New(instanceArenaSize(m, cfg))
	if err != nil {
		return nil, fault.Wrap(fault.InstantiationFailed, err, "instance arena")
	}
	inst = &Instance{name: name, module: m, imports: imports, arena: a}
	defer func() {
		if err != nil {
			inst.release()
			inst = nil
		}
	}()

	if inst.vm, err = newVM(inst, a, cfg); err != nil {
		return nil, fault.Wrap(fault.ConstructorFailure, err, "stacks")
	}
	if inst.globals, err = arena.Alloc[Value](a, len(m.Globals)); err != nil {
		return nil, fault.Wrap(fault.ConstructorFailure, err, "globals")
	}
	for i, g := range m.Globals {
		inst.globals[i] = g.Init
	}
	if len(m.Memories) > 0 {
		if inst.memory, err = newMemory(m.Memories[0], cfg.MaxMemoryPages); err != nil {
			return nil, err
		}
	}
	if len(m.Tables) > 0 {
		if inst.table, err = newTable(a, m.Tables[0]); err != nil {
			return nil, err
		}
	}
	for i, segment := range m.ElementSegments {
		if err = inst.table.InitFromSlice(segment.Offset, segment.FunctionIndex); err != nil {
			return nil, fault.Wrap(fault.InstantiationFailed, err, "element segment %d", i)
		}
	}
	for i, segment := range m.DataSegments {
		if err = inst.memory.Write(segment.Offset, segment.Content); err != nil {
			return nil, fault.Wrap(fault.InstantiationFailed, err, "data segment %d", i)
		}
	}
	if m.StartIndex != nil {
		if _, err = inst.vm.invoke(context.Background(), *m.StartIndex, nil); err != nil {
			return nil, fault.Wrap(fault.InstantiationFailed, err, "start function")
		}
	}

	if ce := Logger().Check(zap.DebugLevel, "instance created"); ce != nil {
		var pages uint32
		if inst.memory != nil {
			pages = inst.memory.Size()
		}
		ce.Write(
			zap.String("instance", name),
			zap.Uint32("pages", pages),
			zap.Int("globals", len(inst.globals)),
			zap.Int("imports", len(imports)),
		)
	}
	return inst, nil
}

// resolveImports binds every import to a registered host function. Missing
// imports stay nil and fault when called; a registered function of the
// wrong type is a link failure.
func resolveImports(
	m *Module,
	hosts map[string]map[string]*hostFunction,
) ([]*hostFunction, error) {
	imports := make([]*hostFunction, len(m.Imports))
	for i, imp := range m.Imports {
		hf, ok := hosts[imp.ModuleName][imp.Name]
		if !ok {
			continue
		}
		want := m.Types[imp.TypeIndex]
		if !hf.Type.Equal(want) {
			return nil, fault.New(
				fault.LinkFailure,
				"%s.%s: host function has type %s, import wants %s",
				imp.ModuleName, imp.Name, hf.Type, want,
			)
		}
		imports[i] = hf
	}
	return imports, nil
}

// instanceArenaSize is the room an instance needs for its stacks, globals
// and table, with slack for allocation padding.
func instanceArenaSize(m *Module, cfg Config) int {
	const slack = 64 << 10
	size := cfg.OperandStackSize*16 + cfg.MaxCallStackDepth*12 + len(m.Globals)*16
	if len(m.Tables) > 0 {
		size += int(m.Tables[0].Limits.Min) * 4
	}
	return size + slack
}

// Name returns the name the instance was registered under.
func (i *Instance) Name() string { return i.name }

// Module returns the module the instance was created from.
func (i *Instance) Module() *Module { return i.module }

// Memory returns the instance's linear memory, or nil if it has none.
func (i *Instance) Memory() *Memory { return i.memory }

// Table returns the instance's table, or nil if it has none.
func (i *Instance) Table() *Table { return i.table }

// ExportedFunctions lists the names of the exported functions.
func (i *Instance) ExportedFunctions() []string {
	return i.module.ExportedFunctionNames()
}

// Global returns the current value of an exported global.
func (i *Instance) Global(name string) (Value, error) {
	for _, export := range i.module.Exports {
		if export.Name == name && export.Kind == GlobalExportKind {
			return i.globals[export.Index], nil
		}
	}
	return Value{}, fault.New(fault.ExportNotFound, "global %q is not exported", name)
}

// Invoke calls the exported function name with args and returns its results.
func (i *Instance) Invoke(ctx context.Context, name string, args ...Value) ([]Value, error) {
	if i.closed {
		return nil, errClosedInstance
	}
	funcIdx, _, err := i.module.ExportedFunction(name)
	if err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return i.vm.invoke(ctx, funcIdx, args)
}

// Call invokes name and discards its results.
func (i *Instance) Call(ctx context.Context, name string, args ...Value) error {
	_, err := i.Invoke(ctx, name, args...)
	return err
}

// CallWithReturn invokes name and returns its single result. A function
// without results yields the zero Value, whose Type is invalid.
func (i *Instance) CallWithReturn(ctx context.Context, name string, args ...Value) (Value, error) {
	results, err := i.Invoke(ctx, name, args...)
	if err != nil || len(results) == 0 {
		return Value{}, err
	}
	return results[0], nil
}

// ExecuteAll invokes every exported function in declaration order, passing
// zero for each parameter. It stops at the first fault.
func (i *Instance) ExecuteAll(ctx context.Context) error {
	for _, name := range i.ExportedFunctions() {
		_, ft, err := i.module.ExportedFunction(name)
		if err != nil {
			return err
		}
		args := make([]Value, len(ft.ParamTypes))
		for j, t := range ft.ParamTypes {
			args[j] = zeroValue(t)
		}
		if _, err := i.Invoke(ctx, name, args...); err != nil {
			return err
		}
	}
	return nil
}

// Interrupt asks the running call to stop at its next instruction. It is
// safe to call from any goroutine; a call that is not running ignores it.
func (i *Instance) Interrupt() {
	i.vm.interrupt.Store(true)
}

// Close releases the instance's memory and stacks, and the module too when
// the instance was created from raw bytes.
func (i *Instance) Close() error {
	if i.closed {
		return nil
	}
	i.closed = true
	return i.release()
}

func (i *Instance) release() error {
	var errs []error
	if i.memory != nil {
		errs = append(errs, i.memory.Close())
	}
	if i.arena != nil {
		errs = append(errs, i.arena.Release())
	}
	if i.ownsModule {
		errs = append(errs, i.module.Close())
	}
	return errors.Join(errs...)
}

var errClosedInstance = fault.New(fault.InstantiationFailed, "instance is closed")
