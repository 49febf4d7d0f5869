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
	"fmt"
)

// HostFunc implements an imported function in Go. args match the import's
// parameter types; the returned values must match its result types.
// Returning an error aborts the running call with a HostFunctionFailure
// fault that wraps it.
type HostFunc func(call *HostCall, args []Value) ([]Value, error)

// HostCall gives a host function access to the instance that called it.
type HostCall struct {
	ctx      context.Context
	instance *Instance
}

// Context returns the context of the outermost invocation.
func (c *HostCall) Context() context.Context {
	if c.ctx == nil {
		return context.Background()
	}
	return c.ctx
}

// Instance returns the calling instance. Host functions may invoke its
// exports again; the nested call shares the caller's stacks and deadline.
func (c *HostCall) Instance() *Instance { return c.instance }

// Memory returns the calling instance's memory, or nil if it has none.
func (c *HostCall) Memory() *Memory { return c.instance.memory }

type hostFunction struct {
	Type FunctionType
	fn   HostFunc
}

// HostModuleBuilder collects host functions under one import module name.
//
// Example:
//
//	err := runtime.NewHostModuleBuilder("env").
//	    AddHostFunc("log", kestrel.FunctionType{
//	        ParamTypes: []kestrel.ValueType{kestrel.I32},
//	    }, logFn).
//	    Register()
type HostModuleBuilder struct {
	runtime    *Runtime
	moduleName string
	funcs      map[string]*hostFunction
	err        error
}

// NewHostModuleBuilder starts a host module named moduleName.
func (r *Runtime) NewHostModuleBuilder(moduleName string) *HostModuleBuilder {
	return &HostModuleBuilder{
		runtime:    r,
		moduleName: moduleName,
		funcs:      make(map[string]*hostFunction),
	}
}

// AddHostFunc adds a function. Adding the same name twice is an error
// reported by Register.
func (b *HostModuleBuilder) AddHostFunc(
	name string,
	ft FunctionType,
	fn HostFunc,
) *HostModuleBuilder {
	if b.err != nil {
		return b
	}
	if _, ok := b.funcs[name]; ok {
		b.err = fmt.Errorf("host function %s.%s defined twice", b.moduleName, name)
		return b
	}
	if fn == nil {
		b.err = fmt.Errorf("host function %s.%s is nil", b.moduleName, name)
		return b
	}
	b.funcs[name] = &hostFunction{Type: ft, fn: fn}
	return b
}

// Register makes the functions available to every module instantiated by
// the runtime afterwards. A later registration of the same name replaces
// the earlier one.
func (b *HostModuleBuilder) Register() error {
	if b.err != nil {
		return b.err
	}
	for name, hf := range b.funcs {
		b.runtime.RegisterHostFunction(b.moduleName, name, hf.Type, hf.fn)
	}
	return nil
}
