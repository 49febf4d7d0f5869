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
	"sort"

	"github.com/ziggy42/kestrel/fault"
)

// Runtime provides the main API for loading modules, registering host
// functions and calling into named instances.
type Runtime struct {
	config    Config
	hosts     map[string]map[string]*hostFunction
	instances map[string]*Instance
}

// NewRuntime creates a new Runtime with default settings.
func NewRuntime() *Runtime {
	return &Runtime{
		config:    DefaultConfig(),
		hosts:     make(map[string]map[string]*hostFunction),
		instances: make(map[string]*Instance),
	}
}

// WithConfig sets the configuration for the runtime. Must be called before
// instantiating any modules.
func (r *Runtime) WithConfig(config Config) *Runtime {
	r.config = config.normalized()
	return r
}

// Config returns the runtime's effective configuration.
func (r *Runtime) Config() Config { return r.config }

// RegisterHostFunction makes fn available as the import moduleName.name to
// every module instantiated afterwards.
func (r *Runtime) RegisterHostFunction(
	moduleName, name string,
	ft FunctionType,
	fn HostFunc,
) *Runtime {
	funcs, ok := r.hosts[moduleName]
	if !ok {
		funcs = make(map[string]*hostFunction)
		r.hosts[moduleName] = funcs
	}
	funcs[name] = &hostFunction{Type: ft, fn: fn}
	return r
}

// ReadModule parses a binary module under the runtime's arena ceiling.
func (r *Runtime) ReadModule(data []byte) (*Module, error) {
	return parseModule(data, r.config.normalized())
}

// Instantiate creates an instance of m and registers it under name,
// replacing and closing any instance already registered there. The caller
// keeps ownership of m.
func (r *Runtime) Instantiate(name string, m *Module) (*Instance, error) {
	inst, err := newInstance(name, m, r.hosts, r.config)
	if err != nil {
		return nil, err
	}
	r.register(inst)
	return inst, nil
}

// InstantiateModule parses data and instantiates it under name. The
// instance owns the module and releases it on Close.
func (r *Runtime) InstantiateModule(name string, data []byte) (*Instance, error) {
	m, err := r.ReadModule(data)
	if err != nil {
		return nil, err
	}
	inst, err := newInstance(name, m, r.hosts, r.config)
	if err != nil {
		return nil, errors.Join(err, m.Close())
	}
	inst.ownsModule = true
	r.register(inst)
	return inst, nil
}

func (r *Runtime) register(inst *Instance) {
	if old, ok := r.instances[inst.name]; ok {
		_ = old.Close()
	}
	r.instances[inst.name] = inst
}

// Instance returns the instance registered under name.
func (r *Runtime) Instance(name string) (*Instance, bool) {
	inst, ok := r.instances[name]
	return inst, ok
}

// Instances lists the registered instance names in sorted order.
func (r *Runtime) Instances() []string {
	names := make([]string, 0, len(r.instances))
	for name := range r.instances {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Call invokes function fn exported by the instance registered as module.
func (r *Runtime) Call(
	ctx context.Context,
	module, fn string,
	args ...Value,
) ([]Value, error) {
	inst, ok := r.instances[module]
	if !ok {
		return nil, fault.New(fault.ExportNotFound, "no instance named %q", module)
	}
	return inst.Invoke(ctx, fn, args...)
}

// Close closes every registered instance.
func (r *Runtime) Close() error {
	var errs []error
	for name, inst := range r.instances {
		errs = append(errs, inst.Close())
		delete(r.instances, name)
	}
	return errors.Join(errs...)
}
