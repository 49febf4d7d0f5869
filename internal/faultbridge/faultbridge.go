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

// Package faultbridge turns hardware and arithmetic faults raised inside the
// interpreter into ordinary *fault.Error values.
//
// The Go runtime already converts SIGFPE and bounds violations into
// runtime.Error panics. With debug.SetPanicOnFault, memory protection faults
// (for example a touch of a reserved but uncommitted page) become panics as
// well instead of crashing the process. Run recovers exactly those panics;
// anything else is re-raised unchanged so the embedder's own recovery keeps
// working.
package faultbridge

import (
	"runtime"
	"runtime/debug"
	"strings"

	"github.com/ziggy42/kestrel/fault"
)

type addressed interface {
	Addr() uintptr
}

// Run calls fn with fault panics enabled for the current goroutine and
// converts a recovered hardware or arithmetic fault into an error. The
// goroutine's previous panic-on-fault setting is restored on return.
func Run(fn func() error) (err error) {
	prev := debug.SetPanicOnFault(true)
	defer debug.SetPanicOnFault(prev)
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		converted, ok := Convert(r)
		if !ok {
			panic(r)
		}
		err = converted
	}()
	return fn()
}

// Convert maps a recovered panic value onto a fault. It reports false for
// values that are not runtime faults.
func Convert(r any) (*fault.Error, bool) {
	rerr, ok := r.(runtime.Error)
	if !ok {
		return nil, false
	}
	msg := rerr.Error()
	if a, ok := rerr.(addressed); ok {
		return fault.Wrap(
			fault.MemoryAccessBounds, rerr,
			"%s at address %#x", memorySignal, a.Addr(),
		), true
	}
	switch {
	case strings.Contains(msg, "invalid memory address"):
		return fault.Wrap(fault.MemoryAccessBounds, rerr, "%s", memorySignal), true
	case strings.Contains(msg, "integer divide by zero"):
		return fault.Wrap(fault.DivideByZero, rerr, "%s", arithmeticSignal), true
	case strings.Contains(msg, "integer overflow"):
		return fault.Wrap(fault.IntegerOverflow, rerr, "%s", arithmeticSignal), true
	case strings.Contains(msg, "out of range"):
		return fault.Wrap(fault.OutOfBounds, rerr, "bounds check"), true
	}
	return nil, false
}
