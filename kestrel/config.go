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

import "time"

// Config controls the behavior and resource limits of the engine.
type Config struct {
	// MaxCallStackDepth is the hard limit on call stack depth. Exceeding it
	// faults with CallStackExhausted. Default: 1000.
	MaxCallStackDepth int

	// OperandStackSize is the number of operand slots available to a run,
	// locals included. Default: 16384.
	OperandStackSize int

	// MaxMemoryPages caps every linear memory regardless of its declared
	// maximum. It may not exceed 65536. Default: 1024 (64 MiB).
	MaxMemoryPages uint32

	// MaxArenaBytes is the ceiling of the arena holding a module's decoded
	// code. Default: 256 MiB.
	MaxArenaBytes int

	// ExecutionTimeout bounds the wall clock time of an outermost call. Zero
	// disables the timer; context cancellation is still observed.
	ExecutionTimeout time.Duration
}

// MaxPages is the largest page count a 32-bit linear memory can address.
const MaxPages = 65536

// PageSize is the size of a linear memory page.
const PageSize = 64 << 10

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxCallStackDepth: 1000,
		OperandStackSize:  16384,
		MaxMemoryPages:    1024,
		MaxArenaBytes:     256 << 20,
	}
}

// normalized fills zero fields with their defaults and clamps the page
// ceiling.
func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.MaxCallStackDepth <= 0 {
		c.MaxCallStackDepth = d.MaxCallStackDepth
	}
	if c.OperandStackSize <= 0 {
		c.OperandStackSize = d.OperandStackSize
	}
	if c.MaxMemoryPages == 0 {
		c.MaxMemoryPages = d.MaxMemoryPages
	}
	c.MaxMemoryPages = min(c.MaxMemoryPages, MaxPages)
	if c.MaxArenaBytes <= 0 {
		c.MaxArenaBytes = d.MaxArenaBytes
	}
	c.ExecutionTimeout = max(c.ExecutionTimeout, 0)
	return c
}
