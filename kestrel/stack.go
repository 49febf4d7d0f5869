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

import "math"

// valueStack is the fixed-capacity operand stack of an instance. Locals of
// every active frame live on it too, below that frame's operands. Capacity
// is checked once per call against the callee's static maximum height, so
// individual pushes need no check.
type valueStack struct {
	data []Value
	sp   uint32
}

func (s *valueStack) push(v Value) {
	s.data[s.sp] = v
	s.sp++
}

func (s *valueStack) pushInt32(v int32) {
	s.push(Int32(v))
}

func (s *valueStack) pushInt64(v int64) {
	s.push(Int64(v))
}

func (s *valueStack) pushFloat32(v float32) {
	s.push(Float32(v))
}

func (s *valueStack) pushFloat64(v float64) {
	s.push(Float64(v))
}

func (s *valueStack) pushBool(v bool) {
	s.push(Int32(boolToInt32(v)))
}

func (s *valueStack) pop() Value {
	s.sp--
	return s.data[s.sp]
}

func (s *valueStack) popInt32() int32 {
	return s.pop().Int32()
}

func (s *valueStack) popUint32() uint32 {
	return uint32(s.pop().bits)
}

func (s *valueStack) popInt64() int64 {
	return int64(s.pop().bits)
}

func (s *valueStack) popFloat32() float32 {
	return math.Float32frombits(uint32(s.pop().bits))
}

func (s *valueStack) popFloat64() float64 {
	return math.Float64frombits(s.pop().bits)
}

func (s *valueStack) top() *Value {
	return &s.data[s.sp-1]
}

// unwind drops drop slots below the top keep slots.
func (s *valueStack) unwind(drop, keep uint32) {
	if drop == 0 {
		return
	}
	top := s.sp - keep
	copy(s.data[top-drop:], s.data[top:s.sp])
	s.sp -= drop
}

// fits reports whether n more slots are available.
func (s *valueStack) fits(n uint32) bool {
	return uint64(s.sp)+uint64(n) <= uint64(len(s.data))
}

// callFrame is an activation record: the running function, where its
// locals start on the value stack, and where to resume in the caller.
type callFrame struct {
	function   uint32
	localsBase uint32
	returnPC   uint32
}
