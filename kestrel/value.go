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
	"fmt"
	"math"
	"strconv"
)

// Value is a tagged operand: one of i32, i64, f32 or f64. The zero Value is
// invalid.
type Value struct {
	typ  ValueType
	bits uint64
}

func Int32(v int32) Value {
	return Value{typ: I32, bits: uint64(uint32(v))}
}

func Int64(v int64) Value {
	return Value{typ: I64, bits: uint64(v)}
}

func Float32(v float32) Value {
	return Value{typ: F32, bits: uint64(math.Float32bits(v))}
}

func Float64(v float64) Value {
	return Value{typ: F64, bits: math.Float64bits(v)}
}

func zeroValue(t ValueType) Value {
	return Value{typ: t}
}

// Type returns the value's type tag.
func (v Value) Type() ValueType { return v.typ }

// Bits returns the raw bit pattern. I32 and F32 values occupy the low 32
// bits.
func (v Value) Bits() uint64 { return v.bits }

func (v Value) Int32() int32 { return int32(uint32(v.bits)) }

func (v Value) Int64() int64 { return int64(v.bits) }

func (v Value) Float32() float32 { return math.Float32frombits(uint32(v.bits)) }

func (v Value) Float64() float64 { return math.Float64frombits(v.bits) }

// Any returns the value as int32, int64, float32 or float64.
func (v Value) Any() any {
	switch v.typ {
	case I32:
		return v.Int32()
	case I64:
		return v.Int64()
	case F32:
		return v.Float32()
	case F64:
		return v.Float64()
	default:
		return nil
	}
}

func (v Value) String() string {
	if !v.typ.valid() {
		return "<invalid>"
	}
	return fmt.Sprintf("%v:%s", v.Any(), v.typ)
}

// ParseValue parses a decimal literal as a value of type t.
func ParseValue(s string, t ValueType) (Value, error) {
	switch t {
	case I32:
		val, err := strconv.ParseInt(s, 10, 32)
		if err != nil {
			return Value{}, fmt.Errorf("failed to parse %s as i32: %w", s, err)
		}
		return Int32(int32(val)), nil
	case I64:
		val, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return Value{}, fmt.Errorf("failed to parse %s as i64: %w", s, err)
		}
		return Int64(val), nil
	case F32:
		val, err := strconv.ParseFloat(s, 32)
		if err != nil {
			return Value{}, fmt.Errorf("failed to parse %s as f32: %w", s, err)
		}
		return Float32(float32(val)), nil
	case F64:
		val, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return Value{}, fmt.Errorf("failed to parse %s as f64: %w", s, err)
		}
		return Float64(val), nil
	default:
		return Value{}, fmt.Errorf("unsupported value type: %v", t)
	}
}
