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
	"math"
	"math/bits"

	"github.com/ziggy42/kestrel/fault"
)

var (
	errDivideByZero   = fault.New(fault.DivideByZero, "integer divide by zero")
	errDivideOverflow = fault.New(fault.IntegerOverflow, "integer divide overflow")
	errTruncOverflow  = fault.New(fault.IntegerOverflow, "float out of integer range")
	errTruncNaN       = fault.New(fault.InvalidConversion, "NaN converted to integer")
)

type integer interface {
	int32 | int64
}

type float interface {
	float32 | float64
}

type number interface {
	integer | float
}

func eq[T number](a, b T) bool { return a == b }
func ne[T number](a, b T) bool { return a != b }
func lt[T number](a, b T) bool { return a < b }
func gt[T number](a, b T) bool { return a > b }
func le[T number](a, b T) bool { return a <= b }
func ge[T number](a, b T) bool { return a >= b }

func ltU32(a, b int32) bool { return uint32(a) < uint32(b) }
func gtU32(a, b int32) bool { return uint32(a) > uint32(b) }
func leU32(a, b int32) bool { return uint32(a) <= uint32(b) }
func geU32(a, b int32) bool { return uint32(a) >= uint32(b) }
func ltU64(a, b int64) bool { return uint64(a) < uint64(b) }
func gtU64(a, b int64) bool { return uint64(a) > uint64(b) }
func leU64(a, b int64) bool { return uint64(a) <= uint64(b) }
func geU64(a, b int64) bool { return uint64(a) >= uint64(b) }

func add[T number](a, b T) T { return a + b }
func sub[T number](a, b T) T { return a - b }
func mul[T number](a, b T) T { return a * b }
func fdiv[T float](a, b T) T { return a / b }

func and[T integer](a, b T) T { return a & b }
func or[T integer](a, b T) T  { return a | b }
func xor[T integer](a, b T) T { return a ^ b }

// divS faults on a zero divisor and on MIN / -1, whose quotient does not
// fit. MIN is the only non-zero value equal to its own negation.
func divS[T integer](a, b T) (T, error) {
	if b == 0 {
		return 0, errDivideByZero
	}
	if b == -1 && a != 0 && a == -a {
		return 0, errDivideOverflow
	}
	return a / b, nil
}

// remS never overflows: MIN % -1 is 0 in Go as it is in the instruction
// set.
func remS[T integer](a, b T) (T, error) {
	if b == 0 {
		return 0, errDivideByZero
	}
	return a % b, nil
}

func divU32(a, b int32) (int32, error) {
	if b == 0 {
		return 0, errDivideByZero
	}
	return int32(uint32(a) / uint32(b)), nil
}

func divU64(a, b int64) (int64, error) {
	if b == 0 {
		return 0, errDivideByZero
	}
	return int64(uint64(a) / uint64(b)), nil
}

func remU32(a, b int32) (int32, error) {
	if b == 0 {
		return 0, errDivideByZero
	}
	return int32(uint32(a) % uint32(b)), nil
}

func remU64(a, b int64) (int64, error) {
	if b == 0 {
		return 0, errDivideByZero
	}
	return int64(uint64(a) % uint64(b)), nil
}

// Shift counts are taken modulo the operand width.
func shl32(a, b int32) int32  { return a << (uint32(b) & 31) }
func shrS32(a, b int32) int32 { return a >> (uint32(b) & 31) }
func shrU32(a, b int32) int32 { return int32(uint32(a) >> (uint32(b) & 31)) }
func shl64(a, b int64) int64  { return a << (uint64(b) & 63) }
func shrS64(a, b int64) int64 { return a >> (uint64(b) & 63) }
func shrU64(a, b int64) int64 { return int64(uint64(a) >> (uint64(b) & 63)) }

func rotl32(a, b int32) int32 { return int32(bits.RotateLeft32(uint32(a), int(b&31))) }
func rotr32(a, b int32) int32 { return int32(bits.RotateLeft32(uint32(a), -int(b&31))) }
func rotl64(a, b int64) int64 { return int64(bits.RotateLeft64(uint64(a), int(b&63))) }
func rotr64(a, b int64) int64 { return int64(bits.RotateLeft64(uint64(a), -int(b&63))) }

func clz32(a int32) int32    { return int32(bits.LeadingZeros32(uint32(a))) }
func ctz32(a int32) int32    { return int32(bits.TrailingZeros32(uint32(a))) }
func popcnt32(a int32) int32 { return int32(bits.OnesCount32(uint32(a))) }
func clz64(a int64) int64    { return int64(bits.LeadingZeros64(uint64(a))) }
func ctz64(a int64) int64    { return int64(bits.TrailingZeros64(uint64(a))) }
func popcnt64(a int64) int64 { return int64(bits.OnesCount64(uint64(a))) }

func fneg[T float](a T) T   { return -a }
func fceil[T float](a T) T  { return T(math.Ceil(float64(a))) }
func ffloor[T float](a T) T { return T(math.Floor(float64(a))) }
func ftrunc[T float](a T) T { return T(math.Trunc(float64(a))) }
func fsqrt[T float](a T) T  { return T(math.Sqrt(float64(a))) }

// fnearest rounds half to even, keeping the sign of zero results.
func fnearest[T float](a T) T {
	f := float64(a)
	return T(math.Copysign(math.RoundToEven(f), f))
}

// The builtins already propagate NaN and order -0 below +0.
func fmin[T float](a, b T) T { return min(a, b) }
func fmax[T float](a, b T) T { return max(a, b) }

// abs and copysign only touch the sign bit, so NaN payloads survive. A
// round trip through float64 would quiet a signalling f32 NaN.
const f32SignBit = 1 << 31

func fabs32(a float32) float32 {
	return math.Float32frombits(math.Float32bits(a) &^ f32SignBit)
}

func fcopysign32(a, b float32) float32 {
	return math.Float32frombits(
		math.Float32bits(a)&^f32SignBit | math.Float32bits(b)&f32SignBit,
	)
}

// truncRange truncates a toward zero and checks that the result lies in
// [lo, hi).
func truncRange(a, lo, hi float64) (float64, error) {
	if math.IsNaN(a) {
		return 0, errTruncNaN
	}
	t := math.Trunc(a)
	if t < lo || t >= hi {
		return 0, errTruncOverflow
	}
	return t, nil
}

func truncI32S[T float](a T) (int32, error) {
	t, err := truncRange(float64(a), math.MinInt32, 1<<31)
	return int32(t), err
}

func truncI32U[T float](a T) (int32, error) {
	t, err := truncRange(float64(a), 0, 1<<32)
	return int32(uint32(t)), err
}

func truncI64S[T float](a T) (int64, error) {
	t, err := truncRange(float64(a), math.MinInt64, 1<<63)
	return int64(t), err
}

func truncI64U[T float](a T) (int64, error) {
	t, err := truncRange(float64(a), 0, 1<<64)
	return int64(uint64(t)), err
}

func boolToInt32(v bool) int32 {
	if v {
		return 1
	}
	return 0
}

// Widening helpers for the narrow loads.

func uint32ToInt32(v uint32) int32 { return int32(v) }
func uint64ToInt64(v uint64) int64 { return int64(v) }

func signExtend8To32(v byte) int32    { return int32(int8(v)) }
func zeroExtend8To32(v byte) int32    { return int32(v) }
func signExtend16To32(v uint16) int32 { return int32(int16(v)) }
func zeroExtend16To32(v uint16) int32 { return int32(v) }

func signExtend8To64(v byte) int64    { return int64(int8(v)) }
func zeroExtend8To64(v byte) int64    { return int64(v) }
func signExtend16To64(v uint16) int64 { return int64(int16(v)) }
func zeroExtend16To64(v uint16) int64 { return int64(v) }
func signExtend32To64(v uint32) int64 { return int64(int32(v)) }
func zeroExtend32To64(v uint32) int64 { return uint64ToInt64(uint64(v)) }
