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

// Package leb128 decodes and encodes the base-128 variable-length integers
// used throughout the binary module format.
package leb128

import (
	"github.com/ziggy42/kestrel/fault"
	"github.com/ziggy42/kestrel/internal/arena"
)

const (
	continuationBit = 0x80
	payloadMask     = 0x7F
	signBit         = 0x40
)

// Uint1 decodes a varuint1.
func Uint1(p *arena.GuardedPtr[byte]) (uint8, error) {
	v, err := decodeUnsigned(p, 1)
	return uint8(v), err
}

// Uint7 decodes a varuint7.
func Uint7(p *arena.GuardedPtr[byte]) (uint8, error) {
	v, err := decodeUnsigned(p, 7)
	return uint8(v), err
}

// Uint32 decodes a varuint32.
func Uint32(p *arena.GuardedPtr[byte]) (uint32, error) {
	v, err := decodeUnsigned(p, 32)
	return uint32(v), err
}

// Int7 decodes a varint7.
func Int7(p *arena.GuardedPtr[byte]) (int8, error) {
	v, err := decodeSigned(p, 7)
	return int8(v), err
}

// Int32 decodes a varint32.
func Int32(p *arena.GuardedPtr[byte]) (int32, error) {
	v, err := decodeSigned(p, 32)
	return int32(v), err
}

// Int64 decodes a varint64.
func Int64(p *arena.GuardedPtr[byte]) (int64, error) {
	return decodeSigned(p, 64)
}

// decodeUnsigned reads at most ceil(width/7) bytes. The bits of the final
// byte that fall outside width must be zero.
func decodeUnsigned(p *arena.GuardedPtr[byte], width uint) (uint64, error) {
	maxBytes := (width + 6) / 7
	var result uint64
	var shift uint
	for i := uint(0); ; i++ {
		b, err := p.Next()
		if err != nil {
			return 0, err
		}
		if i == maxBytes-1 {
			if b&continuationBit != 0 {
				return 0, fault.New(
					fault.GeneralParsingFailure,
					"varuint%d representation longer than %d bytes", width, maxBytes,
				)
			}
			if used := width - shift; used < 7 && b>>used != 0 {
				return 0, fault.New(
					fault.GeneralParsingFailure, "varuint%d value too large", width,
				)
			}
		}
		result |= uint64(b&payloadMask) << shift
		if b&continuationBit == 0 {
			return result, nil
		}
		shift += 7
	}
}

// decodeSigned is decodeUnsigned for two's complement values. The unused
// bits of the final byte must repeat the value's sign bit.
func decodeSigned(p *arena.GuardedPtr[byte], width uint) (int64, error) {
	maxBytes := (width + 6) / 7
	var result int64
	var shift uint
	var b byte
	for i := uint(0); ; i++ {
		var err error
		b, err = p.Next()
		if err != nil {
			return 0, err
		}
		if i == maxBytes-1 {
			if b&continuationBit != 0 {
				return 0, fault.New(
					fault.GeneralParsingFailure,
					"varint%d representation longer than %d bytes", width, maxBytes,
				)
			}
			if used := width - shift; used < 7 {
				var want byte
				if (b>>(used-1))&1 == 1 {
					want = payloadMask >> used
				}
				if (b&payloadMask)>>used != want {
					return 0, fault.New(
						fault.GeneralParsingFailure, "varint%d value too large", width,
					)
				}
			}
		}
		result |= int64(b&payloadMask) << shift
		shift += 7
		if b&continuationBit == 0 {
			break
		}
	}
	if shift < 64 && b&signBit != 0 {
		result |= -1 << shift
	}
	return result, nil
}

// AppendUnsigned appends the shortest encoding of v to dst.
func AppendUnsigned(dst []byte, v uint64) []byte {
	for {
		b := byte(v & payloadMask)
		v >>= 7
		if v == 0 {
			return append(dst, b)
		}
		dst = append(dst, b|continuationBit)
	}
}

// AppendSigned appends the shortest encoding of v to dst.
func AppendSigned(dst []byte, v int64) []byte {
	for {
		b := byte(v & payloadMask)
		v >>= 7
		if (v == 0 && b&signBit == 0) || (v == -1 && b&signBit != 0) {
			return append(dst, b)
		}
		dst = append(dst, b|continuationBit)
	}
}
