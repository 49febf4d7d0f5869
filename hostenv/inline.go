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

package hostenv

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// InlineCall is an action a contract queues for another contract. It runs
// after the current apply returns.
type InlineCall struct {
	Contract uint64 `cbor:"1,keyasint"`
	Action   []byte `cbor:"2,keyasint,omitempty"`
}

var inlineEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("hostenv: failed to create CBOR enc mode: %v", err))
	}
	inlineEncMode = em
}

// MarshalInlineCall encodes c the way send_inline expects it in guest
// memory.
func MarshalInlineCall(c InlineCall) ([]byte, error) {
	return inlineEncMode.Marshal(c)
}

// UnmarshalInlineCall decodes a call written by a guest.
func UnmarshalInlineCall(data []byte) (InlineCall, error) {
	var c InlineCall
	if err := cbor.Unmarshal(data, &c); err != nil {
		return InlineCall{}, fmt.Errorf("hostenv: unmarshal inline call: %w", err)
	}
	return c, nil
}
