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

package faultbridge

import (
	"errors"
	"runtime/debug"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ziggy42/kestrel/fault"
)

func TestRunPassesThroughResults(t *testing.T) {
	require.NoError(t, Run(func() error { return nil }))

	want := errors.New("plain")
	require.ErrorIs(t, Run(func() error { return want }), want)
}

func TestRunConvertsDivideByZero(t *testing.T) {
	zero := 0
	err := Run(func() error {
		_ = 10 / zero
		return nil
	})
	require.ErrorIs(t, err, fault.ErrDivideByZero)
}

func TestRunConvertsIndexOutOfRange(t *testing.T) {
	data := []byte{1, 2, 3}
	i := 7
	err := Run(func() error {
		_ = data[i]
		return nil
	})
	require.ErrorIs(t, err, fault.ErrOutOfBounds)
}

func TestRunConvertsNilDereference(t *testing.T) {
	var p *int
	err := Run(func() error {
		_ = *p
		return nil
	})
	require.ErrorIs(t, err, fault.ErrMemoryAccessBounds)
}

func TestRunForwardsOtherPanics(t *testing.T) {
	assert.PanicsWithValue(t, "boom", func() {
		_ = Run(func() error { panic("boom") })
	})
}

func TestRunRestoresPanicOnFault(t *testing.T) {
	prev := debug.SetPanicOnFault(false)
	defer debug.SetPanicOnFault(prev)

	_ = Run(func() error {
		assert.True(t, debug.SetPanicOnFault(true))
		return nil
	})
	assert.False(t, debug.SetPanicOnFault(false))
}

func TestConvertIgnoresNonRuntimeErrors(t *testing.T) {
	_, ok := Convert(errors.New("x"))
	assert.False(t, ok)
	_, ok = Convert("x")
	assert.False(t, ok)
}
