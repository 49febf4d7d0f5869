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

package watchdog

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuardFiresAfterTimeout(t *testing.T) {
	fired := make(chan struct{})
	g := New(10*time.Millisecond).Arm(context.Background(), func() { close(fired) })
	defer g.Release()

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("watchdog did not fire")
	}
	assert.ErrorIs(t, g.Err(), ErrExpired)
}

func TestReleasedGuardNeverFires(t *testing.T) {
	var calls atomic.Int32
	g := New(20*time.Millisecond).Arm(context.Background(), func() { calls.Add(1) })
	g.Release()
	g.Release()

	time.Sleep(60 * time.Millisecond)
	assert.Zero(t, calls.Load())
	assert.NoError(t, g.Err())
}

func TestGuardFiresOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancelCause(context.Background())
	stop := errors.New("stop")
	fired := make(chan struct{})
	g := New(0).Arm(ctx, func() { close(fired) })
	defer g.Release()

	cancel(stop)
	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("watchdog did not fire")
	}
	require.ErrorIs(t, g.Err(), stop)
}

func TestGuardFiresOnce(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	g := New(5*time.Millisecond).Arm(ctx, func() { calls.Add(1) })
	defer g.Release()

	time.Sleep(30 * time.Millisecond)
	cancel()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestZeroTimeoutWithBackgroundContextIsInert(t *testing.T) {
	var calls atomic.Int32
	g := New(0).Arm(context.Background(), func() { calls.Add(1) })
	time.Sleep(10 * time.Millisecond)
	g.Release()
	assert.Zero(t, calls.Load())
}
