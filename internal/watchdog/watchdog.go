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

// Package watchdog implements a scope-based cooperative timer. Arming a
// watchdog registers a callback that runs once when the timeout elapses or
// the supplied context is cancelled, unless the returned Guard has already
// been released.
package watchdog

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrExpired is the cause reported by a Guard whose timeout elapsed.
var ErrExpired = errors.New("watchdog: execution timeout elapsed")

// Watchdog arms guards with a fixed timeout. A zero timeout disables the
// timer; context cancellation is still observed.
type Watchdog struct {
	timeout time.Duration
}

// New returns a Watchdog for the given timeout.
func New(timeout time.Duration) *Watchdog {
	return &Watchdog{timeout: max(timeout, 0)}
}

// Timeout returns the configured timeout.
func (w *Watchdog) Timeout() time.Duration { return w.timeout }

// Guard protects one run. Release must be called on every exit path,
// typically with defer.
type Guard struct {
	mu       sync.Mutex
	released bool
	cause    error
	onExpire func()
	timer    *time.Timer
	stopCtx  func() bool
}

// Arm starts a guard. onExpire runs at most once, on a separate goroutine.
func (w *Watchdog) Arm(ctx context.Context, onExpire func()) *Guard {
	g := &Guard{onExpire: onExpire}
	if w.timeout > 0 {
		g.timer = time.AfterFunc(w.timeout, func() { g.fire(ErrExpired) })
	}
	if ctx.Done() != nil {
		g.stopCtx = context.AfterFunc(ctx, func() { g.fire(context.Cause(ctx)) })
	}
	return g
}

func (g *Guard) fire(cause error) {
	g.mu.Lock()
	if g.released || g.cause != nil {
		g.mu.Unlock()
		return
	}
	g.cause = cause
	g.mu.Unlock()
	g.onExpire()
}

// Release disarms the guard. It is safe to call more than once.
func (g *Guard) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.released {
		return
	}
	g.released = true
	if g.timer != nil {
		g.timer.Stop()
	}
	if g.stopCtx != nil {
		g.stopCtx()
	}
}

// Err returns why the guard fired, or nil if it has not.
func (g *Guard) Err() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cause
}
