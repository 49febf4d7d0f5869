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

package arena

import "github.com/ziggy42/kestrel/fault"

// GuardedPtr is a cursor over a sequence with an exclusive upper bound.
// Every access that would reach past the bound fails with an out of bounds
// fault instead of reading memory.
type GuardedPtr[T any] struct {
	data  []T
	pos   int
	bound int
}

// NewGuardedPtr returns a cursor at the start of data, bounded by its length.
func NewGuardedPtr[T any](data []T) *GuardedPtr[T] {
	return &GuardedPtr[T]{data: data, bound: len(data)}
}

// Pos returns the current position.
func (p *GuardedPtr[T]) Pos() int { return p.pos }

// Bound returns the current exclusive bound.
func (p *GuardedPtr[T]) Bound() int { return p.bound }

// Remaining returns how many items can still be read.
func (p *GuardedPtr[T]) Remaining() int { return p.bound - p.pos }

// Done reports whether the cursor reached its bound.
func (p *GuardedPtr[T]) Done() bool { return p.pos >= p.bound }

// Get dereferences the cursor.
func (p *GuardedPtr[T]) Get() (T, error) {
	return p.At(0)
}

// Next dereferences the cursor and advances it by one.
func (p *GuardedPtr[T]) Next() (T, error) {
	v, err := p.At(0)
	if err != nil {
		return v, err
	}
	p.pos++
	return v, nil
}

// At reads the item i positions past the cursor.
func (p *GuardedPtr[T]) At(i int) (T, error) {
	if i < 0 || p.pos+i >= p.bound {
		var zero T
		return zero, fault.New(
			fault.OutOfBounds, "read at %d past bound %d", p.pos+i, p.bound,
		)
	}
	return p.data[p.pos+i], nil
}

// Advance moves the cursor forward by n items. Moving exactly to the bound
// is allowed.
func (p *GuardedPtr[T]) Advance(n int) error {
	if n < 0 || p.pos+n > p.bound {
		return fault.New(
			fault.OutOfBounds, "advance by %d from %d past bound %d", n, p.pos, p.bound,
		)
	}
	p.pos += n
	return nil
}

// Take returns the next n items and advances past them. The returned slice
// aliases the underlying sequence.
func (p *GuardedPtr[T]) Take(n int) ([]T, error) {
	start := p.pos
	if err := p.Advance(n); err != nil {
		return nil, err
	}
	return p.data[start:p.pos:p.pos], nil
}

// Seek moves the cursor to an absolute position within the bound.
func (p *GuardedPtr[T]) Seek(pos int) error {
	if pos < 0 || pos > p.bound {
		return fault.New(fault.OutOfBounds, "seek to %d past bound %d", pos, p.bound)
	}
	p.pos = pos
	return nil
}

// ScopedShrinkBounds limits the cursor to the next n items until the
// returned restore function runs. n may not extend the current bound.
func (p *GuardedPtr[T]) ScopedShrinkBounds(n int) (restore func(), err error) {
	if n < 0 || p.pos+n > p.bound {
		return nil, fault.New(
			fault.OutOfBounds, "shrink to %d items from %d past bound %d", n, p.pos, p.bound,
		)
	}
	saved := p.bound
	p.bound = p.pos + n
	return func() { p.bound = saved }, nil
}

// ScopedConsumeItems is ScopedShrinkBounds that, on restore, also leaves the
// cursor exactly n items past where it started, however much the inner
// reader consumed.
func (p *GuardedPtr[T]) ScopedConsumeItems(n int) (restore func(), err error) {
	start := p.pos
	shrunk, err := p.ScopedShrinkBounds(n)
	if err != nil {
		return nil, err
	}
	return func() {
		shrunk()
		p.pos = start + n
	}, nil
}
