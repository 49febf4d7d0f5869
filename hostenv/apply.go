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
	"bytes"
	"context"
)

// Host is the set of callbacks a running contract may use.
type Host interface {
	// GetData returns the value of key in the contract's state.
	GetData(key []byte) ([]byte, bool, error)
	// SetData stores value under key and reports whether key was new.
	SetData(key, value []byte) (bool, error)
	// EraseData removes key and reports whether it existed.
	EraseData(key []byte) (bool, error)
	// ExecuteInline queues a call to run after the current one.
	ExecuteInline(call InlineCall) error
	// RequireRecipient asks for account to be notified of the action.
	RequireRecipient(account uint64)
	// ActionData returns the input of the current action.
	ActionData() []byte
}

// Apply is the Host of a single action run against one contract.
type Apply struct {
	store      *Store
	contract   uint64
	action     []byte
	inline     []InlineCall
	recipients []uint64
	notified   map[uint64]struct{}
}

var _ Host = (*Apply)(nil)

// NewApply prepares a run of action against contract.
func NewApply(store *Store, contract uint64, action []byte) *Apply {
	return &Apply{
		store:    store,
		contract: contract,
		action:   bytes.Clone(action),
		notified: make(map[uint64]struct{}),
	}
}

// Contract returns the id of the contract being run.
func (a *Apply) Contract() uint64 { return a.contract }

func (a *Apply) GetData(key []byte) ([]byte, bool, error) {
	return a.store.Get(a.contract, key)
}

func (a *Apply) SetData(key, value []byte) (bool, error) {
	return a.store.Put(a.contract, key, value)
}

func (a *Apply) EraseData(key []byte) (bool, error) {
	return a.store.Delete(a.contract, key)
}

func (a *Apply) ExecuteInline(call InlineCall) error {
	call.Action = bytes.Clone(call.Action)
	a.inline = append(a.inline, call)
	return nil
}

// RequireRecipient records account once; later requests for the same
// account keep its original position.
func (a *Apply) RequireRecipient(account uint64) {
	if _, ok := a.notified[account]; ok {
		return
	}
	a.notified[account] = struct{}{}
	a.recipients = append(a.recipients, account)
}

func (a *Apply) ActionData() []byte { return a.action }

// InlineCalls returns the calls queued so far, in order.
func (a *Apply) InlineCalls() []InlineCall { return a.inline }

// Recipients returns the accounts to notify, in the order first required.
func (a *Apply) Recipients() []uint64 { return a.recipients }

type hostKey struct{}

// WithHost returns a context that routes the env imports to h.
func WithHost(ctx context.Context, h Host) context.Context {
	return context.WithValue(ctx, hostKey{}, h)
}

// HostFromContext returns the Host installed by WithHost.
func HostFromContext(ctx context.Context) (Host, bool) {
	h, ok := ctx.Value(hostKey{}).(Host)
	return h, ok
}
