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
	"context"

	"go.uber.org/zap"

	"github.com/ziggy42/kestrel/kestrel"
)

// ApplyExport is the entry point of a contract. It takes the contract id as
// its only argument and returns nothing.
const ApplyExport = "apply"

// Result is what a successful apply leaves for the caller to act on.
type Result struct {
	InlineCalls []InlineCall
	Recipients  []uint64
}

// Execute runs action against contract on inst. State changes are committed
// only if apply returns normally; any fault discards them.
func Execute(
	ctx context.Context,
	inst *kestrel.Instance,
	store *Store,
	contract uint64,
	action []byte,
) (*Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	defer store.Abort()

	a := NewApply(store, contract, action)
	_, err := inst.Invoke(WithHost(ctx, a), ApplyExport, kestrel.Int64(int64(contract)))
	if err != nil {
		kestrel.Logger().Debug("apply aborted",
			zap.Uint64("contract", contract),
			zap.Error(err),
		)
		return nil, err
	}
	if err := store.Commit(); err != nil {
		return nil, err
	}
	kestrel.Logger().Debug("apply committed",
		zap.Uint64("contract", contract),
		zap.Int("inline", len(a.InlineCalls())),
		zap.Int("recipients", len(a.Recipients())),
	)
	return &Result{InlineCalls: a.InlineCalls(), Recipients: a.Recipients()}, nil
}
