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
	"encoding/binary"
	"testing"

	"github.com/ava-labs/avalanchego/database/memdb"
	"github.com/stretchr/testify/require"

	"github.com/ziggy42/kestrel/fault"
	"github.com/ziggy42/kestrel/internal/opcode"
	wb "github.com/ziggy42/kestrel/internal/wasmbuild"
	"github.com/ziggy42/kestrel/kestrel"
)

// contract is a guest module that imports the whole env surface.
type contract struct {
	*wb.Builder
	getData, setData, eraseData, requireRecipient uint32
	actionDataSize, readActionData, sendInline    uint32
	prints, assert                                uint32
}

func newContract() *contract {
	b := wb.New()
	c := &contract{Builder: b}
	c.getData = b.ImportFunc(ModuleName, "get_data",
		wb.Types(wb.I32, wb.I32, wb.I32, wb.I32), wb.Types(wb.I32))
	c.setData = b.ImportFunc(ModuleName, "set_data",
		wb.Types(wb.I32, wb.I32, wb.I32, wb.I32), wb.Types(wb.I32))
	c.eraseData = b.ImportFunc(ModuleName, "erase_data",
		wb.Types(wb.I32, wb.I32), wb.Types(wb.I32))
	c.requireRecipient = b.ImportFunc(ModuleName, "require_recipient",
		wb.Types(wb.I64), nil)
	c.actionDataSize = b.ImportFunc(ModuleName, "action_data_size",
		nil, wb.Types(wb.I32))
	c.readActionData = b.ImportFunc(ModuleName, "read_action_data",
		wb.Types(wb.I32, wb.I32), wb.Types(wb.I32))
	c.sendInline = b.ImportFunc(ModuleName, "send_inline",
		wb.Types(wb.I32, wb.I32), nil)
	c.prints = b.ImportFunc(ModuleName, "prints",
		wb.Types(wb.I32, wb.I32), nil)
	c.assert = b.ImportFunc(ModuleName, "assert",
		wb.Types(wb.I32, wb.I32, wb.I32), nil)
	b.Memory(1)
	return c
}

func (c *contract) apply(code ...[]byte) {
	c.Export(ApplyExport, c.Func(wb.Types(wb.I64), nil, nil, code...))
}

func deploy(t *testing.T, c *contract) *kestrel.Instance {
	t.Helper()
	rt := kestrel.NewRuntime()
	require.NoError(t, Register(rt))
	inst, err := rt.InstantiateModule("contract", c.Bytes())
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })
	return inst
}

func requireFault(t *testing.T, err error, code fault.Code) {
	t.Helper()
	require.Error(t, err)
	got, ok := fault.CodeOf(err)
	require.True(t, ok, "not a fault: %v", err)
	require.Equal(t, code, got, "unexpected fault: %v", err)
}

// counterContract keeps a little endian i32 under "count" and bumps it on
// every apply.
func counterContract() *contract {
	c := newContract()
	c.Data(0, []byte("count"))
	c.apply(
		wb.I32Const(0), wb.I32Const(5), wb.I32Const(16), wb.I32Const(4),
		wb.Call(c.getData),
		wb.I32Const(-1), wb.Op(opcode.I32Eq),
		wb.If(wb.Void),
		wb.I32Const(16), wb.I32Const(0), wb.Mem(opcode.I32Store, 2, 0),
		wb.Op(opcode.End),
		wb.I32Const(16),
		wb.I32Const(16), wb.Mem(opcode.I32Load, 2, 0),
		wb.I32Const(1), wb.Op(opcode.I32Add),
		wb.Mem(opcode.I32Store, 2, 0),
		wb.I32Const(0), wb.I32Const(5), wb.I32Const(16), wb.I32Const(4),
		wb.Call(c.setData), wb.Op(opcode.Drop),
	)
	return c
}

func count(t *testing.T, s *Store, contract uint64) uint32 {
	t.Helper()
	value, ok, err := s.Get(contract, []byte("count"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, value, 4)
	return binary.LittleEndian.Uint32(value)
}

func TestExecuteCommitsState(t *testing.T) {
	inst := deploy(t, counterContract())
	store := NewStore(memdb.New())
	ctx := context.Background()

	for range 3 {
		_, err := Execute(ctx, inst, store, 1, nil)
		require.NoError(t, err)
	}
	_, err := Execute(ctx, inst, store, 2, nil)
	require.NoError(t, err)

	require.Equal(t, uint32(3), count(t, store, 1))
	require.Equal(t, uint32(1), count(t, store, 2))
}

func TestExecuteAbortsOnFault(t *testing.T) {
	c := newContract()
	c.Data(0, []byte("keyboom"))
	c.apply(
		wb.I32Const(0), wb.I32Const(3), wb.I32Const(0), wb.I32Const(3),
		wb.Call(c.setData), wb.Op(opcode.Drop),
		wb.I32Const(0), wb.I32Const(3), wb.I32Const(4),
		wb.Call(c.assert),
	)
	inst := deploy(t, c)
	store := NewStore(memdb.New())

	result, err := Execute(context.Background(), inst, store, 1, nil)

	requireFault(t, err, fault.HostFunctionFailure)
	require.ErrorIs(t, err, ErrAssertionFailed)
	require.Contains(t, err.Error(), "boom")
	require.Nil(t, result)
	_, ok, err := store.Get(1, []byte("key"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestExecuteAbortsOnTrap(t *testing.T) {
	c := newContract()
	c.Data(0, []byte("key"))
	c.apply(
		wb.I32Const(0), wb.I32Const(3), wb.I32Const(0), wb.I32Const(3),
		wb.Call(c.setData), wb.Op(opcode.Drop),
		wb.Op(opcode.Unreachable),
	)
	inst := deploy(t, c)
	store := NewStore(memdb.New())

	_, err := Execute(context.Background(), inst, store, 1, nil)

	requireFault(t, err, fault.Unreachable)
	_, ok, err := store.Get(1, []byte("key"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestExecuteRecordsRecipients(t *testing.T) {
	c := newContract()
	c.apply(
		wb.I64Const(7), wb.Call(c.requireRecipient),
		wb.I64Const(8), wb.Call(c.requireRecipient),
		wb.I64Const(7), wb.Call(c.requireRecipient),
		wb.LocalGet(0), wb.Call(c.requireRecipient),
	)
	inst := deploy(t, c)

	result, err := Execute(context.Background(), inst, NewStore(memdb.New()), 3, nil)

	require.NoError(t, err)
	require.Equal(t, []uint64{7, 8, 3}, result.Recipients)
	require.Empty(t, result.InlineCalls)
}

func TestExecuteQueuesInlineCalls(t *testing.T) {
	first, err := MarshalInlineCall(InlineCall{Contract: 10, Action: []byte("a")})
	require.NoError(t, err)
	second, err := MarshalInlineCall(InlineCall{Contract: 11})
	require.NoError(t, err)
	c := newContract()
	c.Data(0, first)
	c.Data(128, second)
	c.apply(
		wb.I32Const(0), wb.I32Const(int32(len(first))), wb.Call(c.sendInline),
		wb.I32Const(128), wb.I32Const(int32(len(second))), wb.Call(c.sendInline),
	)
	inst := deploy(t, c)

	result, err := Execute(context.Background(), inst, NewStore(memdb.New()), 1, nil)

	require.NoError(t, err)
	require.Equal(t, []InlineCall{
		{Contract: 10, Action: []byte("a")},
		{Contract: 11},
	}, result.InlineCalls)
}

func TestExecuteRejectsMalformedInlineCall(t *testing.T) {
	c := newContract()
	c.Data(0, []byte{0xff})
	c.apply(wb.I32Const(0), wb.I32Const(1), wb.Call(c.sendInline))
	inst := deploy(t, c)

	_, err := Execute(context.Background(), inst, NewStore(memdb.New()), 1, nil)

	requireFault(t, err, fault.HostFunctionFailure)
}

func TestExecuteEchoesActionData(t *testing.T) {
	c := newContract()
	c.Data(0, []byte("echo"))
	c.apply(
		wb.I32Const(0), wb.I32Const(4),
		wb.I32Const(32), wb.I32Const(32),
		wb.Call(c.actionDataSize), wb.Call(c.readActionData),
		wb.Call(c.setData), wb.Op(opcode.Drop),
	)
	inst := deploy(t, c)
	store := NewStore(memdb.New())

	_, err := Execute(context.Background(), inst, store, 1, []byte("payload"))

	require.NoError(t, err)
	value, ok, err := store.Get(1, []byte("echo"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("payload"), value)
}

func TestExecuteErasesData(t *testing.T) {
	c := newContract()
	c.Data(0, []byte("gone"))
	c.apply(
		wb.I32Const(0), wb.I32Const(4), wb.Call(c.eraseData),
		wb.I32Const(1), wb.Op(opcode.I32Ne),
		wb.If(wb.Void), wb.Op(opcode.Unreachable), wb.Op(opcode.End),
	)
	inst := deploy(t, c)
	store := NewStore(memdb.New())
	_, err := store.Put(1, []byte("gone"), []byte("v"))
	require.NoError(t, err)
	require.NoError(t, store.Commit())

	_, err = Execute(context.Background(), inst, store, 1, nil)
	require.NoError(t, err)
	_, ok, err := store.Get(1, []byte("gone"))
	require.NoError(t, err)
	require.False(t, ok)

	_, err = Execute(context.Background(), inst, store, 1, nil)
	requireFault(t, err, fault.Unreachable)
}

func TestGetDataTruncatesToCapacity(t *testing.T) {
	c := newContract()
	c.Data(0, []byte("k"))
	peek := c.Func(nil, wb.Types(wb.I32), nil,
		wb.I32Const(0), wb.I32Const(1), wb.I32Const(100), wb.I32Const(5),
		wb.Call(c.getData))
	c.Export("peek", peek)
	inst := deploy(t, c)
	store := NewStore(memdb.New())
	_, err := store.Put(9, []byte("k"), []byte("hello world"))
	require.NoError(t, err)
	ctx := WithHost(context.Background(), NewApply(store, 9, nil))

	n, err := inst.CallWithReturn(ctx, "peek")

	require.NoError(t, err)
	require.Equal(t, int32(11), n.Int32())
	copied, err := inst.Memory().Read(100, 6)
	require.NoError(t, err)
	require.Equal(t, []byte("hello\x00"), copied)
}

func TestGetDataMissingKey(t *testing.T) {
	c := newContract()
	peek := c.Func(nil, wb.Types(wb.I32), nil,
		wb.I32Const(0), wb.I32Const(3), wb.I32Const(100), wb.I32Const(5),
		wb.Call(c.getData))
	c.Export("peek", peek)
	inst := deploy(t, c)
	ctx := WithHost(context.Background(), NewApply(NewStore(memdb.New()), 1, nil))

	n, err := inst.CallWithReturn(ctx, "peek")

	require.NoError(t, err)
	require.Equal(t, int32(-1), n.Int32())
}

func TestGuestPointerOutOfBoundsFaults(t *testing.T) {
	c := newContract()
	c.apply(wb.I32Const(65530), wb.I32Const(100), wb.Call(c.prints))
	inst := deploy(t, c)

	_, err := Execute(context.Background(), inst, NewStore(memdb.New()), 1, nil)

	requireFault(t, err, fault.HostFunctionFailure)
}

func TestImportsNeedHost(t *testing.T) {
	c := newContract()
	c.apply(wb.Call(c.actionDataSize), wb.Op(opcode.Drop))
	inst := deploy(t, c)

	err := inst.Call(context.Background(), ApplyExport, kestrel.Int64(1))

	requireFault(t, err, fault.HostFunctionFailure)
	require.ErrorIs(t, err, ErrNoHost)
}

func TestPrintsSucceeds(t *testing.T) {
	c := newContract()
	c.Data(0, []byte("hi"))
	c.apply(wb.I32Const(0), wb.I32Const(2), wb.Call(c.prints))
	inst := deploy(t, c)

	_, err := Execute(context.Background(), inst, NewStore(memdb.New()), 1, nil)

	require.NoError(t, err)
}
