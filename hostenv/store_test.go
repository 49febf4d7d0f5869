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
	"testing"

	"github.com/ava-labs/avalanchego/database/memdb"
	"github.com/stretchr/testify/require"
)

func TestStorePutReportsNewKeys(t *testing.T) {
	s := NewStore(memdb.New())

	created, err := s.Put(1, []byte("k"), []byte("a"))
	require.NoError(t, err)
	require.True(t, created)

	created, err = s.Put(1, []byte("k"), []byte("b"))
	require.NoError(t, err)
	require.False(t, created)

	value, ok, err := s.Get(1, []byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("b"), value)
}

func TestStoreDeleteReportsExistence(t *testing.T) {
	s := NewStore(memdb.New())
	_, err := s.Put(1, []byte("k"), []byte("v"))
	require.NoError(t, err)

	erased, err := s.Delete(1, []byte("k"))
	require.NoError(t, err)
	require.True(t, erased)

	erased, err = s.Delete(1, []byte("k"))
	require.NoError(t, err)
	require.False(t, erased)

	_, ok, err := s.Get(1, []byte("k"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStoreIsolatesContracts(t *testing.T) {
	s := NewStore(memdb.New())
	_, err := s.Put(1, []byte("k"), []byte("one"))
	require.NoError(t, err)
	_, err = s.Put(2, []byte("k"), []byte("two"))
	require.NoError(t, err)

	one, _, err := s.Get(1, []byte("k"))
	require.NoError(t, err)
	two, _, err := s.Get(2, []byte("k"))
	require.NoError(t, err)
	_, ok, err := s.Get(3, []byte("k"))
	require.NoError(t, err)

	require.Equal(t, []byte("one"), one)
	require.Equal(t, []byte("two"), two)
	require.False(t, ok)
}

func TestStoreCommitAndAbort(t *testing.T) {
	base := memdb.New()
	s := NewStore(base)

	_, err := s.Put(1, []byte("kept"), []byte("v"))
	require.NoError(t, err)
	require.NoError(t, s.Commit())

	_, err = s.Put(1, []byte("dropped"), []byte("v"))
	require.NoError(t, err)
	s.Abort()

	fresh := NewStore(base)
	_, ok, err := fresh.Get(1, []byte("kept"))
	require.NoError(t, err)
	require.True(t, ok)
	_, ok, err = fresh.Get(1, []byte("dropped"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestApplyRequireRecipientKeepsFirstOrder(t *testing.T) {
	a := NewApply(NewStore(memdb.New()), 1, nil)

	a.RequireRecipient(7)
	a.RequireRecipient(8)
	a.RequireRecipient(7)
	a.RequireRecipient(9)

	require.Equal(t, []uint64{7, 8, 9}, a.Recipients())
}

func TestApplyScopesDataToContract(t *testing.T) {
	s := NewStore(memdb.New())
	a := NewApply(s, 42, []byte("input"))

	created, err := a.SetData([]byte("k"), []byte("v"))
	require.NoError(t, err)
	require.True(t, created)

	value, ok, err := s.Get(42, []byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v"), value)
	require.Equal(t, []byte("input"), a.ActionData())
	require.Equal(t, uint64(42), a.Contract())
}

func TestInlineCallEncoding(t *testing.T) {
	call := InlineCall{Contract: 5, Action: []byte{1, 2, 3}}

	data, err := MarshalInlineCall(call)
	require.NoError(t, err)
	again, err := MarshalInlineCall(call)
	require.NoError(t, err)
	decoded, err := UnmarshalInlineCall(data)
	require.NoError(t, err)

	require.Equal(t, data, again)
	require.Equal(t, call, decoded)
}

func TestUnmarshalInlineCallRejectsGarbage(t *testing.T) {
	_, err := UnmarshalInlineCall([]byte{0xff, 0x00})
	require.Error(t, err)
}
