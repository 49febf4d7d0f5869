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

// Package hostenv connects kestrel instances to contract state. It provides
// the storage, inline call and notification callbacks a contract reaches
// through the imports of the "env" module.
package hostenv

import (
	"bytes"
	"encoding/binary"
	"errors"

	"github.com/ava-labs/avalanchego/database"
	"github.com/ava-labs/avalanchego/database/prefixdb"
	"github.com/ava-labs/avalanchego/database/versiondb"
)

// Store holds the key value state of every contract. Writes stay pending in
// a version layer until Commit or Abort.
type Store struct {
	base    database.Database
	pending *versiondb.Database
}

// NewStore layers a Store over db.
func NewStore(db database.Database) *Store {
	return &Store{base: db, pending: versiondb.New(db)}
}

// contractDB scopes the store to one contract. Keys of different contracts
// never collide since each lives under its own 8-byte prefix.
func (s *Store) contractDB(contract uint64) database.Database {
	var prefix [8]byte
	binary.BigEndian.PutUint64(prefix[:], contract)
	return prefixdb.New(prefix[:], s.pending)
}

// Get returns the value stored under key and whether it exists.
func (s *Store) Get(contract uint64, key []byte) ([]byte, bool, error) {
	value, err := s.contractDB(contract).Get(key)
	switch {
	case errors.Is(err, database.ErrNotFound):
		return nil, false, nil
	case err != nil:
		return nil, false, err
	}
	return value, true, nil
}

// Put stores value under key. It reports whether key was new.
func (s *Store) Put(contract uint64, key, value []byte) (bool, error) {
	db := s.contractDB(contract)
	exists, err := db.Has(key)
	if err != nil {
		return false, err
	}
	if err := db.Put(bytes.Clone(key), bytes.Clone(value)); err != nil {
		return false, err
	}
	return !exists, nil
}

// Delete removes key. It reports whether key existed.
func (s *Store) Delete(contract uint64, key []byte) (bool, error) {
	db := s.contractDB(contract)
	exists, err := db.Has(key)
	if err != nil || !exists {
		return false, err
	}
	return true, db.Delete(key)
}

// Commit writes every pending change to the underlying database.
func (s *Store) Commit() error {
	return s.pending.Commit()
}

// Abort drops every pending change.
func (s *Store) Abort() {
	s.pending.Abort()
}
