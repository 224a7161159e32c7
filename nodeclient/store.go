// Copyright (C) 2025 sage-x-project
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// SPDX-License-Identifier: LGPL-3.0-or-later

package nodeclient

import (
	"sync"

	"github.com/reveries-network/node/crypto/pre"
	"github.com/reveries-network/node/identity"
	"github.com/reveries-network/node/reverie"
)

// memKeyStore is the default in-memory LocalKeyStore.
type memKeyStore struct {
	mu   sync.RWMutex
	keys map[identity.ReverieId]delegateeKey
}

type delegateeKey struct {
	sk pre.PrivateKey
	pk pre.PublicKey
}

// NewMemKeyStore constructs an in-memory LocalKeyStore.
func NewMemKeyStore() LocalKeyStore {
	return &memKeyStore{keys: make(map[identity.ReverieId]delegateeKey)}
}

func (s *memKeyStore) StoreDelegateeKey(id identity.ReverieId, sk pre.PrivateKey, pk pre.PublicKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[id] = delegateeKey{sk: sk, pk: pk}
}

func (s *memKeyStore) DelegateeKey(id identity.ReverieId) (pre.PrivateKey, pre.PublicKey, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[id]
	return k.sk, k.pk, ok
}

// memReverieStore is the default in-memory ReverieStore.
type memReverieStore struct {
	mu       sync.RWMutex
	reveries map[identity.ReverieId]reverie.Reverie
}

// NewMemReverieStore constructs an in-memory ReverieStore.
func NewMemReverieStore() ReverieStore {
	return &memReverieStore{reveries: make(map[identity.ReverieId]reverie.Reverie)}
}

func (s *memReverieStore) Put(r reverie.Reverie) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reveries[r.ID] = r
}

func (s *memReverieStore) Get(id identity.ReverieId) (reverie.Reverie, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reveries[id]
	return r, ok
}
