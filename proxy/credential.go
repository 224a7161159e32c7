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

package proxy

import (
	"errors"
	"sync"

	"github.com/reveries-network/node/identity"
)

// ErrCredentialNotFound is returned by the credential store when no
// delegated key exists for a reverie.
var ErrCredentialNotFound = errors.New("proxy: no credential delegated for reverie")

// APIKeyType names the upstream provider an api_key authenticates
// against, so the proxy knows which Host/path prefixes to swap the key
// into for CONNECTed traffic.
type APIKeyType string

const (
	APIKeyTypeAnthropic APIKeyType = "anthropic"
	APIKeyTypeDeepseek  APIKeyType = "deepseek"
	APIKeyTypeOpenAI    APIKeyType = "openai"
)

// SpenderType distinguishes what kind of principal the reported usage
// is billed against, mirroring access.Variant's signature families.
type SpenderType string

const (
	SpenderTypeEd25519  SpenderType = "ed25519"
	SpenderTypeEthereum SpenderType = "ethereum"
)

// Credential is one delegated API key, keyed by the reverie it was
// delegated for. Spender/SpenderType travel with the key so usage
// reports can attribute consumption without a second lookup.
type Credential struct {
	ReverieID   identity.ReverieId
	APIKeyType  APIKeyType
	APIKey      string
	Spender     string
	SpenderType SpenderType
}

// CredentialStore holds every API key this proxy currently has
// delegated, keyed by reverie ID. Per spec's shared-resource policy,
// writers (add/remove) block briefly behind a single mutex while
// readers (the MITM handler substituting a key into a forwarded
// request) never block each other.
type CredentialStore struct {
	mu   sync.RWMutex
	byID map[identity.ReverieId]Credential
}

// NewCredentialStore constructs an empty store.
func NewCredentialStore() *CredentialStore {
	return &CredentialStore{byID: make(map[identity.ReverieId]Credential)}
}

// Add installs or replaces the credential delegated for c.ReverieID.
func (s *CredentialStore) Add(c Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[c.ReverieID] = c
}

// Remove withdraws the credential delegated for id, if any. It reports
// whether a credential was actually present, so callers can return 404
// on a no-op removal per spec §6.
func (s *CredentialStore) Remove(id identity.ReverieId) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[id]; !ok {
		return false
	}
	delete(s.byID, id)
	return true
}

// Get returns the credential delegated for id.
func (s *CredentialStore) Get(id identity.ReverieId) (Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.byID[id]
	if !ok {
		return Credential{}, ErrCredentialNotFound
	}
	return c, nil
}

// ForKeyType returns every credential currently delegated for
// keyType, used by the MITM handler to find a candidate key when a
// CONNECTed host doesn't carry the reverie ID itself (the common case:
// the client speaks straight to the upstream API, the reverie is
// resolved from whichever credential matches the upstream host).
func (s *CredentialStore) ForKeyType(keyType APIKeyType) []Credential {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Credential
	for _, c := range s.byID {
		if c.APIKeyType == keyType {
			out = append(out, c)
		}
	}
	return out
}
