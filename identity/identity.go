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

// Package identity holds the long-lived cryptographic identity every
// other component authenticates against: a node's Ed25519 identity
// keypair, its separate PRE (umbral) keypair, and the signing key used
// to authenticate key fragments. A derived short identifier is exposed
// at wire boundaries so peers never need the raw public key to address
// each other.
package identity

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
	"github.com/reveries-network/node/crypto/pre"
)

// ReverieId is the 128-bit opaque identifier assigned to a Reverie at
// spawn time. Namespaced as a UUIDv4 string, mirroring the teacher's
// session.Metadata.ID convention of prefixing a uuid.NewString().
type ReverieId string

// NewReverieId mints a fresh ReverieId.
func NewReverieId() ReverieId {
	return ReverieId("reverie-" + uuid.NewString())
}

// RespawnId identifies one run of the respawn protocol so retries and
// duplicate triggers are idempotent, per spec §4.9.
type RespawnId string

// NewRespawnId mints a fresh RespawnId.
func NewRespawnId() RespawnId {
	return RespawnId("respawn-" + uuid.NewString())
}

// PeerIdentity is a node's long-lived cryptographic identity: an
// Ed25519 keypair used for signing gossip, heartbeats, and access-key
// presentations, plus a separate PRE keypair used only for threshold
// re-encryption. Both share a single signing key so fragment holders
// can verify kfrag/cfrag authenticity against the same public key the
// rest of the network already trusts.
type PeerIdentity struct {
	identityPub  ed25519.PublicKey
	identityPriv ed25519.PrivateKey

	preSK pre.PrivateKey
	prePK pre.PublicKey

	shortID string
}

// NewPeerIdentity generates a fresh identity and PRE keypair.
func NewPeerIdentity() (*PeerIdentity, error) {
	identityPub, identityPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("identity: generating identity keypair: %w", err)
	}
	preSK, prePK, err := pre.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("identity: generating PRE keypair: %w", err)
	}
	return newPeerIdentity(identityPub, identityPriv, preSK, prePK), nil
}

// NewPeerIdentityFromSeed deterministically derives a PeerIdentity from
// a 32-byte Ed25519 seed and a PRE secret/public pair, for nodes that
// persist and reload their identity across restarts.
func NewPeerIdentityFromSeed(seed []byte, preSK pre.PrivateKey, prePK pre.PublicKey) (*PeerIdentity, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("identity: seed must be %d bytes", ed25519.SeedSize)
	}
	identityPriv := ed25519.NewKeyFromSeed(seed)
	identityPub := identityPriv.Public().(ed25519.PublicKey)
	return newPeerIdentity(identityPub, identityPriv, preSK, prePK), nil
}

func newPeerIdentity(identityPub ed25519.PublicKey, identityPriv ed25519.PrivateKey, preSK pre.PrivateKey, prePK pre.PublicKey) *PeerIdentity {
	return &PeerIdentity{
		identityPub:  identityPub,
		identityPriv: identityPriv,
		preSK:        preSK,
		prePK:        prePK,
		shortID:      hex.EncodeToString(identityPub[:8]),
	}
}

// ShortID is the derived short identifier exposed at wire boundaries.
func (p *PeerIdentity) ShortID() string { return p.shortID }

// IdentityPublicKey returns the node's Ed25519 identity public key.
func (p *PeerIdentity) IdentityPublicKey() ed25519.PublicKey { return p.identityPub }

// PREPublicKey returns the node's umbral public key.
func (p *PeerIdentity) PREPublicKey() pre.PublicKey { return p.prePK }

// PREPrivateKey returns the node's umbral private key, for use by the
// holder of a reverie's delegatee role during DecryptWithCfrags.
func (p *PeerIdentity) PREPrivateKey() pre.PrivateKey { return p.preSK }

// Sign signs message with the node's identity key. Used to authenticate
// gossip messages, heartbeats, and presented access-keys. The error
// return is always nil; it exists so PeerIdentity satisfies
// pre.Signer without an adapter.
func (p *PeerIdentity) Sign(message []byte) ([]byte, error) {
	return ed25519.Sign(p.identityPriv, message), nil
}

// PublicKeyBytes implements pre.Signer so a PeerIdentity can be passed
// directly to pre.SplitKey as the key-fragment signer.
func (p *PeerIdentity) PublicKeyBytes() []byte {
	return append([]byte(nil), p.identityPub...)
}

// Verify checks a signature produced by Sign against pubKey.
func Verify(pubKey ed25519.PublicKey, message, signature []byte) bool {
	return ed25519.Verify(pubKey, message, signature)
}
