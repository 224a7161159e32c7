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

// Package reqresp implements the CBOR-framed request/response protocol
// peers use to fetch and place key/capsule fragments, grounded on the
// RequestStream pattern in myelnet's exchange replication code: a
// length-prefixed CBOR message over a dedicated libp2p stream protocol.
package reqresp

import (
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/reveries-network/node/crypto/pre"
	"github.com/reveries-network/node/identity"
	"github.com/reveries-network/node/reverie"
)

// ProtocolID is the libp2p stream protocol this package's handler is
// registered under.
const ProtocolID = "/reverie/reqresp/1.0.0"

// Kind discriminates the tagged union carried in Envelope.Body.
type Kind string

const (
	KindGetFragment        Kind = "get_fragment"
	KindSaveFragment       Kind = "save_fragment"
	KindProvidingFragment  Kind = "providing_fragment"
	KindSaveCiphertext     Kind = "save_ciphertext"
	KindGetUmbralPublicKey Kind = "get_umbral_public_key"
	KindSaveDelegateeKey   Kind = "save_delegatee_key"

	KindKfragProviderAck    Kind = "kfrag_provider_ack"
	KindReverieProviderAck  Kind = "reverie_provider_ack"
	KindUmbralPublicKeyAck  Kind = "umbral_public_key_ack"
	KindDelegateeKeyAck     Kind = "delegatee_key_ack"
	KindCapsuleFragmentReply Kind = "capsule_fragment_reply"
	KindError               Kind = "error"
)

// Envelope is the wire frame: a request id for correlating async
// replies, a Kind discriminator, and the CBOR-encoded body matching
// that kind.
type Envelope struct {
	ID   string
	Kind Kind
	Body []byte
}

// GetFragment asks the target peer for the capsule fragment it holds
// for a given reverie.
type GetFragment struct {
	ReverieID identity.ReverieId
	Index     uint8
}

// SaveFragment delivers a key fragment the recipient should persist
// and materialize a capsule fragment from.
type SaveFragment struct {
	Fragment reverie.KeyFragment
}

// ProvidingFragment announces that the sender already holds (or has
// just computed) the capsule fragment for a reverie/index pair,
// without transmitting the fragment itself.
type ProvidingFragment struct {
	ReverieID identity.ReverieId
	Index     uint8
}

// SaveCiphertext delivers the public ciphertext half of a reverie to
// the new vessel, transported separately from key fragments.
type SaveCiphertext struct {
	Message reverie.Message
}

// GetUmbralPublicKey asks a peer for the PRE public key it wants used
// when delegating a fragment to it. Supplements the distilled spec:
// original_source callers fetch a fresh delegatee key per delegation
// rather than reusing a long-lived one.
type GetUmbralPublicKey struct {
	ReverieID identity.ReverieId
}

// SaveDelegateeKey pre-positions the recipient, as a designated
// (next-)vessel, with the secret key matching a reverie's current PRE
// split — so a future respawn coordinator already holds decrypt
// capability before it is ever needed.
type SaveDelegateeKey struct {
	ReverieID identity.ReverieId
	SecretKey pre.PrivateKey
	PublicKey pre.PublicKey
}

// DelegateeKeyAck acknowledges SaveDelegateeKey.
type DelegateeKeyAck struct {
	ReverieID identity.ReverieId
}

// CapsuleFragmentReply answers GetFragment with the provider's
// re-encrypted capsule fragment.
type CapsuleFragmentReply struct {
	Fragment reverie.CapsuleFragment
}

// KfragProviderAck acknowledges SaveFragment/ProvidingFragment.
type KfragProviderAck struct {
	ReverieID identity.ReverieId
	Index     uint8
	Provider  peer.ID
}

// ReverieProviderAck acknowledges SaveCiphertext.
type ReverieProviderAck struct {
	ReverieID identity.ReverieId
}

// UmbralPublicKeyAck answers GetUmbralPublicKey.
type UmbralPublicKeyAck struct {
	ReverieID identity.ReverieId
	PublicKey pre.PublicKey
}

// ErrorReply carries a failure back to the requester instead of the
// kind-specific ack.
type ErrorReply struct {
	Message string
}
