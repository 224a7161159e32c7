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

// Package pre implements a single-hop, threshold proxy re-encryption
// scheme: a ciphertext encrypted under a delegator's public key is
// split into n key fragments (t of which reconstruct a re-encryption
// key), distributed to n peers, and later combined by the delegatee
// without the delegator taking part and without any single fragment
// holder learning the plaintext or the delegatee's private key.
//
// There is no maintained Go binding for NuCypher's umbral-pre, so this
// package reimplements the same shape (capsule/kfrag/cfrag, DH-blinded
// Shamir sharing of the re-key) directly on top of the edwards25519
// group, using raw scalar and point arithmetic from
// filippo.io/edwards25519.
package pre

import "errors"

// Errors returned by this package. Signature/threshold verification
// failures never reveal partial plaintext.
var (
	ErrInvalidThreshold    = errors.New("pre: threshold must satisfy 1 <= t <= n <= 32")
	ErrInvalidPublicKey    = errors.New("pre: invalid public key encoding")
	ErrInvalidPrivateKey   = errors.New("pre: invalid private key encoding")
	ErrCapsuleIntegrity    = errors.New("pre: capsule failed integrity check")
	ErrInvalidKeyFrag      = errors.New("pre: key fragment failed verification")
	ErrInsufficientCfrags  = errors.New("pre: fewer than threshold verified capsule fragments")
	ErrDuplicateFragIndex  = errors.New("pre: duplicate fragment index among capsule fragments")
	ErrDecryptionFailed    = errors.New("pre: symmetric decryption failed")
	ErrMismatchedCapsule   = errors.New("pre: capsule fragment does not match capsule")
)

// PublicKey is a point on edwards25519, serialized as 32 bytes.
type PublicKey [32]byte

// PrivateKey is a scalar on edwards25519, serialized as 32 bytes (little endian, reduced mod L).
type PrivateKey [32]byte

// Capsule is the public half of an encryption: two curve points and an
// integrity scalar that lets any holder verify the capsule was formed
// honestly without access to the plaintext.
type Capsule struct {
	E PublicKey // E = e*G
	V PublicKey // V = v*G
	S [32]byte  // s = v + e*H(E,V) mod L
}

// KeyFragment is one Shamir share of the re-encryption key that
// transforms a Capsule encrypted under DelegatorPK into one decryptable
// by DelegateePK. Structurally matches spec §3's KeyFragment: private
// data, held by exactly one peer, for exactly one (reverie, index).
type KeyFragment struct {
	Index       uint8     // fragment index in [0,n)
	Threshold   uint8
	Total       uint8
	Value       [32]byte  // f(Index) mod L, the scalar share
	Precursor   PublicKey // X_A = x*G, identical across all fragments of one split
	DelegatorPK PublicKey // alice_pk
	DelegateePK PublicKey // bob_pk
	VerifyingPK []byte    // Ed25519 public key of the signer
	Signature   []byte    // signs Index || Threshold || Total || Precursor || DelegatorPK || DelegateePK (kfragDigest)
}

// CapsuleFragment is the re-encryption of a KeyFragment against a
// specific Capsule: structurally identical to KeyFragment except the
// curve data encodes E1=Value*E, V1=Value*V instead of a raw share.
type CapsuleFragment struct {
	Index       uint8
	Threshold   uint8
	Total       uint8
	E1          PublicKey // Value*E
	V1          PublicKey // Value*V
	Precursor   PublicKey
	DelegatorPK PublicKey
	DelegateePK PublicKey
	VerifyingPK []byte
	Signature   []byte
}
