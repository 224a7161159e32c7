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

// Package dht wraps go-libp2p-kad-dht with the network's four
// structured key namespaces and signed, never-auto-expiring records.
package dht

import (
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	record "github.com/libp2p/go-libp2p-record"
)

// Namespace is the validator namespace every key below is registered
// under, so a single record.Validator governs all four key shapes.
const Namespace = "reverie"

// Key prefixes, applied before the DHT namespace wrapper.
const (
	PrefixPeerStatus       = "peer_id_to_node_status:"
	PrefixReverieName      = "reverie_id_to_name:"
	PrefixReveriePeer      = "reverie_id_to_peer_id:"
	PrefixKfragProviders   = "reverie_id_to_kfrag_providers:"
)

var (
	ErrBadRecord       = errors.New("dht: malformed record")
	ErrBadSignature    = errors.New("dht: signature verification failed")
	ErrUnknownKeyShape = errors.New("dht: key does not match a known prefix")
)

// SignedRecord is the envelope every PUT writes. Seq lets Select
// prefer the most recent write (a respawn bumping the reverie's
// vessel) without ever treating an absent Seq as an expiry signal —
// records are kept forever until superseded.
type SignedRecord struct {
	Value     []byte
	Seq       uint64
	Publisher []byte // ed25519 public key
	Signature []byte
}

// signer is the subset of identity.PeerIdentity this package needs;
// kept minimal so record.go does not have to import identity itself.
type signer interface {
	Sign(message []byte) ([]byte, error)
	IdentityPublicKey() ed25519.PublicKey
}

func signRecord(value []byte, seq uint64, s signer) (SignedRecord, error) {
	msg := signingMessage(value, seq)
	sig, err := s.Sign(msg)
	if err != nil {
		return SignedRecord{}, err
	}
	return SignedRecord{Value: value, Seq: seq, Publisher: []byte(s.IdentityPublicKey()), Signature: sig}, nil
}

func signingMessage(value []byte, seq uint64) []byte {
	buf := make([]byte, 8+len(value))
	for i := 0; i < 8; i++ {
		buf[i] = byte(seq >> (8 * (7 - i)))
	}
	copy(buf[8:], value)
	return buf
}

// marshalRecord/unmarshalRecord are the wire transport for
// SignedRecord, CBOR-encoded per SPEC_FULL.md's domain stack.
func marshalRecord(r SignedRecord) ([]byte, error) {
	return cbor.Marshal(r)
}

func unmarshalRecord(data []byte) (SignedRecord, error) {
	var r SignedRecord
	if err := cbor.Unmarshal(data, &r); err != nil {
		return SignedRecord{}, fmt.Errorf("%w: %v", ErrBadRecord, err)
	}
	return r, nil
}

// Validator verifies every record's Ed25519 signature and, when more
// than one candidate exists for a key, selects the one with the
// highest Seq — "respawn writes supersede" rather than anything
// expiring.
type Validator struct{}

var _ record.Validator = Validator{}

func (Validator) Validate(key string, value []byte) error {
	r, err := unmarshalRecord(value)
	if err != nil {
		return err
	}
	if len(r.Publisher) != ed25519.PublicKeySize {
		return ErrBadRecord
	}
	if !ed25519.Verify(ed25519.PublicKey(r.Publisher), signingMessage(r.Value, r.Seq), r.Signature) {
		return ErrBadSignature
	}
	return nil
}

func (Validator) Select(key string, values [][]byte) (int, error) {
	best := -1
	var bestSeq uint64
	for i, v := range values {
		r, err := unmarshalRecord(v)
		if err != nil {
			continue
		}
		if best == -1 || r.Seq > bestSeq {
			best = i
			bestSeq = r.Seq
		}
	}
	if best == -1 {
		return 0, ErrBadRecord
	}
	return best, nil
}

// validatorFor adapts Validator to the namespaced validator map
// go-libp2p-kad-dht expects when constructing the IpfsDHT.
func validatorFor() record.NamespacedValidator {
	return record.NamespacedValidator{Namespace: Validator{}}
}
