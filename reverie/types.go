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

// Package reverie defines the wire and storage data model shared by
// every component of the network: the public Reverie record, the
// private KeyFragment/CapsuleFragment a single peer holds, and the
// bookkeeping types the registry and respawn coordinator pass around.
package reverie

import (
	"errors"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/reveries-network/node/crypto/access"
	"github.com/reveries-network/node/crypto/pre"
	"github.com/reveries-network/node/identity"
)

// ErrInvalidThreshold is returned when constructing a Reverie whose
// threshold/total do not satisfy invariant I1-adjacent bounds
// (1 <= threshold <= total <= 32).
var ErrInvalidThreshold = errors.New("reverie: threshold must satisfy 1 <= t <= n <= 32")

// Type enumerates the kinds of secret a Reverie can carry.
type Type string

const (
	TypeAgent     Type = "agent"
	TypeRetrieval Type = "retrieval"
	TypeTools     Type = "tools"
	TypeMemory    Type = "memory"
)

// Reverie is the public half of an encrypted secret: never mutated
// after creation, deleted only when its owning vessel is declared dead
// and a successor supersedes it with a new nonce.
type Reverie struct {
	ID              identity.ReverieId
	Type            Type
	Description     string
	Threshold       uint8
	Total           uint8
	Capsule         pre.Capsule
	Ciphertext      []byte
	AccessCondition access.Condition
}

// New validates and constructs a Reverie. Construction is the only
// place invariant I1 (1 <= threshold <= total <= 32) is enforced.
func New(id identity.ReverieId, typ Type, description string, threshold, total uint8, capsule pre.Capsule, ciphertext []byte, cond access.Condition) (Reverie, error) {
	if threshold < 1 || total < threshold || total > 32 {
		return Reverie{}, ErrInvalidThreshold
	}
	return Reverie{
		ID:              id,
		Type:            typ,
		Description:     description,
		Threshold:       threshold,
		Total:           total,
		Capsule:         capsule,
		Ciphertext:      ciphertext,
		AccessCondition: cond,
	}, nil
}

// KeyFragment is private data held by exactly one peer for exactly one
// (reverie-id, fragment-index); it never leaves the holding node.
type KeyFragment struct {
	ReverieID      identity.ReverieId
	ReverieType    Type
	FragmentIndex  uint8
	Threshold      uint8
	Total          uint8
	UmbralKeyFrag  pre.KeyFragment
	UmbralCapsule  pre.Capsule
	DelegatorPK    pre.PublicKey
	DelegateePK    pre.PublicKey
	VerifyingPK    []byte
}

// CapsuleFragment is the re-encryption of a KeyFragment against the
// stored capsule, materialized lazily when the holder receives the key
// fragment. Returned to requesters during respawn.
type CapsuleFragment struct {
	ReverieID          identity.ReverieId
	ReverieType        Type
	FragmentIndex      uint8
	Threshold          uint8
	UmbralCapsuleFrag  pre.CapsuleFragment
	DelegatorPK        pre.PublicKey
	DelegateePK        pre.PublicKey
	VerifyingPK        []byte
	ProviderPeerID     peer.ID
}

// Message is the public ciphertext wrapper transported separately from
// KeyFragments to the designated next-vessel.
type Message struct {
	Reverie    Reverie
	SourcePeer peer.ID
	TargetPeer peer.ID
}

// HeartbeatPayload is updated locally roughly every second and carried
// over the heartbeat protocol's length-prefixed wire format.
type HeartbeatPayload struct {
	TeeAttestation       []byte // optional raw attestation blob
	DeserializedAttested  bool  // whether TeeAttestation parsed successfully
	BlockHeight          uint32
}

// HeartbeatSample is one entry in a peer's rolling heartbeat window.
type HeartbeatSample struct {
	Timestamp   time.Time
	BlockHeight uint32
}

// PeerInfo is a per-peer registry entry.
type PeerInfo struct {
	Addresses       []string
	PREPublicKey    pre.PublicKey
	Heartbeats      []HeartbeatSample // bounded, default 10, oldest evicted first
	ClientVersion   string
	VesselInfo      *AgentVesselInfo
}

// AgentVesselInfo records that a peer currently vessels a specific
// agent identified by name+nonce.
type AgentVesselInfo struct {
	AgentName     string
	Nonce         uint64
	TotalFrags    uint8
	Threshold     uint8
	CurrentVessel peer.ID
	NextVessel    peer.ID
	ReverieID     identity.ReverieId
}

// Name returns the "{name}-{nonce}" identifier used in gossip topics
// and DHT keys for this vessel's agent.
func (v AgentVesselInfo) Name() string {
	return v.AgentName + "-" + uint64ToString(v.Nonce)
}

// RespawnKey deduplicates in-flight respawn attempts: {agent-name+nonce,
// failed-peer-id}.
type RespawnKey struct {
	AgentNameNonce string
	FailedPeer     peer.ID
}

func uint64ToString(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}
