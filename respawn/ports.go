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

// Package respawn implements the nine-step vessel-failure coordination
// protocol (C9): verify silence, resolve identity, collect threshold
// capsule fragments, decrypt, bump the nonce, announce the topic
// switch, re-encrypt and redistribute to a freshly-elected successor,
// then garbage-collect the dead vessel. Only the node the liveness
// tick names as next-vessel ever runs this.
package respawn

import (
	"context"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/reveries-network/node/crypto/pre"
	"github.com/reveries-network/node/identity"
	"github.com/reveries-network/node/p2p/gossip"
	"github.com/reveries-network/node/reverie"
)

// FragmentStore mirrors nodeclient.FragmentStore; declared locally so
// this package does not depend on nodeclient (the dependency runs the
// other way: nodeclient.Respawner is satisfied by *Coordinator).
type FragmentStore interface {
	SaveFragment(ctx context.Context, to peer.ID, frag reverie.KeyFragment) error
	GetFragment(ctx context.Context, from peer.ID, reverieID identity.ReverieId, index uint8) (reverie.CapsuleFragment, error)
	SaveDelegateeKey(ctx context.Context, to peer.ID, reverieID identity.ReverieId, sk pre.PrivateKey, pk pre.PublicKey) error
}

// NameDirectory mirrors nodeclient.NameDirectory, with GetReverieName
// added.
type NameDirectory interface {
	PutReverieName(ctx context.Context, id identity.ReverieId, name string) error
	GetReverieName(ctx context.Context, id identity.ReverieId) (string, error)
	PutReveriePeer(ctx context.Context, id identity.ReverieId, p peer.ID) error
	GetReveriePeer(ctx context.Context, id identity.ReverieId) (peer.ID, error)
}

// PeerSource mirrors nodeclient.PeerSource: supplies candidates to
// hold the freshly re-split key fragments and to elect as the new
// next-next-vessel.
type PeerSource interface {
	CandidatePeers(ctx context.Context, n int) ([]peer.ID, error)
}

// LocalKeyStore mirrors nodeclient.LocalKeyStore.
type LocalKeyStore interface {
	StoreDelegateeKey(id identity.ReverieId, sk pre.PrivateKey, pk pre.PublicKey)
	DelegateeKey(id identity.ReverieId) (pre.PrivateKey, pre.PublicKey, bool)
}

// ReverieStore mirrors nodeclient.ReverieStore.
type ReverieStore interface {
	Put(r reverie.Reverie)
	Get(id identity.ReverieId) (reverie.Reverie, bool)
}

// Gossip is the subset of p2p/gossip.Node the coordinator drives:
// subscribing to the n new broadcast topics, announcing the
// topic_switch, then unsubscribing once the one-shot multicast
// completes.
type Gossip interface {
	Subscribe(ctx context.Context, t gossip.Topic, handle gossip.Handler) error
	Unsubscribe(t gossip.Topic) error
	Publish(ctx context.Context, t gossip.Topic, payload []byte) error
}
