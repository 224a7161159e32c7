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

// Package nodeclient is the command+reply-channel façade applications
// use to drive the network event loop: spawn_reverie,
// execute_with_reverie, delegate_api_key and handle_respawn_request,
// per spec §4.8. Every operation's actual logic runs as a
// network.Command on the Loop's own goroutine, so it never races
// concurrent registry mutations performed elsewhere in the loop.
package nodeclient

import (
	"context"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/reveries-network/node/crypto/pre"
	"github.com/reveries-network/node/identity"
	"github.com/reveries-network/node/network"
	"github.com/reveries-network/node/reverie"
)

// FragmentStore delivers key fragments to providers and fetches
// re-encrypted capsule fragments back from them. Concrete
// implementation lives in p2p/reqresp; nodeclient only depends on
// this interface so it can be tested without a live libp2p network.
type FragmentStore interface {
	SaveFragment(ctx context.Context, to peer.ID, frag reverie.KeyFragment) error
	GetFragment(ctx context.Context, from peer.ID, reverieID identity.ReverieId, index uint8) (reverie.CapsuleFragment, error)
	// SaveDelegateeKey pre-positions the designated next-vessel with the
	// delegatee secret key matching the kfrags just split, so a future
	// respawn coordinator already holds decrypt capability the moment
	// it is elected — it never needs a key exchange during the failure
	// window itself (C9 step 4 assumes this key is already local).
	SaveDelegateeKey(ctx context.Context, to peer.ID, reverieID identity.ReverieId, sk pre.PrivateKey, pk pre.PublicKey) error
}

// NameDirectory publishes and resolves reverie identity through the
// DHT. Concrete implementation lives in p2p/dht.
type NameDirectory interface {
	PutReverieName(ctx context.Context, id identity.ReverieId, name string) error
	PutReveriePeer(ctx context.Context, id identity.ReverieId, p peer.ID) error
	GetReveriePeer(ctx context.Context, id identity.ReverieId) (peer.ID, error)
}

// PeerSource supplies candidate peers to hold key fragments for a new
// reverie. Implementations are expected to honor ctx's deadline
// themselves (spawn_reverie imposes its own 5s InsufficientPeers
// budget on top).
type PeerSource interface {
	CandidatePeers(ctx context.Context, n int) ([]peer.ID, error)
}

// Respawner runs the C9 nine-step respawn coordination protocol.
// HandleRespawnRequest is a thin adapter onto this interface so
// nodeclient does not need to know respawn's internals.
type Respawner interface {
	Run(ctx context.Context, req network.RespawnRequest) error
}

// LocalKeyStore holds the PRE delegatee secret key this node needs to
// decrypt a reverie it vessels, keyed by reverie id. Never transmitted
// over the network.
type LocalKeyStore interface {
	StoreDelegateeKey(id identity.ReverieId, sk pre.PrivateKey, pk pre.PublicKey)
	DelegateeKey(id identity.ReverieId) (pre.PrivateKey, pre.PublicKey, bool)
}

// ReverieStore holds the public half of every reverie this node
// currently vessels.
type ReverieStore interface {
	Put(r reverie.Reverie)
	Get(id identity.ReverieId) (reverie.Reverie, bool)
}
