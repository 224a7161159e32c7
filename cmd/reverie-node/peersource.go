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

package main

import (
	"context"
	"fmt"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
)

// hostPeerSource implements nodeclient.PeerSource and respawn.PeerSource
// directly off the libp2p host's connected-peer set — the only
// candidate pool available without a dedicated peer-discovery
// component, which spec.md leaves out of scope.
type hostPeerSource struct {
	h host.Host
}

func newHostPeerSource(h host.Host) *hostPeerSource {
	return &hostPeerSource{h: h}
}

// CandidatePeers returns up to n currently-connected peers, excluding
// the local host itself.
func (s *hostPeerSource) CandidatePeers(ctx context.Context, n int) ([]peer.ID, error) {
	peers := s.h.Network().Peers()
	if len(peers) == 0 {
		return nil, fmt.Errorf("peersource: no connected peers available")
	}
	if len(peers) > n {
		peers = peers[:n]
	}
	out := make([]peer.ID, len(peers))
	copy(out, peers)
	return out, nil
}
