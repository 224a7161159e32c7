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

// Package network runs the single event-loop task every node has:
// one goroutine demultiplexing swarm events, incoming commands from
// nodeclient, heartbeat-failure signals, and a liveness tick.
package network

import (
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/reveries-network/node/identity"
)

// RespawnRequest is enqueued by the liveness tick when this node is
// the recorded next-vessel for an agent whose current vessel has gone
// silent past MaxTimeBeforeRotation.
type RespawnRequest struct {
	ReverieID    identity.ReverieId
	AgentName    string
	Nonce        uint64
	FailedVessel peer.ID
}

// TopicSwitchAnnouncement is the payload gossiped on the topic_switch
// topic once a respawn completes: it tells every subscriber which
// vessel failed so they can drop it from their local bookkeeping.
type TopicSwitchAnnouncement struct {
	ReverieID    identity.ReverieId
	PrevVessel   peer.ID
	NewVessel    peer.ID
	NewNonce     uint64
}
