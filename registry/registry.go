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

// Package registry holds the five in-memory mappings every node keeps
// about its peers and the reveries it participates in. The network
// event loop is the sole intended writer; the mutex exists so snapshot
// reads (e.g. from the proxy or CLI status commands) never race it,
// mirroring the defensive locking session.Manager uses around its
// session map even though one goroutine dominates writes.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/reveries-network/node/identity"
	"github.com/reveries-network/node/reverie"
)

const defaultHeartbeatWindow = 10

// Registry is the peer/reverie registry (C2).
type Registry struct {
	mu sync.RWMutex

	cfrags       map[identity.ReverieId]reverie.CapsuleFragment
	messages     map[identity.ReverieId]reverie.Message
	kfragOwners  map[identity.ReverieId]map[uint8]map[peer.ID]struct{}
	peers        map[peer.ID]*reverie.PeerInfo
	vesselInfo   map[identity.ReverieId]reverie.AgentVesselInfo
	subscriptions map[string]struct{}

	heartbeatWindow int
}

// New creates an empty Registry with the default rolling heartbeat
// window size (10 entries).
func New() *Registry {
	return NewWithHeartbeatWindow(defaultHeartbeatWindow)
}

// NewWithHeartbeatWindow creates an empty Registry with a custom
// rolling heartbeat window size.
func NewWithHeartbeatWindow(window int) *Registry {
	if window <= 0 {
		window = defaultHeartbeatWindow
	}
	return &Registry{
		cfrags:        make(map[identity.ReverieId]reverie.CapsuleFragment),
		messages:      make(map[identity.ReverieId]reverie.Message),
		kfragOwners:   make(map[identity.ReverieId]map[uint8]map[peer.ID]struct{}),
		peers:         make(map[peer.ID]*reverie.PeerInfo),
		vesselInfo:    make(map[identity.ReverieId]reverie.AgentVesselInfo),
		subscriptions: make(map[string]struct{}),
		heartbeatWindow: window,
	}
}

// StoreCapsuleFragment records the local CapsuleFragment held for a reverie-id.
func (r *Registry) StoreCapsuleFragment(id identity.ReverieId, cf reverie.CapsuleFragment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfrags[id] = cf
}

// CapsuleFragment returns the locally-held CapsuleFragment for a reverie-id, if any.
func (r *Registry) CapsuleFragment(id identity.ReverieId) (reverie.CapsuleFragment, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cf, ok := r.cfrags[id]
	return cf, ok
}

// RemoveCapsuleFragment drops a locally-held CapsuleFragment, e.g. after
// a successful respawn garbage-collects a stale reverie.
func (r *Registry) RemoveCapsuleFragment(id identity.ReverieId) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cfrags, id)
}

// StoreMessage records the ciphertext ReverieMessage held by this peer
// as the designated next-vessel.
func (r *Registry) StoreMessage(id identity.ReverieId, msg reverie.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages[id] = msg
}

// Message returns the locally-held ReverieMessage for a reverie-id, if any.
func (r *Registry) Message(id identity.ReverieId) (reverie.Message, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.messages[id]
	return m, ok
}

// RemoveMessage drops a locally-held ReverieMessage.
func (r *Registry) RemoveMessage(id identity.ReverieId) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.messages, id)
}

// RecordKfragProvider records that provider holds the fragment at index
// for reverie-id, maintained by this peer when it is the next-vessel.
func (r *Registry) RecordKfragProvider(id identity.ReverieId, index uint8, provider peer.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	byIndex, ok := r.kfragOwners[id]
	if !ok {
		byIndex = make(map[uint8]map[peer.ID]struct{})
		r.kfragOwners[id] = byIndex
	}
	owners, ok := byIndex[index]
	if !ok {
		owners = make(map[peer.ID]struct{})
		byIndex[index] = owners
	}
	owners[provider] = struct{}{}
}

// KfragProviderCount returns the number of distinct peers known to hold
// any fragment of reverie-id, used to enforce invariant I2/I4
// (threshold <= providers-count <= total).
func (r *Registry) KfragProviderCount(id identity.ReverieId) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[peer.ID]struct{})
	for _, owners := range r.kfragOwners[id] {
		for p := range owners {
			seen[p] = struct{}{}
		}
	}
	return len(seen)
}

// KfragProviders returns the set of peers known to hold fragment index
// for reverie-id, sorted for deterministic iteration by callers like
// the respawn coordinator's parallel cfrag request fan-out.
func (r *Registry) KfragProviders(id identity.ReverieId, index uint8) []peer.ID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	owners := r.kfragOwners[id][index]
	out := make([]peer.ID, 0, len(owners))
	for p := range owners {
		out = append(out, p)
	}
	sortPeerIDs(out)
	return out
}

// AllKfragProviders returns the union of all peers known to hold any
// fragment of reverie-id, deduplicated and sorted.
func (r *Registry) AllKfragProviders(id identity.ReverieId) []peer.ID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[peer.ID]struct{})
	for _, owners := range r.kfragOwners[id] {
		for p := range owners {
			seen[p] = struct{}{}
		}
	}
	out := make([]peer.ID, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sortPeerIDs(out)
	return out
}

// UpsertPeer ensures a PeerInfo entry exists for p and returns it.
func (r *Registry) UpsertPeer(p peer.ID) *reverie.PeerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.peers[p]
	if !ok {
		info = &reverie.PeerInfo{}
		r.peers[p] = info
	}
	return info
}

// Peer returns the PeerInfo for p, if known.
func (r *Registry) Peer(p peer.ID) (reverie.PeerInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.peers[p]
	if !ok {
		return reverie.PeerInfo{}, false
	}
	return *info, true
}

// RemovePeer deletes every registry entry keyed directly by p, used
// when the respawn coordinator garbage-collects a declared-dead peer.
func (r *Registry) RemovePeer(p peer.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, p)
	for _, byIndex := range r.kfragOwners {
		for _, owners := range byIndex {
			delete(owners, p)
		}
	}
}

// RecordHeartbeat appends a sample to p's rolling heartbeat window,
// evicting the oldest entry once the window's bound is exceeded.
func (r *Registry) RecordHeartbeat(p peer.ID, sample reverie.HeartbeatSample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.peers[p]
	if !ok {
		info = &reverie.PeerInfo{}
		r.peers[p] = info
	}
	info.Heartbeats = append(info.Heartbeats, sample)
	if len(info.Heartbeats) > r.heartbeatWindow {
		info.Heartbeats = info.Heartbeats[len(info.Heartbeats)-r.heartbeatWindow:]
	}
}

// LastHeartbeat returns the most recent heartbeat sample for p, if any.
func (r *Registry) LastHeartbeat(p peer.ID) (reverie.HeartbeatSample, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.peers[p]
	if !ok || len(info.Heartbeats) == 0 {
		return reverie.HeartbeatSample{}, false
	}
	return info.Heartbeats[len(info.Heartbeats)-1], true
}

// SilentSince reports how long it has been since p's last heartbeat,
// as of now. A peer never heard from is reported as silent since the
// zero time (effectively "forever").
func (r *Registry) SilentSince(p peer.ID, now time.Time) time.Duration {
	last, ok := r.LastHeartbeat(p)
	if !ok {
		return now.Sub(time.Time{})
	}
	return now.Sub(last.Timestamp)
}

// SetVesselInfo records that reverie-id id is vesselled per info.
func (r *Registry) SetVesselInfo(id identity.ReverieId, info reverie.AgentVesselInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vesselInfo[id] = info
}

// VesselInfo returns the AgentVesselInfo for reverie-id id, if known.
func (r *Registry) VesselInfo(id identity.ReverieId) (reverie.AgentVesselInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.vesselInfo[id]
	return info, ok
}

// RemoveVesselInfo drops the AgentVesselInfo entry for a superseded reverie.
func (r *Registry) RemoveVesselInfo(id identity.ReverieId) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.vesselInfo, id)
}

// VesselInfoForPeer finds the AgentVesselInfo, if any, in which p is
// either the current or next vessel — used by liveness detection to
// decide whether this node must enqueue a RespawnRequest.
func (r *Registry) VesselInfoForPeer(p peer.ID) (identity.ReverieId, reverie.AgentVesselInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, info := range r.vesselInfo {
		if info.CurrentVessel == p || info.NextVessel == p {
			return id, info, true
		}
	}
	return "", reverie.AgentVesselInfo{}, false
}

// PeersWithVesselInfo returns every peer currently recorded as the
// CurrentVessel of some tracked reverie, for the liveness tick to
// sweep.
func (r *Registry) PeersWithVesselInfo() []peer.ID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]peer.ID, 0, len(r.vesselInfo))
	for _, info := range r.vesselInfo {
		out = append(out, info.CurrentVessel)
	}
	return out
}

// Subscribe marks topic as actively subscribed; idempotent.
func (r *Registry) Subscribe(topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscriptions[topic] = struct{}{}
}

// Unsubscribe clears topic's subscription marker; idempotent.
func (r *Registry) Unsubscribe(topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subscriptions, topic)
}

// IsSubscribed reports whether topic is currently marked subscribed.
func (r *Registry) IsSubscribed(topic string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.subscriptions[topic]
	return ok
}

// ActiveSubscriptions returns every topic currently marked subscribed,
// sorted for deterministic output.
func (r *Registry) ActiveSubscriptions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.subscriptions))
	for t := range r.subscriptions {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// ElectNextVessel chooses a successor among candidates, excluding
// exclude. Implemented literally as spec's documented strategy — "the
// next peer-id in sorted order" — kept behind this function so a
// future closest-to-H(reverieID) election can replace it without
// touching call sites in nodeclient or the respawn coordinator.
func ElectNextVessel(candidates []peer.ID, exclude peer.ID) peer.ID {
	sorted := make([]peer.ID, 0, len(candidates))
	for _, c := range candidates {
		if c != exclude {
			sorted = append(sorted, c)
		}
	}
	if len(sorted) == 0 {
		return ""
	}
	sortPeerIDs(sorted)
	return sorted[0]
}

func sortPeerIDs(ids []peer.ID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
