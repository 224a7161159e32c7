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

package dht

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	kaddht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/reveries-network/node/identity"
	"github.com/reveries-network/node/internal/logger"
	"github.com/reveries-network/node/internal/metrics"
)

// majorityQuorum is the kaddht.Quorum value GetReverieName passes on
// reads of reverie_id_to_name. PutReverieName passes no quorum option.
// No count of agreeing replicas is checked on either path: among the
// records a read receives, the one Validator.Select prefers (the
// highest Seq) is returned.
const majorityQuorum = 0

// Node wraps an IpfsDHT with this network's signed-record key
// namespaces.
type Node struct {
	dht   *kaddht.IpfsDHT
	ident *identity.PeerIdentity
	log   logger.Logger
	seq   atomic.Uint64
}

// New constructs and bootstraps a DHT node in server mode (every peer
// in this network is expected to help route and store records, there
// being no separate client-only tier).
func New(ctx context.Context, h host.Host, ident *identity.PeerIdentity, log logger.Logger) (*Node, error) {
	if log == nil {
		log = logger.GetDefaultLogger()
	}
	d, err := kaddht.New(ctx, h,
		kaddht.Mode(kaddht.ModeServer),
		kaddht.NamespacedValidator(Namespace, Validator{}),
	)
	if err != nil {
		return nil, fmt.Errorf("construct kad-dht: %w", err)
	}
	if err := d.Bootstrap(ctx); err != nil {
		return nil, fmt.Errorf("bootstrap kad-dht: %w", err)
	}
	return &Node{dht: d, ident: ident, log: log}, nil
}

func fullKey(prefix, id string) string {
	return "/" + Namespace + "/" + prefix + id
}

// put signs value under the next local sequence number and stores it
// at the fully-qualified key. Records are never deleted; a later Put
// with a higher Seq (a respawn) simply supersedes this one via
// Validator.Select.
func (n *Node) put(ctx context.Context, key string, value []byte) error {
	start := time.Now()
	seq := n.seq.Add(1)
	rec, err := signRecord(value, seq, n.ident)
	if err != nil {
		metrics.DHTOperationErrors.WithLabelValues("put").Inc()
		return fmt.Errorf("sign record: %w", err)
	}
	wire, err := marshalRecord(rec)
	if err != nil {
		metrics.DHTOperationErrors.WithLabelValues("put").Inc()
		return fmt.Errorf("marshal record: %w", err)
	}
	err = n.dht.PutValue(ctx, key, wire)
	metrics.DHTOperationDuration.WithLabelValues("put").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.DHTOperationErrors.WithLabelValues("put").Inc()
	}
	return err
}

func (n *Node) get(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()
	wire, err := n.dht.GetValue(ctx, key)
	metrics.DHTOperationDuration.WithLabelValues("get").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.DHTOperationErrors.WithLabelValues("get").Inc()
		return nil, err
	}
	rec, err := unmarshalRecord(wire)
	if err != nil {
		metrics.DHTOperationErrors.WithLabelValues("get").Inc()
		return nil, err
	}
	return rec.Value, nil
}

// PutPeerStatus publishes a peer's liveness/status blob.
func (n *Node) PutPeerStatus(ctx context.Context, p peer.ID, status []byte) error {
	return n.put(ctx, fullKey(PrefixPeerStatus, p.String()), status)
}

// GetPeerStatus resolves a peer's last-published status blob.
func (n *Node) GetPeerStatus(ctx context.Context, p peer.ID) ([]byte, error) {
	return n.get(ctx, fullKey(PrefixPeerStatus, p.String()))
}

// PutReverieName publishes the {name}-{nonce} vessel identity for a
// reverie id. It stores through the same put path as every other
// record; no write quorum is set.
func (n *Node) PutReverieName(ctx context.Context, id identity.ReverieId, name string) error {
	return n.put(ctx, fullKey(PrefixReverieName, string(id)), []byte(name))
}

// GetReverieName resolves a reverie id's vessel name. It returns the
// record Validator.Select prefers among those received; it does not
// check that a majority of replicas agree on it.
func (n *Node) GetReverieName(ctx context.Context, id identity.ReverieId) (string, error) {
	key := fullKey(PrefixReverieName, string(id))
	wire, err := n.dht.GetValue(ctx, key, kaddht.Quorum(majorityQuorum))
	if err != nil {
		return "", err
	}
	rec, err := unmarshalRecord(wire)
	if err != nil {
		return "", err
	}
	return string(rec.Value), nil
}

// PutReveriePeer publishes the current-vessel peer id for a reverie.
func (n *Node) PutReveriePeer(ctx context.Context, id identity.ReverieId, p peer.ID) error {
	return n.put(ctx, fullKey(PrefixReveriePeer, string(id)), []byte(p))
}

// GetReveriePeer resolves a reverie's current-vessel peer id.
func (n *Node) GetReveriePeer(ctx context.Context, id identity.ReverieId) (peer.ID, error) {
	value, err := n.get(ctx, fullKey(PrefixReveriePeer, string(id)))
	if err != nil {
		return "", err
	}
	return peer.ID(value), nil
}

// PutKfragProviders publishes the set of peer ids known to hold a key
// fragment for a reverie, newline-joined (kept simple: this record is
// an advisory discovery hint, reconciled against registry.Registry's
// authoritative per-index tracking on read).
func (n *Node) PutKfragProviders(ctx context.Context, id identity.ReverieId, providers []peer.ID) error {
	strs := make([]string, len(providers))
	for i, p := range providers {
		strs[i] = p.String()
	}
	return n.put(ctx, fullKey(PrefixKfragProviders, string(id)), []byte(strings.Join(strs, "\n")))
}

// GetKfragProviders resolves the advertised provider set for a
// reverie.
func (n *Node) GetKfragProviders(ctx context.Context, id identity.ReverieId) ([]peer.ID, error) {
	value, err := n.get(ctx, fullKey(PrefixKfragProviders, string(id)))
	if err != nil {
		return nil, err
	}
	if len(value) == 0 {
		return nil, nil
	}
	parts := strings.Split(string(value), "\n")
	out := make([]peer.ID, 0, len(parts))
	for _, s := range parts {
		out = append(out, peer.ID(s))
	}
	return out, nil
}

// RoutingTableSize reports how many peers this node's Kademlia routing
// table currently holds, for health reporting.
func (n *Node) RoutingTableSize() int {
	return n.dht.RoutingTable().Size()
}

// Close releases the underlying DHT.
func (n *Node) Close() error {
	return n.dht.Close()
}
