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

package respawn

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/reveries-network/node/crypto/pre"
	"github.com/reveries-network/node/identity"
	"github.com/reveries-network/node/internal/logger"
	"github.com/reveries-network/node/network"
	"github.com/reveries-network/node/p2p/gossip"
	"github.com/reveries-network/node/registry"
	"github.com/reveries-network/node/reverie"
)

// cfragCollectionDeadline bounds step 3's parallel fan-out, per spec
// §4.9's "collect... until threshold accumulate or a deadline fires."
const cfragCollectionDeadline = 10 * time.Second

var (
	// ErrVesselNotSilent means step 1's re-check found a recent
	// heartbeat, so this respawn attempt is stale and abandoned.
	ErrVesselNotSilent = errors.New("respawn: previous vessel is not silent, aborting")
	// ErrInsufficientFragments is step 3/4's terminal failure: fewer
	// than threshold verified cfrags were collected within the
	// deadline.
	ErrInsufficientFragments = errors.New("respawn: insufficient verified capsule fragments collected")
)

// Coordinator runs the nine-step vessel-failure recovery protocol
// (C9). Exactly one Coordinator per node; it is idempotent per
// reverie.RespawnKey; only the node registry names as next-vessel for
// a failing agent ever invokes Run for it (enforced by network.Loop's
// liveness tick, which only enqueues a RespawnRequest when it is the
// next-vessel).
type Coordinator struct {
	selfPeer peer.ID
	ident    *identity.PeerIdentity
	reg      *registry.Registry
	frags    FragmentStore
	names    NameDirectory
	peers    PeerSource
	keys     LocalKeyStore
	reveries ReverieStore
	gossip   Gossip
	log      logger.Logger

	mu        sync.Mutex
	inFlight  map[reverie.RespawnKey]struct{}
	completed map[reverie.RespawnKey]struct{}
}

// New constructs a Coordinator.
func New(selfPeer peer.ID, ident *identity.PeerIdentity, reg *registry.Registry, frags FragmentStore, names NameDirectory, peers PeerSource, keys LocalKeyStore, reveries ReverieStore, gossipNode Gossip, log logger.Logger) *Coordinator {
	if log == nil {
		log = logger.GetDefaultLogger()
	}
	return &Coordinator{
		selfPeer:  selfPeer,
		ident:     ident,
		reg:       reg,
		frags:     frags,
		names:     names,
		peers:     peers,
		keys:      keys,
		reveries:  reveries,
		gossip:    gossipNode,
		log:       log,
		inFlight:  make(map[reverie.RespawnKey]struct{}),
		completed: make(map[reverie.RespawnKey]struct{}),
	}
}

// Run executes the nine-step protocol for req. It satisfies
// nodeclient.Respawner. Idempotent per reverie.RespawnKey: a
// concurrent duplicate is ignored outright, and a repeat of an
// already-completed respawn is a no-op rather than running the
// protocol twice (which would otherwise bump the nonce a second
// time). A respawn that previously failed is not remembered, so it
// may be retried.
func (c *Coordinator) Run(ctx context.Context, req network.RespawnRequest) error {
	key := reverie.RespawnKey{
		AgentNameNonce: reverie.AgentVesselInfo{AgentName: req.AgentName, Nonce: req.Nonce}.Name(),
		FailedPeer:     req.FailedVessel,
	}

	c.mu.Lock()
	if _, ok := c.inFlight[key]; ok {
		c.mu.Unlock()
		c.log.Debug("respawn: duplicate respawn id ignored", logger.String("agent_name_nonce", key.AgentNameNonce))
		return nil
	}
	if _, ok := c.completed[key]; ok {
		c.mu.Unlock()
		c.log.Debug("respawn: already-completed respawn id ignored", logger.String("agent_name_nonce", key.AgentNameNonce))
		return nil
	}
	c.inFlight[key] = struct{}{}
	c.mu.Unlock()

	err := c.run(ctx, req)

	c.mu.Lock()
	delete(c.inFlight, key)
	if err == nil {
		c.completed[key] = struct{}{}
	}
	c.mu.Unlock()

	return err
}

func (c *Coordinator) run(ctx context.Context, req network.RespawnRequest) error {
	// Step 1: re-check that the previous vessel is still silent.
	if c.reg.SilentSince(req.FailedVessel, time.Now()) <= network.MaxTimeBeforeRotation {
		return ErrVesselNotSilent
	}

	// Step 2: resolve the reverie-id. network.Loop already resolved it
	// locally via registry.VesselInfoForPeer when it enqueued req, so
	// this step becomes a cross-check against the DHT's published
	// mapping rather than a blind first resolution.
	rev, ok := c.reveries.Get(req.ReverieID)
	if !ok {
		return fmt.Errorf("respawn: no local reverie record for %s", req.ReverieID)
	}
	if publishedPeer, err := c.names.GetReveriePeer(ctx, req.ReverieID); err == nil && publishedPeer != req.FailedVessel {
		c.log.Warn("respawn: DHT-published vessel disagrees with local registry, proceeding on local view",
			logger.String("reverie_id", string(req.ReverieID)))
	}

	// Step 3: parallel cfrag collection.
	cfrags, delegateePK, err := c.collectCapsuleFragments(ctx, req.ReverieID, rev)
	if err != nil {
		return err
	}

	// Step 4: threshold-decrypt with the delegatee key this node was
	// pre-positioned with (by the prior SpawnReverie/respawn round's
	// step 7 / its bootstrap equivalent).
	delegateeSK, storedPK, ok := c.keys.DelegateeKey(req.ReverieID)
	if !ok || storedPK != delegateePK {
		return fmt.Errorf("respawn: %w: no matching local delegatee key for reverie %s", ErrInsufficientFragments, req.ReverieID)
	}
	plaintext, err := pre.DecryptWithCfrags(delegateeSK, rev.Capsule, cfrags, rev.Ciphertext)
	if err != nil {
		return fmt.Errorf("respawn: decrypt: %w", err)
	}

	// Step 5: bump the nonce.
	newNonce := req.Nonce + 1
	oldName := reverie.AgentVesselInfo{AgentName: req.AgentName, Nonce: req.Nonce}.Name()
	newName := reverie.AgentVesselInfo{AgentName: req.AgentName, Nonce: newNonce}.Name()

	// Step 6: subscribe to the n new topics and announce topic_switch.
	newTopics, err := c.subscribeNewTopics(ctx, req.AgentName, newNonce, rev.Threshold, rev.Total)
	if err != nil {
		return fmt.Errorf("respawn: subscribe new topics: %w", err)
	}
	announcement := network.TopicSwitchAnnouncement{
		ReverieID:  req.ReverieID,
		PrevVessel: req.FailedVessel,
		NewVessel:  c.selfPeer,
		NewNonce:   newNonce,
	}
	if err := c.announceTopicSwitch(ctx, announcement); err != nil {
		c.unsubscribeAll(newTopics)
		return fmt.Errorf("respawn: announce topic_switch: %w", err)
	}

	// Step 7: elect next-next-vessel, re-encrypt under a fresh capsule,
	// split, multicast, dispatch. On failure here the cluster is left
	// in the documented "split" state (old and new nonce both exist);
	// peers resolve by preferring the higher nonce on the next
	// topic_switch they observe, so we do not attempt to roll back
	// steps 5/6.
	if err := c.reencryptAndRedistribute(ctx, req.ReverieID, rev, plaintext, req.AgentName, newNonce); err != nil {
		c.unsubscribeAll(newTopics)
		return fmt.Errorf("respawn: reencrypt and redistribute: %w", err)
	}

	// Step 8: unsubscribe — the multicast was one-shot.
	c.unsubscribeAll(newTopics)

	// Step 9: garbage-collect the dead peer.
	c.reg.RemovePeer(req.FailedVessel)

	c.log.Info("respawn: completed",
		logger.String("reverie_id", string(req.ReverieID)),
		logger.String("old_name", oldName),
		logger.String("new_name", newName))
	return nil
}

// collectCapsuleFragments fans out GetFragment calls to every known
// kfrag provider in parallel, returning once >= threshold verified
// cfrags accumulate or cfragCollectionDeadline elapses.
func (c *Coordinator) collectCapsuleFragments(ctx context.Context, id identity.ReverieId, rev reverie.Reverie) ([]pre.CapsuleFragment, pre.PublicKey, error) {
	deadlineCtx, cancel := context.WithTimeout(ctx, cfragCollectionDeadline)
	defer cancel()

	providers := c.reg.AllKfragProviders(id)
	if len(providers) == 0 {
		return nil, pre.PublicKey{}, fmt.Errorf("%w: no known kfrag providers for reverie %s", ErrInsufficientFragments, id)
	}

	type result struct {
		cfrag reverie.CapsuleFragment
		err   error
	}
	results := make(chan result, len(providers))
	for _, p := range providers {
		go func(provider peer.ID) {
			cf, err := c.fetchAnyIndex(deadlineCtx, id, provider)
			results <- result{cfrag: cf, err: err}
		}(p)
	}

	var delegateePK pre.PublicKey
	collected := make([]pre.CapsuleFragment, 0, rev.Threshold)
	seen := make(map[uint8]struct{})
	for i := 0; i < len(providers) && uint8(len(collected)) < rev.Threshold; i++ {
		select {
		case r := <-results:
			if r.err != nil {
				c.log.Warn("respawn: fragment collection error", logger.Error(r.err))
				continue
			}
			if _, dup := seen[r.cfrag.FragmentIndex]; dup {
				continue
			}
			if err := pre.VerifyCapsuleFrag(r.cfrag.UmbralCapsuleFrag, ed25519.PublicKey(r.cfrag.VerifyingPK), r.cfrag.DelegatorPK, r.cfrag.DelegateePK); err != nil {
				c.log.Warn("respawn: capsule fragment failed verification", logger.String("reverie_id", string(id)))
				continue
			}
			seen[r.cfrag.FragmentIndex] = struct{}{}
			collected = append(collected, r.cfrag.UmbralCapsuleFrag)
			delegateePK = r.cfrag.DelegateePK
		case <-deadlineCtx.Done():
			i = len(providers)
		}
	}

	if uint8(len(collected)) < rev.Threshold {
		return nil, pre.PublicKey{}, fmt.Errorf("%w: got %d/%d for reverie %s", ErrInsufficientFragments, len(collected), rev.Threshold, id)
	}
	return collected, delegateePK, nil
}

// fetchAnyIndex asks provider for whichever fragment index it is
// known to hold for id, trying each index registry associates with
// provider until one succeeds.
func (c *Coordinator) fetchAnyIndex(ctx context.Context, id identity.ReverieId, provider peer.ID) (reverie.CapsuleFragment, error) {
	for idx := uint8(0); idx < 32; idx++ {
		holders := c.reg.KfragProviders(id, idx)
		isHolder := false
		for _, h := range holders {
			if h == provider {
				isHolder = true
				break
			}
		}
		if !isHolder {
			continue
		}
		return c.frags.GetFragment(ctx, provider, id, idx)
	}
	return reverie.CapsuleFragment{}, fmt.Errorf("provider %s holds no known fragment index for reverie %s", provider, id)
}

func (c *Coordinator) subscribeNewTopics(ctx context.Context, name string, nonce uint64, threshold, total uint8) ([]gossip.Topic, error) {
	topics := make([]gossip.Topic, 0, total)
	for i := uint8(0); i < total; i++ {
		t := gossip.NewKfragTopic(i, name, nonce, total, threshold)
		if err := c.gossip.Subscribe(ctx, t, nil); err != nil {
			return topics, err
		}
		topics = append(topics, t)
	}
	return topics, nil
}

func (c *Coordinator) unsubscribeAll(topics []gossip.Topic) {
	for _, t := range topics {
		if err := c.gossip.Unsubscribe(t); err != nil {
			c.log.Warn("respawn: failed to unsubscribe topic", logger.String("topic", t.String()), logger.Error(err))
		}
	}
}

func (c *Coordinator) announceTopicSwitch(ctx context.Context, a network.TopicSwitchAnnouncement) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return c.gossip.Publish(ctx, gossip.TopicSwitch(), payload)
}

// reencryptAndRedistribute is step 7: elect a next-next-vessel, split
// a fresh PRE structure toward it as delegatee, multicast the n new
// key fragments, and publish the updated public reverie record.
func (c *Coordinator) reencryptAndRedistribute(ctx context.Context, id identity.ReverieId, oldRev reverie.Reverie, plaintext []byte, agentName string, newNonce uint64) error {
	candidates, err := c.peers.CandidatePeers(ctx, int(oldRev.Total))
	if err != nil {
		return fmt.Errorf("find candidate peers: %w", err)
	}
	if len(candidates) < int(oldRev.Total) {
		return fmt.Errorf("%w: only %d candidates, need %d", ErrInsufficientFragments, len(candidates), oldRev.Total)
	}
	candidates = candidates[:oldRev.Total]

	delegatorSK, delegatorPK, err := pre.GenerateKeyPair()
	if err != nil {
		return fmt.Errorf("generate delegator key: %w", err)
	}
	delegateeSK, delegateePK, err := pre.GenerateKeyPair()
	if err != nil {
		return fmt.Errorf("generate delegatee key: %w", err)
	}

	capsule, ciphertext, err := pre.Encrypt(delegatorPK, plaintext)
	if err != nil {
		return fmt.Errorf("encrypt: %w", err)
	}
	kfrags, err := pre.SplitKey(delegatorSK, delegatorPK, delegateePK, c.ident, oldRev.Threshold, oldRev.Total)
	if err != nil {
		return fmt.Errorf("split key: %w", err)
	}

	for i, p := range candidates {
		kf := reverie.KeyFragment{
			ReverieID:     id,
			ReverieType:   oldRev.Type,
			FragmentIndex: uint8(i),
			Threshold:     oldRev.Threshold,
			Total:         oldRev.Total,
			UmbralKeyFrag: kfrags[i],
			UmbralCapsule: capsule,
			DelegatorPK:   delegatorPK,
			DelegateePK:   delegateePK,
			VerifyingPK:   c.ident.PublicKeyBytes(),
		}
		if err := c.frags.SaveFragment(ctx, p, kf); err != nil {
			return fmt.Errorf("save fragment %d to %s: %w", i, p, err)
		}
		c.reg.RecordKfragProvider(id, uint8(i), p)
	}

	nextNextVessel := registry.ElectNextVessel(candidates, c.selfPeer)
	if nextNextVessel != "" {
		if err := c.frags.SaveDelegateeKey(ctx, nextNextVessel, id, delegateeSK, delegateePK); err != nil {
			c.log.Warn("respawn: failed to pre-position delegatee key at next-next vessel", logger.Error(err))
		}
	}

	newRev, err := reverie.New(id, oldRev.Type, oldRev.Description, oldRev.Threshold, oldRev.Total, capsule, ciphertext, oldRev.AccessCondition)
	if err != nil {
		return fmt.Errorf("construct updated reverie: %w", err)
	}
	c.reveries.Put(newRev)
	c.keys.StoreDelegateeKey(id, delegateeSK, delegateePK)

	vesselInfo := reverie.AgentVesselInfo{
		AgentName:     agentName,
		Nonce:         newNonce,
		TotalFrags:    oldRev.Total,
		Threshold:     oldRev.Threshold,
		CurrentVessel: c.selfPeer,
		NextVessel:    nextNextVessel,
		ReverieID:     id,
	}
	c.reg.SetVesselInfo(id, vesselInfo)

	if err := c.names.PutReverieName(ctx, id, vesselInfo.Name()); err != nil {
		return fmt.Errorf("publish reverie name: %w", err)
	}
	if err := c.names.PutReveriePeer(ctx, id, c.selfPeer); err != nil {
		return fmt.Errorf("publish reverie peer: %w", err)
	}
	return nil
}
