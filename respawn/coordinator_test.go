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
	"sync"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/reveries-network/node/crypto/access"
	"github.com/reveries-network/node/crypto/pre"
	"github.com/reveries-network/node/identity"
	"github.com/reveries-network/node/internal/logger"
	"github.com/reveries-network/node/network"
	"github.com/reveries-network/node/p2p/gossip"
	"github.com/reveries-network/node/registry"
	"github.com/reveries-network/node/reverie"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFragmentStore struct {
	mu            sync.Mutex
	byPeer        map[peer.ID]map[identity.ReverieId]map[uint8]reverie.KeyFragment
	delegateeKeys map[peer.ID]map[identity.ReverieId]struct {
		sk pre.PrivateKey
		pk pre.PublicKey
	}
}

func newFakeFragmentStore() *fakeFragmentStore {
	return &fakeFragmentStore{
		byPeer: make(map[peer.ID]map[identity.ReverieId]map[uint8]reverie.KeyFragment),
		delegateeKeys: make(map[peer.ID]map[identity.ReverieId]struct {
			sk pre.PrivateKey
			pk pre.PublicKey
		}),
	}
}

func (f *fakeFragmentStore) SaveFragment(_ context.Context, to peer.ID, frag reverie.KeyFragment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	byReverie, ok := f.byPeer[to]
	if !ok {
		byReverie = make(map[identity.ReverieId]map[uint8]reverie.KeyFragment)
		f.byPeer[to] = byReverie
	}
	byIndex, ok := byReverie[frag.ReverieID]
	if !ok {
		byIndex = make(map[uint8]reverie.KeyFragment)
		byReverie[frag.ReverieID] = byIndex
	}
	byIndex[frag.FragmentIndex] = frag
	return nil
}

func (f *fakeFragmentStore) GetFragment(_ context.Context, from peer.ID, reverieID identity.ReverieId, index uint8) (reverie.CapsuleFragment, error) {
	f.mu.Lock()
	frag, ok := f.byPeer[from][reverieID][index]
	f.mu.Unlock()
	if !ok {
		return reverie.CapsuleFragment{}, assert.AnError
	}

	cfrag, err := pre.Reencrypt(frag.UmbralCapsule, frag.UmbralKeyFrag)
	if err != nil {
		return reverie.CapsuleFragment{}, err
	}
	return reverie.CapsuleFragment{
		ReverieID:         frag.ReverieID,
		ReverieType:       frag.ReverieType,
		FragmentIndex:     frag.FragmentIndex,
		Threshold:         frag.Threshold,
		UmbralCapsuleFrag: cfrag,
		DelegatorPK:       frag.DelegatorPK,
		DelegateePK:       frag.DelegateePK,
		VerifyingPK:       frag.VerifyingPK,
		ProviderPeerID:    from,
	}, nil
}

func (f *fakeFragmentStore) SaveDelegateeKey(_ context.Context, to peer.ID, reverieID identity.ReverieId, sk pre.PrivateKey, pk pre.PublicKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	byReverie, ok := f.delegateeKeys[to]
	if !ok {
		byReverie = make(map[identity.ReverieId]struct {
			sk pre.PrivateKey
			pk pre.PublicKey
		})
		f.delegateeKeys[to] = byReverie
	}
	byReverie[reverieID] = struct {
		sk pre.PrivateKey
		pk pre.PublicKey
	}{sk: sk, pk: pk}
	return nil
}

type fakeNameDirectory struct {
	mu    sync.Mutex
	names map[identity.ReverieId]string
	peers map[identity.ReverieId]peer.ID
}

func newFakeNameDirectory() *fakeNameDirectory {
	return &fakeNameDirectory{names: make(map[identity.ReverieId]string), peers: make(map[identity.ReverieId]peer.ID)}
}

func (d *fakeNameDirectory) PutReverieName(_ context.Context, id identity.ReverieId, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.names[id] = name
	return nil
}

func (d *fakeNameDirectory) GetReverieName(_ context.Context, id identity.ReverieId) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	name, ok := d.names[id]
	if !ok {
		return "", assert.AnError
	}
	return name, nil
}

func (d *fakeNameDirectory) PutReveriePeer(_ context.Context, id identity.ReverieId, p peer.ID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.peers[id] = p
	return nil
}

func (d *fakeNameDirectory) GetReveriePeer(_ context.Context, id identity.ReverieId) (peer.ID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.peers[id]
	if !ok {
		return "", assert.AnError
	}
	return p, nil
}

type fakePeerSource struct {
	peers []peer.ID
}

func (s *fakePeerSource) CandidatePeers(_ context.Context, n int) ([]peer.ID, error) {
	if n > len(s.peers) {
		n = len(s.peers)
	}
	return s.peers[:n], nil
}

type fakeLocalKeyStore struct {
	mu   sync.Mutex
	keys map[identity.ReverieId]struct {
		sk pre.PrivateKey
		pk pre.PublicKey
	}
}

func newFakeLocalKeyStore() *fakeLocalKeyStore {
	return &fakeLocalKeyStore{keys: make(map[identity.ReverieId]struct {
		sk pre.PrivateKey
		pk pre.PublicKey
	})}
}

func (s *fakeLocalKeyStore) StoreDelegateeKey(id identity.ReverieId, sk pre.PrivateKey, pk pre.PublicKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[id] = struct {
		sk pre.PrivateKey
		pk pre.PublicKey
	}{sk: sk, pk: pk}
}

func (s *fakeLocalKeyStore) DelegateeKey(id identity.ReverieId) (pre.PrivateKey, pre.PublicKey, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	return k.sk, k.pk, ok
}

type fakeReverieStore struct {
	mu       sync.Mutex
	reveries map[identity.ReverieId]reverie.Reverie
}

func newFakeReverieStore() *fakeReverieStore {
	return &fakeReverieStore{reveries: make(map[identity.ReverieId]reverie.Reverie)}
}

func (s *fakeReverieStore) Put(r reverie.Reverie) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reveries[r.ID] = r
}

func (s *fakeReverieStore) Get(id identity.ReverieId) (reverie.Reverie, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reveries[id]
	return r, ok
}

type fakeGossip struct {
	mu            sync.Mutex
	subscribed    map[string]bool
	announcements [][]byte
}

func newFakeGossip() *fakeGossip {
	return &fakeGossip{subscribed: make(map[string]bool)}
}

func (g *fakeGossip) Subscribe(_ context.Context, t gossip.Topic, _ gossip.Handler) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.subscribed[t.String()] = true
	return nil
}

func (g *fakeGossip) Unsubscribe(t gossip.Topic) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.subscribed, t.String())
	return nil
}

func (g *fakeGossip) Publish(_ context.Context, t gossip.Topic, payload []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if t.Kind == gossip.KindTopicSwitch {
		g.announcements = append(g.announcements, payload)
	}
	return nil
}

// testFixture holds a fully spawned reverie split across three
// provider peers, with the coordinator's own node already holding the
// pre-positioned delegatee key exactly as nodeclient.SpawnReverie (or
// a prior respawn round) would have left it.
type testFixture struct {
	reverieID   identity.ReverieId
	plaintext   []byte
	providers   []peer.ID
	frags       *fakeFragmentStore
	names       *fakeNameDirectory
	keys        *fakeLocalKeyStore
	reveries    *fakeReverieStore
	gossipNode  *fakeGossip
	reg         *registry.Registry
	selfPeer    peer.ID
	failedVessel peer.ID
	ident       *identity.PeerIdentity
}

func newTestFixture(t *testing.T, threshold, total uint8) *testFixture {
	t.Helper()

	plaintext := []byte("a freshly respawned secret")
	reverieID := identity.NewReverieId()

	delegatorSK, delegatorPK, err := pre.GenerateKeyPair()
	require.NoError(t, err)
	delegateeSK, delegateePK, err := pre.GenerateKeyPair()
	require.NoError(t, err)

	ident, err := identity.NewPeerIdentity()
	require.NoError(t, err)

	capsule, ciphertext, err := pre.Encrypt(delegatorPK, plaintext)
	require.NoError(t, err)

	kfrags, err := pre.SplitKey(delegatorSK, delegatorPK, delegateePK, ident, threshold, total)
	require.NoError(t, err)

	cond := access.Ed25519Condition(ident.IdentityPublicKey())
	rev, err := reverie.New(reverieID, reverie.TypeAgent, "test", threshold, total, capsule, ciphertext, cond)
	require.NoError(t, err)

	reg := registry.New()
	frags := newFakeFragmentStore()
	providers := make([]peer.ID, total)
	for i := uint8(0); i < total; i++ {
		providers[i] = peer.ID("provider-" + string(rune('a'+i)))
		kf := reverie.KeyFragment{
			ReverieID:     reverieID,
			ReverieType:   reverie.TypeAgent,
			FragmentIndex: i,
			Threshold:     threshold,
			Total:         total,
			UmbralKeyFrag: kfrags[i],
			UmbralCapsule: capsule,
			DelegatorPK:   delegatorPK,
			DelegateePK:   delegateePK,
			VerifyingPK:   ident.PublicKeyBytes(),
		}
		require.NoError(t, frags.SaveFragment(context.Background(), providers[i], kf))
		reg.RecordKfragProvider(reverieID, i, providers[i])
	}

	selfPeer := peer.ID("next-vessel")
	failedVessel := peer.ID("failed-vessel")

	keys := newFakeLocalKeyStore()
	keys.StoreDelegateeKey(reverieID, delegateeSK, delegateePK)

	reveries := newFakeReverieStore()
	reveries.Put(rev)

	names := newFakeNameDirectory()
	require.NoError(t, names.PutReveriePeer(context.Background(), reverieID, failedVessel))

	reg.SetVesselInfo(reverieID, reverie.AgentVesselInfo{
		AgentName:     "researcher",
		Nonce:         0,
		TotalFrags:    total,
		Threshold:     threshold,
		CurrentVessel: failedVessel,
		NextVessel:    selfPeer,
		ReverieID:     reverieID,
	})

	return &testFixture{
		reverieID:    reverieID,
		plaintext:    plaintext,
		providers:    providers,
		frags:        frags,
		names:        names,
		keys:         keys,
		reveries:     reveries,
		gossipNode:   newFakeGossip(),
		reg:          reg,
		selfPeer:     selfPeer,
		failedVessel: failedVessel,
		ident:        ident,
	}
}

func (f *testFixture) newCoordinator(candidates []peer.ID) *Coordinator {
	peers := &fakePeerSource{peers: candidates}
	return New(f.selfPeer, f.ident, f.reg, f.frags, f.names, peers, f.keys, f.reveries, f.gossipNode, logger.GetDefaultLogger())
}

func TestCoordinatorRunRecoversAndRedistributes(t *testing.T) {
	f := newTestFixture(t, 2, 3)

	nextCandidates := []peer.ID{
		peer.ID("new-provider-a"),
		peer.ID("new-provider-b"),
		peer.ID("new-provider-c"),
	}
	c := f.newCoordinator(nextCandidates)

	req := network.RespawnRequest{
		ReverieID:    f.reverieID,
		AgentName:    "researcher",
		Nonce:        0,
		FailedVessel: f.failedVessel,
	}
	require.NoError(t, c.Run(context.Background(), req))

	// Step 6: topic_switch was announced once.
	assert.Len(t, f.gossipNode.announcements, 1)

	// Step 8: new topics were unsubscribed again after the one-shot
	// multicast completed.
	assert.Empty(t, f.gossipNode.subscribed)

	// Step 9: the dead vessel's bookkeeping is gone.
	_, _, ok := f.reg.VesselInfoForPeer(f.failedVessel)
	assert.False(t, ok)

	// Step 7: the reverie's ciphertext/capsule were rotated, and a
	// fresh delegatee key is stored locally for the next round.
	updatedRev, ok := f.reveries.Get(f.reverieID)
	require.True(t, ok)
	assert.NotEqual(t, f.plaintext, updatedRev.Ciphertext)

	newVesselInfo, ok := f.reg.VesselInfo(f.reverieID)
	require.True(t, ok)
	assert.Equal(t, uint64(1), newVesselInfo.Nonce)
	assert.Equal(t, f.selfPeer, newVesselInfo.CurrentVessel)
	assert.Contains(t, nextCandidates, newVesselInfo.NextVessel)

	// The next-next-vessel was pre-positioned with a delegatee key
	// for a future respawn, per the same SaveDelegateeKey chain
	// SpawnReverie uses.
	f.frags.mu.Lock()
	_, gotKey := f.frags.delegateeKeys[newVesselInfo.NextVessel][f.reverieID]
	f.frags.mu.Unlock()
	assert.True(t, gotKey)
}

func TestCoordinatorRunIsIdempotent(t *testing.T) {
	f := newTestFixture(t, 2, 3)
	candidates := []peer.ID{peer.ID("new-a"), peer.ID("new-b"), peer.ID("new-c")}
	c := f.newCoordinator(candidates)

	req := network.RespawnRequest{
		ReverieID:    f.reverieID,
		AgentName:    "researcher",
		Nonce:        0,
		FailedVessel: f.failedVessel,
	}
	require.NoError(t, c.Run(context.Background(), req))
	require.NoError(t, c.Run(context.Background(), req))

	// A second Run for the same already-completed key is a no-op: the
	// reverie's vessel info was already rotated to nonce 1 and not
	// rotated again to nonce 2.
	newVesselInfo, ok := f.reg.VesselInfo(f.reverieID)
	require.True(t, ok)
	assert.Equal(t, uint64(1), newVesselInfo.Nonce)
}

func TestCoordinatorRunFailsWhenVesselNotSilent(t *testing.T) {
	f := newTestFixture(t, 2, 3)
	f.reg.RecordHeartbeat(f.failedVessel, reverie.HeartbeatSample{Timestamp: time.Now()})

	c := f.newCoordinator([]peer.ID{peer.ID("new-a"), peer.ID("new-b"), peer.ID("new-c")})
	req := network.RespawnRequest{
		ReverieID:    f.reverieID,
		AgentName:    "researcher",
		Nonce:        0,
		FailedVessel: f.failedVessel,
	}
	err := c.Run(context.Background(), req)
	assert.ErrorIs(t, err, ErrVesselNotSilent)
}
