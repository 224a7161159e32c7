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

package nodeclient

import (
	"context"
	"sync"
	"testing"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/reveries-network/node/crypto/access"
	"github.com/reveries-network/node/crypto/pre"
	"github.com/reveries-network/node/identity"
	"github.com/reveries-network/node/network"
	"github.com/reveries-network/node/registry"
	"github.com/reveries-network/node/reverie"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeFragmentStore routes SaveFragment/GetFragment directly to
// in-memory per-peer fragment maps, performing a real PRE
// re-encryption on GetFragment exactly as a remote peer would.
type fakeFragmentStore struct {
	mu           sync.Mutex
	byPeer       map[peer.ID]map[identity.ReverieId]map[uint8]reverie.KeyFragment
	delegateeKeys map[peer.ID]map[identity.ReverieId]delegateeKey
}

func newFakeFragmentStore() *fakeFragmentStore {
	return &fakeFragmentStore{
		byPeer:        make(map[peer.ID]map[identity.ReverieId]map[uint8]reverie.KeyFragment),
		delegateeKeys: make(map[peer.ID]map[identity.ReverieId]delegateeKey),
	}
}

func (f *fakeFragmentStore) SaveDelegateeKey(_ context.Context, to peer.ID, reverieID identity.ReverieId, sk pre.PrivateKey, pk pre.PublicKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	byReverie, ok := f.delegateeKeys[to]
	if !ok {
		byReverie = make(map[identity.ReverieId]delegateeKey)
		f.delegateeKeys[to] = byReverie
	}
	byReverie[reverieID] = delegateeKey{sk: sk, pk: pk}
	return nil
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

type fakeNameDirectory struct {
	mu     sync.Mutex
	names  map[identity.ReverieId]string
	peers  map[identity.ReverieId]peer.ID
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

type fakeRespawner struct {
	calls []network.RespawnRequest
}

func (r *fakeRespawner) Run(_ context.Context, req network.RespawnRequest) error {
	r.calls = append(r.calls, req)
	return nil
}

func newTestClient(t *testing.T, candidates []peer.ID) (*Client, *registry.Registry, *fakeFragmentStore, *fakeRespawner) {
	t.Helper()
	h, err := libp2p.New(libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"))
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })

	ident, err := identity.NewPeerIdentity()
	require.NoError(t, err)

	reg := registry.New()
	loop := network.New(h, reg, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go loop.Run(ctx)

	frags := newFakeFragmentStore()
	names := newFakeNameDirectory()
	peers := &fakePeerSource{peers: candidates}
	respawner := &fakeRespawner{}

	c := New(h.ID(), ident, loop, reg, frags, names, peers, respawner, nil, nil, nil)
	return c, reg, frags, respawner
}

func TestSpawnAndExecuteRoundTrip(t *testing.T) {
	candidates := make([]peer.ID, 0, 3)
	for i := 0; i < 3; i++ {
		h, err := libp2p.New(libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"))
		require.NoError(t, err)
		t.Cleanup(func() { h.Close() })
		candidates = append(candidates, h.ID())
	}

	c, _, _, _ := newTestClient(t, candidates)

	signer, err := identity.NewPeerIdentity()
	require.NoError(t, err)
	cond := access.Ed25519Condition(signer.IdentityPublicKey())

	ctx := context.Background()
	result, err := c.SpawnReverie(ctx, SpawnReverieRequest{
		AgentName:       "researcher",
		Type:            reverie.TypeAgent,
		Description:     "test secret",
		Plaintext:       []byte("super secret payload"),
		Threshold:       2,
		Total:           3,
		AccessCondition: cond,
	})
	require.NoError(t, err)
	require.NotEmpty(t, result.ReverieID)

	digest := access.CanonicalDigest(string(result.ReverieID), 0, 42)
	sig, err := signer.Sign(digest)
	require.NoError(t, err)

	plaintext, err := c.ExecuteWithReverie(ctx, ExecuteWithReverieRequest{
		ReverieID: result.ReverieID,
		Nonce:     0,
		Timestamp: 42,
		AccessKey: access.AccessKey{Signature: sig},
	})
	require.NoError(t, err)
	assert.Equal(t, "super secret payload", string(plaintext))
}

func TestExecuteWithReverieRejectsBadAccessKey(t *testing.T) {
	candidates := make([]peer.ID, 0, 3)
	for i := 0; i < 3; i++ {
		h, err := libp2p.New(libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"))
		require.NoError(t, err)
		t.Cleanup(func() { h.Close() })
		candidates = append(candidates, h.ID())
	}
	c, _, _, _ := newTestClient(t, candidates)

	signer, err := identity.NewPeerIdentity()
	require.NoError(t, err)
	cond := access.Ed25519Condition(signer.IdentityPublicKey())

	ctx := context.Background()
	result, err := c.SpawnReverie(ctx, SpawnReverieRequest{
		AgentName:       "researcher",
		Type:            reverie.TypeAgent,
		Plaintext:       []byte("secret"),
		Threshold:       2,
		Total:           3,
		AccessCondition: cond,
	})
	require.NoError(t, err)

	_, err = c.ExecuteWithReverie(ctx, ExecuteWithReverieRequest{
		ReverieID: result.ReverieID,
		Nonce:     0,
		Timestamp: 42,
		AccessKey: access.AccessKey{Signature: []byte("garbage")},
	})
	assert.ErrorIs(t, err, ErrAccessDenied)
}

func TestSpawnReverieFailsWithInsufficientPeers(t *testing.T) {
	c, _, _, _ := newTestClient(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 6*time.Second)
	defer cancel()

	_, err := c.SpawnReverie(ctx, SpawnReverieRequest{
		AgentName: "researcher",
		Type:      reverie.TypeAgent,
		Plaintext: []byte("secret"),
		Threshold: 2,
		Total:     3,
	})
	assert.ErrorIs(t, err, ErrInsufficientPeers)
}

func TestHandleRespawnRequestDelegatesToRespawner(t *testing.T) {
	c, _, _, respawner := newTestClient(t, nil)

	req := network.RespawnRequest{
		ReverieID:    identity.NewReverieId(),
		AgentName:    "researcher",
		Nonce:        1,
		FailedVessel: peer.ID("dead-peer"),
	}
	require.NoError(t, c.HandleRespawnRequest(context.Background(), req))
	require.Len(t, respawner.calls, 1)
	assert.Equal(t, req, respawner.calls[0])
}
