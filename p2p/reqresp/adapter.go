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

package reqresp

import (
	"context"
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/reveries-network/node/crypto/pre"
	"github.com/reveries-network/node/identity"
	"github.com/reveries-network/node/internal/logger"
	"github.com/reveries-network/node/reverie"
)

// LocalKeyStore is the subset of nodeclient.LocalKeyStore the
// FragmentAdapter needs to persist a pre-positioned delegatee key on
// receipt of SaveDelegateeKey. Declared locally so this package does
// not need to import nodeclient.
type LocalKeyStore interface {
	StoreDelegateeKey(id identity.ReverieId, sk pre.PrivateKey, pk pre.PublicKey)
}

// FragmentAdapter is the concrete FragmentStore (nodeclient, respawn)
// backed by this package's Client/Server pair: it places outbound
// calls over Client and answers inbound ones registered on Server,
// holding the key fragments this node has been entrusted with as a
// provider.
type FragmentAdapter struct {
	client   *Client
	selfPeer peer.ID
	keys     LocalKeyStore
	log      logger.Logger

	mu   sync.RWMutex
	held map[identity.ReverieId]map[uint8]reverie.KeyFragment
}

// NewFragmentAdapter constructs a FragmentAdapter and registers its
// inbound handlers on server.
func NewFragmentAdapter(client *Client, server *Server, selfPeer peer.ID, keys LocalKeyStore, log logger.Logger) *FragmentAdapter {
	if log == nil {
		log = logger.GetDefaultLogger()
	}
	a := &FragmentAdapter{
		client:   client,
		selfPeer: selfPeer,
		keys:     keys,
		log:      log,
		held:     make(map[identity.ReverieId]map[uint8]reverie.KeyFragment),
	}
	server.Handle(KindSaveFragment, a.handleSaveFragment)
	server.Handle(KindGetFragment, a.handleGetFragment)
	server.Handle(KindSaveDelegateeKey, a.handleSaveDelegateeKey)
	return a
}

// SaveFragment delivers frag to peer to over the wire.
func (a *FragmentAdapter) SaveFragment(ctx context.Context, to peer.ID, frag reverie.KeyFragment) error {
	_, err := a.client.Call(ctx, to, KindSaveFragment, SaveFragment{Fragment: frag})
	return err
}

// GetFragment asks from for its re-encrypted capsule fragment.
func (a *FragmentAdapter) GetFragment(ctx context.Context, from peer.ID, reverieID identity.ReverieId, index uint8) (reverie.CapsuleFragment, error) {
	reply, err := a.client.Call(ctx, from, KindGetFragment, GetFragment{ReverieID: reverieID, Index: index})
	if err != nil {
		return reverie.CapsuleFragment{}, err
	}
	var body CapsuleFragmentReply
	if err := cbor.Unmarshal(reply.Body, &body); err != nil {
		return reverie.CapsuleFragment{}, fmt.Errorf("decode capsule fragment reply: %w", err)
	}
	return body.Fragment, nil
}

// SaveDelegateeKey dispatches a pre-positioned delegatee secret key to
// to.
func (a *FragmentAdapter) SaveDelegateeKey(ctx context.Context, to peer.ID, reverieID identity.ReverieId, sk pre.PrivateKey, pk pre.PublicKey) error {
	_, err := a.client.Call(ctx, to, KindSaveDelegateeKey, SaveDelegateeKey{ReverieID: reverieID, SecretKey: sk, PublicKey: pk})
	return err
}

func (a *FragmentAdapter) handleSaveFragment(_ context.Context, _ peer.ID, body []byte) (Kind, interface{}, error) {
	var req SaveFragment
	if err := cbor.Unmarshal(body, &req); err != nil {
		return "", nil, fmt.Errorf("decode save_fragment: %w", err)
	}

	a.mu.Lock()
	byIndex, ok := a.held[req.Fragment.ReverieID]
	if !ok {
		byIndex = make(map[uint8]reverie.KeyFragment)
		a.held[req.Fragment.ReverieID] = byIndex
	}
	byIndex[req.Fragment.FragmentIndex] = req.Fragment
	a.mu.Unlock()

	return KindKfragProviderAck, KfragProviderAck{ReverieID: req.Fragment.ReverieID, Index: req.Fragment.FragmentIndex, Provider: a.selfPeer}, nil
}

func (a *FragmentAdapter) handleGetFragment(_ context.Context, _ peer.ID, body []byte) (Kind, interface{}, error) {
	var req GetFragment
	if err := cbor.Unmarshal(body, &req); err != nil {
		return "", nil, fmt.Errorf("decode get_fragment: %w", err)
	}

	a.mu.RLock()
	frag, ok := a.held[req.ReverieID][req.Index]
	a.mu.RUnlock()
	if !ok {
		return "", nil, fmt.Errorf("no fragment held for reverie %s index %d", req.ReverieID, req.Index)
	}

	cfrag, err := pre.Reencrypt(frag.UmbralCapsule, frag.UmbralKeyFrag)
	if err != nil {
		return "", nil, fmt.Errorf("reencrypt: %w", err)
	}

	reply := reverie.CapsuleFragment{
		ReverieID:         frag.ReverieID,
		ReverieType:       frag.ReverieType,
		FragmentIndex:     frag.FragmentIndex,
		Threshold:         frag.Threshold,
		UmbralCapsuleFrag: cfrag,
		DelegatorPK:       frag.DelegatorPK,
		DelegateePK:       frag.DelegateePK,
		VerifyingPK:       frag.VerifyingPK,
		ProviderPeerID:    a.selfPeer,
	}
	return KindCapsuleFragmentReply, CapsuleFragmentReply{Fragment: reply}, nil
}

func (a *FragmentAdapter) handleSaveDelegateeKey(_ context.Context, _ peer.ID, body []byte) (Kind, interface{}, error) {
	var req SaveDelegateeKey
	if err := cbor.Unmarshal(body, &req); err != nil {
		return "", nil, fmt.Errorf("decode save_delegatee_key: %w", err)
	}
	a.keys.StoreDelegateeKey(req.ReverieID, req.SecretKey, req.PublicKey)
	return KindDelegateeKeyAck, DelegateeKeyAck{ReverieID: req.ReverieID}, nil
}
