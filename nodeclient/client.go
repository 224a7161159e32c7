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
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/reveries-network/node/crypto/access"
	"github.com/reveries-network/node/crypto/pre"
	"github.com/reveries-network/node/identity"
	"github.com/reveries-network/node/internal/logger"
	"github.com/reveries-network/node/network"
	"github.com/reveries-network/node/proxy"
	"github.com/reveries-network/node/registry"
	"github.com/reveries-network/node/reverie"
)

// spawnDeadline bounds how long spawn_reverie waits to gather enough
// candidate peers before giving up, per spec §4.8.
const spawnDeadline = 5 * time.Second

var (
	ErrInsufficientPeers = errors.New("nodeclient: insufficient peers available within spawn deadline")
	ErrUnknownReverie    = errors.New("nodeclient: reverie not found")
	ErrAccessDenied      = errors.New("nodeclient: access condition not satisfied")
	ErrWrongReverieType  = errors.New("nodeclient: reverie-type does not match the stored reverie")
	ErrNoProxyConfigured = errors.New("nodeclient: no MITM proxy internal API configured")
)

// SpawnReverieRequest describes a new secret to delegate across the
// network.
type SpawnReverieRequest struct {
	AgentName       string
	Type            reverie.Type
	Description     string
	Plaintext       []byte
	Threshold       uint8
	Total           uint8
	AccessCondition access.Condition
}

// SpawnReverieResult is returned once the reverie's fragments have
// been distributed and its identity published.
type SpawnReverieResult struct {
	ReverieID identity.ReverieId
}

// ExecuteWithReverieRequest asks this node, as a reverie's current
// vessel, to assemble threshold capsule fragments and decrypt.
type ExecuteWithReverieRequest struct {
	ReverieID identity.ReverieId
	Nonce     uint64
	Timestamp uint64
	AccessKey access.AccessKey
}

// DelegateAPIKeyRequest asks this node, as an existing reverie's
// current vessel, to decrypt a credential-shaped secret and install it
// into the local MITM proxy, per spec §4.8's delegate_api_key.
type DelegateAPIKeyRequest struct {
	ReverieID   identity.ReverieId
	ReverieType reverie.Type
	Nonce       uint64
	Timestamp   uint64
	AccessKey   access.AccessKey
}

// delegatedCredential is the JSON shape delegate_api_key's decrypted
// plaintext parses as: one or more credentials bundled into a single
// reverie. Field names match the MITM proxy's internal /add_api_key
// request body so this package can build it without importing proxy's
// unexported request type.
type delegatedCredential struct {
	APIKeyType  string `json:"api_key_type"`
	APIKey      string `json:"api_key"`
	Spender     string `json:"spender"`
	SpenderType string `json:"spender_type"`
}

// Client is the façade applications and the CLI call into.
type Client struct {
	selfPeer peer.ID
	ident    *identity.PeerIdentity
	loop     *network.Loop
	reg      *registry.Registry
	frags    FragmentStore
	names    NameDirectory
	peers    PeerSource
	keys     LocalKeyStore
	reveries ReverieStore
	respawn  Respawner
	oracle   access.BalanceOracle
	log      logger.Logger

	proxyInternalURL string
	httpClient       *http.Client
}

// SetBalanceOracle installs the collaborator Contract-variant access
// conditions are checked against. Without one, ExecuteWithReverie
// refuses every Contract-gated reverie rather than silently allowing
// it — a missing oracle is a configuration error, not an open gate.
func (c *Client) SetBalanceOracle(oracle access.BalanceOracle) {
	c.oracle = oracle
}

// SetProxyInternalAPI points delegate_api_key's credential POSTs at the
// local MITM proxy's internal API, e.g. "http://127.0.0.1:8443".
// Without this, DelegateAPIKey refuses rather than silently dropping
// the decrypted credential.
func (c *Client) SetProxyInternalAPI(baseURL string) {
	c.proxyInternalURL = baseURL
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: 10 * time.Second}
	}
}

// New constructs a Client. keys/reveries default to in-memory stores
// when nil.
func New(selfPeer peer.ID, ident *identity.PeerIdentity, loop *network.Loop, reg *registry.Registry, frags FragmentStore, names NameDirectory, peers PeerSource, respawn Respawner, keys LocalKeyStore, reveries ReverieStore, log logger.Logger) *Client {
	if keys == nil {
		keys = NewMemKeyStore()
	}
	if reveries == nil {
		reveries = NewMemReverieStore()
	}
	if log == nil {
		log = logger.GetDefaultLogger()
	}
	return &Client{
		selfPeer: selfPeer,
		ident:    ident,
		loop:     loop,
		reg:      reg,
		frags:    frags,
		names:    names,
		peers:    peers,
		keys:     keys,
		reveries: reveries,
		respawn:  respawn,
		log:      log,
	}
}

// submit runs fn on the loop's goroutine and returns fn's result, or
// ctx's error if ctx ends first.
func submit[T any](ctx context.Context, l *network.Loop, fn func(ctx context.Context) (T, error)) (T, error) {
	type result struct {
		val T
		err error
	}
	replyCh := make(chan result, 1)
	if err := l.Submit(ctx, func(cmdCtx context.Context, _ *network.Loop) {
		val, err := fn(cmdCtx)
		replyCh <- result{val: val, err: err}
	}); err != nil {
		var zero T
		return zero, err
	}

	select {
	case r := <-replyCh:
		return r.val, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// SpawnReverie creates a new reverie hosted on this node (the initial
// vessel), distributing key fragments to Total peers found within
// spawnDeadline.
func (c *Client) SpawnReverie(ctx context.Context, req SpawnReverieRequest) (SpawnReverieResult, error) {
	return submit(ctx, c.loop, func(ctx context.Context) (SpawnReverieResult, error) {
		return c.doSpawnReverie(ctx, req)
	})
}

func (c *Client) doSpawnReverie(ctx context.Context, req SpawnReverieRequest) (SpawnReverieResult, error) {
	deadlineCtx, cancel := context.WithTimeout(ctx, spawnDeadline)
	defer cancel()

	candidates, err := c.peers.CandidatePeers(deadlineCtx, int(req.Total))
	if err != nil {
		return SpawnReverieResult{}, fmt.Errorf("find candidate peers: %w", err)
	}
	if len(candidates) < int(req.Total) {
		return SpawnReverieResult{}, ErrInsufficientPeers
	}
	candidates = candidates[:req.Total]

	delegatorSK, delegatorPK, err := pre.GenerateKeyPair()
	if err != nil {
		return SpawnReverieResult{}, fmt.Errorf("generate delegator key: %w", err)
	}
	delegateeSK, delegateePK, err := pre.GenerateKeyPair()
	if err != nil {
		return SpawnReverieResult{}, fmt.Errorf("generate delegatee key: %w", err)
	}

	capsule, ciphertext, err := pre.Encrypt(delegatorPK, req.Plaintext)
	if err != nil {
		return SpawnReverieResult{}, fmt.Errorf("encrypt reverie payload: %w", err)
	}

	kfrags, err := pre.SplitKey(delegatorSK, delegatorPK, delegateePK, c.ident, req.Threshold, req.Total)
	if err != nil {
		return SpawnReverieResult{}, fmt.Errorf("split key: %w", err)
	}

	reverieID := identity.NewReverieId()

	for i, p := range candidates {
		kf := reverie.KeyFragment{
			ReverieID:     reverieID,
			ReverieType:   req.Type,
			FragmentIndex: uint8(i),
			Threshold:     req.Threshold,
			Total:         req.Total,
			UmbralKeyFrag: kfrags[i],
			UmbralCapsule: capsule,
			DelegatorPK:   delegatorPK,
			DelegateePK:   delegateePK,
			VerifyingPK:   c.ident.PublicKeyBytes(),
		}
		if err := c.frags.SaveFragment(deadlineCtx, p, kf); err != nil {
			return SpawnReverieResult{}, fmt.Errorf("save fragment %d to %s: %w", i, p, err)
		}
		c.reg.RecordKfragProvider(reverieID, uint8(i), p)
	}

	c.keys.StoreDelegateeKey(reverieID, delegateeSK, delegateePK)

	rev, err := reverie.New(reverieID, req.Type, req.Description, req.Threshold, req.Total, capsule, ciphertext, req.AccessCondition)
	if err != nil {
		return SpawnReverieResult{}, fmt.Errorf("construct reverie: %w", err)
	}
	c.reveries.Put(rev)

	name := reverie.AgentVesselInfo{AgentName: req.AgentName, Nonce: 0}.Name()
	nextVessel := registry.ElectNextVessel(candidates, c.selfPeer)
	if nextVessel != "" {
		if err := c.frags.SaveDelegateeKey(deadlineCtx, nextVessel, reverieID, delegateeSK, delegateePK); err != nil {
			c.log.Warn("nodeclient: failed to pre-position delegatee key at next vessel", logger.String("reverie_id", string(reverieID)), logger.Error(err))
		}
	}
	c.reg.SetVesselInfo(reverieID, reverie.AgentVesselInfo{
		AgentName:     req.AgentName,
		Nonce:         0,
		TotalFrags:    req.Total,
		Threshold:     req.Threshold,
		CurrentVessel: c.selfPeer,
		NextVessel:    nextVessel,
		ReverieID:     reverieID,
	})

	if err := c.names.PutReverieName(deadlineCtx, reverieID, name); err != nil {
		return SpawnReverieResult{}, fmt.Errorf("publish reverie name: %w", err)
	}
	if err := c.names.PutReveriePeer(deadlineCtx, reverieID, c.selfPeer); err != nil {
		return SpawnReverieResult{}, fmt.Errorf("publish reverie peer: %w", err)
	}

	return SpawnReverieResult{ReverieID: reverieID}, nil
}

// ExecuteWithReverie verifies the presented access key, assembles
// threshold capsule fragments from the known providers, and decrypts.
// This is the one place an access check is performed for reverie
// content — callers never get a path to the plaintext that bypasses
// it.
func (c *Client) ExecuteWithReverie(ctx context.Context, req ExecuteWithReverieRequest) ([]byte, error) {
	return submit(ctx, c.loop, func(ctx context.Context) ([]byte, error) {
		return c.doExecuteWithReverie(ctx, req)
	})
}

func (c *Client) doExecuteWithReverie(ctx context.Context, req ExecuteWithReverieRequest) ([]byte, error) {
	rev, ok := c.reveries.Get(req.ReverieID)
	if !ok {
		return nil, ErrUnknownReverie
	}

	isContract := rev.AccessCondition.Variant == access.VariantContract
	if isContract {
		if c.oracle == nil {
			return nil, fmt.Errorf("%w: no balance oracle configured for Contract condition", ErrAccessDenied)
		}
		if err := access.CheckContract(rev.AccessCondition, c.oracle); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrAccessDenied, err)
		}
	} else if err := access.Verify(rev.AccessCondition, string(req.ReverieID), req.Nonce, req.Timestamp, req.AccessKey); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAccessDenied, err)
	}

	plaintext, err := c.gatherAndDecrypt(ctx, req.ReverieID, rev)
	if err != nil {
		return nil, err
	}

	if isContract {
		cond := rev.AccessCondition
		if err := c.oracle.RecordSpend(cond.ContractID, cond.UserID, cond.MinAmount); err != nil {
			c.log.Warn("nodeclient: recording contract spend failed", logger.String("reverie_id", string(req.ReverieID)), logger.Error(err))
		}
	}
	return plaintext, nil
}

// gatherAndDecrypt collects at least rev.Threshold verified capsule
// fragments for reverieID from their registered providers and
// threshold-decrypts rev's ciphertext. Shared by doExecuteWithReverie
// and doDelegateAPIKey — both need the identical gather-verify-decrypt
// sequence, differing only in what they do with the plaintext after.
func (c *Client) gatherAndDecrypt(ctx context.Context, reverieID identity.ReverieId, rev reverie.Reverie) ([]byte, error) {
	delegateeSK, _, ok := c.keys.DelegateeKey(reverieID)
	if !ok {
		return nil, fmt.Errorf("nodeclient: no delegatee key held for reverie %s", reverieID)
	}

	if len(c.reg.AllKfragProviders(reverieID)) < int(rev.Threshold) {
		return nil, fmt.Errorf("nodeclient: only %d known fragment providers for reverie %s, need %d", len(c.reg.AllKfragProviders(reverieID)), reverieID, rev.Threshold)
	}

	cfrags := make([]pre.CapsuleFragment, 0, rev.Threshold)
	for idx := uint8(0); idx < rev.Total && uint8(len(cfrags)) < rev.Threshold; idx++ {
		holders := c.reg.KfragProviders(reverieID, idx)
		if len(holders) == 0 {
			continue
		}
		cf, err := c.frags.GetFragment(ctx, holders[0], reverieID, idx)
		if err != nil {
			c.log.Warn("nodeclient: fragment fetch failed", logger.String("reverie_id", string(reverieID)), logger.Error(err))
			continue
		}
		if err := pre.VerifyCapsuleFrag(cf.UmbralCapsuleFrag, ed25519.PublicKey(cf.VerifyingPK), cf.DelegatorPK, cf.DelegateePK); err != nil {
			c.log.Warn("nodeclient: capsule fragment failed verification", logger.String("reverie_id", string(reverieID)))
			continue
		}
		cfrags = append(cfrags, cf.UmbralCapsuleFrag)
	}

	if uint8(len(cfrags)) < rev.Threshold {
		return nil, fmt.Errorf("nodeclient: gathered %d/%d capsule fragments for reverie %s", len(cfrags), rev.Threshold, reverieID)
	}

	plaintext, err := pre.DecryptWithCfrags(delegateeSK, rev.Capsule, cfrags, rev.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decrypt with capsule fragments: %w", err)
	}
	return plaintext, nil
}

// DelegateAPIKey implements spec §4.8's delegate_api_key: gather
// threshold capsule fragments for an existing reverie, decrypt it,
// parse the plaintext as one or more credentials, and install each
// into the local MITM proxy's internal API over the node-identity
// signed channel proxy.InternalAPI verifies.
func (c *Client) DelegateAPIKey(ctx context.Context, req DelegateAPIKeyRequest) error {
	_, err := submit(ctx, c.loop, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.doDelegateAPIKey(ctx, req)
	})
	return err
}

func (c *Client) doDelegateAPIKey(ctx context.Context, req DelegateAPIKeyRequest) error {
	if c.proxyInternalURL == "" {
		return ErrNoProxyConfigured
	}

	rev, ok := c.reveries.Get(req.ReverieID)
	if !ok {
		return ErrUnknownReverie
	}
	if rev.Type != req.ReverieType {
		return ErrWrongReverieType
	}

	isContract := rev.AccessCondition.Variant == access.VariantContract
	if isContract {
		if c.oracle == nil {
			return fmt.Errorf("%w: no balance oracle configured for Contract condition", ErrAccessDenied)
		}
		if err := access.CheckContract(rev.AccessCondition, c.oracle); err != nil {
			return fmt.Errorf("%w: %v", ErrAccessDenied, err)
		}
	} else if err := access.Verify(rev.AccessCondition, string(req.ReverieID), req.Nonce, req.Timestamp, req.AccessKey); err != nil {
		return fmt.Errorf("%w: %v", ErrAccessDenied, err)
	}

	plaintext, err := c.gatherAndDecrypt(ctx, req.ReverieID, rev)
	if err != nil {
		return err
	}

	if isContract {
		cond := rev.AccessCondition
		if err := c.oracle.RecordSpend(cond.ContractID, cond.UserID, cond.MinAmount); err != nil {
			c.log.Warn("nodeclient: recording contract spend failed", logger.String("reverie_id", string(req.ReverieID)), logger.Error(err))
		}
	}

	var creds []delegatedCredential
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		var single delegatedCredential
		if err2 := json.Unmarshal(plaintext, &single); err2 != nil {
			return fmt.Errorf("nodeclient: decrypted reverie %s is not a valid credential payload: %w", req.ReverieID, err)
		}
		creds = []delegatedCredential{single}
	}

	for _, cred := range creds {
		if err := c.postCredential(ctx, req.ReverieID, cred); err != nil {
			return fmt.Errorf("nodeclient: installing credential for reverie %s: %w", req.ReverieID, err)
		}
	}
	return nil
}

// postCredential signs and POSTs a single credential to the local MITM
// proxy's /add_api_key endpoint, using the same node-identity Ed25519
// signature scheme proxy.InternalAPI verifies on every mutation.
func (c *Client) postCredential(ctx context.Context, reverieID identity.ReverieId, cred delegatedCredential) error {
	body, err := json.Marshal(struct {
		ReverieID   string `json:"reverie_id"`
		APIKeyType  string `json:"api_key_type"`
		APIKey      string `json:"api_key"`
		Spender     string `json:"spender"`
		SpenderType string `json:"spender_type"`
	}{
		ReverieID:   string(reverieID),
		APIKeyType:  cred.APIKeyType,
		APIKey:      cred.APIKey,
		Spender:     cred.Spender,
		SpenderType: cred.SpenderType,
	})
	if err != nil {
		return fmt.Errorf("marshal add_api_key request: %w", err)
	}

	const path = "/add_api_key"
	timestamp := time.Now().Unix()
	digest := proxy.NodeSignatureDigest(http.MethodPost, path, timestamp, body)
	sig, err := c.ident.Sign(digest)
	if err != nil {
		return fmt.Errorf("sign add_api_key request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.proxyInternalURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build add_api_key request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Node-Signature", base64.StdEncoding.EncodeToString(sig))
	httpReq.Header.Set("X-Node-Timestamp", fmt.Sprintf("%d", timestamp))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("add_api_key request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("add_api_key returned status %d", resp.StatusCode)
	}
	return nil
}

// HandleRespawnRequest hands a failed-vessel event off to the respawn
// coordinator (C9), running on the loop goroutine like every other
// operation here.
func (c *Client) HandleRespawnRequest(ctx context.Context, req network.RespawnRequest) error {
	_, err := submit(ctx, c.loop, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.respawn.Run(ctx, req)
	})
	return err
}
