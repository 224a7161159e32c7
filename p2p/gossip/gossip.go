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

package gossip

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/reveries-network/node/identity"
	"github.com/reveries-network/node/internal/logger"
	"github.com/reveries-network/node/internal/metrics"
	"github.com/reveries-network/node/registry"
)

// dedupWindow is how long a (sender, content-hash) pair is remembered
// to suppress duplicate re-deliveries from overlapping mesh paths.
const dedupWindow = 5 * time.Second

var (
	ErrAlreadyClosed  = errors.New("gossip: node closed")
	ErrBadSignature   = errors.New("gossip: signature verification failed")
	ErrEmptyPayload   = errors.New("gossip: empty payload")
)

// Envelope is the signed wrapper every gossip message carries. The
// signature is over Payload alone, by the sender's identity key (not
// necessarily the libp2p host key), so authenticity survives re-gossip
// through intermediate peers.
type Envelope struct {
	Sender    []byte // ed25519 public key, 32 bytes
	Payload   []byte
	Signature []byte
}

// Handler processes one authenticated message delivered on a topic.
type Handler func(ctx context.Context, from peer.ID, topic Topic, payload []byte)

// Node wraps a go-libp2p-pubsub instance with the topic grammar,
// application-level message signing and idempotent subscribe/
// unsubscribe bookkeeping the network event loop drives.
type Node struct {
	host     host.Host
	ps       *pubsub.PubSub
	ident    *identity.PeerIdentity
	reg      *registry.Registry
	log      logger.Logger
	unknown  Handler

	mu           sync.Mutex
	subs         map[string]*subscription
	seen         map[string]time.Time
	closed       bool
}

type subscription struct {
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	cancel context.CancelFunc
}

// New constructs a gossip Node. unknownHandler receives every message
// whose topic does not parse as a recognized kfrag/topic_switch shape,
// per the requirement that unrecognized topics route to a generic
// handler rather than being dropped.
func New(h host.Host, ps *pubsub.PubSub, ident *identity.PeerIdentity, reg *registry.Registry, log logger.Logger, unknownHandler Handler) *Node {
	if log == nil {
		log = logger.GetDefaultLogger()
	}
	return &Node{
		host:    h,
		ps:      ps,
		ident:   ident,
		reg:     reg,
		log:     log,
		unknown: unknownHandler,
		subs:    make(map[string]*subscription),
		seen:    make(map[string]time.Time),
	}
}

// Subscribe joins the given topic and starts delivering authenticated
// messages to handle. Idempotent: subscribing to an already-subscribed
// topic is a no-op, detected through the node's own subscription map.
func (n *Node) Subscribe(ctx context.Context, t Topic, handle Handler) error {
	name := t.String()

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return ErrAlreadyClosed
	}
	if _, exists := n.subs[name]; exists {
		n.mu.Unlock()
		return nil
	}

	topicHandle, err := n.ps.Join(name)
	if err != nil {
		n.mu.Unlock()
		return fmt.Errorf("join topic %q: %w", name, err)
	}
	sub, err := topicHandle.Subscribe()
	if err != nil {
		n.mu.Unlock()
		return fmt.Errorf("subscribe topic %q: %w", name, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	n.subs[name] = &subscription{topic: topicHandle, sub: sub, cancel: cancel}
	n.mu.Unlock()

	n.reg.Subscribe(name)
	go n.readLoop(subCtx, t, sub, handle)
	return nil
}

// Unsubscribe leaves the given topic. Idempotent.
func (n *Node) Unsubscribe(t Topic) error {
	name := t.String()

	n.mu.Lock()
	s, exists := n.subs[name]
	if !exists {
		n.mu.Unlock()
		return nil
	}
	delete(n.subs, name)
	n.mu.Unlock()

	s.cancel()
	s.sub.Cancel()
	n.reg.Unsubscribe(name)
	return s.topic.Close()
}

// Publish signs payload with the node's identity key and broadcasts it
// on the given topic. The topic need not already be subscribed to.
func (n *Node) Publish(ctx context.Context, t Topic, payload []byte) error {
	if len(payload) == 0 {
		return ErrEmptyPayload
	}

	sig, err := n.ident.Sign(payload)
	if err != nil {
		return fmt.Errorf("sign payload: %w", err)
	}
	env := Envelope{
		Sender:    n.ident.IdentityPublicKey(),
		Payload:   payload,
		Signature: sig,
	}
	wire, err := cbor.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	name := t.String()
	metrics.GossipPublished.WithLabelValues(topicKindLabel(t.Kind)).Inc()

	n.mu.Lock()
	s, exists := n.subs[name]
	n.mu.Unlock()
	if exists {
		return s.topic.Publish(ctx, wire)
	}

	topicHandle, err := n.ps.Join(name)
	if err != nil {
		return fmt.Errorf("join topic %q for publish: %w", name, err)
	}
	defer topicHandle.Close()
	return topicHandle.Publish(ctx, wire)
}

func (n *Node) readLoop(ctx context.Context, t Topic, sub *pubsub.Subscription, handle Handler) {
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == n.host.ID() {
			continue
		}

		var env Envelope
		if err := cbor.Unmarshal(msg.Data, &env); err != nil {
			metrics.GossipRejected.WithLabelValues("undecodable").Inc()
			n.log.Warn("gossip: undecodable message", logger.String("topic", t.String()), logger.Error(err))
			continue
		}
		if len(env.Sender) != ed25519.PublicKeySize {
			metrics.GossipRejected.WithLabelValues("bad_signature").Inc()
			continue
		}
		if !ed25519.Verify(env.Sender, env.Payload, env.Signature) {
			metrics.GossipRejected.WithLabelValues("bad_signature").Inc()
			n.log.Warn("gossip: signature rejected", logger.String("topic", t.String()))
			continue
		}
		if n.isDuplicate(env.Sender, env.Payload) {
			metrics.GossipRejected.WithLabelValues("duplicate").Inc()
			continue
		}

		parsed := ParseTopic(t.String())
		metrics.GossipReceived.WithLabelValues(topicKindLabel(parsed.Kind)).Inc()
		if parsed.Kind == KindUnknown && n.unknown != nil {
			n.unknown(ctx, msg.ReceivedFrom, parsed, env.Payload)
			continue
		}
		handle(ctx, msg.ReceivedFrom, t, env.Payload)
	}
}

// topicKindLabel gives a low-cardinality metric label for a topic
// kind, since kfrag topic names and nonces are per-reverie and would
// otherwise blow up metric cardinality if used directly.
func topicKindLabel(k Kind) string {
	switch k {
	case KindKfrag:
		return "kfrag"
	case KindTopicSwitch:
		return "topic_switch"
	default:
		return "unknown"
	}
}

// isDuplicate reports whether (sender, payload) was seen within the
// dedup window, and records it if not. Expired entries are swept
// opportunistically on each call so the map does not grow unbounded.
func (n *Node) isDuplicate(sender, payload []byte) bool {
	h := sha256.Sum256(append(append([]byte{}, sender...), payload...))
	key := string(h[:])
	now := time.Now()

	n.mu.Lock()
	defer n.mu.Unlock()

	for k, t := range n.seen {
		if now.Sub(t) > dedupWindow {
			delete(n.seen, k)
		}
	}

	if last, ok := n.seen[key]; ok && now.Sub(last) <= dedupWindow {
		return true
	}
	n.seen[key] = now
	return false
}

// TopicCount reports how many topics this node currently subscribes
// to, for health reporting.
func (n *Node) TopicCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs)
}

// Closed reports whether Close has already run.
func (n *Node) Closed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.closed
}

// Close cancels every active subscription.
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	subs := n.subs
	n.subs = make(map[string]*subscription)
	n.mu.Unlock()

	for name, s := range subs {
		s.cancel()
		s.sub.Cancel()
		s.topic.Close()
		n.reg.Unsubscribe(name)
	}
	return nil
}
