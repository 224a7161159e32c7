package gossip

import (
	"context"
	"testing"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/reveries-network/node/identity"
	"github.com/reveries-network/node/registry"
	"github.com/stretchr/testify/require"
)

type testPeer struct {
	host  host.Host
	ps    *pubsub.PubSub
	ident *identity.PeerIdentity
	node  *Node
}

func newTestPeer(t *testing.T, ctx context.Context, unknown Handler) *testPeer {
	t.Helper()

	h, err := libp2p.New(libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"))
	require.NoError(t, err)

	ps, err := pubsub.NewGossipSub(ctx, h)
	require.NoError(t, err)

	ident, err := identity.NewPeerIdentity()
	require.NoError(t, err)

	reg := registry.New()
	node := New(h, ps, ident, reg, nil, unknown)

	t.Cleanup(func() {
		node.Close()
		h.Close()
	})
	return &testPeer{host: h, ps: ps, ident: ident, node: node}
}

func connect(t *testing.T, ctx context.Context, a, b *testPeer) {
	t.Helper()
	info := peer.AddrInfo{ID: b.host.ID(), Addrs: b.host.Addrs()}
	require.NoError(t, a.host.Connect(ctx, info))
}

func TestPublishSubscribeDeliversAuthenticatedPayload(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a := newTestPeer(t, ctx, nil)
	b := newTestPeer(t, ctx, nil)
	connect(t, ctx, a, b)

	topic := NewKfragTopic(0, "agent", 1, 3, 2)

	received := make(chan []byte, 1)
	require.NoError(t, b.node.Subscribe(ctx, topic, func(_ context.Context, from peer.ID, _ Topic, payload []byte) {
		require.Equal(t, a.host.ID(), from)
		received <- payload
	}))
	require.NoError(t, a.node.Subscribe(ctx, topic, func(context.Context, peer.ID, Topic, []byte) {}))

	// allow the mesh to form
	time.Sleep(500 * time.Millisecond)

	require.NoError(t, a.node.Publish(ctx, topic, []byte("fragment-payload")))

	select {
	case got := <-received:
		require.Equal(t, []byte("fragment-payload"), got)
	case <-time.After(8 * time.Second):
		t.Fatal("timed out waiting for gossip delivery")
	}
}

func TestUnknownTopicRoutesToGenericHandler(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var gotPayload []byte
	done := make(chan struct{})

	a := newTestPeer(t, ctx, nil)
	b := newTestPeer(t, ctx, func(_ context.Context, _ peer.ID, topic Topic, payload []byte) {
		gotPayload = payload
		close(done)
	})
	connect(t, ctx, a, b)

	weird := Topic{Kind: KindUnknown, raw: "some-legacy-topic"}

	require.NoError(t, b.node.Subscribe(ctx, weird, func(context.Context, peer.ID, Topic, []byte) {
		t.Fatal("should not reach the typed handler for an unknown-shaped topic")
	}))
	require.NoError(t, a.node.Subscribe(ctx, weird, func(context.Context, peer.ID, Topic, []byte) {}))

	time.Sleep(500 * time.Millisecond)
	require.NoError(t, a.node.Publish(ctx, weird, []byte("legacy-payload")))

	select {
	case <-done:
		require.Equal(t, []byte("legacy-payload"), gotPayload)
	case <-time.After(8 * time.Second):
		t.Fatal("timed out waiting for unknown-topic delivery")
	}
}

func TestDuplicateDeliveryIsSuppressedWithinWindow(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a := newTestPeer(t, ctx, nil)

	ident := a.ident
	sig, err := ident.Sign([]byte("payload"))
	require.NoError(t, err)

	first := a.node.isDuplicate(ident.IdentityPublicKey(), []byte("payload"))
	require.False(t, first)
	second := a.node.isDuplicate(ident.IdentityPublicKey(), []byte("payload"))
	require.True(t, second)
	_ = sig
}

func TestSubscribeUnsubscribeIsIdempotent(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a := newTestPeer(t, ctx, nil)
	topic := TopicSwitch()

	noop := func(context.Context, peer.ID, Topic, []byte) {}
	require.NoError(t, a.node.Subscribe(ctx, topic, noop))
	require.NoError(t, a.node.Subscribe(ctx, topic, noop))
	require.NoError(t, a.node.Unsubscribe(topic))
	require.NoError(t, a.node.Unsubscribe(topic))
}
