package heartbeat

import (
	"context"
	"io"
	"testing"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/reveries-network/node/registry"
	"github.com/reveries-network/node/reverie"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitorExchangesHeartbeatOnIdleTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), idleTimeout+sendTimeout+5*time.Second)
	defer cancel()

	hostA, err := libp2p.New(libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"))
	require.NoError(t, err)
	defer hostA.Close()
	hostB, err := libp2p.New(libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"))
	require.NoError(t, err)
	defer hostB.Close()

	require.NoError(t, hostA.Connect(ctx, peer.AddrInfo{ID: hostB.ID(), Addrs: hostB.Addrs()}))

	regA := registry.New()
	regB := registry.New()

	source := func() reverie.HeartbeatPayload { return reverie.HeartbeatPayload{BlockHeight: 7} }

	NewService(hostB, regB, nil, source, func(peer.ID, error) {})
	svcA := NewService(hostA, regA, nil, source, func(peer.ID, error) {})

	require.NoError(t, svcA.Monitor(ctx, hostB.ID()))

	deadline := time.Now().Add(idleTimeout + sendTimeout + 3*time.Second)
	for time.Now().Before(deadline) {
		if _, ok := regA.LastHeartbeat(hostB.ID()); ok {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatal("never observed a heartbeat from the monitored peer")
}

func TestRequestAndWaitDeclaresPeerDeadAfterMaxFailures(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*sendTimeout+10*time.Second)
	defer cancel()

	hostA, err := libp2p.New(libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"))
	require.NoError(t, err)
	defer hostA.Close()
	hostB, err := libp2p.New(libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"))
	require.NoError(t, err)
	defer hostB.Close()

	hostB.SetStreamHandler(ProtocolID, func(s network.Stream) {
		_, _ = io.Copy(io.Discard, s) // never replies
	})

	require.NoError(t, hostA.Connect(ctx, peer.AddrInfo{ID: hostB.ID(), Addrs: hostB.Addrs()}))
	stream, err := hostA.NewStream(ctx, hostB.ID(), ProtocolID)
	require.NoError(t, err)
	defer stream.Close()

	reg := registry.New()
	cm := newConnMonitor(hostB.ID(), stream, reg, nil, func() reverie.HeartbeatPayload { return reverie.HeartbeatPayload{} }, func(peer.ID, error) {})

	require.NoError(t, cm.requestAndWait(ctx))
	err = cm.requestAndWait(ctx)
	assert.ErrorIs(t, err, ErrPeerUnresponsive)
}
