package reqresp

import (
	"context"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	libp2p "github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/reveries-network/node/identity"
	"github.com/stretchr/testify/require"
)

func newHost(t *testing.T) host.Host {
	t.Helper()
	h, err := libp2p.New(libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"))
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	return h
}

func connectHosts(t *testing.T, ctx context.Context, a, b host.Host) {
	t.Helper()
	require.NoError(t, a.Connect(ctx, peer.AddrInfo{ID: b.ID(), Addrs: b.Addrs()}))
}

func TestGetFragmentRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	serverHost := newHost(t)
	clientHost := newHost(t)
	connectHosts(t, ctx, clientHost, serverHost)

	reverieID := identity.NewReverieId()

	server := NewServer(serverHost, nil)
	server.Handle(KindGetFragment, func(_ context.Context, _ peer.ID, body []byte) (Kind, interface{}, error) {
		var req GetFragment
		require.NoError(t, cbor.Unmarshal(body, &req))
		require.Equal(t, reverieID, req.ReverieID)
		return KindKfragProviderAck, KfragProviderAck{ReverieID: req.ReverieID, Index: req.Index, Provider: serverHost.ID()}, nil
	})

	client := NewClient(clientHost, nil)
	defer client.Close()

	resp, err := client.Call(ctx, serverHost.ID(), KindGetFragment, GetFragment{ReverieID: reverieID, Index: 1})
	require.NoError(t, err)
	require.Equal(t, KindKfragProviderAck, resp.Kind)

	var ack KfragProviderAck
	require.NoError(t, cbor.Unmarshal(resp.Body, &ack))
	require.Equal(t, reverieID, ack.ReverieID)
	require.Equal(t, uint8(1), ack.Index)
	require.Equal(t, serverHost.ID(), ack.Provider)
}

func TestUnregisteredKindReturnsErrorReply(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	serverHost := newHost(t)
	clientHost := newHost(t)
	connectHosts(t, ctx, clientHost, serverHost)

	NewServer(serverHost, nil)

	client := NewClient(clientHost, nil)
	defer client.Close()

	_, err := client.Call(ctx, serverHost.ID(), KindSaveCiphertext, SaveCiphertext{})
	require.ErrorIs(t, err, ErrRemoteError)
}

func TestCallTimesOutWhenNoReplyArrives(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	serverHost := newHost(t)
	clientHost := newHost(t)
	connectHosts(t, ctx, clientHost, serverHost)

	block := make(chan struct{})
	server := NewServer(serverHost, nil)
	server.Handle(KindGetUmbralPublicKey, func(context.Context, peer.ID, []byte) (Kind, interface{}, error) {
		<-block
		return KindUmbralPublicKeyAck, UmbralPublicKeyAck{}, nil
	})
	defer close(block)

	client := NewClient(clientHost, nil)
	defer client.Close()

	callCtx, callCancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer callCancel()

	_, err := client.Call(callCtx, serverHost.ID(), KindGetUmbralPublicKey, GetUmbralPublicKey{})
	require.ErrorIs(t, err, ErrTimeout)
}
