package network

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/reveries-network/node/identity"
	"github.com/reveries-network/node/registry"
	"github.com/reveries-network/node/reverie"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHost(t *testing.T) peer.ID {
	t.Helper()
	h, err := libp2p.New(libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"))
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	return h.ID()
}

func newTestLoop(t *testing.T, onSwitch func(ctx context.Context, l *Loop, a TopicSwitchAnnouncement)) (*Loop, *registry.Registry) {
	t.Helper()
	h, err := libp2p.New(libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"))
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })

	reg := registry.New()
	l := New(h, reg, nil, onSwitch)
	return l, reg
}

func TestSubmitRunsCommandOnLoopGoroutine(t *testing.T) {
	l, _ := newTestLoop(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	done := make(chan struct{})
	require.NoError(t, l.Submit(ctx, func(ctx context.Context, l *Loop) {
		close(done)
	}))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("command never executed")
	}
}

func TestTickEnqueuesRespawnWhenSelfIsNextVesselAndVesselIsSilent(t *testing.T) {
	l, reg := newTestLoop(t, nil)
	failedVessel := newTestHost(t)

	reverieID := identity.NewReverieId()
	reg.SetVesselInfo(reverieID, reverie.AgentVesselInfo{
		AgentName:     "agent",
		Nonce:         3,
		CurrentVessel: failedVessel,
		NextVessel:    l.host.ID(),
		ReverieID:     reverieID,
	})
	// no heartbeat recorded at all: treated as silent

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l.tick(ctx)

	select {
	case req := <-l.Respawns():
		assert.Equal(t, reverieID, req.ReverieID)
		assert.Equal(t, failedVessel, req.FailedVessel)
		assert.Equal(t, uint64(3), req.Nonce)
	default:
		t.Fatal("expected a respawn request to be enqueued")
	}
}

func TestTickSkipsWhenSelfIsNotNextVessel(t *testing.T) {
	l, reg := newTestLoop(t, nil)
	failedVessel := newTestHost(t)
	otherNext := newTestHost(t)

	reverieID := identity.NewReverieId()
	reg.SetVesselInfo(reverieID, reverie.AgentVesselInfo{
		CurrentVessel: failedVessel,
		NextVessel:    otherNext,
		ReverieID:     reverieID,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l.tick(ctx)

	select {
	case <-l.Respawns():
		t.Fatal("should not enqueue a respawn when this node is not next-vessel")
	default:
	}
}

func TestTickSkipsWhenRecentHeartbeatExists(t *testing.T) {
	l, reg := newTestLoop(t, nil)
	failedVessel := newTestHost(t)

	reverieID := identity.NewReverieId()
	reg.SetVesselInfo(reverieID, reverie.AgentVesselInfo{
		CurrentVessel: failedVessel,
		NextVessel:    l.host.ID(),
		ReverieID:     reverieID,
	})
	reg.RecordHeartbeat(failedVessel, reverie.HeartbeatSample{Timestamp: time.Now()})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l.tick(ctx)

	select {
	case <-l.Respawns():
		t.Fatal("should not enqueue a respawn while heartbeats are current")
	default:
	}
}

func TestApplyTopicSwitchClearsRegistryAndInvokesCallback(t *testing.T) {
	var got TopicSwitchAnnouncement
	invoked := make(chan struct{})
	l, reg := newTestLoop(t, func(ctx context.Context, l *Loop, a TopicSwitchAnnouncement) {
		got = a
		close(invoked)
	})

	prev := newTestHost(t)
	reverieID := identity.NewReverieId()
	reg.UpsertPeer(prev)
	reg.SetVesselInfo(reverieID, reverie.AgentVesselInfo{CurrentVessel: prev, ReverieID: reverieID})

	announcement := TopicSwitchAnnouncement{ReverieID: reverieID, PrevVessel: prev, NewNonce: 1}
	payload, err := json.Marshal(announcement)
	require.NoError(t, err)

	require.NoError(t, l.ApplyTopicSwitch(context.Background(), payload))

	_, ok := reg.Peer(prev)
	assert.False(t, ok)
	_, ok = reg.VesselInfo(reverieID)
	assert.False(t, ok)

	select {
	case <-invoked:
		assert.Equal(t, reverieID, got.ReverieID)
	case <-time.After(time.Second):
		t.Fatal("onTopicSwitch callback never invoked")
	}
}
