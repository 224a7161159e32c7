package registry

import (
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/reveries-network/node/identity"
	"github.com/reveries-network/node/reverie"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPeerID(t *testing.T, label byte) peer.ID {
	t.Helper()
	raw := make([]byte, 34)
	raw[0], raw[1] = 0x12, 0x20
	raw[2] = label
	id, err := peer.IDFromBytes(raw)
	require.NoError(t, err)
	return id
}

func TestCapsuleFragmentLifecycle(t *testing.T) {
	reg := New()
	id := identity.NewReverieId()

	_, ok := reg.CapsuleFragment(id)
	assert.False(t, ok)

	reg.StoreCapsuleFragment(id, reverie.CapsuleFragment{ReverieID: id})
	cf, ok := reg.CapsuleFragment(id)
	require.True(t, ok)
	assert.Equal(t, id, cf.ReverieID)

	reg.RemoveCapsuleFragment(id)
	_, ok = reg.CapsuleFragment(id)
	assert.False(t, ok)
}

func TestKfragProviderTrackingIsDisjointPerIndex(t *testing.T) {
	reg := New()
	id := identity.NewReverieId()
	p1 := newTestPeerID(t, 1)
	p2 := newTestPeerID(t, 2)

	reg.RecordKfragProvider(id, 0, p1)
	reg.RecordKfragProvider(id, 1, p2)
	reg.RecordKfragProvider(id, 0, p1) // idempotent

	assert.Equal(t, 2, reg.KfragProviderCount(id))
	assert.Equal(t, []peer.ID{p1}, reg.KfragProviders(id, 0))
	assert.Equal(t, []peer.ID{p2}, reg.KfragProviders(id, 1))
}

func TestRemovePeerClearsAllEntries(t *testing.T) {
	reg := New()
	id := identity.NewReverieId()
	p1 := newTestPeerID(t, 1)

	reg.RecordKfragProvider(id, 0, p1)
	reg.UpsertPeer(p1)
	reg.RemovePeer(p1)

	_, ok := reg.Peer(p1)
	assert.False(t, ok)
	assert.Equal(t, 0, reg.KfragProviderCount(id))
}

func TestHeartbeatWindowIsBounded(t *testing.T) {
	reg := NewWithHeartbeatWindow(3)
	p := newTestPeerID(t, 1)

	base := time.Now()
	for i := 0; i < 5; i++ {
		reg.RecordHeartbeat(p, reverie.HeartbeatSample{Timestamp: base.Add(time.Duration(i) * time.Second), BlockHeight: uint32(i)})
	}

	info, ok := reg.Peer(p)
	require.True(t, ok)
	require.Len(t, info.Heartbeats, 3)
	assert.Equal(t, uint32(2), info.Heartbeats[0].BlockHeight)
	assert.Equal(t, uint32(4), info.Heartbeats[2].BlockHeight)

	last, ok := reg.LastHeartbeat(p)
	require.True(t, ok)
	assert.Equal(t, uint32(4), last.BlockHeight)
}

func TestVesselInfoForPeer(t *testing.T) {
	reg := New()
	id := identity.NewReverieId()
	current := newTestPeerID(t, 1)
	next := newTestPeerID(t, 2)

	reg.SetVesselInfo(id, reverie.AgentVesselInfo{
		AgentName:     "agent",
		Nonce:         0,
		CurrentVessel: current,
		NextVessel:    next,
	})

	gotID, info, ok := reg.VesselInfoForPeer(current)
	require.True(t, ok)
	assert.Equal(t, id, gotID)
	assert.Equal(t, next, info.NextVessel)

	_, _, ok = reg.VesselInfoForPeer(newTestPeerID(t, 3))
	assert.False(t, ok)
}

func TestSubscriptionIdempotence(t *testing.T) {
	reg := New()
	reg.Subscribe("kfrag0:agent-0:(3,2)")
	reg.Subscribe("kfrag0:agent-0:(3,2)")
	assert.True(t, reg.IsSubscribed("kfrag0:agent-0:(3,2)"))
	assert.Len(t, reg.ActiveSubscriptions(), 1)

	reg.Unsubscribe("kfrag0:agent-0:(3,2)")
	reg.Unsubscribe("kfrag0:agent-0:(3,2)")
	assert.False(t, reg.IsSubscribed("kfrag0:agent-0:(3,2)"))
}

func TestElectNextVesselIsDeterministicSortOrder(t *testing.T) {
	p1 := newTestPeerID(t, 1)
	p2 := newTestPeerID(t, 2)
	p3 := newTestPeerID(t, 3)

	candidates := []peer.ID{p3, p1, p2}
	elected := ElectNextVessel(candidates, "")

	sortedAll := append([]peer.ID(nil), candidates...)
	sortPeerIDs(sortedAll)
	assert.Equal(t, sortedAll[0], elected)

	// excluding the sorted-first candidate advances to the next one
	electedExcludingFirst := ElectNextVessel(candidates, sortedAll[0])
	assert.Equal(t, sortedAll[1], electedExcludingFirst)

	assert.Equal(t, peer.ID(""), ElectNextVessel(nil, ""))
}
