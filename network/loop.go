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

package network

import (
	"context"
	"encoding/json"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/reveries-network/node/internal/logger"
	"github.com/reveries-network/node/registry"
)

// tickInterval is how often the loop sweeps vessel liveness.
const tickInterval = 1 * time.Second

// MaxTimeBeforeRotation is how long a vessel may go silent before its
// next-vessel enqueues a respawn. It is just over one heartbeat idle
// period plus send timeout (8s + 10s = 18s), so the sweep can fire
// before the heartbeat protocol has reported the peer as failed.
// Exported so the respawn coordinator's own step-1 silence
// re-check (C9) uses the identical threshold.
const MaxTimeBeforeRotation = 20 * time.Second

// Command is a unit of work submitted to the loop from nodeclient. It
// runs on the loop's own goroutine, so it may safely touch the
// registry without additional locking beyond what Registry itself
// provides.
type Command func(ctx context.Context, l *Loop)

// HeartbeatFailure is forwarded from heartbeat.Service's FailureFunc.
type HeartbeatFailure struct {
	Peer peer.ID
	Err  error
}

// Loop is the single demultiplexing event loop.
type Loop struct {
	host host.Host
	reg  *registry.Registry
	log  logger.Logger

	commands chan Command
	failures chan HeartbeatFailure
	respawns chan RespawnRequest

	onTopicSwitch func(ctx context.Context, l *Loop, a TopicSwitchAnnouncement)
}

// New constructs a Loop. onTopicSwitch, if non-nil, is invoked after
// the loop applies a topic_switch announcement's bookkeeping cleanup
// (e.g. to unsubscribe the superseded topic or re-announce readiness).
func New(h host.Host, reg *registry.Registry, log logger.Logger, onTopicSwitch func(ctx context.Context, l *Loop, a TopicSwitchAnnouncement)) *Loop {
	if log == nil {
		log = logger.GetDefaultLogger()
	}
	return &Loop{
		host:          h,
		reg:           reg,
		log:           log,
		commands:      make(chan Command, 64),
		failures:      make(chan HeartbeatFailure, 64),
		respawns:      make(chan RespawnRequest, 16),
		onTopicSwitch: onTopicSwitch,
	}
}

// Submit enqueues a command for execution on the loop goroutine. It
// blocks if the queue is full, applying backpressure to the caller
// rather than dropping work.
func (l *Loop) Submit(ctx context.Context, cmd Command) error {
	select {
	case l.commands <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReportHeartbeatFailure is the FailureFunc handed to heartbeat.Service.
func (l *Loop) ReportHeartbeatFailure(p peer.ID, err error) {
	l.failures <- HeartbeatFailure{Peer: p, Err: err}
}

// Respawns exposes the channel the respawn coordinator (C9) reads
// enqueued RespawnRequests from.
func (l *Loop) Respawns() <-chan RespawnRequest {
	return l.respawns
}

// Run blocks, demultiplexing until ctx is canceled.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-l.commands:
			cmd(ctx, l)
		case f := <-l.failures:
			l.handleHeartbeatFailure(ctx, f)
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}

func (l *Loop) handleHeartbeatFailure(ctx context.Context, f HeartbeatFailure) {
	l.log.Warn("network: heartbeat failure", logger.String("peer", f.Peer.String()), logger.Error(f.Err))
	l.checkSuccessionFor(ctx, f.Peer)
}

// tick sweeps every tracked vessel and enqueues a RespawnRequest for
// any whose current vessel has gone silent past MaxTimeBeforeRotation
// and whose next-vessel is this node.
func (l *Loop) tick(ctx context.Context) {
	for _, p := range l.reg.PeersWithVesselInfo() {
		l.checkSuccessionFor(ctx, p)
	}
}

func (l *Loop) checkSuccessionFor(ctx context.Context, failedVessel peer.ID) {
	reverieID, info, ok := l.reg.VesselInfoForPeer(failedVessel)
	if !ok {
		return
	}

	last, hasHeartbeat := l.reg.LastHeartbeat(failedVessel)
	if hasHeartbeat && time.Since(last.Timestamp) <= MaxTimeBeforeRotation {
		return
	}

	if info.NextVessel != l.host.ID() {
		return
	}

	select {
	case l.respawns <- RespawnRequest{
		ReverieID:    reverieID,
		AgentName:    info.AgentName,
		Nonce:        info.Nonce,
		FailedVessel: failedVessel,
	}:
	default:
		l.log.Warn("network: respawn queue full, dropping request", logger.String("reverie_id", string(reverieID)))
	}
}

// ApplyTopicSwitch performs the registry-side cleanup a topic_switch
// gossip message requires: drop the failed vessel from every
// registry map and clear its vessel-info entry, then invoke the
// optional callback for anything component-specific (unsubscribing
// the old topic, re-announcing readiness, and so on).
func (l *Loop) ApplyTopicSwitch(ctx context.Context, payload []byte) error {
	var a TopicSwitchAnnouncement
	if err := json.Unmarshal(payload, &a); err != nil {
		return err
	}

	l.reg.RemovePeer(a.PrevVessel)
	l.reg.RemoveVesselInfo(a.ReverieID)

	if l.onTopicSwitch != nil {
		l.onTopicSwitch(ctx, l, a)
	}
	return nil
}
