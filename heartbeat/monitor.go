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

package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/reveries-network/node/internal/logger"
	"github.com/reveries-network/node/internal/metrics"
	"github.com/reveries-network/node/registry"
	"github.com/reveries-network/node/reverie"
)

// State is a single connection's position in the heartbeat state
// machine.
type State int

const (
	Idle State = iota
	NegotiatingStream
	RequestingHeartbeat
	SendingHeartbeat
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case NegotiatingStream:
		return "negotiating_stream"
	case RequestingHeartbeat:
		return "requesting_heartbeat"
	case SendingHeartbeat:
		return "sending_heartbeat"
	default:
		return "unknown"
	}
}

const (
	idleTimeout = 8 * time.Second
	sendTimeout = 10 * time.Second
	maxFailures = 1
)

// ErrPeerUnresponsive is passed to the failure callback once a peer
// has exceeded maxFailures consecutive missed heartbeats.
var ErrPeerUnresponsive = errors.New("heartbeat: peer exceeded maximum missed heartbeats")

// PayloadSource supplies this node's current heartbeat payload when
// answering a peer's request.
type PayloadSource func() reverie.HeartbeatPayload

// FailureFunc is invoked once a connection is declared dead, handing
// off to the network event loop (C7) to decide on respawn escalation.
type FailureFunc func(p peer.ID, err error)

// connMonitor tracks one peer's heartbeat conversation.
type connMonitor struct {
	peerID  peer.ID
	stream  network.Stream
	reg     *registry.Registry
	log     logger.Logger
	source  PayloadSource
	onFail  FailureFunc

	mu        sync.Mutex
	state     State
	failures  int
	heartbeat chan reverie.HeartbeatPayload
	stopOnce  sync.Once
	stop      chan struct{}
}

func newConnMonitor(p peer.ID, s network.Stream, reg *registry.Registry, log logger.Logger, source PayloadSource, onFail FailureFunc) *connMonitor {
	if log == nil {
		log = logger.GetDefaultLogger()
	}
	return &connMonitor{
		peerID:    p,
		stream:    s,
		reg:       reg,
		log:       log,
		source:    source,
		onFail:    onFail,
		state:     NegotiatingStream,
		heartbeat: make(chan reverie.HeartbeatPayload, 1),
		stop:      make(chan struct{}),
	}
}

func (c *connMonitor) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *connMonitor) getState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *connMonitor) run(ctx context.Context) {
	go c.readLoop(ctx)

	c.setState(Idle)
	idle := time.NewTimer(idleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			c.close()
			return
		case <-c.stop:
			c.close()
			return
		case payload := <-c.heartbeat:
			c.reg.RecordHeartbeat(c.peerID, reverie.HeartbeatSample{
				Timestamp:   time.Now(),
				BlockHeight: payload.BlockHeight,
			})
			c.mu.Lock()
			c.failures = 0
			c.mu.Unlock()
			c.setState(Idle)
			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(idleTimeout)
		case <-idle.C:
			if err := c.requestAndWait(ctx); err != nil {
				c.log.Warn("heartbeat: peer declared dead", logger.String("peer", c.peerID.String()), logger.Error(err))
				c.onFail(c.peerID, err)
				c.close()
				return
			}
			idle.Reset(idleTimeout)
		}
	}
}

// requestAndWait sends a heartbeat request and blocks for a reply up
// to sendTimeout. A single missed reply (maxFailures == 1) is
// tolerated and retried; a second consecutive miss declares the peer
// dead.
func (c *connMonitor) requestAndWait(ctx context.Context) error {
	c.setState(RequestingHeartbeat)
	if err := writeFrame(c.stream, wireMessage{Kind: kindRequest}); err != nil {
		return fmt.Errorf("write heartbeat request: %w", err)
	}
	metrics.HeartbeatsSent.Inc()

	select {
	case payload := <-c.heartbeat:
		c.reg.RecordHeartbeat(c.peerID, reverie.HeartbeatSample{
			Timestamp:   time.Now(),
			BlockHeight: payload.BlockHeight,
		})
		c.mu.Lock()
		c.failures = 0
		c.mu.Unlock()
		c.setState(Idle)
		return nil
	case <-time.After(sendTimeout):
		c.mu.Lock()
		c.failures++
		exceeded := c.failures > maxFailures
		c.mu.Unlock()
		if exceeded {
			metrics.HeartbeatFailures.WithLabelValues("true").Inc()
			return ErrPeerUnresponsive
		}
		metrics.HeartbeatFailures.WithLabelValues("false").Inc()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *connMonitor) readLoop(ctx context.Context) {
	for {
		msg, err := readFrame(c.stream)
		if err != nil {
			select {
			case <-c.stop:
			default:
				c.onFail(c.peerID, fmt.Errorf("heartbeat stream closed: %w", err))
				c.close()
			}
			return
		}

		switch msg.Kind {
		case kindRequest:
			c.setState(SendingHeartbeat)
			reply := wireMessage{Kind: kindHeartbeat, Payload: c.source()}
			if err := writeFrame(c.stream, reply); err != nil {
				c.log.Warn("heartbeat: failed to answer request", logger.String("peer", c.peerID.String()), logger.Error(err))
			}
			c.setState(Idle)
		case kindHeartbeat:
			select {
			case c.heartbeat <- msg.Payload:
			default:
			}
		}
	}
}

func (c *connMonitor) close() {
	c.stopOnce.Do(func() {
		close(c.stop)
		c.stream.Close()
	})
}
