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
	"fmt"
	"sync"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/reveries-network/node/internal/logger"
	"github.com/reveries-network/node/internal/metrics"
	"github.com/reveries-network/node/registry"
)

// ProtocolID is the libp2p stream protocol heartbeat conversations run
// over.
const ProtocolID = "/reverie/heartbeat/1.0.0"

// Service runs one connMonitor per peer under observation and
// dispatches inbound heartbeat streams to new monitors.
type Service struct {
	host   host.Host
	reg    *registry.Registry
	log    logger.Logger
	source PayloadSource
	onFail FailureFunc

	mu       sync.Mutex
	monitors map[peer.ID]*connMonitor
}

// NewService registers ProtocolID's stream handler on h and returns a
// Service ready to actively monitor peers via Monitor.
func NewService(h host.Host, reg *registry.Registry, log logger.Logger, source PayloadSource, onFail FailureFunc) *Service {
	if log == nil {
		log = logger.GetDefaultLogger()
	}
	s := &Service{
		host:     h,
		reg:      reg,
		log:      log,
		source:   source,
		onFail:   onFail,
		monitors: make(map[peer.ID]*connMonitor),
	}
	h.SetStreamHandler(ProtocolID, s.handleIncoming)
	return s
}

func (s *Service) handleIncoming(stream network.Stream) {
	p := stream.Conn().RemotePeer()
	s.adopt(p, stream)
}

// Monitor actively opens a heartbeat stream to p and begins tracking
// its liveness. Idempotent: monitoring an already-tracked peer is a
// no-op.
func (s *Service) Monitor(ctx context.Context, p peer.ID) error {
	s.mu.Lock()
	if _, exists := s.monitors[p]; exists {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	stream, err := s.host.NewStream(ctx, p, ProtocolID)
	if err != nil {
		return fmt.Errorf("open heartbeat stream to %s: %w", p, err)
	}
	s.adopt(p, stream)
	return nil
}

func (s *Service) adopt(p peer.ID, stream network.Stream) {
	s.mu.Lock()
	if existing, exists := s.monitors[p]; exists {
		s.mu.Unlock()
		existing.close()
		s.mu.Lock()
	}
	cm := newConnMonitor(p, stream, s.reg, s.log, s.source, s.wrapFailure())
	s.monitors[p] = cm
	metrics.MonitoredPeers.Set(float64(len(s.monitors)))
	s.mu.Unlock()

	go cm.run(context.Background())
}

// wrapFailure removes the monitor from the tracked set before handing
// off to the caller's failure callback, so a subsequent Monitor call
// for the same peer is not treated as a no-op.
func (s *Service) wrapFailure() FailureFunc {
	return func(p peer.ID, err error) {
		s.mu.Lock()
		delete(s.monitors, p)
		metrics.MonitoredPeers.Set(float64(len(s.monitors)))
		s.mu.Unlock()
		if s.onFail != nil {
			s.onFail(p, err)
		}
	}
}

// MonitoredCount reports how many peers are currently under
// heartbeat monitoring, for health reporting.
func (s *Service) MonitoredCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.monitors)
}

// StateOf reports the current state machine position for a monitored
// peer.
func (s *Service) StateOf(p peer.ID) (State, bool) {
	s.mu.Lock()
	cm, ok := s.monitors[p]
	s.mu.Unlock()
	if !ok {
		return Idle, false
	}
	return cm.getState(), true
}

// Stop ends monitoring of p, if any.
func (s *Service) Stop(p peer.ID) {
	s.mu.Lock()
	cm, ok := s.monitors[p]
	if ok {
		delete(s.monitors, p)
		metrics.MonitoredPeers.Set(float64(len(s.monitors)))
	}
	s.mu.Unlock()
	if ok {
		cm.close()
	}
}
