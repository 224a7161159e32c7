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

package main

import (
	"fmt"

	"github.com/reveries-network/node/heartbeat"
	"github.com/reveries-network/node/internal/logger"
	"github.com/reveries-network/node/p2p/dht"
	"github.com/reveries-network/node/p2p/gossip"
	"github.com/reveries-network/node/pkg/health"
	"github.com/reveries-network/node/proxy"
)

// registerComponentHealth wires gossip overlay, DHT, heartbeat and
// proxy liveness into checker, so /health reports the whole running
// process, not just blockchain/system resources.
func registerComponentHealth(checker *health.Checker, g *gossip.Node, d *dht.Node, hb *heartbeat.Service, mitm *proxy.MITM) {
	checker.RegisterComponent("gossip", func() health.ComponentHealth {
		if g.Closed() {
			return health.ComponentHealth{Status: health.StatusUnhealthy, Detail: "node closed"}
		}
		return health.ComponentHealth{
			Status: health.StatusHealthy,
			Detail: fmt.Sprintf("%d topics subscribed", g.TopicCount()),
		}
	})

	checker.RegisterComponent("dht", func() health.ComponentHealth {
		size := d.RoutingTableSize()
		status := health.StatusHealthy
		if size == 0 {
			status = health.StatusDegraded
		}
		return health.ComponentHealth{
			Status: status,
			Detail: fmt.Sprintf("%d peers in routing table", size),
		}
	})

	checker.RegisterComponent("heartbeat", func() health.ComponentHealth {
		return health.ComponentHealth{
			Status: health.StatusHealthy,
			Detail: fmt.Sprintf("%d peers monitored", hb.MonitoredCount()),
		}
	})

	checker.RegisterComponent("proxy", func() health.ComponentHealth {
		if !mitm.Ready() {
			return health.ComponentHealth{Status: health.StatusUnhealthy, Detail: "no certificate authority"}
		}
		return health.ComponentHealth{Status: health.StatusHealthy}
	})
}

// startHealthServer builds the checker, registers every component,
// and starts the HTTP server on cfg.HealthPort.
func startHealthServer(cfg nodeConfig, log logger.Logger, g *gossip.Node, d *dht.Node, hb *heartbeat.Service, mitm *proxy.MITM) *health.Server {
	checker := health.NewChecker(cfg.BlockchainRPC)
	registerComponentHealth(checker, g, d, hb, mitm)

	srv := health.NewServer(checker, log, cfg.HealthPort)
	if err := srv.Start(); err != nil {
		log.Warn("reverie-node: health server failed to start", logger.Error(err))
	}
	return srv
}
