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

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// GossipPublished tracks messages published per topic kind.
	GossipPublished = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gossip",
			Name:      "published_total",
			Help:      "Total number of gossip messages published",
		},
		[]string{"topic"},
	)

	// GossipReceived tracks authenticated messages accepted per topic kind.
	GossipReceived = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gossip",
			Name:      "received_total",
			Help:      "Total number of gossip messages accepted after signature and dedup checks",
		},
		[]string{"topic"},
	)

	// GossipRejected tracks messages dropped for bad signatures or
	// undecodable envelopes, by reason.
	GossipRejected = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gossip",
			Name:      "rejected_total",
			Help:      "Total number of gossip messages rejected before delivery",
		},
		[]string{"reason"}, // undecodable, bad_signature, duplicate
	)

	// DHTOperationDuration tracks put/get latency against the Kademlia
	// record store.
	DHTOperationDuration = promauto.With(Registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dht",
			Name:      "operation_duration_seconds",
			Help:      "DHT put/get operation duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
		},
		[]string{"operation"}, // put, get
	)

	// DHTOperationErrors tracks failed put/get calls.
	DHTOperationErrors = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dht",
			Name:      "operation_errors_total",
			Help:      "Total number of failed DHT put/get operations",
		},
		[]string{"operation"},
	)

	// HeartbeatsSent tracks heartbeat challenges sent to monitored peers.
	HeartbeatsSent = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "heartbeat",
			Name:      "sent_total",
			Help:      "Total number of heartbeat requests sent to monitored peers",
		},
	)

	// HeartbeatFailures tracks a monitored peer missing its reply
	// deadline, by whether the failure threshold was also crossed.
	HeartbeatFailures = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "heartbeat",
			Name:      "failures_total",
			Help:      "Total number of missed heartbeat replies",
		},
		[]string{"declared_dead"}, // true, false
	)

	// MonitoredPeers tracks how many peers this node currently monitors.
	MonitoredPeers = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "heartbeat",
			Name:      "monitored_peers",
			Help:      "Number of peers currently under heartbeat monitoring",
		},
	)
)
