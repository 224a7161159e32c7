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
	// ProxyRequests tracks forwarded requests by upstream API key type
	// and outcome.
	ProxyRequests = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "requests_total",
			Help:      "Total number of requests forwarded through the MITM proxy",
		},
		[]string{"key_type", "status"}, // status: forwarded, no_credential, upstream_error
	)

	// ProxyRequestDuration tracks end-to-end forward latency.
	ProxyRequestDuration = promauto.With(Registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "request_duration_seconds",
			Help:      "Duration of a forwarded proxy request in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~20s
		},
		[]string{"key_type"},
	)

	// ProxyResponseBytes tracks response body sizes streamed back to
	// the caller, including SSE bodies.
	ProxyResponseBytes = promauto.With(Registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "response_bytes",
			Help:      "Size of response bodies streamed back through the proxy",
			Buckets:   prometheus.ExponentialBuckets(256, 4, 12), // 256B to 16MB
		},
		[]string{"key_type"},
	)
)
