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

package usage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/reveries-network/node/internal/logger"
)

// jsonRPCRequest is the JSON-RPC 2.0 envelope report_usage rides in,
// mirroring the original implementation's own request shape.
type jsonRPCRequest struct {
	JSONRPC string       `json:"jsonrpc"`
	Method  string       `json:"method"`
	Params  SignedReport `json:"params"`
	ID      uint64       `json:"id"`
}

// Reporter POSTs signed usage reports to the owning node's
// /report_usage endpoint, fire-and-forget, on a shared HTTP client
// with per-host connection pooling per spec §5.
type Reporter struct {
	url    string
	client *http.Client
	log    logger.Logger
}

// NewReporter builds a Reporter targeting url (the node's
// REPORT_USAGE_URL).
func NewReporter(url string, log logger.Logger) *Reporter {
	if log == nil {
		log = logger.GetDefaultLogger()
	}
	return &Reporter{
		url: url,
		log: log,
		client: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     30 * time.Second,
			},
		},
	}
}

// Submit POSTs report to the configured endpoint. Errors are logged
// rather than returned to the caller, matching the original
// fire-and-forget "tokio::spawn(submit_usage_report(...))" behavior —
// callers should invoke this in its own goroutine if non-blocking
// submission is required.
func (r *Reporter) Submit(ctx context.Context, report SignedReport) {
	body, err := json.Marshal(jsonRPCRequest{
		JSONRPC: "2.0",
		Method:  "report_usage",
		Params:  report,
		ID:      1,
	})
	if err != nil {
		r.log.Error("usage: marshaling JSON-RPC report failed", logger.Error(err))
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		r.log.Error("usage: building report request failed", logger.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		r.log.Error("usage: submitting usage report failed", logger.Error(err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		r.log.Warn("usage: node rejected usage report", logger.String("status", fmt.Sprint(resp.StatusCode)))
		return
	}
	r.log.Debug("usage: usage report submitted")
}
