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
	"context"
	"strings"
	"sync"
	"time"

	"github.com/reveries-network/node/internal/logger"
)

// RequestContextLookup resolves the tool-use id a response should be
// linked to, if the original request was itself a tool result. Nil
// lookups are treated as "no linkage known."
type RequestContextLookup interface {
	LinkedToolUseID(requestID string) (string, bool)
}

// Collector implements the tee consumer side of C10/C11: it receives
// raw response bytes from the proxy's tee wrappers, extracts usage
// via the matching Provider, signs the result, and submits it. Its
// two methods structurally satisfy proxy.UsageSink without importing
// the proxy package.
type Collector struct {
	registry *Registry
	signer   *Signer
	reporter *Reporter
	reqCtx   RequestContextLookup
	log      logger.Logger
	nowFunc  func() time.Time

	mu      sync.Mutex
	pending map[string]*Data // requestID -> in-progress SSE accumulation
}

// NewCollector builds a Collector. reqCtx may be nil when no
// request_context linkage is available.
func NewCollector(registry *Registry, signer *Signer, reporter *Reporter, reqCtx RequestContextLookup, log logger.Logger) *Collector {
	if registry == nil {
		registry = DefaultRegistry()
	}
	if log == nil {
		log = logger.GetDefaultLogger()
	}
	return &Collector{
		registry: registry,
		signer:   signer,
		reporter: reporter,
		reqCtx:   reqCtx,
		log:      log,
		nowFunc:  time.Now,
		pending:  make(map[string]*Data),
	}
}

// HandleBody implements proxy.UsageSink for full (non-SSE) responses:
// parse the whole body as JSON, extract usage via the matching
// provider, and submit if any usage was found.
func (c *Collector) HandleBody(requestID, upstreamURL string, body []byte) {
	if len(body) == 0 {
		return
	}
	obj, err := parseJSONObject(body)
	if err != nil {
		c.log.Debug("usage: response body is not JSON, skipping usage extraction",
			logger.String("request_id", requestID), logger.Error(err))
		return
	}

	provider := c.registry.For(upstreamURL)
	data, ok := provider.ExtractUsage(obj)
	if !ok {
		return
	}
	c.submit(requestID, data)
}

// HandleSSEEvent implements proxy.UsageSink for streamed responses:
// each event's "data:" line(s) are parsed into typed chunks that
// accumulate into one Data record per request, submitted on the
// terminal Stop chunk.
func (c *Collector) HandleSSEEvent(requestID, upstreamURL string, event []byte) {
	provider := c.registry.For(upstreamURL)

	for _, line := range strings.Split(string(event), "\n") {
		dataLine, ok := trimDataPrefix(line)
		if !ok {
			continue
		}
		for _, chunk := range provider.ParseSSEData(dataLine) {
			c.applyChunk(requestID, chunk)
		}
	}
}

func (c *Collector) applyChunk(requestID string, chunk SSEChunk) {
	c.mu.Lock()
	data, ok := c.pending[requestID]
	if !ok {
		data = &Data{}
		c.pending[requestID] = data
	}

	switch chunk.Kind {
	case ChunkInputTokens:
		data.InputTokens = chunk.InputTokens
	case ChunkOutputTokens:
		data.OutputTokens = chunk.OutputTokens
	case ChunkToolUse:
		tu := chunk.ToolUse
		data.ToolUse = &tu
	case ChunkStop:
		delete(c.pending, requestID)
	}
	final := *data
	c.mu.Unlock()

	if chunk.Kind == ChunkStop && final.HasTokens() {
		c.submit(requestID, final)
	}
}

func (c *Collector) submit(requestID string, data Data) {
	payload := ReportPayload{
		Usage:     data,
		Timestamp: c.nowFunc().Unix(),
		RequestID: requestID,
	}
	if c.reqCtx != nil {
		if linked, ok := c.reqCtx.LinkedToolUseID(requestID); ok {
			payload.LinkedToolUseID = linked
		}
	}

	report, err := c.signer.Sign(payload)
	if err != nil {
		c.log.Error("usage: signing report failed", logger.String("request_id", requestID), logger.Error(err))
		return
	}

	go c.reporter.Submit(context.Background(), report)
}

func trimDataPrefix(line string) (string, bool) {
	const prefix = "data:"
	if !strings.HasPrefix(line, prefix) {
		return "", false
	}
	data := strings.TrimSpace(strings.TrimPrefix(line, prefix))
	if data == "" {
		return "", false
	}
	return data, true
}
