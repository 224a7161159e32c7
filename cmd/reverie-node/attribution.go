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
	"strings"
	"sync"

	"github.com/reveries-network/node/proxy"
	"github.com/reveries-network/node/storage/sqlite"
)

// attributingSink sits between the MITM proxy and the usage
// collector. Neither the proxy's tee layer nor the collector ever
// learns which reverie a delegated credential belongs to, so this
// type records that mapping itself, the same way the node's
// credential delegation (C8's delegate_api_key) is the only place
// that knowledge exists. The /report_usage handler consumes it once
// the signed report for the same request_id comes back.
type attributingSink struct {
	creds *proxy.CredentialStore
	next  proxy.UsageSink

	mu      sync.Mutex
	pending map[string]sqlite.Attribution
}

func newAttributingSink(creds *proxy.CredentialStore, next proxy.UsageSink) *attributingSink {
	return &attributingSink{
		creds:   creds,
		next:    next,
		pending: make(map[string]sqlite.Attribution),
	}
}

func (s *attributingSink) HandleBody(requestID, upstreamURL string, body []byte) {
	s.record(requestID, upstreamURL)
	s.next.HandleBody(requestID, upstreamURL, body)
}

func (s *attributingSink) HandleSSEEvent(requestID, upstreamURL string, event []byte) {
	s.record(requestID, upstreamURL)
	s.next.HandleSSEEvent(requestID, upstreamURL, event)
}

// record resolves the delegated credential that substituteCredential
// would have matched for upstreamURL's host and remembers its
// reverie/spender attribution against requestID. The host-to-provider
// match mirrors proxy's own apiKeyTypeForHost; it is small enough
// that duplicating it here is simpler than exporting an internal
// proxy helper solely for this wiring layer.
func (s *attributingSink) record(requestID, upstreamURL string) {
	keyType := apiKeyTypeForURL(upstreamURL)
	if keyType == "" {
		return
	}
	candidates := s.creds.ForKeyType(keyType)
	if len(candidates) == 0 {
		return
	}
	cred := candidates[0]
	s.mu.Lock()
	s.pending[requestID] = sqlite.Attribution{
		ReverieID:      string(cred.ReverieID),
		SpenderAddress: cred.Spender,
		SpenderType:    string(cred.SpenderType),
	}
	s.mu.Unlock()
}

// Take returns and forgets the attribution recorded for requestID, if
// any.
func (s *attributingSink) Take(requestID string) (sqlite.Attribution, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	attr, ok := s.pending[requestID]
	if ok {
		delete(s.pending, requestID)
	}
	return attr, ok
}

func apiKeyTypeForURL(rawURL string) proxy.APIKeyType {
	h := strings.ToLower(rawURL)
	switch {
	case strings.Contains(h, "anthropic"):
		return proxy.APIKeyTypeAnthropic
	case strings.Contains(h, "deepseek"):
		return proxy.APIKeyTypeDeepseek
	case strings.Contains(h, "openai"):
		return proxy.APIKeyTypeOpenAI
	default:
		return ""
	}
}
