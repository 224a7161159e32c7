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

import "encoding/json"

// Provider is the per-upstream strategy for pulling usage out of that
// provider's wire format, both as a single JSON body and as
// incrementally-streamed SSE data lines.
type Provider interface {
	// CanHandle reports whether url names an endpoint this provider
	// knows how to parse.
	CanHandle(url string) bool

	// ExtractUsage pulls Data out of a fully-parsed JSON response
	// body. ok is false when the body carries no usage block.
	ExtractUsage(body map[string]interface{}) (data Data, ok bool)

	// ParseSSEData parses one SSE "data:" line's JSON payload into
	// zero or more typed chunks.
	ParseSSEData(dataLine string) []SSEChunk
}

// Registry selects a Provider by matching CanHandle against a request
// URL, falling back to the fallback provider given to NewRegistry
// (Anthropic's in DefaultRegistry, the original implementation's own
// fallback) when nothing matches.
type Registry struct {
	providers []Provider
	fallback  Provider
}

// NewRegistry builds a Registry from providers in priority order, with
// fallback used when no provider's CanHandle matches.
func NewRegistry(fallback Provider, providers ...Provider) *Registry {
	return &Registry{providers: providers, fallback: fallback}
}

// DefaultRegistry returns the standard Anthropic+Deepseek registry,
// falling back to Anthropic's SSE parser for unrecognized URLs.
func DefaultRegistry() *Registry {
	anthropic := AnthropicProvider{}
	return NewRegistry(anthropic, anthropic, DeepseekProvider{})
}

// For returns the Provider that matches url, or the fallback.
func (r *Registry) For(url string) Provider {
	for _, p := range r.providers {
		if p.CanHandle(url) {
			return p
		}
	}
	return r.fallback
}

// parseJSONObject decodes raw into a generic map, mirroring the
// original parsers' serde_json::Value-based field access.
func parseJSONObject(raw []byte) (map[string]interface{}, error) {
	var v map[string]interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func getUint64(m map[string]interface{}, key string) (uint64, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	f, ok := v.(float64)
	if !ok || f < 0 {
		return 0, false
	}
	return uint64(f), true
}

func getString(m map[string]interface{}, key string) (string, bool) {
	v, ok := m[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func getObject(m map[string]interface{}, key string) (map[string]interface{}, bool) {
	v, ok := m[key]
	if !ok {
		return nil, false
	}
	o, ok := v.(map[string]interface{})
	return o, ok
}

func getArray(m map[string]interface{}, key string) ([]interface{}, bool) {
	v, ok := m[key]
	if !ok {
		return nil, false
	}
	a, ok := v.([]interface{})
	return a, ok
}

func uint64Ptr(v uint64, ok bool) *uint64 {
	if !ok {
		return nil
	}
	return &v
}
