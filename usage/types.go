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

// Package usage extracts token-usage accounting from proxied LLM
// responses (C11): a per-provider strategy parses both full JSON
// bodies and incrementally-streamed SSE events into a common
// Data shape, which is then signed and POSTed back to the owning
// node for billing.
package usage

import "encoding/json"

// ToolUse records one tool invocation surfaced by the model, carried
// alongside token counts so a single usage report can attribute both.
type ToolUse struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Input    json.RawMessage `json:"input"`
	ToolType string          `json:"tool_type"`
}

// Data is the provider-agnostic usage shape every Provider normalizes
// into, mirroring the original UsageData record.
type Data struct {
	InputTokens         uint64   `json:"input_tokens"`
	OutputTokens        uint64   `json:"output_tokens"`
	CacheCreationTokens *uint64  `json:"cache_creation_input_tokens,omitempty"`
	CacheReadTokens     *uint64  `json:"cache_read_input_tokens,omitempty"`
	ToolUse             *ToolUse `json:"tool_use,omitempty"`
}

// HasTokens reports whether Data carries any accountable usage,
// mirroring the Rust parsers' "only emit if input>0 || output>0" rule.
func (d Data) HasTokens() bool {
	return d.InputTokens > 0 || d.OutputTokens > 0
}

// ChunkKind discriminates SSEChunk's sum-type variants. Go has no enum
// sum type, so this plus the scalar fields below stand in for the
// original Rust enum.
type ChunkKind int

const (
	ChunkInputTokens ChunkKind = iota
	ChunkOutputTokens
	ChunkText
	ChunkToolUse
	ChunkStop
	ChunkOther
)

// SSEChunk is one incrementally-parsed update from a streamed
// response. Exactly the fields relevant to Kind are meaningful.
type SSEChunk struct {
	Kind ChunkKind

	InputTokens  uint64 // Kind == ChunkInputTokens
	OutputTokens uint64 // Kind == ChunkOutputTokens
	Text         string // Kind == ChunkText
	ToolUse      ToolUse
	OtherType    string // Kind == ChunkOther: the unrecognized event's type string
}

// ReportPayload is the inner, signed body of a usage report.
// LinkedToolUseID threads a response back to the tool_use id that
// triggered it, per the request_context supplement.
type ReportPayload struct {
	Usage           Data   `json:"usage"`
	Timestamp       int64  `json:"timestamp"`
	RequestID       string `json:"request_id"`
	LinkedToolUseID string `json:"linked_tool_use_id,omitempty"`
}

// SignedReport is the wire envelope POSTed to the node: a base64 JSON
// payload plus a base64 ECDSA signature over the raw payload bytes.
type SignedReport struct {
	Payload   string `json:"payload"`
	Signature string `json:"signature"`
}
