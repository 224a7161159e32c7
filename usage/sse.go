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

// parseAnthropicSSELine implements Anthropic's typed SSE event shapes,
// the default fallback every other provider reaches for when it has
// no event format of its own yet.
func parseAnthropicSSELine(dataLine string) []SSEChunk {
	obj, err := parseJSONObject([]byte(dataLine))
	if err != nil {
		return []SSEChunk{{Kind: ChunkOther, OtherType: "ParseError"}}
	}

	eventType, ok := getString(obj, "type")
	if !ok {
		return []SSEChunk{{Kind: ChunkOther, OtherType: "MissingType"}}
	}

	switch eventType {
	case "message_start":
		if msg, ok := getObject(obj, "message"); ok {
			if u, ok := getObject(msg, "usage"); ok {
				if input, ok := getUint64(u, "input_tokens"); ok {
					return []SSEChunk{{Kind: ChunkInputTokens, InputTokens: input}}
				}
			}
		}
		return []SSEChunk{{Kind: ChunkOther, OtherType: eventType}}

	case "content_block_delta":
		if delta, ok := getObject(obj, "delta"); ok {
			if text, ok := getString(delta, "text"); ok {
				return []SSEChunk{{Kind: ChunkText, Text: text}}
			}
		}
		return []SSEChunk{{Kind: ChunkOther, OtherType: eventType}}

	case "content_block_start":
		if _, hasIndex := obj["index"]; hasIndex {
			if block, ok := getObject(obj, "content_block"); ok {
				if t, _ := getString(block, "type"); t == "tool_use" {
					id, _ := getString(block, "id")
					name, _ := getString(block, "name")
					var input []byte
					if raw, ok := block["input"]; ok {
						input, _ = json.Marshal(raw)
					}
					return []SSEChunk{{
						Kind: ChunkToolUse,
						ToolUse: ToolUse{
							ID:       orUnknown(id),
							Name:     orUnknown(name),
							Input:    input,
							ToolType: "tool_use",
						},
					}}
				}
			}
		}
		return []SSEChunk{{Kind: ChunkOther, OtherType: eventType}}

	case "message_delta":
		if u, ok := getObject(obj, "usage"); ok {
			if output, ok := getUint64(u, "output_tokens"); ok {
				return []SSEChunk{{Kind: ChunkOutputTokens, OutputTokens: output}}
			}
		}
		return []SSEChunk{{Kind: ChunkOther, OtherType: eventType}}

	case "message_stop":
		return []SSEChunk{{Kind: ChunkStop}}

	case "ping", "content_block_stop", "error":
		return []SSEChunk{{Kind: ChunkOther, OtherType: eventType}}

	default:
		return []SSEChunk{{Kind: ChunkOther, OtherType: eventType}}
	}
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
