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
	"encoding/json"
	"strings"
)

// AnthropicProvider parses Claude API responses: usage at
// usage.{input,output}_tokens plus optional cache fields, tool use
// surfaced via a content block with stop_reason "tool_use".
type AnthropicProvider struct{}

func (AnthropicProvider) CanHandle(url string) bool {
	return strings.Contains(url, "anthropic.com") || strings.Contains(url, "/anthropic/")
}

func (AnthropicProvider) ExtractUsage(body map[string]interface{}) (Data, bool) {
	usageObj, ok := getObject(body, "usage")
	if !ok {
		return Data{}, false
	}

	input, _ := getUint64(usageObj, "input_tokens")
	output, _ := getUint64(usageObj, "output_tokens")
	if input == 0 && output == 0 {
		return Data{}, false
	}

	cacheCreation, hasCacheCreation := getUint64(usageObj, "cache_creation_input_tokens")
	cacheRead, hasCacheRead := getUint64(usageObj, "cache_read_input_tokens")

	data := Data{
		InputTokens:         input,
		OutputTokens:        output,
		CacheCreationTokens: uint64Ptr(cacheCreation, hasCacheCreation),
		CacheReadTokens:     uint64Ptr(cacheRead, hasCacheRead),
	}

	if stopReason, _ := getString(body, "stop_reason"); stopReason == "tool_use" {
		if content, ok := getArray(body, "content"); ok {
			for _, item := range content {
				block, ok := item.(map[string]interface{})
				if !ok {
					continue
				}
				if t, _ := getString(block, "type"); t != "tool_use" {
					continue
				}
				id, _ := getString(block, "id")
				name, _ := getString(block, "name")
				var input json.RawMessage
				if raw, ok := block["input"]; ok {
					input, _ = json.Marshal(raw)
				}
				data.ToolUse = &ToolUse{
					ID:       orUnknown(id),
					Name:     orUnknown(name),
					Input:    input,
					ToolType: "tool_use",
				}
				break
			}
		}
	}

	return data, true
}

func (AnthropicProvider) ParseSSEData(dataLine string) []SSEChunk {
	return parseAnthropicSSELine(dataLine)
}
