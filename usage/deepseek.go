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

import "strings"

// DeepseekProvider parses Deepseek API responses: usage at
// usage.{prompt,completion}_tokens, with cache accounting split across
// prompt_cache_{hit,miss}_tokens. Deepseek's SSE format is not fully
// reverse-engineered upstream, so ParseSSEData extracts what token
// counts it can find and otherwise falls back to Anthropic's shape,
// matching the original implementation's own placeholder behavior.
type DeepseekProvider struct{}

func (DeepseekProvider) CanHandle(url string) bool {
	return strings.Contains(url, "deepseek.com") || strings.Contains(url, "/deepseek/")
}

func (DeepseekProvider) ExtractUsage(body map[string]interface{}) (Data, bool) {
	usageObj, ok := getObject(body, "usage")
	if !ok {
		return Data{}, false
	}

	input, _ := getUint64(usageObj, "prompt_tokens")
	output, _ := getUint64(usageObj, "completion_tokens")
	if input == 0 && output == 0 {
		return Data{}, false
	}

	cacheRead, hasCacheRead := getUint64(usageObj, "prompt_cache_hit_tokens")
	cacheMiss, hasCacheMiss := getUint64(usageObj, "prompt_cache_miss_tokens")

	return Data{
		InputTokens:  input,
		OutputTokens: output,
		// prompt_cache_miss_tokens maps to cache_creation_input_tokens
		// and prompt_cache_hit_tokens to cache_read_input_tokens, per
		// the original provider's own documented approximation.
		CacheCreationTokens: uint64Ptr(cacheMiss, hasCacheMiss),
		CacheReadTokens:     uint64Ptr(cacheRead, hasCacheRead),
	}, true
}

func (DeepseekProvider) ParseSSEData(dataLine string) []SSEChunk {
	obj, err := parseJSONObject([]byte(dataLine))
	if err != nil {
		return parseAnthropicSSELine(dataLine)
	}

	var chunks []SSEChunk
	if eventType, ok := getString(obj, "type"); ok {
		chunks = append(chunks, SSEChunk{Kind: ChunkOther, OtherType: eventType})
	}

	if u, ok := getObject(obj, "usage"); ok {
		if input, ok := getUint64(u, "prompt_tokens"); ok {
			chunks = append(chunks, SSEChunk{Kind: ChunkInputTokens, InputTokens: input})
		}
		if output, ok := getUint64(u, "completion_tokens"); ok {
			chunks = append(chunks, SSEChunk{Kind: ChunkOutputTokens, OutputTokens: output})
		}
	}

	if delta, ok := getObject(obj, "delta"); ok {
		if content, ok := getString(delta, "content"); ok {
			chunks = append(chunks, SSEChunk{Kind: ChunkText, Text: content})
		}
	}

	if len(chunks) == 0 {
		return parseAnthropicSSELine(dataLine)
	}
	return chunks
}
