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

// Package gossip implements the pubsub overlay: topic grammar, a
// go-libp2p-pubsub wrapper, signed-message handling and idempotent
// subscription bookkeeping.
package gossip

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// delimiter separates the three fields of a kfrag topic. Chosen to
// never collide with an agent name or a decimal field.
const delimiter = "⟂"

// topicSwitch is the fixed topic name announced when a vessel change
// occurs.
const topicSwitch = "topic_switch"

var (
	ErrMalformedTopic = errors.New("gossip: malformed topic")
)

// Kind discriminates the parsed shape of a topic string.
type Kind int

const (
	KindUnknown Kind = iota
	KindKfrag
	KindTopicSwitch
)

// Topic is the parsed form of a kfrag topic:
// "kfrag{idx}⟂{name}-{nonce}⟂({total},{threshold})".
type Topic struct {
	Kind      Kind
	Index     uint8
	Name      string
	Nonce     uint64
	Total     uint8
	Threshold uint8
	raw       string
}

// String reconstructs the canonical wire form.
func (t Topic) String() string {
	if t.Kind == KindTopicSwitch {
		return topicSwitch
	}
	if t.raw != "" {
		return t.raw
	}
	return fmt.Sprintf("kfrag%d%s%s-%d%s(%d,%d)", t.Index, delimiter, t.Name, t.Nonce, delimiter, t.Total, t.Threshold)
}

// NewKfragTopic builds a KindKfrag topic for the given fragment index
// and agent vessel identity.
func NewKfragTopic(index uint8, name string, nonce uint64, total, threshold uint8) Topic {
	return Topic{
		Kind:      KindKfrag,
		Index:     index,
		Name:      name,
		Nonce:     nonce,
		Total:     total,
		Threshold: threshold,
	}
}

// TopicSwitch returns the fixed topic_switch topic.
func TopicSwitch() Topic {
	return Topic{Kind: KindTopicSwitch}
}

// ParseTopic parses a raw topic string. Strings matching neither the
// kfrag grammar nor "topic_switch" come back as KindUnknown rather
// than an error, so callers can route them to a generic handler
// instead of dropping the connection.
func ParseTopic(raw string) Topic {
	if raw == topicSwitch {
		return Topic{Kind: KindTopicSwitch, raw: raw}
	}

	t, ok := parseKfragTopic(raw)
	if !ok {
		return Topic{Kind: KindUnknown, raw: raw}
	}
	return t
}

func parseKfragTopic(raw string) (Topic, bool) {
	parts := strings.Split(raw, delimiter)
	if len(parts) != 3 {
		return Topic{}, false
	}

	head, nameNonce, totalThreshold := parts[0], parts[1], parts[2]

	if !strings.HasPrefix(head, "kfrag") {
		return Topic{}, false
	}
	idx, err := strconv.ParseUint(strings.TrimPrefix(head, "kfrag"), 10, 8)
	if err != nil {
		return Topic{}, false
	}

	sep := strings.LastIndex(nameNonce, "-")
	if sep < 0 {
		return Topic{}, false
	}
	name := nameNonce[:sep]
	nonce, err := strconv.ParseUint(nameNonce[sep+1:], 10, 64)
	if err != nil || name == "" {
		return Topic{}, false
	}

	if !strings.HasPrefix(totalThreshold, "(") || !strings.HasSuffix(totalThreshold, ")") {
		return Topic{}, false
	}
	inner := strings.TrimSuffix(strings.TrimPrefix(totalThreshold, "("), ")")
	tt := strings.Split(inner, ",")
	if len(tt) != 2 {
		return Topic{}, false
	}
	total, err := strconv.ParseUint(tt[0], 10, 8)
	if err != nil {
		return Topic{}, false
	}
	threshold, err := strconv.ParseUint(tt[1], 10, 8)
	if err != nil {
		return Topic{}, false
	}

	return Topic{
		Kind:      KindKfrag,
		Index:     uint8(idx),
		Name:      name,
		Nonce:     nonce,
		Total:     uint8(total),
		Threshold: uint8(threshold),
		raw:       raw,
	}, true
}
