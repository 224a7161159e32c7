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

// Package heartbeat implements the per-connection liveness protocol:
// an 8-byte big-endian length prefix followed by a JSON-encoded
// message, distinct from the CBOR framing p2p/reqresp and p2p/gossip
// use, since heartbeat wire messages are tiny and latency-sensitive
// rather than throughput-sensitive.
package heartbeat

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/reveries-network/node/reverie"
)

// maxPayloadSize bounds a single frame's body, guarding against a
// misbehaving peer claiming an enormous length prefix.
const maxPayloadSize = 24 * 1024 // 24 KiB

// kind discriminates the two message shapes exchanged on a heartbeat
// stream.
type kind string

const (
	kindRequest   kind = "request"
	kindHeartbeat kind = "heartbeat"
)

var ErrFrameTooLarge = errors.New("heartbeat: frame exceeds maximum payload size")

type wireMessage struct {
	Kind    kind
	Payload reverie.HeartbeatPayload
}

func writeFrame(w io.Writer, msg wireMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal heartbeat frame: %w", err)
	}
	if len(body) > maxPayloadSize {
		return ErrFrameTooLarge
	}
	var length [8]byte
	binary.BigEndian.PutUint64(length[:], uint64(len(body)))
	if _, err := w.Write(length[:]); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}
	return nil
}

func readFrame(r io.Reader) (wireMessage, error) {
	var length [8]byte
	if _, err := io.ReadFull(r, length[:]); err != nil {
		return wireMessage{}, err
	}
	size := binary.BigEndian.Uint64(length[:])
	if size > maxPayloadSize {
		return wireMessage{}, ErrFrameTooLarge
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return wireMessage{}, fmt.Errorf("read frame body: %w", err)
	}
	var msg wireMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return wireMessage{}, fmt.Errorf("unmarshal heartbeat frame: %w", err)
	}
	return msg, nil
}
