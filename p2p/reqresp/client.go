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

package reqresp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-msgio"
	"github.com/reveries-network/node/internal/logger"
)

// DefaultTimeout is how long Client.Call waits for a correlated
// response before giving up and discarding any later arrival.
const DefaultTimeout = 30 * time.Second

var (
	ErrTimeout     = errors.New("reqresp: timed out waiting for response")
	ErrClosed      = errors.New("reqresp: client closed")
	ErrRemoteError = errors.New("reqresp: remote returned an error reply")
)

// Client opens and multiplexes request streams to peers, correlating
// responses to outstanding calls by request id. A response that
// arrives after its call's timeout has already fired finds no pending
// entry and is silently discarded.
type Client struct {
	host host.Host
	log  logger.Logger

	mu      sync.Mutex
	streams map[peer.ID]*clientStream
	closed  bool
}

type clientStream struct {
	s       network.Stream
	w       msgio.Writer
	r       msgio.Reader
	mu      sync.Mutex
	pending map[string]chan Envelope
}

// NewClient constructs a reqresp Client bound to h.
func NewClient(h host.Host, log logger.Logger) *Client {
	if log == nil {
		log = logger.GetDefaultLogger()
	}
	return &Client{
		host:    h,
		log:     log,
		streams: make(map[peer.ID]*clientStream),
	}
}

// Call sends a request of the given kind to dest and blocks for the
// correlated response, or until ctx is done / DefaultTimeout elapses,
// whichever is sooner.
func (c *Client) Call(ctx context.Context, dest peer.ID, kind Kind, body interface{}) (Envelope, error) {
	bodyBytes, err := cbor.Marshal(body)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal request body: %w", err)
	}
	req := Envelope{ID: uuid.NewString(), Kind: kind, Body: bodyBytes}

	cs, err := c.streamFor(ctx, dest)
	if err != nil {
		return Envelope{}, err
	}

	replyCh := make(chan Envelope, 1)
	cs.mu.Lock()
	cs.pending[req.ID] = replyCh
	cs.mu.Unlock()
	defer func() {
		cs.mu.Lock()
		delete(cs.pending, req.ID)
		cs.mu.Unlock()
	}()

	wire, err := cbor.Marshal(req)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal envelope: %w", err)
	}
	if err := cs.w.WriteMsg(wire); err != nil {
		c.dropStream(dest)
		return Envelope{}, fmt.Errorf("write request: %w", err)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()

	select {
	case reply := <-replyCh:
		if reply.Kind == KindError {
			var errReply ErrorReply
			if err := cbor.Unmarshal(reply.Body, &errReply); err == nil {
				return reply, fmt.Errorf("%w: %s", ErrRemoteError, errReply.Message)
			}
			return reply, ErrRemoteError
		}
		return reply, nil
	case <-timeoutCtx.Done():
		return Envelope{}, ErrTimeout
	}
}

func (c *Client) streamFor(ctx context.Context, dest peer.ID) (*clientStream, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if cs, ok := c.streams[dest]; ok {
		c.mu.Unlock()
		return cs, nil
	}
	c.mu.Unlock()

	s, err := c.host.NewStream(ctx, dest, ProtocolID)
	if err != nil {
		return nil, fmt.Errorf("open stream to %s: %w", dest, err)
	}
	cs := &clientStream{
		s:       s,
		w:       msgio.NewVarintWriter(s),
		r:       msgio.NewVarintReader(s),
		pending: make(map[string]chan Envelope),
	}

	c.mu.Lock()
	c.streams[dest] = cs
	c.mu.Unlock()

	go c.readLoop(dest, cs)
	return cs, nil
}

func (c *Client) readLoop(dest peer.ID, cs *clientStream) {
	defer c.dropStream(dest)
	for {
		msg, err := cs.r.ReadMsg()
		if err != nil {
			return
		}
		var env Envelope
		if err := cbor.Unmarshal(msg, &env); err != nil {
			cs.r.ReleaseMsg(msg)
			c.log.Warn("reqresp: undecodable response", logger.Error(err))
			continue
		}
		cs.r.ReleaseMsg(msg)

		cs.mu.Lock()
		ch, ok := cs.pending[env.ID]
		if ok {
			delete(cs.pending, env.ID)
		}
		cs.mu.Unlock()

		if !ok {
			// Either never registered or already timed out: discard.
			continue
		}
		ch <- env
	}
}

func (c *Client) dropStream(dest peer.ID) {
	c.mu.Lock()
	cs, ok := c.streams[dest]
	if ok {
		delete(c.streams, dest)
	}
	c.mu.Unlock()
	if ok {
		cs.s.Close()
	}
}

// Close shuts down every open stream.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	streams := c.streams
	c.streams = make(map[peer.ID]*clientStream)
	c.mu.Unlock()

	for _, cs := range streams {
		cs.s.Close()
	}
	return nil
}
