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
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-msgio"
	"github.com/reveries-network/node/internal/logger"
)

// HandlerFunc processes one decoded request body for a given Kind and
// returns the CBOR-encodable reply body plus the Kind it should be
// tagged with. Returning an error sends back KindError with the
// error's message instead.
type HandlerFunc func(ctx context.Context, from peer.ID, body []byte) (replyKind Kind, reply interface{}, err error)

// Server dispatches incoming reqresp streams to per-Kind handlers.
type Server struct {
	host     host.Host
	log      logger.Logger
	handlers map[Kind]HandlerFunc
}

// NewServer constructs a Server and registers it as ProtocolID's
// stream handler on h.
func NewServer(h host.Host, log logger.Logger) *Server {
	if log == nil {
		log = logger.GetDefaultLogger()
	}
	s := &Server{
		host:     h,
		log:      log,
		handlers: make(map[Kind]HandlerFunc),
	}
	h.SetStreamHandler(ProtocolID, s.handleStream)
	return s
}

// Handle registers the handler invoked for requests of the given kind.
func (s *Server) Handle(kind Kind, fn HandlerFunc) {
	s.handlers[kind] = fn
}

func (s *Server) handleStream(stream network.Stream) {
	defer stream.Close()

	w := msgio.NewVarintWriter(stream)
	r := msgio.NewVarintReader(stream)
	from := stream.Conn().RemotePeer()
	ctx := context.Background()

	for {
		msg, err := r.ReadMsg()
		if err != nil {
			return
		}
		var req Envelope
		if err := cbor.Unmarshal(msg, &req); err != nil {
			r.ReleaseMsg(msg)
			s.log.Warn("reqresp: undecodable request", logger.Error(err))
			continue
		}
		r.ReleaseMsg(msg)

		reply := s.dispatch(ctx, from, req)
		wire, err := cbor.Marshal(reply)
		if err != nil {
			s.log.Warn("reqresp: failed to marshal reply", logger.Error(err))
			return
		}
		if err := w.WriteMsg(wire); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, from peer.ID, req Envelope) Envelope {
	handler, ok := s.handlers[req.Kind]
	if !ok {
		return errorEnvelope(req.ID, fmt.Sprintf("no handler registered for kind %q", req.Kind))
	}

	kind, body, err := handler(ctx, from, req.Body)
	if err != nil {
		return errorEnvelope(req.ID, err.Error())
	}

	bodyBytes, err := cbor.Marshal(body)
	if err != nil {
		return errorEnvelope(req.ID, fmt.Sprintf("marshal reply: %v", err))
	}
	return Envelope{ID: req.ID, Kind: kind, Body: bodyBytes}
}

func errorEnvelope(id, message string) Envelope {
	bodyBytes, _ := cbor.Marshal(ErrorReply{Message: message})
	return Envelope{ID: id, Kind: KindError, Body: bodyBytes}
}
