// SAGE - Secure Agent Guarantee Engine
// Copyright (C) 2025 SAGE-X-project
//
// This file is part of SAGE.
//
// SAGE is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// SAGE is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with SAGE. If not, see <https://www.gnu.org/licenses/>.

// Package transport defines the abstract boundary between the rendezvous
// core and the concrete wire: an Endpoint that produces Connections, a
// Connection that exchanges typed request/response messages and can open
// raw streams, and a Notify capability for push-style delivery. The core
// never depends on a specific network library; it only depends on this
// package.
package transport

import (
	"context"
	"io"
	"net"

	"github.com/Bluheir/cacophoney-lib/crypto"
	"github.com/Bluheir/cacophoney-lib/message"
)

// Endpoint dials or accepts Connections.
type Endpoint interface {
	// Connect opens a connection to the given domain/address.
	Connect(ctx context.Context, domain string, addr net.Addr) (Connection, error)
	// Accept waits for the next inbound connection.
	Accept(ctx context.Context) (Connection, error)
}

// Stream is a raw, bidirectional byte stream opened out-of-band of the
// request/response channel, used to introduce two endpoints via
// COMMUNICATE.
type Stream struct {
	Read  io.Reader
	Write io.Writer
}

// Connection exchanges typed requests/responses with a remote endpoint,
// can open or accept raw streams, and can push a connected-key
// notification to whatever is on the other end.
type Connection interface {
	// NextRequest waits for the next inbound request.
	NextRequest(ctx context.Context) (Request, error)
	// Request sends req and waits for the correlated response.
	Request(ctx context.Context, req message.ReqMessage) (message.RespMessage, error)

	// OpenRaw initiates a raw stream.
	OpenRaw(ctx context.Context) (Stream, error)
	// NextRaw waits for the next stream opened by the remote endpoint.
	NextRaw(ctx context.Context) (Stream, error)

	// RemoteAddr is the address of the remote endpoint, if known.
	RemoteAddr() net.Addr

	Notify

	// Close releases any resources held by the connection.
	Close() error
}

// Request is one inbound request paired with the means to answer it
// exactly once.
type Request interface {
	Message() message.ReqMessage
	Respond(ctx context.Context, resp message.RespMessage) error
}

// Notify is the push-style capability used to deliver a proof-of-connection
// to a subscriber without that subscriber having to poll.
type Notify interface {
	// NotifyConnected informs this connection's peer that triad has just
	// identified. Delivery is best-effort; callers should not fail a
	// caller-visible operation because of a Notify error.
	NotifyConnected(ctx context.Context, triad crypto.KeyTriad[message.SignedData]) error
}
