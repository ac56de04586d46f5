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

// Package mock is an in-process, channel-backed transport.Endpoint used by
// tests and, when configured with transport "mock", as a runtime transport
// for same-process dial/serve. It mirrors the reference implementation's mock transport:
// Endpoints register themselves in a shared Context keyed by address, and
// connecting hands the acceptor one end of a paired Connection.
package mock

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/Bluheir/cacophoney-lib/crypto"
	"github.com/Bluheir/cacophoney-lib/message"
	"github.com/Bluheir/cacophoney-lib/transport"
)

// ErrClosed is returned once a Connection's peer has gone away.
var ErrClosed = errors.New("mock: connection closed")

// ErrUnknownAddr is returned by Connect when no Endpoint is listening at
// the given address.
var ErrUnknownAddr = errors.New("mock: no endpoint listening at address")

// Context is the shared registry every mock Endpoint in a test (or a
// single process) dials through.
type Context struct {
	mu    sync.RWMutex
	nodes map[string]chan Connection
}

// NewContext creates an empty registry.
func NewContext() *Context {
	return &Context{nodes: make(map[string]chan Connection)}
}

func (c *Context) register(addr net.Addr, ch chan Connection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nodes[addr.String()] = ch
}

func (c *Context) lookup(addr net.Addr) (chan Connection, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ch, ok := c.nodes[addr.String()]
	return ch, ok
}

// Endpoint is a mock transport.Endpoint bound to one address within a
// Context.
type Endpoint struct {
	addr   net.Addr
	ctx    *Context
	accept chan Connection
}

// NewEndpoint registers a new Endpoint listening at addr.
func NewEndpoint(ctx *Context, addr net.Addr) *Endpoint {
	e := &Endpoint{
		addr:   addr,
		ctx:    ctx,
		accept: make(chan Connection, 32),
	}
	ctx.register(addr, e.accept)
	return e
}

// Connect dials the endpoint registered at addr, handing it one end of a
// freshly paired Connection and returning the other.
func (e *Endpoint) Connect(ctx context.Context, _ string, addr net.Addr) (transport.Connection, error) {
	ch, ok := e.ctx.lookup(addr)
	if !ok {
		return nil, ErrUnknownAddr
	}
	ours, theirs := connectionPair(e.addr, addr)
	select {
	case ch <- theirs:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return ours, nil
}

// Accept waits for the next inbound connection.
func (e *Endpoint) Accept(ctx context.Context) (transport.Connection, error) {
	select {
	case conn := <-e.accept:
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// pendingRequest pairs a sent request with the channel its response
// arrives on.
type pendingRequest struct {
	req  message.ReqMessage
	resp chan message.RespMessage
}

// Connection is one end of an in-process duplex pipe carrying both typed
// requests/responses and raw streams.
type Connection struct {
	localAddr, remoteAddr net.Addr

	sendReq chan pendingRequest
	recvReq chan pendingRequest

	sendRaw chan transport.Stream
	recvRaw chan transport.Stream

	closeOnce sync.Once
	closed    chan struct{}
}

func connectionPair(a, b net.Addr) (*Connection, *Connection) {
	reqAB := make(chan pendingRequest, 32)
	reqBA := make(chan pendingRequest, 32)
	rawAB := make(chan transport.Stream, 8)
	rawBA := make(chan transport.Stream, 8)
	closed := make(chan struct{})

	left := &Connection{
		localAddr: a, remoteAddr: b,
		sendReq: reqAB, recvReq: reqBA,
		sendRaw: rawAB, recvRaw: rawBA,
		closed: closed,
	}
	right := &Connection{
		localAddr: b, remoteAddr: a,
		sendReq: reqBA, recvReq: reqAB,
		sendRaw: rawBA, recvRaw: rawAB,
		closed: closed,
	}
	return left, right
}

// RemoteAddr returns the address of the endpoint on the other end.
func (c *Connection) RemoteAddr() net.Addr { return c.remoteAddr }

// Close marks the connection (and its peer) closed.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// Request sends req and blocks for the correlated response.
func (c *Connection) Request(ctx context.Context, req message.ReqMessage) (message.RespMessage, error) {
	respCh := make(chan message.RespMessage, 1)
	select {
	case c.sendReq <- pendingRequest{req: req, resp: respCh}:
	case <-c.closed:
		return message.RespMessage{}, ErrClosed
	case <-ctx.Done():
		return message.RespMessage{}, ctx.Err()
	}
	select {
	case resp := <-respCh:
		return resp, nil
	case <-c.closed:
		return message.RespMessage{}, ErrClosed
	case <-ctx.Done():
		return message.RespMessage{}, ctx.Err()
	}
}

// NextRequest waits for the next inbound request.
func (c *Connection) NextRequest(ctx context.Context) (transport.Request, error) {
	select {
	case pending := <-c.recvReq:
		return &mockRequest{pending: pending}, nil
	case <-c.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type mockRequest struct {
	pending pendingRequest
}

func (r *mockRequest) Message() message.ReqMessage { return r.pending.req }

func (r *mockRequest) Respond(ctx context.Context, resp message.RespMessage) error {
	select {
	case r.pending.resp <- resp:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OpenRaw opens a raw stream to the peer, an in-memory pipe in each
// direction.
func (c *Connection) OpenRaw(ctx context.Context) (transport.Stream, error) {
	ourRead, theirWrite := io.Pipe()
	theirRead, ourWrite := io.Pipe()

	theirs := transport.Stream{Read: theirRead, Write: theirWrite}
	ours := transport.Stream{Read: ourRead, Write: ourWrite}

	select {
	case c.sendRaw <- theirs:
		return ours, nil
	case <-c.closed:
		return transport.Stream{}, ErrClosed
	case <-ctx.Done():
		return transport.Stream{}, ctx.Err()
	}
}

// NextRaw waits for the next stream opened by the peer.
func (c *Connection) NextRaw(ctx context.Context) (transport.Stream, error) {
	select {
	case s := <-c.recvRaw:
		return s, nil
	case <-c.closed:
		return transport.Stream{}, ErrClosed
	case <-ctx.Done():
		return transport.Stream{}, ctx.Err()
	}
}

// NotifyConnected delivers triad to whatever is reading requests on the
// other end, framed as an unsolicited IDENTIFY-shaped request so ordinary
// request dispatch can observe it. Delivery is fire-and-forget: a closed
// peer simply drops the notification.
func (c *Connection) NotifyConnected(ctx context.Context, triad crypto.KeyTriad[message.SignedData]) error {
	notif := message.NewIdentifyReq(message.IdentifyReq{Triad: triad})
	respCh := make(chan message.RespMessage, 1)
	select {
	case c.sendReq <- pendingRequest{req: notif, resp: respCh}:
		return nil
	case <-c.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}
