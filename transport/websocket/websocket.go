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

// Package websocket is the real transport.Endpoint, built on
// gorilla/websocket. A single WebSocket connection carries both the typed
// request/response traffic and raw streams: every frame is a JSON text
// frame tagged with a kind and a correlation ID, except the bytes of an
// open raw stream, which travel as binary frames carrying that stream's
// ID in the first 16 bytes.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Bluheir/cacophoney-lib/crypto"
	"github.com/Bluheir/cacophoney-lib/message"
	"github.com/Bluheir/cacophoney-lib/transport"
)

// ErrClosed is returned from operations on a Connection whose underlying
// socket has gone away.
var ErrClosed = errors.New("websocket: connection closed")

const (
	frameReq      = "req"
	frameResp     = "resp"
	frameRawOpen  = "raw_open"
	frameNotify   = "notify"
	rawHeaderSize = 16 // length of a uuid, prefixed onto every binary frame
)

type wireFrame struct {
	Kind string               `json:"kind"`
	ID   string               `json:"id"`
	Req  *message.ReqMessage  `json:"req,omitempty"`
	Resp *message.RespMessage `json:"resp,omitempty"`

	Triad *crypto.KeyTriad[message.SignedData] `json:"triad,omitempty"`
}

// Endpoint is a client-dialing transport.Endpoint. Accepting inbound
// connections is done separately via Handler, which adapts an
// http.ServeMux route into the same Connection type.
type Endpoint struct {
	dialer *websocket.Dialer

	mu     sync.Mutex
	accept chan *Connection
}

// NewEndpoint builds a websocket Endpoint. Call Handler to obtain the
// http.Handler that feeds Accept.
func NewEndpoint() *Endpoint {
	return &Endpoint{
		dialer: &websocket.Dialer{HandshakeTimeout: 30 * time.Second},
		accept: make(chan *Connection, 32),
	}
}

// Connect dials addr over plain ws:// at path /rendezvous; wss:// is not
// used. domain appears only in the dial error message; the dial target is
// addr.
func (e *Endpoint) Connect(ctx context.Context, domain string, addr net.Addr) (transport.Connection, error) {
	u := url.URL{Scheme: "ws", Host: addr.String(), Path: "/rendezvous"}
	conn, _, err := e.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("websocket: dial %s (%s): %w", addr, domain, err)
	}
	return newConnection(conn, addr), nil
}

// Accept waits for the next connection upgraded by Handler.
func (e *Endpoint) Accept(ctx context.Context) (transport.Connection, error) {
	select {
	case c := <-e.accept:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Handler returns an http.Handler that upgrades inbound requests to
// WebSocket connections and feeds them to Accept.
func (e *Endpoint) Handler() http.Handler {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		remote := &netAddr{network: "tcp", addr: r.RemoteAddr}
		c := newConnection(conn, remote)
		select {
		case e.accept <- c:
		default:
			_ = c.Close()
		}
	})
}

type netAddr struct{ network, addr string }

func (a *netAddr) Network() string { return a.network }
func (a *netAddr) String() string  { return a.addr }

type pendingResp struct {
	ch chan message.RespMessage
}

type rawPipe struct {
	reader *io.PipeReader
	writer *io.PipeWriter
}

// Connection is one WebSocket socket multiplexing requests, responses,
// notifications, and raw streams.
type Connection struct {
	conn       *websocket.Conn
	remoteAddr net.Addr

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]pendingResp

	incomingReq chan *inboundRequest

	rawMu      sync.Mutex
	rawPipes   map[string]*rawPipe
	incomingRaw chan transport.Stream

	closeOnce sync.Once
	closed    chan struct{}
}

type inboundRequest struct {
	id  string
	req message.ReqMessage
	c   *Connection
}

func newConnection(conn *websocket.Conn, remote net.Addr) *Connection {
	c := &Connection{
		conn:        conn,
		remoteAddr:  remote,
		pending:     make(map[string]pendingResp),
		incomingReq: make(chan *inboundRequest, 32),
		rawPipes:    make(map[string]*rawPipe),
		incomingRaw: make(chan transport.Stream, 8),
		closed:      make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Connection) readLoop() {
	defer c.Close()
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		switch msgType {
		case websocket.TextMessage:
			c.handleFrame(data)
		case websocket.BinaryMessage:
			c.handleRawData(data)
		}
	}
}

func (c *Connection) handleFrame(data []byte) {
	var frame wireFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return
	}
	switch frame.Kind {
	case frameReq:
		if frame.Req == nil {
			return
		}
		select {
		case c.incomingReq <- &inboundRequest{id: frame.ID, req: *frame.Req, c: c}:
		case <-c.closed:
		}
	case frameResp:
		if frame.Resp == nil {
			return
		}
		c.pendingMu.Lock()
		p, ok := c.pending[frame.ID]
		delete(c.pending, frame.ID)
		c.pendingMu.Unlock()
		if ok {
			p.ch <- *frame.Resp
		}
	case frameRawOpen:
		pipeR, pipeW := io.Pipe()
		c.rawMu.Lock()
		c.rawPipes[frame.ID] = &rawPipe{reader: pipeR, writer: pipeW}
		c.rawMu.Unlock()
		select {
		case c.incomingRaw <- transport.Stream{Read: pipeR, Write: &rawWriter{id: frame.ID, conn: c}}:
		case <-c.closed:
		}
	case frameNotify:
		// Notifications are surfaced to callers as ordinary inbound
		// requests shaped like an IDENTIFY push; see NotifyConnected.
		if frame.Triad == nil {
			return
		}
		req := message.NewIdentifyReq(message.IdentifyReq{Triad: *frame.Triad})
		select {
		case c.incomingReq <- &inboundRequest{id: frame.ID, req: req, c: c}:
		case <-c.closed:
		}
	}
}

func (c *Connection) handleRawData(data []byte) {
	if len(data) < rawHeaderSize {
		return
	}
	id, err := uuid.FromBytes(data[:rawHeaderSize])
	if err != nil {
		return
	}
	c.rawMu.Lock()
	p, ok := c.rawPipes[id.String()]
	c.rawMu.Unlock()
	if !ok {
		return
	}
	if len(data) == rawHeaderSize {
		_ = p.writer.Close()
		return
	}
	_, _ = p.writer.Write(data[rawHeaderSize:])
}

// rawWriter frames outbound raw-stream bytes with the stream's ID and
// sends them as binary WebSocket frames.
type rawWriter struct {
	id   string
	conn *Connection
}

func (w *rawWriter) Write(p []byte) (int, error) {
	id, err := uuid.Parse(w.id)
	if err != nil {
		return 0, err
	}
	buf := make([]byte, rawHeaderSize+len(p))
	idBytes, _ := id.MarshalBinary()
	copy(buf, idBytes)
	copy(buf[rawHeaderSize:], p)
	if err := w.conn.writeBinary(buf); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *Connection) writeBinary(b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.BinaryMessage, b)
}

func (c *Connection) writeFrame(frame wireFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// RemoteAddr returns the peer's socket address.
func (c *Connection) RemoteAddr() net.Addr { return c.remoteAddr }

// Close tears down the underlying socket.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}

// Request sends req as a "req" frame and blocks until the correlated
// "resp" frame arrives.
func (c *Connection) Request(ctx context.Context, req message.ReqMessage) (message.RespMessage, error) {
	id := uuid.NewString()
	ch := make(chan message.RespMessage, 1)

	c.pendingMu.Lock()
	c.pending[id] = pendingResp{ch: ch}
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	if err := c.writeFrame(wireFrame{Kind: frameReq, ID: id, Req: &req}); err != nil {
		return message.RespMessage{}, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-c.closed:
		return message.RespMessage{}, ErrClosed
	case <-ctx.Done():
		return message.RespMessage{}, ctx.Err()
	}
}

// NextRequest waits for the next inbound "req" or "notify" frame.
func (c *Connection) NextRequest(ctx context.Context) (transport.Request, error) {
	select {
	case r := <-c.incomingReq:
		return r, nil
	case <-c.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *inboundRequest) Message() message.ReqMessage { return r.req }

func (r *inboundRequest) Respond(ctx context.Context, resp message.RespMessage) error {
	return r.c.writeFrame(wireFrame{Kind: frameResp, ID: r.id, Resp: &resp})
}

// OpenRaw negotiates a new raw stream via a "raw_open" control frame and
// returns the local side.
func (c *Connection) OpenRaw(ctx context.Context) (transport.Stream, error) {
	id := uuid.New()
	pipeR, pipeW := io.Pipe()
	c.rawMu.Lock()
	c.rawPipes[id.String()] = &rawPipe{reader: pipeR, writer: pipeW}
	c.rawMu.Unlock()

	if err := c.writeFrame(wireFrame{Kind: frameRawOpen, ID: id.String()}); err != nil {
		return transport.Stream{}, err
	}
	return transport.Stream{Read: pipeR, Write: &rawWriter{id: id.String(), conn: c}}, nil
}

// NextRaw waits for the next stream opened by the peer.
func (c *Connection) NextRaw(ctx context.Context) (transport.Stream, error) {
	select {
	case s := <-c.incomingRaw:
		return s, nil
	case <-c.closed:
		return transport.Stream{}, ErrClosed
	case <-ctx.Done():
		return transport.Stream{}, ctx.Err()
	}
}

// NotifyConnected pushes triad to the peer as a "notify" frame, which the
// peer's NextRequest surfaces as an unsolicited IDENTIFY request.
func (c *Connection) NotifyConnected(ctx context.Context, triad crypto.KeyTriad[message.SignedData]) error {
	return c.writeFrame(wireFrame{Kind: frameNotify, ID: uuid.NewString(), Triad: &triad})
}
