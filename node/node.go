// SPDX-License-Identifier: LGPL-3.0-or-later

// Package node implements the rendezvous core: the concurrent in-memory
// identity registry (ServerHandle), the per-connection identify/lookup
// state machine (InboundEndpoint), and the Node facade that performs
// version negotiation and dispatches inbound requests to handlers.
package node

import (
	"context"
	"net"

	"github.com/Bluheir/cacophoney-lib/internal/logger"
	"github.com/Bluheir/cacophoney-lib/message"
	"github.com/Bluheir/cacophoney-lib/transport"
)

// CurrentVersion is this implementation's API version. Peers advertising
// a strictly greater version are rejected; equal or lower are accepted,
// on the expectation that a forward-compatible peer knows how to
// downgrade.
const CurrentVersion uint32 = 0

// Node wraps a transport.Endpoint, performing the NodeInfo handshake on
// every connection before it is handed back as a NodeConnection.
type Node struct {
	endpoint transport.Endpoint
	hdl      *ServerHandle
	info     *message.ServerInfo // nil if this node does not advertise itself as a server
	log      logger.Logger
}

// NewNode creates a Node over endpoint. If serverInfo is non-nil, every
// accepted connection is marked as talking to a server and contributes
// to the connected-servers set when its peer identifies as one.
func NewNode(endpoint transport.Endpoint, serverInfo *message.ServerInfo, log logger.Logger) *Node {
	return &Node{
		endpoint: endpoint,
		hdl:      NewServerHandle(log),
		info:     serverInfo,
		log:      log,
	}
}

// NewOutboundOnlyNode creates a Node with no registry at all: every
// endpoint it produces, inbound or outbound, is server-less. KeysExists,
// Communicate, and ListConnectedServers on such an endpoint fail with
// NotServer rather than ever consulting a registry. Use this for a pure
// dialing client that only ever identifies itself to peers and never
// itself answers rendezvous queries.
func NewOutboundOnlyNode(endpoint transport.Endpoint, log logger.Logger) *Node {
	return &Node{
		endpoint: endpoint,
		hdl:      nil,
		info:     nil,
		log:      log,
	}
}

// Handle returns the node's shared registry, for tests and metrics
// wiring that need to inspect it directly. Nil for a node built with
// NewOutboundOnlyNode.
func (n *Node) Handle() *ServerHandle { return n.hdl }

// Shutdown drops this node's registry: every InboundEndpoint sharing it,
// accepted before or after this call, starts failing KeysExists/
// Identify/Communicate/ListConnectedServers requests with a
// ServerHdlDropped error instead of serving against a registry this
// node no longer owns. A nil-registry (NewOutboundOnlyNode) Node has
// nothing to drop.
func (n *Node) Shutdown() {
	if n.hdl != nil {
		n.hdl.shutdown()
	}
}

// NodeConnection is an endpoint whose version handshake already
// succeeded.
type NodeConnection struct {
	conn transport.Connection
	ep   *InboundEndpoint
}

// Endpoint returns the connection's handler state machine.
func (c *NodeConnection) Endpoint() *InboundEndpoint { return c.ep }

// Request issues a typed request over the negotiated connection and
// waits for its response. Used by the initiating side of a handshake,
// which drives the protocol itself rather than being dispatched to.
func (c *NodeConnection) Request(ctx context.Context, req message.ReqMessage) (message.RespMessage, error) {
	return c.conn.Request(ctx, req)
}

// Connect dials domain/addr and runs the outbound half of the version
// handshake.
func (n *Node) Connect(ctx context.Context, domain string, addr net.Addr) (*NodeConnection, error) {
	conn, err := n.endpoint.Connect(ctx, domain, addr)
	if err != nil {
		return nil, &ConnError{ConnectionErr: err}
	}

	resp, err := conn.Request(ctx, message.NewNodeInfoReq(message.NodeInfo{APIVersion: CurrentVersion}))
	if err != nil {
		return nil, &ConnError{RequestErr: err}
	}
	info, err := resp.AsNodeInfo()
	if err != nil {
		return nil, &ConnError{TypeErr: asInvalidType(err)}
	}
	if !info.Compatible {
		v := info.Info.APIVersion
		return nil, &ConnError{IncompatibleVersion: &v}
	}

	ep := NewInboundEndpoint(n.hdl, conn, message.NonServer(conn.RemoteAddr()), n.log)
	return &NodeConnection{conn: conn, ep: ep}, nil
}

// Accept waits for the next inbound connection, negotiates its version,
// and returns a NodeConnection. If the peer advertises an incompatible
// version, an IncompatibleVersion response is sent and a *ConnError is
// returned without producing a connection on this side.
func (n *Node) Accept(ctx context.Context) (*NodeConnection, error) {
	conn, err := n.endpoint.Accept(ctx)
	if err != nil {
		return nil, &ConnError{ConnectionErr: err}
	}

	req, err := conn.NextRequest(ctx)
	if err != nil {
		return nil, &ConnError{RequestErr: err}
	}

	info, err := req.Message().AsNodeInfo()
	if err != nil {
		return nil, &ConnError{TypeErr: asInvalidType(err)}
	}

	compatible := info.APIVersion <= CurrentVersion
	if respErr := req.Respond(ctx, message.NewNodeInfoResp(message.NodeInfoResp{
		Compatible: compatible,
		Info:       message.NodeInfo{APIVersion: CurrentVersion},
	})); respErr != nil {
		return nil, &ConnError{RequestErr: respErr}
	}
	if !compatible {
		v := info.APIVersion
		return nil, &ConnError{IncompatibleVersion: &v}
	}

	var endpointInfo message.EndpointInfo
	if n.info != nil {
		endpointInfo = message.EndpointInfo{ServerInfo: n.info, Endpoint: conn.RemoteAddr()}
	} else {
		endpointInfo = message.NonServer(conn.RemoteAddr())
	}

	ep := NewInboundEndpoint(n.hdl, conn, endpointInfo, n.log)
	return &NodeConnection{conn: conn, ep: ep}, nil
}

func asInvalidType(err error) *message.InvalidTypeError {
	if typeErr, ok := err.(*message.InvalidTypeError); ok {
		return typeErr
	}
	return nil
}

// Serve drives an accepted NodeConnection: it loops pulling requests off
// the connection and dispatching them until the connection closes, and
// cleans up the endpoint's registry entries on exit.
func (n *Node) Serve(ctx context.Context, nc *NodeConnection) error {
	defer func() {
		if err := nc.ep.Close(); err != nil {
			n.log.Warn("endpoint close failed", logger.Error(err))
		}
	}()

	for {
		req, err := nc.conn.NextRequest(ctx)
		if err != nil {
			return err
		}
		resp := dispatch(ctx, nc.ep, req.Message())
		if err := req.Respond(ctx, resp); err != nil {
			n.log.Warn("respond failed", logger.Error(err))
			return err
		}
	}
}

// dispatch is the single handle(ReqMessage) -> RespMessage table-driven
// entry point: each variant is matched once and delegated to its
// handler, rather than simulated through ad-hoc type assertions spread
// across callers.
func dispatch(ctx context.Context, ep *InboundEndpoint, req message.ReqMessage) message.RespMessage {
	switch req.Type() {
	case message.TypeStartIdentify:
		data, err := ep.PreIdentify(ctx)
		if err != nil {
			return message.NewErrorResp("PreIdentifyFailed", err.Error())
		}
		return message.NewStartIdentifyResp(message.StartIdentifyResp{
			Salt:       data.Salt,
			StartTime:  data.StartTime,
			ExpireTime: data.ExpireTime,
		})

	case message.TypeIdentify:
		identify, err := req.AsIdentify()
		if err != nil {
			return message.NewErrorResp("TypeErr", err.Error())
		}
		if _, err := ep.Identify(ctx, identify.Triad); err != nil {
			if ie, ok := err.(*IdentifyReqError); ok {
				return message.NewErrorResp(ie.Kind, ie.Error())
			}
			return message.NewErrorResp("IdentifyFailed", err.Error())
		}
		return message.NewIdentifyResp(message.IdentifyResp{})

	case message.TypeKeysExists:
		keysReq, err := req.AsKeysExists()
		if err != nil {
			return message.NewErrorResp("TypeErr", err.Error())
		}
		resp, err := ep.KeysExists(ctx, keysReq.Keys, keysReq.Notify)
		if err != nil {
			if ke, ok := err.(*KeysExistsReqError); ok {
				return message.NewErrorResp(ke.Kind, ke.Error())
			}
			return message.NewErrorResp("KeysExistsFailed", err.Error())
		}
		return message.NewKeysExistsResp(resp)

	case message.TypeCommunicate:
		commReq, err := req.AsCommunicate()
		if err != nil {
			return message.NewErrorResp("TypeErr", err.Error())
		}
		if _, err := ep.Communicate(ctx, commReq.From, commReq.To); err != nil {
			if ce, ok := err.(*CommunicationReqError); ok {
				return message.NewErrorResp(ce.Kind, ce.Error())
			}
			return message.NewErrorResp("CommunicateFailed", err.Error())
		}
		return message.NewCommunicationResp(message.CommunicationResp{})

	case message.TypeListServers:
		listReq, err := req.AsListServers()
		if err != nil {
			return message.NewErrorResp("TypeErr", err.Error())
		}
		resp, err := ep.ListConnectedServers(ctx, listReq.Max)
		if err != nil {
			if le, ok := err.(*ListConnectedServersReqError); ok {
				return message.NewErrorResp(le.Kind, le.Error())
			}
			return message.NewErrorResp("ListConnectedServersFailed", err.Error())
		}
		return message.NewListConnectedServersResp(resp)

	default:
		return message.NewErrorResp("UnknownRequest", "unrecognized request type: "+req.Type())
	}
}
