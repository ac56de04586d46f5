// SPDX-License-Identifier: LGPL-3.0-or-later

package message

import (
	"encoding/json"
	"fmt"
	"net"

	"github.com/Bluheir/cacophoney-lib/crypto"
)

// InvalidTypeError is returned when projecting a ReqMessage/RespMessage
// sum value to a concrete variant it does not hold.
type InvalidTypeError struct {
	Expected string
	Received string
}

func (e *InvalidTypeError) Error() string {
	return fmt.Sprintf("message: expected object type %s however received %s", e.Expected, e.Received)
}

// ObjectType names the wire-level variant tag of a request or response
// payload.
type ObjectType interface {
	ObjectType() string
}

const (
	TypeNodeInfo       = "NODE_INFO"
	TypeStartIdentify  = "START_IDENTIFY"
	TypeIdentify       = "IDENTIFY"
	TypeKeysExists     = "KEYS_EXISTS"
	TypeCommunicate    = "COMMUNICATE"
	TypeListServers    = "LIST_SERVERS"
)

// NodeInfo is exchanged by both sides immediately after connecting, to
// negotiate a compatible API version.
type NodeInfo struct {
	APIVersion uint32 `json:"apiVersion"`
}

func (NodeInfo) ObjectType() string { return TypeNodeInfo }

// NodeInfoResp is the reply to a NodeInfo request.
type NodeInfoResp struct {
	Compatible bool     `json:"compatible"`
	Info       NodeInfo `json:"info"`
}

func (NodeInfoResp) ObjectType() string { return TypeNodeInfo }

// StartIdentifyReq begins the two-step identify protocol.
type StartIdentifyReq struct{}

func (StartIdentifyReq) ObjectType() string { return TypeStartIdentify }

// StartIdentifyResp carries the challenge the caller must sign.
type StartIdentifyResp struct {
	Salt       Salt   `json:"salt"`
	StartTime  uint64 `json:"startTime"`
	ExpireTime uint64 `json:"expireTime"`
}

func (StartIdentifyResp) ObjectType() string { return TypeStartIdentify }

// IdentifyReq submits a signed proof over the most recently issued
// challenge.
type IdentifyReq struct {
	Triad crypto.KeyTriad[SignedData]
}

func (IdentifyReq) ObjectType() string { return TypeIdentify }

// MarshalJSON flattens the triad's fields to the wire shape
// {publicKey, signature, signed}.
func (r IdentifyReq) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Triad)
}

func (r *IdentifyReq) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &r.Triad)
}

// IdentifyResp is the empty success reply to an Identify request.
type IdentifyResp struct{}

func (IdentifyResp) ObjectType() string { return TypeIdentify }

// KeysExistsReq asks whether the given public keys have identified to
// this node, optionally subscribing to future identification.
type KeysExistsReq struct {
	Keys   []crypto.PublicKey `json:"keys"`
	Notify bool               `json:"notify"`
}

func (KeysExistsReq) ObjectType() string { return TypeKeysExists }

// KeysExistsResp returns the proofs for whichever requested keys are
// currently present; absence is implicit.
type KeysExistsResp struct {
	Triads []crypto.KeyTriad[SignedData] `json:"triads"`
}

func (KeysExistsResp) ObjectType() string { return TypeKeysExists }

// CommunicationReq asks the node to introduce the caller (identified as
// From) to whichever endpoint owns To.
type CommunicationReq struct {
	From crypto.PublicKey `json:"from"`
	To   crypto.PublicKey `json:"to"`
}

func (CommunicationReq) ObjectType() string { return TypeCommunicate }

// CommunicationResp acknowledges that a raw stream was opened; it carries
// no payload of its own, per §6.
type CommunicationResp struct{}

func (CommunicationResp) ObjectType() string { return TypeCommunicate }

// ListConnectedServersReq lists the servers connected to this node.
type ListConnectedServersReq struct {
	Max *uint32 `json:"max,omitempty"`
}

func (ListConnectedServersReq) ObjectType() string { return TypeListServers }

// ConnectedServer describes one connected server endpoint.
type ConnectedServer struct {
	IP     net.IP `json:"ip"`
	Domain string `json:"domain"`
}

// ListConnectedServersResp lists up to Max connected servers.
type ListConnectedServersResp struct {
	Servers []ConnectedServer `json:"servers"`
}

func (ListConnectedServersResp) ObjectType() string { return TypeListServers }

// ServerInfo marks an endpoint as a server and names its domain.
type ServerInfo struct {
	Domain string `json:"domain"`
}

// EndpointInfo describes a connected endpoint: whether it is a server,
// and its socket address.
type EndpointInfo struct {
	ServerInfo *ServerInfo
	Endpoint   net.Addr
}

// IsServer reports whether this endpoint advertised a ServerInfo.
func (e EndpointInfo) IsServer() bool { return e.ServerInfo != nil }

// NonServer builds an EndpointInfo for a plain client.
func NonServer(addr net.Addr) EndpointInfo {
	return EndpointInfo{Endpoint: addr}
}
