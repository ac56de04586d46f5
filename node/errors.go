// SPDX-License-Identifier: LGPL-3.0-or-later

package node

import (
	"errors"
	"fmt"

	"github.com/Bluheir/cacophoney-lib/message"
)

// ErrNotServer is the message reported when an endpoint with no registry
// (one produced by a NewOutboundOnlyNode Node) is asked to perform an
// operation that needs one (KeysExists, Communicate, ListConnectedServers).
var ErrNotServer = errors.New("node: not a server")

// ErrServerHdlDropped is returned when the node this endpoint was
// accepted on has since shut down.
var ErrServerHdlDropped = errors.New("node: server handle dropped")

// ConnError wraps the four ways a version handshake or subsequent
// request/response exchange can fail.
type ConnError struct {
	ConnectionErr error
	RequestErr    error
	// IncompatibleVersion, when non-nil, carries the peer's advertised
	// API version.
	IncompatibleVersion *uint32
	TypeErr              *message.InvalidTypeError
}

func (e *ConnError) Error() string {
	switch {
	case e.ConnectionErr != nil:
		return fmt.Sprintf("node: cannot connect to endpoint: %v", e.ConnectionErr)
	case e.RequestErr != nil:
		return fmt.Sprintf("node: while receiving/requesting: %v", e.RequestErr)
	case e.IncompatibleVersion != nil:
		return fmt.Sprintf("node: incompatible version, provided version: %d", *e.IncompatibleVersion)
	case e.TypeErr != nil:
		return e.TypeErr.Error()
	default:
		return "node: connection error"
	}
}

func (e *ConnError) Unwrap() error {
	if e.ConnectionErr != nil {
		return e.ConnectionErr
	}
	if e.RequestErr != nil {
		return e.RequestErr
	}
	return e.TypeErr
}

// IdentifyReqError enumerates why an Identify request was refused.
type IdentifyReqError struct {
	Kind string
	Err  error
}

const (
	IdentifyServerHdlDropped = "ServerHdlDropped"
	IdentifySignatureInvalid = "SignatureInvalid"
	IdentifyDataInvalid      = "IdentifyDataInvalid"
	IdentifyExpired          = "Expired"
	IdentifyAlreadyIdentified = "AlreadyIdentified"
	IdentifyConvertErr       = "ConvertErr"
)

func (e *IdentifyReqError) Error() string {
	switch e.Kind {
	case IdentifySignatureInvalid:
		return "node: signature invalid"
	case IdentifyDataInvalid:
		return "node: identify data invalid"
	case IdentifyExpired:
		return "node: identify data expired"
	case IdentifyAlreadyIdentified:
		return "node: already identified key"
	case IdentifyServerHdlDropped:
		return ErrServerHdlDropped.Error()
	case IdentifyConvertErr:
		return fmt.Sprintf("node: %v", e.Err)
	default:
		return fmt.Sprintf("node: identify failed: %s", e.Kind)
	}
}

func (e *IdentifyReqError) Unwrap() error { return e.Err }

func newIdentifyErr(kind string) *IdentifyReqError { return &IdentifyReqError{Kind: kind} }

func newIdentifyConvertErr(err error) *IdentifyReqError {
	return &IdentifyReqError{Kind: IdentifyConvertErr, Err: err}
}

// KeysExistsReqError enumerates why a KeysExists request was refused.
type KeysExistsReqError struct {
	Kind string
}

const (
	KeysExistsNotServer       = "NotServer"
	KeysExistsServerHdlDropped = "ServerHdlDropped"
)

func (e *KeysExistsReqError) Error() string {
	switch e.Kind {
	case KeysExistsNotServer:
		return ErrNotServer.Error()
	default:
		return ErrServerHdlDropped.Error()
	}
}

// CommunicationReqError enumerates why a Communicate request was refused.
type CommunicationReqError struct {
	Kind string
	Err  error
}

const (
	CommNotServer        = "NotServer"
	CommServerHdlDropped = "ServerHdlDropped"
	CommInvalidPublicKey = "InvalidPublicKey"
	CommCannotFindKey    = "CannotFindKey"
	CommStreamOpenErr    = "StreamOpenErr"
)

func (e *CommunicationReqError) Error() string {
	switch e.Kind {
	case CommNotServer:
		return ErrNotServer.Error()
	case CommServerHdlDropped:
		return ErrServerHdlDropped.Error()
	case CommInvalidPublicKey:
		return "node: the endpoint did not identify as the public key"
	case CommCannotFindKey:
		return "node: cannot find a connected endpoint for that key"
	case CommStreamOpenErr:
		return fmt.Sprintf("node: stream open failed: %v", e.Err)
	default:
		return "node: communication failed"
	}
}

func (e *CommunicationReqError) Unwrap() error { return e.Err }

// ListConnectedServersReqError enumerates why a ListConnectedServers
// request was refused.
type ListConnectedServersReqError struct {
	Kind string
}

func (e *ListConnectedServersReqError) Error() string {
	if e.Kind == KeysExistsNotServer {
		return ErrNotServer.Error()
	}
	return ErrServerHdlDropped.Error()
}
