// SPDX-License-Identifier: LGPL-3.0-or-later

package message

import (
	"encoding/json"
	"fmt"
)

// ReqMessage is the tagged sum of every request variant a connection can
// send. Use the New*Req constructors to build one and the As* methods to
// fallibly project it back to a concrete type — this is how a handler
// refuses a message that was not meant for it.
type ReqMessage struct {
	kind string
	val  interface{}
}

func NewNodeInfoReq(v NodeInfo) ReqMessage             { return ReqMessage{TypeNodeInfo, v} }
func NewStartIdentifyReq(v StartIdentifyReq) ReqMessage { return ReqMessage{TypeStartIdentify, v} }
func NewIdentifyReq(v IdentifyReq) ReqMessage          { return ReqMessage{TypeIdentify, v} }
func NewKeysExistsReq(v KeysExistsReq) ReqMessage       { return ReqMessage{TypeKeysExists, v} }
func NewCommunicationReq(v CommunicationReq) ReqMessage { return ReqMessage{TypeCommunicate, v} }
func NewListConnectedServersReq(v ListConnectedServersReq) ReqMessage {
	return ReqMessage{TypeListServers, v}
}

// Type reports the wire-level variant tag.
func (r ReqMessage) Type() string { return r.kind }

func (r ReqMessage) AsNodeInfo() (NodeInfo, error) {
	v, ok := r.val.(NodeInfo)
	if !ok {
		return NodeInfo{}, &InvalidTypeError{Expected: TypeNodeInfo, Received: r.kind}
	}
	return v, nil
}

func (r ReqMessage) AsStartIdentify() (StartIdentifyReq, error) {
	v, ok := r.val.(StartIdentifyReq)
	if !ok {
		return StartIdentifyReq{}, &InvalidTypeError{Expected: TypeStartIdentify, Received: r.kind}
	}
	return v, nil
}

func (r ReqMessage) AsIdentify() (IdentifyReq, error) {
	v, ok := r.val.(IdentifyReq)
	if !ok {
		return IdentifyReq{}, &InvalidTypeError{Expected: TypeIdentify, Received: r.kind}
	}
	return v, nil
}

func (r ReqMessage) AsKeysExists() (KeysExistsReq, error) {
	v, ok := r.val.(KeysExistsReq)
	if !ok {
		return KeysExistsReq{}, &InvalidTypeError{Expected: TypeKeysExists, Received: r.kind}
	}
	return v, nil
}

func (r ReqMessage) AsCommunicate() (CommunicationReq, error) {
	v, ok := r.val.(CommunicationReq)
	if !ok {
		return CommunicationReq{}, &InvalidTypeError{Expected: TypeCommunicate, Received: r.kind}
	}
	return v, nil
}

func (r ReqMessage) AsListServers() (ListConnectedServersReq, error) {
	v, ok := r.val.(ListConnectedServersReq)
	if !ok {
		return ListConnectedServersReq{}, &InvalidTypeError{Expected: TypeListServers, Received: r.kind}
	}
	return v, nil
}

func (r ReqMessage) MarshalJSON() ([]byte, error) {
	type wire struct {
		Type string          `json:"type"`
		Data interface{}     `json:"data"`
	}
	return json.Marshal(wire{Type: r.kind, Data: r.val})
}

func (r *ReqMessage) UnmarshalJSON(data []byte) error {
	var head struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}
	switch head.Type {
	case TypeNodeInfo:
		var v NodeInfo
		if err := json.Unmarshal(head.Data, &v); err != nil {
			return err
		}
		*r = ReqMessage{head.Type, v}
	case TypeStartIdentify:
		var v StartIdentifyReq
		if err := json.Unmarshal(head.Data, &v); err != nil {
			return err
		}
		*r = ReqMessage{head.Type, v}
	case TypeIdentify:
		var v IdentifyReq
		if err := json.Unmarshal(head.Data, &v); err != nil {
			return err
		}
		*r = ReqMessage{head.Type, v}
	case TypeKeysExists:
		var v KeysExistsReq
		if err := json.Unmarshal(head.Data, &v); err != nil {
			return err
		}
		*r = ReqMessage{head.Type, v}
	case TypeCommunicate:
		var v CommunicationReq
		if err := json.Unmarshal(head.Data, &v); err != nil {
			return err
		}
		*r = ReqMessage{head.Type, v}
	case TypeListServers:
		var v ListConnectedServersReq
		if err := json.Unmarshal(head.Data, &v); err != nil {
			return err
		}
		*r = ReqMessage{head.Type, v}
	default:
		return fmt.Errorf("message: unknown request type %q", head.Type)
	}
	return nil
}

// RespMessage is the tagged sum of every response variant, including the
// generic error frame (§7: exactly one response per request, success or
// error).
type RespMessage struct {
	kind string
	val  interface{}
}

const typeError = "ERROR"

func NewNodeInfoResp(v NodeInfoResp) RespMessage { return RespMessage{TypeNodeInfo, v} }
func NewStartIdentifyResp(v StartIdentifyResp) RespMessage {
	return RespMessage{TypeStartIdentify, v}
}
func NewIdentifyResp(v IdentifyResp) RespMessage       { return RespMessage{TypeIdentify, v} }
func NewKeysExistsResp(v KeysExistsResp) RespMessage   { return RespMessage{TypeKeysExists, v} }
func NewCommunicationResp(v CommunicationResp) RespMessage {
	return RespMessage{TypeCommunicate, v}
}
func NewListConnectedServersResp(v ListConnectedServersResp) RespMessage {
	return RespMessage{TypeListServers, v}
}

// ErrorResp is a structured failure reported in place of a typed response.
type ErrorResp struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func NewErrorResp(kind, msg string) RespMessage {
	return RespMessage{typeError, ErrorResp{Kind: kind, Message: msg}}
}

// Type reports the wire-level variant tag.
func (r RespMessage) Type() string { return r.kind }

// AsError reports whether this response is an error frame.
func (r RespMessage) AsError() (ErrorResp, bool) {
	v, ok := r.val.(ErrorResp)
	return v, ok
}

func (r RespMessage) AsNodeInfo() (NodeInfoResp, error) {
	v, ok := r.val.(NodeInfoResp)
	if !ok {
		return NodeInfoResp{}, &InvalidTypeError{Expected: TypeNodeInfo, Received: r.kind}
	}
	return v, nil
}

func (r RespMessage) AsStartIdentify() (StartIdentifyResp, error) {
	v, ok := r.val.(StartIdentifyResp)
	if !ok {
		return StartIdentifyResp{}, &InvalidTypeError{Expected: TypeStartIdentify, Received: r.kind}
	}
	return v, nil
}

func (r RespMessage) AsIdentify() (IdentifyResp, error) {
	v, ok := r.val.(IdentifyResp)
	if !ok {
		return IdentifyResp{}, &InvalidTypeError{Expected: TypeIdentify, Received: r.kind}
	}
	return v, nil
}

func (r RespMessage) AsKeysExists() (KeysExistsResp, error) {
	v, ok := r.val.(KeysExistsResp)
	if !ok {
		return KeysExistsResp{}, &InvalidTypeError{Expected: TypeKeysExists, Received: r.kind}
	}
	return v, nil
}

func (r RespMessage) AsCommunicate() (CommunicationResp, error) {
	v, ok := r.val.(CommunicationResp)
	if !ok {
		return CommunicationResp{}, &InvalidTypeError{Expected: TypeCommunicate, Received: r.kind}
	}
	return v, nil
}

func (r RespMessage) AsListServers() (ListConnectedServersResp, error) {
	v, ok := r.val.(ListConnectedServersResp)
	if !ok {
		return ListConnectedServersResp{}, &InvalidTypeError{Expected: TypeListServers, Received: r.kind}
	}
	return v, nil
}

func (r RespMessage) MarshalJSON() ([]byte, error) {
	type wire struct {
		Type string      `json:"type"`
		Data interface{} `json:"data"`
	}
	return json.Marshal(wire{Type: r.kind, Data: r.val})
}

func (r *RespMessage) UnmarshalJSON(data []byte) error {
	var head struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}
	switch head.Type {
	case TypeNodeInfo:
		var v NodeInfoResp
		if err := json.Unmarshal(head.Data, &v); err != nil {
			return err
		}
		*r = RespMessage{head.Type, v}
	case TypeStartIdentify:
		var v StartIdentifyResp
		if err := json.Unmarshal(head.Data, &v); err != nil {
			return err
		}
		*r = RespMessage{head.Type, v}
	case TypeIdentify:
		var v IdentifyResp
		if err := json.Unmarshal(head.Data, &v); err != nil {
			return err
		}
		*r = RespMessage{head.Type, v}
	case TypeKeysExists:
		var v KeysExistsResp
		if err := json.Unmarshal(head.Data, &v); err != nil {
			return err
		}
		*r = RespMessage{head.Type, v}
	case TypeCommunicate:
		var v CommunicationResp
		if err := json.Unmarshal(head.Data, &v); err != nil {
			return err
		}
		*r = RespMessage{head.Type, v}
	case TypeListServers:
		var v ListConnectedServersResp
		if err := json.Unmarshal(head.Data, &v); err != nil {
			return err
		}
		*r = RespMessage{head.Type, v}
	case typeError:
		var v ErrorResp
		if err := json.Unmarshal(head.Data, &v); err != nil {
			return err
		}
		*r = RespMessage{head.Type, v}
	default:
		return fmt.Errorf("message: unknown response type %q", head.Type)
	}
	return nil
}
