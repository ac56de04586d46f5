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

// Package message defines the signable envelope and the request/response
// taxonomy exchanged over a rendezvous connection.
package message

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// SaltSize is the size, in bytes, of an identify challenge's nonce.
const SaltSize = 16

// SignedConvertError is returned when a SignedData envelope cannot be
// decoded into a typed Signable[T].
type SignedConvertError struct {
	Format SignedFormat
	Err    error
}

func (e *SignedConvertError) Error() string {
	return fmt.Sprintf("message: decoding %s envelope: %v", e.Format, e.Err)
}

func (e *SignedConvertError) Unwrap() error { return e.Err }

// ErrEmptySignedData is returned when a SignedData value carries neither a
// JSON nor a CBOR payload.
var ErrEmptySignedData = errors.New("message: signed data has no content")

// SignedFormat identifies which wire encoding a SignedData envelope uses.
type SignedFormat string

const (
	FormatJSON SignedFormat = "JSON"
	FormatCBOR SignedFormat = "CBOR"
)

// SignedData is the sum type {Json(string) | Cbor(bytes)}: the exact bytes
// a peer signed, tagged by which encoding they used. Peers may sign
// either encoding; verification must hash precisely these bytes, never a
// re-serialization.
type SignedData struct {
	format SignedFormat
	json   string
	cbor   []byte
}

// JSONSigned wraps a raw JSON string as a signed envelope.
func JSONSigned(s string) SignedData {
	return SignedData{format: FormatJSON, json: s}
}

// CBORSigned wraps raw CBOR bytes as a signed envelope.
func CBORSigned(b []byte) SignedData {
	return SignedData{format: FormatCBOR, cbor: append([]byte(nil), b...)}
}

// Format reports which encoding this envelope carries.
func (s SignedData) Format() SignedFormat { return s.format }

// Bytes returns the exact wire bytes that were (or will be) signed: the
// JSON text as UTF-8, or the raw CBOR bytes, verbatim.
func (s SignedData) Bytes() []byte {
	switch s.format {
	case FormatCBOR:
		return s.cbor
	default:
		return []byte(s.json)
	}
}

// MarshalJSON encodes the tagged {format, signed} wire shape.
func (s SignedData) MarshalJSON() ([]byte, error) {
	type wire struct {
		Format SignedFormat `json:"format"`
		Signed interface{}  `json:"signed"`
	}
	switch s.format {
	case FormatCBOR:
		return json.Marshal(wire{Format: FormatCBOR, Signed: s.cbor})
	case FormatJSON:
		return json.Marshal(wire{Format: FormatJSON, Signed: s.json})
	default:
		return nil, ErrEmptySignedData
	}
}

func (s *SignedData) UnmarshalJSON(data []byte) error {
	var wire struct {
		Format SignedFormat    `json:"format"`
		Signed json.RawMessage `json:"signed"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	switch wire.Format {
	case FormatCBOR:
		var buf []byte
		if err := json.Unmarshal(wire.Signed, &buf); err != nil {
			return err
		}
		*s = CBORSigned(buf)
	case FormatJSON:
		var str string
		if err := json.Unmarshal(wire.Signed, &str); err != nil {
			return err
		}
		*s = JSONSigned(str)
	default:
		return fmt.Errorf("message: unknown signed data format %q", wire.Format)
	}
	return nil
}

// Signable pairs a discriminant with a payload so that a signature over
// one protocol's message cannot be replayed as a signature for another.
type Signable[T any] struct {
	MsgType SignMessageType `json:"msgType" cbor:"msgType"`
	Obj     T               `json:"obj" cbor:"obj"`
}

// SignMessageType is the msg_type discriminant of a Signable payload.
type SignMessageType string

// Identify is currently the only signable message type.
const SignMessageTypeIdentify SignMessageType = "IDENTIFY"

// CachedSigned decodes a SignedData envelope once and keeps both the
// decoded Signable[T] and the original wire bytes (via Value), so that
// signature verification always hashes exactly what was signed rather
// than a re-serialization.
type CachedSigned[T any] struct {
	Signable Signable[T]
	Value    SignedData
}

// ToCached decodes s into a CachedSigned[T], preserving s itself as the
// cached wire bytes.
func ToCached[T any](s SignedData) (CachedSigned[T], error) {
	var signable Signable[T]
	switch s.format {
	case FormatCBOR:
		if err := cbor.Unmarshal(s.cbor, &signable); err != nil {
			return CachedSigned[T]{}, &SignedConvertError{Format: FormatCBOR, Err: err}
		}
	case FormatJSON:
		if err := json.Unmarshal([]byte(s.json), &signable); err != nil {
			return CachedSigned[T]{}, &SignedConvertError{Format: FormatJSON, Err: err}
		}
	default:
		return CachedSigned[T]{}, ErrEmptySignedData
	}
	return CachedSigned[T]{Signable: signable, Value: s}, nil
}

// Salt is a fixed-width nonce, encoded on the wire as a base64 JSON
// string or a CBOR byte string rather than an array of numbers.
type Salt [SaltSize]byte

func (s Salt) MarshalJSON() ([]byte, error) {
	return json.Marshal(s[:])
}

func (s *Salt) UnmarshalJSON(data []byte) error {
	var buf []byte
	if err := json.Unmarshal(data, &buf); err != nil {
		return err
	}
	if len(buf) != SaltSize {
		return fmt.Errorf("message: salt must be %d bytes, got %d", SaltSize, len(buf))
	}
	copy(s[:], buf)
	return nil
}

func (s Salt) MarshalCBOR() ([]byte, error) {
	return cbor.Marshal(s[:])
}

func (s *Salt) UnmarshalCBOR(data []byte) error {
	var buf []byte
	if err := cbor.Unmarshal(data, &buf); err != nil {
		return err
	}
	if len(buf) != SaltSize {
		return fmt.Errorf("message: salt must be %d bytes, got %d", SaltSize, len(buf))
	}
	copy(s[:], buf)
	return nil
}

// IdentifyData is the challenge issued by PreIdentify and the payload an
// Identify request must sign.
type IdentifyData struct {
	Salt       Salt   `json:"salt" cbor:"salt"`
	StartTime  uint64 `json:"startTime" cbor:"startTime"`
	ExpireTime uint64 `json:"expireTime" cbor:"expireTime"`
}
