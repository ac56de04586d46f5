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

package crypto

import "github.com/fxamacker/cbor/v2"

// cborMarshalBytes and cborUnmarshalBytes give the fixed-size key/signature
// types a CBOR byte-string encoding instead of the default fixed-length
// array encoding, mirroring how they're encoded as base64 strings in JSON.
func cborMarshalBytes(b []byte) ([]byte, error) {
	return cbor.Marshal(b)
}

func cborUnmarshalBytes(data []byte) ([]byte, error) {
	var buf []byte
	if err := cbor.Unmarshal(data, &buf); err != nil {
		return nil, err
	}
	return buf, nil
}
