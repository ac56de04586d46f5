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

// KeyTriad binds a public key, a signature, and whatever payload was
// signed. The payload type parameter lets the same shape carry either the
// raw wire bytes of a signed message or a cached (decoded, wire-bytes)
// pair; see message.SignedData and message.CachedSigned.
//
// Invariant: Signature is a valid signature over Hash(wire bytes of
// Signed) under PublicKey. KeyTriad itself does not enforce this; callers
// establish it at verification time and rely on it afterward.
type KeyTriad[T any] struct {
	PublicKey PublicKey `json:"publicKey"`
	Signature Signature `json:"signature"`
	Signed    T         `json:"signed"`
}

// Map transforms the signed payload, keeping the public key and signature.
func (t KeyTriad[T]) Map(f func(T) interface{}) KeyTriad[any] {
	return KeyTriad[any]{
		PublicKey: t.PublicKey,
		Signature: t.Signature,
		Signed:    f(t.Signed),
	}
}

// MapTriad transforms the signed payload into a concrete type U.
func MapTriad[T any, U any](t KeyTriad[T], f func(T) U) KeyTriad[U] {
	return KeyTriad[U]{
		PublicKey: t.PublicKey,
		Signature: t.Signature,
		Signed:    f(t.Signed),
	}
}
