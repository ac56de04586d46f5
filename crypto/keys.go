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

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/zeebo/blake3"
)

// Sizes, in bytes, of the fixed-width wire values this package deals in.
const (
	PublicKeySize  = 33
	PrivateKeySize = 32
	SignatureSize  = 64
	HashSize       = 32
)

// Common errors returned by this package.
var (
	ErrInvalidSignature  = errors.New("crypto: invalid signature")
	ErrInvalidPrivateKey = errors.New("crypto: invalid private key")
	ErrInvalidPublicKey  = errors.New("crypto: invalid public key")
	ErrInvalidLength     = errors.New("crypto: invalid encoded length")
)

// HashMsg is a 32-byte BLAKE3 digest.
type HashMsg [HashSize]byte

// Hash computes the BLAKE3-256 digest of the exact byte slice given. It
// never re-serializes its input, so callers must pass the precise bytes
// that were (or will be) signed.
func Hash(b []byte) HashMsg {
	return HashMsg(blake3.Sum256(b))
}

func (h HashMsg) MarshalJSON() ([]byte, error) {
	return json.Marshal(h[:])
}

func (h *HashMsg) UnmarshalJSON(data []byte) error {
	var buf []byte
	if err := json.Unmarshal(data, &buf); err != nil {
		return err
	}
	if len(buf) != HashSize {
		return ErrInvalidLength
	}
	copy(h[:], buf)
	return nil
}

// PublicKey is a 33-byte compressed secp256k1 point.
type PublicKey [PublicKeySize]byte

// MarshalJSON encodes the key as a base64 string, matching the
// implicit encoding encoding/json already gives []byte.
func (p PublicKey) MarshalJSON() ([]byte, error) {
	return json.Marshal(p[:])
}

func (p *PublicKey) UnmarshalJSON(data []byte) error {
	var buf []byte
	if err := json.Unmarshal(data, &buf); err != nil {
		return err
	}
	if len(buf) != PublicKeySize {
		return ErrInvalidLength
	}
	copy(p[:], buf)
	return nil
}

// MarshalCBOR implements cbor.Marshaler so the key round-trips as a raw
// byte string instead of the (default) fixed JSON-style array encoding.
func (p PublicKey) MarshalCBOR() ([]byte, error) {
	return cborMarshalBytes(p[:])
}

func (p *PublicKey) UnmarshalCBOR(data []byte) error {
	buf, err := cborUnmarshalBytes(data)
	if err != nil {
		return err
	}
	if len(buf) != PublicKeySize {
		return ErrInvalidLength
	}
	copy(p[:], buf)
	return nil
}

// String returns the base64 encoding of the key, for logging.
func (p PublicKey) String() string {
	return base64.StdEncoding.EncodeToString(p[:])
}

// toSecp parses the compressed point. Unlike the constructors below, this
// is fallible in the ordinary sense: a corrupt point is always possible
// once the key arrives over the wire.
func (p PublicKey) toSecp() (*secp256k1.PublicKey, error) {
	return secp256k1.ParsePubKey(p[:])
}

// Valid reports whether signature is a valid secp256k1 signature over
// Hash(msg) under this public key. Signature.S is accepted in either the
// canonical (low-S) or overflowing form, matching libsecp256k1's
// "overflowing" parse mode, so peers that never low-S normalize still
// interoperate. A malformed public key never panics; it simply fails to
// validate.
func (p PublicKey) Valid(msg []byte, sig Signature) bool {
	pub, err := p.toSecp()
	if err != nil {
		return false
	}
	h := Hash(msg)
	r, s, err := sig.parse()
	if err != nil {
		return false
	}
	return ecdsa.Verify(pub.ToECDSA(), h[:], r, s)
}

// ValidHash is Valid, but over an already-computed digest.
func (p PublicKey) ValidHash(h HashMsg, sig Signature) bool {
	pub, err := p.toSecp()
	if err != nil {
		return false
	}
	r, s, err := sig.parse()
	if err != nil {
		return false
	}
	return ecdsa.Verify(pub.ToECDSA(), h[:], r, s)
}

// PrivateKey is a 32-byte secp256k1 scalar.
type PrivateKey struct {
	key *secp256k1.PrivateKey
}

// NewPrivateKey validates and wraps a 32-byte scalar.
func NewPrivateKey(b []byte) (PrivateKey, error) {
	if len(b) != PrivateKeySize {
		return PrivateKey{}, ErrInvalidLength
	}
	var scalar secp256k1.ModNScalar
	overflow := scalar.SetByteSlice(b)
	if overflow || scalar.IsZero() {
		return PrivateKey{}, ErrInvalidPrivateKey
	}
	return PrivateKey{key: secp256k1.NewPrivateKey(&scalar)}, nil
}

// GeneratePrivateKey generates a new random private key.
func GeneratePrivateKey() (PrivateKey, error) {
	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return PrivateKey{}, err
	}
	return PrivateKey{key: key}, nil
}

// Bytes returns the 32-byte scalar encoding.
func (k PrivateKey) Bytes() [PrivateKeySize]byte {
	return [PrivateKeySize]byte(k.key.Serialize())
}

// DerivePublic deterministically derives the corresponding public key.
func (k PrivateKey) DerivePublic() PublicKey {
	return PublicKey(k.key.PubKey().SerializeCompressed())
}

// Sign hashes msg with BLAKE3 and signs the digest, returning a 64-byte
// fixed-width (R || S) signature. The signature is not forced to
// canonical low-S form; verification tolerates either.
func (k PrivateKey) Sign(msg []byte) (Signature, error) {
	h := Hash(msg)
	return k.SignHash(h)
}

// SignHash signs an already-computed digest.
func (k PrivateKey) SignHash(h HashMsg) (Signature, error) {
	r, s, err := ecdsa.Sign(rand.Reader, k.key.ToECDSA(), h[:])
	if err != nil {
		return Signature{}, err
	}
	return serializeSignature(r, s), nil
}

// Signature is a 64-byte fixed-width (R || S) secp256k1 signature.
type Signature [SignatureSize]byte

func (s Signature) MarshalJSON() ([]byte, error) {
	return json.Marshal(s[:])
}

func (s *Signature) UnmarshalJSON(data []byte) error {
	var buf []byte
	if err := json.Unmarshal(data, &buf); err != nil {
		return err
	}
	if len(buf) != SignatureSize {
		return ErrInvalidLength
	}
	copy(s[:], buf)
	return nil
}

func (s Signature) MarshalCBOR() ([]byte, error) {
	return cborMarshalBytes(s[:])
}

func (s *Signature) UnmarshalCBOR(data []byte) error {
	buf, err := cborUnmarshalBytes(data)
	if err != nil {
		return err
	}
	if len(buf) != SignatureSize {
		return ErrInvalidLength
	}
	copy(s[:], buf)
	return nil
}

// parse splits the fixed-width signature into its r/s components,
// tolerating a non-canonical (overflowing) s just like the reference
// implementation's "parse_overflowing".
func (s Signature) parse() (r, v *big.Int, err error) {
	n := secp256k1.S256().N
	r = new(big.Int).SetBytes(s[:32])
	r.Mod(r, n)
	v = new(big.Int).SetBytes(s[32:])
	v.Mod(v, n)
	if r.Sign() == 0 || v.Sign() == 0 {
		return nil, nil, ErrInvalidSignature
	}
	return r, v, nil
}

// serializeSignature packs r and s into a fixed 64-byte buffer,
// left-padding each half with zeros.
func serializeSignature(r, s *big.Int) Signature {
	var out Signature
	rBytes := r.Bytes()
	sBytes := s.Bytes()
	copy(out[32-len(rBytes):32], rBytes)
	copy(out[64-len(sBytes):64], sBytes)
	return out
}
