// SPDX-License-Identifier: LGPL-3.0-or-later

package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testPrivateKey is the literal private key used throughout the test
// suite so that scenarios line up across packages.
var testPrivateKey = [PrivateKeySize]byte{
	59, 120, 176, 12, 17, 37, 95, 32, 64, 53, 178, 193, 44, 9, 148, 4, 187,
	63, 144, 195, 132, 19, 169, 115, 232, 229, 225, 77, 170, 4, 162, 75,
}

func TestPrivateKeyRoundTrip(t *testing.T) {
	key, err := NewPrivateKey(testPrivateKey[:])
	require.NoError(t, err)
	assert.Equal(t, testPrivateKey, key.Bytes())
}

func TestGenerateAndSignVerify(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)

	pub := key.DerivePublic()
	msg := []byte("hello rendezvous")

	sig, err := key.Sign(msg)
	require.NoError(t, err)
	assert.True(t, pub.Valid(msg, sig))

	assert.False(t, pub.Valid([]byte("tampered"), sig))
}

func TestValidRejectsMalformedPublicKey(t *testing.T) {
	var bogus PublicKey // all zero bytes is not a valid compressed point
	sig := Signature{1: 1}
	assert.False(t, bogus.Valid([]byte("x"), sig))
}

func TestValidRejectsGarbageSignature(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)
	pub := key.DerivePublic()

	var garbage Signature
	for i := range garbage {
		garbage[i] = 1
	}
	assert.False(t, pub.Valid([]byte("x"), garbage))
}

func TestHashIsDeterministic(t *testing.T) {
	a := Hash([]byte("same bytes"))
	b := Hash([]byte("same bytes"))
	assert.Equal(t, a, b)

	c := Hash([]byte("different bytes"))
	assert.NotEqual(t, a, c)
}
