package signer

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ed25519PEM(t *testing.T, seed byte) []byte {
	t.Helper()
	s := make([]byte, ed25519.SeedSize)
	for i := range s {
		s[i] = seed
	}
	key := ed25519.NewKeyFromSeed(s)
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
}

func p256PEM(t *testing.T, curve elliptic.Curve) []byte {
	t.Helper()
	key, err := ecdsa.GenerateKey(curve, rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
}

func decodeID(t *testing.T, id string) []byte {
	t.Helper()
	raw, err := bundleIDEncoding.DecodeString(strings.ToUpper(id))
	require.NoError(t, err)
	return raw
}

func TestFromPEM_Ed25519Identity(t *testing.T) {
	s, err := FromPEM(ed25519PEM(t, 7))
	require.NoError(t, err)

	id := s.Identity()
	assert.Equal(t, Ed25519, id.Algorithm)
	assert.Len(t, id.WebBundleID, 56)
	assert.Equal(t, strings.ToLower(id.WebBundleID), id.WebBundleID)
	assert.Equal(t, "isolated-app://"+id.WebBundleID+"/", id.Origin())

	raw := decodeID(t, id.WebBundleID)
	assert.Equal(t, id.PublicKey, raw[:ed25519.PublicKeySize])
	assert.Equal(t, []byte{0x00, 0x01, 0x02}, raw[ed25519.PublicKeySize:])
}

func TestIdentity_StableForSameKey(t *testing.T) {
	a, err := FromPEM(ed25519PEM(t, 1))
	require.NoError(t, err)
	b, err := FromPEM(ed25519PEM(t, 1))
	require.NoError(t, err)
	c, err := FromPEM(ed25519PEM(t, 2))
	require.NoError(t, err)

	assert.Equal(t, a.Identity(), b.Identity())
	assert.NotEqual(t, a.Identity().WebBundleID, c.Identity().WebBundleID)
}

func TestFromPEM_P256Identity(t *testing.T) {
	s, err := FromPEM(p256PEM(t, elliptic.P256()))
	require.NoError(t, err)

	id := s.Identity()
	assert.Equal(t, ECDSAP256, id.Algorithm)
	assert.Len(t, id.PublicKey, 33)

	raw := decodeID(t, id.WebBundleID)
	assert.Equal(t, []byte{0x00, 0x01, 0x03}, raw[len(raw)-3:])
}

func TestParsePEMKey_Rejects(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{name: "not pem", data: []byte("hello")},
		{name: "wrong block", data: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: []byte{1}})},
		{name: "encrypted", data: pem.EncodeToMemory(&pem.Block{Type: "ENCRYPTED PRIVATE KEY", Bytes: []byte{1}})},
		{name: "p384", data: p256PEM(t, elliptic.P384())},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePEMKey(tt.data)
			assert.ErrorIs(t, err, ErrUnsupportedKey)
		})
	}

	_, err := ParsePEMKey(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: []byte{1, 2, 3}}))
	assert.Error(t, err)
}

func TestSignVerify(t *testing.T) {
	for name, data := range map[string][]byte{
		"ed25519": ed25519PEM(t, 3),
		"p256":    p256PEM(t, elliptic.P256()),
	} {
		t.Run(name, func(t *testing.T) {
			s, err := FromPEM(data)
			require.NoError(t, err)

			payload := []byte("bundle payload")
			sig, err := s.Sign(payload)
			require.NoError(t, err)

			require.NoError(t, Verify(s.Identity(), payload, sig))
			assert.ErrorIs(t, Verify(s.Identity(), []byte("tampered"), sig), ErrInvalidSignature)
		})
	}
}
