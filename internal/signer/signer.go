// Package signer derives the signing identity of a bundle from its private
// key and signs bundle payloads.
//
// The identity is the Web Bundle ID: the public key followed by a
// three-byte key type suffix, base32 encoded without padding and lowercased.
// It is stable for as long as the key does not change and pins the bundle's
// origin to isolated-app://<id>/.
package signer

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base32"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
)

// Algorithm names a supported signing key type.
type Algorithm string

const (
	Ed25519   Algorithm = "ed25519"
	ECDSAP256 Algorithm = "ecdsa-p256"
)

// OriginScheme is the URL scheme of isolated web app origins.
const OriginScheme = "isolated-app"

var (
	// ErrUnsupportedKey is returned for keys other than Ed25519 and ECDSA P-256.
	ErrUnsupportedKey = errors.New("unsupported signing key")
	// ErrInvalidSignature is returned when a signature does not verify.
	ErrInvalidSignature = errors.New("invalid signature")
)

var (
	ed25519Suffix = []byte{0x00, 0x01, 0x02}
	p256Suffix    = []byte{0x00, 0x01, 0x03}

	bundleIDEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)
)

// Identity is the stable identity derived from a signing key.
type Identity struct {
	WebBundleID string
	Algorithm   Algorithm
	// PublicKey is the raw key for Ed25519 and the compressed point for P-256.
	PublicKey []byte
}

// Origin returns the isolated-app origin the bundle is served from.
func (id Identity) Origin() string {
	return OriginScheme + "://" + id.WebBundleID + "/"
}

// Signer signs bundle payloads with a fixed key.
type Signer struct {
	key      crypto.Signer
	identity Identity
}

// New creates a signer for key.
func New(key crypto.Signer) (*Signer, error) {
	id, err := DeriveIdentity(key.Public())
	if err != nil {
		return nil, err
	}
	return &Signer{key: key, identity: id}, nil
}

// FromPEM parses a PEM private key and returns a signer for it.
func FromPEM(data []byte) (*Signer, error) {
	key, err := ParsePEMKey(data)
	if err != nil {
		return nil, err
	}
	return New(key)
}

// Identity returns the signer's identity.
func (s *Signer) Identity() Identity {
	return s.identity
}

// Sign signs the SHA-256 digest of payload.
func (s *Signer) Sign(payload []byte) ([]byte, error) {
	digest := sha256.Sum256(payload)

	switch k := s.key.(type) {
	case ed25519.PrivateKey:
		return ed25519.Sign(k, digest[:]), nil
	case *ecdsa.PrivateKey:
		return ecdsa.SignASN1(rand.Reader, k, digest[:])
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedKey, s.key)
	}
}

// Verify checks sig over payload against a public key from an Identity.
func Verify(id Identity, payload, sig []byte) error {
	digest := sha256.Sum256(payload)

	switch id.Algorithm {
	case Ed25519:
		if len(id.PublicKey) != ed25519.PublicKeySize {
			return fmt.Errorf("%w: bad ed25519 key length %d", ErrUnsupportedKey, len(id.PublicKey))
		}
		if !ed25519.Verify(ed25519.PublicKey(id.PublicKey), digest[:], sig) {
			return ErrInvalidSignature
		}
		return nil
	case ECDSAP256:
		x, y := elliptic.UnmarshalCompressed(elliptic.P256(), id.PublicKey)
		if x == nil {
			return fmt.Errorf("%w: bad p-256 point", ErrUnsupportedKey)
		}
		pub := &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}
		if !ecdsa.VerifyASN1(pub, digest[:], sig) {
			return ErrInvalidSignature
		}
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedKey, id.Algorithm)
	}
}

// ParsePEMKey parses an unencrypted PKCS#8 or SEC 1 private key.
func ParsePEMKey(data []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block found", ErrUnsupportedKey)
	}

	switch block.Type {
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse PKCS#8 key: %w", err)
		}
		return checkKey(key)
	case "EC PRIVATE KEY":
		key, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse EC key: %w", err)
		}
		return checkKey(key)
	case "ENCRYPTED PRIVATE KEY":
		return nil, fmt.Errorf("%w: encrypted keys must be decrypted first", ErrUnsupportedKey)
	default:
		return nil, fmt.Errorf("%w: PEM block type %q", ErrUnsupportedKey, block.Type)
	}
}

func checkKey(key any) (crypto.Signer, error) {
	switch k := key.(type) {
	case ed25519.PrivateKey:
		return k, nil
	case *ecdsa.PrivateKey:
		if k.Curve != elliptic.P256() {
			return nil, fmt.Errorf("%w: ECDSA curve %s", ErrUnsupportedKey, k.Curve.Params().Name)
		}
		return k, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedKey, key)
	}
}

// DeriveIdentity computes the Web Bundle ID for a public key.
func DeriveIdentity(pub crypto.PublicKey) (Identity, error) {
	var (
		raw    []byte
		suffix []byte
		alg    Algorithm
	)

	switch k := pub.(type) {
	case ed25519.PublicKey:
		raw, suffix, alg = []byte(k), ed25519Suffix, Ed25519
	case *ecdsa.PublicKey:
		if k.Curve != elliptic.P256() {
			return Identity{}, fmt.Errorf("%w: ECDSA curve %s", ErrUnsupportedKey, k.Curve.Params().Name)
		}
		raw, suffix, alg = elliptic.MarshalCompressed(k.Curve, k.X, k.Y), p256Suffix, ECDSAP256
	default:
		return Identity{}, fmt.Errorf("%w: %T", ErrUnsupportedKey, pub)
	}

	buf := make([]byte, 0, len(raw)+len(suffix))
	buf = append(buf, raw...)
	buf = append(buf, suffix...)

	return Identity{
		WebBundleID: strings.ToLower(bundleIDEncoding.EncodeToString(buf)),
		Algorithm:   alg,
		PublicKey:   raw,
	}, nil
}
