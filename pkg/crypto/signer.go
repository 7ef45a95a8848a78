// Package crypto provides Ed25519 signing and verification for export
// bundles, plus JWK publication of the verifying key.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/odin-protocol/signet/pkg/canonicalize"
)

// Signer signs export bundles and exposes the verifying key as a JWK.
type Signer interface {
	Sign(data []byte) []byte
	Verify(data, sig []byte) bool
	JWK() JWK
	KeyID() string
}

// Ed25519Signer holds a signing key loaded from a 32-byte seed.
type Ed25519Signer struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
	kid  string
}

// NewEd25519Signer generates a fresh key pair. Intended for tests and
// development; production keys come from LoadSigner.
func NewEd25519Signer(kid string) (*Ed25519Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("key generation failed: %w", err)
	}
	return &Ed25519Signer{priv: priv, pub: pub, kid: kid}, nil
}

// LoadSigner builds a signer from a base64url-unpadded 32-byte Ed25519 seed.
// An empty seed returns (nil, nil): signing disabled.
func LoadSigner(seedB64url, kid string) (*Ed25519Signer, error) {
	if seedB64url == "" {
		return nil, nil
	}
	seed, err := B64urlDecode(seedB64url)
	if err != nil {
		return nil, fmt.Errorf("invalid PRIVATE_KEY_B64: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("PRIVATE_KEY_B64 must be a %d-byte Ed25519 seed (base64url), got %d bytes", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Ed25519Signer{
		priv: priv,
		pub:  priv.Public().(ed25519.PublicKey),
		kid:  kid,
	}, nil
}

func (s *Ed25519Signer) Sign(data []byte) []byte {
	return ed25519.Sign(s.priv, data)
}

func (s *Ed25519Signer) Verify(data, sig []byte) bool {
	return ed25519.Verify(s.pub, data, sig)
}

func (s *Ed25519Signer) KeyID() string {
	return s.kid
}

func (s *Ed25519Signer) PublicKeyBytes() []byte {
	return s.pub
}

// JWK is an RFC 7517 key description restricted to the OKP/Ed25519 shape
// served from the JWKS endpoint.
type JWK struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	Alg string `json:"alg"`
}

// JWKS is the document served from /.well-known/jwks.json.
type JWKS struct {
	Keys []JWK `json:"keys"`
}

func (s *Ed25519Signer) JWK() JWK {
	return JWK{
		Kty: "OKP",
		Crv: "Ed25519",
		X:   B64urlEncode(s.pub),
		Kid: s.kid,
		Use: "sig",
		Alg: "EdDSA",
	}
}

// B64urlEncode encodes without padding, per JWK/JWS conventions.
func B64urlEncode(data []byte) string {
	return base64.RawURLEncoding.EncodeToString(data)
}

// B64urlDecode accepts both padded and unpadded input.
func B64urlDecode(s string) ([]byte, error) {
	if b, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.URLEncoding.DecodeString(s)
}

// ExportSignature binds an export bundle to the signing key.
type ExportSignature struct {
	BundleCID  string `json:"bundle_cid"`
	ExportedAt string `json:"exported_at"`
	Signature  string `json:"signature"`
	Kid        string `json:"kid"`
}

// ExportSigningBytes reconstructs the exact byte string covered by an export
// signature. Shared by signer and offline verifier.
func ExportSigningBytes(bundleCID, traceID, exportedAt string) []byte {
	return []byte(bundleCID + "|" + traceID + "|" + exportedAt)
}

// SignExportBundle canonicalizes the bundle, derives its CID, and signs
// cid|trace_id|exported_at.
func SignExportBundle(s Signer, traceID, exportedAt string, bundle interface{}) (*ExportSignature, error) {
	bundleCID, err := canonicalize.CID(bundle)
	if err != nil {
		return nil, fmt.Errorf("bundle canonicalization failed: %w", err)
	}
	sig := s.Sign(ExportSigningBytes(bundleCID, traceID, exportedAt))
	return &ExportSignature{
		BundleCID:  bundleCID,
		ExportedAt: exportedAt,
		Signature:  B64urlEncode(sig),
		Kid:        s.KeyID(),
	}, nil
}

// VerifyExportSignature checks a detached export signature against a JWK.
func VerifyExportSignature(key JWK, traceID string, es *ExportSignature) (bool, error) {
	if key.Kty != "OKP" || key.Crv != "Ed25519" {
		return false, fmt.Errorf("unsupported key type %s/%s", key.Kty, key.Crv)
	}
	pub, err := B64urlDecode(key.X)
	if err != nil {
		return false, fmt.Errorf("invalid JWK x: %w", err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return false, fmt.Errorf("invalid public key size %d", len(pub))
	}
	sig, err := B64urlDecode(es.Signature)
	if err != nil {
		return false, fmt.Errorf("invalid signature encoding: %w", err)
	}
	msg := ExportSigningBytes(es.BundleCID, traceID, es.ExportedAt)
	return ed25519.Verify(ed25519.PublicKey(pub), msg, sig), nil
}
