package crypto

import (
	"crypto/ed25519"
	"testing"

	"github.com/odin-protocol/signet/pkg/canonicalize"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadSigner_EmptySeedDisablesSigning(t *testing.T) {
	s, err := LoadSigner("", "kid-1")
	require.NoError(t, err)
	assert.Nil(t, s)
}

func TestLoadSigner_RoundTrip(t *testing.T) {
	seed := make([]byte, ed25519.SeedSize)
	for i := range seed {
		seed[i] = byte(i)
	}
	s, err := LoadSigner(B64urlEncode(seed), "kid-1")
	require.NoError(t, err)
	require.NotNil(t, s)

	msg := []byte("hello signet")
	sig := s.Sign(msg)
	assert.True(t, s.Verify(msg, sig))
	assert.False(t, s.Verify([]byte("tampered"), sig))
}

func TestLoadSigner_RejectsBadSeed(t *testing.T) {
	_, err := LoadSigner(B64urlEncode([]byte("short")), "kid-1")
	assert.Error(t, err)

	_, err = LoadSigner("!!!not-base64!!!", "kid-1")
	assert.Error(t, err)
}

func TestJWK_Shape(t *testing.T) {
	s, err := NewEd25519Signer("2025-08")
	require.NoError(t, err)

	jwk := s.JWK()
	assert.Equal(t, "OKP", jwk.Kty)
	assert.Equal(t, "Ed25519", jwk.Crv)
	assert.Equal(t, "EdDSA", jwk.Alg)
	assert.Equal(t, "sig", jwk.Use)
	assert.Equal(t, "2025-08", jwk.Kid)

	x, err := B64urlDecode(jwk.X)
	require.NoError(t, err)
	assert.Len(t, x, ed25519.PublicKeySize)
	// Unpadded encoding
	assert.NotContains(t, jwk.X, "=")
}

func TestSignExportBundle_VerifiesAgainstJWK(t *testing.T) {
	s, err := NewEd25519Signer("kid-a")
	require.NoError(t, err)

	bundle := map[string]interface{}{
		"trace_id":    "trace-1",
		"chain":       []interface{}{map[string]interface{}{"hop": 1}},
		"exported_at": "2025-08-25T12:00:00Z",
	}

	es, err := SignExportBundle(s, "trace-1", "2025-08-25T12:00:00Z", bundle)
	require.NoError(t, err)
	assert.Equal(t, "kid-a", es.Kid)

	wantCID, err := canonicalize.CID(bundle)
	require.NoError(t, err)
	assert.Equal(t, wantCID, es.BundleCID)

	ok, err := VerifyExportSignature(s.JWK(), "trace-1", es)
	require.NoError(t, err)
	assert.True(t, ok)

	// Wrong trace id must not verify: trace_id is part of the signed bytes.
	ok, err = VerifyExportSignature(s.JWK(), "trace-2", es)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyExportSignature_RejectsWrongKeyType(t *testing.T) {
	_, err := VerifyExportSignature(JWK{Kty: "RSA"}, "t", &ExportSignature{})
	assert.Error(t, err)
}
