package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odin-protocol/signet/pkg/config"
	"github.com/odin-protocol/signet/pkg/contracts"
	"github.com/odin-protocol/signet/pkg/crypto"
	"github.com/odin-protocol/signet/pkg/exchange"
	"github.com/odin-protocol/signet/pkg/fallback"
	"github.com/odin-protocol/signet/pkg/forward"
	"github.com/odin-protocol/signet/pkg/hel"
	"github.com/odin-protocol/signet/pkg/schemas"
	"github.com/odin-protocol/signet/pkg/store"
)

const testAPIKey = "test-key"

func publicLookup(ctx context.Context, host string) ([]net.IPAddr, error) {
	return []net.IPAddr{{IP: net.ParseIP("93.184.216.34")}}, nil
}

func newTestServer(t *testing.T, signer crypto.Signer) (*Server, store.Storage) {
	t.Helper()

	st, err := store.OpenSQLite(filepath.Join(t.TempDir(), "signet.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	registry, err := schemas.Load("")
	require.NoError(t, err)

	resolver := hel.NewResolverWithLookup(publicLookup)
	pipeline := exchange.New(exchange.Deps{
		Storage:   st,
		Registry:  registry,
		Policy:    hel.NewEngine(nil, resolver),
		Forwarder: forward.NewForwarder(resolver),
		Fallback:  fallback.NullProvider{},
	})

	settings := &config.Settings{
		APIKeys: map[string]config.TenantConfig{
			testAPIKey: {Tenant: "acme", Allowlist: []string{"api.example.com"}},
			"admin":    {Tenant: "ops", AdminFlush: true},
		},
		StorageType:    "sqlite",
		RateLimitRPS:   1000,
		RateLimitBurst: 1000,
	}

	return NewServer(settings, pipeline, st, signer, nil, nil, nil), st
}

func exchangeBody(t *testing.T) []byte {
	t.Helper()
	body, err := json.Marshal(contracts.ExchangeRequest{
		PayloadType: "openai.tooluse.invoice.v1",
		TargetType:  "invoice.iso20022.v1",
		Payload: map[string]interface{}{
			"tool_calls": []interface{}{
				map[string]interface{}{
					"type": "function",
					"function": map[string]interface{}{
						"name":      "create_invoice",
						"arguments": `{"invoice_id":"INV-1","amount":123.45,"currency":"USD"}`,
					},
				},
			},
		},
	})
	require.NoError(t, err)
	return body
}

func doExchange(t *testing.T, h http.Handler, idemKey string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/exchange", bytes.NewReader(exchangeBody(t)))
	req.Header.Set("X-SIGNET-API-Key", testAPIKey)
	req.Header.Set("X-SIGNET-Idempotency-Key", idemKey)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t, nil)
	w := httptest.NewRecorder()
	s.Routes().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, "sqlite", body["storage"])
	assert.NotEmpty(t, body["ts"])
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestJWKS_Unsigned(t *testing.T) {
	s, _ := newTestServer(t, nil)
	w := httptest.NewRecorder()
	s.Routes().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/.well-known/jwks.json", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var jwks crypto.JWKS
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &jwks))
	assert.Empty(t, jwks.Keys)
}

func TestJWKS_Signed(t *testing.T) {
	signer, err := crypto.NewEd25519Signer("key-2026")
	require.NoError(t, err)
	s, _ := newTestServer(t, signer)

	w := httptest.NewRecorder()
	s.Routes().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/.well-known/jwks.json", nil))

	var jwks crypto.JWKS
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &jwks))
	require.Len(t, jwks.Keys, 1)
	assert.Equal(t, "key-2026", jwks.Keys[0].Kid)
	assert.Equal(t, "Ed25519", jwks.Keys[0].Crv)
}

func TestExchange_AuthFailures(t *testing.T) {
	s, _ := newTestServer(t, nil)
	h := s.Routes()

	// No key at all.
	req := httptest.NewRequest(http.MethodPost, "/v1/exchange", bytes.NewReader(exchangeBody(t)))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	var problem ProblemDetail
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &problem))
	assert.Equal(t, contracts.ReasonMissingKey, problem.Reason)

	// Unknown key.
	req = httptest.NewRequest(http.MethodPost, "/v1/exchange", bytes.NewReader(exchangeBody(t)))
	req.Header.Set("X-SIGNET-API-Key", "nope")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	problem = ProblemDetail{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &problem))
	assert.Equal(t, contracts.ReasonInvalidKey, problem.Reason)

	// Valid key, no idempotency header.
	req = httptest.NewRequest(http.MethodPost, "/v1/exchange", bytes.NewReader(exchangeBody(t)))
	req.Header.Set("X-SIGNET-API-Key", testAPIKey)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	problem = ProblemDetail{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &problem))
	assert.Equal(t, http.StatusBadRequest, problem.Status)
	assert.Equal(t, contracts.ReasonMissingIdem, problem.Reason)
	assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))
}

func TestExchange_SuccessAndReplay(t *testing.T) {
	s, _ := newTestServer(t, nil)
	h := s.Routes()

	first := doExchange(t, h, "idem-1")
	require.Equal(t, http.StatusOK, first.Code, first.Body.String())
	assert.NotEmpty(t, first.Header().Get("X-SIGNET-Trace"))
	assert.Empty(t, first.Header().Get("X-SIGNET-Idempotency-Hit"))

	var resp contracts.ExchangeResponse
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Receipt.Hop)
	assert.True(t, resp.Policy.Allowed)

	second := doExchange(t, h, "idem-1")
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "1", second.Header().Get("X-SIGNET-Idempotency-Hit"))
	assert.Equal(t, first.Body.Bytes(), second.Body.Bytes())
}

func TestExchange_ODINHeaderAliases(t *testing.T) {
	s, _ := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/exchange", bytes.NewReader(exchangeBody(t)))
	req.Header.Set("X-ODIN-API-Key", testAPIKey)
	req.Header.Set("X-ODIN-Idempotency-Key", "idem-odin")
	w := httptest.NewRecorder()
	s.Routes().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestExchange_MissingFields(t *testing.T) {
	s, _ := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/exchange", bytes.NewReader([]byte(`{"payload_type":"x"}`)))
	req.Header.Set("X-SIGNET-API-Key", testAPIKey)
	req.Header.Set("X-SIGNET-Idempotency-Key", "idem-1")
	w := httptest.NewRecorder()
	s.Routes().ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestChainEndpoint(t *testing.T) {
	s, _ := newTestServer(t, nil)
	h := s.Routes()

	first := doExchange(t, h, "idem-1")
	require.Equal(t, http.StatusOK, first.Code)
	traceID := first.Header().Get("X-SIGNET-Trace")

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/receipts/chain/"+traceID, nil))
	require.Equal(t, http.StatusOK, w.Code)

	var chain []*contracts.Receipt
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &chain))
	require.Len(t, chain, 1)
	assert.Equal(t, traceID, chain[0].TraceID)

	// Unknown trace yields an empty array, not an error.
	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/receipts/chain/ghost", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, "[]", w.Body.String())
}

func TestExport_NotFound(t *testing.T) {
	s, _ := newTestServer(t, nil)
	w := httptest.NewRecorder()
	s.Routes().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/receipts/export/ghost", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestExport_SignedBundleVerifies(t *testing.T) {
	signer, err := crypto.NewEd25519Signer("key-2026")
	require.NoError(t, err)
	s, _ := newTestServer(t, signer)
	h := s.Routes()

	first := doExchange(t, h, "idem-1")
	require.Equal(t, http.StatusOK, first.Code)
	traceID := first.Header().Get("X-SIGNET-Trace")

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/receipts/export/"+traceID, nil))
	require.Equal(t, http.StatusOK, w.Code)

	var bundle contracts.ChainExport
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &bundle))
	assert.Equal(t, traceID, bundle.TraceID)
	require.Len(t, bundle.Chain, 1)

	es := &crypto.ExportSignature{
		BundleCID:  w.Header().Get("X-SIGNET-Response-CID"),
		ExportedAt: bundle.ExportedAt,
		Signature:  w.Header().Get("X-SIGNET-Signature"),
		Kid:        w.Header().Get("X-SIGNET-KID"),
	}
	require.NotEmpty(t, es.BundleCID)
	require.Equal(t, "key-2026", es.Kid)

	ok, err := crypto.VerifyExportSignature(signer.JWK(), traceID, es)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestBillingFlush_Authorization(t *testing.T) {
	s, _ := newTestServer(t, nil)
	h := s.Routes()

	// Non-admin key.
	req := httptest.NewRequest(http.MethodPost, "/v1/billing/flush", nil)
	req.Header.Set("X-SIGNET-API-Key", testAPIKey)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)

	// Admin key but no billing sink configured.
	req = httptest.NewRequest(http.MethodPost, "/v1/billing/flush", nil)
	req.Header.Set("X-SIGNET-API-Key", "admin")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestCORSPreflight(t *testing.T) {
	s, _ := newTestServer(t, nil)
	w := httptest.NewRecorder()
	s.Routes().ServeHTTP(w, httptest.NewRequest(http.MethodOptions, "/v1/exchange", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
