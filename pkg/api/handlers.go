package api

import (
	"encoding/json"
	"net/http"

	"github.com/odin-protocol/signet/pkg/config"
	"github.com/odin-protocol/signet/pkg/contracts"
	"github.com/odin-protocol/signet/pkg/crypto"
)

// Header families accepted for authentication and idempotency. The SIGNET
// names are canonical; the ODIN aliases and the bare forms are kept for
// compatibility with existing callers.
var (
	apiKeyHeaders  = []string{"X-SIGNET-API-Key", "X-ODIN-API-Key", "API-Key"}
	idemKeyHeaders = []string{"X-SIGNET-Idempotency-Key", "X-ODIN-Idempotency-Key", "Idempotency-Key"}
)

func headerFirst(h http.Header, names []string) string {
	for _, n := range names {
		if v := h.Get(n); v != "" {
			return v
		}
	}
	return ""
}

// authenticate resolves the caller's tenant. Empty key and unknown key are
// both reported; the distinction only shows in the detail text.
func (s *Server) authenticate(r *http.Request) (string, config.TenantConfig, bool) {
	apiKey := headerFirst(r.Header, apiKeyHeaders)
	if apiKey == "" {
		return "", config.TenantConfig{}, false
	}
	tc, ok := s.settings.TenantForKey(apiKey)
	if !ok {
		return apiKey, config.TenantConfig{}, false
	}
	return apiKey, tc, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":      true,
		"storage": s.settings.StorageType,
		"ts":      contracts.UTCNow(),
	})
}

func (s *Server) handleJWKS(w http.ResponseWriter, r *http.Request) {
	jwks := crypto.JWKS{Keys: []crypto.JWK{}}
	if s.signer != nil {
		jwks.Keys = append(jwks.Keys, s.signer.JWK())
	}
	writeJSON(w, http.StatusOK, jwks)
}

func (s *Server) handleChain(w http.ResponseWriter, r *http.Request) {
	chain, err := s.storage.GetChain(r.Context(), r.PathValue("trace_id"))
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if chain == nil {
		chain = []*contracts.Receipt{}
	}
	writeJSON(w, http.StatusOK, chain)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	traceID := r.PathValue("trace_id")
	chain, err := s.storage.GetChain(r.Context(), traceID)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if len(chain) == 0 {
		WriteNotFound(w, "no receipts for trace "+traceID)
		return
	}

	bundle := contracts.ChainExport{
		TraceID:    traceID,
		Chain:      chain,
		ExportedAt: contracts.UTCNow(),
	}

	if s.signer != nil {
		es, err := crypto.SignExportBundle(s.signer, traceID, bundle.ExportedAt, bundle)
		if err != nil {
			WriteInternal(w, err)
			return
		}
		w.Header().Set("X-SIGNET-Response-CID", es.BundleCID)
		w.Header().Set("X-SIGNET-Signature", es.Signature)
		w.Header().Set("X-SIGNET-KID", es.Kid)
	}
	writeJSON(w, http.StatusOK, bundle)
}

func (s *Server) handleExchange(w http.ResponseWriter, r *http.Request) {
	apiKey, tc, ok := s.authenticate(r)
	if !ok {
		if apiKey == "" {
			WriteReason(w, http.StatusUnauthorized, contracts.ReasonMissingKey, "missing API key header")
		} else {
			WriteReason(w, http.StatusUnauthorized, contracts.ReasonInvalidKey, "unknown API key")
		}
		return
	}

	idemKey := headerFirst(r.Header, idemKeyHeaders)
	if idemKey == "" {
		WriteReason(w, http.StatusBadRequest, contracts.ReasonMissingIdem, "missing idempotency key header")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req contracts.ExchangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "invalid request body")
		return
	}
	if req.PayloadType == "" || req.TargetType == "" || req.Payload == nil {
		WriteBadRequest(w, "payload_type, target_type, and payload are required")
		return
	}

	res, terr := s.pipeline.Execute(r.Context(), apiKey, tc, idemKey, &req)
	if terr != nil {
		s.logger.WarnContext(r.Context(), "exchange denied",
			"tenant", tc.Tenant, "reason", terr.Reason, "status", terr.Status)
		WriteTerminal(w, r, terr)
		return
	}

	w.Header().Set("X-SIGNET-Trace", res.TraceID)
	if res.Replay {
		w.Header().Set("X-SIGNET-Idempotency-Hit", "1")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res.Body)
}

// handleBillingFlush drains the billing queue on demand. Restricted to
// tenants flagged admin_flush in their key config.
func (s *Server) handleBillingFlush(w http.ResponseWriter, r *http.Request) {
	_, tc, ok := s.authenticate(r)
	if !ok {
		WriteUnauthorized(w, "")
		return
	}
	if !tc.AdminFlush {
		WriteForbidden(w, "billing flush requires an admin key")
		return
	}
	if s.billing == nil || !s.billing.Enabled() {
		WriteError(w, http.StatusServiceUnavailable, "Service Unavailable", "billing sink not configured")
		return
	}

	result, err := s.billing.FlushOnce(r.Context(), 100, 3)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
