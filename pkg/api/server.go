package api

import (
	"log/slog"
	"net/http"

	"github.com/odin-protocol/signet/pkg/billing"
	"github.com/odin-protocol/signet/pkg/config"
	"github.com/odin-protocol/signet/pkg/crypto"
	"github.com/odin-protocol/signet/pkg/exchange"
	"github.com/odin-protocol/signet/pkg/metrics"
	"github.com/odin-protocol/signet/pkg/store"
)

// Server exposes the gateway over HTTP.
type Server struct {
	settings *config.Settings
	pipeline *exchange.Pipeline
	storage  store.Storage
	signer   crypto.Signer // nil when unsigned
	billing  *billing.Buffer
	limiter  Limiter
	logger   *slog.Logger
}

// NewServer wires the HTTP boundary. signer and billing may be nil, limiter
// and logger fall back to sane defaults.
func NewServer(settings *config.Settings, pipeline *exchange.Pipeline, storage store.Storage, signer crypto.Signer, buf *billing.Buffer, limiter Limiter, logger *slog.Logger) *Server {
	if limiter == nil {
		limiter = NewLocalLimiter(settings.RateLimitRPS, settings.RateLimitBurst)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		settings: settings,
		pipeline: pipeline,
		storage:  storage,
		signer:   signer,
		billing:  buf,
		limiter:  limiter,
		logger:   logger,
	}
}

// Routes builds the full handler stack.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /.well-known/jwks.json", s.handleJWKS)
	mux.HandleFunc("GET /v1/receipts/chain/{trace_id}", s.handleChain)
	mux.HandleFunc("GET /v1/receipts/export/{trace_id}", s.handleExport)
	mux.HandleFunc("POST /v1/exchange", s.handleExchange)
	mux.HandleFunc("POST /v1/billing/flush", s.handleBillingFlush)

	var h http.Handler = mux
	h = RateLimit(s.limiter, h)
	h = CORS(h)
	h = RequestID(h)
	return h
}
