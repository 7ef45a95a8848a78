// Command signet runs the trust-fabric gateway, verifies exported receipt
// bundles offline, and drains the billing queue on demand.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/odin-protocol/signet/pkg/api"
	"github.com/odin-protocol/signet/pkg/billing"
	"github.com/odin-protocol/signet/pkg/config"
	"github.com/odin-protocol/signet/pkg/contracts"
	"github.com/odin-protocol/signet/pkg/crypto"
	"github.com/odin-protocol/signet/pkg/exchange"
	"github.com/odin-protocol/signet/pkg/fallback"
	"github.com/odin-protocol/signet/pkg/forward"
	"github.com/odin-protocol/signet/pkg/hel"
	"github.com/odin-protocol/signet/pkg/observability"
	"github.com/odin-protocol/signet/pkg/schemas"
	"github.com/odin-protocol/signet/pkg/store"
	"github.com/odin-protocol/signet/pkg/verify"
)

const idempotencyRetention = 7 * 24 * time.Hour

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches the subcommands. Split from main for testability.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServer(stderr)
	}
	switch args[1] {
	case "server", "serve":
		return runServer(stderr)
	case "verify":
		return runVerify(args[2:], stdout, stderr)
	case "flush-billing":
		return runFlushBilling(args[2:], stdout, stderr)
	case "help", "-h", "--help":
		usage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n", args[1])
		usage(stderr)
		return 2
	}
}

func usage(w io.Writer) {
	_, _ = fmt.Fprintln(w, `Usage: signet [command]

Commands:
  server         run the gateway (default)
  verify         verify an exported receipt bundle offline
  flush-billing  drain the billing queue once and exit`)
}

func runServer(stderr io.Writer) int {
	logger := observability.NewLogger(os.Getenv("SP_LOG_LEVEL"))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "config:", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obsCfg := observability.DefaultConfig()
	obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
	obs, err := observability.New(ctx, obsCfg)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "observability:", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	storage, err := openStorage(cfg)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "storage:", err)
		return 1
	}
	defer func() { _ = storage.Close() }()

	registry, err := schemas.Load(cfg.SchemaDir)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "schemas:", err)
		return 1
	}

	var signer crypto.Signer
	if es, err := crypto.LoadSigner(cfg.PrivateKeyB64, cfg.Kid); err != nil {
		_, _ = fmt.Fprintln(stderr, "signer:", err)
		return 1
	} else if es != nil {
		signer = es
	}

	reserved, err := billing.LoadReservedConfig(cfg.ReservedPath)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "reserved config:", err)
		return 1
	}
	var sink billing.Sink
	if cfg.StripeAPIKey != "" {
		sink = billing.NewStripeSink(cfg.StripeAPIKey)
	}
	buffer := billing.NewBuffer(storage, sink, reserved, logger)

	var provider fallback.Provider = fallback.NullProvider{}
	if p := fallback.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.OpenAIModel); p != nil {
		provider = p
	}
	quota := &fallback.QuotaChecker{
		UsedThisMonth: func(ctx context.Context, tenant string) (int64, error) {
			_, fu, err := storage.MonthlyUsage(ctx, tenant, store.MonthStartUTC(time.Now()))
			return fu, err
		},
	}

	resolver := hel.NewResolver()
	pipeline := exchange.New(exchange.Deps{
		Storage:   storage,
		Registry:  registry,
		Policy:    hel.NewEngine(cfg.HELAllowlist, resolver),
		Forwarder: forward.NewForwarder(resolver),
		Billing:   buffer,
		Fallback:  provider,
		Quota:     quota,
		Tracer:    obs.Tracer(),
		Logger:    logger,
	})

	var limiter api.Limiter
	if cfg.RedisAddr != "" {
		limiter = api.NewRedisLimiter(cfg.RedisAddr, cfg.RateLimitRPS, cfg.RateLimitBurst)
	}
	server := api.NewServer(cfg, pipeline, storage, signer, buffer, limiter, logger)

	go sweepIdempotency(ctx, storage, logger)
	if buffer.Enabled() {
		go flushBillingLoop(ctx, buffer, logger)
	}

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- httpServer.ListenAndServe() }()
	logger.Info("gateway listening",
		"port", cfg.Port, "storage", cfg.StorageType, "signed", signer != nil)

	select {
	case err := <-errCh:
		_, _ = fmt.Fprintln(stderr, "server:", err)
		return 1
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", "error", err)
		return 1
	}
	logger.Info("gateway stopped")
	return 0
}

func openStorage(cfg *config.Settings) (store.Storage, error) {
	if cfg.StorageType == "postgres" {
		return store.Open(store.KindPostgres, cfg.PostgresURL)
	}
	return store.Open(store.KindSQLite, cfg.DBPath)
}

// sweepIdempotency expires cached responses past the retention window.
func sweepIdempotency(ctx context.Context, storage store.Storage, logger *slog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := storage.SweepIdempotency(ctx, time.Now().Add(-idempotencyRetention))
			if err != nil {
				logger.Error("idempotency sweep failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("idempotency sweep", "removed", n)
			}
		}
	}
}

// flushBillingLoop drains the billing queue once a minute.
func flushBillingLoop(ctx context.Context, buffer *billing.Buffer, logger *slog.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result, err := buffer.FlushOnce(ctx, 100, 3)
			if err != nil {
				logger.Error("billing flush failed", "error", err)
				continue
			}
			if result.Flushed > 0 || result.Retried > 0 {
				logger.Info("billing flush", "flushed", result.Flushed, "retried", result.Retried)
			}
		}
	}
}

func runVerify(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	fs.SetOutput(stderr)
	bundlePath := fs.String("bundle", "", "path to an exported receipt bundle (required)")
	sigPath := fs.String("signature", "", "path to the detached export signature")
	jwksPath := fs.String("jwks", "", "path to the JWKS document holding the verifying key")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *bundlePath == "" {
		_, _ = fmt.Fprintln(stderr, "verify: -bundle is required")
		return 2
	}

	var bundle contracts.ChainExport
	if err := readJSON(*bundlePath, &bundle); err != nil {
		_, _ = fmt.Fprintln(stderr, "verify:", err)
		return 1
	}

	var report *verify.Report
	if *sigPath != "" {
		if *jwksPath == "" {
			_, _ = fmt.Fprintln(stderr, "verify: -jwks is required with -signature")
			return 2
		}
		var es crypto.ExportSignature
		if err := readJSON(*sigPath, &es); err != nil {
			_, _ = fmt.Fprintln(stderr, "verify:", err)
			return 1
		}
		var jwks crypto.JWKS
		if err := readJSON(*jwksPath, &jwks); err != nil {
			_, _ = fmt.Fprintln(stderr, "verify:", err)
			return 1
		}
		key, ok := findKey(jwks, es.Kid)
		if !ok {
			_, _ = fmt.Fprintf(stderr, "verify: kid %q not present in JWKS\n", es.Kid)
			return 1
		}
		report = verify.BundleWithSignature(&bundle, &es, key)
	} else {
		report = verify.Bundle(&bundle)
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(report)
	if !report.OK() {
		return 1
	}
	return 0
}

func findKey(jwks crypto.JWKS, kid string) (crypto.JWK, bool) {
	for _, k := range jwks.Keys {
		if k.Kid == kid {
			return k, true
		}
	}
	return crypto.JWK{}, false
}

func readJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func runFlushBilling(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("flush-billing", flag.ContinueOnError)
	fs.SetOutput(stderr)
	batch := fs.Int("batch", 100, "items per flush pass")
	retries := fs.Int("max-retries", 3, "attempts before an item is dropped")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "config:", err)
		return 1
	}
	if cfg.StripeAPIKey == "" {
		_, _ = fmt.Fprintln(stderr, "flush-billing: no billing sink configured")
		return 1
	}

	storage, err := openStorage(cfg)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "storage:", err)
		return 1
	}
	defer func() { _ = storage.Close() }()

	reserved, err := billing.LoadReservedConfig(cfg.ReservedPath)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "reserved config:", err)
		return 1
	}
	buffer := billing.NewBuffer(storage, billing.NewStripeSink(cfg.StripeAPIKey), reserved, slog.Default())

	result, err := buffer.FlushOnce(context.Background(), *batch, *retries)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "flush:", err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "flushed %d, retried %d\n", result.Flushed, result.Retried)
	return 0
}
