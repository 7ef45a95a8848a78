// Package exchange orchestrates the verified-exchange pipeline: idempotency,
// sanitization, schema validation, argument repair, transform, egress policy,
// forwarding, receipt chaining, and metering.
package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/odin-protocol/signet/pkg/billing"
	"github.com/odin-protocol/signet/pkg/canonicalize"
	"github.com/odin-protocol/signet/pkg/config"
	"github.com/odin-protocol/signet/pkg/contracts"
	"github.com/odin-protocol/signet/pkg/fallback"
	"github.com/odin-protocol/signet/pkg/forward"
	"github.com/odin-protocol/signet/pkg/hel"
	"github.com/odin-protocol/signet/pkg/invariants"
	"github.com/odin-protocol/signet/pkg/metrics"
	"github.com/odin-protocol/signet/pkg/repair"
	"github.com/odin-protocol/signet/pkg/sanitize"
	"github.com/odin-protocol/signet/pkg/schemas"
	"github.com/odin-protocol/signet/pkg/store"
	"github.com/odin-protocol/signet/pkg/transform"
)

const maxErrorDetail = 200

// TerminalError is a pipeline failure mapped to an HTTP status at the
// boundary. Detail is pre-truncated and safe to return to clients.
type TerminalError struct {
	Status     int
	Reason     string
	Detail     string
	Violations []string
}

func (e *TerminalError) Error() string {
	if e.Detail == "" {
		return e.Reason
	}
	return e.Reason + ": " + e.Detail
}

func terminal(status int, reason, detail string) *TerminalError {
	if len(detail) > maxErrorDetail {
		detail = detail[:maxErrorDetail]
	}
	metrics.DeniedTotal.WithLabelValues(reason).Inc()
	return &TerminalError{Status: status, Reason: reason, Detail: detail}
}

// Result is a completed exchange: the response value plus the exact bytes
// cached for idempotent replay.
type Result struct {
	TraceID  string
	Body     []byte
	Response *contracts.ExchangeResponse
	Replay   bool
}

// Deps collects the pipeline's collaborators.
type Deps struct {
	Storage   store.Storage
	Registry  *schemas.Registry
	Policy    *hel.Engine
	Forwarder *forward.Forwarder
	Billing   *billing.Buffer
	Fallback  fallback.Provider
	Quota     *fallback.QuotaChecker
	Tracer    trace.Tracer
	Logger    *slog.Logger
}

// Pipeline runs exchanges. Safe for concurrent use.
type Pipeline struct {
	deps Deps
}

// New builds a pipeline. Nil Fallback gets the null provider; nil Tracer and
// Logger get the process defaults.
func New(deps Deps) *Pipeline {
	if deps.Fallback == nil {
		deps.Fallback = fallback.NullProvider{}
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer("signet.gateway")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Pipeline{deps: deps}
}

// phase opens a span and times one pipeline step.
func (p *Pipeline) phase(ctx context.Context, name string) (context.Context, func()) {
	start := time.Now()
	ctx, span := p.deps.Tracer.Start(ctx, "exchange."+name)
	return ctx, func() {
		metrics.PhaseLatency.WithLabelValues(name).Observe(time.Since(start).Seconds())
		span.End()
	}
}

// Execute runs one exchange for an authenticated tenant. The API key and
// idempotency key have already been extracted and checked for presence.
func (p *Pipeline) Execute(ctx context.Context, apiKey string, tc config.TenantConfig, idemKey string, req *contracts.ExchangeRequest) (*Result, *TerminalError) {
	started := time.Now()
	ctx, span := p.deps.Tracer.Start(ctx, "exchange",
		trace.WithAttributes(attribute.String("signet.tenant", tc.Tenant)))
	defer span.End()

	// Replay short-circuit. A hit returns the cached bytes untouched with no
	// side effects.
	{
		_, done := p.phase(ctx, "idem_lookup")
		cached, err := p.deps.Storage.GetIdempotent(ctx, apiKey, idemKey)
		done()
		if err != nil {
			return nil, terminal(500, "STORAGE_ERROR", err.Error())
		}
		if cached != nil {
			metrics.IdempotentHitsTotal.Inc()
			var resp contracts.ExchangeResponse
			if err := json.Unmarshal(cached, &resp); err != nil {
				return nil, terminal(500, "STORAGE_ERROR", "corrupt idempotency entry")
			}
			return &Result{TraceID: resp.TraceID, Body: cached, Response: &resp, Replay: true}, nil
		}
	}

	traceID := req.TraceID
	if traceID == "" {
		traceID = uuid.NewString()
	}
	span.SetAttributes(attribute.String("signet.trace_id", traceID))

	_, done := p.phase(ctx, "sanitize")
	payload := sanitize.Object(req.Payload)
	done()

	{
		_, done := p.phase(ctx, "validate_src")
		err := p.validateSource(req.PayloadType, payload)
		done()
		if err != nil {
			return nil, err
		}
	}

	payload, fallbackUsed, fuTokens, terr := p.resolveArguments(ctx, tc, req.TargetType, payload)
	if terr != nil {
		return nil, terr
	}

	normalized, terr := p.applyTransform(ctx, req.PayloadType, req.TargetType, payload)
	if terr != nil {
		return nil, terr
	}

	{
		_, done := p.phase(ctx, "validate_tgt")
		err := p.deps.Registry.Validate(req.TargetType, normalized)
		done()
		if err != nil {
			return nil, terminal(422, contracts.ReasonOutputSchemaInvalid, err.Error())
		}
	}

	policyCtx, done := p.phase(ctx, "policy")
	policy := p.deps.Policy.AllowForward(policyCtx, tc.Allowlist, req.ForwardURL)
	done()
	if !policy.Allowed {
		return nil, terminal(403, policy.Reason, "forward to "+req.ForwardURL+" denied")
	}

	var forwarded *contracts.ForwardResult
	if req.ForwardURL != "" {
		fwdCtx, done := p.phase(ctx, "forward")
		forwarded = p.deps.Forwarder.Forward(fwdCtx, req.ForwardURL, traceID, normalized)
		done()
		metrics.ForwardTotal.WithLabelValues(forwarded.Host).Inc()
	}

	_, done = p.phase(ctx, "cid")
	cid, err := canonicalize.CID(normalized)
	done()
	if err != nil {
		return nil, terminal(500, "CANONICALIZATION_FAILED", err.Error())
	}

	receipt, terr := p.appendReceipt(ctx, traceID, tc.Tenant, cid, policy, fallbackUsed, fuTokens)
	if terr != nil {
		return nil, terr
	}

	p.recordUsage(ctx, apiKey, tc.Tenant, receipt, fuTokens)
	p.enqueueBilling(ctx, apiKey, tc, fallbackUsed, fuTokens)

	resp := &contracts.ExchangeResponse{
		TraceID:    traceID,
		Normalized: normalized,
		Policy:     policy,
		Receipt:    receipt.Summary(),
		Forwarded:  forwarded,
	}
	body, err := json.Marshal(resp)
	if err != nil {
		return nil, terminal(500, "ENCODING_FAILED", err.Error())
	}

	{
		_, done := p.phase(ctx, "cache_idem")
		if err := p.deps.Storage.CacheIdempotent(ctx, apiKey, idemKey, body); err != nil {
			p.deps.Logger.ErrorContext(ctx, "idempotency cache write failed",
				"trace_id", traceID, "error", err)
		}
		done()
	}

	metrics.ExchangesTotal.Inc()
	metrics.ExchangeLatency.Observe(time.Since(started).Seconds())

	return &Result{TraceID: traceID, Body: body, Response: resp}, nil
}

func (p *Pipeline) validateSource(payloadType string, payload map[string]interface{}) *TerminalError {
	if _, ok := p.deps.Registry.Schema(payloadType); !ok {
		return terminal(422, contracts.ReasonUnknownPayloadType, payloadType)
	}
	if err := p.deps.Registry.Validate(payloadType, payload); err != nil {
		return terminal(422, contracts.ReasonInputSchemaInvalid, err.Error())
	}
	return nil
}

// resolveArguments parses the tool-call arguments, repairing them when they
// arrive as malformed JSON text. Returns the payload with the parsed object
// substituted in place of the raw string.
func (p *Pipeline) resolveArguments(ctx context.Context, tc config.TenantConfig, targetType string, payload map[string]interface{}) (map[string]interface{}, bool, int64, *TerminalError) {
	_, done := p.phase(ctx, "parse_args")
	raw, isString, ok := extractArguments(payload)
	done()
	if !ok {
		return nil, false, 0, terminal(422, contracts.ReasonArgumentsUnparseable, "no tool call arguments")
	}
	if !isString {
		return payload, false, 0, nil
	}

	{
		_, done := p.phase(ctx, "repair_heuristic")
		metrics.RepairAttemptsTotal.Inc()
		parsed, parsedOK := repair.TryParse(raw)
		if !parsedOK {
			parsed, parsedOK = repair.String(raw)
		}
		if parsedOK {
			metrics.RepairSuccessTotal.Inc()
		}
		done()
		if parsedOK {
			setArguments(payload, parsed)
			return payload, false, 0, nil
		}
	}

	// Heuristic ladder exhausted; escalate to the fallback provider if the
	// tenant is allowed to spend tokens on it.
	estimated := p.deps.Fallback.EstimateTokens(raw)
	if p.deps.Quota != nil {
		allowed, reason := p.deps.Quota.Check(ctx, tc.Tenant, tc.FallbackEnabled, tc.FUMonthlyLimit, estimated)
		if !allowed {
			return nil, false, 0, terminal(429, reason, "")
		}
	} else if !tc.FallbackEnabled {
		return nil, false, 0, terminal(429, contracts.ReasonFallbackDisabled, "")
	}

	schemaDoc, ok := p.deps.Registry.SchemaDoc(targetType)
	if !ok {
		schemaDoc = map[string]interface{}{"type": "object"}
	}
	fbCtx, done := p.phase(ctx, "repair_fallback")
	result := p.deps.Fallback.Repair(fbCtx, raw, schemaDoc)
	done()
	if !result.Success {
		return nil, false, 0, terminal(422, contracts.ReasonArgumentsUnparseable, result.Error)
	}

	{
		_, done := p.phase(ctx, "invariant_check")
		violations, err := invariants.CheckRepair(raw, result.RepairedText)
		done()
		if err != nil {
			return nil, false, 0, terminal(422, contracts.ReasonArgumentsUnparseable, err.Error())
		}
		if len(violations) > 0 {
			metrics.SemanticViolationTotal.Inc()
			te := terminal(422, contracts.SemanticViolationReason(violations[0].Rule), "")
			te.Violations = invariants.Messages(violations)
			return nil, false, 0, te
		}
	}

	parsed, ok := repair.TryParse(result.RepairedText)
	if !ok {
		return nil, false, 0, terminal(422, contracts.ReasonArgumentsUnparseable, "fallback output is not valid JSON")
	}
	setArguments(payload, parsed)
	metrics.FallbackUsedTotal.Inc()
	return payload, true, result.FUTokens, nil
}

func (p *Pipeline) applyTransform(ctx context.Context, payloadType, targetType string, payload map[string]interface{}) (map[string]interface{}, *TerminalError) {
	_, done := p.phase(ctx, "transform")
	defer done()

	mapping, ok := p.deps.Registry.Mapping(payloadType, targetType)
	if !ok {
		return nil, terminal(422, contracts.ReasonUnknownTargetType, payloadType+" -> "+targetType)
	}
	normalized, err := transform.Apply(payload, mapping)
	if err != nil {
		return nil, terminal(422, contracts.ReasonOutputSchemaInvalid, "transform: "+err.Error())
	}
	return normalized, nil
}

// appendReceipt reads the head, builds the next receipt, and appends it with
// the head as the compare-and-swap predicate.
func (p *Pipeline) appendReceipt(ctx context.Context, traceID, tenant, cid string, policy contracts.PolicyResult, fallbackUsed bool, fuTokens int64) (*contracts.Receipt, *TerminalError) {
	ctx, done := p.phase(ctx, "append_receipt")
	defer done()

	head, err := p.deps.Storage.GetHead(ctx, traceID)
	if err != nil {
		return nil, terminal(500, "STORAGE_ERROR", err.Error())
	}
	hop := 1
	var prev *string
	if head != nil {
		hop = head.LastHop + 1
		h := head.LastReceiptHash
		prev = &h
	}

	var opts []contracts.ReceiptOption
	if fallbackUsed {
		opts = append(opts, contracts.WithFallback(fuTokens))
	}
	receipt, err := contracts.NewReceipt(traceID, hop, tenant, cid, policy, prev, opts...)
	if err != nil {
		return nil, terminal(500, "CANONICALIZATION_FAILED", err.Error())
	}

	if _, err := p.deps.Storage.AppendReceipt(ctx, receipt, prev); err != nil {
		if errors.Is(err, store.ErrChainConflict) {
			return nil, terminal(409, contracts.ReasonChainConflict,
				fmt.Sprintf("trace %s head moved, re-read the chain and retry", traceID))
		}
		return nil, terminal(500, "STORAGE_ERROR", err.Error())
	}
	return receipt, nil
}

// recordUsage writes the ledger row and bumps the metering counters. The
// exchange is already durable; ledger failures are logged, not surfaced.
func (p *Pipeline) recordUsage(ctx context.Context, apiKey, tenant string, r *contracts.Receipt, fuTokens int64) {
	ctx, done := p.phase(ctx, "record_usage")
	defer done()

	err := p.deps.Storage.RecordUsage(ctx, store.UsageEntry{
		APIKey:   apiKey,
		Tenant:   tenant,
		TraceID:  r.TraceID,
		Hop:      r.Hop,
		Verified: true,
		VExUnits: 1,
		FUTokens: fuTokens,
		TS:       r.TS,
	})
	if err != nil {
		p.deps.Logger.ErrorContext(ctx, "usage ledger write failed",
			"trace_id", r.TraceID, "error", err)
		return
	}
	metrics.VExUnitsTotal.Inc()
	if fuTokens > 0 {
		metrics.FUTokensTotal.Add(float64(fuTokens))
	}
}

func (p *Pipeline) enqueueBilling(ctx context.Context, apiKey string, tc config.TenantConfig, fallbackUsed bool, fuTokens int64) {
	if p.deps.Billing == nil || !p.deps.Billing.Enabled() {
		return
	}
	ctx, done := p.phase(ctx, "enqueue_billing")
	defer done()

	if tc.StripeItemVEx != "" {
		p.deps.Billing.EnqueueVEx(ctx, apiKey, tc.StripeItemVEx, 1, tc.Tenant)
	}
	if fallbackUsed && fuTokens > 0 && tc.StripeItemFU != "" {
		p.deps.Billing.EnqueueFU(ctx, apiKey, tc.StripeItemFU, fuTokens, tc.Tenant)
	}
}

// extractArguments digs out tool_calls[0].function.arguments. isString
// reports whether the value still needs parsing.
func extractArguments(payload map[string]interface{}) (raw string, isString, ok bool) {
	calls, _ := payload["tool_calls"].([]interface{})
	if len(calls) == 0 {
		return "", false, false
	}
	call, _ := calls[0].(map[string]interface{})
	fn, _ := call["function"].(map[string]interface{})
	if fn == nil {
		return "", false, false
	}
	switch v := fn["arguments"].(type) {
	case string:
		return v, true, true
	case map[string]interface{}:
		return "", false, true
	default:
		return "", false, false
	}
}

// setArguments replaces the raw argument text with its parsed form so the
// transform sees an object.
func setArguments(payload map[string]interface{}, parsed interface{}) {
	calls, _ := payload["tool_calls"].([]interface{})
	if len(calls) == 0 {
		return
	}
	call, _ := calls[0].(map[string]interface{})
	if fn, _ := call["function"].(map[string]interface{}); fn != nil {
		fn["arguments"] = parsed
	}
}
