// Package fallback escalates JSON documents the heuristic repairer gave up
// on to an external model, with token metering and quota gating.
package fallback

import (
	"context"

	"github.com/odin-protocol/signet/pkg/contracts"
)

// Result is the outcome of one fallback repair attempt. FUTokens counts the
// tokens consumed, which is the unit of secondary metering.
type Result struct {
	RepairedText string
	FUTokens     int64
	Success      bool
	Error        string
}

// Provider is the fallback repair capability set.
type Provider interface {
	// Repair asks the provider to fix raw so it validates against schema.
	Repair(ctx context.Context, raw string, schema map[string]interface{}) Result
	// EstimateTokens approximates the token cost of a repair before
	// spending quota on it.
	EstimateTokens(text string) int64
}

// EstimateTokens is the shared heuristic: roughly 4 characters per token,
// never less than 1.
func EstimateTokens(text string) int64 {
	n := int64(len(text)) / 4
	if n < 1 {
		return 1
	}
	return n
}

// NullProvider is the default when no model credentials are configured.
// Every repair fails cleanly.
type NullProvider struct{}

func (NullProvider) Repair(context.Context, string, map[string]interface{}) Result {
	return Result{Success: false, Error: "no fallback provider configured"}
}

func (NullProvider) EstimateTokens(text string) int64 {
	return EstimateTokens(text)
}

// QuotaChecker gates fallback usage on a tenant's monthly FU budget.
type QuotaChecker struct {
	// UsedThisMonth returns the tenant's month-to-date FU consumption.
	UsedThisMonth func(ctx context.Context, tenant string) (int64, error)
}

// Check decides whether a repair estimated at estimatedTokens may run.
// Returns (allowed, reason) with stable reason codes on denial.
func (q *QuotaChecker) Check(ctx context.Context, tenant string, fallbackEnabled bool, fuMonthlyLimit *int64, estimatedTokens int64) (bool, string) {
	if !fallbackEnabled {
		return false, contracts.ReasonFallbackDisabled
	}
	if fuMonthlyLimit == nil {
		return true, "ok"
	}
	var used int64
	if q.UsedThisMonth != nil {
		u, err := q.UsedThisMonth(ctx, tenant)
		if err != nil {
			// Metering outage must not silently burn budget.
			return false, contracts.ReasonFUQuotaExceeded
		}
		used = u
	}
	if used+estimatedTokens > *fuMonthlyLimit {
		return false, contracts.ReasonFUQuotaExceeded
	}
	return true, "ok"
}
