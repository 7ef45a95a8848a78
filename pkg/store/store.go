// Package store persists receipt chains, chain heads, the idempotency
// cache, the usage ledger, and the billing queue. Two backends implement the
// same interface with identical conflict semantics.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/odin-protocol/signet/pkg/contracts"
)

// ErrChainConflict reports a failed head compare-and-swap during receipt
// append. The transaction makes no changes.
var ErrChainConflict = errors.New("receipt chain conflict")

// ErrNotFound reports a missing row where one was required.
var ErrNotFound = errors.New("not found")

// Head is the per-trace chain head row.
type Head struct {
	TraceID         string
	LastHop         int
	LastReceiptHash string
}

// UsageEntry is one usage-ledger row.
type UsageEntry struct {
	APIKey   string
	Tenant   string
	TraceID  string
	Hop      int
	Verified bool
	VExUnits int64
	FUTokens int64
	TS       string
}

// BillingItem is one queued billing row.
type BillingItem struct {
	ID         int64
	APIKey     string
	StripeItem string
	Units      int64
	TS         int64
	Retries    int
}

// Storage is the single data-access surface used by the exchange pipeline
// and the billing flusher.
type Storage interface {
	// GetHead returns the chain head for a trace, or nil when the trace has
	// no receipts yet.
	GetHead(ctx context.Context, traceID string) (*Head, error)

	// AppendReceipt atomically verifies expectedPrev against the head,
	// inserts the receipt, and advances the head. Returns the hop assigned
	// under the lock. Any predicate failure yields ErrChainConflict with no
	// side effects.
	AppendReceipt(ctx context.Context, r *contracts.Receipt, expectedPrev *string) (int, error)

	// GetChain returns the receipts of a trace ordered by hop.
	GetChain(ctx context.Context, traceID string) ([]*contracts.Receipt, error)

	// Idempotency cache, keyed (api_key, idempotency_key).
	CacheIdempotent(ctx context.Context, apiKey, key string, response []byte) error
	GetIdempotent(ctx context.Context, apiKey, key string) ([]byte, error)
	SweepIdempotency(ctx context.Context, olderThan time.Time) (int64, error)

	// Usage ledger.
	RecordUsage(ctx context.Context, u UsageEntry) error
	MonthlyUsage(ctx context.Context, tenant string, monthStart string) (vex int64, fu int64, err error)

	// Billing queue, FIFO by id.
	EnqueueBilling(ctx context.Context, apiKey, stripeItem string, units int64, ts int64) error
	DequeueBillingBatch(ctx context.Context, limit int) ([]BillingItem, error)
	DeleteBillingItems(ctx context.Context, ids []int64) error
	BumpBillingRetries(ctx context.Context, ids []int64) error

	Close() error
}

// Kind selects a storage backend.
type Kind string

const (
	KindSQLite   Kind = "sqlite"
	KindPostgres Kind = "postgres"
)

// Open builds the backend named by kind. SQLite takes a file path, Postgres
// a connection URL.
func Open(kind Kind, dsn string) (Storage, error) {
	switch kind {
	case KindSQLite:
		return OpenSQLite(dsn)
	case KindPostgres:
		return OpenPostgres(dsn)
	default:
		return nil, fmt.Errorf("unknown storage kind %q", kind)
	}
}

// MonthStartUTC returns the first instant of t's month, formatted like
// receipt timestamps. Used as the lower bound of monthly usage queries.
func MonthStartUTC(t time.Time) string {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC).Format("2006-01-02T15:04:05Z")
}
