package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/odin-protocol/signet/pkg/contracts"

	_ "github.com/lib/pq"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS receipts(
  trace_id TEXT NOT NULL,
  hop INTEGER NOT NULL,
  ts TEXT NOT NULL,
  cid TEXT NOT NULL,
  canon TEXT NOT NULL,
  algo TEXT NOT NULL,
  prev_receipt_hash TEXT,
  policy_json TEXT NOT NULL,
  tenant TEXT NOT NULL,
  fallback_used INTEGER NOT NULL DEFAULT 0,
  fu_tokens BIGINT NOT NULL DEFAULT 0,
  semantic_violations TEXT,
  receipt_hash TEXT NOT NULL,
  PRIMARY KEY(trace_id, hop)
);
CREATE TABLE IF NOT EXISTS heads(
  trace_id TEXT PRIMARY KEY,
  last_hop INTEGER NOT NULL,
  last_receipt_hash TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS idempotency(
  api_key TEXT NOT NULL,
  key TEXT NOT NULL,
  response_json TEXT NOT NULL,
  created_at TEXT NOT NULL,
  PRIMARY KEY(api_key, key)
);
CREATE TABLE IF NOT EXISTS usage_ledger(
  id BIGSERIAL PRIMARY KEY,
  api_key TEXT NOT NULL,
  tenant TEXT NOT NULL,
  trace_id TEXT NOT NULL,
  hop INTEGER NOT NULL,
  verified INTEGER NOT NULL,
  vex_units BIGINT NOT NULL,
  fu_tokens BIGINT NOT NULL,
  ts TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS billing_queue(
  id BIGSERIAL PRIMARY KEY,
  api_key TEXT NOT NULL,
  stripe_item TEXT NOT NULL,
  units BIGINT NOT NULL,
  ts BIGINT NOT NULL,
  retries INTEGER NOT NULL DEFAULT 0
);
`

// PostgresStorage is the multi-node backend. Chain appends serialize on a
// row lock over the trace head.
type PostgresStorage struct {
	db *sql.DB
}

// OpenPostgres connects and migrates.
func OpenPostgres(url string) (*PostgresStorage, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	s := &PostgresStorage{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresWithDB wraps an existing connection without migrating. Used by
// tests with a mock driver.
func NewPostgresWithDB(db *sql.DB) *PostgresStorage {
	return &PostgresStorage{db: db}
}

func (s *PostgresStorage) migrate() error {
	_, err := s.db.ExecContext(context.Background(), postgresSchema)
	if err != nil {
		return fmt.Errorf("migrate postgres: %w", err)
	}
	return nil
}

func (s *PostgresStorage) Close() error { return s.db.Close() }

func (s *PostgresStorage) GetHead(ctx context.Context, traceID string) (*Head, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT trace_id, last_hop, last_receipt_hash FROM heads WHERE trace_id = $1`, traceID)
	var h Head
	if err := row.Scan(&h.TraceID, &h.LastHop, &h.LastReceiptHash); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &h, nil
}

func (s *PostgresStorage) AppendReceipt(ctx context.Context, r *contracts.Receipt, expectedPrev *string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	// FOR UPDATE serializes concurrent appends to the same trace on the
	// head row.
	row := tx.QueryRowContext(ctx,
		`SELECT last_hop, last_receipt_hash FROM heads WHERE trace_id = $1 FOR UPDATE`, r.TraceID)
	var lastHop int
	var lastHash string
	err = row.Scan(&lastHop, &lastHash)

	var hop int
	switch {
	case err == sql.ErrNoRows:
		if expectedPrev != nil {
			return 0, ErrChainConflict
		}
		hop = 1
	case err != nil:
		return 0, err
	default:
		if expectedPrev == nil || *expectedPrev != lastHash {
			return 0, ErrChainConflict
		}
		hop = lastHop + 1
	}
	if r.Hop != hop {
		return 0, ErrChainConflict
	}

	policyJSON, err := json.Marshal(r.Policy)
	if err != nil {
		return 0, err
	}
	var violations sql.NullString
	if len(r.SemanticViolations) > 0 {
		b, err := json.Marshal(r.SemanticViolations)
		if err != nil {
			return 0, err
		}
		violations = sql.NullString{String: string(b), Valid: true}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO receipts(trace_id, hop, ts, cid, canon, algo, prev_receipt_hash,
			policy_json, tenant, fallback_used, fu_tokens, semantic_violations, receipt_hash)
		VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		r.TraceID, hop, r.TS, r.CID, r.Canon, r.Algo, nullable(r.PrevReceiptHash),
		string(policyJSON), r.Tenant, boolToInt(r.FallbackUsed), r.FUTokens, violations, r.ReceiptHash)
	if err != nil {
		return 0, fmt.Errorf("insert receipt: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO heads(trace_id, last_hop, last_receipt_hash) VALUES($1, $2, $3)
		ON CONFLICT(trace_id) DO UPDATE SET last_hop = EXCLUDED.last_hop,
			last_receipt_hash = EXCLUDED.last_receipt_hash`,
		r.TraceID, hop, r.ReceiptHash)
	if err != nil {
		return 0, fmt.Errorf("upsert head: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return hop, nil
}

func (s *PostgresStorage) GetChain(ctx context.Context, traceID string) ([]*contracts.Receipt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT trace_id, hop, ts, cid, canon, algo, prev_receipt_hash,
			policy_json, tenant, fallback_used, fu_tokens, semantic_violations, receipt_hash
		FROM receipts WHERE trace_id = $1 ORDER BY hop ASC`, traceID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var chain []*contracts.Receipt
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		chain = append(chain, r)
	}
	return chain, rows.Err()
}

func (s *PostgresStorage) CacheIdempotent(ctx context.Context, apiKey, key string, response []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO idempotency(api_key, key, response_json, created_at)
		VALUES($1, $2, $3, $4)
		ON CONFLICT(api_key, key) DO UPDATE SET response_json = EXCLUDED.response_json`,
		apiKey, key, string(response), time.Now().UTC().Format(time.RFC3339))
	return err
}

func (s *PostgresStorage) GetIdempotent(ctx context.Context, apiKey, key string) ([]byte, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT response_json FROM idempotency WHERE api_key = $1 AND key = $2`, apiKey, key)
	var body string
	if err := row.Scan(&body); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return []byte(body), nil
}

func (s *PostgresStorage) SweepIdempotency(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency WHERE created_at < $1`, olderThan.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *PostgresStorage) RecordUsage(ctx context.Context, u UsageEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_ledger(api_key, tenant, trace_id, hop, verified, vex_units, fu_tokens, ts)
		VALUES($1, $2, $3, $4, $5, $6, $7, $8)`,
		u.APIKey, u.Tenant, u.TraceID, u.Hop, boolToInt(u.Verified), u.VExUnits, u.FUTokens, u.TS)
	return err
}

func (s *PostgresStorage) MonthlyUsage(ctx context.Context, tenant string, monthStart string) (int64, int64, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(vex_units), 0), COALESCE(SUM(fu_tokens), 0)
		FROM usage_ledger WHERE tenant = $1 AND ts >= $2`, tenant, monthStart)
	var vex, fu int64
	if err := row.Scan(&vex, &fu); err != nil {
		return 0, 0, err
	}
	return vex, fu, nil
}

func (s *PostgresStorage) EnqueueBilling(ctx context.Context, apiKey, stripeItem string, units int64, ts int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO billing_queue(api_key, stripe_item, units, ts, retries)
		VALUES($1, $2, $3, $4, 0)`, apiKey, stripeItem, units, ts)
	return err
}

func (s *PostgresStorage) DequeueBillingBatch(ctx context.Context, limit int) ([]BillingItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, api_key, stripe_item, units, ts, retries
		FROM billing_queue ORDER BY id ASC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var items []BillingItem
	for rows.Next() {
		var it BillingItem
		if err := rows.Scan(&it.ID, &it.APIKey, &it.StripeItem, &it.Units, &it.TS, &it.Retries); err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func (s *PostgresStorage) DeleteBillingItems(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	query := fmt.Sprintf(`DELETE FROM billing_queue WHERE id IN (%s)`, pgPlaceholders(len(ids)))
	_, err := s.db.ExecContext(ctx, query, int64Args(ids)...)
	return err
}

func (s *PostgresStorage) BumpBillingRetries(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	query := fmt.Sprintf(`UPDATE billing_queue SET retries = retries + 1 WHERE id IN (%s)`, pgPlaceholders(len(ids)))
	_, err := s.db.ExecContext(ctx, query, int64Args(ids)...)
	return err
}

func pgPlaceholders(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("$%d", i+1)
	}
	return strings.Join(parts, ",")
}
