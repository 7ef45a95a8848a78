package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/odin-protocol/signet/pkg/contracts"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
PRAGMA journal_mode=WAL;
PRAGMA foreign_keys=ON;
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
  fu_tokens INTEGER NOT NULL DEFAULT 0,
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
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  api_key TEXT NOT NULL,
  tenant TEXT NOT NULL,
  trace_id TEXT NOT NULL,
  hop INTEGER NOT NULL,
  verified INTEGER NOT NULL,
  vex_units INTEGER NOT NULL,
  fu_tokens INTEGER NOT NULL,
  ts TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS billing_queue(
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  api_key TEXT NOT NULL,
  stripe_item TEXT NOT NULL,
  units INTEGER NOT NULL,
  ts INTEGER NOT NULL,
  retries INTEGER NOT NULL DEFAULT 0
);
`

// SQLiteStorage is the single-node backend.
type SQLiteStorage struct {
	db *sql.DB
}

// OpenSQLite opens (and migrates) a database file, creating parent
// directories as needed.
func OpenSQLite(path string) (*SQLiteStorage, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// The sqlite driver serializes writes; a single connection avoids
	// SQLITE_BUSY storms under concurrent appends.
	db.SetMaxOpenConns(1)
	s := &SQLiteStorage{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStorage) migrate() error {
	_, err := s.db.ExecContext(context.Background(), sqliteSchema)
	if err != nil {
		return fmt.Errorf("migrate sqlite: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) Close() error { return s.db.Close() }

func (s *SQLiteStorage) GetHead(ctx context.Context, traceID string) (*Head, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT trace_id, last_hop, last_receipt_hash FROM heads WHERE trace_id = ?`, traceID)
	var h Head
	if err := row.Scan(&h.TraceID, &h.LastHop, &h.LastReceiptHash); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &h, nil
}

func (s *SQLiteStorage) AppendReceipt(ctx context.Context, r *contracts.Receipt, expectedPrev *string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	// With a single pooled connection the transaction owns the database for
	// its duration, so the head read cannot race another appender.
	row := tx.QueryRowContext(ctx,
		`SELECT last_hop, last_receipt_hash FROM heads WHERE trace_id = ?`, r.TraceID)
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
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.TraceID, hop, r.TS, r.CID, r.Canon, r.Algo, nullable(r.PrevReceiptHash),
		string(policyJSON), r.Tenant, boolToInt(r.FallbackUsed), r.FUTokens, violations, r.ReceiptHash)
	if err != nil {
		return 0, fmt.Errorf("insert receipt: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO heads(trace_id, last_hop, last_receipt_hash) VALUES(?, ?, ?)
		ON CONFLICT(trace_id) DO UPDATE SET last_hop = excluded.last_hop,
			last_receipt_hash = excluded.last_receipt_hash`,
		r.TraceID, hop, r.ReceiptHash)
	if err != nil {
		return 0, fmt.Errorf("upsert head: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return hop, nil
}

func (s *SQLiteStorage) GetChain(ctx context.Context, traceID string) ([]*contracts.Receipt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT trace_id, hop, ts, cid, canon, algo, prev_receipt_hash,
			policy_json, tenant, fallback_used, fu_tokens, semantic_violations, receipt_hash
		FROM receipts WHERE trace_id = ? ORDER BY hop ASC`, traceID)
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

func (s *SQLiteStorage) CacheIdempotent(ctx context.Context, apiKey, key string, response []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO idempotency(api_key, key, response_json, created_at)
		VALUES(?, ?, ?, ?)`,
		apiKey, key, string(response), time.Now().UTC().Format(time.RFC3339))
	return err
}

func (s *SQLiteStorage) GetIdempotent(ctx context.Context, apiKey, key string) ([]byte, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT response_json FROM idempotency WHERE api_key = ? AND key = ?`, apiKey, key)
	var body string
	if err := row.Scan(&body); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return []byte(body), nil
}

func (s *SQLiteStorage) SweepIdempotency(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency WHERE created_at < ?`, olderThan.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLiteStorage) RecordUsage(ctx context.Context, u UsageEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_ledger(api_key, tenant, trace_id, hop, verified, vex_units, fu_tokens, ts)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		u.APIKey, u.Tenant, u.TraceID, u.Hop, boolToInt(u.Verified), u.VExUnits, u.FUTokens, u.TS)
	return err
}

func (s *SQLiteStorage) MonthlyUsage(ctx context.Context, tenant string, monthStart string) (int64, int64, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(vex_units), 0), COALESCE(SUM(fu_tokens), 0)
		FROM usage_ledger WHERE tenant = ? AND ts >= ?`, tenant, monthStart)
	var vex, fu int64
	if err := row.Scan(&vex, &fu); err != nil {
		return 0, 0, err
	}
	return vex, fu, nil
}

func (s *SQLiteStorage) EnqueueBilling(ctx context.Context, apiKey, stripeItem string, units int64, ts int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO billing_queue(api_key, stripe_item, units, ts, retries)
		VALUES(?, ?, ?, ?, 0)`, apiKey, stripeItem, units, ts)
	return err
}

func (s *SQLiteStorage) DequeueBillingBatch(ctx context.Context, limit int) ([]BillingItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, api_key, stripe_item, units, ts, retries
		FROM billing_queue ORDER BY id ASC LIMIT ?`, limit)
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

func (s *SQLiteStorage) DeleteBillingItems(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	query := fmt.Sprintf(`DELETE FROM billing_queue WHERE id IN (%s)`, placeholders(len(ids)))
	_, err := s.db.ExecContext(ctx, query, int64Args(ids)...)
	return err
}

func (s *SQLiteStorage) BumpBillingRetries(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	query := fmt.Sprintf(`UPDATE billing_queue SET retries = retries + 1 WHERE id IN (%s)`, placeholders(len(ids)))
	_, err := s.db.ExecContext(ctx, query, int64Args(ids)...)
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanReceipt(row rowScanner) (*contracts.Receipt, error) {
	var (
		r            contracts.Receipt
		prevHash     sql.NullString
		policyJSON   string
		fallbackUsed int
		violations   sql.NullString
	)
	err := row.Scan(&r.TraceID, &r.Hop, &r.TS, &r.CID, &r.Canon, &r.Algo, &prevHash,
		&policyJSON, &r.Tenant, &fallbackUsed, &r.FUTokens, &violations, &r.ReceiptHash)
	if err != nil {
		return nil, err
	}
	if prevHash.Valid {
		r.PrevReceiptHash = &prevHash.String
	}
	if err := json.Unmarshal([]byte(policyJSON), &r.Policy); err != nil {
		return nil, fmt.Errorf("decode policy: %w", err)
	}
	r.FallbackUsed = fallbackUsed != 0
	if violations.Valid && violations.String != "" {
		if err := json.Unmarshal([]byte(violations.String), &r.SemanticViolations); err != nil {
			return nil, fmt.Errorf("decode violations: %w", err)
		}
	}
	return &r, nil
}

func nullable(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func int64Args(ids []int64) []interface{} {
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
