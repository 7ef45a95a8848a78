package billing

import (
	"context"
	"log/slog"
	"time"

	"github.com/odin-protocol/signet/pkg/metrics"
	"github.com/odin-protocol/signet/pkg/store"
)

// Buffer enqueues usage charges against the billing queue and flushes them
// to the sink. A nil sink disables billing entirely.
type Buffer struct {
	storage  store.Storage
	sink     Sink
	reserved map[string]ReservedCapacity
	logger   *slog.Logger
	now      func() time.Time
}

// NewBuffer wires the queue to a delivery sink. sink may be nil when no
// billing credentials are configured.
func NewBuffer(storage store.Storage, sink Sink, reserved map[string]ReservedCapacity, logger *slog.Logger) *Buffer {
	if reserved == nil {
		reserved = map[string]ReservedCapacity{}
	}
	return &Buffer{
		storage:  storage,
		sink:     sink,
		reserved: reserved,
		logger:   logger,
		now:      time.Now,
	}
}

// Enabled reports whether charges will actually be delivered.
func (b *Buffer) Enabled() bool { return b.sink != nil }

// EnqueueVEx queues one verified-exchange charge. Tenants with reserved
// capacity are billed only for the overage portion. Errors are logged, not
// returned: billing never fails an exchange.
func (b *Buffer) EnqueueVEx(ctx context.Context, apiKey, stripeItem string, units int64, tenant string) {
	if !b.Enabled() || stripeItem == "" {
		return
	}
	item, billUnits := b.resolveCharge(ctx, tenant, stripeItem, units, false)
	if item == "" || billUnits <= 0 {
		return
	}
	if err := b.storage.EnqueueBilling(ctx, apiKey, item, billUnits, b.now().Unix()); err != nil {
		b.logger.Error("billing enqueue failed", "metric", "vex", "tenant", tenant, "err", err)
		return
	}
	metrics.BillingEnqueueTotal.WithLabelValues("vex").Inc()
}

// EnqueueFU queues a fallback-token charge.
func (b *Buffer) EnqueueFU(ctx context.Context, apiKey, stripeItem string, tokens int64, tenant string) {
	if !b.Enabled() || stripeItem == "" || tokens <= 0 {
		return
	}
	item, billUnits := b.resolveCharge(ctx, tenant, stripeItem, tokens, true)
	if item == "" || billUnits <= 0 {
		return
	}
	if err := b.storage.EnqueueBilling(ctx, apiKey, item, billUnits, b.now().Unix()); err != nil {
		b.logger.Error("billing enqueue failed", "metric", "fu", "tenant", tenant, "err", err)
		return
	}
	metrics.BillingEnqueueTotal.WithLabelValues("fu").Inc()
}

// resolveCharge applies reserved capacity: usage inside the reservation is
// free, the overage bills to the selected tier's item. Tenants without a
// reservation bill every unit to the default item.
func (b *Buffer) resolveCharge(ctx context.Context, tenant, defaultItem string, units int64, fu bool) (string, int64) {
	rc, ok := b.reserved[tenant]
	if !ok {
		return defaultItem, units
	}

	vexUsed, fuUsed, err := b.storage.MonthlyUsage(ctx, tenant, store.MonthStartUTC(b.now()))
	if err != nil {
		b.logger.Error("monthly usage lookup failed", "tenant", tenant, "err", err)
		return defaultItem, units
	}

	used, reservedCap, tiers := vexUsed, rc.VExReserved, rc.VExOverageTiers
	if fu {
		used, reservedCap, tiers = fuUsed, rc.FUReserved, rc.FUOverageTiers
	}

	if used+units <= reservedCap {
		return "", 0
	}
	overage := used + units - reservedCap
	tier := SelectTier(overage, tiers)
	if tier == nil {
		return "", 0
	}
	return tier.StripeItem, overage
}

// FlushResult summarizes one flush pass.
type FlushResult struct {
	Flushed int  `json:"flushed"`
	Retried int  `json:"retried"`
	Enabled bool `json:"enabled"`
}

// FlushOnce drains up to batchSize queued items FIFO. Delivered items are
// deleted; failed items are retried on later passes and dropped after
// maxRetries attempts.
func (b *Buffer) FlushOnce(ctx context.Context, batchSize, maxRetries int) (FlushResult, error) {
	if !b.Enabled() {
		return FlushResult{Enabled: false}, nil
	}
	items, err := b.storage.DequeueBillingBatch(ctx, batchSize)
	if err != nil {
		return FlushResult{Enabled: true}, err
	}
	if len(items) == 0 {
		return FlushResult{Enabled: true}, nil
	}

	var done, retry []int64
	for _, it := range items {
		if err := b.sink.RecordUsage(ctx, it.StripeItem, it.Units, it.TS); err != nil {
			if it.Retries+1 >= maxRetries {
				b.logger.Warn("billing item dropped after retries",
					"id", it.ID, "item", it.StripeItem, "retries", it.Retries, "err", err)
				done = append(done, it.ID)
			} else {
				retry = append(retry, it.ID)
			}
			continue
		}
		done = append(done, it.ID)
	}

	if err := b.storage.DeleteBillingItems(ctx, done); err != nil {
		return FlushResult{Enabled: true}, err
	}
	if err := b.storage.BumpBillingRetries(ctx, retry); err != nil {
		return FlushResult{Enabled: true}, err
	}
	return FlushResult{Flushed: len(done), Retried: len(retry), Enabled: true}, nil
}
