// Package billing buffers usage charges and flushes them to the downstream
// billing sink. Delivery failures are retried from the queue and never
// propagate into the exchange path.
package billing

import (
	"fmt"
	"os"

	"github.com/odin-protocol/signet/pkg/metrics"
	"gopkg.in/yaml.v3"
)

// Tier is one overage pricing band.
type Tier struct {
	Threshold    int64   `yaml:"threshold" json:"threshold"`
	PricePerUnit float64 `yaml:"price_per_unit" json:"price_per_unit"`
	StripeItem   string  `yaml:"stripe_item" json:"stripe_item"`
}

// ReservedCapacity is a tenant's monthly pre-purchased capacity plus the
// tiers applied to usage beyond it.
type ReservedCapacity struct {
	VExReserved     int64  `yaml:"vex_reserved" json:"vex_reserved"`
	FUReserved      int64  `yaml:"fu_reserved" json:"fu_reserved"`
	VExOverageTiers []Tier `yaml:"vex_overage_tiers" json:"vex_overage_tiers"`
	FUOverageTiers  []Tier `yaml:"fu_overage_tiers" json:"fu_overage_tiers"`
	VExReservedItem string `yaml:"vex_reserved_item" json:"vex_reserved_item"`
	FUReservedItem  string `yaml:"fu_reserved_item" json:"fu_reserved_item"`
}

// LoadReservedConfig parses the per-tenant reserved capacity document.
// YAML is a superset of JSON, so both formats load. A missing path returns
// an empty map.
func LoadReservedConfig(path string) (map[string]ReservedCapacity, error) {
	if path == "" {
		return map[string]ReservedCapacity{}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]ReservedCapacity{}, nil
		}
		return nil, fmt.Errorf("read reserved config: %w", err)
	}
	var configs map[string]ReservedCapacity
	if err := yaml.Unmarshal(raw, &configs); err != nil {
		return nil, fmt.Errorf("parse reserved config: %w", err)
	}
	if configs == nil {
		configs = map[string]ReservedCapacity{}
	}
	for tenant, rc := range configs {
		metrics.ReservedVExCapacity.WithLabelValues(tenant).Set(float64(rc.VExReserved))
		metrics.ReservedFUCapacity.WithLabelValues(tenant).Set(float64(rc.FUReserved))
	}
	return configs, nil
}

// SelectTier returns the tier applied to an overage: the first tier whose
// threshold is >= the overage, or the last tier when none match.
// TODO: revisit the first-match rule for volume-band pricing; kept as-is
// until the pricing model settles.
func SelectTier(overage int64, tiers []Tier) *Tier {
	if overage <= 0 || len(tiers) == 0 {
		return nil
	}
	for i := range tiers {
		if overage <= tiers[i].Threshold {
			return &tiers[i]
		}
	}
	return &tiers[len(tiers)-1]
}
