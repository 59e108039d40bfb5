// Package billing holds the plan catalog and applies signed billing events to the credit ledger.
package billing

import (
	"fmt"
	"sort"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/applaude-labs/applaude-go/internal/domain"
)

const envPrefix = "APPLAUDE_PLAN_"

var defaultPlans = map[string]any{
	"plans.weekly.name":           "Weekly",
	"plans.weekly.runs":           20,
	"plans.weekly.duration_days":  7,
	"plans.weekly.price_cents":    1500,
	"plans.weekly.currency":       "USD",
	"plans.monthly.name":          "Monthly",
	"plans.monthly.runs":          50,
	"plans.monthly.duration_days": 30,
	"plans.monthly.price_cents":   4700,
	"plans.monthly.currency":      "USD",
	"plans.yearly.name":           "Yearly",
	"plans.yearly.runs":           600,
	"plans.yearly.duration_days":  365,
	"plans.yearly.price_cents":    49500,
	"plans.yearly.currency":       "USD",
}

// Catalog is the set of purchasable plans keyed by upper-case code.
type Catalog struct {
	plans map[string]domain.Plan
}

// LoadCatalog layers built-in plans, an optional YAML file and APPLAUDE_PLAN_<CODE>_<FIELD>
// environment overrides, in increasing precedence.
func LoadCatalog(path string) (Catalog, error) {
	k := koanf.New(".")
	if err := k.Load(confmap.Provider(defaultPlans, "."), nil); err != nil {
		return Catalog{}, fmt.Errorf("load default plans: %w", err)
	}
	if path = strings.TrimSpace(path); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Catalog{}, fmt.Errorf("read plans file %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return Catalog{}, fmt.Errorf("load plan env: %w", err)
	}

	var raw map[string]domain.Plan
	if err := k.Unmarshal("plans", &raw); err != nil {
		return Catalog{}, fmt.Errorf("decode plans: %w", err)
	}
	return NewCatalog(raw)
}

// envKey maps APPLAUDE_PLAN_WEEKLY_PRICE_CENTS to plans.weekly.price_cents.
func envKey(s string) string {
	rest := strings.ToLower(strings.TrimPrefix(s, envPrefix))
	code, field, ok := strings.Cut(rest, "_")
	if !ok {
		return ""
	}
	return "plans." + code + "." + field
}

func NewCatalog(plans map[string]domain.Plan) (Catalog, error) {
	c := Catalog{plans: make(map[string]domain.Plan, len(plans))}
	for key, plan := range plans {
		if strings.TrimSpace(plan.Code) == "" {
			plan.Code = key
		}
		plan.Code = strings.ToUpper(strings.TrimSpace(plan.Code))
		if plan.Currency == "" {
			plan.Currency = "USD"
		}
		if err := plan.Validate(); err != nil {
			return Catalog{}, fmt.Errorf("plan %s: %w", key, err)
		}
		c.plans[plan.Code] = plan
	}
	if len(c.plans) == 0 {
		return Catalog{}, fmt.Errorf("plan catalog is empty")
	}
	return c, nil
}

func (c Catalog) Lookup(code string) (domain.Plan, bool) {
	p, ok := c.plans[strings.ToUpper(strings.TrimSpace(code))]
	return p, ok
}

// Plans returns the catalog ordered by duration.
func (c Catalog) Plans() []domain.Plan {
	out := make([]domain.Plan, 0, len(c.plans))
	for _, p := range c.plans {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DurationDays == out[j].DurationDays {
			return out[i].Code < out[j].Code
		}
		return out[i].DurationDays < out[j].DurationDays
	})
	return out
}
