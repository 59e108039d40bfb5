package domain

import (
	"strings"
	"time"
)

type PlanStatus string

const (
	PlanStatusNone    PlanStatus = ""
	PlanStatusActive  PlanStatus = "ACTIVE"
	PlanStatusExpired PlanStatus = "EXPIRED"
)

// CreditBalance is the per-account run allowance.
type CreditBalance struct {
	AccountID     string
	RunsRemaining int
	Plan          string
	PlanStatus    PlanStatus
	PeriodEndsAt  *time.Time
	UpdatedAt     time.Time
}

// Plan is a purchasable bundle of runs.
type Plan struct {
	Code         string `koanf:"code" json:"code" yaml:"code"`
	Name         string `koanf:"name" json:"name" yaml:"name"`
	Runs         int    `koanf:"runs" json:"runs" yaml:"runs"`
	DurationDays int    `koanf:"duration_days" json:"duration_days" yaml:"duration_days"`
	PriceCents   int    `koanf:"price_cents" json:"price_cents" yaml:"price_cents"`
	Currency     string `koanf:"currency" json:"currency" yaml:"currency"`
}

func (p Plan) Validate() error {
	if strings.TrimSpace(p.Code) == "" {
		return invalid("code", "plan code is required")
	}
	if p.Runs <= 0 {
		return invalid("runs", "must be > 0")
	}
	if p.DurationDays <= 0 {
		return invalid("duration_days", "must be > 0")
	}
	if p.PriceCents < 0 {
		return invalid("price_cents", "must be >= 0")
	}
	return nil
}

// PeriodEnd returns the end of a billing period that starts at start.
func (p Plan) PeriodEnd(start time.Time) time.Time {
	return start.UTC().AddDate(0, 0, p.DurationDays)
}

// BillingReference records an external payment reference that has already been applied.
type BillingReference struct {
	Reference string
	AccountID string
	PlanCode  string
	AppliedAt time.Time
}
