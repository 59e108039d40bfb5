package billing

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/applaude-labs/applaude-go/internal/domain"
	"github.com/applaude-labs/applaude-go/internal/ledger"
	"github.com/applaude-labs/applaude-go/internal/repo"
)

const SignatureHeader = "X-Applaude-Signature"

var ErrBadSignature = errors.New("billing signature mismatch")

const (
	EventPlanActivated  = "plan.activated"
	EventChargeSuccess  = "charge.success"
	EventCreditsGranted = "credits.granted"
)

// Event is a billing notification. Reference identifies the payment and is applied at most once.
type Event struct {
	Type      string `json:"event" validate:"required,oneof=plan.activated charge.success credits.granted"`
	Reference string `json:"reference" validate:"required,max=200"`
	AccountID string `json:"account_id" validate:"required,max=200"`
	Plan      string `json:"plan,omitempty" validate:"max=50"`
	Amount    int    `json:"amount,omitempty" validate:"gte=0"`
}

// Sign returns the header value for body: "sha256=" followed by the hex HMAC.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func VerifySignature(secret string, body []byte, header string) error {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return errors.New("billing webhook secret is not configured")
	}
	got, ok := strings.CutPrefix(strings.TrimSpace(header), "sha256=")
	if !ok {
		return ErrBadSignature
	}
	gotSig, err := hex.DecodeString(got)
	if err != nil {
		return ErrBadSignature
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), gotSig) {
		return ErrBadSignature
	}
	return nil
}

func DecodeEvent(body []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return Event{}, &domain.InvalidInputError{Field: "body", Message: "invalid json"}
	}
	ev.Type = strings.TrimSpace(ev.Type)
	ev.Reference = strings.TrimSpace(ev.Reference)
	ev.AccountID = strings.TrimSpace(ev.AccountID)
	ev.Plan = strings.TrimSpace(ev.Plan)
	return ev, nil
}

type Result struct {
	Applied bool
	Balance domain.CreditBalance
}

type Processor struct {
	store   repo.Store
	ledger  *ledger.Ledger
	catalog Catalog
}

func NewProcessor(store repo.Store, l *ledger.Ledger, catalog Catalog) (*Processor, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if l == nil {
		l = ledger.New()
	}
	return &Processor{store: store, ledger: l, catalog: catalog}, nil
}

// Process applies ev unless its reference was already applied, in which case
// Applied is false and the current balance is returned.
func (p *Processor) Process(ctx context.Context, ev Event) (Result, error) {
	info := domain.AuditInfo{Actor: "billing", RequestID: ev.Reference, Service: "billing"}
	var plan domain.Plan
	switch ev.Type {
	case EventPlanActivated, EventChargeSuccess:
		var ok bool
		plan, ok = p.catalog.Lookup(ev.Plan)
		if !ok {
			return Result{}, &domain.InvalidInputError{Field: "plan", Message: fmt.Sprintf("unknown plan %q", ev.Plan)}
		}
	case EventCreditsGranted:
		if ev.Amount <= 0 {
			return Result{}, &domain.InvalidInputError{Field: "amount", Message: "must be > 0"}
		}
	default:
		return Result{}, &domain.InvalidInputError{Field: "event", Message: fmt.Sprintf("unsupported event %q", ev.Type)}
	}

	var res Result
	err := p.store.WithinTx(ctx, func(r repo.Repositories) error {
		claimed, err := r.Balances().ClaimReference(ctx, domain.BillingReference{
			Reference: ev.Reference,
			AccountID: ev.AccountID,
			PlanCode:  plan.Code,
			AppliedAt: time.Now().UTC(),
		})
		if err != nil {
			return err
		}
		if !claimed {
			res.Balance, err = p.ledger.Balance(ctx, r, ev.AccountID)
			return err
		}
		res.Applied = true
		if ev.Type == EventCreditsGranted {
			if _, err := p.ledger.Credit(ctx, r, info, ev.AccountID, ev.Amount, ev.Reference); err != nil {
				return err
			}
			res.Balance, err = p.ledger.Balance(ctx, r, ev.AccountID)
			return err
		}
		res.Balance, err = p.ledger.ApplyPlan(ctx, r, info, ev.AccountID, plan)
		return err
	})
	if err != nil {
		return Result{}, err
	}
	return res, nil
}
