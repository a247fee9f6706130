package usage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"github.com/mbd888/extractly/internal/identity"
	"github.com/mbd888/extractly/internal/metrics"
	"github.com/mbd888/extractly/internal/plan"
)

var (
	messagesRecorded = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "usage",
		Name:      "messages_total",
		Help:      "Billable messages recorded in the usage ledger.",
	})
	tokensRecorded = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "usage",
		Name:      "tokens_total",
		Help:      "AI tokens recorded in the usage ledger.",
	})
	incrementErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "usage",
		Name:      "increment_errors_total",
		Help:      "Usage increments that failed after retries.",
	})
)

func init() {
	prometheus.MustRegister(messagesRecorded, tokensRecorded, incrementErrors)
}

// PlanResolver is the part of plan.Resolver the ledger needs.
type PlanResolver interface {
	Resolve(ctx context.Context, locationID string, userType identity.UserType, companyID string) (*plan.Effective, error)
}

// Limits is a usage record joined with the effective plan's quotas.
type Limits struct {
	LocationID        string      `json:"locationId"`
	Period            Period      `json:"period"`
	PlanCode          string      `json:"planCode"`
	PlanSource        plan.Source `json:"planSource"`
	MessagesUsed      int64       `json:"messagesUsed"`
	MessagesIncluded  plan.Quota  `json:"messagesIncluded"`
	MessagesRemaining plan.Quota  `json:"messagesRemaining"`
	UsagePercentage   float64     `json:"usagePercentage"`
	LimitReached      bool        `json:"limitReached"`

	DailyMessagesUsed int64      `json:"dailyMessagesUsed"`
	DailyCap          plan.Quota `json:"dailyCap"`
	DailyCapReached   bool       `json:"dailyCapReached"`

	CallMinutesUsed      decimal.Decimal `json:"callMinutesUsed"`
	CallMinutesIncluded  plan.Quota      `json:"callMinutesIncluded"`
	CallLimitReached     bool            `json:"callLimitReached"`
	DailyCallMinutesUsed decimal.Decimal `json:"dailyCallMinutesUsed"`
	DailyCallCap         plan.Quota      `json:"dailyCallCap"`
	DailyCallCapReached  bool            `json:"dailyCallCapReached"`

	TokensUsed    int64           `json:"tokensUsed"`
	CostEstimate  decimal.Decimal `json:"costEstimate"`
	CustomKeyUsed bool            `json:"customKeyUsed"`

	// Plan is the effective plan the limits were computed against.
	Plan *plan.Plan `json:"-"`
}

// Ledger records consumption and reports it against plan quotas.
type Ledger struct {
	store  Store
	plans  PlanResolver
	logger *slog.Logger
	now    func() time.Time
}

// NewLedger creates a ledger.
func NewLedger(store Store, plans PlanResolver, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: store, plans: plans, logger: logger, now: time.Now}
}

// CurrentPeriod returns the billing period for the ledger's clock.
func (l *Ledger) CurrentPeriod() Period { return PeriodOf(l.now()) }

// GetOrCreate returns the record for a period, creating an empty one lazily.
func (l *Ledger) GetOrCreate(ctx context.Context, locationID string, period Period) (*Record, error) {
	if locationID == "" {
		return nil, identity.ErrIdentityMissing
	}
	return l.store.GetOrCreate(ctx, locationID, period, l.now().UTC())
}

// Increment atomically adds delta to the period's record, creating it with
// delta as its initial value when absent.
func (l *Ledger) Increment(ctx context.Context, locationID string, period Period, delta Delta) (*Record, error) {
	if locationID == "" {
		return nil, identity.ErrIdentityMissing
	}
	if err := delta.Validate(); err != nil {
		return nil, err
	}

	now := l.now().UTC()
	rec, err := l.store.Increment(ctx, locationID, period, DayOf(now), delta, now)
	if err != nil {
		incrementErrors.Inc()
		return nil, fmt.Errorf("usage: increment %s/%s: %w", locationID, period, err)
	}

	messagesRecorded.Add(float64(delta.Messages))
	tokensRecorded.Add(float64(delta.Tokens))
	return rec, nil
}

// WithLimits reports the current period against the effective plan. Agency
// callers are never limit-reached.
func (l *Ledger) WithLimits(ctx context.Context, locationID string, ident identity.Identity) (*Limits, error) {
	if locationID == "" {
		return nil, identity.ErrIdentityMissing
	}

	eff, err := l.plans.Resolve(ctx, locationID, ident.UserType(), ident.CompanyID())
	if err != nil {
		return nil, err
	}

	now := l.now().UTC()
	period := PeriodOf(now)
	rec, err := l.store.GetOrCreate(ctx, locationID, period, now)
	if err != nil {
		return nil, err
	}

	return ComputeLimits(rec, eff, ident.IsAgency(), DayOf(now)), nil
}

// ComputeLimits derives quota state from a record and an effective plan.
func ComputeLimits(rec *Record, eff *plan.Effective, agency bool, day string) *Limits {
	p := eff.Plan
	exempt := agency || p.IsAgencyPlan()

	included := p.MessagesIncluded
	dailyCap := p.DailyCapMessages
	if exempt {
		included = plan.Unlimited()
		dailyCap = plan.Unlimited()
	}

	dailyMessages := rec.DailyMessagesOn(day)
	dailyMinutes := rec.DailyCallMinutesOn(day)

	return &Limits{
		LocationID:        rec.LocationID,
		Period:            rec.Period,
		PlanCode:          p.Code,
		PlanSource:        eff.Source,
		MessagesUsed:      rec.MessagesUsed,
		MessagesIncluded:  included,
		MessagesRemaining: included.Remaining(rec.MessagesUsed),
		UsagePercentage:   included.Percentage(rec.MessagesUsed),
		LimitReached:      !exempt && included.Reached(rec.MessagesUsed),

		DailyMessagesUsed: dailyMessages,
		DailyCap:          dailyCap,
		DailyCapReached:   !exempt && dailyCap.Reached(dailyMessages),

		CallMinutesUsed:      rec.CallMinutesUsed,
		CallMinutesIncluded:  p.CallMinutesIncluded,
		CallLimitReached:     p.CallMinutesIncluded.ReachedDecimal(rec.CallMinutesUsed),
		DailyCallMinutesUsed: dailyMinutes,
		DailyCallCap:         p.DailyCapCallMinutes,
		DailyCallCapReached:  p.DailyCapCallMinutes.ReachedDecimal(dailyMinutes),

		TokensUsed:    rec.TokensUsed,
		CostEstimate:  rec.CostEstimate,
		CustomKeyUsed: rec.CustomKeyUsed,

		Plan: p,
	}
}

// History returns past periods, newest first.
func (l *Ledger) History(ctx context.Context, locationID string, limit int) ([]*Record, error) {
	if locationID == "" {
		return nil, identity.ErrIdentityMissing
	}
	if limit <= 0 || limit > 36 {
		limit = 12
	}
	return l.store.History(ctx, locationID, limit)
}
