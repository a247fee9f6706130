// Package metering wires the engine together for one metered request:
// identity, then configuration and entitlement, then the ledger and pricing
// once the operation has run.
package metering

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/mbd888/extractly/internal/entitlement"
	"github.com/mbd888/extractly/internal/identity"
	"github.com/mbd888/extractly/internal/metrics"
	"github.com/mbd888/extractly/internal/plan"
	"github.com/mbd888/extractly/internal/pricing"
	"github.com/mbd888/extractly/internal/tenant"
	"github.com/mbd888/extractly/internal/traces"
	"github.com/mbd888/extractly/internal/usage"
)

var ErrInvalidEvent = errors.New("metering: invalid usage event")

var (
	platformCostTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "metering",
		Name:      "platform_cost_dollars_total",
		Help:      "AI and call cost incurred by the platform.",
	})
	customerCostTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "metering",
		Name:      "customer_cost_dollars_total",
		Help:      "Overage billed to customers.",
	})
	eventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "metering",
		Name:      "events_total",
		Help:      "Usage events received, by outcome.",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(platformCostTotal, customerCostTotal, eventsTotal)
}

// ConfigResolver is the part of tenant.Resolver the service needs.
type ConfigResolver interface {
	ResolveAndLink(ctx context.Context, userID, locationID string) (*tenant.Resolution, error)
}

// PlanResolver is the part of plan.Resolver the service needs.
type PlanResolver interface {
	Resolve(ctx context.Context, locationID string, userType identity.UserType, companyID string) (*plan.Effective, error)
}

// Event is what the orchestration layer reports after an AI call or a call
// extraction has run.
type Event struct {
	ModelID       string          `json:"modelId"`
	InputTokens   int64           `json:"inputTokens"`
	OutputTokens  int64           `json:"outputTokens"`
	Messages      int64           `json:"messages"`
	CallMinutes   decimal.Decimal `json:"callMinutes"`
	UsedCustomKey bool            `json:"usedCustomKey"`
	Success       bool            `json:"success"`
}

func (e Event) validate() error {
	switch {
	case e.InputTokens < 0, e.OutputTokens < 0:
		return fmt.Errorf("%w: token counts must not be negative", ErrInvalidEvent)
	case e.Messages < 0:
		return fmt.Errorf("%w: messages must not be negative", ErrInvalidEvent)
	case e.CallMinutes.IsNegative():
		return fmt.Errorf("%w: call minutes must not be negative", ErrInvalidEvent)
	}
	return nil
}

// Charge is the priced result of a recorded event.
type Charge struct {
	Billed       bool              `json:"billed"`
	PlanCode     string            `json:"planCode,omitempty"`
	Estimate     *pricing.Estimate `json:"estimate,omitempty"`
	CallCost     decimal.Decimal   `json:"callCost"`
	PlatformCost decimal.Decimal   `json:"platformCost"`
	CustomerCost decimal.Decimal   `json:"customerCost"`
	Record       *usage.Record     `json:"record,omitempty"`
}

// CheckResult is an entitlement decision together with the configuration
// that carries the location's CRM credentials.
type CheckResult struct {
	Decision      entitlement.Decision
	Configuration *tenant.Configuration
	Strategy      tenant.Strategy
	NeedsLink     bool
}

// Service runs the metered request flow.
type Service struct {
	configs ConfigResolver
	plans   PlanResolver
	gate    *entitlement.Gate
	ledger  *usage.Ledger
	calc    *pricing.Calculator
	logger  *slog.Logger
}

// NewService creates a metering service.
func NewService(configs ConfigResolver, plans PlanResolver, gate *entitlement.Gate, ledger *usage.Ledger, calc *pricing.Calculator, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{configs: configs, plans: plans, gate: gate, ledger: ledger, calc: calc, logger: logger}
}

// Check resolves the caller's configuration and authorizes capability. The
// two lookups run concurrently; a missing configuration aborts the request
// even when the gate would allow it.
func (s *Service) Check(ctx context.Context, ident identity.Identity, capability entitlement.Capability) (*CheckResult, error) {
	if err := ident.Require(); err != nil {
		return nil, err
	}

	ctx, span := traces.StartSpan(ctx, "metering.Check",
		traces.LocationID(ident.LocationID()),
		traces.Capability(string(capability)),
	)
	defer span.End()

	var (
		res      *tenant.Resolution
		decision entitlement.Decision
	)
	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		res, err = s.configs.ResolveAndLink(gCtx, ident.UserID(), ident.LocationID())
		return err
	})
	g.Go(func() error {
		var err error
		decision, err = s.gate.Authorize(gCtx, ident.LocationID(), ident, capability)
		return err
	})
	if err := g.Wait(); err != nil {
		traces.RecordError(span, err)
		return nil, err
	}

	return &CheckResult{
		Decision:      decision,
		Configuration: res.Config,
		Strategy:      res.Strategy,
		NeedsLink:     res.NeedsLink,
	}, nil
}

// Record prices a completed event and adds it to the current period.
// Failed events are acknowledged but never billed.
func (s *Service) Record(ctx context.Context, ident identity.Identity, ev Event) (*Charge, error) {
	if err := ident.Require(); err != nil {
		return nil, err
	}
	if err := ev.validate(); err != nil {
		return nil, err
	}
	if !ev.Success {
		eventsTotal.WithLabelValues("not_billed").Inc()
		return &Charge{CallCost: decimal.Zero, PlatformCost: decimal.Zero, CustomerCost: decimal.Zero}, nil
	}

	loc := ident.LocationID()
	period := s.ledger.CurrentPeriod()
	ctx, span := traces.StartSpan(ctx, "metering.Record",
		traces.LocationID(loc),
		traces.ModelID(ev.ModelID),
		traces.Period(string(period)),
	)
	defer span.End()

	eff, err := s.plans.Resolve(ctx, loc, ident.UserType(), ident.CompanyID())
	if err != nil {
		traces.RecordError(span, err)
		eventsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	span.SetAttributes(traces.PlanCode(eff.Plan.Code))

	est := s.calc.EstimateTokens(ctx, ev.ModelID, ev.InputTokens, ev.OutputTokens)
	callCost := s.calc.EstimateCall(ev.CallMinutes, eff.Plan.CallExtractionRatePerMinute)
	platformCost := pricing.Round(est.PlatformCost.Add(callCost))

	rec, err := s.ledger.Increment(ctx, loc, period, usage.Delta{
		Messages:      ev.Messages,
		Tokens:        ev.InputTokens + ev.OutputTokens,
		Cost:          platformCost,
		CallMinutes:   ev.CallMinutes,
		UsedCustomKey: ev.UsedCustomKey,
	})
	if err != nil {
		traces.RecordError(span, err)
		eventsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	// The returned record already includes this event, so subtracting it
	// gives the usage that preceded it even under concurrent writers.
	customerCost := s.calc.CustomerCost(pricing.CostInput{
		Plan:              eff.Plan,
		Agency:            ident.IsAgency(),
		UsedCustomKey:     ev.UsedCustomKey,
		Messages:          ev.Messages,
		MessagesBefore:    rec.MessagesUsed - ev.Messages,
		CallMinutes:       ev.CallMinutes,
		CallMinutesBefore: rec.CallMinutesUsed.Sub(ev.CallMinutes),
	})

	platformCostTotal.Add(platformCost.InexactFloat64())
	customerCostTotal.Add(customerCost.InexactFloat64())
	eventsTotal.WithLabelValues("billed").Inc()

	s.logger.Debug("usage recorded",
		"location_id", loc, "period", period, "model", est.PricedAs,
		"platform_cost", platformCost.String(), "customer_cost", customerCost.String())

	return &Charge{
		Billed:       true,
		PlanCode:     eff.Plan.Code,
		Estimate:     &est,
		CallCost:     callCost,
		PlatformCost: platformCost,
		CustomerCost: customerCost,
		Record:       rec,
	}, nil
}
