// Package entitlement answers whether a tenant may perform a metered or
// gated action. Decisions are recomputed from the current plan and usage on
// every call; nothing here is stored.
package entitlement

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/extractly/internal/identity"
	"github.com/mbd888/extractly/internal/metrics"
	"github.com/mbd888/extractly/internal/traces"
	"github.com/mbd888/extractly/internal/usage"
)

// Capability names an action the gate can authorize.
type Capability string

const (
	CapSendMessage    Capability = "send_message"
	CapUseCustomAIKey Capability = "use_custom_ai_key"
	CapUseWhiteLabel  Capability = "use_white_label_branding"
	CapExtractCall    Capability = "extract_call"
)

// Capabilities lists every capability the gate knows.
func Capabilities() []Capability {
	return []Capability{CapSendMessage, CapUseCustomAIKey, CapUseWhiteLabel, CapExtractCall}
}

// Reason explains a denial.
type Reason string

const (
	ReasonQuotaExceeded     Reason = "quota_exceeded"
	ReasonDailyCapReached   Reason = "daily_cap_reached"
	ReasonFeatureNotInPlan  Reason = "feature_not_in_plan"
	ReasonCallQuotaExceeded Reason = "call_quota_exceeded"
	ReasonUnknownCapability Reason = "unknown_capability"
)

var decisionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: metrics.Namespace,
	Subsystem: "entitlement",
	Name:      "decisions_total",
	Help:      "Entitlement decisions by capability and outcome.",
}, []string{"capability", "outcome"})

func init() {
	prometheus.MustRegister(decisionsTotal)
}

// Decision is the gate's answer. A denial is a normal outcome, not an error.
type Decision struct {
	Allowed    bool          `json:"allowed"`
	Capability Capability    `json:"capability"`
	Reason     Reason        `json:"reason,omitempty"`
	Message    string        `json:"message,omitempty"`
	PlanCode   string        `json:"planCode,omitempty"`
	Limits     *usage.Limits `json:"limits,omitempty"`
	LatencyUs  int64         `json:"latencyUs"`
}

// UsageReporter is the part of usage.Ledger the gate reads.
type UsageReporter interface {
	WithLimits(ctx context.Context, locationID string, ident identity.Identity) (*usage.Limits, error)
}

// Gate authorizes capabilities against the effective plan and current usage.
type Gate struct {
	usage  UsageReporter
	logger *slog.Logger
}

// NewGate creates a gate.
func NewGate(u UsageReporter, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{usage: u, logger: logger}
}

// Authorize decides whether ident may use capability on locationID. It
// returns an error only when the identity is missing or plan/usage state
// cannot be read; every business outcome is a Decision.
func (g *Gate) Authorize(ctx context.Context, locationID string, ident identity.Identity, capability Capability) (Decision, error) {
	start := time.Now()
	if locationID == "" {
		return Decision{}, identity.ErrIdentityMissing
	}

	ctx, span := traces.StartSpan(ctx, "entitlement.Authorize",
		traces.LocationID(locationID),
		traces.UserType(string(ident.UserType())),
		traces.Capability(string(capability)),
	)
	defer span.End()

	if !known(capability) {
		d := deny(capability, ReasonUnknownCapability, fmt.Sprintf("unknown capability %q", capability))
		return g.finish(d, start), nil
	}

	limits, err := g.usage.WithLimits(ctx, locationID, ident)
	if err != nil {
		traces.RecordError(span, err)
		return Decision{}, fmt.Errorf("entitlement: load limits: %w", err)
	}
	span.SetAttributes(traces.PlanCode(limits.PlanCode))

	d := evaluate(capability, ident, limits)
	d.PlanCode = limits.PlanCode
	d.Limits = limits
	return g.finish(d, start), nil
}

func (g *Gate) finish(d Decision, start time.Time) Decision {
	d.LatencyUs = time.Since(start).Microseconds()
	outcome := "allowed"
	if !d.Allowed {
		outcome = string(d.Reason)
		g.logger.Debug("entitlement denied", "capability", d.Capability, "reason", d.Reason, "plan", d.PlanCode)
	}
	label := string(d.Capability)
	if !known(d.Capability) {
		label = "unknown"
	}
	decisionsTotal.WithLabelValues(label, outcome).Inc()
	return d
}

// evaluate is the pure decision table.
func evaluate(capability Capability, ident identity.Identity, limits *usage.Limits) Decision {
	p := limits.Plan
	agency := ident.IsAgency()

	switch capability {
	case CapSendMessage:
		if limits.LimitReached {
			return deny(capability, ReasonQuotaExceeded, "monthly message quota reached; upgrade the plan to continue")
		}
		if limits.DailyCapReached {
			return deny(capability, ReasonDailyCapReached, "daily message cap reached")
		}
		return allow(capability)

	case CapUseCustomAIKey:
		if agency || (p != nil && p.CanUseOwnAIKey) {
			return allow(capability)
		}
		return deny(capability, ReasonFeatureNotInPlan, "plan does not allow a custom AI key")

	case CapUseWhiteLabel:
		if agency || (p != nil && p.CanWhiteLabel) {
			return allow(capability)
		}
		return deny(capability, ReasonFeatureNotInPlan, "plan does not include white-label branding")

	case CapExtractCall:
		if p == nil || !p.CallsEnabled() {
			return deny(capability, ReasonFeatureNotInPlan, "plan does not include call extraction")
		}
		if agency || p.IsAgencyPlan() {
			return allow(capability)
		}
		if limits.CallLimitReached || limits.DailyCallCapReached {
			return deny(capability, ReasonCallQuotaExceeded, "call minute quota reached")
		}
		return allow(capability)
	}
	return deny(capability, ReasonUnknownCapability, fmt.Sprintf("unknown capability %q", capability))
}

func known(c Capability) bool {
	for _, k := range Capabilities() {
		if k == c {
			return true
		}
	}
	return false
}

func allow(c Capability) Decision {
	return Decision{Allowed: true, Capability: c}
}

func deny(c Capability, r Reason, msg string) Decision {
	return Decision{Capability: c, Reason: r, Message: msg}
}
