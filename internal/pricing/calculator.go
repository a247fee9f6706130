package pricing

import (
	"context"
	"errors"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"github.com/mbd888/extractly/internal/metrics"
	"github.com/mbd888/extractly/internal/plan"
)

var fallbackLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: metrics.Namespace,
	Subsystem: "pricing",
	Name:      "fallback_lookups_total",
	Help:      "Price lookups answered by a fallback, by cause.",
}, []string{"cause"})

func init() {
	prometheus.MustRegister(fallbackLookups)
}

// Estimate is the platform cost of one AI call.
type Estimate struct {
	ModelID      string          `json:"modelId"`
	PricedAs     string          `json:"pricedAs"`
	Fallback     bool            `json:"fallback"`
	InputTokens  int64           `json:"inputTokens"`
	OutputTokens int64           `json:"outputTokens"`
	PlatformCost decimal.Decimal `json:"platformCost"`
}

// CostInput is everything CustomerCost needs about one metered event.
type CostInput struct {
	Plan          *plan.Plan
	Agency        bool
	UsedCustomKey bool

	// Messages in this event and messages already used this period before it.
	Messages       int64
	MessagesBefore int64

	CallMinutes       decimal.Decimal
	CallMinutesBefore decimal.Decimal
}

// Calculator prices usage. Lookups never fail: an unknown model is priced as
// the default model and a store error falls back to the built-in table.
type Calculator struct {
	store        Store
	defaultModel string
	logger       *slog.Logger
}

// NewCalculator creates a calculator. An empty defaultModel means DefaultModelID.
func NewCalculator(store Store, defaultModel string, logger *slog.Logger) *Calculator {
	if defaultModel == "" {
		defaultModel = DefaultModelID
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Calculator{store: store, defaultModel: defaultModel, logger: logger}
}

// DefaultModel returns the model unknown ids are priced as.
func (c *Calculator) DefaultModel() string { return c.defaultModel }

// EstimateTokens returns in*inputPrice/1M + out*outputPrice/1M rounded to six
// decimal places.
func (c *Calculator) EstimateTokens(ctx context.Context, modelID string, inputTokens, outputTokens int64) Estimate {
	if inputTokens < 0 {
		inputTokens = 0
	}
	if outputTokens < 0 {
		outputTokens = 0
	}

	p := c.lookup(ctx, modelID)
	return Estimate{
		ModelID:      modelID,
		PricedAs:     p.ModelID,
		Fallback:     p.ModelID != modelID,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		PlatformCost: Round(p.Cost(inputTokens, outputTokens)),
	}
}

func (c *Calculator) lookup(ctx context.Context, modelID string) *ModelPrice {
	if modelID == "" {
		modelID = c.defaultModel
	}

	p, err := c.store.GetPrice(ctx, modelID)
	if err == nil {
		return p
	}
	if !errors.Is(err, ErrModelNotFound) {
		fallbackLookups.WithLabelValues("store_error").Inc()
		c.logger.Warn("price lookup failed, using built-in table", "model", modelID, "error", err)
		if bp, ok := builtinPrice(modelID); ok {
			return bp
		}
		return c.builtinDefault()
	}

	fallbackLookups.WithLabelValues("unknown_model").Inc()
	if modelID != c.defaultModel {
		if p, err := c.store.GetPrice(ctx, c.defaultModel); err == nil {
			return p
		}
	}
	return c.builtinDefault()
}

func (c *Calculator) builtinDefault() *ModelPrice {
	if p, ok := builtinPrice(c.defaultModel); ok {
		return p
	}
	p, _ := builtinPrice(DefaultModelID)
	return p
}

// EstimateCall returns minutes*rate rounded to six decimal places.
func (c *Calculator) EstimateCall(minutes, ratePerMinute decimal.Decimal) decimal.Decimal {
	if !minutes.IsPositive() || !ratePerMinute.IsPositive() {
		return decimal.Zero
	}
	return Round(minutes.Mul(ratePerMinute))
}

// CustomerCost is what the tenant is billed for one event. Agencies and
// tenants on their own AI key pay nothing metered. Otherwise each message
// above the included quota costs the plan's overage price and each call
// minute above the included minutes costs the plan's call rate.
func (c *Calculator) CustomerCost(in CostInput) decimal.Decimal {
	if in.Plan == nil || in.Agency || in.UsedCustomKey || in.Plan.IsAgencyPlan() {
		return decimal.Zero
	}

	over := in.Plan.MessagesIncluded.Overage(in.MessagesBefore, in.Messages)
	cost := decimal.NewFromInt(over).Mul(in.Plan.OveragePrice)

	overMinutes := in.Plan.CallMinutesIncluded.OverageDecimal(in.CallMinutesBefore, in.CallMinutes)
	cost = cost.Add(overMinutes.Mul(in.Plan.CallExtractionRatePerMinute))

	return Round(cost)
}
