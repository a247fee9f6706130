// Package pricing turns raw token and call-minute usage into money.
package pricing

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultModelID is the model whose prices apply when a request names an
// unknown model.
const DefaultModelID = "gpt-4o-mini"

// Places is the fixed precision of every amount this package returns.
const Places = 6

var (
	ErrModelNotFound = errors.New("pricing: model not found")
	ErrInvalidPrice  = errors.New("pricing: prices must not be negative")
)

var million = decimal.NewFromInt(1_000_000)

// ModelPrice is the cost of one million tokens for a model.
type ModelPrice struct {
	ModelID          string          `json:"modelId"`
	InputPerMillion  decimal.Decimal `json:"inputPerMillion"`
	OutputPerMillion decimal.Decimal `json:"outputPerMillion"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// Validate rejects an empty model id and negative prices.
func (p *ModelPrice) Validate() error {
	if p.ModelID == "" {
		return errors.New("pricing: model id is required")
	}
	if p.InputPerMillion.IsNegative() || p.OutputPerMillion.IsNegative() {
		return ErrInvalidPrice
	}
	return nil
}

// Cost returns the unrounded price of the given token counts.
func (p *ModelPrice) Cost(inputTokens, outputTokens int64) decimal.Decimal {
	in := decimal.NewFromInt(inputTokens).Mul(p.InputPerMillion).Div(million)
	out := decimal.NewFromInt(outputTokens).Mul(p.OutputPerMillion).Div(million)
	return in.Add(out)
}

func price(model, in, out string) *ModelPrice {
	return &ModelPrice{
		ModelID:          model,
		InputPerMillion:  decimal.RequireFromString(in),
		OutputPerMillion: decimal.RequireFromString(out),
	}
}

// BuiltinPrices is the price table the service ships with. It seeds empty
// stores and answers when the store is unavailable.
func BuiltinPrices() []*ModelPrice {
	return []*ModelPrice{
		price("gpt-4o-mini", "0.15", "0.60"),
		price("gpt-4o", "2.50", "10.00"),
		price("gpt-4.1", "2.00", "8.00"),
		price("gpt-4.1-mini", "0.40", "1.60"),
		price("gpt-4.1-nano", "0.10", "0.40"),
		price("gpt-3.5-turbo", "0.50", "1.50"),
		price("claude-3-5-haiku", "0.80", "4.00"),
		price("claude-3-5-sonnet", "3.00", "15.00"),
	}
}

func builtinPrice(modelID string) (*ModelPrice, bool) {
	for _, p := range BuiltinPrices() {
		if p.ModelID == modelID {
			return p, true
		}
	}
	return nil, false
}

// Round applies the package precision.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(Places)
}
