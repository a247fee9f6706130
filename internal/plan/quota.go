package plan

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// Quota is either a bounded count or unlimited. The zero value is Bounded(0).
type Quota struct {
	limit     int64
	unlimited bool
}

// Bounded returns a quota of n units. Negative n is treated as 0.
func Bounded(n int64) Quota {
	if n < 0 {
		n = 0
	}
	return Quota{limit: n}
}

// Unlimited returns a quota that is never reached.
func Unlimited() Quota { return Quota{unlimited: true} }

// IsUnlimited reports whether q has no ceiling.
func (q Quota) IsUnlimited() bool { return q.unlimited }

// Limit returns the bound and true, or 0 and false when unlimited.
func (q Quota) Limit() (int64, bool) {
	if q.unlimited {
		return 0, false
	}
	return q.limit, true
}

// Remaining returns what is left after used units, never below zero.
func (q Quota) Remaining(used int64) Quota {
	if q.unlimited {
		return q
	}
	return Bounded(q.limit - used)
}

// Reached reports whether used has hit the ceiling.
func (q Quota) Reached(used int64) bool {
	return !q.unlimited && used >= q.limit
}

// ReachedDecimal is Reached for fractional counters such as call minutes.
func (q Quota) ReachedDecimal(used decimal.Decimal) bool {
	return !q.unlimited && used.GreaterThanOrEqual(decimal.NewFromInt(q.limit))
}

// Percentage returns used as a share of the bound in percent. Unlimited and
// zero quotas report 0.
func (q Quota) Percentage(used int64) float64 {
	if q.unlimited || q.limit == 0 {
		return 0
	}
	return float64(used) / float64(q.limit) * 100
}

// Overage returns how many of n new units land above the bound when usedBefore
// units were already consumed.
func (q Quota) Overage(usedBefore, n int64) int64 {
	if q.unlimited || n <= 0 {
		return 0
	}
	free := q.limit - usedBefore
	if free < 0 {
		free = 0
	}
	if n <= free {
		return 0
	}
	return n - free
}

// OverageDecimal is Overage for fractional counters.
func (q Quota) OverageDecimal(usedBefore, n decimal.Decimal) decimal.Decimal {
	if q.unlimited || !n.IsPositive() {
		return decimal.Zero
	}
	free := decimal.Max(decimal.NewFromInt(q.limit).Sub(usedBefore), decimal.Zero)
	if n.LessThanOrEqual(free) {
		return decimal.Zero
	}
	return n.Sub(free)
}

// String renders the quota for logs.
func (q Quota) String() string {
	if q.unlimited {
		return "unlimited"
	}
	return fmt.Sprintf("%d", q.limit)
}

type unlimitedJSON struct {
	Unlimited bool `json:"unlimited"`
}

// MarshalJSON encodes bounded quotas as a number and unlimited as
// {"unlimited":true}.
func (q Quota) MarshalJSON() ([]byte, error) {
	if q.unlimited {
		return json.Marshal(unlimitedJSON{Unlimited: true})
	}
	return json.Marshal(q.limit)
}

// UnmarshalJSON accepts a number, {"unlimited":true}, "unlimited" or null
// (unlimited).
func (q *Quota) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")), bytes.Equal(data, []byte(`"unlimited"`)):
		*q = Unlimited()
		return nil
	case len(data) > 0 && data[0] == '{':
		var u unlimitedJSON
		if err := json.Unmarshal(data, &u); err != nil {
			return err
		}
		if !u.Unlimited {
			return fmt.Errorf("plan: quota object must set unlimited=true")
		}
		*q = Unlimited()
		return nil
	}

	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("plan: invalid quota %s: %w", data, err)
	}
	if n < 0 {
		return fmt.Errorf("plan: quota must not be negative")
	}
	*q = Bounded(n)
	return nil
}
