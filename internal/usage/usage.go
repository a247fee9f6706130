// Package usage keeps per-location, per-month consumption counters.
// Counters only grow within a period; a new month starts a new record.
package usage

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Errors
var (
	ErrRecordNotFound  = errors.New("usage: record not found")
	ErrInvalidDelta    = errors.New("usage: delta must not be negative")
	ErrInvalidPeriod   = errors.New("usage: period must be YYYY-MM")
	ErrStorageConflict = errors.New("usage: storage conflict")
)

const (
	periodLayout = "2006-01"
	dayLayout    = "2006-01-02"
)

// Period is a calendar-month billing key such as "2025-03".
type Period string

// PeriodOf returns the UTC billing period containing t.
func PeriodOf(t time.Time) Period {
	return Period(t.UTC().Format(periodLayout))
}

// ParsePeriod validates s.
func ParsePeriod(s string) (Period, error) {
	if _, err := time.Parse(periodLayout, s); err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidPeriod, s)
	}
	return Period(s), nil
}

// Start returns the first instant of the period.
func (p Period) Start() time.Time {
	t, _ := time.Parse(periodLayout, string(p))
	return t.UTC()
}

// DayOf returns the UTC day key for t.
func DayOf(t time.Time) string {
	return t.UTC().Format(dayLayout)
}

// Record is the usage row for one location and period. Daily counters
// belong to DailyDate and restart when a write lands on a later day.
type Record struct {
	LocationID           string          `json:"locationId"`
	Period               Period          `json:"period"`
	MessagesUsed         int64           `json:"messagesUsed"`
	DailyMessagesUsed    int64           `json:"dailyMessagesUsed"`
	DailyDate            string          `json:"dailyDate"`
	TokensUsed           int64           `json:"tokensUsed"`
	CostEstimate         decimal.Decimal `json:"costEstimate"`
	CallMinutesUsed      decimal.Decimal `json:"callMinutesUsed"`
	DailyCallMinutesUsed decimal.Decimal `json:"dailyCallMinutesUsed"`
	CustomKeyUsed        bool            `json:"customKeyUsed"`
	CreatedAt            time.Time       `json:"createdAt"`
	UpdatedAt            time.Time       `json:"updatedAt"`
}

// DailyMessagesOn returns the daily message count for day, zero when the
// stored counter belongs to another day.
func (r *Record) DailyMessagesOn(day string) int64 {
	if r.DailyDate != day {
		return 0
	}
	return r.DailyMessagesUsed
}

// DailyCallMinutesOn is DailyMessagesOn for call minutes.
func (r *Record) DailyCallMinutesOn(day string) decimal.Decimal {
	if r.DailyDate != day {
		return decimal.Zero
	}
	return r.DailyCallMinutesUsed
}

func newRecord(locationID string, period Period, now time.Time) *Record {
	return &Record{
		LocationID:           locationID,
		Period:               period,
		DailyDate:            DayOf(now),
		CostEstimate:         decimal.Zero,
		CallMinutesUsed:      decimal.Zero,
		DailyCallMinutesUsed: decimal.Zero,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
}

// apply adds d to r as of day. Used by the memory store; the Postgres
// store performs the same arithmetic in SQL.
func (r *Record) apply(d Delta, day string, now time.Time) {
	r.MessagesUsed += d.Messages
	r.TokensUsed += d.Tokens
	r.CostEstimate = r.CostEstimate.Add(d.Cost)
	r.CallMinutesUsed = r.CallMinutesUsed.Add(d.CallMinutes)
	r.CustomKeyUsed = r.CustomKeyUsed || d.UsedCustomKey

	switch {
	case day > r.DailyDate:
		r.DailyDate = day
		r.DailyMessagesUsed = d.Messages
		r.DailyCallMinutesUsed = d.CallMinutes
	case day == r.DailyDate:
		r.DailyMessagesUsed += d.Messages
		r.DailyCallMinutesUsed = r.DailyCallMinutesUsed.Add(d.CallMinutes)
	}
	r.UpdatedAt = now
}

// Delta is one metered event's contribution.
type Delta struct {
	Messages      int64           `json:"messages"`
	Tokens        int64           `json:"tokens"`
	Cost          decimal.Decimal `json:"cost"`
	CallMinutes   decimal.Decimal `json:"callMinutes"`
	UsedCustomKey bool            `json:"usedCustomKey"`
}

// Validate rejects negative components.
func (d Delta) Validate() error {
	switch {
	case d.Messages < 0:
		return fmt.Errorf("%w: messages", ErrInvalidDelta)
	case d.Tokens < 0:
		return fmt.Errorf("%w: tokens", ErrInvalidDelta)
	case d.Cost.IsNegative():
		return fmt.Errorf("%w: cost", ErrInvalidDelta)
	case d.CallMinutes.IsNegative():
		return fmt.Errorf("%w: call minutes", ErrInvalidDelta)
	}
	return nil
}

// IsZero reports whether d changes nothing.
func (d Delta) IsZero() bool {
	return d.Messages == 0 && d.Tokens == 0 && d.Cost.IsZero() && d.CallMinutes.IsZero() && !d.UsedCustomKey
}
