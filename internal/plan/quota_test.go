package plan

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuota_Bounded(t *testing.T) {
	q := Bounded(500)

	assert.False(t, q.IsUnlimited())
	assert.False(t, q.Reached(499))
	assert.True(t, q.Reached(500))
	assert.True(t, q.Reached(501))
	assert.Equal(t, Bounded(100), q.Remaining(400))
	assert.Equal(t, Bounded(0), q.Remaining(900))
	assert.InDelta(t, 50.0, q.Percentage(250), 1e-9)

	n, ok := q.Limit()
	assert.True(t, ok)
	assert.Equal(t, int64(500), n)

	assert.Equal(t, Bounded(0), Bounded(-3))
}

func TestQuota_Unlimited(t *testing.T) {
	q := Unlimited()

	assert.True(t, q.IsUnlimited())
	assert.False(t, q.Reached(1<<62))
	assert.True(t, q.Remaining(10).IsUnlimited())
	assert.Zero(t, q.Percentage(10))
	assert.Zero(t, q.Overage(1<<40, 10))
	assert.False(t, q.ReachedDecimal(decimal.NewFromInt(1<<40)))

	_, ok := q.Limit()
	assert.False(t, ok)
}

func TestQuota_ZeroLimit(t *testing.T) {
	var q Quota
	assert.True(t, q.Reached(0))
	assert.Zero(t, q.Percentage(5))
}

func TestQuota_Overage(t *testing.T) {
	q := Bounded(10)
	assert.Equal(t, int64(0), q.Overage(5, 5))
	assert.Equal(t, int64(2), q.Overage(8, 4))
	assert.Equal(t, int64(3), q.Overage(12, 3))
	assert.Equal(t, int64(0), q.Overage(12, 0))

	assert.True(t, decimal.RequireFromString("1.5").Equal(
		q.OverageDecimal(decimal.RequireFromString("9"), decimal.RequireFromString("2.5"))))
	assert.True(t, q.OverageDecimal(decimal.Zero, decimal.NewFromInt(10)).IsZero())
	assert.True(t, q.ReachedDecimal(decimal.RequireFromString("10.0")))
	assert.False(t, q.ReachedDecimal(decimal.RequireFromString("9.99")))
}

func TestQuota_JSON(t *testing.T) {
	b, err := json.Marshal(struct {
		A Quota `json:"a"`
		B Quota `json:"b"`
	}{Bounded(7), Unlimited()})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":7,"b":{"unlimited":true}}`, string(b))

	for input, want := range map[string]Quota{
		`7`:                  Bounded(7),
		`{"unlimited":true}`: Unlimited(),
		`"unlimited"`:        Unlimited(),
		`null`:               Unlimited(),
	} {
		var q Quota
		require.NoError(t, json.Unmarshal([]byte(input), &q), input)
		assert.Equal(t, want, q, input)
	}

	var q Quota
	assert.Error(t, json.Unmarshal([]byte(`-1`), &q))
	assert.Error(t, json.Unmarshal([]byte(`{"unlimited":false}`), &q))
	assert.Error(t, json.Unmarshal([]byte(`"lots"`), &q))
}
