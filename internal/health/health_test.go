package health

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

type stubPinger struct{ err error }

func (s stubPinger) PingContext(context.Context) error { return s.err }

func TestRegistry_Empty(t *testing.T) {
	healthy, statuses := NewRegistry().CheckAll(context.Background())
	assert.True(t, healthy)
	assert.Empty(t, statuses)
}

func TestRegistry_OneUnhealthy(t *testing.T) {
	r := NewRegistry()
	r.Register(PingChecker("database", stubPinger{}))
	r.Register(PingChecker("plan_cache", stubPinger{err: errors.New("dial tcp: refused")}))

	healthy, statuses := r.CheckAll(context.Background())
	assert.False(t, healthy)
	assert.Equal(t, []Status{
		{Name: "database", Healthy: true},
		{Name: "plan_cache", Healthy: false, Detail: "dial tcp: refused"},
	}, statuses)
}

func TestRegistry_ConcurrentCheckAll(t *testing.T) {
	r := NewRegistry()
	r.Register(PingChecker("database", stubPinger{}))

	done := make(chan struct{})
	for i := 0; i < 10; i++ {
		go func() {
			healthy, _ := r.CheckAll(context.Background())
			assert.True(t, healthy)
			done <- struct{}{}
		}()
	}
	for i := 0; i < 10; i++ {
		<-done
	}
}
