package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestBreaker(clock *time.Time) *CircuitBreaker {
	cb := NewCircuitBreaker(&Config{
		Name:             "ETH",
		MaxFailures:      2,
		Timeout:          time.Minute,
		HalfOpenMaxCalls: 1,
	})
	cb.now = func() time.Time { return *clock }
	return cb
}

func TestCircuitBreaker_OpensAndRecovers(t *testing.T) {
	clock := time.Unix(1700000000, 0)
	cb := newTestBreaker(&clock)
	ctx := context.Background()
	boom := errors.New("boom")

	assert.ErrorIs(t, cb.Execute(ctx, func() error { return boom }), boom)
	assert.Equal(t, StateClosed, cb.GetState())
	assert.ErrorIs(t, cb.Execute(ctx, func() error { return boom }), boom)
	assert.Equal(t, StateOpen, cb.GetState())

	called := false
	err := cb.Execute(ctx, func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)

	clock = clock.Add(2 * time.Minute)
	assert.NoError(t, cb.Execute(ctx, func() error { return nil }))
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	clock := time.Unix(1700000000, 0)
	cb := newTestBreaker(&clock)
	ctx := context.Background()
	boom := errors.New("boom")

	_ = cb.Execute(ctx, func() error { return boom })
	_ = cb.Execute(ctx, func() error { return boom })
	clock = clock.Add(2 * time.Minute)

	_ = cb.Execute(ctx, func() error { return boom })
	assert.Equal(t, StateOpen, cb.GetState())
}

func TestCircuitBreaker_CallerCancellationNotCounted(t *testing.T) {
	clock := time.Unix(1700000000, 0)
	cb := newTestBreaker(&clock)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for i := 0; i < 5; i++ {
		_ = cb.Execute(ctx, func() error { return context.Canceled })
	}
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestManager_GetOrCreate(t *testing.T) {
	m := NewManager()
	a := m.GetOrCreate("BNB", nil)
	b := m.GetOrCreate("BNB", nil)
	assert.Same(t, a, b)
	assert.Equal(t, map[string]State{"BNB": StateClosed}, m.States())
}
