package storage

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sale-settlement/internal/models"
)

func TestGenerateCacheKey(t *testing.T) {
	assert.Equal(t, "sales", GenerateCacheKey(CacheKeySales))
	assert.Equal(t, "phase-transition:Phase 1:1700000000", GenerateCacheKey(CacheKeyPhaseTransition, "Phase 1", "1700000000"))
}

func TestCacheService_Phases(t *testing.T) {
	mr, cache := newMiniRedis(t)
	svc := NewCacheService(cache, 10*time.Second)
	ctx := testContext(t)

	_, found, err := svc.GetPhases(ctx)
	require.NoError(t, err)
	assert.False(t, found)

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	phases := []*models.SalePhase{{
		ID:                1,
		Name:              "Phase 1",
		StartSale:         start,
		EndSale:           start.Add(24 * time.Hour),
		Amount:            decimal.RequireFromString("0.05"),
		TotalToken:        decimal.NewFromInt(1000),
		RemainingToken:    decimal.NewFromInt(400),
		UserPurchaseToken: decimal.NewFromInt(600),
	}}
	require.NoError(t, svc.SetPhases(ctx, phases))

	got, found, err := svc.GetPhases(ctx)
	require.NoError(t, err)
	require.True(t, found)
	require.Len(t, got, 1)
	assert.Equal(t, "Phase 1", got[0].Name)
	assert.True(t, got[0].RemainingToken.Equal(decimal.NewFromInt(400)))
	assert.True(t, got[0].StartSale.Equal(start))

	require.NoError(t, svc.InvalidatePhases(ctx))
	_, found, err = svc.GetPhases(ctx)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, svc.SetPhases(ctx, phases))
	mr.FastForward(11 * time.Second)
	_, found, err = svc.GetPhases(ctx)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestCacheService_CorruptEntry(t *testing.T) {
	_, cache := newMiniRedis(t)
	svc := NewCacheService(cache, time.Minute)
	ctx := testContext(t)

	require.NoError(t, cache.Set(ctx, GenerateCacheKey(CacheKeySales), "not json", time.Minute))
	_, _, err := svc.GetPhases(ctx)
	assert.Error(t, err)
}

func TestPhaseMarker_ClaimOnceAcrossReplicas(t *testing.T) {
	_, cache := newMiniRedis(t)
	ctx := testContext(t)
	start := time.Unix(1700000000, 0)

	a := NewPhaseMarker(cache, time.Hour)
	b := NewPhaseMarker(cache, time.Hour)

	ok, err := a.Claim(ctx, "Phase 1", start)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.Claim(ctx, "Phase 1", start)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = a.Claim(ctx, "Phase 1", start)
	require.NoError(t, err)
	assert.False(t, ok)

	// A rescheduled start is a new transition
	ok, err = b.Claim(ctx, "Phase 1", start.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPhaseMarker_Release(t *testing.T) {
	_, cache := newMiniRedis(t)
	ctx := testContext(t)
	start := time.Unix(1700000000, 0)
	m := NewPhaseMarker(cache, time.Hour)

	ok, err := m.Claim(ctx, "Phase 1", start)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, m.Release(ctx, "Phase 1", start))

	ok, err = m.Claim(ctx, "Phase 1", start)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPhaseMarker_InMemoryFallback(t *testing.T) {
	ctx := testContext(t)
	start := time.Unix(1700000000, 0)
	m := NewPhaseMarker(nil, time.Hour)

	ok, err := m.Claim(ctx, "Phase 1", start)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.Claim(ctx, "Phase 1", start)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.Release(ctx, "Phase 1", start))
	ok, err = m.Claim(ctx, "Phase 1", start)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPhaseMarker_RedisDown(t *testing.T) {
	mr, cache := newMiniRedis(t)
	m := NewPhaseMarker(cache, time.Hour)
	mr.Close()

	ok, err := m.Claim(testContext(t), "Phase 1", time.Unix(1700000000, 0))
	assert.Error(t, err)
	assert.False(t, ok)
}
