package ledger

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sale-settlement/internal/models"
)

// mockStore applies the same conditional updates as the Postgres store,
// serialized by a mutex.
type mockStore struct {
	mu      sync.Mutex
	phases  map[string]*models.SalePhase
	settled map[string]bool
}

func newMockStore(phases ...*models.SalePhase) *mockStore {
	m := &mockStore{phases: make(map[string]*models.SalePhase), settled: make(map[string]bool)}
	for _, p := range phases {
		m.phases[p.Name] = p
	}
	return m
}

func (m *mockStore) ListPhases(ctx context.Context) ([]*models.SalePhase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.SalePhase, 0, len(m.phases))
	for _, p := range m.phases {
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

func (m *mockStore) GetPhaseByName(ctx context.Context, name string) (*models.SalePhase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.phases[name]
	if !ok {
		return nil, ErrPhaseNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *mockStore) ApplyPurchase(ctx context.Context, name string, delta decimal.Decimal) (*models.SalePhase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.apply(name, delta)
}

func (m *mockStore) apply(name string, delta decimal.Decimal) (*models.SalePhase, error) {
	p, ok := m.phases[name]
	if !ok {
		return nil, ErrPhaseNotFound
	}
	if p.RemainingToken.Sub(delta).IsNegative() {
		return nil, ErrInsufficientSupply
	}
	p.RemainingToken = p.RemainingToken.Sub(delta)
	p.UserPurchaseToken = p.UserPurchaseToken.Add(delta)
	cp := *p
	return &cp, nil
}

func (m *mockStore) SettleOrder(ctx context.Context, txHash, phaseName string, amount decimal.Decimal) (*models.SalePhase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.settled[txHash] {
		return nil, ErrAlreadySettled
	}
	p, err := m.apply(phaseName, amount)
	if err != nil {
		return nil, err
	}
	m.settled[txHash] = true
	return p, nil
}

func (m *mockStore) UnsettleOrder(ctx context.Context, txHash, phaseName string, amount decimal.Decimal) (*models.SalePhase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.settled[txHash] {
		return nil, ErrNotSettled
	}
	p, err := m.apply(phaseName, amount.Neg())
	if err != nil {
		return nil, err
	}
	delete(m.settled, txHash)
	return p, nil
}

func phase(name string, total, sold, price int64, start, end time.Time) *models.SalePhase {
	return &models.SalePhase{
		Name:              name,
		StartSale:         start,
		EndSale:           end,
		Amount:            decimal.NewFromInt(price),
		TotalToken:        decimal.NewFromInt(total),
		UserPurchaseToken: decimal.NewFromInt(sold),
		RemainingToken:    decimal.NewFromInt(total - sold),
	}
}

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestApplyPurchase_RejectsOverdraw(t *testing.T) {
	store := newMockStore(phase("Phase 1", 1000, 999, 2, t0, t0.Add(time.Hour)))
	l := New(store)

	_, err := l.ApplyPurchase(context.Background(), "Phase 1", decimal.NewFromInt(2))
	assert.ErrorIs(t, err, ErrInsufficientSupply)

	p, err := l.GetPhaseByName(context.Background(), "Phase 1")
	require.NoError(t, err)
	assert.True(t, p.UserPurchaseToken.Equal(decimal.NewFromInt(999)))
	assert.True(t, p.RemainingToken.Equal(decimal.NewFromInt(1)))
}

func TestApplyPurchase_Credits(t *testing.T) {
	store := newMockStore(phase("Phase 1", 1000, 500, 2, t0, t0.Add(time.Hour)))
	l := New(store)

	tokens, err := TokensForFiat(decimal.NewFromInt(100), store.phases["Phase 1"])
	require.NoError(t, err)
	assert.True(t, tokens.Equal(decimal.NewFromInt(50)))

	p, err := l.ApplyPurchase(context.Background(), "Phase 1", tokens)
	require.NoError(t, err)
	assert.True(t, p.UserPurchaseToken.Equal(decimal.NewFromInt(550)))
	assert.True(t, p.RemainingToken.Equal(decimal.NewFromInt(450)))
}

func TestApplyPurchase_RejectsNonPositive(t *testing.T) {
	l := New(newMockStore(phase("Phase 1", 1000, 0, 2, t0, t0.Add(time.Hour))))

	_, err := l.ApplyPurchase(context.Background(), "Phase 1", decimal.Zero)
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = l.ApplyPurchase(context.Background(), "Phase 1", decimal.RequireFromString("0.004"))
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestSettle_Once(t *testing.T) {
	store := newMockStore(phase("Phase 1", 1000, 0, 2, t0, t0.Add(time.Hour)))
	l := New(store)
	order := &models.Order{TransactionHash: "0xabc", SaleName: "Phase 1", TokenCryptoAmount: decimal.RequireFromString("12.345")}

	p, err := l.Settle(context.Background(), order)
	require.NoError(t, err)
	assert.Equal(t, "12.35", p.UserPurchaseToken.StringFixed(2))

	_, err = l.Settle(context.Background(), order)
	assert.ErrorIs(t, err, ErrAlreadySettled)

	order.IsProcess = true
	p, err = l.Refund(context.Background(), order)
	require.NoError(t, err)
	assert.True(t, p.UserPurchaseToken.IsZero())
	assert.True(t, p.RemainingToken.Equal(decimal.NewFromInt(1000)))
}

func TestActivePhase(t *testing.T) {
	p1 := phase("Phase 1", 1000, 0, 1, t0, t0.Add(time.Hour))
	p2 := phase("Phase 2", 1000, 0, 2, t0.Add(2*time.Hour), t0.Add(3*time.Hour))
	phases := []*models.SalePhase{p2, p1}

	assert.Equal(t, p1, ActivePhase(phases, t0))
	assert.Equal(t, p1, ActivePhase(phases, t0.Add(time.Hour)))
	assert.Nil(t, ActivePhase(phases, t0.Add(90*time.Minute)))
	assert.Equal(t, p2, ActivePhase(phases, t0.Add(150*time.Minute)))
	assert.Nil(t, ActivePhase(phases, t0.Add(-time.Second)))
}

func TestNearestPhase(t *testing.T) {
	p1 := phase("Phase 1", 1000, 0, 1, t0, t0.Add(time.Hour))
	p2 := phase("Phase 2", 1000, 0, 2, t0.Add(10*time.Hour), t0.Add(11*time.Hour))
	phases := []*models.SalePhase{p1, p2}

	// between phases: phase 1 has ended, so phase 2 is the nearest candidate
	assert.Equal(t, p2, NearestPhase(phases, t0.Add(2*time.Hour)))
	// before everything: phase 1 starts soonest
	assert.Equal(t, p1, NearestPhase(phases, t0.Add(-time.Hour)))
	// after everything: the most recently ended phase
	assert.Equal(t, p2, NearestPhase(phases, t0.Add(20*time.Hour)))
	assert.Nil(t, NearestPhase(nil, t0))
}

func TestFromBaseUnits(t *testing.T) {
	raw, _ := new(big.Int).SetString("100000000000000000000", 10)
	assert.True(t, FromBaseUnits(raw, 18).Equal(decimal.NewFromInt(100)))
	assert.True(t, FromBaseUnits(big.NewInt(1234567), 6).Equal(decimal.RequireFromString("1.234567")))
	assert.True(t, FromBaseUnits(nil, 18).IsZero())
}

func TestRound2(t *testing.T) {
	assert.Equal(t, "0.01", Round2(decimal.RequireFromString("0.005")).StringFixed(2))
	assert.Equal(t, "33.33", Round2(decimal.NewFromInt(100).Div(decimal.NewFromInt(3))).StringFixed(2))
}

// Concurrent credits never oversell and always conserve total supply.
func TestApplyPurchase_ConcurrentProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("no oversell and conservation under concurrency", prop.ForAll(
		func(total int64, deltas []int64) bool {
			store := newMockStore(phase("P", total, 0, 1, t0, t0.Add(time.Hour)))
			l := New(store)

			var wg sync.WaitGroup
			for _, d := range deltas {
				wg.Add(1)
				go func(d int64) {
					defer wg.Done()
					_, _ = l.ApplyPurchase(context.Background(), "P", decimal.NewFromInt(d))
				}(d)
			}
			wg.Wait()

			p, err := l.GetPhaseByName(context.Background(), "P")
			if err != nil {
				return false
			}
			conserved := p.RemainingToken.Add(p.UserPurchaseToken).Equal(p.TotalToken)
			return conserved && !p.RemainingToken.IsNegative() && p.UserPurchaseToken.LessThanOrEqual(p.TotalToken)
		},
		gen.Int64Range(1, 500),
		gen.SliceOf(gen.Int64Range(1, 100)),
	))

	properties.TestingRun(t)
}
