package storage

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sale-settlement/internal/models"
	"github.com/sale-settlement/internal/types"
)

func TestOrderRepository_CreateIsIdempotent(t *testing.T) {
	db := testPostgres(t)
	orders := NewOrderRepository(db)
	ctx := testContext(t)

	o := &models.Order{
		TransactionHash:   "0xabc",
		Status:            types.StatusPending,
		UserWalletAddress: "0xBuyer",
		Network:           types.NetworkETH,
		PriceCurrency:     "USDT",
		PriceAmount:       decimal.NewFromInt(100),
		TokenCryptoAmount: decimal.NewFromInt(50),
		SaleName:          "Phase 1",
		SaleType:          types.SaleTypeWebsite,
		Source:            types.SourcePurchase,
	}
	created, err := orders.Create(ctx, o)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotZero(t, o.ID)

	dup := *o
	created, err = orders.Create(ctx, &dup)
	require.NoError(t, err)
	assert.False(t, created)

	byID, err := orders.GetByID(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, "0xabc", byID.TransactionHash)
	assert.Equal(t, types.StatusPending, byID.Status)
	assert.True(t, byID.PriceAmount.Equal(decimal.NewFromInt(100)))

	_, err = orders.GetByTxHash(ctx, "0xnone")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOrderRepository_StatusTransitions(t *testing.T) {
	db := testPostgres(t)
	orders := NewOrderRepository(db)
	ctx := testContext(t)

	_, err := orders.Create(ctx, &models.Order{
		TransactionHash: "0xabc", Status: types.StatusPending, UserWalletAddress: "0xb",
		SaleType: types.SaleTypeWebsite, Source: types.SourcePurchase,
	})
	require.NoError(t, err)

	paidAt := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	err = orders.MarkPaid(ctx, "0xabc", []types.OrderStatus{types.StatusNew, types.StatusPending}, Payment{
		BlockNumber: 160, BlockHash: "0xbh", GasUsed: "21000", EffectiveGasPrice: "1000", PaidAt: paidAt,
	})
	require.NoError(t, err)

	o, err := orders.GetByTxHash(ctx, "0xabc")
	require.NoError(t, err)
	assert.Equal(t, types.StatusPaid, o.Status)
	require.NotNil(t, o.PaidAt)
	assert.True(t, o.PaidAt.Equal(paidAt))
	require.NotNil(t, o.BlockNumber)
	assert.Equal(t, uint64(160), *o.BlockNumber)

	err = orders.MarkPaid(ctx, "0xabc", []types.OrderStatus{types.StatusPending}, Payment{PaidAt: paidAt})
	assert.ErrorIs(t, err, ErrStatusConflict)

	require.NoError(t, orders.UpdateStatus(ctx, "0xabc", []types.OrderStatus{types.StatusPaid}, types.StatusRefunded))
	err = orders.UpdateStatus(ctx, "0xnone", []types.OrderStatus{types.StatusPaid}, types.StatusRefunded)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOrderRepository_Queries(t *testing.T) {
	db := testPostgres(t)
	sales := NewSaleRepository(db)
	orders := NewOrderRepository(db)
	ctx := testContext(t)

	seedPhase(t, sales, "Phase 1", 1000, 0)
	seedPaidOrder(t, orders, "0x1", "Phase 1", decimal.NewFromInt(5))
	seedPaidOrder(t, orders, "0x2", "Phase 1", decimal.NewFromInt(7))

	awaiting, err := orders.ListAwaitingPhase(ctx, "Phase 1")
	require.NoError(t, err)
	assert.Len(t, awaiting, 2)

	_, err = sales.SettleOrder(ctx, "0x1", "Phase 1", decimal.NewFromInt(5))
	require.NoError(t, err)

	awaiting, err = orders.ListAwaitingPhase(ctx, "Phase 1")
	require.NoError(t, err)
	require.Len(t, awaiting, 1)
	assert.Equal(t, "0x2", awaiting[0].TransactionHash)

	total, err := orders.TotalSold(ctx, "Phase 1")
	require.NoError(t, err)
	assert.True(t, total.Equal(decimal.NewFromInt(5)))

	count, err := orders.CountPaidPurchases(ctx, "0x2222222222222222222222222222222222222222")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	_, err = db.Pool().Exec(ctx, `UPDATE orders SET is_sale = TRUE WHERE transaction_hash = '0x2'`)
	require.NoError(t, err)
	unsettled, err := orders.ListUnsettled(ctx, 10)
	require.NoError(t, err)
	require.Len(t, unsettled, 1)
	assert.Equal(t, "0x2", unsettled[0].TransactionHash)
}

func TestOrderRepository_ReferralOncePerUser(t *testing.T) {
	db := testPostgres(t)
	orders := NewOrderRepository(db)
	ctx := testContext(t)

	referred := "0xreferred"
	newReferral := func(hash string) *models.Order {
		return &models.Order{
			TransactionHash:           hash,
			Status:                    types.StatusPaid,
			UserWalletAddress:         "0xreferrer",
			TokenCryptoAmount:         decimal.NewFromInt(5),
			SaleType:                  types.SaleTypeWebsite,
			Source:                    types.SourceReferral,
			ReferredUserWalletAddress: &referred,
		}
	}

	created, err := orders.Create(ctx, newReferral("referral:0x1"))
	require.NoError(t, err)
	assert.True(t, created)

	created, err = orders.Create(ctx, newReferral("referral:0x2"))
	require.NoError(t, err)
	assert.False(t, created)
}

func TestUserRepository_FindByAddress(t *testing.T) {
	db := testPostgres(t)
	users := NewUserRepository(db)
	ctx := testContext(t)

	referrer := "0xreferrer"
	require.NoError(t, users.Upsert(ctx, &models.User{
		WalletAddress: "0xAbC", Email: "a@example.com", KYCCompleted: true,
		IsVerified: models.VerificationApproved, Status: "Active", ReferredBy: &referrer,
	}))

	u, err := users.FindByAddress(ctx, "0xabc")
	require.NoError(t, err)
	assert.True(t, u.Verified())
	assert.False(t, u.Suspended())
	require.NotNil(t, u.ReferredBy)
	assert.Equal(t, referrer, *u.ReferredBy)

	_, err = users.FindByAddress(ctx, "0xnone")
	assert.ErrorIs(t, err, ErrNotFound)
}
