package service

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sale-settlement/internal/adapter"
	"github.com/sale-settlement/internal/models"
	"github.com/sale-settlement/internal/storage"
	"github.com/sale-settlement/internal/types"
)

// Repository interfaces for dependency injection

// OrderRepository interface for order data operations
type OrderRepository interface {
	Create(ctx context.Context, order *models.Order) (bool, error)
	GetByTxHash(ctx context.Context, txHash string) (*models.Order, error)
	GetByID(ctx context.Context, id int64) (*models.Order, error)
	UpdateStatus(ctx context.Context, txHash string, from []types.OrderStatus, to types.OrderStatus) error
	MarkPaid(ctx context.Context, txHash string, from []types.OrderStatus, p storage.Payment) error
	ListAwaitingPhase(ctx context.Context, saleName string) ([]*models.Order, error)
	ListUnsettled(ctx context.Context, limit int) ([]*models.Order, error)
	CountPaidPurchases(ctx context.Context, wallet string) (int64, error)
	TotalSold(ctx context.Context, saleName string) (decimal.Decimal, error)
}

// UserRepository interface for the KYC view of accounts
type UserRepository interface {
	FindByAddress(ctx context.Context, address string) (*models.User, error)
}

// ReservationRepository interface for supply holds of website orders
type ReservationRepository interface {
	Reserve(ctx context.Context, saleName, txHash string, amount decimal.Decimal, ttl time.Duration) (*models.Reservation, error)
	Release(ctx context.Context, txHash string) error
	SweepExpired(ctx context.Context) (int64, error)
}

// ObservationSink receives every transfer the poller examined
type ObservationSink interface {
	BatchInsert(ctx context.Context, observations []*models.TransferObservation) error
}

// PhaseCache caches the phase list for read endpoints
type PhaseCache interface {
	GetPhases(ctx context.Context) ([]*models.SalePhase, bool, error)
	SetPhases(ctx context.Context, phases []*models.SalePhase) error
	InvalidatePhases(ctx context.Context) error
}

// TransitionMarker makes each phase start run once across replicas
type TransitionMarker interface {
	Claim(ctx context.Context, phase string, start time.Time) (bool, error)
	Release(ctx context.Context, phase string, start time.Time) error
}

// LogSource is the explorer surface the poller needs
type LogSource interface {
	LatestBlock(ctx context.Context, network types.Network) (uint64, error)
	FetchLogs(ctx context.Context, network types.Network, q adapter.LogQuery) ([]types.RawLog, error)
}
