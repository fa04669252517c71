package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/sale-settlement/internal/adapter"
	"github.com/sale-settlement/internal/config"
	"github.com/sale-settlement/internal/ledger"
	"github.com/sale-settlement/internal/models"
	"github.com/sale-settlement/internal/storage"
	"github.com/sale-settlement/internal/transfer"
	"github.com/sale-settlement/internal/types"
)

// mockSaleRepo is an in-memory ledger.Store, OrderRepository and
// ReservationRepository with the same conditional-update rules as Postgres.
// Reads return copies.
type mockSaleRepo struct {
	mu           sync.Mutex
	phases       map[string]*models.SalePhase
	orders       map[string]*models.Order
	reservations map[string]*models.Reservation
	nextID       int64
	now          func() time.Time

	settleErr error
	listErr   error
}

func newMockSaleRepo() *mockSaleRepo {
	return &mockSaleRepo{
		phases:       make(map[string]*models.SalePhase),
		orders:       make(map[string]*models.Order),
		reservations: make(map[string]*models.Reservation),
		now:          time.Now,
	}
}

var (
	_ ledger.Store          = (*mockSaleRepo)(nil)
	_ OrderRepository       = (*mockSaleRepo)(nil)
	_ ReservationRepository = (*mockSaleRepo)(nil)
)

func (m *mockSaleRepo) addPhase(name string, start, end time.Time, price, total, sold string) *models.SalePhase {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := decimal.RequireFromString(total)
	s := decimal.RequireFromString(sold)
	p := &models.SalePhase{
		ID:                int64(len(m.phases) + 1),
		Name:              name,
		StartSale:         start.UTC(),
		EndSale:           end.UTC(),
		Amount:            decimal.RequireFromString(price),
		TotalToken:        t,
		RemainingToken:    t.Sub(s),
		UserPurchaseToken: s,
	}
	m.phases[name] = p
	cp := *p
	return &cp
}

func (m *mockSaleRepo) addOrder(o *models.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	o.ID = m.nextID
	if o.CreatedAt.IsZero() {
		o.CreatedAt = m.now().UTC()
	}
	cp := *o
	m.orders[o.TransactionHash] = &cp
}

func (m *mockSaleRepo) phase(name string) models.SalePhase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.phases[name]
}

func (m *mockSaleRepo) order(txHash string) *models.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[txHash]
	if !ok {
		return nil
	}
	cp := *o
	return &cp
}

func (m *mockSaleRepo) orderCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.orders)
}

func (m *mockSaleRepo) heldLocked(saleName, exceptTx string) decimal.Decimal {
	held := decimal.Zero
	now := m.now()
	for _, r := range m.reservations {
		if r.SaleName == saleName && r.TransactionHash != exceptTx && r.ExpiresAt.After(now) {
			held = held.Add(r.Amount)
		}
	}
	return held
}

func (m *mockSaleRepo) creditLocked(name, txHash string, amount decimal.Decimal) (*models.SalePhase, error) {
	p, ok := m.phases[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ledger.ErrPhaseNotFound, name)
	}
	if p.RemainingToken.Sub(amount).Sub(m.heldLocked(name, txHash)).IsNegative() {
		return nil, fmt.Errorf("%w: %s", ledger.ErrInsufficientSupply, name)
	}
	p.UserPurchaseToken = p.UserPurchaseToken.Add(amount)
	p.RemainingToken = p.RemainingToken.Sub(amount)
	cp := *p
	return &cp, nil
}

// ledger.Store

func (m *mockSaleRepo) ListPhases(ctx context.Context) ([]*models.SalePhase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	out := make([]*models.SalePhase, 0, len(m.phases))
	for _, p := range m.phases {
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

func (m *mockSaleRepo) GetPhaseByName(ctx context.Context, name string) (*models.SalePhase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.phases[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ledger.ErrPhaseNotFound, name)
	}
	cp := *p
	return &cp, nil
}

func (m *mockSaleRepo) ApplyPurchase(ctx context.Context, name string, delta decimal.Decimal) (*models.SalePhase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creditLocked(name, "", delta)
}

func (m *mockSaleRepo) SettleOrder(ctx context.Context, txHash, phaseName string, amount decimal.Decimal) (*models.SalePhase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.settleErr != nil {
		return nil, m.settleErr
	}
	o, ok := m.orders[txHash]
	if !ok {
		return nil, fmt.Errorf("%w: order %s", storage.ErrNotFound, txHash)
	}
	if o.IsProcess {
		return nil, ledger.ErrAlreadySettled
	}
	if o.Status != types.StatusPaid {
		return nil, fmt.Errorf("%w: order %s is %s", storage.ErrStatusConflict, txHash, o.Status)
	}
	p, err := m.creditLocked(phaseName, txHash, amount)
	if err != nil {
		return nil, err
	}
	o.IsSale = true
	o.IsProcess = true
	delete(m.reservations, txHash)
	return p, nil
}

func (m *mockSaleRepo) UnsettleOrder(ctx context.Context, txHash, phaseName string, amount decimal.Decimal) (*models.SalePhase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[txHash]
	if !ok || !o.IsProcess {
		return nil, ledger.ErrNotSettled
	}
	p, ok := m.phases[phaseName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ledger.ErrPhaseNotFound, phaseName)
	}
	if p.UserPurchaseToken.Sub(amount).IsNegative() {
		return nil, ledger.ErrInvalidAmount
	}
	p.UserPurchaseToken = p.UserPurchaseToken.Sub(amount)
	p.RemainingToken = p.RemainingToken.Add(amount)
	o.IsSale = false
	o.IsProcess = false
	cp := *p
	return &cp, nil
}

// OrderRepository

func (m *mockSaleRepo) Create(ctx context.Context, order *models.Order) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[order.TransactionHash]; ok {
		return false, nil
	}
	if order.Source == types.SourceReferral && order.ReferredUserWalletAddress != nil {
		for _, o := range m.orders {
			if o.Source == types.SourceReferral && o.ReferredUserWalletAddress != nil &&
				strings.EqualFold(*o.ReferredUserWalletAddress, *order.ReferredUserWalletAddress) {
				return false, nil
			}
		}
	}
	m.nextID++
	order.ID = m.nextID
	order.CreatedAt = m.now().UTC()
	order.IsProcess = false
	cp := *order
	m.orders[order.TransactionHash] = &cp
	return true, nil
}

func (m *mockSaleRepo) GetByTxHash(ctx context.Context, txHash string) (*models.Order, error) {
	if o := m.order(txHash); o != nil {
		return o, nil
	}
	return nil, fmt.Errorf("%w: order %s", storage.ErrNotFound, txHash)
}

func (m *mockSaleRepo) GetByID(ctx context.Context, id int64) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if o.ID == id {
			cp := *o
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w: order %d", storage.ErrNotFound, id)
}

func (m *mockSaleRepo) transitionLocked(txHash string, from []types.OrderStatus, to types.OrderStatus) (*models.Order, error) {
	o, ok := m.orders[txHash]
	if !ok {
		return nil, fmt.Errorf("%w: order %s", storage.ErrNotFound, txHash)
	}
	for _, s := range from {
		if o.Status == s {
			o.Status = to
			return o, nil
		}
	}
	return nil, fmt.Errorf("%w: order %s is %s", storage.ErrStatusConflict, txHash, o.Status)
}

func (m *mockSaleRepo) UpdateStatus(ctx context.Context, txHash string, from []types.OrderStatus, to types.OrderStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.transitionLocked(txHash, from, to)
	return err
}

func (m *mockSaleRepo) MarkPaid(ctx context.Context, txHash string, from []types.OrderStatus, p storage.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, err := m.transitionLocked(txHash, from, types.StatusPaid)
	if err != nil {
		return err
	}
	paidAt := p.PaidAt
	o.PaidAt = &paidAt
	if p.BlockNumber != 0 {
		n := p.BlockNumber
		o.BlockNumber = &n
	}
	return nil
}

func (m *mockSaleRepo) filter(keep func(o *models.Order) bool) []*models.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Order
	for _, o := range m.orders {
		if keep(o) {
			cp := *o
			out = append(out, &cp)
		}
	}
	return out
}

func (m *mockSaleRepo) ListAwaitingPhase(ctx context.Context, saleName string) ([]*models.Order, error) {
	return m.filter(func(o *models.Order) bool {
		return o.SaleName == saleName && !o.IsSale && o.Status == types.StatusPaid && o.Source == types.SourcePurchase
	}), nil
}

func (m *mockSaleRepo) ListUnsettled(ctx context.Context, limit int) ([]*models.Order, error) {
	out := m.filter(func(o *models.Order) bool {
		return o.IsSale && !o.IsProcess && o.Status == types.StatusPaid
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockSaleRepo) CountPaidPurchases(ctx context.Context, wallet string) (int64, error) {
	return int64(len(m.filter(func(o *models.Order) bool {
		return strings.EqualFold(o.UserWalletAddress, wallet) && o.Status == types.StatusPaid && o.Source == types.SourcePurchase
	}))), nil
}

func (m *mockSaleRepo) TotalSold(ctx context.Context, saleName string) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, o := range m.filter(func(o *models.Order) bool { return o.SaleName == saleName && o.IsProcess }) {
		total = total.Add(o.TokenCryptoAmount)
	}
	return total, nil
}

func (m *mockSaleRepo) referralOrders() []*models.Order {
	return m.filter(func(o *models.Order) bool { return o.Source == types.SourceReferral })
}

// ReservationRepository

func (m *mockSaleRepo) Reserve(ctx context.Context, saleName, txHash string, amount decimal.Decimal, ttl time.Duration) (*models.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.phases[saleName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ledger.ErrPhaseNotFound, saleName)
	}
	if _, ok := m.reservations[txHash]; ok {
		return nil, fmt.Errorf("%w: reservation for %s", storage.ErrDuplicate, txHash)
	}
	if p.RemainingToken.Sub(m.heldLocked(saleName, "")).Sub(amount).IsNegative() {
		return nil, fmt.Errorf("%w: %s", ledger.ErrInsufficientSupply, saleName)
	}
	now := m.now().UTC()
	r := &models.Reservation{
		ID:              fmt.Sprintf("res-%d", len(m.reservations)+1),
		SaleName:        saleName,
		TransactionHash: txHash,
		Amount:          amount,
		ExpiresAt:       now.Add(ttl),
		CreatedAt:       now,
	}
	m.reservations[txHash] = r
	cp := *r
	return &cp, nil
}

func (m *mockSaleRepo) Release(ctx context.Context, txHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.reservations, txHash)
	return nil
}

func (m *mockSaleRepo) SweepExpired(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	now := m.now()
	for k, r := range m.reservations {
		if !r.ExpiresAt.After(now) {
			delete(m.reservations, k)
			n++
		}
	}
	return n, nil
}

func (m *mockSaleRepo) reservationCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.reservations)
}

type mockUserRepo struct {
	users map[string]*models.User
}

func newMockUserRepo(users ...*models.User) *mockUserRepo {
	m := &mockUserRepo{users: make(map[string]*models.User)}
	for _, u := range users {
		m.users[strings.ToLower(u.WalletAddress)] = u
	}
	return m
}

func (m *mockUserRepo) FindByAddress(ctx context.Context, address string) (*models.User, error) {
	if u, ok := m.users[strings.ToLower(address)]; ok {
		cp := *u
		return &cp, nil
	}
	return nil, fmt.Errorf("%w: user %s", storage.ErrNotFound, address)
}

type sentNotification struct {
	wallet   string
	template string
}

type mockNotifier struct {
	mu   sync.Mutex
	sent []sentNotification
}

func (m *mockNotifier) SendNotification(ctx context.Context, user *models.User, template, subject string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sentNotification{wallet: strings.ToLower(user.WalletAddress), template: template})
	return true, nil
}

func (m *mockNotifier) count(template string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.sent {
		if s.template == template {
			n++
		}
	}
	return n
}

type mockSink struct {
	mu           sync.Mutex
	observations []*models.TransferObservation
}

func (m *mockSink) BatchInsert(ctx context.Context, observations []*models.TransferObservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observations = append(m.observations, observations...)
	return nil
}

// mockLogSource serves canned logs per network
type mockLogSource struct {
	mu      sync.Mutex
	latest  uint64
	logs    map[types.Network][]types.RawLog
	errs    map[types.Network]error
	queries map[types.Network]adapter.LogQuery
}

func newMockLogSource() *mockLogSource {
	return &mockLogSource{
		latest:  1000,
		logs:    make(map[types.Network][]types.RawLog),
		errs:    make(map[types.Network]error),
		queries: make(map[types.Network]adapter.LogQuery),
	}
}

func (m *mockLogSource) LatestBlock(ctx context.Context, network types.Network) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.errs[network]; err != nil {
		return 0, err
	}
	return m.latest, nil
}

func (m *mockLogSource) FetchLogs(ctx context.Context, network types.Network, q adapter.LogQuery) ([]types.RawLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queries[network] = q
	return m.logs[network], nil
}

// mockBlockLookup stamps every block with the same time and transfer() input
type mockBlockLookup struct {
	timestamp time.Time
}

func (m *mockBlockLookup) FetchBlockAndTx(ctx context.Context, network types.Network, blockNumber, txHash string) (*types.BlockAndTx, error) {
	return &types.BlockAndTx{Timestamp: m.timestamp, Input: "0xa9059cbb"}, nil
}

const (
	testReceiver = "0x1111111111111111111111111111111111111111"
	testBuyer    = "0x2222222222222222222222222222222222222222"
	testReferrer = "0x3333333333333333333333333333333333333333"
)

var usdtUnit = decimal.New(1, 18)

// transferLog builds a USDT Transfer log paying usdt (whole units, 18 decimals) to the receiver
func transferLog(txHash, from, usdt string) types.RawLog {
	value := decimal.RequireFromString(usdt).Mul(usdtUnit).BigInt()
	return types.RawLog{
		Address:         "0xdac17f958d2ee523a2206206994597c13d831ec7",
		Topics:          []interface{}{transfer.TransferEventTopic, transfer.AddressTopic(from), transfer.AddressTopic(testReceiver)},
		Data:            common.BigToHash(value).Hex(),
		BlockNumber:     "0x3e8",
		BlockHash:       "0xbh",
		GasPrice:        "0x3b9aca00",
		GasUsed:         "0x5208",
		TransactionHash: txHash,
	}
}

func testNetworks(networks ...types.Network) map[types.Network]config.NetworkConfig {
	out := make(map[types.Network]config.NetworkConfig)
	for _, n := range networks {
		out[n] = config.NetworkConfig{
			USDTAddress:   "0xdac17f958d2ee523a2206206994597c13d831ec7",
			TokenDecimals: 18,
			BlockTime:     15 * time.Second,
		}
	}
	return out
}
