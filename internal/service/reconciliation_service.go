package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/sale-settlement/internal/adapter"
	"github.com/sale-settlement/internal/config"
	"github.com/sale-settlement/internal/ledger"
	"github.com/sale-settlement/internal/logging"
	"github.com/sale-settlement/internal/metrics"
	"github.com/sale-settlement/internal/models"
	"github.com/sale-settlement/internal/storage"
	"github.com/sale-settlement/internal/transfer"
	"github.com/sale-settlement/internal/types"
)

var (
	// ErrPhaseExhausted rejects a transfer whose tokens do not fit in the phase
	ErrPhaseExhausted = errors.New("phase supply exhausted")
	// ErrPaymentMismatch rejects a transfer that does not pay the order it names
	ErrPaymentMismatch = errors.New("payment does not match order")
)

// awaitingPayment are the statuses a transfer can move to paid
var awaitingPayment = []types.OrderStatus{types.StatusNew, types.StatusPending, types.StatusConfirming}

// Outcome of reconciling one transfer
type Outcome int

const (
	OutcomeSkipped Outcome = iota
	OutcomeCreated
	OutcomeSettled
	OutcomeRejected
)

// ReconciliationConfig configures the poller
type ReconciliationConfig struct {
	ReceiverAddress string
	Networks        map[types.Network]config.NetworkConfig
	RecencyWindow   time.Duration
	// Transfers reconciled in parallel within one cycle
	Concurrency int
	// Unsettled orders retried per cycle
	RetryBatch int
}

// CycleResult summarizes one reconciliation cycle
type CycleResult struct {
	FailedNetworks []types.Network
	Observed       int
	Rejected       int
	Created        int
	Settled        int
	Skipped        int
	Retried        int
	Duration       time.Duration
}

// ReconciliationService matches on-chain USDT transfers to orders and
// settles them into the sale ledger
type ReconciliationService struct {
	cfg      ReconciliationConfig
	source   LogSource
	parser   *transfer.Parser
	ledger   *ledger.Ledger
	settler  *Settler
	orders   OrderRepository
	followUp *PaymentFollowUp
	sink     ObservationSink
	now      func() time.Time
}

// NewReconciliationService creates the poller. sink and followUp may be nil.
func NewReconciliationService(
	cfg ReconciliationConfig,
	source LogSource,
	parser *transfer.Parser,
	l *ledger.Ledger,
	orders OrderRepository,
	followUp *PaymentFollowUp,
	sink ObservationSink,
) *ReconciliationService {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.RetryBatch <= 0 {
		cfg.RetryBatch = 100
	}
	return &ReconciliationService{
		cfg:      cfg,
		source:   source,
		parser:   parser,
		ledger:   l,
		settler:  NewSettler(l),
		orders:   orders,
		followUp: followUp,
		sink:     sink,
		now:      time.Now,
	}
}

type networkBatch struct {
	transfers []*types.OnChainTransfer
	rejected  []transfer.Rejected
	err       error
}

// RunCycle performs one poll: fetch all networks, parse, reconcile every
// transfer, then retry orders whose settlement did not commit. Per-network
// and per-transfer failures are logged and skipped; the cycle always completes.
func (s *ReconciliationService) RunCycle(ctx context.Context) (*CycleResult, error) {
	start := s.now()
	log := logging.FromContext(ctx).WithField("component", "reconciliation")
	ctx = logging.WithLogger(ctx, log)

	networks := s.networks()
	batches := make([]networkBatch, len(networks))

	g, gctx := errgroup.WithContext(ctx)
	for i, network := range networks {
		g.Go(func() error {
			batches[i] = s.fetchNetwork(gctx, network)
			return nil
		})
	}
	_ = g.Wait()

	result := &CycleResult{}
	var (
		transfers    []*types.OnChainTransfer
		observations []*models.TransferObservation
	)
	observedAt := s.now().UTC()
	for i, b := range batches {
		network := networks[i]
		if b.err != nil {
			result.FailedNetworks = append(result.FailedNetworks, network)
			metrics.NetworkFetchErrors.WithLabelValues(string(network)).Inc()
			log.WithField("network", network).WithError(b.err).Warn("Network contributed no logs this cycle")
			continue
		}
		for _, r := range b.rejected {
			metrics.TransfersRejected.WithLabelValues(string(network), r.Reason()).Inc()
			observations = append(observations, rejectedObservation(observedAt, r))
		}
		metrics.TransfersObserved.WithLabelValues(string(network)).Add(float64(len(b.transfers)))
		result.Rejected += len(b.rejected)
		transfers = append(transfers, b.transfers...)
	}
	result.Observed = len(transfers)

	var mu sync.Mutex
	pg, pctx := errgroup.WithContext(ctx)
	pg.SetLimit(s.cfg.Concurrency)
	for _, tr := range transfers {
		pg.Go(func() error {
			out, err := s.ReconcileTransfer(pctx, tr)
			obs := acceptedObservation(observedAt, tr)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil && out == OutcomeRejected:
				result.Rejected++
				obs.Accepted = false
				obs.Reason = err.Error()
				metrics.TransfersRejected.WithLabelValues(string(tr.Network), rejectionReason(err)).Inc()
				log.WithFields(map[string]interface{}{
					"network": tr.Network,
					"tx_hash": tr.TransactionHash,
				}).WithError(err).Warn("Transfer rejected")
			case err != nil:
				result.Skipped++
				log.WithFields(map[string]interface{}{
					"network": tr.Network,
					"tx_hash": tr.TransactionHash,
				}).WithError(err).Error("Transfer reconciliation failed")
			case out == OutcomeCreated:
				result.Created++
			case out == OutcomeSettled:
				result.Created++
				result.Settled++
			default:
				result.Skipped++
			}
			observations = append(observations, obs)
			return nil
		})
	}
	_ = pg.Wait()

	retried, settled := s.retryUnsettled(ctx)
	result.Retried = retried
	result.Settled += settled

	if s.sink != nil && len(observations) > 0 {
		if err := s.sink.BatchInsert(ctx, observations); err != nil {
			log.WithError(err).Warn("Failed to record transfer observations")
		}
	}

	result.Duration = s.now().Sub(start)
	metrics.PollCyclesTotal.Inc()
	metrics.PollCycleDuration.Observe(result.Duration.Seconds())
	log.WithFields(map[string]interface{}{
		"observed":        result.Observed,
		"rejected":        result.Rejected,
		"created":         result.Created,
		"settled":         result.Settled,
		"retried":         result.Retried,
		"failed_networks": len(result.FailedNetworks),
		"duration_ms":     result.Duration.Milliseconds(),
	}).Info("Reconciliation cycle complete")

	return result, nil
}

// networks returns the configured networks in scan order
func (s *ReconciliationService) networks() []types.Network {
	var out []types.Network
	for _, n := range types.AllNetworks {
		if nc, ok := s.cfg.Networks[n]; ok && nc.USDTAddress != "" {
			out = append(out, n)
		}
	}
	return out
}

func (s *ReconciliationService) fetchNetwork(ctx context.Context, network types.Network) networkBatch {
	nc := s.cfg.Networks[network]

	latest, err := s.source.LatestBlock(ctx, network)
	if err != nil {
		return networkBatch{err: fmt.Errorf("latest block: %w", err)}
	}

	logs, err := s.source.FetchLogs(ctx, network, adapter.LogQuery{
		ContractAddress: nc.USDTAddress,
		Topic0:          transfer.TransferEventTopic,
		Topic2:          transfer.AddressTopic(s.cfg.ReceiverAddress),
		FromBlock:       BlockRangeStart(latest, s.cfg.RecencyWindow, nc.BlockTime),
		ToBlock:         latest,
	})
	if err != nil {
		return networkBatch{err: fmt.Errorf("fetch logs: %w", err)}
	}

	transfers, rejected := s.parser.ParseAll(ctx, network, logs)
	return networkBatch{transfers: transfers, rejected: rejected}
}

// BlockRangeStart returns the first block that can hold a transfer newer
// than window, given the network's average block time
func BlockRangeStart(latest uint64, window, blockTime time.Duration) uint64 {
	if blockTime <= 0 {
		return latest
	}
	span := uint64(window / blockTime)
	if window%blockTime != 0 {
		span++
	}
	if span >= latest {
		return 0
	}
	return latest - span
}

// ReconcileTransfer applies one observed transfer. Replaying the same
// transfer is a no-op once its order exists and is settled.
func (s *ReconciliationService) ReconcileTransfer(ctx context.Context, tr *types.OnChainTransfer) (Outcome, error) {
	existing, err := s.orders.GetByTxHash(ctx, tr.TransactionHash)
	switch {
	case err == nil:
		return s.reconcileExisting(ctx, existing, tr)
	case errors.Is(err, storage.ErrNotFound):
		return s.recordNew(ctx, tr)
	default:
		return OutcomeSkipped, fmt.Errorf("failed to look up order: %w", err)
	}
}

func (s *ReconciliationService) reconcileExisting(ctx context.Context, order *models.Order, tr *types.OnChainTransfer) (Outcome, error) {
	switch {
	case order.Settled(), order.Status.IsFailure():
		return OutcomeSkipped, nil

	case order.Status == types.StatusPaid:
		if !order.IsSale || order.IsProcess {
			// counted later by the phase scheduler, or already counted
			return OutcomeSkipped, nil
		}
		return s.settle(ctx, order, TriggerRetry)

	default:
		if err := s.checkPayment(order, tr); err != nil {
			// the order stays pending until a transfer that pays it arrives
			return OutcomeRejected, err
		}
		err := s.orders.MarkPaid(ctx, order.TransactionHash, awaitingPayment, paymentOf(tr))
		if errors.Is(err, storage.ErrStatusConflict) {
			return OutcomeSkipped, nil
		}
		if err != nil {
			return OutcomeSkipped, err
		}
		order.Status = types.StatusPaid
		paidAt := tr.CreateDate
		order.PaidAt = &paidAt

		out := OutcomeCreated
		if order.IsSale && order.SaleName != "" {
			if o, err := s.settle(ctx, order, TriggerPoller); err == nil {
				out = o
			}
		}
		s.followUp.OrderPaid(ctx, order)
		return out, nil
	}
}

// checkPayment requires the transfer to come from the order's wallet on the
// order's network and to cover its price
func (s *ReconciliationService) checkPayment(order *models.Order, tr *types.OnChainTransfer) error {
	if order.Network != tr.Network {
		return fmt.Errorf("%w: order on %s, transfer on %s", ErrPaymentMismatch, order.Network, tr.Network)
	}
	if !strings.EqualFold(order.UserWalletAddress, tr.From) {
		return fmt.Errorf("%w: order wallet %s, transfer from %s", ErrPaymentMismatch, order.UserWalletAddress, tr.From)
	}
	paid := ledger.FromBaseUnits(tr.Value, s.cfg.Networks[tr.Network].TokenDecimals)
	if paid.LessThan(order.PriceAmount) {
		return fmt.Errorf("%w: order price %s, transfer pays %s", ErrPaymentMismatch, order.PriceAmount, paid)
	}
	return nil
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, ErrPhaseExhausted):
		return ErrPhaseExhausted.Error()
	case errors.Is(err, ErrPaymentMismatch):
		return ErrPaymentMismatch.Error()
	default:
		return "rejected"
	}
}

func (s *ReconciliationService) recordNew(ctx context.Context, tr *types.OnChainTransfer) (Outcome, error) {
	fiat := ledger.FromBaseUnits(tr.Value, s.cfg.Networks[tr.Network].TokenDecimals)

	phases, err := s.ledger.ListPhases(ctx)
	if err != nil {
		return OutcomeSkipped, err
	}

	isSale := true
	phase := ledger.ActivePhase(phases, tr.CreateDate)
	if phase == nil {
		isSale = false
		phase = ledger.NearestPhase(phases, tr.CreateDate)
	}

	var (
		saleName string
		tokens   = decimal.Zero
	)
	if phase != nil {
		saleName = phase.Name
		tokens, err = ledger.TokensForFiat(fiat, phase)
		if err != nil {
			return OutcomeSkipped, err
		}
		// outside an active phase the order is only recorded; crediting is guarded at phase start
		if isSale && !phase.CanCredit(tokens) {
			return OutcomeRejected, fmt.Errorf("%w: %s has %s left, transfer buys %s",
				ErrPhaseExhausted, phase.Name, phase.RemainingToken, tokens)
		}
	}

	p := paymentOf(tr)
	order := &models.Order{
		TransactionHash:       tr.TransactionHash,
		Status:                types.StatusPaid,
		UserWalletAddress:     strings.ToLower(tr.From),
		ReceiverWalletAddress: strings.ToLower(tr.To),
		Network:               tr.Network,
		PriceCurrency:         "USDT",
		PriceAmount:           ledger.Round2(fiat),
		TokenCryptoAmount:     tokens,
		IsSale:                isSale,
		SaleName:              saleName,
		SaleType:              types.SaleTypeOutsideWebsite,
		Source:                types.SourcePurchase,
		BlockNumber:           &p.BlockNumber,
		BlockHash:             &p.BlockHash,
		GasUsed:               &p.GasUsed,
		EffectiveGasPrice:     &p.EffectiveGasPrice,
		PaidAt:                &p.PaidAt,
	}

	created, err := s.orders.Create(ctx, order)
	if err != nil {
		return OutcomeSkipped, err
	}
	if !created {
		// a concurrent cycle recorded it first
		return OutcomeSkipped, nil
	}
	metrics.OrdersCreated.WithLabelValues(string(order.SaleType)).Inc()

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"network": tr.Network,
		"tx_hash": tr.TransactionHash,
		"usdt":    order.PriceAmount.String(),
		"tokens":  tokens.String(),
		"phase":   saleName,
		"is_sale": isSale,
	}).Info("Recorded outside-website order")

	out := OutcomeCreated
	if isSale {
		if o, err := s.settle(ctx, order, TriggerPoller); err == nil {
			out = o
		}
	}
	s.followUp.OrderPaid(ctx, order)
	return out, nil
}

func (s *ReconciliationService) settle(ctx context.Context, order *models.Order, trigger string) (Outcome, error) {
	if _, err := s.settler.Settle(ctx, order, trigger); err != nil {
		if errors.Is(err, ledger.ErrAlreadySettled) {
			return OutcomeSkipped, nil
		}
		return OutcomeSkipped, err
	}
	return OutcomeSettled, nil
}

// retryUnsettled settles paid orders whose earlier ledger write failed
func (s *ReconciliationService) retryUnsettled(ctx context.Context) (retried, settled int) {
	orders, err := s.orders.ListUnsettled(ctx, s.cfg.RetryBatch)
	if err != nil {
		logging.FromContext(ctx).WithError(err).Warn("Failed to list unsettled orders")
		return 0, 0
	}

	for _, order := range orders {
		retried++
		if _, err := s.settler.Settle(ctx, order, TriggerRetry); err == nil {
			settled++
		}
	}
	return retried, settled
}

func paymentOf(tr *types.OnChainTransfer) storage.Payment {
	return storage.Payment{
		BlockNumber:       tr.BlockNumber,
		BlockHash:         tr.BlockHash,
		GasUsed:           tr.GasUsed,
		EffectiveGasPrice: tr.GasPrice,
		PaidAt:            tr.CreateDate.UTC(),
	}
}

func acceptedObservation(at time.Time, tr *types.OnChainTransfer) *models.TransferObservation {
	value := ""
	if tr.Value != nil {
		value = tr.Value.String()
	}
	return &models.TransferObservation{
		ObservedAt:      at,
		Network:         tr.Network,
		TransactionHash: tr.TransactionHash,
		BlockNumber:     tr.BlockNumber,
		From:            tr.From,
		To:              tr.To,
		Value:           value,
		BlockTime:       tr.CreateDate,
		Method:          string(tr.Method),
		Accepted:        true,
	}
}

func rejectedObservation(at time.Time, r transfer.Rejected) *models.TransferObservation {
	return &models.TransferObservation{
		ObservedAt:      at,
		Network:         r.Network,
		TransactionHash: strings.ToLower(r.Log.TransactionHash),
		Value:           r.Log.Data,
		BlockTime:       at,
		Method:          string(types.MethodUnknown),
		Reason:          r.Reason(),
	}
}
