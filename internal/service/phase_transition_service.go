package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sale-settlement/internal/ledger"
	"github.com/sale-settlement/internal/logging"
	"github.com/sale-settlement/internal/metrics"
	"github.com/sale-settlement/internal/models"
)

// PhaseTransitionConfig configures the phase scheduler
type PhaseTransitionConfig struct {
	TickInterval   time.Duration
	StartTolerance time.Duration
}

// TransitionResult summarizes the phases started by one tick
type TransitionResult struct {
	Phases  []string
	Settled int
	Failed  int
}

// PhaseTransitionService counts paid orders that were waiting for their
// phase once that phase starts
type PhaseTransitionService struct {
	cfg     PhaseTransitionConfig
	ledger  *ledger.Ledger
	settler *Settler
	orders  OrderRepository
	marker  TransitionMarker
	now     func() time.Time

	mu       sync.Mutex
	lastTick time.Time
}

// NewPhaseTransitionService creates the phase scheduler
func NewPhaseTransitionService(cfg PhaseTransitionConfig, l *ledger.Ledger, orders OrderRepository, marker TransitionMarker) *PhaseTransitionService {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Minute
	}
	return &PhaseTransitionService{
		cfg:     cfg,
		ledger:  l,
		settler: NewSettler(l),
		orders:  orders,
		marker:  marker,
		now:     time.Now,
	}
}

// Due reports whether start falls in the window a tick at now covers:
// (prev - tolerance, now + tolerance]
func Due(start, prev, now time.Time, tolerance time.Duration) bool {
	return start.After(prev.Add(-tolerance)) && !start.After(now.Add(tolerance))
}

// Tick starts every phase whose start instant was crossed since the last tick
func (s *PhaseTransitionService) Tick(ctx context.Context) (*TransitionResult, error) {
	s.mu.Lock()
	now := s.now()
	prev := s.lastTick
	if prev.IsZero() {
		prev = now.Add(-s.cfg.TickInterval)
	}
	s.lastTick = now
	s.mu.Unlock()

	log := logging.FromContext(ctx).WithField("component", "phase_transition")
	ctx = logging.WithLogger(ctx, log)

	phases, err := s.ledger.ListPhases(ctx)
	if err != nil {
		// retry the same window next tick
		s.mu.Lock()
		s.lastTick = prev
		s.mu.Unlock()
		return nil, err
	}

	result := &TransitionResult{}
	for _, phase := range phases {
		if !Due(phase.StartSale, prev, now, s.cfg.StartTolerance) {
			continue
		}

		claimed, err := s.marker.Claim(ctx, phase.Name, phase.StartSale)
		if err != nil {
			log.WithField("phase", phase.Name).WithError(err).Warn("Could not claim phase transition")
			continue
		}
		if !claimed {
			continue
		}

		settled, failed, err := s.StartPhase(ctx, phase)
		if err != nil {
			log.WithField("phase", phase.Name).WithError(err).Error("Phase transition failed")
			if rerr := s.marker.Release(ctx, phase.Name, phase.StartSale); rerr != nil {
				log.WithError(rerr).Warn("Could not release phase transition claim")
			}
			continue
		}

		metrics.PhaseTransitions.Inc()
		result.Phases = append(result.Phases, phase.Name)
		result.Settled += settled
		result.Failed += failed
	}
	return result, nil
}

// StartPhase settles every paid order of phase that was waiting for it.
// Each order is settled independently.
func (s *PhaseTransitionService) StartPhase(ctx context.Context, phase *models.SalePhase) (settled, failed int, err error) {
	orders, err := s.orders.ListAwaitingPhase(ctx, phase.Name)
	if err != nil {
		return 0, 0, err
	}

	log := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"phase":  phase.Name,
		"orders": len(orders),
	})
	log.Info("Sale phase started")

	for _, order := range orders {
		if _, err := s.settler.Settle(ctx, order, TriggerPhase); err != nil {
			if !errors.Is(err, ledger.ErrAlreadySettled) {
				failed++
			}
			continue
		}
		settled++
	}

	log.WithFields(map[string]interface{}{
		"settled": settled,
		"failed":  failed,
	}).Info("Sale phase orders settled")
	return settled, failed, nil
}
