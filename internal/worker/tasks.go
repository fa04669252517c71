package worker

import (
	"context"
	"time"

	"github.com/sale-settlement/internal/service"
)

// Task names
const (
	TaskReconcile        = "reconcile"
	TaskPhaseTransition  = "phase_transition"
	TaskReservationSweep = "reservation_sweep"
)

// Reconciler runs one reconciliation cycle
type Reconciler interface {
	RunCycle(ctx context.Context) (*service.CycleResult, error)
}

// PhaseTicker runs one phase-transition tick
type PhaseTicker interface {
	Tick(ctx context.Context) (*service.TransitionResult, error)
}

// ReservationSweeper frees expired supply reservations
type ReservationSweeper interface {
	SweepExpiredReservations(ctx context.Context) (int64, error)
}

// ReconcileTask polls the explorers every interval
func ReconcileTask(r Reconciler, interval time.Duration) Task {
	return Task{
		Name:       TaskReconcile,
		Interval:   interval,
		RunOnStart: true,
		Run: func(ctx context.Context) error {
			_, err := r.RunCycle(ctx)
			return err
		},
	}
}

// PhaseTransitionTask checks for phase starts every interval
func PhaseTransitionTask(p PhaseTicker, interval time.Duration) Task {
	return Task{
		Name:       TaskPhaseTransition,
		Interval:   interval,
		RunOnStart: true,
		Run: func(ctx context.Context) error {
			_, err := p.Tick(ctx)
			return err
		},
	}
}

// ReservationSweepTask deletes expired reservations every interval
func ReservationSweepTask(s ReservationSweeper, interval time.Duration) Task {
	return Task{
		Name:     TaskReservationSweep,
		Interval: interval,
		Run: func(ctx context.Context) error {
			_, err := s.SweepExpiredReservations(ctx)
			return err
		},
	}
}
