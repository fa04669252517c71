// Package main runs the reconciliation poller, the phase transition
// scheduler and the reservation sweeper.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/sale-settlement/internal/adapter"
	"github.com/sale-settlement/internal/config"
	"github.com/sale-settlement/internal/ledger"
	"github.com/sale-settlement/internal/logging"
	"github.com/sale-settlement/internal/service"
	"github.com/sale-settlement/internal/storage"
	"github.com/sale-settlement/internal/transfer"
	"github.com/sale-settlement/internal/worker"
)

const (
	shutdownTimeout = 30 * time.Second
	// phase markers outlive any plausible replica clock skew
	phaseMarkerTTL = 24 * time.Hour
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		logging.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		logging.Fatalf("Invalid configuration: %v", err)
	}

	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger()
	logger.Info("Sale settlement worker starting")

	logger.Info("Connecting to databases...")

	postgres, err := storage.NewPostgresDB(&cfg.Database.Postgres)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Postgres")
	}
	defer postgres.Close()

	redis, err := storage.NewRedisCache(&cfg.Database.Redis)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Redis")
	}
	defer redis.Close()

	var sink service.ObservationSink
	if cfg.Database.ClickHouse.Enabled {
		clickhouse, err := storage.NewClickHouseDB(&cfg.Database.ClickHouse)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to ClickHouse")
		}
		defer clickhouse.Close()
		sink = storage.NewObservationRepository(clickhouse)
		logger.Info("Transfer audit trail enabled")
	}

	logger.Info("Database connections established")

	saleRepo := storage.NewSaleRepository(postgres)
	orderRepo := storage.NewOrderRepository(postgres)
	reservationRepo := storage.NewReservationRepository(postgres)
	userRepo := storage.NewUserRepository(postgres)
	saleLedger := ledger.New(saleRepo)

	explorer := adapter.NewExplorerClient(cfg.Networks, cfg.Reconcile.ExplorerTimeout)
	parser := transfer.NewParser(cfg.Reconcile.ReceiverAddress, cfg.Reconcile.RecencyWindow, explorer)

	referrals := service.NewReferralService(userRepo, orderRepo, cfg.Referral.Percent)
	followUp := service.NewPaymentFollowUp(referrals, userRepo, service.LogNotifier{})

	reconciler := service.NewReconciliationService(service.ReconciliationConfig{
		ReceiverAddress: cfg.Reconcile.ReceiverAddress,
		Networks:        cfg.Networks,
		RecencyWindow:   cfg.Reconcile.RecencyWindow,
	}, explorer, parser, saleLedger, orderRepo, followUp, sink)

	transitions := service.NewPhaseTransitionService(service.PhaseTransitionConfig{
		TickInterval:   cfg.Phase.TickInterval,
		StartTolerance: cfg.Phase.StartTolerance,
	}, saleLedger, orderRepo, storage.NewPhaseMarker(redis, phaseMarkerTTL))

	orders := service.NewOrderService(service.OrderIntakeConfig{
		ReceiverAddress: cfg.Reconcile.ReceiverAddress,
		ReservationTTL:  cfg.Reservation.TTL,
	}, saleLedger, orderRepo, userRepo, reservationRepo, followUp)

	scheduler, err := worker.NewScheduler(
		worker.ReconcileTask(reconciler, cfg.Reconcile.PollInterval),
		worker.PhaseTransitionTask(transitions, cfg.Phase.TickInterval),
		worker.ReservationSweepTask(orders, cfg.Reservation.SweepInterval),
	)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create scheduler")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := scheduler.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start scheduler")
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"running":  scheduler.IsRunning(),
			"tasks":    scheduler.Status(),
			"breakers": explorer.BreakerStates(),
		})
	})
	metricsServer := &http.Server{
		Addr:              cfg.Worker.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.WithField("addr", metricsServer.Addr).Info("Worker metrics server listening")
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down worker...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := scheduler.Stop(shutdownCtx); err != nil {
			logger.WithError(err).Warn("Scheduler did not stop cleanly")
		}
		return metricsServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.WithError(err).Error("Worker exited with error")
		return
	}
	logger.Info("Worker exited")
}
