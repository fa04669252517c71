// Package main provides the API server entry point for the sale settlement backend.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sale-settlement/internal/api"
	"github.com/sale-settlement/internal/config"
	"github.com/sale-settlement/internal/ledger"
	"github.com/sale-settlement/internal/logging"
	"github.com/sale-settlement/internal/service"
	"github.com/sale-settlement/internal/storage"
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
	logger.WithFields(map[string]interface{}{
		"level":  cfg.Logging.Level,
		"format": cfg.Logging.Format,
	}).Info("Sale settlement API server starting")

	if cfg.Auth.JWTSecret == "" {
		logger.Fatal("JWT_SECRET is required")
	}
	if cfg.Auth.GatewaySecret == "" {
		logger.Fatal("GATEWAY_JWT_SECRET is required")
	}

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

	logger.Info("Database connections established")

	saleRepo := storage.NewSaleRepository(postgres)
	orderRepo := storage.NewOrderRepository(postgres)
	reservationRepo := storage.NewReservationRepository(postgres)
	userRepo := storage.NewUserRepository(postgres)

	saleLedger := ledger.New(saleRepo)
	cacheService := storage.NewCacheService(redis, cfg.Cache.SalesTTL)

	referrals := service.NewReferralService(userRepo, orderRepo, cfg.Referral.Percent)
	followUp := service.NewPaymentFollowUp(referrals, userRepo, service.LogNotifier{})

	orderService := service.NewOrderService(service.OrderIntakeConfig{
		ReceiverAddress: cfg.Reconcile.ReceiverAddress,
		ReservationTTL:  cfg.Reservation.TTL,
	}, saleLedger, orderRepo, userRepo, reservationRepo, followUp)
	saleService := service.NewSaleQueryService(saleLedger, orderRepo, cacheService)

	logger.Info("Services initialized")

	serverConfig := &api.ServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    15 * time.Second,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		JWTSecret:       cfg.Auth.JWTSecret,
		GatewaySecret:   cfg.Auth.GatewaySecret,
		ThrottleLimit:   cfg.Throttle.Limit,
		ThrottlePeriod:  cfg.Throttle.Period,
		ThrottleWindow:  cfg.Throttle.Window,
	}

	server := api.NewServer(serverConfig, orderService, saleService)

	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	logger.WithFields(map[string]interface{}{
		"host": cfg.Server.Host,
		"port": cfg.Server.Port,
	}).Info("Server started successfully")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), serverConfig.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}

	logger.Info("Server exited")
}
