// Package api provides the HTTP API server implementation.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"github.com/sale-settlement/internal/logging"
	"github.com/sale-settlement/internal/models"
	"github.com/sale-settlement/internal/service"
)

// Service interfaces for dependency injection and testing

// OrderServiceInterface defines the order intake operations
type OrderServiceInterface interface {
	VerifyToken(ctx context.Context, verifiedAddress string, in service.VerifyInput) (*service.Quote, error)
	CreateOrder(ctx context.Context, verifiedAddress string, in service.CreateOrderInput) (*models.Order, error)
	UpdateOrder(ctx context.Context, txHash, status string) (*models.Order, error)
	CancelOrder(ctx context.Context, verifiedAddress, txHash, status string) (*models.Order, error)
}

// SaleServiceInterface defines the sale read operations
type SaleServiceInterface interface {
	CurrentSale(ctx context.Context) (*models.SalePhase, error)
	AllSales(ctx context.Context) ([]*models.SalePhase, error)
	TotalSold(ctx context.Context, name string) (decimal.Decimal, error)
	GetOrder(ctx context.Context, id int64) (*models.Order, error)
}

// Server represents the HTTP API server.
type Server struct {
	router       *mux.Router
	httpServer   *http.Server
	orderService OrderServiceInterface
	saleService  SaleServiceInterface
	throttle     *Throttle
	config       *ServerConfig
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	JWTSecret       string
	GatewaySecret   string
	ThrottleLimit   int           // requests allowed per ThrottlePeriod
	ThrottlePeriod  time.Duration
	ThrottleWindow  time.Duration // how long a throttled caller stays blocked
}

// NewServer creates a new API server instance.
func NewServer(config *ServerConfig, orderService OrderServiceInterface, saleService SaleServiceInterface) *Server {
	s := &Server{
		router:       mux.NewRouter(),
		orderService: orderService,
		saleService:  saleService,
		throttle:     NewThrottle(config.ThrottleLimit, config.ThrottlePeriod, config.ThrottleWindow),
		config:       config,
	}

	s.setupRouter()

	return s
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	// order matters: logging sees the status written by recovery
	s.router.Use(LoggingMiddleware)
	s.router.Use(RecoveryMiddleware)
	s.router.Use(CORSMiddleware)

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	tx := s.router.PathPrefix("/transactions").Subrouter()
	tx.Use(AuthMiddleware(s.config.JWTSecret))
	tx.Use(CompressionMiddleware)

	throttled := ThrottleMiddleware(s.throttle)

	tx.Handle("/verifyToken", throttled(http.HandlerFunc(s.handleVerifyToken))).Methods("POST")
	tx.Handle("/createOrder", throttled(http.HandlerFunc(s.handleCreateOrder))).Methods("POST")
	tx.HandleFunc("/updateOrder", s.handleUpdateOrder).Methods("PUT")

	tx.HandleFunc("/checkCurrentSale", s.handleCheckCurrentSale).Methods("GET")
	tx.HandleFunc("/getAllSales", s.handleGetAllSales).Methods("GET")
	tx.HandleFunc("/getTotalSold/{name}", s.handleGetTotalSold).Methods("GET")
	tx.HandleFunc("/getTransactionByOrderId/{orderId}", s.handleGetTransactionByOrderID).Methods("GET")

	orders := s.router.PathPrefix("/orders").Subrouter()
	orders.Use(GatewayAuthMiddleware(s.config.GatewaySecret))
	orders.HandleFunc("/callback", s.handleGatewayCallback).Methods("POST")
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "sale-settlement",
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	logging.Infof("Starting API server on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	logging.Info("Shutting down API server...")
	return s.httpServer.Shutdown(ctx)
}
