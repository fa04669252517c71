package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/sale-settlement/internal/models"
	"github.com/sale-settlement/internal/service"
)

// VerifyTokenResponse answers a successful price check
type VerifyTokenResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Sale    string `json:"sale"`
	Tokens  string `json:"tokens"`
}

// CreateOrderResponse answers an admitted order
type CreateOrderResponse struct {
	TransactionHash string `json:"transactionHash"`
}

// UpdateOrderRequest is an order status change, sent by the payment
// gateway callback or by a buyer abandoning an order
type UpdateOrderRequest struct {
	TransactionHash string `json:"transactionHash"`
	Status          string `json:"status"`
}

// MessageResponse carries a bare message
type MessageResponse struct {
	Message string `json:"message"`
}

// SaleResponse carries the active phase, or null
type SaleResponse struct {
	Sales *models.SalePhase `json:"sales"`
}

// SalesResponse carries every phase
type SalesResponse struct {
	Sales []*models.SalePhase `json:"sales"`
}

// TotalSoldResponse carries the settled token total of a phase
type TotalSoldResponse struct {
	Name      string `json:"name"`
	TotalSold string `json:"totalSold"`
}

// OrderResponse carries one order
type OrderResponse struct {
	Message         string        `json:"message"`
	TransactionData *models.Order `json:"transactionData"`
}

// handleVerifyToken handles POST /transactions/verifyToken
func (s *Server) handleVerifyToken(w http.ResponseWriter, r *http.Request) {
	var req service.VerifyInput
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAMETER", "Invalid request body", nil)
		return
	}

	quote, err := s.orderService.VerifyToken(r.Context(), VerifiedAddress(r.Context()), req)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, VerifyTokenResponse{
		Status:  statusSuccess,
		Message: "Token amount verified",
		Sale:    quote.Phase.Name,
		Tokens:  quote.Tokens.StringFixed(2),
	})
}

// handleCreateOrder handles POST /transactions/createOrder
func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req service.CreateOrderInput
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAMETER", "Invalid request body", nil)
		return
	}

	order, err := s.orderService.CreateOrder(r.Context(), VerifiedAddress(r.Context()), req)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, CreateOrderResponse{TransactionHash: order.TransactionHash})
}

// handleUpdateOrder handles PUT /transactions/updateOrder. Buyers may only
// move their own unpaid orders to a failure status.
func (s *Server) handleUpdateOrder(w http.ResponseWriter, r *http.Request) {
	var req UpdateOrderRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAMETER", "Invalid request body", nil)
		return
	}

	order, err := s.orderService.CancelOrder(r.Context(), VerifiedAddress(r.Context()), req.TransactionHash, req.Status)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, MessageResponse{Message: "Order status updated to " + string(order.Status)})
}

// handleGatewayCallback handles POST /orders/callback from the payment gateway
func (s *Server) handleGatewayCallback(w http.ResponseWriter, r *http.Request) {
	var req UpdateOrderRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAMETER", "Invalid request body", nil)
		return
	}

	order, err := s.orderService.UpdateOrder(r.Context(), req.TransactionHash, req.Status)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, MessageResponse{Message: "Order status updated to " + string(order.Status)})
}

func (s *Server) handleCheckCurrentSale(w http.ResponseWriter, r *http.Request) {
	phase, err := s.saleService.CurrentSale(r.Context())
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, SaleResponse{Sales: phase})
}

func (s *Server) handleGetAllSales(w http.ResponseWriter, r *http.Request) {
	phases, err := s.saleService.AllSales(r.Context())
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	if phases == nil {
		phases = []*models.SalePhase{}
	}
	respondJSON(w, http.StatusOK, SalesResponse{Sales: phases})
}

func (s *Server) handleGetTotalSold(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	total, err := s.saleService.TotalSold(r.Context(), name)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, TotalSoldResponse{Name: name, TotalSold: total.String()})
}

func (s *Server) handleGetTransactionByOrderID(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(strings.TrimSpace(mux.Vars(r)["orderId"]), 10, 64)
	if err != nil || id <= 0 {
		respondError(w, http.StatusBadRequest, "INVALID_PARAMETER", "orderId must be a positive integer", nil)
		return
	}

	order, err := s.saleService.GetOrder(r.Context(), id)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, OrderResponse{Message: "Transaction fetch Successfully", TransactionData: order})
}
