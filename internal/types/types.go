// Package types provides common type definitions for the token sale backend.
package types

import (
	"fmt"
	"math/big"
	"strings"
	"time"
)

// Network represents a supported blockchain network
type Network string

const (
	// NetworkETH represents Ethereum mainnet
	NetworkETH Network = "ETH"
	// NetworkBNB represents BNB Smart Chain
	NetworkBNB Network = "BNB"
	// NetworkFTM represents Fantom Opera
	NetworkFTM Network = "FTM"
	// NetworkMATIC represents Polygon PoS
	NetworkMATIC Network = "MATIC"
)

// AllNetworks lists every network the poller scans, in scan order
var AllNetworks = []Network{NetworkETH, NetworkBNB, NetworkFTM, NetworkMATIC}

// ParseNetwork parses a network name case-insensitively
func ParseNetwork(s string) (Network, error) {
	n := Network(strings.ToUpper(strings.TrimSpace(s)))
	switch n {
	case NetworkETH, NetworkBNB, NetworkFTM, NetworkMATIC:
		return n, nil
	default:
		return "", fmt.Errorf("unsupported network: %q", s)
	}
}

// OrderStatus represents the payment status of an order
type OrderStatus string

const (
	// StatusNew is a freshly created gateway order
	StatusNew OrderStatus = "new"
	// StatusPending is an order awaiting payment confirmation
	StatusPending OrderStatus = "pending"
	// StatusConfirming is an order whose payment is seen but not final
	StatusConfirming OrderStatus = "confirming"
	// StatusPaid is an order whose payment is confirmed
	StatusPaid OrderStatus = "paid"
	// StatusExpired is an order whose payment window elapsed
	StatusExpired OrderStatus = "expired"
	// StatusCanceled is an order canceled by the buyer or gateway
	StatusCanceled OrderStatus = "canceled"
	// StatusInvalid is an order rejected by the gateway
	StatusInvalid OrderStatus = "invalid"
	// StatusRefunded is an order whose payment was returned
	StatusRefunded OrderStatus = "refunded"
)

// ParseOrderStatus parses an order status case-insensitively
func ParseOrderStatus(s string) (OrderStatus, error) {
	st := OrderStatus(strings.ToLower(strings.TrimSpace(s)))
	switch st {
	case StatusNew, StatusPending, StatusConfirming, StatusPaid,
		StatusExpired, StatusCanceled, StatusInvalid, StatusRefunded:
		return st, nil
	default:
		return "", fmt.Errorf("unknown order status: %q", s)
	}
}

// IsFailure reports whether the status ends an order without payment
func (s OrderStatus) IsFailure() bool {
	switch s {
	case StatusExpired, StatusCanceled, StatusInvalid, StatusRefunded:
		return true
	default:
		return false
	}
}

// SaleType records where an order originated
type SaleType string

const (
	// SaleTypeWebsite is an order placed through the sale website
	SaleTypeWebsite SaleType = "website"
	// SaleTypeOutsideWebsite is an order discovered on chain
	SaleTypeOutsideWebsite SaleType = "outside-website"
)

// OrderSource distinguishes purchases from referral credits
type OrderSource string

const (
	// SourcePurchase is a buyer's own purchase
	SourcePurchase OrderSource = "purchase"
	// SourceReferral is a bonus credited to a referrer
	SourceReferral OrderSource = "referral"
)

// TransferMethod is the decoded ERC20 call selector of a transaction
type TransferMethod string

const (
	MethodTransfer     TransferMethod = "transfer"
	MethodApprove      TransferMethod = "approve"
	MethodTransferFrom TransferMethod = "transferFrom"
	MethodUnknown      TransferMethod = "unknown"
)

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}

// RawLog is an event log entry as returned by an explorer getLogs call.
// Topics are kept untyped because explorers occasionally return nulls.
type RawLog struct {
	Address          string        `json:"address"`
	Topics           []interface{} `json:"topics"`
	Data             string        `json:"data"`
	BlockNumber      string        `json:"blockNumber"`
	BlockHash        string        `json:"blockHash"`
	TimeStamp        string        `json:"timeStamp"`
	GasPrice         string        `json:"gasPrice"`
	GasUsed          string        `json:"gasUsed"`
	LogIndex         string        `json:"logIndex"`
	TransactionHash  string        `json:"transactionHash"`
	TransactionIndex string        `json:"transactionIndex"`
}

// BlockAndTx is the block timestamp and transaction input for one log
type BlockAndTx struct {
	Timestamp time.Time
	Input     string
}

// OnChainTransfer is an inbound ERC20 transfer derived from a log entry.
// It is never persisted as such; accepted transfers become orders.
type OnChainTransfer struct {
	From            string         `json:"from"`
	To              string         `json:"to"`
	Value           *big.Int       `json:"value"`
	TransactionHash string         `json:"transactionHash"`
	BlockNumber     uint64         `json:"blockNumber"`
	BlockHash       string         `json:"blockHash"`
	GasPrice        string         `json:"gasPrice"`
	GasUsed         string         `json:"gasUsed"`
	Network         Network        `json:"network"`
	CreateDate      time.Time      `json:"createDate"`
	Method          TransferMethod `json:"method"`
}
