package models

import (
	"time"

	"github.com/sale-settlement/internal/types"
)

// TransferObservation is one transfer log the poller examined, kept in
// ClickHouse for audit
type TransferObservation struct {
	ObservedAt      time.Time     `json:"observedAt" ch:"observed_at"`
	Network         types.Network `json:"network" ch:"network"`
	TransactionHash string        `json:"transactionHash" ch:"transaction_hash"`
	BlockNumber     uint64        `json:"blockNumber" ch:"block_number"`
	From            string        `json:"from" ch:"from_address"`
	To              string        `json:"to" ch:"to_address"`
	Value           string        `json:"value" ch:"value"`
	BlockTime       time.Time     `json:"blockTime" ch:"block_time"`
	Method          string        `json:"method" ch:"method"`
	Accepted        bool          `json:"accepted" ch:"accepted"`
	Reason          string        `json:"reason,omitempty" ch:"reason"`
}
