package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/sale-settlement/internal/models"
)

// ObservationRepository appends transfer observations to ClickHouse
type ObservationRepository struct {
	db *ClickHouseDB
}

// NewObservationRepository creates a new observation repository
func NewObservationRepository(db *ClickHouseDB) *ObservationRepository {
	return &ObservationRepository{db: db}
}

// BatchInsert writes observations in a single batch
func (r *ObservationRepository) BatchInsert(ctx context.Context, observations []*models.TransferObservation) error {
	if len(observations) == 0 {
		return nil
	}

	batch, err := r.db.Conn().PrepareBatch(ctx, `
		INSERT INTO transfer_observations (
			observed_at, network, transaction_hash, block_number, from_address, to_address,
			value, block_time, method, accepted, reason
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, o := range observations {
		var accepted uint8
		if o.Accepted {
			accepted = 1
		}
		err := batch.Append(
			o.ObservedAt.UTC(),
			string(o.Network),
			strings.ToLower(o.TransactionHash),
			o.BlockNumber,
			strings.ToLower(o.From),
			strings.ToLower(o.To),
			o.Value,
			o.BlockTime.UTC(),
			o.Method,
			accepted,
			o.Reason,
		)
		if err != nil {
			return fmt.Errorf("failed to append observation %s to batch: %w", o.TransactionHash, err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}
	return nil
}

// CountByReason returns how many rejected observations carry each reason
func (r *ObservationRepository) CountByReason(ctx context.Context) (map[string]uint64, error) {
	rows, err := r.db.Conn().Query(ctx, `
		SELECT reason, count() FROM transfer_observations FINAL
		WHERE accepted = 0
		GROUP BY reason
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to count observations: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]uint64)
	for rows.Next() {
		var (
			reason string
			count  uint64
		)
		if err := rows.Scan(&reason, &count); err != nil {
			return nil, fmt.Errorf("failed to scan observation count: %w", err)
		}
		counts[reason] = count
	}
	return counts, rows.Err()
}
