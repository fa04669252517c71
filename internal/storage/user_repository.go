package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/sale-settlement/internal/models"
)

// UserRepository reads the KYC view of accounts
type UserRepository struct {
	db *PostgresDB
}

// NewUserRepository creates a new user repository
func NewUserRepository(db *PostgresDB) *UserRepository {
	return &UserRepository{db: db}
}

// FindByAddress retrieves a user by wallet address, case-insensitively
func (r *UserRepository) FindByAddress(ctx context.Context, address string) (*models.User, error) {
	query := `
		SELECT wallet_address, email, fullname, kyc_completed, is_verified, status, referred_by
		FROM users
		WHERE LOWER(wallet_address) = LOWER($1)
	`

	var user models.User
	err := r.db.Pool().QueryRow(ctx, query, address).Scan(
		&user.WalletAddress,
		&user.Email,
		&user.FullName,
		&user.KYCCompleted,
		&user.IsVerified,
		&user.Status,
		&user.ReferredBy,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: user %s", ErrNotFound, address)
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	return &user, nil
}

// Upsert writes the KYC view of one account. The identity service owns
// these rows; this is used for seeding and tests.
func (r *UserRepository) Upsert(ctx context.Context, user *models.User) error {
	_, err := r.db.Pool().Exec(ctx, `
		INSERT INTO users (wallet_address, email, fullname, kyc_completed, is_verified, status, referred_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (wallet_address) DO UPDATE SET
			email = EXCLUDED.email,
			fullname = EXCLUDED.fullname,
			kyc_completed = EXCLUDED.kyc_completed,
			is_verified = EXCLUDED.is_verified,
			status = EXCLUDED.status,
			referred_by = EXCLUDED.referred_by`,
		user.WalletAddress,
		user.Email,
		user.FullName,
		user.KYCCompleted,
		user.IsVerified,
		user.Status,
		user.ReferredBy,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert user: %w", err)
	}
	return nil
}
