package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresVerifier answers the engine's KYC check from the users table.
// An unknown bidder is simply unverified, not an error.
type PostgresVerifier struct {
	pool *pgxpool.Pool
}

// NewPostgresVerifier creates a new verifier backed by the users table.
func NewPostgresVerifier(pool *pgxpool.Pool) *PostgresVerifier {
	return &PostgresVerifier{pool: pool}
}

// IsVerifiedBidder reports whether the bidder has completed verification.
func (v *PostgresVerifier) IsVerifiedBidder(ctx context.Context, bidderID uuid.UUID) (bool, error) {
	var verified bool
	err := v.pool.QueryRow(ctx,
		`SELECT is_verified FROM users WHERE id = $1`,
		bidderID,
	).Scan(&verified)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check bidder verification: %w", err)
	}
	return verified, nil
}
