package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Captain-Vikram/Live-Bidding/internal/engine"
)

// PostgresGateway implements engine.PersistenceGateway using pgx. It is the
// transactional boundary of the engine: a bid batch either lands entirely,
// together with the auction's highest-bid fields, or not at all.
type PostgresGateway struct {
	pool      *pgxpool.Pool
	txManager *TransactionManager
}

// NewPostgresGateway creates a new PostgreSQL persistence gateway.
func NewPostgresGateway(pool *pgxpool.Pool, lockTimeout time.Duration) *PostgresGateway {
	return &PostgresGateway{
		pool:      pool,
		txManager: NewTransactionManager(pool, lockTimeout),
	}
}

// LoadAuction retrieves the durable auction record.
func (g *PostgresGateway) LoadAuction(ctx context.Context, auctionID uuid.UUID) (*engine.Auction, error) {
	query := `
		SELECT id, seller_id, reserve_price, min_increment,
		       COALESCE(highest_amount, 0), COALESCE(highest_bidder_id, '00000000-0000-0000-0000-000000000000'),
		       closes_at, anti_snipe_window_ms, extension_period_ms, auto_extend,
		       status, bid_count
		FROM auctions
		WHERE id = $1
	`
	var a engine.Auction
	var windowMs, extensionMs int64
	err := g.pool.QueryRow(ctx, query, auctionID).Scan(
		&a.ID,
		&a.SellerID,
		&a.ReservePrice,
		&a.MinIncrement,
		&a.HighestAmount,
		&a.HighestBidderID,
		&a.ClosesAt,
		&windowMs,
		&extensionMs,
		&a.AutoExtend,
		&a.Status,
		&a.BidCount,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, engine.ErrAuctionNotFound
		}
		return nil, fmt.Errorf("failed to load auction: %w", err)
	}
	a.ClosesAt = a.ClosesAt.UTC()
	a.AntiSnipeWindow = time.Duration(windowMs) * time.Millisecond
	a.ExtensionPeriod = time.Duration(extensionMs) * time.Millisecond
	return &a, nil
}

// LoadAuctionBids retrieves all committed bids in commit order.
func (g *PostgresGateway) LoadAuctionBids(ctx context.Context, auctionID uuid.UUID) ([]*engine.Bid, error) {
	query := `
		SELECT id, auction_id, bidder_id, amount, is_winning, is_auto,
		       COALESCE(max_auto_amount, 0), placed_at, sequence
		FROM bids
		WHERE auction_id = $1
		ORDER BY sequence ASC
	`
	rows, err := g.pool.Query(ctx, query, auctionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query bids: %w", err)
	}
	defer rows.Close()

	var result []*engine.Bid
	for rows.Next() {
		var b engine.Bid
		if err := rows.Scan(
			&b.ID,
			&b.AuctionID,
			&b.BidderID,
			&b.Amount,
			&b.IsWinning,
			&b.IsAuto,
			&b.MaxAutoAmount,
			&b.PlacedAt,
			&b.Sequence,
		); err != nil {
			return nil, fmt.Errorf("failed to scan bid: %w", err)
		}
		b.PlacedAt = b.PlacedAt.UTC()
		result = append(result, &b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating bids: %w", err)
	}
	return result, nil
}

// CommitBids writes a triggering bid plus its cascade in one transaction:
// demote the previous winner, insert the batch, update the auction row.
func (g *PostgresGateway) CommitBids(ctx context.Context, a *engine.Auction, bids []*engine.Bid) error {
	tx, err := g.txManager.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if _, err := tx.Exec(ctx,
		`UPDATE bids SET is_winning = FALSE WHERE auction_id = $1 AND is_winning`,
		a.ID,
	); err != nil {
		return fmt.Errorf("failed to demote winning bid: %w", err)
	}

	insert := `
		INSERT INTO bids (id, auction_id, bidder_id, amount, is_winning, is_auto, max_auto_amount, placed_at, sequence)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	for _, b := range bids {
		var maxAuto *int64
		if b.IsAuto {
			maxAuto = &b.MaxAutoAmount
		}
		if _, err := tx.Exec(ctx, insert,
			b.ID, b.AuctionID, b.BidderID, b.Amount, b.IsWinning, b.IsAuto, maxAuto, b.PlacedAt, b.Sequence,
		); err != nil {
			return fmt.Errorf("failed to insert bid %s: %w", b.ID, err)
		}
	}

	if _, err := tx.Exec(ctx, `
		UPDATE auctions
		SET highest_amount = $2, highest_bidder_id = $3, bid_count = $4, updated_at = NOW()
		WHERE id = $1`,
		a.ID, a.HighestAmount, a.HighestBidderID, a.BidCount,
	); err != nil {
		return fmt.Errorf("failed to update auction: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// UpdateAuctionClose records a new closing deadline and status.
func (g *PostgresGateway) UpdateAuctionClose(ctx context.Context, auctionID uuid.UUID, a *engine.Auction) error {
	_, err := g.pool.Exec(ctx, `
		UPDATE auctions
		SET closes_at = $2, status = $3, updated_at = NOW()
		WHERE id = $1`,
		auctionID, a.ClosesAt, a.Status,
	)
	if err != nil {
		return fmt.Errorf("failed to update auction close: %w", err)
	}
	return nil
}

// ListActiveAuctions returns the ids of all auctions still accepting bids.
func (g *PostgresGateway) ListActiveAuctions(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := g.pool.Query(ctx, `SELECT id FROM auctions WHERE status = 'active'`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active auctions: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan auction id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating auctions: %w", err)
	}
	return ids, nil
}
