package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Config holds the engine tunables.
type Config struct {
	// LockTimeout bounds how long a bid waits for an auction's
	// serialization token before the caller is told to retry.
	LockTimeout time.Duration

	// SubscriberBuffer is the outbound buffer per hub subscriber; a
	// subscriber that falls this far behind is dropped.
	SubscriberBuffer int
}

// DefaultConfig mirrors the lock timeout used against the database layer.
func DefaultConfig() Config {
	return Config{
		LockTimeout:      3 * time.Second,
		SubscriberBuffer: 256,
	}
}

// Engine admits bids against live auctions, runs proxy-bid escalation,
// owns auction close deadlines, and fans out state changes through its Hub.
// Per auction, every mutation is serialized through one token; auctions
// are fully independent of each other.
type Engine struct {
	gateway  PersistenceGateway
	verifier BidderVerifier
	hub      *Hub
	clock    *clock
	store    *stateStore
	cfg      Config
	logger   *slog.Logger
}

// New creates an engine. The hub is owned by the engine and reachable via
// Hub() for subscribers.
func New(gateway PersistenceGateway, verifier BidderVerifier, cfg Config, logger *slog.Logger) *Engine {
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = DefaultConfig().LockTimeout
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = DefaultConfig().SubscriberBuffer
	}
	e := &Engine{
		gateway:  gateway,
		verifier: verifier,
		hub:      NewHub(cfg.SubscriberBuffer, logger),
		store:    newStateStore(),
		cfg:      cfg,
		logger:   logger,
	}
	e.clock = newClock(e)
	return e
}

// Hub exposes the broadcast hub for subscriber adapters.
func (e *Engine) Hub() *Hub {
	return e.hub
}

// Start arms close timers for every auction the gateway reports as active.
// Call once at process startup.
func (e *Engine) Start(ctx context.Context) error {
	ids, err := e.gateway.ListActiveAuctions(ctx)
	if err != nil {
		return fmt.Errorf("failed to list active auctions: %w", err)
	}
	for _, id := range ids {
		if _, loadErr := e.state(ctx, id); loadErr != nil {
			e.logger.Error("failed to load auction at startup", "auction_id", id, "error", loadErr)
		}
	}
	e.logger.Info("engine started", "active_auctions", len(ids))
	return nil
}

// Stop releases all pending close timers.
func (e *Engine) Stop() {
	e.clock.stopAll()
}

// PlaceBid validates and commits a single bid, then runs the auto-bid
// cascade and any anti-snipe extension inside the same critical section,
// so the events published reflect the fully cascaded final state.
func (e *Engine) PlaceBid(ctx context.Context, cmd PlaceBidCommand) (*BidResult, error) {
	if cmd.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if cmd.AutoBid && cmd.MaxAmount < cmd.Amount {
		return nil, ErrInvalidMaxAmount
	}

	st, err := e.state(ctx, cmd.AuctionID)
	if err != nil {
		return nil, err
	}

	if acqErr := st.acquire(ctx, e.cfg.LockTimeout); acqErr != nil {
		return nil, acqErr
	}
	defer st.release()

	now := time.Now().UTC()
	a := st.auction

	if valErr := e.validate(ctx, st, cmd, now); valErr != nil {
		return nil, valErr
	}

	var previousHighest *int64
	if a.BidCount > 0 {
		prev := a.HighestAmount
		previousHighest = &prev
	}

	snap := st.snapshot()

	trigger := &Bid{
		ID:            uuid.New(),
		AuctionID:     cmd.AuctionID,
		BidderID:      cmd.BidderID,
		Amount:        cmd.Amount,
		IsAuto:        cmd.AutoBid,
		MaxAutoAmount: cmd.MaxAmount,
		PlacedAt:      now,
		Sequence:      st.takeSeq(),
	}
	if applyErr := st.applyCommit(trigger); applyErr != nil {
		st.restore(snap)
		return nil, applyErr
	}
	if cmd.AutoBid {
		st.registerAgent(cmd.BidderID, cmd.MaxAmount)
	}

	cascaded, cascadeErr := e.cascade(st, now)
	if cascadeErr != nil {
		st.restore(snap)
		return nil, cascadeErr
	}

	committed := append([]*Bid{trigger}, cascaded...)

	// Write-ahead: the batch must be durable before it becomes visible.
	auctionCopy := *a
	if commitErr := e.gateway.CommitBids(ctx, &auctionCopy, committed); commitErr != nil {
		st.restore(snap)
		return nil, &PersistenceError{Op: "commit bids", Err: commitErr}
	}

	st.retireExhaustedAgents()

	extended := e.clock.onBidCommitted(ctx, st, now)

	for _, b := range committed {
		e.hub.Publish(a.ID, newBidEvent(a, b, now))
	}
	if extended {
		e.hub.Publish(a.ID, auctionExtendedEvent(a))
	}

	e.logger.Info("bid committed",
		"auction_id", a.ID,
		"bidder_id", cmd.BidderID,
		"amount", cmd.Amount,
		"cascaded", len(cascaded),
		"highest", a.HighestAmount,
		"extended", extended,
	)

	return &BidResult{
		Bid:             trigger,
		PreviousHighest: previousHighest,
		NextMinimum:     a.NextMinimum(),
		TimeRemaining:   a.TimeRemaining(now),
		CascadedBids:    cascaded,
		Extended:        extended,
		NewClosingTime:  a.ClosesAt,
	}, nil
}

// validate runs the admission preconditions in their contractual order.
// Must hold the token.
func (e *Engine) validate(ctx context.Context, st *auctionState, cmd PlaceBidCommand, now time.Time) error {
	a := st.auction

	if a.Status != AuctionStatusActive || now.After(a.ClosesAt) {
		return ErrAuctionClosed
	}
	if cmd.BidderID == a.SellerID {
		return ErrSelfBid
	}

	verified, err := e.verifier.IsVerifiedBidder(ctx, cmd.BidderID)
	if err != nil {
		return fmt.Errorf("verification check failed: %w", err)
	}
	if !verified {
		return ErrBidderUnverified
	}

	if cmd.Amount < a.NextMinimum() {
		return fmt.Errorf("%w: minimum is %d", ErrBidTooLow, a.NextMinimum())
	}
	return nil
}

// Cancel administratively terminates an active auction. Terminal states
// are never reversed; cancelling a closed or cancelled auction fails.
func (e *Engine) Cancel(ctx context.Context, auctionID uuid.UUID) error {
	st, err := e.state(ctx, auctionID)
	if err != nil {
		return err
	}
	if acqErr := st.acquire(ctx, e.cfg.LockTimeout); acqErr != nil {
		return acqErr
	}
	defer st.release()

	if st.auction.Status != AuctionStatusActive {
		return ErrAuctionClosed
	}
	return e.finalize(ctx, st, AuctionStatusCancelled, CloseReasonCancelled)
}

// finalize transitions an ACTIVE auction to a terminal state, persists it,
// and emits the ended event. Must hold the token.
func (e *Engine) finalize(ctx context.Context, st *auctionState, status AuctionStatus, reason CloseReason) error {
	a := st.auction
	prev := a.Status
	a.Status = status

	auctionCopy := *a
	if err := e.gateway.UpdateAuctionClose(ctx, a.ID, &auctionCopy); err != nil {
		a.Status = prev
		return &PersistenceError{Op: "close auction", Err: err}
	}

	e.clock.forget(a.ID)
	e.hub.Publish(a.ID, auctionEndedEvent(a, st.winningBid, reason))
	e.logger.Info("auction ended",
		"auction_id", a.ID,
		"status", status,
		"total_bids", a.BidCount,
	)
	return nil
}

// AuctionSnapshot returns a copy of the current in-memory auction record,
// loading it from the gateway if needed. The read briefly takes the token
// so it never observes a half-applied commit.
func (e *Engine) AuctionSnapshot(ctx context.Context, auctionID uuid.UUID) (*Auction, error) {
	st, err := e.state(ctx, auctionID)
	if err != nil {
		return nil, err
	}
	if acqErr := st.acquire(ctx, e.cfg.LockTimeout); acqErr != nil {
		return nil, acqErr
	}
	defer st.release()

	a := *st.auction
	return &a, nil
}

// state returns the cached auction state, rebuilding it from the gateway
// on a miss: the auction record plus winning bid, sequence counter, and
// standing auto-bid agents recovered from the committed bid history.
func (e *Engine) state(ctx context.Context, auctionID uuid.UUID) (*auctionState, error) {
	if st, ok := e.store.get(auctionID); ok {
		return st, nil
	}

	a, err := e.gateway.LoadAuction(ctx, auctionID)
	if err != nil {
		return nil, err
	}
	bids, err := e.gateway.LoadAuctionBids(ctx, auctionID)
	if err != nil {
		return nil, &PersistenceError{Op: "load bids", Err: err}
	}

	st := newAuctionState(a)
	for _, b := range bids {
		if b.Sequence > st.nextSeq {
			st.nextSeq = b.Sequence
		}
		if b.IsWinning {
			if st.winningBid != nil {
				return nil, &InvariantError{Detail: fmt.Sprintf("auction %s has multiple winning bids", auctionID)}
			}
			st.winningBid = b
		}
		if b.IsAuto {
			st.registerAgent(b.BidderID, b.MaxAutoAmount)
		}
	}
	st.retireExhaustedAgents()

	st = e.store.put(auctionID, st)
	if a.Status == AuctionStatusActive {
		e.clock.arm(auctionID, st.auction.ClosesAt)
	}
	return st, nil
}
