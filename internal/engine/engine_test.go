package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeGateway is an in-memory PersistenceGateway for engine tests.
type fakeGateway struct {
	mu         sync.Mutex
	auctions   map[uuid.UUID]*Auction
	bids       map[uuid.UUID][]*Bid
	commitErr  error
	commits    int
	closeCalls int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		auctions: make(map[uuid.UUID]*Auction),
		bids:     make(map[uuid.UUID][]*Bid),
	}
}

func (g *fakeGateway) seed(a *Auction) {
	g.mu.Lock()
	defer g.mu.Unlock()
	copy := *a
	g.auctions[a.ID] = &copy
}

func (g *fakeGateway) LoadAuction(_ context.Context, id uuid.UUID) (*Auction, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	a, ok := g.auctions[id]
	if !ok {
		return nil, ErrAuctionNotFound
	}
	copy := *a
	return &copy, nil
}

func (g *fakeGateway) LoadAuctionBids(_ context.Context, id uuid.UUID) ([]*Bid, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*Bid, 0, len(g.bids[id]))
	for _, b := range g.bids[id] {
		copy := *b
		out = append(out, &copy)
	}
	return out, nil
}

func (g *fakeGateway) CommitBids(_ context.Context, a *Auction, batch []*Bid) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.commitErr != nil {
		return g.commitErr
	}
	g.commits++
	for _, existing := range g.bids[a.ID] {
		existing.IsWinning = false
	}
	for _, b := range batch {
		copy := *b
		g.bids[a.ID] = append(g.bids[a.ID], &copy)
	}
	stored := *a
	g.auctions[a.ID] = &stored
	return nil
}

func (g *fakeGateway) UpdateAuctionClose(_ context.Context, id uuid.UUID, a *Auction) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closeCalls++
	stored := *a
	g.auctions[id] = &stored
	return nil
}

func (g *fakeGateway) ListActiveAuctions(_ context.Context) ([]uuid.UUID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []uuid.UUID
	for id, a := range g.auctions {
		if a.Status == AuctionStatusActive {
			out = append(out, id)
		}
	}
	return out, nil
}

func (g *fakeGateway) setCommitErr(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.commitErr = err
}

func (g *fakeGateway) storedBids(id uuid.UUID) []*Bid {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*Bid, 0, len(g.bids[id]))
	for _, b := range g.bids[id] {
		copy := *b
		out = append(out, &copy)
	}
	return out
}

// fakeVerifier verifies everyone except the ids it is told to reject.
type fakeVerifier struct {
	mu         sync.Mutex
	unverified map[uuid.UUID]bool
}

func newFakeVerifier() *fakeVerifier {
	return &fakeVerifier{unverified: make(map[uuid.UUID]bool)}
}

func (v *fakeVerifier) reject(id uuid.UUID) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.unverified[id] = true
}

func (v *fakeVerifier) IsVerifiedBidder(_ context.Context, id uuid.UUID) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return !v.unverified[id], nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T, cfg Config) (*Engine, *fakeGateway, *fakeVerifier) {
	t.Helper()
	gw := newFakeGateway()
	verifier := newFakeVerifier()
	e := New(gw, verifier, cfg, testLogger())
	t.Cleanup(e.Stop)
	return e, gw, verifier
}

// testAuction builds an active auction with reserve 100 and increment 1,
// closing far enough out that clock behavior stays out of the way.
func testAuction(closesIn time.Duration) *Auction {
	return &Auction{
		ID:           uuid.New(),
		SellerID:     uuid.New(),
		ReservePrice: 100,
		MinIncrement: 1,
		ClosesAt:     time.Now().UTC().Add(closesIn),
		Status:       AuctionStatusActive,
	}
}

func TestPlaceBidFirstBidAgainstReserve(t *testing.T) {
	e, gw, _ := newTestEngine(t, DefaultConfig())
	a := testAuction(time.Hour)
	gw.seed(a)

	res, err := e.PlaceBid(context.Background(), PlaceBidCommand{
		AuctionID: a.ID,
		BidderID:  uuid.New(),
		Amount:    101,
	})
	require.NoError(t, err)

	assert.Nil(t, res.PreviousHighest)
	assert.Equal(t, int64(101), res.Bid.Amount)
	assert.True(t, res.Bid.IsWinning)
	assert.Equal(t, int64(102), res.NextMinimum)
	assert.Greater(t, res.TimeRemaining, time.Duration(0))
	assert.Empty(t, res.CascadedBids)

	snap, err := e.AuctionSnapshot(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(101), snap.HighestAmount)
	assert.Equal(t, 1, snap.BidCount)
}

func TestPlaceBidValidationOrder(t *testing.T) {
	e, gw, verifier := newTestEngine(t, DefaultConfig())
	a := testAuction(time.Hour)
	gw.seed(a)

	closed := testAuction(time.Hour)
	closed.Status = AuctionStatusClosed
	gw.seed(closed)

	ended := testAuction(-time.Minute)
	gw.seed(ended)

	unverified := uuid.New()
	verifier.reject(unverified)

	bidder := uuid.New()
	_, err := e.PlaceBid(context.Background(), PlaceBidCommand{
		AuctionID: a.ID, BidderID: bidder, Amount: 101,
	})
	require.NoError(t, err)

	tests := []struct {
		name    string
		cmd     PlaceBidCommand
		wantErr error
	}{
		{
			name:    "non-positive amount",
			cmd:     PlaceBidCommand{AuctionID: a.ID, BidderID: uuid.New(), Amount: 0},
			wantErr: ErrInvalidAmount,
		},
		{
			name:    "auto max below amount",
			cmd:     PlaceBidCommand{AuctionID: a.ID, BidderID: uuid.New(), Amount: 110, AutoBid: true, MaxAmount: 105},
			wantErr: ErrInvalidMaxAmount,
		},
		{
			name:    "unknown auction",
			cmd:     PlaceBidCommand{AuctionID: uuid.New(), BidderID: uuid.New(), Amount: 110},
			wantErr: ErrAuctionNotFound,
		},
		{
			name:    "closed auction",
			cmd:     PlaceBidCommand{AuctionID: closed.ID, BidderID: uuid.New(), Amount: 110},
			wantErr: ErrAuctionClosed,
		},
		{
			name:    "deadline already passed",
			cmd:     PlaceBidCommand{AuctionID: ended.ID, BidderID: uuid.New(), Amount: 110},
			wantErr: ErrAuctionClosed,
		},
		{
			name:    "seller bidding on own auction",
			cmd:     PlaceBidCommand{AuctionID: a.ID, BidderID: a.SellerID, Amount: 110},
			wantErr: ErrSelfBid,
		},
		{
			name:    "unverified bidder",
			cmd:     PlaceBidCommand{AuctionID: a.ID, BidderID: unverified, Amount: 110},
			wantErr: ErrBidderUnverified,
		},
		{
			name:    "below next minimum",
			cmd:     PlaceBidCommand{AuctionID: a.ID, BidderID: uuid.New(), Amount: 101},
			wantErr: ErrBidTooLow,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.PlaceBid(context.Background(), tt.cmd)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	// None of the rejections changed state.
	snap, err := e.AuctionSnapshot(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(101), snap.HighestAmount)
	assert.Equal(t, 1, snap.BidCount)
}

func TestPlaceBidBelowIncrementRejected(t *testing.T) {
	// Highest 10100, increment 100: a bid of 10150 must be rejected
	// because the minimum is 10200.
	e, gw, _ := newTestEngine(t, DefaultConfig())
	a := testAuction(time.Hour)
	a.ReservePrice = 10000
	a.MinIncrement = 100
	gw.seed(a)

	_, err := e.PlaceBid(context.Background(), PlaceBidCommand{
		AuctionID: a.ID, BidderID: uuid.New(), Amount: 10100,
	})
	require.NoError(t, err)

	_, err = e.PlaceBid(context.Background(), PlaceBidCommand{
		AuctionID: a.ID, BidderID: uuid.New(), Amount: 10150,
	})
	assert.ErrorIs(t, err, ErrBidTooLow)
	assert.ErrorContains(t, err, "10200")
}

func TestPlaceBidPersistenceFailureRollsBack(t *testing.T) {
	e, gw, _ := newTestEngine(t, DefaultConfig())
	a := testAuction(time.Hour)
	gw.seed(a)

	bidder := uuid.New()
	_, err := e.PlaceBid(context.Background(), PlaceBidCommand{
		AuctionID: a.ID, BidderID: bidder, Amount: 101,
	})
	require.NoError(t, err)

	gw.setCommitErr(fmt.Errorf("connection reset"))
	_, err = e.PlaceBid(context.Background(), PlaceBidCommand{
		AuctionID: a.ID, BidderID: uuid.New(), Amount: 200, AutoBid: true, MaxAmount: 300,
	})
	var pe *PersistenceError
	require.ErrorAs(t, err, &pe)
	assert.True(t, IsRetryable(err))

	// In-memory state rolled back to the pre-bid snapshot: the failed
	// bidder's agent registration is gone too.
	snap, snapErr := e.AuctionSnapshot(context.Background(), a.ID)
	require.NoError(t, snapErr)
	assert.Equal(t, int64(101), snap.HighestAmount)
	assert.Equal(t, bidder, snap.HighestBidderID)
	assert.Equal(t, 1, snap.BidCount)

	// The same bid succeeds once the store recovers, with a fresh
	// sequence continuing from the committed history.
	gw.setCommitErr(nil)
	res, err := e.PlaceBid(context.Background(), PlaceBidCommand{
		AuctionID: a.ID, BidderID: uuid.New(), Amount: 200,
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), res.Bid.Sequence)
}

func TestPlaceBidLockTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LockTimeout = 20 * time.Millisecond
	e, gw, _ := newTestEngine(t, cfg)
	a := testAuction(time.Hour)
	gw.seed(a)

	st, err := e.state(context.Background(), a.ID)
	require.NoError(t, err)
	require.NoError(t, st.acquire(context.Background(), time.Second))
	defer st.release()

	_, err = e.PlaceBid(context.Background(), PlaceBidCommand{
		AuctionID: a.ID, BidderID: uuid.New(), Amount: 101,
	})
	assert.ErrorIs(t, err, ErrLockTimeout)
	assert.True(t, IsRetryable(err))
}

func TestPlaceBidCancelledBeforeAcquisition(t *testing.T) {
	e, gw, _ := newTestEngine(t, DefaultConfig())
	a := testAuction(time.Hour)
	gw.seed(a)

	st, err := e.state(context.Background(), a.ID)
	require.NoError(t, err)
	require.NoError(t, st.acquire(context.Background(), time.Second))
	defer st.release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.PlaceBid(ctx, PlaceBidCommand{
		AuctionID: a.ID, BidderID: uuid.New(), Amount: 101,
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, gw.storedBids(a.ID))
}

// TestConcurrentBidsNoLostUpdate submits many bids against one auction in
// parallel. Exactly one bid may end up winning, winning amounts must be
// strictly increasing in commit order, and every attempt must be accounted
// for as either a commit or a clean rejection.
func TestConcurrentBidsNoLostUpdate(t *testing.T) {
	e, gw, _ := newTestEngine(t, DefaultConfig())
	a := testAuction(time.Hour)
	gw.seed(a)

	const bidders = 20
	var wg sync.WaitGroup
	results := make([]error, bidders)
	for i := 0; i < bidders; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := e.PlaceBid(context.Background(), PlaceBidCommand{
				AuctionID: a.ID,
				BidderID:  uuid.New(),
				Amount:    int64(100 + n),
			})
			results[n] = err
		}(i)
	}
	wg.Wait()

	committed := 0
	for _, err := range results {
		if err == nil {
			committed++
		} else {
			assert.ErrorIs(t, err, ErrBidTooLow)
		}
	}
	require.Greater(t, committed, 0)

	stored := gw.storedBids(a.ID)
	require.Len(t, stored, committed)

	winning := 0
	seen := make(map[uint64]bool)
	var lastAmount int64
	for _, b := range stored {
		if b.IsWinning {
			winning++
		}
		assert.False(t, seen[b.Sequence], "duplicate sequence %d", b.Sequence)
		seen[b.Sequence] = true
		assert.Greater(t, b.Amount, lastAmount)
		lastAmount = b.Amount
	}
	assert.Equal(t, 1, winning)

	snap, err := e.AuctionSnapshot(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, lastAmount, snap.HighestAmount)
	assert.Equal(t, committed, snap.BidCount)
}

func TestCancelAuction(t *testing.T) {
	e, gw, _ := newTestEngine(t, DefaultConfig())
	a := testAuction(time.Hour)
	gw.seed(a)

	sub := e.Hub().Subscribe(a.ID)
	defer sub.Close()

	_, err := e.PlaceBid(context.Background(), PlaceBidCommand{
		AuctionID: a.ID, BidderID: uuid.New(), Amount: 150,
	})
	require.NoError(t, err)
	<-sub.Events() // new_bid

	require.NoError(t, e.Cancel(context.Background(), a.ID))

	ev := <-sub.Events()
	require.Equal(t, EventTypeAuctionEnded, ev.Type)
	data, ok := ev.Data.(AuctionEndedEvent)
	require.True(t, ok)
	assert.Equal(t, CloseReasonCancelled, data.Reason)
	require.NotNil(t, data.WinningBid)
	assert.Equal(t, int64(150), *data.WinningBid)

	// Terminal states are never reversed.
	assert.ErrorIs(t, e.Cancel(context.Background(), a.ID), ErrAuctionClosed)
	_, err = e.PlaceBid(context.Background(), PlaceBidCommand{
		AuctionID: a.ID, BidderID: uuid.New(), Amount: 200,
	})
	assert.ErrorIs(t, err, ErrAuctionClosed)
}

func TestStateRebuiltFromGateway(t *testing.T) {
	gw := newFakeGateway()
	verifier := newFakeVerifier()
	a := testAuction(time.Hour)
	gw.seed(a)

	first := New(gw, verifier, DefaultConfig(), testLogger())
	_, err := first.PlaceBid(context.Background(), PlaceBidCommand{
		AuctionID: a.ID, BidderID: uuid.New(), Amount: 120, AutoBid: true, MaxAmount: 180,
	})
	require.NoError(t, err)
	first.Stop()

	// A fresh engine (new process) rebuilds winning bid, sequence, and
	// standing agents from the committed history.
	second := New(gw, verifier, DefaultConfig(), testLogger())
	defer second.Stop()

	res, err := second.PlaceBid(context.Background(), PlaceBidCommand{
		AuctionID: a.ID, BidderID: uuid.New(), Amount: 130,
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), res.Bid.Sequence)
	// The recovered agent (max 180) immediately re-bids over the manual 130.
	require.Len(t, res.CascadedBids, 1)
	assert.Equal(t, int64(131), res.CascadedBids[0].Amount)
}
