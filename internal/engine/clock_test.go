package engine

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// snipeAuction closes soon, with a wide anti-snipe window so every bid
// lands inside it.
func snipeAuction(closesIn, window, extension time.Duration) *Auction {
	a := testAuction(closesIn)
	a.AntiSnipeWindow = window
	a.ExtensionPeriod = extension
	a.AutoExtend = true
	return a
}

func TestAntiSnipeExtensionFromCommitTime(t *testing.T) {
	e, gw, _ := newTestEngine(t, DefaultConfig())
	a := snipeAuction(150*time.Millisecond, time.Second, 400*time.Millisecond)
	gw.seed(a)

	sub := e.Hub().Subscribe(a.ID)
	defer sub.Close()

	before := time.Now().UTC()
	res, err := e.PlaceBid(context.Background(), PlaceBidCommand{
		AuctionID: a.ID, BidderID: uuid.New(), Amount: 100,
	})
	require.NoError(t, err)

	// The new deadline is commit time plus the extension period, not the
	// old deadline plus anything.
	require.True(t, res.Extended)
	assert.WithinDuration(t, before.Add(400*time.Millisecond), res.NewClosingTime, 100*time.Millisecond)
	assert.True(t, res.NewClosingTime.After(a.ClosesAt))

	ev := <-sub.Events()
	require.Equal(t, EventTypeNewBid, ev.Type)
	ev = <-sub.Events()
	require.Equal(t, EventTypeAuctionExtended, ev.Type)
	data, ok := ev.Data.(AuctionExtendedEvent)
	require.True(t, ok)
	assert.Equal(t, res.NewClosingTime, data.NewClosingTime)

	// A second bid inside the (moved) window extends again.
	res2, err := e.PlaceBid(context.Background(), PlaceBidCommand{
		AuctionID: a.ID, BidderID: uuid.New(), Amount: 101,
	})
	require.NoError(t, err)
	require.True(t, res2.Extended)
	assert.True(t, res2.NewClosingTime.After(res.NewClosingTime))

	<-sub.Events() // new_bid
	ev = <-sub.Events()
	assert.Equal(t, EventTypeAuctionExtended, ev.Type)
}

func TestNoExtensionOutsideWindow(t *testing.T) {
	e, gw, _ := newTestEngine(t, DefaultConfig())
	a := snipeAuction(time.Hour, 5*time.Minute, 15*time.Minute)
	gw.seed(a)

	res, err := e.PlaceBid(context.Background(), PlaceBidCommand{
		AuctionID: a.ID, BidderID: uuid.New(), Amount: 100,
	})
	require.NoError(t, err)
	assert.False(t, res.Extended)
	assert.Equal(t, a.ClosesAt.Unix(), res.NewClosingTime.Unix())
}

func TestNoExtensionWhenAutoExtendDisabled(t *testing.T) {
	e, gw, _ := newTestEngine(t, DefaultConfig())
	a := snipeAuction(100*time.Millisecond, time.Second, time.Second)
	a.AutoExtend = false
	gw.seed(a)

	res, err := e.PlaceBid(context.Background(), PlaceBidCommand{
		AuctionID: a.ID, BidderID: uuid.New(), Amount: 100,
	})
	require.NoError(t, err)
	assert.False(t, res.Extended)
}

// TestDeadlineNeverMovesBackward: an extension shorter than the remaining
// time must not shrink the deadline.
func TestDeadlineNeverMovesBackward(t *testing.T) {
	e, gw, _ := newTestEngine(t, DefaultConfig())
	a := snipeAuction(10*time.Second, time.Hour, 100*time.Millisecond)
	gw.seed(a)

	res, err := e.PlaceBid(context.Background(), PlaceBidCommand{
		AuctionID: a.ID, BidderID: uuid.New(), Amount: 100,
	})
	require.NoError(t, err)
	assert.False(t, res.Extended)
	assert.Equal(t, a.ClosesAt.Unix(), res.NewClosingTime.Unix())
}

func TestScheduledCloseFiresExactlyOnce(t *testing.T) {
	e, gw, _ := newTestEngine(t, DefaultConfig())
	a := testAuction(120 * time.Millisecond)
	gw.seed(a)

	sub := e.Hub().Subscribe(a.ID)
	defer sub.Close()

	winner := uuid.New()
	_, err := e.PlaceBid(context.Background(), PlaceBidCommand{
		AuctionID: a.ID, BidderID: winner, Amount: 100,
	})
	require.NoError(t, err)
	<-sub.Events() // new_bid

	select {
	case ev := <-sub.Events():
		require.Equal(t, EventTypeAuctionEnded, ev.Type)
		data, ok := ev.Data.(AuctionEndedEvent)
		require.True(t, ok)
		assert.Equal(t, CloseReasonDeadline, data.Reason)
		require.NotNil(t, data.Winner)
		assert.Equal(t, winner, *data.Winner)
		require.NotNil(t, data.WinningBid)
		assert.Equal(t, int64(100), *data.WinningBid)
		assert.Equal(t, 1, data.TotalBids)
	case <-time.After(2 * time.Second):
		t.Fatal("auction never closed")
	}

	snap, err := e.AuctionSnapshot(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, AuctionStatusClosed, snap.Status)

	// No second ended event arrives, and the winning bid is frozen.
	select {
	case ev, open := <-sub.Events():
		if open {
			t.Fatalf("unexpected event after close: %v", ev.Type)
		}
	case <-time.After(200 * time.Millisecond):
	}

	_, err = e.PlaceBid(context.Background(), PlaceBidCommand{
		AuctionID: a.ID, BidderID: uuid.New(), Amount: 200,
	})
	assert.ErrorIs(t, err, ErrAuctionClosed)
}

// TestExtensionReplacesPendingCloseTimer: a bid that extends the deadline
// must delay the close rather than racing a stale timer.
func TestExtensionReplacesPendingCloseTimer(t *testing.T) {
	e, gw, _ := newTestEngine(t, DefaultConfig())
	a := snipeAuction(100*time.Millisecond, time.Second, 500*time.Millisecond)
	gw.seed(a)

	sub := e.Hub().Subscribe(a.ID)
	defer sub.Close()

	res, err := e.PlaceBid(context.Background(), PlaceBidCommand{
		AuctionID: a.ID, BidderID: uuid.New(), Amount: 100,
	})
	require.NoError(t, err)
	require.True(t, res.Extended)

	// The original deadline passes without a close.
	time.Sleep(200 * time.Millisecond)
	snap, err := e.AuctionSnapshot(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, AuctionStatusActive, snap.Status)

	// The extended deadline closes it.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-sub.Events():
			if ev.Type == EventTypeAuctionEnded {
				return
			}
		case <-deadline:
			t.Fatal("auction never closed after extension")
		}
	}
}

func TestCloseWithoutBids(t *testing.T) {
	e, gw, _ := newTestEngine(t, DefaultConfig())
	a := testAuction(80 * time.Millisecond)
	gw.seed(a)

	// Load the auction so the close timer is armed, as Start would.
	require.NoError(t, e.Start(context.Background()))

	sub := e.Hub().Subscribe(a.ID)
	defer sub.Close()

	select {
	case ev := <-sub.Events():
		require.Equal(t, EventTypeAuctionEnded, ev.Type)
		data, ok := ev.Data.(AuctionEndedEvent)
		require.True(t, ok)
		assert.Nil(t, data.Winner)
		assert.Nil(t, data.WinningBid)
		assert.Equal(t, 0, data.TotalBids)
	case <-time.After(2 * time.Second):
		t.Fatal("auction never closed")
	}
}
