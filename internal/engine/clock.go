package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// closeRetryInterval is how long the clock waits before retrying a close
// that could not run (token contention or a failed durable write). The
// close must still happen exactly once, so it is retried, never dropped.
const closeRetryInterval = 500 * time.Millisecond

// clock owns each auction's closing deadline. It applies the anti-snipe
// extension while the admission path holds the auction token, and fires
// the terminal close exactly once. One timer exists per auction; an
// extension re-arms it, it is never stacked.
type clock struct {
	engine *Engine

	mu     sync.Mutex
	timers map[uuid.UUID]*time.Timer
}

func newClock(e *Engine) *clock {
	return &clock{
		engine: e,
		timers: make(map[uuid.UUID]*time.Timer),
	}
}

// onBidCommitted applies the anti-snipe rule for a bid committed at
// commitTime. When the auction auto-extends and the commit landed inside
// the anti-snipe window, the deadline moves to commitTime plus the
// extension period (not merely the old deadline plus the window) and the
// close timer is re-armed. Must hold the auction token.
func (c *clock) onBidCommitted(ctx context.Context, st *auctionState, commitTime time.Time) bool {
	a := st.auction
	if !a.AutoExtend || a.Status != AuctionStatusActive {
		return false
	}
	if a.ClosesAt.Sub(commitTime) > a.AntiSnipeWindow {
		return false
	}

	newDeadline := commitTime.Add(a.ExtensionPeriod)
	if !newDeadline.After(a.ClosesAt) {
		// Deadlines only move forward while active.
		return false
	}
	a.ClosesAt = newDeadline

	auctionCopy := *a
	if err := c.engine.gateway.UpdateAuctionClose(ctx, a.ID, &auctionCopy); err != nil {
		// The bid batch is already durable and the in-memory deadline is
		// authoritative for the timer; the extension is persisted again
		// when the close fires.
		c.engine.logger.Error("failed to persist auction extension", "auction_id", a.ID, "error", err)
	}

	c.arm(a.ID, newDeadline)
	return true
}

// arm schedules (or reschedules) the single close timer for an auction.
func (c *clock) arm(auctionID uuid.UUID, deadline time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.timers[auctionID]; ok {
		t.Stop()
	}
	c.timers[auctionID] = time.AfterFunc(time.Until(deadline), func() {
		c.onScheduledClose(auctionID)
	})
}

// forget drops an auction's timer once it has reached a terminal state.
func (c *clock) forget(auctionID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.timers[auctionID]; ok {
		t.Stop()
		delete(c.timers, auctionID)
	}
}

func (c *clock) stopAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, t := range c.timers {
		t.Stop()
		delete(c.timers, id)
	}
}

// onScheduledClose runs when an auction's deadline fires. A bid holding
// the token may extend the deadline concurrently, in which case the close
// re-arms for the new deadline instead of firing. The ACTIVE check under
// the token makes the terminal transition idempotent.
func (c *clock) onScheduledClose(auctionID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	st, ok := c.engine.store.get(auctionID)
	if !ok {
		return
	}

	if err := st.acquire(ctx, c.engine.cfg.LockTimeout); err != nil {
		if errors.Is(err, ErrLockTimeout) {
			c.arm(auctionID, time.Now().Add(closeRetryInterval))
		}
		return
	}
	defer st.release()

	a := st.auction
	if a.Status != AuctionStatusActive {
		return
	}
	if now := time.Now().UTC(); now.Before(a.ClosesAt) {
		// Extended while this fire was pending; the later deadline wins.
		c.arm(auctionID, a.ClosesAt)
		return
	}

	if err := c.engine.finalize(ctx, st, AuctionStatusClosed, CloseReasonDeadline); err != nil {
		c.engine.logger.Error("failed to close auction, retrying", "auction_id", auctionID, "error", err)
		c.arm(auctionID, time.Now().Add(closeRetryInterval))
	}
}
