package engine

import (
	"errors"
	"fmt"
)

// Validation and state errors returned synchronously, with no state change.
var (
	ErrAuctionNotFound  = fmt.Errorf("auction not found")
	ErrAuctionClosed    = fmt.Errorf("auction is no longer active")
	ErrSelfBid          = fmt.Errorf("seller cannot bid on their own auction")
	ErrBidderUnverified = fmt.Errorf("bidder has not completed verification")
	ErrInvalidAmount    = fmt.Errorf("bid amount must be positive")
	ErrBidTooLow        = fmt.Errorf("bid amount is below the minimum for this auction")
	ErrInvalidMaxAmount = fmt.Errorf("max auto-bid amount must be at least the bid amount")
)

// ErrLockTimeout is returned when the per-auction serialization token could
// not be acquired within the configured SLA. No state changed; the caller
// may retry.
var ErrLockTimeout = fmt.Errorf("timed out waiting for auction lock")

// PersistenceError wraps a gateway failure that occurred after validation
// passed. In-memory state has been rolled back to the pre-bid snapshot, so
// the operation is safe to retry.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// IsRetryable reports whether the caller should be told to try again rather
// than treat the rejection as permanent.
func IsRetryable(err error) bool {
	var pe *PersistenceError
	return errors.Is(err, ErrLockTimeout) || errors.As(err, &pe)
}

// InvariantError indicates a broken engine invariant (for example two bids
// flagged winning). It must not occur under correct locking and is treated
// as a programming error: the operation aborts and the error surfaces.
type InvariantError struct {
	Detail string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("engine invariant violated: %s", e.Detail)
}
