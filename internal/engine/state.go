package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// auctionState is the in-memory authoritative record for one auction. All
// mutations happen while holding the state's token, so two concurrent bids
// can never both read the same stale highest bid.
type auctionState struct {
	// token is a one-slot semaphore serializing every state-mutating
	// operation for this auction: admission, cascade, extension, close.
	token chan struct{}

	auction    *Auction
	winningBid *Bid
	agents     map[uuid.UUID]*autoBidAgent
	nextSeq    uint64
	agentSeq   uint64
}

func newAuctionState(a *Auction) *auctionState {
	return &auctionState{
		token:   make(chan struct{}, 1),
		auction: a,
		agents:  make(map[uuid.UUID]*autoBidAgent),
	}
}

// acquire takes the serialization token, waiting at most sla. A caller that
// gives up (context cancelled) or times out has caused no side effects.
func (s *auctionState) acquire(ctx context.Context, sla time.Duration) error {
	select {
	case s.token <- struct{}{}:
		return nil
	default:
	}

	timer := time.NewTimer(sla)
	defer timer.Stop()

	select {
	case s.token <- struct{}{}:
		return nil
	case <-timer.C:
		return ErrLockTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *auctionState) release() {
	<-s.token
}

// stateSnapshot captures everything a failed commit must restore.
type stateSnapshot struct {
	auction    Auction
	winningBid *Bid
	agents     map[uuid.UUID]*autoBidAgent
	nextSeq    uint64
	agentSeq   uint64
}

// snapshot deep-copies the mutable state. Must hold the token.
func (s *auctionState) snapshot() *stateSnapshot {
	snap := &stateSnapshot{
		auction:  *s.auction,
		nextSeq:  s.nextSeq,
		agentSeq: s.agentSeq,
		agents:   make(map[uuid.UUID]*autoBidAgent, len(s.agents)),
	}
	if s.winningBid != nil {
		b := *s.winningBid
		snap.winningBid = &b
	}
	for id, agent := range s.agents {
		a := *agent
		snap.agents[id] = &a
	}
	return snap
}

// restore rolls the state back to a snapshot taken before a failed commit,
// so no partial mutation is ever observable. Must hold the token.
func (s *auctionState) restore(snap *stateSnapshot) {
	*s.auction = snap.auction
	s.winningBid = snap.winningBid
	s.agents = snap.agents
	s.nextSeq = snap.nextSeq
	s.agentSeq = snap.agentSeq
}

// applyCommit makes a bid the winning bid, demoting the previous winner.
// Winning amounts must strictly increase; anything else means the caller
// validated against stale state, which the token makes impossible.
// Must hold the token.
func (s *auctionState) applyCommit(b *Bid) error {
	if s.winningBid != nil && b.Amount <= s.winningBid.Amount {
		return &InvariantError{
			Detail: fmt.Sprintf("bid %d does not exceed winning bid %d on auction %s",
				b.Amount, s.winningBid.Amount, s.auction.ID),
		}
	}
	if s.winningBid != nil {
		s.winningBid.IsWinning = false
	}
	b.IsWinning = true
	s.winningBid = b
	s.auction.HighestAmount = b.Amount
	s.auction.HighestBidderID = b.BidderID
	s.auction.BidCount++
	return nil
}

// takeSeq hands out the next commit sequence number. Must hold the token.
func (s *auctionState) takeSeq() uint64 {
	s.nextSeq++
	return s.nextSeq
}

// registerAgent records or refreshes a standing auto-bid instruction.
// Registration order is preserved across refreshes so tie-breaks stay
// deterministic. Must hold the token.
func (s *auctionState) registerAgent(bidderID uuid.UUID, maxAmount int64) {
	if agent, ok := s.agents[bidderID]; ok {
		agent.MaxAmount = maxAmount
		return
	}
	s.agentSeq++
	s.agents[bidderID] = &autoBidAgent{
		BidderID:     bidderID,
		MaxAmount:    maxAmount,
		RegisteredAt: s.agentSeq,
	}
}

// retireExhaustedAgents drops agents whose maximum can no longer top the
// current highest bid. The current winner's agent stays: it still defends.
// Must hold the token.
func (s *auctionState) retireExhaustedAgents() {
	for id, agent := range s.agents {
		if id == s.auction.HighestBidderID {
			continue
		}
		if agent.MaxAmount <= s.auction.HighestAmount {
			delete(s.agents, id)
		}
	}
}

// stateStore maps auction ids to their in-memory state. The map itself is
// guarded by mu; each entry is guarded by its own token.
type stateStore struct {
	mu       sync.RWMutex
	auctions map[uuid.UUID]*auctionState
}

func newStateStore() *stateStore {
	return &stateStore{auctions: make(map[uuid.UUID]*auctionState)}
}

func (st *stateStore) get(id uuid.UUID) (*auctionState, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.auctions[id]
	return s, ok
}

// put inserts a freshly loaded state unless another goroutine won the race,
// in which case the existing entry stays authoritative.
func (st *stateStore) put(id uuid.UUID, s *auctionState) *auctionState {
	st.mu.Lock()
	defer st.mu.Unlock()
	if existing, ok := st.auctions[id]; ok {
		return existing
	}
	st.auctions[id] = s
	return s
}
