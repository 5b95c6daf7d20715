package engine

import (
	"time"

	"github.com/google/uuid"
)

// cascade escalates standing auto-bid agents after a commit until nobody
// can top the highest bid. It runs inside the caller's critical section
// and mutates state directly; the caller rolls back via snapshot if the
// batch later fails to persist.
//
// Each round picks the strongest challenger (highest max, earliest
// registration on ties) and resolves it against the current winner's own
// standing agent in one step, so a cascade commits at most one bid per
// agent instead of walking increments one at a time. A challenger whose
// maximum is matched by the defender is retired for this cascade; an
// out-maxed defender likewise. That bounds the loop by the number of
// standing agents.
func (e *Engine) cascade(st *auctionState, now time.Time) ([]*Bid, error) {
	a := st.auction
	var committed []*Bid
	challenged := make(map[uuid.UUID]bool)

	// Hard bound as a backstop; the challenged set already guarantees
	// progress every round.
	for round := 0; round <= 2*len(st.agents)+1; round++ {
		ch := st.bestChallenger(challenged)
		if ch == nil || ch.MaxAmount <= a.HighestAmount {
			break
		}

		defender := st.agents[a.HighestBidderID]
		var bidder *autoBidAgent
		var amount int64

		if defender == nil || outbids(ch, defender) {
			// The challenger exceeds everything the defender can pay.
			floor := a.HighestAmount
			if defender != nil {
				if defender.MaxAmount > floor {
					floor = defender.MaxAmount
				}
				challenged[defender.BidderID] = true
			}
			bidder = ch
			amount = minAmount(ch.MaxAmount, floor+a.MinIncrement)
		} else {
			// The defender holds by raising to match or top the
			// challenger; the challenger is retired.
			challenged[ch.BidderID] = true
			amount = minAmount(defender.MaxAmount, ch.MaxAmount+a.MinIncrement)
			if amount <= a.HighestAmount {
				continue
			}
			bidder = defender
		}

		bid := &Bid{
			ID:            uuid.New(),
			AuctionID:     a.ID,
			BidderID:      bidder.BidderID,
			Amount:        amount,
			IsAuto:        true,
			MaxAutoAmount: bidder.MaxAmount,
			PlacedAt:      now,
			Sequence:      st.takeSeq(),
		}
		if err := st.applyCommit(bid); err != nil {
			return nil, err
		}
		committed = append(committed, bid)
	}

	return committed, nil
}

// bestChallenger returns the standing agent with the highest maximum,
// excluding the current winner and agents already retired this cascade.
// Ties go to the earlier registration.
func (s *auctionState) bestChallenger(challenged map[uuid.UUID]bool) *autoBidAgent {
	var best *autoBidAgent
	for id, agent := range s.agents {
		if id == s.auction.HighestBidderID || challenged[id] {
			continue
		}
		if best == nil || outbids(agent, best) {
			best = agent
		}
	}
	return best
}

// outbids reports whether a beats b in an agent-versus-agent contest:
// strictly higher maximum, or the same maximum registered earlier.
func outbids(a, b *autoBidAgent) bool {
	if a.MaxAmount != b.MaxAmount {
		return a.MaxAmount > b.MaxAmount
	}
	return a.RegisteredAt < b.RegisteredAt
}

func minAmount(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
