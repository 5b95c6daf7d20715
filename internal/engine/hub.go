package engine

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Hub maintains per-auction subscriber sets and fans out engine events.
// Delivery is best effort per subscriber: one that falls behind its
// bounded buffer is dropped rather than blocking the others. Events for
// one auction reach every surviving subscriber in publish order; there is
// no ordering across auctions.
type Hub struct {
	buffer int
	logger *slog.Logger

	mu   sync.Mutex
	subs map[uuid.UUID]map[*Subscription]struct{}
	all  map[*Subscription]struct{}
}

// NewHub creates a hub whose subscribers each get a buffer of the given
// size.
func NewHub(buffer int, logger *slog.Logger) *Hub {
	return &Hub{
		buffer: buffer,
		logger: logger,
		subs:   make(map[uuid.UUID]map[*Subscription]struct{}),
		all:    make(map[*Subscription]struct{}),
	}
}

// Subscription is one subscriber's handle on an auction's event stream.
// Its channel is closed when the subscriber is dropped for falling behind
// or when Close is called.
type Subscription struct {
	AuctionID uuid.UUID

	hub      *Hub
	ch       chan Event
	firehose bool
	once     sync.Once
}

// Events is the stream of auction events, delivered in publish order.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Close detaches the subscription. Safe to call more than once and
// concurrently with Publish.
func (s *Subscription) Close() {
	s.hub.unsubscribe(s)
}

// Subscribe registers a new subscriber for one auction's events.
func (h *Hub) Subscribe(auctionID uuid.UUID) *Subscription {
	sub := &Subscription{
		AuctionID: auctionID,
		hub:       h,
		ch:        make(chan Event, h.buffer),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[auctionID]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[auctionID] = set
	}
	set[sub] = struct{}{}
	return sub
}

// SubscribeAll registers a firehose subscriber that receives the events of
// every auction on this instance. Used by the outbound bridges; relayed
// remote events are not delivered here, so bridges never echo them.
func (h *Hub) SubscribeAll() *Subscription {
	sub := &Subscription{
		hub:      h,
		ch:       make(chan Event, h.buffer),
		firehose: true,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.all[sub] = struct{}{}
	return sub
}

func (h *Hub) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.drop(sub)
}

// drop removes a subscription and closes its channel. Must hold h.mu.
func (h *Hub) drop(sub *Subscription) {
	if sub.firehose {
		delete(h.all, sub)
		sub.once.Do(func() { close(sub.ch) })
		return
	}
	if set, ok := h.subs[sub.AuctionID]; ok {
		if _, member := set[sub]; member {
			delete(set, sub)
			if len(set) == 0 {
				delete(h.subs, sub.AuctionID)
			}
		}
	}
	sub.once.Do(func() { close(sub.ch) })
}

// Publish fans an event out to every subscriber of the auction. A full
// buffer means the subscriber stopped draining; it is disconnected so the
// publisher never blocks inside the engine's critical section.
func (h *Hub) Publish(auctionID uuid.UUID, event Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.deliver(h.subs[auctionID], auctionID, event)
	h.deliver(h.all, auctionID, event)
}

// Relay injects an event that originated on another instance. It reaches
// the auction's local subscribers but not the firehose, so a relayed event
// is never forwarded outward a second time.
func (h *Hub) Relay(auctionID uuid.UUID, event Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.deliver(h.subs[auctionID], auctionID, event)
}

// deliver fans an event out to one subscriber set. Must hold h.mu.
func (h *Hub) deliver(set map[*Subscription]struct{}, auctionID uuid.UUID, event Event) {
	for sub := range set {
		select {
		case sub.ch <- event:
		default:
			h.logger.Warn("dropping slow subscriber", "auction_id", auctionID)
			h.drop(sub)
		}
	}
}

// SubscriberCount reports how many live subscribers an auction has.
func (h *Hub) SubscriberCount(auctionID uuid.UUID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[auctionID])
}
