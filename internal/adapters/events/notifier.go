package events

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/Captain-Vikram/Live-Bidding/internal/engine"
)

// Routing keys on the auction events exchange.
const (
	RoutingKeyBidPlaced       = "bid.placed"
	RoutingKeyBidOutbid       = "bid.outbid"
	RoutingKeyAuctionExtended = "auction.extended"
	RoutingKeyAuctionEnded    = "auction.ended"
)

// OutbidNotice tells the notification service which bidder just lost the
// lead and at what amount.
type OutbidNotice struct {
	AuctionID    uuid.UUID `json:"auction_id"`
	OutbidBidder uuid.UUID `json:"outbid_bidder"`
	NewAmount    int64     `json:"new_amount"`
}

type outbound struct {
	routingKey string
	payload    any
}

// Notifier forwards engine events to the notification service's exchange.
// It tracks the current winner per auction so it can emit bid.outbid for
// the bidder who was just displaced; the engine's events only carry the
// new winner.
type Notifier struct {
	publisher *RabbitMQPublisher
	hub       *engine.Hub
	logger    *slog.Logger

	// touched only from the Run goroutine
	winners map[uuid.UUID]uuid.UUID
}

// NewNotifier creates a notifier publishing on the given AMQP connection.
func NewNotifier(conn *amqp.Connection, hub *engine.Hub, logger *slog.Logger) (*Notifier, error) {
	publisher, err := NewRabbitMQPublisher(conn)
	if err != nil {
		return nil, err
	}
	return &Notifier{
		publisher: publisher,
		hub:       hub,
		logger:    logger,
		winners:   make(map[uuid.UUID]uuid.UUID),
	}, nil
}

// Run consumes the hub firehose until the context is cancelled. A failed
// publish is logged and skipped; notifications are best effort and must
// never stall the engine.
func (n *Notifier) Run(ctx context.Context) error {
	sub := n.hub.SubscribeAll()
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.Events():
			if !ok {
				return nil
			}
			for _, out := range n.messages(ev) {
				body, err := json.Marshal(out.payload)
				if err != nil {
					n.logger.Error("failed to marshal notification", "routing_key", out.routingKey, "error", err)
					continue
				}
				if err := n.publisher.Publish(ctx, out.routingKey, body); err != nil {
					n.logger.Error("failed to publish notification", "routing_key", out.routingKey, "error", err)
				}
			}
		}
	}
}

// Close closes the underlying channel.
func (n *Notifier) Close() error {
	return n.publisher.Close()
}

func (n *Notifier) messages(ev engine.Event) []outbound {
	switch d := ev.Data.(type) {
	case engine.NewBidEvent:
		out := []outbound{{RoutingKeyBidPlaced, d}}
		if d.IsWinning {
			if prev, ok := n.winners[d.AuctionID]; ok && prev != d.Bidder {
				out = append(out, outbound{RoutingKeyBidOutbid, OutbidNotice{
					AuctionID:    d.AuctionID,
					OutbidBidder: prev,
					NewAmount:    d.Amount,
				}})
			}
			n.winners[d.AuctionID] = d.Bidder
		}
		return out
	case engine.AuctionExtendedEvent:
		return []outbound{{RoutingKeyAuctionExtended, d}}
	case engine.AuctionEndedEvent:
		delete(n.winners, d.AuctionID)
		return []outbound{{RoutingKeyAuctionEnded, d}}
	}
	return nil
}
