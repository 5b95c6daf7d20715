package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/Captain-Vikram/Live-Bidding/internal/engine"
)

// ChannelName is the Redis pub/sub channel carrying one auction's events.
func ChannelName(auctionID uuid.UUID) string {
	return "auction:" + auctionID.String()
}

func participantsKey(auctionID uuid.UUID) string {
	return "auction:" + auctionID.String() + ":participants"
}

// envelope is the wire format on the Redis channels. Origin lets each
// instance discard its own messages when they come back around.
type envelope struct {
	Origin string           `json:"origin"`
	Type   engine.EventType `json:"type"`
	Data   json.RawMessage  `json:"data"`
}

// Bridge mirrors the hub's events onto Redis pub/sub so clients connected
// to other instances see them, and relays remote instances' events into
// the local hub. It also keeps the per-auction participant sets behind the
// room presence counts.
type Bridge struct {
	rdb    *redis.Client
	hub    *engine.Hub
	origin string
	logger *slog.Logger
}

// NewBridge creates a bridge with a fresh instance identity.
func NewBridge(rdb *redis.Client, hub *engine.Hub, logger *slog.Logger) *Bridge {
	return &Bridge{
		rdb:    rdb,
		hub:    hub,
		origin: uuid.NewString(),
		logger: logger,
	}
}

// Run pumps events in both directions until the context is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.publishLocal(ctx) })
	g.Go(func() error { return b.consumeRemote(ctx) })
	return g.Wait()
}

// publishLocal forwards everything this instance's engine emits. Relayed
// remote events never reach the firehose, so nothing loops back out.
func (b *Bridge) publishLocal(ctx context.Context) error {
	sub := b.hub.SubscribeAll()
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.Events():
			if !ok {
				return nil
			}
			auctionID := ev.AuctionID()
			if auctionID == uuid.Nil {
				continue
			}
			data, err := json.Marshal(ev.Data)
			if err != nil {
				b.logger.Error("failed to marshal event for bridge", "auction_id", auctionID, "error", err)
				continue
			}
			body, err := json.Marshal(envelope{Origin: b.origin, Type: ev.Type, Data: data})
			if err != nil {
				b.logger.Error("failed to marshal bridge envelope", "auction_id", auctionID, "error", err)
				continue
			}
			if err := b.rdb.Publish(ctx, ChannelName(auctionID), body).Err(); err != nil {
				b.logger.Error("failed to publish to redis", "auction_id", auctionID, "error", err)
			}
		}
	}
}

// consumeRemote subscribes to every auction channel and relays foreign
// events into the local hub.
func (b *Bridge) consumeRemote(ctx context.Context) error {
	pubsub := b.rdb.PSubscribe(ctx, "auction:*")
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			auctionID, err := uuid.Parse(strings.TrimPrefix(msg.Channel, "auction:"))
			if err != nil {
				continue
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.logger.Warn("discarding malformed bridge message", "channel", msg.Channel, "error", err)
				continue
			}
			if env.Origin == b.origin {
				continue
			}
			b.hub.Relay(auctionID, engine.Event{Type: env.Type, Data: env.Data})
		}
	}
}

// JoinRoom records a user in the auction's participant set.
func (b *Bridge) JoinRoom(ctx context.Context, auctionID uuid.UUID, userID string) error {
	if err := b.rdb.SAdd(ctx, participantsKey(auctionID), userID).Err(); err != nil {
		return fmt.Errorf("failed to join room: %w", err)
	}
	return nil
}

// LeaveRoom removes a user from the auction's participant set.
func (b *Bridge) LeaveRoom(ctx context.Context, auctionID uuid.UUID, userID string) error {
	if err := b.rdb.SRem(ctx, participantsKey(auctionID), userID).Err(); err != nil {
		return fmt.Errorf("failed to leave room: %w", err)
	}
	return nil
}

// ParticipantCount reports how many users are in the auction's room across
// all instances.
func (b *Bridge) ParticipantCount(ctx context.Context, auctionID uuid.UUID) (int64, error) {
	count, err := b.rdb.SCard(ctx, participantsKey(auctionID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count participants: %w", err)
	}
	return count, nil
}
