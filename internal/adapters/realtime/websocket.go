package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Captain-Vikram/Live-Bidding/internal/engine"
	"github.com/Captain-Vikram/Live-Bidding/pkg/auth"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// BidService is the slice of the engine the websocket handler needs.
type BidService interface {
	PlaceBid(ctx context.Context, cmd engine.PlaceBidCommand) (*engine.BidResult, error)
	AuctionSnapshot(ctx context.Context, auctionID uuid.UUID) (*engine.Auction, error)
	Hub() *engine.Hub
}

// Presence tracks who is in an auction room across all instances.
type Presence interface {
	JoinRoom(ctx context.Context, auctionID uuid.UUID, userID string) error
	LeaveRoom(ctx context.Context, auctionID uuid.UUID, userID string) error
	ParticipantCount(ctx context.Context, auctionID uuid.UUID) (int64, error)
}

// Handler serves GET /ws/auction/{id}. It authenticates the token, sends a
// room snapshot, then streams hub events while accepting place_bid
// messages on the same connection.
type Handler struct {
	service  BidService
	presence Presence
	signer   *auth.Signer
	logger   *slog.Logger
}

// NewHandler creates a websocket handler.
func NewHandler(service BidService, presence Presence, signer *auth.Signer, logger *slog.Logger) *Handler {
	return &Handler{
		service:  service,
		presence: presence,
		signer:   signer,
		logger:   logger,
	}
}

type inboundMessage struct {
	Type      string `json:"type"`
	Amount    int64  `json:"amount"`
	AutoBid   bool   `json:"auto_bid"`
	MaxAmount int64  `json:"max_auto_bid"`
}

type roomState struct {
	AuctionID     uuid.UUID            `json:"auction_id"`
	Status        engine.AuctionStatus `json:"status"`
	HighestAmount int64                `json:"highest_amount"`
	BidCount      int                  `json:"bid_count"`
	NextMinimum   int64                `json:"next_minimum"`
	TimeRemaining int64                `json:"time_remaining"` // seconds
	ClosesAt      time.Time            `json:"closes_at"`
	Participants  int64                `json:"participants"`
}

type outboundMessage struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

type bidAck struct {
	BidID           uuid.UUID `json:"bid_id"`
	Amount          int64     `json:"amount"`
	IsWinning       bool      `json:"is_winning"`
	PreviousHighest *int64    `json:"previous_highest"`
	NextMinimum     int64     `json:"next_minimum"`
	TimeRemaining   int64     `json:"time_remaining"` // seconds
	Extended        bool      `json:"extended"`
}

type errorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	auctionID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, "invalid auction id", http.StatusBadRequest)
		return
	}

	tokenString := auth.TokenFromRequest(r)
	if tokenString == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	claims, err := h.signer.ValidateToken(tokenString)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	userID, err := claims.UserID()
	if err != nil {
		http.Error(w, "invalid token subject", http.StatusUnauthorized)
		return
	}

	snapshot, err := h.service.AuctionSnapshot(r.Context(), auctionID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, engine.ErrAuctionNotFound) {
			status = http.StatusNotFound
		}
		http.Error(w, "auction unavailable", status)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "auction_id", auctionID, "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if err := h.presence.JoinRoom(ctx, auctionID, userID.String()); err != nil {
		h.logger.Warn("failed to join room", "auction_id", auctionID, "error", err)
	}
	defer func() {
		leaveCtx, leaveCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer leaveCancel()
		if err := h.presence.LeaveRoom(leaveCtx, auctionID, userID.String()); err != nil {
			h.logger.Warn("failed to leave room", "auction_id", auctionID, "error", err)
		}
	}()

	sub := h.service.Hub().Subscribe(auctionID)
	defer sub.Close()

	// Outbound traffic is funneled through one channel so only the writer
	// goroutine touches the connection.
	outbox := make(chan any, 16)

	if err := h.writeJSON(conn, h.buildRoomState(ctx, auctionID, snapshot)); err != nil {
		return
	}

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	done := make(chan struct{})
	go h.writeLoop(ctx, conn, sub, outbox, done, cancel)

	h.readLoop(ctx, conn, auctionID, userID, outbox)

	cancel()
	<-done
}

// writeLoop owns the connection for writing: hub events, command replies,
// and keepalive pings.
func (h *Handler) writeLoop(ctx context.Context, conn *websocket.Conn, sub *engine.Subscription, outbox <-chan any, done chan<- struct{}, cancel context.CancelFunc) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		cancel()
		close(done)
	}()

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				// Dropped for falling behind, or the auction is gone.
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "stream closed"),
					time.Now().Add(writeWait))
				return
			}
			if err := h.writeJSON(conn, ev); err != nil {
				return
			}
		case msg, ok := <-outbox:
			if !ok {
				return
			}
			if err := h.writeJSON(conn, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// readLoop handles inbound client messages until the connection drops.
func (h *Handler) readLoop(ctx context.Context, conn *websocket.Conn, auctionID, userID uuid.UUID, outbox chan<- any) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg inboundMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			h.send(outbox, errorMessage{Type: "error", Message: "malformed message"})
			continue
		}

		switch msg.Type {
		case "ping":
			h.send(outbox, outboundMessage{Type: "pong"})
		case "place_bid":
			result, err := h.service.PlaceBid(ctx, engine.PlaceBidCommand{
				AuctionID: auctionID,
				BidderID:  userID,
				Amount:    msg.Amount,
				AutoBid:   msg.AutoBid,
				MaxAmount: msg.MaxAmount,
			})
			if err != nil {
				h.send(outbox, errorMessage{Type: "error", Message: err.Error()})
				continue
			}
			h.send(outbox, outboundMessage{Type: "bid_ack", Data: bidAck{
				BidID:           result.Bid.ID,
				Amount:          result.Bid.Amount,
				IsWinning:       result.Bid.IsWinning,
				PreviousHighest: result.PreviousHighest,
				NextMinimum:     result.NextMinimum,
				TimeRemaining:   int64(result.TimeRemaining.Seconds()),
				Extended:        result.Extended,
			}})
		default:
			h.send(outbox, errorMessage{Type: "error", Message: "unknown message type"})
		}
	}
}

// send enqueues without blocking; a client too slow to drain its own
// replies loses them rather than wedging the read loop.
func (h *Handler) send(outbox chan<- any, msg any) {
	select {
	case outbox <- msg:
	default:
	}
}

func (h *Handler) writeJSON(conn *websocket.Conn, v any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(v)
}

func (h *Handler) buildRoomState(ctx context.Context, auctionID uuid.UUID, a *engine.Auction) outboundMessage {
	participants, err := h.presence.ParticipantCount(ctx, auctionID)
	if err != nil {
		h.logger.Warn("failed to count participants", "auction_id", auctionID, "error", err)
	}
	return outboundMessage{
		Type: "room_state",
		Data: roomState{
			AuctionID:     a.ID,
			Status:        a.Status,
			HighestAmount: a.HighestAmount,
			BidCount:      a.BidCount,
			NextMinimum:   a.NextMinimum(),
			TimeRemaining: int64(a.TimeRemaining(time.Now().UTC()).Seconds()),
			ClosesAt:      a.ClosesAt,
			Participants:  participants,
		},
	}
}
