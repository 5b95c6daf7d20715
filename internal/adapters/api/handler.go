package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/Captain-Vikram/Live-Bidding/internal/engine"
	"github.com/Captain-Vikram/Live-Bidding/pkg/auth"
)

// EngineService is the slice of the engine the HTTP handlers need.
type EngineService interface {
	PlaceBid(ctx context.Context, cmd engine.PlaceBidCommand) (*engine.BidResult, error)
	AuctionSnapshot(ctx context.Context, auctionID uuid.UUID) (*engine.Auction, error)
	Cancel(ctx context.Context, auctionID uuid.UUID) error
}

// RoomPresence reports live participant counts for auction rooms.
type RoomPresence interface {
	ParticipantCount(ctx context.Context, auctionID uuid.UUID) (int64, error)
}

// Handler serves the bidding JSON API.
type Handler struct {
	service  EngineService
	presence RoomPresence
	logger   *slog.Logger
}

// NewHandler creates the API handler.
func NewHandler(service EngineService, presence RoomPresence, logger *slog.Logger) *Handler {
	return &Handler{
		service:  service,
		presence: presence,
		logger:   logger,
	}
}

// RegisterRoutes mounts the API behind the auth middleware.
func (h *Handler) RegisterRoutes(mux *http.ServeMux, signer *auth.Signer) {
	authed := auth.Middleware(signer)
	mux.Handle("POST /v1/bids", authed(http.HandlerFunc(h.placeBid)))
	mux.Handle("GET /v1/auction-rooms/{id}", authed(http.HandlerFunc(h.getAuctionRoom)))
	mux.Handle("POST /v1/auctions/{id}/cancel", authed(http.HandlerFunc(h.cancelAuction)))
}

type placeBidRequest struct {
	AuctionID uuid.UUID `json:"auction_id"`
	Amount    int64     `json:"amount"`
	AutoBid   bool      `json:"auto_bid"`
	MaxAmount int64     `json:"max_auto_bid"`
}

type placeBidResponse struct {
	BidID           uuid.UUID  `json:"bid_id"`
	Amount          int64      `json:"amount"`
	IsWinning       bool       `json:"is_winning"`
	PreviousHighest *int64     `json:"previous_highest"`
	NextMinimum     int64      `json:"next_minimum"`
	TimeRemaining   int64      `json:"time_remaining"` // seconds
	CascadedBids    int        `json:"cascaded_bids"`
	Extended        bool       `json:"extended"`
	NewClosingTime  *time.Time `json:"new_closing_time,omitempty"`
}

type auctionRoomResponse struct {
	AuctionID     uuid.UUID            `json:"auction_id"`
	Status        engine.AuctionStatus `json:"status"`
	HighestAmount int64                `json:"highest_amount"`
	BidCount      int                  `json:"bid_count"`
	NextMinimum   int64                `json:"next_minimum"`
	TimeRemaining int64                `json:"time_remaining"` // seconds
	ClosesAt      time.Time            `json:"closes_at"`
	Participants  int64                `json:"participants"`
}

func (h *Handler) placeBid(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.GetUserID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing identity")
		return
	}
	bidderID, err := uuid.Parse(userID)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid identity")
		return
	}

	var req placeBidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.AuctionID == uuid.Nil {
		writeError(w, http.StatusBadRequest, "auction_id is required")
		return
	}

	result, err := h.service.PlaceBid(r.Context(), engine.PlaceBidCommand{
		AuctionID: req.AuctionID,
		BidderID:  bidderID,
		Amount:    req.Amount,
		AutoBid:   req.AutoBid,
		MaxAmount: req.MaxAmount,
	})
	if err != nil {
		h.writeBidError(w, r, err)
		return
	}

	resp := placeBidResponse{
		BidID:           result.Bid.ID,
		Amount:          result.Bid.Amount,
		IsWinning:       result.Bid.IsWinning,
		PreviousHighest: result.PreviousHighest,
		NextMinimum:     result.NextMinimum,
		TimeRemaining:   int64(result.TimeRemaining.Seconds()),
		CascadedBids:    len(result.CascadedBids),
		Extended:        result.Extended,
	}
	if result.Extended {
		closing := result.NewClosingTime
		resp.NewClosingTime = &closing
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) getAuctionRoom(w http.ResponseWriter, r *http.Request) {
	auctionID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid auction id")
		return
	}

	a, err := h.service.AuctionSnapshot(r.Context(), auctionID)
	if err != nil {
		h.writeBidError(w, r, err)
		return
	}

	participants, err := h.presence.ParticipantCount(r.Context(), auctionID)
	if err != nil {
		h.logger.Warn("failed to count participants", "auction_id", auctionID, "error", err)
	}

	now := time.Now().UTC()
	writeJSON(w, http.StatusOK, auctionRoomResponse{
		AuctionID:     a.ID,
		Status:        a.Status,
		HighestAmount: a.HighestAmount,
		BidCount:      a.BidCount,
		NextMinimum:   a.NextMinimum(),
		TimeRemaining: int64(a.TimeRemaining(now).Seconds()),
		ClosesAt:      a.ClosesAt,
		Participants:  participants,
	})
}

func (h *Handler) cancelAuction(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.GetUserClaims(r.Context())
	if !ok || claims.Role != "admin" {
		writeError(w, http.StatusForbidden, "admin role required")
		return
	}

	auctionID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid auction id")
		return
	}

	if err := h.service.Cancel(r.Context(), auctionID); err != nil {
		h.writeBidError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeBidError translates engine errors into HTTP status codes. Retryable
// failures become 503 so well-behaved clients back off and resubmit.
func (h *Handler) writeBidError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, engine.ErrAuctionNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, engine.ErrAuctionClosed):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, engine.ErrSelfBid), errors.Is(err, engine.ErrBidderUnverified):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, engine.ErrInvalidAmount), errors.Is(err, engine.ErrInvalidMaxAmount):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, engine.ErrBidTooLow):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case engine.IsRetryable(err):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "engine busy, retry")
	default:
		h.logger.Error("request failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
