package engine

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestEventAuctionID(t *testing.T) {
	id := uuid.New()

	tests := []struct {
		name string
		ev   Event
		want uuid.UUID
	}{
		{"new bid", Event{Type: EventTypeNewBid, Data: NewBidEvent{AuctionID: id}}, id},
		{"extended", Event{Type: EventTypeAuctionExtended, Data: AuctionExtendedEvent{AuctionID: id}}, id},
		{"ended", Event{Type: EventTypeAuctionEnded, Data: AuctionEndedEvent{AuctionID: id}}, id},
		{"relayed raw payload", Event{Type: EventTypeNewBid, Data: json.RawMessage(`{}`)}, uuid.Nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.ev.AuctionID())
		})
	}
}
