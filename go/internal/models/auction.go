package models

import (
	"time"

	"github.com/google/uuid"
)

// AuctionStatus is the lifecycle of a nominated lot.
type AuctionStatus string

const (
	AuctionStatusOpen   AuctionStatus = "open"
	AuctionStatusSold   AuctionStatus = "sold"
	AuctionStatusPassed AuctionStatus = "passed"
)

// AuctionLot is a player nominated for bidding in an auction draft.
type AuctionLot struct {
	ID           uuid.UUID     `json:"id"`
	DraftID      uuid.UUID     `json:"draft_id"`
	PlayerID     uuid.UUID     `json:"player_id"`
	NominatedBy  uuid.UUID     `json:"nominated_by"`
	HighBid      int           `json:"high_bid"`
	HighBidderID *uuid.UUID    `json:"high_bidder_id,omitempty"`
	Status       AuctionStatus `json:"status"`
	ClosesAt     *time.Time    `json:"closes_at,omitempty"`
	UpdatedAt    time.Time     `json:"updated_at"`
}
