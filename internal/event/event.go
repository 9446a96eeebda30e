// Package event defines the auction event log. Every committed auction
// mutation appends one event carrying the auction version it produced, so the
// log doubles as an audit trail and as the de-duplication record for
// externally sourced transitions.
package event

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Type identifies an event kind.
type Type string

const (
	AuctionCreated   Type = "auction.created"
	AuctionStarted   Type = "auction.started"
	AuctionBidPlaced Type = "auction.bid_placed"
	AuctionEnded     Type = "auction.ended"
	AuctionSettled   Type = "auction.settled"
	AuctionCancelled Type = "auction.cancelled"
	AuctionDeleted   Type = "auction.deleted"
)

// Trigger records which producer caused a mutation.
type Trigger string

const (
	TriggerManual    Trigger = "manual"
	TriggerScheduler Trigger = "scheduler"
	TriggerLedger    Trigger = "ledger"
)

// Event represents a single domain event.
type Event struct {
	ID          string          `json:"id" db:"id"`
	AggregateID string          `json:"aggregate_id" db:"aggregate_id"`
	Type        Type            `json:"type" db:"type"`
	Trigger     Trigger         `json:"trigger" db:"trigger"`
	ExternalRef *string         `json:"external_ref,omitempty" db:"external_ref"`
	Data        json.RawMessage `json:"data" db:"data"`
	Version     int             `json:"version" db:"version"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// TransitionData is the payload for status change events.
type TransitionData struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// BidPlacedData is the payload for AuctionBidPlaced events.
type BidPlacedData struct {
	BidID    string          `json:"bid_id"`
	BidderID string          `json:"bidder_id"`
	Bidder   string          `json:"bidder"`
	Amount   decimal.Decimal `json:"amount"`
}

// AuctionEndedData is the payload for AuctionEnded events. Winner and Amount
// are empty when the auction closed without bids.
type AuctionEndedData struct {
	TransitionData
	Winner string           `json:"winner,omitempty"`
	Amount *decimal.Decimal `json:"amount,omitempty"`
}

// AuctionSettledData is the payload for AuctionSettled events.
type AuctionSettledData struct {
	TransitionData
	NewOwner string `json:"new_owner,omitempty"`
}
