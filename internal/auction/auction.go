// Package auction implements the auction engine: the lifecycle state
// machine, bid admission and the reconciled-fact entry points. API calls, the
// scheduler and the ledger reconciler all mutate auctions through Manager.
package auction

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jensholdgaard/nft-auction-engine/internal/store"
)

// transitions lists the legal status changes. Deletion of a DRAFT is not a
// status change and is checked by DeleteAuction.
var transitions = map[store.Status][]store.Status{
	store.StatusDraft:  {store.StatusActive},
	store.StatusActive: {store.StatusEnded, store.StatusCancelled},
	store.StatusEnded:  {store.StatusSettled},
}

// CanTransition reports whether an auction may move from one status to another.
func CanTransition(from, to store.Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// MinimumNextBid returns the smallest amount the next bid must reach.
func MinimumNextBid(a *store.Auction) decimal.Decimal {
	base := a.StartingPrice
	if a.HighestBid.Valid {
		base = a.HighestBid.Decimal
	}
	if base.IsNegative() {
		base = decimal.Zero
	}
	return base.Add(a.MinIncrement)
}

// CheckBid applies the admission preconditions to a freshly read auction.
func CheckBid(a *store.Auction, bidderID, bidderAddress string, amount decimal.Decimal) error {
	if a.Status != store.StatusActive {
		return fmt.Errorf("auction %s is %s: %w", a.ID, a.Status, ErrNotActive)
	}
	if a.IsSeller(bidderID, bidderAddress) {
		return ErrSelfBid
	}
	if floor := MinimumNextBid(a); amount.LessThan(floor) {
		return fmt.Errorf("%w: minimum is %s", ErrBidTooLow, floor)
	}
	// The watermark only moves up, whatever the increment.
	if a.HighestBid.Valid && !amount.GreaterThan(a.HighestBid.Decimal) {
		return fmt.Errorf("%w: must exceed highest bid %s", ErrBidTooLow, a.HighestBid.Decimal)
	}
	return nil
}

// CreateInput is a seller request to list an item.
type CreateInput struct {
	ItemID        string              `json:"item_id"`
	SellerID      string              `json:"-"`
	SellerAddress string              `json:"-"`
	StartingPrice decimal.Decimal     `json:"starting_price"`
	ReservePrice  decimal.NullDecimal `json:"reserve_price"`
	MinIncrement  decimal.Decimal     `json:"min_increment"`
	StartTime     time.Time           `json:"start_time"`
	EndTime       time.Time           `json:"end_time"`
}

// Validate returns a *ValidationError naming every invalid field.
func (in CreateInput) Validate() error {
	var v ValidationError
	if strings.TrimSpace(in.ItemID) == "" {
		v.add("item_id", "is required")
	}
	if in.SellerID == "" {
		v.add("seller_id", "is required")
	}
	if in.SellerAddress == "" {
		v.add("seller_address", "is required")
	}
	if in.StartingPrice.IsNegative() {
		v.add("starting_price", "must not be negative")
	}
	if in.ReservePrice.Valid && in.ReservePrice.Decimal.IsNegative() {
		v.add("reserve_price", "must not be negative")
	}
	if !in.MinIncrement.IsPositive() {
		v.add("min_increment", "must be positive")
	}
	if in.StartTime.IsZero() {
		v.add("start_time", "is required")
	}
	if in.EndTime.IsZero() {
		v.add("end_time", "is required")
	} else if !in.EndTime.After(in.StartTime) {
		v.add("end_time", "must be after start_time")
	}
	return v.orNil()
}

// BidInput is a request to admit a bid.
type BidInput struct {
	AuctionID     string          `json:"-"`
	BidderID      string          `json:"-"`
	BidderAddress string          `json:"-"`
	Amount        decimal.Decimal `json:"amount"`
	// ExternalRef de-duplicates replayed ledger bids.
	ExternalRef *string `json:"-"`
}

// Validate returns a *ValidationError naming every invalid field.
func (in BidInput) Validate() error {
	var v ValidationError
	if in.AuctionID == "" {
		v.add("auction_id", "is required")
	}
	if strings.TrimSpace(in.BidderAddress) == "" {
		v.add("bidder_address", "is required")
	}
	if !in.Amount.IsPositive() {
		v.add("amount", "must be positive")
	}
	if in.ExternalRef != nil && *in.ExternalRef == "" {
		v.add("external_ref", "must not be empty")
	}
	return v.orNil()
}

func normalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}
