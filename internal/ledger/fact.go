// Package ledger reconciles auction facts observed on the external ledger
// with local auction state. Facts arrive at least once and in any order; each
// carries a unique external reference used to make reapplication a no-op.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Kind identifies a ledger fact.
type Kind string

const (
	KindAuctionCreated  Kind = "AuctionCreated"
	KindBidPlaced       Kind = "BidPlaced"
	KindAuctionEnded    Kind = "AuctionEnded"
	KindAuctionCanceled Kind = "AuctionCanceled"
)

// Fact is one externally observed auction event. Actor is the seller for
// AuctionCreated, the bidder for BidPlaced and the winner for AuctionEnded.
type Fact struct {
	Kind        Kind                `json:"kind"`
	ExternalRef string              `json:"external_ref"`
	TokenID     string              `json:"token_id"`
	Actor       string              `json:"actor,omitempty"`
	Amount      decimal.NullDecimal `json:"amount"`
	StartTime   time.Time           `json:"start_time,omitzero"`
	EndTime     time.Time           `json:"end_time,omitzero"`
	OccurredAt  time.Time           `json:"occurred_at,omitzero"`
}

// ErrMalformed reports a fact that cannot be reconciled as given.
var ErrMalformed = errors.New("malformed fact")

// Validate checks the fields required by the fact's kind.
func (f Fact) Validate() error {
	if f.ExternalRef == "" {
		return fmt.Errorf("%w: external_ref is required", ErrMalformed)
	}
	if f.TokenID == "" {
		return fmt.Errorf("%w: token_id is required", ErrMalformed)
	}
	switch f.Kind {
	case KindAuctionCreated:
		if f.Actor == "" {
			return fmt.Errorf("%w: seller is required", ErrMalformed)
		}
		if !f.EndTime.After(f.StartTime) {
			return fmt.Errorf("%w: end_time must be after start_time", ErrMalformed)
		}
	case KindBidPlaced:
		if f.Actor == "" {
			return fmt.Errorf("%w: bidder is required", ErrMalformed)
		}
		if !f.Amount.Valid || !f.Amount.Decimal.IsPositive() {
			return fmt.Errorf("%w: amount must be positive", ErrMalformed)
		}
	case KindAuctionEnded, KindAuctionCanceled:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrMalformed, f.Kind)
	}
	return nil
}

// Decode parses and validates a JSON fact.
func Decode(b []byte) (Fact, error) {
	var f Fact
	if err := json.Unmarshal(b, &f); err != nil {
		return Fact{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return f, f.Validate()
}
