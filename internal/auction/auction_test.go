package auction_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jensholdgaard/nft-auction-engine/internal/auction"
	"github.com/jensholdgaard/nft-auction-engine/internal/store"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestCanTransition(t *testing.T) {
	all := []store.Status{
		store.StatusDraft, store.StatusActive, store.StatusEnded,
		store.StatusSettled, store.StatusCancelled,
	}
	legal := map[[2]store.Status]bool{
		{store.StatusDraft, store.StatusActive}:     true,
		{store.StatusActive, store.StatusEnded}:     true,
		{store.StatusActive, store.StatusCancelled}: true,
		{store.StatusEnded, store.StatusSettled}:    true,
	}

	for _, from := range all {
		for _, to := range all {
			want := legal[[2]store.Status{from, to}]
			if got := auction.CanTransition(from, to); got != want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestMinimumNextBid(t *testing.T) {
	tests := []struct {
		name      string
		starting  string
		highest   string
		increment string
		want      string
	}{
		{"no bids", "50", "", "5", "55"},
		{"with bids", "50", "55", "5", "60"},
		{"zero increment", "10", "", "0", "10"},
		{"negative starting clamps", "-3", "", "1", "1"},
		{"fractional", "0.5", "0.75", "0.01", "0.76"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &store.Auction{StartingPrice: dec(tt.starting), MinIncrement: dec(tt.increment)}
			if tt.highest != "" {
				a.HighestBid = decimal.NewNullDecimal(dec(tt.highest))
			}
			if got := auction.MinimumNextBid(a); !got.Equal(dec(tt.want)) {
				t.Errorf("MinimumNextBid() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestCheckBid(t *testing.T) {
	active := &store.Auction{
		ID:            "a-1",
		SellerID:      "seller",
		SellerAddress: "0xseller",
		StartingPrice: dec("50"),
		MinIncrement:  dec("5"),
		Status:        store.StatusActive,
	}

	tests := []struct {
		name    string
		status  store.Status
		bidder  string
		address string
		amount  string
		wantErr error
	}{
		{"accepted at minimum", store.StatusActive, "bob", "0xbob", "55", nil},
		{"below minimum", store.StatusActive, "bob", "0xbob", "53", auction.ErrBidTooLow},
		{"seller by identity", store.StatusActive, "seller", "0xother", "100", auction.ErrSelfBid},
		{"seller by address", store.StatusActive, "other", "0xSELLER", "100", auction.ErrSelfBid},
		{"draft", store.StatusDraft, "bob", "0xbob", "100", auction.ErrNotActive},
		{"ended", store.StatusEnded, "bob", "0xbob", "100", auction.ErrNotActive},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := *active
			a.Status = tt.status
			err := auction.CheckBid(&a, tt.bidder, tt.address, dec(tt.amount))
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("CheckBid() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestCheckBid_EqualToHighestRejected(t *testing.T) {
	a := &store.Auction{
		ID:            "a-1",
		SellerID:      "seller",
		SellerAddress: "0xseller",
		StartingPrice: dec("10"),
		MinIncrement:  decimal.Zero,
		HighestBid:    decimal.NewNullDecimal(dec("10")),
		HighestBidder: strPtr("0xalice"),
		Status:        store.StatusActive,
	}
	if err := auction.CheckBid(a, "bob", "0xbob", dec("10")); !errors.Is(err, auction.ErrBidTooLow) {
		t.Errorf("CheckBid() at the watermark = %v, want ErrBidTooLow", err)
	}
	if err := auction.CheckBid(a, "bob", "0xbob", dec("10.01")); err != nil {
		t.Errorf("CheckBid() above the watermark = %v, want nil", err)
	}
}

func strPtr(s string) *string { return &s }

func TestCreateInput_Validate(t *testing.T) {
	start := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	valid := auction.CreateInput{
		ItemID:        "item-1",
		SellerID:      "seller",
		SellerAddress: "0xseller",
		StartingPrice: dec("1"),
		MinIncrement:  dec("0.1"),
		StartTime:     start,
		EndTime:       start.Add(time.Hour),
	}

	tests := []struct {
		name   string
		mutate func(*auction.CreateInput)
		fields []string
	}{
		{"valid", func(*auction.CreateInput) {}, nil},
		{"missing item", func(in *auction.CreateInput) { in.ItemID = " " }, []string{"item_id"}},
		{"end before start", func(in *auction.CreateInput) { in.EndTime = start }, []string{"end_time"}},
		{"zero increment", func(in *auction.CreateInput) { in.MinIncrement = decimal.Zero }, []string{"min_increment"}},
		{"negative prices", func(in *auction.CreateInput) {
			in.StartingPrice = dec("-1")
			in.ReservePrice = decimal.NewNullDecimal(dec("-2"))
			in.MinIncrement = dec("-0.1")
		}, []string{"starting_price", "reserve_price", "min_increment"}},
		{"no times", func(in *auction.CreateInput) {
			in.StartTime = time.Time{}
			in.EndTime = time.Time{}
		}, []string{"start_time", "end_time"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := valid
			tt.mutate(&in)
			err := in.Validate()
			if tt.fields == nil {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			var verr *auction.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("Validate() = %v, want *ValidationError", err)
			}
			if len(verr.Fields) != len(tt.fields) {
				t.Fatalf("fields = %v, want %v", verr.Fields, tt.fields)
			}
			for i, f := range tt.fields {
				if verr.Fields[i].Field != f {
					t.Errorf("field[%d] = %q, want %q", i, verr.Fields[i].Field, f)
				}
			}
		})
	}
}

func TestBidInput_Validate(t *testing.T) {
	empty := ""
	tests := []struct {
		name    string
		in      auction.BidInput
		wantErr bool
	}{
		{"valid", auction.BidInput{AuctionID: "a", BidderID: "b", BidderAddress: "0xb", Amount: dec("1")}, false},
		{"address only", auction.BidInput{AuctionID: "a", BidderAddress: "0xb", Amount: dec("1")}, false},
		{"identity without wallet", auction.BidInput{AuctionID: "a", BidderID: "b", Amount: dec("1")}, true},
		{"blank wallet", auction.BidInput{AuctionID: "a", BidderID: "b", BidderAddress: "  ", Amount: dec("1")}, true},
		{"zero amount", auction.BidInput{AuctionID: "a", BidderAddress: "0xb", Amount: decimal.Zero}, true},
		{"no bidder", auction.BidInput{AuctionID: "a", Amount: dec("1")}, true},
		{"empty ref", auction.BidInput{AuctionID: "a", BidderAddress: "0xb", Amount: dec("1"), ExternalRef: &empty}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.in.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{auction.ErrNotFound, "NOT_FOUND"},
		{fmt.Errorf("wrapped: %w", auction.ErrBidTooLow), "BID_TOO_LOW"},
		{auction.ErrSelfBid, "SELF_BID"},
		{auction.ErrConflict, "CONFLICT"},
		{&auction.ValidationError{Fields: []auction.FieldError{{Field: "x", Reason: "y"}}}, "VALIDATION_FAILED"},
		{errors.New("boom"), "INTERNAL"},
	}
	for _, tt := range tests {
		if got := auction.Code(tt.err); got != tt.want {
			t.Errorf("Code(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
