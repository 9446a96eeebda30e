package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jensholdgaard/nft-auction-engine/internal/event"
)

// Errors returned by repositories. Drivers translate their native errors
// into these so callers can match with errors.Is.
var (
	ErrNotFound  = errors.New("record not found")
	ErrConflict  = errors.New("stale version")
	ErrDuplicate = errors.New("duplicate record")
)

// Status is the lifecycle status of an auction.
type Status string

const (
	StatusDraft     Status = "DRAFT"
	StatusActive    Status = "ACTIVE"
	StatusEnded     Status = "ENDED"
	StatusSettled   Status = "SETTLED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool {
	return s == StatusSettled || s == StatusCancelled
}

// Open reports whether s holds the item (at most one open auction per item).
func (s Status) Open() bool {
	return s == StatusDraft || s == StatusActive
}

// DueKind selects which time boundary FindDue looks at.
type DueKind int

const (
	// DueToStart matches DRAFT auctions with start_time <= now.
	DueToStart DueKind = iota
	// DueToEnd matches ACTIVE auctions with end_time <= now.
	DueToEnd
)

func (k DueKind) String() string {
	switch k {
	case DueToStart:
		return "to_start"
	case DueToEnd:
		return "to_end"
	default:
		return "unknown"
	}
}

// Auction represents an auction record.
type Auction struct {
	ID            string              `db:"id" json:"id"`
	ItemID        string              `db:"item_id" json:"item_id"`
	SellerID      string              `db:"seller_id" json:"seller_id"`
	SellerAddress string              `db:"seller_address" json:"seller_address"`
	StartingPrice decimal.Decimal     `db:"starting_price" json:"starting_price"`
	ReservePrice  decimal.NullDecimal `db:"reserve_price" json:"reserve_price"`
	MinIncrement  decimal.Decimal     `db:"min_increment" json:"min_increment"`
	StartTime     time.Time           `db:"start_time" json:"start_time"`
	EndTime       time.Time           `db:"end_time" json:"end_time"`
	HighestBid    decimal.NullDecimal `db:"highest_bid" json:"highest_bid"`
	HighestBidder *string             `db:"highest_bidder" json:"highest_bidder"`
	Status        Status              `db:"status" json:"status"`
	ExternalRef   *string             `db:"external_ref" json:"external_ref,omitempty"`
	Version       int                 `db:"version" json:"version"`
	CreatedAt     time.Time           `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time           `db:"updated_at" json:"updated_at"`
}

// IsSeller reports whether the identity or address belongs to the seller.
func (a *Auction) IsSeller(identity, address string) bool {
	if identity != "" && identity == a.SellerID {
		return true
	}
	return address != "" && strings.EqualFold(address, a.SellerAddress)
}

// Bid represents an accepted bid. Bids are immutable once inserted.
type Bid struct {
	ID            string          `db:"id" json:"id"`
	AuctionID     string          `db:"auction_id" json:"auction_id"`
	BidderID      string          `db:"bidder_id" json:"bidder_id"`
	BidderAddress string          `db:"bidder_address" json:"bidder_address"`
	Amount        decimal.Decimal `db:"amount" json:"amount"`
	ExternalRef   *string         `db:"external_ref" json:"external_ref,omitempty"`
	Valid         bool            `db:"is_valid" json:"is_valid"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
}

// Item is a uniquely owned digital asset in the catalog.
type Item struct {
	ID           string    `db:"id" json:"id"`
	TokenID      string    `db:"token_id" json:"token_id"`
	OwnerAddress string    `db:"owner_address" json:"owner_address"`
	Listed       bool      `db:"is_listed" json:"is_listed"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// Notification is an in-app notice addressed to a wallet.
type Notification struct {
	ID        string    `db:"id" json:"id"`
	Address   string    `db:"address" json:"address"`
	Kind      string    `db:"kind" json:"kind"`
	Title     string    `db:"title" json:"title"`
	Message   string    `db:"message" json:"message"`
	Read      bool      `db:"is_read" json:"is_read"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// AuctionRepository defines auction persistence operations.
type AuctionRepository interface {
	Get(ctx context.Context, id string) (*Auction, error)
	// GetByItem returns the most recently created auction for the item whose
	// status is one of statuses (any status when none are given).
	GetByItem(ctx context.Context, itemID string, statuses ...Status) (*Auction, error)
	GetByExternalRef(ctx context.Context, ref string) (*Auction, error)
	// Save inserts a (Version == 0) or updates a when the stored version still
	// equals a.Version. On success a.Version is incremented. A stale version
	// fails with ErrConflict; a second open auction for an item fails with
	// ErrDuplicate.
	Save(ctx context.Context, a *Auction) error
	FindDue(ctx context.Context, kind DueKind, now time.Time) ([]Auction, error)
	ListActive(ctx context.Context) ([]Auction, error)
	Remove(ctx context.Context, id string) error
}

// BidRepository defines bid persistence operations.
type BidRepository interface {
	// Insert stores b. A repeated (auction, external ref) fails with ErrDuplicate.
	Insert(ctx context.Context, b *Bid) error
	GetByExternalRef(ctx context.Context, auctionID, ref string) (*Bid, error)
	// ListByAuction returns bids ordered by amount, highest first.
	ListByAuction(ctx context.Context, auctionID string) ([]Bid, error)
	CountByAuction(ctx context.Context, auctionID string) (int, error)
}

// ItemRepository is the item catalog.
type ItemRepository interface {
	Create(ctx context.Context, it *Item) error
	Get(ctx context.Context, id string) (*Item, error)
	GetByToken(ctx context.Context, tokenID string) (*Item, error)
	SetListed(ctx context.Context, id string, listed bool) error
	TransferOwner(ctx context.Context, id, newOwner string) error
}

// NotificationRepository stores in-app notifications.
type NotificationRepository interface {
	Create(ctx context.Context, n *Notification) error
	ListUnread(ctx context.Context, address string) ([]Notification, error)
	// MarkRead flags the notice as read when it belongs to address.
	MarkRead(ctx context.Context, id, address string) error
}

// Tx groups the repositories bound to a single transaction.
type Tx struct {
	Auctions AuctionRepository
	Bids     BidRepository
	Events   event.Store
	Items    ItemRepository
}

// Transactor runs fn inside a transaction. The transaction commits when fn
// returns nil and rolls back otherwise. Commit-time version checks surface as
// ErrConflict.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}
