package postgres_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/jensholdgaard/nft-auction-engine/internal/clock"
	"github.com/jensholdgaard/nft-auction-engine/internal/store"
	"github.com/jensholdgaard/nft-auction-engine/internal/store/postgres"
)

func seedItem(t *testing.T, db *sqlx.DB, token string) *store.Item {
	t.Helper()
	it := &store.Item{TokenID: token, OwnerAddress: "0xSeller"}
	if err := postgres.NewItemRepo(db, clock.Real{}).Create(context.Background(), it); err != nil {
		t.Fatalf("creating item: %v", err)
	}
	return it
}

func draftAuction(itemID string) *store.Auction {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &store.Auction{
		ItemID:        itemID,
		SellerID:      "seller-1",
		SellerAddress: "0xseller",
		StartingPrice: decimal.NewFromInt(10),
		MinIncrement:  decimal.NewFromInt(1),
		StartTime:     now,
		EndTime:       now.Add(time.Hour),
		Status:        store.StatusDraft,
	}
}

func TestAuctionRepo_SaveAndGet(t *testing.T) {
	db := newTestDB(t)
	repo := postgres.NewAuctionRepo(db, clock.Real{})
	ctx := context.Background()

	it := seedItem(t, db, "1")
	a := draftAuction(it.ID)
	a.ReservePrice = decimal.NewNullDecimal(decimal.RequireFromString("12.5"))
	if err := repo.Save(ctx, a); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if a.ID == "" || a.Version != 1 {
		t.Fatalf("after insert ID=%q Version=%d", a.ID, a.Version)
	}

	got, err := repo.Get(ctx, a.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.ReservePrice.Valid || !got.ReservePrice.Decimal.Equal(decimal.RequireFromString("12.5")) {
		t.Errorf("ReservePrice = %v, want 12.5", got.ReservePrice)
	}
	if got.HighestBid.Valid || got.HighestBidder != nil {
		t.Errorf("new auction has watermark %v / %v", got.HighestBid, got.HighestBidder)
	}

	byItem, err := repo.GetByItem(ctx, it.ID, store.StatusDraft, store.StatusActive)
	if err != nil {
		t.Fatalf("GetByItem: %v", err)
	}
	if byItem.ID != a.ID {
		t.Errorf("GetByItem = %s, want %s", byItem.ID, a.ID)
	}
	if _, err := repo.GetByItem(ctx, it.ID, store.StatusEnded); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetByItem(ENDED) error = %v, want ErrNotFound", err)
	}

	if _, err := repo.Get(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrNotFound", err)
	}
}

func TestAuctionRepo_StaleVersion(t *testing.T) {
	db := newTestDB(t)
	repo := postgres.NewAuctionRepo(db, clock.Real{})
	ctx := context.Background()

	a := draftAuction(seedItem(t, db, "2").ID)
	if err := repo.Save(ctx, a); err != nil {
		t.Fatalf("Save: %v", err)
	}
	stale := *a

	a.Status = store.StatusActive
	if err := repo.Save(ctx, a); err != nil {
		t.Fatalf("Save update: %v", err)
	}
	if a.Version != 2 {
		t.Errorf("Version = %d, want 2", a.Version)
	}

	stale.Status = store.StatusEnded
	if err := repo.Save(ctx, &stale); !errors.Is(err, store.ErrConflict) {
		t.Errorf("stale Save error = %v, want ErrConflict", err)
	}
}

func TestAuctionRepo_OneOpenAuctionPerItem(t *testing.T) {
	db := newTestDB(t)
	repo := postgres.NewAuctionRepo(db, clock.Real{})
	ctx := context.Background()

	it := seedItem(t, db, "3")
	if err := repo.Save(ctx, draftAuction(it.ID)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := repo.Save(ctx, draftAuction(it.ID)); !errors.Is(err, store.ErrDuplicate) {
		t.Errorf("second open auction error = %v, want ErrDuplicate", err)
	}
}

func TestAuctionRepo_FindDueAndRemove(t *testing.T) {
	db := newTestDB(t)
	repo := postgres.NewAuctionRepo(db, clock.Real{})
	ctx := context.Background()

	a := draftAuction(seedItem(t, db, "4").ID)
	if err := repo.Save(ctx, a); err != nil {
		t.Fatalf("Save: %v", err)
	}

	due, err := repo.FindDue(ctx, store.DueToStart, a.StartTime.Add(time.Second))
	if err != nil {
		t.Fatalf("FindDue: %v", err)
	}
	if len(due) != 1 || due[0].ID != a.ID {
		t.Fatalf("FindDue(to_start) = %+v, want [%s]", due, a.ID)
	}
	due, err = repo.FindDue(ctx, store.DueToEnd, a.EndTime.Add(time.Second))
	if err != nil {
		t.Fatalf("FindDue: %v", err)
	}
	if len(due) != 0 {
		t.Errorf("FindDue(to_end) for a draft returned %d, want 0", len(due))
	}

	if err := repo.Remove(ctx, a.ID); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := repo.Remove(ctx, a.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("second Remove error = %v, want ErrNotFound", err)
	}
}

func TestTransactor_BidAndWatermarkAreAtomic(t *testing.T) {
	db := newTestDB(t)
	repos := postgres.NewRepositories(db, clock.Real{})
	ctx := context.Background()

	a := draftAuction(seedItem(t, db, "5").ID)
	a.Status = store.StatusActive
	if err := repos.Auctions.Save(ctx, a); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// The version read here is overtaken before the transaction writes.
	stale := *a
	a.HighestBid = decimal.NewNullDecimal(decimal.NewFromInt(11))
	bidder := "0xa"
	a.HighestBidder = &bidder
	if err := repos.Auctions.Save(ctx, a); err != nil {
		t.Fatalf("Save: %v", err)
	}

	err := repos.Tx.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.Bids.Insert(ctx, &store.Bid{AuctionID: stale.ID, BidderID: "b", BidderAddress: "0xb", Amount: decimal.NewFromInt(12), Valid: true}); err != nil {
			return err
		}
		b := "0xb"
		stale.HighestBid = decimal.NewNullDecimal(decimal.NewFromInt(12))
		stale.HighestBidder = &b
		return tx.Auctions.Save(ctx, &stale)
	})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("WithinTx error = %v, want ErrConflict", err)
	}

	n, err := repos.Bids.CountByAuction(ctx, a.ID)
	if err != nil {
		t.Fatalf("CountByAuction: %v", err)
	}
	if n != 0 {
		t.Errorf("bid rows after rollback = %d, want 0", n)
	}
}

func TestBidRepo_ExternalRefIsUnique(t *testing.T) {
	db := newTestDB(t)
	repos := postgres.NewRepositories(db, clock.Real{})
	ctx := context.Background()

	a := draftAuction(seedItem(t, db, "6").ID)
	if err := repos.Auctions.Save(ctx, a); err != nil {
		t.Fatalf("Save: %v", err)
	}

	ref := "0xtx:9"
	b := &store.Bid{AuctionID: a.ID, BidderID: "b", BidderAddress: "0xb", Amount: decimal.NewFromInt(11), ExternalRef: &ref, Valid: true}
	if err := repos.Bids.Insert(ctx, b); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	dup := *b
	dup.ID = ""
	if err := repos.Bids.Insert(ctx, &dup); !errors.Is(err, store.ErrDuplicate) {
		t.Errorf("duplicate Insert error = %v, want ErrDuplicate", err)
	}

	got, err := repos.Bids.GetByExternalRef(ctx, a.ID, ref)
	if err != nil {
		t.Fatalf("GetByExternalRef: %v", err)
	}
	if got.ID != b.ID {
		t.Errorf("GetByExternalRef = %s, want %s", got.ID, b.ID)
	}
}

func TestItemRepo_ListAndTransfer(t *testing.T) {
	db := newTestDB(t)
	items := postgres.NewItemRepo(db, clock.Real{})
	ctx := context.Background()

	it := seedItem(t, db, "7")
	if err := items.SetListed(ctx, it.ID, true); err != nil {
		t.Fatalf("SetListed: %v", err)
	}
	if err := items.TransferOwner(ctx, it.ID, "0xBUYER"); err != nil {
		t.Fatalf("TransferOwner: %v", err)
	}

	got, err := items.GetByToken(ctx, "7")
	if err != nil {
		t.Fatalf("GetByToken: %v", err)
	}
	if !got.Listed || got.OwnerAddress != "0xbuyer" {
		t.Errorf("item = %+v, want listed and owned by 0xbuyer", got)
	}
	if err := items.SetListed(ctx, "missing", false); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("SetListed(missing) error = %v, want ErrNotFound", err)
	}
}

func TestNotificationRepo_ListUnread(t *testing.T) {
	db := newTestDB(t)
	repo := postgres.NewNotificationRepo(db, clock.Real{})
	ctx := context.Background()

	if err := repo.Create(ctx, &store.Notification{Address: "0xAB", Kind: "OUTBID", Title: "Outbid", Message: "m"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	got, err := repo.ListUnread(ctx, "0xab")
	if err != nil {
		t.Fatalf("ListUnread: %v", err)
	}
	if len(got) != 1 || got[0].Kind != "OUTBID" {
		t.Errorf("ListUnread = %+v, want one OUTBID notice", got)
	}
}
