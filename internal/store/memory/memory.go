// Package memory provides a store.Driver that keeps all records in process
// memory. Transactions stage their writes and validate auction versions at
// commit, so concurrent writers observe store.ErrConflict exactly like they
// would against the database driver. It backs tests and single-node demos.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jensholdgaard/nft-auction-engine/internal/clock"
	"github.com/jensholdgaard/nft-auction-engine/internal/config"
	"github.com/jensholdgaard/nft-auction-engine/internal/event"
	"github.com/jensholdgaard/nft-auction-engine/internal/store"
)

func init() {
	store.Register("memory", func(_ context.Context, _ config.DatabaseConfig, clk clock.Clock) (*store.Repositories, error) {
		return New(clk).Repositories(), nil
	})
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// DB is the committed state shared by all repositories and transactions.
type DB struct {
	mu    sync.Mutex
	clock clock.Clock

	auctions      map[string]store.Auction
	bids          []store.Bid
	events        []event.Event
	items         map[string]store.Item
	notifications []store.Notification
}

// New returns an empty DB.
func New(clk clock.Clock) *DB {
	return &DB{
		clock:    clk,
		auctions: make(map[string]store.Auction),
		items:    make(map[string]store.Item),
	}
}

// Repositories returns auto-committing repositories over db.
func (db *DB) Repositories() *store.Repositories {
	r := &repo{db: db}
	return &store.Repositories{
		Auctions:      auctionRepo{r},
		Bids:          bidRepo{r},
		Events:        eventRepo{r},
		Items:         itemRepo{r},
		Notifications: notificationRepo{r},
		Tx:            db,
		Closer:        nopCloser{},
		Ping:          func(context.Context) error { return nil },
	}
}

// WithinTx implements store.Transactor.
func (db *DB) WithinTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	r := &repo{db: db, tx: newTxState()}
	if err := fn(ctx, store.Tx{
		Auctions: auctionRepo{r},
		Bids:     bidRepo{r},
		Events:   eventRepo{r},
		Items:    itemRepo{r},
	}); err != nil {
		return err
	}
	return db.commit(r.tx)
}

type stagedAuction struct {
	next     store.Auction
	expected int // version read by the caller, 0 for inserts
	removed  bool
}

// txState holds writes staged by one transaction. It is only touched by the
// goroutine running the transaction function.
type txState struct {
	auctions map[string]*stagedAuction
	bids     []store.Bid
	events   []event.Event
	items    map[string]*itemPatch
}

// itemPatch records the item fields a transaction changed. Commit applies it
// to the committed row, so transactions touching different fields of the
// same item do not overwrite each other.
type itemPatch struct {
	listed    *bool
	owner     *string
	updatedAt time.Time
}

func (p *itemPatch) apply(it *store.Item) {
	if p.listed != nil {
		it.Listed = *p.listed
	}
	if p.owner != nil {
		it.OwnerAddress = *p.owner
	}
	it.UpdatedAt = p.updatedAt
}

func newTxState() *txState {
	return &txState{
		auctions: make(map[string]*stagedAuction),
		items:    make(map[string]*itemPatch),
	}
}

// repo is shared by the typed repositories. tx is nil for auto-commit.
type repo struct {
	db *DB
	tx *txState
}

func (db *DB) commit(tx *txState) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	for id, s := range tx.auctions {
		cur, exists := db.auctions[id]
		switch {
		case s.expected == 0 && exists:
			return fmt.Errorf("auction %s: %w", id, store.ErrDuplicate)
		case s.expected > 0 && !exists:
			return fmt.Errorf("auction %s: %w", id, store.ErrConflict)
		case s.expected > 0 && cur.Version != s.expected:
			return fmt.Errorf("auction %s at version %d, read %d: %w", id, cur.Version, s.expected, store.ErrConflict)
		}
	}

	merged := db.auctionViewLocked(tx)
	for _, s := range tx.auctions {
		if s.removed || !s.next.Status.Open() {
			continue
		}
		for _, other := range merged {
			if other.ID != s.next.ID && other.ItemID == s.next.ItemID && other.Status.Open() {
				return fmt.Errorf("item %s already has open auction %s: %w", s.next.ItemID, other.ID, store.ErrDuplicate)
			}
		}
	}

	for i, b := range tx.bids {
		if b.ExternalRef == nil {
			continue
		}
		if db.bidByRefLocked(b.AuctionID, *b.ExternalRef) != nil {
			return fmt.Errorf("bid ref %s: %w", *b.ExternalRef, store.ErrDuplicate)
		}
		for _, prev := range tx.bids[:i] {
			if prev.AuctionID == b.AuctionID && prev.ExternalRef != nil && *prev.ExternalRef == *b.ExternalRef {
				return fmt.Errorf("bid ref %s: %w", *b.ExternalRef, store.ErrDuplicate)
			}
		}
	}

	if err := db.checkEventsLocked(tx.events); err != nil {
		return err
	}

	for id, s := range tx.auctions {
		if s.removed {
			delete(db.auctions, id)
			continue
		}
		db.auctions[id] = s.next
	}
	db.bids = append(db.bids, tx.bids...)
	db.events = append(db.events, tx.events...)
	for id, p := range tx.items {
		it := db.items[id]
		p.apply(&it)
		db.items[id] = it
	}
	return nil
}

// auctionViewLocked merges committed auctions with the ones staged in tx.
func (db *DB) auctionViewLocked(tx *txState) map[string]store.Auction {
	view := make(map[string]store.Auction, len(db.auctions))
	for id, a := range db.auctions {
		view[id] = a
	}
	if tx == nil {
		return view
	}
	for id, s := range tx.auctions {
		if s.removed {
			delete(view, id)
			continue
		}
		view[id] = s.next
	}
	return view
}

func (db *DB) bidByRefLocked(auctionID, ref string) *store.Bid {
	for i := range db.bids {
		b := db.bids[i]
		if b.AuctionID == auctionID && b.ExternalRef != nil && *b.ExternalRef == ref {
			return &b
		}
	}
	return nil
}

func (db *DB) checkEventsLocked(events []event.Event) error {
	for i, e := range events {
		for _, prev := range append(append([]event.Event(nil), db.events...), events[:i]...) {
			if prev.AggregateID == e.AggregateID && prev.Version == e.Version {
				return fmt.Errorf("event (aggregate=%s, version=%d): %w", e.AggregateID, e.Version, store.ErrDuplicate)
			}
			if e.ExternalRef != nil && prev.ExternalRef != nil && *prev.ExternalRef == *e.ExternalRef {
				return fmt.Errorf("event ref %s: %w", *e.ExternalRef, store.ErrDuplicate)
			}
		}
	}
	return nil
}

// --- auctions ---

type auctionRepo struct{ *repo }

func (r auctionRepo) view() map[string]store.Auction {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	return r.db.auctionViewLocked(r.tx)
}

func (r auctionRepo) Get(_ context.Context, id string) (*store.Auction, error) {
	a, ok := r.view()[id]
	if !ok {
		return nil, fmt.Errorf("auction %s: %w", id, store.ErrNotFound)
	}
	return &a, nil
}

func (r auctionRepo) GetByItem(_ context.Context, itemID string, statuses ...store.Status) (*store.Auction, error) {
	var best *store.Auction
	for _, a := range r.view() {
		if a.ItemID != itemID || !statusIn(a.Status, statuses) {
			continue
		}
		if best == nil || a.CreatedAt.After(best.CreatedAt) {
			a := a
			best = &a
		}
	}
	if best == nil {
		return nil, fmt.Errorf("auction for item %s: %w", itemID, store.ErrNotFound)
	}
	return best, nil
}

func (r auctionRepo) GetByExternalRef(_ context.Context, ref string) (*store.Auction, error) {
	for _, a := range r.view() {
		if a.ExternalRef != nil && *a.ExternalRef == ref {
			return &a, nil
		}
	}
	return nil, fmt.Errorf("auction with ref %s: %w", ref, store.ErrNotFound)
}

func (r auctionRepo) Save(_ context.Context, a *store.Auction) error {
	now := r.db.clock.Now().UTC()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}

	if r.tx == nil {
		r.db.mu.Lock()
		defer r.db.mu.Unlock()
		cur, exists := r.db.auctions[a.ID]
		if a.Version == 0 && exists {
			return fmt.Errorf("auction %s: %w", a.ID, store.ErrDuplicate)
		}
		if a.Version > 0 && (!exists || cur.Version != a.Version) {
			return fmt.Errorf("auction %s: %w", a.ID, store.ErrConflict)
		}
		if a.Status.Open() {
			for _, other := range r.db.auctions {
				if other.ID != a.ID && other.ItemID == a.ItemID && other.Status.Open() {
					return fmt.Errorf("item %s already has open auction: %w", a.ItemID, store.ErrDuplicate)
				}
			}
		}
		stamp(a, now)
		r.db.auctions[a.ID] = *a
		return nil
	}

	if s, ok := r.tx.auctions[a.ID]; ok {
		if s.removed || s.next.Version != a.Version {
			return fmt.Errorf("auction %s: %w", a.ID, store.ErrConflict)
		}
		stamp(a, now)
		s.next = *a
		return nil
	}
	s := &stagedAuction{expected: a.Version}
	stamp(a, now)
	s.next = *a
	r.tx.auctions[a.ID] = s
	return nil
}

// stamp sets timestamps and bumps the version the way the database does.
func stamp(a *store.Auction, now time.Time) {
	if a.Version == 0 {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	a.Version++
}

func (r auctionRepo) FindDue(_ context.Context, kind store.DueKind, now time.Time) ([]store.Auction, error) {
	var due []store.Auction
	for _, a := range r.view() {
		switch {
		case kind == store.DueToStart && a.Status == store.StatusDraft && !a.StartTime.After(now):
			due = append(due, a)
		case kind == store.DueToEnd && a.Status == store.StatusActive && !a.EndTime.After(now):
			due = append(due, a)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if kind == store.DueToStart {
			return due[i].StartTime.Before(due[j].StartTime)
		}
		return due[i].EndTime.Before(due[j].EndTime)
	})
	return due, nil
}

func (r auctionRepo) ListActive(_ context.Context) ([]store.Auction, error) {
	var active []store.Auction
	for _, a := range r.view() {
		if a.Status == store.StatusActive {
			active = append(active, a)
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].EndTime.Before(active[j].EndTime) })
	return active, nil
}

func (r auctionRepo) Remove(_ context.Context, id string) error {
	if r.tx == nil {
		r.db.mu.Lock()
		defer r.db.mu.Unlock()
		if _, ok := r.db.auctions[id]; !ok {
			return fmt.Errorf("auction %s: %w", id, store.ErrNotFound)
		}
		delete(r.db.auctions, id)
		return nil
	}

	if s, ok := r.tx.auctions[id]; ok {
		if s.removed {
			return fmt.Errorf("auction %s: %w", id, store.ErrNotFound)
		}
		s.removed = true
		return nil
	}
	r.db.mu.Lock()
	cur, ok := r.db.auctions[id]
	r.db.mu.Unlock()
	if !ok {
		return fmt.Errorf("auction %s: %w", id, store.ErrNotFound)
	}
	r.tx.auctions[id] = &stagedAuction{next: cur, expected: cur.Version, removed: true}
	return nil
}

func statusIn(s store.Status, statuses []store.Status) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, want := range statuses {
		if s == want {
			return true
		}
	}
	return false
}

// --- bids ---

type bidRepo struct{ *repo }

func (r bidRepo) all() []store.Bid {
	r.db.mu.Lock()
	out := append([]store.Bid(nil), r.db.bids...)
	r.db.mu.Unlock()
	if r.tx != nil {
		out = append(out, r.tx.bids...)
	}
	return out
}

func (r bidRepo) Insert(_ context.Context, b *store.Bid) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	b.CreatedAt = r.db.clock.Now().UTC()

	if r.tx != nil {
		r.tx.bids = append(r.tx.bids, *b)
		return nil
	}

	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if b.ExternalRef != nil && r.db.bidByRefLocked(b.AuctionID, *b.ExternalRef) != nil {
		return fmt.Errorf("bid ref %s: %w", *b.ExternalRef, store.ErrDuplicate)
	}
	r.db.bids = append(r.db.bids, *b)
	return nil
}

func (r bidRepo) GetByExternalRef(_ context.Context, auctionID, ref string) (*store.Bid, error) {
	for _, b := range r.all() {
		if b.AuctionID == auctionID && b.ExternalRef != nil && *b.ExternalRef == ref {
			return &b, nil
		}
	}
	return nil, fmt.Errorf("bid with ref %s: %w", ref, store.ErrNotFound)
}

func (r bidRepo) ListByAuction(_ context.Context, auctionID string) ([]store.Bid, error) {
	var out []store.Bid
	for _, b := range r.all() {
		if b.AuctionID == auctionID {
			out = append(out, b)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Amount.GreaterThan(out[j].Amount) })
	return out, nil
}

func (r bidRepo) CountByAuction(_ context.Context, auctionID string) (int, error) {
	n := 0
	for _, b := range r.all() {
		if b.AuctionID == auctionID {
			n++
		}
	}
	return n, nil
}

// --- events ---

type eventRepo struct{ *repo }

func (r eventRepo) all() []event.Event {
	r.db.mu.Lock()
	out := append([]event.Event(nil), r.db.events...)
	r.db.mu.Unlock()
	if r.tx != nil {
		out = append(out, r.tx.events...)
	}
	return out
}

func (r eventRepo) Append(_ context.Context, events ...event.Event) error {
	now := r.db.clock.Now().UTC()
	staged := make([]event.Event, len(events))
	for i, e := range events {
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		e.CreatedAt = now
		staged[i] = e
	}

	if r.tx != nil {
		r.tx.events = append(r.tx.events, staged...)
		return nil
	}

	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if err := r.db.checkEventsLocked(staged); err != nil {
		return err
	}
	r.db.events = append(r.db.events, staged...)
	return nil
}

func (r eventRepo) Load(_ context.Context, aggregateID string) ([]event.Event, error) {
	var out []event.Event
	for _, e := range r.all() {
		if e.AggregateID == aggregateID {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func (r eventRepo) LoadByType(_ context.Context, eventType event.Type) ([]event.Event, error) {
	var out []event.Event
	for _, e := range r.all() {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r eventRepo) HasExternalRef(_ context.Context, ref string) (bool, error) {
	for _, e := range r.all() {
		if e.ExternalRef != nil && *e.ExternalRef == ref {
			return true, nil
		}
	}
	return false, nil
}

// --- items ---

type itemRepo struct{ *repo }

func (r itemRepo) lookup(id string) (store.Item, bool) {
	r.db.mu.Lock()
	it, ok := r.db.items[id]
	r.db.mu.Unlock()
	if ok && r.tx != nil {
		if p, staged := r.tx.items[id]; staged {
			p.apply(&it)
		}
	}
	return it, ok
}

// update stages change for the transaction, or applies it under the lock
// when auto-committing.
func (r itemRepo) update(id string, change func(p *itemPatch)) error {
	if r.tx != nil {
		if _, ok := r.lookup(id); !ok {
			return fmt.Errorf("item %s: %w", id, store.ErrNotFound)
		}
		p, ok := r.tx.items[id]
		if !ok {
			p = &itemPatch{}
			r.tx.items[id] = p
		}
		change(p)
		p.updatedAt = r.db.clock.Now().UTC()
		return nil
	}

	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	it, ok := r.db.items[id]
	if !ok {
		return fmt.Errorf("item %s: %w", id, store.ErrNotFound)
	}
	p := &itemPatch{updatedAt: r.db.clock.Now().UTC()}
	change(p)
	p.apply(&it)
	r.db.items[id] = it
	return nil
}

func (r itemRepo) Create(_ context.Context, it *store.Item) error {
	if it.ID == "" {
		it.ID = uuid.NewString()
	}
	now := r.db.clock.Now().UTC()
	it.CreatedAt = now
	it.UpdatedAt = now
	it.OwnerAddress = strings.ToLower(it.OwnerAddress)

	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, other := range r.db.items {
		if other.TokenID == it.TokenID {
			return fmt.Errorf("item token %s: %w", it.TokenID, store.ErrDuplicate)
		}
	}
	r.db.items[it.ID] = *it
	return nil
}

func (r itemRepo) Get(_ context.Context, id string) (*store.Item, error) {
	it, ok := r.lookup(id)
	if !ok {
		return nil, fmt.Errorf("item %s: %w", id, store.ErrNotFound)
	}
	return &it, nil
}

func (r itemRepo) GetByToken(_ context.Context, tokenID string) (*store.Item, error) {
	r.db.mu.Lock()
	var id string
	for _, it := range r.db.items {
		if it.TokenID == tokenID {
			id = it.ID
			break
		}
	}
	r.db.mu.Unlock()
	if id == "" {
		return nil, fmt.Errorf("item token %s: %w", tokenID, store.ErrNotFound)
	}
	it, _ := r.lookup(id)
	return &it, nil
}

func (r itemRepo) SetListed(_ context.Context, id string, listed bool) error {
	return r.update(id, func(p *itemPatch) { p.listed = &listed })
}

func (r itemRepo) TransferOwner(_ context.Context, id, newOwner string) error {
	owner := strings.ToLower(newOwner)
	return r.update(id, func(p *itemPatch) { p.owner = &owner })
}

// --- notifications ---

type notificationRepo struct{ *repo }

func (r notificationRepo) Create(_ context.Context, n *store.Notification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	n.Address = strings.ToLower(n.Address)
	n.CreatedAt = r.db.clock.Now().UTC()

	r.db.mu.Lock()
	r.db.notifications = append(r.db.notifications, *n)
	r.db.mu.Unlock()
	return nil
}

func (r notificationRepo) ListUnread(_ context.Context, address string) ([]store.Notification, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	var out []store.Notification
	for i := len(r.db.notifications) - 1; i >= 0; i-- {
		n := r.db.notifications[i]
		if !n.Read && strings.EqualFold(n.Address, address) {
			out = append(out, n)
		}
	}
	return out, nil
}

func (r notificationRepo) MarkRead(_ context.Context, id, address string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	for i := range r.db.notifications {
		n := &r.db.notifications[i]
		if n.ID == id && strings.EqualFold(n.Address, address) {
			n.Read = true
			return nil
		}
	}
	return fmt.Errorf("notification %s: %w", id, store.ErrNotFound)
}
