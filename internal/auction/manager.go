package auction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/nft-auction-engine/internal/cache"
	"github.com/jensholdgaard/nft-auction-engine/internal/clock"
	"github.com/jensholdgaard/nft-auction-engine/internal/event"
	"github.com/jensholdgaard/nft-auction-engine/internal/notify"
	"github.com/jensholdgaard/nft-auction-engine/internal/store"
	"github.com/jensholdgaard/nft-auction-engine/internal/telemetry"
)

// DefaultMaxAttempts bounds the optimistic retry loop.
const DefaultMaxAttempts = 3

// Broadcaster fans realtime events out to connected clients.
type Broadcaster interface {
	Publish(event string, payload any) error
}

// Invalidator drops cached views.
type Invalidator interface {
	Delete(ctx context.Context, keys ...string) error
}

// Options configures a Manager. Nil collaborators are replaced by no-ops.
type Options struct {
	Notifier    notify.Notifier
	Broadcaster Broadcaster
	Cache       Invalidator
	Metrics     *telemetry.EngineMetrics
	MaxAttempts int
	// DefaultIncrement is given to auctions synthesized from ledger facts.
	DefaultIncrement decimal.Decimal
}

// Manager is the single entry point for every auction mutation.
type Manager struct {
	repos       *store.Repositories
	notifier    notify.Notifier
	broadcaster Broadcaster
	cache       Invalidator
	metrics     *telemetry.EngineMetrics
	maxAttempts int
	increment   decimal.Decimal

	logger *slog.Logger
	tracer trace.Tracer
	clock  clock.Clock
}

// NewManager creates a new auction Manager.
func NewManager(repos *store.Repositories, opts Options, logger *slog.Logger, tp trace.TracerProvider, clk clock.Clock) *Manager {
	m := &Manager{
		repos:       repos,
		notifier:    opts.Notifier,
		broadcaster: opts.Broadcaster,
		cache:       opts.Cache,
		metrics:     opts.Metrics,
		maxAttempts: opts.MaxAttempts,
		increment:   opts.DefaultIncrement,
		logger:      logger,
		tracer:      tp.Tracer("github.com/jensholdgaard/nft-auction-engine/internal/auction"),
		clock:       clk,
	}
	if m.notifier == nil {
		m.notifier = notify.Nop{}
	}
	if m.broadcaster == nil {
		m.broadcaster = nopBroadcaster{}
	}
	if m.cache == nil {
		m.cache = nopInvalidator{}
	}
	if m.metrics == nil {
		m.metrics = telemetry.NewNopEngineMetrics()
	}
	if m.maxAttempts < 1 {
		m.maxAttempts = DefaultMaxAttempts
	}
	if !m.increment.IsPositive() {
		m.increment = defaultIncrement
	}
	return m
}

type nopBroadcaster struct{}

func (nopBroadcaster) Publish(string, any) error { return nil }

type nopInvalidator struct{}

func (nopInvalidator) Delete(context.Context, ...string) error { return nil }

// StatusChanged is broadcast on every committed lifecycle transition.
type StatusChanged struct {
	AuctionID string       `json:"auctionId"`
	Status    store.Status `json:"status"`
}

// BidPlaced is broadcast for every accepted bid.
type BidPlaced struct {
	AuctionID string `json:"auctionId"`
	Bidder    string `json:"bidder"`
	Amount    string `json:"amount"`
}

// effects are collected inside a transaction and dispatched after commit.
type effects struct {
	notices    []notify.Notice
	messages   []message
	keys       []string
	transition *transitionRecord
	accepted   bool
}

type message struct {
	event   string
	payload any
}

type transitionRecord struct {
	from, to store.Status
	trigger  event.Trigger
}

func (fx *effects) notify(address, title, msg string, kind notify.Kind) {
	if address == "" {
		return
	}
	fx.notices = append(fx.notices, notify.Notice{Address: address, Title: title, Message: msg, Kind: kind})
}

func (fx *effects) publish(name string, payload any) {
	fx.messages = append(fx.messages, message{event: name, payload: payload})
}

func (fx *effects) invalidate(keys ...string) {
	fx.keys = append(fx.keys, keys...)
}

// dispatch runs post-commit side effects. Failures are logged and dropped:
// the mutation has already committed.
func (m *Manager) dispatch(ctx context.Context, fx *effects) {
	if fx.transition != nil {
		m.metrics.Transition(ctx, string(fx.transition.from), string(fx.transition.to), string(fx.transition.trigger))
	}
	if fx.accepted {
		m.metrics.BidAccepted(ctx)
	}
	if len(fx.keys) > 0 {
		if err := m.cache.Delete(ctx, fx.keys...); err != nil {
			m.logger.WarnContext(ctx, "cache invalidation failed",
				slog.Any("keys", fx.keys),
				slog.Any("error", err),
			)
		}
	}
	for _, msg := range fx.messages {
		if err := m.broadcaster.Publish(msg.event, msg.payload); err != nil {
			m.logger.WarnContext(ctx, "broadcast failed",
				slog.String("event", msg.event),
				slog.Any("error", err),
			)
		}
	}
	for _, n := range fx.notices {
		if err := m.notifier.Notify(ctx, n); err != nil {
			m.logger.ErrorContext(ctx, "notification failed",
				slog.String("address", n.Address),
				slog.String("kind", string(n.Kind)),
				slog.Any("error", err),
			)
		}
	}
}

// errNoop aborts a mutation without error: the requested change is already
// in effect or not due.
var errNoop = errors.New("no change")

func retryable(err error) bool {
	return errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrDuplicate)
}

// mutateFunc changes a freshly read auction inside a transaction.
type mutateFunc func(ctx context.Context, tx store.Tx, a *store.Auction, fx *effects) error

// mutate re-reads the auction inside a transaction and applies fn. Version
// conflicts and unique-key races re-run fn against a fresh read, at most
// maxAttempts times in total. The boolean is false when fn returned errNoop.
func (m *Manager) mutate(ctx context.Context, id string, fn mutateFunc) (*store.Auction, bool, error) {
	for attempt := 1; ; attempt++ {
		var (
			result *store.Auction
			fx     effects
		)
		err := m.repos.Tx.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
			a, err := tx.Auctions.Get(ctx, id)
			if err != nil {
				return err
			}
			result = a
			return fn(ctx, tx, a, &fx)
		})

		switch {
		case err == nil:
			m.dispatch(ctx, &fx)
			return result, true, nil
		case errors.Is(err, errNoop):
			return result, false, nil
		case retryable(err):
			m.metrics.AdmissionConflict(ctx)
			if attempt >= m.maxAttempts {
				return nil, false, fmt.Errorf("%w: auction %s after %d attempts: %w", ErrConflict, id, attempt, err)
			}
			m.logger.DebugContext(ctx, "optimistic conflict, retrying",
				slog.String("auction_id", id),
				slog.Int("attempt", attempt),
			)
		default:
			return nil, false, translate(err)
		}
	}
}

// record saves a and appends the event describing the change, stamped with
// the version the save produced.
func (m *Manager) record(ctx context.Context, tx store.Tx, a *store.Auction, typ event.Type, trigger event.Trigger, ref *string, data any) error {
	if err := tx.Auctions.Save(ctx, a); err != nil {
		return err
	}
	return appendEvent(ctx, tx.Events, a.ID, a.Version, typ, trigger, ref, data)
}

func appendEvent(ctx context.Context, es event.Store, aggregateID string, version int, typ event.Type, trigger event.Trigger, ref *string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encoding %s event: %w", typ, err)
	}
	return es.Append(ctx, event.Event{
		AggregateID: aggregateID,
		Type:        typ,
		Trigger:     trigger,
		ExternalRef: ref,
		Data:        raw,
		Version:     version,
	})
}

// CreateAuction lists an item in a new DRAFT auction.
func (m *Manager) CreateAuction(ctx context.Context, in CreateInput) (*store.Auction, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.CreateAuction",
		trace.WithAttributes(
			attribute.String("item_id", in.ItemID),
			attribute.String("seller_id", in.SellerID),
		),
	)
	defer span.End()

	if err := in.Validate(); err != nil {
		return nil, err
	}

	a := &store.Auction{
		ItemID:        in.ItemID,
		SellerID:      in.SellerID,
		SellerAddress: normalizeAddress(in.SellerAddress),
		StartingPrice: in.StartingPrice,
		ReservePrice:  in.ReservePrice,
		MinIncrement:  in.MinIncrement,
		StartTime:     in.StartTime.UTC(),
		EndTime:       in.EndTime.UTC(),
		Status:        store.StatusDraft,
	}

	err := m.repos.Tx.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		item, err := tx.Items.Get(ctx, in.ItemID)
		if err != nil {
			return err
		}
		if item.Listed {
			return fmt.Errorf("item %s: %w", item.ID, ErrAlreadyListed)
		}
		if open, err := tx.Auctions.GetByItem(ctx, item.ID, store.StatusDraft, store.StatusActive); err == nil {
			return fmt.Errorf("item %s has auction %s: %w", item.ID, open.ID, ErrAlreadyActive)
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		return m.record(ctx, tx, a, event.AuctionCreated, event.TriggerManual, nil,
			event.TransitionData{To: string(store.StatusDraft)})
	})
	if errors.Is(err, store.ErrDuplicate) {
		// Lost the race for the item to a concurrent create.
		return nil, fmt.Errorf("item %s: %w", in.ItemID, ErrAlreadyActive)
	}
	if err != nil {
		return nil, translate(err)
	}

	m.dispatch(ctx, &effects{keys: []string{cache.ItemKey(a.ItemID)}})
	m.logger.InfoContext(ctx, "auction created",
		slog.String("auction_id", a.ID),
		slog.String("item_id", a.ItemID),
		slog.String("seller_id", a.SellerID),
	)
	return a, nil
}

// StartAuction moves a DRAFT auction to ACTIVE now.
func (m *Manager) StartAuction(ctx context.Context, id string) (*store.Auction, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.StartAuction",
		trace.WithAttributes(attribute.String("auction_id", id)),
	)
	defer span.End()

	a, _, err := m.mutate(ctx, id, func(ctx context.Context, tx store.Tx, a *store.Auction, fx *effects) error {
		if !CanTransition(a.Status, store.StatusActive) {
			return fmt.Errorf("start auction %s from %s: %w", a.ID, a.Status, ErrInvalidTransition)
		}
		now := m.clock.Now()
		if !a.EndTime.After(now) {
			return fmt.Errorf("start auction %s: end time has passed: %w", a.ID, ErrInvalidTransition)
		}
		a.StartTime = now
		return m.activate(ctx, tx, a, fx, event.TriggerManual, nil)
	})
	if err != nil {
		return nil, err
	}
	m.logger.InfoContext(ctx, "auction started", slog.String("auction_id", id), slog.String("trigger", string(event.TriggerManual)))
	return a, nil
}

// StartDue activates a DRAFT auction whose start time has passed. It
// reports false when the auction is no longer eligible.
func (m *Manager) StartDue(ctx context.Context, id string) (bool, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.StartDue",
		trace.WithAttributes(attribute.String("auction_id", id)),
	)
	defer span.End()

	_, applied, err := m.mutate(ctx, id, func(ctx context.Context, tx store.Tx, a *store.Auction, fx *effects) error {
		if !CanTransition(a.Status, store.StatusActive) || a.StartTime.After(m.clock.Now()) {
			return errNoop
		}
		return m.activate(ctx, tx, a, fx, event.TriggerScheduler, nil)
	})
	if applied {
		m.logger.InfoContext(ctx, "auction started", slog.String("auction_id", id), slog.String("trigger", string(event.TriggerScheduler)))
	}
	return applied, err
}

// activate performs DRAFT -> ACTIVE on a.
func (m *Manager) activate(ctx context.Context, tx store.Tx, a *store.Auction, fx *effects, trigger event.Trigger, ref *string) error {
	from := a.Status
	a.Status = store.StatusActive
	if err := tx.Items.SetListed(ctx, a.ItemID, true); err != nil {
		return err
	}
	if err := m.record(ctx, tx, a, event.AuctionStarted, trigger, ref,
		event.TransitionData{From: string(from), To: string(a.Status)}); err != nil {
		return err
	}

	fx.transition = &transitionRecord{from: from, to: a.Status, trigger: trigger}
	fx.invalidate(cache.AuctionKey(a.ID), cache.ActiveAuctionsKey, cache.ItemKey(a.ItemID))
	fx.publish("auction_started", StatusChanged{AuctionID: a.ID, Status: a.Status})
	fx.notify(a.SellerAddress, "Auction Live",
		fmt.Sprintf("Your auction for item %s is now live!", a.ItemID), notify.KindSystemAlert)
	return nil
}

// EndAuction closes an ACTIVE auction now.
func (m *Manager) EndAuction(ctx context.Context, id string) (*store.Auction, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.EndAuction",
		trace.WithAttributes(attribute.String("auction_id", id)),
	)
	defer span.End()

	a, _, err := m.mutate(ctx, id, func(ctx context.Context, tx store.Tx, a *store.Auction, fx *effects) error {
		if !CanTransition(a.Status, store.StatusEnded) {
			return fmt.Errorf("end auction %s from %s: %w", a.ID, a.Status, ErrNotActive)
		}
		return m.close(ctx, tx, a, fx, event.TriggerManual)
	})
	if err != nil {
		return nil, err
	}
	m.logger.InfoContext(ctx, "auction ended", slog.String("auction_id", id), slog.String("trigger", string(event.TriggerManual)))
	return a, nil
}

// EndDue closes an ACTIVE auction whose end time has passed. It reports
// false when the auction is no longer eligible.
func (m *Manager) EndDue(ctx context.Context, id string) (bool, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.EndDue",
		trace.WithAttributes(attribute.String("auction_id", id)),
	)
	defer span.End()

	_, applied, err := m.mutate(ctx, id, func(ctx context.Context, tx store.Tx, a *store.Auction, fx *effects) error {
		if !CanTransition(a.Status, store.StatusEnded) || a.EndTime.After(m.clock.Now()) {
			return errNoop
		}
		return m.close(ctx, tx, a, fx, event.TriggerScheduler)
	})
	if applied {
		m.logger.InfoContext(ctx, "auction ended", slog.String("auction_id", id), slog.String("trigger", string(event.TriggerScheduler)))
	}
	return applied, err
}

// close performs ACTIVE -> ENDED on the manual and scheduler paths.
func (m *Manager) close(ctx context.Context, tx store.Tx, a *store.Auction, fx *effects, trigger event.Trigger) error {
	from := a.Status
	a.Status = store.StatusEnded
	if now := m.clock.Now(); now.After(a.StartTime) {
		a.EndTime = now
	}
	data := event.AuctionEndedData{TransitionData: event.TransitionData{From: string(from), To: string(a.Status)}}
	if a.HighestBidder != nil {
		data.Winner = *a.HighestBidder
		data.Amount = &a.HighestBid.Decimal
	}
	if err := m.record(ctx, tx, a, event.AuctionEnded, trigger, nil, data); err != nil {
		return err
	}

	fx.transition = &transitionRecord{from: from, to: a.Status, trigger: trigger}
	fx.invalidate(cache.AuctionKey(a.ID), cache.ActiveAuctionsKey)
	fx.publish("auction_ended", StatusChanged{AuctionID: a.ID, Status: a.Status})
	fx.notify(a.SellerAddress, "Auction Ended",
		fmt.Sprintf("Your auction for item %s has ended.", a.ItemID), notify.KindAuctionEnded)
	return nil
}

// SettleAuction finalizes an ENDED auction, transferring the item to the
// winner when there is one.
func (m *Manager) SettleAuction(ctx context.Context, id string) (*store.Auction, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.SettleAuction",
		trace.WithAttributes(attribute.String("auction_id", id)),
	)
	defer span.End()

	a, _, err := m.mutate(ctx, id, func(ctx context.Context, tx store.Tx, a *store.Auction, fx *effects) error {
		if !CanTransition(a.Status, store.StatusSettled) {
			return fmt.Errorf("settle auction %s from %s: %w", a.ID, a.Status, ErrInvalidTransition)
		}
		from := a.Status
		a.Status = store.StatusSettled

		data := event.AuctionSettledData{TransitionData: event.TransitionData{From: string(from), To: string(a.Status)}}
		if a.HighestBidder != nil {
			if err := tx.Items.TransferOwner(ctx, a.ItemID, *a.HighestBidder); err != nil {
				return err
			}
			data.NewOwner = *a.HighestBidder
			fx.notify(*a.HighestBidder, "Auction Won!",
				fmt.Sprintf("Congratulations! You won the auction for item %s!", a.ItemID), notify.KindAuctionWon)
			fx.notify(a.SellerAddress, "Auction Settled",
				fmt.Sprintf("Your auction for item %s has been settled and ownership transferred.", a.ItemID), notify.KindSystemAlert)
		}
		if err := tx.Items.SetListed(ctx, a.ItemID, false); err != nil {
			return err
		}
		if err := m.record(ctx, tx, a, event.AuctionSettled, event.TriggerManual, nil, data); err != nil {
			return err
		}

		fx.transition = &transitionRecord{from: from, to: a.Status, trigger: event.TriggerManual}
		fx.invalidate(cache.AuctionKey(a.ID), cache.ItemKey(a.ItemID))
		fx.publish("auction_settled", StatusChanged{AuctionID: a.ID, Status: a.Status})
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.logger.InfoContext(ctx, "auction settled",
		slog.String("auction_id", id),
		slog.Bool("transferred", a.HighestBidder != nil),
	)
	return a, nil
}

// DeleteAuction removes a DRAFT auction that has no bids.
func (m *Manager) DeleteAuction(ctx context.Context, id string) error {
	ctx, span := m.tracer.Start(ctx, "Manager.DeleteAuction",
		trace.WithAttributes(attribute.String("auction_id", id)),
	)
	defer span.End()

	_, _, err := m.mutate(ctx, id, func(ctx context.Context, tx store.Tx, a *store.Auction, fx *effects) error {
		if a.Status != store.StatusDraft {
			return fmt.Errorf("delete auction %s in %s: %w", a.ID, a.Status, ErrInvalidTransition)
		}
		n, err := tx.Bids.CountByAuction(ctx, a.ID)
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("delete auction %s with %d bids: %w", a.ID, n, ErrInvalidTransition)
		}
		if err := tx.Auctions.Remove(ctx, a.ID); err != nil {
			return err
		}
		if err := appendEvent(ctx, tx.Events, a.ID, a.Version+1, event.AuctionDeleted, event.TriggerManual, nil,
			event.TransitionData{From: string(a.Status)}); err != nil {
			return err
		}
		fx.invalidate(cache.AuctionKey(a.ID), cache.ItemKey(a.ItemID))
		return nil
	})
	if err != nil {
		return err
	}
	m.logger.InfoContext(ctx, "auction deleted", slog.String("auction_id", id))
	return nil
}

// Get returns one auction.
func (m *Manager) Get(ctx context.Context, id string) (*store.Auction, error) {
	a, err := m.repos.Auctions.Get(ctx, id)
	if err != nil {
		return nil, translate(err)
	}
	return a, nil
}

// ListActive returns ACTIVE auctions ordered by end time.
func (m *Manager) ListActive(ctx context.Context) ([]store.Auction, error) {
	auctions, err := m.repos.Auctions.ListActive(ctx)
	if err != nil {
		return nil, translate(err)
	}
	return auctions, nil
}

// Bids returns the accepted bids of an auction, highest first.
func (m *Manager) Bids(ctx context.Context, id string) ([]store.Bid, error) {
	if _, err := m.Get(ctx, id); err != nil {
		return nil, err
	}
	bids, err := m.repos.Bids.ListByAuction(ctx, id)
	if err != nil {
		return nil, translate(err)
	}
	return bids, nil
}

// History returns the event log of an auction, oldest first.
func (m *Manager) History(ctx context.Context, id string) ([]event.Event, error) {
	events, err := m.repos.Events.Load(ctx, id)
	if err != nil {
		return nil, translate(err)
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("auction %s: %w", id, ErrNotFound)
	}
	return events, nil
}

// Item returns one catalog item.
func (m *Manager) Item(ctx context.Context, id string) (*store.Item, error) {
	it, err := m.repos.Items.Get(ctx, id)
	if err != nil {
		return nil, translate(err)
	}
	return it, nil
}

// ItemByToken returns the catalog item for a ledger token id.
func (m *Manager) ItemByToken(ctx context.Context, tokenID string) (*store.Item, error) {
	it, err := m.repos.Items.GetByToken(ctx, tokenID)
	if err != nil {
		return nil, translate(err)
	}
	return it, nil
}

// LatestForItem returns the most recent auction for an item, optionally
// restricted to statuses.
func (m *Manager) LatestForItem(ctx context.Context, itemID string, statuses ...store.Status) (*store.Auction, error) {
	a, err := m.repos.Auctions.GetByItem(ctx, itemID, statuses...)
	if err != nil {
		return nil, translate(err)
	}
	return a, nil
}
