// Package notify delivers user notices. Delivery is fire-and-forget from the
// engine's point of view: callers log failures and move on.
package notify

import (
	"context"
	"errors"
	"strings"

	"github.com/jensholdgaard/nft-auction-engine/internal/store"
)

// Kind classifies a notice.
type Kind string

const (
	KindOutbid       Kind = "OUTBID"
	KindAuctionWon   Kind = "AUCTION_WON"
	KindAuctionEnded Kind = "AUCTION_ENDED"
	KindSystemAlert  Kind = "SYSTEM_ALERT"
)

// Notice is a message addressed to a wallet.
type Notice struct {
	Address string `json:"address"`
	Title   string `json:"title"`
	Message string `json:"message"`
	Kind    Kind   `json:"kind"`
}

// Notifier delivers notices.
type Notifier interface {
	Notify(ctx context.Context, n Notice) error
}

// Nop discards every notice.
type Nop struct{}

func (Nop) Notify(context.Context, Notice) error { return nil }

// StoreNotifier records notices as in-app notifications.
type StoreNotifier struct {
	repo store.NotificationRepository
}

// NewStoreNotifier returns a new StoreNotifier.
func NewStoreNotifier(repo store.NotificationRepository) *StoreNotifier {
	return &StoreNotifier{repo: repo}
}

func (s *StoreNotifier) Notify(ctx context.Context, n Notice) error {
	return s.repo.Create(ctx, &store.Notification{
		Address: strings.ToLower(n.Address),
		Kind:    string(n.Kind),
		Title:   n.Title,
		Message: n.Message,
	})
}

// Multi fans a notice out to every notifier. All notifiers are attempted;
// their errors are joined.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n Notice) error {
	var errs []error
	for _, notifier := range m {
		if err := notifier.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
