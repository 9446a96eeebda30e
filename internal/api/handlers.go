package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jensholdgaard/nft-auction-engine/internal/auction"
	"github.com/jensholdgaard/nft-auction-engine/internal/cache"
	"github.com/jensholdgaard/nft-auction-engine/internal/ledger"
	"github.com/jensholdgaard/nft-auction-engine/internal/store"
)

// guard decides whether a non-admin caller may act on an auction.
type guard func(p Principal, a *store.Auction) bool

func sellerOnly(p Principal, a *store.Auction) bool {
	return a.IsSeller(p.ID, p.Wallet)
}

func sellerOrWinner(p Principal, a *store.Auction) bool {
	if sellerOnly(p, a) {
		return true
	}
	return a.HighestBidder != nil && p.Wallet != "" && strings.EqualFold(*a.HighestBidder, p.Wallet)
}

func (s *Server) authorize(c *gin.Context, id string, allowed guard) (*store.Auction, bool) {
	a, err := s.deps.Engine.Get(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return nil, false
	}
	if p := principal(c); !p.Admin() && !allowed(p, a) {
		s.writeError(c, fmt.Errorf("auction %s: %w", id, auction.ErrForbidden))
		return nil, false
	}
	return a, true
}

func bindJSON(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		abortValidation(c, "body", err.Error())
		return false
	}
	return true
}

func abortValidation(c *gin.Context, field, reason string) {
	verr := &auction.ValidationError{Fields: []auction.FieldError{{Field: field, Reason: reason}}}
	c.AbortWithStatusJSON(http.StatusUnprocessableEntity, errorResponse{
		Code:   "VALIDATION_FAILED",
		Error:  verr.Error(),
		Fields: verr.Fields,
	})
}

func (s *Server) createAuction(c *gin.Context) {
	ctx := c.Request.Context()
	p := principal(c)

	var in auction.CreateInput
	if !bindJSON(c, &in) {
		return
	}
	in.SellerID = p.ID
	in.SellerAddress = p.Wallet
	if err := in.Validate(); err != nil {
		s.writeError(c, err)
		return
	}

	item, err := s.deps.Engine.Item(ctx, in.ItemID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if !p.Admin() && !strings.EqualFold(item.OwnerAddress, p.Wallet) {
		s.writeError(c, fmt.Errorf("item %s: %w", item.ID, auction.ErrForbidden))
		return
	}

	a, err := s.deps.Engine.CreateAuction(ctx, in)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, viewOf(a))
}

func (s *Server) listActive(c *gin.Context) {
	s.cached(c, cache.ActiveAuctionsKey, s.deps.ActiveTTL, func(ctx context.Context) (any, error) {
		auctions, err := s.deps.Engine.ListActive(ctx)
		if err != nil {
			return nil, err
		}
		views := make([]auctionView, len(auctions))
		for i := range auctions {
			views[i] = viewOf(&auctions[i])
		}
		return views, nil
	})
}

func (s *Server) getAuction(c *gin.Context) {
	id := c.Param("id")
	s.cached(c, cache.AuctionKey(id), s.deps.AuctionTTL, func(ctx context.Context) (any, error) {
		a, err := s.deps.Engine.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		return viewOf(a), nil
	})
}

// cached serves key from the response cache, loading and storing it on a
// miss. Cache failures fall through to load.
func (s *Server) cached(c *gin.Context, key string, ttl time.Duration, load func(context.Context) (any, error)) {
	ctx := c.Request.Context()
	if s.deps.Cache != nil {
		b, found, err := s.deps.Cache.Get(ctx, key)
		if err != nil {
			s.logger.WarnContext(ctx, "cache read failed", slog.String("key", key), slog.Any("error", err))
		} else if found {
			c.Data(http.StatusOK, "application/json; charset=utf-8", b)
			return
		}
	}

	v, err := load(ctx)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if s.deps.Cache != nil {
		if err := cache.SetJSON(ctx, s.deps.Cache, key, v, ttl); err != nil {
			s.logger.WarnContext(ctx, "cache write failed", slog.String("key", key), slog.Any("error", err))
		}
	}
	c.JSON(http.StatusOK, v)
}

func (s *Server) listBids(c *gin.Context) {
	bids, err := s.deps.Engine.Bids(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, bids)
}

func (s *Server) history(c *gin.Context) {
	events, err := s.deps.Engine.History(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, events)
}

func (s *Server) transition(op func(context.Context, string) (*store.Auction, error), allowed guard) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if _, ok := s.authorize(c, id, allowed); !ok {
			return
		}
		a, err := op(c.Request.Context(), id)
		if err != nil {
			s.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, viewOf(a))
	}
}

func (s *Server) deleteAuction(c *gin.Context) {
	id := c.Param("id")
	if _, ok := s.authorize(c, id, sellerOnly); !ok {
		return
	}
	if err := s.deps.Engine.DeleteAuction(c.Request.Context(), id); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) placeBid(c *gin.Context) {
	p := principal(c)
	var in auction.BidInput
	if !bindJSON(c, &in) {
		return
	}
	in.AuctionID = c.Param("id")
	in.BidderID = p.ID
	in.BidderAddress = p.Wallet

	b, err := s.deps.Engine.PlaceBid(c.Request.Context(), in)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, b)
}

func (s *Server) listNotifications(c *gin.Context) {
	p := principal(c)
	if p.Wallet == "" {
		c.JSON(http.StatusOK, []store.Notification{})
		return
	}
	notices, err := s.deps.Notifications.ListUnread(c.Request.Context(), p.Wallet)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if notices == nil {
		notices = []store.Notification{}
	}
	c.JSON(http.StatusOK, notices)
}

func (s *Server) markRead(c *gin.Context) {
	err := s.deps.Notifications.MarkRead(c.Request.Context(), c.Param("id"), principal(c).Wallet)
	if errors.Is(err, store.ErrNotFound) {
		err = fmt.Errorf("%w: %w", auction.ErrNotFound, err)
	}
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) reconcile(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil {
		abortValidation(c, "body", err.Error())
		return
	}
	fact, err := ledger.Decode(raw)
	if err != nil {
		s.writeError(c, err)
		return
	}
	outcome, err := s.deps.Reconciler.Reconcile(c.Request.Context(), fact)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"outcome": outcome})
}

func (s *Server) sweep(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Sweeper.Sweep(c.Request.Context()))
}
