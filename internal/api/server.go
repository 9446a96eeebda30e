// Package api exposes the auction engine over HTTP.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/jensholdgaard/nft-auction-engine/internal/auction"
	"github.com/jensholdgaard/nft-auction-engine/internal/cache"
	"github.com/jensholdgaard/nft-auction-engine/internal/event"
	"github.com/jensholdgaard/nft-auction-engine/internal/health"
	"github.com/jensholdgaard/nft-auction-engine/internal/ledger"
	"github.com/jensholdgaard/nft-auction-engine/internal/scheduler"
	"github.com/jensholdgaard/nft-auction-engine/internal/store"
)

// Engine is the auction surface the API drives.
type Engine interface {
	CreateAuction(ctx context.Context, in auction.CreateInput) (*store.Auction, error)
	StartAuction(ctx context.Context, id string) (*store.Auction, error)
	EndAuction(ctx context.Context, id string) (*store.Auction, error)
	SettleAuction(ctx context.Context, id string) (*store.Auction, error)
	DeleteAuction(ctx context.Context, id string) error
	PlaceBid(ctx context.Context, in auction.BidInput) (*store.Bid, error)
	Get(ctx context.Context, id string) (*store.Auction, error)
	ListActive(ctx context.Context) ([]store.Auction, error)
	Bids(ctx context.Context, id string) ([]store.Bid, error)
	History(ctx context.Context, id string) ([]event.Event, error)
	Item(ctx context.Context, id string) (*store.Item, error)
}

// Reconciler applies ledger facts.
type Reconciler interface {
	Reconcile(ctx context.Context, f ledger.Fact) (ledger.Outcome, error)
}

// Sweeper runs one scheduled sweep.
type Sweeper interface {
	Sweep(ctx context.Context) scheduler.SweepResult
}

// Deps are the collaborators of a Server. Cache, Hub and Health are optional.
type Deps struct {
	Engine        Engine
	Reconciler    Reconciler
	Sweeper       Sweeper
	Notifications store.NotificationRepository
	Auth          *Authenticator
	Cache         cache.Store
	AuctionTTL    time.Duration
	ActiveTTL     time.Duration
	Hub           http.Handler
	Health        *health.Handler
}

// Server routes HTTP requests to the engine.
type Server struct {
	deps   Deps
	logger *slog.Logger
	router *gin.Engine
}

// NewServer builds the router.
func NewServer(deps Deps, logger *slog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{deps: deps, logger: logger, router: gin.New()}
	s.router.Use(gin.Recovery(), s.requestLogger())
	s.routes()
	return s
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() {
	r := s.router
	if s.deps.Health != nil {
		r.GET("/healthz", gin.WrapF(s.deps.Health.LivenessHandler()))
		r.GET("/readyz", gin.WrapF(s.deps.Health.ReadinessHandler()))
	}
	if s.deps.Hub != nil {
		r.GET("/ws", gin.WrapH(s.deps.Hub))
	}

	api := r.Group("/api", s.deps.Auth.Middleware())
	api.POST("/auctions", s.createAuction)
	api.GET("/auctions/active", s.listActive)
	api.GET("/auctions/:id", s.getAuction)
	api.GET("/auctions/:id/bids", s.listBids)
	api.GET("/auctions/:id/events", s.history)
	api.POST("/auctions/:id/start", s.transition(s.deps.Engine.StartAuction, sellerOnly))
	api.POST("/auctions/:id/end", s.transition(s.deps.Engine.EndAuction, sellerOnly))
	api.POST("/auctions/:id/settle", s.transition(s.deps.Engine.SettleAuction, sellerOrWinner))
	api.DELETE("/auctions/:id", s.deleteAuction)
	api.POST("/auctions/:id/bids", s.placeBid)
	api.GET("/notifications", s.listNotifications)
	api.POST("/notifications/:id/read", s.markRead)

	admin := api.Group("", requireAdmin)
	admin.POST("/ledger/facts", s.reconcile)
	admin.POST("/admin/sweep", s.sweep)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.DebugContext(c.Request.Context(), "http request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("duration", time.Since(start)),
		)
	}
}

// auctionView is the JSON form of an auction, with the derived minimum
// next bid.
type auctionView struct {
	*store.Auction
	MinimumNextBid decimal.Decimal `json:"minimum_next_bid"`
}

func viewOf(a *store.Auction) auctionView {
	return auctionView{Auction: a, MinimumNextBid: auction.MinimumNextBid(a)}
}
