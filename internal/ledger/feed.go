package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// FactField is the stream entry field holding the JSON-encoded fact.
const FactField = "fact"

// Delivery is one fact read from a feed. Err is set when the entry could not
// be decoded; such entries are still committed so the feed moves past them.
type Delivery struct {
	ID   string
	Fact Fact
	Err  error
}

// Feed delivers ledger facts in order. Commit records that every delivery up
// to and including id has been handled.
type Feed interface {
	Read(ctx context.Context) ([]Delivery, error)
	Commit(ctx context.Context, id string) error
}

// RedisStreamFeed reads facts from a Redis stream. The last committed entry
// id is kept under a checkpoint key so a restarted reader resumes after it.
type RedisStreamFeed struct {
	client     *redis.Client
	stream     string
	checkpoint string
	batch      int64
	block      time.Duration

	last string
}

// NewRedisStreamFeed creates a feed over stream.
func NewRedisStreamFeed(client *redis.Client, stream string) *RedisStreamFeed {
	return &RedisStreamFeed{
		client:     client,
		stream:     stream,
		checkpoint: stream + ":checkpoint",
		batch:      100,
		block:      5 * time.Second,
	}
}

func (f *RedisStreamFeed) position(ctx context.Context) (string, error) {
	if f.last != "" {
		return f.last, nil
	}
	id, err := f.client.Get(ctx, f.checkpoint).Result()
	switch {
	case errors.Is(err, redis.Nil):
		id = "0"
	case err != nil:
		return "", fmt.Errorf("reading checkpoint %s: %w", f.checkpoint, err)
	}
	f.last = id
	return id, nil
}

// Read blocks for up to the feed's block interval and returns the entries
// after the checkpoint. It returns no deliveries when nothing arrived.
func (f *RedisStreamFeed) Read(ctx context.Context) ([]Delivery, error) {
	from, err := f.position(ctx)
	if err != nil {
		return nil, err
	}

	streams, err := f.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{f.stream, from},
		Count:   f.batch,
		Block:   f.block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading stream %s: %w", f.stream, err)
	}

	var out []Delivery
	for _, s := range streams {
		for _, msg := range s.Messages {
			d := Delivery{ID: msg.ID}
			raw, ok := msg.Values[FactField].(string)
			if !ok {
				d.Err = fmt.Errorf("%w: entry %s has no %q field", ErrMalformed, msg.ID, FactField)
			} else {
				d.Fact, d.Err = Decode([]byte(raw))
			}
			out = append(out, d)
		}
	}
	return out, nil
}

// Commit stores id as the checkpoint.
func (f *RedisStreamFeed) Commit(ctx context.Context, id string) error {
	if err := f.client.Set(ctx, f.checkpoint, id, 0).Err(); err != nil {
		return fmt.Errorf("writing checkpoint %s: %w", f.checkpoint, err)
	}
	f.last = id
	return nil
}

// Publish appends a fact to stream. It is used by ingestion tooling and tests.
func Publish(ctx context.Context, client *redis.Client, stream string, raw []byte) (string, error) {
	id, err := client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{FactField: string(raw)},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("publishing to %s: %w", stream, err)
	}
	return id, nil
}

// Consume reads feed until ctx is cancelled, reconciling each delivery in
// order. A retriable failure stops the batch without committing so the fact
// is read again after retryDelay.
func Consume(ctx context.Context, feed Feed, r *Reconciler, logger *slog.Logger, retryDelay time.Duration) error {
	logger.InfoContext(ctx, "ledger feed started")
	defer logger.Info("ledger feed stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}
		deliveries, err := feed.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.ErrorContext(ctx, "reading ledger feed", slog.Any("error", err))
			if !sleep(ctx, retryDelay) {
				return nil
			}
			continue
		}

		for _, d := range deliveries {
			if d.Err != nil {
				logger.WarnContext(ctx, "skipping undecodable ledger entry",
					slog.String("entry_id", d.ID),
					slog.Any("error", d.Err),
				)
			} else if _, err := r.Reconcile(ctx, d.Fact); err != nil {
				logger.ErrorContext(ctx, "reconciling ledger fact, will retry",
					slog.String("entry_id", d.ID),
					slog.String("external_ref", d.Fact.ExternalRef),
					slog.Any("error", err),
				)
				sleep(ctx, retryDelay)
				break
			}
			if err := feed.Commit(ctx, d.ID); err != nil {
				logger.ErrorContext(ctx, "committing ledger checkpoint", slog.Any("error", err))
				break
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
