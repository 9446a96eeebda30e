// Package cache is the response cache for auction reads. The engine only
// invalidates keys; the API populates them.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Key prefixes shared by the engine and the API.
const (
	ActiveAuctionsKey = "auctions:active"
)

// AuctionKey is the detail key for one auction.
func AuctionKey(id string) string { return "auction:" + id }

// ItemKey is the detail key for one item.
func ItemKey(id string) string { return "item:" + id }

// Store is a byte-oriented key/value cache.
type Store interface {
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// GetJSON decodes the cached value at key into dst.
func GetJSON(ctx context.Context, s Store, key string, dst any) (bool, error) {
	b, found, err := s.Get(ctx, key)
	if err != nil || !found {
		return false, err
	}
	if err := json.Unmarshal(b, dst); err != nil {
		return false, fmt.Errorf("decoding cached %s: %w", key, err)
	}
	return true, nil
}

// SetJSON encodes v and stores it at key.
func SetJSON(ctx context.Context, s Store, key string, v any, ttl time.Duration) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	return s.Set(ctx, key, b, ttl)
}
