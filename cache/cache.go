// Package cache implements the result cache: a persistent, order-preserving
// mapping from a request's hashed fingerprint to its (payload, unhashed
// fingerprint) pair, backed by the broker's cache target.
package cache

import (
	"context"
	"encoding/json"
	"fmt"

	"wikimetrics.dev/usermetrics/broker"
	"wikimetrics.dev/usermetrics/request"
)

// Cache is the result cache described in spec.md §4.4. It shares its
// backing store with the broker's other targets, using broker.TargetCache
// as its own named target.
type Cache struct {
	store broker.Store
}

// New wraps store's cache target as a result Cache.
func New(store broker.Store) *Cache {
	return &Cache{store: store}
}

// Entry is one cache record: the computed payload and the unhashed
// fingerprint it was stored under, preserved so /all_requests can rebuild
// a URL from it.
type Entry struct {
	Hashed   string
	Payload  string
	Unhashed []request.Field
}

type wireEntry struct {
	Payload  string           `json:"payload"`
	Unhashed []request.Field `json:"unhashed"`
}

// Get returns r's cached payload, or ok=false if r's fingerprint has never
// been set.
func (c *Cache) Get(ctx context.Context, r *request.Request) (payload string, ok bool, err error) {
	hashed := r.HashedFingerprint()
	if hashed == "" {
		return "", false, request.ErrBadRequest
	}
	raw, err := c.store.Get(ctx, broker.TargetCache, hashed)
	if err == broker.ErrAbsent {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	var w wireEntry
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return "", false, fmt.Errorf("cache: corrupted entry for %s: %w", hashed, err)
	}
	return w.Payload, true, nil
}

// Set stores r's computed payload under r's hashed fingerprint, alongside
// the unhashed fingerprint needed to reconstruct its URL later.
func (c *Cache) Set(ctx context.Context, r *request.Request, payload string) error {
	hashed := r.HashedFingerprint()
	if hashed == "" {
		return request.ErrBadRequest
	}
	data, err := json.Marshal(wireEntry{Payload: payload, Unhashed: r.UnhashedFingerprint()})
	if err != nil {
		return fmt.Errorf("cache: marshal entry: %w", err)
	}

	already, err := c.store.IsItem(ctx, broker.TargetCache, hashed)
	if err != nil {
		return err
	}
	if already {
		return c.store.Update(ctx, broker.TargetCache, hashed, string(data))
	}
	return c.store.Add(ctx, broker.TargetCache, hashed, string(data))
}

// Items returns every cache entry in insertion order, for the
// /all_requests listing.
func (c *Cache) Items(ctx context.Context) ([]Entry, error) {
	raw, err := c.store.GetAllItems(ctx, broker.TargetCache)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(raw))
	for _, item := range raw {
		var w wireEntry
		if err := json.Unmarshal([]byte(item.Value), &w); err != nil {
			continue // corrupted entry: skip, not fatal
		}
		entries = append(entries, Entry{Hashed: item.Key, Payload: w.Payload, Unhashed: w.Unhashed})
	}
	return entries, nil
}
