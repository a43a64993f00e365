package cache

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// ErrNotCacheable reports a response that AddAll refused to store.
var ErrNotCacheable = errors.New("cache: response not cacheable")

// Storage is the registry of named stores, one per version string.
type Storage interface {
	// Open returns the named store, creating it when absent.
	Open(ctx context.Context, name string) (Store, error)
	Has(ctx context.Context, name string) (bool, error)
	Names(ctx context.Context) ([]string, error)
	// Delete removes the named store and everything in it. The boolean
	// reports whether the store existed.
	Delete(ctx context.Context, name string) (bool, error)
	Close(ctx context.Context) error
}

// Store maps request keys to the most recently stored snapshot.
type Store interface {
	Name() string
	Match(ctx context.Context, key string) (Snapshot, bool, error)
	Put(ctx context.Context, key string, snap Snapshot) error
	// PutAll writes every entry or none of them.
	PutAll(ctx context.Context, entries map[string]Snapshot) error
	Keys(ctx context.Context) ([]string, error)
}

// FetchFunc retrieves the snapshot for a store key from the network.
type FetchFunc func(ctx context.Context, key string) (Snapshot, error)

// AddAll fetches every key concurrently and writes them with a single PutAll
// once all of them came back cacheable. A failed or non-200 fetch fails the
// whole call and leaves the store untouched.
func AddAll(ctx context.Context, store Store, fetch FetchFunc, keys []string) error {
	if store == nil {
		return errors.New("cache: add all: store required")
	}
	if fetch == nil {
		return errors.New("cache: add all: fetch required")
	}
	snaps := make([]Snapshot, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	for i, key := range keys {
		g.Go(func() error {
			snap, err := fetch(gctx, key)
			if err != nil {
				return fmt.Errorf("cache: add all: fetch %s: %w", key, err)
			}
			if !snap.Cacheable() {
				return fmt.Errorf("cache: add all: %s returned status %d: %w", key, snap.Status, ErrNotCacheable)
			}
			snaps[i] = snap
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	entries := make(map[string]Snapshot, len(keys))
	for i, key := range keys {
		entries[key] = snaps[i]
	}
	if err := store.PutAll(ctx, entries); err != nil {
		return fmt.Errorf("cache: add all: %w", err)
	}
	return nil
}
