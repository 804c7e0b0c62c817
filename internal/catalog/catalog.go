package catalog

import (
	"context"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/suspectuso/bidwin-topup/internal/backend"
)

// Source fetches catalogs on behalf of a user
type Source interface {
	Items(ctx context.Context) ([]backend.Item, error)
	Packages(ctx context.Context) ([]backend.Package, error)
	Bundles(ctx context.Context) ([]backend.Bundle, error)
}

// Listing is the result of a catalog read. Stale is set when the backend
// failed and the last successful fetch is returned instead.
type Listing[T any] struct {
	Entries   []T
	FetchedAt time.Time
	Stale     bool
}

type cacheEntry struct {
	value     any
	fetchedAt time.Time
}

// Service reads catalogs and keeps the last successful fetch of each
type Service struct {
	mu    sync.Mutex
	ttl   time.Duration
	cache *lru.Cache[string, cacheEntry]
	log   *slog.Logger
	now   func() time.Time
}

// NewService creates a catalog service. Fetches younger than ttl are served
// from cache without calling the backend.
func NewService(ttl time.Duration, log *slog.Logger) *Service {
	cache, err := lru.New[string, cacheEntry](16)
	if err != nil {
		// only fails for a non-positive size
		panic("create catalog cache: " + err.Error())
	}

	return &Service{
		ttl:   ttl,
		cache: cache,
		log:   log,
		now:   time.Now,
	}
}

// Packages returns the package catalog sorted by weight
func (s *Service) Packages(ctx context.Context, src Source) (Listing[Package], error) {
	return load(ctx, s, "packages", func(ctx context.Context) ([]Package, error) {
		list, err := src.Packages(ctx)
		if err != nil {
			return nil, err
		}
		return NewPackages(list), nil
	})
}

// Bundles returns the bundle catalog sorted by weight
func (s *Service) Bundles(ctx context.Context, src Source) (Listing[Bundle], error) {
	return load(ctx, s, "bundles", func(ctx context.Context) ([]Bundle, error) {
		list, err := src.Bundles(ctx)
		if err != nil {
			return nil, err
		}
		return NewBundles(list), nil
	})
}

// Items returns the auction listing
func (s *Service) Items(ctx context.Context, src Source) (Listing[Item], error) {
	return load(ctx, s, "items", func(ctx context.Context) ([]Item, error) {
		list, err := src.Items(ctx)
		if err != nil {
			return nil, err
		}
		return NewItems(list), nil
	})
}

// Package looks up a package by ID in the latest package listing
func (s *Service) Package(ctx context.Context, src Source, id int64) (Package, bool, error) {
	listing, err := s.Packages(ctx, src)
	if err != nil {
		return Package{}, false, err
	}
	for _, p := range listing.Entries {
		if p.ID == id {
			return p, true, nil
		}
	}
	return Package{}, false, nil
}

// Invalidate drops the cached copy of every catalog
func (s *Service) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Purge()
}

func load[T any](ctx context.Context, s *Service, key string, fetch func(context.Context) ([]T, error)) (Listing[T], error) {
	s.mu.Lock()
	entry, cached := s.cache.Get(key)
	s.mu.Unlock()

	now := s.now()
	if cached && now.Sub(entry.fetchedAt) < s.ttl {
		return Listing[T]{Entries: entry.value.([]T), FetchedAt: entry.fetchedAt}, nil
	}

	entries, err := fetch(ctx)
	if err != nil {
		if cached {
			s.log.Warn("serving stale catalog", "catalog", key, "error", err)
			return Listing[T]{Entries: entry.value.([]T), FetchedAt: entry.fetchedAt, Stale: true}, nil
		}
		return Listing[T]{}, err
	}

	s.mu.Lock()
	s.cache.Add(key, cacheEntry{value: entries, fetchedAt: now})
	s.mu.Unlock()

	return Listing[T]{Entries: entries, FetchedAt: now}, nil
}
