// Package catalog serves reference lists cache-aside: the local cache is
// read first and populated from the REST collaborator only when empty.
package catalog

import (
	"context"
	"fmt"
	"sync"

	"github.com/matheus3301/campus/internal/frame"
	"github.com/matheus3301/campus/internal/restapi"
	"github.com/matheus3301/campus/internal/store"
	"go.uber.org/zap"
)

// Cache keys.
const (
	KeyConversations = "ref:conversations"
	KeyCourses       = "ref:courses"
	KeyCategories    = "ref:categories"
)

// Source fetches reference lists from the backend.
type Source interface {
	ListConversations(ctx context.Context) ([]restapi.Conversation, error)
	ListCourses(ctx context.Context) ([]restapi.Course, error)
	ListCategories(ctx context.Context) ([]restapi.Category, error)
}

// Catalog is the cache-aside front for reference data.
type Catalog struct {
	db     *store.DB
	src    Source
	logger *zap.Logger
	mu     sync.Mutex
}

// New creates a catalog. src may be nil, in which case only cached data is served.
func New(db *store.DB, src Source, logger *zap.Logger) *Catalog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Catalog{db: db, src: src, logger: logger}
}

// Conversations returns the user's communities and mirrors each one into the
// communities table. When both cache and backend are unavailable it falls
// back to the communities already known locally.
func (c *Catalog) Conversations(ctx context.Context) ([]restapi.Conversation, error) {
	var fetch func(context.Context) ([]restapi.Conversation, error)
	if c.src != nil {
		fetch = c.src.ListConversations
	}
	list, fetched, err := cached(ctx, c, KeyConversations, fetch)
	if err != nil {
		local, lerr := c.db.ListCommunities()
		if lerr != nil || len(local) == 0 {
			return nil, err
		}
		c.logger.Warn("conversation list unavailable, using local communities", zap.Error(err))
		out := make([]restapi.Conversation, 0, len(local))
		for _, lc := range local {
			out = append(out, restapi.Conversation{ID: frame.ID(lc.ID), Name: lc.Name, Image: lc.Image})
		}
		return out, nil
	}
	if fetched {
		for _, conv := range list {
			if err := c.db.UpsertCommunity(&store.Community{ID: conv.ID.String(), Name: conv.Name, Image: conv.Image}); err != nil {
				c.logger.Warn("mirror community", zap.String("community_id", conv.ID.String()), zap.Error(err))
			}
		}
	}
	return list, nil
}

// Courses returns the course catalogue.
func (c *Catalog) Courses(ctx context.Context) ([]restapi.Course, error) {
	var fetch func(context.Context) ([]restapi.Course, error)
	if c.src != nil {
		fetch = c.src.ListCourses
	}
	list, _, err := cached(ctx, c, KeyCourses, fetch)
	return list, err
}

// Categories returns the course categories.
func (c *Catalog) Categories(ctx context.Context) ([]restapi.Category, error) {
	var fetch func(context.Context) ([]restapi.Category, error)
	if c.src != nil {
		fetch = c.src.ListCategories
	}
	list, _, err := cached(ctx, c, KeyCategories, fetch)
	return list, err
}

// ForgetConversation removes one community from the cached conversation list
// so it is not rejoined after an explicit leave.
func (c *Catalog) ForgetConversation(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var list []restapi.Conversation
	ok, err := c.db.GetCache(KeyConversations, &list)
	if err != nil || !ok {
		return err
	}
	kept := list[:0]
	for _, conv := range list {
		if conv.ID.String() != id {
			kept = append(kept, conv)
		}
	}
	return c.db.SetCache(KeyConversations, kept)
}

// Refresh drops a cached list so the next read goes to the backend.
func (c *Catalog) Refresh(key string) error {
	return c.db.DeleteCache(key)
}

// cached implements "populate if empty". fetched reports whether the
// backend was consulted.
func cached[T any](ctx context.Context, c *Catalog, key string, fetch func(context.Context) ([]T, error)) ([]T, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var list []T
	ok, err := c.db.GetCache(key, &list)
	if err != nil {
		c.logger.Warn("cache read failed", zap.String("key", key), zap.Error(err))
	}
	if ok {
		return list, false, nil
	}
	if fetch == nil {
		return nil, false, fmt.Errorf("%s: not cached and no source configured", key)
	}

	list, err = fetch(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("fetch %s: %w", key, err)
	}
	if list == nil {
		list = []T{}
	}
	if err := c.db.SetCache(key, list); err != nil {
		c.logger.Warn("cache write failed", zap.String("key", key), zap.Error(err))
	}
	return list, true, nil
}
