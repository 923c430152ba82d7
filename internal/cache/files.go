package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Richard1990h/KING-V3-sub001/internal/logging"
	"github.com/Richard1990h/KING-V3-sub001/internal/metrics"
)

// FileStore is the project file store a FileCache fronts
type FileStore interface {
	Read(ctx context.Context, projectID string) (map[string]string, error)
	Write(ctx context.Context, projectID, path, content string) error
}

// FileCache caches whole project snapshots. A write drops the project's
// snapshot. Cache failures are logged and never fail a read or write.
type FileCache struct {
	next    FileStore
	store   Store
	ttl     time.Duration
	logger  *zap.Logger
	metrics *metrics.Metrics

	hits   atomic.Int64
	misses atomic.Int64

	// gens guards against caching a snapshot loaded before a concurrent
	// write in this process
	mu   sync.Mutex
	gens map[string]uint64
}

// NewFileCache fronts next with store, keeping snapshots for ttl
func NewFileCache(next FileStore, store Store, ttl time.Duration, logger *zap.Logger) *FileCache {
	return &FileCache{
		next:    next,
		store:   store,
		ttl:     ttl,
		logger:  logging.OrNop(logger).Named("filecache"),
		metrics: metrics.Get(),
		gens:    make(map[string]uint64),
	}
}

func filesKey(projectID string) string { return "files:" + projectID }

func (c *FileCache) generation(projectID string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gens[projectID]
}

func (c *FileCache) bump(projectID string) {
	c.mu.Lock()
	c.gens[projectID]++
	c.mu.Unlock()
}

// Read returns the cached snapshot or loads and caches it
func (c *FileCache) Read(ctx context.Context, projectID string) (map[string]string, error) {
	key := filesKey(projectID)
	raw, err := c.store.Get(ctx, key)
	switch {
	case err == nil:
		var files map[string]string
		if jsonErr := json.Unmarshal(raw, &files); jsonErr == nil {
			c.hits.Add(1)
			c.metrics.CacheLookupsTotal.WithLabelValues("hit").Inc()
			return files, nil
		}
		c.logger.Warn("discarding corrupt snapshot", zap.String("project_id", projectID))
	case !errors.Is(err, ErrMiss):
		c.logger.Warn("cache read failed", zap.String("project_id", projectID), zap.Error(err))
	}
	c.misses.Add(1)
	c.metrics.CacheLookupsTotal.WithLabelValues("miss").Inc()

	gen := c.generation(projectID)
	files, err := c.next.Read(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if c.generation(projectID) != gen {
		return files, nil
	}
	raw, err = json.Marshal(files)
	if err == nil {
		err = c.store.Set(ctx, key, raw, c.ttl)
	}
	if err != nil {
		c.logger.Warn("cache fill failed", zap.String("project_id", projectID), zap.Error(err))
		return files, nil
	}
	if c.generation(projectID) != gen {
		// a write raced the fill
		_ = c.store.Delete(ctx, key)
	}
	return files, nil
}

// Write stores the file and drops the project's snapshot
func (c *FileCache) Write(ctx context.Context, projectID, path, content string) error {
	c.bump(projectID)
	if err := c.next.Write(ctx, projectID, path, content); err != nil {
		return err
	}
	if err := c.store.Delete(ctx, filesKey(projectID)); err != nil {
		c.logger.Warn("cache invalidation failed", zap.String("project_id", projectID), zap.Error(err))
	}
	return nil
}

// Stats returns the lookup counts since creation
func (c *FileCache) Stats() Stats {
	return Stats{Hits: c.hits.Load(), Misses: c.misses.Load()}
}
