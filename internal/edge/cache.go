package edge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/st7ma784/CMACatalyst-sub011/shared/logger"
	"github.com/st7ma784/CMACatalyst-sub011/shared/metrics"
	"github.com/st7ma784/CMACatalyst-sub011/shared/protocol"
)

// snapshot is an immutable view of the healthy worker list. Routing always
// sees either the previous or the next snapshot, never a partial one.
type snapshot struct {
	workers   []protocol.WorkerInfo
	byService map[string][]protocol.WorkerInfo
	fetchedAt time.Time
}

// Cache pulls the healthy worker list from the coordinator on a fixed
// interval and keeps serving the previous snapshot when the coordinator is
// unreachable. Past maxStale the snapshot is no longer trusted and lookups
// return nothing, which surfaces as no_worker_available upstream.
type Cache struct {
	coordinatorURL string
	client         *http.Client
	ttl            time.Duration
	maxStale       time.Duration

	snap atomic.Pointer[snapshot]
	fill singleflight.Group

	now func() time.Time
}

func NewCache(coordinatorURL string, ttl, maxStale time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if maxStale <= 0 {
		maxStale = 3 * ttl
	}
	return &Cache{
		coordinatorURL: coordinatorURL,
		client:         &http.Client{Timeout: 10 * time.Second},
		ttl:            ttl,
		maxStale:       maxStale,
		now:            time.Now,
	}
}

// Run refreshes immediately and then on every TTL tick until ctx is
// cancelled. Refresh failures keep the old snapshot.
func (c *Cache) Run(ctx context.Context) {
	if err := c.Refresh(ctx); err != nil {
		logger.Warn("initial worker list fetch failed", "error", err)
	}

	ticker := time.NewTicker(c.ttl)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil {
				logger.Warn("coordinator unreachable, serving stale worker list",
					"error", err, "snapshot_age", c.Age())
			}
		}
	}
}

// Refresh fetches the healthy worker list and swaps the snapshot in one
// atomic store.
func (c *Cache) Refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.coordinatorURL+protocol.PathWorkers+"?status=healthy", nil)
	if err != nil {
		return err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		metrics.CacheRefreshTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to fetch worker list: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.CacheRefreshTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("coordinator returned status %d", resp.StatusCode)
	}

	var workers []protocol.WorkerInfo
	if err := json.NewDecoder(resp.Body).Decode(&workers); err != nil {
		metrics.CacheRefreshTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to decode worker list: %w", err)
	}

	byService := make(map[string][]protocol.WorkerInfo)
	for _, w := range workers {
		for _, serviceID := range w.AssignedServices {
			byService[serviceID] = append(byService[serviceID], w)
		}
	}
	c.snap.Store(&snapshot{
		workers:   workers,
		byService: byService,
		fetchedAt: c.now(),
	})

	metrics.CacheRefreshTotal.WithLabelValues("ok").Inc()
	metrics.CacheWorkers.Set(float64(len(workers)))
	metrics.CacheAgeSeconds.Set(0)
	logger.Debug("worker list refreshed", "workers", len(workers), "services", len(byService))
	return nil
}

// WorkersFor returns the cached healthy workers offering the service. A cold
// cache triggers one on-demand fetch shared across concurrent callers; a
// snapshot older than the staleness bound is treated as empty.
func (c *Cache) WorkersFor(ctx context.Context, serviceID string) []protocol.WorkerInfo {
	s := c.snap.Load()
	if s == nil {
		c.fill.Do("refresh", func() (any, error) {
			return nil, c.Refresh(ctx)
		})
		if s = c.snap.Load(); s == nil {
			return nil
		}
	}

	age := c.now().Sub(s.fetchedAt)
	metrics.CacheAgeSeconds.Set(age.Seconds())
	if age > c.maxStale {
		logger.Warn("worker snapshot too old to trust", "age", age, "max_stale", c.maxStale)
		return nil
	}
	return s.byService[serviceID]
}

// Age reports how old the current snapshot is, or a negative value when no
// snapshot has been fetched yet.
func (c *Cache) Age() time.Duration {
	s := c.snap.Load()
	if s == nil {
		return -1
	}
	return c.now().Sub(s.fetchedAt)
}
