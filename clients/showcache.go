package clients

import (
	"context"

	"github.com/civiccaption/flexcore/cache"
)

// cachedShowCatalog wraps a CablecastClient with a per-process cache of
// ListShows results keyed by (label, date). A fan-out over nine volumes
// repeats the same show lookups for every recording from the same civic
// meeting day; caching them keeps the rate limiter's budget for uploads
// and readiness polls. Writes (CreateVOD) and VOD reads pass through
// untouched.
type cachedShowCatalog struct {
	CablecastClient
	shows *cache.Cache[[]Show]
}

// WithShowCache wraps inner so repeated ListShows calls with the same
// filter hit memory. The cache is intentionally unbounded: the keyspace is
// (nine labels) x (days in a fan-out window).
func WithShowCache(inner CablecastClient) CablecastClient {
	return &cachedShowCatalog{
		CablecastClient: inner,
		shows:           cache.New[[]Show](),
	}
}

func showCacheKey(filter ShowFilter) string {
	return filter.Label + "\x00" + filter.Date
}

func (c *cachedShowCatalog) ListShows(ctx context.Context, filter ShowFilter) ([]Show, error) {
	key := showCacheKey(filter)
	if shows := c.shows.Get(key); shows != nil {
		return shows, nil
	}
	shows, err := c.CablecastClient.ListShows(ctx, filter)
	if err != nil {
		return nil, err
	}
	if shows == nil {
		shows = []Show{}
	}
	c.shows.Store(key, shows)
	return shows, nil
}
