package climate

import (
	"context"
	"fmt"
	"time"

	"github.com/couchcryptid/mmts-etl/internal/geo"
	"github.com/couchcryptid/mmts-etl/internal/observability"
	"github.com/couchcryptid/mmts-etl/internal/weather"
	lru "github.com/hashicorp/golang-lru/v2"
)

// CachedSource wraps a ClimateSource with an in-memory LRU cache. Requests
// are widened to whole UTC days so acquisitions of the same day and place
// share one upstream call.
type CachedSource struct {
	inner   weather.ClimateSource
	cache   *lru.Cache[string, []weather.Sample]
	metrics *observability.Metrics
}

// NewCachedSource creates a cache decorator around a climate source.
func NewCachedSource(inner weather.ClimateSource, maxEntries int, metrics *observability.Metrics) (*CachedSource, error) {
	cache, err := lru.New[string, []weather.Sample](maxEntries)
	if err != nil {
		return nil, fmt.Errorf("climate cache: %w", err)
	}
	return &CachedSource{inner: inner, cache: cache, metrics: metrics}, nil
}

func (c *CachedSource) Hourly(ctx context.Context, area geo.Polygon, from, to time.Time) ([]weather.Sample, error) {
	dayFrom := from.UTC().Truncate(24 * time.Hour)
	dayTo := to.UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)
	centre := area.Centroid()
	key := fmt.Sprintf("%.4f,%.4f|%s|%s", centre.X(), centre.Y(), dayFrom.Format(dateLayout), dayTo.Format(dateLayout))

	samples, ok := c.cache.Get(key)
	if ok {
		c.metrics.ClimateCache.WithLabelValues("hit").Inc()
	} else {
		c.metrics.ClimateCache.WithLabelValues("miss").Inc()
		var err error
		samples, err = c.inner.Hourly(ctx, area, dayFrom, dayTo)
		if err != nil {
			return nil, err
		}
		// Only cache non-empty series so gaps in the archive can be retried.
		if len(samples) > 0 {
			c.cache.Add(key, samples)
		}
	}

	var out []weather.Sample
	for _, s := range samples {
		if s.Time.After(from) && !s.Time.After(to) {
			out = append(out, s)
		}
	}
	return out, nil
}
