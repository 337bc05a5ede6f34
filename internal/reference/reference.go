package reference

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"price-deviation-watch/internal/deviation"
	"price-deviation-watch/internal/metrics"
)

// Price is an external reference quote for one symbol.
type Price struct {
	Symbol      string
	Value       decimal.Decimal
	PublishedAt time.Time
}

// Fetcher retrieves reference prices from an external source.
type Fetcher interface {
	Name() string
	Fetch(ctx context.Context) ([]Price, error)
}

// Cache keeps the latest reference price per symbol.
type Cache struct {
	mu     sync.RWMutex
	prices map[string]cached
	maxAge time.Duration
	now    func() time.Time
}

type cached struct {
	Price
	fetchedAt time.Time
}

// NewCache returns a cache whose entries expire after maxAge. Zero keeps
// entries until they are replaced.
func NewCache(maxAge time.Duration) *Cache {
	return &Cache{prices: map[string]cached{}, maxAge: maxAge, now: time.Now}
}

// Store replaces the prices it is given; symbols absent from prices keep
// their previous value until they age out.
func (c *Cache) Store(prices []Price) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range prices {
		c.prices[p.Symbol] = cached{Price: p, fetchedAt: now}
	}
}

// Get returns the cached price of symbol if it is fresh.
func (c *Cache) Get(symbol string) (Price, bool) {
	c.mu.RLock()
	p, ok := c.prices[symbol]
	c.mu.RUnlock()
	if !ok {
		return Price{}, false
	}
	if c.maxAge > 0 && c.now().Sub(p.fetchedAt) > c.maxAge {
		return Price{}, false
	}
	return p.Price, true
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.prices)
}

// Poller refreshes a cache from a fetcher.
type Poller struct {
	fetcher Fetcher
	cache   *Cache
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

func NewPoller(fetcher Fetcher, cache *Cache, m *metrics.Metrics, logger zerolog.Logger) *Poller {
	return &Poller{
		fetcher: fetcher,
		cache:   cache,
		metrics: m,
		logger:  logger.With().Str("component", "reference").Str("source", fetcher.Name()).Logger(),
	}
}

// Refresh fetches once. Errors leave the cache untouched so stale entries
// age out on their own.
func (p *Poller) Refresh(ctx context.Context, _ time.Time) error {
	prices, err := p.fetcher.Fetch(ctx)
	if err != nil {
		p.logger.Warn().Err(err).Msg("reference refresh failed")
		return nil
	}
	p.cache.Store(prices)
	p.metrics.SetReferencePrices(p.cache.Len())
	p.logger.Debug().Int("prices", len(prices)).Msg("reference prices refreshed")
	return nil
}

// Enricher derives cross-source samples from stream samples.
type Enricher struct {
	cache     *Cache
	source    string
	symbolMap map[string]string
}

// NewEnricher compares stream prices against the cached source. symbolMap
// translates stream symbols to reference symbols where they differ.
func NewEnricher(cache *Cache, source string, symbolMap map[string]string) *Enricher {
	return &Enricher{cache: cache, source: source, symbolMap: symbolMap}
}

// Enrich appends one sample per primary sample whose symbol has a fresh
// reference price.
func (e *Enricher) Enrich(samples []deviation.Sample) []deviation.Sample {
	out := make([]deviation.Sample, len(samples), 2*len(samples))
	copy(out, samples)
	for _, s := range samples {
		if s.Secondary {
			continue
		}
		symbol := s.Symbol
		if mapped, ok := e.symbolMap[symbol]; ok {
			symbol = mapped
		}
		ref, ok := e.cache.Get(symbol)
		if !ok {
			continue
		}
		out = append(out, deviation.Sample{
			Symbol:    s.Symbol,
			Pair:      deviation.Pair{Observed: s.Pair.Observed, Reference: e.source},
			Reference: decimal.NewNullDecimal(ref.Value),
			Observed:  s.Observed,
			Timestamp: s.Timestamp,
			Secondary: true,
		})
	}
	return out
}
