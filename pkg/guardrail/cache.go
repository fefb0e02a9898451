package guardrail

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// priceCache memoizes successful lookups for the life of the process.
// Concurrent misses for one instance type share a single source call.
type priceCache struct {
	source   PriceSource
	fallback map[string]float64
	logger   zerolog.Logger

	values sync.Map
	group  singleflight.Group
}

func newPriceCache(source PriceSource, fallback map[string]float64, logger zerolog.Logger) *priceCache {
	return &priceCache{source: source, fallback: fallback, logger: logger}
}

// lookup returns the unit price and whether any source knew the type.
// Failed source lookups fall back to the static table and are not cached.
func (c *priceCache) lookup(ctx context.Context, instanceType string) (float64, bool) {
	if v, ok := c.values.Load(instanceType); ok {
		return v.(float64), true
	}

	v, err, _ := c.group.Do(instanceType, func() (interface{}, error) {
		if v, ok := c.values.Load(instanceType); ok {
			return v, nil
		}
		p, err := c.source.Price(ctx, instanceType)
		if err != nil {
			return nil, err
		}
		c.values.Store(instanceType, p)
		return p, nil
	})
	if err == nil {
		return v.(float64), true
	}

	if !errors.Is(err, ErrUnknownInstanceType) {
		c.logger.Warn().Err(err).Str("instance_type", instanceType).Msg("Price lookup failed, using static pricing")
	}
	if p, ok := c.fallback[instanceType]; ok {
		return p, true
	}
	return DefaultUnitPrice, false
}

// reset drops every cached price.
func (c *priceCache) reset() {
	c.values.Range(func(key, _ interface{}) bool {
		c.values.Delete(key)
		return true
	})
}
