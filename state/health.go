package state

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Health probes the durable tier and, when caching is enabled, the cache
// tier. It never fails: a probe error, a panic in a probe or an unconnected
// store all count as down. Overall is true only when the durable tier is up
// and the cache, if enabled, is up as well.
func (s *Store) Health(ctx context.Context) HealthResult {
	var (
		result  HealthResult
		cacheUp bool
	)
	if s.ready() == nil {
		// Probes report through the bools and never fail the group.
		var g errgroup.Group
		g.Go(func() error {
			result.DurableUp = s.probe(ctx, "durable", s.durable.Ping)
			return nil
		})
		if s.cache != nil {
			g.Go(func() error {
				cacheUp = s.probe(ctx, "cache", s.cache.Ping)
				return nil
			})
		}
		_ = g.Wait()
	}

	result.Overall = result.DurableUp
	if s.cache != nil {
		result.CacheUp = &cacheUp
		result.Overall = result.Overall && cacheUp
	}
	return result
}

func (s *Store) probe(ctx context.Context, tier string, ping func(context.Context) error) (up bool) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Warn().Str("tier", tier).Err(fmt.Errorf("panic: %v", r)).Msg("state health probe failed")
			up = false
		}
	}()
	if err := ping(ctx); err != nil {
		s.log.Warn().Str("tier", tier).Err(err).Msg("state health probe failed")
		return false
	}
	return true
}
