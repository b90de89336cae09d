package edge

import (
	"context"
	"net/http"
)

// respond classifies r and serves it through the matching strategy. Strategy
// errors go through recoverFrom before they reach the caller.
func (s *Service) respond(ctx context.Context, r *http.Request) (Entry, string, error) {
	nav := isNavigation(r)
	cls := s.classifier.Classify(r.URL.Path)
	key := s.classifier.CacheKey(r, cls.Category)

	var (
		ent     Entry
		outcome string
		err     error
	)
	switch cls.Category {
	case CategoryDynamicAPI:
		ent, err = s.fetcher.Fetch(ctx, r)
		outcome = outcomeBypass
	case CategoryStaticAsset:
		ent, outcome, err = s.cacheFirst(ctx, r, key)
	case CategorySemiStaticAPI:
		ent, outcome, err = s.networkFirstShortCache(ctx, r, key)
	case CategoryAPI:
		ent, outcome, err = s.networkFirst(ctx, r, key)
	default:
		ent, outcome, err = s.networkFirstOffline(ctx, r, key, nav)
	}
	if err == nil {
		return ent, outcome, nil
	}
	return s.recoverFrom(err, r, key, cls, nav)
}

func (s *Service) recoverFrom(err error, r *http.Request, key string, cls Classification, nav bool) (Entry, string, error) {
	s.originLog.Printf("origin unreachable: %v", err)
	s.log.Debug().Err(err).
		Str("key", requestKey(r)).
		Stringer("category", cls.Category).
		Str("rule", cls.Rule).
		Bool("navigate", nav).
		Msg("strategy failed")

	if nav {
		if off, ok := s.store.MatchAny(s.cfg.Offline.Page); ok {
			return off, outcomeOffline, nil
		}
		return Entry{}, "", err
	}
	// Cart, order and payment data never comes from cache.
	if cls.Category == CategoryDynamicAPI {
		return Entry{}, "", err
	}
	if cached, ok := s.store.MatchAny(key); ok && (cached.TTL == 0 || cached.FreshAt(s.now())) {
		return cached, outcomeFallback, nil
	}
	return Entry{}, "", err
}

// cacheFirst serves from the static namespace and fills it on a miss.
// Concurrent misses for one key share a single origin fetch.
func (s *Service) cacheFirst(ctx context.Context, r *http.Request, key string) (Entry, string, error) {
	ns := s.cfg.Caches.Static
	if ent, ok := s.store.Match(ns, key); ok {
		return ent, outcomeHit, nil
	}

	// Fills are shared only between callers with the same credentials.
	fill := fullKey(ns, key)
	if cred := s.classifier.credential(r); cred != "" {
		fill += "\x00" + cred
	}
	v, err, _ := s.fills.Do(fill, func() (any, error) {
		// The fill outlives the first caller's cancellation; the fetcher
		// still applies its own deadline.
		ent, err := s.fetcher.Fetch(context.WithoutCancel(ctx), r)
		if err != nil {
			return Entry{}, err
		}
		if ent.OK() {
			s.put(ns, key, ent.stampedAt(s.now()))
		}
		return ent, nil
	})
	if err != nil {
		return Entry{}, "", err
	}
	return v.(Entry), outcomeMiss, nil
}

// networkFirst prefers the origin, writes ok responses to the dynamic
// namespace and falls back to any cached copy.
func (s *Service) networkFirst(ctx context.Context, r *http.Request, key string) (Entry, string, error) {
	ent, err := s.fetcher.Fetch(ctx, r)
	if err == nil {
		if ent.OK() {
			s.put(s.cfg.Caches.Dynamic, key, ent.stampedAt(s.now()))
		}
		return ent, outcomeNetwork, nil
	}
	if cached, ok := s.store.MatchAny(key); ok {
		return cached, outcomeFallback, nil
	}
	return Entry{}, "", err
}

// networkFirstShortCache stores a TTL-stamped copy in the static namespace and
// only falls back to it while it is fresh. Stale copies stay in place until
// the next successful fetch overwrites them.
func (s *Service) networkFirstShortCache(ctx context.Context, r *http.Request, key string) (Entry, string, error) {
	ent, err := s.fetcher.Fetch(ctx, r)
	if err == nil {
		if ent.OK() {
			s.put(s.cfg.Caches.Static, key, ent.withTTL(s.now(), s.cfg.ShortCacheTTL()))
		}
		return ent, outcomeNetwork, nil
	}
	if cached, ok := s.store.MatchAny(key); ok && cached.FreshAt(s.now()) {
		return cached, outcomeFallback, nil
	}
	return Entry{}, "", err
}

// networkFirstOffline is networkFirst with the offline page as the last resort
// for navigations.
func (s *Service) networkFirstOffline(ctx context.Context, r *http.Request, key string, nav bool) (Entry, string, error) {
	ent, outcome, err := s.networkFirst(ctx, r, key)
	if err == nil || !nav {
		return ent, outcome, err
	}
	if off, ok := s.store.MatchAny(s.cfg.Offline.Page); ok {
		return off, outcomeOffline, nil
	}
	return Entry{}, "", err
}

// put writes to the store unless the origin marked the response as not
// cacheable. Stored copies never carry Set-Cookie. A failed write never fails
// the response.
func (s *Service) put(ns, key string, ent Entry) {
	if !ent.storable() {
		return
	}
	if err := s.store.Put(ns, key, ent.withoutCookies()); err != nil {
		s.log.Error().Err(err).Str("namespace", ns).Str("key", key).Msg("cache write failed")
	}
}
