package edge

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"golang.org/x/sync/errgroup"
)

type LifecycleState int

const (
	StateNew LifecycleState = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActivated
)

func (st LifecycleState) String() string {
	switch st {
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	default:
		return "new"
	}
}

type lifecycle struct {
	mu    sync.Mutex
	state LifecycleState
	// skipWaiting records whether the last install precached everything. It
	// is reported on /status only. There is never an older instance to wait
	// for, so activation does not depend on it.
	skipWaiting bool
	claimed     bool
}

func (l *lifecycle) set(st LifecycleState) {
	l.mu.Lock()
	l.state = st
	l.mu.Unlock()
}

// controlling reports whether requests go through the strategies. It stays
// true across a re-install so clients keep being served.
func (l *lifecycle) controlling() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.claimed
}

func (l *lifecycle) snapshot() (LifecycleState, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state, l.skipWaiting
}

// Start runs install then activate.
func (s *Service) Start(ctx context.Context) error {
	if err := s.Install(ctx); err != nil {
		return err
	}
	return s.Activate(ctx)
}

// Install opens the static namespace and precaches the offline manifest.
// A precache failure is logged and leaves skip-waiting unset; only store
// errors are returned.
func (s *Service) Install(ctx context.Context) error {
	s.lc.set(StateInstalling)
	ns := s.cfg.Caches.Static
	if err := s.store.Open(ns); err != nil {
		return fmt.Errorf("install: open %s: %w", ns, err)
	}

	skip := true
	if err := s.precache(ctx, ns); err != nil {
		s.log.Error().Err(err).Msg("precache failed")
		skip = false
	} else {
		s.log.Info().Int("files", len(s.cfg.Offline.Precache)).Str("namespace", ns).Msg("precached")
	}

	s.lc.mu.Lock()
	s.lc.state = StateInstalled
	s.lc.skipWaiting = skip
	s.lc.mu.Unlock()
	return nil
}

// precache fetches every manifest path in parallel and stores them only when
// all of them succeeded.
func (s *Service) precache(ctx context.Context, ns string) error {
	paths := s.cfg.Offline.Precache
	ents := make([]Entry, len(paths))
	keys := make([]string, len(paths))

	g, gctx := errgroup.WithContext(ctx)
	for i, p := range paths {
		g.Go(func() error {
			req, err := http.NewRequestWithContext(gctx, http.MethodGet, p, nil)
			if err != nil {
				return fmt.Errorf("precache %s: %w", p, err)
			}
			ent, err := s.fetcher.Fetch(gctx, req)
			if err != nil {
				return fmt.Errorf("precache %s: %w", p, err)
			}
			if !ent.OK() {
				return fmt.Errorf("precache %s: status %d", p, ent.Status)
			}
			ents[i] = ent
			keys[i] = requestKey(req)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	now := s.now()
	for i := range ents {
		if err := s.store.Put(ns, keys[i], ents[i].stampedAt(now).withoutCookies()); err != nil {
			return err
		}
	}
	return nil
}

// Activate deletes every namespace that is not the current static or dynamic
// one, then claims clients.
func (s *Service) Activate(ctx context.Context) error {
	s.lc.set(StateActivating)

	names, err := s.store.Namespaces()
	if err != nil {
		return fmt.Errorf("activate: list namespaces: %w", err)
	}
	for _, ns := range names {
		if ns == s.cfg.Caches.Static || ns == s.cfg.Caches.Dynamic {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := s.store.DeleteNamespace(ns); err != nil {
			return fmt.Errorf("activate: %w", err)
		}
		s.log.Info().Str("namespace", ns).Msg("deleted old cache namespace")
	}

	s.lc.mu.Lock()
	s.lc.state = StateActivated
	s.lc.claimed = true
	s.lc.mu.Unlock()
	s.log.Info().Msg("activated, serving clients")
	return nil
}
