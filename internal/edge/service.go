package edge

import (
	"errors"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const headerEdge = "X-Scarlet-Edge"

type Service struct {
	cfg Config
	log zerolog.Logger
	now func() time.Time

	store   CacheStore
	storage *Storage // set when the service opened its own store

	fetcher    Fetcher
	classifier *Classifier
	fills      singleflight.Group

	queue    PendingActions
	notifier Notifier
	opener   WindowOpener

	lc lifecycle

	stats     *statsCollector
	originLog *rateLimitedLogger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

type Option func(*Service)

// WithStore injects the cache store. The caller keeps ownership.
func WithStore(store CacheStore) Option { return func(s *Service) { s.store = store } }

func WithFetcher(f Fetcher) Option { return func(s *Service) { s.fetcher = f } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func WithLogger(log zerolog.Logger) Option { return func(s *Service) { s.log = log } }

func WithPendingActions(q PendingActions) Option { return func(s *Service) { s.queue = q } }

func WithNotifier(n Notifier) Option { return func(s *Service) { s.notifier = n } }

func WithWindowOpener(o WindowOpener) Option { return func(s *Service) { s.opener = o } }

// NewService builds the proxy for a compiled cfg. Without WithStore it opens
// leveldb storage at cfg.Storage.Path.
func NewService(cfg Config, opts ...Option) (*Service, error) {
	s := &Service{
		cfg:    cfg,
		log:    NewLogger(os.Stdout, cfg.LogLevel(), false),
		now:    time.Now,
		stats:  newStatsCollector(),
		stopCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.originLog = newRateLimitedLogger(s.log, time.Minute)
	s.classifier = NewClassifier(&s.cfg)

	if s.fetcher == nil {
		s.fetcher = newOriginFetcher(cfg.Server.Origin, cfg.NetworkTimeout())
	}
	if s.store == nil {
		st, err := OpenStorage(cfg.Storage.Path, cfg.Storage.ramMax, cfg.Storage.diskMax,
			newRateLimitedLogger(s.log, time.Minute))
		if err != nil {
			return nil, err
		}
		st.now = s.now
		s.store = st
		s.storage = st
	}
	if s.queue == nil {
		switch {
		case !cfg.Sync.Persist:
			s.queue = noPendingActions{}
		case s.storage != nil:
			s.queue = newLevelQueue(s.storage.disk.db, s.now)
		default:
			s.Close()
			return nil, errors.New("sync.persist needs the built-in storage or WithPendingActions")
		}
	}
	if s.notifier == nil {
		s.notifier = newLogNotifier(s.log, 50)
	}
	if s.opener == nil {
		s.opener = logOpener{log: s.log}
	}

	if every := cfg.Logging.statsEveryDur; every > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(every)
		}()
	}
	return s, nil
}

func (s *Service) Close() {
	select {
	case <-s.stopCh:
		return
	default:
	}
	close(s.stopCh)
	s.wg.Wait()
	if s.storage != nil {
		if err := s.storage.Close(); err != nil {
			s.log.Error().Err(err).Msg("close storage")
		}
	}
}

// serveProxy is the catch-all handler in front of the origin.
func (s *Service) serveProxy(w http.ResponseWriter, r *http.Request) {
	if !s.lc.controlling() || !intercepts(r) {
		s.proxyPass(w, r)
		return
	}
	ent, outcome, err := s.respond(r.Context(), r)
	if err != nil {
		s.badGateway(w)
		return
	}
	s.writeEntryWithStats(w, ent, outcome)
}

func (s *Service) proxyPass(w http.ResponseWriter, r *http.Request) {
	ent, err := s.fetcher.Fetch(r.Context(), r)
	if err != nil {
		s.originLog.Printf("origin unreachable: %v", err)
		s.badGateway(w)
		return
	}
	s.writeEntryWithStats(w, ent, outcomeBypass)
}

func (s *Service) badGateway(w http.ResponseWriter) {
	setEdgeHeaders(w.Header(), outcomeBadGateway)
	http.Error(w, "bad gateway", http.StatusBadGateway)
	s.stats.Observe(outcomeBadGateway, 0)
}

func (s *Service) writeEntryWithStats(w http.ResponseWriter, ent Entry, outcome string) {
	writeEntry(w, ent, outcome)
	s.stats.Observe(outcome, len(ent.Body))
}

func writeEntry(w http.ResponseWriter, ent Entry, outcome string) {
	for k, vs := range ent.Header {
		if strings.EqualFold(k, headerEdge) {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setEdgeHeaders(w.Header(), outcome)
	w.WriteHeader(ent.Status)
	_, _ = w.Write(ent.Body)
}

func setEdgeHeaders(h http.Header, outcome string) {
	if outcome != "" {
		h.Set(headerEdge, outcome)
	}
	// Browsers hide custom headers from cross-origin JS unless exposed.
	ensureExposedHeader(h, headerEdge)
}

func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}
	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

type usageReporter interface {
	Usage() (keys int, ramBytes, diskBytes int64)
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			ss := s.stats.Snapshot()
			ev := s.log.Info().
				Uint64("hits", ss.Hits).
				Uint64("misses", ss.Misses).
				Uint64("network", ss.Network).
				Uint64("fallbacks", ss.Fallbacks).
				Uint64("offline", ss.Offline).
				Uint64("bypass", ss.Bypass).
				Uint64("badGateway", ss.BadGateway).
				Str("resp", formatBytes(ss.MinRespBytes)+"/"+formatBytes(ss.AvgRespBytes)+"/"+formatBytes(ss.MaxRespBytes))
			if u, ok := s.store.(usageReporter); ok {
				keys, ramBytes, diskBytes := u.Usage()
				ev = ev.Int("keys", keys).
					Str("ram", formatBytes(uint64(ramBytes))).
					Str("disk", formatBytes(uint64(diskBytes)))
			}
			ev.Msg("cache stats")
		}
	}
}
