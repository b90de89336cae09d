package edge

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/hlog"
)

const maxControlBody = 64 << 10

// Handler returns the full HTTP surface: control routes under the configured
// prefix and the caching proxy for everything else.
func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(hlog.NewHandler(s.log))
	r.Use(hlog.RequestIDHandler("req_id", "X-Request-Id"))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, d time.Duration) {
		hlog.FromRequest(r).Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("duration", d).
			Msg("request")
	}))
	r.Use(chimw.Recoverer)

	if prefix := s.cfg.Server.ControlPrefix; prefix != "" {
		r.Mount(prefix, s.controlRoutes())
	}
	r.Handle("/*", http.HandlerFunc(s.serveProxy))
	return r
}

func (s *Service) controlRoutes() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/status", s.handleStatus)
	r.Post("/install", s.handleInstall)
	r.Post("/activate", s.handleActivate)
	r.Post("/sync/{tag}", s.handleSync)
	r.Post("/sync/{tag}/actions", s.handleEnqueue)
	r.Post("/push", s.handlePush)
	r.Post("/notifications/click", s.handleNotificationClick)
	r.Get("/notifications", s.handleNotifications)
	return r
}

type statusResponse struct {
	State       string        `json:"state"`
	SkipWaiting bool          `json:"skipWaiting"`
	Namespaces  []string      `json:"namespaces"`
	SyncTags    []string      `json:"syncTags"`
	Keys        int           `json:"keys,omitempty"`
	RAMBytes    int64         `json:"ramBytes,omitempty"`
	DiskBytes   int64         `json:"diskBytes,omitempty"`
	Stats       statsSnapshot `json:"stats"`
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, skip := s.lc.snapshot()
	names, err := s.store.Namespaces()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	resp := statusResponse{
		State:       st.String(),
		SkipWaiting: skip,
		Namespaces:  names,
		SyncTags:    s.SyncTags(),
		Stats:       s.stats.Snapshot(),
	}
	if u, ok := s.store.(usageReporter); ok {
		resp.Keys, resp.RAMBytes, resp.DiskBytes = u.Usage()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Service) handleInstall(w http.ResponseWriter, r *http.Request) {
	if err := s.Install(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	st, skip := s.lc.snapshot()
	writeJSON(w, http.StatusOK, map[string]any{"state": st.String(), "skipWaiting": skip})
}

func (s *Service) handleActivate(w http.ResponseWriter, r *http.Request) {
	if err := s.Activate(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	names, err := s.store.Namespaces()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"state": StateActivated.String(), "namespaces": names})
}

func (s *Service) handleSync(w http.ResponseWriter, r *http.Request) {
	tag := chi.URLParam(r, "tag")
	n, err := s.Sync(r.Context(), tag)
	switch {
	case errors.Is(err, ErrUnknownSyncTag):
		writeError(w, http.StatusNotFound, err)
	case err != nil:
		hlog.FromRequest(r).Warn().Err(err).Str("tag", tag).Msg("sync failed")
		writeJSON(w, http.StatusBadGateway, map[string]any{"replayed": n, "error": err.Error()})
	default:
		writeJSON(w, http.StatusOK, map[string]any{"replayed": n})
	}
}

func (s *Service) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxControlBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	a, err := s.EnqueueSyncAction(r.Context(), chi.URLParam(r, "tag"), body)
	switch {
	case errors.Is(err, ErrUnknownSyncTag):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, ErrSyncQueueDisabled):
		writeError(w, http.StatusNotImplemented, err)
	case err != nil:
		writeError(w, http.StatusBadRequest, err)
	default:
		writeJSON(w, http.StatusCreated, a)
	}
}

func (s *Service) handlePush(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxControlBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	n, err := s.Push(r.Context(), body)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (s *Service) handleNotificationClick(w http.ResponseWriter, r *http.Request) {
	if err := s.NotificationClick(r.Context(), r.URL.Query().Get("action")); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleNotifications(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.notifier.(interface{ Recent() []Notification })
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, rec.Recent())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
