package edge

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type storefront struct {
	srv       *httptest.Server
	cssHits   atomic.Int32
	cartPosts atomic.Int32
	lastCart  atomic.Value
}

func newStorefront(t *testing.T) *storefront {
	t.Helper()
	sf := &storefront{}
	mux := http.NewServeMux()
	page := func(body string) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/html")
			_, _ = io.WriteString(w, body)
		}
	}
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		page("<html>home</html>")(w, r)
	})
	mux.HandleFunc("/offline", page("<html>offline</html>"))
	mux.HandleFunc("/dashboard", page("<html>dashboard</html>"))
	mux.HandleFunc("/manifest.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/manifest+json")
		_, _ = io.WriteString(w, `{"name":"Scarlet Beauty"}`)
	})
	mux.HandleFunc("/favicon.ico", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "ico")
	})
	mux.HandleFunc("/static/site.css", func(w http.ResponseWriter, r *http.Request) {
		sf.cssHits.Add(1)
		w.Header().Set("Content-Type", "text/css")
		_, _ = io.WriteString(w, "body{color:#c00}")
	})
	mux.HandleFunc("/api/products/1", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":1}`)
	})
	mux.HandleFunc("/api/cart", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			sf.cartPosts.Add(1)
			b, _ := io.ReadAll(r.Body)
			sf.lastCart.Store(string(b))
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write(b)
			return
		}
		_, _ = io.WriteString(w, `{"items":[]}`)
	})
	mux.HandleFunc("/old-path", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/dashboard", http.StatusFound)
	})
	sf.srv = httptest.NewServer(mux)
	t.Cleanup(sf.srv.Close)
	return sf
}

func newEdge(t *testing.T, sf *storefront) (*Service, *httptest.Server) {
	t.Helper()
	cfg := testConfig(t)
	cfg.Server.Origin = sf.srv.URL
	svc := newTestService(t, cfg, nil, newTestClock())
	edge := httptest.NewServer(svc.Handler())
	t.Cleanup(edge.Close)
	return svc, edge
}

func doGet(t *testing.T, url string, header http.Header) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	for k, vs := range header {
		req.Header[k] = vs
	}
	resp, err := noRedirectClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(b)
}

var noRedirectClient = &http.Client{
	CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
}

func TestProxyPassesThroughBeforeActivation(t *testing.T) {
	sf := newStorefront(t)
	svc, edge := newEdge(t, sf)

	for i := 0; i < 2; i++ {
		resp, body := doGet(t, edge.URL+"/static/site.css", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "body{color:#c00}", body)
		assert.Equal(t, outcomeBypass, resp.Header.Get(headerEdge))
	}
	assert.Equal(t, int32(2), sf.cssHits.Load())

	names, err := svc.store.Namespaces()
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestProxyEndToEnd(t *testing.T) {
	sf := newStorefront(t)
	_, edge := newEdge(t, sf)

	resp, err := http.Post(edge.URL+"/__edge/install", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, err = http.Post(edge.URL+"/__edge/activate", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := doGet(t, edge.URL+"/static/site.css", nil)
	assert.Equal(t, outcomeMiss, resp.Header.Get(headerEdge))
	assert.Equal(t, "text/css", resp.Header.Get("Content-Type"))
	resp, body2 := doGet(t, edge.URL+"/static/site.css", nil)
	assert.Equal(t, outcomeHit, resp.Header.Get(headerEdge))
	assert.Equal(t, body, body2)
	assert.Equal(t, int32(1), sf.cssHits.Load())
	assert.Contains(t, resp.Header.Get("Access-Control-Expose-Headers"), headerEdge)

	resp, body = doGet(t, edge.URL+"/api/products/1", nil)
	assert.Equal(t, outcomeNetwork, resp.Header.Get(headerEdge))
	assert.Equal(t, `{"id":1}`, body)
	assert.Empty(t, resp.Header.Get(headerCacheTTL))

	resp, err = http.Post(edge.URL+"/api/cart", "application/json", strings.NewReader(`{"sku":"LIP-01"}`))
	require.NoError(t, err)
	b, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, outcomeBypass, resp.Header.Get(headerEdge))
	assert.Equal(t, `{"sku":"LIP-01"}`, string(b))
	assert.Equal(t, `{"sku":"LIP-01"}`, sf.lastCart.Load())

	resp, _ = doGet(t, edge.URL+"/old-path", nil)
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/dashboard", resp.Header.Get("Location"))

	// Origin goes away.
	sf.srv.Close()

	resp, body = doGet(t, edge.URL+"/dashboard", http.Header{"Sec-Fetch-Mode": {"navigate"}})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, outcomeOffline, resp.Header.Get(headerEdge))
	assert.Equal(t, "<html>offline</html>", body)

	resp, _ = doGet(t, edge.URL+"/api/cart", nil)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, outcomeBadGateway, resp.Header.Get(headerEdge))

	resp, body = doGet(t, edge.URL+"/api/products/1", nil)
	assert.Equal(t, outcomeFallback, resp.Header.Get(headerEdge))
	assert.Equal(t, `{"id":1}`, body)
	assert.NotEmpty(t, resp.Header.Get(headerCacheTimestamp))

	resp, _ = doGet(t, edge.URL+"/static/site.css", nil)
	assert.Equal(t, outcomeHit, resp.Header.Get(headerEdge))

	resp, body = doGet(t, edge.URL+"/__edge/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var st statusResponse
	require.NoError(t, json.Unmarshal([]byte(body), &st))
	assert.Equal(t, "activated", st.State)
	assert.True(t, st.SkipWaiting)
	assert.Equal(t, []string{"scarlet-static-v1"}, st.Namespaces)
	assert.Equal(t, uint64(2), st.Stats.Hits)
	assert.Equal(t, uint64(1), st.Stats.BadGateway)
	assert.Equal(t, uint64(1), st.Stats.Offline)
}

func TestControlEndpoints(t *testing.T) {
	sf := newStorefront(t)
	_, edge := newEdge(t, sf)

	resp, body := doGet(t, edge.URL+"/__edge/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body)
	assert.NotEmpty(t, resp.Header.Get("X-Request-Id"))

	post := func(path, body string) (*http.Response, string) {
		resp, err := http.Post(edge.URL+path, "application/json", strings.NewReader(body))
		require.NoError(t, err)
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		return resp, string(b)
	}

	resp, body = post("/__edge/sync/cart-sync", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"replayed":0}`, body)

	resp, _ = post("/__edge/sync/nope", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = post("/__edge/sync/cart-sync/actions", `{"sku":"A1"}`)
	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)

	resp, body = post("/__edge/push", "Flash sale tonight")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var n Notification
	require.NoError(t, json.Unmarshal([]byte(body), &n))
	assert.Equal(t, "Flash sale tonight", n.Body)
	assert.Equal(t, "Scarlet Beauty", n.Title)

	resp, body = doGet(t, edge.URL+"/__edge/notifications", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var recent []Notification
	require.NoError(t, json.Unmarshal([]byte(body), &recent))
	require.Len(t, recent, 1)
	assert.Equal(t, "Flash sale tonight", recent[0].Body)

	resp, _ = post("/__edge/notifications/click?action=explore", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

// flakyStore fails Namespaces after the first `ok` calls.
type flakyStore struct {
	*Storage
	ok    atomic.Int32
	calls atomic.Int32
}

func (f *flakyStore) Namespaces() ([]string, error) {
	if f.calls.Add(1) > f.ok.Load() {
		return nil, errors.New("leveldb: closed")
	}
	return f.Storage.Namespaces()
}

func TestActivateReportsNamespaceListError(t *testing.T) {
	cfg := testConfig(t)
	st := openTestStorage(t, "", 0, 0)
	defer st.Close()
	store := &flakyStore{Storage: st}
	store.ok.Store(1) // Activate's own listing succeeds.
	svc := newTestService(t, cfg, newFakeOrigin(), newTestClock(), WithStore(store))
	edge := httptest.NewServer(svc.Handler())
	defer edge.Close()

	resp, err := http.Post(edge.URL+"/__edge/activate", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "leveldb: closed", body["error"])
}
