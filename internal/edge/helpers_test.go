package edge

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

var errOriginDown = errors.New("dial tcp 10.0.0.1:3000: connect: connection refused")

type recordedRequest struct {
	Method string
	Key    string
	Body   string
	Header http.Header
}

// fakeOrigin is an in-process Fetcher with a switchable network.
type fakeOrigin struct {
	mu        sync.Mutex
	down      bool
	responses map[string]Entry
	funcs     map[string]func(*http.Request) Entry
	requests  []recordedRequest
}

func newFakeOrigin() *fakeOrigin {
	return &fakeOrigin{responses: map[string]Entry{}, funcs: map[string]func(*http.Request) Entry{}}
}

// serveFunc answers key with whatever fn builds from the request.
func (f *fakeOrigin) serveFunc(key string, fn func(*http.Request) Entry) {
	f.mu.Lock()
	f.funcs[key] = fn
	f.mu.Unlock()
}

func (f *fakeOrigin) serve(key string, status int, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[key] = Entry{
		Status: status,
		Header: http.Header{"Content-Type": []string{"text/plain"}},
		Body:   []byte(body),
	}
}

func (f *fakeOrigin) setDown(down bool) {
	f.mu.Lock()
	f.down = down
	f.mu.Unlock()
}

func (f *fakeOrigin) Fetch(_ context.Context, r *http.Request) (Entry, error) {
	var body []byte
	if r.Body != nil {
		body, _ = io.ReadAll(r.Body)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, recordedRequest{
		Method: r.Method,
		Key:    requestKey(r),
		Body:   string(body),
		Header: r.Header.Clone(),
	})
	if f.down {
		return Entry{}, errOriginDown
	}
	if fn, ok := f.funcs[requestKey(r)]; ok {
		return fn(r), nil
	}
	ent, ok := f.responses[requestKey(r)]
	if !ok {
		return Entry{Status: http.StatusNotFound, Header: http.Header{}, Body: []byte("not found")}, nil
	}
	ent.Header = cloneHeader(ent.Header)
	return ent, nil
}

func (f *fakeOrigin) calls(method, key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.requests {
		if r.Method == method && r.Key == key {
			n++
		}
	}
	return n
}

func (f *fakeOrigin) recorded() []recordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedRequest(nil), f.requests...)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.UnixMilli(1_700_000_000_000)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Server.Origin = "http://origin.test"
	require.NoError(t, cfg.Compile())
	return cfg
}

func newTestService(t *testing.T, cfg Config, origin Fetcher, clock *testClock, opts ...Option) *Service {
	t.Helper()
	all := []Option{WithLogger(zerolog.Nop()), WithClock(clock.Now)}
	if origin != nil {
		all = append(all, WithFetcher(origin))
	}
	svc, err := NewService(cfg, append(all, opts...)...)
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	return svc
}

func servePrecache(o *fakeOrigin) {
	o.serve("/", http.StatusOK, "<html>home</html>")
	o.serve("/offline", http.StatusOK, "<html>you are offline</html>")
	o.serve("/manifest.json", http.StatusOK, `{"name":"Scarlet Beauty"}`)
	o.serve("/favicon.ico", http.StatusOK, "ico")
}

func getRequest(path string) *http.Request {
	return httptest.NewRequest(http.MethodGet, path, nil)
}

func navigationRequest(path string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, path, nil)
	r.Header.Set("Sec-Fetch-Mode", "navigate")
	return r
}
