package edge

import (
	"context"
	"fmt"
	"hash/crc32"
	"io"
	"net/http"
	"strings"
	"time"
)

// Fetcher performs one network attempt. An error means the network failed;
// any HTTP status, including 5xx, is a successful fetch.
type Fetcher interface {
	Fetch(ctx context.Context, r *http.Request) (Entry, error)
}

type originFetcher struct {
	origin  string
	timeout time.Duration
	client  *http.Client
}

func newOriginFetcher(origin string, timeout time.Duration) *originFetcher {
	return &originFetcher{
		origin:  origin,
		timeout: timeout,
		client: &http.Client{
			// Redirects go back to the client untouched.
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		},
	}
}

func (f *originFetcher) Fetch(ctx context.Context, r *http.Request) (Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	var body io.Reader
	if r.Body != nil && r.Body != http.NoBody {
		body = r.Body
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, f.origin+r.URL.RequestURI(), body)
	if err != nil {
		return Entry{}, err
	}
	copyHeaders(req.Header, r.Header)
	req.Header.Set("Accept-Encoding", "identity")
	if body != nil {
		req.ContentLength = r.ContentLength
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return Entry{}, fmt.Errorf("fetch %s %s: %w", r.Method, r.URL.Path, err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return Entry{}, fmt.Errorf("read %s %s: %w", r.Method, r.URL.Path, err)
	}

	ent := Entry{
		Status: resp.StatusCode,
		Header: cloneHeader(resp.Header),
		Body:   b,
		Hash32: crc32.ChecksumIEEE(b),
	}
	ent.Header.Del("Content-Length")
	return ent, nil
}

var hopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") {
			continue
		}
		if _, hop := hopHeaders[http.CanonicalHeaderKey(k)]; hop {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}
