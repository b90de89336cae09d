package edge

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	headerCacheTimestamp = "sw-cache-timestamp"
	headerCacheTTL       = "sw-cache-ttl"
)

// Entry is a fully buffered response as stored in a cache namespace.
type Entry struct {
	Status int
	Header http.Header
	Body   []byte
	Hash32 uint32

	// CachedAt is the write time in unix milliseconds. It is zero for entries
	// that came straight from the network.
	CachedAt int64

	// TTL bounds how long the entry may be served as a fallback. Zero means the
	// entry carries no freshness metadata.
	TTL time.Duration
}

// OK reports whether the status is in the 2xx range.
func (e Entry) OK() bool { return e.Status >= 200 && e.Status < 300 }

// FreshAt reports whether the entry carries a TTL and is still inside it.
// Entries without TTL metadata are never fresh.
func (e Entry) FreshAt(now time.Time) bool {
	if e.TTL <= 0 {
		return false
	}
	return now.UnixMilli()-e.CachedAt < e.TTL.Milliseconds()
}

// withTTL returns a copy stamped with freshness metadata, both as fields and
// as the sw-cache-* headers.
func (e Entry) withTTL(now time.Time, ttl time.Duration) Entry {
	out := e
	out.Header = cloneHeader(e.Header)
	out.CachedAt = now.UnixMilli()
	out.TTL = ttl
	out.Header.Set(headerCacheTimestamp, strconv.FormatInt(out.CachedAt, 10))
	out.Header.Set(headerCacheTTL, strconv.FormatInt(ttl.Milliseconds(), 10))
	return out
}

func (e Entry) stampedAt(now time.Time) Entry {
	out := e
	out.CachedAt = now.UnixMilli()
	return out
}

// storable reports whether the origin lets a shared cache keep the response.
func (e Entry) storable() bool {
	cc := strings.ToLower(e.Header.Get("Cache-Control"))
	return !strings.Contains(cc, "no-store") &&
		!strings.Contains(cc, "no-cache") &&
		!strings.Contains(cc, "private")
}

// withoutCookies returns a copy that is safe to hand to other clients.
func (e Entry) withoutCookies() Entry {
	out := e
	out.Header = cloneHeader(e.Header)
	out.Header.Del("Set-Cookie")
	return out
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}
