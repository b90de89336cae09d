package edge

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"path"
	"strings"
)

type Category int

const (
	CategoryPage Category = iota
	CategoryStaticAsset
	CategoryDynamicAPI
	CategorySemiStaticAPI
	CategoryAPI
)

func (c Category) String() string {
	switch c {
	case CategoryStaticAsset:
		return "static-asset"
	case CategoryDynamicAPI:
		return "dynamic-api"
	case CategorySemiStaticAPI:
		return "semi-static-api"
	case CategoryAPI:
		return "api"
	default:
		return "page"
	}
}

// Classification is the result of classifying one path. Rule names the
// pattern that decided it, if any.
type Classification struct {
	Category Category
	Rule     string
}

// Classifier buckets request paths using the ordered rule lists of a Config.
// It only looks at the path.
type Classifier struct {
	dynamic     []PatternRule
	semiStatic  []PatternRule
	prefixes    []string
	extensions  map[string]struct{}
	credCookies map[string]struct{}
}

// NewClassifier expects a compiled config.
func NewClassifier(cfg *Config) *Classifier {
	exts := make(map[string]struct{}, len(cfg.Routing.StaticExtensions))
	for _, e := range cfg.Routing.StaticExtensions {
		exts[e] = struct{}{}
	}
	var creds map[string]struct{}
	for _, name := range cfg.Routing.CredentialCookies {
		if name = strings.TrimSpace(name); name != "" {
			if creds == nil {
				creds = map[string]struct{}{}
			}
			creds[name] = struct{}{}
		}
	}
	return &Classifier{
		dynamic:     cfg.Routing.DynamicAPI,
		semiStatic:  cfg.Routing.SemiStaticAPI,
		prefixes:    cfg.Routing.StaticPrefixes,
		extensions:  exts,
		credCookies: creds,
	}
}

func (c *Classifier) Classify(p string) Classification {
	// API paths never reach the extension check.
	if strings.HasPrefix(p, "/api/") {
		if rule, ok := firstMatch(c.dynamic, p); ok {
			return Classification{Category: CategoryDynamicAPI, Rule: rule}
		}
		if rule, ok := firstMatch(c.semiStatic, p); ok {
			return Classification{Category: CategorySemiStaticAPI, Rule: rule}
		}
		return Classification{Category: CategoryAPI}
	}
	if c.isStaticAsset(p) {
		return Classification{Category: CategoryStaticAsset}
	}
	return Classification{Category: CategoryPage}
}

func firstMatch(rules []PatternRule, p string) (string, bool) {
	for i := range rules {
		if rules[i].Matches(p) {
			return rules[i].Name, true
		}
	}
	return "", false
}

func (c *Classifier) isStaticAsset(p string) bool {
	for _, prefix := range c.prefixes {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	ext := path.Ext(p)
	if ext == "" {
		return false
	}
	_, ok := c.extensions[ext[1:]]
	return ok
}

// intercepts reports whether a request goes through the strategies at all.
// Non-GET methods and foreign schemes pass through untouched.
func intercepts(r *http.Request) bool {
	if r.Method != http.MethodGet {
		return false
	}
	switch r.URL.Scheme {
	case "", "http", "https":
		return true
	}
	return false
}

// isNavigation reports whether r loads a full document.
func isNavigation(r *http.Request) bool {
	if mode := r.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return mode == "navigate"
	}
	return r.Method == http.MethodGet && strings.Contains(r.Header.Get("Accept"), "text/html")
}

// requestKey is the cache key of r: path plus raw query.
func requestKey(r *http.Request) string {
	if r.URL.RawQuery == "" {
		return r.URL.Path
	}
	return r.URL.Path + "?" + r.URL.RawQuery
}

// CacheKey is the key r is cached under. Static assets share one entry across
// clients. Everything else sent with credentials is kept apart per client, so
// one client's response is never served to another.
func (c *Classifier) CacheKey(r *http.Request, cat Category) string {
	key := requestKey(r)
	if cat == CategoryStaticAsset {
		return key
	}
	if cred := c.credential(r); cred != "" {
		return key + "\x00" + cred
	}
	return key
}

// credential hashes the Cookie and Authorization values that identify the
// client. It is empty for anonymous requests.
func (c *Classifier) credential(r *http.Request) string {
	h := sha256.New()
	found := false
	if c.credCookies == nil {
		for _, v := range r.Header.Values("Cookie") {
			_, _ = io.WriteString(h, "cookie:"+v+"\n")
			found = true
		}
	} else {
		for _, ck := range r.Cookies() {
			if _, ok := c.credCookies[ck.Name]; ok {
				_, _ = io.WriteString(h, "cookie:"+ck.Name+"="+ck.Value+"\n")
				found = true
			}
		}
	}
	for _, v := range r.Header.Values("Authorization") {
		_, _ = io.WriteString(h, "auth:"+v+"\n")
		found = true
	}
	if !found {
		return ""
	}
	return hex.EncodeToString(h.Sum(nil)[:16])
}
