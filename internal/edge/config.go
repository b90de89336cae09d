package edge

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port          int    `yaml:"port"`
		Origin        string `yaml:"origin"`
		ControlPrefix string `yaml:"controlPrefix"`
	} `yaml:"server"`

	Caches struct {
		Static  string `yaml:"static"`
		Dynamic string `yaml:"dynamic"`
	} `yaml:"caches"`

	Storage struct {
		// Path is the leveldb directory. Empty keeps everything in memory.
		Path string `yaml:"path"`
		RAM  struct {
			Max string `yaml:"max"`
		} `yaml:"ram"`
		Disk struct {
			Max string `yaml:"max"`
		} `yaml:"disk"`

		ramMax  int64
		diskMax int64
	} `yaml:"storage"`

	Network struct {
		Timeout string `yaml:"timeout"`

		timeoutDur time.Duration
	} `yaml:"network"`

	Routing struct {
		DynamicAPI       []PatternRule `yaml:"dynamicAPI"`
		SemiStaticAPI    []PatternRule `yaml:"semiStaticAPI"`
		StaticPrefixes   []string      `yaml:"staticPrefixes"`
		StaticExtensions []string      `yaml:"staticExtensions"`

		// CredentialCookies names the cookies that identify a client. Cached
		// responses are kept per client when any of them is sent. Empty means
		// the whole Cookie header counts.
		CredentialCookies []string `yaml:"credentialCookies"`
	} `yaml:"routing"`

	ShortCache struct {
		TTL string `yaml:"ttl"`

		ttlDur time.Duration
	} `yaml:"shortCache"`

	Offline struct {
		Page     string   `yaml:"page"`
		Precache []string `yaml:"precache"`
	} `yaml:"offline"`

	Sync struct {
		Persist bool `yaml:"persist"`
		// Tags maps a sync tag to the origin path its actions are replayed to.
		Tags map[string]string `yaml:"tags"`
	} `yaml:"sync"`

	Push struct {
		Title       string `yaml:"title"`
		DefaultBody string `yaml:"defaultBody"`
		Icon        string `yaml:"icon"`
		Badge       string `yaml:"badge"`
		Vibrate     []int  `yaml:"vibrate"`
		OpenURL     string `yaml:"openURL"`
	} `yaml:"push"`

	Logging struct {
		Level      string `yaml:"level"`
		StatsEvery string `yaml:"statsEvery"`

		level         zerolog.Level
		statsEveryDur time.Duration
	} `yaml:"logging"`
}

// PatternRule is one entry of an ordered classification list. A path matches
// when Match matches and Except (if set) does not.
type PatternRule struct {
	Name   string `yaml:"name"`
	Match  string `yaml:"match"`
	Except string `yaml:"except"`

	// compiled
	match  *regexp.Regexp
	except *regexp.Regexp
}

func (r *PatternRule) Matches(path string) bool {
	if r.match == nil || !r.match.MatchString(path) {
		return false
	}
	return r.except == nil || !r.except.MatchString(path)
}

type envOverrides struct {
	Port     int    `env:"SCARLETEDGE_PORT"`
	Origin   string `env:"SCARLETEDGE_ORIGIN"`
	DataDir  string `env:"SCARLETEDGE_DATA_DIR"`
	LogLevel string `env:"SCARLETEDGE_LOG_LEVEL"`
}

// DefaultConfig returns the storefront routing table and cache names. Origin is
// left empty and must be supplied by the file or the environment.
func DefaultConfig() Config {
	var cfg Config
	cfg.Server.Port = 8080
	cfg.Server.ControlPrefix = "/__edge"
	cfg.Caches.Static = "scarlet-static-v1"
	cfg.Caches.Dynamic = "scarlet-dynamic-v1"
	cfg.Storage.RAM.Max = "64mb"
	cfg.Storage.Disk.Max = "0"
	cfg.Network.Timeout = "10s"
	cfg.Routing.DynamicAPI = []PatternRule{
		{Name: "cart", Match: `^/api/cart`},
		{Name: "orders", Match: `^/api/orders`},
		{Name: "auth", Match: `^/api/auth/`, Except: `^/api/auth/me$`},
		{Name: "users", Match: `^/api/users`},
		{Name: "checkout", Match: `^/api/checkout`},
		{Name: "wishlist", Match: `^/api/wishlist`},
		{Name: "payments", Match: `^/api/payments`},
		{Name: "addresses", Match: `^/api/addresses`},
		{Name: "cart-abandonment", Match: `^/api/cart-abandonment`},
	}
	cfg.Routing.SemiStaticAPI = []PatternRule{
		{Name: "products", Match: `^/api/products`},
		{Name: "categories", Match: `^/api/categories`},
		{Name: "auth-me", Match: `^/api/auth/me$`},
	}
	cfg.Routing.StaticPrefixes = []string{"/_next/static/", "/static/"}
	cfg.Routing.StaticExtensions = []string{
		"js", "css", "png", "jpg", "jpeg", "gif", "svg", "ico", "woff", "woff2", "ttf", "eot",
	}
	cfg.ShortCache.TTL = "5m"
	cfg.Offline.Page = "/offline"
	cfg.Offline.Precache = []string{"/", "/offline", "/manifest.json", "/favicon.ico"}
	cfg.Sync.Tags = map[string]string{
		"cart-sync":     "/api/cart/sync",
		"wishlist-sync": "/api/wishlist/sync",
	}
	cfg.Push.Title = "Scarlet Beauty"
	cfg.Push.DefaultBody = "New update from Scarlet Beauty"
	cfg.Push.Icon = "/icons/icon-192x192.png"
	cfg.Push.Badge = "/icons/icon-72x72.png"
	cfg.Push.Vibrate = []int{100, 50, 100}
	cfg.Push.OpenURL = "/"
	cfg.Logging.Level = "info"
	return cfg
}

// LoadConfig reads path (if non-empty) over the defaults, applies environment
// overrides and compiles the result.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		// yaml.v3 merges into existing maps; a file that lists sync tags
		// replaces the defaults instead.
		defaultTags := cfg.Sync.Tags
		cfg.Sync.Tags = nil
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, err
		}
		if cfg.Sync.Tags == nil {
			cfg.Sync.Tags = defaultTags
		}
	}

	var ov envOverrides
	if err := env.Parse(&ov); err != nil {
		return Config{}, fmt.Errorf("env: %w", err)
	}
	if ov.Port != 0 {
		cfg.Server.Port = ov.Port
	}
	if ov.Origin != "" {
		cfg.Server.Origin = ov.Origin
	}
	if ov.DataDir != "" {
		cfg.Storage.Path = ov.DataDir
	}
	if ov.LogLevel != "" {
		cfg.Logging.Level = ov.LogLevel
	}

	if err := cfg.Compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Compile validates cfg and fills its derived fields. It is idempotent.
func (cfg *Config) Compile() error {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Origin == "" {
		return fmt.Errorf("server.origin is required")
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")
	if p := cfg.Server.ControlPrefix; p != "" && !strings.HasPrefix(p, "/") {
		return fmt.Errorf("server.controlPrefix must start with /, got %q", p)
	}
	cfg.Server.ControlPrefix = strings.TrimRight(cfg.Server.ControlPrefix, "/")

	if cfg.Caches.Static == "" || cfg.Caches.Dynamic == "" {
		return fmt.Errorf("caches.static and caches.dynamic are required")
	}
	if cfg.Caches.Static == cfg.Caches.Dynamic {
		return fmt.Errorf("caches.static and caches.dynamic must differ")
	}

	var err error
	if cfg.Storage.ramMax, err = parseBytes(cfg.Storage.RAM.Max); err != nil {
		return fmt.Errorf("storage.ram.max: %w", err)
	}
	if cfg.Storage.diskMax, err = parseBytes(cfg.Storage.Disk.Max); err != nil {
		return fmt.Errorf("storage.disk.max: %w", err)
	}

	if cfg.Network.timeoutDur, err = parsePositiveDuration(cfg.Network.Timeout); err != nil {
		return fmt.Errorf("network.timeout: %w", err)
	}
	if cfg.ShortCache.ttlDur, err = parsePositiveDuration(cfg.ShortCache.TTL); err != nil {
		return fmt.Errorf("shortCache.ttl: %w", err)
	}

	for i := range cfg.Routing.DynamicAPI {
		if err := cfg.Routing.DynamicAPI[i].compile(); err != nil {
			return fmt.Errorf("routing.dynamicAPI[%d]: %w", i, err)
		}
	}
	for i := range cfg.Routing.SemiStaticAPI {
		if err := cfg.Routing.SemiStaticAPI[i].compile(); err != nil {
			return fmt.Errorf("routing.semiStaticAPI[%d]: %w", i, err)
		}
	}
	for i, p := range cfg.Routing.StaticPrefixes {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("routing.staticPrefixes[%d]: invalid prefix %q", i, p)
		}
	}
	for i, ext := range cfg.Routing.StaticExtensions {
		cfg.Routing.StaticExtensions[i] = strings.TrimPrefix(strings.TrimSpace(ext), ".")
	}

	if !strings.HasPrefix(cfg.Offline.Page, "/") {
		return fmt.Errorf("offline.page must be a path, got %q", cfg.Offline.Page)
	}
	for i, p := range cfg.Offline.Precache {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("offline.precache[%d]: invalid path %q", i, p)
		}
	}
	for tag, p := range cfg.Sync.Tags {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("sync.tags[%s]: invalid replay path %q", tag, p)
		}
	}

	lvl := cfg.Logging.Level
	if lvl == "" {
		lvl = "info"
	}
	if cfg.Logging.level, err = zerolog.ParseLevel(lvl); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	if cfg.Logging.StatsEvery != "" {
		if cfg.Logging.statsEveryDur, err = time.ParseDuration(cfg.Logging.StatsEvery); err != nil {
			return fmt.Errorf("logging.statsEvery: %w", err)
		}
	}
	return nil
}

func (r *PatternRule) compile() error {
	if strings.TrimSpace(r.Match) == "" {
		return fmt.Errorf("empty match")
	}
	m, err := regexp.Compile(r.Match)
	if err != nil {
		return fmt.Errorf("match: %w", err)
	}
	r.match = m
	r.except = nil
	if r.Except != "" {
		e, err := regexp.Compile(r.Except)
		if err != nil {
			return fmt.Errorf("except: %w", err)
		}
		r.except = e
	}
	if r.Name == "" {
		r.Name = r.Match
	}
	return nil
}

func parsePositiveDuration(s string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("must be positive, got %s", s)
	}
	return d, nil
}

// NetworkTimeout is the deadline applied to every origin attempt.
func (cfg *Config) NetworkTimeout() time.Duration { return cfg.Network.timeoutDur }

// ShortCacheTTL is the freshness window of semi-static API responses.
func (cfg *Config) ShortCacheTTL() time.Duration { return cfg.ShortCache.ttlDur }

func (cfg *Config) LogLevel() zerolog.Level { return cfg.Logging.level }
