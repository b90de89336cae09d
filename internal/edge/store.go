package edge

import (
	"fmt"
	"strings"
	"time"
)

// CacheStore is a set of named Request -> Entry namespaces.
type CacheStore interface {
	// Open creates ns if it does not exist yet.
	Open(ns string) error
	// Namespaces lists namespaces in creation order.
	Namespaces() ([]string, error)
	// DeleteNamespace removes ns and everything in it. It reports whether ns
	// existed.
	DeleteNamespace(ns string) (bool, error)
	Match(ns, key string) (Entry, bool)
	// MatchAny looks key up in every namespace, in creation order.
	MatchAny(key string) (Entry, bool)
	// Put writes ent under key, creating ns if needed. Last write wins.
	Put(ns, key string, ent Entry) error
}

// Storage is the leveldb-backed CacheStore with an LRU RAM tier in front.
type Storage struct {
	ram  *ramCache
	disk *diskCache
	now  func() time.Time
}

var _ CacheStore = (*Storage)(nil)

// OpenStorage opens the store at path; an empty path keeps it in memory.
// Zero byte limits mean unbounded.
func OpenStorage(path string, ramMax, diskMax int64, overflowLog *rateLimitedLogger) (*Storage, error) {
	disk, err := openDiskCache(path, diskMax)
	if err != nil {
		return nil, fmt.Errorf("open cache storage: %w", err)
	}
	return &Storage{
		ram:  newRAMCache(ramMax, overflowLog),
		disk: disk,
		now:  time.Now,
	}, nil
}

func (s *Storage) Close() error {
	return s.disk.close()
}

func validNamespace(ns string) error {
	if ns == "" || strings.ContainsRune(ns, 0) {
		return fmt.Errorf("invalid cache namespace %q", ns)
	}
	return nil
}

func fullKey(ns, key string) string { return ns + "\x00" + key }

func (s *Storage) Open(ns string) error {
	if err := validNamespace(ns); err != nil {
		return err
	}
	return s.disk.createNamespace(ns, s.now())
}

func (s *Storage) Namespaces() ([]string, error) {
	return s.disk.namespaceNames(), nil
}

func (s *Storage) DeleteNamespace(ns string) (bool, error) {
	ok, err := s.disk.dropNamespace(ns)
	if err != nil {
		return false, fmt.Errorf("delete namespace %s: %w", ns, err)
	}
	s.ram.DeletePrefix(ns + "\x00")
	return ok, nil
}

func (s *Storage) Match(ns, key string) (Entry, bool) {
	if !s.disk.hasNamespace(ns) {
		return Entry{}, false
	}
	k := fullKey(ns, key)
	if ent, ok := s.ram.Get(k); ok {
		return ent, true
	}
	ent, ok := s.disk.Get(k, s.now())
	if !ok {
		return Entry{}, false
	}
	s.ram.Put(k, ent)
	return ent, true
}

func (s *Storage) MatchAny(key string) (Entry, bool) {
	for _, ns := range s.disk.namespaceNames() {
		if ent, ok := s.Match(ns, key); ok {
			return ent, true
		}
	}
	return Entry{}, false
}

func (s *Storage) Put(ns, key string, ent Entry) error {
	if err := validNamespace(ns); err != nil {
		return err
	}
	k := fullKey(ns, key)
	evicted, err := s.disk.Put(ns, k, ent, s.now())
	if err != nil {
		return fmt.Errorf("put %s in %s: %w", key, ns, err)
	}
	// The RAM tier only ever holds what the disk tier still has.
	for _, ek := range evicted {
		s.ram.Delete(ek)
	}
	s.ram.Put(k, ent)
	return nil
}

// Usage reports the number of stored entries and the bytes held by each tier.
func (s *Storage) Usage() (keys int, ramBytes, diskBytes int64) {
	return s.disk.KeyCount(), s.ram.TotalSize(), s.disk.TotalSize()
}
