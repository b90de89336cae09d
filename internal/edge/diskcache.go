package edge

import (
	"bytes"
	"encoding/gob"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout:
//
//	n:<ns>             namespace record
//	e:<ns>\x00<key>    encoded Entry
//	m:<ns>\x00<key>    diskMeta
//	q:<tag>\x00<id>    queued sync action (see syncqueue.go)
const (
	prefixNamespace = "n:"
	prefixEntry     = "e:"
	prefixMeta      = "m:"
)

type diskMeta struct {
	Size       int64
	LastAccess int64
}

type namespaceRecord struct {
	CreatedAt int64 // unix nanos
}

type diskCache struct {
	maxBytes int64

	db *leveldb.DB

	// mu guards the in-memory index and serializes writes so a namespace drop
	// never interleaves with a put into the same namespace.
	mu         sync.Mutex
	index      map[string]diskMeta
	namespaces map[string]int64
	totalSize  int64
}

// openDiskCache opens a leveldb at path, or an in-memory one when path is
// empty.
func openDiskCache(path string, maxBytes int64) (*diskCache, error) {
	var (
		db  *leveldb.DB
		err error
	)
	if path == "" {
		db, err = leveldb.Open(storage.NewMemStorage(), nil)
	} else {
		db, err = leveldb.OpenFile(path, nil)
	}
	if err != nil {
		return nil, err
	}
	d := &diskCache{
		maxBytes:   maxBytes,
		db:         db,
		index:      map[string]diskMeta{},
		namespaces: map[string]int64{},
	}
	if err := d.loadIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return d, nil
}

func (d *diskCache) close() error {
	return d.db.Close()
}

func (d *diskCache) loadIndex() error {
	idx := map[string]diskMeta{}
	var total int64
	it := d.db.NewIterator(util.BytesPrefix([]byte(prefixMeta)), nil)
	for it.Next() {
		var meta diskMeta
		if err := decodeGob(it.Value(), &meta); err != nil {
			continue
		}
		idx[string(bytes.TrimPrefix(it.Key(), []byte(prefixMeta)))] = meta
		total += meta.Size
	}
	it.Release()
	if err := it.Error(); err != nil {
		return err
	}

	nss := map[string]int64{}
	it = d.db.NewIterator(util.BytesPrefix([]byte(prefixNamespace)), nil)
	for it.Next() {
		var rec namespaceRecord
		if err := decodeGob(it.Value(), &rec); err != nil {
			continue
		}
		nss[string(bytes.TrimPrefix(it.Key(), []byte(prefixNamespace)))] = rec.CreatedAt
	}
	it.Release()
	if err := it.Error(); err != nil {
		return err
	}

	d.mu.Lock()
	d.index = idx
	d.namespaces = nss
	d.totalSize = total
	d.mu.Unlock()
	return nil
}

func (d *diskCache) TotalSize() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.totalSize
}

func (d *diskCache) KeyCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.index)
}

func (d *diskCache) hasNamespace(ns string) bool {
	d.mu.Lock()
	_, ok := d.namespaces[ns]
	d.mu.Unlock()
	return ok
}

func (d *diskCache) createNamespace(ns string, now time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.namespaces[ns]; ok {
		return nil
	}
	batch := new(leveldb.Batch)
	at, err := d.addNamespaceLocked(batch, ns, now)
	if err != nil {
		return err
	}
	if err := d.db.Write(batch, nil); err != nil {
		return err
	}
	d.namespaces[ns] = at
	return nil
}

func (d *diskCache) addNamespaceLocked(batch *leveldb.Batch, ns string, now time.Time) (int64, error) {
	rec := namespaceRecord{CreatedAt: now.UnixNano()}
	b, err := encodeGob(rec)
	if err != nil {
		return 0, err
	}
	batch.Put([]byte(prefixNamespace+ns), b)
	return rec.CreatedAt, nil
}

// namespaceNames returns namespaces in creation order.
func (d *diskCache) namespaceNames() []string {
	d.mu.Lock()
	out := make([]string, 0, len(d.namespaces))
	created := make(map[string]int64, len(d.namespaces))
	for ns, at := range d.namespaces {
		out = append(out, ns)
		created[ns] = at
	}
	d.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if created[out[i]] != created[out[j]] {
			return created[out[i]] < created[out[j]]
		}
		return out[i] < out[j]
	})
	return out
}

// dropNamespace deletes the namespace record and every entry under it.
func (d *diskCache) dropNamespace(ns string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.namespaces[ns]; !ok {
		return false, nil
	}

	batch := new(leveldb.Batch)
	batch.Delete([]byte(prefixNamespace + ns))
	for _, prefix := range []string{prefixEntry, prefixMeta} {
		it := d.db.NewIterator(util.BytesPrefix([]byte(prefix+ns+"\x00")), nil)
		for it.Next() {
			batch.Delete(append([]byte(nil), it.Key()...))
		}
		it.Release()
		if err := it.Error(); err != nil {
			return false, err
		}
	}
	if err := d.db.Write(batch, nil); err != nil {
		return false, err
	}

	delete(d.namespaces, ns)
	p := ns + "\x00"
	for k, meta := range d.index {
		if strings.HasPrefix(k, p) {
			d.totalSize -= meta.Size
			delete(d.index, k)
		}
	}
	return true, nil
}

func (d *diskCache) Get(key string, now time.Time) (Entry, bool) {
	b, err := d.db.Get([]byte(prefixEntry+key), nil)
	if err != nil {
		return Entry{}, false
	}
	var ent Entry
	if err := decodeGob(b, &ent); err != nil {
		return Entry{}, false
	}
	d.mu.Lock()
	if meta, ok := d.index[key]; ok {
		// Access times only live in memory between puts.
		meta.LastAccess = now.Unix()
		d.index[key] = meta
	}
	d.mu.Unlock()
	return ent, true
}

// Put stores ent under the full key of ns, recording ns in the same batch
// when it does not exist yet. It returns the keys evicted to stay under the
// size bound.
func (d *diskCache) Put(ns, key string, ent Entry, now time.Time) ([]string, error) {
	b, err := encodeGob(ent)
	if err != nil {
		return nil, err
	}
	meta := diskMeta{Size: int64(len(b)), LastAccess: now.Unix()}
	mb, err := encodeGob(meta)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	batch := new(leveldb.Batch)
	_, known := d.namespaces[ns]
	var createdAt int64
	if !known {
		if createdAt, err = d.addNamespaceLocked(batch, ns, now); err != nil {
			return nil, err
		}
	}
	batch.Put([]byte(prefixEntry+key), b)
	batch.Put([]byte(prefixMeta+key), mb)
	if err := d.db.Write(batch, nil); err != nil {
		return nil, err
	}
	if !known {
		d.namespaces[ns] = createdAt
	}
	d.totalSize += meta.Size - d.index[key].Size
	d.index[key] = meta

	if d.maxBytes > 0 && d.totalSize > d.maxBytes {
		return d.evictSomeLocked(key), nil
	}
	return nil, nil
}

// evictSomeLocked drops the least recently used 10% of entries, never keep,
// and returns their keys.
func (d *diskCache) evictSomeLocked(keep string) []string {
	type item struct {
		key string
		m   diskMeta
	}
	items := make([]item, 0, len(d.index))
	for k, m := range d.index {
		if k != keep {
			items = append(items, item{k, m})
		}
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].m.LastAccess < items[j].m.LastAccess
	})

	n := len(items) / 10
	if n < 1 {
		n = 1
	}
	batch := new(leveldb.Batch)
	for i := 0; i < n && i < len(items); i++ {
		batch.Delete([]byte(prefixEntry + items[i].key))
		batch.Delete([]byte(prefixMeta + items[i].key))
	}
	if err := d.db.Write(batch, nil); err != nil {
		return nil
	}
	var evicted []string
	for i := 0; i < n && i < len(items); i++ {
		d.totalSize -= items[i].m.Size
		delete(d.index, items[i].key)
		evicted = append(evicted, items[i].key)
	}
	return evicted
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}

func init() {
	gob.Register(http.Header{})
}
