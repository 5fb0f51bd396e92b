package cachestorage

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"sync/atomic"

	gocache "github.com/patrickmn/go-cache"
	"github.com/tphakala/offlinecache/internal/network"
)

// MemoryStorage keeps generations in process memory. Nothing expires.
type MemoryStorage struct {
	mu     sync.RWMutex
	caches map[string]*memoryCache
	order  []string
	active string
}

// NewMemoryStorage creates an empty in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{caches: make(map[string]*memoryCache)}
}

type memoryItem struct {
	seq uint64
	rec *record
}

type memoryCache struct {
	name    string
	items   *gocache.Cache
	seq     atomic.Uint64
	mu      sync.Mutex // serializes writers so PutAll is observed whole
	deleted atomic.Bool
}

func (s *MemoryStorage) Open(_ context.Context, name string) (Cache, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.caches[name]; ok {
		return c, nil
	}
	c := &memoryCache{
		name:  name,
		items: gocache.New(gocache.NoExpiration, 0),
	}
	s.caches[name] = c
	s.order = append(s.order, name)
	return c, nil
}

func (s *MemoryStorage) Lookup(_ context.Context, name string) (Cache, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.caches[name]
	if !ok {
		return nil, false, nil
	}
	return c, true, nil
}

func (s *MemoryStorage) Names(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.order), nil
}

func (s *MemoryStorage) Has(_ context.Context, name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.caches[name]
	return ok, nil
}

func (s *MemoryStorage) Delete(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.caches[name]
	if !ok {
		return false, nil
	}
	c.mu.Lock()
	c.deleted.Store(true)
	c.items.Flush()
	c.mu.Unlock()
	delete(s.caches, name)
	s.order = slices.DeleteFunc(s.order, func(n string) bool { return n == name })
	return true, nil
}

func (s *MemoryStorage) ActiveVersion(_ context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active, nil
}

func (s *MemoryStorage) SetActiveVersion(_ context.Context, version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = version
	return nil
}

func (c *memoryCache) Name() string { return c.name }

func (c *memoryCache) Match(_ context.Context, req *network.Request) (*network.Response, error) {
	v, ok := c.items.Get(req.Key())
	if !ok {
		return nil, cacheMiss(c.name, req)
	}
	return v.(memoryItem).rec.response(), nil
}

func (c *memoryCache) Put(_ context.Context, req *network.Request, resp *network.Response) error {
	rec, err := newRecord(req, resp)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deleted.Load() {
		return ErrCacheDeleted
	}
	c.set(req.Key(), rec)
	return nil
}

func (c *memoryCache) PutAll(_ context.Context, entries []Entry) error {
	records, err := newRecords(entries)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deleted.Load() {
		return ErrCacheDeleted
	}
	for i, rec := range records {
		c.set(entries[i].Request.Key(), rec)
	}
	return nil
}

// set keeps the original insertion position when replacing a key.
func (c *memoryCache) set(key string, rec *record) {
	item := memoryItem{rec: rec}
	if old, ok := c.items.Get(key); ok {
		item.seq = old.(memoryItem).seq
	} else {
		item.seq = c.seq.Add(1)
	}
	c.items.Set(key, item, gocache.NoExpiration)
}

func (c *memoryCache) Keys(_ context.Context) ([]EntryInfo, error) {
	items := c.items.Items()
	stored := make([]memoryItem, 0, len(items))
	for _, it := range items {
		stored = append(stored, it.Object.(memoryItem))
	}
	slices.SortFunc(stored, func(a, b memoryItem) int { return cmp.Compare(a.seq, b.seq) })
	infos := make([]EntryInfo, 0, len(stored))
	for _, it := range stored {
		infos = append(infos, it.rec.info())
	}
	return infos, nil
}

func (c *memoryCache) Delete(_ context.Context, req *network.Request) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.items.Get(req.Key()); !ok {
		return false, nil
	}
	c.items.Delete(req.Key())
	return true, nil
}
