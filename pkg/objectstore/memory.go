package objectstore

import (
	"context"
	"iter"
	"sort"
	"strings"
	"sync"
	"time"
)

type memObject struct {
	data        []byte
	contentType string
	modified    time.Time
}

// MemoryStore is an in-process Store used for tests and local runs
type MemoryStore struct {
	mu      sync.RWMutex
	bucket  bool
	objects map[string]memObject
	now     func() time.Time
}

// NewMemoryStore returns an empty store whose bucket does not exist yet
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects: make(map[string]memObject),
		now:     time.Now,
	}
}

// SetClock overrides the clock used for LastModified
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Put implements Store
func (m *MemoryStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	m.objects[key] = memObject{data: buf, contentType: contentType, modified: m.now()}
	return nil
}

// PutAt writes an object with an explicit modification time
func (m *MemoryStore) PutAt(key string, data []byte, modified time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = memObject{data: data, modified: modified}
}

// Remove implements Store
func (m *MemoryStore) Remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

// BucketExists implements Store
func (m *MemoryStore) BucketExists(ctx context.Context) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bucket, nil
}

// EnsureBucket implements Store
func (m *MemoryStore) EnsureBucket(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bucket = true
	return nil
}

// Has reports whether key exists
func (m *MemoryStore) Has(key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[key]
	return ok
}

// Get returns a copy of the object data and its content type
func (m *MemoryStore) Get(key string) ([]byte, string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, "", false
	}
	buf := make([]byte, len(obj.data))
	copy(buf, obj.data)
	return buf, obj.contentType, true
}

// Keys returns all object keys in sorted order
func (m *MemoryStore) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// List implements Store. The listing is a snapshot taken when iteration starts.
func (m *MemoryStore) List(ctx context.Context, prefix string, recursive bool) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		for _, e := range m.snapshot(prefix, recursive) {
			if err := ctx.Err(); err != nil {
				yield(Entry{}, err)
				return
			}
			if !yield(e, nil) {
				return
			}
		}
	}
}

func (m *MemoryStore) snapshot(prefix string, recursive bool) []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var entries []Entry
	prefixes := make(map[string]bool)
	for key, obj := range m.objects {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if !recursive {
			if i := strings.Index(key[len(prefix):], "/"); i >= 0 {
				prefixes[key[:len(prefix)+i+1]] = true
				continue
			}
		}
		entries = append(entries, Entry{Key: key, Size: int64(len(obj.data)), LastModified: obj.modified})
	}
	for p := range prefixes {
		entries = append(entries, Entry{CommonPrefix: p})
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Key+entries[i].CommonPrefix < entries[j].Key+entries[j].CommonPrefix
	})
	return entries
}
