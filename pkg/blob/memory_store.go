package blob

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps blobs in process memory. It counts physical writes so
// callers can observe how often the layers above actually reached storage.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[BucketName]map[ID][]byte
	puts    map[string]int
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects: make(map[BucketName]map[ID][]byte),
		puts:    make(map[string]int),
	}
}

func (m *MemoryStore) Put(ctx context.Context, bucket BucketName, id ID, data []byte) error {
	if err := checkKey("MemoryStore.Put", bucket, id); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	objs, ok := m.objects[bucket]
	if !ok {
		objs = make(map[ID][]byte)
		m.objects[bucket] = objs
	}
	objs[id] = append([]byte(nil), data...)
	m.puts[keyOf(bucket, id)]++
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, bucket BucketName, id ID) ([]byte, error) {
	if err := checkKey("MemoryStore.Get", bucket, id); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[bucket][id]
	if !ok {
		return nil, notFound("MemoryStore.Get", bucket, id)
	}
	return append([]byte(nil), data...), nil
}

func (m *MemoryStore) Delete(ctx context.Context, bucket BucketName, id ID) error {
	if err := checkKey("MemoryStore.Delete", bucket, id); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if objs, ok := m.objects[bucket]; ok {
		delete(objs, id)
		if len(objs) == 0 {
			delete(m.objects, bucket)
		}
	}
	return nil
}

func (m *MemoryStore) ListBuckets(ctx context.Context) ([]BucketName, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]BucketName, 0, len(m.objects))
	for bucket := range m.objects {
		out = append(out, bucket)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// PutCount returns how many physical writes reached (bucket, id).
func (m *MemoryStore) PutCount(bucket BucketName, id ID) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.puts[keyOf(bucket, id)]
}

// Objects returns the number of blobs currently held in bucket.
func (m *MemoryStore) Objects(bucket BucketName) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects[bucket])
}

// Raw returns the stored bytes without copying restrictions; tests use it to
// inspect or tamper with what reached storage.
func (m *MemoryStore) Raw(bucket BucketName, id ID) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[bucket][id]
	return data, ok
}
