package storage

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/geoyee/fieldops/internal/model"
)

// MemoryStore 进程内的 TileStore, 未配置数据库或数据库无法打开时使用
type MemoryStore struct {
	mu        sync.RWMutex
	documents map[string][]byte
	tiles     map[string]model.TileRecord
}

// NewMemoryStore 创建空的 MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		documents: make(map[string][]byte),
		tiles:     make(map[string]model.TileRecord),
	}
}

func (m *MemoryStore) LoadDocument(_ context.Context, namespace, key string, v any) (bool, error) {
	m.mu.RLock()
	raw, ok := m.documents[namespace+"/"+key]
	m.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, NewStorageError("LoadDocument", namespace+"/"+key, err)
	}
	return true, nil
}

func (m *MemoryStore) SaveDocument(_ context.Context, namespace, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return NewStorageError("SaveDocument", namespace+"/"+key, err)
	}
	m.mu.Lock()
	m.documents[namespace+"/"+key] = raw
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) GetTile(_ context.Context, key string) (*model.TileRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.tiles[key]
	if !ok {
		return nil, ErrNotFound
	}
	rec.Data = append([]byte(nil), rec.Data...)
	return &rec, nil
}

func (m *MemoryStore) PutTile(_ context.Context, rec *model.TileRecord) (int64, bool, error) {
	stored := *rec
	stored.Data = append([]byte(nil), rec.Data...)

	m.mu.Lock()
	defer m.mu.Unlock()
	prev, replaced := m.tiles[rec.Key]
	m.tiles[rec.Key] = stored
	return prev.Size, replaced, nil
}

func (m *MemoryStore) DeleteTile(_ context.Context, key string) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.tiles[key]
	if !ok {
		return 0, false, nil
	}
	delete(m.tiles, key)
	return rec.Size, true, nil
}

func (m *MemoryStore) ListTilesOldestFirst(_ context.Context) ([]model.TileRecord, error) {
	m.mu.RLock()
	records := make([]model.TileRecord, 0, len(m.tiles))
	for _, rec := range m.tiles {
		rec.Data = nil
		records = append(records, rec)
	}
	m.mu.RUnlock()

	sort.Slice(records, func(i, j int) bool {
		if !records[i].CachedAt.Equal(records[j].CachedAt) {
			return records[i].CachedAt.Before(records[j].CachedAt)
		}
		return records[i].Key < records[j].Key
	})
	return records, nil
}

func (m *MemoryStore) ClearTiles(_ context.Context) error {
	m.mu.Lock()
	m.tiles = make(map[string]model.TileRecord)
	m.mu.Unlock()
	return nil
}
