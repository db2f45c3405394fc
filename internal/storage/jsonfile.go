package storage

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/geoyee/fieldops/internal/util"
)

// JSONFileStore 基于 JSON 文件的文档存储, 每个命名空间一个文件
type JSONFileStore struct {
	dir string
	mu  sync.RWMutex
}

// NewJSONFileStore 创建 JSON 文件存储
func NewJSONFileStore(dir string) (*JSONFileStore, error) {
	if err := util.EnsureDirExists(dir); err != nil {
		return nil, NewStorageError("Open", dir, err)
	}
	return &JSONFileStore{dir: dir}, nil
}

func (s *JSONFileStore) path(namespace string) string {
	return filepath.Join(s.dir, namespace+".json")
}

// readNamespace 读取命名空间文件, 文件不存在时返回空集合
func (s *JSONFileStore) readNamespace(namespace string) (map[string]json.RawMessage, error) {
	docs := make(map[string]json.RawMessage)
	data, err := os.ReadFile(s.path(namespace))
	if os.IsNotExist(err) {
		return docs, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}

// LoadDocument 加载文档
func (s *JSONFileStore) LoadDocument(_ context.Context, namespace, key string, v any) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	docs, err := s.readNamespace(namespace)
	if err != nil {
		return false, NewStorageError("LoadDocument", namespace+"/"+key, err)
	}
	raw, ok := docs[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, NewStorageError("LoadDocument", namespace+"/"+key, err)
	}
	return true, nil
}

// SaveDocument 保存文档, 先写临时文件再重命名
func (s *JSONFileStore) SaveDocument(_ context.Context, namespace, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return NewStorageError("SaveDocument", namespace+"/"+key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	docs, err := s.readNamespace(namespace)
	if err != nil {
		return NewStorageError("SaveDocument", namespace+"/"+key, err)
	}
	docs[key] = raw

	data, err := json.MarshalIndent(docs, "", "  ")
	if err != nil {
		return NewStorageError("SaveDocument", namespace+"/"+key, err)
	}

	tmp := s.path(namespace) + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return NewStorageError("SaveDocument", namespace+"/"+key, err)
	}
	if err := os.Rename(tmp, s.path(namespace)); err != nil {
		return NewStorageError("SaveDocument", namespace+"/"+key, err)
	}
	return nil
}
