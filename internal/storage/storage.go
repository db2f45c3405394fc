// Package storage 提供按命名空间持久化的存储, 用于围栏区域、瓦片数据和缓存元数据
package storage

import (
	"context"
	"errors"

	"github.com/geoyee/fieldops/internal/model"
)

// ErrNotFound 瓦片或文档不存在
var ErrNotFound = errors.New("not found")

// DocumentStore 按命名空间和 key 持久化结构化文档
type DocumentStore interface {
	// LoadDocument 将文档解码到 v, key 下没有数据时返回 false
	LoadDocument(ctx context.Context, namespace, key string, v any) (bool, error)

	// SaveDocument 用 v 替换已保存的文档
	SaveDocument(ctx context.Context, namespace, key string, v any) error
}

// TileStore 以 "layer/z/x/y" 为 key 保存瓦片数据, 以及缓存的其他文档
type TileStore interface {
	DocumentStore

	// GetTile 返回包含数据的记录, 不存在时返回 ErrNotFound
	GetTile(ctx context.Context, key string) (*model.TileRecord, error)

	// PutTile 插入或替换记录, 替换时返回原大小且 replaced 为 true
	PutTile(ctx context.Context, rec *model.TileRecord) (previousSize int64, replaced bool, err error)

	// DeleteTile 删除记录并返回其占用的大小
	DeleteTile(ctx context.Context, key string) (size int64, deleted bool, err error)

	// ListTilesOldestFirst 返回不含数据的所有记录, 按缓存时间和 key 排序
	ListTilesOldestFirst(ctx context.Context) ([]model.TileRecord, error)

	// ClearTiles 删除所有瓦片记录
	ClearTiles(ctx context.Context) error
}

// StorageError 带上下文的存储操作错误
type StorageError struct {
	Op  string // 失败的操作 (如 "PutTile", "SaveDocument")
	Key string // 涉及的 key 或命名空间
	Err error  // 底层错误
}

func (e *StorageError) Error() string {
	if e.Key != "" {
		return "storage " + e.Op + " " + e.Key + ": " + e.Err.Error()
	}
	return "storage " + e.Op + ": " + e.Err.Error()
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// NewStorageError 创建 StorageError
func NewStorageError(op, key string, err error) *StorageError {
	return &StorageError{Op: op, Key: key, Err: err}
}
