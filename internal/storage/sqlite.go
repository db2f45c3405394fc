package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	"github.com/geoyee/fieldops/internal/model"
	"github.com/geoyee/fieldops/internal/util"
)

const (
	// DriverModernc 纯 Go 驱动, 默认使用
	DriverModernc = "sqlite"
	// DriverCGO 使用 github.com/mattn/go-sqlite3, 需要 cgo
	DriverCGO = "sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS documents (
    namespace TEXT NOT NULL,
    key TEXT NOT NULL,
    value BLOB NOT NULL,
    updated_at INTEGER NOT NULL,
    PRIMARY KEY (namespace, key)
);

CREATE TABLE IF NOT EXISTS tiles (
    key TEXT PRIMARY KEY,
    layer TEXT NOT NULL,
    z INTEGER NOT NULL,
    x INTEGER NOT NULL,
    y INTEGER NOT NULL,
    data BLOB NOT NULL,
    size INTEGER NOT NULL,
    cached_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tiles_cached_at ON tiles(cached_at);
CREATE INDEX IF NOT EXISTS idx_tiles_layer_z ON tiles(layer, z);
`

// SQLiteStore 基于单个 SQLite 数据库文件的 TileStore
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite 使用指定驱动打开并迁移 path 处的数据库
func OpenSQLite(driver, path string) (*SQLiteStore, error) {
	if driver == "" {
		driver = DriverModernc
	}
	if driver != DriverModernc && driver != DriverCGO {
		return nil, fmt.Errorf("unsupported sqlite driver %q", driver)
	}
	if path != ":memory:" {
		if err := util.EnsureDirExists(filepath.Dir(path)); err != nil {
			return nil, NewStorageError("Open", path, err)
		}
	}

	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, NewStorageError("Open", path, err)
	}
	// 单连接保证 pragma 生效并串行化写入
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, NewStorageError("Ping", path, err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, NewStorageError("Pragma", path, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, NewStorageError("Migrate", path, err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close 关闭数据库
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) LoadDocument(ctx context.Context, namespace, key string, v any) (bool, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM documents WHERE namespace = ? AND key = ?`, namespace, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, NewStorageError("LoadDocument", namespace+"/"+key, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, NewStorageError("LoadDocument", namespace+"/"+key, err)
	}
	return true, nil
}

func (s *SQLiteStore) SaveDocument(ctx context.Context, namespace, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return NewStorageError("SaveDocument", namespace+"/"+key, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO documents (namespace, key, value, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(namespace, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, namespace, key, raw, time.Now().UnixMilli())
	if err != nil {
		return NewStorageError("SaveDocument", namespace+"/"+key, err)
	}
	return nil
}

func (s *SQLiteStore) GetTile(ctx context.Context, key string) (*model.TileRecord, error) {
	rec := &model.TileRecord{Key: key}
	var cachedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT layer, z, x, y, data, size, cached_at FROM tiles WHERE key = ?`, key).
		Scan(&rec.Layer, &rec.Z, &rec.X, &rec.Y, &rec.Data, &rec.Size, &cachedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, NewStorageError("GetTile", key, err)
	}
	rec.CachedAt = time.UnixMilli(cachedAt)
	return rec, nil
}

func (s *SQLiteStore) PutTile(ctx context.Context, rec *model.TileRecord) (int64, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, NewStorageError("PutTile", rec.Key, err)
	}
	defer tx.Rollback()

	var previous int64
	replaced := true
	err = tx.QueryRowContext(ctx, `SELECT size FROM tiles WHERE key = ?`, rec.Key).Scan(&previous)
	if errors.Is(err, sql.ErrNoRows) {
		replaced = false
	} else if err != nil {
		return 0, false, NewStorageError("PutTile", rec.Key, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tiles (key, layer, z, x, y, data, size, cached_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			layer = excluded.layer, z = excluded.z, x = excluded.x, y = excluded.y,
			data = excluded.data, size = excluded.size, cached_at = excluded.cached_at
	`, rec.Key, rec.Layer, rec.Z, rec.X, rec.Y, rec.Data, rec.Size, rec.CachedAt.UnixMilli())
	if err != nil {
		return 0, false, NewStorageError("PutTile", rec.Key, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, false, NewStorageError("PutTile", rec.Key, err)
	}
	return previous, replaced, nil
}

func (s *SQLiteStore) DeleteTile(ctx context.Context, key string) (int64, bool, error) {
	var size int64
	err := s.db.QueryRowContext(ctx, `DELETE FROM tiles WHERE key = ? RETURNING size`, key).Scan(&size)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, NewStorageError("DeleteTile", key, err)
	}
	return size, true, nil
}

func (s *SQLiteStore) ListTilesOldestFirst(ctx context.Context) ([]model.TileRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, layer, z, x, y, size, cached_at FROM tiles ORDER BY cached_at ASC, key ASC`)
	if err != nil {
		return nil, NewStorageError("ListTiles", "", err)
	}
	defer rows.Close()

	var records []model.TileRecord
	for rows.Next() {
		var rec model.TileRecord
		var cachedAt int64
		if err := rows.Scan(&rec.Key, &rec.Layer, &rec.Z, &rec.X, &rec.Y, &rec.Size, &cachedAt); err != nil {
			return nil, NewStorageError("ListTiles", "", err)
		}
		rec.CachedAt = time.UnixMilli(cachedAt)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, NewStorageError("ListTiles", "", err)
	}
	return records, nil
}

func (s *SQLiteStore) ClearTiles(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM tiles`); err != nil {
		return NewStorageError("ClearTiles", "", err)
	}
	return nil
}
