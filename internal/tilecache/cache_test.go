package tilecache

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geoyee/fieldops/internal/model"
	"github.com/geoyee/fieldops/internal/storage"
	"github.com/geoyee/fieldops/internal/util"
)

var pngHeader = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0x0d, 'I', 'H', 'D', 'R'}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeFetcher struct {
	mu   sync.Mutex
	urls []string
	data []byte
	err  error
}

func (f *fakeFetcher) Fetch(_ context.Context, url string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.urls = append(f.urls, url)
	if f.err != nil {
		return nil, f.err
	}
	return f.data, nil
}

func newTestCache(t *testing.T, opts Options) (*Cache, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	if opts.Store == nil {
		opts.Store = storage.NewMemoryStore()
	}
	opts.Clock = clock.Now
	return New(opts), clock
}

func payload(size int) []byte {
	return append(append([]byte{}, pngHeader...), bytes.Repeat([]byte{7}, size-len(pngHeader))...)
}

func TestCacheRoundTripAndTTL(t *testing.T) {
	c, clock := newTestCache(t, Options{})
	ctx := context.Background()

	data := payload(512)
	require.True(t, c.CacheTile(ctx, LayerStandard, 12, 2418, 1869, data))

	got, ok := c.GetCachedTile(ctx, LayerStandard, 12, 2418, 1869)
	require.True(t, ok)
	assert.Equal(t, data, got)

	clock.Advance(DefaultTTL)
	_, ok = c.GetCachedTile(ctx, LayerStandard, 12, 2418, 1869)
	assert.True(t, ok, "exactly at the TTL is still fresh")

	clock.Advance(time.Millisecond)
	_, ok = c.GetCachedTile(ctx, LayerStandard, 12, 2418, 1869)
	assert.False(t, ok)

	stats := c.Stats(ctx)
	assert.Equal(t, int64(0), stats.TileCount)
	assert.Equal(t, int64(0), stats.TotalSize)
}

func TestCacheTileRejectsUnknownLayer(t *testing.T) {
	c, _ := newTestCache(t, Options{})
	assert.False(t, c.CacheTile(context.Background(), "hybrid", 1, 0, 0, payload(64)))
	_, err := c.TileURL("hybrid", 1, 0, 0)
	assert.ErrorIs(t, err, ErrUnknownLayer)
}

func TestRecacheAdjustsCountersByDelta(t *testing.T) {
	c, _ := newTestCache(t, Options{})
	ctx := context.Background()

	require.True(t, c.CacheTile(ctx, LayerTerrain, 5, 1, 1, payload(100)))
	require.True(t, c.CacheTile(ctx, LayerTerrain, 5, 1, 2, payload(100)))
	require.True(t, c.CacheTile(ctx, LayerTerrain, 5, 1, 1, payload(300)))

	stats := c.Stats(ctx)
	assert.Equal(t, int64(2), stats.TileCount)
	assert.Equal(t, int64(400), stats.TotalSize)
}

func TestTileURLs(t *testing.T) {
	c, _ := newTestCache(t, Options{})
	url, err := c.TileURL(LayerSatellite, 3, 5, 2)
	require.NoError(t, err)
	assert.Equal(t, "https://server.arcgisonline.com/ArcGIS/rest/services/World_Imagery/MapServer/tile/3/2/5", url)

	url, err = c.TileURL(LayerStandard, 3, 5, 2)
	require.NoError(t, err)
	assert.Equal(t, "https://tile.openstreetmap.org/3/5/2.png", url)

	assert.Equal(t, []string{LayerSatellite, LayerStandard, LayerTerrain}, c.LayerNames())
}

func TestLayerOverridesMergeOverDefaults(t *testing.T) {
	overrides := map[string]string{
		LayerStandard: "http://tiles.local/{z}/{x}/{y}.png",
		"hybrid":      "http://tiles.local/hybrid/{z}/{x}/{y}.png",
	}
	c, _ := newTestCache(t, Options{Layers: overrides})

	url, err := c.TileURL(LayerStandard, 3, 5, 2)
	require.NoError(t, err)
	assert.Equal(t, "http://tiles.local/3/5/2.png", url)

	url, err = c.TileURL(LayerTerrain, 3, 5, 2)
	require.NoError(t, err)
	assert.Equal(t, "https://stamen-tiles.a.ssl.fastly.net/terrain/3/5/2.png", url)

	_, err = c.TileURL("hybrid", 3, 5, 2)
	assert.ErrorIs(t, err, ErrUnknownLayer)
	assert.False(t, c.CacheTile(context.Background(), "hybrid", 3, 5, 2, payload(64)))
	assert.Equal(t, []string{LayerSatellite, LayerStandard, LayerTerrain}, c.LayerNames())
	assert.Equal(t, "https://tile.openstreetmap.org/{z}/{x}/{y}.png", DefaultLayers[LayerStandard])
}

func TestFetchAndCacheTile(t *testing.T) {
	fetcher := &fakeFetcher{data: payload(256)}
	c, _ := newTestCache(t, Options{Fetcher: fetcher})
	ctx := context.Background()

	data, ok := c.FetchAndCacheTile(ctx, LayerStandard, 4, 8, 5)
	require.True(t, ok)
	assert.Equal(t, fetcher.data, data)

	data, ok = c.FetchAndCacheTile(ctx, LayerStandard, 4, 8, 5)
	require.True(t, ok)
	assert.Equal(t, fetcher.data, data)
	assert.Len(t, fetcher.urls, 1, "second read is served from cache")
	assert.Equal(t, "https://tile.openstreetmap.org/4/8/5.png", fetcher.urls[0])
}

func TestFetchAndCacheTileNetworkFailure(t *testing.T) {
	fetcher := &fakeFetcher{err: errors.New("connection refused")}
	c, _ := newTestCache(t, Options{Fetcher: fetcher})

	data, ok := c.FetchAndCacheTile(context.Background(), LayerStandard, 4, 8, 5)
	assert.False(t, ok)
	assert.Nil(t, data)
	assert.Equal(t, int64(0), c.Stats(context.Background()).TileCount)
}

func TestEstimateDownloadSize(t *testing.T) {
	c, _ := newTestCache(t, Options{})
	bounds := model.Bounds{North: 9.1, South: 9.0, East: 7.55, West: 7.4}

	for z := 8; z <= 15; z++ {
		est := c.EstimateDownloadSize(bounds, z, z)
		assert.Equal(t, len(c.Calculator().CalculateTiles(bounds, z, z)), est.TileCount, "zoom %d", z)
		assert.Equal(t, int64(est.TileCount)*AverageTileSize, est.EstimatedBytes)
	}
	est := c.EstimateDownloadSize(bounds, 10, 10)
	assert.InDelta(t, float64(est.TileCount)*15/1024, est.EstimatedSizeMB, 1e-9)
}

func TestCleanupTriggeredByQuota(t *testing.T) {
	c, clock := newTestCache(t, Options{QuotaBytes: 25000})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.True(t, c.CacheTile(ctx, LayerStandard, 14, i, 0, payload(10000)))
		clock.Advance(time.Second)
	}

	stats := c.Stats(ctx)
	assert.LessOrEqual(t, stats.TotalSize, int64(20000))
	assert.False(t, stats.LastCleanup.IsZero())
	_, ok := c.GetCachedTile(ctx, LayerStandard, 14, 0, 0)
	assert.False(t, ok, "oldest tile evicted first")
	_, ok = c.GetCachedTile(ctx, LayerStandard, 14, 2, 0)
	assert.True(t, ok)
}

func TestCleanupSparesProtectedZooms(t *testing.T) {
	// 500 MB 和 600 MB 按比例缩小为 500 KB 和 600 KB
	const tileSize = 10000
	c, clock := newTestCache(t, Options{QuotaBytes: 500000})
	ctx := context.Background()

	require.NoError(t, c.SaveDownloadedRegion(ctx, model.DownloadedRegion{
		ID: "district", Name: "District", Layer: LayerStandard, MinZoom: 10, MaxZoom: 12,
	}))
	_, err := c.Cleanup(ctx, true)
	require.NoError(t, err)

	var protectedKeys [][3]int
	for i := 0; i < 60; i++ {
		z := 13 + i%2
		if i%3 == 0 {
			z = 10 + i%3 + (i/3)%3
			protectedKeys = append(protectedKeys, [3]int{z, i, 0})
		}
		require.True(t, c.CacheTile(ctx, LayerStandard, z, i, 0, payload(tileSize)))
		clock.Advance(time.Second)
	}
	require.Len(t, protectedKeys, 20)
	assert.Equal(t, int64(600000), c.Stats(ctx).TotalSize, "cleanup is rate limited")

	evicted, err := c.Cleanup(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 0, evicted, "still inside the cleanup interval")

	clock.Advance(2 * time.Hour)
	evicted, err = c.Cleanup(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 20, evicted)

	stats := c.Stats(ctx)
	assert.LessOrEqual(t, stats.TotalSize, int64(400000))
	assert.Equal(t, int64(40), stats.TileCount)
	for _, k := range protectedKeys {
		_, ok := c.GetCachedTile(ctx, LayerStandard, k[0], k[1], k[2])
		assert.True(t, ok, "protected tile z=%d x=%d", k[0], k[1])
	}
}

func TestCleanupSweepsExpiredTiles(t *testing.T) {
	c, clock := newTestCache(t, Options{})
	ctx := context.Background()
	require.NoError(t, c.SaveDownloadedRegion(ctx, model.DownloadedRegion{ID: "r", MinZoom: 0, MaxZoom: 22}))

	for i := 0; i < 3; i++ {
		require.True(t, c.CacheTile(ctx, LayerStandard, 12, i, 0, payload(1000)))
	}
	clock.Advance(20 * 24 * time.Hour)
	require.True(t, c.CacheTile(ctx, LayerStandard, 12, 9, 0, payload(2000)))

	clock.Advance(11 * 24 * time.Hour)
	evicted, err := c.Cleanup(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 3, evicted, "expired tiles go even at protected zooms")

	stats := c.Stats(ctx)
	assert.Equal(t, int64(1), stats.TileCount)
	assert.Equal(t, int64(2000), stats.TotalSize)
	_, ok := c.GetCachedTile(ctx, LayerStandard, 12, 9, 0)
	assert.True(t, ok)

	evicted, err = c.Cleanup(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 0, evicted)
}

func TestCleanupStopsWhenOnlyProtectedRemain(t *testing.T) {
	c, _ := newTestCache(t, Options{QuotaBytes: 1000})
	ctx := context.Background()
	require.NoError(t, c.SaveDownloadedRegion(ctx, model.DownloadedRegion{ID: "r", MinZoom: 0, MaxZoom: 22}))

	for i := 0; i < 3; i++ {
		require.True(t, c.CacheTile(ctx, LayerStandard, 5, i, 0, payload(600)))
	}
	assert.Equal(t, int64(3), c.Stats(ctx).TileCount)
}

func TestSaveDownloadedRegionUpserts(t *testing.T) {
	c, _ := newTestCache(t, Options{})
	ctx := context.Background()

	require.NoError(t, c.SaveDownloadedRegion(ctx, model.DownloadedRegion{ID: "a", Name: "first"}))
	require.NoError(t, c.SaveDownloadedRegion(ctx, model.DownloadedRegion{ID: "b", Name: "other"}))
	require.NoError(t, c.SaveDownloadedRegion(ctx, model.DownloadedRegion{ID: "a", Name: "second"}))

	regions := c.DownloadedRegions(ctx)
	require.Len(t, regions, 2)
	r, ok := c.Region(ctx, "a")
	require.True(t, ok)
	assert.Equal(t, "second", r.Name)
}

func TestDeleteRegion(t *testing.T) {
	c, _ := newTestCache(t, Options{})
	ctx := context.Background()

	bounds := model.Bounds{North: 9.1, South: 9.0, East: 7.55, West: 7.4}
	region := model.DownloadedRegion{ID: "abuja", Layer: LayerSatellite, Bounds: bounds, MinZoom: 11, MaxZoom: 12}
	tiles := c.Calculator().CalculateTiles(bounds, 11, 12)
	require.NotEmpty(t, tiles)

	// 区域中有一个瓦片不在缓存中
	for _, tile := range tiles[1:] {
		require.True(t, c.CacheTile(ctx, LayerSatellite, tile.Z, tile.X, tile.Y, payload(100)))
	}
	require.True(t, c.CacheTile(ctx, LayerStandard, tiles[1].Z, tiles[1].X, tiles[1].Y, payload(100)))
	require.NoError(t, c.SaveDownloadedRegion(ctx, region))

	assert.True(t, c.DeleteRegion(ctx, "abuja"))
	assert.False(t, c.DeleteRegion(ctx, "abuja"))

	stats := c.Stats(ctx)
	assert.Equal(t, int64(1), stats.TileCount)
	assert.Equal(t, int64(100), stats.TotalSize)
	assert.Equal(t, 0, stats.RegionCount)
	_, ok := c.GetCachedTile(ctx, LayerStandard, tiles[1].Z, tiles[1].X, tiles[1].Y)
	assert.True(t, ok, "other layers are untouched")
}

func TestClearAllTiles(t *testing.T) {
	c, _ := newTestCache(t, Options{})
	ctx := context.Background()
	require.True(t, c.CacheTile(ctx, LayerStandard, 1, 0, 0, payload(100)))
	require.NoError(t, c.SaveDownloadedRegion(ctx, model.DownloadedRegion{ID: "x"}))

	require.NoError(t, c.ClearAllTiles(ctx))
	stats := c.Stats(ctx)
	assert.Equal(t, int64(0), stats.TileCount)
	assert.Equal(t, 0, stats.RegionCount)
	_, ok := c.GetCachedTile(ctx, LayerStandard, 1, 0, 0)
	assert.False(t, ok)
}

func TestCacheOnSQLite(t *testing.T) {
	store, err := storage.OpenSQLite(storage.DriverModernc, filepath.Join(t.TempDir(), "tiles.db"))
	require.NoError(t, err)
	defer store.Close()

	c, _ := newTestCache(t, Options{Store: store})
	ctx := context.Background()
	require.True(t, c.CacheTile(ctx, LayerStandard, 3, 1, 1, payload(128)))

	snap, err := c.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.TileCount)
	assert.Equal(t, int64(128), snap.TotalSize)
}

func TestExportRegion(t *testing.T) {
	c, _ := newTestCache(t, Options{})
	ctx := context.Background()

	bounds := model.Bounds{North: 9.1, South: 9.0, East: 7.55, West: 7.4}
	tiles := c.Calculator().CalculateTiles(bounds, 12, 12)
	require.Len(t, tiles, 4)
	for _, tile := range tiles[1:] {
		require.True(t, c.CacheTile(ctx, LayerStandard, tile.Z, tile.X, tile.Y, payload(64)))
	}
	require.NoError(t, c.SaveDownloadedRegion(ctx, model.DownloadedRegion{
		ID: "abuja", Layer: LayerStandard, Bounds: bounds, MinZoom: 12, MaxZoom: 12,
	}))

	dir := t.TempDir()
	res, err := c.ExportRegion(ctx, "abuja", dir, "zxy")
	require.NoError(t, err)
	assert.Equal(t, len(tiles)-1, res.Written)
	assert.Equal(t, 1, res.Missing)

	path, err := util.GetSavePath(dir, "zxy", tiles[1].X, tiles[1].Y, tiles[1].Z, ".png")
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, payload(64), data)

	_, err = c.ExportRegion(ctx, "missing", dir, "zxy")
	assert.ErrorIs(t, err, ErrRegionNotFound)
	_, err = c.ExportRegion(ctx, "abuja", dir, "tms")
	assert.Error(t, err)
}
