package download

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geoyee/fieldops/internal/calculator"
	"github.com/geoyee/fieldops/internal/client"
	"github.com/geoyee/fieldops/internal/model"
	"github.com/geoyee/fieldops/internal/storage"
	"github.com/geoyee/fieldops/internal/tilecache"
)

var pngHeader = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0x0d, 'I', 'H', 'D', 'R'}

type fetchFunc func(ctx context.Context, url string) ([]byte, error)

func (f fetchFunc) Fetch(ctx context.Context, url string) ([]byte, error) { return f(ctx, url) }

// tileBounds 返回缩放级别 z 下从 (x0, y0) 开始恰好覆盖 nx*ny 个瓦片的范围
func tileBounds(z, x0, y0, nx, ny int) model.Bounds {
	calc := calculator.NewTileCalculator()
	const eps = 1e-6
	west, north := calc.Num2Deg(x0, y0, z)
	east, south := calc.Num2Deg(x0+nx, y0+ny, z)
	return model.Bounds{North: north - eps, South: south + eps, East: east - eps, West: west + eps}
}

func newCache(fetcher tilecache.Fetcher) *tilecache.Cache {
	return tilecache.New(tilecache.Options{Store: storage.NewMemoryStore(), Fetcher: fetcher})
}

func TestTileBoundsHelper(t *testing.T) {
	calc := calculator.NewTileCalculator()
	assert.Equal(t, 10, calc.CountTiles(tileBounds(6, 30, 20, 5, 2), 6, 6))
}

func TestDownloadRegionAllFailing(t *testing.T) {
	var calls atomic.Int64
	cache := newCache(fetchFunc(func(context.Context, string) ([]byte, error) {
		calls.Add(1)
		return nil, fmt.Errorf("%w: HTTP 503", client.ErrNetworkFailure)
	}))
	d := NewDownloader(cache, Options{Workers: 4})

	var mu sync.Mutex
	var updates []model.DownloadProgress
	done := make(chan struct{})
	var result *Result
	var err error
	go func() {
		defer close(done)
		result, err = d.DownloadRegion(context.Background(), Request{
			ID: "r1", Name: "Failing", Bounds: tileBounds(6, 30, 20, 5, 2), MinZoom: 6, MaxZoom: 6,
		}, func(p model.DownloadProgress) {
			mu.Lock()
			updates = append(updates, p)
			mu.Unlock()
		})
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("download did not resolve")
	}

	require.NoError(t, err)
	assert.Equal(t, 0, result.Progress.Completed)
	assert.Equal(t, 10, result.Progress.Failed)
	assert.Equal(t, 10, result.Progress.Total)
	assert.Equal(t, int64(10), calls.Load())
	assert.Equal(t, map[string]int{"HTTP 5xx server error": 10}, result.Errors)

	require.Len(t, updates, 10)
	for i, p := range updates {
		assert.Equal(t, i+1, p.Attempted())
	}
	require.NotNil(t, result.Region)
	assert.Equal(t, 0, result.Region.TileCount)
}

func TestDownloadRegionEnumeratesEstimate(t *testing.T) {
	cache := newCache(fetchFunc(func(context.Context, string) ([]byte, error) {
		return pngHeader, nil
	}))
	d := NewDownloader(cache, Options{Workers: 3})
	bounds := model.Bounds{North: 9.1, South: 9.0, East: 7.55, West: 7.4}

	for z := 10; z <= 13; z++ {
		est := cache.EstimateDownloadSize(bounds, z, z)
		result, err := d.DownloadRegion(context.Background(), Request{
			ID: fmt.Sprintf("z%d", z), Bounds: bounds, MinZoom: z, MaxZoom: z,
		}, nil)
		require.NoError(t, err)
		assert.Equal(t, est.TileCount, result.Progress.Total, "zoom %d", z)
		assert.Equal(t, est.TileCount, result.Progress.Completed)
		assert.Equal(t, est.EstimatedBytes, result.Progress.EstimatedSize)
	}
}

func TestDownloadRegionCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int64
	var inFlightCancelled atomic.Bool
	cache := newCache(fetchFunc(func(fctx context.Context, _ string) ([]byte, error) {
		if calls.Add(1) == 1 {
			cancel()
			time.Sleep(20 * time.Millisecond)
			if fctx.Err() != nil {
				inFlightCancelled.Store(true)
			}
		}
		return pngHeader, nil
	}))
	existing := model.DownloadedRegion{ID: "kept", Name: "Kept", MinZoom: 3, MaxZoom: 4}
	require.NoError(t, cache.SaveDownloadedRegion(context.Background(), existing))

	d := NewDownloader(cache, Options{Workers: 4})
	result, err := d.DownloadRegion(ctx, Request{
		ID: "partial", Bounds: tileBounds(8, 100, 100, 10, 10), MinZoom: 8, MaxZoom: 8,
	}, nil)

	require.ErrorIs(t, err, ErrCancelled)
	require.NotNil(t, result)
	assert.Nil(t, result.Region)
	assert.Less(t, result.Progress.Attempted(), result.Progress.Total)
	assert.False(t, inFlightCancelled.Load(), "in-flight fetches are not aborted")

	assert.Equal(t, []model.DownloadedRegion{existing}, cache.DownloadedRegions(context.Background()))
}

func TestDownloadRegionCancelledBeforeStart(t *testing.T) {
	var calls atomic.Int64
	cache := newCache(fetchFunc(func(context.Context, string) ([]byte, error) {
		calls.Add(1)
		return pngHeader, nil
	}))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := NewDownloader(cache, Options{})
	_, err := d.DownloadRegion(ctx, Request{ID: "r", Bounds: tileBounds(6, 30, 20, 5, 2), MinZoom: 6, MaxZoom: 6}, nil)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, int64(0), calls.Load())
	assert.Empty(t, cache.DownloadedRegions(context.Background()))
}

func TestDownloadRegionOverHTTP(t *testing.T) {
	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write(pngHeader)
	}))
	defer server.Close()

	httpClient := client.NewHTTPClient(&client.Config{Timeout: 5 * time.Second, KeepAlive: true}, nil)
	cache := tilecache.New(tilecache.Options{
		Store:   storage.NewMemoryStore(),
		Fetcher: httpClient,
		Layers:  map[string]string{"standard": server.URL + "/{z}/{x}/{y}.png"},
	})
	d := NewDownloader(cache, Options{Workers: 4, RateLimit: 1000})
	req := Request{ID: "site", Name: "Site", Bounds: tileBounds(7, 60, 40, 3, 3), MinZoom: 7, MaxZoom: 7}

	result, err := d.DownloadRegion(context.Background(), req, nil)
	require.NoError(t, err)
	assert.Equal(t, 9, result.Progress.Completed)
	assert.Equal(t, int64(9*len(pngHeader)), result.Progress.DownloadedSize)
	assert.Equal(t, int64(9), hits.Load())

	regions := cache.DownloadedRegions(context.Background())
	require.Len(t, regions, 1)
	assert.Equal(t, "site", regions[0].ID)
	assert.Equal(t, "standard", regions[0].Layer)
	assert.Equal(t, 9, regions[0].TileCount)

	// 第二次运行命中缓存并更新区域
	result, err = d.DownloadRegion(context.Background(), req, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(9), result.Summary.Cached)
	assert.Equal(t, int64(9), hits.Load())
	assert.Len(t, cache.DownloadedRegions(context.Background()), 1)
}

func TestDownloadRegionRetriesNetworkErrors(t *testing.T) {
	var calls atomic.Int64
	cache := newCache(fetchFunc(func(context.Context, string) ([]byte, error) {
		if calls.Add(1) == 1 {
			return nil, fmt.Errorf("%w: connection reset", client.ErrNetworkFailure)
		}
		return pngHeader, nil
	}))
	d := NewDownloader(cache, Options{Workers: 1, Retries: 2})

	result, err := d.DownloadRegion(context.Background(), Request{ID: "r", Bounds: tileBounds(5, 3, 3, 1, 1), MinZoom: 5, MaxZoom: 5}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Progress.Completed)
	assert.Equal(t, int64(1), result.Summary.Retries)
}

func TestDownloadRegionDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int64
	cache := newCache(fetchFunc(func(context.Context, string) ([]byte, error) {
		calls.Add(1)
		return nil, fmt.Errorf("%w: HTTP 404", client.ErrNetworkFailure)
	}))
	d := NewDownloader(cache, Options{Workers: 2, Retries: 3})

	result, err := d.DownloadRegion(context.Background(), Request{ID: "r", Bounds: tileBounds(5, 3, 3, 2, 1), MinZoom: 5, MaxZoom: 5}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Progress.Failed)
	assert.Equal(t, int64(2), calls.Load())
}

func TestDownloadRegionTileTimeoutCountsAsFailure(t *testing.T) {
	cache := newCache(fetchFunc(func(ctx context.Context, _ string) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	d := NewDownloader(cache, Options{Workers: 2, TileTimeout: 20 * time.Millisecond})

	result, err := d.DownloadRegion(context.Background(), Request{ID: "r", Bounds: tileBounds(5, 3, 3, 2, 1), MinZoom: 5, MaxZoom: 5}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Progress.Failed)
	assert.Equal(t, 2, result.Errors["timeout"])
}

func TestDownloadRegionValidation(t *testing.T) {
	d := NewDownloader(newCache(nil), Options{})
	ctx := context.Background()
	bounds := tileBounds(5, 3, 3, 1, 1)

	_, err := d.DownloadRegion(ctx, Request{ID: "r", Bounds: bounds, MinZoom: 5, MaxZoom: 30}, nil)
	assert.ErrorIs(t, err, calculator.ErrInvalidZoomRange)

	_, err = d.DownloadRegion(ctx, Request{ID: "r", Bounds: bounds, Layer: "hybrid", MinZoom: 5, MaxZoom: 5}, nil)
	assert.ErrorIs(t, err, tilecache.ErrUnknownLayer)

	_, err = d.DownloadRegion(ctx, Request{Bounds: bounds, MinZoom: 5, MaxZoom: 5}, nil)
	assert.Error(t, err)

	_, err = d.DownloadRegion(ctx, Request{ID: "r", Bounds: model.Bounds{North: 1, South: 2, East: 1, West: 0}, MinZoom: 5, MaxZoom: 5}, nil)
	assert.True(t, errors.Is(err, calculator.ErrInvalidLatRange) || errors.Is(err, calculator.ErrInvalidLonRange))
}
