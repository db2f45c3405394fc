// Package download 提供离线区域下载功能
package download

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/geoyee/fieldops/internal/model"
)

// DefaultWorkers 默认并发数
const DefaultWorkers = 4

// WorkerPool 工作池, 固定数量的 worker 共享一个任务队列
type WorkerPool struct {
	workers int
}

// NewWorkerPool 创建工作池
func NewWorkerPool(workers int) *WorkerPool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &WorkerPool{workers: workers}
}

// Workers 返回并发数
func (wp *WorkerPool) Workers() int {
	return wp.workers
}

// Run 处理全部瓦片. 每个 worker 在开始下一个瓦片前检查 ctx,
// 取消后不再领取新任务, 已开始的任务会执行完毕
func (wp *WorkerPool) Run(ctx context.Context, tiles []model.Tile, stats *model.DownloadStats, work func(model.Tile)) error {
	workers := min(wp.workers, len(tiles))
	if workers == 0 {
		return nil
	}
	queue := make(chan model.Tile)

	var g errgroup.Group
	g.Go(func() error {
		defer close(queue)
		for _, tile := range tiles {
			select {
			case queue <- tile:
			case <-ctx.Done():
				return nil
			}
		}
		return nil
	})

	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for tile := range queue {
				if err := ctx.Err(); err != nil {
					return err
				}
				atomic.AddInt32(&stats.ActiveWorkers, 1)
				work(tile)
				atomic.AddInt32(&stats.ActiveWorkers, -1)
			}
			return ctx.Err()
		})
	}
	return g.Wait()
}
