// Package stats 提供下载进度统计
package stats

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/geoyee/fieldops/internal/model"
)

// DefaultInterval 默认统计输出间隔
const DefaultInterval = 10 * time.Second

// maxSpeedHistory 速度历史记录上限
const maxSpeedHistory = 100

// StatsMonitor 统计监视器
type StatsMonitor struct {
	stats      *model.DownloadStats
	interval   time.Duration
	logger     hclog.Logger
	stopChan   chan struct{}
	stopOnce   sync.Once
	started    atomic.Bool
	done       chan struct{}
	speedMutex sync.RWMutex
}

// NewStatsMonitor 创建统计监视器
func NewStatsMonitor(logger hclog.Logger, interval time.Duration) *StatsMonitor {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &StatsMonitor{
		stats:    &model.DownloadStats{},
		interval: interval,
		logger:   logger,
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// InitStats 初始化统计
func (sm *StatsMonitor) InitStats(totalTiles int) {
	sm.stats = &model.DownloadStats{
		Total:        int64(totalTiles),
		StartTime:    time.Now(),
		SpeedHistory: make([]model.SpeedRecord, 0, maxSpeedHistory),
	}
}

// GetStats 获取统计数据, 计数字段需用 atomic 访问. Cached 同时计入 Success
func (sm *StatsMonitor) GetStats() *model.DownloadStats {
	return sm.stats
}

// SpeedHistory 返回速度历史副本
func (sm *StatsMonitor) SpeedHistory() []model.SpeedRecord {
	sm.speedMutex.RLock()
	defer sm.speedMutex.RUnlock()
	out := make([]model.SpeedRecord, len(sm.stats.SpeedHistory))
	copy(out, sm.stats.SpeedHistory)
	return out
}

// StartMonitoring 启动周期统计
func (sm *StatsMonitor) StartMonitoring() {
	if sm.started.CompareAndSwap(false, true) {
		go sm.MonitorStats()
	}
}

// StopMonitoring 停止周期统计, 可重复调用
func (sm *StatsMonitor) StopMonitoring() {
	sm.stopOnce.Do(func() {
		close(sm.stopChan)
		if sm.started.Load() {
			<-sm.done
		}
	})
}

// MonitorStats 周期性记录进度与速度
func (sm *StatsMonitor) MonitorStats() {
	defer close(sm.done)
	ticker := time.NewTicker(sm.interval)
	defer ticker.Stop()

	var lastSuccess int64
	var lastBytes int64
	lastTime := time.Now()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			duration := now.Sub(lastTime).Seconds()
			currentSuccess := atomic.LoadInt64(&sm.stats.Success)
			currentBytes := atomic.LoadInt64(&sm.stats.BytesTotal)
			currentFailed := atomic.LoadInt64(&sm.stats.Failed)
			currentCached := atomic.LoadInt64(&sm.stats.Cached)

			var speed, countSpeed float64
			if duration > 0 {
				speed = float64(currentBytes-lastBytes) / 1024 / duration
				countSpeed = float64(currentSuccess-lastSuccess) / duration
			}
			sm.record(model.SpeedRecord{Time: now, Speed: speed, Count: int64(countSpeed)})

			processed := currentSuccess + currentFailed
			percent := 0.0
			if sm.stats.Total > 0 {
				percent = float64(processed) / float64(sm.stats.Total) * 100
			}
			sm.logger.Info("download progress",
				"processed", processed,
				"total", sm.stats.Total,
				"percent", percent,
				"kb_per_sec", speed,
				"tiles_per_sec", countSpeed,
				"active_workers", atomic.LoadInt32(&sm.stats.ActiveWorkers),
				"success", currentSuccess,
				"cached", currentCached,
				"failed", currentFailed)

			lastSuccess = currentSuccess
			lastBytes = currentBytes
			lastTime = now

			if processed >= sm.stats.Total {
				return
			}
		case <-sm.stopChan:
			return
		}
	}
}

func (sm *StatsMonitor) record(rec model.SpeedRecord) {
	sm.speedMutex.Lock()
	defer sm.speedMutex.Unlock()
	sm.stats.SpeedHistory = append(sm.stats.SpeedHistory, rec)
	if len(sm.stats.SpeedHistory) > maxSpeedHistory {
		sm.stats.SpeedHistory = sm.stats.SpeedHistory[1:]
	}
}

// Summary 下载结束时的汇总
type Summary struct {
	Duration    time.Duration `json:"duration"`
	Total       int64         `json:"total"`
	Success     int64         `json:"success"`
	Cached      int64         `json:"cached"`
	Failed      int64         `json:"failed"`
	Retries     int64         `json:"retries"`
	Bytes       int64         `json:"bytes"`
	AvgKBPerSec float64       `json:"avg_kb_per_sec"`
}

// FinalStats 计算并记录最终统计
func (sm *StatsMonitor) FinalStats() Summary {
	s := Summary{
		Duration: time.Since(sm.stats.StartTime),
		Total:    sm.stats.Total,
		Success:  atomic.LoadInt64(&sm.stats.Success),
		Cached:   atomic.LoadInt64(&sm.stats.Cached),
		Failed:   atomic.LoadInt64(&sm.stats.Failed),
		Retries:  atomic.LoadInt64(&sm.stats.Retries),
		Bytes:    atomic.LoadInt64(&sm.stats.BytesTotal),
	}
	if secs := s.Duration.Seconds(); secs > 0 {
		s.AvgKBPerSec = float64(s.Bytes) / 1024 / secs
	}
	sm.logger.Info("download finished",
		"duration", s.Duration.Round(time.Millisecond),
		"total", s.Total,
		"success", s.Success,
		"cached", s.Cached,
		"failed", s.Failed,
		"retries", s.Retries,
		"mb", float64(s.Bytes)/1024/1024,
		"avg_kb_per_sec", s.AvgKBPerSec)
	return s
}
