// Package battery 从宿主提供的能力读取电量和充电状态, 支持推送事件和轮询原生查询
package battery

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/geoyee/fieldops/internal/model"
)

// DefaultPollInterval 原生查询的轮询间隔
const DefaultPollInterval = 60 * time.Second

// ErrCapabilityUnavailable 宿主既没有事件源也没有原生查询
var ErrCapabilityUnavailable = errors.New("battery capability unavailable")

// Provider 在停止前把电量读数交给唯一的回调
type Provider interface {
	Name() string
	Start(ctx context.Context, onChange func(model.BatteryStatus)) error
	Stop()
}

// Querier 单次电量查询
type Querier interface {
	Available() bool
	Query(ctx context.Context) (model.BatteryStatus, error)
}

// Select 在初始化时选择一次来源: 优先事件源, 其次轮询原生查询,
// 都没有时返回 ErrCapabilityUnavailable
func Select(web *WebProvider, native Querier, interval time.Duration, logger hclog.Logger) (Provider, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if web != nil {
		logger.Debug("battery provider selected", "provider", web.Name())
		return web, nil
	}
	if native != nil && native.Available() {
		p := NewPollingProvider(native, interval, logger)
		logger.Debug("battery provider selected", "provider", p.Name(), "interval", p.interval)
		return p, nil
	}
	logger.Warn("no battery provider available, sampling stays balanced")
	return nil, ErrCapabilityUnavailable
}

// WebProvider 接收宿主推送的读数, 对应浏览器电池接口的 levelchange 和 chargingchange 事件
type WebProvider struct {
	mu       sync.Mutex
	onChange func(model.BatteryStatus)
	last     *model.BatteryStatus
}

func NewWebProvider() *WebProvider {
	return &WebProvider{}
}

func (w *WebProvider) Name() string { return "web" }

// Start 注册回调并重放最新读数 (如有)
func (w *WebProvider) Start(ctx context.Context, onChange func(model.BatteryStatus)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w.mu.Lock()
	w.onChange = onChange
	last := w.last
	w.mu.Unlock()
	if last != nil && onChange != nil {
		onChange(*last)
	}
	return nil
}

func (w *WebProvider) Stop() {
	w.mu.Lock()
	w.onChange = nil
	w.mu.Unlock()
}

// Push 记录读数并转发给已注册的回调
func (w *WebProvider) Push(status model.BatteryStatus) {
	status.Level = clampLevel(status.Level)
	w.mu.Lock()
	w.last = &status
	fn := w.onChange
	w.mu.Unlock()
	if fn != nil {
		fn(status)
	}
}

// PushReading 接收 0.0-1.0 范围的电量
func (w *WebProvider) PushReading(level float64, charging bool) {
	w.Push(model.BatteryStatus{
		Level:      int(math.Round(level * 100)),
		IsCharging: charging,
	})
}

// PollingProvider 按固定间隔轮询 Querier
type PollingProvider struct {
	querier  Querier
	interval time.Duration
	logger   hclog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewPollingProvider(q Querier, interval time.Duration, logger hclog.Logger) *PollingProvider {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &PollingProvider{querier: q, interval: interval, logger: logger}
}

func (p *PollingProvider) Name() string { return "polling" }

// Start 立即查询一次, 之后每个周期查询一次
func (p *PollingProvider) Start(ctx context.Context, onChange func(model.BatteryStatus)) error {
	p.mu.Lock()
	if p.cancel != nil {
		p.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	done := p.done
	p.mu.Unlock()

	p.poll(ctx, onChange)
	go func() {
		defer close(done)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.poll(ctx, onChange)
			}
		}
	}()
	return nil
}

func (p *PollingProvider) poll(ctx context.Context, onChange func(model.BatteryStatus)) {
	status, err := p.querier.Query(ctx)
	if err != nil {
		p.logger.Warn("battery query failed", "error", err)
		return
	}
	status.Level = clampLevel(status.Level)
	if onChange != nil {
		onChange(status)
	}
}

func (p *PollingProvider) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func clampLevel(level int) int {
	if level < 0 {
		return 0
	}
	if level > 100 {
		return 100
	}
	return level
}
