package battery

import (
	"context"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/geoyee/fieldops/internal/model"
)

// Monitor 记录 Provider 的最新读数, 电量或充电状态变化时通知监听器
type Monitor struct {
	provider Provider
	logger   hclog.Logger

	mu        sync.Mutex
	status    *model.BatteryStatus
	listeners map[int]func(model.BatteryStatus)
	nextID    int
}

func NewMonitor(p Provider, logger hclog.Logger) *Monitor {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Monitor{
		provider:  p,
		logger:    logger.Named("battery"),
		listeners: make(map[int]func(model.BatteryStatus)),
	}
}

func (m *Monitor) Start(ctx context.Context) error {
	if m.provider == nil {
		return ErrCapabilityUnavailable
	}
	return m.provider.Start(ctx, m.handle)
}

func (m *Monitor) Stop() {
	if m.provider != nil {
		m.provider.Stop()
	}
}

// Status 返回最新读数, 尚无读数时返回 false
func (m *Monitor) Status() (model.BatteryStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status == nil {
		return model.BatteryStatus{}, false
	}
	return *m.status, true
}

// OnChange 注册 fn 并返回注销函数
func (m *Monitor) OnChange(fn func(model.BatteryStatus)) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

func (m *Monitor) handle(status model.BatteryStatus) {
	m.mu.Lock()
	prev := m.status
	m.status = &status
	if prev != nil && prev.Level == status.Level && prev.IsCharging == status.IsCharging {
		m.mu.Unlock()
		return
	}
	fns := make([]func(model.BatteryStatus), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	m.logger.Debug("battery changed", "level", status.Level, "charging", status.IsCharging)
	for _, fn := range fns {
		fn(status)
	}
}
