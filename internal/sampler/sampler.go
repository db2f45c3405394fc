// Package sampler 按电量选择采样模式, 以最小间隔和最小位移过滤设备原始位置
package sampler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/geoyee/fieldops/internal/battery"
	"github.com/geoyee/fieldops/internal/device"
	"github.com/geoyee/fieldops/internal/geo"
	"github.com/geoyee/fieldops/internal/metrics"
	"github.com/geoyee/fieldops/internal/model"
)

// ErrNoGeolocator 未设置定位源时 Start 返回的错误
var ErrNoGeolocator = errors.New("sampler: no geolocator")

// Options Sampler 的配置
type Options struct {
	Geolocator device.Geolocator
	// Battery 由 battery.Select 选出的来源, 为 nil 时采样保持 Balanced
	Battery battery.Provider
	Clock   func() time.Time
	Logger  hclog.Logger
}

// Sampler 持有一个设备定位监听, 推荐模式变化时重启监听
type Sampler struct {
	geo     device.Geolocator
	monitor *battery.Monitor
	clock   func() time.Time
	logger  hclog.Logger

	mu             sync.Mutex
	running        bool
	capErr         error
	status         *model.BatteryStatus
	manual         *model.SamplingMode
	mode           model.SamplingMode
	config         model.LocationConfig
	onPosition     func(model.Position)
	onError        func(error)
	last           *model.Position
	lastAcceptedAt time.Time
	generation     uint64
	listeners      map[int]func(model.LocationConfig)
	nextListener   int

	// watchMu 串行化监听的清除和启动
	watchMu     sync.Mutex
	watchID     device.WatchID
	watching    bool
	stopBattery func()
}

func New(opts Options) *Sampler {
	logger := opts.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	s := &Sampler{
		geo:       opts.Geolocator,
		clock:     clock,
		logger:    logger.Named("sampler"),
		listeners: make(map[int]func(model.LocationConfig)),
	}
	if opts.Battery != nil {
		s.monitor = battery.NewMonitor(opts.Battery, logger)
	} else {
		s.capErr = battery.ErrCapabilityUnavailable
	}
	s.mode = RecommendedMode(nil, nil)
	s.config = ConfigFor(s.mode)
	metrics.SetSamplingMode(string(s.mode))
	return s
}

// Start 开始监听位置, 通过过滤的位置交给 onPosition
// 定位错误交给 onError, 不会停止监听
func (s *Sampler) Start(onPosition func(model.Position), onError func(error)) error {
	if s.geo == nil {
		return ErrNoGeolocator
	}
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.onPosition = onPosition
	s.onError = onError
	s.mu.Unlock()

	s.startBattery()

	s.mu.Lock()
	s.running = true
	s.mu.Unlock()

	if err := s.restartWatch(); err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		s.stopBatteryMonitor()
		return fmt.Errorf("start position watch: %w", err)
	}
	s.logger.Info("sampler started", "mode", s.CurrentMode())
	return nil
}

func (s *Sampler) startBattery() {
	if s.monitor == nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	unsubscribe := s.monitor.OnChange(s.UpdateBattery)
	if err := s.monitor.Start(ctx); err != nil {
		unsubscribe()
		cancel()
		s.mu.Lock()
		s.capErr = fmt.Errorf("%w: %v", battery.ErrCapabilityUnavailable, err)
		s.mu.Unlock()
		s.logger.Warn("battery provider failed to start, using balanced mode", "error", err)
		return
	}
	s.watchMu.Lock()
	s.stopBattery = func() {
		unsubscribe()
		s.monitor.Stop()
		cancel()
	}
	s.watchMu.Unlock()
}

func (s *Sampler) stopBatteryMonitor() {
	s.watchMu.Lock()
	stop := s.stopBattery
	s.stopBattery = nil
	s.watchMu.Unlock()
	if stop != nil {
		stop()
	}
}

// Stop 清除定位监听并断开电量来源, 可重复调用
func (s *Sampler) Stop() {
	s.mu.Lock()
	wasRunning := s.running
	s.running = false
	s.generation++
	s.onPosition = nil
	s.onError = nil
	s.mu.Unlock()

	s.watchMu.Lock()
	if s.watching {
		s.geo.ClearWatch(s.watchID)
		s.watching = false
	}
	s.watchMu.Unlock()
	s.stopBatteryMonitor()

	if wasRunning {
		s.logger.Info("sampler stopped")
	}
}

// restartWatch 清除当前监听后按当前配置启动新监听, 旧监听的回调通过代数计数丢弃
func (s *Sampler) restartWatch() error {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.generation++
	gen := s.generation
	opts := s.config.WatchOptions()
	s.mu.Unlock()

	if s.watching {
		s.geo.ClearWatch(s.watchID)
		s.watching = false
	}
	id, err := s.geo.WatchPosition(opts,
		func(pos model.Position) { s.handlePosition(gen, pos) },
		func(err error) { s.handleError(gen, err) })
	if err != nil {
		return err
	}
	s.watchID = id
	s.watching = true
	s.logger.Debug("position watch started", "watch", id, "high_accuracy", opts.EnableHighAccuracy, "timeout", opts.Timeout)
	return nil
}

func (s *Sampler) handlePosition(gen uint64, pos model.Position) {
	s.mu.Lock()
	if !s.running || gen != s.generation {
		s.mu.Unlock()
		return
	}
	now := s.clock()
	if s.last != nil {
		if now.Sub(s.lastAcceptedAt) < s.config.MinInterval {
			s.mu.Unlock()
			metrics.SamplerPositionsTotal.WithLabelValues("rejected").Inc()
			return
		}
		if geo.Distance(s.last.Latitude, s.last.Longitude, pos.Latitude, pos.Longitude) < s.config.MinDisplacement {
			s.mu.Unlock()
			metrics.SamplerPositionsTotal.WithLabelValues("rejected").Inc()
			return
		}
	}
	accepted := pos
	s.last = &accepted
	s.lastAcceptedAt = now
	fn := s.onPosition
	s.mu.Unlock()

	metrics.SamplerPositionsTotal.WithLabelValues("accepted").Inc()
	if fn != nil {
		fn(pos)
	}
}

func (s *Sampler) handleError(gen uint64, err error) {
	s.mu.Lock()
	if !s.running || gen != s.generation {
		s.mu.Unlock()
		return
	}
	fn := s.onError
	s.mu.Unlock()

	s.logger.Warn("position error", "error", err)
	if fn != nil {
		fn(err)
	}
}

// UpdateBattery 记录电量读数, 必要时切换模式
func (s *Sampler) UpdateBattery(status model.BatteryStatus) {
	s.mu.Lock()
	s.status = &status
	s.mu.Unlock()
	s.recompute()
}

// SetManualMode 手动设置模式, 传入 nil 时恢复由电量决定
func (s *Sampler) SetManualMode(mode *model.SamplingMode) {
	s.mu.Lock()
	if mode == nil {
		s.manual = nil
	} else {
		m := *mode
		s.manual = &m
	}
	s.mu.Unlock()
	s.recompute()
}

func (s *Sampler) recompute() {
	s.mu.Lock()
	next := RecommendedMode(s.status, s.manual)
	if next == s.mode {
		s.mu.Unlock()
		return
	}
	prev := s.mode
	s.mode = next
	s.config = ConfigFor(next)
	cfg := s.config
	fns := make([]func(model.LocationConfig), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	s.logger.Info("sampling mode changed", "from", prev, "to", next)
	metrics.SetSamplingMode(string(next))
	for _, fn := range fns {
		fn(cfg)
	}
	if err := s.restartWatch(); err != nil {
		s.logger.Error("failed to restart position watch", "mode", next, "error", err)
	}
}

// OnConfigChange 注册监听器, 立即以当前配置调用一次并返回注销函数
func (s *Sampler) OnConfigChange(fn func(model.LocationConfig)) func() {
	s.mu.Lock()
	id := s.nextListener
	s.nextListener++
	s.listeners[id] = fn
	cfg := s.config
	s.mu.Unlock()

	fn(cfg)
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *Sampler) CurrentMode() model.SamplingMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

func (s *Sampler) CurrentConfig() model.LocationConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config
}

// ManualMode 返回手动设置的模式, 由电量决定时返回 nil
func (s *Sampler) ManualMode() *model.SamplingMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.manual == nil {
		return nil
	}
	m := *s.manual
	return &m
}

// BatteryStatus 返回最新电量读数 (如有)
func (s *Sampler) BatteryStatus() (model.BatteryStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == nil {
		return model.BatteryStatus{}, false
	}
	return *s.status, true
}

// CapabilityStatus 没有电量信息时返回 battery.ErrCapabilityUnavailable, 不影响采样
func (s *Sampler) CapabilityStatus() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capErr
}

// LastPosition 返回最后通过过滤的位置
func (s *Sampler) LastPosition() (model.Position, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return model.Position{}, false
	}
	return *s.last, true
}

// Running 返回是否已 Start 且尚未 Stop
func (s *Sampler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}
