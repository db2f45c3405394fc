package geofence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/geoyee/fieldops/internal/device"
	"github.com/geoyee/fieldops/internal/geo"
	"github.com/geoyee/fieldops/internal/metrics"
	"github.com/geoyee/fieldops/internal/model"
	"github.com/geoyee/fieldops/internal/storage"
)

const (
	// DefaultRecheckInterval 重新评估最后位置的间隔, 没有新定位时也能触发停留
	DefaultRecheckInterval = 15 * time.Second
	// DefaultSiteRadius 工作地点围栏的默认半径
	DefaultSiteRadius = 100.0

	NotificationChannel = "fieldops_notifications"

	storeNamespace = "geofence"
	storeKey       = "regions"
	storeTimeout   = 5 * time.Second
)

var (
	// ErrInvalidRegion 区域缺少 ID 或半径不为正
	ErrInvalidRegion = errors.New("invalid geofence region")
)

// Options Monitor 的配置
type Options struct {
	Geolocator      device.Geolocator
	Permissions     device.PermissionRequester
	Haptics         device.Haptics
	Notifier        device.Notifier
	Store           storage.DocumentStore
	DwellThreshold  time.Duration
	RecheckInterval time.Duration
	Clock           func() time.Time
	Logger          hclog.Logger
}

// RegionDistance 区域及其与最后位置的距离
type RegionDistance struct {
	Region   model.GeofenceRegion `json:"region"`
	Distance float64              `json:"distance"`
}

// Monitor 管理一组区域并把位置转换为事件
// 状态转换在锁内计算并提交, 触觉反馈、通知和监听器在释放锁后执行
type Monitor struct {
	geo         device.Geolocator
	permissions device.PermissionRequester
	haptics     device.Haptics
	notifier    device.Notifier
	store       storage.DocumentStore
	dwell       time.Duration
	recheck     time.Duration
	clock       func() time.Time
	logger      hclog.Logger

	mu        sync.Mutex
	regions   map[string]model.GeofenceRegion
	state     State
	last      *model.Position
	dirty     bool
	listeners map[int]func(model.GeofenceEvent)
	nextID    int

	// persistMu 保证按修改顺序保存
	persistMu sync.Mutex
	// dispatchMu 覆盖计算和分发, 监听器按提交顺序收到事件
	dispatchMu sync.Mutex
	delivering atomic.Bool

	runMu      sync.Mutex
	monitoring bool
	watchID    device.WatchID
	cancel     context.CancelFunc
	done       chan struct{}
}

func NewMonitor(opts Options) *Monitor {
	logger := opts.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	m := &Monitor{
		geo:         opts.Geolocator,
		permissions: opts.Permissions,
		haptics:     opts.Haptics,
		notifier:    opts.Notifier,
		store:       opts.Store,
		dwell:       opts.DwellThreshold,
		recheck:     opts.RecheckInterval,
		clock:       opts.Clock,
		logger:      logger.Named("geofence"),
		regions:     make(map[string]model.GeofenceRegion),
		state:       make(State),
		listeners:   make(map[int]func(model.GeofenceEvent)),
	}
	if m.dwell <= 0 {
		m.dwell = DefaultDwellThreshold
	}
	if m.recheck <= 0 {
		m.recheck = DefaultRecheckInterval
	}
	if m.clock == nil {
		m.clock = time.Now
	}
	if m.permissions == nil {
		m.permissions = device.AllowAll{}
	}
	return m
}

// Load 恢复已保存的区域, 派生状态从空开始
func (m *Monitor) Load(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	var regions []model.GeofenceRegion
	found, err := m.store.LoadDocument(ctx, storeNamespace, storeKey, &regions)
	if err != nil {
		m.logger.Error("failed to load regions", "error", err)
		return err
	}
	if !found {
		return nil
	}
	m.mu.Lock()
	for _, r := range regions {
		m.regions[r.ID] = r
	}
	m.mu.Unlock()
	m.logger.Info("regions loaded", "count", len(regions))
	return nil
}

// AddRegion 新增或替换区域并保存区域集合
func (m *Monitor) AddRegion(ctx context.Context, region model.GeofenceRegion) error {
	if region.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidRegion)
	}
	if region.Radius <= 0 {
		return fmt.Errorf("%w: radius must be positive, got %v", ErrInvalidRegion, region.Radius)
	}
	m.mu.Lock()
	m.regions[region.ID] = region
	m.dirty = true
	m.mu.Unlock()

	m.logger.Debug("region added", "id", region.ID, "name", region.Name, "radius", region.Radius)
	m.persist(ctx)
	return nil
}

// RemoveRegion 删除区域并返回其是否存在
func (m *Monitor) RemoveRegion(ctx context.Context, id string) bool {
	m.mu.Lock()
	_, ok := m.regions[id]
	if ok {
		delete(m.regions, id)
		delete(m.state, id)
		m.dirty = true
	}
	m.mu.Unlock()
	if ok {
		m.persist(ctx)
	}
	return ok
}

// ClearAll 删除所有区域
func (m *Monitor) ClearAll(ctx context.Context) {
	m.mu.Lock()
	m.regions = make(map[string]model.GeofenceRegion)
	m.state = make(State)
	m.dirty = true
	m.mu.Unlock()
	m.persist(ctx)
}

// CreateSiteRegion 为工作地点创建区域, 半径不为正时使用 DefaultSiteRadius
func (m *Monitor) CreateSiteRegion(ctx context.Context, siteID, name string, lat, lon, radius float64) (model.GeofenceRegion, error) {
	if radius <= 0 {
		radius = DefaultSiteRadius
	}
	region := model.GeofenceRegion{
		ID:            "site_" + siteID,
		Name:          name,
		Latitude:      lat,
		Longitude:     lon,
		Radius:        radius,
		NotifyOnEntry: true,
		NotifyOnExit:  true,
		Metadata:      map[string]string{"siteId": siteID, "type": "site"},
	}
	return region, m.AddRegion(ctx, region)
}

func (m *Monitor) Region(id string) (model.GeofenceRegion, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.regions[id]
	return r, ok
}

// Regions 按 ID 顺序返回所有区域
func (m *Monitor) Regions() []model.GeofenceRegion {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedRegionsLocked()
}

// ActiveRegions 返回设备当前所在的区域
func (m *Monitor) ActiveRegions() []model.GeofenceRegion {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.GeofenceRegion
	for _, r := range m.sortedRegionsLocked() {
		if m.state[r.ID].Inside {
			out = append(out, r)
		}
	}
	return out
}

func (m *Monitor) sortedRegionsLocked() []model.GeofenceRegion {
	out := make([]model.GeofenceRegion, 0, len(m.regions))
	for _, r := range m.regions {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Monitor) IsInsideRegion(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state[id].Inside
}

// DistanceToRegion 返回最后位置到区域中心的距离 (米), 区域或位置不存在时返回 false
func (m *Monitor) DistanceToRegion(id string) (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.regions[id]
	if !ok || m.last == nil {
		return 0, false
	}
	return geo.Distance(m.last.Latitude, m.last.Longitude, r.Latitude, r.Longitude), true
}

// NearbyRegions 返回距最后位置 maxDistance 以内的区域, 由近到远
func (m *Monitor) NearbyRegions(maxDistance float64) []RegionDistance {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == nil {
		return nil
	}
	var out []RegionDistance
	for _, r := range m.sortedRegionsLocked() {
		d := geo.Distance(m.last.Latitude, m.last.Longitude, r.Latitude, r.Longitude)
		if d <= maxDistance {
			out = append(out, RegionDistance{Region: r, Distance: d})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	return out
}

// LastPosition 返回最近处理的位置
func (m *Monitor) LastPosition() (model.Position, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == nil {
		return model.Position{}, false
	}
	return *m.last, true
}

// OnEvent 注册监听器并返回注销函数
func (m *Monitor) OnEvent(fn func(model.GeofenceEvent)) func() {
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

// ProcessPosition 以当前时间用 pos 评估所有区域
// 监听器中不能调用 ProcessPosition 或 Recheck
func (m *Monitor) ProcessPosition(pos model.Position) {
	m.dispatchMu.Lock()
	defer m.dispatchMu.Unlock()
	m.mu.Lock()
	p := pos
	m.last = &p
	m.mu.Unlock()
	m.evaluate()
}

// evaluate 对最后位置执行一次状态转换, 调用方需持有 dispatchMu
func (m *Monitor) evaluate() {
	m.mu.Lock()
	if m.last == nil {
		m.mu.Unlock()
		return
	}
	next, events := Evaluate(m.sortedRegionsLocked(), *m.last, m.clock(), m.state, m.dwell)
	m.state = next
	fns := make([]func(model.GeofenceEvent), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	if len(events) == 0 {
		return
	}
	m.delivering.Store(true)
	defer m.delivering.Store(false)
	for _, ev := range events {
		m.handleEvent(ev, fns)
	}
}

func (m *Monitor) handleEvent(ev model.GeofenceEvent, listeners []func(model.GeofenceEvent)) {
	m.logger.Info("geofence event", "type", ev.Type, "region", ev.Region.ID, "name", ev.Region.Name)
	metrics.GeofenceEventsTotal.WithLabelValues(string(ev.Type)).Inc()

	if m.haptics != nil {
		switch ev.Type {
		case model.GeofenceEnter:
			m.haptics.Trigger(device.HapticNotification)
		case model.GeofenceExit:
			m.haptics.Trigger(device.HapticWarning)
		}
	}

	notify := (ev.Type == model.GeofenceEnter && ev.Region.NotifyOnEntry) ||
		(ev.Type == model.GeofenceExit && ev.Region.NotifyOnExit)
	if notify && m.notifier != nil {
		m.notifier.Schedule(notificationFor(ev))
	}

	for _, fn := range listeners {
		fn(ev)
	}
}

func notificationFor(ev model.GeofenceEvent) device.Notification {
	title := "Left " + ev.Region.Name
	body := "Visit tracking has been paused"
	if ev.Type == model.GeofenceEnter {
		title = "Arrived at " + ev.Region.Name
		body = "Tap to start your site visit"
	}
	return device.Notification{
		ID:      uuid.NewString(),
		Title:   title,
		Body:    body,
		Channel: NotificationChannel,
		Trigger: ev.Timestamp,
		Payload: map[string]string{
			"type":       "geofence",
			"event":      string(ev.Type),
			"regionId":   ev.Region.ID,
			"regionName": ev.Region.Name,
		},
	}
}

// StartMonitoring 申请定位权限, 启动高精度定位和定期重新评估
// 权限被拒绝或无法启动定位时返回 false
func (m *Monitor) StartMonitoring(ctx context.Context) bool {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.monitoring {
		return true
	}
	if m.geo == nil {
		m.logger.Warn("no geolocator, monitoring not started")
		return false
	}

	granted, err := m.permissions.RequestPermission(ctx)
	if err != nil || !granted {
		m.logger.Warn("location permission not granted", "error", err)
		return false
	}

	opts := model.WatchOptions{EnableHighAccuracy: true, Timeout: 10 * time.Second}
	id, err := m.geo.WatchPosition(opts, m.ProcessPosition, func(err error) {
		m.logger.Warn("position error", "error", err)
	})
	if err != nil {
		m.logger.Error("failed to start position watch", "error", err)
		return false
	}

	tickCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go m.recheckLoop(tickCtx, done)

	m.watchID = id
	m.cancel = cancel
	m.done = done
	m.monitoring = true
	m.logger.Info("geofence monitoring started", "regions", len(m.Regions()), "recheck", m.recheck)
	return true
}

func (m *Monitor) recheckLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.recheck)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.recheckLoopTick(ctx)
		}
	}
}

// recheckLoopTick 等待分发期间监控已停止时跳过评估
func (m *Monitor) recheckLoopTick(ctx context.Context) {
	m.dispatchMu.Lock()
	if ctx.Err() != nil {
		m.dispatchMu.Unlock()
		return
	}
	m.evaluate()
	m.dispatchMu.Unlock()
	m.persistIfDirty(ctx)
}

// Recheck 重新评估最后位置, 并重试失败的区域集合保存
func (m *Monitor) Recheck(ctx context.Context) {
	m.dispatchMu.Lock()
	m.evaluate()
	m.dispatchMu.Unlock()
	m.persistIfDirty(ctx)
}

func (m *Monitor) persistIfDirty(ctx context.Context) {
	m.mu.Lock()
	dirty := m.dirty
	m.mu.Unlock()
	if dirty {
		m.persist(ctx)
	}
}

// StopMonitoring 清除定位监听和重新评估定时器, 可重复调用
// 在监听器中调用时不等待重新评估协程, 该协程在下个周期退出
func (m *Monitor) StopMonitoring() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if !m.monitoring {
		return
	}
	m.geo.ClearWatch(m.watchID)
	m.cancel()
	if !m.delivering.Load() {
		<-m.done
	}
	m.monitoring = false
	m.cancel = nil
	m.done = nil
	m.logger.Info("geofence monitoring stopped")
}

func (m *Monitor) Monitoring() bool {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	return m.monitoring
}

// persist 保存完整的区域集合, 失败时保持 dirty, 由下次修改或重新评估重试
func (m *Monitor) persist(ctx context.Context) {
	if m.store == nil {
		return
	}
	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	m.mu.Lock()
	regions := m.sortedRegionsLocked()
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	if err := m.store.SaveDocument(ctx, storeNamespace, storeKey, regions); err != nil {
		m.logger.Error("failed to persist regions", "count", len(regions), "error", err)
		return
	}
	m.mu.Lock()
	m.dirty = false
	m.mu.Unlock()
}

// Dirty 返回区域集合是否有未保存的修改
func (m *Monitor) Dirty() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dirty
}
