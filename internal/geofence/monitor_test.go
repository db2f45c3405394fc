package geofence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geoyee/fieldops/internal/device"
	"github.com/geoyee/fieldops/internal/model"
	"github.com/geoyee/fieldops/internal/storage"
)

type fakeHaptics struct {
	mu    sync.Mutex
	kinds []device.HapticKind
}

func (h *fakeHaptics) Trigger(kind device.HapticKind) {
	h.mu.Lock()
	h.kinds = append(h.kinds, kind)
	h.mu.Unlock()
}

type fakeNotifier struct {
	mu    sync.Mutex
	notes []device.Notification
}

func (n *fakeNotifier) Schedule(note device.Notification) {
	n.mu.Lock()
	n.notes = append(n.notes, note)
	n.mu.Unlock()
}

type denyAll struct{ err error }

func (d denyAll) RequestPermission(context.Context) (bool, error) { return false, d.err }

// flakyStore 在 failing 置位时 SaveDocument 返回错误
type flakyStore struct {
	*storage.MemoryStore
	mu      sync.Mutex
	failing bool
	saves   int
}

func (f *flakyStore) SaveDocument(ctx context.Context, ns, key string, v any) error {
	f.mu.Lock()
	f.saves++
	failing := f.failing
	f.mu.Unlock()
	if failing {
		return storage.NewStorageError("SaveDocument", ns+"/"+key, errors.New("disk full"))
	}
	return f.MemoryStore.SaveDocument(ctx, ns, key, v)
}

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

type fixture struct {
	monitor  *Monitor
	geo      *device.PushGeolocator
	haptics  *fakeHaptics
	notifier *fakeNotifier
	store    *storage.MemoryStore
	clock    *testClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		geo:      device.NewPushGeolocator(),
		haptics:  &fakeHaptics{},
		notifier: &fakeNotifier{},
		store:    storage.NewMemoryStore(),
		clock:    &testClock{now: t0},
	}
	f.monitor = NewMonitor(Options{
		Geolocator:      f.geo,
		Haptics:         f.haptics,
		Notifier:        f.notifier,
		Store:           f.store,
		RecheckInterval: time.Hour,
		Clock:           f.clock.Now,
	})
	t.Cleanup(f.monitor.StopMonitoring)
	return f
}

func TestAddRegionValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.ErrorIs(t, f.monitor.AddRegion(ctx, model.GeofenceRegion{ID: "x", Radius: 0}), ErrInvalidRegion)
	assert.ErrorIs(t, f.monitor.AddRegion(ctx, model.GeofenceRegion{ID: "x", Radius: -5}), ErrInvalidRegion)
	assert.ErrorIs(t, f.monitor.AddRegion(ctx, model.GeofenceRegion{Radius: 10}), ErrInvalidRegion)
	assert.Empty(t, f.monitor.Regions())
}

func TestRegionsPersistAcrossMonitors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.monitor.AddRegion(ctx, site("b", 50)))
	require.NoError(t, f.monitor.AddRegion(ctx, site("a", 80)))
	assert.True(t, f.monitor.RemoveRegion(ctx, "b"))
	assert.False(t, f.monitor.RemoveRegion(ctx, "b"))

	restored := NewMonitor(Options{Store: f.store})
	require.NoError(t, restored.Load(ctx))
	regions := restored.Regions()
	require.Len(t, regions, 1)
	assert.Equal(t, "a", regions[0].ID)
	assert.False(t, restored.IsInsideRegion("a"))

	f.monitor.ClearAll(ctx)
	empty := NewMonitor(Options{Store: f.store})
	require.NoError(t, empty.Load(ctx))
	assert.Empty(t, empty.Regions())
}

func TestPersistFailureIsRetried(t *testing.T) {
	store := &flakyStore{MemoryStore: storage.NewMemoryStore(), failing: true}
	m := NewMonitor(Options{Store: store})
	ctx := context.Background()

	require.NoError(t, m.AddRegion(ctx, site("a", 100)))
	assert.True(t, m.Dirty())
	_, ok := m.Region("a")
	assert.True(t, ok, "in-memory state stays authoritative")

	store.mu.Lock()
	store.failing = false
	store.mu.Unlock()
	m.Recheck(ctx)
	assert.False(t, m.Dirty())

	var saved []model.GeofenceRegion
	found, err := store.LoadDocument(ctx, "geofence", "regions", &saved)
	require.NoError(t, err)
	require.True(t, found)
	assert.Len(t, saved, 1)
}

func TestStartMonitoringPermissionDenied(t *testing.T) {
	g := device.NewPushGeolocator()
	m := NewMonitor(Options{Geolocator: g, Permissions: denyAll{}})
	assert.False(t, m.StartMonitoring(context.Background()))
	assert.Equal(t, 0, g.ActiveWatches())

	m = NewMonitor(Options{Geolocator: g, Permissions: denyAll{err: device.ErrPermissionDenied}})
	assert.False(t, m.StartMonitoring(context.Background()))
	assert.False(t, m.Monitoring())
}

func TestMonitoringEffects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	quiet := site("quiet", 100)
	quiet.Latitude += 1
	loud := site("loud", 100)
	loud.NotifyOnEntry = true
	loud.NotifyOnExit = true
	require.NoError(t, f.monitor.AddRegion(ctx, loud))
	require.NoError(t, f.monitor.AddRegion(ctx, quiet))

	var events []model.GeofenceEvent
	unsubscribe := f.monitor.OnEvent(func(e model.GeofenceEvent) { events = append(events, e) })
	defer unsubscribe()

	require.True(t, f.monitor.StartMonitoring(ctx))
	require.True(t, f.monitor.StartMonitoring(ctx))
	assert.Equal(t, 1, f.geo.ActiveWatches())

	f.geo.Push(at(loud, 10))
	f.geo.Push(at(quiet, 10))

	assert.Equal(t, []model.GeofenceEventType{
		model.GeofenceEnter, model.GeofenceExit, model.GeofenceEnter,
	}, eventTypes(events))
	assert.Equal(t, []device.HapticKind{
		device.HapticNotification, device.HapticWarning, device.HapticNotification,
	}, f.haptics.kinds)

	// 只有设置了通知标志的区域会发送通知
	require.Len(t, f.notifier.notes, 2)
	enter := f.notifier.notes[0]
	assert.Equal(t, "Arrived at Site loud", enter.Title)
	assert.Equal(t, "Tap to start your site visit", enter.Body)
	assert.Equal(t, NotificationChannel, enter.Channel)
	assert.Equal(t, map[string]string{
		"type": "geofence", "event": "enter", "regionId": "loud", "regionName": "Site loud",
	}, enter.Payload)
	assert.Equal(t, "Left Site loud", f.notifier.notes[1].Title)
	assert.Equal(t, "Visit tracking has been paused", f.notifier.notes[1].Body)

	assert.True(t, f.monitor.IsInsideRegion("quiet"))
	assert.Equal(t, []model.GeofenceRegion{quiet}, f.monitor.ActiveRegions())

	f.monitor.StopMonitoring()
	f.monitor.StopMonitoring()
	assert.Equal(t, 0, f.geo.ActiveWatches())
	assert.False(t, f.monitor.Monitoring())
}

func TestRecheckFiresDwellWithoutNewFixes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := site("a", 100)
	require.NoError(t, f.monitor.AddRegion(ctx, r))

	var dwells int
	f.monitor.OnEvent(func(e model.GeofenceEvent) {
		if e.Type == model.GeofenceDwell {
			dwells++
		}
	})

	f.monitor.ProcessPosition(at(r, 5))
	for i := 0; i < 10; i++ {
		f.clock.Advance(15 * time.Second)
		f.monitor.Recheck(ctx)
	}
	// 以 15 秒间隔在区域内停留 150 秒
	assert.Equal(t, 2, dwells)
}

func TestRegionAddedMidSessionIsEvaluatedOnRecheck(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := site("late", 100)

	f.monitor.ProcessPosition(at(r, 5))
	assert.False(t, f.monitor.IsInsideRegion("late"))

	require.NoError(t, f.monitor.AddRegion(ctx, r))
	f.monitor.Recheck(ctx)
	assert.True(t, f.monitor.IsInsideRegion("late"))
}

func TestDistanceAndNearby(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	base := site("base", 50)
	require.NoError(t, f.monitor.AddRegion(ctx, base))

	_, ok := f.monitor.DistanceToRegion("base")
	assert.False(t, ok, "no position yet")
	assert.Nil(t, f.monitor.NearbyRegions(1000))

	far := base
	far.ID = "far"
	far.Latitude, far.Longitude = at(base, 800).Latitude, at(base, 800).Longitude
	mid := base
	mid.ID = "mid"
	mid.Latitude, mid.Longitude = at(base, 300).Latitude, at(base, 300).Longitude
	require.NoError(t, f.monitor.AddRegion(ctx, far))
	require.NoError(t, f.monitor.AddRegion(ctx, mid))

	f.monitor.ProcessPosition(at(base, 0))

	d, ok := f.monitor.DistanceToRegion("mid")
	require.True(t, ok)
	assert.InDelta(t, 300, d, 1)
	_, ok = f.monitor.DistanceToRegion("missing")
	assert.False(t, ok)

	nearby := f.monitor.NearbyRegions(500)
	require.Len(t, nearby, 2)
	assert.Equal(t, "base", nearby[0].Region.ID)
	assert.Equal(t, "mid", nearby[1].Region.ID)
	assert.Len(t, f.monitor.NearbyRegions(1000), 3)
}

func TestCreateSiteRegion(t *testing.T) {
	f := newFixture(t)
	region, err := f.monitor.CreateSiteRegion(context.Background(), "42", "Clinic", 9.05, 7.49, 0)
	require.NoError(t, err)

	assert.Equal(t, "site_42", region.ID)
	assert.Equal(t, DefaultSiteRadius, region.Radius)
	assert.True(t, region.NotifyOnEntry)
	assert.True(t, region.NotifyOnExit)
	assert.Equal(t, map[string]string{"siteId": "42", "type": "site"}, region.Metadata)

	stored, ok := f.monitor.Region("site_42")
	require.True(t, ok)
	assert.Equal(t, region, stored)
}

func TestRemoveRegionDropsState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := site("a", 100)
	require.NoError(t, f.monitor.AddRegion(ctx, r))
	f.monitor.ProcessPosition(at(r, 0))
	require.True(t, f.monitor.IsInsideRegion("a"))

	f.monitor.RemoveRegion(ctx, "a")
	assert.False(t, f.monitor.IsInsideRegion("a"))

	// 重新添加后状态清空, 再次进入
	var events []model.GeofenceEvent
	f.monitor.OnEvent(func(e model.GeofenceEvent) { events = append(events, e) })
	require.NoError(t, f.monitor.AddRegion(ctx, r))
	f.monitor.ProcessPosition(at(r, 0))
	assert.Equal(t, []model.GeofenceEventType{model.GeofenceEnter}, eventTypes(events))
}

func TestConcurrentEvaluationKeepsEnterExitOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := site("a", 100)
	require.NoError(t, f.monitor.AddRegion(ctx, r))

	var mu sync.Mutex
	var types []model.GeofenceEventType
	f.monitor.OnEvent(func(e model.GeofenceEvent) {
		mu.Lock()
		types = append(types, e.Type)
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(2)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				distance := 0.0
				if (i+w)%2 == 1 {
					distance = 500
				}
				f.monitor.ProcessPosition(at(r, distance))
			}
		}(w)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				f.monitor.Recheck(ctx)
			}
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, types)
	for i, typ := range types {
		want := model.GeofenceEnter
		if i%2 == 1 {
			want = model.GeofenceExit
		}
		require.Equal(t, want, typ, "event %d", i)
	}
	if f.monitor.IsInsideRegion("a") {
		assert.Equal(t, model.GeofenceEnter, types[len(types)-1])
	} else {
		assert.Equal(t, model.GeofenceExit, types[len(types)-1])
	}
}

func TestListenerMayStopMonitoring(t *testing.T) {
	ctx := context.Background()
	r := site("a", 100)

	f := newFixture(t)
	require.NoError(t, f.monitor.AddRegion(ctx, r))
	f.monitor.OnEvent(func(model.GeofenceEvent) { f.monitor.StopMonitoring() })
	require.True(t, f.monitor.StartMonitoring(ctx))
	f.geo.Push(at(r, 0))
	assert.False(t, f.monitor.Monitoring())
	assert.Equal(t, 0, f.geo.ActiveWatches())
}

func TestDwellListenerMayStopMonitoringFromRecheck(t *testing.T) {
	ctx := context.Background()
	r := site("a", 100)
	g := device.NewPushGeolocator()
	m := NewMonitor(Options{
		Geolocator:      g,
		DwellThreshold:  time.Millisecond,
		RecheckInterval: 10 * time.Millisecond,
	})
	t.Cleanup(m.StopMonitoring)
	require.NoError(t, m.AddRegion(ctx, r))
	m.OnEvent(func(e model.GeofenceEvent) {
		if e.Type == model.GeofenceDwell {
			m.StopMonitoring()
		}
	})

	require.True(t, m.StartMonitoring(ctx))
	g.Push(at(r, 0))
	assert.Eventually(t, func() bool { return !m.Monitoring() }, 5*time.Second, 10*time.Millisecond)
}
