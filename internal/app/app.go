// Package app 根据配置组装 fieldops 各组件并管理其生命周期
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/go-hclog"

	"github.com/geoyee/fieldops/internal/battery"
	"github.com/geoyee/fieldops/internal/client"
	"github.com/geoyee/fieldops/internal/config"
	"github.com/geoyee/fieldops/internal/device"
	"github.com/geoyee/fieldops/internal/download"
	"github.com/geoyee/fieldops/internal/geofence"
	"github.com/geoyee/fieldops/internal/model"
	"github.com/geoyee/fieldops/internal/publish"
	"github.com/geoyee/fieldops/internal/sampler"
	"github.com/geoyee/fieldops/internal/storage"
	"github.com/geoyee/fieldops/internal/tilecache"
)

// App 已组装的组件
//
// 设备原始位置推送到 RawPositions, 由采样器过滤后,
// 通过围栏自己的定位源交给围栏监控, 同时交给发布器
type App struct {
	Config *config.Config
	Logger hclog.Logger

	Store      storage.TileStore
	Cache      *tilecache.Cache
	Client     *client.HTTPClient
	Downloader *download.Downloader

	RawPositions *device.PushGeolocator
	Battery      *battery.WebProvider
	Sampler      *sampler.Sampler
	Geofence     *geofence.Monitor
	Publisher    *publish.Publisher

	accepted    *device.PushGeolocator
	unsubscribe func()
	closers     []func() error
}

// New 打开存储并创建所有组件, 不启动任何组件
func New(ctx context.Context, cfg *config.Config, logger hclog.Logger) (*App, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	a := &App{Config: cfg, Logger: logger}

	store, err := openStore(cfg.Storage)
	if err != nil {
		return nil, err
	}
	a.Store = store
	if c, ok := store.(interface{ Close() error }); ok {
		a.closers = append(a.closers, c.Close)
	}

	var docs storage.DocumentStore = store
	if cfg.Storage.RegionsDir != "" {
		fs, err := storage.NewJSONFileStore(cfg.Storage.RegionsDir)
		if err != nil {
			a.Close()
			return nil, err
		}
		docs = fs
	}

	a.Client = client.NewHTTPClient(cfg.HTTPClient(), logger)
	a.closers = append(a.closers, func() error { a.Client.Close(); return nil })

	a.Cache = tilecache.New(tilecache.Options{
		Store:           store,
		Fetcher:         a.Client,
		QuotaBytes:      cfg.QuotaBytes(),
		TTL:             cfg.TTL(),
		CleanupInterval: cfg.CleanupInterval(),
		Layers:          cfg.Cache.Layers,
		Logger:          logger,
	})
	a.Downloader = download.NewDownloader(a.Cache, download.Options{
		Workers:     cfg.Download.Workers,
		TileTimeout: cfg.TileTimeout(),
		Retries:     cfg.Download.Retries,
		RateLimit:   cfg.Download.RateLimit,
		Logger:      logger,
	})

	a.RawPositions = device.NewPushGeolocator()
	a.accepted = device.NewPushGeolocator()

	provider, err := a.batteryProvider()
	if err != nil && !errors.Is(err, battery.ErrCapabilityUnavailable) {
		a.Close()
		return nil, err
	}
	a.Sampler = sampler.New(sampler.Options{
		Geolocator: a.RawPositions,
		Battery:    provider,
		Logger:     logger,
	})

	notifyLogger := logger.Named("device")
	a.Geofence = geofence.NewMonitor(geofence.Options{
		Geolocator:      a.accepted,
		Haptics:         device.LogHaptics{Logger: notifyLogger},
		Notifier:        device.LogNotifier{Logger: notifyLogger},
		Store:           docs,
		DwellThreshold:  cfg.DwellThreshold(),
		RecheckInterval: cfg.RecheckInterval(),
		Logger:          logger,
	})
	if err := a.Geofence.Load(ctx); err != nil {
		logger.Warn("failed to load geofence regions, starting empty", "error", err)
	}

	a.Publisher, err = publish.NewPublisher(publish.Config{
		Brokers:  cfg.Kafka.Brokers,
		Topic:    cfg.Kafka.Topic,
		DeviceID: cfg.Kafka.DeviceID,
	}, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.closers = append(a.closers, a.Publisher.Close)
	return a, nil
}

func openStore(cfg config.StorageConfig) (storage.TileStore, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return storage.NewMemoryStore(), nil
	case storage.DriverModernc, storage.DriverCGO:
		return storage.OpenSQLite(cfg.Driver, cfg.Path)
	}
	return nil, fmt.Errorf("%w: unknown storage driver %q", config.ErrInvalidConfig, cfg.Driver)
}

func (a *App) batteryProvider() (battery.Provider, error) {
	interval := a.Config.BatteryPollInterval()
	switch a.Config.Battery.Source {
	case config.BatterySourcePush:
		a.Battery = battery.NewWebProvider()
		return battery.Select(a.Battery, nil, interval, a.Logger)
	case config.BatterySourceSysfs:
		return battery.Select(nil, battery.NewSysfsQuerier(a.Config.Battery.SysfsRoot), interval, a.Logger)
	}
	return battery.Select(nil, nil, interval, a.Logger)
}

// StartTracking 启动采样和围栏监控并连接到发布器
func (a *App) StartTracking(ctx context.Context) error {
	if !a.Geofence.StartMonitoring(ctx) {
		return errors.New("geofence monitoring could not start")
	}
	a.unsubscribe = a.Geofence.OnEvent(func(ev model.GeofenceEvent) {
		if err := a.Publisher.PublishEvent(ev); err != nil {
			a.Logger.Warn("failed to publish geofence event", "region", ev.Region.ID, "error", err)
		}
	})
	err := a.Sampler.Start(func(pos model.Position) {
		a.accepted.Push(pos)
		if err := a.Publisher.PublishPosition(pos); err != nil {
			a.Logger.Warn("failed to publish position", "error", err)
		}
	}, func(err error) {
		a.accepted.PushError(err)
	})
	if err != nil {
		a.unsubscribe()
		a.Geofence.StopMonitoring()
		return err
	}
	return nil
}

// StopTracking 撤销 StartTracking, 可重复调用
func (a *App) StopTracking() {
	a.Sampler.Stop()
	a.Geofence.StopMonitoring()
	if a.unsubscribe != nil {
		a.unsubscribe()
		a.unsubscribe = nil
	}
}

// Close 停止跟踪并按获取的逆序释放资源
func (a *App) Close() error {
	if a.Sampler != nil {
		a.StopTracking()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
