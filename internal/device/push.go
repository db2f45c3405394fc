package device

import (
	"sync"

	"github.com/geoyee/fieldops/internal/model"
)

// PushGeolocator 由进程外 (如 HTTP) 推送位置的 Geolocator, 每个监听都会收到所有位置
type PushGeolocator struct {
	mu      sync.Mutex
	nextID  WatchID
	watches map[WatchID]watch
}

type watch struct {
	opts       model.WatchOptions
	onPosition func(model.Position)
	onError    func(error)
}

func NewPushGeolocator() *PushGeolocator {
	return &PushGeolocator{watches: make(map[WatchID]watch)}
}

func (g *PushGeolocator) WatchPosition(opts model.WatchOptions, onPosition func(model.Position), onError func(error)) (WatchID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nextID++
	g.watches[g.nextID] = watch{opts: opts, onPosition: onPosition, onError: onError}
	return g.nextID, nil
}

func (g *PushGeolocator) ClearWatch(id WatchID) {
	g.mu.Lock()
	delete(g.watches, id)
	g.mu.Unlock()
}

// ActiveWatches 返回已注册的监听数
func (g *PushGeolocator) ActiveWatches() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.watches)
}

// Options 返回已注册监听的选项
func (g *PushGeolocator) Options(id WatchID) (model.WatchOptions, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	w, ok := g.watches[id]
	return w.opts, ok
}

// Push 将位置发送给所有监听, 回调在锁外执行, 可以增删监听
func (g *PushGeolocator) Push(pos model.Position) {
	for _, w := range g.snapshot() {
		if w.onPosition != nil {
			w.onPosition(pos)
		}
	}
}

// PushError 将定位错误发送给所有监听
func (g *PushGeolocator) PushError(err error) {
	for _, w := range g.snapshot() {
		if w.onError != nil {
			w.onError(err)
		}
	}
}

func (g *PushGeolocator) snapshot() []watch {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]watch, 0, len(g.watches))
	for _, w := range g.watches {
		out = append(out, w)
	}
	return out
}
