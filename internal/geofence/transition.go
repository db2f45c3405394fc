// Package geofence 监控圆形区域, 根据位置产生进入、离开和停留事件
package geofence

import (
	"sort"
	"time"

	"github.com/geoyee/fieldops/internal/geo"
	"github.com/geoyee/fieldops/internal/model"
)

// DefaultDwellThreshold 触发停留事件前需在区域内停留的时长
const DefaultDwellThreshold = 60 * time.Second

// RegionState 单个区域的派生内存状态
type RegionState struct {
	Inside    bool
	EnteredAt time.Time
	// DwellAnchor 进入或上次停留事件的时间
	DwellAnchor time.Time
}

// State 区域 ID 到派生状态的映射
type State map[string]RegionState

// Contains 判断 pos 是否在区域内 (含边界)
func Contains(region model.GeofenceRegion, pos model.Position) bool {
	return geo.Distance(pos.Latitude, pos.Longitude, region.Latitude, region.Longitude) <= region.Radius
}

// Evaluate 根据一个位置计算下一状态和产生的事件
// 区域按 ID 顺序处理, 已不存在的区域状态会被丢弃
// now 距锚点不少于 dwell 时触发停留并把锚点移到 now, 每次调用每个区域最多一个停留事件
// dwell 不为正时不产生停留事件
func Evaluate(regions []model.GeofenceRegion, pos model.Position, now time.Time, prior State, dwell time.Duration) (State, []model.GeofenceEvent) {
	ordered := make([]model.GeofenceRegion, len(regions))
	copy(ordered, regions)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ID < ordered[j].ID })

	next := make(State, len(ordered))
	var events []model.GeofenceEvent
	for _, region := range ordered {
		st, ev := step(region, pos, now, prior[region.ID], dwell)
		next[region.ID] = st
		if ev != nil {
			events = append(events, *ev)
		}
	}
	return next, events
}

func step(region model.GeofenceRegion, pos model.Position, now time.Time, prev RegionState, dwell time.Duration) (RegionState, *model.GeofenceEvent) {
	inside := Contains(region, pos)
	switch {
	case inside && !prev.Inside:
		return RegionState{Inside: true, EnteredAt: now, DwellAnchor: now}, newEvent(model.GeofenceEnter, region, pos, now)
	case inside && prev.Inside:
		if dwell > 0 && now.Sub(prev.DwellAnchor) >= dwell {
			prev.DwellAnchor = now
			return prev, newEvent(model.GeofenceDwell, region, pos, now)
		}
		return prev, nil
	case !inside && prev.Inside:
		return RegionState{}, newEvent(model.GeofenceExit, region, pos, now)
	default:
		return RegionState{}, nil
	}
}

func newEvent(kind model.GeofenceEventType, region model.GeofenceRegion, pos model.Position, now time.Time) *model.GeofenceEvent {
	return &model.GeofenceEvent{Type: kind, Region: region, Timestamp: now, Position: pos}
}
