package geofence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geoyee/fieldops/internal/geo"
	"github.com/geoyee/fieldops/internal/model"
)

var t0 = time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)

func site(id string, radius float64) model.GeofenceRegion {
	return model.GeofenceRegion{ID: id, Name: "Site " + id, Latitude: 9.0579, Longitude: 7.4951, Radius: radius}
}

// at 返回区域中心以东 distance 米处的位置
func at(r model.GeofenceRegion, distance float64) model.Position {
	lat, lon := geo.Offset(r.Latitude, r.Longitude, distance, 90)
	return model.Position{Latitude: lat, Longitude: lon}
}

func eventTypes(events []model.GeofenceEvent) []model.GeofenceEventType {
	out := make([]model.GeofenceEventType, 0, len(events))
	for _, e := range events {
		out = append(out, e.Type)
	}
	return out
}

func TestContainsBoundary(t *testing.T) {
	for _, radius := range []float64{10, 100, 2500} {
		r := site("a", radius)
		assert.True(t, Contains(r, at(r, radius-0.5)), "radius %v inside", radius)
		assert.False(t, Contains(r, at(r, radius+0.5)), "radius %v outside", radius)
		assert.True(t, Contains(r, at(r, 0)))
	}
}

func TestEvaluateAlternatesEnterExit(t *testing.T) {
	r := site("a", 100)
	regions := []model.GeofenceRegion{r}
	distances := []float64{500, 50, 60, 400, 10, 300, 301, 20, 500}

	state := State{}
	var all []model.GeofenceEvent
	now := t0
	for _, d := range distances {
		var events []model.GeofenceEvent
		state, events = Evaluate(regions, at(r, d), now, state, time.Hour)
		all = append(all, events...)
		now = now.Add(time.Second)
	}

	// 三次进入, 三次离开
	require.Len(t, all, 6)
	for i, ev := range all {
		want := model.GeofenceEnter
		if i%2 == 1 {
			want = model.GeofenceExit
		}
		assert.Equal(t, want, ev.Type, "event %d", i)
	}
}

func TestEvaluateEnterRecordsEntryTime(t *testing.T) {
	r := site("a", 100)
	state, events := Evaluate([]model.GeofenceRegion{r}, at(r, 0), t0, nil, DefaultDwellThreshold)
	require.Len(t, events, 1)
	assert.Equal(t, t0, events[0].Timestamp)
	assert.Equal(t, r, events[0].Region)
	assert.True(t, state["a"].Inside)
	assert.Equal(t, t0, state["a"].EnteredAt)

	state, events = Evaluate([]model.GeofenceRegion{r}, at(r, 200), t0.Add(time.Second), state, DefaultDwellThreshold)
	assert.Equal(t, []model.GeofenceEventType{model.GeofenceExit}, eventTypes(events))
	assert.False(t, state["a"].Inside)
	assert.True(t, state["a"].EnteredAt.IsZero())
}

func TestEvaluateDwellEveryThreshold(t *testing.T) {
	r := site("a", 100)
	regions := []model.GeofenceRegion{r}

	state := State{}
	var dwellAt []time.Duration
	for elapsed := time.Duration(0); elapsed <= 150*time.Second; elapsed += 15 * time.Second {
		var events []model.GeofenceEvent
		state, events = Evaluate(regions, at(r, 10), t0.Add(elapsed), state, 60*time.Second)
		for _, e := range events {
			if e.Type == model.GeofenceDwell {
				dwellAt = append(dwellAt, elapsed)
			}
		}
	}
	assert.Equal(t, []time.Duration{60 * time.Second, 120 * time.Second}, dwellAt)
}

func TestEvaluateNoDwellWhenExitedFirst(t *testing.T) {
	r := site("a", 100)
	regions := []model.GeofenceRegion{r}

	state, _ := Evaluate(regions, at(r, 10), t0, nil, time.Minute)
	state, _ = Evaluate(regions, at(r, 10), t0.Add(30*time.Second), state, time.Minute)
	state, events := Evaluate(regions, at(r, 500), t0.Add(45*time.Second), state, time.Minute)
	assert.Equal(t, []model.GeofenceEventType{model.GeofenceExit}, eventTypes(events))

	_, events = Evaluate(regions, at(r, 500), t0.Add(5*time.Minute), state, time.Minute)
	assert.Empty(t, events)
}

func TestEvaluateSingleDwellPerCall(t *testing.T) {
	r := site("a", 100)
	state, _ := Evaluate([]model.GeofenceRegion{r}, at(r, 0), t0, nil, time.Minute)

	// 间隔很长时也只产生一次停留
	state, events := Evaluate([]model.GeofenceRegion{r}, at(r, 0), t0.Add(10*time.Minute), state, time.Minute)
	assert.Equal(t, []model.GeofenceEventType{model.GeofenceDwell}, eventTypes(events))
	assert.Equal(t, t0.Add(10*time.Minute), state["a"].DwellAnchor)
	assert.Equal(t, t0, state["a"].EnteredAt)
}

func TestEvaluateOrdersByIDAndDropsRemoved(t *testing.T) {
	b := site("b", 100)
	a := site("a", 100)
	prior := State{"gone": {Inside: true, EnteredAt: t0}}

	state, events := Evaluate([]model.GeofenceRegion{b, a}, at(a, 0), t0, prior, time.Minute)
	require.Len(t, events, 2)
	assert.Equal(t, "a", events[0].Region.ID)
	assert.Equal(t, "b", events[1].Region.ID)
	_, ok := state["gone"]
	assert.False(t, ok)
}

func TestEvaluateDoesNotMutatePrior(t *testing.T) {
	r := site("a", 100)
	prior := State{}
	_, _ = Evaluate([]model.GeofenceRegion{r}, at(r, 0), t0, prior, time.Minute)
	assert.Empty(t, prior)
}
