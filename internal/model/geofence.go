package model

import "time"

// GeofenceRegion 圆形地理围栏
type GeofenceRegion struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Latitude      float64           `json:"latitude"`
	Longitude     float64           `json:"longitude"`
	Radius        float64           `json:"radius"`
	NotifyOnEntry bool              `json:"notify_on_entry"`
	NotifyOnExit  bool              `json:"notify_on_exit"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// GeofenceEventType 围栏事件类型
type GeofenceEventType string

const (
	GeofenceEnter GeofenceEventType = "enter"
	GeofenceExit  GeofenceEventType = "exit"
	GeofenceDwell GeofenceEventType = "dwell"
)

// GeofenceEvent 围栏事件
type GeofenceEvent struct {
	Type      GeofenceEventType `json:"type"`
	Region    GeofenceRegion    `json:"region"`
	Timestamp time.Time         `json:"timestamp"`
	Position  Position          `json:"position"`
}
