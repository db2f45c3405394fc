package model

import "time"

// Position 设备定位结果
type Position struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Accuracy  float64   `json:"accuracy,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// BatteryStatus 电池状态, Level 取值 0-100
type BatteryStatus struct {
	Level           int            `json:"level"`
	IsCharging      bool           `json:"is_charging"`
	ChargingTime    *time.Duration `json:"charging_time,omitempty"`
	DischargingTime *time.Duration `json:"discharging_time,omitempty"`
}

// SamplingMode 采样模式
type SamplingMode string

const (
	ModeHighAccuracy SamplingMode = "high_accuracy"
	ModeBalanced     SamplingMode = "balanced"
	ModePowerSaver   SamplingMode = "power_saver"
	ModeUltraSaver   SamplingMode = "ultra_saver"
)

// Valid 判断模式是否合法
func (m SamplingMode) Valid() bool {
	switch m {
	case ModeHighAccuracy, ModeBalanced, ModePowerSaver, ModeUltraSaver:
		return true
	}
	return false
}

// LocationConfig 采样参数
type LocationConfig struct {
	EnableHighAccuracy bool          `json:"enable_high_accuracy"`
	Timeout            time.Duration `json:"timeout"`
	MaximumAge         time.Duration `json:"maximum_age"`
	MinInterval        time.Duration `json:"min_interval"`
	MinDisplacement    float64       `json:"min_displacement"`
}

// WatchOptions 返回传给设备定位接口的参数
func (c LocationConfig) WatchOptions() WatchOptions {
	return WatchOptions{
		EnableHighAccuracy: c.EnableHighAccuracy,
		Timeout:            c.Timeout,
		MaximumAge:         c.MaximumAge,
	}
}

// WatchOptions 设备定位监听参数
type WatchOptions struct {
	EnableHighAccuracy bool
	Timeout            time.Duration
	MaximumAge         time.Duration
}
