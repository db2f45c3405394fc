package sampler

import (
	"time"

	"github.com/geoyee/fieldops/internal/model"
)

// RecommendedMode 选择采样模式: 手动设置优先, 电量未知时为 Balanced, 充电时为 HighAccuracy
func RecommendedMode(status *model.BatteryStatus, override *model.SamplingMode) model.SamplingMode {
	if override != nil {
		return *override
	}
	if status == nil {
		return model.ModeBalanced
	}
	if status.IsCharging {
		return model.ModeHighAccuracy
	}
	switch {
	case status.Level >= 80:
		return model.ModeHighAccuracy
	case status.Level >= 50:
		return model.ModeBalanced
	case status.Level >= 20:
		return model.ModePowerSaver
	default:
		return model.ModeUltraSaver
	}
}

var modeConfigs = map[model.SamplingMode]model.LocationConfig{
	model.ModeHighAccuracy: {
		EnableHighAccuracy: true,
		Timeout:            10 * time.Second,
		MaximumAge:         0,
		MinInterval:        5 * time.Second,
		MinDisplacement:    5,
	},
	model.ModeBalanced: {
		EnableHighAccuracy: true,
		Timeout:            15 * time.Second,
		MaximumAge:         10 * time.Second,
		MinInterval:        15 * time.Second,
		MinDisplacement:    10,
	},
	model.ModePowerSaver: {
		EnableHighAccuracy: false,
		Timeout:            30 * time.Second,
		MaximumAge:         30 * time.Second,
		MinInterval:        30 * time.Second,
		MinDisplacement:    25,
	},
	model.ModeUltraSaver: {
		EnableHighAccuracy: false,
		Timeout:            60 * time.Second,
		MaximumAge:         60 * time.Second,
		MinInterval:        60 * time.Second,
		MinDisplacement:    50,
	},
}

// ConfigFor 返回模式的采样参数, 未知模式使用 Balanced 参数
func ConfigFor(mode model.SamplingMode) model.LocationConfig {
	if cfg, ok := modeConfigs[mode]; ok {
		return cfg
	}
	return modeConfigs[model.ModeBalanced]
}

// ModeDescription 面向用户的模式说明
type ModeDescription struct {
	Name          string `json:"name"`
	Description   string `json:"description"`
	BatteryImpact string `json:"battery_impact"`
	Accuracy      string `json:"accuracy"`
}

var modeDescriptions = map[model.SamplingMode]ModeDescription{
	model.ModeHighAccuracy: {"High Accuracy", "Best GPS accuracy, updates every 5 seconds. Uses more battery.", "high", "highest"},
	model.ModeBalanced:     {"Balanced", "Good accuracy with moderate battery usage. Updates every 15 seconds.", "medium", "high"},
	model.ModePowerSaver:   {"Power Saver", "Reduced accuracy to save battery. Updates every 30 seconds.", "low", "medium"},
	model.ModeUltraSaver:   {"Ultra Saver", "Minimal location updates to maximize battery. Updates every 60 seconds.", "minimal", "low"},
}

func DescribeMode(mode model.SamplingMode) ModeDescription {
	if d, ok := modeDescriptions[mode]; ok {
		return d
	}
	return modeDescriptions[model.ModeBalanced]
}

var usagePerHour = map[model.SamplingMode]float64{
	model.ModeHighAccuracy: 8,
	model.ModeBalanced:     4,
	model.ModePowerSaver:   2,
	model.ModeUltraSaver:   1,
}

// EstimatedBatteryUsage 返回指定小时数内预计的耗电百分比
func EstimatedBatteryUsage(mode model.SamplingMode, hours float64) float64 {
	return usagePerHour[mode] * hours
}
