package battery

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/geoyee/fieldops/internal/model"
)

// DefaultSysfsRoot Linux 电源信息目录
const DefaultSysfsRoot = "/sys/class/power_supply"

// SysfsQuerier 读取 power_supply 目录下找到的第一块电池
type SysfsQuerier struct {
	Root string
}

func NewSysfsQuerier(root string) *SysfsQuerier {
	if root == "" {
		root = DefaultSysfsRoot
	}
	return &SysfsQuerier{Root: root}
}

func (s *SysfsQuerier) Available() bool {
	_, err := s.batteryDir()
	return err == nil
}

func (s *SysfsQuerier) Query(ctx context.Context) (model.BatteryStatus, error) {
	if err := ctx.Err(); err != nil {
		return model.BatteryStatus{}, err
	}
	dir, err := s.batteryDir()
	if err != nil {
		return model.BatteryStatus{}, err
	}
	capacity, err := readInt(filepath.Join(dir, "capacity"))
	if err != nil {
		return model.BatteryStatus{}, fmt.Errorf("read capacity: %w", err)
	}
	status := model.BatteryStatus{Level: int(capacity)}

	state, _ := readString(filepath.Join(dir, "status"))
	switch state {
	case "Charging", "Full":
		status.IsCharging = true
	}
	if secs, err := readInt(filepath.Join(dir, "time_to_empty_now")); err == nil && !status.IsCharging {
		d := time.Duration(secs) * time.Second
		status.DischargingTime = &d
	}
	if secs, err := readInt(filepath.Join(dir, "time_to_full_now")); err == nil && status.IsCharging {
		d := time.Duration(secs) * time.Second
		status.ChargingTime = &d
	}
	return status, nil
}

func (s *SysfsQuerier) batteryDir() (string, error) {
	entries, err := os.ReadDir(s.Root)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCapabilityUnavailable, err)
	}
	for _, e := range entries {
		dir := filepath.Join(s.Root, e.Name())
		kind, err := readString(filepath.Join(dir, "type"))
		if err == nil && kind == "Battery" {
			return dir, nil
		}
	}
	return "", ErrCapabilityUnavailable
}

func readString(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

func readInt(path string) (int64, error) {
	s, err := readString(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(s, 10, 64)
}
