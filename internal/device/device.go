// Package device 定义与宿主设备的接口, 包括定位、权限、触觉反馈和本地通知
package device

import (
	"context"
	"errors"
	"time"

	"github.com/geoyee/fieldops/internal/model"
)

// ErrPermissionDenied 用户拒绝定位权限
var ErrPermissionDenied = errors.New("location permission denied")

// WatchID 定位监听的标识
type WatchID int64

// Geolocator 持续推送设备位置直到监听被清除
type Geolocator interface {
	WatchPosition(opts model.WatchOptions, onPosition func(model.Position), onError func(error)) (WatchID, error)
	ClearWatch(id WatchID)
}

// PermissionRequester 向宿主申请定位权限
type PermissionRequester interface {
	RequestPermission(ctx context.Context) (bool, error)
}

// HapticKind 触觉反馈类型
type HapticKind string

const (
	HapticNotification HapticKind = "notification"
	HapticWarning      HapticKind = "warning"
	HapticSuccess      HapticKind = "success"
)

// Haptics 触发触觉反馈
type Haptics interface {
	Trigger(kind HapticKind)
}

// Notification 本地通知请求
type Notification struct {
	ID      string
	Title   string
	Body    string
	Channel string
	Trigger time.Time
	Payload map[string]string
}

// Notifier 发送本地通知, 实现不能阻塞, 错误自行处理
type Notifier interface {
	Schedule(n Notification)
}

// AllowAll 无条件授予定位权限, 用于没有权限模型的宿主
type AllowAll struct{}

func (AllowAll) RequestPermission(context.Context) (bool, error) { return true, nil }
