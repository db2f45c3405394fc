package device

import (
	"github.com/hashicorp/go-hclog"
)

// LogNotifier 将通知写入日志, 用于无界面的宿主
type LogNotifier struct {
	Logger hclog.Logger
}

func (n LogNotifier) Schedule(note Notification) {
	if n.Logger == nil {
		return
	}
	n.Logger.Info("notification",
		"id", note.ID,
		"channel", note.Channel,
		"title", note.Title,
		"body", note.Body,
		"payload", note.Payload)
}

// LogHaptics 以 debug 级别记录触觉反馈
type LogHaptics struct {
	Logger hclog.Logger
}

func (h LogHaptics) Trigger(kind HapticKind) {
	if h.Logger == nil {
		return
	}
	h.Logger.Debug("haptic feedback", "kind", kind)
}
