package util

import (
	"sort"
	"strings"
	"sync"
)

// ErrorStats 错误统计
type ErrorStats struct {
	errors map[string]int
	mu     sync.RWMutex
}

// NewErrorStats 创建错误统计
func NewErrorStats() *ErrorStats {
	return &ErrorStats{
		errors: make(map[string]int),
	}
}

// RecordError 记录错误
func (es *ErrorStats) RecordError(err error) {
	if err == nil {
		return
	}

	category := ClassifyError(err)

	es.mu.Lock()
	defer es.mu.Unlock()
	es.errors[category]++
}

// ClassifyError 简化错误信息，提取关键部分
func ClassifyError(err error) string {
	errStr := err.Error()
	lower := strings.ToLower(errStr)

	switch {
	case strings.Contains(lower, "context deadline exceeded"), strings.Contains(lower, "client.timeout"):
		return "timeout"
	case strings.Contains(lower, "connection refused"):
		return "connection refused"
	case strings.Contains(lower, "no such host"):
		return "dns lookup failed"
	case strings.Contains(lower, "i/o timeout"):
		return "i/o timeout"
	case strings.Contains(lower, "proxyconnect"):
		return "proxy connect failed"
	case strings.Contains(lower, "tls handshake"):
		return "tls handshake failed"
	case strings.Contains(errStr, "HTTP 403"):
		return "HTTP 403 forbidden"
	case strings.Contains(errStr, "HTTP 404"):
		return "HTTP 404 not found"
	case strings.Contains(errStr, "HTTP 429"):
		return "HTTP 429 too many requests"
	case strings.Contains(errStr, "HTTP 5"):
		return "HTTP 5xx server error"
	case strings.Contains(lower, "invalid tile payload"):
		return "invalid tile payload"
	case strings.Contains(lower, "storage"):
		return "storage failure"
	default:
		if len(errStr) > 50 {
			return errStr[:50] + "..."
		}
		return errStr
	}
}

// GetErrorStats 获取错误统计
func (es *ErrorStats) GetErrorStats() map[string]int {
	es.mu.RLock()
	defer es.mu.RUnlock()

	stats := make(map[string]int, len(es.errors))
	for err, count := range es.errors {
		stats[err] = count
	}

	return stats
}

// Categories 按出现次数降序返回错误类别
func (es *ErrorStats) Categories() []string {
	stats := es.GetErrorStats()
	categories := make([]string, 0, len(stats))
	for c := range stats {
		categories = append(categories, c)
	}
	sort.Slice(categories, func(i, j int) bool {
		if stats[categories[i]] != stats[categories[j]] {
			return stats[categories[i]] > stats[categories[j]]
		}
		return categories[i] < categories[j]
	})
	return categories
}

// HasErrors 检查是否有错误
func (es *ErrorStats) HasErrors() bool {
	es.mu.RLock()
	defer es.mu.RUnlock()

	return len(es.errors) > 0
}
