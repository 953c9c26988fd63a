package api

import (
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

// LogEntry 日志条目
type LogEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// LogRing 固定容量的日志环形缓冲区，写满后覆盖最旧的日志
type LogRing struct {
	mu      sync.RWMutex
	entries []LogEntry
	next    int
	full    bool
}

// NewLogRing 创建日志缓冲区
func NewLogRing(capacity int) *LogRing {
	if capacity <= 0 {
		capacity = 1000
	}
	return &LogRing{entries: make([]LogEntry, capacity)}
}

// Add 写入日志
func (r *LogRing) Add(entry LogEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries[r.next] = entry
	r.next = (r.next + 1) % len(r.entries)
	if r.next == 0 {
		r.full = true
	}
}

// snapshot 按时间从新到旧返回全部日志
func (r *LogRing) snapshot() []LogEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	size := r.next
	if r.full {
		size = len(r.entries)
	}
	out := make([]LogEntry, 0, size)
	for i := 1; i <= size; i++ {
		idx := (r.next - i + len(r.entries)) % len(r.entries)
		out = append(out, r.entries[idx])
	}
	return out
}

// Page 按级别过滤后分页，新的在前；level 为空表示所有级别
func (r *LogRing) Page(level string, page, pageSize int) ([]LogEntry, int) {
	logs := r.snapshot()
	if level != "" {
		logs = lo.Filter(logs, func(e LogEntry, _ int) bool {
			return strings.EqualFold(e.Level, level)
		})
	}

	total := len(logs)
	start := (page - 1) * pageSize
	if start >= total || start < 0 {
		return []LogEntry{}, total
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return logs[start:end], total
}

// Clear 清空日志
func (r *LogRing) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries = make([]LogEntry, len(r.entries))
	r.next = 0
	r.full = false
}

// Hook 把logrus日志写入缓冲区
type Hook struct {
	ring *LogRing
}

// NewHook 创建日志钩子
func NewHook(ring *LogRing) *Hook {
	return &Hook{ring: ring}
}

// Fire 实现 logrus.Hook 接口
func (h *Hook) Fire(entry *logrus.Entry) error {
	var fields map[string]interface{}
	if len(entry.Data) > 0 {
		fields = make(map[string]interface{}, len(entry.Data))
		for k, v := range entry.Data {
			if err, ok := v.(error); ok {
				v = err.Error()
			}
			fields[k] = v
		}
	}
	h.ring.Add(LogEntry{
		Timestamp: entry.Time,
		Level:     entry.Level.String(),
		Message:   entry.Message,
		Fields:    fields,
	})
	return nil
}

// Levels 实现 logrus.Hook 接口
func (h *Hook) Levels() []logrus.Level {
	return logrus.AllLevels
}
