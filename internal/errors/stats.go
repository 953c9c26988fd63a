package errors

import (
	"time"

	"github.com/samber/lo"
)

// recentLimit 统计中保留的最近错误数
const recentLimit = 100

// ErrorStats 错误统计，由 ErrorHandler 加锁维护
type ErrorStats struct {
	TotalErrors       int                   `json:"total_errors"`
	ErrorsByType      map[ErrorType]int     `json:"errors_by_type"`
	ErrorsBySeverity  map[ErrorSeverity]int `json:"errors_by_severity"`
	ErrorsByComponent map[string]int        `json:"errors_by_component"`
	RecentErrors      []*DeslinkError       `json:"recent_errors"`
	LastError         *DeslinkError         `json:"last_error"`
	LastErrorTime     time.Time             `json:"last_error_time"`
}

// NewErrorStats 空统计
func NewErrorStats() *ErrorStats {
	return &ErrorStats{
		ErrorsByType:      map[ErrorType]int{},
		ErrorsBySeverity:  map[ErrorSeverity]int{},
		ErrorsByComponent: map[string]int{},
		RecentErrors:      []*DeslinkError{},
	}
}

// RecordError 计数并追加到最近错误，超出上限丢弃最旧的
func (es *ErrorStats) RecordError(err *DeslinkError) {
	es.TotalErrors++
	es.ErrorsByType[err.Type]++
	es.ErrorsBySeverity[err.Severity]++
	if err.Component != "" {
		es.ErrorsByComponent[err.Component]++
	}
	es.LastError, es.LastErrorTime = err, err.Timestamp

	es.RecentErrors = append(es.RecentErrors, err)
	if overflow := len(es.RecentErrors) - recentLimit; overflow > 0 {
		es.RecentErrors = es.RecentErrors[overflow:]
	}
}

// GetErrorRate 窗口内每小时错误数，只基于最近错误计算
func (es *ErrorStats) GetErrorRate(window time.Duration) float64 {
	if window <= 0 {
		return 0
	}
	since := time.Now().Add(-window)
	n := lo.CountBy(es.RecentErrors, func(e *DeslinkError) bool {
		return e.Timestamp.After(since)
	})
	return float64(n) / window.Hours()
}
