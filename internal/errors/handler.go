package errors

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// 一小时内高严重度错误超过该数量时告警
const defaultAlertPerHour = 20

// ErrorCallback 错误回调，在独立的goroutine中执行
type ErrorCallback func(err *DeslinkError)

// ErrorHandler 统一记录用户操作失败：统计、按严重度写日志、通知订阅者
type ErrorHandler struct {
	logger *logrus.Logger

	mu            sync.RWMutex
	stats         *ErrorStats
	callbacks     []ErrorCallback
	alertPerHour  int
	lastAlertedAt time.Time
}

// NewErrorHandler 创建错误处理器
func NewErrorHandler(logger *logrus.Logger) *ErrorHandler {
	return &ErrorHandler{
		logger:       logger,
		stats:        NewErrorStats(),
		alertPerHour: defaultAlertPerHour,
	}
}

// HandleError 记录错误并原样返回，非 DeslinkError 按系统错误统计
func (eh *ErrorHandler) HandleError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}

	var appErr *DeslinkError
	if !stderrors.As(err, &appErr) {
		appErr = WrapError(err, ErrorTypeSystem, SeverityMedium, "UNKNOWN_ERROR", "未知错误")
	}

	eh.record(appErr)
	eh.log(ctx, appErr)
	eh.notify(appErr)
	return err
}

func (eh *ErrorHandler) record(err *DeslinkError) {
	eh.mu.Lock()
	defer eh.mu.Unlock()

	eh.stats.RecordError(err)
	if err.Severity < SeverityHigh || eh.alertPerHour <= 0 {
		return
	}
	// 同一小时内只告警一次
	if rate := eh.stats.GetErrorRate(time.Hour); rate > float64(eh.alertPerHour) && time.Since(eh.lastAlertedAt) > time.Hour {
		eh.lastAlertedAt = time.Now()
		eh.logger.Warnf("近一小时错误数 %.0f 超过告警线 %d", rate, eh.alertPerHour)
	}
}

func (eh *ErrorHandler) log(ctx context.Context, err *DeslinkError) {
	fields := logrus.Fields{
		"error_type": err.Type.String(),
		"error_code": err.Code,
		"retryable":  err.Retryable,
	}
	if err.Component != "" {
		fields["component"] = err.Component
	}
	if err.TxHash != nil {
		fields["tx_hash"] = *err.TxHash
	}
	if len(err.Context) > 0 {
		fields["context"] = err.Context
	}
	if err.Cause != nil {
		fields["cause"] = err.Cause.Error()
	}
	entry := eh.logger.WithContext(ctx).WithFields(fields)

	switch err.Severity {
	case SeverityLow:
		entry.Debug(err.Message)
	case SeverityMedium:
		entry.Warn(err.Message)
	default:
		entry.Error(err.Message)
	}
}

func (eh *ErrorHandler) notify(err *DeslinkError) {
	eh.mu.RLock()
	callbacks := append([]ErrorCallback(nil), eh.callbacks...)
	eh.mu.RUnlock()

	for _, cb := range callbacks {
		go func(cb ErrorCallback) {
			defer func() {
				if r := recover(); r != nil {
					eh.logger.Errorf("错误回调panic: %v", r)
				}
			}()
			cb(err)
		}(cb)
	}
}

// AddCallback 订阅错误
func (eh *ErrorHandler) AddCallback(callback ErrorCallback) {
	eh.mu.Lock()
	defer eh.mu.Unlock()
	eh.callbacks = append(eh.callbacks, callback)
}

// SetAlertThreshold 设置每小时告警线，0 关闭告警
func (eh *ErrorHandler) SetAlertThreshold(perHour int) {
	eh.mu.Lock()
	defer eh.mu.Unlock()
	eh.alertPerHour = perHour
}

// GetStats 统计快照
func (eh *ErrorHandler) GetStats() ErrorStats {
	eh.mu.RLock()
	defer eh.mu.RUnlock()

	snapshot := *eh.stats
	snapshot.RecentErrors = append([]*DeslinkError(nil), eh.stats.RecentErrors...)
	snapshot.ErrorsByType = copyCounts(eh.stats.ErrorsByType)
	snapshot.ErrorsBySeverity = copyCounts(eh.stats.ErrorsBySeverity)
	snapshot.ErrorsByComponent = copyCounts(eh.stats.ErrorsByComponent)
	return snapshot
}

func copyCounts[K comparable](m map[K]int) map[K]int {
	out := make(map[K]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// ClearStats 清空统计
func (eh *ErrorHandler) ClearStats() {
	eh.mu.Lock()
	defer eh.mu.Unlock()
	eh.stats = NewErrorStats()
}
