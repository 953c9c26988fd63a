package events

import (
	"time"

	deserrors "deslink/internal/errors"
	"deslink/pkg/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ErrorEventFrom 把操作失败转换为事件，Message 为展示给用户的提示
func ErrorEventFrom(err *deserrors.DeslinkError) *models.ErrorEvent {
	e := &models.ErrorEvent{
		ID:         uuid.New(),
		Code:       err.Code,
		Type:       err.Type.String(),
		Severity:   err.Severity.String(),
		Message:    deserrors.UserMessage(err),
		Component:  err.Component,
		OccurredAt: err.Timestamp.UTC(),
	}
	if err.TxHash != nil {
		e.TxHash = *err.TxHash
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	return e
}

// ErrorReporter 返回 ErrorHandler 回调，把达到 minSeverity 的失败发布为事件
func ErrorReporter(publisher Publisher, minSeverity deserrors.ErrorSeverity, logger *logrus.Logger) deserrors.ErrorCallback {
	return func(err *deserrors.DeslinkError) {
		if err == nil || err.Severity < minSeverity {
			return
		}
		if pubErr := publisher.PublishError(ErrorEventFrom(err)); pubErr != nil {
			logger.Warnf("发布错误事件失败: %v", pubErr)
		}
	}
}
