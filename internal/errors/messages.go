package errors

import (
	stderrors "errors"
	"strings"
	"time"
)

// GenericFailureMessage 无法得到具体原因时展示给用户的提示
const GenericFailureMessage = "Something went wrong. Please try again."

// 面向用户的提示文案，按错误码索引
var userMessages = map[string]string{
	"PROVIDER_MISSING":      "Please install MetaMask to connect to Desert WiFi Nodes",
	"WALLET_MISMATCH":       "MetaMask is not detected. Please install MetaMask or ensure it is enabled in your browser",
	"NO_ACCOUNTS":           "No accounts found",
	"USER_REJECTED":         "Transaction was rejected by user.",
	"NETWORK_SWITCH_FAILED": "Failed to add Scroll network",
	"NOT_CONNECTED":         "Please connect your wallet first",
	"PAYMENT_REJECTED":      "Transaction was rejected by user.",
	"PAYMENT_FAILED":        "Payment failed. Please try again.",
	"QUERY_FAILED":          "Unable to load WiFi nodes right now.",
	"ACTION_NOT_ALLOWED":    "This action is not available for this proposal.",
}

// 需要把具体原因展示给用户的错误码
var detailedCodes = map[string]bool{
	"PAYMENT_FAILED":       true,
	"CONTRACT_CALL_FAILED": true,
	"CONTRACT_REVERTED":    true,
	"VALIDATION_FAILED":    true,
	"ACTION_NOT_ALLOWED":   true,
}

// UserMessage 把任意错误转换为简短的用户提示
func UserMessage(err error) string {
	if err == nil {
		return ""
	}

	var de *DeslinkError
	if !stderrors.As(err, &de) {
		if IsUserRejection(err) {
			return userMessages["USER_REJECTED"]
		}
		return GenericFailureMessage
	}

	if detailedCodes[de.Code] {
		if reason := de.Reason(); reason != "" {
			return reason
		}
	}

	if msg, exists := userMessages[de.Code]; exists {
		return msg
	}

	if reason := de.Reason(); reason != "" {
		return reason
	}
	return GenericFailureMessage
}

// Reason 错误的具体原因：优先取显式设置的原因，其次取原因链中最内层的描述
func (e *DeslinkError) Reason() string {
	if s, ok := e.Details.(string); ok && s != "" {
		return s
	}
	if e.Cause != nil {
		var inner *DeslinkError
		if stderrors.As(e.Cause, &inner) {
			return inner.Reason()
		}
		return strings.TrimSpace(e.Cause.Error())
	}
	return ""
}

// IsUserRejection 判断错误是否来自用户拒绝签名
func IsUserRejection(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, ErrUserRejected) || stderrors.Is(err, ErrPaymentRejected) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "user rejected") || strings.Contains(msg, "user denied")
}

// Code 提取错误码，非DeslinkError返回空字符串
func Code(err error) string {
	var de *DeslinkError
	if stderrors.As(err, &de) {
		return de.Code
	}
	return ""
}

// WithReason 派生带用户可读原因的新错误，保留原因链和上下文
func (e *DeslinkError) WithReason(reason string) *DeslinkError {
	derived := *e
	derived.Details = reason
	derived.Timestamp = time.Now()
	if e.Context != nil {
		derived.Context = make(map[string]interface{}, len(e.Context))
		for k, v := range e.Context {
			derived.Context[k] = v
		}
	}
	return &derived
}
