package errors

import (
	"fmt"
	"time"
)

// ErrorType 错误类型
type ErrorType int

const (
	// 钱包相关错误
	ErrorTypeProviderMissing ErrorType = iota
	ErrorTypeWalletMismatch
	ErrorTypeNoAccounts
	ErrorTypeUserRejected
	ErrorTypeNetworkSwitch
	ErrorTypeNotConnected

	// 合约相关错误
	ErrorTypeContractCall
	ErrorTypePayment

	// 目录查询错误
	ErrorTypeQuery

	// 数据相关错误
	ErrorTypeValidation
	ErrorTypeSerialization

	// 系统相关错误
	ErrorTypeSystem
	ErrorTypeNetwork
	ErrorTypeTimeout
	ErrorTypeFileIO
	ErrorTypeConfig

	// 外部服务错误
	ErrorTypeFourByte
	ErrorTypeKafka
)

// ErrorSeverity 错误严重级别
type ErrorSeverity int

const (
	SeverityLow ErrorSeverity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// DeslinkError 自定义错误类型
type DeslinkError struct {
	Type      ErrorType              `json:"type"`
	Severity  ErrorSeverity          `json:"severity"`
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Details   interface{}            `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Context   map[string]interface{} `json:"context,omitempty"`
	Cause     error                  `json:"cause,omitempty"`
	Retryable bool                   `json:"retryable"`
	Component string                 `json:"component"`
	TxHash    *string                `json:"tx_hash,omitempty"`
}

// Error 格式为 [CODE] message: cause
func (e *DeslinkError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 返回底层原因
func (e *DeslinkError) Unwrap() error {
	return e.Cause
}

// Is 按错误码匹配，支持errors.Is(err, ErrUserRejected)
func (e *DeslinkError) Is(target error) bool {
	t, ok := target.(*DeslinkError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// IsRetryable 实现 retry.Classifier
func (e *DeslinkError) IsRetryable() bool {
	return e.Retryable
}

// WithContext 添加上下文信息
func (e *DeslinkError) WithContext(key string, value interface{}) *DeslinkError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithComponent 设置出错组件
func (e *DeslinkError) WithComponent(component string) *DeslinkError {
	e.Component = component
	return e
}

// WithTxHash 添加交易哈希
func (e *DeslinkError) WithTxHash(txHash string) *DeslinkError {
	e.TxHash = &txHash
	return e
}

// WithCause 基于预定义错误生成带原因的新错误
func (e *DeslinkError) WithCause(cause error) *DeslinkError {
	return WrapError(cause, e.Type, e.Severity, e.Code, e.Message)
}

// WithMessage 基于预定义错误生成带具体描述的新错误
func (e *DeslinkError) WithMessage(message string) *DeslinkError {
	return NewDeslinkError(e.Type, e.Severity, e.Code, message)
}

// NewDeslinkError 创建新的错误
func NewDeslinkError(errorType ErrorType, severity ErrorSeverity, code, message string) *DeslinkError {
	return &DeslinkError{
		Type:      errorType,
		Severity:  severity,
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
		Retryable: determineRetryable(errorType, code),
	}
}

// WrapError 用指定类型包装任意错误
func WrapError(err error, errorType ErrorType, severity ErrorSeverity, code, message string) *DeslinkError {
	return &DeslinkError{
		Type:      errorType,
		Severity:  severity,
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
		Cause:     err,
		Retryable: determineRetryable(errorType, code),
	}
}

// determineRetryable 根据错误类型判断是否可重试
func determineRetryable(errorType ErrorType, code string) bool {
	switch errorType {
	case ErrorTypeNetwork, ErrorTypeTimeout:
		return true
	case ErrorTypeKafka, ErrorTypeFourByte:
		return true
	case ErrorTypeQuery:
		return true
	case ErrorTypeContractCall:
		// 合约回滚不可重试，RPC错误可重试
		return code != "CONTRACT_REVERTED"
	default:
		return false
	}
}

// 预定义错误，使用时通过 WithCause / WithMessage 派生，不要直接修改
var (
	// 钱包错误
	ErrProviderMissing = NewDeslinkError(
		ErrorTypeProviderMissing,
		SeverityMedium,
		"PROVIDER_MISSING",
		"未检测到钱包",
	)

	ErrWalletMismatch = NewDeslinkError(
		ErrorTypeWalletMismatch,
		SeverityMedium,
		"WALLET_MISMATCH",
		"检测到的钱包不是预期的钱包类型",
	)

	ErrNoAccounts = NewDeslinkError(
		ErrorTypeNoAccounts,
		SeverityMedium,
		"NO_ACCOUNTS",
		"钱包未返回任何账户",
	)

	ErrUserRejected = NewDeslinkError(
		ErrorTypeUserRejected,
		SeverityLow,
		"USER_REJECTED",
		"用户拒绝了请求",
	)

	ErrNetworkSwitchFailed = NewDeslinkError(
		ErrorTypeNetworkSwitch,
		SeverityHigh,
		"NETWORK_SWITCH_FAILED",
		"切换网络失败",
	)

	ErrNotConnected = NewDeslinkError(
		ErrorTypeNotConnected,
		SeverityLow,
		"NOT_CONNECTED",
		"钱包未连接",
	)

	// 合约错误
	ErrContractCallFailed = NewDeslinkError(
		ErrorTypeContractCall,
		SeverityMedium,
		"CONTRACT_CALL_FAILED",
		"合约调用失败",
	)

	ErrContractReverted = NewDeslinkError(
		ErrorTypeContractCall,
		SeverityMedium,
		"CONTRACT_REVERTED",
		"交易执行被回滚",
	)

	ErrPaymentRejected = NewDeslinkError(
		ErrorTypePayment,
		SeverityLow,
		"PAYMENT_REJECTED",
		"用户拒绝签名支付交易",
	)

	ErrPaymentFailed = NewDeslinkError(
		ErrorTypePayment,
		SeverityHigh,
		"PAYMENT_FAILED",
		"支付失败",
	)

	ErrActionNotAllowed = NewDeslinkError(
		ErrorTypeValidation,
		SeverityLow,
		"ACTION_NOT_ALLOWED",
		"当前状态不允许该操作",
	)

	// 目录错误
	ErrQueryFailed = NewDeslinkError(
		ErrorTypeQuery,
		SeverityMedium,
		"QUERY_FAILED",
		"节点目录查询失败",
	)

	// 数据错误
	ErrDataValidation = NewDeslinkError(
		ErrorTypeValidation,
		SeverityLow,
		"VALIDATION_FAILED",
		"数据验证失败",
	)

	ErrSerializationFailed = NewDeslinkError(
		ErrorTypeSerialization,
		SeverityMedium,
		"SERIALIZATION_FAILED",
		"数据序列化失败",
	)

	// 系统错误
	ErrNetworkTimeout = NewDeslinkError(
		ErrorTypeTimeout,
		SeverityMedium,
		"NETWORK_TIMEOUT",
		"网络请求超时",
	)

	ErrFileIOFailed = NewDeslinkError(
		ErrorTypeFileIO,
		SeverityHigh,
		"FILE_IO_FAILED",
		"文件操作失败",
	)

	ErrConfigInvalid = NewDeslinkError(
		ErrorTypeConfig,
		SeverityCritical,
		"CONFIG_INVALID",
		"配置无效",
	)

	// 外部服务错误
	ErrKafkaProduceFailed = NewDeslinkError(
		ErrorTypeKafka,
		SeverityHigh,
		"KAFKA_PRODUCE_FAILED",
		"Kafka消息发送失败",
	)
)

var errorTypeNames = map[ErrorType]string{
	ErrorTypeProviderMissing: "ProviderMissing",
	ErrorTypeWalletMismatch:  "WalletMismatch",
	ErrorTypeNoAccounts:      "NoAccounts",
	ErrorTypeUserRejected:    "UserRejected",
	ErrorTypeNetworkSwitch:   "NetworkSwitch",
	ErrorTypeNotConnected:    "NotConnected",
	ErrorTypeContractCall:    "ContractCall",
	ErrorTypePayment:         "Payment",
	ErrorTypeQuery:           "Query",
	ErrorTypeValidation:      "Validation",
	ErrorTypeSerialization:   "Serialization",
	ErrorTypeSystem:          "System",
	ErrorTypeNetwork:         "Network",
	ErrorTypeTimeout:         "Timeout",
	ErrorTypeFileIO:          "FileIO",
	ErrorTypeConfig:          "Config",
	ErrorTypeFourByte:        "FourByte",
	ErrorTypeKafka:           "Kafka",
}

// String 类型名，未知类型为 Unknown(n)
func (et ErrorType) String() string {
	if name, exists := errorTypeNames[et]; exists {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", et)
}

var severityNames = map[ErrorSeverity]string{
	SeverityLow:      "Low",
	SeverityMedium:   "Medium",
	SeverityHigh:     "High",
	SeverityCritical: "Critical",
}

// String 严重级别名
func (es ErrorSeverity) String() string {
	if name, exists := severityNames[es]; exists {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", es)
}
