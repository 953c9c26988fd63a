package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level" json:"level" yaml:"level"`    // 日志级别 (debug, info, warn, error)
	Format string `mapstructure:"format" json:"format" yaml:"format"` // 日志格式 (json, text)
	Output string `mapstructure:"output" json:"output" yaml:"output"` // 输出路径 (stdout, stderr, file path)
}

// DefaultLogConfig 默认日志配置
var DefaultLogConfig = &LogConfig{
	Level:  "info",
	Format: "json",
	Output: "stdout",
}

// NewLogger 按配置创建logrus日志器，各组件共用
func NewLogger(config *LogConfig, verbose bool) *logrus.Logger {
	if config == nil {
		config = DefaultLogConfig
	}

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	level, err := logrus.ParseLevel(config.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	if verbose {
		level = logrus.DebugLevel
	}
	logger.SetLevel(level)

	if config.Output != "" && config.Output != "stdout" {
		if writer, err := getLogWriter(config); err == nil {
			logger.SetOutput(writer)
		} else {
			logger.Warnf("创建日志输出失败，使用标准输出: %v", err)
		}
	}

	return logger
}

// StructuredLogger 结构化日志器，用于支付和治理审计日志
type StructuredLogger struct {
	slogger *slog.Logger
	config  *LogConfig
}

// NewStructuredLogger 创建结构化日志器
func NewStructuredLogger(config *LogConfig) (*StructuredLogger, error) {
	if config == nil {
		config = DefaultLogConfig
	}

	writer, err := getLogWriter(config)
	if err != nil {
		return nil, fmt.Errorf("创建日志输出失败: %w", err)
	}

	return NewStructuredLoggerWithWriter(config, writer)
}

// NewStructuredLoggerWithWriter 使用指定输出创建结构化日志器
func NewStructuredLoggerWithWriter(config *LogConfig, writer io.Writer) (*StructuredLogger, error) {
	if config == nil {
		config = DefaultLogConfig
	}

	level, err := parseLogLevel(config.Level)
	if err != nil {
		return nil, fmt.Errorf("无效的日志级别 '%s': %w", config.Level, err)
	}

	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: replaceAttr,
	}

	handlers := map[string]func() slog.Handler{
		"":     func() slog.Handler { return slog.NewJSONHandler(writer, opts) },
		"json": func() slog.Handler { return slog.NewJSONHandler(writer, opts) },
		"text": func() slog.Handler { return slog.NewTextHandler(writer, opts) },
	}
	build, ok := handlers[config.Format]
	if !ok {
		return nil, fmt.Errorf("不支持的日志格式: %s", config.Format)
	}
	return &StructuredLogger{slogger: slog.New(build()), config: config}, nil
}

// parseLogLevel 空值按 info 处理，接受 warning 作为 warn 的别名
func parseLogLevel(name string) (slog.Level, error) {
	var level slog.Level
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "":
		return slog.LevelInfo, nil
	case "warning":
		name = "warn"
	}
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return slog.LevelInfo, err
	}
	return level, nil
}

// getLogWriter stdout、stderr 或追加写入的日志文件
func getLogWriter(config *LogConfig) (io.Writer, error) {
	switch config.Output {
	case "", "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	}

	if err := os.MkdirAll(filepath.Dir(config.Output), 0o755); err != nil {
		return nil, fmt.Errorf("创建日志目录失败: %w", err)
	}
	return os.OpenFile(config.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}

// replaceAttr 时间统一为RFC3339
func replaceAttr(groups []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		return slog.Attr{
			Key:   a.Key,
			Value: slog.StringValue(a.Value.Time().Format(time.RFC3339)),
		}
	}
	return a
}

// FieldLogger 审计日志，每条记录带固定的操作字段
type FieldLogger struct {
	*slog.Logger
}

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// With 追加固定字段，未配置审计日志时丢弃输出
func (sl *StructuredLogger) With(fields map[string]any) *FieldLogger {
	if sl == nil {
		return &FieldLogger{discard}
	}
	attrs := make([]any, 0, len(fields))
	for k, v := range fields {
		attrs = append(attrs, slog.Any(k, v))
	}
	return &FieldLogger{sl.slogger.With(attrs...)}
}

// NewPaymentLogger 支付流程专用日志器
func NewPaymentLogger(baseLogger *StructuredLogger, paymentID, account string, nodeID int64) *FieldLogger {
	return baseLogger.With(map[string]any{
		"component":  "payment_workflow",
		"payment_id": paymentID,
		"account":    account,
		"node_id":    nodeID,
	})
}

// NewGovernanceLogger 治理操作专用日志器
func NewGovernanceLogger(baseLogger *StructuredLogger, account string, proposalID int64) *FieldLogger {
	return baseLogger.With(map[string]any{
		"component":   "governance",
		"account":     account,
		"proposal_id": proposalID,
	})
}

// NewRegistrationLogger 节点注册专用日志器
func NewRegistrationLogger(baseLogger *StructuredLogger, owner, location string) *FieldLogger {
	return baseLogger.With(map[string]any{
		"component": "node_registration",
		"owner":     owner,
		"location":  location,
	})
}
