package events

import (
	"fmt"

	"deslink/internal/config"
	"deslink/pkg/models"

	"github.com/sirupsen/logrus"
)

// 事件类别，对应Kafka topic配置中的键
const (
	KindPayments      = "payments"
	KindRegistrations = "registrations"
	KindGovernance    = "governance"
	KindErrors        = "errors"
)

// Publisher 交易确认后的事件输出
type Publisher interface {
	PublishPayment(e *models.PaymentEvent) error
	PublishRegistration(e *models.RegistrationEvent) error
	PublishGovernance(e *models.GovernanceEvent) error
	PublishError(e *models.ErrorEvent) error
	Close() error
}

// NewPublisher 根据配置创建事件输出器
func NewPublisher(cfg *config.EventsConfig, logger *logrus.Logger) (Publisher, error) {
	if cfg == nil {
		return NopPublisher{}, nil
	}

	switch cfg.Format {
	case "kafka":
		if cfg.Kafka == nil || len(cfg.Kafka.Brokers) == 0 {
			return nil, fmt.Errorf("kafka 事件输出需要配置 brokers")
		}
		return NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topics, logger)
	case "file", "":
		return NewFilePublisher(cfg.Directory, logger)
	case "none":
		return NopPublisher{}, nil
	default:
		return nil, fmt.Errorf("不支持的事件输出格式: %s", cfg.Format)
	}
}

// NopPublisher 丢弃所有事件
type NopPublisher struct{}

func (NopPublisher) PublishPayment(*models.PaymentEvent) error           { return nil }
func (NopPublisher) PublishRegistration(*models.RegistrationEvent) error { return nil }
func (NopPublisher) PublishGovernance(*models.GovernanceEvent) error     { return nil }
func (NopPublisher) PublishError(*models.ErrorEvent) error               { return nil }
func (NopPublisher) Close() error                                        { return nil }
