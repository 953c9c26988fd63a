package events

import (
	"encoding/json"
	"fmt"
	"time"

	deserrors "deslink/internal/errors"
	"deslink/pkg/models"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"
)

// 未配置topic时使用的默认名称
var defaultTopics = map[string]string{
	KindPayments:      "deslink_payments",
	KindRegistrations: "deslink_node_registrations",
	KindGovernance:    "deslink_governance_actions",
	KindErrors:        "deslink_errors",
}

// KafkaPublisher Kafka事件输出器
type KafkaPublisher struct {
	logger   *logrus.Logger
	topics   map[string]string
	producer sarama.SyncProducer
}

// NewKafkaPublisher 创建Kafka事件输出器
func NewKafkaPublisher(brokers []string, topics map[string]string, logger *logrus.Logger) (*KafkaPublisher, error) {
	logger.Infof("初始化Kafka事件输出，brokers: %v", brokers)

	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true
	config.Producer.Timeout = 5 * time.Second
	config.Producer.Partitioner = sarama.NewHashPartitioner
	config.Version = sarama.V2_8_0_0

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("创建Kafka生产者失败: %w", err)
	}

	return NewKafkaPublisherWithProducer(producer, topics, logger), nil
}

// NewKafkaPublisherWithProducer 使用已有生产者创建输出器
func NewKafkaPublisherWithProducer(producer sarama.SyncProducer, topics map[string]string, logger *logrus.Logger) *KafkaPublisher {
	return &KafkaPublisher{
		logger:   logger,
		topics:   topics,
		producer: producer,
	}
}

func (k *KafkaPublisher) topic(kind string) string {
	if topic, exists := k.topics[kind]; exists && topic != "" {
		return topic
	}
	return defaultTopics[kind]
}

// send 发送消息，同一账户的事件按key落在同一分区
func (k *KafkaPublisher) send(kind, key string, payload map[string]interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return deserrors.ErrSerializationFailed.WithCause(err)
	}

	msg := &sarama.ProducerMessage{
		Topic: k.topic(kind),
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(data),
	}

	partition, offset, err := k.producer.SendMessage(msg)
	if err != nil {
		return deserrors.ErrKafkaProduceFailed.WithCause(err)
	}

	k.logger.Debugf("事件已发送到Kafka topic '%s' (partition: %d, offset: %d)", msg.Topic, partition, offset)
	return nil
}

// PublishPayment 发送支付事件
func (k *KafkaPublisher) PublishPayment(e *models.PaymentEvent) error {
	if e == nil {
		return nil
	}
	return k.send(KindPayments, e.Account, e.ToKafkaMessage())
}

// PublishRegistration 发送节点注册事件
func (k *KafkaPublisher) PublishRegistration(e *models.RegistrationEvent) error {
	if e == nil {
		return nil
	}
	return k.send(KindRegistrations, e.Owner, e.ToKafkaMessage())
}

// PublishGovernance 发送治理事件
func (k *KafkaPublisher) PublishGovernance(e *models.GovernanceEvent) error {
	if e == nil {
		return nil
	}
	return k.send(KindGovernance, e.Account, e.ToKafkaMessage())
}

// PublishError 发送操作失败事件，按错误码分区
func (k *KafkaPublisher) PublishError(e *models.ErrorEvent) error {
	if e == nil {
		return nil
	}
	return k.send(KindErrors, e.Code, e.ToKafkaMessage())
}

// Close 关闭生产者
func (k *KafkaPublisher) Close() error {
	if k.producer != nil {
		return k.producer.Close()
	}
	return nil
}
