package events

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"deslink/internal/config"
	deserrors "deslink/internal/errors"
	"deslink/pkg/models"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func paymentEvent() *models.PaymentEvent {
	return &models.PaymentEvent{
		ID:          uuid.New(),
		Account:     "0x00000000000000000000000000000000000a11ce",
		NodeID:      1,
		Duration:    3600,
		Amount:      "0.001",
		Method:      models.PaymentMethodETH,
		PaymentTx:   "0xabc",
		ConfirmedAt: time.Unix(1700000000, 0),
	}
}

func TestKafkaPublisher_Payment(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != "custom_payments" {
			return errors.New("topic 错误: " + msg.Topic)
		}
		key, _ := msg.Key.Encode()
		if string(key) != "0x00000000000000000000000000000000000a11ce" {
			return errors.New("key 错误")
		}
		value, _ := msg.Value.Encode()
		var payload map[string]interface{}
		if err := json.Unmarshal(value, &payload); err != nil {
			return err
		}
		if payload["method"] != "ETH" || payload["amount"] != "0.001" {
			return errors.New("消息内容错误")
		}
		if _, ok := payload["approve_tx"]; ok {
			return errors.New("ETH支付不应包含授权交易")
		}
		return nil
	})

	p := NewKafkaPublisherWithProducer(producer, map[string]string{KindPayments: "custom_payments"}, testLogger())
	require.NoError(t, p.PublishPayment(paymentEvent()))
	require.NoError(t, p.PublishPayment(nil))
	require.NoError(t, p.Close())
}

func TestKafkaPublisher_DefaultTopicsAndFailure(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != "deslink_governance_actions" {
			return errors.New("topic 错误: " + msg.Topic)
		}
		return nil
	})
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	p := NewKafkaPublisherWithProducer(producer, nil, testLogger())
	support := true
	require.NoError(t, p.PublishGovernance(&models.GovernanceEvent{
		ID: uuid.New(), Account: "0x1", ProposalID: 3, Action: models.GovernanceVote, Support: &support,
	}))

	err := p.PublishRegistration(&models.RegistrationEvent{ID: uuid.New(), Owner: "0x1", Location: "Liwa"})
	assert.ErrorIs(t, err, deserrors.ErrKafkaProduceFailed)
	require.NoError(t, p.Close())
}

func TestFilePublisher(t *testing.T) {
	dir := t.TempDir()
	p, err := NewFilePublisher(dir, testLogger())
	require.NoError(t, err)

	require.NoError(t, p.PublishPayment(paymentEvent()))
	require.NoError(t, p.PublishPayment(paymentEvent()))
	require.NoError(t, p.PublishRegistration(&models.RegistrationEvent{ID: uuid.New(), Owner: "0x1", Location: "Liwa"}))
	require.NoError(t, p.Close())

	matches, err := filepath.Glob(filepath.Join(dir, "payments_*.jsonl"))
	require.NoError(t, err)
	require.Len(t, matches, 1)

	f, err := os.Open(matches[0])
	require.NoError(t, err)
	defer f.Close()

	lines := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e models.PaymentEvent
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		assert.Equal(t, int64(1), e.NodeID)
		lines++
	}
	assert.Equal(t, 2, lines)

	assert.ErrorIs(t, p.PublishPayment(paymentEvent()), deserrors.ErrFileIOFailed)
}

func TestNewPublisher(t *testing.T) {
	p, err := NewPublisher(&config.EventsConfig{Format: "none"}, testLogger())
	require.NoError(t, err)
	assert.IsType(t, NopPublisher{}, p)

	p, err = NewPublisher(&config.EventsConfig{Format: "file", Directory: t.TempDir()}, testLogger())
	require.NoError(t, err)
	assert.IsType(t, &FilePublisher{}, p)
	require.NoError(t, p.Close())

	_, err = NewPublisher(&config.EventsConfig{Format: "kafka"}, testLogger())
	assert.Error(t, err)

	_, err = NewPublisher(&config.EventsConfig{Format: "xml"}, testLogger())
	assert.Error(t, err)
}

func TestErrorReporter_PublishesThroughHandler(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != "deslink_errors" {
			return errors.New("topic 错误: " + msg.Topic)
		}
		value, _ := msg.Value.Encode()
		var payload map[string]interface{}
		if err := json.Unmarshal(value, &payload); err != nil {
			return err
		}
		if payload["code"] != "CONTRACT_REVERTED" || payload["message"] != "AlreadyVoted(1)" {
			return errors.New("消息内容错误")
		}
		if payload["tx_hash"] != "0xfeed" {
			return errors.New("缺少交易哈希")
		}
		return nil
	})
	p := NewKafkaPublisherWithProducer(producer, nil, testLogger())

	handler := deserrors.NewErrorHandler(testLogger())
	reporter := ErrorReporter(p, deserrors.SeverityMedium, testLogger())
	done := make(chan struct{}, 2)
	handler.AddCallback(func(err *deserrors.DeslinkError) {
		reporter(err)
		done <- struct{}{}
	})

	// 低严重度的失败不发布
	_ = handler.HandleError(context.Background(), deserrors.NewDeslinkError(deserrors.ErrorTypeSystem, deserrors.SeverityLow, "MINOR", "minor"))
	_ = handler.HandleError(context.Background(), deserrors.ErrContractReverted.WithReason("AlreadyVoted(1)").WithTxHash("0xfeed"))

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("错误回调未执行")
		}
	}
	require.NoError(t, p.Close())
}

func TestFilePublisher_Errors(t *testing.T) {
	dir := t.TempDir()
	p, err := NewFilePublisher(dir, testLogger())
	require.NoError(t, err)

	reporter := ErrorReporter(p, deserrors.SeverityMedium, testLogger())
	reporter(deserrors.ErrPaymentFailed.WithCause(errors.New("insufficient funds")))
	require.NoError(t, p.Close())

	matches, err := filepath.Glob(filepath.Join(dir, "errors_*.jsonl"))
	require.NoError(t, err)
	require.Len(t, matches, 1)

	data, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	var e models.ErrorEvent
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &e))
	assert.Equal(t, "PAYMENT_FAILED", e.Code)
	assert.Equal(t, "insufficient funds", e.Message)
	assert.False(t, e.OccurredAt.IsZero())
}
