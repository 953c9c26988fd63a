package models

import (
	"time"

	"github.com/google/uuid"
)

// PaymentEvent 支付完成事件
type PaymentEvent struct {
	ID          uuid.UUID     `json:"id"`
	Account     string        `json:"account"`
	NodeID      int64         `json:"node_id"`
	Duration    int64         `json:"duration"`
	Amount      string        `json:"amount"`
	Method      PaymentMethod `json:"method"`
	ApproveTx   string        `json:"approve_tx,omitempty"`
	PaymentTx   string        `json:"payment_tx"`
	ConfirmedAt time.Time     `json:"confirmed_at"`
}

// ToKafkaMessage 转换为Kafka消息格式
func (e *PaymentEvent) ToKafkaMessage() map[string]interface{} {
	msg := map[string]interface{}{
		"id":           e.ID.String(),
		"account":      e.Account,
		"node_id":      e.NodeID,
		"duration":     e.Duration,
		"amount":       e.Amount,
		"method":       string(e.Method),
		"payment_tx":   e.PaymentTx,
		"confirmed_at": e.ConfirmedAt.Unix(),
	}
	if e.ApproveTx != "" {
		msg["approve_tx"] = e.ApproveTx
	}
	return msg
}

// RegistrationEvent 节点注册事件
type RegistrationEvent struct {
	ID          uuid.UUID `json:"id"`
	Owner       string    `json:"owner"`
	Location    string    `json:"location"`
	PriceETH    string    `json:"price_eth"`
	PriceUSD    string    `json:"price_usd"`
	TxHash      string    `json:"tx_hash"`
	ConfirmedAt time.Time `json:"confirmed_at"`
}

// ToKafkaMessage 转换为Kafka消息格式
func (e *RegistrationEvent) ToKafkaMessage() map[string]interface{} {
	return map[string]interface{}{
		"id":           e.ID.String(),
		"owner":        e.Owner,
		"location":     e.Location,
		"price_eth":    e.PriceETH,
		"price_usd":    e.PriceUSD,
		"tx_hash":      e.TxHash,
		"confirmed_at": e.ConfirmedAt.Unix(),
	}
}

// GovernanceAction 治理操作
type GovernanceAction string

const (
	GovernanceVote    GovernanceAction = "vote"
	GovernanceExecute GovernanceAction = "execute"
)

// GovernanceEvent 治理操作事件
type GovernanceEvent struct {
	ID          uuid.UUID        `json:"id"`
	Account     string           `json:"account"`
	ProposalID  int64            `json:"proposal_id"`
	Action      GovernanceAction `json:"action"`
	Support     *bool            `json:"support,omitempty"`
	TxHash      string           `json:"tx_hash"`
	ConfirmedAt time.Time        `json:"confirmed_at"`
}

// ToKafkaMessage 转换为Kafka消息格式
func (e *GovernanceEvent) ToKafkaMessage() map[string]interface{} {
	msg := map[string]interface{}{
		"id":           e.ID.String(),
		"account":      e.Account,
		"proposal_id":  e.ProposalID,
		"action":       string(e.Action),
		"tx_hash":      e.TxHash,
		"confirmed_at": e.ConfirmedAt.Unix(),
	}
	if e.Support != nil {
		msg["support"] = *e.Support
	}
	return msg
}

// ErrorEvent 用户操作失败事件
type ErrorEvent struct {
	ID         uuid.UUID `json:"id"`
	Code       string    `json:"code"`
	Type       string    `json:"type"`
	Severity   string    `json:"severity"`
	Message    string    `json:"message"`
	Component  string    `json:"component,omitempty"`
	TxHash     string    `json:"tx_hash,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// ToKafkaMessage 转换为Kafka消息格式
func (e *ErrorEvent) ToKafkaMessage() map[string]interface{} {
	msg := map[string]interface{}{
		"id":          e.ID.String(),
		"code":        e.Code,
		"type":        e.Type,
		"severity":    e.Severity,
		"message":     e.Message,
		"occurred_at": e.OccurredAt.Unix(),
	}
	if e.Component != "" {
		msg["component"] = e.Component
	}
	if e.TxHash != "" {
		msg["tx_hash"] = e.TxHash
	}
	return msg
}
