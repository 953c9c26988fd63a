package models

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// PaymentMethod 支付方式
type PaymentMethod string

const (
	PaymentMethodETH  PaymentMethod = "ETH"
	PaymentMethodUSDC PaymentMethod = "USDC"
	PaymentMethodUSDT PaymentMethod = "USDT"
)

// TokenKind 合约中的稳定币类型编号
type TokenKind uint8

const (
	TokenKindUSDC TokenKind = 1
	TokenKindUSDT TokenKind = 2
)

// ParsePaymentMethod 解析支付方式，大小写不敏感
func ParsePaymentMethod(s string) (PaymentMethod, error) {
	switch PaymentMethod(strings.ToUpper(strings.TrimSpace(s))) {
	case PaymentMethodETH:
		return PaymentMethodETH, nil
	case PaymentMethodUSDC:
		return PaymentMethodUSDC, nil
	case PaymentMethodUSDT:
		return PaymentMethodUSDT, nil
	default:
		return "", fmt.Errorf("不支持的支付方式: %s", s)
	}
}

// IsStablecoin 是否为稳定币支付
func (m PaymentMethod) IsStablecoin() bool {
	return m == PaymentMethodUSDC || m == PaymentMethodUSDT
}

// TokenKind 返回稳定币在合约中的编号，原生币返回0
func (m PaymentMethod) TokenKind() TokenKind {
	switch m {
	case PaymentMethodUSDC:
		return TokenKindUSDC
	case PaymentMethodUSDT:
		return TokenKindUSDT
	default:
		return 0
	}
}

// Payment 链上支付记录
type Payment struct {
	User      common.Address `json:"user"`
	NodeID    *big.Int       `json:"node_id"`
	Amount    *big.Int       `json:"amount"`    // wei
	Duration  *big.Int       `json:"duration"`  // 秒
	Timestamp *big.Int       `json:"timestamp"` // unix秒
}

// Time 支付时间
func (p *Payment) Time() time.Time {
	if p.Timestamp == nil {
		return time.Time{}
	}
	return time.Unix(p.Timestamp.Int64(), 0)
}

// AmountETH 以ETH为单位的金额
func (p *Payment) AmountETH() decimal.Decimal {
	if p.Amount == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(p.Amount, -18)
}

// NetworkStats 网络统计
type NetworkStats struct {
	TotalNodes  *big.Int `json:"total_nodes"`
	ActiveNodes *big.Int `json:"active_nodes"`
	TotalVolume *big.Int `json:"total_volume"`
	TotalUsers  *big.Int `json:"total_users"`
}

// TotalVolumeETH 以ETH为单位的总交易量
func (s *NetworkStats) TotalVolumeETH() decimal.Decimal {
	if s.TotalVolume == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(s.TotalVolume, -18)
}
