package payment

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"

	deserrors "deslink/internal/errors"
	"deslink/pkg/models"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

// 表单默认值
const (
	DefaultNodeID   = "1"
	DefaultDuration = "3600"
	DefaultAmount   = "0.001"
)

// ETHDecimals 原生币精度
const ETHDecimals int32 = 18

var (
	minETHAmount        = decimal.RequireFromString("0.0001")
	minStablecoinAmount = decimal.RequireFromString("0.01")
)

// DurationOption 可选的购买时长
type DurationOption struct {
	Label   string `json:"label"`
	Seconds int64  `json:"seconds"`
}

// DurationOptions 允许的购买时长
var DurationOptions = []DurationOption{
	{Label: "1 Hour", Seconds: 3600},
	{Label: "6 Hours", Seconds: 21600},
	{Label: "12 Hours", Seconds: 43200},
	{Label: "24 Hours", Seconds: 86400},
}

// IsAllowedDuration 时长是否在允许范围内
func IsAllowedDuration(seconds int64) bool {
	return lo.ContainsBy(DurationOptions, func(o DurationOption) bool {
		return o.Seconds == seconds
	})
}

// Form 用户输入的支付表单
type Form struct {
	NodeID   string               `json:"node_id"`
	Duration string               `json:"duration"`
	Amount   string               `json:"amount"`
	Method   models.PaymentMethod `json:"method"`
}

// DefaultForm 表单默认值
func DefaultForm() Form {
	return Form{
		NodeID:   DefaultNodeID,
		Duration: DefaultDuration,
		Amount:   DefaultAmount,
		Method:   models.PaymentMethodETH,
	}
}

// Validated 校验通过的支付参数
type Validated struct {
	NodeID   int64
	Duration int64
	Amount   decimal.Decimal
	Method   models.PaymentMethod
	// BaseUnits 金额的最小单位表示（wei 或稳定币最小单位）
	BaseUnits *big.Int
}

func invalid(reason string) error {
	return deserrors.ErrDataValidation.WithReason(reason)
}

// Validate 校验表单，stablecoinDecimals 为稳定币精度
func (f Form) Validate(stablecoinDecimals int32) (*Validated, error) {
	method, err := models.ParsePaymentMethod(string(f.Method))
	if err != nil {
		return nil, invalid("Please choose ETH, USDC or USDT")
	}

	nodeID, err := strconv.ParseInt(strings.TrimSpace(f.NodeID), 10, 64)
	if err != nil || nodeID <= 0 {
		return nil, invalid("Please enter a valid node ID")
	}

	duration, err := strconv.ParseInt(strings.TrimSpace(f.Duration), 10, 64)
	if err != nil || !IsAllowedDuration(duration) {
		return nil, invalid("Please select a valid duration (1, 6, 12 or 24 hours)")
	}

	amount, err := decimal.NewFromString(strings.TrimSpace(f.Amount))
	if err != nil {
		return nil, invalid("Please enter a valid amount")
	}

	decimals, minimum := ETHDecimals, minETHAmount
	if method.IsStablecoin() {
		decimals, minimum = stablecoinDecimals, minStablecoinAmount
	}
	if amount.LessThan(minimum) {
		return nil, invalid(fmt.Sprintf("Minimum payment is %s %s", minimum.String(), method))
	}
	if !amount.Equal(amount.Truncate(decimals)) {
		return nil, invalid(fmt.Sprintf("%s supports at most %d decimal places", method, decimals))
	}

	return &Validated{
		NodeID:    nodeID,
		Duration:  duration,
		Amount:    amount,
		Method:    method,
		BaseUnits: amount.Shift(decimals).BigInt(),
	}, nil
}
