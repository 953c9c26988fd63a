package session

import (
	"context"
	"fmt"
	"math/big"

	deserrors "deslink/internal/errors"
	"deslink/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Phase 支付阶段
type Phase string

const (
	PhaseApproving Phase = "approving"
	PhasePaying    Phase = "paying"
)

// PaymentRequest 支付请求，金额使用代币最小单位
type PaymentRequest struct {
	NodeID   *big.Int
	Duration *big.Int
	Amount   *big.Int
	Method   models.PaymentMethod
}

// PaymentResult 支付结果
type PaymentResult struct {
	ApproveTx *common.Hash
	PaymentTx common.Hash
	Receipt   *types.Receipt
}

// tokenFor 稳定币支付方式对应的代币地址和类型
func (m *Manager) tokenFor(method models.PaymentMethod) (common.Address, models.TokenKind, error) {
	switch method {
	case models.PaymentMethodUSDC:
		if m.opts.USDCAddress == (common.Address{}) {
			return common.Address{}, 0, deserrors.ErrConfigInvalid.WithMessage("未配置USDC合约地址")
		}
		return m.opts.USDCAddress, models.TokenKindUSDC, nil
	case models.PaymentMethodUSDT:
		if m.opts.USDTAddress == (common.Address{}) {
			return common.Address{}, 0, deserrors.ErrConfigInvalid.WithMessage("未配置USDT合约地址")
		}
		return m.opts.USDTAddress, models.TokenKindUSDT, nil
	default:
		return common.Address{}, 0, deserrors.ErrDataValidation.WithMessage(fmt.Sprintf("不支持的支付方式: %s", method))
	}
}

// MakePayment 发起支付：ETH一笔交易；稳定币先授权再支付，授权确认后才发送支付交易
func (m *Manager) MakePayment(ctx context.Context, req PaymentRequest, onPhase func(Phase)) (*PaymentResult, error) {
	c, _, err := m.bound()
	if err != nil {
		return nil, err
	}
	if req.NodeID == nil || req.Duration == nil || req.Amount == nil {
		return nil, deserrors.ErrDataValidation.WithMessage("支付请求缺少节点、时长或金额")
	}
	if onPhase == nil {
		onPhase = func(Phase) {}
	}

	m.setLoading(true, nil)
	result, err := m.pay(ctx, c, req, onPhase)
	if err != nil {
		err = paymentError(err)
	}
	m.setLoading(false, err)

	if err != nil {
		m.logger.Errorf("支付失败 (节点 %s, %s): %v", req.NodeID, req.Method, err)
		return nil, err
	}
	return result, nil
}

func (m *Manager) pay(ctx context.Context, c Contract, req PaymentRequest, onPhase func(Phase)) (*PaymentResult, error) {
	result := &PaymentResult{}

	if req.Method == models.PaymentMethodETH {
		onPhase(PhasePaying)
		tx, err := c.MakePayment(ctx, req.NodeID, req.Duration, req.Amount)
		if err != nil {
			return nil, err
		}
		result.PaymentTx = tx.Hash()
		receipt, err := c.WaitMined(ctx, tx)
		if err != nil {
			return nil, err
		}
		result.Receipt = receipt
		return result, nil
	}

	token, kind, err := m.tokenFor(req.Method)
	if err != nil {
		return nil, err
	}

	onPhase(PhaseApproving)
	approveTx, err := c.Approve(ctx, token, req.Amount)
	if err != nil {
		return nil, err
	}
	approveHash := approveTx.Hash()
	result.ApproveTx = &approveHash
	if _, err := c.WaitMined(ctx, approveTx); err != nil {
		return nil, err
	}

	onPhase(PhasePaying)
	tx, err := c.MakePaymentStablecoin(ctx, req.NodeID, req.Duration, req.Amount, kind)
	if err != nil {
		return nil, err
	}
	result.PaymentTx = tx.Hash()
	receipt, err := c.WaitMined(ctx, tx)
	if err != nil {
		return nil, err
	}
	result.Receipt = receipt
	return result, nil
}

// paymentError 区分用户拒绝和其他失败
func paymentError(err error) error {
	switch deserrors.Code(err) {
	case "PAYMENT_REJECTED", "PAYMENT_FAILED", "CONFIG_INVALID", "VALIDATION_FAILED":
		return err
	}
	if deserrors.IsUserRejection(err) {
		return deserrors.ErrPaymentRejected.WithCause(err)
	}
	return deserrors.ErrPaymentFailed.WithCause(err)
}
