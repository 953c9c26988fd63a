package contract

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"
	"time"

	"deslink/internal/config"
	"deslink/internal/decoder"
	deserrors "deslink/internal/errors"
	"deslink/internal/retry"
	"deslink/pkg/models"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"
)

// Backend 链访问能力，connection.ConnectionPool 与 ethclient.Client 均满足
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// SignerFn 交易签名函数，wallet.Provider.SignTx 满足该签名
type SignerFn func(ctx context.Context, account common.Address, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)

// Options 合约调用参数
type Options struct {
	Address            common.Address
	ChainID            *big.Int
	ReceiptPoll        time.Duration
	ReceiptTimeout     time.Duration
	GasLimitMultiplier float64
}

// DesertWifi 节点市场合约，未绑定账户时只能读
type DesertWifi struct {
	backend Backend
	opts    Options
	market  abi.ABI
	erc20   abi.ABI
	decoder *decoder.RevertDecoder
	retrier *retry.Retrier
	logger  *logrus.Logger
}

// NewDesertWifi 创建合约访问对象
func NewDesertWifi(backend Backend, opts Options, revertDecoder *decoder.RevertDecoder, logger *logrus.Logger) (*DesertWifi, error) {
	if backend == nil {
		return nil, fmt.Errorf("链访问后端不能为空")
	}
	if opts.Address == (common.Address{}) {
		return nil, deserrors.ErrConfigInvalid.WithMessage("未配置合约地址")
	}
	if opts.ChainID == nil {
		return nil, deserrors.ErrConfigInvalid.WithMessage("未配置链ID")
	}
	if opts.ReceiptPoll <= 0 {
		opts.ReceiptPoll = 2 * time.Second
	}
	if opts.ReceiptTimeout <= 0 {
		opts.ReceiptTimeout = 3 * time.Minute
	}
	if opts.GasLimitMultiplier < 1 {
		opts.GasLimitMultiplier = 1.2
	}

	market, erc20, err := ParsedABIs()
	if err != nil {
		return nil, err
	}
	if revertDecoder == nil {
		revertDecoder = decoder.NewRevertDecoder(logger, &config.DecoderConfig{EnableCache: true, CacheSize: 100}, &market)
	}

	return &DesertWifi{
		backend: backend,
		opts:    opts,
		market:  market,
		erc20:   erc20,
		decoder: revertDecoder,
		retrier: retry.NewRetrier(retry.NetworkPolicy, logger),
		logger:  logger,
	}, nil
}

// Address 合约地址
func (c *DesertWifi) Address() common.Address {
	return c.opts.Address
}

// Bind 绑定账户和签名函数
func (c *DesertWifi) Bind(account common.Address, signer SignerFn) *Bound {
	return &Bound{DesertWifi: c, account: account, signer: signer}
}

// Bound 已绑定账户的合约句柄
type Bound struct {
	*DesertWifi
	account common.Address
	signer  SignerFn
}

// Account 绑定的账户
func (b *Bound) Account() common.Address {
	return b.account
}

// paymentTuple getUserPayments 返回的元素
type paymentTuple struct {
	User      common.Address
	NodeId    *big.Int
	Amount    *big.Int
	Duration  *big.Int
	Timestamp *big.Int
}

// proposalTuple getProposalDetails 返回值
type proposalTuple struct {
	Id           *big.Int
	Proposer     common.Address
	Description  string
	TargetNodeId *big.Int
	ProposalType uint8
	NewValue     *big.Int
	VotesFor     *big.Int
	VotesAgainst *big.Int
	CreatedAt    *big.Int
	ExpiresAt    *big.Int
	Executed     bool
}

// call 只读调用，网络错误按退避重试
func (c *DesertWifi) call(ctx context.Context, from common.Address, method string, args ...interface{}) ([]interface{}, error) {
	data, err := c.market.Pack(method, args...)
	if err != nil {
		return nil, deserrors.ErrSerializationFailed.WithCause(err).WithContext("method", method)
	}

	to := c.opts.Address
	msg := ethereum.CallMsg{From: from, To: &to, Data: data}

	output, err := retry.Do(ctx, c.retrier, method, func() ([]byte, error) {
		return c.backend.CallContract(ctx, msg, nil)
	})
	if err != nil {
		return nil, c.callError(ctx, method, err)
	}

	values, err := c.market.Unpack(method, output)
	if err != nil {
		return nil, deserrors.ErrSerializationFailed.WithCause(err).WithContext("method", method)
	}
	return values, nil
}

// callError 区分回滚和RPC错误
func (c *DesertWifi) callError(ctx context.Context, method string, err error) error {
	if _, ok := decoder.ExtractRevertData(err); ok || isRevert(err) {
		return deserrors.ErrContractReverted.WithCause(err).WithReason(c.reason(ctx, err)).WithContext("method", method)
	}
	return deserrors.ErrContractCallFailed.WithCause(err).WithContext("method", method)
}

func isRevert(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "execution reverted")
}

func (c *DesertWifi) reason(ctx context.Context, err error) string {
	return c.decoder.DecodeError(ctx, err)
}

// GetUserPayments 查询用户支付记录
func (c *DesertWifi) GetUserPayments(ctx context.Context, user common.Address) ([]models.Payment, error) {
	values, err := c.call(ctx, user, "getUserPayments", user)
	if err != nil {
		return nil, err
	}

	tuples := *abi.ConvertType(values[0], new([]paymentTuple)).(*[]paymentTuple)
	payments := make([]models.Payment, 0, len(tuples))
	for _, t := range tuples {
		payments = append(payments, models.Payment{
			User:      t.User,
			NodeID:    t.NodeId,
			Amount:    t.Amount,
			Duration:  t.Duration,
			Timestamp: t.Timestamp,
		})
	}
	return payments, nil
}

// GetNetworkStats 查询网络统计
func (c *DesertWifi) GetNetworkStats(ctx context.Context) (*models.NetworkStats, error) {
	values, err := c.call(ctx, common.Address{}, "getNetworkStats")
	if err != nil {
		return nil, err
	}
	if len(values) != 4 {
		return nil, deserrors.ErrSerializationFailed.WithMessage(fmt.Sprintf("getNetworkStats 返回值数量错误: %d", len(values)))
	}

	return &models.NetworkStats{
		TotalNodes:  abi.ConvertType(values[0], new(big.Int)).(*big.Int),
		ActiveNodes: abi.ConvertType(values[1], new(big.Int)).(*big.Int),
		TotalVolume: abi.ConvertType(values[2], new(big.Int)).(*big.Int),
		TotalUsers:  abi.ConvertType(values[3], new(big.Int)).(*big.Int),
	}, nil
}

// CanParticipateInGovernance 是否具备治理资格
func (c *DesertWifi) CanParticipateInGovernance(ctx context.Context, user common.Address) (bool, error) {
	values, err := c.call(ctx, user, "canParticipateInGovernance", user)
	if err != nil {
		return false, err
	}
	return *abi.ConvertType(values[0], new(bool)).(*bool), nil
}

// GetUserReputation 查询用户信誉分
func (c *DesertWifi) GetUserReputation(ctx context.Context, user common.Address) (*big.Int, error) {
	values, err := c.call(ctx, user, "getUserReputation", user)
	if err != nil {
		return nil, err
	}
	return abi.ConvertType(values[0], new(big.Int)).(*big.Int), nil
}

// GetProposalDetails 查询提案
func (c *DesertWifi) GetProposalDetails(ctx context.Context, id *big.Int) (*models.Proposal, error) {
	values, err := c.call(ctx, common.Address{}, "getProposalDetails", id)
	if err != nil {
		return nil, err
	}

	t := *abi.ConvertType(values[0], new(proposalTuple)).(*proposalTuple)
	return &models.Proposal{
		ID:           t.Id,
		Proposer:     t.Proposer,
		Description:  t.Description,
		TargetNodeID: t.TargetNodeId,
		ProposalType: models.ProposalType(t.ProposalType),
		NewValue:     t.NewValue,
		VotesFor:     t.VotesFor,
		VotesAgainst: t.VotesAgainst,
		CreatedAt:    t.CreatedAt,
		ExpiresAt:    t.ExpiresAt,
		Executed:     t.Executed,
	}, nil
}

// MakePayment 原生币支付
func (b *Bound) MakePayment(ctx context.Context, nodeID, duration, value *big.Int) (*types.Transaction, error) {
	data, err := b.market.Pack("makePayment", nodeID, duration)
	if err != nil {
		return nil, deserrors.ErrSerializationFailed.WithCause(err)
	}
	return b.transact(ctx, "makePayment", b.opts.Address, value, data)
}

// Approve 授权合约划转稳定币
func (b *Bound) Approve(ctx context.Context, token common.Address, amount *big.Int) (*types.Transaction, error) {
	data, err := b.erc20.Pack("approve", b.opts.Address, amount)
	if err != nil {
		return nil, deserrors.ErrSerializationFailed.WithCause(err)
	}
	return b.transact(ctx, "approve", token, nil, data)
}

// MakePaymentStablecoin 稳定币支付，需先完成授权
func (b *Bound) MakePaymentStablecoin(ctx context.Context, nodeID, duration, amount *big.Int, kind models.TokenKind) (*types.Transaction, error) {
	data, err := b.market.Pack("makePaymentStablecoin", nodeID, duration, amount, uint8(kind))
	if err != nil {
		return nil, deserrors.ErrSerializationFailed.WithCause(err)
	}
	return b.transact(ctx, "makePaymentStablecoin", b.opts.Address, nil, data)
}

// RegisterNode 注册节点
func (b *Bound) RegisterNode(ctx context.Context, location string, priceETH, priceUSD *big.Int) (*types.Transaction, error) {
	data, err := b.market.Pack("registerNode", location, priceETH, priceUSD)
	if err != nil {
		return nil, deserrors.ErrSerializationFailed.WithCause(err)
	}
	return b.transact(ctx, "registerNode", b.opts.Address, nil, data)
}

// VoteOnProposal 投票
func (b *Bound) VoteOnProposal(ctx context.Context, id *big.Int, support bool) (*types.Transaction, error) {
	data, err := b.market.Pack("voteOnProposal", id, support)
	if err != nil {
		return nil, deserrors.ErrSerializationFailed.WithCause(err)
	}
	return b.transact(ctx, "voteOnProposal", b.opts.Address, nil, data)
}

// ExecuteProposal 执行提案
func (b *Bound) ExecuteProposal(ctx context.Context, id *big.Int) (*types.Transaction, error) {
	data, err := b.market.Pack("executeProposal", id)
	if err != nil {
		return nil, deserrors.ErrSerializationFailed.WithCause(err)
	}
	return b.transact(ctx, "executeProposal", b.opts.Address, nil, data)
}

// transact 构造EIP-1559交易，交给钱包签名后广播
func (b *Bound) transact(ctx context.Context, method string, to common.Address, value *big.Int, data []byte) (*types.Transaction, error) {
	if b.signer == nil {
		return nil, deserrors.ErrNotConnected
	}
	if value == nil {
		value = new(big.Int)
	}

	msg := ethereum.CallMsg{From: b.account, To: &to, Value: value, Data: data}

	gas, err := b.backend.EstimateGas(ctx, msg)
	if err != nil {
		return nil, b.callError(ctx, method, err)
	}
	gasLimit := uint64(math.Ceil(float64(gas) * b.opts.GasLimitMultiplier))

	tipCap, err := b.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, deserrors.ErrContractCallFailed.WithCause(err).WithContext("method", method)
	}
	head, err := b.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, deserrors.ErrContractCallFailed.WithCause(err).WithContext("method", method)
	}
	feeCap := new(big.Int).Set(tipCap)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}

	nonce, err := b.backend.PendingNonceAt(ctx, b.account)
	if err != nil {
		return nil, deserrors.ErrContractCallFailed.WithCause(err).WithContext("method", method)
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   b.opts.ChainID,
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        &to,
		Value:     value,
		Data:      data,
	})

	signed, err := b.signer(ctx, b.account, tx, b.opts.ChainID)
	if err != nil {
		if deserrors.IsUserRejection(err) {
			return nil, err
		}
		return nil, deserrors.ErrContractCallFailed.WithCause(err).WithContext("method", method)
	}

	if err := b.backend.SendTransaction(ctx, signed); err != nil {
		return nil, b.callError(ctx, method, err)
	}

	b.logger.Infof("交易已发送: %s %s (nonce=%d gas=%d)", method, signed.Hash().Hex(), nonce, gasLimit)
	return signed, nil
}

// WaitMined 等待交易上链，失败的交易回放以取得回滚原因
func (c *DesertWifi) WaitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.ReceiptTimeout)
	defer cancel()

	ticker := time.NewTicker(c.opts.ReceiptPoll)
	defer ticker.Stop()

	hash := tx.Hash()
	for {
		receipt, err := c.backend.TransactionReceipt(ctx, hash)
		switch {
		case err == nil && receipt != nil:
			if receipt.Status == types.ReceiptStatusSuccessful {
				c.logger.Debugf("交易已确认: %s (区块 %s)", hash.Hex(), receipt.BlockNumber)
				return receipt, nil
			}
			return receipt, c.revertedError(ctx, tx, receipt)
		case err != nil && !errors.Is(err, ethereum.NotFound) && !retry.Retryable(err):
			return nil, deserrors.ErrContractCallFailed.WithCause(err).WithTxHash(hash.Hex())
		}

		select {
		case <-ctx.Done():
			return nil, deserrors.ErrNetworkTimeout.WithCause(ctx.Err()).WithTxHash(hash.Hex())
		case <-ticker.C:
		}
	}
}

// revertedError 在交易所在区块回放调用以取得回滚原因
func (c *DesertWifi) revertedError(ctx context.Context, tx *types.Transaction, receipt *types.Receipt) error {
	reason := "transaction reverted"

	from, err := types.Sender(types.LatestSignerForChainID(c.opts.ChainID), tx)
	if err == nil {
		msg := ethereum.CallMsg{From: from, To: tx.To(), Value: tx.Value(), Data: tx.Data(), Gas: tx.Gas()}
		if _, callErr := c.backend.CallContract(ctx, msg, receipt.BlockNumber); callErr != nil {
			reason = c.reason(ctx, callErr)
		}
	}

	c.logger.Warnf("交易被回滚: %s, 原因: %s", tx.Hash().Hex(), reason)
	return deserrors.ErrContractReverted.WithReason(reason).WithTxHash(tx.Hash().Hex())
}
