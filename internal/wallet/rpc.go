package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"deslink/internal/chain"
	deserrors "deslink/internal/errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/sirupsen/logrus"
)

// RPCProvider 通过JSON-RPC访问外部钱包（如带RPC接口的签名服务）
type RPCProvider struct {
	client       *rpc.Client
	logger       *logrus.Logger
	hub          *eventHub
	pollInterval time.Duration

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewRPCProvider 创建RPC钱包
func NewRPCProvider(client *rpc.Client, pollInterval time.Duration, logger *logrus.Logger) *RPCProvider {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &RPCProvider{
		client:       client,
		logger:       logger,
		hub:          newEventHub(logger),
		pollInterval: pollInterval,
		stopCh:       make(chan struct{}),
	}
}

// DialRPCProvider 连接RPC钱包
func DialRPCProvider(ctx context.Context, url string, pollInterval time.Duration, logger *logrus.Logger) (*RPCProvider, error) {
	client, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("连接钱包失败: %w", err)
	}
	return NewRPCProvider(client, pollInterval, logger), nil
}

// Kind 钱包类型
func (p *RPCProvider) Kind() Kind {
	return KindRPC
}

// mapError 把钱包错误码转换为本地错误
func mapError(err error) error {
	if err == nil {
		return nil
	}

	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		switch rpcErr.ErrorCode() {
		case CodeUserRejected:
			return deserrors.ErrUserRejected.WithCause(err)
		case CodeChainNotAdded:
			return fmt.Errorf("%w: %v", ErrChainNotAdded, err)
		}
	}
	return err
}

// RequestAccounts eth_requestAccounts
func (p *RPCProvider) RequestAccounts(ctx context.Context) ([]common.Address, error) {
	var accounts []common.Address
	if err := p.client.CallContext(ctx, &accounts, "eth_requestAccounts"); err != nil {
		return nil, mapError(err)
	}
	if accounts == nil {
		accounts = []common.Address{}
	}
	return accounts, nil
}

// ChainID eth_chainId
func (p *RPCProvider) ChainID(ctx context.Context) (*big.Int, error) {
	var result hexutil.Big
	if err := p.client.CallContext(ctx, &result, "eth_chainId"); err != nil {
		return nil, mapError(err)
	}
	return (*big.Int)(&result), nil
}

// switchChainParams wallet_switchEthereumChain 参数
type switchChainParams struct {
	ChainID string `json:"chainId"`
}

// SwitchChain wallet_switchEthereumChain
func (p *RPCProvider) SwitchChain(ctx context.Context, chainID *big.Int) error {
	params := switchChainParams{ChainID: hexutil.EncodeBig(chainID)}
	if err := p.client.CallContext(ctx, nil, "wallet_switchEthereumChain", params); err != nil {
		return mapError(err)
	}
	return nil
}

// AddChain wallet_addEthereumChain
func (p *RPCProvider) AddChain(ctx context.Context, params *chain.Params) error {
	if params == nil {
		return fmt.Errorf("网络参数无效")
	}
	if err := p.client.CallContext(ctx, nil, "wallet_addEthereumChain", params.AddChainRequest()); err != nil {
		return mapError(err)
	}
	return nil
}

// txArgs eth_signTransaction 参数
type txArgs struct {
	From                 common.Address  `json:"from"`
	To                   *common.Address `json:"to,omitempty"`
	Gas                  hexutil.Uint64  `json:"gas"`
	MaxFeePerGas         *hexutil.Big    `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *hexutil.Big    `json:"maxPriorityFeePerGas"`
	Value                *hexutil.Big    `json:"value"`
	Nonce                hexutil.Uint64  `json:"nonce"`
	Input                hexutil.Bytes   `json:"input"`
	ChainID              *hexutil.Big    `json:"chainId"`
}

// signResult eth_signTransaction 返回值，兼容只返回raw的钱包
type signResult struct {
	Raw hexutil.Bytes `json:"raw"`
}

// SignTx eth_signTransaction
func (p *RPCProvider) SignTx(ctx context.Context, account common.Address, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	args := txArgs{
		From:                 account,
		To:                   tx.To(),
		Gas:                  hexutil.Uint64(tx.Gas()),
		MaxFeePerGas:         (*hexutil.Big)(tx.GasFeeCap()),
		MaxPriorityFeePerGas: (*hexutil.Big)(tx.GasTipCap()),
		Value:                (*hexutil.Big)(tx.Value()),
		Nonce:                hexutil.Uint64(tx.Nonce()),
		Input:                tx.Data(),
		ChainID:              (*hexutil.Big)(chainID),
	}

	var raw json.RawMessage
	if err := p.client.CallContext(ctx, &raw, "eth_signTransaction", args); err != nil {
		return nil, mapError(err)
	}

	encoded, err := decodeSignResult(raw)
	if err != nil {
		return nil, err
	}

	signed := new(types.Transaction)
	if err := signed.UnmarshalBinary(encoded); err != nil {
		return nil, fmt.Errorf("解析签名交易失败: %w", err)
	}

	sender, err := types.Sender(types.LatestSignerForChainID(chainID), signed)
	if err != nil {
		return nil, fmt.Errorf("恢复签名地址失败: %w", err)
	}
	if sender != account {
		return nil, fmt.Errorf("签名地址不匹配: 期望 %s, 实际 %s", account.Hex(), sender.Hex())
	}
	return signed, nil
}

func decodeSignResult(raw json.RawMessage) ([]byte, error) {
	var result signResult
	if err := json.Unmarshal(raw, &result); err == nil && len(result.Raw) > 0 {
		return result.Raw, nil
	}

	var encoded hexutil.Bytes
	if err := json.Unmarshal(raw, &encoded); err != nil {
		return nil, fmt.Errorf("无法识别的签名结果: %w", err)
	}
	return encoded, nil
}

// Subscribe 订阅钱包事件，首次订阅时开始轮询账户和网络
func (p *RPCProvider) Subscribe(buffer int) (<-chan Event, func()) {
	ch, unsubscribe := p.hub.subscribe(buffer)
	p.startOnce.Do(func() {
		p.wg.Add(1)
		go p.poll()
	})
	return ch, unsubscribe
}

// poll 轮询 eth_accounts 和 eth_chainId，变化时发布事件
func (p *RPCProvider) poll() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	var (
		lastAccounts []common.Address
		lastChain    *big.Int
		initialized  bool
	)

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
		}

		if p.hub.count() == 0 {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), p.pollInterval)
		var accounts []common.Address
		accErr := p.client.CallContext(ctx, &accounts, "eth_accounts")
		chainID, chainErr := p.ChainID(ctx)
		cancel()

		if accErr != nil || chainErr != nil {
			p.logger.Debugf("轮询钱包状态失败: accounts=%v chain=%v", accErr, chainErr)
			continue
		}

		if !initialized {
			lastAccounts, lastChain, initialized = accounts, chainID, true
			continue
		}

		if lastChain.Cmp(chainID) != 0 {
			lastChain = chainID
			p.hub.publish(Event{Type: ChainChanged, ChainID: chainID})
		}
		if !sameAccounts(lastAccounts, accounts) {
			lastAccounts = accounts
			if accounts == nil {
				accounts = []common.Address{}
			}
			p.hub.publish(Event{Type: AccountsChanged, Accounts: accounts})
		}
	}
}

func sameAccounts(a, b []common.Address) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Close 停止轮询并关闭订阅和连接
func (p *RPCProvider) Close() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
	})
	p.wg.Wait()
	p.hub.closeAll()
	p.client.Close()
}
