package wallet

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"deslink/internal/chain"
	deserrors "deslink/internal/errors"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"
)

// ApprovalKind 需要用户确认的操作
type ApprovalKind string

const (
	ApproveConnect     ApprovalKind = "connect"
	ApproveSwitchChain ApprovalKind = "switch_chain"
	ApproveAddChain    ApprovalKind = "add_chain"
	ApproveSign        ApprovalKind = "sign"
)

// ApprovalRequest 确认请求
type ApprovalRequest struct {
	Kind    ApprovalKind
	Account common.Address
	ChainID *big.Int
	Tx      *types.Transaction
}

// Approver 用户确认回调，返回错误表示用户拒绝
type Approver func(ctx context.Context, req ApprovalRequest) error

// KeystoreProvider 基于本地keystore的钱包
type KeystoreProvider struct {
	ks         *keystore.KeyStore
	passphrase string
	approver   Approver
	logger     *logrus.Logger
	hub        *eventHub

	mu      sync.RWMutex
	chainID *big.Int
	known   map[string]*chain.Params
	active  *common.Address
}

// NewKeystoreProvider 创建keystore钱包，approver 为空时自动同意所有请求
func NewKeystoreProvider(ks *keystore.KeyStore, passphrase string, approver Approver, logger *logrus.Logger) *KeystoreProvider {
	mainnet := big.NewInt(1)
	return &KeystoreProvider{
		ks:         ks,
		passphrase: passphrase,
		approver:   approver,
		logger:     logger,
		hub:        newEventHub(logger),
		chainID:    mainnet,
		known:      map[string]*chain.Params{mainnet.String(): {ChainID: 1, Name: "Ethereum Mainnet"}},
	}
}

// OpenKeystoreProvider 打开目录中的keystore
func OpenKeystoreProvider(dir, passphrase string, approver Approver, logger *logrus.Logger) *KeystoreProvider {
	ks := keystore.NewKeyStore(dir, keystore.StandardScryptN, keystore.StandardScryptP)
	return NewKeystoreProvider(ks, passphrase, approver, logger)
}

// Kind 钱包类型
func (p *KeystoreProvider) Kind() Kind {
	return KindKeystore
}

func (p *KeystoreProvider) approve(ctx context.Context, req ApprovalRequest) error {
	if p.approver == nil {
		return nil
	}
	if err := p.approver(ctx, req); err != nil {
		return deserrors.ErrUserRejected.WithCause(err)
	}
	return nil
}

// RequestAccounts 请求账户授权，当前账户排在第一位
func (p *KeystoreProvider) RequestAccounts(ctx context.Context) ([]common.Address, error) {
	wallets := p.ks.Accounts()
	if len(wallets) == 0 {
		return []common.Address{}, nil
	}

	if err := p.approve(ctx, ApprovalRequest{Kind: ApproveConnect, Account: wallets[0].Address}); err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.active == nil {
		addr := wallets[0].Address
		p.active = &addr
	}
	active := *p.active
	p.mu.Unlock()

	result := []common.Address{active}
	for _, acc := range wallets {
		if acc.Address != active {
			result = append(result, acc.Address)
		}
	}
	return result, nil
}

// ChainID 当前网络
func (p *KeystoreProvider) ChainID(ctx context.Context) (*big.Int, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return new(big.Int).Set(p.chainID), nil
}

// SwitchChain 切换网络
func (p *KeystoreProvider) SwitchChain(ctx context.Context, chainID *big.Int) error {
	p.mu.RLock()
	_, known := p.known[chainID.String()]
	same := p.chainID.Cmp(chainID) == 0
	p.mu.RUnlock()

	if !known {
		return ErrChainNotAdded
	}
	if same {
		return nil
	}
	if err := p.approve(ctx, ApprovalRequest{Kind: ApproveSwitchChain, ChainID: chainID}); err != nil {
		return err
	}

	p.mu.Lock()
	p.chainID = new(big.Int).Set(chainID)
	p.mu.Unlock()

	p.logger.Infof("钱包已切换到网络 %s", chainID)
	p.hub.publish(Event{Type: ChainChanged, ChainID: new(big.Int).Set(chainID)})
	return nil
}

// AddChain 添加网络
func (p *KeystoreProvider) AddChain(ctx context.Context, params *chain.Params) error {
	if params == nil || params.ChainID <= 0 {
		return fmt.Errorf("网络参数无效")
	}
	if err := p.approve(ctx, ApprovalRequest{Kind: ApproveAddChain, ChainID: params.BigChainID()}); err != nil {
		return err
	}

	p.mu.Lock()
	p.known[params.BigChainID().String()] = params
	p.mu.Unlock()

	p.logger.Infof("钱包已添加网络 %s (%d)", params.Name, params.ChainID)
	return nil
}

// SignTx 签名交易
func (p *KeystoreProvider) SignTx(ctx context.Context, account common.Address, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	acc := accounts.Account{Address: account}
	if !p.ks.HasAddress(account) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, account.Hex())
	}
	if err := p.approve(ctx, ApprovalRequest{Kind: ApproveSign, Account: account, ChainID: chainID, Tx: tx}); err != nil {
		return nil, err
	}

	signed, err := p.ks.SignTxWithPassphrase(acc, p.passphrase, tx, chainID)
	if err != nil {
		return nil, fmt.Errorf("签名交易失败: %w", err)
	}
	return signed, nil
}

// Subscribe 订阅钱包事件
func (p *KeystoreProvider) Subscribe(buffer int) (<-chan Event, func()) {
	return p.hub.subscribe(buffer)
}

// SelectAccount 切换当前账户并通知订阅者
func (p *KeystoreProvider) SelectAccount(account common.Address) error {
	if !p.ks.HasAddress(account) {
		return fmt.Errorf("%w: %s", ErrUnknownAccount, account.Hex())
	}

	p.mu.Lock()
	p.active = &account
	p.mu.Unlock()

	p.hub.publish(Event{Type: AccountsChanged, Accounts: []common.Address{account}})
	return nil
}

// RevokeAccounts 撤销授权，订阅者收到空账户列表
func (p *KeystoreProvider) RevokeAccounts() {
	p.mu.Lock()
	p.active = nil
	p.mu.Unlock()

	p.hub.publish(Event{Type: AccountsChanged, Accounts: []common.Address{}})
}

// NewAccount 在keystore中创建新账户
func (p *KeystoreProvider) NewAccount() (common.Address, error) {
	acc, err := p.ks.NewAccount(p.passphrase)
	if err != nil {
		return common.Address{}, fmt.Errorf("创建账户失败: %w", err)
	}
	return acc.Address, nil
}

// Close 关闭所有订阅
func (p *KeystoreProvider) Close() {
	p.hub.closeAll()
}
