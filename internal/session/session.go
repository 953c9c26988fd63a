package session

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"deslink/internal/chain"
	"deslink/internal/contract"
	deserrors "deslink/internal/errors"
	"deslink/internal/wallet"
	"deslink/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"
)

// ErrClosed 会话管理器已关闭
var ErrClosed = errors.New("会话管理器已关闭")

// State 连接状态
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

// String 状态名
func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Session 当前钱包连接，IsConnected 始终等于 Account != nil
type Session struct {
	Account     *common.Address `json:"account"`
	ChainID     *big.Int        `json:"chain_id"`
	IsConnected bool            `json:"is_connected"`
	IsLoading   bool            `json:"is_loading"`
	LastError   *string         `json:"last_error"`
	State       State           `json:"-"`
}

// StateName 状态名，供JSON输出
func (s Session) StateName() string {
	return s.State.String()
}

// Contract 会话需要的合约能力，contract.Bound 满足该接口
type Contract interface {
	Account() common.Address
	MakePayment(ctx context.Context, nodeID, duration, value *big.Int) (*types.Transaction, error)
	Approve(ctx context.Context, token common.Address, amount *big.Int) (*types.Transaction, error)
	MakePaymentStablecoin(ctx context.Context, nodeID, duration, amount *big.Int, kind models.TokenKind) (*types.Transaction, error)
	RegisterNode(ctx context.Context, location string, priceETH, priceUSD *big.Int) (*types.Transaction, error)
	VoteOnProposal(ctx context.Context, id *big.Int, support bool) (*types.Transaction, error)
	ExecuteProposal(ctx context.Context, id *big.Int) (*types.Transaction, error)
	WaitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error)
	GetUserPayments(ctx context.Context, user common.Address) ([]models.Payment, error)
	GetNetworkStats(ctx context.Context) (*models.NetworkStats, error)
	CanParticipateInGovernance(ctx context.Context, user common.Address) (bool, error)
	GetUserReputation(ctx context.Context, user common.Address) (*big.Int, error)
	GetProposalDetails(ctx context.Context, id *big.Int) (*models.Proposal, error)
}

// Binder 把账户和签名函数绑定成合约句柄
type Binder func(account common.Address, signer contract.SignerFn) Contract

// BindDesertWifi 使用节点市场合约的绑定函数
func BindDesertWifi(c *contract.DesertWifi) Binder {
	return func(account common.Address, signer contract.SignerFn) Contract {
		return c.Bind(account, signer)
	}
}

// Options 会话参数
type Options struct {
	ExpectedKind wallet.Kind
	Chain        *chain.Params
	USDCAddress  common.Address
	USDTAddress  common.Address
	EventBuffer  int
}

// Manager 会话管理器，所有状态修改都在单个goroutine中执行
type Manager struct {
	provider wallet.Provider
	bind     Binder
	opts     Options
	logger   *logrus.Logger

	mu       sync.RWMutex
	session  Session
	contract Contract
	onReset  []func()

	updates     chan func()
	events      <-chan wallet.Event
	unsubscribe func()
	stop        chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
}

// NewManager 创建会话管理器，provider 为空表示未检测到钱包
func NewManager(provider wallet.Provider, bind Binder, opts Options, logger *logrus.Logger) *Manager {
	if opts.Chain == nil {
		opts.Chain = chain.ScrollSepolia()
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 16
	}

	m := &Manager{
		provider: provider,
		bind:     bind,
		opts:     opts,
		logger:   logger,
		updates:  make(chan func()),
		stop:     make(chan struct{}),
	}

	if provider != nil {
		m.events, m.unsubscribe = provider.Subscribe(opts.EventBuffer)
	}

	m.wg.Add(1)
	go m.run()
	return m
}

// run 单写者循环
func (m *Manager) run() {
	defer m.wg.Done()

	for {
		select {
		case <-m.stop:
			return
		case fn := <-m.updates:
			fn()
		case ev, ok := <-m.events:
			if !ok {
				m.events = nil
				continue
			}
			m.handleEvent(ev)
		}
	}
}

// apply 把修改交给单写者循环执行并等待完成
func (m *Manager) apply(fn func(s *Session)) error {
	done := make(chan struct{})
	update := func() {
		m.mu.Lock()
		fn(&m.session)
		m.session.IsConnected = m.session.Account != nil
		m.mu.Unlock()
		close(done)
	}

	select {
	case m.updates <- update:
	case <-m.stop:
		return ErrClosed
	}
	<-done
	return nil
}

// resetLocked 清空会话和合约绑定，调用方持有写锁
func (m *Manager) resetLocked(s *Session) {
	*s = Session{State: Disconnected}
	m.contract = nil
}

// handleEvent 处理钱包事件，在单写者循环中执行
func (m *Manager) handleEvent(ev wallet.Event) {
	var resetHooks []func()

	m.mu.Lock()
	switch ev.Type {
	case wallet.AccountsChanged:
		switch {
		case len(ev.Accounts) == 0:
			if m.session.State != Disconnected {
				m.logger.Info("钱包已无授权账户，断开会话")
			}
			m.resetLocked(&m.session)
		case m.session.State == Connected:
			account := ev.Accounts[0]
			if m.session.Account == nil || *m.session.Account != account {
				m.logger.Infof("钱包账户切换为 %s", account.Hex())
				m.session.Account = &account
				m.contract = m.bind(account, m.provider.SignTx)
			}
		}
	case wallet.ChainChanged:
		// 连接过程中切换网络由连接流程自己确认；切到当前网络不需要处理
		if m.session.State == Connecting {
			break
		}
		if ev.ChainID != nil && m.session.ChainID != nil && ev.ChainID.Cmp(m.session.ChainID) == 0 {
			break
		}
		if m.session.State != Disconnected {
			m.logger.Warnf("钱包网络已切换为 %v，丢弃合约绑定和会话状态", ev.ChainID)
		}
		m.resetLocked(&m.session)
		resetHooks = append(resetHooks, m.onReset...)
	}
	m.session.IsConnected = m.session.Account != nil
	m.mu.Unlock()

	for _, hook := range resetHooks {
		hook()
	}
}

// OnReset 注册网络切换时的回调，用于清空依赖会话的缓存
func (m *Manager) OnReset(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onReset = append(m.onReset, fn)
}

// Snapshot 当前会话的副本
func (m *Manager) Snapshot() Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := m.session
	if s.Account != nil {
		account := *s.Account
		s.Account = &account
	}
	if s.ChainID != nil {
		s.ChainID = new(big.Int).Set(s.ChainID)
	}
	if s.LastError != nil {
		msg := *s.LastError
		s.LastError = &msg
	}
	return s
}

// Chain 目标链参数
func (m *Manager) Chain() *chain.Params {
	return m.opts.Chain
}

// Connect 连接钱包：授权账户，切换到目标网络，绑定合约
func (m *Manager) Connect(ctx context.Context) error {
	if m.provider == nil {
		return deserrors.ErrProviderMissing
	}
	if m.opts.ExpectedKind != "" && m.provider.Kind() != m.opts.ExpectedKind {
		return deserrors.ErrWalletMismatch.WithMessage(
			fmt.Sprintf("检测到 %s 钱包，期望 %s", m.provider.Kind(), m.opts.ExpectedKind))
	}

	if err := m.apply(func(s *Session) {
		s.State = Connecting
		s.IsLoading = true
		s.LastError = nil
	}); err != nil {
		return err
	}

	account, chainID, err := m.establish(ctx)
	if err != nil {
		m.logger.Warnf("连接钱包失败: %v", err)
		msg := deserrors.UserMessage(err)
		if applyErr := m.apply(func(s *Session) {
			m.resetLocked(s)
			s.LastError = &msg
		}); applyErr != nil {
			return applyErr
		}
		return err
	}

	bound := m.bind(account, m.provider.SignTx)
	committed := false
	if err := m.apply(func(s *Session) {
		// 连接期间账户被撤销或会话被断开时不能恢复连接
		if s.State != Connecting {
			return
		}
		s.Account = &account
		s.ChainID = chainID
		s.State = Connected
		s.IsLoading = false
		m.contract = bound
		committed = true
	}); err != nil {
		return err
	}
	if !committed {
		m.logger.Warn("连接过程中会话已被重置，放弃本次连接")
		return deserrors.ErrNotConnected
	}

	m.logger.Infof("钱包已连接: %s (链 %s)", account.Hex(), chainID)
	return nil
}

// establish 执行连接所需的钱包请求
func (m *Manager) establish(ctx context.Context) (common.Address, *big.Int, error) {
	accounts, err := m.provider.RequestAccounts(ctx)
	if err != nil {
		if deserrors.IsUserRejection(err) {
			return common.Address{}, nil, deserrors.ErrUserRejected.WithCause(err)
		}
		return common.Address{}, nil, deserrors.ErrNoAccounts.WithCause(err)
	}
	if len(accounts) == 0 {
		return common.Address{}, nil, deserrors.ErrNoAccounts
	}

	if err := m.switchNetwork(ctx); err != nil {
		return common.Address{}, nil, err
	}

	chainID, err := m.provider.ChainID(ctx)
	if err != nil {
		return common.Address{}, nil, deserrors.ErrNetworkSwitchFailed.WithCause(err)
	}
	if chainID.Cmp(m.opts.Chain.BigChainID()) != 0 {
		return common.Address{}, nil, deserrors.ErrNetworkSwitchFailed.WithReason(
			fmt.Sprintf("wallet is on chain %s, expected %d", chainID, m.opts.Chain.ChainID))
	}

	return accounts[0], chainID, nil
}

// switchNetwork 切换到目标网络，钱包不认识该网络时先添加再重试
func (m *Manager) switchNetwork(ctx context.Context) error {
	target := m.opts.Chain.BigChainID()

	err := m.provider.SwitchChain(ctx, target)
	if err == nil {
		return nil
	}
	if deserrors.IsUserRejection(err) {
		return deserrors.ErrUserRejected.WithCause(err)
	}
	if !errors.Is(err, wallet.ErrChainNotAdded) {
		return deserrors.ErrNetworkSwitchFailed.WithCause(err)
	}

	m.logger.Infof("钱包中没有 %s，添加网络", m.opts.Chain.Name)
	if err := m.provider.AddChain(ctx, m.opts.Chain); err != nil {
		if deserrors.IsUserRejection(err) {
			return deserrors.ErrUserRejected.WithCause(err)
		}
		return deserrors.ErrNetworkSwitchFailed.WithCause(err)
	}

	if err := m.provider.SwitchChain(ctx, target); err != nil {
		if deserrors.IsUserRejection(err) {
			return deserrors.ErrUserRejected.WithCause(err)
		}
		return deserrors.ErrNetworkSwitchFailed.WithCause(err)
	}
	return nil
}

// Disconnect 清空会话，不撤销钱包侧授权
func (m *Manager) Disconnect() error {
	return m.apply(func(s *Session) {
		m.resetLocked(s)
	})
}

// bound 当前合约句柄和账户
func (m *Manager) bound() (Contract, common.Address, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.contract == nil || m.session.Account == nil {
		return nil, common.Address{}, deserrors.ErrNotConnected
	}
	return m.contract, *m.session.Account, nil
}

// setLoading 标记进行中的操作；出错时记录用户提示
func (m *Manager) setLoading(loading bool, err error) {
	var msg *string
	if err != nil {
		text := deserrors.UserMessage(err)
		msg = &text
	}
	if applyErr := m.apply(func(s *Session) {
		s.IsLoading = loading
		if loading {
			s.LastError = nil
		} else if msg != nil {
			s.LastError = msg
		}
	}); applyErr != nil {
		m.logger.Debugf("更新会话状态失败: %v", applyErr)
	}
}

// GetUserPayments 当前账户的支付记录，失败时返回空列表
func (m *Manager) GetUserPayments(ctx context.Context) []models.Payment {
	c, account, err := m.bound()
	if err != nil {
		return []models.Payment{}
	}

	payments, err := c.GetUserPayments(ctx, account)
	if err != nil {
		m.logger.Errorf("获取支付记录失败: %v", err)
		return []models.Payment{}
	}
	if payments == nil {
		payments = []models.Payment{}
	}
	return payments
}

// GetNetworkStats 网络统计，失败时返回nil
func (m *Manager) GetNetworkStats(ctx context.Context) *models.NetworkStats {
	c, _, err := m.bound()
	if err != nil {
		return nil
	}

	stats, err := c.GetNetworkStats(ctx)
	if err != nil {
		m.logger.Errorf("获取网络统计失败: %v", err)
		return nil
	}
	return stats
}

// CanParticipateInGovernance 账户是否具备治理资格
func (m *Manager) CanParticipateInGovernance(ctx context.Context, account common.Address) (bool, error) {
	c, _, err := m.bound()
	if err != nil {
		return false, err
	}
	return c.CanParticipateInGovernance(ctx, account)
}

// GetUserReputation 账户信誉分
func (m *Manager) GetUserReputation(ctx context.Context, account common.Address) (*big.Int, error) {
	c, _, err := m.bound()
	if err != nil {
		return nil, err
	}
	return c.GetUserReputation(ctx, account)
}

// GetProposalDetails 查询提案
func (m *Manager) GetProposalDetails(ctx context.Context, id *big.Int) (*models.Proposal, error) {
	c, _, err := m.bound()
	if err != nil {
		return nil, err
	}
	return c.GetProposalDetails(ctx, id)
}

// VoteOnProposal 投票并等待上链
func (m *Manager) VoteOnProposal(ctx context.Context, id *big.Int, support bool) (*types.Receipt, error) {
	return m.send(ctx, "voteOnProposal", func(c Contract) (*types.Transaction, error) {
		return c.VoteOnProposal(ctx, id, support)
	})
}

// ExecuteProposal 执行提案并等待上链
func (m *Manager) ExecuteProposal(ctx context.Context, id *big.Int) (*types.Receipt, error) {
	return m.send(ctx, "executeProposal", func(c Contract) (*types.Transaction, error) {
		return c.ExecuteProposal(ctx, id)
	})
}

// RegisterNode 注册节点并等待上链
func (m *Manager) RegisterNode(ctx context.Context, location string, priceETH, priceUSD *big.Int) (*types.Receipt, error) {
	return m.send(ctx, "registerNode", func(c Contract) (*types.Transaction, error) {
		return c.RegisterNode(ctx, location, priceETH, priceUSD)
	})
}

// send 发送单笔交易并等待确认
func (m *Manager) send(ctx context.Context, method string, fn func(Contract) (*types.Transaction, error)) (*types.Receipt, error) {
	c, _, err := m.bound()
	if err != nil {
		return nil, err
	}

	m.setLoading(true, nil)
	receipt, err := func() (*types.Receipt, error) {
		tx, err := fn(c)
		if err != nil {
			return nil, err
		}
		return c.WaitMined(ctx, tx)
	}()
	m.setLoading(false, err)

	if err != nil {
		m.logger.Errorf("%s 失败: %v", method, err)
		return nil, err
	}
	return receipt, nil
}

// Close 取消钱包事件订阅并停止循环
func (m *Manager) Close() {
	m.stopOnce.Do(func() {
		if m.unsubscribe != nil {
			m.unsubscribe()
		}
		close(m.stop)
	})
	m.wg.Wait()
}
