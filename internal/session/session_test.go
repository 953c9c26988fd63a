package session

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"deslink/internal/chain"
	"deslink/internal/contract"
	deserrors "deslink/internal/errors"
	"deslink/internal/wallet"
	"deslink/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	usdc  = common.HexToAddress("0x0000000000000000000000000000000000000dc1")
)

// fakeProvider 可控的钱包
type fakeProvider struct {
	mu         sync.Mutex
	kind       wallet.Kind
	accounts   []common.Address
	accountErr error
	chainID    *big.Int
	known      map[int64]bool
	switchErr  error
	addErr     error
	calls      []string
	events     chan wallet.Event
	unsubbed   bool
	onSwitch   func()
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		kind:     wallet.KindKeystore,
		accounts: []common.Address{alice},
		chainID:  big.NewInt(1),
		known:    map[int64]bool{1: true},
		events:   make(chan wallet.Event, 8),
	}
}

func (p *fakeProvider) record(call string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, call)
}

func (p *fakeProvider) Kind() wallet.Kind { return p.kind }

func (p *fakeProvider) RequestAccounts(ctx context.Context) ([]common.Address, error) {
	p.record("request_accounts")
	return p.accounts, p.accountErr
}

func (p *fakeProvider) ChainID(ctx context.Context) (*big.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return new(big.Int).Set(p.chainID), nil
}

func (p *fakeProvider) SwitchChain(ctx context.Context, chainID *big.Int) error {
	p.record("switch")
	if p.onSwitch != nil {
		p.onSwitch()
	}
	if p.switchErr != nil {
		return p.switchErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.known[chainID.Int64()] {
		return wallet.ErrChainNotAdded
	}
	p.chainID = new(big.Int).Set(chainID)
	p.events <- wallet.Event{Type: wallet.ChainChanged, ChainID: new(big.Int).Set(chainID)}
	return nil
}

func (p *fakeProvider) AddChain(ctx context.Context, params *chain.Params) error {
	p.record("add")
	if p.addErr != nil {
		return p.addErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.known[params.ChainID] = true
	return nil
}

func (p *fakeProvider) SignTx(ctx context.Context, account common.Address, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return tx, nil
}

func (p *fakeProvider) Subscribe(buffer int) (<-chan wallet.Event, func()) {
	return p.events, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.unsubbed = true
	}
}

// fakeContract 记录交易调用顺序
type fakeContract struct {
	mu       sync.Mutex
	account  common.Address
	calls    []string
	sendErr  error
	waitErr  error
	payments []models.Payment
	readErr  error
	nonce    uint64
}

func (c *fakeContract) tx(call string) (*types.Transaction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, call)
	if c.sendErr != nil {
		return nil, c.sendErr
	}
	c.nonce++
	return types.NewTx(&types.LegacyTx{Nonce: c.nonce}), nil
}

func (c *fakeContract) Account() common.Address { return c.account }

func (c *fakeContract) MakePayment(ctx context.Context, nodeID, duration, value *big.Int) (*types.Transaction, error) {
	return c.tx("makePayment")
}

func (c *fakeContract) Approve(ctx context.Context, token common.Address, amount *big.Int) (*types.Transaction, error) {
	return c.tx("approve")
}

func (c *fakeContract) MakePaymentStablecoin(ctx context.Context, nodeID, duration, amount *big.Int, kind models.TokenKind) (*types.Transaction, error) {
	return c.tx("makePaymentStablecoin")
}

func (c *fakeContract) RegisterNode(ctx context.Context, location string, priceETH, priceUSD *big.Int) (*types.Transaction, error) {
	return c.tx("registerNode")
}

func (c *fakeContract) VoteOnProposal(ctx context.Context, id *big.Int, support bool) (*types.Transaction, error) {
	return c.tx("voteOnProposal")
}

func (c *fakeContract) ExecuteProposal(ctx context.Context, id *big.Int) (*types.Transaction, error) {
	return c.tx("executeProposal")
}

func (c *fakeContract) WaitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, "wait")
	if c.waitErr != nil {
		return nil, c.waitErr
	}
	return &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: tx.Hash()}, nil
}

func (c *fakeContract) GetUserPayments(ctx context.Context, user common.Address) ([]models.Payment, error) {
	return c.payments, c.readErr
}

func (c *fakeContract) GetNetworkStats(ctx context.Context) (*models.NetworkStats, error) {
	if c.readErr != nil {
		return nil, c.readErr
	}
	return &models.NetworkStats{TotalNodes: big.NewInt(3)}, nil
}

func (c *fakeContract) CanParticipateInGovernance(ctx context.Context, user common.Address) (bool, error) {
	return true, c.readErr
}

func (c *fakeContract) GetUserReputation(ctx context.Context, user common.Address) (*big.Int, error) {
	return big.NewInt(150), c.readErr
}

func (c *fakeContract) GetProposalDetails(ctx context.Context, id *big.Int) (*models.Proposal, error) {
	return &models.Proposal{ID: id}, c.readErr
}

func (c *fakeContract) callLog() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

type harness struct {
	provider *fakeProvider
	contract *fakeContract
	manager  *Manager
	bound    []common.Address
	mu       sync.Mutex
}

func newHarness(t *testing.T, provider *fakeProvider) *harness {
	t.Helper()

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	h := &harness{provider: provider, contract: &fakeContract{}}
	binder := func(account common.Address, signer contract.SignerFn) Contract {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.bound = append(h.bound, account)
		h.contract.account = account
		return h.contract
	}

	var p wallet.Provider
	if provider != nil {
		p = provider
	}
	h.manager = NewManager(p, binder, Options{
		ExpectedKind: wallet.KindKeystore,
		Chain:        chain.ScrollSepolia(),
		USDCAddress:  usdc,
	}, logger)
	t.Cleanup(h.manager.Close)
	return h
}

func (h *harness) connect(t *testing.T) {
	t.Helper()
	require.NoError(t, h.manager.Connect(context.Background()))
}

func TestConnect_AddsChainThenRetriesSwitch(t *testing.T) {
	h := newHarness(t, newFakeProvider())
	h.connect(t)

	s := h.manager.Snapshot()
	assert.True(t, s.IsConnected)
	assert.Equal(t, Connected, s.State)
	assert.Equal(t, alice, *s.Account)
	assert.Equal(t, int64(chain.ScrollSepoliaChainID), s.ChainID.Int64())
	assert.False(t, s.IsLoading)
	assert.Nil(t, s.LastError)
	assert.Equal(t, []string{"request_accounts", "switch", "add", "switch"}, h.provider.calls)
}

func TestConnect_AlreadyOnChain(t *testing.T) {
	p := newFakeProvider()
	p.known[chain.ScrollSepoliaChainID] = true
	h := newHarness(t, p)
	h.connect(t)

	assert.Equal(t, []string{"request_accounts", "switch"}, p.calls)
	assert.True(t, h.manager.Snapshot().IsConnected)
}

func TestConnect_NoMutationWithoutProvider(t *testing.T) {
	h := newHarness(t, nil)

	err := h.manager.Connect(context.Background())
	assert.ErrorIs(t, err, deserrors.ErrProviderMissing)

	s := h.manager.Snapshot()
	assert.False(t, s.IsConnected)
	assert.False(t, s.IsLoading)
	assert.Nil(t, s.LastError)
	assert.Equal(t, Disconnected, s.State)
}

func TestConnect_WalletMismatch(t *testing.T) {
	p := newFakeProvider()
	p.kind = wallet.KindRPC
	h := newHarness(t, p)

	err := h.manager.Connect(context.Background())
	assert.ErrorIs(t, err, deserrors.ErrWalletMismatch)
	assert.Empty(t, p.calls)
	assert.Nil(t, h.manager.Snapshot().LastError)
}

func TestConnect_Failures(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(p *fakeProvider)
		wantErr *deserrors.DeslinkError
	}{
		{
			name:    "没有账户",
			setup:   func(p *fakeProvider) { p.accounts = nil },
			wantErr: deserrors.ErrNoAccounts,
		},
		{
			name:    "用户拒绝授权",
			setup:   func(p *fakeProvider) { p.accountErr = deserrors.ErrUserRejected },
			wantErr: deserrors.ErrUserRejected,
		},
		{
			name:    "添加网络失败",
			setup:   func(p *fakeProvider) { p.addErr = errors.New("boom") },
			wantErr: deserrors.ErrNetworkSwitchFailed,
		},
		{
			name:    "切换网络失败",
			setup:   func(p *fakeProvider) { p.switchErr = errors.New("internal error") },
			wantErr: deserrors.ErrNetworkSwitchFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newFakeProvider()
			tt.setup(p)
			h := newHarness(t, p)

			err := h.manager.Connect(context.Background())
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)

			s := h.manager.Snapshot()
			assert.False(t, s.IsConnected)
			assert.Nil(t, s.Account)
			assert.False(t, s.IsLoading)
			require.NotNil(t, s.LastError)
			assert.Equal(t, deserrors.UserMessage(err), *s.LastError)
		})
	}
}

func TestEvents_AccountsChangedRebinds(t *testing.T) {
	h := newHarness(t, newFakeProvider())
	h.connect(t)

	h.provider.events <- wallet.Event{Type: wallet.AccountsChanged, Accounts: []common.Address{bob}}

	assert.Eventually(t, func() bool {
		s := h.manager.Snapshot()
		return s.Account != nil && *s.Account == bob
	}, time.Second, 10*time.Millisecond)

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Equal(t, []common.Address{alice, bob}, h.bound)
}

func TestEvents_EmptyAccountsDisconnects(t *testing.T) {
	h := newHarness(t, newFakeProvider())
	h.connect(t)

	h.provider.events <- wallet.Event{Type: wallet.AccountsChanged}

	assert.Eventually(t, func() bool {
		return !h.manager.Snapshot().IsConnected
	}, time.Second, 10*time.Millisecond)

	_, err := h.manager.GetUserReputation(context.Background(), alice)
	assert.ErrorIs(t, err, deserrors.ErrNotConnected)
}

func TestEvents_ChainChangedResets(t *testing.T) {
	h := newHarness(t, newFakeProvider())
	h.connect(t)

	resets := make(chan struct{}, 1)
	h.manager.OnReset(func() { resets <- struct{}{} })

	// 切到当前网络不触发重置
	h.provider.events <- wallet.Event{Type: wallet.ChainChanged, ChainID: chain.ScrollSepolia().BigChainID()}
	h.provider.events <- wallet.Event{Type: wallet.ChainChanged, ChainID: big.NewInt(1)}

	select {
	case <-resets:
	case <-time.After(time.Second):
		t.Fatal("网络切换后没有触发重置")
	}

	s := h.manager.Snapshot()
	assert.False(t, s.IsConnected)
	assert.Nil(t, s.ChainID)
	assert.Empty(t, h.manager.GetUserPayments(context.Background()))
}

func TestMakePayment_ETH(t *testing.T) {
	h := newHarness(t, newFakeProvider())
	h.connect(t)

	var phases []Phase
	result, err := h.manager.MakePayment(context.Background(), PaymentRequest{
		NodeID:   big.NewInt(1),
		Duration: big.NewInt(3600),
		Amount:   big.NewInt(1e15),
		Method:   models.PaymentMethodETH,
	}, func(p Phase) { phases = append(phases, p) })
	require.NoError(t, err)

	assert.Nil(t, result.ApproveTx)
	assert.NotNil(t, result.Receipt)
	assert.Equal(t, []Phase{PhasePaying}, phases)
	assert.Equal(t, []string{"makePayment", "wait"}, h.contract.callLog())
	assert.False(t, h.manager.Snapshot().IsLoading)
}

func TestMakePayment_StablecoinApprovesFirst(t *testing.T) {
	h := newHarness(t, newFakeProvider())
	h.connect(t)

	var phases []Phase
	result, err := h.manager.MakePayment(context.Background(), PaymentRequest{
		NodeID:   big.NewInt(2),
		Duration: big.NewInt(21600),
		Amount:   big.NewInt(1_000_000),
		Method:   models.PaymentMethodUSDC,
	}, func(p Phase) { phases = append(phases, p) })
	require.NoError(t, err)

	require.NotNil(t, result.ApproveTx)
	assert.NotEqual(t, *result.ApproveTx, result.PaymentTx)
	assert.Equal(t, []Phase{PhaseApproving, PhasePaying}, phases)
	assert.Equal(t, []string{"approve", "wait", "makePaymentStablecoin", "wait"}, h.contract.callLog())
}

func TestMakePayment_Errors(t *testing.T) {
	tests := []struct {
		name    string
		method  models.PaymentMethod
		sendErr error
		waitErr error
		wantErr *deserrors.DeslinkError
		wantMsg string
	}{
		{
			name:    "用户拒绝",
			method:  models.PaymentMethodETH,
			sendErr: deserrors.ErrUserRejected.WithCause(errors.New("user rejected transaction")),
			wantErr: deserrors.ErrPaymentRejected,
			wantMsg: "Transaction was rejected by user.",
		},
		{
			name:    "合约回滚",
			method:  models.PaymentMethodETH,
			waitErr: deserrors.ErrContractReverted.WithReason("NodeNotActive(7)"),
			wantErr: deserrors.ErrPaymentFailed,
			wantMsg: "NodeNotActive(7)",
		},
		{
			name:    "未配置USDT地址",
			method:  models.PaymentMethodUSDT,
			wantErr: deserrors.ErrConfigInvalid,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, newFakeProvider())
			h.connect(t)
			h.contract.sendErr = tt.sendErr
			h.contract.waitErr = tt.waitErr

			_, err := h.manager.MakePayment(context.Background(), PaymentRequest{
				NodeID:   big.NewInt(7),
				Duration: big.NewInt(3600),
				Amount:   big.NewInt(1),
				Method:   tt.method,
			}, nil)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			if tt.wantMsg != "" {
				assert.Equal(t, tt.wantMsg, deserrors.UserMessage(err))
			}

			s := h.manager.Snapshot()
			assert.False(t, s.IsLoading)
			require.NotNil(t, s.LastError)
			assert.True(t, s.IsConnected)
		})
	}
}

func TestMakePayment_NotConnected(t *testing.T) {
	h := newHarness(t, newFakeProvider())

	_, err := h.manager.MakePayment(context.Background(), PaymentRequest{
		NodeID: big.NewInt(1), Duration: big.NewInt(3600), Amount: big.NewInt(1),
	}, nil)
	assert.ErrorIs(t, err, deserrors.ErrNotConnected)
	assert.Empty(t, h.contract.callLog())
}

func TestReads(t *testing.T) {
	h := newHarness(t, newFakeProvider())

	assert.Empty(t, h.manager.GetUserPayments(context.Background()))
	assert.Nil(t, h.manager.GetNetworkStats(context.Background()))

	h.connect(t)
	h.contract.payments = []models.Payment{{NodeID: big.NewInt(1)}}
	assert.Len(t, h.manager.GetUserPayments(context.Background()), 1)
	require.NotNil(t, h.manager.GetNetworkStats(context.Background()))

	h.contract.readErr = errors.New("header not found")
	assert.NotNil(t, h.manager.GetUserPayments(context.Background()))
	assert.Empty(t, h.manager.GetUserPayments(context.Background()))
	assert.Nil(t, h.manager.GetNetworkStats(context.Background()))
}

func TestSendTransactions(t *testing.T) {
	h := newHarness(t, newFakeProvider())
	h.connect(t)
	ctx := context.Background()

	_, err := h.manager.VoteOnProposal(ctx, big.NewInt(1), true)
	require.NoError(t, err)
	_, err = h.manager.ExecuteProposal(ctx, big.NewInt(1))
	require.NoError(t, err)
	_, err = h.manager.RegisterNode(ctx, "Dubai Marina", big.NewInt(1e15), big.NewInt(1e6))
	require.NoError(t, err)

	assert.Equal(t, []string{
		"voteOnProposal", "wait",
		"executeProposal", "wait",
		"registerNode", "wait",
	}, h.contract.callLog())
}

func TestCloseUnsubscribes(t *testing.T) {
	p := newFakeProvider()
	h := newHarness(t, p)

	h.manager.Close()
	h.manager.Close()

	p.mu.Lock()
	defer p.mu.Unlock()
	assert.True(t, p.unsubbed)
	assert.ErrorIs(t, h.manager.Disconnect(), ErrClosed)
}

func TestSessionInvariant_AcrossTransitions(t *testing.T) {
	h := newHarness(t, newFakeProvider())

	check := func(step string) {
		s := h.manager.Snapshot()
		assert.Equal(t, s.Account != nil, s.IsConnected, step)
	}

	check("初始")
	h.connect(t)
	check("连接后")

	h.provider.events <- wallet.Event{Type: wallet.AccountsChanged, Accounts: []common.Address{bob}}
	assert.Eventually(t, func() bool {
		s := h.manager.Snapshot()
		return s.Account != nil && *s.Account == bob
	}, time.Second, 10*time.Millisecond)
	check("切换账户后")

	require.NoError(t, h.manager.Disconnect())
	check("断开后")
	assert.Equal(t, Disconnected, h.manager.Snapshot().State)

	h.connect(t)
	check("重新连接后")

	h.provider.events <- wallet.Event{Type: wallet.AccountsChanged}
	assert.Eventually(t, func() bool {
		return h.manager.Snapshot().State == Disconnected
	}, time.Second, 10*time.Millisecond)
	check("账户清空后")
}

func TestConnect_AccountsRevokedDuringConnect(t *testing.T) {
	p := newFakeProvider()
	p.known[chain.ScrollSepoliaChainID] = true
	h := newHarness(t, p)

	p.onSwitch = func() {
		p.onSwitch = nil
		p.events <- wallet.Event{Type: wallet.AccountsChanged}
		require.Eventually(t, func() bool {
			return h.manager.Snapshot().State == Disconnected
		}, time.Second, 5*time.Millisecond)
	}

	err := h.manager.Connect(context.Background())
	assert.ErrorIs(t, err, deserrors.ErrNotConnected)

	s := h.manager.Snapshot()
	assert.Equal(t, Disconnected, s.State)
	assert.False(t, s.IsConnected)
	assert.Nil(t, s.Account)
	assert.Empty(t, h.manager.GetUserPayments(context.Background()))
}

func TestConnect_DisconnectDuringConnect(t *testing.T) {
	p := newFakeProvider()
	p.known[chain.ScrollSepoliaChainID] = true
	h := newHarness(t, p)

	p.onSwitch = func() {
		p.onSwitch = nil
		require.NoError(t, h.manager.Disconnect())
	}

	err := h.manager.Connect(context.Background())
	assert.ErrorIs(t, err, deserrors.ErrNotConnected)
	assert.False(t, h.manager.Snapshot().IsConnected)
}
