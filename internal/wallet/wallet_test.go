package wallet

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"io"
	"math/big"
	"sync"
	"testing"
	"time"

	"deslink/internal/chain"
	deserrors "deslink/internal/errors"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestKeystore(t *testing.T, approver Approver) *KeystoreProvider {
	t.Helper()
	ks := keystore.NewKeyStore(t.TempDir(), keystore.LightScryptN, keystore.LightScryptP)
	p := NewKeystoreProvider(ks, "secret", approver, quietLogger())
	t.Cleanup(p.Close)
	return p
}

func sampleTx(chainID *big.Int) *types.Transaction {
	to := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     3,
		GasTipCap: big.NewInt(1_000_000),
		GasFeeCap: big.NewInt(2_000_000),
		Gas:       50_000,
		To:        &to,
		Value:     big.NewInt(1_000_000_000_000_000),
	})
}

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "事件通道已关闭")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("等待钱包事件超时")
		return Event{}
	}
}

func TestKeystoreProvider_RequestAccounts(t *testing.T) {
	p := newTestKeystore(t, nil)
	ctx := context.Background()

	accounts, err := p.RequestAccounts(ctx)
	require.NoError(t, err)
	assert.Empty(t, accounts)

	addr, err := p.NewAccount()
	require.NoError(t, err)

	accounts, err = p.RequestAccounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, []common.Address{addr}, accounts)
}

func TestKeystoreProvider_SwitchAndAddChain(t *testing.T) {
	p := newTestKeystore(t, nil)
	ctx := context.Background()
	params := chain.ScrollSepolia()

	events, unsubscribe := p.Subscribe(4)
	defer unsubscribe()

	err := p.SwitchChain(ctx, params.BigChainID())
	assert.ErrorIs(t, err, ErrChainNotAdded)

	require.NoError(t, p.AddChain(ctx, params))
	require.NoError(t, p.SwitchChain(ctx, params.BigChainID()))

	ev := receive(t, events)
	assert.Equal(t, ChainChanged, ev.Type)
	assert.Equal(t, int64(chain.ScrollSepoliaChainID), ev.ChainID.Int64())

	current, err := p.ChainID(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(chain.ScrollSepoliaChainID), current.Int64())

	// 已在目标网络时不再发事件
	require.NoError(t, p.SwitchChain(ctx, params.BigChainID()))
	select {
	case ev := <-events:
		t.Fatalf("不应收到事件: %v", ev.Type)
	default:
	}
}

func TestKeystoreProvider_SignTx(t *testing.T) {
	p := newTestKeystore(t, nil)
	addr, err := p.NewAccount()
	require.NoError(t, err)

	chainID := big.NewInt(chain.ScrollSepoliaChainID)
	signed, err := p.SignTx(context.Background(), addr, sampleTx(chainID), chainID)
	require.NoError(t, err)

	sender, err := types.Sender(types.LatestSignerForChainID(chainID), signed)
	require.NoError(t, err)
	assert.Equal(t, addr, sender)

	_, err = p.SignTx(context.Background(), common.HexToAddress("0x01"), sampleTx(chainID), chainID)
	assert.ErrorIs(t, err, ErrUnknownAccount)
}

func TestKeystoreProvider_ApproverRejects(t *testing.T) {
	var mu sync.Mutex
	var seen []ApprovalKind
	p := newTestKeystore(t, func(ctx context.Context, req ApprovalRequest) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, req.Kind)
		if req.Kind == ApproveSign {
			return errors.New("user denied transaction signature")
		}
		return nil
	})

	addr, err := p.NewAccount()
	require.NoError(t, err)

	_, err = p.RequestAccounts(context.Background())
	require.NoError(t, err)

	chainID := big.NewInt(chain.ScrollSepoliaChainID)
	_, err = p.SignTx(context.Background(), addr, sampleTx(chainID), chainID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, deserrors.ErrUserRejected))
	assert.True(t, deserrors.IsUserRejection(err))
	assert.Equal(t, []ApprovalKind{ApproveConnect, ApproveSign}, seen)
}

func TestKeystoreProvider_AccountEvents(t *testing.T) {
	p := newTestKeystore(t, nil)
	first, err := p.NewAccount()
	require.NoError(t, err)
	second, err := p.NewAccount()
	require.NoError(t, err)

	events, unsubscribe := p.Subscribe(4)

	require.NoError(t, p.SelectAccount(second))
	ev := receive(t, events)
	assert.Equal(t, AccountsChanged, ev.Type)
	assert.Equal(t, []common.Address{second}, ev.Accounts)

	accounts, err := p.RequestAccounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, second, accounts[0])
	assert.Contains(t, accounts, first)

	p.RevokeAccounts()
	ev = receive(t, events)
	assert.Empty(t, ev.Accounts)

	unsubscribe()
	_, ok := <-events
	assert.False(t, ok)
	// 重复取消订阅安全
	unsubscribe()
}

func TestEventHub_DropsWhenFull(t *testing.T) {
	hub := newEventHub(quietLogger())
	ch, unsubscribe := hub.subscribe(1)
	defer unsubscribe()

	hub.publish(Event{Type: ChainChanged})
	hub.publish(Event{Type: AccountsChanged})

	assert.Len(t, ch, 1)
	assert.Equal(t, ChainChanged, (<-ch).Type)
}

type stubProvider struct {
	Provider
	kind Kind
}

func (s stubProvider) Kind() Kind { return s.kind }

func TestSelect(t *testing.T) {
	ks := stubProvider{kind: KindKeystore}
	remote := stubProvider{kind: KindRPC}

	assert.Nil(t, Select(nil, KindRPC))
	assert.Equal(t, Kind(KindRPC), Select([]Provider{ks, remote}, KindRPC).Kind())
	assert.Equal(t, Kind(KindKeystore), Select([]Provider{ks}, KindRPC).Kind())
	assert.Equal(t, Kind(KindKeystore), Select([]Provider{nil, ks}, "").Kind())
}

// codeError 带错误码的RPC错误
type codeError struct {
	code int
	msg  string
}

func (e *codeError) Error() string  { return e.msg }
func (e *codeError) ErrorCode() int { return e.code }

// fakeWalletBackend 模拟外部钱包的RPC服务
type fakeWalletBackend struct {
	mu       sync.Mutex
	key      *ecdsa.PrivateKey
	accounts []common.Address
	chainID  *big.Int
	known    map[string]bool
	reject   bool
	rawOnly  bool
}

type fakeEthService struct{ b *fakeWalletBackend }

func (s *fakeEthService) RequestAccounts() ([]common.Address, error) {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	if s.b.reject {
		return nil, &codeError{code: CodeUserRejected, msg: "User rejected the request."}
	}
	return s.b.accounts, nil
}

func (s *fakeEthService) Accounts() []common.Address {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	return s.b.accounts
}

func (s *fakeEthService) ChainId() *hexutil.Big {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	return (*hexutil.Big)(new(big.Int).Set(s.b.chainID))
}

func (s *fakeEthService) SignTransaction(args txArgs) (interface{}, error) {
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   (*big.Int)(args.ChainID),
		Nonce:     uint64(args.Nonce),
		GasTipCap: (*big.Int)(args.MaxPriorityFeePerGas),
		GasFeeCap: (*big.Int)(args.MaxFeePerGas),
		Gas:       uint64(args.Gas),
		To:        args.To,
		Value:     (*big.Int)(args.Value),
		Data:      args.Input,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID((*big.Int)(args.ChainID)), s.b.key)
	if err != nil {
		return nil, err
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, err
	}
	if s.b.rawOnly {
		return hexutil.Bytes(raw), nil
	}
	return map[string]interface{}{"raw": hexutil.Bytes(raw)}, nil
}

type fakeWalletService struct{ b *fakeWalletBackend }

func (s *fakeWalletService) SwitchEthereumChain(params switchChainParams) error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	if !s.b.known[params.ChainID] {
		return &codeError{code: CodeChainNotAdded, msg: "Unrecognized chain ID"}
	}
	id, err := hexutil.DecodeBig(params.ChainID)
	if err != nil {
		return err
	}
	s.b.chainID = id
	return nil
}

func (s *fakeWalletService) AddEthereumChain(req chain.AddChainRequest) error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	s.b.known[req.ChainID] = true
	return nil
}

func newTestRPCProvider(t *testing.T, backend *fakeWalletBackend, poll time.Duration) *RPCProvider {
	t.Helper()
	server := rpc.NewServer()
	require.NoError(t, server.RegisterName("eth", &fakeEthService{b: backend}))
	require.NoError(t, server.RegisterName("wallet", &fakeWalletService{b: backend}))
	t.Cleanup(server.Stop)

	p := NewRPCProvider(rpc.DialInProc(server), poll, quietLogger())
	t.Cleanup(p.Close)
	return p
}

func newFakeBackend(t *testing.T) *fakeWalletBackend {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return &fakeWalletBackend{
		key:      key,
		accounts: []common.Address{crypto.PubkeyToAddress(key.PublicKey)},
		chainID:  big.NewInt(1),
		known:    map[string]bool{"0x1": true},
	}
}

func TestRPCProvider_ConnectFlow(t *testing.T) {
	backend := newFakeBackend(t)
	p := newTestRPCProvider(t, backend, time.Hour)
	ctx := context.Background()
	params := chain.ScrollSepolia()

	accounts, err := p.RequestAccounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, backend.accounts, accounts)

	err = p.SwitchChain(ctx, params.BigChainID())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrChainNotAdded)

	require.NoError(t, p.AddChain(ctx, params))
	require.NoError(t, p.SwitchChain(ctx, params.BigChainID()))

	current, err := p.ChainID(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(chain.ScrollSepoliaChainID), current.Int64())
}

func TestRPCProvider_UserRejected(t *testing.T) {
	backend := newFakeBackend(t)
	backend.reject = true
	p := newTestRPCProvider(t, backend, time.Hour)

	_, err := p.RequestAccounts(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, deserrors.ErrUserRejected))
}

func TestRPCProvider_SignTx(t *testing.T) {
	for _, rawOnly := range []bool{false, true} {
		backend := newFakeBackend(t)
		backend.rawOnly = rawOnly
		p := newTestRPCProvider(t, backend, time.Hour)

		chainID := big.NewInt(chain.ScrollSepoliaChainID)
		tx := sampleTx(chainID)
		signed, err := p.SignTx(context.Background(), backend.accounts[0], tx, chainID)
		require.NoError(t, err)
		assert.Equal(t, tx.Nonce(), signed.Nonce())
		assert.Equal(t, tx.Value(), signed.Value())

		// 钱包用其他账户签名时拒绝
		_, err = p.SignTx(context.Background(), common.HexToAddress("0x02"), tx, chainID)
		assert.Error(t, err)
	}
}

func TestRPCProvider_PollsForChanges(t *testing.T) {
	backend := newFakeBackend(t)
	p := newTestRPCProvider(t, backend, 20*time.Millisecond)

	events, unsubscribe := p.Subscribe(4)
	defer unsubscribe()

	// 等待第一次轮询记录初始状态
	time.Sleep(80 * time.Millisecond)

	backend.mu.Lock()
	backend.accounts = nil
	backend.mu.Unlock()

	ev := receive(t, events)
	assert.Equal(t, AccountsChanged, ev.Type)
	assert.Empty(t, ev.Accounts)
}
