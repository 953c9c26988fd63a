package wallet

import (
	"context"
	"errors"
	"math/big"
	"sync"

	"deslink/internal/chain"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"
)

// Kind 钱包类型
type Kind string

const (
	KindKeystore Kind = "keystore"
	KindRPC      Kind = "rpc"
)

// 钱包返回的标准错误码 (EIP-1193)
const (
	CodeUserRejected  = 4001
	CodeChainNotAdded = 4902
)

// ErrChainNotAdded 钱包中没有目标网络，需要先添加
var ErrChainNotAdded = errors.New("钱包中未添加该网络")

// ErrUnknownAccount 钱包不持有该账户
var ErrUnknownAccount = errors.New("钱包中不存在该账户")

// EventType 钱包事件类型
type EventType int

const (
	AccountsChanged EventType = iota
	ChainChanged
)

// String 返回事件名
func (t EventType) String() string {
	switch t {
	case AccountsChanged:
		return "accountsChanged"
	case ChainChanged:
		return "chainChanged"
	default:
		return "unknown"
	}
}

// Event 钱包事件
type Event struct {
	Type     EventType
	Accounts []common.Address
	ChainID  *big.Int
}

// Provider 钱包提供者
type Provider interface {
	// Kind 钱包类型
	Kind() Kind
	// RequestAccounts 请求账户授权，返回授权的账户列表
	RequestAccounts(ctx context.Context) ([]common.Address, error)
	// ChainID 钱包当前所在网络
	ChainID(ctx context.Context) (*big.Int, error)
	// SwitchChain 切换网络，网络未添加时返回 ErrChainNotAdded
	SwitchChain(ctx context.Context, chainID *big.Int) error
	// AddChain 添加网络
	AddChain(ctx context.Context, params *chain.Params) error
	// SignTx 使用账户签名交易
	SignTx(ctx context.Context, account common.Address, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
	// Subscribe 订阅钱包事件，返回的函数用于取消订阅
	Subscribe(buffer int) (<-chan Event, func())
}

// Select 从检测到的钱包中选择期望类型的钱包，没有匹配时返回第一个，由调用方报告类型不符
func Select(providers []Provider, expected Kind) Provider {
	var first Provider
	for _, p := range providers {
		if p == nil {
			continue
		}
		if first == nil {
			first = p
		}
		if expected == "" || p.Kind() == expected {
			return p
		}
	}
	return first
}

// eventHub 事件分发，每个订阅者一个有界通道
type eventHub struct {
	logger *logrus.Logger
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
}

func newEventHub(logger *logrus.Logger) *eventHub {
	return &eventHub{
		logger: logger,
		subs:   make(map[int]chan Event),
	}
}

// subscribe 注册订阅者
func (h *eventHub) subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	ch := make(chan Event, buffer)
	h.subs[id] = ch

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if sub, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(sub)
			}
		})
	}
	return ch, unsubscribe
}

// publish 非阻塞投递，订阅者通道满时丢弃并告警
func (h *eventHub) publish(event Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, ch := range h.subs {
		select {
		case ch <- event:
		default:
			h.logger.Warnf("钱包事件队列已满，丢弃 %s 事件 (订阅者 %d)", event.Type, id)
		}
	}
}

// count 当前订阅者数量
func (h *eventHub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// closeAll 关闭所有订阅
func (h *eventHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
