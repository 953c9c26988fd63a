package connection

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"deslink/internal/config"
	"deslink/internal/retry"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"
)

// Client 单个RPC节点需要提供的能力，ethclient.Client 满足该接口
type Client interface {
	ChainID(ctx context.Context) (*big.Int, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	Close()
}

// Dialer 建立到RPC节点的连接
type Dialer func(ctx context.Context, url string) (Client, error)

// DialEthclient 默认拨号器
func DialEthclient(ctx context.Context, url string) (Client, error) {
	return ethclient.DialContext(ctx, url)
}

// ConnectionPool 按优先级排列的RPC节点池，调用失败时自动切换到下一个健康节点
type ConnectionPool struct {
	nodes         []*config.NodeConfig
	expectedChain *big.Int
	dial          Dialer
	endpoints     []*endpoint
	logger        *logrus.Logger
	mu            sync.RWMutex
	healthCheck   time.Duration
	stopCh        chan struct{}
	stopOnce      sync.Once
	wg            sync.WaitGroup
}

// endpoint 单个节点状态
type endpoint struct {
	config    *config.NodeConfig
	client    Client
	isHealthy bool
	failures  int
	lastCheck time.Time
	lastError string
}

// NewConnectionPool 创建连接池，expectedChainID 用于拒绝连到错误网络的节点
func NewConnectionPool(nodes []*config.NodeConfig, expectedChainID *big.Int, logger *logrus.Logger) *ConnectionPool {
	return &ConnectionPool{
		nodes:         nodes,
		expectedChain: expectedChainID,
		dial:          DialEthclient,
		logger:        logger,
		healthCheck:   30 * time.Second,
		stopCh:        make(chan struct{}),
	}
}

// SetDialer 替换拨号器
func (cp *ConnectionPool) SetDialer(dial Dialer) {
	cp.dial = dial
}

// SetHealthCheckInterval 设置健康检查间隔
func (cp *ConnectionPool) SetHealthCheckInterval(interval time.Duration) {
	if interval > 0 {
		cp.healthCheck = interval
	}
}

// Initialize 连接所有节点并启动健康检查
func (cp *ConnectionPool) Initialize(ctx context.Context) error {
	nodes := make([]*config.NodeConfig, len(cp.nodes))
	copy(nodes, cp.nodes)
	sort.SliceStable(nodes, func(i, j int) bool {
		return nodes[i].Priority < nodes[j].Priority
	})

	cp.mu.Lock()
	for _, node := range nodes {
		ep := &endpoint{config: node}
		client, err := cp.connect(ctx, node)
		if err != nil {
			cp.logger.Warnf("初始化节点 %s 失败: %v", node.Name, err)
			ep.lastError = err.Error()
		} else {
			ep.client = client
			ep.isHealthy = true
			cp.logger.Infof("节点 %s 已连接", node.Name)
		}
		ep.lastCheck = time.Now()
		cp.endpoints = append(cp.endpoints, ep)
	}
	healthy := cp.healthyCountLocked()
	cp.mu.Unlock()

	if healthy == 0 {
		return fmt.Errorf("没有可用的RPC节点")
	}

	cp.wg.Add(1)
	go cp.healthChecker()

	return nil
}

// connect 拨号并校验链ID
func (cp *ConnectionPool) connect(ctx context.Context, node *config.NodeConfig) (Client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := cp.dial(dialCtx, node.URL)
	if err != nil {
		return nil, fmt.Errorf("连接节点失败: %w", err)
	}

	chainID, err := client.ChainID(dialCtx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("测试连接失败: %w", err)
	}
	if cp.expectedChain != nil && chainID.Cmp(cp.expectedChain) != 0 {
		client.Close()
		return nil, fmt.Errorf("节点链ID不匹配: 期望 %s, 实际 %s", cp.expectedChain, chainID)
	}

	return client, nil
}

func (cp *ConnectionPool) healthyCountLocked() int {
	count := 0
	for _, ep := range cp.endpoints {
		if ep.isHealthy {
			count++
		}
	}
	return count
}

// healthyEndpoints 按优先级返回健康节点的快照
func (cp *ConnectionPool) healthyEndpoints() []*endpoint {
	cp.mu.RLock()
	defer cp.mu.RUnlock()

	var result []*endpoint
	for _, ep := range cp.endpoints {
		if ep.isHealthy && ep.client != nil {
			result = append(result, ep)
		}
	}
	return result
}

// markFailed 记录节点失败，网络类错误直接标记为不健康
func (cp *ConnectionPool) markFailed(ep *endpoint, err error) {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	ep.failures++
	ep.lastError = err.Error()
	ep.isHealthy = false
	cp.logger.Warnf("节点 %s 调用失败，切换到下一个节点: %v", ep.config.Name, err)
}

// withFailover 依次在健康节点上执行调用，只有可重试错误才切换节点
func withFailover[T any](ctx context.Context, cp *ConnectionPool, operation string, fn func(Client) (T, error)) (T, error) {
	var zero T
	endpoints := cp.healthyEndpoints()
	if len(endpoints) == 0 {
		return zero, fmt.Errorf("%s: 没有可用的健康节点", operation)
	}

	var lastErr error
	for _, ep := range endpoints {
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		result, err := fn(ep.client)
		if err == nil {
			return result, nil
		}
		if !retry.Retryable(err) {
			return zero, err
		}
		lastErr = err
		cp.markFailed(ep, err)
	}

	return zero, fmt.Errorf("%s: 所有节点均失败: %w", operation, lastErr)
}

// ChainID 返回链ID
func (cp *ConnectionPool) ChainID(ctx context.Context) (*big.Int, error) {
	return withFailover(ctx, cp, "eth_chainId", func(c Client) (*big.Int, error) {
		return c.ChainID(ctx)
	})
}

// CodeAt 查询合约代码
func (cp *ConnectionPool) CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error) {
	return withFailover(ctx, cp, "eth_getCode", func(c Client) ([]byte, error) {
		return c.CodeAt(ctx, account, blockNumber)
	})
}

// CallContract 只读合约调用
func (cp *ConnectionPool) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return withFailover(ctx, cp, "eth_call", func(c Client) ([]byte, error) {
		return c.CallContract(ctx, msg, blockNumber)
	})
}

// PendingNonceAt 查询待处理nonce
func (cp *ConnectionPool) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return withFailover(ctx, cp, "eth_getTransactionCount", func(c Client) (uint64, error) {
		return c.PendingNonceAt(ctx, account)
	})
}

// EstimateGas 估算gas
func (cp *ConnectionPool) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return withFailover(ctx, cp, "eth_estimateGas", func(c Client) (uint64, error) {
		return c.EstimateGas(ctx, msg)
	})
}

// SuggestGasTipCap 建议小费
func (cp *ConnectionPool) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return withFailover(ctx, cp, "eth_maxPriorityFeePerGas", func(c Client) (*big.Int, error) {
		return c.SuggestGasTipCap(ctx)
	})
}

// HeaderByNumber 查询区块头
func (cp *ConnectionPool) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return withFailover(ctx, cp, "eth_getBlockByNumber", func(c Client) (*types.Header, error) {
		return c.HeaderByNumber(ctx, number)
	})
}

// SendTransaction 广播已签名交易
func (cp *ConnectionPool) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	_, err := withFailover(ctx, cp, "eth_sendRawTransaction", func(c Client) (struct{}, error) {
		return struct{}{}, c.SendTransaction(ctx, tx)
	})
	return err
}

// TransactionReceipt 查询交易回执
func (cp *ConnectionPool) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return withFailover(ctx, cp, "eth_getTransactionReceipt", func(c Client) (*types.Receipt, error) {
		return c.TransactionReceipt(ctx, txHash)
	})
}

// healthChecker 定期重连不健康的节点
func (cp *ConnectionPool) healthChecker() {
	defer cp.wg.Done()

	ticker := time.NewTicker(cp.healthCheck)
	defer ticker.Stop()

	for {
		select {
		case <-cp.stopCh:
			return
		case <-ticker.C:
			cp.CheckHealth(context.Background())
		}
	}
}

// CheckHealth 对所有节点执行一次健康检查
func (cp *ConnectionPool) CheckHealth(ctx context.Context) {
	cp.mu.RLock()
	endpoints := make([]*endpoint, len(cp.endpoints))
	copy(endpoints, cp.endpoints)
	cp.mu.RUnlock()

	for _, ep := range endpoints {
		cp.checkEndpoint(ctx, ep)
	}
}

func (cp *ConnectionPool) checkEndpoint(ctx context.Context, ep *endpoint) {
	cp.mu.RLock()
	client := ep.client
	cp.mu.RUnlock()

	var err error
	if client != nil {
		checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_, err = client.ChainID(checkCtx)
		cancel()
	}

	if client == nil || err != nil {
		if client != nil {
			client.Close()
		}
		client, err = cp.connect(ctx, ep.config)
	}

	cp.mu.Lock()
	defer cp.mu.Unlock()

	ep.lastCheck = time.Now()
	if err != nil {
		ep.client = nil
		ep.isHealthy = false
		ep.lastError = err.Error()
		cp.logger.Warnf("节点 %s 健康检查失败: %v", ep.config.Name, err)
		return
	}

	ep.client = client
	if !ep.isHealthy {
		cp.logger.Infof("节点 %s 已恢复", ep.config.Name)
	}
	ep.isHealthy = true
	ep.lastError = ""
}

// GetStats 获取连接池统计信息
func (cp *ConnectionPool) GetStats() map[string]interface{} {
	cp.mu.RLock()
	defer cp.mu.RUnlock()

	stats := make(map[string]interface{})
	for _, ep := range cp.endpoints {
		stats[ep.config.Name] = map[string]interface{}{
			"url":        ep.config.URL,
			"priority":   ep.config.Priority,
			"is_healthy": ep.isHealthy,
			"failures":   ep.failures,
			"last_check": ep.lastCheck.Format(time.RFC3339),
			"last_error": ep.lastError,
		}
	}

	return stats
}

// Close 停止健康检查并关闭所有连接
func (cp *ConnectionPool) Close() error {
	cp.stopOnce.Do(func() {
		close(cp.stopCh)
	})
	cp.wg.Wait()

	cp.mu.Lock()
	defer cp.mu.Unlock()

	for _, ep := range cp.endpoints {
		if ep.client != nil {
			ep.client.Close()
			ep.client = nil
		}
		ep.isHealthy = false
	}

	cp.logger.Info("连接池已关闭")
	return nil
}
