package directory

import (
	"context"
	"errors"
	"time"

	deserrors "deslink/internal/errors"
	"deslink/internal/retry"
	"deslink/pkg/models"

	"github.com/sirupsen/logrus"
)

// Outcome 查询结果类别，区分无匹配和查询失败
type Outcome string

const (
	OutcomeOK     Outcome = "ok"
	OutcomeEmpty  Outcome = "empty"
	OutcomeFailed Outcome = "failed"
)

// SearchResult 目录查询结果，失败时 Nodes 为空列表
type SearchResult struct {
	Nodes   []models.NodeListing `json:"nodes"`
	Outcome Outcome              `json:"outcome"`
	Err     error                `json:"-"`
}

// Failed 查询是否失败
func (r *SearchResult) Failed() bool {
	return r.Outcome == OutcomeFailed
}

// Client 节点目录客户端
type Client struct {
	store   Store
	timeout time.Duration
	retrier *retry.Retrier
	logger  *logrus.Logger
}

// NewClient 创建目录客户端
func NewClient(store Store, timeout time.Duration, logger *logrus.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		store:   store,
		timeout: timeout,
		retrier: retry.NewRetrier(retry.QueryPolicy, logger),
		logger:  logger,
	}
}

// Search 搜索节点，失败时返回空列表并记录日志
func (c *Client) Search(ctx context.Context, f Filters, sortBy SortBy) *SearchResult {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	nodes, err := retry.Do(ctx, c.retrier, "搜索节点", func() ([]models.NodeListing, error) {
		return c.store.Search(ctx, f, sortBy.Normalize())
	})
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			c.logger.Errorf("搜索节点失败: %v", err)
		}
		return &SearchResult{
			Nodes:   []models.NodeListing{},
			Outcome: OutcomeFailed,
			Err:     deserrors.ErrQueryFailed.WithCause(err),
		}
	}

	if len(nodes) == 0 {
		return &SearchResult{Nodes: []models.NodeListing{}, Outcome: OutcomeEmpty}
	}
	return &SearchResult{Nodes: nodes, Outcome: OutcomeOK}
}

// GetAll 所有节点，按信誉分降序
func (c *Client) GetAll(ctx context.Context) *SearchResult {
	return c.Search(ctx, Filters{}, SortReputationDesc)
}

// GetActive 在线节点，按信誉分降序
func (c *Client) GetActive(ctx context.Context) *SearchResult {
	return c.Search(ctx, Filters{ActiveOnly: true}, SortReputationDesc)
}

// GetByID 按链上节点编号查询
func (c *Client) GetByID(ctx context.Context, nodeID int64) (*models.NodeListing, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	n, err := c.store.GetByNodeID(ctx, nodeID)
	if err != nil {
		if errors.Is(err, ErrNodeNotFound) {
			return nil, err
		}
		c.logger.Errorf("查询节点 %d 失败: %v", nodeID, err)
		return nil, deserrors.ErrQueryFailed.WithCause(err)
	}
	return n, nil
}

// GetSyncStatus 链上同步状态，没有记录时返回nil
func (c *Client) GetSyncStatus(ctx context.Context) (*models.SyncStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	st, err := c.store.GetSyncStatus(ctx)
	if err != nil {
		c.logger.Errorf("查询同步状态失败: %v", err)
		return nil, deserrors.ErrQueryFailed.WithCause(err)
	}
	return st, nil
}

// NewSearchDebouncer 边输入边搜索，只对停顿后的最终文本发起查询
func (c *Client) NewSearchDebouncer(delay time.Duration, base Filters, sortBy SortBy, onResult func(text string, result *SearchResult)) *Debouncer {
	return NewDebouncer(delay, func(ctx context.Context, text string) {
		f := base
		f.SearchQuery = text
		result := c.Search(ctx, f, sortBy)
		// 被更新的输入取代的查询不再回调
		if ctx.Err() != nil {
			return
		}
		onResult(text, result)
	})
}
