package payment

import (
	"context"
	"sync"
	"time"

	"deslink/internal/directory"
	"deslink/internal/journal"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Listings 节点列表来源，directory.Client 满足该接口
type Listings interface {
	GetAll(ctx context.Context) *directory.SearchResult
}

// Refreshed 支付确认后重新读取的支付历史和节点列表
type Refreshed struct {
	Dashboard   *Dashboard              `json:"dashboard"`
	Nodes       *directory.SearchResult `json:"nodes"`
	RefreshedAt time.Time               `json:"refreshed_at"`
}

// Refresher 支付成功后的刷新回调，保存最近一次刷新结果
type Refresher struct {
	source   DashboardSource
	listings Listings
	journal  *journal.Journal
	decimals int32
	limit    int
	logger   *logrus.Logger

	mu     sync.RWMutex
	latest *Refreshed
}

// NewRefresher 创建刷新器，listings 为空时只刷新支付历史，j 不为空时用支付日志标注稳定币记录
func NewRefresher(source DashboardSource, listings Listings, j *journal.Journal, stablecoinDecimals int32, limit int, logger *logrus.Logger) *Refresher {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if stablecoinDecimals <= 0 {
		stablecoinDecimals = 6
	}
	return &Refresher{
		source:   source,
		listings: listings,
		journal:  j,
		decimals: stablecoinDecimals,
		limit:    limit,
		logger:   logger,
	}
}

// Refresh 并行重新读取支付历史和节点列表，签名与 Workflow.Submit 的 refresh 参数一致
func (r *Refresher) Refresh(ctx context.Context) {
	refreshed := &Refreshed{}

	label, err := HistoryLabeler(r.journal, r.decimals)
	if err != nil {
		r.logger.Warnf("读取支付日志失败，历史记录按ETH展示: %v", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		refreshed.Dashboard = LoadLabeledDashboard(gctx, r.source, r.limit, label)
		return nil
	})
	if r.listings != nil {
		g.Go(func() error {
			refreshed.Nodes = r.listings.GetAll(gctx)
			return nil
		})
	}
	_ = g.Wait()
	refreshed.RefreshedAt = time.Now().UTC()

	if refreshed.Nodes != nil && refreshed.Nodes.Failed() {
		r.logger.Warnf("刷新节点列表失败: %v", refreshed.Nodes.Err)
	}
	r.logger.Debugf("支付后刷新完成: %d 条历史记录", len(refreshed.Dashboard.History))

	r.mu.Lock()
	r.latest = refreshed
	r.mu.Unlock()
}

// Latest 最近一次刷新结果，尚未刷新时返回nil
func (r *Refresher) Latest() *Refreshed {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.latest
}
