package payment

import (
	"context"
	"fmt"
	"math/big"
	"sort"

	"deslink/internal/journal"
	"deslink/pkg/models"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// DefaultHistoryLimit 支付历史展示条数
const DefaultHistoryLimit = 10

// HistoryEntry 支付历史中的一行
type HistoryEntry struct {
	ID     string `json:"id"`
	Date   string `json:"date"`
	Node   string `json:"node"`
	Amount string `json:"amount"`
	Status string `json:"status"`
}

// Denomination 支付金额的币种和精度
type Denomination struct {
	Symbol   string
	Decimals int32
}

// ETH 原生币
var ETH = Denomination{Symbol: "ETH", Decimals: ETHDecimals}

// Format 把最小单位金额格式化为带币种的字符串
func (d Denomination) Format(amount *big.Int) string {
	if amount == nil {
		amount = new(big.Int)
	}
	return decimal.NewFromBigInt(amount, -d.Decimals).String() + " " + d.Symbol
}

// Labeler 确定链上支付记录的币种；getUserPayments 不返回币种，默认按ETH展示
type Labeler func(p models.Payment) Denomination

type journalKey struct {
	nodeID   int64
	duration int64
	amount   string
}

// JournalLabeler 用本地支付日志中已确认的稳定币支付标注币种，按节点、时长和最小单位金额匹配，每条日志只匹配一次
func JournalLabeler(entries []journal.Entry, stablecoinDecimals int32) Labeler {
	stablecoins := make(map[journalKey][]Denomination)
	for _, e := range entries {
		if e.Status != journal.StatusConfirmed || !e.Method.IsStablecoin() {
			continue
		}
		amount, err := decimal.NewFromString(e.Amount)
		if err != nil {
			continue
		}
		key := journalKey{nodeID: e.NodeID, duration: e.Duration, amount: amount.Shift(stablecoinDecimals).BigInt().String()}
		stablecoins[key] = append(stablecoins[key], Denomination{Symbol: string(e.Method), Decimals: stablecoinDecimals})
	}

	return func(p models.Payment) Denomination {
		if p.NodeID == nil || p.Duration == nil || p.Amount == nil {
			return ETH
		}
		key := journalKey{nodeID: p.NodeID.Int64(), duration: p.Duration.Int64(), amount: p.Amount.String()}
		matches := stablecoins[key]
		if len(matches) == 0 {
			return ETH
		}
		stablecoins[key] = matches[1:]
		return matches[0]
	}
}

// labelWindow 用于标注币种的本地日志条数
const labelWindow = 200

// HistoryLabeler 读取最近的本地支付日志生成 Labeler；日志不可用时返回nil，即全部按ETH展示
func HistoryLabeler(j *journal.Journal, stablecoinDecimals int32) (Labeler, error) {
	if j == nil {
		return nil, nil
	}
	entries, err := j.List(labelWindow)
	if err != nil {
		return nil, err
	}
	return JournalLabeler(entries, stablecoinDecimals), nil
}

// BuildHistory 把链上支付记录转换为历史列表，新的在前，最多 limit 条，金额按ETH展示
func BuildHistory(payments []models.Payment, limit int) []HistoryEntry {
	return BuildLabeledHistory(payments, limit, nil)
}

// BuildLabeledHistory 同 BuildHistory，由 label 确定每条记录的币种
func BuildLabeledHistory(payments []models.Payment, limit int, label Labeler) []HistoryEntry {
	if label == nil {
		label = func(models.Payment) Denomination { return ETH }
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	sorted := make([]models.Payment, len(payments))
	copy(sorted, payments)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Time().After(sorted[j].Time())
	})

	if len(sorted) > limit {
		sorted = sorted[:limit]
	}

	return lo.Map(sorted, func(p models.Payment, i int) HistoryEntry {
		var nodeID int64
		if p.NodeID != nil {
			nodeID = p.NodeID.Int64()
		}
		return HistoryEntry{
			ID:     fmt.Sprintf("%d-%d", nodeID, p.Time().Unix()),
			Date:   p.Time().Format("2006-01-02"),
			Node:   fmt.Sprintf("Node-%d", nodeID),
			Amount: label(p).Format(p.Amount),
			Status: "Completed",
		}
	})
}

// DashboardSource 仪表盘数据来源
type DashboardSource interface {
	GetUserPayments(ctx context.Context) []models.Payment
	GetNetworkStats(ctx context.Context) *models.NetworkStats
}

// Dashboard 仪表盘数据
type Dashboard struct {
	Stats   *models.NetworkStats `json:"stats"`
	History []HistoryEntry       `json:"history"`
}

// LoadDashboard 并行读取支付历史和网络统计，两者失败时分别降级为空
func LoadDashboard(ctx context.Context, src DashboardSource, limit int) *Dashboard {
	return LoadLabeledDashboard(ctx, src, limit, nil)
}

// LoadLabeledDashboard 同 LoadDashboard，由 label 确定历史记录的币种
func LoadLabeledDashboard(ctx context.Context, src DashboardSource, limit int, label Labeler) *Dashboard {
	var (
		payments []models.Payment
		stats    *models.NetworkStats
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		payments = src.GetUserPayments(gctx)
		return nil
	})
	g.Go(func() error {
		stats = src.GetNetworkStats(gctx)
		return nil
	})
	_ = g.Wait()

	return &Dashboard{
		Stats:   stats,
		History: BuildLabeledHistory(payments, limit, label),
	}
}
