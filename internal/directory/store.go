package directory

import (
	"context"
	"errors"
	"strings"

	"deslink/pkg/models"

	"github.com/shopspring/decimal"
)

// ErrNodeNotFound 目录中没有该节点
var ErrNodeNotFound = errors.New("节点不存在")

// SortBy 排序方式
type SortBy string

const (
	SortReputationDesc  SortBy = "reputation_desc"
	SortPriceETHAsc     SortBy = "price_eth_asc"
	SortPriceETHDesc    SortBy = "price_eth_desc"
	SortPriceUSDAsc     SortBy = "price_usd_asc"
	SortPriceUSDDesc    SortBy = "price_usd_desc"
	SortConnectionsDesc SortBy = "connections_desc"
	SortNewest          SortBy = "newest"
)

// sortColumn 排序方式对应的列和方向，未知排序按信誉分降序
type sortColumn struct {
	column string
	desc   bool
}

var sortColumns = map[SortBy]sortColumn{
	SortReputationDesc:  {"reputation_score", true},
	SortPriceETHAsc:     {"price_per_hour_eth", false},
	SortPriceETHDesc:    {"price_per_hour_eth", true},
	SortPriceUSDAsc:     {"price_per_hour_usd", false},
	SortPriceUSDDesc:    {"price_per_hour_usd", true},
	SortConnectionsDesc: {"total_connections", true},
	SortNewest:          {"registered_at", true},
}

// Normalize 未知或空的排序方式归一为信誉分降序
func (s SortBy) Normalize() SortBy {
	if _, ok := sortColumns[s]; ok {
		return s
	}
	return SortReputationDesc
}

func (s SortBy) column() sortColumn {
	return sortColumns[s.Normalize()]
}

// Filters 搜索条件，各条件之间为AND关系，nil表示不限制
type Filters struct {
	ActiveOnly    bool             `json:"active_only" form:"active_only"`
	SearchQuery   string           `json:"search_query" form:"q"`
	MinPriceETH   *decimal.Decimal `json:"min_price_eth,omitempty"`
	MaxPriceETH   *decimal.Decimal `json:"max_price_eth,omitempty"`
	MinPriceUSD   *decimal.Decimal `json:"min_price_usd,omitempty"`
	MaxPriceUSD   *decimal.Decimal `json:"max_price_usd,omitempty"`
	MinReputation *int             `json:"min_reputation,omitempty"`
}

// Match 判断节点是否满足所有条件
func (f Filters) Match(n models.NodeListing) bool {
	if f.ActiveOnly && !n.IsActive {
		return false
	}
	if q := strings.TrimSpace(f.SearchQuery); q != "" &&
		!strings.Contains(strings.ToLower(n.Location), strings.ToLower(q)) {
		return false
	}
	if f.MinPriceETH != nil && n.PricePerHourETH.LessThan(*f.MinPriceETH) {
		return false
	}
	if f.MaxPriceETH != nil && n.PricePerHourETH.GreaterThan(*f.MaxPriceETH) {
		return false
	}
	if f.MinPriceUSD != nil && n.PricePerHourUSD.LessThan(*f.MinPriceUSD) {
		return false
	}
	if f.MaxPriceUSD != nil && n.PricePerHourUSD.GreaterThan(*f.MaxPriceUSD) {
		return false
	}
	if f.MinReputation != nil && n.ReputationScore < *f.MinReputation {
		return false
	}
	return true
}

// Store 节点目录存储
type Store interface {
	// Search 按条件搜索并排序
	Search(ctx context.Context, filters Filters, sortBy SortBy) ([]models.NodeListing, error)
	// GetByNodeID 按链上节点编号查询，不存在时返回 ErrNodeNotFound
	GetByNodeID(ctx context.Context, nodeID int64) (*models.NodeListing, error)
	// GetSyncStatus 最近一次链上同步状态，没有记录时返回nil
	GetSyncStatus(ctx context.Context) (*models.SyncStatus, error)
	Close() error
}

// escapeLike 转义LIKE通配符，使搜索词按字面匹配
func escapeLike(s string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(s)
}
