package directory

import (
	"context"
	"sort"
	"sync"

	"deslink/pkg/models"

	"github.com/samber/lo"
)

// MemoryStore 内存节点目录，条件语义与 PostgresStore 一致
type MemoryStore struct {
	mu     sync.RWMutex
	nodes  map[int64]models.NodeListing
	status *models.SyncStatus
}

// NewMemoryStore 创建内存目录
func NewMemoryStore(nodes ...models.NodeListing) *MemoryStore {
	s := &MemoryStore{nodes: make(map[int64]models.NodeListing)}
	s.Put(nodes...)
	return s
}

// Put 新增或替换节点
func (s *MemoryStore) Put(nodes ...models.NodeListing) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range nodes {
		s.nodes[n.NodeID] = n
	}
}

// SetSyncStatus 设置同步状态
func (s *MemoryStore) SetSyncStatus(status *models.SyncStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}

// Search 按条件搜索节点
func (s *MemoryStore) Search(ctx context.Context, f Filters, sortBy SortBy) ([]models.NodeListing, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	matched := lo.Filter(lo.Values(s.nodes), func(n models.NodeListing, _ int) bool {
		return f.Match(n)
	})
	s.mu.RUnlock()

	order := sortBy.column()
	sort.SliceStable(matched, func(i, j int) bool {
		c := compareBy(order.column, matched[i], matched[j])
		if c == 0 {
			return matched[i].NodeID < matched[j].NodeID
		}
		if order.desc {
			return c > 0
		}
		return c < 0
	})

	return matched, nil
}

func compareBy(column string, a, b models.NodeListing) int {
	switch column {
	case "price_per_hour_eth":
		return a.PricePerHourETH.Cmp(b.PricePerHourETH)
	case "price_per_hour_usd":
		return a.PricePerHourUSD.Cmp(b.PricePerHourUSD)
	case "total_connections":
		return cmpInt64(a.TotalConnections, b.TotalConnections)
	case "registered_at":
		return a.RegisteredAt.Compare(b.RegisteredAt)
	default:
		return cmpInt64(int64(a.ReputationScore), int64(b.ReputationScore))
	}
}

func cmpInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// GetByNodeID 按链上节点编号查询
func (s *MemoryStore) GetByNodeID(ctx context.Context, nodeID int64) (*models.NodeListing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.nodes[nodeID]
	if !ok {
		return nil, ErrNodeNotFound
	}
	return &n, nil
}

// GetSyncStatus 同步状态
func (s *MemoryStore) GetSyncStatus(ctx context.Context) (*models.SyncStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.status == nil {
		return nil, nil
	}
	st := *s.status
	return &st, nil
}

// Close 内存目录无需释放资源
func (s *MemoryStore) Close() error {
	return nil
}
