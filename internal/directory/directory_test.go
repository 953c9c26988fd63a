package directory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	deserrors "deslink/internal/errors"
	"deslink/pkg/models"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func dec(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func intPtr(v int) *int {
	return &v
}

// fixtureNodes 测试用节点
func fixtureNodes() []models.NodeListing {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	return []models.NodeListing{
		{NodeID: 1, Location: "Dubai Marina", PricePerHourETH: decimal.RequireFromString("0.001"), PricePerHourUSD: decimal.RequireFromString("2.5"), ReputationScore: 92, TotalConnections: 40, IsActive: true, RegisteredAt: base},
		{NodeID: 2, Location: "Abu Dhabi Corniche", PricePerHourETH: decimal.RequireFromString("0.002"), PricePerHourUSD: decimal.RequireFromString("5"), ReputationScore: 70, TotalConnections: 80, IsActive: true, RegisteredAt: base.Add(24 * time.Hour)},
		{NodeID: 3, Location: "Liwa Oasis", PricePerHourETH: decimal.RequireFromString("0.0005"), PricePerHourUSD: decimal.RequireFromString("1"), ReputationScore: 88, TotalConnections: 5, IsActive: false, RegisteredAt: base.Add(48 * time.Hour)},
		{NodeID: 4, Location: "Al Ain 100%_Fast", PricePerHourETH: decimal.RequireFromString("0.003"), PricePerHourUSD: decimal.RequireFromString("7"), ReputationScore: 45, TotalConnections: 12, IsActive: true, RegisteredAt: base.Add(72 * time.Hour)},
		{NodeID: 5, Location: "Dubai Creek", PricePerHourETH: decimal.RequireFromString("0.0015"), PricePerHourUSD: decimal.RequireFromString("3"), ReputationScore: 69, TotalConnections: 33, IsActive: true, RegisteredAt: base.Add(96 * time.Hour)},
	}
}

func nodeIDs(nodes []models.NodeListing) []int64 {
	return lo.Map(nodes, func(n models.NodeListing, _ int) int64 { return n.NodeID })
}

func TestSearch_Composition(t *testing.T) {
	client := NewClient(NewMemoryStore(fixtureNodes()...), time.Second, testLogger())

	tests := []struct {
		name    string
		filters Filters
		sortBy  SortBy
		want    []int64
	}{
		{
			name:    "在线且信誉不低于70",
			filters: Filters{ActiveOnly: true, MinReputation: intPtr(70)},
			sortBy:  SortReputationDesc,
			want:    []int64{1, 2},
		},
		{
			name:    "同样条件换排序结果集合不变",
			filters: Filters{ActiveOnly: true, MinReputation: intPtr(70)},
			sortBy:  SortPriceETHDesc,
			want:    []int64{2, 1},
		},
		{
			name:    "地点模糊匹配不区分大小写",
			filters: Filters{SearchQuery: "dubai"},
			sortBy:  SortPriceETHAsc,
			want:    []int64{1, 5},
		},
		{
			name:    "通配符按字面匹配",
			filters: Filters{SearchQuery: "%_"},
			sortBy:  SortNewest,
			want:    []int64{4},
		},
		{
			name:    "ETH价格区间",
			filters: Filters{MinPriceETH: dec("0.001"), MaxPriceETH: dec("0.002")},
			sortBy:  SortPriceETHAsc,
			want:    []int64{1, 5, 2},
		},
		{
			name:    "USD价格上限",
			filters: Filters{MaxPriceUSD: dec("3")},
			sortBy:  SortPriceUSDDesc,
			want:    []int64{5, 1, 3},
		},
		{
			name:    "按连接数排序",
			filters: Filters{},
			sortBy:  SortConnectionsDesc,
			want:    []int64{2, 1, 5, 4, 3},
		},
		{
			name:    "最新注册",
			filters: Filters{ActiveOnly: true},
			sortBy:  SortNewest,
			want:    []int64{5, 4, 2, 1},
		},
		{
			name:    "未知排序按信誉分降序",
			filters: Filters{},
			sortBy:  SortBy("bogus"),
			want:    []int64{1, 3, 2, 5, 4},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := client.Search(context.Background(), tt.filters, tt.sortBy)
			require.False(t, result.Failed())
			assert.Equal(t, OutcomeOK, result.Outcome)
			assert.Equal(t, tt.want, nodeIDs(result.Nodes))
		})
	}
}

func TestSearch_ActiveAndReputationIndependentOfSort(t *testing.T) {
	client := NewClient(NewMemoryStore(fixtureNodes()...), time.Second, testLogger())
	f := Filters{ActiveOnly: true, MinReputation: intPtr(70)}

	expected := lo.Filter(fixtureNodes(), func(n models.NodeListing, _ int) bool {
		return n.IsActive && n.ReputationScore >= 70
	})

	for sortBy := range sortColumns {
		result := client.Search(context.Background(), f, sortBy)
		assert.ElementsMatch(t, nodeIDs(expected), nodeIDs(result.Nodes), "排序 %s", sortBy)
	}
}

// failingStore 总是失败的存储
type failingStore struct {
	MemoryStore
	err error
}

func (s *failingStore) Search(ctx context.Context, f Filters, sortBy SortBy) ([]models.NodeListing, error) {
	return nil, s.err
}

func (s *failingStore) GetByNodeID(ctx context.Context, nodeID int64) (*models.NodeListing, error) {
	return nil, s.err
}

func (s *failingStore) GetSyncStatus(ctx context.Context) (*models.SyncStatus, error) {
	return nil, s.err
}

// flakyStore 第一次查询失败
type flakyStore struct {
	*MemoryStore
	calls int
}

func (s *flakyStore) Search(ctx context.Context, f Filters, sortBy SortBy) ([]models.NodeListing, error) {
	s.calls++
	if s.calls == 1 {
		return nil, errors.New("read: connection reset by peer")
	}
	return s.MemoryStore.Search(ctx, f, sortBy)
}

func TestSearch_RetriesTransientFailure(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore(models.NodeListing{NodeID: 1, Location: "Oasis", IsActive: true})}
	client := NewClient(store, time.Second, testLogger())

	result := client.Search(context.Background(), Filters{}, SortReputationDesc)
	assert.Equal(t, OutcomeOK, result.Outcome)
	assert.Len(t, result.Nodes, 1)
	assert.Equal(t, 2, store.calls)
}

func TestSearch_FailureIsDistinctFromEmpty(t *testing.T) {
	failing := NewClient(&failingStore{err: errors.New("connection refused")}, time.Second, testLogger())
	result := failing.Search(context.Background(), Filters{}, SortReputationDesc)

	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.NotNil(t, result.Nodes)
	assert.Empty(t, result.Nodes)
	assert.ErrorIs(t, result.Err, deserrors.ErrQueryFailed)
	assert.Equal(t, "Unable to load WiFi nodes right now.", deserrors.UserMessage(result.Err))

	empty := NewClient(NewMemoryStore(), time.Second, testLogger())
	result = empty.Search(context.Background(), Filters{SearchQuery: "nowhere"}, SortReputationDesc)
	assert.Equal(t, OutcomeEmpty, result.Outcome)
	assert.NoError(t, result.Err)
	assert.NotNil(t, result.Nodes)
}

func TestGetByIDAndSyncStatus(t *testing.T) {
	store := NewMemoryStore(fixtureNodes()...)
	client := NewClient(store, time.Second, testLogger())
	ctx := context.Background()

	n, err := client.GetByID(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, "Liwa Oasis", n.Location)
	assert.Equal(t, models.TierExcellent, n.Tier())

	_, err = client.GetByID(ctx, 99)
	assert.ErrorIs(t, err, ErrNodeNotFound)

	st, err := client.GetSyncStatus(ctx)
	require.NoError(t, err)
	assert.Nil(t, st)

	store.SetSyncStatus(&models.SyncStatus{LastSyncedBlock: 1200, NodesSynced: 5, Status: "completed"})
	st, err = client.GetSyncStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1200), st.LastSyncedBlock)

	failing := NewClient(&failingStore{err: errors.New("timeout")}, time.Second, testLogger())
	_, err = failing.GetByID(ctx, 1)
	assert.ErrorIs(t, err, deserrors.ErrQueryFailed)
	_, err = failing.GetSyncStatus(ctx)
	assert.ErrorIs(t, err, deserrors.ErrQueryFailed)
}

func TestGetAllAndActive(t *testing.T) {
	client := NewClient(NewMemoryStore(fixtureNodes()...), time.Second, testLogger())

	assert.Equal(t, []int64{1, 3, 2, 5, 4}, nodeIDs(client.GetAll(context.Background()).Nodes))
	assert.Equal(t, []int64{1, 2, 5, 4}, nodeIDs(client.GetActive(context.Background()).Nodes))
}

func TestBuildSearchQuery(t *testing.T) {
	tests := []struct {
		name     string
		filters  Filters
		sortBy   SortBy
		wantSQL  string
		wantArgs []interface{}
	}{
		{
			name:     "无条件",
			filters:  Filters{},
			sortBy:   "",
			wantSQL:  " ORDER BY reputation_score DESC, node_id ASC",
			wantArgs: nil,
		},
		{
			name:     "全部条件",
			filters:  Filters{ActiveOnly: true, SearchQuery: " 50%_off ", MinPriceETH: dec("0.001"), MaxPriceUSD: dec("10"), MinReputation: intPtr(70)},
			sortBy:   SortPriceUSDAsc,
			wantSQL:  ` WHERE is_active = true AND location ILIKE $1 ESCAPE '\' AND price_per_hour_eth >= $2 AND price_per_hour_usd <= $3 AND reputation_score >= $4 ORDER BY price_per_hour_usd ASC, node_id ASC`,
			wantArgs: []interface{}{`%50\%\_off%`, "0.001", "10", 70},
		},
		{
			name:     "最新注册",
			filters:  Filters{MaxPriceETH: dec("0.5")},
			sortBy:   SortNewest,
			wantSQL:  " WHERE price_per_hour_eth <= $1 ORDER BY registered_at DESC, node_id ASC",
			wantArgs: []interface{}{"0.5"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			query, args := buildSearchQuery(tt.filters, tt.sortBy)
			assert.Contains(t, query, "FROM wifi_nodes")
			assert.True(t, len(query) > len(tt.wantSQL))
			assert.Equal(t, tt.wantSQL, query[len(query)-len(tt.wantSQL):])
			assert.Equal(t, tt.wantArgs, args)
		})
	}
}

func TestDebouncer_OnlyFinalText(t *testing.T) {
	var (
		mu    sync.Mutex
		texts []string
	)
	d := NewDebouncer(50*time.Millisecond, func(ctx context.Context, text string) {
		mu.Lock()
		defer mu.Unlock()
		texts = append(texts, text)
	})
	defer d.Stop()

	d.Input("A")
	time.Sleep(10 * time.Millisecond)
	d.Input("Ab")
	time.Sleep(10 * time.Millisecond)
	d.Input("Abc")

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(texts) == 1
	}, time.Second, 10*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"Abc"}, texts)
}

func TestDebouncer_NewQueryCancelsInflight(t *testing.T) {
	started := make(chan struct{})
	cancelled := make(chan struct{})
	var once sync.Once

	d := NewDebouncer(10*time.Millisecond, func(ctx context.Context, text string) {
		if text == "slow" {
			once.Do(func() { close(started) })
			<-ctx.Done()
			close(cancelled)
		}
	})
	defer d.Stop()

	d.Input("slow")
	<-started
	d.Input("fast")

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("旧查询没有被取消")
	}
}

func TestSearchDebouncer_DeliversResult(t *testing.T) {
	client := NewClient(NewMemoryStore(fixtureNodes()...), time.Second, testLogger())

	results := make(chan *SearchResult, 4)
	d := client.NewSearchDebouncer(20*time.Millisecond, Filters{ActiveOnly: true}, SortReputationDesc,
		func(text string, result *SearchResult) {
			results <- result
		})
	defer d.Stop()

	d.Input("Du")
	d.Input("Dub")
	d.Input("Dubai")

	select {
	case result := <-results:
		assert.Equal(t, []int64{1, 5}, nodeIDs(result.Nodes))
	case <-time.After(time.Second):
		t.Fatal("没有收到搜索结果")
	}
	assert.Empty(t, results)
}

func TestDebouncer_FlushFiresPendingAndWaits(t *testing.T) {
	var (
		mu    sync.Mutex
		texts []string
	)
	d := NewDebouncer(time.Hour, func(ctx context.Context, text string) {
		time.Sleep(150 * time.Millisecond)
		if ctx.Err() != nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		texts = append(texts, text)
	})

	d.Input("Oas")
	d.Input("Oasis")
	d.Flush()

	mu.Lock()
	assert.Equal(t, []string{"Oasis"}, texts)
	mu.Unlock()

	// 回调结束后再 Stop 不会丢失结果
	d.Stop()
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"Oasis"}, texts)
}

func TestDebouncer_FlushWaitsForInflight(t *testing.T) {
	started := make(chan struct{})
	done := make(chan struct{})
	d := NewDebouncer(10*time.Millisecond, func(ctx context.Context, text string) {
		close(started)
		time.Sleep(100 * time.Millisecond)
		close(done)
	})
	defer d.Stop()

	d.Input("Dune")
	<-started
	d.Flush()

	select {
	case <-done:
	default:
		t.Fatal("Flush 没有等待进行中的查询")
	}

	// 没有待发查询时 Flush 直接返回
	d.Flush()
}
