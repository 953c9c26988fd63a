package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"deslink/pkg/models"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

const nodeColumns = `id, node_id, owner_address, location, price_per_hour_eth, price_per_hour_usd,
	reputation_score, total_connections, is_active, upvotes, downvotes,
	registered_at, last_synced_at, created_at, updated_at`

// PostgresStore 基于Postgres的节点目录
type PostgresStore struct {
	db     *sql.DB
	logger *logrus.Logger
}

// NewPostgresStore 连接数据库并创建目录存储
func NewPostgresStore(dsn string, logger *logrus.Logger) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("连接目录数据库失败: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("目录数据库连接测试失败: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	return NewPostgresStoreWithDB(db, logger), nil
}

// NewPostgresStoreWithDB 使用已有连接创建目录存储
func NewPostgresStoreWithDB(db *sql.DB, logger *logrus.Logger) *PostgresStore {
	return &PostgresStore{db: db, logger: logger}
}

// DB 底层连接，供迁移使用
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// buildSearchQuery 生成参数化的搜索语句，排序列只来自白名单
func buildSearchQuery(f Filters, sortBy SortBy) (string, []interface{}) {
	var (
		where []string
		args  []interface{}
	)
	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}

	if f.ActiveOnly {
		where = append(where, "is_active = true")
	}
	if q := strings.TrimSpace(f.SearchQuery); q != "" {
		add(`location ILIKE $%d ESCAPE '\'`, "%"+escapeLike(q)+"%")
	}
	if f.MinPriceETH != nil {
		add("price_per_hour_eth >= $%d", f.MinPriceETH.String())
	}
	if f.MaxPriceETH != nil {
		add("price_per_hour_eth <= $%d", f.MaxPriceETH.String())
	}
	if f.MinPriceUSD != nil {
		add("price_per_hour_usd >= $%d", f.MinPriceUSD.String())
	}
	if f.MaxPriceUSD != nil {
		add("price_per_hour_usd <= $%d", f.MaxPriceUSD.String())
	}
	if f.MinReputation != nil {
		add("reputation_score >= $%d", *f.MinReputation)
	}

	query := "SELECT " + nodeColumns + " FROM wifi_nodes"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}

	order := sortBy.column()
	direction := "ASC"
	if order.desc {
		direction = "DESC"
	}
	query += fmt.Sprintf(" ORDER BY %s %s, node_id ASC", order.column, direction)

	return query, args
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanNode(row rowScanner) (*models.NodeListing, error) {
	var n models.NodeListing
	var lastSynced sql.NullTime
	err := row.Scan(
		&n.ID, &n.NodeID, &n.OwnerAddress, &n.Location,
		&n.PricePerHourETH, &n.PricePerHourUSD,
		&n.ReputationScore, &n.TotalConnections, &n.IsActive,
		&n.Upvotes, &n.Downvotes,
		&n.RegisteredAt, &lastSynced, &n.CreatedAt, &n.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if lastSynced.Valid {
		n.LastSyncedAt = lastSynced.Time
	}
	return &n, nil
}

// Search 按条件搜索节点
func (s *PostgresStore) Search(ctx context.Context, f Filters, sortBy SortBy) ([]models.NodeListing, error) {
	query, args := buildSearchQuery(f, sortBy)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("查询节点失败: %w", err)
	}
	defer rows.Close()

	nodes := make([]models.NodeListing, 0)
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("读取节点记录失败: %w", err)
		}
		nodes = append(nodes, *n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历节点记录失败: %w", err)
	}

	s.logger.Debugf("目录查询返回 %d 个节点 (排序 %s)", len(nodes), sortBy.Normalize())
	return nodes, nil
}

// GetByNodeID 按链上节点编号查询
func (s *PostgresStore) GetByNodeID(ctx context.Context, nodeID int64) (*models.NodeListing, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+nodeColumns+" FROM wifi_nodes WHERE node_id = $1", nodeID)
	n, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNodeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("查询节点 %d 失败: %w", nodeID, err)
	}
	return n, nil
}

// GetSyncStatus 查询最近一次同步状态
func (s *PostgresStore) GetSyncStatus(ctx context.Context) (*models.SyncStatus, error) {
	var (
		st     models.SyncStatus
		errMsg sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, last_synced_block, last_synced_at, nodes_synced, status, error_message
		FROM node_sync_status
		ORDER BY last_synced_at DESC
		LIMIT 1`).Scan(&st.ID, &st.LastSyncedBlock, &st.LastSyncedAt, &st.NodesSynced, &st.Status, &errMsg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("查询同步状态失败: %w", err)
	}
	if errMsg.Valid {
		st.ErrorMessage = &errMsg.String
	}
	return &st, nil
}

// Close 关闭连接
func (s *PostgresStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
