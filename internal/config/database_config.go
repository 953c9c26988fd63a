package config

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// DatabaseConfig 数据库配置管理器，表结构见 migrations/000002_runtime_config
type DatabaseConfig struct {
	DB     *sql.DB
	logger *logrus.Logger
}

// RPCEndpoint 数据库中登记的RPC节点
type RPCEndpoint struct {
	Name     string `json:"name"`
	URL      string `json:"url"`
	Priority int    `json:"priority"`
	IsActive bool   `json:"is_active"`
}

// NewDatabaseConfig 创建数据库配置管理器
func NewDatabaseConfig(dsn string, logger *logrus.Logger) (*DatabaseConfig, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("连接数据库失败: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("数据库连接测试失败: %w", err)
	}

	return NewDatabaseConfigWithDB(db, logger), nil
}

// NewDatabaseConfigWithDB 使用已有连接创建配置管理器
func NewDatabaseConfigWithDB(db *sql.DB, logger *logrus.Logger) *DatabaseConfig {
	return &DatabaseConfig{
		DB:     db,
		logger: logger,
	}
}

// Apply 用数据库中的配置覆盖传入的配置
func (dc *DatabaseConfig) Apply(cfg *Config) error {
	endpoints, err := dc.ListRPCEndpoints(true)
	if err != nil {
		return fmt.Errorf("加载RPC节点失败: %w", err)
	}
	if len(endpoints) > 0 {
		nodes := make([]*NodeConfig, 0, len(endpoints))
		for _, ep := range endpoints {
			nodes = append(nodes, &NodeConfig{Name: ep.Name, URL: ep.URL, Priority: ep.Priority})
		}
		cfg.Nodes = nodes
	}

	values, err := dc.ListConfigs()
	if err != nil {
		return fmt.Errorf("加载运行参数失败: %w", err)
	}
	dc.applyValues(cfg, values)
	return nil
}

// applyValues 按键覆盖配置项，未知键忽略
func (dc *DatabaseConfig) applyValues(cfg *Config, values map[string]string) {
	for key, value := range values {
		switch key {
		case "contract_address":
			cfg.Contract.Address = value
		case "usdc_address":
			cfg.Contract.USDCAddress = value
		case "usdt_address":
			cfg.Contract.USDTAddress = value
		case "stablecoin_decimals":
			if v, err := strconv.Atoi(value); err == nil {
				cfg.Contract.StablecoinDecimals = int32(v)
			}
		case "receipt_timeout":
			cfg.Contract.ReceiptTimeout = value
		case "directory_query_timeout":
			cfg.Directory.QueryTimeout = value
		case "events_format":
			cfg.Events.Format = value
		case "kafka_brokers":
			var brokers []string
			if err := json.Unmarshal([]byte(value), &brokers); err == nil {
				if cfg.Events.Kafka == nil {
					cfg.Events.Kafka = &KafkaConfig{}
				}
				cfg.Events.Kafka.Brokers = brokers
			} else {
				dc.logger.Warnf("kafka_brokers 配置格式错误: %v", err)
			}
		default:
			dc.logger.Debugf("忽略未知配置项: %s", key)
		}
	}
}

// ListRPCEndpoints 列出RPC节点，按优先级排序
func (dc *DatabaseConfig) ListRPCEndpoints(activeOnly bool) ([]*RPCEndpoint, error) {
	query := `SELECT name, url, priority, is_active FROM rpc_endpoints`
	if activeOnly {
		query += ` WHERE is_active = true`
	}
	query += ` ORDER BY priority`

	rows, err := dc.DB.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var endpoints []*RPCEndpoint
	for rows.Next() {
		var ep RPCEndpoint
		if err := rows.Scan(&ep.Name, &ep.URL, &ep.Priority, &ep.IsActive); err != nil {
			return nil, err
		}
		endpoints = append(endpoints, &ep)
	}

	return endpoints, rows.Err()
}

// UpsertRPCEndpoint 新增或更新RPC节点
func (dc *DatabaseConfig) UpsertRPCEndpoint(ep *RPCEndpoint) error {
	query := `
		INSERT INTO rpc_endpoints (name, url, priority, is_active, updated_at)
		VALUES ($1, $2, $3, $4, CURRENT_TIMESTAMP)
		ON CONFLICT (name)
		DO UPDATE SET url = $2, priority = $3, is_active = $4, updated_at = CURRENT_TIMESTAMP
	`
	_, err := dc.DB.Exec(query, ep.Name, ep.URL, ep.Priority, ep.IsActive)
	return err
}

// DeleteRPCEndpoint 删除RPC节点
func (dc *DatabaseConfig) DeleteRPCEndpoint(name string) error {
	result, err := dc.DB.Exec(`DELETE FROM rpc_endpoints WHERE name = $1`, name)
	if err != nil {
		return err
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("RPC节点不存在: %s", name)
	}
	return nil
}

// UpdateConfig 更新运行参数
func (dc *DatabaseConfig) UpdateConfig(key, value string) error {
	query := `
		INSERT INTO app_config (config_key, config_value, updated_at)
		VALUES ($1, $2, CURRENT_TIMESTAMP)
		ON CONFLICT (config_key)
		DO UPDATE SET config_value = $2, is_active = true, updated_at = CURRENT_TIMESTAMP
	`
	_, err := dc.DB.Exec(query, key, value)
	return err
}

// GetConfig 获取运行参数
func (dc *DatabaseConfig) GetConfig(key string) (string, error) {
	var value string
	err := dc.DB.QueryRow(`SELECT config_value FROM app_config WHERE config_key = $1 AND is_active = true`, key).Scan(&value)
	return value, err
}

// ListConfigs 列出所有运行参数
func (dc *DatabaseConfig) ListConfigs() (map[string]string, error) {
	rows, err := dc.DB.Query(`SELECT config_key, config_value FROM app_config WHERE is_active = true`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	configs := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		configs[key] = value
	}

	return configs, rows.Err()
}

// Close 关闭数据库连接
func (dc *DatabaseConfig) Close() error {
	if dc.DB != nil {
		return dc.DB.Close()
	}
	return nil
}
