package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"deslink/internal/chain"
	"deslink/internal/logging"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config 主配置
type Config struct {
	Chain     *chain.Params      `mapstructure:"chain"`
	Nodes     []*NodeConfig      `mapstructure:"nodes"`
	Contract  *ContractConfig    `mapstructure:"contract"`
	Wallet    *WalletConfig      `mapstructure:"wallet"`
	Directory *DirectoryConfig   `mapstructure:"directory"`
	Events    *EventsConfig      `mapstructure:"events"`
	Journal   *JournalConfig     `mapstructure:"journal"`
	Decoder   *DecoderConfig     `mapstructure:"decoder"`
	API       *APIConfig         `mapstructure:"api"`
	Errors    *ErrorsConfig      `mapstructure:"errors"`
	Logging   *logging.LogConfig `mapstructure:"logging"`
}

// NodeConfig RPC节点配置
type NodeConfig struct {
	Name     string `mapstructure:"name"`
	URL      string `mapstructure:"url"`
	Priority int    `mapstructure:"priority"`
}

// ContractConfig 合约配置
type ContractConfig struct {
	Address            string  `mapstructure:"address"`
	USDCAddress        string  `mapstructure:"usdc_address"`
	USDTAddress        string  `mapstructure:"usdt_address"`
	StablecoinDecimals int32   `mapstructure:"stablecoin_decimals"`
	ReceiptPoll        string  `mapstructure:"receipt_poll"`
	ReceiptTimeout     string  `mapstructure:"receipt_timeout"`
	GasLimitMultiplier float64 `mapstructure:"gas_limit_multiplier"`
}

// WalletConfig 钱包配置
type WalletConfig struct {
	Kind         string `mapstructure:"kind"`          // keystore | rpc
	ExpectedKind string `mapstructure:"expected_kind"` // 期望的钱包类型
	KeystoreDir  string `mapstructure:"keystore_dir"`
	Passphrase   string `mapstructure:"passphrase"`
	RPCURL       string `mapstructure:"rpc_url"`
	PollInterval string `mapstructure:"poll_interval"`
	EventBuffer  int    `mapstructure:"event_buffer"`
	AutoApprove  bool   `mapstructure:"auto_approve"`
}

// DirectoryConfig 节点目录配置
type DirectoryConfig struct {
	DSN            string `mapstructure:"dsn"`
	QueryTimeout   string `mapstructure:"query_timeout"`
	Debounce       string `mapstructure:"debounce"`
	MigrationsPath string `mapstructure:"migrations_path"`
}

// KafkaConfig Kafka配置
type KafkaConfig struct {
	Brokers []string          `mapstructure:"brokers"`
	Topics  map[string]string `mapstructure:"topics"`
}

// EventsConfig 事件输出配置
type EventsConfig struct {
	Format    string       `mapstructure:"format"` // kafka | file | none
	Directory string       `mapstructure:"directory"`
	Kafka     *KafkaConfig `mapstructure:"kafka"`
}

// JournalConfig 本地支付日志配置
type JournalConfig struct {
	Path string `mapstructure:"path"`
}

// DecoderConfig 回滚原因解码器配置
type DecoderConfig struct {
	FourByteAPIURL string `mapstructure:"fourbyte_api_url"`
	APITimeout     string `mapstructure:"api_timeout"`
	EnableCache    bool   `mapstructure:"enable_cache"`
	CacheSize      int    `mapstructure:"cache_size"`
	EnableAPI      bool   `mapstructure:"enable_api"`
}

// APIConfig HTTP服务配置
type APIConfig struct {
	Port            int    `mapstructure:"port"`
	ShutdownTimeout string `mapstructure:"shutdown_timeout"`
}

// ErrorsConfig 操作失败的告警和上报
type ErrorsConfig struct {
	AlertPerHour int  `mapstructure:"alert_per_hour"` // 0 关闭告警
	Publish      bool `mapstructure:"publish"`        // 把中等及以上严重度的失败发布为事件
}

// LoadConfig 加载配置（自动检测配置源）
func LoadConfig(configPath string) (*Config, error) {
	cfg, err := LoadConfigFromFile(configPath)
	if err != nil {
		return nil, err
	}

	// 设置了配置库时，用数据库中的RPC节点和运行参数覆盖文件配置
	if dsn := os.Getenv("DESLINK_CONFIG_DSN"); dsn != "" {
		logger := logrus.New()
		dbConfig, err := NewDatabaseConfig(dsn, logger)
		if err != nil {
			return nil, fmt.Errorf("连接配置数据库失败: %w", err)
		}
		defer dbConfig.Close()

		if err := dbConfig.Apply(cfg); err != nil {
			return nil, fmt.Errorf("从数据库加载配置失败: %w", err)
		}
		logger.Info("已从数据库加载配置")
	}

	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfigFromFile 从文件加载配置，缺失项使用默认值，DESLINK_ 前缀环境变量优先
func LoadConfigFromFile(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("DESLINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")

		if err := v.ReadInConfig(); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("读取配置文件失败: %w", err)
			}
		}
	}

	config := GetDefaultConfig()
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	return config, nil
}

// setDefaults 注册需要支持环境变量覆盖的键
func setDefaults(v *viper.Viper) {
	defaults := GetDefaultConfig()
	v.SetDefault("contract.address", defaults.Contract.Address)
	v.SetDefault("wallet.kind", defaults.Wallet.Kind)
	v.SetDefault("wallet.expected_kind", defaults.Wallet.ExpectedKind)
	v.SetDefault("wallet.keystore_dir", defaults.Wallet.KeystoreDir)
	v.SetDefault("wallet.passphrase", defaults.Wallet.Passphrase)
	v.SetDefault("wallet.rpc_url", defaults.Wallet.RPCURL)
	v.SetDefault("directory.dsn", defaults.Directory.DSN)
	v.SetDefault("events.format", defaults.Events.Format)
	v.SetDefault("api.port", defaults.API.Port)
	v.SetDefault("errors.alert_per_hour", defaults.Errors.AlertPerHour)
	v.SetDefault("errors.publish", defaults.Errors.Publish)
}

// GetDefaultConfig 获取默认配置
func GetDefaultConfig() *Config {
	return &Config{
		Chain: chain.ScrollSepolia(),
		Nodes: []*NodeConfig{
			{
				Name:     "scroll_sepolia",
				URL:      "https://sepolia-rpc.scroll.io",
				Priority: 1,
			},
		},
		Contract: &ContractConfig{
			Address:            "", // 需要在YAML配置或环境变量中指定
			StablecoinDecimals: 6,
			ReceiptPoll:        "2s",
			ReceiptTimeout:     "3m",
			GasLimitMultiplier: 1.2,
		},
		Wallet: &WalletConfig{
			Kind:         "keystore",
			ExpectedKind: "keystore",
			KeystoreDir:  "./data/keystore",
			PollInterval: "2s",
			EventBuffer:  16,
		},
		Directory: &DirectoryConfig{
			QueryTimeout:   "10s",
			Debounce:       "300ms",
			MigrationsPath: "migrations",
		},
		Events: &EventsConfig{
			Format:    "file",
			Directory: "./outputs",
			Kafka: &KafkaConfig{
				Brokers: []string{"localhost:9092"},
				Topics: map[string]string{
					"payments":      "deslink_payments",
					"registrations": "deslink_node_registrations",
					"governance":    "deslink_governance_actions",
					"errors":        "deslink_errors",
				},
			},
		},
		Journal: &JournalConfig{
			Path: "./data/journal.db",
		},
		Decoder: &DecoderConfig{
			FourByteAPIURL: "https://www.4byte.directory/api/v1/signatures/",
			APITimeout:     "5s",
			EnableCache:    true,
			CacheSize:      1000,
			EnableAPI:      true,
		},
		API: &APIConfig{
			Port:            8080,
			ShutdownTimeout: "15s",
		},
		Errors: &ErrorsConfig{
			AlertPerHour: 20,
			Publish:      true,
		},
		Logging: &logging.LogConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// ValidateConfig 校验配置
func ValidateConfig(cfg *Config) error {
	if cfg.Chain == nil || cfg.Chain.ChainID <= 0 {
		return fmt.Errorf("配置无效: 缺少目标链参数")
	}
	if len(cfg.Nodes) == 0 {
		return fmt.Errorf("配置无效: 至少需要一个RPC节点")
	}
	for i, node := range cfg.Nodes {
		if node == nil || node.Name == "" || node.URL == "" {
			return fmt.Errorf("配置无效: 第 %d 个RPC节点缺少名称或地址", i+1)
		}
	}
	if cfg.Contract == nil {
		return fmt.Errorf("配置无效: 缺少合约配置")
	}
	if cfg.Contract.Address != "" && !common.IsHexAddress(cfg.Contract.Address) {
		return fmt.Errorf("配置无效: 合约地址格式错误: %s", cfg.Contract.Address)
	}
	for _, addr := range []string{cfg.Contract.USDCAddress, cfg.Contract.USDTAddress} {
		if addr != "" && !common.IsHexAddress(addr) {
			return fmt.Errorf("配置无效: 稳定币地址格式错误: %s", addr)
		}
	}
	if cfg.Errors != nil && cfg.Errors.AlertPerHour < 0 {
		return fmt.Errorf("配置无效: errors.alert_per_hour 不能为负数: %d", cfg.Errors.AlertPerHour)
	}
	if cfg.Contract.StablecoinDecimals < 0 || cfg.Contract.StablecoinDecimals > 18 {
		return fmt.Errorf("配置无效: 稳定币精度超出范围: %d", cfg.Contract.StablecoinDecimals)
	}
	if cfg.Wallet != nil {
		switch cfg.Wallet.Kind {
		case "keystore", "rpc", "":
		default:
			return fmt.Errorf("配置无效: 不支持的钱包类型: %s", cfg.Wallet.Kind)
		}
	}
	if cfg.Events != nil {
		switch cfg.Events.Format {
		case "kafka", "file", "none", "":
		default:
			return fmt.Errorf("配置无效: 不支持的事件输出格式: %s", cfg.Events.Format)
		}
	}
	for name, value := range map[string]string{
		"contract.receipt_poll":    cfg.Contract.ReceiptPoll,
		"contract.receipt_timeout": cfg.Contract.ReceiptTimeout,
	} {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("配置无效: %s 不是合法的时间间隔: %w", name, err)
		}
	}
	return nil
}

// Duration 解析时间间隔，非法或为空时返回默认值
func Duration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
