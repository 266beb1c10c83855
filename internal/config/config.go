package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Config 描述 treasurerd 在启动阶段需要加载的核心配置。
// 签名私钥永远不出现在配置文件里，只从环境变量读取。
type Config struct {
	Server   ServerConfig   `json:"server"`
	Ledger   LedgerConfig   `json:"ledger"`
	Queue    QueueConfig    `json:"queue"`
	Chain    ChainConfig    `json:"chain"`
	Treasury TreasuryConfig `json:"treasury"`
	Logging  LoggingConfig  `json:"logging"`
	Runtime  RuntimeConfig  `json:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
	// AuthToken 非空时，写操作接口要求 Bearer token。
	AuthToken string `json:"auth_token"`
}

// LedgerConfig 描述账本的持久化后端。
type LedgerConfig struct {
	Driver                 string `json:"driver"`
	DSN                    string `json:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
}

// QueueConfig 描述转账意图队列。
type QueueConfig struct {
	Driver   string         `json:"driver"`
	Worker   int            `json:"worker"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 描述 Redis 队列的连接参数。
type RedisConfig struct {
	Address   string `json:"address"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	Queue     string `json:"queue"`
	BlockWait int    `json:"block_wait_seconds"`
}

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// ChainConfig 包含访问区块链节点与代币合约所需的参数。
type ChainConfig struct {
	ChainConfig   string `json:"chain_config"`
	DefaultChain  string `json:"default_chain"`
	RPCURL        string `json:"rpc_url"`
	TokenAddress  string `json:"token_address"`
	TokenDecimals int    `json:"token_decimals"`
	ExplorerTxURL string `json:"explorer_tx_url"`
}

// TreasuryConfig 控制转账执行器与余额监控的策略参数。
// 金额一律是最小单位（USDC 为 6 位小数）。
type TreasuryConfig struct {
	PerTransferCap        uint64 `json:"per_transfer_cap"`
	WindowCap             uint64 `json:"window_cap"`
	WindowHours           int    `json:"window_hours"`
	SubmitMaxRetries      int    `json:"submit_max_retries"`
	SubmitBackoffMS       int    `json:"submit_backoff_ms"`
	SubmitBackoffCapMS    int    `json:"submit_backoff_cap_ms"`
	ConfirmPollSeconds    int    `json:"confirm_poll_seconds"`
	ConfirmTimeoutSeconds int    `json:"confirm_timeout_seconds"`
	MonitorPeriodMinutes  int    `json:"monitor_period_minutes"`
	DiscrepancyTolerance  uint64 `json:"discrepancy_tolerance"`
	FeeFloorWei           uint64 `json:"fee_floor_wei"`
	GasLimit              uint64 `json:"gas_limit"`
}

// LoggingConfig 描述日志输出。
type LoggingConfig struct {
	Level       string         `json:"level"`
	Format      string         `json:"format"`
	OutputPaths []string       `json:"output_paths"`
	Audit       AuditLogConfig `json:"audit"`
}

// AuditLogConfig 描述审计日志滚动策略。
type AuditLogConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// PrivateKeyEnv 是签名私钥的环境变量名。
const PrivateKeyEnv = "TREASURER_PRIVATE_KEY"

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.ApplyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// ApplyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) ApplyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Ledger.Driver == "" {
		c.Ledger.Driver = "file"
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Worker <= 0 {
		c.Queue.Worker = 1
	}

	if c.Chain.RPCURL == "" && c.Chain.ChainConfig == "" {
		// 原型默认跑在 Sepolia 测试网。
		c.Chain.RPCURL = "https://rpc.sepolia.org"
	}
	if c.Chain.TokenAddress == "" {
		// Sepolia USDC
		c.Chain.TokenAddress = "0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238"
	}
	if c.Chain.TokenDecimals <= 0 {
		c.Chain.TokenDecimals = 6
	}
	if c.Chain.ExplorerTxURL == "" {
		c.Chain.ExplorerTxURL = "https://sepolia.etherscan.io/tx/"
	}

	if c.Treasury.PerTransferCap == 0 {
		c.Treasury.PerTransferCap = 1_000_000_000 // 1000 USDC
	}
	if c.Treasury.WindowCap == 0 {
		c.Treasury.WindowCap = 5_000_000_000
	}
	if c.Treasury.WindowHours <= 0 {
		c.Treasury.WindowHours = 24
	}
	if c.Treasury.SubmitMaxRetries <= 0 {
		c.Treasury.SubmitMaxRetries = 5
	}
	if c.Treasury.SubmitBackoffMS <= 0 {
		c.Treasury.SubmitBackoffMS = 500
	}
	if c.Treasury.SubmitBackoffCapMS <= 0 {
		c.Treasury.SubmitBackoffCapMS = 30_000
	}
	if c.Treasury.ConfirmPollSeconds <= 0 {
		c.Treasury.ConfirmPollSeconds = 10
	}
	if c.Treasury.ConfirmTimeoutSeconds <= 0 {
		c.Treasury.ConfirmTimeoutSeconds = 600
	}
	if c.Treasury.MonitorPeriodMinutes <= 0 {
		c.Treasury.MonitorPeriodMinutes = 360
	}
	if c.Treasury.DiscrepancyTolerance == 0 {
		c.Treasury.DiscrepancyTolerance = 1_000_000 // 1 USDC
	}
	if c.Treasury.FeeFloorWei == 0 {
		c.Treasury.FeeFloorWei = 1_000_000_000 // 1 gwei
	}
	if c.Treasury.GasLimit == 0 {
		c.Treasury.GasLimit = 100_000
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
}
