package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"USDC-Treasurer/internal/api"
	"USDC-Treasurer/internal/chain/provider"
	"USDC-Treasurer/internal/config"
	"USDC-Treasurer/internal/ledger"
	"USDC-Treasurer/internal/nonce"
	"USDC-Treasurer/internal/observability/alerting"
	"USDC-Treasurer/internal/signer"
	"USDC-Treasurer/internal/treasury"
	"USDC-Treasurer/pkg/logger"
)

// main 是财库守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("treasurerd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("TREASURER_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "treasurer.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
	}); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	// 账本后端。
	var ldg ledger.Ledger
	switch cfg.Ledger.Driver {
	case "", "file":
		fileLedger, err := ledger.NewFileLedger(cfg.Runtime.DataDir)
		if err != nil {
			return err
		}
		ldg = fileLedger
	case "mysql":
		mysqlLedger, err := ledger.NewMySQLLedger(ctx, ledger.MySQLConfig{
			DSN:             cfg.Ledger.DSN,
			MaxOpenConns:    cfg.Ledger.MaxOpenConns,
			MaxIdleConns:    cfg.Ledger.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Ledger.ConnMaxLifetimeSeconds) * time.Second,
		})
		if err != nil {
			return err
		}
		ldg = mysqlLedger
	default:
		return fmt.Errorf("未知的账本驱动: %s", cfg.Ledger.Driver)
	}
	defer func() { _ = ldg.Close() }()

	// 意图队列。
	var intentQueue treasury.Queue
	switch cfg.Queue.Driver {
	case "", "memory":
		intentQueue = treasury.NewMemoryQueue(1024)
	case "redis":
		queue, err := treasury.NewRedisQueue(treasury.RedisQueueConfig{
			Address:   cfg.Queue.Redis.Address,
			Password:  cfg.Queue.Redis.Password,
			DB:        cfg.Queue.Redis.DB,
			Queue:     cfg.Queue.Redis.Queue,
			BlockWait: time.Duration(cfg.Queue.Redis.BlockWait) * time.Second,
		})
		if err != nil {
			return err
		}
		intentQueue = queue
	case "rabbitmq":
		queue, err := treasury.NewRabbitMQQueue(treasury.RabbitMQConfig{
			URL:        cfg.Queue.RabbitMQ.URL,
			Queue:      cfg.Queue.RabbitMQ.Queue,
			Prefetch:   cfg.Queue.RabbitMQ.Prefetch,
			Durable:    cfg.Queue.RabbitMQ.Durable,
			AutoDelete: cfg.Queue.RabbitMQ.AutoDelete,
		})
		if err != nil {
			return err
		}
		intentQueue = queue
	default:
		return fmt.Errorf("未知的队列驱动: %s", cfg.Queue.Driver)
	}
	defer func() {
		if err := intentQueue.Close(); err != nil {
			logger.L().Warn("关闭意图队列失败", slog.Any("error", err))
		}
	}()

	// 链客户端。
	chainRegistry, err := provider.NewRegistry(ctx, cfg.Chain)
	if err != nil {
		return err
	}
	defer chainRegistry.Close()

	chainClient, err := chainRegistry.DefaultClient()
	if err != nil {
		return err
	}

	chainID, err := chainClient.ChainID(ctx)
	if err != nil {
		return err
	}

	// 签名私钥只从环境变量读取，配置文件里不出现。
	privateKey := strings.TrimSpace(os.Getenv(config.PrivateKeyEnv))
	if privateKey == "" {
		return fmt.Errorf("环境变量 %s 未设置", config.PrivateKeyEnv)
	}
	sgn, err := signer.New(privateKey, chainID, common.HexToAddress(cfg.Chain.TokenAddress))
	if err != nil {
		return err
	}
	logger.L().Info("托管账户已加载", slog.String("address", sgn.Address().Hex()))

	// nonce 计数器：取链视角与账本视角的较大值。
	nonces := nonce.NewManager(sgn.Address())
	chainNonce, err := chainClient.PendingNonce(ctx, sgn.Address())
	if err != nil {
		return err
	}
	entries, err := ldg.All(ctx)
	if err != nil {
		return err
	}
	replayed := ledger.Replay(entries)
	nonces.Seed(chainNonce, replayed.MaxAssignedNonce)

	alerter := alerting.NewLogDispatcher()
	policy := treasury.PolicyFromConfig(cfg.Treasury)
	executor := treasury.NewExecutor(ldg, chainClient, sgn, nonces, policy,
		treasury.WithAlertDispatcher(alerter),
	)

	// 崩溃恢复：继续轮询上次广播后未到终态的交易。
	resumed, err := executor.ResumeInflight(ctx)
	if err != nil {
		return err
	}
	if resumed > 0 {
		logger.L().Info("恢复在途交易", slog.Int("count", resumed))
	}

	service := treasury.NewService(ldg, intentQueue, chainClient, sgn, cfg.Chain)
	processor := treasury.NewProcessor(executor, intentQueue,
		treasury.WithWorkerCount(cfg.Queue.Worker),
	)

	processorCtx, processorCancel := context.WithCancel(ctx)
	defer processorCancel()
	go func() {
		if err := processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("意图处理器异常退出", slog.Any("error", err))
		}
	}()

	monitor := treasury.NewMonitor(ldg, chainClient, sgn.Address(),
		time.Duration(cfg.Treasury.MonitorPeriodMinutes)*time.Minute,
		cfg.Treasury.DiscrepancyTolerance,
		treasury.WithMonitorAlerter(alerter),
	)
	go func() {
		if err := monitor.Run(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("余额监控异常退出", slog.Any("error", err))
		}
	}()

	server := api.NewServer(cfg.Server.Address, cfg.Server.AuthToken, service)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
