package main

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"AgentVault/internal/api"
	"AgentVault/internal/approval"
	"AgentVault/internal/chain"
	"AgentVault/internal/chain/ethereum"
	"AgentVault/internal/config"
	"AgentVault/internal/deposit"
	"AgentVault/internal/ledger"
	"AgentVault/internal/observability/alerting"
	"AgentVault/internal/observability/metrics"
	"AgentVault/internal/task"
	"AgentVault/internal/wallet"
	"AgentVault/pkg/logger"
)

// chainBackend 聚合链上三类能力，simulated 和 ethereum 实现都满足。
type chainBackend interface {
	chain.Executor
	chain.Verifier
	chain.DepositSource
}

// main 是 agentvaultd 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("agentvaultd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("AGENTVAULT_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "agentvault.yaml")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logger.Level,
		Format:      cfg.Logger.Format,
		OutputPaths: cfg.Logger.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logger.Audit.Enabled,
			Path:       cfg.Logger.Audit.Path,
			MaxSizeMB:  cfg.Logger.Audit.MaxSizeMB,
			MaxBackups: cfg.Logger.Audit.MaxBackups,
			MaxAgeDays: cfg.Logger.Audit.MaxAgeDays,
		},
	}); err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	ledgerStore, approvalStore, taskStore, err := buildStores(cfg)
	if err != nil {
		return err
	}
	defer func() {
		_ = taskStore.Close()
		_ = approvalStore.Close()
		_ = ledgerStore.Close()
	}()

	taskQueue, err := buildQueue(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := taskQueue.Close(); err != nil {
			logger.L().Error("关闭任务队列失败", "error", err)
		}
	}()

	backend, cleanup, err := buildChain(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	walletSvc := wallet.NewService(ledgerStore, backend, backend)
	gate := approval.NewGate(approvalStore)
	vault := approval.NewVault(ledgerStore)
	actions := task.NewActions(backend, task.WithOracleURL(cfg.Actions.OracleURL))
	runner := task.NewRunner(walletSvc, gate, vault, taskStore, actions)
	taskService := task.NewService(taskStore, taskQueue)
	processor := task.NewProcessor(runner, taskStore, taskQueue,
		task.WithWorkerCount(cfg.Queue.Workers),
		task.WithProcessorLogger(logger.Named("processor")),
		task.WithAlertDispatcher(alerting.NewFanout()),
	)

	go func() {
		if err := processor.Start(ctx); err != nil && !stdErrors.Is(err, context.Canceled) {
			logger.L().Error("任务处理器异常退出", "error", err)
		}
	}()
	go gate.RunSweeper(ctx, cfg.Approval.SweepInterval.Std())

	if cfg.Server.MetricsAddress != "" {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Server.MetricsAddress); err != nil && !stdErrors.Is(err, context.Canceled) {
				logger.L().Error("指标端点异常退出", "error", err)
			}
		}()
	}

	if len(cfg.Deposit.Bindings) > 0 {
		listener := deposit.NewListener(backend, ledgerStore,
			deposit.StaticResolver(cfg.Deposit.Bindings),
			deposit.WithInterval(cfg.Deposit.ScanInterval.Std()),
			deposit.WithStartBlock(cfg.Deposit.StartBlock),
		)
		go listener.Run(ctx)
	}

	server := api.NewServer(cfg.Server.Address, walletSvc, gate, taskService)
	if err := server.Start(ctx); err != nil && !stdErrors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func buildStores(cfg *config.Config) (ledger.Store, approval.Store, task.Store, error) {
	switch strings.ToLower(cfg.Storage.Driver) {
	case "", "memory":
		return ledger.NewMemoryStore(), approval.NewMemoryStore(), task.NewMemoryStore(), nil
	case "mysql":
		ledgerStore, err := ledger.NewMySQLStore(cfg.Storage.DSN)
		if err != nil {
			return nil, nil, nil, err
		}
		approvalStore, err := approval.NewMySQLStore(cfg.Storage.DSN)
		if err != nil {
			_ = ledgerStore.Close()
			return nil, nil, nil, err
		}
		taskStore, err := task.NewMySQLStore(cfg.Storage.DSN)
		if err != nil {
			_ = approvalStore.Close()
			_ = ledgerStore.Close()
			return nil, nil, nil, err
		}
		return ledgerStore, approvalStore, taskStore, nil
	default:
		return nil, nil, nil, fmt.Errorf("未知的存储驱动: %s", cfg.Storage.Driver)
	}
}

func buildQueue(cfg *config.Config) (task.Queue, error) {
	switch strings.ToLower(cfg.Queue.Driver) {
	case "", "memory":
		return task.NewMemoryQueue(1024), nil
	case "redis":
		return task.NewRedisQueue(task.RedisQueueConfig{
			Address:  cfg.Queue.Redis.Addr,
			Password: cfg.Queue.Redis.Password,
			DB:       cfg.Queue.Redis.DB,
			Queue:    cfg.Queue.Redis.Queue,
		})
	case "rabbitmq":
		return task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:      cfg.Queue.RabbitMQ.URL,
			Queue:    cfg.Queue.RabbitMQ.Queue,
			Prefetch: cfg.Queue.RabbitMQ.Prefetch,
			Durable:  cfg.Queue.RabbitMQ.Durable,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Queue.Driver)
	}
}

func buildChain(ctx context.Context, cfg *config.Config) (chainBackend, func(), error) {
	switch strings.ToLower(cfg.Chain.Driver) {
	case "", "simulated":
		return chain.NewSimulated(), func() {}, nil
	case "ethereum":
		client, err := ethereum.NewClient(ctx, ethereum.Config{
			RPCURL:         cfg.Chain.RPCURL,
			Asset:          cfg.Chain.Asset,
			PrivateKeyHex:  cfg.Chain.PrivateKeyHex,
			ReceiptTimeout: cfg.Chain.ReceiptTimeout.Std(),
		})
		if err != nil {
			return nil, nil, err
		}
		return client, client.Close, nil
	default:
		return nil, nil, fmt.Errorf("未知的链驱动: %s", cfg.Chain.Driver)
	}
}
