package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"IntentFlow/internal/api"
	"IntentFlow/internal/config"
	"IntentFlow/internal/event"
	"IntentFlow/internal/llm"
	"IntentFlow/internal/llm/openai"
	"IntentFlow/internal/observability/metrics"
	"IntentFlow/internal/planner"
	"IntentFlow/internal/run"
	"IntentFlow/internal/tooling"
	"IntentFlow/internal/wallet"
	"IntentFlow/internal/worker"
	"IntentFlow/internal/workspace"
	"IntentFlow/pkg/logger"
)

// main 是 IntentFlow 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx); err != nil {
		log.Fatalf("intentflowd 运行失败: %v", err)
	}
}

func serve(ctx context.Context) error {
	configPath := flag.String("config", "", "配置文件路径")
	flag.Parse()

	path := *configPath
	if path == "" {
		path = os.Getenv("INTENTFLOW_CONFIG")
	}
	if path == "" {
		path = filepath.Join("configs", "intentflow.json")
	}

	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.Outputs,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.AuditPath != "",
			Path:       cfg.Logging.AuditPath,
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
		},
	}); err != nil {
		return err
	}

	// 初始化运行存储、事件日志与成员存储。MySQL 模式下三者共享同一连接池。
	var (
		store   run.Store
		events  event.Log
		members workspace.Store
	)
	switch cfg.Storage.Driver {
	case "", "memory":
		store = run.NewMemoryStore()
		events = event.NewMemoryLog()
		members = workspace.NewMemoryStore()
	case "mysql":
		mysqlStore, err := run.NewMySQLStore(cfg.Storage.DSN)
		if err != nil {
			return err
		}
		store = mysqlStore
		mysqlLog, err := event.NewMySQLLog(mysqlStore.DB())
		if err != nil {
			_ = mysqlStore.Close()
			return err
		}
		events = mysqlLog
		memberStore, err := workspace.NewMySQLStore(mysqlStore.DB())
		if err != nil {
			_ = mysqlStore.Close()
			return err
		}
		members = memberStore
	default:
		return fmt.Errorf("未知的存储驱动: %s", cfg.Storage.Driver)
	}
	defer func() {
		_ = members.Close()
		_ = events.Close()
		_ = store.Close()
	}()

	queue, err := createQueue(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := queue.Close(); err != nil {
			log.Printf("关闭步骤队列失败: %v", err)
		}
	}()

	llmClient, err := createLLMClient(cfg)
	if err != nil {
		return err
	}

	catalog, err := createCatalog(cfg, store)
	if err != nil {
		return err
	}

	payWallet, err := createWallet(ctx, cfg)
	if err != nil {
		return err
	}
	defer payWallet.Close()

	plan := planner.New(llmClient, catalog,
		planner.WithMaxAttempts(cfg.Planner.MaxAttempts),
		planner.WithRetryDelay(time.Duration(cfg.Planner.RetryDelaySeconds)*time.Second),
	)

	svc := run.NewService(store, queue, events, plan)
	defer svc.Close()

	executor := worker.NewExecutor(store, queue, queue, events,
		worker.WithWorkerCount(cfg.Worker.Count),
		worker.WithInvoker(tooling.NewHTTPInvoker(30*time.Second)),
		worker.WithLLMClient(llmClient),
		worker.WithWallet(payWallet),
	)
	sweeper := worker.NewSweeper(store, queue,
		worker.WithSweepInterval(time.Duration(cfg.Worker.SweepIntervalSeconds)*time.Second),
		worker.WithSweepLimit(cfg.Worker.SweepLimit),
	)

	workerCtx, workerCancel := context.WithCancel(ctx)
	defer workerCancel()

	go func() {
		if err := executor.Start(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("步骤执行器异常退出: %v", err)
		}
	}()
	go func() {
		if err := sweeper.Start(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("租约扫描器异常退出: %v", err)
		}
	}()

	if cfg.Telemetry.MetricsAddress != "" {
		go func() {
			if err := metrics.StartServer(workerCtx, cfg.Telemetry.MetricsAddress); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("指标服务异常退出: %v", err)
			}
		}()
	}

	server := api.NewServer(cfg.Server.Address, svc, members)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// createQueue 按配置构造步骤派发队列。
func createQueue(cfg *config.Config) (run.Queue, error) {
	switch cfg.Queue.Driver {
	case "", "memory":
		return run.NewMemoryQueue(cfg.Queue.Buffer), nil
	case "redis":
		return run.NewRedisQueue(run.RedisQueueConfig{
			Address:  cfg.Queue.Redis.Address,
			Password: cfg.Queue.Redis.Password,
			DB:       cfg.Queue.Redis.DB,
			Queue:    cfg.Queue.Redis.Queue,
		})
	case "rabbitmq":
		return run.NewRabbitMQQueue(run.RabbitMQConfig{
			URL:      cfg.Queue.RabbitMQ.URL,
			Queue:    cfg.Queue.RabbitMQ.Queue,
			Prefetch: cfg.Queue.RabbitMQ.Prefetch,
			Durable:  cfg.Queue.RabbitMQ.Durable,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Queue.Driver)
	}
}

func createLLMClient(cfg *config.Config) (llm.Client, error) {
	switch cfg.LLM.Provider {
	case "", "openai":
		apiKey := strings.TrimSpace(cfg.LLM.OpenAI.APIKey)
		if apiKey == "" {
			apiKey = strings.TrimSpace(os.Getenv("INTENTFLOW_OPENAI_API_KEY"))
		}
		if apiKey == "" {
			return nil, errors.New("OpenAI provider 需要配置 api_key 或 INTENTFLOW_OPENAI_API_KEY")
		}
		return openai.NewClient(openai.Config{
			APIKey:  apiKey,
			BaseURL: cfg.LLM.OpenAI.BaseURL,
			Model:   cfg.LLM.OpenAI.Model,
			Timeout: time.Duration(cfg.LLM.OpenAI.TimeoutSeconds) * time.Second,
		})
	default:
		return nil, fmt.Errorf("未知的大模型 provider: %s", cfg.LLM.Provider)
	}
}

// createCatalog 按配置构造工具目录。
func createCatalog(cfg *config.Config, store run.Store) (tooling.Catalog, error) {
	switch cfg.Tools.Source {
	case "", "static":
		return tooling.LoadStaticCatalog(cfg.Tools.CatalogPath)
	case "mysql":
		mysqlStore, ok := store.(*run.MySQLStore)
		if !ok {
			return nil, errors.New("mysql 工具目录要求存储驱动同为 mysql")
		}
		return tooling.NewMySQLCatalog(mysqlStore.DB())
	default:
		return nil, fmt.Errorf("未知的工具目录来源: %s", cfg.Tools.Source)
	}
}

// createWallet 按配置构造支付钱包。默认使用模拟钱包，便于本地运行。
func createWallet(ctx context.Context, cfg *config.Config) (wallet.Wallet, error) {
	switch cfg.Wallet.Driver {
	case "", "simulated":
		return wallet.NewSimulatedWallet("simulated", "USDC"), nil
	case "ethereum":
		chains, err := wallet.LoadChainDefinitions(cfg.Wallet.ChainsPath)
		if err != nil {
			return nil, err
		}
		def, ok := chains.Chains[cfg.Wallet.Chain]
		if !ok {
			return nil, fmt.Errorf("链 %s 未在 %s 中定义", cfg.Wallet.Chain, cfg.Wallet.ChainsPath)
		}
		privateKey := strings.TrimSpace(os.Getenv(cfg.Wallet.PrivateKeyEnv))
		if privateKey == "" {
			return nil, fmt.Errorf("环境变量 %s 未提供钱包私钥", cfg.Wallet.PrivateKeyEnv)
		}
		return wallet.NewEthWallet(ctx, wallet.EthConfig{
			Name:          cfg.Wallet.Chain,
			RPCURL:        def.RPCURL,
			ChainID:       def.ChainID,
			Asset:         def.Asset,
			PrivateKeyHex: privateKey,
			Payees:        cfg.Wallet.Payees,
		})
	default:
		return nil, fmt.Errorf("未知的钱包驱动: %s", cfg.Wallet.Driver)
	}
}
