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
	"syscall"
	"time"

	"AgentPay-Chain/internal/api"
	"AgentPay-Chain/internal/config"
	"AgentPay-Chain/internal/events"
	"AgentPay-Chain/internal/identity"
	"AgentPay-Chain/internal/ledger"
	"AgentPay-Chain/internal/observability/metrics"
	"AgentPay-Chain/internal/payment"
	"AgentPay-Chain/internal/storage/mysql"
	"AgentPay-Chain/pkg/logger"
)

// main 是支付守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("agentpayd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("AGENTPAY_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "agentpay.json")
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
			Enabled: cfg.Logging.AuditPath != "",
			Path:    cfg.Logging.AuditPath,
		},
	}); err != nil {
		return err
	}
	logger.L().Info("agentpayd 启动中", slog.String("config", configPath))

	// 解析远端账本服务地址：显式 base_url 优先，否则查网络定义文件。
	baseURL := cfg.Ledger.BaseURL
	if cfg.Ledger.NetworksFile != "" {
		definitions, err := ledger.LoadNetworkDefinitions(cfg.Ledger.NetworksFile)
		if err != nil {
			return err
		}
		baseURL, err = definitions.Resolve(cfg.Ledger.Network, cfg.Ledger.BaseURL)
		if err != nil {
			return err
		}
	}

	ledgerClient, err := ledger.NewHTTPClient(ledger.Config{
		BaseURL: baseURL,
		APIKey:  cfg.Ledger.APIKey,
		Network: cfg.Ledger.Network,
		Timeout: time.Duration(cfg.Ledger.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		return err
	}

	provider, wallet, err := createIdentityProvider(ctx, cfg)
	if err != nil {
		return err
	}
	if wallet != nil {
		defer wallet.Close()
	}

	bus, journal, err := createEventBus(ctx, cfg)
	if err != nil {
		return err
	}

	service, err := payment.NewService(ledgerClient, payment.NewMemoryStore(), provider, bus,
		payment.WithNetwork(cfg.Ledger.Network),
		payment.WithMonitorInterval(time.Duration(cfg.Monitor.IntervalSeconds)*time.Second),
	)
	if err != nil {
		return err
	}
	defer func() {
		if err := service.Close(); err != nil {
			logger.L().Warn("关闭支付引擎失败", slog.Any("error", err))
		}
	}()

	if !cfg.Monitor.Disabled {
		if err := service.StartMonitor(ctx); err != nil {
			return err
		}
	}

	if cfg.Server.MetricsAddress != "" {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Server.MetricsAddress); err != nil && !errors.Is(err, context.Canceled) {
				logger.L().Warn("指标服务异常退出", slog.Any("error", err))
			}
		}()
	}

	var serverOpts []api.ServerOption
	if wallet != nil {
		serverOpts = append(serverOpts, api.WithWallet(wallet))
	}
	if journal != nil {
		serverOpts = append(serverOpts, api.WithEventLog(journal))
	}
	server := api.NewServer(cfg.Server.Address, service, serverOpts...)

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// createIdentityProvider 根据配置选择静态身份或链上钱包身份。
func createIdentityProvider(ctx context.Context, cfg *config.Config) (identity.Provider, *identity.WalletProvider, error) {
	if cfg.Identity.RPCURL == "" {
		return identity.NewStaticProvider(cfg.Identity.AgentIdentifier, cfg.Identity.VerificationKey), nil, nil
	}
	wallet, err := identity.NewWalletProvider(ctx,
		cfg.Identity.AgentIdentifier, cfg.Identity.VerificationKey, cfg.Identity.RPCURL)
	if err != nil {
		return nil, nil, err
	}
	return wallet, wallet, nil
}

// createEventBus 组装事件分发后端。Journal 打开时叠加 MySQL 流水，
// 并把 Journal 句柄交给调用方用于流水查询接口。
func createEventBus(ctx context.Context, cfg *config.Config) (events.Publisher, *mysql.Journal, error) {
	var bus events.Publisher
	switch cfg.Events.Driver {
	case "", "memory":
		bus = events.NewMemoryBus()
	case "redis":
		redisBus, err := events.NewRedisBus(events.RedisBusConfig{
			Address:  cfg.Events.Redis.Addr,
			Password: cfg.Events.Redis.Password,
			DB:       cfg.Events.Redis.DB,
			Channel:  cfg.Events.Redis.Channel,
		})
		if err != nil {
			return nil, nil, err
		}
		bus = redisBus
	case "rabbitmq":
		rabbitBus, err := events.NewRabbitMQBus(events.RabbitMQBusConfig{
			URL:     cfg.Events.RabbitMQ.URL,
			Queue:   cfg.Events.RabbitMQ.Queue,
			Durable: true,
		})
		if err != nil {
			return nil, nil, err
		}
		bus = rabbitBus
	default:
		return nil, nil, fmt.Errorf("未知的事件驱动: %s", cfg.Events.Driver)
	}

	if !cfg.Events.Journal.Enabled {
		return bus, nil, nil
	}
	journal, err := mysql.NewJournal(ctx, mysql.Config{DSN: cfg.Events.Journal.DSN})
	if err != nil {
		return nil, nil, err
	}
	return events.NewFanout(bus, events.NewJournalSink(journal)), journal, nil
}
