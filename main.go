package main

import (
	"context"
	"log" // Use standard log only for initial fatal errors before logger is set up
	"os/signal"
	"syscall"

	"spotLadderBot/config"
	"spotLadderBot/internal/adapters/binanceclient"
	"spotLadderBot/internal/adapters/logger"
	"spotLadderBot/internal/adapters/sqlite"
	"spotLadderBot/internal/bus"
	"spotLadderBot/internal/metrics"
	"spotLadderBot/internal/orchestrator"
	"spotLadderBot/internal/reconciler"
	"spotLadderBot/internal/retry"
	"spotLadderBot/internal/risk"
	"spotLadderBot/internal/wallet"
)

func main() {
	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err)
	}

	// 2. Initialize Logger
	appLogger := logger.NewStdLogger(cfg.LogLevel)
	appLogger.Info(context.Background(), "Logger initialized", map[string]interface{}{"level": cfg.LogLevel.String()})

	// Root context: canceled on SIGINT/SIGTERM, drives every component down.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. Initialize Repository (ledger, command stream, locks, events)
	repo, err := sqlite.NewRepository(sqlite.Config{
		DBPath:   cfg.DBPath,
		Logger:   appLogger,
		EventTTL: cfg.EventTTL,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize database repository")
		log.Fatalf("FATAL: Failed to initialize database repository: %v", err)
	}
	defer func() {
		if err := repo.Close(); err != nil {
			appLogger.Error(context.Background(), err, "Error closing database repository")
		}
	}()
	appLogger.Info(ctx, "Database repository initialized")

	// 4. Initialize Exchange Client (Binance Adapter)
	binanceClient, err := binanceclient.New(binanceclient.Config{
		APIKey:               cfg.APIKey,
		SecretKey:            cfg.SecretKey,
		UseTestnet:           cfg.IsTestnet,
		Logger:               appLogger,
		ReconnectDelay:       cfg.ReconnectDelay,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize Binance client")
		log.Fatalf("FATAL: Failed to initialize Binance client: %v", err)
	}
	appLogger.Info(ctx, "Binance client initialized")

	// 5. Initialize Wallet, seeded from the live account balances
	balances, err := binanceClient.GetAccountBalances(ctx)
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to fetch account balances")
		log.Fatalf("FATAL: Failed to fetch account balances: %v", err)
	}
	accountWallet := wallet.New(balances)
	appLogger.Info(ctx, "Wallet seeded from account", map[string]interface{}{"assets": len(balances)})

	// 6. Initialize Risk Manager
	riskMgr, err := risk.NewManager(risk.Config{
		MaxPositionNotional: cfg.MaxPositionSize,
		MaxOpenTrades:       cfg.MaxOpenTrades,
		MinNotional:         cfg.MinNotional,
	}, appLogger)
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize risk manager")
		log.Fatalf("FATAL: Failed to initialize risk manager: %v", err)
	}

	retryCfg := retry.Config{
		MaxAttempts: cfg.RetryMaxAttempts,
		MinDelay:    cfg.RetryMinDelay,
		MaxDelay:    cfg.RetryMaxDelay,
	}

	// 7. Initialize Execution Orchestrator
	orch, err := orchestrator.New(repo, binanceClient, repo, accountWallet, riskMgr, appLogger, orchestrator.Config{
		PollInterval:     cfg.PollInterval,
		EntryFillTimeout: cfg.EntryFillTimeout,
		FeeRate:          cfg.FeeRate,
		Retry:            retryCfg,
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize orchestrator")
		log.Fatalf("FATAL: Failed to initialize orchestrator: %v", err)
	}
	orch.Start(ctx)

	// Respawn monitors for trades that survived a restart.
	symbols, err := repo.Symbols(ctx)
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to list ledger symbols for recovery")
		log.Fatalf("FATAL: Failed to list ledger symbols for recovery: %v", err)
	}
	for _, symbol := range symbols {
		if err := orch.ResumeSymbol(ctx, symbol); err != nil {
			appLogger.Error(ctx, err, "Failed to resume trades", map[string]interface{}{"symbol": symbol})
		}
	}
	appLogger.Info(ctx, "Orchestrator started", map[string]interface{}{"resumedSymbols": len(symbols)})

	// 8. Initialize Reconciliation Listener
	listener, err := reconciler.New(repo, binanceClient, repo, repo, accountWallet, appLogger, reconciler.Config{
		FeeRate: cfg.FeeRate,
		Retry:   retryCfg,
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize reconciliation listener")
		log.Fatalf("FATAL: Failed to initialize reconciliation listener: %v", err)
	}
	go func() {
		if err := listener.Run(ctx); err != nil && ctx.Err() == nil {
			appLogger.Error(ctx, err, "Reconciliation listener exited, shutting down")
			stop()
		}
	}()

	// 9. Metrics endpoint
	if cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.MetricsAddr, appLogger); err != nil && ctx.Err() == nil {
				appLogger.Error(ctx, err, "Metrics server exited")
			}
		}()
	}

	// 10. Command Bus Consumer (blocks until shutdown)
	consumer, err := bus.New(repo, repo, orch, appLogger, bus.Config{
		Group:       cfg.ConsumerGroup,
		Consumer:    cfg.ConsumerName,
		Block:       cfg.CommandBlock,
		IdleReclaim: cfg.ClaimIdle,
		LockTTL:     cfg.GroupLockTTL,
		LockRetry:   retryCfg,
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize command consumer")
		log.Fatalf("FATAL: Failed to initialize command consumer: %v", err)
	}
	if err := consumer.Run(ctx); err != nil && ctx.Err() == nil {
		appLogger.Error(ctx, err, "Command consumer exited with error")
	}

	// Let in-flight trade setups and monitors finish their current step.
	appLogger.Info(context.Background(), "Shutting down, waiting for monitors")
	orch.Wait()
	appLogger.Info(context.Background(), "Application finished gracefully.")
}
