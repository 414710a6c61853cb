package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"perp-trading-agent/config"
	"perp-trading-agent/internal/api"
	"perp-trading-agent/internal/cache"
	"perp-trading-agent/internal/coordinator"
	"perp-trading-agent/internal/database"
	"perp-trading-agent/internal/environment"
	"perp-trading-agent/internal/exchange"
	"perp-trading-agent/internal/executor"
	"perp-trading-agent/internal/llm"
	"perp-trading-agent/internal/logging"
	"perp-trading-agent/internal/market"
	"perp-trading-agent/internal/orders"
	"perp-trading-agent/internal/portfolio"
	"perp-trading-agent/internal/reconciler"
	"perp-trading-agent/internal/regime"
	"perp-trading-agent/internal/risk"
	"perp-trading-agent/internal/strategist"
	"perp-trading-agent/internal/trader"
)

const defaultPaperBalance = 10000

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("main").Fatal().Err(err).Msg("invalid configuration")
	}

	logging.Init(logging.Config{
		Level:      cfg.LoggingConfig.Level,
		Output:     cfg.LoggingConfig.Output,
		JSONFormat: cfg.LoggingConfig.JSONFormat,
	})
	log := logging.New("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Secrets: Vault fills credentials the file and environment left blank.
	resolver, err := config.NewSecretResolver(cfg.VaultConfig)
	if err != nil {
		log.Fatal().Err(err).Msg("vault setup failed")
	}
	if err := resolver.Resolve(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("secret resolution failed")
	}

	// Persistence.
	db, err := database.New(database.Config{
		Host:     cfg.DatabaseConfig.Host,
		Port:     cfg.DatabaseConfig.Port,
		User:     cfg.DatabaseConfig.User,
		Password: cfg.DatabaseConfig.Password,
		Database: cfg.DatabaseConfig.Database,
		SSLMode:  cfg.DatabaseConfig.SSLMode,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("database connection failed")
	}
	defer db.Close()

	if err := db.RunMigrations(ctx); err != nil {
		log.Fatal().Err(err).Msg("migrations failed")
	}

	venue := cfg.ExchangeConfig.Venue
	exchangeID, err := db.EnsureExchange(ctx, venue)
	if err != nil {
		log.Fatal().Err(err).Msg("exchange row setup failed")
	}
	if _, err := db.GetOrInitAccountSettings(ctx, exchangeID, defaultPaperBalance, "USDT"); err != nil {
		log.Fatal().Err(err).Msg("account settings setup failed")
	}

	// Short-term cache.
	cacheSvc := cache.NewService(cache.Config{
		Enabled:  cfg.RedisConfig.Enabled,
		Address:  cfg.RedisConfig.Address,
		Password: cfg.RedisConfig.Password,
		DB:       cfg.RedisConfig.DB,
		PoolSize: cfg.RedisConfig.PoolSize,
	})
	defer cacheSvc.Close()

	// Exchange gateway. With trading disabled, market reads stay live and
	// account mutations run against the local simulator.
	restClient := exchange.NewRestClient(exchange.RestConfig{
		Venue:             venue,
		APIKey:            cfg.ExchangeConfig.APIKey,
		SecretKey:         cfg.ExchangeConfig.SecretKey,
		BaseURL:           cfg.ExchangeConfig.BaseURL,
		TestNet:           cfg.ExchangeConfig.TestNet,
		RequestTimeout:    time.Duration(cfg.ExchangeConfig.RequestTimeoutSec) * time.Second,
		RequestsPerSecond: cfg.ExchangeConfig.RequestsPerSecond,
		BucketBurst:       cfg.ExchangeConfig.BucketBurst,
	})
	var client exchange.Client = restClient
	if !cfg.TradingConfig.EnableTrading {
		log.Warn().Msg("trading disabled: orders will be recorded locally only")
		client = exchange.NewPaperClient(restClient, defaultPaperBalance)
	}

	// Model clients: the decision model, plus a lighter one for news.
	modelClient := llm.NewClient(llm.ClientConfig{
		Provider:    llm.Provider(cfg.ModelConfig.Provider),
		APIKey:      cfg.ModelConfig.APIKey,
		BaseURL:     cfg.ModelConfig.BaseURL,
		Model:       cfg.ModelConfig.Model,
		MaxTokens:   cfg.ModelConfig.MaxTokens,
		Temperature: cfg.ModelConfig.Temperature,
		Timeout:     time.Duration(cfg.ModelConfig.TimeoutSec) * time.Second,
	})
	newsModel := modelClient
	if cfg.ModelConfig.NewsModel != "" {
		newsModel = llm.NewClient(llm.ClientConfig{
			Provider:    llm.Provider(cfg.ModelConfig.Provider),
			APIKey:      cfg.ModelConfig.APIKey,
			BaseURL:     cfg.ModelConfig.BaseURL,
			Model:       cfg.ModelConfig.NewsModel,
			MaxTokens:   1024,
			Temperature: 0.2,
			Timeout:     time.Duration(cfg.ModelConfig.TimeoutSec) * time.Second,
		})
	}

	// Perception.
	markets := market.NewBuilder(client, cacheSvc, db.BindKlineArchiver(exchangeID), market.BuilderConfig{
		PrimaryTimeframe:     exchange.Timeframe(cfg.TradingConfig.PrimaryTimeframe),
		CandleWindow:         cfg.TradingConfig.CandleWindow,
		SnapshotTTL:          time.Duration(cfg.SchedulerConfig.SnapshotTTLSec) * time.Second,
		MaxSnapshotAge:       time.Duration(cfg.SchedulerConfig.SnapshotTTLSec) * time.Second,
		MaxConcurrentFetches: cfg.TradingConfig.MaxConcurrentFetches,
	})

	collectors := environment.Collectors{}
	if cfg.DataSourceConfig.MacroEnabled {
		collectors.Macro = &environment.EndpointMacroCollector{URL: cfg.DataSourceConfig.MacroEndpoint}
	}
	if cfg.DataSourceConfig.StocksEnabled {
		collectors.Stocks = &environment.StooqStocksCollector{}
	}
	if cfg.DataSourceConfig.SentimentEnabled {
		collectors.Sentiment = &environment.FearGreedCollector{Client: client}
	}
	if cfg.DataSourceConfig.OverviewEnabled {
		collectors.Overview = &environment.GlobalOverviewCollector{}
	}
	if cfg.DataSourceConfig.NewsEnabled {
		collectors.News = &environment.FeedNewsCollector{
			FeedURL: cfg.DataSourceConfig.NewsFeedURL,
			Model:   newsModel,
		}
	}
	envBuilder := environment.NewBuilder(collectors, cacheSvc, environment.BuilderConfig{
		CollectorTimeout: time.Duration(cfg.DataSourceConfig.CollectorTimeout) * time.Second,
		EnvironmentTTL:   time.Duration(cfg.SchedulerConfig.EnvironmentTTLSec) * time.Second,
	})

	// Decision core.
	store := regime.NewStore()
	portfolioMgr := portfolio.NewManager(db, exchangeID)
	strat := strategist.New(modelClient, store, envBuilder, portfolioMgr, markets, db, strategist.Config{
		PromptStyle:       cfg.TradingConfig.PromptStyle,
		MaxSymbolsToTrade: cfg.TradingConfig.MaxSymbolsToTrade,
	})
	trd := trader.New(modelClient, store, markets, portfolioMgr, db)

	// Risk and execution.
	riskMgr := risk.NewManager(risk.Config{
		MaxPositionSize:     cfg.RiskConfig.MaxPositionSize,
		MaxSingleTrade:      cfg.RiskConfig.MaxSingleTrade,
		MaxDailyLoss:        cfg.RiskConfig.MaxDailyLoss,
		MaxDrawdown:         cfg.RiskConfig.MaxDrawdown,
		StopLossPct:         cfg.RiskConfig.StopLossPct,
		TakeProfitPct:       cfg.RiskConfig.TakeProfitPct,
		MinStopDistancePct:  cfg.RiskConfig.MinStopDistancePct,
		MaxStopDistancePct:  cfg.RiskConfig.MaxStopDistancePct,
		MaxLeverageMajor:    cfg.RiskConfig.MaxLeverageMajor,
		MaxLeverageAltcoin:  cfg.RiskConfig.MaxLeverageAltcoin,
		HighLeverageWarning: cfg.RiskConfig.HighLeverageWarning,
		LiquidationBuffer:   cfg.RiskConfig.LiquidationBuffer,
		HedgeMode:           cfg.ExchangeConfig.PositionMode == "HEDGE",
	}, portfolioMgr, cacheSvc)

	locks := orders.NewInstrumentLocks()
	exec := executor.New(client, db, locks)
	rec := reconciler.New(client, db, portfolioMgr, riskMgr, exec, locks, exchangeID)

	// Optional websocket user-data stream nudges the reconciler.
	var userEvents <-chan exchange.UserStreamEvent
	if cfg.ExchangeConfig.UserStreamEnabled && cfg.TradingConfig.EnableTrading {
		stream := exchange.NewUserStream(restClient)
		go stream.Run(ctx)
		userEvents = stream.Events()
	}

	coord := coordinator.New(coordinator.Config{
		Symbols:             cfg.TradingConfig.DataSourceSymbols,
		PerceptionInterval:  cfg.SchedulerConfig.PerceptionTick(),
		EnvironmentInterval: cfg.SchedulerConfig.EnvironmentTick(),
		StrategistInterval:  cfg.SchedulerConfig.StrategistTick(),
		TraderInterval:      cfg.SchedulerConfig.TraderTick(),
		SyncInterval:        cfg.SchedulerConfig.SyncTick(),
		ShutdownGrace:       time.Duration(cfg.SchedulerConfig.ShutdownGraceSec) * time.Second,
		MaxConcurrentOrders: cfg.TradingConfig.MaxConcurrentOrders,
	}, markets, envBuilder, strat, trd, riskMgr, exec, rec, db, userEvents)

	// Operational status server.
	var statusServer *api.Server
	if cfg.ServerConfig.Enabled {
		statusServer = api.New(api.Config{
			Host:           cfg.ServerConfig.Host,
			Port:           strconv.Itoa(cfg.ServerConfig.Port),
			AllowedOrigins: cfg.ServerConfig.AllowedOrigins,
		}, client, db, cacheSvc, store, riskMgr, portfolioMgr, coord)
		go statusServer.Start()
	}

	coord.Run(ctx)

	if statusServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := statusServer.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("status server shutdown failed")
		}
	}

	log.Info().Msg("agent stopped")
	os.Exit(0)
}
