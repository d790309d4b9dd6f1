package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/big"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/params"
	"github.com/flashbots/go-utils/cli"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stratarb/arb-engine/adminrpc"
	"github.com/stratarb/arb-engine/engine"
	"github.com/stratarb/arb-engine/rpctier"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	version = "dev" // is set during build process

	// Default values
	defaultDebug       = os.Getenv("DEBUG") == "1"
	defaultLogProd     = os.Getenv("LOG_PROD") == "1"
	defaultLogService  = os.Getenv("LOG_SERVICE")
	defaultAdminPort   = cli.GetEnv("ADMIN_PORT", "8080")
	defaultMetricsPort = cli.GetEnv("METRICS_PORT", "8088")

	defaultTiersConfig   = cli.GetEnv("TIERS_CONFIG", "tiers.yaml")
	defaultMarketsConfig = cli.GetEnv("MARKETS_CONFIG", "markets.yaml")
	defaultRedisEndpoint = cli.GetEnv("REDIS_ENDPOINT", "redis://localhost:6379")
	defaultAlertChannel  = cli.GetEnv("ALERT_CHANNEL", "alerts")
	defaultPostgresDSN   = cli.GetEnv("POSTGRES_DSN", "")

	defaultChainID      = cli.GetEnv("CHAIN_ID", "137")
	defaultExecutor     = cli.GetEnv("EXECUTOR_ADDRESS", "")
	defaultSafeAddress  = cli.GetEnv("SAFE_ADDRESS", "")
	defaultEthPriceUSD  = cli.GetEnv("ETH_PRICE_USD", "2000")
	defaultMaxDailyLoss = cli.GetEnv("MAX_DAILY_LOSS_USD", "500")
	defaultMaxFailures  = cli.GetEnv("MAX_CONSECUTIVE_FAILURES", "5")
	defaultMinTipGwei   = cli.GetEnv("MIN_TIP_GWEI", "1")
	defaultMaxTipGwei   = cli.GetEnv("MAX_TIP_GWEI", "100")
	defaultMaxGasGwei   = cli.GetEnv("MAX_GAS_PRICE_GWEI", "500")
	defaultMinProfit    = cli.GetEnv("MIN_PROFIT_USD", "5")
	defaultCycleMs      = cli.GetEnv("CYCLE_INTERVAL_MS", "1000")

	// Flags
	debugPtr         = flag.Bool("debug", defaultDebug, "print debug output")
	logProdPtr       = flag.Bool("log-prod", defaultLogProd, "log in production mode (json)")
	logServicePtr    = flag.String("log-service", defaultLogService, "'service' tag to logs")
	adminPortPtr     = flag.String("admin-port", defaultAdminPort, "port for the operator jsonrpc api")
	tiersConfigPtr   = flag.String("tiers-config", defaultTiersConfig, "rpc endpoint tiers config file")
	marketsConfigPtr = flag.String("markets-config", defaultMarketsConfig, "watched markets config file")
	redisPtr         = flag.String("redis", defaultRedisEndpoint, "redis url string")
	alertChannelPtr  = flag.String("alert-channel", defaultAlertChannel, "redis pub/sub channel for alerts")
	postgresDSNPtr   = flag.String("postgres-dsn", defaultPostgresDSN, "postgres dsn for the trade ledger (empty disables)")
	chainIDPtr       = flag.String("chain-id", defaultChainID, "chain id")
	executorPtr      = flag.String("executor", defaultExecutor, "executor contract address")
	safeAddressPtr   = flag.String("safe-address", defaultSafeAddress, "address funds are swept to on emergency shutdown")
	ethPricePtr      = flag.String("eth-price-usd", defaultEthPriceUSD, "eth spot price used for usd conversions")
	maxDailyLossPtr  = flag.String("max-daily-loss-usd", defaultMaxDailyLoss, "kill switch daily loss limit")
	maxFailuresPtr   = flag.String("max-failures", defaultMaxFailures, "consecutive failures before alerting")
	minTipGweiPtr    = flag.String("min-tip-gwei", defaultMinTipGwei, "priority fee floor")
	maxTipGweiPtr    = flag.String("max-tip-gwei", defaultMaxTipGwei, "priority fee ceiling")
	maxGasGweiPtr    = flag.String("max-gas-price-gwei", defaultMaxGasGwei, "hard ceiling for any gas fee field")
	minProfitPtr     = flag.String("min-profit-usd", defaultMinProfit, "minimum expected profit to act on")
	cycleMsPtr       = flag.String("cycle-interval-ms", defaultCycleMs, "scheduler cycle interval in milliseconds")
)

func main() {
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	if *logProdPtr {
		atom := zap.NewAtomicLevel()
		if *debugPtr {
			atom.SetLevel(zap.DebugLevel)
		}

		encoderCfg := zap.NewProductionEncoderConfig()
		encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		logger = zap.New(zapcore.NewCore(
			zapcore.NewJSONEncoder(encoderCfg),
			zapcore.Lock(os.Stdout),
			atom,
		))
	}
	defer func() { _ = logger.Sync() }()
	if *logServicePtr != "" {
		logger = logger.With(zap.String("service", *logServicePtr))
	}

	ctx, ctxCancel := context.WithCancel(context.Background())

	logger.Info("Starting arb-engine", zap.String("version", version))

	tierConfig, err := rpctier.LoadConfig(*tiersConfigPtr)
	if err != nil {
		logger.Fatal("Failed to load tiers config", zap.Error(err))
	}
	tiers, err := rpctier.NewManager(logger, tierConfig)
	if err != nil {
		logger.Fatal("Failed to create tier manager", zap.Error(err))
	}

	redisOpts, err := redis.ParseURL(*redisPtr)
	if err != nil {
		logger.Fatal("Failed to parse redis url", zap.Error(err))
	}
	redisClient := redis.NewClient(redisOpts)

	var cache engine.Cache
	if err := redisClient.Ping(ctx).Err(); err == nil {
		cache = engine.NewRedisCache(redisClient, "arb:")
	} else {
		logger.Warn("Redis unreachable, using in-process cache", zap.Error(err))
		cache = engine.NewMemoryCache()
	}

	var alerter engine.Alerter = engine.NewLogAlerter(logger)
	if *alertChannelPtr != "" {
		alerter = engine.NewRedisAlertBackend(redisClient, *alertChannelPtr)
	}
	alerter = engine.NewRateLimitedAlerter(alerter, 5*time.Minute)

	var store engine.TradeStore = engine.NopTradeStore{}
	if *postgresDSNPtr != "" {
		dbBackend, err := engine.NewDBBackend(*postgresDSNPtr)
		if err != nil {
			logger.Fatal("Failed to create postgres backend", zap.Error(err))
		}
		store = dbBackend
	}
	defer func() { _ = store.Close() }()

	chainID, ok := new(big.Int).SetString(*chainIDPtr, 10)
	if !ok {
		logger.Fatal("Failed to parse chain id", zap.String("chainId", *chainIDPtr))
	}
	signerKey := os.Getenv("SIGNER_PRIVATE_KEY")
	if signerKey == "" {
		logger.Fatal("SIGNER_PRIVATE_KEY is not set")
	}
	signer, err := engine.NewLocalSigner(signerKey, chainID)
	if err != nil {
		logger.Fatal("Failed to create signer", zap.Error(err))
	}
	logger.Info("Signer loaded", zap.String("address", signer.Address().Hex()))

	ethPrice := mustDecimal(logger, "eth-price-usd", *ethPricePtr)
	minProfit := mustDecimal(logger, "min-profit-usd", *minProfitPtr)
	minTipGwei := mustFloat(logger, "min-tip-gwei", *minTipGweiPtr)
	maxTipGwei := mustFloat(logger, "max-tip-gwei", *maxTipGweiPtr)
	maxDailyLoss := mustDecimal(logger, "max-daily-loss-usd", *maxDailyLossPtr)
	maxGasGwei, err := strconv.ParseInt(*maxGasGweiPtr, 10, 64)
	if err != nil || maxGasGwei < 1 {
		logger.Fatal("Failed to parse max gas price", zap.Error(err))
	}
	maxFailures, err := strconv.Atoi(*maxFailuresPtr)
	if err != nil {
		logger.Fatal("Failed to parse max failures", zap.Error(err))
	}
	cycleMs, err := strconv.Atoi(*cycleMsPtr)
	if err != nil || cycleMs < 1 {
		logger.Fatal("Failed to parse cycle interval", zap.Error(err))
	}

	risk := engine.NewRiskGovernor(logger, engine.RiskConfig{
		MaxDailyLossUSD:        maxDailyLoss,
		MaxConsecutiveFailures: maxFailures,
	}, alerter)
	pricer := engine.NewGasPricer(logger, tiers, engine.GasPricerConfig{
		MinTipGwei:  minTipGwei,
		MaxTipGwei:  maxTipGwei,
		MaxFeeWei:   new(big.Int).Mul(big.NewInt(maxGasGwei), big.NewInt(params.GWei)),
		EthPriceUSD: ethPrice,
	})
	nonces := engine.NewNonceSequencer(logger, tiers, signer.Address())
	simulator := engine.NewSimulator(logger, tiers)
	aggregator := engine.NewAggregator(logger, tiers, engine.DefaultMulticallAddress)

	executor := common.HexToAddress(*executorPtr)
	if executor == (common.Address{}) {
		logger.Fatal("Executor address is not set")
	}

	markets, err := engine.LoadMarkets(*marketsConfigPtr)
	if err != nil {
		logger.Fatal("Failed to load markets config", zap.Error(err))
	}

	feed := engine.NewMempoolFeed(logger, tiers, engine.MempoolConfig{
		MinValueWei: big.NewInt(1e17), // 0.1 eth
	})
	feedWg := feed.Start(ctx)

	producers := []engine.StrategyProducer{
		engine.NewDirectSpreadProducer(logger, aggregator, executor, markets, minProfit),
		engine.NewSandwichProducer(logger, feed, executor, ethPrice, minProfit),
	}

	scheduler := engine.NewScheduler(logger, engine.SchedulerConfig{
		CycleInterval:     time.Duration(cycleMs) * time.Millisecond,
		ProducerBudget:    2 * time.Second,
		ConfirmTimeout:    2 * time.Minute,
		MaxPendingBlocks:  10,
		MinConfidence:     0.3,
		SimilarityBandUSD: decimal.NewFromInt(2),
		EthPriceUSD:       ethPrice,
		SafeAddress:       common.HexToAddress(*safeAddressPtr),
	}, tiers, producers, engine.NewProfitCurveScorer(),
		pricer, nonces, risk, simulator, signer, store, alerter, cache)
	schedulerWg := scheduler.Start(ctx)
	recoveryWg := tiers.RunRecovery(ctx, time.Minute)

	adminService := adminrpc.NewService(logger, scheduler, risk, tiers, pricer, store)
	http.Handle("/", adminService.Handler())
	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", *adminPortPtr),
		ReadHeaderTimeout: 5 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		metrics.WritePrometheus(w, true)
	})
	go func() {
		metricsMux.Handle("/debug/pprof/", http.HandlerFunc(pprof.Index))
		metricsMux.Handle("/debug/pprof/cmdline", http.HandlerFunc(pprof.Cmdline))
		metricsMux.Handle("/debug/pprof/profile", http.HandlerFunc(pprof.Profile))
		metricsMux.Handle("/debug/pprof/symbol", http.HandlerFunc(pprof.Symbol))
		metricsMux.Handle("/debug/pprof/trace", http.HandlerFunc(pprof.Trace))

		metricsServer := &http.Server{
			Addr:              fmt.Sprintf("0.0.0.0:%s", defaultMetricsPort),
			ReadHeaderTimeout: 5 * time.Second,
			Handler:           metricsMux,
		}

		err := metricsServer.ListenAndServe()
		if err != nil {
			logger.Fatal("Failed to start metrics server", zap.Error(err))
		}
	}()

	connectionsClosed := make(chan struct{})
	go func() {
		notifier := make(chan os.Signal, 1)
		signal.Notify(notifier, os.Interrupt, syscall.SIGTERM)
		<-notifier
		logger.Info("Shutting down...")
		ctxCancel()
		if err := server.Shutdown(context.Background()); err != nil {
			logger.Error("Failed to shutdown server", zap.Error(err))
		}
		close(connectionsClosed)
	}()

	err = server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("ListenAndServe: ", zap.Error(err))
	}

	<-ctx.Done()
	<-connectionsClosed
	schedulerWg.Wait()
	feedWg.Wait()
	recoveryWg.Wait()
}

func mustDecimal(logger *zap.Logger, name, value string) decimal.Decimal {
	parsed, err := decimal.NewFromString(value)
	if err != nil {
		logger.Fatal("Failed to parse flag", zap.String("flag", name), zap.Error(err))
	}
	return parsed
}

func mustFloat(logger *zap.Logger, name, value string) float64 {
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		logger.Fatal("Failed to parse flag", zap.String("flag", name), zap.Error(err))
	}
	return parsed
}
