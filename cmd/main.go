package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/reggieyam998/ctf-exchange/internal/cache"
	"github.com/reggieyam998/ctf-exchange/internal/config"
	"github.com/reggieyam998/ctf-exchange/internal/logging"
	"github.com/reggieyam998/ctf-exchange/internal/metrics"
	"github.com/reggieyam998/ctf-exchange/internal/repository/document"
	"github.com/reggieyam998/ctf-exchange/internal/repository/ledger"
	orderRepository "github.com/reggieyam998/ctf-exchange/internal/repository/order"
	"github.com/reggieyam998/ctf-exchange/internal/router"
	"github.com/reggieyam998/ctf-exchange/internal/settlement"
	"github.com/reggieyam998/ctf-exchange/internal/snapshot"
	"github.com/reggieyam998/ctf-exchange/internal/stream"
	"github.com/reggieyam998/ctf-exchange/internal/usecase/order"
	"github.com/reggieyam998/ctf-exchange/internal/websocket"
	"github.com/reggieyam998/ctf-exchange/pkg/model"
	tb "github.com/tigerbeetle/tigerbeetle-go"
	tbTypes "github.com/tigerbeetle/tigerbeetle-go/pkg/types"

	_ "github.com/lib/pq"
)

func main() {
	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		bootLogger := logging.New("info", false)
		bootLogger.Fatal().Err(err).Msg("loading config")
	}
	logger := logging.New(cfg.LogLevel, cfg.LogPretty)

	fees, err := cfg.FeeSchedule()
	if err != nil {
		logger.Fatal().Err(err).Msg("fee schedule")
	}
	policy, err := settlement.ParseOverflowPolicy(cfg.SinkOverflowPolicy)
	if err != nil {
		logger.Fatal().Err(err).Msg("overflow policy")
	}

	registry := metrics.NewRegistry()
	m := metrics.New(registry)

	// closers run in reverse order after the exchange has drained
	var closers []io.Closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].Close(); err != nil {
				logger.Warn().Err(err).Msg("closing resource")
			}
		}
	}()

	sinks := buildSinks(cfg, logger, &closers)
	dispatcher := settlement.NewDispatcher(settlement.Options{
		QueueSize:     cfg.SinkQueueSize,
		Policy:        policy,
		RetryAttempts: cfg.SinkRetryAttempts,
		RetryBackoff:  cfg.SinkRetryBackoff,
		Metrics:       m,
		Logger:        logger,
	}, sinks...)

	hub := websocket.NewHub(logger)
	go hub.Run(rootCtx)

	replicators := []snapshot.Replicator{hub}
	if cfg.RedisURL != "" {
		if r, err := redisReplicator(rootCtx, cfg); err != nil {
			logger.Warn().Err(err).Msg("redis unavailable, snapshots stay local")
		} else {
			closers = append(closers, r.client)
			replicators = append(replicators, r.replicator)
		}
	}

	symbols := make([]string, 0, len(cfg.Instruments))
	for _, inst := range cfg.Instruments {
		symbols = append(symbols, inst.Symbol)
	}
	orderUseCase, err := order.NewOrderUseCase(order.OrderUseCaseOpts{
		Symbols:            symbols,
		Fees:               fees,
		Dispatcher:         dispatcher,
		SnapshotTTL:        cfg.OrderBookCacheTTL,
		RefreshInterval:    cfg.OrderBookUpdateInterval,
		MaxDepth:           cfg.MaxOrderBookDepth,
		Replicators:        replicators,
		InvalidateOnChange: cfg.SnapshotInvalidateOnChange,
		Metrics:            m,
		Logger:             logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("building exchange")
	}
	orderUseCase.RegisterTradeHandler(func(tr model.Trade) {
		hub.PublishTrade(tr)
	})
	orderUseCase.Start(rootCtx)

	serveMux := http.NewServeMux()
	router.BindRouter(router.BindRouterOpts{
		ServerRouter: serveMux,
		Registry:     registry,
		Hub:          hub,
		Symbols:      orderUseCase.Symbols,
		Logger:       logger,
	})
	logger.Debug().Msg("finished binding router")

	server := http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: router.Cors(serveMux),
	}

	// Start server in background.
	go func() {
		logger.Info().Str("addr", server.Addr).Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("listen error")
			stop()
		}
	}()

	// Block until we get a signal (or parent context canceled).
	<-rootCtx.Done()
	logger.Info().Msg("shutdown signal received")

	// Give in-flight requests up to 10s to finish.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("graceful shutdown failed; forcing close")
		_ = server.Close()
	}
	if err := orderUseCase.Close(); err != nil {
		logger.Error().Err(err).Msg("exchange stopped with error")
	}

	logger.Info().Msg("server stopped")
}

// buildSinks opens every configured settlement backend. A backend that cannot
// be opened is logged and left out.
func buildSinks(cfg *config.Config, logger logging.Logger, closers *[]io.Closer) []settlement.Sink {
	var sinks []settlement.Sink

	if cfg.DatabaseURL != "" {
		db, err := sqlx.Connect("postgres", cfg.DatabaseURL)
		if err != nil {
			logger.Error().Err(err).Msg("error connecting postgres")
		} else {
			*closers = append(*closers, db)
			sinks = append(sinks, orderRepository.NewSink(db))
		}
	}

	if cfg.DocumentStoreDir != "" {
		store, err := document.Open(cfg.DocumentStoreDir, nil)
		if err != nil {
			logger.Error().Err(err).Str("dir", cfg.DocumentStoreDir).Msg("error opening document store")
		} else {
			*closers = append(*closers, store)
			sinks = append(sinks, store)
		}
	}

	if cfg.TBAddress != "" {
		tbClient, err := tb.NewClient(tbTypes.ToUint128(cfg.TBClusterID), []string{cfg.TBAddress})
		if err != nil {
			logger.Error().Err(err).Msg("tigerbeetle client init")
		} else {
			*closers = append(*closers, closerFunc(func() error { tbClient.Close(); return nil }))
			assetLedgers := make(map[string]uint32, len(cfg.Instruments))
			for _, inst := range cfg.Instruments {
				assetLedgers[inst.Symbol] = inst.AssetLedger
			}
			sinks = append(sinks, ledger.NewSink(tbClient, ledger.Opts{
				CashLedger:   cfg.TBCashLedger,
				FeeOwner:     cfg.TBFeeAccount,
				AssetLedgers: assetLedgers,
			}))
		}
	}

	if len(cfg.KafkaBrokers) > 0 {
		producer := stream.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		*closers = append(*closers, producer)
		sinks = append(sinks, producer)
	}

	names := make([]string, 0, len(sinks))
	for _, s := range sinks {
		names = append(names, settlement.SinkName(s))
	}
	logger.Info().Strs("sinks", names).Msg("settlement sinks ready")
	return sinks
}

type redisSetup struct {
	client     *cache.RedisClient
	replicator *cache.SnapshotReplicator
}

func redisReplicator(ctx context.Context, cfg *config.Config) (redisSetup, error) {
	client, err := cache.NewRedisClient(cfg.RedisURL)
	if err != nil {
		return redisSetup{}, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx); err != nil {
		_ = client.Close()
		return redisSetup{}, err
	}
	// a replicated snapshot outlives the local one by one refresh
	return redisSetup{
		client:     client,
		replicator: cache.NewSnapshotReplicator(client, cfg.OrderBookCacheTTL+cfg.OrderBookUpdateInterval),
	}, nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
