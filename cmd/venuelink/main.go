// Command venuelink connects to the venue, streams the configured symbols and logs ticks
// and order lifecycle events until interrupted.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/venuelink/config"
	"github.com/coachpo/venuelink/internal/brokerage"
	"github.com/coachpo/venuelink/internal/domain/schema"
	"github.com/coachpo/venuelink/internal/journal"
	"github.com/coachpo/venuelink/internal/observability"
	"github.com/coachpo/venuelink/internal/telemetry"
)

const (
	connectTimeout           = 30 * time.Second
	subscribeTimeout         = 15 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	defaultDrainInterval     = time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		cfgPath = flag.String("config", "", fmt.Sprintf("Path to configuration file (default: %s)", config.DefaultPath))
		envFile = flag.String("env", ".env", "Optional dotenv file loaded before reading VENUELINK_* variables")
		drain   = flag.Duration("drain", defaultDrainInterval, "Interval between tick buffer drains")
	)
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load env file: %w", err)
	}

	cfg, loaded, err := config.Load(*cfgPath)
	if err != nil {
		return err
	}
	cfg = config.FromEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, syncLogger, err := observability.NewZapLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		return err
	}
	defer func() { _ = syncLogger() }()
	if !loaded {
		logger.Info("configuration file not found, using defaults")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	providers, shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("initialise telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
		defer done()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown", observability.Err(err))
		}
	}()
	metrics := observability.NewMetrics(providers.MeterProvider, cfg.Venue.Name)

	store, err := openJournal(ctx, cfg.Journal, logger)
	if err != nil {
		return err
	}
	var recorder *journal.Recorder
	if store != nil {
		defer store.Close()
		recorder = journal.NewRecorder(store, journal.RecorderOptions{
			Buffer:   cfg.Journal.Buffer,
			Logger:   logger,
			Metadata: map[string]string{"venue": cfg.Venue.Name, "environment": string(cfg.Environment)},
		})
	}

	broker, err := brokerage.FromSettings(cfg, brokerage.Deps{
		Logger:  logger,
		Metrics: metrics,
		Journal: recorder,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := broker.Close(); err != nil {
			logger.Warn("brokerage close", observability.Err(err))
		}
	}()

	connectCtx, connectCancel := context.WithTimeout(ctx, connectTimeout)
	err = broker.Connect(connectCtx)
	connectCancel()
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	if err := subscribeAll(ctx, broker, cfg.Symbols, logger); err != nil {
		return err
	}
	logger.Info("venuelink running", observability.F("session", broker.Session().ID()), observability.F("symbols", len(cfg.Symbols)))

	var wg conc.WaitGroup
	wg.Go(func() { logEvents(ctx, broker, logger) })
	wg.Go(func() { drainTicks(ctx, broker, *drain, logger) })

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-broker.Errors():
		logger.Error("session failed", observability.Err(err))
		cancel()
	}
	wg.Wait()
	return nil
}

func openJournal(ctx context.Context, cfg config.JournalSettings, logger observability.Logger) (journal.Store, error) {
	switch cfg.Driver {
	case config.JournalDisabled:
		return nil, nil
	case config.JournalPostgres:
		if cfg.Migrate {
			if err := journal.Migrate(ctx, cfg.DSN, logger); err != nil {
				return nil, fmt.Errorf("journal migrations: %w", err)
			}
		}
		store, err := journal.NewPostgresStore(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return journal.NewMemoryStore(), nil
	}
}

type subscriber interface {
	Subscribe(ctx context.Context, kind schema.ChannelKind, symbol string) error
}

// subscribeAll requests every configured stream. A stream the venue did not confirm in
// time stays queued in the session and is not fatal.
func subscribeAll(ctx context.Context, sub subscriber, symbols []config.SymbolSettings, logger observability.Logger) error {
	for _, sym := range symbols {
		for _, kind := range sym.Kinds {
			subCtx, cancel := context.WithTimeout(ctx, subscribeTimeout)
			err := sub.Subscribe(subCtx, schema.ChannelKind(strings.ToLower(kind)), sym.Symbol)
			cancel()
			if err == nil {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Warn("subscribe failed", observability.Err(err),
				observability.F("symbol", sym.Symbol),
				observability.F("kind", kind))
		}
	}
	return nil
}

func logEvents(ctx context.Context, broker *brokerage.Brokerage, logger observability.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-broker.Events():
			logger.Info("order event",
				observability.F("order_id", evt.OrderID),
				observability.F("broker_id", evt.BrokerID),
				observability.F("status", string(evt.Status)),
				observability.F("quantity", evt.FillQuantity.String()),
				observability.F("price", evt.FillPrice.String()))
		}
	}
}

func drainTicks(ctx context.Context, broker *brokerage.Brokerage, interval time.Duration, logger observability.Logger) {
	if interval <= 0 {
		interval = defaultDrainInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			summarizeTicks(broker.NextTicks(), logger)
		}
	}
}

func summarizeTicks(ticks []schema.Tick, logger observability.Logger) map[string]schema.Tick {
	if len(ticks) == 0 {
		return nil
	}
	latest := make(map[string]schema.Tick)
	for _, tick := range ticks {
		latest[tick.Symbol+"/"+string(tick.Kind)] = tick
	}
	for key, tick := range latest {
		logger.Info("tick",
			observability.F("stream", key),
			observability.F("price", tick.Price.String()),
			observability.F("bid", tick.BidPrice.String()),
			observability.F("ask", tick.AskPrice.String()))
	}
	logger.Debug("ticks drained", observability.F("count", len(ticks)))
	return latest
}
