package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"trailcore/internal/config"
	"trailcore/internal/emitter"
	"trailcore/internal/engine"
	"trailcore/internal/exchange"
	"trailcore/internal/persistence"
	"trailcore/internal/receiver"
	"trailcore/internal/types"
)

// AppConfig holds the application configuration
type AppConfig struct {
	Port          int
	MockMode      bool
	StateFile     string
	LogLevel      string
	RedisAddr     string
	PostgresMode  bool // record triggers/alerts in PostgreSQL
	FlushInterval time.Duration
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	appCfg := loadAppConfig()
	logger := setupLogger(appCfg.LogLevel)

	logger.Info("Starting TrailCore Server",
		"mock_mode", appCfg.MockMode,
		"port", appCfg.Port,
		"postgres_mode", appCfg.PostgresMode,
		"redis", appCfg.RedisAddr != "",
	)

	// Engine configuration: env overrides on top of defaults, validated
	// before anything is constructed. All violations are reported.
	validated, err := config.Validate(config.FromEnv())
	if err != nil {
		logger.Error("Invalid trailing stop configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Optional PostgreSQL persistence for triggers, dead letters, alerts
	var pg *persistence.PostgresPersistence
	if appCfg.PostgresMode {
		pg, err = persistence.NewPostgresPersistence(ctx, logger)
		if err != nil {
			logger.Error("Failed to initialize PostgreSQL persistence", "error", err)
			os.Exit(1)
		}
		defer pg.Close()

		if err := pg.EnsureSchema(ctx); err != nil {
			logger.Error("Failed to ensure database schema", "error", err)
			os.Exit(1)
		}
	}

	// Trigger sink: Redis stream when configured, structured log otherwise
	var sink emitter.Sink
	if appCfg.RedisAddr != "" {
		redisSink := emitter.NewRedisSink(emitter.RedisSinkConfig{
			Addr:     appCfg.RedisAddr,
			DB:       envInt("REDIS_DB", 0),
			Username: os.Getenv("REDIS_USERNAME"),
			Password: os.Getenv("REDIS_PASSWORD"),
			Stream:   os.Getenv("REDIS_TRIGGER_STREAM"),
		})
		if err := redisSink.Ping(ctx); err != nil {
			logger.Error("Failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		defer redisSink.Close()
		sink = redisSink
	} else {
		logger.Info("No REDIS_ADDR configured, triggers go to the log")
		sink = emitter.NewLogSink(logger)
	}
	if pg != nil {
		sink = emitter.NewTeeSink(sink, pg)
	}

	var deadLetters emitter.DeadLetterStore
	if pg != nil {
		deadLetters = pg
	}

	em := emitter.NewEmitter(sink, deadLetters, logger)
	em.Start(ctx)

	// Alerts are relayed off the hot path; PostgreSQL recording is
	// best-effort.
	alerts := newAlertRelay(pg, logger)
	alerts.Start(ctx)

	eng := engine.NewEngine(validated, em, alerts, logger)

	// File snapshot persistence for crash recovery
	statePersistence := engine.NewStatePersistence(appCfg.StateFile, logger)
	if restored, err := statePersistence.Load(); err != nil {
		logger.Error("Failed to load state", "error", err)
	} else if len(restored) > 0 {
		eng.Restore(restored)
	}

	persistenceStop := make(chan struct{})
	go statePersistence.StartPeriodicSave(eng.Snapshot, persistenceStop)

	// Market data feed
	var streamer exchange.MarketStreamer
	if appCfg.MockMode {
		logger.Info("Running in MOCK MODE - simulated market data")
		streamer = exchange.NewMockStreamer(logger)
	} else {
		var feedOpts []exchange.BinanceStreamerOption
		if pg != nil {
			// stored credentials unlock the REST client used to seed
			// volume baselines; the public trade stream works without
			if creds, err := pg.GetFeedCredentials(ctx, "binance"); err != nil {
				logger.Warn("Feed credentials unavailable, using public streams only", "error", err)
			} else {
				feedOpts = append(feedOpts, exchange.WithCredentials(creds.APIKey, creds.APISecret))
			}
		}
		streamer = exchange.NewBinanceStreamer(logger, feedOpts...)
	}

	// Resubscribe symbols for restored positions
	for _, st := range eng.ListActive() {
		if err := streamer.Subscribe(ctx, st.Symbol); err != nil {
			logger.Error("Failed to resubscribe", "symbol", st.Symbol, "error", err)
		}
	}

	app := &appEngine{Engine: eng, streamer: streamer, ctx: ctx, logger: logger}

	httpReceiver := receiver.NewHTTPReceiver(appCfg.Port, app, logger)
	if pg != nil {
		httpReceiver.SetTriggerStore(pg)
	}
	if err := httpReceiver.Start(ctx); err != nil {
		logger.Error("Failed to start HTTP receiver", "error", err)
		os.Exit(1)
	}

	// Batch loop: collect ticks, fan them out to positions, flush on a
	// fixed cadence.
	loopDone := make(chan struct{})
	go runBatchLoop(ctx, eng, streamer, statePersistence, appCfg.FlushInterval, logger, loopDone)

	logger.Info("TrailCore Server is running",
		"http_endpoint", "http://127.0.0.1:"+strconv.Itoa(appCfg.Port),
	)
	logger.Info("Press Ctrl+C to stop")

	sig := <-sigChan
	logger.Info("Received shutdown signal", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpReceiver.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping HTTP receiver", "error", err)
	}

	if err := streamer.Close(); err != nil {
		logger.Error("Error closing streamer", "error", err)
	}

	cancel()
	<-loopDone

	// Final snapshot, then drain buffered triggers
	close(persistenceStop)
	em.Stop()
	alerts.Stop()

	logger.Info("TrailCore Server stopped gracefully")
}

// runBatchLoop fans symbol ticks out to the positions tracking that
// symbol and applies them in batches.
func runBatchLoop(
	ctx context.Context,
	eng *engine.Engine,
	streamer exchange.MarketStreamer,
	statePersistence *engine.StatePersistence,
	flushInterval time.Duration,
	logger *slog.Logger,
	done chan<- struct{},
) {
	defer close(done)

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	var batch []types.PositionUpdate

	flush := func() {
		if len(batch) == 0 {
			return
		}
		outcomes := eng.BatchUpdate(ctx, batch)
		batch = batch[:0]

		changed := false
		for _, out := range outcomes {
			switch out.Status {
			case types.UpdateTriggered, types.UpdateRatcheted, types.UpdatePaused, types.UpdateUnchanged:
				changed = true
			}
		}
		if changed {
			statePersistence.MarkDirty()
		}
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			logger.Info("Batch loop stopped")
			return
		case event := <-streamer.Events():
			if event.Type != types.EventTypeTick || event.Tick == nil {
				continue
			}
			for _, positionID := range eng.ActiveIDsBySymbol(event.Symbol) {
				batch = append(batch, types.PositionUpdate{
					PositionID: positionID,
					Context:    *event.Tick,
				})
			}
		case <-ticker.C:
			flush()
		}
	}
}

// appEngine decorates the engine with feed subscription management so
// opening a position starts its symbol stream.
type appEngine struct {
	*engine.Engine
	streamer exchange.MarketStreamer
	ctx      context.Context
	logger   *slog.Logger
}

func (a *appEngine) Open(req types.OpenPositionRequest) (types.TrailingStopState, error) {
	state, err := a.Engine.Open(req)
	if err != nil {
		return state, err
	}
	if err := a.streamer.Subscribe(a.ctx, req.Symbol); err != nil {
		a.logger.Error("Failed to subscribe", "symbol", req.Symbol, "error", err)
	}
	return state, nil
}

func (a *appEngine) Close(positionID string) {
	state, ok := a.Engine.GetState(positionID)
	a.Engine.Close(positionID)
	if ok && len(a.Engine.ActiveIDsBySymbol(state.Symbol)) == 0 {
		if err := a.streamer.Unsubscribe(state.Symbol); err != nil {
			a.logger.Error("Failed to unsubscribe", "symbol", state.Symbol, "error", err)
		}
	}
}

// alertRelay forwards guard alerts without blocking the update loop
type alertRelay struct {
	ch     chan types.Alert
	pg     *persistence.PostgresPersistence
	logger *slog.Logger
	done   chan struct{}
}

func newAlertRelay(pg *persistence.PostgresPersistence, logger *slog.Logger) *alertRelay {
	return &alertRelay{
		ch:     make(chan types.Alert, 128),
		pg:     pg,
		logger: logger,
		done:   make(chan struct{}),
	}
}

func (r *alertRelay) Alert(alert types.Alert) {
	select {
	case r.ch <- alert:
	default:
		r.logger.Warn("Alert channel full, dropping alert",
			"position_id", alert.PositionID,
			"reason", alert.Reason)
	}
}

func (r *alertRelay) Start(ctx context.Context) {
	go func() {
		defer close(r.done)
		for {
			select {
			case alert := <-r.ch:
				if r.pg != nil {
					if err := r.pg.SaveAlert(ctx, alert); err != nil {
						r.logger.Error("Failed to record alert", "error", err)
					}
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (r *alertRelay) Stop() {
	<-r.done
}

// loadAppConfig loads configuration from environment variables
func loadAppConfig() AppConfig {
	port := 9090
	if p := os.Getenv("PORT"); p != "" {
		if parsed, err := strconv.Atoi(p); err == nil {
			port = parsed
		}
	}

	mockMode := true // Default to mock mode for safety
	if m := os.Getenv("MOCK_MODE"); m != "" {
		mockMode = m == "true" || m == "1" || m == "yes"
	}

	stateFile := os.Getenv("STATE_FILE")
	if stateFile == "" {
		stateFile = "./state.json"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}

	flushInterval := 100 * time.Millisecond
	if ms := envInt("FLUSH_INTERVAL_MS", 0); ms > 0 {
		flushInterval = time.Duration(ms) * time.Millisecond
	}

	return AppConfig{
		Port:          port,
		MockMode:      mockMode,
		StateFile:     stateFile,
		LogLevel:      logLevel,
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		PostgresMode:  os.Getenv("POSTGRES_HOST") != "",
		FlushInterval: flushInterval,
	}
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// setupLogger configures the structured logger
func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	handler := slog.NewTextHandler(os.Stdout, opts)
	return slog.New(handler)
}
