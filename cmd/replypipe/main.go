package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/BTreeMap/ReplyPipe/internal/api"
	"github.com/BTreeMap/ReplyPipe/internal/genai"
	"github.com/BTreeMap/ReplyPipe/internal/guard"
	"github.com/BTreeMap/ReplyPipe/internal/lockfile"
	"github.com/BTreeMap/ReplyPipe/internal/messaging"
	"github.com/BTreeMap/ReplyPipe/internal/orchestrator"
	"github.com/BTreeMap/ReplyPipe/internal/ratelimit"
	"github.com/BTreeMap/ReplyPipe/internal/recovery"
	"github.com/BTreeMap/ReplyPipe/internal/scheduler"
	"github.com/BTreeMap/ReplyPipe/internal/store"
	"github.com/BTreeMap/ReplyPipe/internal/util"
	"github.com/BTreeMap/ReplyPipe/internal/whatsapp"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for ReplyPipe state data
	DefaultStateDir = "/var/lib/replypipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "replypipe.db"
	// DefaultWhatsAppDBFileName is the SQLite database for whatsmeow sessions
	DefaultWhatsAppDBFileName = "whatsmeow.db"
	// DefaultTickInterval is the default orchestrator tick period
	DefaultTickInterval = 45 * time.Second
	// DefaultShutdownTimeout bounds graceful shutdown of the admin server
	DefaultShutdownTimeout = 10 * time.Second
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	if err := run(config, flags); err != nil {
		slog.Error("ReplyPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("ReplyPipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	DatabaseURL    string
	WhatsAppDSN    string
	StateDir       string
	OpenAIKey      string
	APIAddr        string
	TickInterval   time.Duration
	TickCron       string
	TriggerPhrases []string
	BucketSize     int
	RefillInterval time.Duration
	MaxRetries     int
}

// Flags holds command line flag values
type Flags struct {
	qrOutput     *string
	numeric      *bool
	stateDir     *string
	dbDSN        *string
	openaiKey    *string
	apiAddr      *string
	tickCron     *string
	tickInterval *time.Duration
}

// initializeLogger sets up structured logging with debug level
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		WhatsAppDSN:    os.Getenv("WHATSAPP_DB_DSN"),
		StateDir:       os.Getenv("REPLYPIPE_STATE_DIR"),
		OpenAIKey:      os.Getenv("OPENAI_API_KEY"),
		APIAddr:        os.Getenv("API_ADDR"),
		TickInterval:   util.ParseDurationEnv("REPLYPIPE_TICK_INTERVAL", DefaultTickInterval),
		TickCron:       os.Getenv("REPLYPIPE_TICK_CRON"),
		TriggerPhrases: util.ParseListEnv("REPLYPIPE_TRIGGER_WORDS", nil),
		BucketSize:     util.ParseIntEnv("REPLYPIPE_RATE_BUCKET", 0),
		RefillInterval: util.ParseDurationEnv("REPLYPIPE_RATE_REFILL", 0),
		MaxRetries:     util.ParseIntEnv("REPLYPIPE_MAX_RETRIES", 0),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No REPLYPIPE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"WHATSAPP_DB_DSN_SET", config.WhatsAppDSN != "",
		"REPLYPIPE_STATE_DIR", config.StateDir,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"API_ADDR", config.APIAddr,
		"REPLYPIPE_TICK_INTERVAL", config.TickInterval,
		"REPLYPIPE_TICK_CRON", config.TickCron,
		"trigger_phrases", len(config.TriggerPhrases))

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		qrOutput:     flag.String("qr-output", "", "path to write login QR code"),
		numeric:      flag.Bool("numeric-code", false, "use numeric login code instead of QR code"),
		stateDir:     flag.String("state-dir", config.StateDir, "state directory for ReplyPipe data (overrides $REPLYPIPE_STATE_DIR)"),
		dbDSN:        flag.String("db-dsn", config.DatabaseURL, "database DSN for the queue store (overrides $DATABASE_URL)"),
		openaiKey:    flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		apiAddr:      flag.String("api-addr", config.APIAddr, "admin API server address (overrides $API_ADDR)"),
		tickCron:     flag.String("tick-cron", config.TickCron, "cron expression for tick scheduling (overrides $REPLYPIPE_TICK_CRON)"),
		tickInterval: flag.Duration("tick-interval", config.TickInterval, "tick interval when no cron expression is set (overrides $REPLYPIPE_TICK_INTERVAL)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"qrOutput", *flags.qrOutput,
		"numeric", *flags.numeric,
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"openaiKeySet", *flags.openaiKey != "",
		"apiAddr", *flags.apiAddr,
		"tickCron", *flags.tickCron,
		"tickInterval", *flags.tickInterval)

	return flags
}

// run wires the modules together and blocks until shutdown.
func run(config Config, flags Flags) error {
	stateDir := *flags.stateDir

	// One instance per state directory: the queue claims, the persisted
	// limiter state, and the in-memory guard windows all assume it.
	lock, err := lockfile.AcquireLock(stateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	dsn := *flags.dbDSN
	if dsn == "" {
		dsn = filepath.Join(stateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", dsn)
	}

	storeOpts := []store.Option{store.WithDSN(dsn)}
	if config.MaxRetries > 0 {
		storeOpts = append(storeOpts, store.WithMaxRetries(config.MaxRetries))
	}

	var st store.Store
	if store.DetectDSNType(dsn) == "postgres" {
		st, err = store.NewPostgresStore(storeOpts...)
	} else {
		st, err = store.NewSQLiteStore(storeOpts...)
	}
	if err != nil {
		return err
	}
	defer st.Close()

	limiterCfg := ratelimit.Config{}
	if config.BucketSize > 0 {
		limiterCfg.BucketSize = float64(config.BucketSize)
	}
	if config.RefillInterval > 0 {
		limiterCfg.RefillRate = 1.0 / config.RefillInterval.Seconds()
	}
	limiter, err := ratelimit.New(limiterCfg, st)
	if err != nil {
		return err
	}

	g := guard.New(guard.Config{TriggerPhrases: config.TriggerPhrases})

	waDSN := config.WhatsAppDSN
	if waDSN == "" {
		waDSN = filepath.Join(stateDir, DefaultWhatsAppDBFileName)
	}
	waOpts := []whatsapp.Option{whatsapp.WithDBDSN(waDSN)}
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	waClient, err := whatsapp.NewClient(waOpts...)
	if err != nil {
		return err
	}

	service := messaging.NewWhatsAppService(waClient)

	var genaiOpts []genai.Option
	if *flags.openaiKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(*flags.openaiKey))
	}
	generator, err := genai.NewClient(genaiOpts...)
	if err != nil {
		return err
	}

	orch := orchestrator.New(st, limiter, g, service, generator, service, orchestrator.Config{})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Restore state before the first tick: stale in-flight rows back to
	// pending, guard windows replayed from delivered history.
	manager := recovery.NewManager()
	manager.Register(recovery.NewQueueSweeper(st, 0))
	manager.Register(recovery.NewGuardRebuilder(st, g, time.Hour))
	if err := manager.RecoverAll(ctx); err != nil {
		return err
	}

	if err := service.Start(ctx); err != nil {
		return err
	}
	defer service.Stop()

	server := api.NewServer(*flags.apiAddr, st, limiter, g, orch)
	server.Start()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("Admin server shutdown failed", "error", err)
		}
	}()

	if *flags.tickCron != "" {
		sched := scheduler.NewScheduler()
		defer sched.Stop()
		if err := sched.AddJob(*flags.tickCron, func() {
			if err := orch.Tick(ctx); err != nil && err != orchestrator.ErrTickInProgress {
				slog.Error("Scheduled tick failed", "error", err)
			}
		}); err != nil {
			return err
		}
		slog.Info("ReplyPipe running on cron schedule", "cron", *flags.tickCron)
		<-ctx.Done()
		return nil
	}

	orch.Run(ctx, *flags.tickInterval)
	return nil
}
