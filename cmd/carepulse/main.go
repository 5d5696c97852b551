// Command carepulse runs the conversation and program orchestration engine:
// HTTP API, messaging transport, durable job/outbox workers and the
// periodic sweeps.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/carepulse/carepulse/internal/alerts"
	"github.com/carepulse/carepulse/internal/analysis"
	"github.com/carepulse/carepulse/internal/api"
	"github.com/carepulse/carepulse/internal/checkin"
	"github.com/carepulse/carepulse/internal/crm"
	"github.com/carepulse/carepulse/internal/engine"
	"github.com/carepulse/carepulse/internal/genai"
	"github.com/carepulse/carepulse/internal/messaging"
	"github.com/carepulse/carepulse/internal/schedule"
	"github.com/carepulse/carepulse/internal/scheduler"
	"github.com/carepulse/carepulse/internal/store"
	"github.com/carepulse/carepulse/internal/summary"
	"github.com/carepulse/carepulse/internal/tasks"
	"github.com/carepulse/carepulse/internal/twiliowhatsapp"
	"github.com/carepulse/carepulse/internal/util"
	"github.com/carepulse/carepulse/internal/whatsapp"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for CarePulse state data
	DefaultStateDir = "/var/lib/carepulse"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "carepulse.db"
	// DefaultSweepCron drives the reminder and missed-check-in sweep
	DefaultSweepCron = "@every 5m"
	// DefaultEscalationCron drives the task SLA escalation sweep
	DefaultEscalationCron = "@every 15m"
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	if err := run(flags); err != nil {
		slog.Error("CarePulse failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("CarePulse exited successfully")
}

// Config holds environment configuration
type Config struct {
	DatabaseURL string
	StateDir    string
	OpenAIKey   string
	APIAddr     string
	Backend     string
	RedisURL    string
	SweepCron   string
	EscCron     string
	Debounce    time.Duration
}

// Flags holds command line flag values
type Flags struct {
	stateDir  *string
	dbDSN     *string
	openaiKey *string
	apiAddr   *string
	backend   *string
	redisURL  *string
	sweepCron *string
	escCron   *string
	debounce  *time.Duration
	qrOutput  *string
	numeric   *bool
}

// initializeLogger sets up structured logging
func initializeLogger() {
	level := slog.LevelInfo
	if util.ParseBoolEnv("CAREPULSE_DEBUG", false) {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	config := Config{
		DatabaseURL: os.Getenv("DATABASE_URL"),
		StateDir:    os.Getenv("CAREPULSE_STATE_DIR"),
		OpenAIKey:   os.Getenv("OPENAI_API_KEY"),
		APIAddr:     os.Getenv("API_ADDR"),
		Backend:     os.Getenv("MESSAGING_BACKEND"),
		RedisURL:    os.Getenv("REDIS_URL"),
		SweepCron:   os.Getenv("SWEEP_SCHEDULE"),
		EscCron:     os.Getenv("ESCALATION_SCHEDULE"),
		Debounce:    util.ParseDurationEnv("AGGREGATOR_DEBOUNCE", 0),
	}
	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
	}
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}
	if config.Backend == "" {
		config.Backend = "twilio"
	}
	if config.SweepCron == "" {
		config.SweepCron = DefaultSweepCron
	}
	if config.EscCron == "" {
		config.EscCron = DefaultEscalationCron
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"CAREPULSE_STATE_DIR", config.StateDir,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"API_ADDR", config.APIAddr,
		"MESSAGING_BACKEND", config.Backend,
		"REDIS_URL_SET", config.RedisURL != "")
	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		stateDir:  flag.String("state-dir", config.StateDir, "state directory for CarePulse data (overrides $CAREPULSE_STATE_DIR)"),
		dbDSN:     flag.String("db-dsn", config.DatabaseURL, "database DSN (overrides $DATABASE_URL)"),
		openaiKey: flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		apiAddr:   flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		backend:   flag.String("messaging-backend", config.Backend, "messaging backend: twilio or whatsapp (overrides $MESSAGING_BACKEND)"),
		redisURL:  flag.String("redis-url", config.RedisURL, "Redis URL for the snippet cache (overrides $REDIS_URL)"),
		sweepCron: flag.String("sweep-cron", config.SweepCron, "reminder sweep schedule (overrides $SWEEP_SCHEDULE)"),
		escCron:   flag.String("escalation-cron", config.EscCron, "SLA escalation schedule (overrides $ESCALATION_SCHEDULE)"),
		debounce:  flag.Duration("debounce", config.Debounce, "aggregator debounce; 0 uses the built-in default (overrides $AGGREGATOR_DEBOUNCE)"),
		qrOutput:  flag.String("qr-output", "", "path to write WhatsApp login QR code"),
		numeric:   flag.Bool("numeric-code", false, "use numeric WhatsApp login code instead of QR code"),
	}
	flag.Parse()
	return flags
}

// ensureDirectoriesExist creates the state directory for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	if store.DetectDSNType(*flags.dbDSN) == "sqlite" {
		dir := filepath.Dir(*flags.dbDSN)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create state directory %s: %w", dir, err)
		}
	}
	return nil
}

// openStore selects the storage backend from the DSN.
func openStore(dsn string) (store.Store, error) {
	if dsn == "" {
		slog.Warn("No database DSN configured, using in-memory store")
		return store.NewInMemoryStore(), nil
	}
	if store.DetectDSNType(dsn) == "postgres" {
		return store.NewPostgresStore(store.WithPostgresDSN(dsn))
	}
	return store.NewSQLiteStore(store.WithSQLiteDSN(dsn))
}

// openMessaging builds the configured transport. The second return value is
// non-nil when inbound traffic arrives via HTTP webhooks.
func openMessaging(flags Flags) (messaging.Service, api.TwilioWebhooks, error) {
	switch *flags.backend {
	case "twilio":
		client, err := twiliowhatsapp.NewClient()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create Twilio client: %w", err)
		}
		svc := messaging.NewTwilioService(client)
		return svc, svc, nil
	case "whatsapp":
		var waOpts []whatsapp.Option
		waOpts = append(waOpts, whatsapp.WithDBDSN(filepath.Join(*flags.stateDir, "whatsmeow.db")))
		if *flags.qrOutput != "" {
			waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
		}
		if *flags.numeric {
			waOpts = append(waOpts, whatsapp.WithNumericCode())
		}
		client, err := whatsapp.NewClient(waOpts...)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create WhatsApp client: %w", err)
		}
		return messaging.NewWhatsAppService(client), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown messaging backend %q", *flags.backend)
	}
}

func run(flags Flags) error {
	st, err := openStore(*flags.dbDSN)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	var llm genai.ClientInterface
	if *flags.openaiKey != "" {
		client, err := genai.NewClient(genai.WithAPIKey(*flags.openaiKey))
		if err != nil {
			return fmt.Errorf("failed to create reasoning client: %w", err)
		}
		llm = client
	} else {
		slog.Warn("No OpenAI API key configured, automated analysis disabled")
	}

	msgService, webhooks, err := openMessaging(flags)
	if err != nil {
		return err
	}

	var snippets *analysis.SnippetCache
	if *flags.redisURL != "" {
		snippets, err = analysis.NewSnippetCacheFromURL(*flags.redisURL)
		if err != nil {
			return fmt.Errorf("failed to connect snippet cache: %w", err)
		}
	}

	recorder := checkin.NewRecorder(st)
	matcher := schedule.NewMatcher(st)
	alerter := alerts.NewManager(st)
	taskEngine := tasks.NewEngine(st)
	gateway := analysis.NewGateway(llm, st, recorder, taskEngine, snippets)
	summarizer := summary.NewSummarizer(st, llm)

	engineOpts := []engine.Option{
		engine.WithSummarizer(summarizer),
		engine.WithCRM(crm.NewClient()),
	}
	if *flags.debounce > 0 {
		engineOpts = append(engineOpts, engine.WithDebounce(*flags.debounce))
	}
	eng := engine.NewEngine(st, gateway, recorder, matcher, alerter, engineOpts...)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := msgService.Start(ctx); err != nil {
		return fmt.Errorf("failed to start messaging service: %w", err)
	}
	defer msgService.Stop()
	go eng.Listen(ctx, msgService.Responses())
	defer eng.Stop()

	runner := store.NewJobRunner(st)
	runner.Register(engine.JobKindAnalysis, eng.ProcessAnalysisJob)
	if err := runner.Start(ctx); err != nil {
		return fmt.Errorf("failed to start job runner: %w", err)
	}
	defer runner.Stop()

	sender := store.NewOutboxSender(st, func(ctx context.Context, msg store.OutboxMessage) (string, error) {
		return msgService.SendMessage(ctx, msg.Recipient, msg.Body)
	})
	if err := sender.Start(ctx); err != nil {
		return fmt.Errorf("failed to start outbox sender: %w", err)
	}
	defer sender.Stop()

	sweeper := schedule.NewSweeper(st)
	cronScheduler := scheduler.NewScheduler()
	defer cronScheduler.Stop()
	if err := cronScheduler.AddJob(*flags.sweepCron, func() {
		if err := sweeper.Sweep(context.Background(), time.Now()); err != nil {
			slog.Error("Reminder sweep failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("invalid sweep schedule: %w", err)
	}
	if err := cronScheduler.AddJob(*flags.escCron, func() {
		if err := taskEngine.EscalationSweep(); err != nil {
			slog.Error("Escalation sweep failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("invalid escalation schedule: %w", err)
	}

	apiOpts := []api.Option{}
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	if webhooks != nil {
		apiOpts = append(apiOpts, api.WithTwilioWebhooks(webhooks))
	}
	server := api.NewServer(st, msgService, matcher, alerter, apiOpts...)
	if err := server.Start(); err != nil {
		return fmt.Errorf("failed to start API server: %w", err)
	}
	defer server.Stop()

	slog.Info("CarePulse running", "backend", *flags.backend, "addr", *flags.apiAddr)
	<-ctx.Done()
	slog.Info("Shutdown signal received")
	return nil
}
