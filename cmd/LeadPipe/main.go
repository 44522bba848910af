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

	"github.com/BTreeMap/LeadPipe/internal/api"
	"github.com/BTreeMap/LeadPipe/internal/crm"
	"github.com/BTreeMap/LeadPipe/internal/dispatch"
	"github.com/BTreeMap/LeadPipe/internal/engine"
	"github.com/BTreeMap/LeadPipe/internal/genai"
	"github.com/BTreeMap/LeadPipe/internal/lockfile"
	"github.com/BTreeMap/LeadPipe/internal/messaging"
	"github.com/BTreeMap/LeadPipe/internal/phone"
	"github.com/BTreeMap/LeadPipe/internal/recovery"
	"github.com/BTreeMap/LeadPipe/internal/scheduler"
	"github.com/BTreeMap/LeadPipe/internal/store"
	"github.com/BTreeMap/LeadPipe/internal/templates"
	"github.com/BTreeMap/LeadPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/LeadPipe/internal/util"
	"github.com/BTreeMap/LeadPipe/internal/whatsapp"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for LeadPipe state data
	DefaultStateDir = "/var/lib/leadpipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "leadpipe.db"
	// DefaultWhatsAppDBFileName is the default whatsmeow session database filename
	DefaultWhatsAppDBFileName = "whatsmeow.db"
	// DefaultOutboxPollInterval is how often queued CRM notifications are retried
	DefaultOutboxPollInterval = 10 * time.Second
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	if err := run(flags); err != nil {
		slog.Error("LeadPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("LeadPipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir      string
	DatabaseURL   string
	WhatsAppDSN   string
	OpenAIKey     string
	APIAddr       string
	BatchCron     string
	AssetDir      string
	Messenger     string
	CRMBaseURL    string
	CRMToken      string
	TwilioSID     string
	TwilioToken   string
	TwilioFrom    string
	CountryPrefix string
	AreaCode      string
}

// Flags holds command line flag values
type Flags struct {
	qrOutput  *string
	numeric   *bool
	stateDir  *string
	dbDSN     *string
	waDSN     *string
	openaiKey *string
	apiAddr   *string
	batchCron *string
	assetDir  *string
	messenger *string
	config    Config
}

// initializeLogger sets up structured logging. LEADPIPE_DEBUG=true enables
// debug output.
func initializeLogger() {
	level := slog.LevelInfo
	if util.ParseBoolEnv("LEADPIPE_DEBUG", false) {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
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
		StateDir:      util.GetenvDefault("LEADPIPE_STATE_DIR", DefaultStateDir),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		WhatsAppDSN:   os.Getenv("WHATSAPP_DB_DSN"),
		OpenAIKey:     os.Getenv("OPENAI_API_KEY"),
		APIAddr:       os.Getenv("API_ADDR"),
		BatchCron:     util.GetenvDefault("BATCH_SCHEDULE", scheduler.DefaultBatchSpec),
		AssetDir:      os.Getenv("ASSET_DIR"),
		Messenger:     util.GetenvDefault("MESSAGING_BACKEND", "whatsapp"),
		CRMBaseURL:    os.Getenv("CRM_BASE_URL"),
		CRMToken:      os.Getenv("CRM_API_TOKEN"),
		TwilioSID:     os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioToken:   os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFrom:    os.Getenv("TWILIO_FROM_WHATSAPP"),
		CountryPrefix: os.Getenv("PHONE_COUNTRY_PREFIX"),
		AreaCode:      os.Getenv("PHONE_AREA_CODE"),
	}

	if config.AssetDir == "" {
		config.AssetDir = filepath.Join(config.StateDir, "assets")
	}
	if config.WhatsAppDSN == "" {
		config.WhatsAppDSN = filepath.Join(config.StateDir, DefaultWhatsAppDBFileName)
	}

	slog.Debug("environment variables loaded",
		"LEADPIPE_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"API_ADDR", config.APIAddr,
		"BATCH_SCHEDULE", config.BatchCron,
		"MESSAGING_BACKEND", config.Messenger,
		"CRM_BASE_URL_SET", config.CRMBaseURL != "")

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		qrOutput:  flag.String("qr-output", "", "path to write login QR code"),
		numeric:   flag.Bool("numeric-code", false, "use numeric login code instead of QR code"),
		stateDir:  flag.String("state-dir", config.StateDir, "state directory for LeadPipe data (overrides $LEADPIPE_STATE_DIR)"),
		dbDSN:     flag.String("db-dsn", config.DatabaseURL, "database DSN for the lead store (overrides $DATABASE_URL)"),
		waDSN:     flag.String("whatsapp-db-dsn", config.WhatsAppDSN, "database DSN for the WhatsApp session (overrides $WHATSAPP_DB_DSN)"),
		openaiKey: flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key for message personalization (overrides $OPENAI_API_KEY)"),
		apiAddr:   flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		batchCron: flag.String("batch-cron", config.BatchCron, "cron cadence for the dispatch batch (overrides $BATCH_SCHEDULE)"),
		assetDir:  flag.String("asset-dir", config.AssetDir, "directory holding stage message and audio assets (overrides $ASSET_DIR)"),
		messenger: flag.String("messenger", config.Messenger, "messaging backend: whatsapp or twilio (overrides $MESSAGING_BACKEND)"),
		config:    config,
	}

	flag.Parse()

	// Keep file-based defaults inside a state dir overridden on the command line.
	if *flags.stateDir != config.StateDir {
		if *flags.waDSN == filepath.Join(config.StateDir, DefaultWhatsAppDBFileName) {
			*flags.waDSN = filepath.Join(*flags.stateDir, DefaultWhatsAppDBFileName)
		}
		if *flags.assetDir == filepath.Join(config.StateDir, "assets") {
			*flags.assetDir = filepath.Join(*flags.stateDir, "assets")
		}
	}
	if *flags.dbDSN == "" {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", *flags.dbDSN)
	}

	return flags
}

// buildStore selects the lead store backend from the DSN.
func buildStore(dsn string) (store.Store, error) {
	switch store.DetectDSNType(dsn) {
	case "postgres":
		slog.Info("Using PostgreSQL lead store")
		return store.NewPostgresStore(store.WithPostgresDSN(dsn))
	default:
		slog.Info("Using SQLite lead store", "path", dsn)
		return store.NewSQLiteStore(store.WithDSN(dsn))
	}
}

// buildMessagingService selects the messaging backend. The returned
// TwilioService is non-nil only when the Twilio backend is active, so its
// webhook can be mounted.
func buildMessagingService(flags Flags, normalizer *phone.Normalizer) (messaging.Service, *messaging.TwilioService, error) {
	switch *flags.messenger {
	case "twilio":
		client, err := twiliowhatsapp.NewClient(
			twiliowhatsapp.WithAccountSID(flags.config.TwilioSID),
			twiliowhatsapp.WithAuthToken(flags.config.TwilioToken),
			twiliowhatsapp.WithFromWhats(flags.config.TwilioFrom),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("twilio client: %w", err)
		}
		svc := messaging.NewTwilioService(client)
		return svc, svc, nil
	case "whatsapp":
		var waOpts []whatsapp.Option
		waOpts = append(waOpts, whatsapp.WithDBDSN(*flags.waDSN))
		if *flags.qrOutput != "" {
			waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
		}
		if *flags.numeric {
			waOpts = append(waOpts, whatsapp.WithNumericCode())
		}
		client, err := whatsapp.NewClient(waOpts...)
		if err != nil {
			return nil, nil, fmt.Errorf("whatsapp client: %w", err)
		}
		return messaging.NewWhatsAppService(client, normalizer), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown messaging backend %q", *flags.messenger)
	}
}

// buildTemplateResolver wires the stage message resolver, with optional GenAI
// personalization when an API key is configured.
func buildTemplateResolver(flags Flags) *templates.Resolver {
	tmplOpts := []templates.Option{templates.WithAssetDir(*flags.assetDir)}
	if *flags.openaiKey != "" {
		genaiClient, err := genai.NewClient(genai.WithAPIKey(*flags.openaiKey))
		if err != nil {
			slog.Warn("GenAI client unavailable, using plain templates", "error", err)
		} else {
			tmplOpts = append(tmplOpts, templates.WithGenAI(genaiClient))
		}
	}
	return templates.NewResolver(tmplOpts...)
}

func run(flags Flags) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(*flags.stateDir, 0755); err != nil {
		return fmt.Errorf("create state directory %s: %w", *flags.stateDir, err)
	}

	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	st, err := buildStore(*flags.dbDSN)
	if err != nil {
		return fmt.Errorf("lead store: %w", err)
	}
	defer st.Close()

	normalizer := phone.NewNormalizer(phone.Config{
		CountryPrefix: flags.config.CountryPrefix,
		AreaCode:      flags.config.AreaCode,
	})

	svc, twilioSvc, err := buildMessagingService(flags, normalizer)
	if err != nil {
		return err
	}
	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start messaging service: %w", err)
	}
	defer svc.Stop()

	resolver := buildTemplateResolver(flags)

	eng := engine.NewProgressionEngine(st, normalizer)
	coordinator := dispatch.NewCoordinator(st, svc, resolver, normalizer, eng)
	eng.SetDispatcher(coordinator)

	// Startup reconciliation before any new work is accepted.
	if report, err := recovery.NewManager(st).Run(ctx); err != nil {
		slog.Warn("Startup reconciliation finished with errors", "error", err, "report", report)
	}

	// CRM notifications drain through the outbox only when a CRM is configured;
	// without one the rows stay queued and visible.
	if flags.config.CRMBaseURL != "" {
		crmClient, err := crm.NewClient(
			crm.WithBaseURL(flags.config.CRMBaseURL),
			crm.WithAPIToken(flags.config.CRMToken),
		)
		if err != nil {
			return fmt.Errorf("crm client: %w", err)
		}
		sender := store.NewOutboxSender(st, crmClient.DeliverNotification, DefaultOutboxPollInterval)
		go sender.Run(ctx)
	} else {
		slog.Warn("No CRM_BASE_URL configured, CRM notifications will stay queued")
	}

	// Inbound replies flow from the messaging gateway into the engine.
	go func() {
		for reply := range svc.Replies() {
			if err := eng.OnInboundReply(ctx, reply); err != nil {
				slog.Error("Failed to process inbound reply", "error", err, "from", reply.From)
			}
		}
	}()

	sched := scheduler.NewScheduler()
	defer sched.Stop()
	if err := sched.AddJob(*flags.batchCron, func() {
		if _, err := coordinator.RunBatch(ctx); err != nil {
			slog.Error("Scheduled batch failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule batch job: %w", err)
	}
	if err := sched.AddJob(scheduler.DefaultPurgeSpec, func() {
		cutoff := time.Now().Add(-recovery.DefaultDedupRetention)
		if n, err := st.PurgeEventsBefore(cutoff); err != nil {
			slog.Error("Scheduled event purge failed", "error", err)
		} else if n > 0 {
			slog.Info("Purged expired inbound event keys", "count", n)
		}
	}); err != nil {
		return fmt.Errorf("schedule purge job: %w", err)
	}

	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	server := api.NewServer(eng, coordinator, st, apiOpts...)
	if twilioSvc != nil {
		server.Handle("/webhooks/twilio", twilioSvc.TwilioWebhookHandler)
	}

	slog.Info("LeadPipe started",
		"api_addr", *flags.apiAddr,
		"batch_cron", *flags.batchCron,
		"messenger", *flags.messenger)
	return server.Run(ctx)
}
