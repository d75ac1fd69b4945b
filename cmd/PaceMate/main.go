package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/PaceMate/internal/activity"
	"github.com/BTreeMap/PaceMate/internal/api"
	"github.com/BTreeMap/PaceMate/internal/crypto"
	"github.com/BTreeMap/PaceMate/internal/entitlement"
	"github.com/BTreeMap/PaceMate/internal/flow"
	"github.com/BTreeMap/PaceMate/internal/genai"
	"github.com/BTreeMap/PaceMate/internal/interest"
	"github.com/BTreeMap/PaceMate/internal/lockfile"
	"github.com/BTreeMap/PaceMate/internal/media"
	"github.com/BTreeMap/PaceMate/internal/messaging"
	"github.com/BTreeMap/PaceMate/internal/payments"
	"github.com/BTreeMap/PaceMate/internal/scheduler"
	"github.com/BTreeMap/PaceMate/internal/store"
	"github.com/BTreeMap/PaceMate/internal/twiliowhatsapp"
	"github.com/BTreeMap/PaceMate/internal/userlock"
	"github.com/BTreeMap/PaceMate/internal/util"
	"github.com/BTreeMap/PaceMate/internal/whatsapp"
	"github.com/BTreeMap/PaceMate/internal/zapi"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for PaceMate state data
	DefaultStateDir = "/var/lib/pacemate"
	// DefaultAppDBFileName is the default SQLite database filename
	DefaultAppDBFileName = "pacemate.db"
	// DefaultWhatsAppDBFileName is the default whatsmeow session database filename
	DefaultWhatsAppDBFileName = "whatsmeow.db"
	// DefaultTimezone is where dates shown to users and cron schedules are evaluated
	DefaultTimezone = "America/Sao_Paulo"
	// DefaultTransport is the messaging provider used when TRANSPORT is unset
	DefaultTransport = "zapi"
	// DedupRetention is how long webhook and message dedup records are kept
	DedupRetention = 30 * 24 * time.Hour
	// dedupPurgeSchedule runs the dedup purge nightly
	dedupPurgeSchedule = "30 3 * * *"
	// workerPollInterval is the poll period of the outbox sender and job runner
	workerPollInterval = 2 * time.Second
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()

	flags, err := parseCommandLineFlags(flag.CommandLine, os.Args[1:], config)
	if err != nil {
		slog.Error("Failed to parse flags", "error", err)
		os.Exit(2)
	}

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	// SQLite and the whatsmeow session allow one process per state directory.
	if store.DetectDSNType(flags.dbDSN) != "postgres" || flags.transport == "whatsapp" {
		lock, err := lockfile.Acquire(flags.stateDir)
		if err != nil {
			slog.Error("Failed to lock state directory", "error", err)
			os.Exit(1)
		}
		defer lock.Release()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping PaceMate", "transport", flags.transport, "api_addr", flags.apiAddr)
	if err := run(ctx, config, flags); err != nil {
		slog.Error("PaceMate failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("PaceMate exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir    string
	DatabaseURL string
	WhatsAppDSN string
	APIAddr     string
	BaseURL     string
	Timezone    string
	Transport   string

	OpenAIKey     string
	OpenAIBaseURL string
	AgentModel    string
	MaxTokens     int
	GroqKey       string
	GenAIDebug    bool

	TwilioAuthToken string

	MPAccessToken string
	MPPlanID      string
	PaymentLink   string

	StravaClientID     string
	StravaClientSecret string
	OAuthStateSecret   string
	TokenEncryptionKey string

	RedisURL          string
	AdminUser         string
	AdminPass         string
	InterestRulesFile string
	ReminderSchedule  string
}

// Flags holds command line values, defaulted from Config
type Flags struct {
	qrOutput    string
	numeric     bool
	stateDir    string
	dbDSN       string
	whatsappDSN string
	apiAddr     string
	transport   string
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
		StateDir:    os.Getenv("PACEMATE_STATE_DIR"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		WhatsAppDSN: os.Getenv("WHATSAPP_DB_DSN"),
		APIAddr:     os.Getenv("API_ADDR"),
		BaseURL:     strings.TrimRight(os.Getenv("BASE_URL"), "/"),
		Timezone:    util.GetEnv("TIMEZONE", DefaultTimezone),
		Transport:   strings.ToLower(strings.TrimSpace(os.Getenv("TRANSPORT"))),

		OpenAIKey:     os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL: os.Getenv("OPENAI_BASE_URL"),
		AgentModel:    os.Getenv("AGENT_MODEL"),
		MaxTokens:     util.ParseIntEnv("AGENT_MAX_TOKENS", 0),
		GroqKey:       os.Getenv("GROQ_API_KEY"),
		GenAIDebug:    util.ParseBoolEnv("GENAI_DEBUG", false),

		TwilioAuthToken: os.Getenv("TWILIO_AUTH_TOKEN"),

		MPAccessToken: os.Getenv("MP_ACCESS_TOKEN"),
		MPPlanID:      os.Getenv("MP_PLAN_ID"),
		PaymentLink:   os.Getenv("PAYMENT_LINK"),

		StravaClientID:     os.Getenv("STRAVA_CLIENT_ID"),
		StravaClientSecret: os.Getenv("STRAVA_CLIENT_SECRET"),
		OAuthStateSecret:   os.Getenv("OAUTH_STATE_SECRET"),
		TokenEncryptionKey: os.Getenv("TOKEN_ENCRYPTION_KEY"),

		RedisURL:          os.Getenv("REDIS_URL"),
		AdminUser:         os.Getenv("ADMIN_USER"),
		AdminPass:         os.Getenv("ADMIN_PASS"),
		InterestRulesFile: os.Getenv("INTEREST_RULES_FILE"),
		ReminderSchedule:  os.Getenv("REMINDER_SCHEDULE"),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No PACEMATE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.Transport == "" {
		config.Transport = DefaultTransport
	}
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultAppDBFileName)
		slog.Debug("No DATABASE_URL provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}
	if config.WhatsAppDSN == "" {
		config.WhatsAppDSN = defaultWhatsAppDSN(config.StateDir)
	}

	slog.Debug("environment variables loaded",
		"PACEMATE_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", os.Getenv("DATABASE_URL") != "",
		"API_ADDR", config.APIAddr,
		"BASE_URL", config.BaseURL,
		"TIMEZONE", config.Timezone,
		"TRANSPORT", config.Transport,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"AGENT_MODEL", config.AgentModel,
		"GROQ_API_KEY_SET", config.GroqKey != "",
		"MP_ACCESS_TOKEN_SET", config.MPAccessToken != "",
		"MP_PLAN_ID", config.MPPlanID,
		"PAYMENT_LINK_SET", config.PaymentLink != "",
		"STRAVA_CLIENT_ID_SET", config.StravaClientID != "",
		"TOKEN_ENCRYPTION_KEY_SET", config.TokenEncryptionKey != "",
		"REDIS_URL_SET", config.RedisURL != "",
		"ADMIN_USER_SET", config.AdminUser != "",
		"INTEREST_RULES_FILE", config.InterestRulesFile,
		"REMINDER_SCHEDULE", config.ReminderSchedule)

	return config
}

func defaultWhatsAppDSN(stateDir string) string {
	return "file:" + filepath.Join(stateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
}

// parseCommandLineFlags parses args into fs with environment defaults
func parseCommandLineFlags(fs *flag.FlagSet, args []string, config Config) (Flags, error) {
	var flags Flags
	fs.StringVar(&flags.qrOutput, "qr-output", "", "path to write login QR code (whatsapp transport)")
	fs.BoolVar(&flags.numeric, "numeric-code", false, "use numeric login code instead of QR code (whatsapp transport)")
	fs.StringVar(&flags.stateDir, "state-dir", config.StateDir, "state directory for PaceMate data (overrides $PACEMATE_STATE_DIR)")
	fs.StringVar(&flags.dbDSN, "db-dsn", config.DatabaseURL, "application database DSN (overrides $DATABASE_URL)")
	fs.StringVar(&flags.whatsappDSN, "whatsapp-db-dsn", config.WhatsAppDSN, "whatsmeow session database DSN (overrides $WHATSAPP_DB_DSN)")
	fs.StringVar(&flags.apiAddr, "api-addr", config.APIAddr, "API server address (overrides $API_ADDR)")
	fs.StringVar(&flags.transport, "transport", config.Transport, "messaging transport: zapi, twilio or whatsapp (overrides $TRANSPORT)")

	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}

	// File defaults follow a state directory given on the command line.
	if flags.stateDir != config.StateDir {
		if flags.dbDSN == filepath.Join(config.StateDir, DefaultAppDBFileName) {
			flags.dbDSN = filepath.Join(flags.stateDir, DefaultAppDBFileName)
		}
		if flags.whatsappDSN == defaultWhatsAppDSN(config.StateDir) {
			flags.whatsappDSN = defaultWhatsAppDSN(flags.stateDir)
		}
		slog.Debug("Updated DSNs based on state directory", "old_state_dir", config.StateDir, "new_state_dir", flags.stateDir)
	}
	flags.transport = strings.ToLower(flags.transport)

	slog.Debug("flags parsed",
		"qrOutput", flags.qrOutput,
		"numeric", flags.numeric,
		"stateDir", flags.stateDir,
		"dbDSN_set", flags.dbDSN != "",
		"apiAddr", flags.apiAddr,
		"transport", flags.transport)
	return flags, nil
}

// ensureDirectoriesExist creates the directories of file-based databases
func ensureDirectoriesExist(flags Flags) error {
	for _, dsn := range []string{flags.dbDSN, flags.whatsappDSN} {
		if dsn == "" || store.DetectDSNType(dsn) == "postgres" {
			continue
		}
		path := strings.TrimPrefix(dsn, "file:")
		if i := strings.Index(path, "?"); i >= 0 {
			path = path[:i]
		}
		dir := filepath.Dir(path)
		slog.Debug("Creating state directory for file-based database", "state_dir", dir)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(dsn string) []store.Option {
	if dsn == "" {
		slog.Debug("No database DSN provided, will use in-memory store")
		return nil
	}
	if store.DetectDSNType(dsn) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_set", true)
		return []store.Option{store.WithPostgresDSN(dsn)}
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", dsn)
	return []store.Option{store.WithSQLiteDSN(dsn)}
}

// buildWhatsAppOptions constructs WhatsApp configuration options
func buildWhatsAppOptions(flags Flags) []whatsapp.Option {
	var waOpts []whatsapp.Option
	if flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(flags.qrOutput))
	}
	if flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	if flags.whatsappDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(flags.whatsappDSN))
	}
	return waOpts
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(config Config, stateDir string) []genai.Option {
	var genaiOpts []genai.Option
	if config.OpenAIKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(config.OpenAIKey))
	}
	if config.OpenAIBaseURL != "" {
		genaiOpts = append(genaiOpts, genai.WithBaseURL(config.OpenAIBaseURL))
	}
	if config.AgentModel != "" {
		genaiOpts = append(genaiOpts, genai.WithModel(config.AgentModel))
	}
	if config.MaxTokens > 0 {
		genaiOpts = append(genaiOpts, genai.WithMaxTokens(config.MaxTokens))
	}
	if config.GenAIDebug {
		genaiOpts = append(genaiOpts, genai.WithDebugMode(true, stateDir))
	}
	return genaiOpts
}

// buildSealer returns the credential encryptor, or plaintext storage when no key is set
func buildSealer(key string) (crypto.Sealer, error) {
	if key == "" {
		slog.Warn("TOKEN_ENCRYPTION_KEY not set, Strava tokens will be stored unencrypted")
		return crypto.Plaintext{}, nil
	}
	return crypto.NewTokenEncryptor(key)
}

// paymentLinkFunc returns the link offered to a user. Without an override or
// a plan id there is no link.
func paymentLinkFunc(config Config) func(userID string) string {
	return func(userID string) string {
		if config.PaymentLink == "" && config.MPPlanID == "" {
			return ""
		}
		return payments.CheckoutLink(config.PaymentLink, config.MPPlanID, config.BaseURL, userID)
	}
}

// loadLocation resolves the configured timezone, falling back to UTC.
func loadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		slog.Warn("Invalid TIMEZONE, using UTC", "timezone", name, "error", err)
		return time.UTC
	}
	return loc
}

// transport is the selected messaging provider and its HTTP hooks.
type transport struct {
	svc           messaging.Service
	zapiWebhook   http.HandlerFunc
	twilioWebhook http.HandlerFunc
	close         func()
}

// buildTransport connects the messaging provider named by flags.transport.
func buildTransport(ctx context.Context, config Config, flags Flags) (*transport, error) {
	switch flags.transport {
	case "zapi":
		client, err := zapi.NewClient()
		if err != nil {
			return nil, fmt.Errorf("z-api transport: %w", err)
		}
		svc := messaging.NewZAPIService(client)
		return &transport{svc: svc, zapiWebhook: svc.WebhookHandler, close: func() {}}, nil
	case "twilio":
		client, err := twiliowhatsapp.NewClient()
		if err != nil {
			return nil, fmt.Errorf("twilio transport: %w", err)
		}
		if config.BaseURL == "" {
			slog.Warn("BASE_URL not set, Twilio webhook signatures cannot be verified")
		}
		validator := twiliowhatsapp.NewSignatureValidator(config.TwilioAuthToken, config.BaseURL+"/webhook/twilio")
		svc := messaging.NewTwilioService(client, validator)
		return &transport{svc: svc, twilioWebhook: svc.WebhookHandler, close: func() {}}, nil
	case "whatsapp":
		client, err := whatsapp.NewClient(ctx, buildWhatsAppOptions(flags)...)
		if err != nil {
			return nil, fmt.Errorf("whatsapp transport: %w", err)
		}
		return &transport{svc: messaging.NewWhatsAppService(client), close: client.Disconnect}, nil
	default:
		return nil, fmt.Errorf("unknown transport %q (want zapi, twilio or whatsapp)", flags.transport)
	}
}

// run wires every component and blocks until ctx is cancelled or a component fails.
func run(ctx context.Context, config Config, flags Flags) error {
	loc := loadLocation(config.Timezone)

	st, err := store.New(buildStoreOptions(flags.dbDSN)...)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	sealer, err := buildSealer(config.TokenEncryptionKey)
	if err != nil {
		return fmt.Errorf("invalid TOKEN_ENCRYPTION_KEY: %w", err)
	}

	model, err := genai.NewClient(buildGenAIOptions(config, flags.stateDir)...)
	if err != nil {
		return fmt.Errorf("failed to create model client: %w", err)
	}

	var mediaOpts []media.Option
	if transcriber, err := genai.NewTranscriber(config.GroqKey, ""); err != nil {
		slog.Warn("Audio transcription disabled", "error", err)
	} else {
		mediaOpts = append(mediaOpts, media.WithTranscriber(transcriber))
	}
	extractor := media.NewExtractor(mediaOpts...)

	tr, err := buildTransport(ctx, config, flags)
	if err != nil {
		return err
	}
	defer tr.close()

	notifier := messaging.NewNotifier(st)
	outbox := store.NewOutboxSender(st, messaging.OutboxDelivery(tr.svc), workerPollInterval)
	ledger := entitlement.NewLedger(st, entitlement.WithNotifier(notifier), entitlement.WithLocation(loc))
	paymentLink := paymentLinkFunc(config)

	var paymentFetcher api.PaymentFetcher
	if client, err := payments.NewClient(payments.WithAccessToken(config.MPAccessToken)); err != nil {
		slog.Warn("Mercado Pago webhooks disabled", "error", err)
	} else {
		paymentFetcher = client
	}

	var locker userlock.Locker = userlock.NewLocal()
	if config.RedisURL != "" {
		redisLocker, redisClient, err := userlock.NewRedisFromURL(ctx, config.RedisURL)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		defer redisClient.Close()
		locker = redisLocker
		slog.Info("Using Redis per-user locks")
	}

	var (
		activitySource flow.ActivitySource
		analyzer       *activity.ProfileAnalyzer
	)
	connector, err := activity.NewConnector(st,
		activity.WithClientCredentials(config.StravaClientID, config.StravaClientSecret),
		activity.WithRedirectURL(config.BaseURL+"/strava/callback"),
		activity.WithStateSecret(config.OAuthStateSecret),
		activity.WithSealer(sealer),
	)
	if err != nil {
		slog.Warn("Strava integration disabled", "error", err)
	} else {
		activitySource = connector
		analyzer = activity.NewProfileAnalyzer(connector, model, st, notifier, locker)
	}

	runner := store.NewJobRunner(st, workerPollInterval)
	flow.RegisterJobHandlers(runner, analyzer)

	rules, err := interest.LoadRules(config.InterestRulesFile)
	if err != nil {
		return fmt.Errorf("failed to load interest rules: %w", err)
	}
	registrar := interest.NewRegistrar(st)

	conversation, err := flow.NewConversationFlow(flow.Dependencies{
		Store:       st,
		Entitlement: ledger,
		Activity:    activitySource,
		Model:       model,
		Sender:      tr.svc,
		Media:       extractor,
		Locker:      locker,
		Rules:       rules,
		Interests:   registrar,
		PaymentLink: paymentLink,
	}, flow.WithLocation(loc))
	if err != nil {
		return fmt.Errorf("failed to create conversation flow: %w", err)
	}
	dispatcher := flow.NewDispatcher(conversation, st)

	sched := scheduler.NewScheduler(loc)
	defer sched.Stop()
	reminder := scheduler.NewRenewalReminder(ledger, notifier, paymentLink, loc)
	if err := reminder.Schedule(sched, config.ReminderSchedule); err != nil {
		return fmt.Errorf("invalid REMINDER_SCHEDULE: %w", err)
	}
	if err := sched.AddJob(dedupPurgeSchedule, func() {
		n, err := st.PurgeEventsBefore(time.Now().Add(-DedupRetention))
		if err != nil {
			slog.Error("Dedup purge failed", "error", err)
			return
		}
		slog.Info("Dedup purge done", "removed", n)
	}); err != nil {
		return err
	}

	server := api.NewServer(api.Dependencies{
		Store:         st,
		Ledger:        ledger,
		Interests:     registrar,
		Notifier:      notifier,
		Payments:      paymentFetcher,
		Activity:      connector,
		PaymentLink:   paymentLink,
		ZAPIWebhook:   tr.zapiWebhook,
		TwilioWebhook: tr.twilioWebhook,
		AdminUser:     config.AdminUser,
		AdminPass:     config.AdminPass,
		BaseURL:       config.BaseURL,
		Location:      loc,
	})

	if err := outbox.RecoverStaleMessages(); err != nil {
		slog.Warn("Outbox recovery failed", "error", err)
	}
	if err := runner.RecoverStaleJobs(); err != nil {
		slog.Warn("Job recovery failed", "error", err)
	}
	if err := tr.svc.Start(ctx); err != nil {
		return fmt.Errorf("failed to start messaging service: %w", err)
	}
	defer tr.svc.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		outbox.Run(gctx)
		return nil
	})
	g.Go(func() error {
		runner.Run(gctx)
		return nil
	})
	g.Go(func() error {
		dispatcher.Run(gctx, tr.svc.Messages())
		return nil
	})
	g.Go(func() error {
		return server.Run(gctx, flags.apiAddr)
	})

	slog.Info("PaceMate running", "transport", flags.transport, "strava", connector != nil, "payments", paymentFetcher != nil)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
