package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/BTreeMap/ChatRelay/internal/api"
	"github.com/BTreeMap/ChatRelay/internal/continuity"
	"github.com/BTreeMap/ChatRelay/internal/delivery"
	"github.com/BTreeMap/ChatRelay/internal/genai"
	"github.com/BTreeMap/ChatRelay/internal/lockfile"
	"github.com/BTreeMap/ChatRelay/internal/messaging"
	"github.com/BTreeMap/ChatRelay/internal/store"
	"github.com/BTreeMap/ChatRelay/internal/twiliowhatsapp"
	"github.com/BTreeMap/ChatRelay/internal/util"
	"github.com/BTreeMap/ChatRelay/internal/wacloud"
	"github.com/BTreeMap/ChatRelay/internal/whatsapp"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for ChatRelay state data
	DefaultStateDir = "/var/lib/chatrelay"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "chatrelay.db"
	// DefaultShutdownTimeout bounds the graceful shutdown of the API server
	DefaultShutdownTimeout = 15 * time.Second
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		slog.Error("Failed to acquire state directory lock", "error", err)
		os.Exit(1)
	}
	defer lock.Release()

	if err := run(config, flags); err != nil {
		slog.Error("ChatRelay failed to run", "error", err)
		lock.Release()
		os.Exit(1)
	}
	slog.Info("ChatRelay exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir        string
	DatabaseURL     string
	Transport       string
	OpenAIKey       string
	Models          string
	APIAddr         string
	VerifyToken     string
	BotName         string
	ShortReplyMax   int
	ChunkMax        int
	ChunkDelay      time.Duration
	MaxOutputTokens int
	GenTimeout      time.Duration
}

// Flags holds command line flag values
type Flags struct {
	stateDir  *string
	dbDSN     *string
	transport *string
	openaiKey *string
	apiAddr   *string
	qrOutput  *string
	numeric   *bool
}

// initializeLogger sets up structured logging. Log level is controlled by
// $CHATRELAY_DEBUG.
func initializeLogger() {
	level := slog.LevelInfo
	if util.ParseBoolEnv("CHATRELAY_DEBUG", false) {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and the .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:        os.Getenv("CHATRELAY_STATE_DIR"),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		Transport:       os.Getenv("CHATRELAY_TRANSPORT"),
		OpenAIKey:       os.Getenv("OPENAI_API_KEY"),
		Models:          os.Getenv("CHATRELAY_MODELS"),
		APIAddr:         os.Getenv("CHATRELAY_API_ADDR"),
		VerifyToken:     os.Getenv("WHATSAPP_VERIFY_TOKEN"),
		BotName:         os.Getenv("CHATRELAY_BOT_NAME"),
		ShortReplyMax:   util.ParseIntEnv("CHATRELAY_SHORT_REPLY_MAX", continuity.DefaultShortReplyMax),
		ChunkMax:        util.ParseIntEnv("CHATRELAY_CHUNK_MAX", delivery.DefaultChunkMax),
		ChunkDelay:      util.ParseDurationEnv("CHATRELAY_CHUNK_DELAY", delivery.DefaultChunkDelay),
		MaxOutputTokens: util.ParseIntEnv("CHATRELAY_MAX_OUTPUT_TOKENS", int(genai.DefaultMaxOutputTokens)),
		GenTimeout:      util.ParseDurationEnv("CHATRELAY_GEN_TIMEOUT", genai.DefaultTimeout),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No CHATRELAY_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.Transport == "" {
		config.Transport = "cloud"
	}
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No DATABASE_URL provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}

	slog.Debug("environment variables loaded",
		"CHATRELAY_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"CHATRELAY_TRANSPORT", config.Transport,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"CHATRELAY_MODELS", config.Models,
		"CHATRELAY_API_ADDR", config.APIAddr,
		"WHATSAPP_VERIFY_TOKEN_SET", config.VerifyToken != "")

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		stateDir:  flag.String("state-dir", config.StateDir, "state directory for ChatRelay data (overrides $CHATRELAY_STATE_DIR)"),
		dbDSN:     flag.String("db-dsn", config.DatabaseURL, "database DSN for dedup and session storage (overrides $DATABASE_URL)"),
		transport: flag.String("transport", config.Transport, "messaging transport: cloud, twilio, or whatsmeow (overrides $CHATRELAY_TRANSPORT)"),
		openaiKey: flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		apiAddr:   flag.String("api-addr", config.APIAddr, "API server address (overrides $CHATRELAY_API_ADDR)"),
		qrOutput:  flag.String("qr-output", "", "path to write whatsmeow login QR code"),
		numeric:   flag.Bool("numeric-code", false, "use numeric whatsmeow login code instead of QR code"),
	}

	flag.Parse()

	// Follow the state directory when the DSN was left at its default.
	if *flags.dbDSN == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated db DSN based on state directory", "new_state_dir", *flags.stateDir)
	}

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"transport", *flags.transport,
		"openaiKeySet", *flags.openaiKey != "",
		"apiAddr", *flags.apiAddr)

	return flags
}

// buildStores opens the dedup, session, and receipt repositories, picking the
// backend from the DSN shape.
func buildStores(dsn string) (store.DedupRepo, store.SessionRepo, delivery.ReceiptRecorder, func(), error) {
	if store.DetectDSNType(dsn) == "postgres" {
		st, err := store.NewPostgresStore(store.WithPostgresDSN(dsn))
		if err != nil {
			return nil, nil, nil, nil, err
		}
		slog.Info("Using Postgres storage")
		return st, st, st, func() { st.Close() }, nil
	}

	if err := os.MkdirAll(filepath.Dir(dsn), 0755); err != nil {
		return nil, nil, nil, nil, err
	}
	st, err := store.NewSQLiteStore(store.WithSQLiteDSN(dsn))
	if err != nil {
		return nil, nil, nil, nil, err
	}
	slog.Info("Using SQLite storage", "path", dsn)
	return st, st, st, func() { st.Close() }, nil
}

// buildTransport constructs the selected messaging service. For the cloud and
// twilio transports it also returns the webhook-capable concrete type.
func buildTransport(config Config, flags Flags) (messaging.Service, *messaging.CloudService, *messaging.TwilioService, error) {
	switch *flags.transport {
	case "twilio":
		client, err := twiliowhatsapp.NewClient()
		if err != nil {
			return nil, nil, nil, err
		}
		svc := messaging.NewTwilioService(client)
		return svc, nil, svc, nil

	case "whatsmeow":
		opts := []whatsapp.Option{whatsapp.WithDBDSN(filepath.Join(*flags.stateDir, "whatsmeow.db"))}
		if *flags.qrOutput != "" {
			opts = append(opts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
		}
		if *flags.numeric {
			opts = append(opts, whatsapp.WithNumericCode())
		}
		client, err := whatsapp.NewClient(opts...)
		if err != nil {
			return nil, nil, nil, err
		}
		return messaging.NewWhatsAppService(client), nil, nil, nil

	default:
		client, err := wacloud.NewClient()
		if err != nil {
			return nil, nil, nil, err
		}
		svc := messaging.NewCloudService(client, config.VerifyToken)
		return svc, svc, nil, nil
	}
}

// run wires the pipeline together and serves until a termination signal.
func run(config Config, flags Flags) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dedup, sessions, receipts, closeStores, err := buildStores(*flags.dbDSN)
	if err != nil {
		return err
	}
	defer closeStores()

	var genaiOpts []genai.Option
	if *flags.openaiKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(*flags.openaiKey))
	}
	var models []string
	if config.Models != "" {
		for _, m := range strings.Split(config.Models, ",") {
			if m = strings.TrimSpace(m); m != "" {
				models = append(models, m)
			}
		}
		genaiOpts = append(genaiOpts, genai.WithDefaultModels(models...))
	}
	invoker, err := genai.NewClient(genaiOpts...)
	if err != nil {
		return err
	}

	svc, cloud, twilio, err := buildTransport(config, flags)
	if err != nil {
		return err
	}
	if err := svc.Start(ctx); err != nil {
		return err
	}
	defer svc.Stop()

	resolver := continuity.NewResolver(sessions,
		continuity.WithShortReplyMax(config.ShortReplyMax))
	deliverer := delivery.NewDeliverer(svc,
		delivery.WithChunkMax(config.ChunkMax),
		delivery.WithChunkDelay(config.ChunkDelay),
		delivery.WithReceipts(receipts))

	responderOpts := []messaging.Option{
		messaging.WithModelCandidates(models...),
		messaging.WithMaxOutputTokens(int64(config.MaxOutputTokens)),
		messaging.WithGenerationTimeout(config.GenTimeout),
	}
	if config.BotName != "" {
		responderOpts = append(responderOpts, messaging.WithBotName(config.BotName))
	}
	responder := messaging.NewResponder(dedup, resolver, invoker, deliverer, responderOpts...)
	responder.Start(ctx, svc)

	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	server := api.NewServer(svc, cloud, twilio, apiOpts...)
	serveErr := server.Start()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
		slog.Info("Termination signal received, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
