package main

import (
	"flag"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/grovli/mealready/internal/api"
	"github.com/grovli/mealready/internal/auth"
	"github.com/grovli/mealready/internal/generation"
	"github.com/grovli/mealready/internal/mealapi"
	"github.com/grovli/mealready/internal/notify"
	"github.com/grovli/mealready/internal/store"
	"github.com/grovli/mealready/internal/util"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for MealReady state data
	DefaultStateDir = "/var/lib/mealready"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "mealready.db"
)

func main() {
	// Initialize structured logger
	initializeLogger()

	// Load environment configuration
	config := loadEnvironmentConfig()

	// Parse command line flags
	flags := parseCommandLineFlags(config)

	// Ensure required directories exist
	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	// Build module options
	storeOpts := buildStoreOptions(flags)
	clientOpts := buildClientOptions(flags)
	notifyOpts := buildNotifyOptions()
	genOpts := buildGenerationOptions()
	apiOpts := buildAPIOptions(flags)

	// Start the service
	slog.Info("Bootstrapping MealReady with configured modules")
	slog.Debug("Module options counts", "store", len(storeOpts), "client", len(clientOpts), "notify", len(notifyOpts), "generation", len(genOpts), "api", len(apiOpts))
	slog.Debug("Final configuration", "state_dir", *flags.stateDir, "dsn_set", *flags.dbDSN != "", "api_addr", *flags.apiAddr, "sms_notifier", *flags.notifySMSTo != "")
	if err := api.Run(storeOpts, clientOpts, notifyOpts, genOpts, apiOpts, *flags.notifySMSTo); err != nil {
		slog.Error("MealReady failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("MealReady exited successfully")
}

// Config holds environment configuration
type Config struct {
	DatabaseURL string
	StateDir    string
	APIBaseURL  string
	APIToken    string
	APIAddr     string
	NotifySMSTo string
	PurgeCron   string
}

// Flags holds command line flag values
type Flags struct {
	stateDir    *string
	dbDSN       *string
	apiBaseURL  *string
	apiToken    *string
	apiAddr     *string
	notifySMSTo *string
	purgeCron   *string
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
		DatabaseURL: os.Getenv("DATABASE_URL"),
		StateDir:    os.Getenv("MEALREADY_STATE_DIR"),
		APIBaseURL:  os.Getenv("MEALPLAN_API_URL"),
		APIToken:    os.Getenv("MEALPLAN_API_TOKEN"),
		APIAddr:     os.Getenv("API_ADDR"),
		NotifySMSTo: os.Getenv("NOTIFY_SMS_TO"),
		PurgeCron:   os.Getenv("PURGE_CRON"),
	}

	// Set default state directory if not specified
	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No MEALREADY_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	} else {
		slog.Debug("MEALREADY_STATE_DIR found in environment", "state_dir", config.StateDir)
	}

	// If no database URL is provided, default to SQLite in the state directory
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"MEALREADY_STATE_DIR", config.StateDir,
		"MEALPLAN_API_URL", config.APIBaseURL,
		"MEALPLAN_API_TOKEN_SET", config.APIToken != "",
		"API_ADDR", config.APIAddr,
		"NOTIFY_SMS_TO_SET", config.NotifySMSTo != "",
		"PURGE_CRON", config.PurgeCron)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		stateDir:    flag.String("state-dir", config.StateDir, "state directory for MealReady data (overrides $MEALREADY_STATE_DIR)"),
		dbDSN:       flag.String("db-dsn", config.DatabaseURL, "database DSN for the session store (overrides $DATABASE_URL)"),
		apiBaseURL:  flag.String("mealplan-api-url", config.APIBaseURL, "base URL of the meal plan generation backend (overrides $MEALPLAN_API_URL)"),
		apiToken:    flag.String("mealplan-api-token", config.APIToken, "bearer token for the generation backend (overrides $MEALPLAN_API_TOKEN)"),
		apiAddr:     flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		notifySMSTo: flag.String("notify-sms-to", config.NotifySMSTo, "phone number for SMS plan-ready notifications (overrides $NOTIFY_SMS_TO)"),
		purgeCron:   flag.String("purge-cron", config.PurgeCron, "cron schedule for notification TTL purges (overrides $PURGE_CRON)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"apiBaseURL", *flags.apiBaseURL,
		"apiTokenSet", *flags.apiToken != "",
		"apiAddr", *flags.apiAddr,
		"notifySMSToSet", *flags.notifySMSTo != "",
		"purgeCron", *flags.purgeCron)

	// Update database DSN if not explicitly set but state directory is provided
	if *flags.dbDSN == config.DatabaseURL && config.DatabaseURL == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "dsn_updated", true, "old_state_dir", config.StateDir, "new_state_dir", *flags.stateDir)
	}

	return flags
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	// Ensure state directory exists if we're using a file-based DSN
	if !strings.Contains(*flags.dbDSN, "postgres://") && !strings.Contains(*flags.dbDSN, "host=") {
		stateDir := filepath.Dir(*flags.dbDSN)
		slog.Debug("Creating state directory for file-based database", "state_dir", stateDir)
		if err := os.MkdirAll(stateDir, 0755); err != nil {
			slog.Error("Failed to create state directory", "error", err, "state_dir", stateDir)
			return err
		}
		slog.Debug("State directory created successfully", "state_dir", stateDir)
	}
	return nil
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	var storeOpts []store.Option
	if *flags.dbDSN != "" {
		// Check if it's a PostgreSQL DSN using the shared detection function
		if store.DetectDSNType(*flags.dbDSN) == "postgres" {
			slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql", "dsn_set", true)
			storeOpts = append(storeOpts, store.WithPostgresDSN(*flags.dbDSN))
		} else {
			// Assume SQLite for file paths
			slog.Debug("Detected SQLite DSN, configuring SQLite store", "dsn_type", "sqlite", "db_path", *flags.dbDSN)
			storeOpts = append(storeOpts, store.WithSQLiteDSN(*flags.dbDSN))
		}
	} else {
		slog.Debug("No database DSN provided, will use in-memory store")
	}
	return storeOpts
}

// buildClientOptions constructs meal API client configuration options
func buildClientOptions(flags Flags) []mealapi.Option {
	var clientOpts []mealapi.Option
	if *flags.apiBaseURL != "" {
		clientOpts = append(clientOpts, mealapi.WithBaseURL(*flags.apiBaseURL))
	}
	if *flags.apiToken != "" {
		clientOpts = append(clientOpts, mealapi.WithAuth(auth.StaticToken(*flags.apiToken)))
	}
	return clientOpts
}

// buildNotifyOptions constructs notification channel configuration options
func buildNotifyOptions() []notify.Option {
	var notifyOpts []notify.Option
	if ttl := util.ParseDurationEnv("NOTIFICATION_TTL", 0); ttl > 0 {
		notifyOpts = append(notifyOpts, notify.WithTTL(ttl))
	}
	if window := util.ParseDurationEnv("NOTIFICATION_THROTTLE", 0); window > 0 {
		notifyOpts = append(notifyOpts, notify.WithThrottleWindow(window))
	}
	return notifyOpts
}

// buildGenerationOptions constructs orchestrator configuration options
func buildGenerationOptions() []generation.Option {
	var genOpts []generation.Option
	initial := util.ParseDurationEnv("POLL_INITIAL_DELAY", generation.DefaultInitialDelay)
	interval := util.ParseDurationEnv("POLL_INTERVAL", generation.DefaultPollInterval)
	if initial != generation.DefaultInitialDelay || interval != generation.DefaultPollInterval {
		genOpts = append(genOpts, generation.WithPollCadence(initial, interval))
	}
	if maxWait := util.ParseDurationEnv("GENERATION_TIMEOUT", 0); maxWait > 0 {
		genOpts = append(genOpts, generation.WithMaxWait(maxWait))
	}
	return genOpts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags) []api.Option {
	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	if *flags.purgeCron != "" {
		apiOpts = append(apiOpts, api.WithPurgeCron(*flags.purgeCron))
	}
	return apiOpts
}
