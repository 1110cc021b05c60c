package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server         ServerConfig
	Database       DatabaseConfig
	Redis          RedisConfig
	Encryption     EncryptionConfig
	Scheduler      SchedulerConfig
	Reconciliation ReconciliationConfig
	Providers      ProvidersConfig
	Firebase       FirebaseConfig
	PubSub         PubSubConfig
	Telemetry      TelemetryConfig
	Log            LogConfig
}

type ServerConfig struct {
	Port         string
	Host         string
	AllowedHosts []string
	// HSTS is set when TLS terminates in front of this process.
	HSTS bool
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig configures the per-connection sync lease. An empty Addr
// selects the in-process lock.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	LeaseTTL time.Duration
}

type EncryptionConfig struct {
	Key string
	// PreviousKeys still open tokens sealed before a rotation.
	PreviousKeys []string
}

type SchedulerConfig struct {
	Enabled                bool
	TickInterval           time.Duration
	BatchSize              int
	CircuitThreshold       int
	DefaultIntervalMinutes int
	MinIntervalMinutes     int
	WarningAfter           time.Duration
	StaleAfter             time.Duration
	StaleRunningAfter      time.Duration
	InitialLookback        time.Duration
	SyncOverlap            time.Duration
	LeaseWait              time.Duration
	WorkerCount            int
	QueueSize              int
	JobTimeout             time.Duration
}

type ReconciliationConfig struct {
	MinScore             float64
	MediumScore          float64
	HighScore            float64
	MaterialityThreshold float64
	CriticalThreshold    float64
}

type ProvidersConfig struct {
	RequestsPerSecond float64
	Plaid             PlaidConfig
	QuickBooks        QuickBooksConfig
	Xero              XeroConfig
	Stripe            StripeConfig
}

type PlaidConfig struct {
	ClientID    string
	Secret      string
	Environment string
}

type QuickBooksConfig struct {
	ClientID      string
	ClientSecret  string
	BaseURL       string
	TokenURL      string
	WebhookSecret string
}

type XeroConfig struct {
	ClientID      string
	ClientSecret  string
	BaseURL       string
	TokenURL      string
	WebhookSecret string
}

type StripeConfig struct {
	APIKey        string
	BaseURL       string
	WebhookSecret string
}

type FirebaseConfig struct {
	CredentialsFile string
	// MessagesFile overrides the built-in alert texts.
	MessagesFile string
}

type PubSubConfig struct {
	ProjectID       string
	Topic           string
	CredentialsFile string
}

type TelemetryConfig struct {
	Enabled      bool
	ServiceName  string
	Environment  string
	OTLPEndpoint string
}

type LogConfig struct {
	Level string
}

var defaults = map[string]any{
	"PORT":                              "8080",
	"HOST":                              "0.0.0.0",
	"SERVER_HSTS":                       "false",
	"DB_HOST":                           "localhost",
	"DB_PORT":                           "5432",
	"DB_USER":                           "ledgerlink",
	"DB_NAME":                           "ledgerlink",
	"DB_SSLMODE":                        "disable",
	"DB_MAX_OPEN_CONNS":                 "25",
	"DB_MAX_IDLE_CONNS":                 "5",
	"DB_CONN_MAX_LIFETIME":              "5m",
	"REDIS_DB":                          "0",
	"REDIS_LEASE_TTL":                   "10m",
	"SCHEDULER_ENABLED":                 "true",
	"SCHEDULER_TICK_INTERVAL":           "60s",
	"SCHEDULER_BATCH_SIZE":              "10",
	"SCHEDULER_CIRCUIT_THRESHOLD":       "5",
	"SCHEDULER_DEFAULT_INTERVAL":        "60",
	"SCHEDULER_MIN_INTERVAL":            "5",
	"SYNC_WARNING_AFTER":                "60m",
	"SYNC_STALE_AFTER":                  "180m",
	"SYNC_STALE_RUNNING_AFTER":          "2h",
	"SYNC_INITIAL_LOOKBACK":             "2160h",
	"SYNC_OVERLAP":                      "72h",
	"SYNC_LEASE_WAIT":                   "30s",
	"SCHEDULER_WORKERS":                 "4",
	"SCHEDULER_QUEUE_SIZE":              "100",
	"SCHEDULER_JOB_TIMEOUT":             "120s",
	"RECONCILIATION_MIN_SCORE":          "0.5",
	"RECONCILIATION_MEDIUM_SCORE":       "0.7",
	"RECONCILIATION_HIGH_SCORE":         "0.9",
	"RECONCILIATION_MATERIALITY":        "100",
	"RECONCILIATION_CRITICAL_THRESHOLD": "1000",
	"PROVIDER_REQUESTS_PER_SECOND":      "5",
	"PLAID_ENVIRONMENT":                 "sandbox",
	"QUICKBOOKS_BASE_URL":               "https://quickbooks.api.intuit.com",
	"QUICKBOOKS_TOKEN_URL":              "https://oauth.platform.intuit.com/oauth2/v1/tokens/bearer",
	"XERO_BASE_URL":                     "https://api.xero.com/api.xro/2.0",
	"XERO_TOKEN_URL":                    "https://identity.xero.com/connect/token",
	"STRIPE_BASE_URL":                   "https://api.stripe.com",
	"OTEL_ENABLED":                      "false",
	"OTEL_SERVICE_NAME":                 "ledgerlink-api",
	"OTEL_ENVIRONMENT":                  "development",
	"OTEL_EXPORTER_ENDPOINT":            "localhost:4317",
	"LOG_LEVEL":                         "info",
}

// Load reads configuration from an optional .env file, an optional YAML file
// named by CONFIG_FILE, and the process environment, in increasing precedence.
func Load() (*Config, error) {
	// Missing .env is normal outside local development.
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	r := reader{v: v}

	cfg := &Config{
		Server: ServerConfig{
			Port:         r.str("PORT"),
			Host:         r.str("HOST"),
			AllowedHosts: r.list("ALLOWED_HOSTS"),
			HSTS:         r.bool("SERVER_HSTS"),
		},
		Database: DatabaseConfig{
			Host:            r.str("DB_HOST"),
			Port:            r.int("DB_PORT"),
			User:            r.str("DB_USER"),
			Password:        r.str("DB_PASSWORD"),
			DBName:          r.str("DB_NAME"),
			SSLMode:         r.str("DB_SSLMODE"),
			MaxOpenConns:    r.int("DB_MAX_OPEN_CONNS"),
			MaxIdleConns:    r.int("DB_MAX_IDLE_CONNS"),
			ConnMaxLifetime: r.duration("DB_CONN_MAX_LIFETIME"),
		},
		Redis: RedisConfig{
			Addr:     r.str("REDIS_ADDR"),
			Password: r.str("REDIS_PASSWORD"),
			DB:       r.int("REDIS_DB"),
			LeaseTTL: r.duration("REDIS_LEASE_TTL"),
		},
		Encryption: EncryptionConfig{
			Key:          r.str("ENCRYPTION_KEY"),
			PreviousKeys: r.list("ENCRYPTION_PREVIOUS_KEYS"),
		},
		Scheduler: SchedulerConfig{
			Enabled:                r.bool("SCHEDULER_ENABLED"),
			TickInterval:           r.duration("SCHEDULER_TICK_INTERVAL"),
			BatchSize:              r.int("SCHEDULER_BATCH_SIZE"),
			CircuitThreshold:       r.int("SCHEDULER_CIRCUIT_THRESHOLD"),
			DefaultIntervalMinutes: r.int("SCHEDULER_DEFAULT_INTERVAL"),
			MinIntervalMinutes:     r.int("SCHEDULER_MIN_INTERVAL"),
			WarningAfter:           r.duration("SYNC_WARNING_AFTER"),
			StaleAfter:             r.duration("SYNC_STALE_AFTER"),
			StaleRunningAfter:      r.duration("SYNC_STALE_RUNNING_AFTER"),
			InitialLookback:        r.duration("SYNC_INITIAL_LOOKBACK"),
			SyncOverlap:            r.duration("SYNC_OVERLAP"),
			LeaseWait:              r.duration("SYNC_LEASE_WAIT"),
			WorkerCount:            r.int("SCHEDULER_WORKERS"),
			QueueSize:              r.int("SCHEDULER_QUEUE_SIZE"),
			JobTimeout:             r.duration("SCHEDULER_JOB_TIMEOUT"),
		},
		Reconciliation: ReconciliationConfig{
			MinScore:             r.float("RECONCILIATION_MIN_SCORE"),
			MediumScore:          r.float("RECONCILIATION_MEDIUM_SCORE"),
			HighScore:            r.float("RECONCILIATION_HIGH_SCORE"),
			MaterialityThreshold: r.float("RECONCILIATION_MATERIALITY"),
			CriticalThreshold:    r.float("RECONCILIATION_CRITICAL_THRESHOLD"),
		},
		Providers: ProvidersConfig{
			RequestsPerSecond: r.float("PROVIDER_REQUESTS_PER_SECOND"),
			Plaid: PlaidConfig{
				ClientID:    r.str("PLAID_CLIENT_ID"),
				Secret:      r.str("PLAID_SECRET"),
				Environment: r.str("PLAID_ENVIRONMENT"),
			},
			QuickBooks: QuickBooksConfig{
				ClientID:      r.str("QUICKBOOKS_CLIENT_ID"),
				ClientSecret:  r.str("QUICKBOOKS_CLIENT_SECRET"),
				BaseURL:       r.str("QUICKBOOKS_BASE_URL"),
				TokenURL:      r.str("QUICKBOOKS_TOKEN_URL"),
				WebhookSecret: r.str("QUICKBOOKS_WEBHOOK_VERIFIER"),
			},
			Xero: XeroConfig{
				ClientID:      r.str("XERO_CLIENT_ID"),
				ClientSecret:  r.str("XERO_CLIENT_SECRET"),
				BaseURL:       r.str("XERO_BASE_URL"),
				TokenURL:      r.str("XERO_TOKEN_URL"),
				WebhookSecret: r.str("XERO_WEBHOOK_KEY"),
			},
			Stripe: StripeConfig{
				APIKey:        r.str("STRIPE_API_KEY"),
				BaseURL:       r.str("STRIPE_BASE_URL"),
				WebhookSecret: r.str("STRIPE_WEBHOOK_SECRET"),
			},
		},
		Firebase: FirebaseConfig{
			CredentialsFile: r.str("FIREBASE_CREDENTIALS_FILE"),
			MessagesFile:    r.str("NOTIFICATION_MESSAGES_FILE"),
		},
		PubSub: PubSubConfig{
			ProjectID:       r.str("PUBSUB_PROJECT_ID"),
			Topic:           r.str("PUBSUB_TOPIC"),
			CredentialsFile: r.str("PUBSUB_CREDENTIALS_FILE"),
		},
		Telemetry: TelemetryConfig{
			Enabled:      r.bool("OTEL_ENABLED"),
			ServiceName:  r.str("OTEL_SERVICE_NAME"),
			Environment:  r.str("OTEL_ENVIRONMENT"),
			OTLPEndpoint: r.str("OTEL_EXPORTER_ENDPOINT"),
		},
		Log: LogConfig{
			Level: r.str("LOG_LEVEL"),
		},
	}

	if r.err != nil {
		return nil, r.err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Encryption.Key == "" {
		return fmt.Errorf("ENCRYPTION_KEY is required")
	}
	if len(c.Encryption.Key) != 32 {
		return fmt.Errorf("ENCRYPTION_KEY must be exactly 32 bytes")
	}

	s := c.Scheduler
	if s.TickInterval <= 0 {
		return fmt.Errorf("SCHEDULER_TICK_INTERVAL must be positive")
	}
	if s.BatchSize <= 0 {
		return fmt.Errorf("SCHEDULER_BATCH_SIZE must be positive")
	}
	if s.CircuitThreshold <= 0 {
		return fmt.Errorf("SCHEDULER_CIRCUIT_THRESHOLD must be positive")
	}
	if s.MinIntervalMinutes <= 0 {
		return fmt.Errorf("SCHEDULER_MIN_INTERVAL must be positive")
	}
	if s.DefaultIntervalMinutes < s.MinIntervalMinutes {
		return fmt.Errorf("SCHEDULER_DEFAULT_INTERVAL must be at least SCHEDULER_MIN_INTERVAL (%d)", s.MinIntervalMinutes)
	}
	if s.StaleAfter < s.WarningAfter {
		return fmt.Errorf("SYNC_STALE_AFTER must not be shorter than SYNC_WARNING_AFTER")
	}

	rc := c.Reconciliation
	if !(rc.MinScore > 0 && rc.MinScore <= rc.MediumScore && rc.MediumScore <= rc.HighScore) {
		return fmt.Errorf("reconciliation score tiers must satisfy 0 < min <= medium <= high")
	}
	if rc.MaterialityThreshold < 0 || rc.CriticalThreshold < rc.MaterialityThreshold {
		return fmt.Errorf("RECONCILIATION_CRITICAL_THRESHOLD must be at least RECONCILIATION_MATERIALITY")
	}

	if c.PubSub.Topic != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("PUBSUB_PROJECT_ID is required when PUBSUB_TOPIC is set")
	}

	return nil
}

func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}

// reader converts viper values and keeps the first conversion error.
type reader struct {
	v   *viper.Viper
	err error
}

func (r *reader) fail(key string, err error) {
	if r.err == nil {
		r.err = fmt.Errorf("invalid %s: %w", key, err)
	}
}

func (r *reader) str(key string) string {
	return strings.TrimSpace(r.v.GetString(key))
}

func (r *reader) list(key string) []string {
	raw := r.str(key)
	if raw == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}

func (r *reader) int(key string) int {
	n, err := strconv.Atoi(r.str(key))
	if err != nil {
		r.fail(key, err)
	}
	return n
}

func (r *reader) float(key string) float64 {
	f, err := strconv.ParseFloat(r.str(key), 64)
	if err != nil {
		r.fail(key, err)
	}
	return f
}

func (r *reader) duration(key string) time.Duration {
	d, err := time.ParseDuration(r.str(key))
	if err != nil {
		r.fail(key, err)
	}
	return d
}

func (r *reader) bool(key string) bool {
	b, err := parseBool(r.str(key))
	if err != nil {
		r.fail(key, err)
	}
	return b
}

var errInvalidBool = errors.New("expected true/false, 1/0 or yes/no")

// parseBool accepts true, false, 1, 0, yes, no (case-insensitive).
func parseBool(value string) (bool, error) {
	switch strings.ToLower(value) {
	case "true", "1", "yes":
		return true, nil
	case "false", "0", "no":
		return false, nil
	default:
		return false, errInvalidBool
	}
}
