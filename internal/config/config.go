package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// AppConfig is the full runtime configuration. Values come from an optional
// YAML file and are then overridden by environment variables.
type AppConfig struct {
	Service      ServiceConfig      `yaml:"service"`
	Backend      BackendConfig      `yaml:"backend"`
	Retry        RetryConfig        `yaml:"retry"`
	Polling      PollingConfig      `yaml:"polling"`
	Confirmation ConfirmationConfig `yaml:"confirmation"`
	Disbursement DisbursementConfig `yaml:"disbursement"`
	Store        StoreConfig        `yaml:"store"`
	Chain        ChainConfig        `yaml:"chain"`
}

type ServiceConfig struct {
	HTTPPort        int           `yaml:"httpPort"`
	DLQPath         string        `yaml:"dlqPath"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	// IntakeSecret verifies payment-status notifications. Empty disables the
	// intake endpoint: it answers 503 to every request.
	IntakeSecret  string        `yaml:"intakeSecret"`
	HMACClockSkew time.Duration `yaml:"hmacClockSkew"`
	// SessionTTL is how long a finished confirmation session stays readable.
	SessionTTL time.Duration `yaml:"sessionTTL"`
	LogFormat  string        `yaml:"logFormat"`
	LogLevel   string        `yaml:"logLevel"`
}

type BackendConfig struct {
	// BaseURL of the remittance REST API. Empty runs against the in-memory fake.
	BaseURL       string        `yaml:"baseUrl"`
	Token         string        `yaml:"token"`
	Timeout       time.Duration `yaml:"timeout"`
	SigningSecret string        `yaml:"signingSecret"`
}

type RetryConfig struct {
	MaxRetries   int           `yaml:"maxRetries"`
	InitialDelay time.Duration `yaml:"initialDelay"`
	MaxDelay     time.Duration `yaml:"maxDelay"`
	Multiplier   float64       `yaml:"multiplier"`
	Jitter       bool          `yaml:"jitter"`
}

type PollingConfig struct {
	Interval    time.Duration `yaml:"interval"`
	MaxDuration time.Duration `yaml:"maxDuration"`
}

type ConfirmationConfig struct {
	PollInterval           time.Duration `yaml:"pollInterval"`
	MaxDuration            time.Duration `yaml:"maxDuration"`
	MaxConsecutiveFailures int           `yaml:"maxConsecutiveFailures"`
}

type DisbursementConfig struct {
	MaxTriggered  int  `yaml:"maxTriggered"`
	VerifyOnchain bool `yaml:"verifyOnchain"`
}

type StoreConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

type ChainConfig struct {
	RPCURL string `yaml:"rpcUrl"`
}

// Defaults returns the configuration used when neither a file nor the
// environment says otherwise.
func Defaults() AppConfig {
	return AppConfig{
		Service: ServiceConfig{
			HTTPPort:        3000,
			DLQPath:         filepath.Join(os.TempDir(), "remitrails-dlq"),
			ShutdownTimeout: 10 * time.Second,
			HMACClockSkew:   time.Minute,
			SessionTTL:      15 * time.Minute,
			LogFormat:       "text",
			LogLevel:        "info",
		},
		Backend: BackendConfig{
			Timeout: 15 * time.Second,
		},
		Retry: RetryConfig{
			MaxRetries:   3,
			InitialDelay: time.Second,
			MaxDelay:     10 * time.Second,
			Multiplier:   2,
			Jitter:       true,
		},
		Polling: PollingConfig{
			Interval:    3 * time.Second,
			MaxDuration: 5 * time.Minute,
		},
		Confirmation: ConfirmationConfig{
			PollInterval:           3 * time.Second,
			MaxDuration:            90 * time.Second,
			MaxConsecutiveFailures: 5,
		},
		Disbursement: DisbursementConfig{
			MaxTriggered: 100,
		},
		Store: StoreConfig{
			Driver: "file",
			Path:   filepath.Join(os.TempDir(), "remitrails-state.json"),
		},
	}
}

// Load reads the YAML file at path (REMIT_CONFIG when path is empty; no file
// is fine) and applies environment overrides.
func Load(path string) (*AppConfig, error) {
	cfg := Defaults()

	if path == "" {
		path = os.Getenv("REMIT_CONFIG")
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *AppConfig) {
	cfg.Service.HTTPPort = envOrInt("API_HTTP_PORT", cfg.Service.HTTPPort)
	cfg.Service.DLQPath = envOr("DLQ_PATH", cfg.Service.DLQPath)
	cfg.Service.ShutdownTimeout = envOrDuration("SHUTDOWN_TIMEOUT", cfg.Service.ShutdownTimeout)
	cfg.Service.IntakeSecret = envOr("INTAKE_HMAC_SECRET", cfg.Service.IntakeSecret)
	cfg.Service.HMACClockSkew = envOrDuration("HMAC_CLOCK_SKEW", cfg.Service.HMACClockSkew)
	cfg.Service.SessionTTL = envOrDuration("SESSION_TTL", cfg.Service.SessionTTL)
	cfg.Service.LogFormat = envOr("LOG_FORMAT", cfg.Service.LogFormat)
	cfg.Service.LogLevel = envOr("LOG_LEVEL", cfg.Service.LogLevel)

	cfg.Backend.BaseURL = envOr("BACKEND_BASE_URL", cfg.Backend.BaseURL)
	cfg.Backend.Token = envOr("BACKEND_TOKEN", cfg.Backend.Token)
	cfg.Backend.Timeout = envOrDuration("BACKEND_TIMEOUT", cfg.Backend.Timeout)
	cfg.Backend.SigningSecret = envOr("BACKEND_SIGNING_SECRET", cfg.Backend.SigningSecret)

	cfg.Retry.MaxRetries = envOrInt("RETRY_MAX_RETRIES", cfg.Retry.MaxRetries)
	cfg.Retry.InitialDelay = envOrDuration("RETRY_INITIAL_DELAY", cfg.Retry.InitialDelay)
	cfg.Retry.MaxDelay = envOrDuration("RETRY_MAX_DELAY", cfg.Retry.MaxDelay)

	cfg.Polling.Interval = envOrDuration("POLL_INTERVAL", cfg.Polling.Interval)
	cfg.Polling.MaxDuration = envOrDuration("POLL_MAX_DURATION", cfg.Polling.MaxDuration)

	cfg.Confirmation.PollInterval = envOrDuration("CONFIRM_POLL_INTERVAL", cfg.Confirmation.PollInterval)
	cfg.Confirmation.MaxDuration = envOrDuration("CONFIRM_MAX_DURATION", cfg.Confirmation.MaxDuration)
	cfg.Confirmation.MaxConsecutiveFailures = envOrInt("CONFIRM_MAX_FAILURES", cfg.Confirmation.MaxConsecutiveFailures)

	cfg.Disbursement.MaxTriggered = envOrInt("DISBURSE_MAX_TRIGGERED", cfg.Disbursement.MaxTriggered)
	cfg.Disbursement.VerifyOnchain = envOrBool("DISBURSE_VERIFY_ONCHAIN", cfg.Disbursement.VerifyOnchain)

	cfg.Store.Driver = envOr("STORE_DRIVER", cfg.Store.Driver)
	cfg.Store.Path = envOr("STORE_PATH", cfg.Store.Path)
	cfg.Store.DSN = envOr("STORE_DSN", cfg.Store.DSN)

	cfg.Chain.RPCURL = envOr("CHAIN_RPC_URL", cfg.Chain.RPCURL)
}

func (c *AppConfig) Validate() error {
	var errs []error
	if c.Service.HTTPPort < 0 || c.Service.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("service.httpPort %d out of range", c.Service.HTTPPort))
	}
	switch c.Store.Driver {
	case "memory", "file", "sqlite":
	case "postgres":
		if c.Store.DSN == "" {
			errs = append(errs, errors.New("store.dsn is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q is not one of memory, file, sqlite, postgres", c.Store.Driver))
	}
	if c.Service.SessionTTL <= 0 {
		errs = append(errs, errors.New("service.sessionTTL must be positive"))
	}
	if c.Retry.MaxRetries < 0 {
		errs = append(errs, errors.New("retry.maxRetries must not be negative"))
	}
	if c.Disbursement.VerifyOnchain && c.Chain.RPCURL == "" {
		errs = append(errs, errors.New("chain.rpcUrl is required when disbursement.verifyOnchain is set"))
	}
	return errors.Join(errs...)
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return fallback
}

// envOrDuration accepts Go durations ("90s") or whole seconds ("90").
func envOrDuration(key string, fallback time.Duration) time.Duration {
	val, ok := os.LookupEnv(key)
	if !ok || val == "" {
		return fallback
	}
	if d, err := time.ParseDuration(val); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(val); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

func envOrBool(key string, fallback bool) bool {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		if parsed, err := strconv.ParseBool(val); err == nil {
			return parsed
		}
	}
	return fallback
}
