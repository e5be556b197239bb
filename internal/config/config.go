// Package config provides configuration management for the scavenger services.
// Every recognized option is a typed field loaded from the environment.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds the configuration shared by the miner, merger and importer
type Config struct {
	// Service identification
	ServiceName string `envconfig:"SERVICE_NAME" default:"scavenger"`
	Version     string `envconfig:"VERSION" default:"dev"`
	Environment string `envconfig:"ENVIRONMENT" default:"development"`

	// Remote protocol
	APIURL          string        `envconfig:"API_URL" default:"https://scavenger.prod.gd.midnighttge.io"`
	Network         string        `envconfig:"NETWORK" default:"mainnet"`
	AutoRegister    bool          `envconfig:"AUTO_REGISTER" default:"true"`
	AutoSubmit      bool          `envconfig:"AUTO_SUBMIT" default:"true"`
	BatchSize       int           `envconfig:"BATCH_SIZE" default:"10"`
	SubmissionDelay time.Duration `envconfig:"SUBMISSION_DELAY" default:"2s"`
	RequestTimeout  time.Duration `envconfig:"REQUEST_TIMEOUT" default:"30s"`
	APIRateLimit    float64       `envconfig:"API_RATE_LIMIT" default:"2"`
	APIRateBurst    int           `envconfig:"API_RATE_BURST" default:"4"`

	// Mining
	ChunkSize           int64         `envconfig:"CHUNK_SIZE" default:"100000"`
	MaxAttempts         int64         `envconfig:"MAX_ATTEMPTS" default:"5000000"`
	ProgressInterval    int64         `envconfig:"PROGRESS_INTERVAL" default:"100"`
	StopCheckInterval   int64         `envconfig:"STOP_CHECK_INTERVAL" default:"1000"`
	ExtraDifficultyBits int           `envconfig:"EXTRA_DIFFICULTY_BITS" default:"0"`
	TickInterval        time.Duration `envconfig:"TICK_INTERVAL" default:"1s"`
	DerivationPath      string        `envconfig:"DERIVATION_PATH"`

	// Wallet secrets
	WalletMnemonic   string `envconfig:"WALLET_MNEMONIC"`
	WalletPassphrase string `envconfig:"WALLET_PASSPHRASE" required:"true"`

	// Consolidation
	PayoutAddress    string        `envconfig:"PAYOUT_ADDRESS"`
	MergeMaxRetries  int           `envconfig:"MERGE_MAX_RETRIES" default:"3"`
	MergeBaseDelay   time.Duration `envconfig:"MERGE_BASE_DELAY" default:"2s"`
	MergeWalletDelay time.Duration `envconfig:"MERGE_WALLET_DELAY" default:"1s"`

	// Batch sessions
	BatchMinDelay     time.Duration `envconfig:"BATCH_MIN_DELAY" default:"100ms"`
	BatchMaxDelay     time.Duration `envconfig:"BATCH_MAX_DELAY" default:"10s"`
	BatchInitialDelay time.Duration `envconfig:"BATCH_INITIAL_DELAY" default:"500ms"`
	ImportFile        string        `envconfig:"IMPORT_FILE"`
	ImportSessionKey  string        `envconfig:"IMPORT_SESSION_KEY"`

	// Storage
	StoreDriver string `envconfig:"STORE_DRIVER" default:"sqlite"`
	StoreDSN    string `envconfig:"STORE_DSN" default:"scavenger.db"`

	// Optional integrations; empty disables
	RedisAddr           string   `envconfig:"REDIS_ADDR"`
	RedisPassword       string   `envconfig:"REDIS_PASSWORD"`
	RedisDB             int      `envconfig:"REDIS_DB" default:"0"`
	InfluxURL           string   `envconfig:"INFLUX_URL"`
	InfluxToken         string   `envconfig:"INFLUX_TOKEN"`
	InfluxOrg           string   `envconfig:"INFLUX_ORG" default:"scavenger"`
	InfluxBucket        string   `envconfig:"INFLUX_BUCKET" default:"mining"`
	KafkaBrokers        []string `envconfig:"KAFKA_BROKERS"`
	ZMQProgressEndpoint string   `envconfig:"ZMQ_PROGRESS_ENDPOINT"`

	// Logging
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`
}

// Load loads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{}
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("failed to process env: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// IsTestnet reports whether addresses use the test-network prefix.
func (c *Config) IsTestnet() bool {
	return c.Network == "preprod"
}

func (c *Config) validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("SERVICE_NAME cannot be empty")
	}

	u, err := url.Parse(c.APIURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("API_URL must be an absolute http(s) URL")
	}

	switch c.Network {
	case "mainnet", "preprod":
	default:
		return fmt.Errorf("NETWORK must be mainnet or preprod, got %q", c.Network)
	}

	if c.BatchSize <= 0 {
		return fmt.Errorf("BATCH_SIZE must be positive")
	}

	if c.SubmissionDelay < 0 {
		return fmt.Errorf("SUBMISSION_DELAY cannot be negative")
	}

	if c.ChunkSize <= 0 {
		return fmt.Errorf("CHUNK_SIZE must be positive")
	}

	if c.MaxAttempts <= 0 {
		return fmt.Errorf("MAX_ATTEMPTS must be positive")
	}

	if c.ProgressInterval <= 0 || c.StopCheckInterval <= 0 {
		return fmt.Errorf("PROGRESS_INTERVAL and STOP_CHECK_INTERVAL must be positive")
	}

	if c.ExtraDifficultyBits < 0 || c.ExtraDifficultyBits > 32 {
		return fmt.Errorf("EXTRA_DIFFICULTY_BITS must be between 0 and 32")
	}

	if c.APIRateLimit <= 0 || c.APIRateBurst <= 0 {
		return fmt.Errorf("API_RATE_LIMIT and API_RATE_BURST must be positive")
	}

	if c.MergeMaxRetries < 1 {
		return fmt.Errorf("MERGE_MAX_RETRIES must be at least 1")
	}

	if c.BatchMinDelay <= 0 || c.BatchMaxDelay < c.BatchMinDelay {
		return fmt.Errorf("BATCH_MIN_DELAY must be positive and not above BATCH_MAX_DELAY")
	}

	if c.BatchInitialDelay < c.BatchMinDelay || c.BatchInitialDelay > c.BatchMaxDelay {
		return fmt.Errorf("BATCH_INITIAL_DELAY must lie between BATCH_MIN_DELAY and BATCH_MAX_DELAY")
	}

	switch c.StoreDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("STORE_DRIVER must be sqlite or postgres, got %q", c.StoreDriver)
	}

	if c.StoreDSN == "" {
		return fmt.Errorf("STORE_DSN cannot be empty")
	}

	if c.PayoutAddress != "" {
		prefix := "addr1"
		if c.IsTestnet() {
			prefix = "addr_test1"
		}
		if !strings.HasPrefix(c.PayoutAddress, prefix) {
			return fmt.Errorf("PAYOUT_ADDRESS must be a %s address", c.Network)
		}
	}

	return nil
}
