package config

import (
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		envVars map[string]string
		wantErr bool
	}{
		{
			name:    "defaults with passphrase",
			envVars: map[string]string{"WALLET_PASSPHRASE": "hunter2"},
		},
		{
			name:    "missing passphrase",
			envVars: map[string]string{},
			wantErr: true,
		},
		{
			name: "custom config",
			envVars: map[string]string{
				"WALLET_PASSPHRASE": "hunter2",
				"NETWORK":           "preprod",
				"BATCH_SIZE":        "25",
				"SUBMISSION_DELAY":  "500ms",
				"KAFKA_BROKERS":     "k1:9092,k2:9092",
				"PAYOUT_ADDRESS":    "addr_test1vqexample",
			},
		},
		{
			name:    "invalid network",
			envVars: map[string]string{"WALLET_PASSPHRASE": "x", "NETWORK": "testnet3"},
			wantErr: true,
		},
		{
			name:    "malformed duration",
			envVars: map[string]string{"WALLET_PASSPHRASE": "x", "SUBMISSION_DELAY": "soon"},
			wantErr: true,
		},
		{
			name:    "payout on wrong network",
			envVars: map[string]string{"WALLET_PASSPHRASE": "x", "PAYOUT_ADDRESS": "addr_test1vqexample"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for key, value := range tt.envVars {
				t.Setenv(key, value)
			}

			cfg, err := Load()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Load() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}

			if cfg.ServiceName == "" {
				t.Error("ServiceName should not be empty")
			}
			if cfg.ChunkSize <= 0 {
				t.Error("ChunkSize should be positive")
			}
		})
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("WALLET_PASSPHRASE", "hunter2")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Network != "mainnet" {
		t.Errorf("Expected network mainnet, got %s", cfg.Network)
	}
	if !cfg.AutoRegister || !cfg.AutoSubmit {
		t.Error("Expected AutoRegister and AutoSubmit to default to true")
	}
	if cfg.BatchSize != 10 {
		t.Errorf("Expected BatchSize 10, got %d", cfg.BatchSize)
	}
	if cfg.SubmissionDelay != 2*time.Second {
		t.Errorf("Expected SubmissionDelay 2s, got %v", cfg.SubmissionDelay)
	}
	if cfg.MergeMaxRetries != 3 {
		t.Errorf("Expected MergeMaxRetries 3, got %d", cfg.MergeMaxRetries)
	}
	if cfg.StopCheckInterval != 1000 || cfg.ProgressInterval != 100 {
		t.Errorf("Unexpected intervals: stop=%d progress=%d", cfg.StopCheckInterval, cfg.ProgressInterval)
	}
	if cfg.StoreDriver != "sqlite" {
		t.Errorf("Expected sqlite store, got %s", cfg.StoreDriver)
	}
	if cfg.IsTestnet() {
		t.Error("Expected mainnet not to be testnet")
	}
}

func TestLoad_KafkaBrokers(t *testing.T) {
	t.Setenv("WALLET_PASSPHRASE", "hunter2")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Errorf("Expected two brokers, got %v", cfg.KafkaBrokers)
	}
}

func validConfig() Config {
	return Config{
		ServiceName:       "test",
		APIURL:            "https://example.invalid",
		Network:           "mainnet",
		BatchSize:         10,
		ChunkSize:         1000,
		MaxAttempts:       10000,
		ProgressInterval:  100,
		StopCheckInterval: 1000,
		APIRateLimit:      2,
		APIRateBurst:      4,
		MergeMaxRetries:   3,
		BatchMinDelay:     100 * time.Millisecond,
		BatchMaxDelay:     10 * time.Second,
		BatchInitialDelay: 500 * time.Millisecond,
		StoreDriver:       "sqlite",
		StoreDSN:          "test.db",
	}
}

func TestConfigValidation(t *testing.T) {
	base := validConfig()
	if err := base.validate(); err != nil {
		t.Fatalf("validate() should not fail for valid config: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"empty service", func(c *Config) { c.ServiceName = "" }},
		{"relative api url", func(c *Config) { c.APIURL = "scavenger/api" }},
		{"zero batch size", func(c *Config) { c.BatchSize = 0 }},
		{"negative submission delay", func(c *Config) { c.SubmissionDelay = -time.Second }},
		{"zero chunk", func(c *Config) { c.ChunkSize = 0 }},
		{"zero max attempts", func(c *Config) { c.MaxAttempts = 0 }},
		{"zero stop check", func(c *Config) { c.StopCheckInterval = 0 }},
		{"extra bits too large", func(c *Config) { c.ExtraDifficultyBits = 33 }},
		{"zero merge retries", func(c *Config) { c.MergeMaxRetries = 0 }},
		{"inverted batch delays", func(c *Config) { c.BatchMaxDelay = 50 * time.Millisecond }},
		{"initial delay above ceiling", func(c *Config) { c.BatchInitialDelay = time.Minute }},
		{"unknown driver", func(c *Config) { c.StoreDriver = "mysql" }},
		{"empty dsn", func(c *Config) { c.StoreDSN = "" }},
		{"mainnet payout with test prefix", func(c *Config) { c.PayoutAddress = "addr_test1abc" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			if err := cfg.validate(); err == nil {
				t.Errorf("validate() should fail for %s", tt.name)
			}
		})
	}
}
