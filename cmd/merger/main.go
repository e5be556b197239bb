// Package main implements the scavenger merger.
// It consolidates the rights of every eligible mined wallet into the payout
// address and exits.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/bardlex/scavenger/internal/config"
	"github.com/bardlex/scavenger/internal/database"
	"github.com/bardlex/scavenger/internal/merge"
	"github.com/bardlex/scavenger/internal/messaging"
	"github.com/bardlex/scavenger/internal/model"
	"github.com/bardlex/scavenger/internal/scavenger"
	"github.com/bardlex/scavenger/internal/wallet"
	"github.com/bardlex/scavenger/pkg/log"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.PayoutAddress == "" {
		fmt.Fprintln(os.Stderr, "PAYOUT_ADDRESS is required")
		os.Exit(1)
	}

	// Initialize logger
	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting merger",
		"version", cfg.Version,
		"network", cfg.Network,
		"payout_address", cfg.PayoutAddress,
	)

	// Interrupting stops after the wallet in flight
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, cfg, logger)
	stop()

	logger.Info("merger stopped", "exit_code", code)
	os.Exit(code)
}

func run(ctx context.Context, cfg *config.Config, logger *log.Logger) int {
	vault, err := wallet.NewVault(cfg.WalletPassphrase, wallet.DefaultVaultParams())
	if err != nil {
		logger.WithError(err).Error("failed to create wallet vault")
		return 1
	}

	db, err := database.NewManager(ctx, database.NewConfig(cfg), vault, logger)
	if err != nil {
		logger.WithError(err).Error("failed to open database")
		return 1
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.WithError(err).Warn("failed to close database")
		}
	}()

	client := scavenger.New(scavenger.Config{
		BaseURL:   cfg.APIURL,
		Timeout:   cfg.RequestTimeout,
		RateLimit: cfg.APIRateLimit,
		RateBurst: cfg.APIRateBurst,
		Logger:    logger,
	})

	var events messaging.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		kafkaClient := messaging.NewKafkaClient(cfg.KafkaBrokers, logger)
		defer kafkaClient.Close()
		events = kafkaClient
	}

	m, err := NewMerger(cfg, logger, db, client, events)
	if err != nil {
		logger.WithError(err).Error("failed to create merger")
		return 1
	}

	summary, err := m.Run(ctx)
	if err != nil {
		logger.WithError(err).Error("merge run failed")
		return 1
	}
	if summary.Failed > 0 {
		return 2
	}
	return 0
}

// Merger runs one consolidation pass.
type Merger struct {
	cfg       *config.Config
	logger    *log.Logger
	processor *merge.Processor
	rates     scavenger.RateSource
	counter   merge.SolutionCounter
	status    StatusReader
}

// StatusReader reports store and merge totals; *database.Manager satisfies it.
type StatusReader interface {
	Status(ctx context.Context) *database.Status
}

// NewMerger wires the merge processor. events may be nil.
func NewMerger(cfg *config.Config, logger *log.Logger, db *database.Manager, client *scavenger.Client, events messaging.Publisher) (*Merger, error) {
	signer, err := wallet.NewCIP8Signer()
	if err != nil {
		return nil, err
	}

	processor := merge.NewProcessor(merge.Config{
		MaxRetries:  cfg.MergeMaxRetries,
		BaseDelay:   cfg.MergeBaseDelay,
		WalletDelay: cfg.MergeWalletDelay,
	}, db, client, signer, merge.Options{
		Metrics: db,
		Events:  events,
		Logger:  logger,
	})

	return &Merger{
		cfg:       cfg,
		logger:    logger.WithComponent("merger"),
		processor: processor,
		rates:     client,
		counter:   db,
		status:    db,
	}, nil
}

// Run logs the expected reward and merges every eligible wallet. The
// estimate is informational; failing to price it does not stop the run.
func (m *Merger) Run(ctx context.Context) (*merge.Summary, error) {
	network := model.Network(m.cfg.Network)

	if est, err := merge.EstimateReward(ctx, m.rates, m.counter, network); err != nil {
		m.logger.WithError(err).Warn("reward estimate unavailable")
	} else {
		m.logger.Info("reward estimate",
			"solutions", est.Solutions,
			"total", est.Total,
			"unpriced_days", est.UnpricedDays,
		)
	}

	summary, err := m.processor.MergeAll(ctx, network, m.cfg.PayoutAddress)
	m.logger.Info("merge totals", m.status.Status(context.WithoutCancel(ctx)).Fields()...)
	if summary != nil {
		for _, r := range summary.Results {
			if !r.OK() {
				m.logger.WithWallet(r.OriginalAddress).Warn("wallet not merged",
					"outcome", r.Outcome.String(),
					"retryable", r.Retryable,
					"message", r.Message,
				)
			}
		}
	}
	return summary, err
}
