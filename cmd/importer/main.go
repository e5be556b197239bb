// Package main implements the scavenger importer.
// It loads an external wallet list into a batch session and drives the
// session to completion. An interrupted run is resumed by starting the
// importer again.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/bardlex/scavenger/internal/batch"
	"github.com/bardlex/scavenger/internal/config"
	"github.com/bardlex/scavenger/internal/database"
	"github.com/bardlex/scavenger/internal/merge"
	"github.com/bardlex/scavenger/internal/messaging"
	"github.com/bardlex/scavenger/internal/model"
	"github.com/bardlex/scavenger/internal/progress"
	"github.com/bardlex/scavenger/internal/scavenger"
	"github.com/bardlex/scavenger/internal/wallet"
	"github.com/bardlex/scavenger/pkg/errors"
	"github.com/bardlex/scavenger/pkg/log"
)

const opImport = "import_wallets"

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting importer",
		"version", cfg.Version,
		"network", cfg.Network,
		"import_file", cfg.ImportFile,
		"session_key", cfg.ImportSessionKey,
	)

	// Interrupting checkpoints the session and leaves it resumable
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, cfg, logger)
	stop()

	logger.Info("importer stopped", "exit_code", code)
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
	db.StartPeriodicTasks(ctx)

	client := scavenger.New(scavenger.Config{
		BaseURL:   cfg.APIURL,
		Timeout:   cfg.RequestTimeout,
		RateLimit: cfg.APIRateLimit,
		RateBurst: cfg.APIRateBurst,
		Logger:    logger,
	})

	// Optional event transports
	var events messaging.Publisher
	sinks := progress.Multi{progress.NewLogSink(logger)}
	if len(cfg.KafkaBrokers) > 0 {
		kafkaClient := messaging.NewKafkaClient(cfg.KafkaBrokers, logger)
		defer kafkaClient.Close()
		events = kafkaClient
		sinks = append(sinks, progress.NewPublisherSink(kafkaClient, logger))
	}
	if cfg.ZMQProgressEndpoint != "" {
		zmqPub, err := messaging.NewZMQPublisher(cfg.ZMQProgressEndpoint, logger)
		if err != nil {
			logger.WithError(err).Error("failed to bind progress feed")
			return 1
		}
		defer zmqPub.Close()
		sinks = append(sinks, progress.NewPublisherSink(zmqPub, logger))
	}

	imp, err := NewImporter(cfg, logger, db, client, sinks, events)
	if err != nil {
		logger.WithError(err).Error("failed to create importer")
		return 1
	}

	results, err := imp.Run(ctx)
	for _, p := range results {
		logger.WithSession(p.SessionKey).Info("session finished",
			"status", string(p.Status),
			"processed", p.Processed,
			"total", p.Total,
			"successful", p.Successful,
			"failed", p.Failed,
		)
	}
	if err != nil {
		if ctx.Err() != nil {
			logger.Warn("import interrupted; run again to resume")
			return 130
		}
		logger.WithError(err).Error("import failed")
		return 1
	}
	return 0
}

// Importer turns a wallet list into a batch session and drives sessions to
// completion.
type Importer struct {
	cfg     *config.Config
	logger  *log.Logger
	batches *batch.Manager
}

// NewImporter wires the batch manager over the merge processor. events may
// be nil.
func NewImporter(cfg *config.Config, logger *log.Logger, db *database.Manager, client *scavenger.Client, sink progress.Sink, events messaging.Publisher) (*Importer, error) {
	signer, err := wallet.NewCIP8Signer()
	if err != nil {
		return nil, err
	}

	processor := merge.NewProcessor(merge.Config{
		MaxRetries: cfg.MergeMaxRetries,
		BaseDelay:  cfg.MergeBaseDelay,
	}, db, client, signer, merge.Options{
		Metrics: db,
		Events:  events,
		Logger:  logger,
	})

	batches := batch.NewManager(batch.Config{
		MinDelay:     cfg.BatchMinDelay,
		MaxDelay:     cfg.BatchMaxDelay,
		InitialDelay: cfg.BatchInitialDelay,
	}, db, processor, batch.Options{
		Progress: sink,
		Logger:   logger,
	})

	return &Importer{
		cfg:     cfg,
		logger:  logger.WithComponent("importer"),
		batches: batches,
	}, nil
}

// Run picks the work from configuration: the named session, a new session
// from the import file, or else every resumable session. Sessions run one
// after another; the first error stops the run.
func (i *Importer) Run(ctx context.Context) ([]*batch.Progress, error) {
	var keys []string
	switch {
	case i.cfg.ImportSessionKey != "":
		keys = []string{i.cfg.ImportSessionKey}
	case i.cfg.ImportFile != "":
		key, err := i.Import(ctx, i.cfg.ImportFile)
		if err != nil {
			return nil, err
		}
		keys = []string{key}
	default:
		resumable, err := i.batches.Resumable(ctx)
		if err != nil {
			return nil, err
		}
		for _, p := range resumable {
			keys = append(keys, p.SessionKey)
		}
		i.logger.Info("resuming sessions", "count", len(keys))
	}

	var out []*batch.Progress
	for _, key := range keys {
		p, err := i.batches.Run(ctx, key, i.cfg.BatchSize)
		if p != nil {
			out = append(out, p)
		}
		if err != nil {
			return out, err
		}
	}
	return out, nil
}

// Import creates the session for the wallets in path. Importing the same
// list again returns the existing session.
func (i *Importer) Import(ctx context.Context, path string) (string, error) {
	if i.cfg.PayoutAddress == "" {
		return "", errors.Input(opImport, "PAYOUT_ADDRESS is required to import wallets")
	}
	items, err := LoadItems(path)
	if err != nil {
		return "", err
	}
	key, err := i.batches.CreateSession(ctx, items, i.cfg.PayoutAddress)
	if err != nil {
		return "", err
	}
	i.logger.WithSession(key).Info("wallets imported", "file", path, "items", len(items))
	return key, nil
}

// LoadItems reads a JSON array of wallets.
func LoadItems(path string) ([]model.BatchItem, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, opImport, "failed to read import file")
	}
	var items []model.BatchItem
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, opImport, "import file is not a JSON wallet list")
	}
	if len(items) == 0 {
		return nil, errors.Input(opImport, "import file %s lists no wallets", path)
	}
	return items, nil
}
