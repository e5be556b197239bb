// Package main implements the scavenger miner service.
// It mines one job at a time in bounded chunks and submits found solutions.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bardlex/scavenger/internal/config"
	"github.com/bardlex/scavenger/internal/database"
	"github.com/bardlex/scavenger/internal/messaging"
	"github.com/bardlex/scavenger/internal/miner"
	"github.com/bardlex/scavenger/internal/model"
	"github.com/bardlex/scavenger/internal/pow"
	"github.com/bardlex/scavenger/internal/progress"
	"github.com/bardlex/scavenger/internal/scavenger"
	"github.com/bardlex/scavenger/internal/submission"
	"github.com/bardlex/scavenger/internal/wallet"
	"github.com/bardlex/scavenger/pkg/log"
)

// accountPath is the external chain wallets are numbered under when a master
// mnemonic is configured.
const accountPath = "m/1852'/1815'/0'/0"

// challengeTTL bounds how long a cached challenge is served.
const challengeTTL = time.Minute

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting miner",
		"version", cfg.Version,
		"network", cfg.Network,
		"api_url", cfg.APIURL,
		"chunk_size", cfg.ChunkSize,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	vault, err := wallet.NewVault(cfg.WalletPassphrase, wallet.DefaultVaultParams())
	if err != nil {
		logger.WithError(err).Error("failed to create wallet vault")
		os.Exit(1)
	}

	db, err := database.NewManager(ctx, database.NewConfig(cfg), vault, logger)
	if err != nil {
		logger.WithError(err).Error("failed to open database")
		os.Exit(1)
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
	sinks := progress.Multi{progress.NewLogSink(logger), progress.NewStoreSink(db)}
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
			os.Exit(1)
		}
		defer zmqPub.Close()
		sinks = append(sinks, progress.NewPublisherSink(zmqPub, logger))
	}

	m, err := NewMiner(cfg, logger, db, client, sinks, events)
	if err != nil {
		logger.WithError(err).Error("failed to create miner")
		os.Exit(1)
	}

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Start the miner
	go func() {
		if err := m.Start(ctx); err != nil && ctx.Err() == nil {
			logger.WithError(err).Error("miner failed")
		}
	}()

	// Wait for shutdown signal
	<-sigChan
	logger.Info("shutdown signal received")
	cancel()

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := m.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("shutdown failed")
		os.Exit(1)
	}

	logger.Info("miner stopped")
}

// JobStore is what the scheduler reads to pick work; *database.Manager
// satisfies it.
type JobStore interface {
	miner.Store
	submission.Store
	ListRunnableJobs(ctx context.Context, limit int) ([]*model.MiningJob, error)
	CountJobs(ctx context.Context) (int64, error)
	JobStatus(ctx context.Context, jobID int64) *database.JobStatus
	Status(ctx context.Context) *database.Status
}

// Metrics is the observation surface shared by the worker and submitter.
type Metrics interface {
	miner.Metrics
	submission.Metrics
}

// remote routes challenge reads through the cache and everything else to the
// protocol client.
type remote struct {
	*scavenger.Client
	challenges scavenger.ChallengeSource
}

func (r remote) GetChallenge(ctx context.Context) (*model.Challenge, error) {
	return r.challenges.GetChallenge(ctx)
}

// Miner schedules mining chunks and submissions.
type Miner struct {
	cfg       *config.Config
	logger    *log.Logger
	jobs      JobStore
	worker    *miner.Worker
	submitter *submission.Submitter
	indexed   bool // wallets come from the master mnemonic

	done chan struct{}
	quit chan struct{}
}

// NewMiner wires the worker and, when AutoSubmit is set, the submitter.
// events may be nil.
func NewMiner(cfg *config.Config, logger *log.Logger, db *database.Manager, client *scavenger.Client, sink progress.Sink, events messaging.Publisher) (*Miner, error) {
	network := model.Network(cfg.Network)
	deriver, err := wallet.NewDeriver(network, cfg.WalletMnemonic)
	if err != nil {
		return nil, err
	}
	signer, err := wallet.NewCIP8Signer()
	if err != nil {
		return nil, err
	}

	r := remote{
		Client:     client,
		challenges: scavenger.NewCachedChallenges(client, db.ChallengeCache(), challengeTTL, logger),
	}
	return newMiner(cfg, logger, db, db, r, deriver, signer, sink, events), nil
}

func newMiner(cfg *config.Config, logger *log.Logger, jobs JobStore, metrics Metrics, r miner.Remote,
	wallets miner.WalletSource, signer wallet.Signer, sink progress.Sink, events messaging.Publisher) *Miner {
	worker := miner.NewWorker(miner.Config{
		ChunkSize:           cfg.ChunkSize,
		MaxAttempts:         cfg.MaxAttempts,
		ProgressInterval:    cfg.ProgressInterval,
		StopCheckInterval:   cfg.StopCheckInterval,
		ExtraDifficultyBits: cfg.ExtraDifficultyBits,
		AutoRegister:        cfg.AutoRegister,
		DerivationPath:      cfg.DerivationPath,
	}, jobs, r, wallets, signer, miner.Options{
		Hashers:  pow.NewHasherCache(pow.Blake2bFactory),
		Progress: sink,
		Metrics:  metrics,
		Events:   events,
		Logger:   logger,
	})

	m := &Miner{
		cfg:     cfg,
		logger:  logger.WithComponent("scheduler"),
		jobs:    jobs,
		worker:  worker,
		indexed: cfg.WalletMnemonic != "",
		done:    make(chan struct{}),
		quit:    make(chan struct{}),
	}
	if cfg.AutoSubmit {
		if submitter, ok := r.(scavenger.SolutionSubmitter); ok {
			m.submitter = submission.NewSubmitter(jobs, submitter, cfg.SubmissionDelay, metrics, events, logger)
		}
	}
	return m
}

// Start runs one scheduling pass per tick until ctx is done or Shutdown is
// called.
func (m *Miner) Start(ctx context.Context) error {
	defer close(m.quit)
	m.logger.Info("miner starting", "tick_interval", m.cfg.TickInterval, "auto_submit", m.submitter != nil)

	ticker := time.NewTicker(m.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.done:
			return nil
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

// Shutdown stops the loop and waits for the running chunk to finish.
func (m *Miner) Shutdown(ctx context.Context) error {
	m.logger.Info("shutting down miner")
	close(m.done)

	select {
	case <-m.quit:
	case <-ctx.Done():
		return ctx.Err()
	}
	m.worker.Close()
	m.logger.Info("store status", m.jobs.Status(ctx).Fields()...)
	return nil
}

// tick mines one chunk of the oldest runnable job, creating a job when none
// is runnable, then submits pending solutions.
func (m *Miner) tick(ctx context.Context) {
	jobID, err := m.nextJob(ctx)
	if err != nil {
		m.logger.WithError(err).Warn("failed to schedule job")
		return
	}

	res := m.worker.ProcessJobChunk(ctx, jobID, m.cfg.ChunkSize)
	if res.Err != nil {
		m.logger.WithError(res.Err).Warn("chunk failed", "job_id", jobID, "outcome", res.Outcome.String())
	}
	if res.Outcome == miner.Completed || res.Outcome == miner.SolutionFound {
		js := m.jobs.JobStatus(ctx, jobID)
		m.logger.Info("job finished",
			"job_id", jobID,
			"outcome", res.Outcome.String(),
			"attempts", res.AttemptsDone,
			"avg_hashrate", js.AverageHashrate,
			"hashrate_samples", len(js.History),
		)
	}

	if m.submitter == nil || ctx.Err() != nil {
		return
	}
	summary, err := m.submitter.SubmitPending(ctx, m.cfg.BatchSize)
	if err != nil {
		m.logger.WithError(err).Warn("submission pass aborted")
		return
	}
	if len(summary.Results) > 0 {
		m.logger.Info("submission pass finished",
			"confirmed", summary.Confirmed,
			"failed", summary.Failed,
			"retry", summary.Retry,
		)
	}
}

func (m *Miner) nextJob(ctx context.Context) (int64, error) {
	runnable, err := m.jobs.ListRunnableJobs(ctx, 1)
	if err != nil {
		return 0, err
	}
	if len(runnable) > 0 {
		return runnable[0].ID, nil
	}

	path, err := m.nextPath(ctx)
	if err != nil {
		return 0, err
	}
	return m.worker.StartJob(ctx, path, 0)
}

// nextPath gives every job its own wallet. With a master mnemonic the path
// index is the number of jobs created so far; otherwise each wallet gets a
// fresh mnemonic and the configured path is reused.
func (m *Miner) nextPath(ctx context.Context) (string, error) {
	if !m.indexed {
		return m.cfg.DerivationPath, nil
	}
	n, err := m.jobs.CountJobs(ctx)
	if err != nil {
		return "", err
	}
	base := m.cfg.DerivationPath
	if base == "" {
		base = accountPath
	}
	return fmt.Sprintf("%s/%d", base, n), nil
}
