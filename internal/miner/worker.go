// Package miner drives mining jobs through bounded, restartable chunks. Each
// call to ProcessJobChunk loads the persisted job, does at most chunkSize
// attempts and checkpoints, so a scheduler can invoke it repeatedly and a
// process restart loses at most one chunk of work.
package miner

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/bardlex/scavenger/internal/messaging"
	"github.com/bardlex/scavenger/internal/model"
	"github.com/bardlex/scavenger/internal/pow"
	"github.com/bardlex/scavenger/internal/progress"
	"github.com/bardlex/scavenger/internal/wallet"
	"github.com/bardlex/scavenger/pkg/errors"
	"github.com/bardlex/scavenger/pkg/log"
)

// Outcome is what a chunk execution leaves the job in.
type Outcome int

const (
	// Continue means the job is still runnable; call again.
	Continue Outcome = iota
	// Completed means the attempt budget ran out without a solution.
	Completed
	// SolutionFound means a nonce passed and the job is complete.
	SolutionFound
	// Halted means the job is stopped or paused.
	Halted
)

// String returns the outcome label.
func (o Outcome) String() string {
	switch o {
	case Continue:
		return "continue"
	case Completed:
		return "completed"
	case SolutionFound:
		return "solution_found"
	case Halted:
		return "halted"
	default:
		return "unknown"
	}
}

// ChunkResult reports one chunk execution. Err is set when a sub-step failed;
// the job is left runnable and the next call retries that sub-step.
type ChunkResult struct {
	JobID        int64
	Outcome      Outcome
	Status       model.JobStatus
	Attempts     int64 // attempts made in this chunk
	AttemptsDone int64
	SolutionID   int64
	Nonce        string
	Hashrate     float64
	Err          error
}

// Config holds the worker's tuning.
type Config struct {
	ChunkSize           int64
	MaxAttempts         int64
	ProgressInterval    int64
	StopCheckInterval   int64
	ExtraDifficultyBits int
	AutoRegister        bool
	DerivationPath      string
}

// Options are the optional collaborators of a Worker.
type Options struct {
	Nonces   NonceSource
	Hashers  *pow.HasherCache
	Progress progress.Sink
	Metrics  Metrics
	Events   messaging.Publisher
	Logger   *log.Logger
}

// Worker owns the search loop and the job state machine.
type Worker struct {
	cfg     Config
	store   Store
	remote  Remote
	wallets WalletSource
	signer  wallet.Signer

	nonces   NonceSource
	hashers  *pow.HasherCache
	progress progress.Sink
	metrics  Metrics
	events   messaging.Publisher
	logger   *log.Logger
	now      func() time.Time
}

// NewWorker creates a worker. Zero intervals fall back to 100 attempts
// between progress records and 1000 between control polls.
func NewWorker(cfg Config, store Store, remote Remote, wallets WalletSource, signer wallet.Signer, opts Options) *Worker {
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = 100
	}
	if cfg.StopCheckInterval <= 0 {
		cfg.StopCheckInterval = 1000
	}
	if opts.Nonces == nil {
		opts.Nonces = randomNonces{}
	}
	if opts.Hashers == nil {
		opts.Hashers = pow.NewHasherCache(nil)
	}
	if opts.Progress == nil {
		opts.Progress = progress.Nop{}
	}
	if opts.Metrics == nil {
		opts.Metrics = nopMetrics{}
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}

	return &Worker{
		cfg:      cfg,
		store:    store,
		remote:   remote,
		wallets:  wallets,
		signer:   signer,
		nonces:   opts.Nonces,
		hashers:  opts.Hashers,
		progress: opts.Progress,
		metrics:  opts.Metrics,
		events:   opts.Events,
		logger:   opts.Logger.WithComponent("miner"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Close releases the cached hasher.
func (w *Worker) Close() {
	w.hashers.Close()
}

// StartJob creates a pending job and returns its id. An empty path uses the
// configured path, then wallet.DefaultPath; maxAttempts <= 0 uses the
// configured budget.
func (w *Worker) StartJob(ctx context.Context, derivationPath string, maxAttempts int64) (int64, error) {
	if derivationPath == "" {
		derivationPath = w.cfg.DerivationPath
	}
	if derivationPath == "" {
		derivationPath = wallet.DefaultPath
	}
	if _, err := wallet.ParsePath(derivationPath); err != nil {
		return 0, err
	}
	if maxAttempts <= 0 {
		maxAttempts = w.cfg.MaxAttempts
	}
	if maxAttempts <= 0 {
		return 0, errors.Input("start_job", "max attempts must be positive")
	}

	job := &model.MiningJob{
		DerivationPath: derivationPath,
		MaxAttempts:    maxAttempts,
		Status:         model.JobPending,
	}
	if err := w.store.CreateJob(ctx, job); err != nil {
		return 0, err
	}

	w.logger.WithJob(job.ID, derivationPath).Info("job created", "max_attempts", maxAttempts)
	return job.ID, nil
}

// StopJob requests a stop. The running chunk honors it at its next control
// poll; a paused job stops immediately. Stopping a finished job is a no-op.
func (w *Worker) StopJob(ctx context.Context, jobID int64) error {
	job, err := w.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return nil
	}
	if job.Status == model.JobPaused {
		return w.halt(ctx, job, model.ControlStop)
	}
	return w.store.SetJobControl(ctx, jobID, model.ControlStop)
}

// PauseJob requests a pause, honored at the next control poll.
func (w *Worker) PauseJob(ctx context.Context, jobID int64) error {
	job, err := w.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	switch job.Status {
	case model.JobPending, model.JobRunning:
		return w.store.SetJobControl(ctx, jobID, model.ControlPause)
	case model.JobPaused:
		return nil
	default:
		return errors.Newf(errors.ErrorTypeState, "pause_job", "job %d is %s", jobID, job.Status)
	}
}

// ResumeJob makes a paused job runnable again.
func (w *Worker) ResumeJob(ctx context.Context, jobID int64) error {
	job, err := w.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != model.JobPaused {
		return errors.Newf(errors.ErrorTypeState, "resume_job", "job %d is %s, not paused", jobID, job.Status)
	}

	job.Status = model.JobRunning
	if job.StartedAt == nil {
		job.Status = model.JobPending
	}
	if err := w.store.SetJobControl(ctx, jobID, model.ControlNone); err != nil {
		return err
	}
	return w.store.SaveJob(ctx, job)
}

// ProcessJobChunk runs at most chunkSize attempts of job jobID. A chunkSize
// <= 0 uses the configured chunk size. It never panics and never marks the
// job terminal because of an error.
func (w *Worker) ProcessJobChunk(ctx context.Context, jobID, chunkSize int64) (res *ChunkResult) {
	res = &ChunkResult{JobID: jobID, Outcome: Continue}
	logger := w.logger.WithFields("job_id", jobID)

	defer func() {
		if r := recover(); r != nil {
			err := errors.New(errors.ErrorTypeInternal, "process_job_chunk", fmt.Sprintf("panic: %v", r))
			logger.WithError(err).Error("chunk panicked")
			res = &ChunkResult{JobID: jobID, Outcome: Continue, Status: res.Status, AttemptsDone: res.AttemptsDone, Err: err}
		}
	}()

	if chunkSize <= 0 {
		chunkSize = w.cfg.ChunkSize
	}
	if chunkSize <= 0 {
		res.Err = errors.Input("process_job_chunk", "chunk size must be positive")
		return res
	}

	job, err := w.store.GetJob(ctx, jobID)
	if err != nil {
		res.Err = err
		return res
	}
	res.Status, res.AttemptsDone, res.SolutionID = job.Status, job.AttemptsDone, job.SolutionID
	logger = logger.WithJob(job.ID, job.DerivationPath)

	if job.Status.IsTerminal() {
		res.Outcome = finishedOutcome(job)
		return res
	}
	if job.Control != model.ControlNone {
		if err := w.halt(ctx, job, job.Control); err != nil {
			res.Err = err
			return res
		}
		res.Outcome, res.Status = Halted, job.Status
		return res
	}
	if job.Status == model.JobPaused {
		res.Outcome = Halted
		return res
	}

	if job.Status == model.JobPending {
		now := w.now()
		job.Status = model.JobRunning
		job.StartedAt = &now
		if err := w.store.SaveJob(ctx, job); err != nil {
			res.Err = err
			return res
		}
		res.Status = job.Status
	}

	wal, err := w.ensureWallet(ctx, job, logger)
	if err != nil {
		return w.abort(ctx, job, res, err, "wallet setup failed", logger)
	}
	logger = logger.WithWallet(wal.Address)

	ch, err := w.remote.GetChallenge(ctx)
	if err != nil {
		return w.abort(ctx, job, res, err, "challenge fetch failed", logger)
	}
	if err := w.store.SaveChallenge(ctx, ch); err != nil {
		return w.abort(ctx, job, res, err, "challenge save failed", logger)
	}

	return w.search(ctx, job, wal, ch, chunkSize, res, logger)
}

func finishedOutcome(job *model.MiningJob) Outcome {
	switch {
	case job.Status == model.JobStopped:
		return Halted
	case job.SolutionID != 0:
		return SolutionFound
	default:
		return Completed
	}
}

// search is the nonce loop. It is sequential: nonces are tried in the order
// the source yields them until a pass, budget exhaustion, a control request
// or the end of the chunk.
func (w *Worker) search(ctx context.Context, job *model.MiningJob, wal *model.Wallet, ch *model.Challenge,
	chunkSize int64, res *ChunkResult, logger *log.Logger) *ChunkResult {
	hasher, err := w.hashers.Get(ch)
	if err != nil {
		return w.abort(ctx, job, res, err, "hasher init failed", logger)
	}
	eval, err := pow.NewEvaluator(ch.Difficulty, w.cfg.ExtraDifficultyBits)
	if err != nil {
		return w.abort(ctx, job, res, err, "invalid difficulty", logger)
	}
	tmpl, err := pow.NewTemplate(wal.Address, ch.ChallengeID, ch.Difficulty, ch.NoPreMine, ch.LatestSubmission, ch.NoPreMineHour)
	if err != nil {
		return w.abort(ctx, job, res, err, "invalid preimage fields", logger)
	}

	// A pass whose solution could not be saved is left as the current
	// nonce. Check it again before drawing new nonces.
	if pre, h, ok := recheck(tmpl, hasher, eval, job.CurrentNonce); ok {
		logger.Info("recovering checkpointed solution", "nonce", job.CurrentNonce)
		res.Nonce = job.CurrentNonce
		return w.solutionFound(ctx, job, wal, ch, pre, h, res, logger)
	}

	budget := min(chunkSize, job.MaxAttempts-job.AttemptsDone)
	start := time.Now()
	buf := make([]byte, 0, 256)
	var (
		attempts int64
		found    []byte
		preimage []byte
	)

	for attempts < budget {
		if attempts > 0 && attempts%w.cfg.StopCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				res.Attempts = attempts
				return w.abort(ctx, job, res, err, "chunk cancelled", logger)
			}
			control, err := w.store.GetJobControl(ctx, job.ID)
			if err != nil {
				res.Attempts = attempts
				return w.abort(ctx, job, res, err, "control poll failed", logger)
			}
			if control != model.ControlNone {
				res.Attempts = attempts
				if err := w.halt(ctx, job, control); err != nil {
					res.Err = err
					return res
				}
				res.Outcome, res.Status, res.AttemptsDone = Halted, job.Status, job.AttemptsDone
				return res
			}
		}

		nonce := fmt.Sprintf("%016x", w.nonces.Uint64())
		pre, err := tmpl.Preimage(buf, nonce)
		if err != nil {
			res.Attempts = attempts
			return w.abort(ctx, job, res, err, "preimage build failed", logger)
		}
		buf = pre

		h, err := hasher.Hash(pre)
		if err != nil {
			res.Attempts = attempts
			return w.abort(ctx, job, res, err, "hash failed", logger)
		}
		ok, err := eval.Check(h)
		if err != nil {
			res.Attempts = attempts
			return w.abort(ctx, job, res, err, "difficulty check failed", logger)
		}

		attempts++
		job.AttemptsDone++
		job.CurrentNonce = nonce

		if ok {
			found, preimage = h, append([]byte(nil), pre...)
			break
		}
		if job.AttemptsDone%w.cfg.ProgressInterval == 0 {
			w.progress.Report(ctx, progress.JobEvent(job.ID, "mining", job.AttemptsDone, job.MaxAttempts,
				rate(attempts, time.Since(start))))
		}
	}

	res.Attempts = attempts
	res.Hashrate = rate(attempts, time.Since(start))
	res.Nonce = job.CurrentNonce

	if found != nil {
		return w.solutionFound(ctx, job, wal, ch, preimage, found, res, logger)
	}

	job.ErrorMessage = ""
	outcome := Continue
	if job.AttemptsDone >= job.MaxAttempts {
		now := w.now()
		job.Status = model.JobCompleted
		job.CompletedAt = &now
		outcome = Completed
	}
	if err := w.store.SaveJob(ctx, job); err != nil {
		res.Err = err
		return res
	}

	res.Outcome, res.Status, res.AttemptsDone = outcome, job.Status, job.AttemptsDone
	if outcome == Completed {
		logger.Info("attempt budget exhausted", "attempts_done", job.AttemptsDone)
		w.progress.Report(ctx, progress.JobEvent(job.ID, "budget exhausted", job.AttemptsDone, job.MaxAttempts, res.Hashrate))
	}
	return res
}

// recheck reports whether nonce passes the current challenge, returning the
// preimage and hash when it does. An empty nonce never passes.
func recheck(tmpl *pow.Template, hasher pow.Hasher, eval *pow.Evaluator, nonce string) ([]byte, []byte, bool) {
	if nonce == "" {
		return nil, nil, false
	}
	pre, err := tmpl.Preimage(nil, nonce)
	if err != nil {
		return nil, nil, false
	}
	h, err := hasher.Hash(pre)
	if err != nil {
		return nil, nil, false
	}
	ok, err := eval.Check(h)
	if err != nil || !ok {
		return nil, nil, false
	}
	return pre, h, true
}

func (w *Worker) solutionFound(ctx context.Context, job *model.MiningJob, wal *model.Wallet, ch *model.Challenge,
	preimage, hash []byte, res *ChunkResult, logger *log.Logger) *ChunkResult {
	sol := &model.Solution{
		WalletID:    wal.ID,
		ChallengeID: ch.ChallengeID,
		Nonce:       job.CurrentNonce,
		Preimage:    string(preimage),
		HashResult:  hex.EncodeToString(hash),
		Difficulty:  ch.Difficulty,
		Status:      model.SubmissionPending,
		FoundAt:     w.now(),
	}
	if err := w.store.CreateSolution(ctx, sol); err != nil {
		// Keep the job runnable; the attempts are checkpointed so the budget
		// still shrinks.
		return w.abort(ctx, job, res, err, "solution save failed", logger)
	}

	now := w.now()
	job.Status = model.JobCompleted
	job.SolutionID = sol.ID
	job.CompletedAt = &now
	job.ErrorMessage = ""
	if err := w.store.SaveJob(ctx, job); err != nil {
		res.Err = err
		return res
	}

	logger.LogSolutionFound(wal.Address, ch.ChallengeID, sol.Nonce, job.AttemptsDone)
	w.metrics.SolutionFound(ch, job.AttemptsDone)
	w.progress.Report(ctx, progress.JobEvent(job.ID, "solution found", job.AttemptsDone, job.MaxAttempts, res.Hashrate))
	w.publish(ctx, messaging.SolutionEvent{
		SolutionID:  sol.ID,
		JobID:       job.ID,
		Address:     wal.Address,
		ChallengeID: ch.ChallengeID,
		Nonce:       sol.Nonce,
		HashResult:  sol.HashResult,
		Status:      string(sol.Status),
		Attempts:    job.AttemptsDone,
		At:          sol.FoundAt,
	}, logger)

	res.Outcome, res.Status, res.AttemptsDone, res.SolutionID = SolutionFound, job.Status, job.AttemptsDone, sol.ID
	return res
}

// ensureWallet assigns the job its wallet on first use and registers it.
func (w *Worker) ensureWallet(ctx context.Context, job *model.MiningJob, logger *log.Logger) (*model.Wallet, error) {
	var wal *model.Wallet
	if job.WalletID == 0 {
		derived, err := w.wallets.Derive(job.DerivationPath)
		if err != nil {
			return nil, err
		}
		if err := w.store.CreateWallet(ctx, derived); err != nil {
			return nil, err
		}
		job.WalletID = derived.ID
		if err := w.store.SaveJob(ctx, job); err != nil {
			return nil, err
		}
		logger.Info("wallet assigned", "wallet_id", derived.ID, "address", derived.Address)
		wal = derived
	} else {
		loaded, err := w.store.GetWallet(ctx, job.WalletID)
		if err != nil {
			return nil, err
		}
		wal = loaded
	}

	if wal.IsRegistered() {
		return wal, nil
	}
	if !w.cfg.AutoRegister {
		logger.Warn("wallet is not registered; submissions will be rejected", "address", wal.Address)
		return wal, nil
	}
	if err := w.register(ctx, wal, logger); err != nil {
		return nil, err
	}
	return wal, nil
}

// register signs the terms message and registers the wallet. An
// already-registered response counts as success.
func (w *Worker) register(ctx context.Context, wal *model.Wallet, logger *log.Logger) error {
	terms, err := w.remote.GetTerms(ctx)
	if err != nil {
		return err
	}
	sig, err := w.signer.Sign(terms.Message, wal.PrivateKey, wal.Address, wal.Network)
	if err != nil {
		return err
	}

	result := w.remote.Register(ctx, wal.Address, sig.Signature, sig.PubKey)
	w.metrics.Outcome(ctx, "register", result.Outcome.String(), 1)
	if !result.OK() {
		return result.Err("register_wallet")
	}

	now := w.now()
	if err := w.store.MarkRegistered(ctx, wal.ID, sig.Signature, sig.PubKey, now); err != nil {
		return err
	}
	wal.RegistrationSignature, wal.RegistrationPubKey, wal.RegisteredAt = sig.Signature, sig.PubKey, &now
	logger.Info("wallet registered", "outcome", result.Outcome.String())
	return nil
}

// halt applies a control request and clears it.
func (w *Worker) halt(ctx context.Context, job *model.MiningJob, control model.JobControl) error {
	switch control {
	case model.ControlStop:
		now := w.now()
		job.Status = model.JobStopped
		job.CompletedAt = &now
	case model.ControlPause:
		job.Status = model.JobPaused
	default:
		return errors.Input("apply_control", "unknown control %q", control)
	}
	if err := w.store.SaveJob(ctx, job); err != nil {
		return err
	}
	if err := w.store.SetJobControl(ctx, job.ID, model.ControlNone); err != nil {
		return err
	}
	job.Control = model.ControlNone
	w.logger.WithJob(job.ID, job.DerivationPath).Info("job halted", "status", string(job.Status), "attempts_done", job.AttemptsDone)
	return nil
}

// abort ends the chunk on a failed sub-step. Progress made so far and the
// error text are checkpointed on a context that survives cancellation.
func (w *Worker) abort(ctx context.Context, job *model.MiningJob, res *ChunkResult, cause error, msg string, logger *log.Logger) *ChunkResult {
	logger.WithError(cause).Warn(msg, "attempts_done", job.AttemptsDone)

	job.ErrorMessage = msg + ": " + errors.Reason(cause)
	if err := w.store.SaveJob(context.WithoutCancel(ctx), job); err != nil {
		logger.WithError(err).Error("failed to checkpoint job")
	}

	res.Outcome, res.Status, res.AttemptsDone, res.Err = Continue, job.Status, job.AttemptsDone, cause
	return res
}

func (w *Worker) publish(ctx context.Context, ev messaging.SolutionEvent, logger *log.Logger) {
	if w.events == nil {
		return
	}
	if err := w.events.Publish(ctx, messaging.TopicSolutions, strconv.FormatInt(ev.SolutionID, 10), ev); err != nil {
		logger.WithError(err).Warn("failed to publish solution event")
	}
}

func rate(attempts int64, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}
	return float64(attempts) / elapsed.Seconds()
}
