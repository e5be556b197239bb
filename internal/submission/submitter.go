// Package submission moves found solutions through the remote submission
// endpoint: pending → queued → submitted → confirmed, or failed. A solution
// that holds a receipt is never sent again and never reset.
package submission

import (
	"context"
	"strconv"
	"time"

	"github.com/bardlex/scavenger/internal/messaging"
	"github.com/bardlex/scavenger/internal/model"
	"github.com/bardlex/scavenger/internal/scavenger"
	"github.com/bardlex/scavenger/pkg/errors"
	"github.com/bardlex/scavenger/pkg/log"
	"github.com/bardlex/scavenger/pkg/retry"
)

// Store is the persistence the submitter needs; *database.Manager satisfies it.
type Store interface {
	GetSolution(ctx context.Context, id int64) (*model.Solution, error)
	GetWallet(ctx context.Context, id int64) (*model.Wallet, error)
	UpdateSolution(ctx context.Context, sol *model.Solution) error
	ResetSolution(ctx context.Context, id int64) (bool, error)
	ListSolutionsByStatus(ctx context.Context, status model.SubmissionStatus, limit int) ([]*model.Solution, error)
}

// Metrics counts classified calls; *database.Manager satisfies it.
type Metrics interface {
	Outcome(ctx context.Context, operation, outcome string, attempts int)
}

// Result is the outcome of one submission.
type Result struct {
	SolutionID int64
	Outcome    scavenger.Outcome
	Status     model.SubmissionStatus
	Reason     string
	Skipped    bool // no call was made
}

// Summary aggregates a SubmitPending pass.
type Summary struct {
	Confirmed int
	Failed    int
	Retry     int
	Results   []*Result
}

// StaleAfter is how long a solution may sit in submitted without a recorded
// outcome before SubmitPending sends it again.
const StaleAfter = 10 * time.Minute

// Submitter submits solutions one at a time.
type Submitter struct {
	store   Store
	remote  scavenger.SolutionSubmitter
	metrics Metrics
	events  messaging.Publisher
	delay   time.Duration
	stale   time.Duration
	logger  *log.Logger
	sleep   func(ctx context.Context, d time.Duration) error
	now     func() time.Time
}

// NewSubmitter creates a submitter spacing calls in SubmitPending by delay.
// metrics and events may be nil.
func NewSubmitter(store Store, remote scavenger.SolutionSubmitter, delay time.Duration, metrics Metrics, events messaging.Publisher, logger *log.Logger) *Submitter {
	if logger == nil {
		logger = log.Nop()
	}
	return &Submitter{
		store:   store,
		remote:  remote,
		metrics: metrics,
		events:  events,
		delay:   delay,
		stale:   StaleAfter,
		logger:  logger.WithComponent("submitter"),
		sleep:   retry.Sleep,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Submit sends one solution. Confirmed or receipted solutions are skipped.
// Errors are returned only for local failures; remote outcomes are in the
// Result.
func (s *Submitter) Submit(ctx context.Context, solutionID int64) (*Result, error) {
	sol, err := s.store.GetSolution(ctx, solutionID)
	if err != nil {
		return nil, err
	}
	if sol.HasReceipt() || sol.Status == model.SubmissionConfirmed {
		return &Result{SolutionID: sol.ID, Outcome: scavenger.AlreadyDone, Status: sol.Status, Reason: "already confirmed", Skipped: true}, nil
	}
	if sol.Status == model.SubmissionFailed {
		return nil, errors.Newf(errors.ErrorTypeState, "submit_solution", "solution %d failed; reset it before resubmitting", sol.ID)
	}
	return s.submit(ctx, sol)
}

func (s *Submitter) submit(ctx context.Context, sol *model.Solution) (*Result, error) {
	wal, err := s.store.GetWallet(ctx, sol.WalletID)
	if err != nil {
		return nil, err
	}
	logger := s.logger.WithWallet(wal.Address).WithFields("solution_id", sol.ID, "challenge_id", sol.ChallengeID)

	sentAt := s.now()
	sol.Status = model.SubmissionSubmitted
	sol.SubmittedAt = &sentAt
	sol.ErrorMessage = ""
	if err := s.store.UpdateSolution(ctx, sol); err != nil {
		return nil, err
	}

	res := s.remote.SubmitSolution(ctx, wal.Address, sol.ChallengeID, sol.Nonce)
	if s.metrics != nil {
		s.metrics.Outcome(ctx, "submit", res.Outcome.String(), 1)
	}

	switch res.Outcome {
	case scavenger.Success:
		confirmedAt := s.now()
		sol.Status = model.SubmissionConfirmed
		sol.Receipt = res.Receipt
		sol.ConfirmedAt = &confirmedAt
	case scavenger.AlreadyDone:
		confirmedAt := s.now()
		sol.Status = model.SubmissionConfirmed
		sol.ErrorMessage = res.Reason
		sol.ConfirmedAt = &confirmedAt
	case scavenger.PermanentFailure:
		sol.Status = model.SubmissionFailed
		sol.ErrorMessage = res.Reason
	default:
		// The next pass picks it up again.
		sol.Status = model.SubmissionPending
		sol.ErrorMessage = res.Reason
	}

	// Checkpoint the remote outcome even if the caller has gone away.
	if err := s.store.UpdateSolution(context.WithoutCancel(ctx), sol); err != nil {
		return nil, err
	}

	logger.Info("solution submitted", "outcome", res.Outcome.String(), "status", string(sol.Status), "reason", res.Reason)
	s.publish(ctx, sol, wal.Address, res.Reason, logger)

	return &Result{SolutionID: sol.ID, Outcome: res.Outcome, Status: sol.Status, Reason: res.Reason}, nil
}

// SubmitPending submits up to limit pending solutions, oldest first, waiting
// the configured delay between calls. Solutions left in submitted for longer
// than StaleAfter without a receipt are returned to pending first. It stops
// early when ctx is done.
func (s *Submitter) SubmitPending(ctx context.Context, limit int) (*Summary, error) {
	if err := s.recoverStale(ctx, limit); err != nil {
		return nil, err
	}

	pending, err := s.store.ListSolutionsByStatus(ctx, model.SubmissionPending, limit)
	if err != nil {
		return nil, err
	}

	// Claim the batch before the first call.
	for _, sol := range pending {
		sol.Status = model.SubmissionQueued
		if err := s.store.UpdateSolution(ctx, sol); err != nil {
			return nil, err
		}
	}

	summary := &Summary{}
	for i, sol := range pending {
		if i > 0 {
			if err := s.sleep(ctx, s.delay); err != nil {
				s.requeue(pending[i:])
				return summary, err
			}
		}

		res, err := s.submit(ctx, sol)
		if err != nil {
			s.logger.WithError(err).Warn("submission aborted", "solution_id", sol.ID)
			s.requeue(pending[i:])
			return summary, err
		}

		summary.Results = append(summary.Results, res)
		switch res.Status {
		case model.SubmissionConfirmed:
			summary.Confirmed++
		case model.SubmissionFailed:
			summary.Failed++
		default:
			summary.Retry++
		}
	}
	return summary, nil
}

// recoverStale resets submitted solutions whose outcome was never recorded,
// as happens when the process stops mid-call. A resend of a submission that
// did land is answered as already done.
func (s *Submitter) recoverStale(ctx context.Context, limit int) error {
	stuck, err := s.store.ListSolutionsByStatus(ctx, model.SubmissionSubmitted, limit)
	if err != nil {
		return err
	}

	cutoff := s.now().Add(-s.stale)
	for _, sol := range stuck {
		if sol.HasReceipt() || (sol.SubmittedAt != nil && sol.SubmittedAt.After(cutoff)) {
			continue
		}
		ok, err := s.store.ResetSolution(ctx, sol.ID)
		if err != nil {
			return err
		}
		if ok {
			s.logger.Warn("requeued stale submission", "solution_id", sol.ID, "challenge_id", sol.ChallengeID)
		}
	}
	return nil
}

// requeue returns claimed solutions that were not sent to pending.
func (s *Submitter) requeue(sols []*model.Solution) {
	for _, sol := range sols {
		if sol.Status != model.SubmissionQueued {
			continue
		}
		if _, err := s.store.ResetSolution(context.Background(), sol.ID); err != nil {
			s.logger.WithError(err).Warn("failed to requeue solution", "solution_id", sol.ID)
		}
	}
}

// Reset moves a failed or stuck solution back to pending. It refuses any
// solution that holds a receipt or is confirmed.
func (s *Submitter) Reset(ctx context.Context, solutionID int64) error {
	sol, err := s.store.GetSolution(ctx, solutionID)
	if err != nil {
		return err
	}
	if sol.HasReceipt() {
		return errors.Newf(errors.ErrorTypeState, "reset_solution", "solution %d holds a receipt and cannot be reset", solutionID)
	}

	ok, err := s.store.ResetSolution(ctx, solutionID)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Newf(errors.ErrorTypeState, "reset_solution", "solution %d is confirmed and cannot be reset", solutionID)
	}

	s.logger.Info("solution reset", "solution_id", solutionID, "previous_status", string(sol.Status))
	return nil
}

func (s *Submitter) publish(ctx context.Context, sol *model.Solution, address, reason string, logger *log.Logger) {
	if s.events == nil {
		return
	}
	err := s.events.Publish(ctx, messaging.TopicSolutions, strconv.FormatInt(sol.ID, 10), messaging.SolutionEvent{
		SolutionID:  sol.ID,
		Address:     address,
		ChallengeID: sol.ChallengeID,
		Nonce:       sol.Nonce,
		HashResult:  sol.HashResult,
		Status:      string(sol.Status),
		Reason:      reason,
		At:          s.now(),
	})
	if err != nil {
		logger.WithError(err).Warn("failed to publish solution event")
	}
}
