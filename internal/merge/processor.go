// Package merge consolidates the rewards of disposable wallets into a payout
// address. Every settlement response is classified as success, idempotent
// success, permanent failure or transient failure; transient failures are
// retried with exponential backoff. A success record is permanent: merging an
// already merged wallet returns success without a network call.
package merge

import (
	"context"
	"fmt"
	"time"

	"github.com/bardlex/scavenger/internal/messaging"
	"github.com/bardlex/scavenger/internal/model"
	"github.com/bardlex/scavenger/internal/scavenger"
	"github.com/bardlex/scavenger/internal/wallet"
	"github.com/bardlex/scavenger/pkg/errors"
	"github.com/bardlex/scavenger/pkg/log"
	"github.com/bardlex/scavenger/pkg/retry"
)

// MessagePrefix precedes the payout address in the signed assignment.
const MessagePrefix = "Assign accumulated rights to: "

// AssignmentMessage returns the message a wallet signs to assign its rewards.
func AssignmentMessage(payout string) string {
	return MessagePrefix + payout
}

// Store is the merge ledger; *database.Manager satisfies it.
type Store interface {
	GetWallet(ctx context.Context, id int64) (*model.Wallet, error)
	GetMerge(ctx context.Context, originalAddress string) (*model.MergeRecord, error)
	SaveMerge(ctx context.Context, rec *model.MergeRecord) (bool, error)
	ListMergeCandidates(ctx context.Context, network model.Network, payout string) ([]*model.Wallet, error)
}

// Metrics records merge observations; *database.Manager satisfies it.
type Metrics interface {
	Outcome(ctx context.Context, operation, outcome string, attempts int)
	Merge(outcome string, attempts, solutionsConsolidated int)
}

// Config holds the retry policy.
type Config struct {
	MaxRetries  int           // attempts per wallet, at least 1
	BaseDelay   time.Duration // backoff after attempt n is 2^(n-1) * BaseDelay
	WalletDelay time.Duration // pause between wallets in MergeAll
}

// Options are the optional collaborators of a Processor.
type Options struct {
	Metrics Metrics
	Events  messaging.Publisher
	Logger  *log.Logger
	// Sleep waits between attempts and wallets; retry.Sleep when nil.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Target is one wallet to consolidate. WalletID is 0 for imported wallets.
type Target struct {
	WalletID   int64
	Address    string
	PrivateKey []byte
	Network    model.Network
	SessionKey string
}

// Attempt is one settlement call in the audit log.
type Attempt struct {
	Number     int
	Outcome    scavenger.Outcome
	StatusCode int
	Reason     string
	Backoff    time.Duration // wait before the next attempt; 0 for the last
	At         time.Time
}

// Result is the outcome of merging one wallet.
type Result struct {
	WalletID              int64
	OriginalAddress       string
	PayoutAddress         string
	Outcome               scavenger.Outcome
	Status                model.MergeStatus
	AlreadyAssigned       bool
	AlreadyMerged         bool // a success record existed; no call was made
	Retryable             bool
	SolutionsConsolidated int
	Message               string
	Attempts              []Attempt
	Err                   error // local failure: bad input, signing, storage
}

// OK reports whether the wallet is merged.
func (r *Result) OK() bool {
	return r.Status == model.MergeSuccess
}

// Summary aggregates a run over many wallets.
type Summary struct {
	Successful      int
	AlreadyAssigned int
	Failed          int
	Skipped         int
	Results         []*Result
}

// Add counts r.
func (s *Summary) Add(r *Result) {
	s.Results = append(s.Results, r)
	switch {
	case r.AlreadyMerged:
		s.Skipped++
	case r.OK() && r.AlreadyAssigned:
		s.AlreadyAssigned++
	case r.OK():
		s.Successful++
	default:
		s.Failed++
	}
}

// Total returns the number of wallets counted.
func (s *Summary) Total() int {
	return len(s.Results)
}

// Processor runs the settlement retry engine.
type Processor struct {
	cfg     Config
	backoff *retry.Config
	store   Store
	settler scavenger.Settler
	signer  wallet.Signer
	metrics Metrics
	events  messaging.Publisher
	logger  *log.Logger
	sleep   func(ctx context.Context, d time.Duration) error
	now     func() time.Time
}

// NewProcessor creates a processor.
func NewProcessor(cfg Config, store Store, settler scavenger.Settler, signer wallet.Signer, opts Options) *Processor {
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 3
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Sleep == nil {
		opts.Sleep = retry.Sleep
	}
	return &Processor{
		cfg:     cfg,
		backoff: retry.SettlementConfig(cfg.MaxRetries, cfg.BaseDelay),
		store:   store,
		settler: settler,
		signer:  signer,
		metrics: opts.Metrics,
		events:  opts.Events,
		logger:  opts.Logger.WithComponent("merge"),
		sleep:   opts.Sleep,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// MergeWallet consolidates a stored wallet into payout.
func (p *Processor) MergeWallet(ctx context.Context, walletID int64, payout string) *Result {
	w, err := p.store.GetWallet(ctx, walletID)
	if err != nil {
		return &Result{WalletID: walletID, PayoutAddress: payout, Status: model.MergeFailed, Outcome: scavenger.PermanentFailure,
			Message: errors.Reason(err), Err: err}
	}
	return p.MergeTarget(ctx, Target{
		WalletID:   w.ID,
		Address:    w.Address,
		PrivateKey: w.PrivateKey,
		Network:    w.Network,
	}, payout)
}

// MergeTarget consolidates one wallet into payout.
func (p *Processor) MergeTarget(ctx context.Context, t Target, payout string) *Result {
	logger := p.logger.WithWallet(t.Address).WithFields("payout_address", payout)
	if t.SessionKey != "" {
		logger = logger.WithSession(t.SessionKey)
	}

	res := &Result{WalletID: t.WalletID, OriginalAddress: t.Address, PayoutAddress: payout}

	if err := p.validate(t, payout); err != nil {
		return p.localFailure(res, err)
	}

	// Read-current-state: a success record is final.
	existing, err := p.store.GetMerge(ctx, t.Address)
	if err != nil {
		return p.localFailure(res, err)
	}
	if existing != nil && existing.Status == model.MergeSuccess {
		logger.Debug("wallet already merged", "merged_at", existing.MergedAt)
		return alreadyMerged(res, existing)
	}

	sig, err := p.signer.Sign(AssignmentMessage(payout), t.PrivateKey, t.Address, t.Network)
	if err != nil {
		res = p.localFailure(res, errors.Wrap(err, errors.ErrorTypeValidation, "sign_assignment", "failed to sign assignment"))
		p.record(ctx, t, res, "", "", logger)
		return res
	}

	settled := p.settle(ctx, t, payout, sig.Signature, res, logger)
	return p.record(ctx, t, res, sig.Signature, settled, logger)
}

// settle calls the endpoint until a non-transient outcome or the retry budget
// runs out. It returns the receipt of a successful call.
func (p *Processor) settle(ctx context.Context, t Target, payout, signature string, res *Result, logger *log.Logger) string {
	for n := 1; n <= p.cfg.MaxRetries; n++ {
		sr := p.settler.Settle(ctx, payout, t.Address, signature)
		if p.metrics != nil {
			p.metrics.Outcome(ctx, "settle", sr.Outcome.String(), n)
		}

		attempt := Attempt{Number: n, Outcome: sr.Outcome, StatusCode: sr.StatusCode, Reason: sr.Reason, At: p.now()}
		res.Outcome = sr.Outcome

		switch sr.Outcome {
		case scavenger.Success:
			res.Attempts = append(res.Attempts, attempt)
			res.Status = model.MergeSuccess
			res.Retryable = false
			res.SolutionsConsolidated = sr.SolutionsConsolidated
			res.Message = ""
			return sr.Receipt
		case scavenger.AlreadyDone:
			res.Attempts = append(res.Attempts, attempt)
			res.Status = model.MergeSuccess
			res.Retryable = false
			res.AlreadyAssigned = true
			res.Message = "already assigned"
			return ""
		case scavenger.PermanentFailure:
			res.Attempts = append(res.Attempts, attempt)
			res.Status = model.MergeFailed
			res.Retryable = false
			res.Message = sr.Reason
			return ""
		}

		res.Status = model.MergeFailed
		res.Retryable = true
		res.Message = fmt.Sprintf("%s (after %d attempts)", sr.Reason, n)
		if n == p.cfg.MaxRetries {
			res.Attempts = append(res.Attempts, attempt)
			break
		}

		attempt.Backoff = p.backoff.Backoff(n)
		res.Attempts = append(res.Attempts, attempt)
		logger.Warn("transient settlement failure, backing off",
			"attempt", n, "reason", sr.Reason, "backoff_ms", attempt.Backoff.Milliseconds())
		if err := p.sleep(ctx, attempt.Backoff); err != nil {
			res.Message = fmt.Sprintf("%s (interrupted after %d attempts)", sr.Reason, n)
			break
		}
	}
	return ""
}

// record persists the ledger entry and reports it. The write only lands if no
// success record appeared meanwhile; otherwise the stored success wins.
func (p *Processor) record(ctx context.Context, t Target, res *Result, signature, receipt string, logger *log.Logger) *Result {
	now := p.now()
	rec := &model.MergeRecord{
		OriginalAddress:       t.Address,
		PayoutAddress:         res.PayoutAddress,
		OriginalWalletID:      t.WalletID,
		Signature:             signature,
		Receipt:               receipt,
		SolutionsConsolidated: res.SolutionsConsolidated,
		Status:                res.Status,
		AlreadyAssigned:       res.AlreadyAssigned,
		Retryable:             res.Retryable,
		Attempts:              len(res.Attempts),
		ErrorMessage:          res.Message,
	}
	if res.Status == model.MergeSuccess {
		rec.MergedAt = &now
	}

	// The remote outcome is already decided; store it even if ctx is done.
	writeCtx := context.WithoutCancel(ctx)
	written, err := p.store.SaveMerge(writeCtx, rec)
	if err != nil {
		logger.WithError(err).Error("failed to record merge outcome")
		res.Err = err
		return res
	}
	if !written {
		existing, err := p.store.GetMerge(writeCtx, t.Address)
		if err != nil {
			res.Err = err
			return res
		}
		if existing != nil {
			logger.Info("concurrent merge already recorded success")
			return alreadyMerged(res, existing)
		}
	}

	label := res.Outcome.String()
	logger.LogMergeOutcome(t.Address, res.PayoutAddress, label, len(res.Attempts), res.Message)
	if p.metrics != nil {
		p.metrics.Merge(label, len(res.Attempts), res.SolutionsConsolidated)
	}
	p.publish(ctx, t, res, logger)
	return res
}

// MergeAll consolidates every eligible wallet on network into payout, oldest
// first, pausing WalletDelay between wallets. It stops early when ctx is done
// and returns what was processed with ctx's error.
func (p *Processor) MergeAll(ctx context.Context, network model.Network, payout string) (*Summary, error) {
	if err := wallet.ValidateAddress(payout, network); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "merge_all", "invalid payout address")
	}

	candidates, err := p.store.ListMergeCandidates(ctx, network, payout)
	if err != nil {
		return nil, err
	}

	logger := p.logger.WithFields("network", string(network), "payout_address", payout)
	logger.Info("merging wallets", "candidates", len(candidates))
	start := time.Now()

	summary := &Summary{}
	for i, w := range candidates {
		if i > 0 {
			if err := p.sleep(ctx, p.cfg.WalletDelay); err != nil {
				logger.Warn("merge run interrupted", "processed", summary.Total(), "remaining", len(candidates)-i)
				return summary, err
			}
		}
		summary.Add(p.MergeTarget(ctx, Target{
			WalletID:   w.ID,
			Address:    w.Address,
			PrivateKey: w.PrivateKey,
			Network:    w.Network,
		}, payout))
	}

	logger.Info("merge run finished",
		"successful", summary.Successful,
		"already_assigned", summary.AlreadyAssigned,
		"failed", summary.Failed,
		"skipped", summary.Skipped,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return summary, nil
}

func (p *Processor) validate(t Target, payout string) error {
	if t.Address == "" {
		return errors.Input("merge_wallet", "original address is required")
	}
	if t.Address == payout {
		return errors.Input("merge_wallet", "wallet %s is the payout address", t.Address)
	}
	if err := wallet.ValidateAddress(payout, t.Network); err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "merge_wallet", "invalid payout address")
	}
	return nil
}

func (p *Processor) localFailure(res *Result, err error) *Result {
	res.Status = model.MergeFailed
	res.Outcome = scavenger.PermanentFailure
	res.Retryable = errors.IsRetryable(err)
	res.Message = errors.Reason(err)
	res.Err = err
	return res
}

func alreadyMerged(res *Result, rec *model.MergeRecord) *Result {
	res.Outcome = scavenger.AlreadyDone
	res.Status = model.MergeSuccess
	res.AlreadyMerged = true
	res.AlreadyAssigned = rec.AlreadyAssigned
	res.Retryable = false
	res.SolutionsConsolidated = rec.SolutionsConsolidated
	res.Message = "already merged"
	res.Err = nil
	return res
}

func (p *Processor) publish(ctx context.Context, t Target, res *Result, logger *log.Logger) {
	if p.events == nil {
		return
	}
	err := p.events.Publish(ctx, messaging.TopicMerges, t.Address, messaging.MergeEvent{
		OriginalAddress:       t.Address,
		PayoutAddress:         res.PayoutAddress,
		Outcome:               res.Outcome.String(),
		Status:                string(res.Status),
		AlreadyAssigned:       res.AlreadyAssigned,
		Retryable:             res.Retryable,
		Attempts:              len(res.Attempts),
		SolutionsConsolidated: res.SolutionsConsolidated,
		Message:               res.Message,
		SessionKey:            t.SessionKey,
		At:                    p.now(),
	})
	if err != nil {
		logger.WithError(err).Warn("failed to publish merge event")
	}
}
