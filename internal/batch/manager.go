// Package batch drives resumable consolidation sessions over externally
// supplied wallets. A session owns a sealed snapshot of its items and records
// every handled address, so an interrupted session resumes with exactly the
// items it has not seen and never counts one twice.
package batch

import (
	"context"
	"encoding/hex"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/bardlex/scavenger/internal/merge"
	"github.com/bardlex/scavenger/internal/model"
	"github.com/bardlex/scavenger/internal/progress"
	"github.com/bardlex/scavenger/internal/scavenger"
	"github.com/bardlex/scavenger/internal/wallet"
	"github.com/bardlex/scavenger/pkg/errors"
	"github.com/bardlex/scavenger/pkg/log"
	"github.com/bardlex/scavenger/pkg/retry"
)

const (
	opCreate  = "create_batch_session"
	opProcess = "process_batch_chunk"

	keyPrefix = "batch_"
)

var (
	errInterrupted = errors.New(errors.ErrorTypeState, "interrupt_session", "session interrupted")
	errCancelled   = errors.New(errors.ErrorTypeState, "cancel_session", "session cancelled")
)

// Store persists sessions; *database.Manager satisfies it.
type Store interface {
	CreateSession(ctx context.Context, sess *model.BatchSession) (bool, error)
	GetSession(ctx context.Context, key string) (*model.BatchSession, error)
	SaveSession(ctx context.Context, sess *model.BatchSession) (bool, error)
	ListResumableSessions(ctx context.Context) ([]*model.BatchSession, error)
}

// Merger consolidates one wallet; *merge.Processor satisfies it.
type Merger interface {
	MergeTarget(ctx context.Context, t merge.Target, payout string) *merge.Result
}

// Config bounds the adaptive delay between items.
type Config struct {
	MinDelay     time.Duration
	MaxDelay     time.Duration
	InitialDelay time.Duration
}

// Options are the optional collaborators of a Manager.
type Options struct {
	Progress progress.Sink
	Logger   *log.Logger
	// Sleep waits between items; retry.Sleep when nil.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Progress is a snapshot of a session.
type Progress struct {
	SessionKey    string
	PayoutAddress string
	Status        model.SessionStatus
	Total         int
	Processed     int
	Successful    int
	Failed        int
	Remaining     int
	Checkpoints   int
	CurrentDelay  time.Duration
	Message       string
	Results       []*merge.Result // items handled by this call
}

// Done reports whether the session accepts no further chunks.
func (p *Progress) Done() bool {
	return !p.Status.IsResumable()
}

// Manager creates and drives batch sessions. Each session is processed by at
// most one call at a time within a Manager.
type Manager struct {
	cfg    Config
	store  Store
	merger Merger
	sink   progress.Sink
	logger *log.Logger
	sleep  func(ctx context.Context, d time.Duration) error
	now    func() time.Time

	mu      sync.Mutex
	running map[string]context.CancelCauseFunc
}

// NewManager creates a session manager.
func NewManager(cfg Config, store Store, merger Merger, opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Progress == nil {
		opts.Progress = progress.Nop{}
	}
	if opts.Sleep == nil {
		opts.Sleep = retry.Sleep
	}
	return &Manager{
		cfg:     cfg,
		store:   store,
		merger:  merger,
		sink:    opts.Progress,
		logger:  opts.Logger.WithComponent("batch"),
		sleep:   opts.Sleep,
		now:     time.Now,
		running: make(map[string]context.CancelCauseFunc),
	}
}

// SessionKey derives the session key from the payout address and the item
// addresses, independent of item order.
func SessionKey(payout string, items []model.BatchItem) string {
	addrs := make([]string, len(items))
	for i, it := range items {
		addrs[i] = it.Address
	}
	slices.Sort(addrs)
	h := chainhash.HashH([]byte(payout + "\n" + strings.Join(addrs, "\n")))
	return keyPrefix + hex.EncodeToString(h[:16])
}

// CreateSession validates items and stores them as a new session. Creating a
// session for the same payout and addresses again returns the existing key
// unchanged, so a re-import resumes instead of starting over.
func (m *Manager) CreateSession(ctx context.Context, items []model.BatchItem, payout string) (string, error) {
	snapshot, err := prepare(items, payout)
	if err != nil {
		return "", err
	}

	key := SessionKey(payout, snapshot)
	logger := m.logger.WithSession(key)

	sess := &model.BatchSession{
		SessionKey:    key,
		PayoutAddress: payout,
		Total:         len(snapshot),
		Items:         snapshot,
		Status:        model.SessionPending,
		CurrentDelay:  m.newDelay(0).Current(),
	}
	created, err := m.store.CreateSession(ctx, sess)
	if err != nil {
		return "", err
	}
	if !created {
		existing, err := m.store.GetSession(ctx, key)
		if err != nil {
			return "", err
		}
		logger.Info("session already exists",
			"status", string(existing.Status), "processed", existing.Processed, "total", existing.Total)
		return key, nil
	}

	logger.Info("session created", "payout_address", payout, "total", sess.Total)
	m.report(ctx, sess, "session created")
	return key, nil
}

// prepare validates items against the payout network and drops repeated
// addresses, keeping the first occurrence.
func prepare(items []model.BatchItem, payout string) ([]model.BatchItem, error) {
	if payout == "" {
		return nil, errors.Input(opCreate, "payout address is required")
	}
	_, network, err := wallet.DecodeAddress(payout)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, opCreate, "invalid payout address")
	}
	if len(items) == 0 {
		return nil, errors.Input(opCreate, "no items to process")
	}

	seen := make(map[string]struct{}, len(items))
	out := make([]model.BatchItem, 0, len(items))
	for i, it := range items {
		if it.Address == "" {
			return nil, errors.Input(opCreate, "item %d: address is required", i)
		}
		if _, dup := seen[it.Address]; dup {
			continue
		}
		if it.Network == "" {
			it.Network = network
		}
		if it.Network != network {
			return nil, errors.Input(opCreate, "item %d: network %s does not match payout network %s", i, it.Network, network)
		}
		if err := wallet.ValidateAddress(it.Address, it.Network); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeValidation, opCreate, fmt.Sprintf("item %d: invalid address", i))
		}
		if it.Address == payout {
			return nil, errors.Input(opCreate, "item %d: address is the payout address", i)
		}
		if _, err := decodeKey(it.SigningKey); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeValidation, opCreate, fmt.Sprintf("item %d: invalid signing key", i))
		}
		seen[it.Address] = struct{}{}
		out = append(out, it)
	}
	return out, nil
}

func decodeKey(s string) ([]byte, error) {
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, errors.Input("decode_signing_key", "signing key is not hex")
	}
	if len(key) != 32 && len(key) != 64 {
		return nil, errors.Input("decode_signing_key", "signing key must be 32 or 64 bytes, got %d", len(key))
	}
	return key, nil
}

// ProcessChunk handles up to size unprocessed items of a session, oldest
// first, then checkpoints. When ctx is done mid-chunk the session is marked
// interrupted and ctx's cause is returned with the progress so far. A
// completed or cancelled session returns its snapshot without work.
func (m *Manager) ProcessChunk(ctx context.Context, key string, size int) (*Progress, error) {
	if size <= 0 {
		return nil, errors.Input(opProcess, "chunk size must be positive, got %d", size)
	}

	ctx, release, err := m.track(ctx, key)
	if err != nil {
		return nil, err
	}
	defer release()

	sess, err := m.store.GetSession(ctx, key)
	if err != nil {
		return nil, err
	}
	if !sess.Status.IsResumable() {
		return snapshot(sess, nil), nil
	}

	logger := m.logger.WithSession(key)
	if sess.Status == model.SessionInterrupted {
		logger.Info("resuming interrupted session", "processed", sess.Processed, "total", sess.Total)
	}

	sess.Status = model.SessionProcessing
	sess.ErrorMessage = ""
	ok, err := m.checkpoint(ctx, sess)
	if err != nil {
		return nil, err
	}
	if !ok {
		return m.finalized(ctx, key, nil)
	}

	delay := m.newDelay(sess.CurrentDelay)
	every := CheckpointEvery(sess.Total)
	work := sess.Remaining()
	if len(work) > size {
		work = work[:size]
	}

	start := m.now()
	var results []*merge.Result
	pending := 0
	for i, item := range work {
		if i > 0 {
			if err := m.sleep(ctx, delay.Current()); err != nil {
				return m.interrupt(ctx, sess, results, err, logger)
			}
		}
		if err := ctx.Err(); err != nil {
			return m.interrupt(ctx, sess, results, err, logger)
		}

		res := m.mergeItem(ctx, sess, item, delay)
		if err := ctx.Err(); err != nil && !res.OK() {
			// Cut short; the item stays in the work list for the resume.
			return m.interrupt(ctx, sess, results, err, logger)
		}

		results = append(results, res)
		sess.ProcessedAddresses = append(sess.ProcessedAddresses, item.Address)
		sess.Processed++
		if res.OK() {
			sess.Successful++
		} else {
			sess.Failed++
		}
		sess.CurrentDelay = delay.Current()

		pending++
		if pending >= every {
			pending = 0
			ok, err := m.checkpoint(ctx, sess)
			if err != nil {
				logger.WithError(err).Error("checkpoint failed")
				return snapshot(sess, results), err
			}
			if !ok {
				return m.finalized(ctx, key, results)
			}
			m.report(ctx, sess, "checkpoint")
		}
	}

	if len(sess.Remaining()) == 0 {
		sess.Status = model.SessionCompleted
	}
	if pending > 0 || sess.Status == model.SessionCompleted {
		ok, err := m.checkpoint(ctx, sess)
		if err != nil {
			logger.WithError(err).Error("checkpoint failed")
			return snapshot(sess, results), err
		}
		if !ok {
			return m.finalized(ctx, key, results)
		}
	}

	logger.LogThroughput("batch_chunk", int64(len(results)), m.now().Sub(start))
	message := "chunk processed"
	if sess.Status == model.SessionCompleted {
		message = "session completed"
		logger.Info(message, "successful", sess.Successful, "failed", sess.Failed, "total", sess.Total)
	}
	m.report(ctx, sess, message)
	return snapshot(sess, results), nil
}

func (m *Manager) mergeItem(ctx context.Context, sess *model.BatchSession, item model.BatchItem, delay *AdaptiveDelay) *merge.Result {
	key, err := decodeKey(item.SigningKey)
	if err != nil {
		return &merge.Result{
			OriginalAddress: item.Address,
			PayoutAddress:   sess.PayoutAddress,
			Outcome:         scavenger.PermanentFailure,
			Status:          model.MergeFailed,
			Message:         errors.Reason(err),
			Err:             err,
		}
	}

	start := m.now()
	res := m.merger.MergeTarget(ctx, merge.Target{
		Address:    item.Address,
		PrivateKey: key,
		Network:    item.Network,
		SessionKey: sess.SessionKey,
	}, sess.PayoutAddress)
	if !res.AlreadyMerged {
		delay.Observe(m.now().Sub(start), !res.OK())
	}
	return res
}

// interrupt marks the session interrupted and returns ctx's cause, or err
// when ctx is still live.
func (m *Manager) interrupt(ctx context.Context, sess *model.BatchSession, results []*merge.Result, err error, logger *log.Logger) (*Progress, error) {
	cause := context.Cause(ctx)
	if cause == nil {
		cause = err
	}
	sess.Status = model.SessionInterrupted
	sess.ErrorMessage = fmt.Sprintf("interrupted after %d of %d items: %v", sess.Processed, sess.Total, cause)

	ok, err := m.checkpoint(ctx, sess)
	if err != nil {
		logger.WithError(err).Error("failed to record interruption")
		return snapshot(sess, results), err
	}
	if !ok {
		return m.finalized(ctx, sess.SessionKey, results)
	}

	logger.Warn("session interrupted", "processed", sess.Processed, "total", sess.Total, "reason", cause.Error())
	m.report(context.WithoutCancel(ctx), sess, "session interrupted")
	return snapshot(sess, results), cause
}

// finalized returns the stored snapshot of a session that was completed or
// cancelled by someone else while this call held it.
func (m *Manager) finalized(ctx context.Context, key string, results []*merge.Result) (*Progress, error) {
	sess, err := m.store.GetSession(context.WithoutCancel(ctx), key)
	if err != nil {
		return nil, err
	}
	m.logger.WithSession(key).Info("session finalized elsewhere", "status", string(sess.Status))
	return snapshot(sess, results), nil
}

// checkpoint writes the session even after ctx is done: the items it counts
// have already been handled.
func (m *Manager) checkpoint(ctx context.Context, sess *model.BatchSession) (bool, error) {
	sess.Checkpoints++
	ok, err := m.store.SaveSession(context.WithoutCancel(ctx), sess)
	if err != nil || !ok {
		sess.Checkpoints--
	}
	return ok, err
}

// Run processes chunks of size until the session is done or ctx ends.
func (m *Manager) Run(ctx context.Context, key string, size int) (*Progress, error) {
	var results []*merge.Result
	for {
		p, err := m.ProcessChunk(ctx, key, size)
		if p != nil {
			results = append(results, p.Results...)
			p.Results = results
		}
		if err != nil || p.Done() {
			return p, err
		}
	}
}

// Interrupt stops a session and leaves it resumable. A chunk in progress in
// this Manager stops at the next item boundary and records the interruption
// itself.
func (m *Manager) Interrupt(ctx context.Context, key string) error {
	if m.signal(key, errInterrupted) {
		return nil
	}

	sess, err := m.store.GetSession(ctx, key)
	if err != nil {
		return err
	}
	if !sess.Status.IsResumable() {
		return errors.Newf(errors.ErrorTypeState, "interrupt_session", "session %s is %s", key, sess.Status)
	}
	if sess.Status == model.SessionInterrupted {
		return nil
	}

	sess.Status = model.SessionInterrupted
	sess.ErrorMessage = "interrupted by request"
	ok, err := m.checkpoint(ctx, sess)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Newf(errors.ErrorTypeState, "interrupt_session", "session %s finished meanwhile", key)
	}

	m.logger.WithSession(key).Info("session interrupted", "processed", sess.Processed, "total", sess.Total)
	m.report(ctx, sess, "session interrupted")
	return nil
}

// Cancel ends a session for good. Items already handled keep their merge
// records; the rest are never processed.
func (m *Manager) Cancel(ctx context.Context, key string) error {
	sess, err := m.store.GetSession(ctx, key)
	if err != nil {
		return err
	}
	switch sess.Status {
	case model.SessionCancelled:
		return nil
	case model.SessionCompleted:
		return errors.Newf(errors.ErrorTypeState, "cancel_session", "session %s is already completed", key)
	}

	sess.Status = model.SessionCancelled
	sess.ErrorMessage = fmt.Sprintf("cancelled after %d of %d items", sess.Processed, sess.Total)
	ok, err := m.checkpoint(ctx, sess)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Newf(errors.ErrorTypeState, "cancel_session", "session %s finished meanwhile", key)
	}
	m.signal(key, errCancelled)

	m.logger.WithSession(key).Info("session cancelled", "processed", sess.Processed, "total", sess.Total)
	m.report(ctx, sess, "session cancelled")
	return nil
}

// Progress returns the stored snapshot of a session.
func (m *Manager) Progress(ctx context.Context, key string) (*Progress, error) {
	sess, err := m.store.GetSession(ctx, key)
	if err != nil {
		return nil, err
	}
	return snapshot(sess, nil), nil
}

// Resumable lists sessions that are pending, processing or interrupted.
func (m *Manager) Resumable(ctx context.Context) ([]*Progress, error) {
	sessions, err := m.store.ListResumableSessions(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*Progress, len(sessions))
	for i, sess := range sessions {
		out[i] = snapshot(sess, nil)
	}
	return out, nil
}

func (m *Manager) track(ctx context.Context, key string) (context.Context, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.running[key]; busy {
		return nil, nil, errors.Newf(errors.ErrorTypeState, opProcess, "session %s is already being processed", key)
	}
	ctx, cancel := context.WithCancelCause(ctx)
	m.running[key] = cancel
	return ctx, func() {
		m.mu.Lock()
		delete(m.running, key)
		m.mu.Unlock()
		cancel(nil)
	}, nil
}

// signal cancels a running chunk of key with cause and reports whether one
// was running.
func (m *Manager) signal(key string, cause error) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	cancel, ok := m.running[key]
	if ok {
		cancel(cause)
	}
	return ok
}

func (m *Manager) newDelay(current time.Duration) *AdaptiveDelay {
	if current <= 0 {
		current = m.cfg.InitialDelay
	}
	return NewAdaptiveDelay(current, m.cfg.MinDelay, m.cfg.MaxDelay)
}

func (m *Manager) report(ctx context.Context, sess *model.BatchSession, message string) {
	m.sink.Report(ctx, progress.BatchEvent(sess.SessionKey, message, sess.Processed, sess.Total))
}

func snapshot(sess *model.BatchSession, results []*merge.Result) *Progress {
	return &Progress{
		SessionKey:    sess.SessionKey,
		PayoutAddress: sess.PayoutAddress,
		Status:        sess.Status,
		Total:         sess.Total,
		Processed:     sess.Processed,
		Successful:    sess.Successful,
		Failed:        sess.Failed,
		Remaining:     max(0, sess.Total-sess.Processed),
		Checkpoints:   sess.Checkpoints,
		CurrentDelay:  sess.CurrentDelay,
		Message:       sess.ErrorMessage,
		Results:       results,
	}
}
