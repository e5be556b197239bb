package miner

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/bardlex/scavenger/internal/database"
	"github.com/bardlex/scavenger/internal/database/sqlstore"
	"github.com/bardlex/scavenger/internal/model"
	"github.com/bardlex/scavenger/internal/pow"
	"github.com/bardlex/scavenger/internal/progress"
	"github.com/bardlex/scavenger/internal/scavenger"
	"github.com/bardlex/scavenger/internal/wallet"
	"github.com/bardlex/scavenger/pkg/errors"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

func testChallenge(id, difficulty string) *model.Challenge {
	return &model.Challenge{
		ChallengeID:      id,
		Day:              1,
		ChallengeNumber:  1,
		Difficulty:       difficulty,
		NoPreMine:        "e8a195800b",
		NoPreMineHour:    "509681483",
		LatestSubmission: "2025-10-19T08:59:59.000Z",
	}
}

func newTestManager(t *testing.T) *database.Manager {
	t.Helper()
	vault, err := wallet.NewVault("test passphrase", wallet.VaultParams{N: 1 << 10, R: 8, P: 1})
	if err != nil {
		t.Fatalf("NewVault() error = %v", err)
	}
	store, err := sqlstore.Open(context.Background(), &sqlstore.Config{
		Driver: sqlstore.DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "miner.db"),
	}, vault)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	m := database.NewManagerWithStore(store, nil)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

// fakeRemote is a scripted protocol endpoint.
type fakeRemote struct {
	mu             sync.Mutex
	challenge      *model.Challenge
	challengeErr   error
	terms          *scavenger.Terms
	registerResult *scavenger.Result

	challengeCalls int
	registerCalls  int
	registered     []string
}

func newFakeRemote(ch *model.Challenge) *fakeRemote {
	return &fakeRemote{
		challenge:      ch,
		terms:          &scavenger.Terms{Version: "1-0", Message: "I agree to abide by the terms"},
		registerResult: &scavenger.Result{Outcome: scavenger.Success, StatusCode: 201, Reason: "ok"},
	}
}

func (f *fakeRemote) GetChallenge(context.Context) (*model.Challenge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.challengeCalls++
	if f.challengeErr != nil {
		return nil, f.challengeErr
	}
	ch := *f.challenge
	return &ch, nil
}

func (f *fakeRemote) GetTerms(context.Context) (*scavenger.Terms, error) {
	return f.terms, nil
}

func (f *fakeRemote) Register(_ context.Context, address, _, _ string) *scavenger.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registerCalls++
	f.registered = append(f.registered, address)
	return f.registerResult
}

// fakeSigner returns a fixed signature and records messages.
type fakeSigner struct {
	messages []string
}

func (f *fakeSigner) Sign(message string, _ []byte, _ string, _ model.Network) (*wallet.Signature, error) {
	f.messages = append(f.messages, message)
	return &wallet.Signature{Signature: "845846a2", PubKey: "5048b8ec"}, nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recordingSink) Report(_ context.Context, ev progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingSink) messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Message
	}
	return out
}

type recordingMetrics struct {
	solutions int
	outcomes  []string
}

func (r *recordingMetrics) SolutionFound(*model.Challenge, int64) { r.solutions++ }

func (r *recordingMetrics) Outcome(_ context.Context, operation, outcome string, _ int) {
	r.outcomes = append(r.outcomes, operation+":"+outcome)
}

// flakyStore fails the next failures solution inserts.
type flakyStore struct {
	*database.Manager
	failures int
	creates  int
}

func (f *flakyStore) CreateSolution(ctx context.Context, sol *model.Solution) error {
	f.creates++
	if f.failures > 0 {
		f.failures--
		return errors.New(errors.ErrorTypeDatabase, "create_solution", "database is locked")
	}
	return f.Manager.CreateSolution(ctx, sol)
}

// hookHasher wraps the reference hasher and calls hook before each hash.
type hookHasher struct {
	inner pow.Hasher
	calls int
	hook  func(call int)
}

func (h *hookHasher) Hash(preimage []byte) ([]byte, error) {
	h.calls++
	if h.hook != nil {
		h.hook(h.calls)
	}
	return h.inner.Hash(preimage)
}

func (h *hookHasher) Close() { h.inner.Close() }

func hookFactory(hook func(call int)) pow.HasherFactory {
	return func(ch *model.Challenge) (pow.Hasher, error) {
		inner, err := pow.Blake2bFactory(ch)
		if err != nil {
			return nil, err
		}
		return &hookHasher{inner: inner, hook: hook}, nil
	}
}

var (
	_ Remote        = (*fakeRemote)(nil)
	_ wallet.Signer = (*fakeSigner)(nil)
	_ Metrics       = (*recordingMetrics)(nil)
	_ Store         = (*database.Manager)(nil)
	_ Store         = (*flakyStore)(nil)
	_ Metrics       = (*database.Manager)(nil)
)
