package miner

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/bardlex/scavenger/internal/model"
	"github.com/bardlex/scavenger/internal/scavenger"
)

// Store is the persistence the worker needs; *database.Manager satisfies it.
type Store interface {
	CreateJob(ctx context.Context, j *model.MiningJob) error
	GetJob(ctx context.Context, id int64) (*model.MiningJob, error)
	SaveJob(ctx context.Context, j *model.MiningJob) error
	SetJobControl(ctx context.Context, id int64, control model.JobControl) error
	GetJobControl(ctx context.Context, id int64) (model.JobControl, error)

	CreateWallet(ctx context.Context, w *model.Wallet) error
	GetWallet(ctx context.Context, id int64) (*model.Wallet, error)
	MarkRegistered(ctx context.Context, id int64, signature, pubKey string, at time.Time) error

	SaveChallenge(ctx context.Context, ch *model.Challenge) error
	CreateSolution(ctx context.Context, sol *model.Solution) error
}

// Metrics records best-effort observations; *database.Manager satisfies it.
type Metrics interface {
	SolutionFound(ch *model.Challenge, attempts int64)
	Outcome(ctx context.Context, operation, outcome string, attempts int)
}

// Remote is the part of the protocol a worker calls.
type Remote interface {
	scavenger.ChallengeSource
	scavenger.TermsSource
	scavenger.Registrar
}

// WalletSource derives a fresh wallet for a path; *wallet.Deriver satisfies it.
type WalletSource interface {
	Derive(path string) (*model.Wallet, error)
}

// NonceSource yields the 64-bit nonces tried by the search loop.
// *rand.Rand satisfies it.
type NonceSource interface {
	Uint64() uint64
}

type randomNonces struct{}

func (randomNonces) Uint64() uint64 { return rand.Uint64() }

type nopMetrics struct{}

func (nopMetrics) SolutionFound(*model.Challenge, int64) {}
func (nopMetrics) Outcome(context.Context, string, string, int) {}
