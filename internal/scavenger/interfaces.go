package scavenger

import (
	"context"
	"time"

	"github.com/bardlex/scavenger/internal/model"
	"github.com/bardlex/scavenger/pkg/log"
)

// ChallengeSource provides the current challenge.
type ChallengeSource interface {
	GetChallenge(ctx context.Context) (*model.Challenge, error)
}

// TermsSource provides the registration message.
type TermsSource interface {
	GetTerms(ctx context.Context) (*Terms, error)
}

// Registrar registers wallets.
type Registrar interface {
	Register(ctx context.Context, address, signature, pubKey string) *Result
}

// SolutionSubmitter submits found nonces.
type SolutionSubmitter interface {
	SubmitSolution(ctx context.Context, address, challengeID, nonce string) *SubmitResult
}

// Settler performs reward consolidation.
type Settler interface {
	Settle(ctx context.Context, payout, original, signature string) *SettleResult
}

// RateSource provides the per-day reward rate table.
type RateSource interface {
	GetRates(ctx context.Context) (map[int]float64, error)
}

// API is the full remote surface.
type API interface {
	ChallengeSource
	TermsSource
	Registrar
	SolutionSubmitter
	Settler
	RateSource
}

var _ API = (*Client)(nil)

// ChallengeCache stores the current challenge. A miss returns nil, nil.
type ChallengeCache interface {
	GetCurrentChallenge(ctx context.Context) (*model.Challenge, error)
	SetCurrentChallenge(ctx context.Context, ch *model.Challenge, ttl time.Duration) error
}

// CachedChallenges serves the challenge from a shared cache, falling back to
// the remote source. Cache errors are logged and never fail the fetch.
type CachedChallenges struct {
	source ChallengeSource
	cache  ChallengeCache
	ttl    time.Duration
	logger *log.Logger
}

var _ ChallengeSource = (*CachedChallenges)(nil)

// NewCachedChallenges wraps source. A nil cache disables caching.
func NewCachedChallenges(source ChallengeSource, cache ChallengeCache, ttl time.Duration, logger *log.Logger) *CachedChallenges {
	if logger == nil {
		logger = log.Nop()
	}
	return &CachedChallenges{source: source, cache: cache, ttl: ttl, logger: logger.WithComponent("challenge_cache")}
}

// GetChallenge implements ChallengeSource.
func (c *CachedChallenges) GetChallenge(ctx context.Context) (*model.Challenge, error) {
	if c.cache != nil {
		ch, err := c.cache.GetCurrentChallenge(ctx)
		if err != nil {
			c.logger.WithError(err).Warn("challenge cache read failed")
		} else if ch != nil {
			return ch, nil
		}
	}

	ch, err := c.source.GetChallenge(ctx)
	if err != nil {
		return nil, err
	}

	if c.cache != nil {
		if err := c.cache.SetCurrentChallenge(ctx, ch, c.ttl); err != nil {
			c.logger.WithError(err).Warn("challenge cache write failed")
		}
	}
	return ch, nil
}
