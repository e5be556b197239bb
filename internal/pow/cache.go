package pow

import (
	"sync"

	"github.com/bardlex/scavenger/internal/model"
	"github.com/bardlex/scavenger/pkg/errors"
)

// HasherCache owns the initialized hasher for the current challenge. The
// hasher is rebuilt only when the challenge id changes.
type HasherCache struct {
	factory HasherFactory

	mu          sync.Mutex
	challengeID string
	hasher      Hasher
	inits       int
}

// NewHasherCache creates an empty cache.
func NewHasherCache(factory HasherFactory) *HasherCache {
	if factory == nil {
		factory = Blake2bFactory
	}
	return &HasherCache{factory: factory}
}

// Get returns the hasher for ch, closing and replacing the previous one when
// ch.ChallengeID differs from the cached key.
func (c *HasherCache) Get(ch *model.Challenge) (Hasher, error) {
	if ch == nil || ch.ChallengeID == "" {
		return nil, errors.Input("hasher_cache", "challenge id is required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.hasher != nil && c.challengeID == ch.ChallengeID {
		return c.hasher, nil
	}

	h, err := c.factory(ch)
	if err != nil {
		return nil, err
	}
	if c.hasher != nil {
		c.hasher.Close()
	}
	c.hasher = h
	c.challengeID = ch.ChallengeID
	c.inits++
	return h, nil
}

// ChallengeID returns the key the current hasher was built for.
func (c *HasherCache) ChallengeID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.challengeID
}

// Inits returns how many times a hasher has been initialized.
func (c *HasherCache) Inits() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inits
}

// Close releases the cached hasher.
func (c *HasherCache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hasher != nil {
		c.hasher.Close()
		c.hasher = nil
	}
	c.challengeID = ""
}
