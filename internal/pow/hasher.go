package pow

import (
	"encoding/hex"
	"hash"
	"sync"

	"golang.org/x/crypto/blake2b"

	"github.com/bardlex/scavenger/internal/model"
	"github.com/bardlex/scavenger/pkg/errors"
)

// Hasher computes proof-of-work hashes. Implementations must return HashLen
// bytes and be deterministic for a given challenge.
type Hasher interface {
	Hash(preimage []byte) ([]byte, error)

	// Close releases any resources held by the hasher.
	Close()
}

// HasherFactory initializes a hasher for one challenge. Expensive backends
// (large datasets keyed by no_pre_mine) pay their setup cost here.
type HasherFactory func(ch *model.Challenge) (Hasher, error)

// Blake2bHasher is a keyed BLAKE2b-512 keyed by the challenge's no_pre_mine
// value. It is the pure-Go reference backend.
type Blake2bHasher struct {
	mu sync.Mutex
	h  hash.Hash
}

var _ Hasher = (*Blake2bHasher)(nil)

// NewBlake2bHasher builds a hasher keyed by noPreMineHex. Keys longer than
// the 64-byte BLAKE2b limit are first reduced with unkeyed BLAKE2b-512.
func NewBlake2bHasher(noPreMineHex string) (*Blake2bHasher, error) {
	key, err := hex.DecodeString(noPreMineHex)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "init_hasher", "no_pre_mine is not hex")
	}
	if len(key) > blake2b.Size {
		sum := blake2b.Sum512(key)
		key = sum[:]
	}
	h, err := blake2b.New512(key)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "init_hasher", "blake2b init failed")
	}
	return &Blake2bHasher{h: h}, nil
}

// Blake2bFactory is the HasherFactory for Blake2bHasher.
func Blake2bFactory(ch *model.Challenge) (Hasher, error) {
	return NewBlake2bHasher(ch.NoPreMine)
}

// Hash implements Hasher.
func (b *Blake2bHasher) Hash(preimage []byte) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.h == nil {
		return nil, errors.New(errors.ErrorTypeInternal, "hash", "hasher is closed")
	}
	b.h.Reset()
	b.h.Write(preimage)
	return b.h.Sum(make([]byte, 0, HashLen)), nil
}

// Close implements Hasher.
func (b *Blake2bHasher) Close() {
	b.mu.Lock()
	b.h = nil
	b.mu.Unlock()
}
