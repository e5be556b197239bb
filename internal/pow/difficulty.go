package pow

import (
	"encoding/binary"
	"math/bits"
	"strconv"

	"github.com/bardlex/scavenger/pkg/errors"
)

// HashLen is the output size the Hasher contract guarantees.
const HashLen = 64

const opCheckDifficulty = "check_difficulty"

// ParseDifficulty decodes an 8-hex-character mask.
func ParseDifficulty(difficultyHex string) (uint32, error) {
	if len(difficultyHex) != DifficultyHexLen || !isHex(difficultyHex) {
		return 0, errors.Input(opCheckDifficulty, "difficulty must be %d hex characters, got %q", DifficultyHexLen, difficultyHex)
	}
	v, err := strconv.ParseUint(difficultyHex, 16, 32)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeValidation, opCheckDifficulty, "invalid difficulty")
	}
	return uint32(v), nil
}

// MeetsMask reports whether h has a zero wherever mask has a zero.
func MeetsMask(h, mask uint32) bool {
	return h&^mask == 0
}

// RequiredZeroBits returns the mask's own leading-zero-bit count.
func RequiredZeroBits(mask uint32) int {
	return bits.LeadingZeros32(mask)
}

// LeadingZeroBits counts leading zero bits across the whole hash.
func LeadingZeroBits(hash []byte) int {
	n := 0
	for _, b := range hash {
		if b == 0 {
			n += 8
			continue
		}
		return n + bits.LeadingZeros8(b)
	}
	return n
}

// Evaluator is a parsed difficulty ready for the hot loop.
type Evaluator struct {
	mask      uint32
	extraBits int
	minZeros  int
}

// NewEvaluator parses difficultyHex once. extraBits > 0 requires that many
// leading zero bits beyond the mask's own count.
func NewEvaluator(difficultyHex string, extraBits int) (*Evaluator, error) {
	mask, err := ParseDifficulty(difficultyHex)
	if err != nil {
		return nil, err
	}
	if extraBits < 0 {
		return nil, errors.Input(opCheckDifficulty, "extra bits cannot be negative: %d", extraBits)
	}
	return &Evaluator{
		mask:      mask,
		extraBits: extraBits,
		minZeros:  RequiredZeroBits(mask) + extraBits,
	}, nil
}

// Mask returns the parsed mask.
func (e *Evaluator) Mask() uint32 { return e.mask }

// Check evaluates hash, which must be HashLen bytes.
func (e *Evaluator) Check(hash []byte) (bool, error) {
	if len(hash) != HashLen {
		return false, errors.Input(opCheckDifficulty, "hash must be %d bytes, got %d", HashLen, len(hash))
	}
	if !MeetsMask(binary.BigEndian.Uint32(hash[:4]), e.mask) {
		return false, nil
	}
	if e.extraBits > 0 && LeadingZeroBits(hash) < e.minZeros {
		return false, nil
	}
	return true, nil
}

// CheckDifficulty is the one-shot form of Evaluator.Check.
func CheckDifficulty(hash []byte, difficultyHex string, extraBits int) (bool, error) {
	e, err := NewEvaluator(difficultyHex, extraBits)
	if err != nil {
		return false, err
	}
	return e.Check(hash)
}
