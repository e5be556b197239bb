// Package pow implements the proof-of-work search primitives: preimage
// construction, difficulty evaluation and the hasher contract.
package pow

import (
	"time"

	"github.com/bardlex/scavenger/pkg/errors"
)

const (
	// NonceHexLen is the length of a 64-bit nonce in hex.
	NonceHexLen = 16
	// DifficultyHexLen is the length of a 32-bit mask in hex.
	DifficultyHexLen = 8

	maxAddressLen     = 128
	maxChallengeIDLen = 64
)

const opBuildPreimage = "build_preimage"

// PreimageFields are the inputs to BuildPreimage in concatenation order.
type PreimageFields struct {
	Nonce            string
	Address          string
	ChallengeID      string
	Difficulty       string
	NoPreMine        string
	LatestSubmission string
	NoPreMineHour    string
}

// BuildPreimage concatenates the fields with no separators after validating
// each one. A malformed field is a validation error.
func BuildPreimage(nonceHex, address, challengeID, difficultyHex, noPreMineHex, latestSubmission, noPreMineHour string) ([]byte, error) {
	return PreimageFields{
		Nonce:            nonceHex,
		Address:          address,
		ChallengeID:      challengeID,
		Difficulty:       difficultyHex,
		NoPreMine:        noPreMineHex,
		LatestSubmission: latestSubmission,
		NoPreMineHour:    noPreMineHour,
	}.Build()
}

// Validate checks every field's length and charset.
func (f PreimageFields) Validate() error {
	if len(f.Nonce) != NonceHexLen || !isHex(f.Nonce) {
		return errors.Input(opBuildPreimage, "nonce must be %d hex characters, got %q", NonceHexLen, f.Nonce)
	}
	if f.Address == "" || len(f.Address) > maxAddressLen || !isAllowed(f.Address, isAddressChar) {
		return errors.Input(opBuildPreimage, "invalid address %q", f.Address)
	}
	if f.ChallengeID == "" || len(f.ChallengeID) > maxChallengeIDLen || !isAllowed(f.ChallengeID, isChallengeIDChar) {
		return errors.Input(opBuildPreimage, "invalid challenge id %q", f.ChallengeID)
	}
	if len(f.Difficulty) != DifficultyHexLen || !isHex(f.Difficulty) {
		return errors.Input(opBuildPreimage, "difficulty must be %d hex characters, got %q", DifficultyHexLen, f.Difficulty)
	}
	if f.NoPreMine == "" || !isHex(f.NoPreMine) {
		return errors.Input(opBuildPreimage, "no_pre_mine must be non-empty hex")
	}
	if _, err := time.Parse(time.RFC3339Nano, f.LatestSubmission); err != nil {
		return errors.Input(opBuildPreimage, "latest_submission %q is not ISO 8601", f.LatestSubmission)
	}
	if f.NoPreMineHour == "" || !isAllowed(f.NoPreMineHour, isDigit) {
		return errors.Input(opBuildPreimage, "no_pre_mine_hour must be decimal digits, got %q", f.NoPreMineHour)
	}
	return nil
}

// Build validates and concatenates.
func (f PreimageFields) Build() ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	n := len(f.Nonce) + len(f.Address) + len(f.ChallengeID) + len(f.Difficulty) +
		len(f.NoPreMine) + len(f.LatestSubmission) + len(f.NoPreMineHour)
	buf := make([]byte, 0, n)
	buf = append(buf, f.Nonce...)
	buf = append(buf, f.Address...)
	buf = append(buf, f.ChallengeID...)
	buf = append(buf, f.Difficulty...)
	buf = append(buf, f.NoPreMine...)
	buf = append(buf, f.LatestSubmission...)
	buf = append(buf, f.NoPreMineHour...)
	return buf, nil
}

// Template holds the per-job fields so the search loop only swaps the nonce.
// The nonce is the fixed-width prefix.
type Template struct {
	suffix []byte
}

// NewTemplate validates every field except the nonce once.
func NewTemplate(address, challengeID, difficultyHex, noPreMineHex, latestSubmission, noPreMineHour string) (*Template, error) {
	full, err := BuildPreimage("0000000000000000", address, challengeID, difficultyHex, noPreMineHex, latestSubmission, noPreMineHour)
	if err != nil {
		return nil, err
	}
	return &Template{suffix: full[NonceHexLen:]}, nil
}

// Preimage returns the preimage for nonceHex, writing into dst when it has
// capacity.
func (t *Template) Preimage(dst []byte, nonceHex string) ([]byte, error) {
	if len(nonceHex) != NonceHexLen || !isHex(nonceHex) {
		return nil, errors.Input(opBuildPreimage, "nonce must be %d hex characters, got %q", NonceHexLen, nonceHex)
	}
	dst = append(dst[:0], nonceHex...)
	return append(dst, t.suffix...), nil
}

func isHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F') {
			return false
		}
	}
	return true
}

func isAllowed(s string, ok func(byte) bool) bool {
	for i := 0; i < len(s); i++ {
		if !ok(s[i]) {
			return false
		}
	}
	return true
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

// bech32 addresses: lowercase alphanumerics plus the '_' in "addr_test".
func isAddressChar(c byte) bool {
	return isDigit(c) || c >= 'a' && c <= 'z' || c == '_'
}

func isChallengeIDChar(c byte) bool {
	return isDigit(c) || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c == '*' || c == '_' || c == '-'
}
