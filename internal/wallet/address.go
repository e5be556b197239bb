// Package wallet derives disposable mining wallets, encodes their addresses,
// signs protocol messages and seals secrets at rest.
package wallet

import (
	"crypto/ed25519"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/bech32"
	"golang.org/x/crypto/blake2b"

	"github.com/bardlex/scavenger/internal/model"
)

const (
	// KeyHashLen is the BLAKE2b-224 payment key hash length.
	KeyHashLen = 28

	// Enterprise address headers: payment key hash, no stake part.
	headerEnterpriseMainnet = 0x61
	headerEnterpriseTestnet = 0x60

	hrpMainnet = "addr"
	hrpTestnet = "addr_test"
)

// KeyHash returns the BLAKE2b-224 digest of a public key.
func KeyHash(pub ed25519.PublicKey) ([]byte, error) {
	h, err := blake2b.New(KeyHashLen, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to init blake2b-224: %w", err)
	}
	h.Write(pub)
	return h.Sum(nil), nil
}

// EnterpriseAddress encodes a key hash as a bech32 enterprise address.
func EnterpriseAddress(keyHash []byte, network model.Network) (string, error) {
	if len(keyHash) != KeyHashLen {
		return "", fmt.Errorf("key hash must be %d bytes, got %d", KeyHashLen, len(keyHash))
	}
	header, hrp := byte(headerEnterpriseMainnet), hrpMainnet
	if network.IsTestnet() {
		header, hrp = headerEnterpriseTestnet, hrpTestnet
	}

	raw := append([]byte{header}, keyHash...)
	conv, err := bech32.ConvertBits(raw, 8, 5, true)
	if err != nil {
		return "", fmt.Errorf("failed to convert address bits: %w", err)
	}
	addr, err := bech32.Encode(hrp, conv)
	if err != nil {
		return "", fmt.Errorf("failed to encode address: %w", err)
	}
	return addr, nil
}

// DecodeAddress returns the raw header+payload bytes and the network implied
// by the human-readable prefix.
func DecodeAddress(address string) ([]byte, model.Network, error) {
	hrp, data, err := bech32.DecodeNoLimit(address)
	if err != nil {
		return nil, "", fmt.Errorf("invalid bech32 address: %w", err)
	}

	var network model.Network
	switch hrp {
	case hrpMainnet:
		network = model.NetworkMainnet
	case hrpTestnet:
		network = model.NetworkPreprod
	default:
		return nil, "", fmt.Errorf("unexpected address prefix %q", hrp)
	}

	raw, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return nil, "", fmt.Errorf("failed to convert address bits: %w", err)
	}
	if len(raw) < 1+KeyHashLen {
		return nil, "", fmt.Errorf("address payload too short: %d bytes", len(raw))
	}
	return raw, network, nil
}

// ValidateAddress checks that address decodes and belongs to network.
func ValidateAddress(address string, network model.Network) error {
	_, got, err := DecodeAddress(address)
	if err != nil {
		return err
	}
	if got != network {
		return fmt.Errorf("address %s is not a %s address", address, network)
	}
	return nil
}
