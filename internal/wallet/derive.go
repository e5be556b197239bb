package wallet

import (
	"crypto/ed25519"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/tyler-smith/go-bip39"

	"github.com/bardlex/scavenger/internal/model"
	"github.com/bardlex/scavenger/pkg/errors"
)

// DefaultPath is used when a job does not name a derivation path.
const DefaultPath = "m/1852'/1815'/0'/0/0"

const opDerive = "derive_wallet"

// ParsePath parses "m/a'/b/..." into child indexes; ' or h marks hardened.
func ParsePath(path string) ([]uint32, error) {
	parts := strings.Split(path, "/")
	if len(parts) < 2 || parts[0] != "m" {
		return nil, errors.Input(opDerive, "derivation path must start with m/, got %q", path)
	}

	out := make([]uint32, 0, len(parts)-1)
	for _, p := range parts[1:] {
		hardened := strings.HasSuffix(p, "'") || strings.HasSuffix(p, "h")
		p = strings.TrimRight(p, "'h")
		n, err := strconv.ParseUint(p, 10, 31)
		if err != nil {
			return nil, errors.Input(opDerive, "invalid path segment %q in %q", p, path)
		}
		idx := uint32(n)
		if hardened {
			idx += hdkeychain.HardenedKeyStart
		}
		out = append(out, idx)
	}
	return out, nil
}

// Deriver creates wallets. With a master mnemonic every path maps to one
// deterministic wallet; without one each wallet gets its own random mnemonic.
type Deriver struct {
	network  model.Network
	mnemonic string
	now      func() time.Time
}

// NewDeriver validates the optional master mnemonic.
func NewDeriver(network model.Network, masterMnemonic string) (*Deriver, error) {
	if !network.Valid() {
		return nil, errors.Input(opDerive, "unknown network %q", network)
	}
	if masterMnemonic != "" && !bip39.IsMnemonicValid(masterMnemonic) {
		return nil, errors.Input(opDerive, "master mnemonic is invalid")
	}
	return &Deriver{network: network, mnemonic: masterMnemonic, now: time.Now}, nil
}

// Network returns the network wallets are derived for.
func (d *Deriver) Network() model.Network { return d.network }

// Derive returns a fresh wallet for path (DefaultPath when empty).
func (d *Deriver) Derive(path string) (*model.Wallet, error) {
	if path == "" {
		path = DefaultPath
	}

	mnemonic := d.mnemonic
	if mnemonic == "" {
		entropy, err := bip39.NewEntropy(256)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeInternal, opDerive, "failed to generate entropy")
		}
		mnemonic, err = bip39.NewMnemonic(entropy)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeInternal, opDerive, "failed to build mnemonic")
		}
	}

	w, err := FromMnemonic(mnemonic, path, d.network)
	if err != nil {
		return nil, err
	}
	if d.mnemonic != "" {
		// The master mnemonic is configuration, not per-wallet state.
		w.Mnemonic = ""
	}
	w.CreatedAt = d.now()
	return w, nil
}

// FromMnemonic derives the wallet at path. The derived 32-byte child key is
// the ed25519 seed.
func FromMnemonic(mnemonic, path string, network model.Network) (*model.Wallet, error) {
	indexes, err := ParsePath(path)
	if err != nil {
		return nil, err
	}

	seed, err := bip39.NewSeedWithErrorChecking(mnemonic, "")
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, opDerive, "invalid mnemonic")
	}
	defer clear(seed)

	key, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, opDerive, "failed to create master key")
	}
	for _, idx := range indexes {
		key, err = key.Derive(idx)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeInternal, opDerive, fmt.Sprintf("failed to derive child %d", idx))
		}
	}

	ecPriv, err := key.ECPrivKey()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, opDerive, "failed to read child key")
	}

	w, err := FromSeed(ecPriv.Serialize(), network)
	if err != nil {
		return nil, err
	}
	w.DerivationPath = path
	w.Mnemonic = mnemonic
	return w, nil
}

// FromSeed builds the wallet for a raw 32-byte ed25519 seed.
func FromSeed(seed []byte, network model.Network) (*model.Wallet, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, errors.Input(opDerive, "seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)

	keyHash, err := KeyHash(pub)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, opDerive, "failed to hash public key")
	}
	addr, err := EnterpriseAddress(keyHash, network)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, opDerive, "failed to encode address")
	}

	return &model.Wallet{
		Address:    addr,
		PrivateKey: append([]byte(nil), seed...),
		PublicKey:  []byte(pub),
		KeyHash:    keyHash,
		Network:    network,
	}, nil
}
