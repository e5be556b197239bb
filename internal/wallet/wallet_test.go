package wallet

import (
	"bytes"
	"crypto/ed25519"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"

	"github.com/bardlex/scavenger/internal/model"
	"github.com/bardlex/scavenger/pkg/errors"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

func testVaultParams() VaultParams {
	return VaultParams{N: 1 << 10, R: 8, P: 1}
}

func TestParsePath(t *testing.T) {
	tests := []struct {
		path    string
		want    []uint32
		wantErr bool
	}{
		{path: DefaultPath, want: []uint32{
			1852 + hdkeychain.HardenedKeyStart,
			1815 + hdkeychain.HardenedKeyStart,
			hdkeychain.HardenedKeyStart,
			0,
			0,
		}},
		{path: "m/44h/7", want: []uint32{44 + hdkeychain.HardenedKeyStart, 7}},
		{path: "1852'/0", wantErr: true},
		{path: "m", wantErr: true},
		{path: "m/abc", wantErr: true},
		{path: "m/-1", wantErr: true},
		{path: "m/2147483648", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, err := ParsePath(tt.path)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParsePath() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if !errors.IsType(err, errors.ErrorTypeValidation) {
					t.Errorf("Expected validation error, got %v", err)
				}
				return
			}
			if len(got) != len(tt.want) {
				t.Fatalf("Expected %d indexes, got %d", len(tt.want), len(got))
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("Index %d: expected %d, got %d", i, tt.want[i], got[i])
				}
			}
		})
	}
}

func TestFromMnemonic_Deterministic(t *testing.T) {
	a, err := FromMnemonic(testMnemonic, "m/1852'/1815'/0'/0/0", model.NetworkMainnet)
	if err != nil {
		t.Fatalf("FromMnemonic() error = %v", err)
	}
	b, _ := FromMnemonic(testMnemonic, "m/1852'/1815'/0'/0/0", model.NetworkMainnet)
	if a.Address != b.Address || !bytes.Equal(a.PrivateKey, b.PrivateKey) {
		t.Error("Expected identical mnemonic and path to give identical wallets")
	}

	c, _ := FromMnemonic(testMnemonic, "m/1852'/1815'/0'/0/1", model.NetworkMainnet)
	if c.Address == a.Address {
		t.Error("Expected different paths to give different addresses")
	}

	if !strings.HasPrefix(a.Address, "addr1") {
		t.Errorf("Expected mainnet address prefix, got %s", a.Address)
	}
	if len(a.PrivateKey) != ed25519.SeedSize || len(a.PublicKey) != ed25519.PublicKeySize {
		t.Errorf("Unexpected key sizes: priv=%d pub=%d", len(a.PrivateKey), len(a.PublicKey))
	}
	if len(a.KeyHash) != KeyHashLen {
		t.Errorf("Expected %d-byte key hash, got %d", KeyHashLen, len(a.KeyHash))
	}
	if a.DerivationPath != "m/1852'/1815'/0'/0/0" || a.Mnemonic != testMnemonic {
		t.Error("Expected path and mnemonic recorded on the wallet")
	}

	test, _ := FromMnemonic(testMnemonic, "m/1852'/1815'/0'/0/0", model.NetworkPreprod)
	if !strings.HasPrefix(test.Address, "addr_test1") {
		t.Errorf("Expected test address prefix, got %s", test.Address)
	}
	if !bytes.Equal(test.KeyHash, a.KeyHash) {
		t.Error("Expected network to change only the address encoding")
	}

	if _, err := FromMnemonic("not a real mnemonic", DefaultPath, model.NetworkMainnet); err == nil {
		t.Error("Expected error for invalid mnemonic")
	}
}

func TestDeriver(t *testing.T) {
	if _, err := NewDeriver("devnet", ""); err == nil {
		t.Error("Expected error for unknown network")
	}
	if _, err := NewDeriver(model.NetworkMainnet, "abandon abandon"); err == nil {
		t.Error("Expected error for invalid master mnemonic")
	}

	random, err := NewDeriver(model.NetworkPreprod, "")
	if err != nil {
		t.Fatalf("NewDeriver() error = %v", err)
	}
	w1, err := random.Derive("")
	if err != nil {
		t.Fatalf("Derive() error = %v", err)
	}
	w2, _ := random.Derive("")
	if w1.Address == w2.Address {
		t.Error("Expected random wallets to differ")
	}
	if w1.Mnemonic == "" || w1.DerivationPath != DefaultPath {
		t.Error("Expected random wallet to keep its own mnemonic and the default path")
	}
	if w1.CreatedAt.IsZero() {
		t.Error("Expected CreatedAt to be set")
	}

	hd, _ := NewDeriver(model.NetworkMainnet, testMnemonic)
	h1, _ := hd.Derive("m/1852'/1815'/0'/0/5")
	h2, _ := hd.Derive("m/1852'/1815'/0'/0/5")
	if h1.Address != h2.Address {
		t.Error("Expected master mnemonic derivation to be deterministic")
	}
	if h1.Mnemonic != "" {
		t.Error("Expected master mnemonic not to be copied onto wallets")
	}
}

func TestFromSeed_InvalidLength(t *testing.T) {
	if _, err := FromSeed(make([]byte, 16), model.NetworkMainnet); !errors.IsType(err, errors.ErrorTypeValidation) {
		t.Errorf("Expected validation error, got %v", err)
	}
}

func TestAddressRoundTrip(t *testing.T) {
	w, _ := FromMnemonic(testMnemonic, DefaultPath, model.NetworkMainnet)

	raw, network, err := DecodeAddress(w.Address)
	if err != nil {
		t.Fatalf("DecodeAddress() error = %v", err)
	}
	if network != model.NetworkMainnet {
		t.Errorf("Expected mainnet, got %s", network)
	}
	if raw[0] != headerEnterpriseMainnet || !bytes.Equal(raw[1:], w.KeyHash) {
		t.Errorf("Unexpected address payload %x", raw)
	}

	if err := ValidateAddress(w.Address, model.NetworkMainnet); err != nil {
		t.Errorf("ValidateAddress() error = %v", err)
	}
	if err := ValidateAddress(w.Address, model.NetworkPreprod); err == nil {
		t.Error("Expected network mismatch error")
	}
	if err := ValidateAddress("addr1notbech32!", model.NetworkMainnet); err == nil {
		t.Error("Expected invalid address error")
	}
	if _, err := EnterpriseAddress(make([]byte, 10), model.NetworkMainnet); err == nil {
		t.Error("Expected key hash length error")
	}
}

func TestCIP8Signer_SignAndVerify(t *testing.T) {
	signer, err := NewCIP8Signer()
	if err != nil {
		t.Fatalf("NewCIP8Signer() error = %v", err)
	}
	w, _ := FromMnemonic(testMnemonic, DefaultPath, model.NetworkMainnet)
	msg := "Assign accumulated rights to: addr1payout"

	sig, err := signer.Sign(msg, w.PrivateKey, w.Address, model.NetworkMainnet)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	if len(sig.PubKey) != 64 {
		t.Errorf("Expected 64-character pubkey, got %d", len(sig.PubKey))
	}

	addr, err := signer.Verify(sig, msg)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	raw, _, _ := DecodeAddress(w.Address)
	if !bytes.Equal(addr, raw) {
		t.Error("Expected protected header to carry the signing address")
	}

	again, _ := signer.Sign(msg, w.PrivateKey, w.Address, model.NetworkMainnet)
	if again.Signature != sig.Signature {
		t.Error("Expected deterministic signature encoding")
	}

	if _, err := signer.Verify(sig, msg+"x"); err == nil {
		t.Error("Expected payload mismatch to fail verification")
	}

	full := ed25519.NewKeyFromSeed(w.PrivateKey)
	fromFull, err := signer.Sign(msg, full, w.Address, model.NetworkMainnet)
	if err != nil || fromFull.Signature != sig.Signature {
		t.Errorf("Expected 64-byte key to sign identically, got %v", err)
	}
}

func TestCIP8Signer_InputErrors(t *testing.T) {
	signer, _ := NewCIP8Signer()
	w, _ := FromMnemonic(testMnemonic, DefaultPath, model.NetworkMainnet)

	tests := []struct {
		name    string
		key     []byte
		address string
		network model.Network
	}{
		{"short key", make([]byte, 10), w.Address, model.NetworkMainnet},
		{"bad address", w.PrivateKey, "nope", model.NetworkMainnet},
		{"wrong network", w.PrivateKey, w.Address, model.NetworkPreprod},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := signer.Sign("terms", tt.key, tt.address, tt.network)
			if !errors.IsType(err, errors.ErrorTypeValidation) {
				t.Errorf("Expected validation error, got %v", err)
			}
		})
	}
}

func TestVault(t *testing.T) {
	if _, err := NewVault("", testVaultParams()); err == nil {
		t.Error("Expected error for empty passphrase")
	}

	v, err := NewVault("correct horse", testVaultParams())
	if err != nil {
		t.Fatalf("NewVault() error = %v", err)
	}

	secret := []byte(testMnemonic)
	sealed, err := v.Seal(secret)
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if !strings.HasPrefix(sealed, sealPrefix) || strings.Contains(sealed, "abandon") {
		t.Errorf("Unexpected sealed form %q", sealed)
	}

	again, _ := v.Seal(secret)
	if again == sealed {
		t.Error("Expected fresh nonce per seal")
	}

	opened, err := v.Open(sealed)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if !bytes.Equal(opened, secret) {
		t.Error("Expected round trip to restore plaintext")
	}

	// A second vault with the same passphrase but its own salt opens old records.
	other, _ := NewVault("correct horse", testVaultParams())
	if got, err := other.Open(sealed); err != nil || !bytes.Equal(got, secret) {
		t.Errorf("Expected other vault instance to open record, got %v", err)
	}

	wrong, _ := NewVault("wrong", testVaultParams())
	if _, err := wrong.Open(sealed); err == nil {
		t.Error("Expected wrong passphrase to fail")
	}

	if s, _ := v.Seal(nil); s != "" {
		t.Error("Expected empty plaintext to seal to empty string")
	}
	if p, err := v.Open(""); err != nil || p != nil {
		t.Error("Expected empty record to open to nil")
	}
	if _, err := v.Open("v0:abc"); err == nil {
		t.Error("Expected unknown format error")
	}
	if _, err := v.Open(sealPrefix + "AAAA"); err == nil {
		t.Error("Expected short record error")
	}
}
