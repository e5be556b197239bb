package wallet

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
	"sync"

	"golang.org/x/crypto/scrypt"
)

const (
	sealPrefix   = "v1:"
	scryptKeyLen = 32
	saltLen      = 32
	nonceLen     = 12
)

// VaultParams are the scrypt cost parameters.
type VaultParams struct {
	N int
	R int
	P int
}

// DefaultVaultParams trades some hardness for one derivation per process:
// every record sealed by a Vault shares its salt, so the key is derived once.
func DefaultVaultParams() VaultParams {
	return VaultParams{N: 1 << 15, R: 8, P: 1}
}

// Vault seals wallet secrets (seeds, mnemonics, imported key lists) before
// they reach the store. Records have the form "v1:" + base64(salt|nonce|ciphertext).
type Vault struct {
	passphrase []byte
	params     VaultParams
	salt       []byte

	mu   sync.Mutex
	keys map[string]cipher.AEAD // by salt
}

// NewVault creates a vault with a fresh salt for new records.
func NewVault(passphrase string, params VaultParams) (*Vault, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("vault passphrase cannot be empty")
	}
	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return &Vault{
		passphrase: []byte(passphrase),
		params:     params,
		salt:       salt,
		keys:       make(map[string]cipher.AEAD),
	}, nil
}

func (v *Vault) aead(salt []byte) (cipher.AEAD, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if a, ok := v.keys[string(salt)]; ok {
		return a, nil
	}

	key, err := scrypt.Key(v.passphrase, salt, v.params.N, v.params.R, v.params.P, scryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	defer clear(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aesGCM, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	v.keys[string(salt)] = aesGCM
	return aesGCM, nil
}

// Seal encrypts plaintext. An empty plaintext seals to the empty string.
func (v *Vault) Seal(plaintext []byte) (string, error) {
	if len(plaintext) == 0 {
		return "", nil
	}
	aesGCM, err := v.aead(v.salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, nonceLen)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	out := make([]byte, 0, saltLen+nonceLen+len(plaintext)+aesGCM.Overhead())
	out = append(out, v.salt...)
	out = append(out, nonce...)
	out = aesGCM.Seal(out, nonce, plaintext, nil)
	return sealPrefix + base64.StdEncoding.EncodeToString(out), nil
}

// Open decrypts a record produced by Seal with the same passphrase.
func (v *Vault) Open(sealed string) ([]byte, error) {
	if sealed == "" {
		return nil, nil
	}
	if !strings.HasPrefix(sealed, sealPrefix) {
		return nil, fmt.Errorf("unknown sealed record format")
	}
	raw, err := base64.StdEncoding.DecodeString(sealed[len(sealPrefix):])
	if err != nil {
		return nil, fmt.Errorf("failed to decode sealed record: %w", err)
	}
	if len(raw) < saltLen+nonceLen {
		return nil, fmt.Errorf("sealed record too short")
	}

	salt, nonce, ciphertext := raw[:saltLen], raw[saltLen:saltLen+nonceLen], raw[saltLen+nonceLen:]
	aesGCM, err := v.aead(salt)
	if err != nil {
		return nil, err
	}
	plaintext, err := aesGCM.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid passphrase or corrupted record")
	}
	return plaintext, nil
}
