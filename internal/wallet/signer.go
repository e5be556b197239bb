package wallet

import (
	"bytes"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/bardlex/scavenger/internal/model"
	"github.com/bardlex/scavenger/pkg/errors"
)

const opSign = "sign_message"

// COSE header label for the algorithm and the EdDSA identifier.
const (
	coseHeaderAlg = 1
	coseAlgEdDSA  = -8
)

// Signature is what the protocol endpoints expect: a hex COSE_Sign1 envelope
// and the hex raw public key (64 characters).
type Signature struct {
	Signature string
	PubKey    string
}

// Signer signs protocol messages with a wallet key.
type Signer interface {
	Sign(message string, privKey []byte, address string, network model.Network) (*Signature, error)
}

// CIP8Signer produces CIP-8 message signatures (COSE_Sign1, EdDSA).
type CIP8Signer struct {
	enc cbor.EncMode
}

var _ Signer = (*CIP8Signer)(nil)

// NewCIP8Signer builds a signer with deterministic CBOR encoding.
func NewCIP8Signer() (*CIP8Signer, error) {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("failed to build cbor encoder: %w", err)
	}
	return &CIP8Signer{enc: enc}, nil
}

type coseSign1 struct {
	_           struct{} `cbor:",toarray"`
	Protected   []byte
	Unprotected map[string]bool
	Payload     []byte
	Signature   []byte
}

func (s *CIP8Signer) protectedHeader(addrBytes []byte) ([]byte, error) {
	return s.enc.Marshal(map[any]any{
		coseHeaderAlg: coseAlgEdDSA,
		"address":     addrBytes,
	})
}

func (s *CIP8Signer) sigStructure(protected, payload []byte) ([]byte, error) {
	return s.enc.Marshal([]any{"Signature1", protected, []byte{}, payload})
}

// Sign implements Signer. privKey is a 32-byte seed or a 64-byte ed25519
// private key; address must decode to network.
func (s *CIP8Signer) Sign(message string, privKey []byte, address string, network model.Network) (*Signature, error) {
	var priv ed25519.PrivateKey
	switch len(privKey) {
	case ed25519.SeedSize:
		priv = ed25519.NewKeyFromSeed(privKey)
	case ed25519.PrivateKeySize:
		priv = ed25519.PrivateKey(privKey)
	default:
		return nil, errors.Input(opSign, "private key must be %d or %d bytes, got %d", ed25519.SeedSize, ed25519.PrivateKeySize, len(privKey))
	}

	addrBytes, addrNet, err := DecodeAddress(address)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, opSign, "invalid signing address")
	}
	if addrNet != network {
		return nil, errors.Input(opSign, "address %s does not belong to %s", address, network)
	}

	protected, err := s.protectedHeader(addrBytes)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, opSign, "failed to encode protected header")
	}
	payload := []byte(message)
	toSign, err := s.sigStructure(protected, payload)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, opSign, "failed to encode Sig_structure")
	}

	envelope, err := s.enc.Marshal(coseSign1{
		Protected:   protected,
		Unprotected: map[string]bool{"hashed": false},
		Payload:     payload,
		Signature:   ed25519.Sign(priv, toSign),
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, opSign, "failed to encode COSE_Sign1")
	}

	pub := priv.Public().(ed25519.PublicKey)
	return &Signature{
		Signature: hex.EncodeToString(envelope),
		PubKey:    hex.EncodeToString(pub),
	}, nil
}

// Verify checks a Sign output against the expected message and returns the
// raw address bytes from the protected header.
func (s *CIP8Signer) Verify(sig *Signature, message string) ([]byte, error) {
	raw, err := hex.DecodeString(sig.Signature)
	if err != nil {
		return nil, fmt.Errorf("signature is not hex: %w", err)
	}
	pub, err := hex.DecodeString(sig.PubKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key must be %d hex bytes", ed25519.PublicKeySize)
	}

	var env coseSign1
	if err := cbor.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid COSE_Sign1: %w", err)
	}
	if !bytes.Equal(env.Payload, []byte(message)) {
		return nil, fmt.Errorf("payload does not match message")
	}

	var header map[any]any
	if err := cbor.Unmarshal(env.Protected, &header); err != nil {
		return nil, fmt.Errorf("invalid protected header: %w", err)
	}
	addr, ok := header["address"].([]byte)
	if !ok {
		return nil, fmt.Errorf("protected header has no address")
	}

	toSign, err := s.sigStructure(env.Protected, env.Payload)
	if err != nil {
		return nil, err
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), toSign, env.Signature) {
		return nil, fmt.Errorf("signature verification failed")
	}
	return addr, nil
}
