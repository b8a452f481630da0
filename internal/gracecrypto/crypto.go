// Package gracecrypto provides the signing primitive the governance,
// logic-hub and memory-fusion pipelines stamp onto every mutation. The
// signature scheme itself is treated as an assumed-available primitive
// (ed25519); what this package owns is the envelope shape and key
// management, not the cryptography.
package gracecrypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/grace-platform/control-plane/internal/graceerr"
)

// KeyPair holds an actor's signing identity.
type KeyPair struct {
	Public  ed25519.PublicKey
	private ed25519.PrivateKey
}

// GenerateKeyPair produces a fresh ed25519 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key pair: %w", err)
	}
	return &KeyPair{Public: pub, private: priv}, nil
}

// KeyPairFromSeed reconstructs a KeyPair from a 32-byte seed, e.g. loaded
// from a secrets store at boot.
func KeyPairFromSeed(seed []byte) (*KeyPair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &KeyPair{Public: priv.Public().(ed25519.PublicKey), private: priv}, nil
}

// Envelope is the signed wrapper every governed mutation carries: the JSON
// encoding of the payload, the signer's identity and public key, and the
// signature over that encoding.
type Envelope struct {
	SignerID  string `json:"signer_id"`
	PublicKey string `json:"public_key"`
	Payload   []byte `json:"payload"`
	Signature string `json:"signature"`
}

// Sign canonicalizes value to JSON and produces a signed Envelope.
func (k *KeyPair) Sign(signerID string, value interface{}) (*Envelope, error) {
	payload, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	sig := ed25519.Sign(k.private, payload)
	return &Envelope{
		SignerID:  signerID,
		PublicKey: base64.StdEncoding.EncodeToString(k.Public),
		Payload:   payload,
		Signature: base64.StdEncoding.EncodeToString(sig),
	}, nil
}

// Verify checks that Envelope.Signature is a valid ed25519 signature over
// Envelope.Payload under Envelope.PublicKey.
func Verify(env *Envelope) error {
	pub, err := base64.StdEncoding.DecodeString(env.PublicKey)
	if err != nil {
		return graceerr.SignatureInvalid(fmt.Errorf("decode public key: %w", err))
	}
	sig, err := base64.StdEncoding.DecodeString(env.Signature)
	if err != nil {
		return graceerr.SignatureInvalid(fmt.Errorf("decode signature: %w", err))
	}
	if len(pub) != ed25519.PublicKeySize {
		return graceerr.SignatureInvalid(fmt.Errorf("public key has wrong size %d", len(pub)))
	}
	if !ed25519.Verify(pub, env.Payload, sig) {
		return graceerr.SignatureInvalid(fmt.Errorf("signature does not verify"))
	}
	return nil
}

// Unmarshal decodes the envelope's payload into dst after verifying it.
func Unmarshal(env *Envelope, dst interface{}) error {
	if err := Verify(env); err != nil {
		return err
	}
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	return nil
}

// KeyRing resolves a signer's public key by ID, used to verify envelopes
// produced by a component other than the one doing the verifying (e.g. the
// handshake quorum verifying an onboarding component's self-signed request).
type KeyRing interface {
	PublicKey(signerID string) (ed25519.PublicKey, bool)
}

// staticKeyRing is a simple in-memory KeyRing backed by a map, sufficient
// for single-process deployments and tests.
type staticKeyRing struct {
	keys map[string]ed25519.PublicKey
}

// NewKeyRing builds an empty KeyRing; signers are added with Register.
func NewKeyRing() *staticKeyRing {
	return &staticKeyRing{keys: make(map[string]ed25519.PublicKey)}
}

func (r *staticKeyRing) Register(signerID string, pub ed25519.PublicKey) {
	r.keys[signerID] = pub
}

func (r *staticKeyRing) PublicKey(signerID string) (ed25519.PublicKey, bool) {
	pub, ok := r.keys[signerID]
	return pub, ok
}
