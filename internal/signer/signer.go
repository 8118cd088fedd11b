// Package signer abstracts transaction signing behind an MPC-style interface.
// Signing is deterministic with respect to the input bytes so a retried
// settlement produces an identical signature.
package signer

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"
	"sync"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/sardislabs/sardis/internal/canonical"
)

// Signer signs on behalf of a wallet's key under a chain scheme. Rails choose
// the entry point their chain expects: Solana signs the raw message bytes,
// EVM signs a 32-byte transaction hash.
type Signer interface {
	// SignMessage signs the message bytes directly (ed25519 rails).
	SignMessage(ctx context.Context, walletID, scheme string, message []byte) ([]byte, error)
	// SignDigest signs a precomputed 32-byte digest (secp256k1 rails). The
	// returned signature is 65 bytes r||s||v.
	SignDigest(ctx context.Context, walletID, scheme string, digest [32]byte) ([]byte, error)
	// PublicKey returns the hex public key for the wallet under the scheme.
	PublicKey(ctx context.Context, walletID, scheme string) (string, error)
}

// Signing schemes.
const (
	SchemeEd25519   = "ed25519"
	SchemeSecp256k1 = "secp256k1"
)

// SignCanonical canonicalizes tx and signs the resulting bytes: the message
// itself for ed25519, its SHA-256 digest for secp256k1.
func SignCanonical(ctx context.Context, s Signer, walletID, scheme string, tx any) ([]byte, error) {
	message, err := canonical.Canonicalize(tx)
	if err != nil {
		return nil, fmt.Errorf("signer: canonicalize tx: %w", err)
	}
	if scheme == SchemeSecp256k1 {
		return s.SignDigest(ctx, walletID, scheme, sha256.Sum256(message))
	}
	return s.SignMessage(ctx, walletID, scheme, message)
}

// LocalSigner derives per-wallet keys from a root seed. It stands in for an
// MPC provider in development and simulated mode; production deployments wire
// a provider-backed implementation instead.
type LocalSigner struct {
	seed []byte

	mu   sync.Mutex
	keys map[string]ed25519.PrivateKey
}

// NewLocalSigner constructs a signer from a root seed.
func NewLocalSigner(seed []byte) (*LocalSigner, error) {
	if len(seed) < 16 {
		return nil, fmt.Errorf("signer: seed must be at least 16 bytes")
	}
	return &LocalSigner{seed: seed, keys: make(map[string]ed25519.PrivateKey)}, nil
}

// derive builds a wallet-and-scheme specific 32-byte key seed.
func (s *LocalSigner) derive(walletID, scheme string) [32]byte {
	h := sha256.New()
	h.Write(s.seed)
	h.Write([]byte("|"))
	h.Write([]byte(walletID))
	h.Write([]byte("|"))
	h.Write([]byte(scheme))
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func (s *LocalSigner) ed25519Key(walletID string) ed25519.PrivateKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	if key, ok := s.keys[walletID]; ok {
		return key
	}
	seed := s.derive(walletID, SchemeEd25519)
	key := ed25519.NewKeyFromSeed(seed[:])
	s.keys[walletID] = key
	return key
}

// SignMessage implements Signer for ed25519.
func (s *LocalSigner) SignMessage(_ context.Context, walletID, scheme string, message []byte) ([]byte, error) {
	if scheme != SchemeEd25519 {
		return nil, fmt.Errorf("signer: scheme %q does not sign raw messages", scheme)
	}
	return ed25519.Sign(s.ed25519Key(walletID), message), nil
}

// SignDigest implements Signer for secp256k1.
func (s *LocalSigner) SignDigest(_ context.Context, walletID, scheme string, digest [32]byte) ([]byte, error) {
	if scheme != SchemeSecp256k1 {
		return nil, fmt.Errorf("signer: scheme %q does not sign digests", scheme)
	}
	seed := s.derive(walletID, SchemeSecp256k1)
	key, err := ethcrypto.ToECDSA(seed[:])
	if err != nil {
		return nil, fmt.Errorf("signer: derive secp256k1 key: %w", err)
	}
	return ethcrypto.Sign(digest[:], key)
}

// PublicKey returns the wallet's hex public key for the scheme.
func (s *LocalSigner) PublicKey(_ context.Context, walletID, scheme string) (string, error) {
	switch scheme {
	case SchemeEd25519:
		pub := s.ed25519Key(walletID).Public().(ed25519.PublicKey)
		return fmt.Sprintf("%x", []byte(pub)), nil

	case SchemeSecp256k1:
		seed := s.derive(walletID, SchemeSecp256k1)
		key, err := ethcrypto.ToECDSA(seed[:])
		if err != nil {
			return "", fmt.Errorf("signer: derive secp256k1 key: %w", err)
		}
		return fmt.Sprintf("%x", ethcrypto.CompressPubkey(&key.PublicKey)), nil

	default:
		return "", fmt.Errorf("signer: unsupported scheme %q", scheme)
	}
}
