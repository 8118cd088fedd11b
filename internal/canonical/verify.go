package canonical

import (
	"crypto/ed25519"
	"encoding/hex"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/sardislabs/sardis/internal/sarderr"
)

// Algorithm identifies a supported signature scheme.
type Algorithm string

const (
	AlgEd25519   Algorithm = "ed25519"
	AlgSecp256k1 Algorithm = "secp256k1"
)

// VerificationMethod is the parsed form of a mandate proof's
// verification_method field: "did#alg:pubkey_hex".
type VerificationMethod struct {
	DID       string
	Algorithm Algorithm
	PubKeyHex string
}

// ParseVerificationMethod splits a verification method string into its parts.
func ParseVerificationMethod(vm string) (VerificationMethod, error) {
	hashIdx := strings.Index(vm, "#")
	if hashIdx < 0 {
		return VerificationMethod{}, sarderr.New(sarderr.CodeSignatureMalformed, "verification method missing fragment: %q", vm)
	}
	fragment := vm[hashIdx+1:]
	colonIdx := strings.Index(fragment, ":")
	if colonIdx < 0 {
		return VerificationMethod{}, sarderr.New(sarderr.CodeSignatureMalformed, "verification method missing key material: %q", vm)
	}

	alg := Algorithm(strings.ToLower(fragment[:colonIdx]))
	switch alg {
	case AlgEd25519, AlgSecp256k1:
	default:
		return VerificationMethod{}, sarderr.New(sarderr.CodeSignatureMalformed, "unsupported algorithm %q", fragment[:colonIdx])
	}

	return VerificationMethod{
		DID:       vm[:hashIdx],
		Algorithm: alg,
		PubKeyHex: fragment[colonIdx+1:],
	}, nil
}

// Verify checks sig over message with the given algorithm and hex public key.
// Malformed key or signature material returns signature_malformed; a clean
// cryptographic mismatch returns (false, nil).
func Verify(alg Algorithm, pubKeyHex string, message, sig []byte) (bool, error) {
	pubKey, err := hex.DecodeString(strings.TrimPrefix(pubKeyHex, "0x"))
	if err != nil {
		return false, sarderr.New(sarderr.CodeSignatureMalformed, "decode public key: %v", err)
	}

	switch alg {
	case AlgEd25519:
		if len(pubKey) != ed25519.PublicKeySize {
			return false, sarderr.New(sarderr.CodeSignatureMalformed, "ed25519 public key must be %d bytes, got %d", ed25519.PublicKeySize, len(pubKey))
		}
		if len(sig) != ed25519.SignatureSize {
			return false, sarderr.New(sarderr.CodeSignatureMalformed, "ed25519 signature must be %d bytes, got %d", ed25519.SignatureSize, len(sig))
		}
		return ed25519.Verify(ed25519.PublicKey(pubKey), message, sig), nil

	case AlgSecp256k1:
		// secp256k1 signatures cover the SHA-256 digest of the canonical message.
		if len(pubKey) != 33 && len(pubKey) != 65 {
			return false, sarderr.New(sarderr.CodeSignatureMalformed, "secp256k1 public key must be 33 or 65 bytes, got %d", len(pubKey))
		}
		if len(sig) != 64 && len(sig) != 65 {
			return false, sarderr.New(sarderr.CodeSignatureMalformed, "secp256k1 signature must be 64 or 65 bytes, got %d", len(sig))
		}
		digest := HashSHA256(message)
		return ethcrypto.VerifySignature(pubKey, digest[:], sig[:64]), nil

	default:
		return false, sarderr.New(sarderr.CodeSignatureMalformed, "unsupported algorithm %q", alg)
	}
}

// VerifyWithMethod parses vm and verifies sig over message with the encoded key.
func VerifyWithMethod(vm string, message, sig []byte) (bool, error) {
	parsed, err := ParseVerificationMethod(vm)
	if err != nil {
		return false, err
	}
	return Verify(parsed.Algorithm, parsed.PubKeyHex, message, sig)
}
