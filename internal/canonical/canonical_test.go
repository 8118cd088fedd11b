package canonical

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalizeSortsKeys(t *testing.T) {
	out, err := CanonicalizeRaw([]byte(`{"b":2,"a":1,"nested":{"z":true,"y":false}}`))
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"b":2,"nested":{"y":false,"z":true}}`, string(out))
}

func TestCanonicalizeDeterministic(t *testing.T) {
	v := map[string]any{
		"amount_minor": int64(5500),
		"currency":     "USDC",
		"merchant":     map[string]any{"domain": "example.com", "id": "m-1"},
	}
	first, err := Canonicalize(v)
	require.NoError(t, err)
	second, err := Canonicalize(v)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, HashHex(first), HashHex(second))
}

func TestRequestHashDiffersOnPayloadChange(t *testing.T) {
	a, err := RequestHash(map[string]any{"amount": 100})
	require.NoError(t, err)
	b, err := RequestHash(map[string]any{"amount": 101})
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestParseVerificationMethod(t *testing.T) {
	vm, err := ParseVerificationMethod("did:sardis:agent-001#ed25519:aabbcc")
	require.NoError(t, err)
	assert.Equal(t, "did:sardis:agent-001", vm.DID)
	assert.Equal(t, AlgEd25519, vm.Algorithm)
	assert.Equal(t, "aabbcc", vm.PubKeyHex)

	_, err = ParseVerificationMethod("did:sardis:agent-001")
	require.Error(t, err)

	_, err = ParseVerificationMethod("did:sardis:agent-001#rsa:aabbcc")
	require.Error(t, err)
}

func TestVerifyEd25519(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	message := []byte(`{"amount_minor":5500}`)
	sig := ed25519.Sign(priv, message)

	ok, err := Verify(AlgEd25519, hex.EncodeToString(pub), message, sig)
	require.NoError(t, err)
	assert.True(t, ok)

	// Flipping one bit must fail cleanly, not error.
	bad := make([]byte, len(sig))
	copy(bad, sig)
	bad[0] ^= 0x01
	ok, err = Verify(AlgEd25519, hex.EncodeToString(pub), message, bad)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyEd25519MalformedKey(t *testing.T) {
	ok, err := Verify(AlgEd25519, "deadbeef", []byte("msg"), make([]byte, ed25519.SignatureSize))
	assert.False(t, ok)
	require.Error(t, err)
}

func TestVerifySecp256k1(t *testing.T) {
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)

	message := []byte(`{"amount_minor":5500}`)
	digest := HashSHA256(message)
	sig, err := ethcrypto.Sign(digest[:], key)
	require.NoError(t, err)

	pub := ethcrypto.CompressPubkey(&key.PublicKey)
	ok, err := Verify(AlgSecp256k1, hex.EncodeToString(pub), message, sig)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Verify(AlgSecp256k1, hex.EncodeToString(pub), []byte("other"), sig)
	require.NoError(t, err)
	assert.False(t, ok)
}
