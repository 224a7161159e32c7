package access

import (
	"crypto/ed25519"
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalDigestIsDeterministic(t *testing.T) {
	d1 := CanonicalDigest("reverie-1", 0, 1000)
	d2 := CanonicalDigest("reverie-1", 0, 1000)
	assert.Equal(t, d1, d2)

	d3 := CanonicalDigest("reverie-1", 1, 1000)
	assert.NotEqual(t, d1, d3)
}

func TestVerifyEd25519(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	cond := Ed25519Condition(pub)
	digest := CanonicalDigest("reverie-ed25519", 0, 1000)
	sig := ed25519.Sign(priv, digest)

	require.NoError(t, Verify(cond, "reverie-ed25519", 0, 1000, AccessKey{Signature: sig}))

	badSig := append([]byte(nil), sig...)
	badSig[0] ^= 0xFF
	assert.ErrorIs(t, Verify(cond, "reverie-ed25519", 0, 1000, AccessKey{Signature: badSig}), ErrVerificationFailed)
}

func TestVerifyEcdsa(t *testing.T) {
	privateKey, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	address := ethcrypto.PubkeyToAddress(privateKey.PublicKey).Hex()

	cond := EcdsaCondition(address)
	digest := CanonicalDigest("reverie-ecdsa", 0, 0)
	sig, err := ethcrypto.Sign(digest, privateKey)
	require.NoError(t, err)

	require.NoError(t, Verify(cond, "reverie-ecdsa", 0, 0, AccessKey{Signature: sig}))

	otherKey, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	otherCond := EcdsaCondition(ethcrypto.PubkeyToAddress(otherKey.PublicKey).Hex())
	assert.ErrorIs(t, Verify(otherCond, "reverie-ecdsa", 0, 0, AccessKey{Signature: sig}), ErrVerificationFailed)
}

func TestVerifyUmbral(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	var umbralPK [32]byte
	copy(umbralPK[:], pub)
	cond := UmbralCondition(umbralPK)

	digest := CanonicalDigest("reverie-umbral", 2, 42)
	sig := ed25519.Sign(priv, digest)

	require.NoError(t, Verify(cond, "reverie-umbral", 2, 42, AccessKey{Signature: sig}))
}

func TestVerifyContractRejected(t *testing.T) {
	cond := ContractCondition("payments.test", "alice", 100)
	err := Verify(cond, "reverie-contract", 0, 0, AccessKey{})
	assert.Error(t, err)
}

type fakeOracle struct {
	balances map[string]uint64
	spent    map[string]uint64
}

func newFakeOracle() *fakeOracle {
	return &fakeOracle{balances: map[string]uint64{}, spent: map[string]uint64{}}
}

func (f *fakeOracle) CanSpend(contractID, userID string, minAmount uint64) (bool, error) {
	return f.balances[contractID+":"+userID] >= minAmount, nil
}

func (f *fakeOracle) RecordSpend(contractID, userID string, amount uint64) error {
	f.spent[contractID+":"+userID] += amount
	return nil
}

func TestCheckContract(t *testing.T) {
	oracle := newFakeOracle()
	oracle.balances["payments.test:alice"] = 50

	cond := ContractCondition("payments.test", "alice", 100)
	assert.ErrorIs(t, CheckContract(cond, oracle), ErrInsufficientFunds)

	oracle.balances["payments.test:alice"] = 150
	require.NoError(t, CheckContract(cond, oracle))

	require.NoError(t, oracle.RecordSpend("payments.test", "alice", 100))
	assert.Equal(t, uint64(100), oracle.spent["payments.test:alice"])
}

func TestCheckContractRejectsWrongVariant(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	cond := Ed25519Condition(pub)
	assert.Error(t, CheckContract(cond, newFakeOracle()))
}
