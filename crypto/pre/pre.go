package pre

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"hash"
	"io"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/hkdf"
)

// GenerateKeyPair returns a fresh edwards25519 scalar/point pair used as
// a delegator or delegatee identity for PRE operations.
func GenerateKeyPair() (PrivateKey, PublicKey, error) {
	sk, err := randomScalar()
	if err != nil {
		return PrivateKey{}, PublicKey{}, err
	}
	pk := edwards25519.NewIdentityPoint().ScalarBaseMult(sk)
	var skOut PrivateKey
	copy(skOut[:], sk.Bytes())
	return skOut, pointToBytes(pk), nil
}

// Encrypt produces a Capsule and an AEAD ciphertext of plaintext under
// recipientPK. It requires only the recipient's public key, per spec
// §4.1's `encrypt(recipient_pubkey, plaintext)`.
func Encrypt(recipientPK PublicKey, plaintext []byte) (Capsule, []byte, error) {
	pk, err := pointFromBytes(recipientPK)
	if err != nil {
		return Capsule{}, nil, err
	}

	e, err := randomScalar()
	if err != nil {
		return Capsule{}, nil, err
	}
	v, err := randomScalar()
	if err != nil {
		return Capsule{}, nil, err
	}

	E := edwards25519.NewIdentityPoint().ScalarBaseMult(e)
	V := edwards25519.NewIdentityPoint().ScalarBaseMult(v)

	h, err := hashToScalar(E.Bytes(), V.Bytes())
	if err != nil {
		return Capsule{}, nil, err
	}
	// s = v + e*h mod L
	s := edwards25519.NewScalar().Add(v, edwards25519.NewScalar().Multiply(e, h))

	capsule := Capsule{E: pointToBytes(E), V: pointToBytes(V), S: scalarToBytes(s)}

	// shared_point = (e+v) * recipientPK
	ev := edwards25519.NewScalar().Add(e, v)
	shared := edwards25519.NewIdentityPoint().ScalarMult(ev, pk)

	key, err := deriveSymmetricKey(shared.Bytes(), recipientPK[:])
	if err != nil {
		return Capsule{}, nil, err
	}
	ciphertext, err := seal(key, plaintext)
	if err != nil {
		return Capsule{}, nil, err
	}
	return capsule, ciphertext, nil
}

// VerifyCapsule checks the self-consistency of a Capsule: s*G == V + h*E.
// Any tampering with E, V, or S is detected without needing the plaintext.
func VerifyCapsule(c Capsule) error {
	E, err := pointFromBytes(c.E)
	if err != nil {
		return err
	}
	V, err := pointFromBytes(c.V)
	if err != nil {
		return err
	}
	s, err := scalarFromBytes(c.S)
	if err != nil {
		return err
	}
	h, err := hashToScalar(E.Bytes(), V.Bytes())
	if err != nil {
		return err
	}

	lhs := edwards25519.NewIdentityPoint().ScalarBaseMult(s)
	rhs := edwards25519.NewIdentityPoint().Add(V, edwards25519.NewIdentityPoint().ScalarMult(h, E))

	if lhs.Equal(rhs) != 1 {
		return ErrCapsuleIntegrity
	}
	return nil
}

// DecryptOriginal lets the delegator who performed Encrypt read back
// their own ciphertext directly, without any fragments — used by
// nodeclient right after spawn_reverie to confirm round-trip integrity
// before ever broadcasting fragments (mirrors
// original_source/node/p2p-network's self-decrypt sanity check).
func DecryptOriginal(sk PrivateKey, pk PublicKey, c Capsule, ciphertext []byte) ([]byte, error) {
	s, err := scalarFromBytes(sk)
	if err != nil {
		return nil, err
	}
	E, err := pointFromBytes(c.E)
	if err != nil {
		return nil, err
	}
	V, err := pointFromBytes(c.V)
	if err != nil {
		return nil, err
	}
	capsulePoint := edwards25519.NewIdentityPoint().Add(E, V)
	shared := edwards25519.NewIdentityPoint().ScalarMult(s, capsulePoint)

	key, err := deriveSymmetricKey(shared.Bytes(), pk[:])
	if err != nil {
		return nil, err
	}
	return open(key, ciphertext)
}

func newSHA256() hash.Hash { return sha256.New() }

func deriveSymmetricKey(sharedPointBytes, contextInfo []byte) ([]byte, error) {
	reader := hkdf.New(newSHA256, sharedPointBytes, nil, contextInfo)
	key := make([]byte, 32)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("pre: deriving symmetric key: %w", err)
	}
	return key, nil
}

func seal(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("pre: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("pre: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("pre: generating nonce: %w", err)
	}
	return append(nonce, aead.Seal(nil, nonce, plaintext, nil)...), nil
}

func open(key, sealed []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("pre: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("pre: %w", err)
	}
	if len(sealed) < aead.NonceSize() {
		return nil, ErrDecryptionFailed
	}
	nonce, body := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, body, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return plaintext, nil
}

// kfragDigest builds the public portion of a kfrag/cfrag (index,
// threshold, total, precursor and both parties' keys, but not the
// share itself) signed by the signer so every holder can verify authenticity without contacting
// the delegator, per spec §4.1: "The signer signs both delegating and
// receiving keys so downstream holders can verify authenticity without
// contacting the sender."
func kfragDigest(index, threshold, total uint8, precursor, delegatorPK, delegateePK PublicKey) []byte {
	buf := make([]byte, 0, 3+32*3)
	buf = append(buf, index, threshold, total)
	buf = append(buf, precursor[:]...)
	buf = append(buf, delegatorPK[:]...)
	buf = append(buf, delegateePK[:]...)
	return buf
}

// Signer produces the Ed25519 signature attached to every KeyFragment;
// callers pass the same signer used for the reverie-wide identity key.
type Signer interface {
	Sign(message []byte) ([]byte, error)
	PublicKeyBytes() []byte
}

// ed25519Signer adapts a raw ed25519 private key to Signer for tests
// and simple callers.
type ed25519Signer struct {
	priv ed25519.PrivateKey
}

// NewEd25519Signer wraps a raw Ed25519 private key as a Signer.
func NewEd25519Signer(priv ed25519.PrivateKey) Signer {
	return &ed25519Signer{priv: priv}
}

func (s *ed25519Signer) Sign(message []byte) ([]byte, error) {
	return ed25519.Sign(s.priv, message), nil
}

func (s *ed25519Signer) PublicKeyBytes() []byte {
	pub, ok := s.priv.Public().(ed25519.PublicKey)
	if !ok {
		return nil
	}
	return []byte(pub)
}
