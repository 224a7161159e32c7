package pre

import (
	"crypto/rand"
	"crypto/sha512"
	"fmt"

	"filippo.io/edwards25519"
)

func randomScalar() (*edwards25519.Scalar, error) {
	var buf [64]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return nil, fmt.Errorf("pre: reading random scalar: %w", err)
	}
	s, err := edwards25519.NewScalar().SetUniformBytes(buf[:])
	if err != nil {
		return nil, fmt.Errorf("pre: deriving scalar: %w", err)
	}
	return s, nil
}

func scalarFromBytes(b [32]byte) (*edwards25519.Scalar, error) {
	s, err := edwards25519.NewScalar().SetCanonicalBytes(b[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	return s, nil
}

func pointFromBytes(b [32]byte) (*edwards25519.Point, error) {
	p, err := edwards25519.NewIdentityPoint().SetBytes(b[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	return p, nil
}

func pointToBytes(p *edwards25519.Point) PublicKey {
	var out PublicKey
	copy(out[:], p.Bytes())
	return out
}

func scalarToBytes(s *edwards25519.Scalar) [32]byte {
	var out [32]byte
	copy(out[:], s.Bytes())
	return out
}

// hashToScalar derives a scalar deterministically from arbitrary
// public inputs via SHA-512 wide reduction, the same technique
// edwards25519 uses internally for its own hash-to-scalar needs.
func hashToScalar(parts ...[]byte) (*edwards25519.Scalar, error) {
	h := sha512.New()
	for _, p := range parts {
		h.Write(p)
	}
	wide := h.Sum(nil)
	s, err := edwards25519.NewScalar().SetUniformBytes(wide)
	if err != nil {
		return nil, fmt.Errorf("pre: hashing to scalar: %w", err)
	}
	return s, nil
}
