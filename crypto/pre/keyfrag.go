package pre

import (
	"crypto/ed25519"
	"fmt"

	"filippo.io/edwards25519"
)

// SplitKey fragments the ability to re-encrypt a Capsule delegated by
// delegatorSK into n KeyFragments, t of which are required to
// reconstruct the re-encryption key. Implements spec §4.1
// `split_key(sender_sk, recipient_pk, signer, threshold, total)`.
//
// The re-encryption key is blinded via a fresh Diffie-Hellman exchange
// between an ephemeral scalar x (the "precursor") and delegateePK, so
// that only the delegatee (who later supplies their own secret key to
// DecryptWithCfrags) can remove the blind — fragment holders and the
// delegator's peer never see delegatorSK or the unblinded key.
func SplitKey(delegatorSK PrivateKey, delegatorPK, delegateePK PublicKey, signer Signer, threshold, total uint8) ([]KeyFragment, error) {
	if threshold < 1 || total < threshold || total > 32 {
		return nil, ErrInvalidThreshold
	}

	skA, err := scalarFromBytes(delegatorSK)
	if err != nil {
		return nil, err
	}
	pkB, err := pointFromBytes(delegateePK)
	if err != nil {
		return nil, err
	}

	x, err := randomScalar()
	if err != nil {
		return nil, err
	}
	precursor := edwards25519.NewIdentityPoint().ScalarBaseMult(x)
	dhSecret := edwards25519.NewIdentityPoint().ScalarMult(x, pkB)

	d, err := blindingFactor(precursor.Bytes(), dhSecret.Bytes(), delegatorPK[:], delegateePK[:])
	if err != nil {
		return nil, err
	}
	dInv := edwards25519.NewScalar().Invert(d)

	// rk = sk_a * d^{-1} mod L, the base re-encryption key, is the
	// constant term of a degree (threshold-1) polynomial.
	rk := edwards25519.NewScalar().Multiply(skA, dInv)

	coeffs := make([]*edwards25519.Scalar, threshold-1)
	for i := range coeffs {
		c, err := randomScalar()
		if err != nil {
			return nil, err
		}
		coeffs[i] = c
	}

	precursorBytes := pointToBytes(precursor)
	frags := make([]KeyFragment, total)
	for i := uint8(0); i < total; i++ {
		// Shamir evaluation point is 1-indexed (x=0 is reserved for rk itself).
		value := evalPolynomial(rk, coeffs, int64(i)+1)

		kf := KeyFragment{
			Index:       i,
			Threshold:   threshold,
			Total:       total,
			Value:       scalarToBytes(value),
			Precursor:   precursorBytes,
			DelegatorPK: delegatorPK,
			DelegateePK: delegateePK,
			VerifyingPK: signer.PublicKeyBytes(),
		}
		sig, err := signer.Sign(kfragDigest(kf.Index, kf.Threshold, kf.Total, kf.Precursor, kf.DelegatorPK, kf.DelegateePK))
		if err != nil {
			return nil, fmt.Errorf("pre: signing key fragment %d: %w", i, err)
		}
		kf.Signature = sig
		frags[i] = kf
	}
	return frags, nil
}

// evalPolynomial computes f(x) = constant + sum(coeffs[i] * x^(i+1)) mod L.
func evalPolynomial(constant *edwards25519.Scalar, coeffs []*edwards25519.Scalar, x int64) *edwards25519.Scalar {
	result := edwards25519.NewScalar().Set(constant)
	xScalar := scalarFromInt64(x)
	power := edwards25519.NewScalar().Set(xScalar)
	for _, c := range coeffs {
		term := edwards25519.NewScalar().Multiply(c, power)
		result = edwards25519.NewScalar().Add(result, term)
		power = edwards25519.NewScalar().Multiply(power, xScalar)
	}
	return result
}

func scalarFromInt64(x int64) *edwards25519.Scalar {
	var buf [64]byte
	if x >= 0 {
		buf[0] = byte(x)
		buf[1] = byte(x >> 8)
	}
	s, err := edwards25519.NewScalar().SetUniformBytes(buf[:])
	if err != nil {
		// buf is always a valid 64-byte input to SetUniformBytes.
		panic(err)
	}
	return s
}

// blindingFactor derives the deterministic scalar `d` both the
// delegator (at split time, knowing x) and the delegatee (at decrypt
// time, knowing delegateeSK and recovering the same DH secret via
// delegateeSK*Precursor) can compute independently.
func blindingFactor(precursorBytes, dhSecretBytes, delegatorPK, delegateePK []byte) (*edwards25519.Scalar, error) {
	return hashToScalar(precursorBytes, dhSecretBytes, delegatorPK, delegateePK)
}

// VerifyKeyFrag checks a KeyFragment's signature against verifyingPK
// and confirms it was issued for the claimed (delegator, delegatee)
// pair, per spec §4.1 `verify_keyfrag`.
func VerifyKeyFrag(kf KeyFragment, verifyingPK ed25519.PublicKey, delegatorPK, delegateePK PublicKey) error {
	if kf.DelegatorPK != delegatorPK || kf.DelegateePK != delegateePK {
		return ErrInvalidKeyFrag
	}
	if len(kf.VerifyingPK) != ed25519.PublicKeySize || string(kf.VerifyingPK) != string(verifyingPK) {
		return ErrInvalidKeyFrag
	}
	digest := kfragDigest(kf.Index, kf.Threshold, kf.Total, kf.Precursor, kf.DelegatorPK, kf.DelegateePK)
	if !ed25519.Verify(verifyingPK, digest, kf.Signature) {
		return ErrInvalidKeyFrag
	}
	return nil
}

// Reencrypt applies a verified KeyFragment to a Capsule, producing a
// CapsuleFragment. Implements spec §4.1 `reencrypt(capsule, verified_keyfrag)`.
func Reencrypt(capsule Capsule, kf KeyFragment) (CapsuleFragment, error) {
	E, err := pointFromBytes(capsule.E)
	if err != nil {
		return CapsuleFragment{}, err
	}
	V, err := pointFromBytes(capsule.V)
	if err != nil {
		return CapsuleFragment{}, err
	}
	value, err := scalarFromBytes(kf.Value)
	if err != nil {
		return CapsuleFragment{}, err
	}

	E1 := edwards25519.NewIdentityPoint().ScalarMult(value, E)
	V1 := edwards25519.NewIdentityPoint().ScalarMult(value, V)

	return CapsuleFragment{
		Index:       kf.Index,
		Threshold:   kf.Threshold,
		Total:       kf.Total,
		E1:          pointToBytes(E1),
		V1:          pointToBytes(V1),
		Precursor:   kf.Precursor,
		DelegatorPK: kf.DelegatorPK,
		DelegateePK: kf.DelegateePK,
		VerifyingPK: kf.VerifyingPK,
		Signature:   kf.Signature,
	}, nil
}

// VerifyCapsuleFrag checks a CapsuleFragment's forwarded signature the
// same way VerifyKeyFrag does for its source KeyFragment — the
// signature covers only public commitment data, so it survives the
// E1/V1 transformation unchanged.
func VerifyCapsuleFrag(cf CapsuleFragment, verifyingPK ed25519.PublicKey, delegatorPK, delegateePK PublicKey) error {
	if cf.DelegatorPK != delegatorPK || cf.DelegateePK != delegateePK {
		return ErrInvalidKeyFrag
	}
	if len(cf.VerifyingPK) != ed25519.PublicKeySize || string(cf.VerifyingPK) != string(verifyingPK) {
		return ErrInvalidKeyFrag
	}
	digest := kfragDigest(cf.Index, cf.Threshold, cf.Total, cf.Precursor, cf.DelegatorPK, cf.DelegateePK)
	if !ed25519.Verify(verifyingPK, digest, cf.Signature) {
		return ErrInvalidKeyFrag
	}
	return nil
}

// DecryptWithCfrags reconstructs the re-encryption key from >= threshold
// CapsuleFragments via Lagrange interpolation at x=0, removes the DH
// blind using delegateeSK, and opens the AEAD ciphertext. Callers must
// have already run VerifyCapsuleFrag on every element of cfrags —
// this function trusts its input and only checks threshold/index
// bookkeeping. Implements spec §4.1 `decrypt_with_cfrags`; fails
// closed (no partial output) below threshold, per invariant I4.
func DecryptWithCfrags(delegateeSK PrivateKey, capsule Capsule, cfrags []CapsuleFragment, ciphertext []byte) ([]byte, error) {
	if len(cfrags) == 0 {
		return nil, ErrInsufficientCfrags
	}
	threshold := int(cfrags[0].Threshold)
	seen := make(map[uint8]bool, len(cfrags))
	usable := make([]CapsuleFragment, 0, len(cfrags))
	for _, cf := range cfrags {
		if seen[cf.Index] {
			return nil, ErrDuplicateFragIndex
		}
		seen[cf.Index] = true
		usable = append(usable, cf)
	}
	if len(usable) < threshold {
		return nil, ErrInsufficientCfrags
	}
	usable = usable[:threshold]

	combinedE1 := edwards25519.NewIdentityPoint()
	combinedV1 := edwards25519.NewIdentityPoint()
	for i, cf := range usable {
		lambda, err := lagrangeCoefficientAtZero(usable, i)
		if err != nil {
			return nil, err
		}
		e1, err := pointFromBytes(cf.E1)
		if err != nil {
			return nil, err
		}
		v1, err := pointFromBytes(cf.V1)
		if err != nil {
			return nil, err
		}
		combinedE1.Add(combinedE1, edwards25519.NewIdentityPoint().ScalarMult(lambda, e1))
		combinedV1.Add(combinedV1, edwards25519.NewIdentityPoint().ScalarMult(lambda, v1))
	}

	precursor, err := pointFromBytes(usable[0].Precursor)
	if err != nil {
		return nil, err
	}
	skB, err := scalarFromBytes(delegateeSK)
	if err != nil {
		return nil, err
	}
	dhSecret := edwards25519.NewIdentityPoint().ScalarMult(skB, precursor)

	d, err := blindingFactor(precursor.Bytes(), dhSecret.Bytes(), usable[0].DelegatorPK[:], usable[0].DelegateePK[:])
	if err != nil {
		return nil, err
	}

	// combined = rk*(E+V) = sk_a*d^{-1}*(E+V); multiplying by d removes
	// the blind and leaves sk_a*(E+V), the same shared point Encrypt
	// computed as (e+v)*pk_a.
	combined := edwards25519.NewIdentityPoint().Add(combinedE1, combinedV1)
	shared := edwards25519.NewIdentityPoint().ScalarMult(d, combined)

	key, err := deriveSymmetricKey(shared.Bytes(), usable[0].DelegatorPK[:])
	if err != nil {
		return nil, err
	}
	return open(key, ciphertext)
}

// lagrangeCoefficientAtZero computes the Lagrange basis coefficient for
// usable[i], evaluated at x=0, over the indices in usable (1-indexed
// Shamir x-coordinates: fragment index + 1).
func lagrangeCoefficientAtZero(frags []CapsuleFragment, i int) (*edwards25519.Scalar, error) {
	xi := scalarFromInt64(int64(frags[i].Index) + 1)
	num := edwards25519.NewScalar().Set(scalarOne())
	den := edwards25519.NewScalar().Set(scalarOne())
	for j, f := range frags {
		if j == i {
			continue
		}
		xj := scalarFromInt64(int64(f.Index) + 1)
		// numerator *= (0 - xj) = -xj
		negXj := edwards25519.NewScalar().Subtract(scalarZero(), xj)
		num = edwards25519.NewScalar().Multiply(num, negXj)
		// denominator *= (xi - xj)
		diff := edwards25519.NewScalar().Subtract(xi, xj)
		den = edwards25519.NewScalar().Multiply(den, diff)
	}
	denInv := edwards25519.NewScalar().Invert(den)
	return edwards25519.NewScalar().Multiply(num, denInv), nil
}

func scalarOne() *edwards25519.Scalar {
	return scalarFromInt64(1)
}

func scalarZero() *edwards25519.Scalar {
	return edwards25519.NewScalar()
}
