// Copyright (C) 2025 sage-x-project
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// SPDX-License-Identifier: LGPL-3.0-or-later

// Package access implements the declarative predicates that gate every
// reverie operation: a presented access-key either verifies against a
// signature scheme (Ed25519, Ecdsa, Umbral) or is checked against an
// external balance oracle (Contract). Every variant consumes the same
// canonical digest so callers never special-case which curve family
// is in play.
package access

import (
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/reveries-network/node/crypto/pre"
)

// Errors returned by this package.
var (
	ErrUnknownVariant     = errors.New("access: unknown condition variant")
	ErrVerificationFailed = errors.New("access: signature does not verify against condition")
	ErrInsufficientFunds  = errors.New("access: contract balance below required minimum")
	ErrOracleUnavailable  = errors.New("access: balance oracle query failed")
)

// Variant tags a Condition's sum-type discriminant.
type Variant uint8

const (
	VariantEd25519 Variant = iota
	VariantEcdsa
	VariantUmbral
	VariantContract
)

// Condition is the sum type enumerating how a request for a reverie is
// authorized. Exactly one of the scalar fields is meaningful for a
// given Variant; Contract uses ContractID/UserID/MinAmount instead.
type Condition struct {
	Variant Variant

	Ed25519PubKey []byte        // Variant == VariantEd25519
	EcdsaAddress  string        // Variant == VariantEcdsa, "0x"-prefixed 20-byte hex
	UmbralPubKey  pre.PublicKey // Variant == VariantUmbral

	ContractID string // Variant == VariantContract
	UserID     string
	MinAmount  uint64
}

// Ed25519Condition builds an Ed25519-gated Condition.
func Ed25519Condition(pubKey ed25519.PublicKey) Condition {
	return Condition{Variant: VariantEd25519, Ed25519PubKey: append([]byte(nil), pubKey...)}
}

// EcdsaCondition builds an Ethereum-address-gated Condition.
func EcdsaCondition(address string) Condition {
	return Condition{Variant: VariantEcdsa, EcdsaAddress: address}
}

// UmbralCondition builds a Condition gated by a signature over the
// canonical digest that verifies against the Umbral public key bytes
// (see verifyUmbral), per spec's Umbral(pubkey) variant.
func UmbralCondition(pubKey pre.PublicKey) Condition {
	return Condition{Variant: VariantUmbral, UmbralPubKey: pubKey}
}

// ContractCondition builds a Condition satisfied only by an external
// balance oracle, per spec's Contract{contract_id,user_id,min_amount}.
func ContractCondition(contractID, userID string, minAmount uint64) Condition {
	return Condition{Variant: VariantContract, ContractID: contractID, UserID: userID, MinAmount: minAmount}
}

// CanonicalDigest builds the digest every signature-based variant
// verifies against: H(reverie-id || nonce || timestamp), with nonce
// and timestamp each encoded as 8-byte big-endian integers.
func CanonicalDigest(reverieID string, nonce, timestamp uint64) []byte {
	buf := make([]byte, 0, len(reverieID)+16)
	buf = append(buf, []byte(reverieID)...)
	var n, ts [8]byte
	binary.BigEndian.PutUint64(n[:], nonce)
	binary.BigEndian.PutUint64(ts[:], timestamp)
	buf = append(buf, n[:]...)
	buf = append(buf, ts[:]...)
	return ethcrypto.Keccak256(buf)
}

// AccessKey is what a caller presents to satisfy a Condition: a
// signature over CanonicalDigest and nothing else; the Ecdsa variant
// recovers the signer's address from the signature itself.
type AccessKey struct {
	Signature []byte
}

// Verify checks presented against c over the canonical digest for
// (reverieID, nonce, timestamp). Contract conditions always fail here
// — they must be resolved via a BalanceOracle instead, per spec's
// "all others [verify] by a presented signature ... Contract ...
// satisfied by querying an external balance oracle."
func Verify(c Condition, reverieID string, nonce, timestamp uint64, presented AccessKey) error {
	digest := CanonicalDigest(reverieID, nonce, timestamp)

	switch c.Variant {
	case VariantEd25519:
		if len(c.Ed25519PubKey) != ed25519.PublicKeySize {
			return ErrVerificationFailed
		}
		if !ed25519.Verify(c.Ed25519PubKey, digest, presented.Signature) {
			return ErrVerificationFailed
		}
		return nil

	case VariantEcdsa:
		return verifyEcdsa(c.EcdsaAddress, digest, presented.Signature)

	case VariantUmbral:
		return verifyUmbral(c.UmbralPubKey, digest, presented.Signature)

	case VariantContract:
		return fmt.Errorf("access: Contract condition requires CheckContract, not Verify")

	default:
		return ErrUnknownVariant
	}
}

// verifyEcdsa recovers the signer's address from an Ethereum-style
// 65-byte recoverable signature and compares it against the address
// bound to the condition, using go-ethereum's Ethereum-compatible
// secp256k1 recovery.
func verifyEcdsa(wantAddress string, digest, signature []byte) error {
	if len(signature) != 65 {
		return ErrVerificationFailed
	}
	pubKey, err := ethcrypto.SigToPub(digest, signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}
	got := ethcrypto.PubkeyToAddress(*pubKey).Hex()
	if !addressesEqual(got, wantAddress) {
		return ErrVerificationFailed
	}
	return nil
}

func addressesEqual(a, b string) bool {
	return normalizeAddress(a) == normalizeAddress(b)
}

func normalizeAddress(s string) string {
	out := make([]byte, 0, len(s))
	for _, r := range s {
		if r >= 'A' && r <= 'Z' {
			r += 'a' - 'A'
		}
		out = append(out, byte(r))
	}
	return string(out)
}

// verifyUmbral treats presented.Signature as an Ed25519 signature made
// by the holder of UmbralPubKey's corresponding identity key. The
// Umbral variant authorizes via the reverie's own PRE identity rather
// than a separate credential, so the "signature" here is over the same
// canonical digest other variants use.
func verifyUmbral(pubKey pre.PublicKey, digest, signature []byte) error {
	if !ed25519.Verify(pubKey[:], digest, signature) {
		return ErrVerificationFailed
	}
	return nil
}

// BalanceOracle is the external collaborator boundary for Contract
// conditions: the core never reasons about payment-contract internals,
// only this boolean-shaped interface. Non-goals §16 excludes the
// on-chain contract implementation; callers wire a concrete oracle.
type BalanceOracle interface {
	// CanSpend reports whether userID can currently spend at least
	// minAmount against contractID.
	CanSpend(contractID, userID string, minAmount uint64) (bool, error)
	// RecordSpend is the side effect applied after a Contract-gated
	// execute succeeds.
	RecordSpend(contractID, userID string, amount uint64) error
}

// CheckContract resolves a Contract condition against oracle, per
// spec's "if Contract variant, query the balance oracle and refuse on
// insufficient funds."
func CheckContract(c Condition, oracle BalanceOracle) error {
	if c.Variant != VariantContract {
		return fmt.Errorf("access: CheckContract called on non-Contract condition")
	}
	ok, err := oracle.CanSpend(c.ContractID, c.UserID, c.MinAmount)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrOracleUnavailable, err)
	}
	if !ok {
		return ErrInsufficientFunds
	}
	return nil
}
