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

package usage

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
)

// ErrSignatureMismatch is returned by VerifyReport when signature
// verification fails.
var ErrSignatureMismatch = errors.New("usage: signed report signature does not verify")

// Signer signs usage reports with the proxy's P-256 identity key,
// packing each signature as a fixed-size 32-byte r followed by a
// 32-byte s.
type Signer struct {
	key *ecdsa.PrivateKey
}

// NewSigner wraps an existing P-256 private key.
func NewSigner(key *ecdsa.PrivateKey) *Signer {
	return &Signer{key: key}
}

// GenerateSigner mints a fresh P-256 signing key, for nodes/proxies
// bootstrapping a new identity.
func GenerateSigner() (*Signer, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("usage: generating signing key: %w", err)
	}
	return &Signer{key: key}, nil
}

// PublicKey returns the verifying key corresponding to this signer.
func (s *Signer) PublicKey() *ecdsa.PublicKey {
	return &s.key.PublicKey
}

// Sign serializes payload to JSON and signs it, returning the wire
// envelope ready to POST to the node's /report_usage endpoint.
func (s *Signer) Sign(payload ReportPayload) (SignedReport, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return SignedReport{}, fmt.Errorf("usage: marshaling report payload: %w", err)
	}

	digest := sha256.Sum256(payloadBytes)
	r, s2, err := ecdsa.Sign(rand.Reader, s.key, digest[:])
	if err != nil {
		return SignedReport{}, fmt.Errorf("usage: signing report payload: %w", err)
	}

	sig := make([]byte, 64)
	r.FillBytes(sig[:32])
	s2.FillBytes(sig[32:])

	return SignedReport{
		Payload:   base64.StdEncoding.EncodeToString(payloadBytes),
		Signature: base64.StdEncoding.EncodeToString(sig),
	}, nil
}

// VerifyReport decodes and verifies a SignedReport against pub,
// returning the recovered payload on success. This is the node-side
// counterpart to Signer.Sign.
func VerifyReport(pub *ecdsa.PublicKey, report SignedReport) (ReportPayload, error) {
	payloadBytes, err := base64.StdEncoding.DecodeString(report.Payload)
	if err != nil {
		return ReportPayload{}, fmt.Errorf("usage: decoding report payload: %w", err)
	}
	sigBytes, err := base64.StdEncoding.DecodeString(report.Signature)
	if err != nil {
		return ReportPayload{}, fmt.Errorf("usage: decoding report signature: %w", err)
	}
	if len(sigBytes) != 64 {
		return ReportPayload{}, fmt.Errorf("usage: signature must be 64 bytes, got %d", len(sigBytes))
	}

	r := new(big.Int).SetBytes(sigBytes[:32])
	s := new(big.Int).SetBytes(sigBytes[32:])

	digest := sha256.Sum256(payloadBytes)
	if !ecdsa.Verify(pub, digest[:], r, s) {
		return ReportPayload{}, ErrSignatureMismatch
	}

	var payload ReportPayload
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return ReportPayload{}, fmt.Errorf("usage: unmarshaling verified payload: %w", err)
	}
	return payload, nil
}
