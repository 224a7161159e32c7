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

// Package proxy implements the LLM MITM proxy (C10): a TLS-terminating
// reverse proxy that mints per-SNI leaf certificates off a process-local
// CA, tees every response to a background usage-extraction consumer
// without delaying the client, and exposes a signed internal API for
// the owning node to manage per-reverie API key delegation.
package proxy

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"
)

// leafLifetime is how long a minted end-entity certificate remains
// valid. Short-lived since it only needs to outlast one TLS session.
const leafLifetime = 24 * time.Hour

// caLifetime is how long the process-local root is valid. The CA never
// leaves process memory, so rotation happens by restarting the proxy.
const caLifetime = 7 * 24 * time.Hour

// CertAuthority is a process-local certificate authority. It mints a
// self-signed root at construction time, then signs one end-entity
// leaf certificate per SNI on first use, caching the result for
// leafLifetime so repeated CONNECTs to the same host reuse a cert.
type CertAuthority struct {
	rootCert *x509.Certificate
	rootKey  *ecdsa.PrivateKey
	rootDER  []byte

	mu    sync.RWMutex
	cache map[string]*tls.Certificate
}

// NewCertAuthority mints a fresh root CA keypair and self-signed
// certificate. Nothing is persisted to disk: every process restart
// gets a new root, and clients trusting this proxy must be configured
// with RootCertDER() for the life of the process.
func NewCertAuthority() (*CertAuthority, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("proxy: generating CA key: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "reveries-network proxy root"},
		NotBefore:    now.Add(-time.Minute),
		NotAfter:     now.Add(caLifetime),
		KeyUsage:     x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		IsCA:         true,
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("proxy: self-signing CA certificate: %w", err)
	}
	root, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("proxy: parsing self-signed CA certificate: %w", err)
	}

	return &CertAuthority{
		rootCert: root,
		rootKey:  key,
		rootDER:  der,
		cache:    make(map[string]*tls.Certificate),
	}, nil
}

// RootCertDER returns the DER-encoded root certificate, for clients
// that need to add this proxy's CA to their trust store.
func (ca *CertAuthority) RootCertDER() []byte {
	return append([]byte(nil), ca.rootDER...)
}

// LeafFor mints (or returns a cached) end-entity certificate for host,
// suitable for serving a TLS connection whose SNI/CONNECT target is
// host. Safe for concurrent use from every acceptor goroutine.
func (ca *CertAuthority) LeafFor(host string) (*tls.Certificate, error) {
	ca.mu.RLock()
	cert, ok := ca.cache[host]
	ca.mu.RUnlock()
	if ok && leafStillValid(cert) {
		return cert, nil
	}

	ca.mu.Lock()
	defer ca.mu.Unlock()

	// Re-check under the write lock: another goroutine may have minted
	// this host's leaf while we waited.
	if cert, ok := ca.cache[host]; ok && leafStillValid(cert) {
		return cert, nil
	}

	leaf, err := ca.mintLeaf(host)
	if err != nil {
		return nil, err
	}
	ca.cache[host] = leaf
	return leaf, nil
}

func (ca *CertAuthority) mintLeaf(host string) (*tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("proxy: generating leaf key for %q: %w", host, err)
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: host},
		NotBefore:    now.Add(-time.Minute),
		NotAfter:     now.Add(leafLifetime),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	if ip := net.ParseIP(host); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{host}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, ca.rootCert, &key.PublicKey, ca.rootKey)
	if err != nil {
		return nil, fmt.Errorf("proxy: signing leaf for %q: %w", host, err)
	}

	return &tls.Certificate{
		Certificate: [][]byte{der, ca.rootDER},
		PrivateKey:  key,
		Leaf:        nil,
	}, nil
}

func leafStillValid(cert *tls.Certificate) bool {
	if len(cert.Certificate) == 0 {
		return false
	}
	parsed, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return false
	}
	return time.Now().Before(parsed.NotAfter.Add(-time.Minute))
}

func randomSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return nil, fmt.Errorf("proxy: generating serial number: %w", err)
	}
	return serial, nil
}
