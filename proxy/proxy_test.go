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

package proxy

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/reveries-network/node/identity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeB64(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

func TestCertAuthorityMintsValidLeaf(t *testing.T) {
	ca, err := NewCertAuthority()
	require.NoError(t, err)

	leaf, err := ca.LeafFor("api.anthropic.com")
	require.NoError(t, err)
	require.Len(t, leaf.Certificate, 2)

	leafCert, err := x509.ParseCertificate(leaf.Certificate[0])
	require.NoError(t, err)
	assert.Equal(t, []string{"api.anthropic.com"}, leafCert.DNSNames)

	pool := x509.NewCertPool()
	rootCert, err := x509.ParseCertificate(ca.RootCertDER())
	require.NoError(t, err)
	pool.AddCert(rootCert)

	_, err = leafCert.Verify(x509.VerifyOptions{DNSName: "api.anthropic.com", Roots: pool})
	require.NoError(t, err)
}

func TestCertAuthorityCachesLeaves(t *testing.T) {
	ca, err := NewCertAuthority()
	require.NoError(t, err)

	first, err := ca.LeafFor("api.deepseek.com")
	require.NoError(t, err)
	second, err := ca.LeafFor("api.deepseek.com")
	require.NoError(t, err)

	assert.Equal(t, first.Certificate[0], second.Certificate[0])
}

func TestCredentialStoreAddRemove(t *testing.T) {
	store := NewCredentialStore()
	id := identity.ReverieId("reverie-1")

	_, err := store.Get(id)
	assert.ErrorIs(t, err, ErrCredentialNotFound)

	store.Add(Credential{ReverieID: id, APIKeyType: APIKeyTypeAnthropic, APIKey: "sk-test"})
	got, err := store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "sk-test", got.APIKey)

	matches := store.ForKeyType(APIKeyTypeAnthropic)
	require.Len(t, matches, 1)

	assert.True(t, store.Remove(id))
	assert.False(t, store.Remove(id))
	_, err = store.Get(id)
	assert.ErrorIs(t, err, ErrCredentialNotFound)
}

func TestCredentialStoreConcurrentAccess(t *testing.T) {
	store := NewCredentialStore()
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := identity.ReverieId("reverie-" + strconv.Itoa(i))
			store.Add(Credential{ReverieID: id, APIKeyType: APIKeyTypeDeepseek, APIKey: "k"})
			_, _ = store.Get(id)
		}(i)
	}
	wg.Wait()
	assert.Len(t, store.ForKeyType(APIKeyTypeDeepseek), 32)
}

func TestVerifyNodeSignatureRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	body := []byte(`{"reverie_id":"reverie-1"}`)
	now := time.Now()
	ts := strconv.FormatInt(now.Unix(), 10)
	digest := NodeSignatureDigest(http.MethodPost, "/add_api_key", now.Unix(), body)
	sig := ed25519.Sign(priv, digest)

	err = verifyNodeSignature(pub, http.MethodPost, "/add_api_key", ts, encodeB64(sig), body, now)
	assert.NoError(t, err)
}

func TestVerifyNodeSignatureRejectsStaleTimestamp(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	body := []byte(`{}`)
	stale := time.Now().Add(-5 * time.Minute)
	ts := strconv.FormatInt(stale.Unix(), 10)
	digest := NodeSignatureDigest(http.MethodPost, "/add_api_key", stale.Unix(), body)
	sig := ed25519.Sign(priv, digest)

	err = verifyNodeSignature(pub, http.MethodPost, "/add_api_key", ts, encodeB64(sig), body, time.Now())
	assert.ErrorIs(t, err, ErrTimestampOutOfSkew)
}

func TestVerifyNodeSignatureRejectsTamperedBody(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	now := time.Now()
	ts := strconv.FormatInt(now.Unix(), 10)
	digest := NodeSignatureDigest(http.MethodPost, "/add_api_key", now.Unix(), []byte(`{"a":1}`))
	sig := ed25519.Sign(priv, digest)

	err = verifyNodeSignature(pub, http.MethodPost, "/add_api_key", ts, encodeB64(sig), []byte(`{"a":2}`), now)
	assert.ErrorIs(t, err, ErrSignatureMismatch)
}

func TestInternalAPIAddAndRemove(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	store := NewCredentialStore()
	api := NewInternalAPI(store, pub, nil)
	srv := httptest.NewServer(api.Mux())
	defer srv.Close()

	body := []byte(`{"reverie_id":"reverie-9","api_key_type":"anthropic","api_key":"sk-x","spender":"0xabc","spender_type":"ethereum"}`)
	resp := doSigned(t, srv.URL, "/add_api_key", priv, body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cred, err := store.Get(identity.ReverieId("reverie-9"))
	require.NoError(t, err)
	assert.Equal(t, "sk-x", cred.APIKey)

	removeBody := []byte(`{"reverie_id":"reverie-9"}`)
	resp = doSigned(t, srv.URL, "/remove_api_key", priv, removeBody)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doSigned(t, srv.URL, "/remove_api_key", priv, removeBody)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestInternalAPIRejectsUnsignedRequest(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	api := NewInternalAPI(NewCredentialStore(), pub, nil)
	srv := httptest.NewServer(api.Mux())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/add_api_key", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSplitSSEEvents(t *testing.T) {
	var got []string
	raw := "event: message_start\ndata: {\"a\":1}\n\nevent: message_stop\ndata: {}\n\n"
	splitSSEEvents(strings.NewReader(raw), func(event []byte) {
		got = append(got, string(event))
	})
	require.Len(t, got, 2)
	assert.Contains(t, got[0], "message_start")
	assert.Contains(t, got[1], "message_stop")
}

func doSigned(t *testing.T, base, path string, priv ed25519.PrivateKey, body []byte) *http.Response {
	t.Helper()
	now := time.Now()
	digest := NodeSignatureDigest(http.MethodPost, path, now.Unix(), body)
	sig := ed25519.Sign(priv, digest)

	req, err := http.NewRequest(http.MethodPost, base+path, strings.NewReader(string(body)))
	require.NoError(t, err)
	req.Header.Set("X-Node-Timestamp", strconv.FormatInt(now.Unix(), 10))
	req.Header.Set("X-Node-Signature", encodeB64(sig))

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}
