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
	"bufio"
	"compress/flate"
	"compress/gzip"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/reveries-network/node/internal/logger"
	"github.com/reveries-network/node/internal/metrics"
)

// maxRequestBodyBytes bounds how much of an inbound request body the
// proxy will buffer before forwarding, per spec §4.10's "bounded by a
// max-size check."
const maxRequestBodyBytes = 16 << 20 // 16 MiB

// ErrRequestBodyTooLarge is returned when an inbound request body
// exceeds maxRequestBodyBytes.
var ErrRequestBodyTooLarge = errors.New("proxy: request body exceeds maximum size")

// MITM is the TLS-intercepting reverse proxy. It accepts CONNECT
// tunnels, terminates TLS using certificates minted by its
// CertAuthority, substitutes a delegated API key into the forwarded
// request, and tees the response to sink without delaying the client.
type MITM struct {
	ca     *CertAuthority
	creds  *CredentialStore
	sink   UsageSink
	client *http.Client
	log    logger.Logger
}

// NewMITM constructs a MITM proxy. sink may be nil in tests that don't
// care about usage extraction.
func NewMITM(ca *CertAuthority, creds *CredentialStore, sink UsageSink, log logger.Logger) *MITM {
	if log == nil {
		log = logger.GetDefaultLogger()
	}
	return &MITM{
		ca:    ca,
		creds: creds,
		sink:  sink,
		log:   log,
		client: &http.Client{
			// Upstream dials use the platform's standard root
			// certificates (the zero-value tls.Config), never the
			// process-local CA — that CA only ever signs the leaf
			// this proxy presents to its own client.
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 16,
				IdleConnTimeout:     90 * time.Second,
			},
			Timeout: 60 * time.Second,
		},
	}
}

// Ready reports whether the proxy has a certificate authority to mint
// leaf certificates from, for health reporting.
func (m *MITM) Ready() bool {
	return m.ca != nil
}

// ServeHTTP handles both the CONNECT bootstrap and, once a TLS tunnel
// is established over it, every proxied request riding on that tunnel.
func (m *MITM) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodConnect {
		m.forward(w, r)
		return
	}
	m.handleConnect(w, r)
}

func (m *MITM) handleConnect(w http.ResponseWriter, r *http.Request) {
	host := r.URL.Hostname()
	if host == "" {
		host = r.Host
	}
	host = strings.SplitN(host, ":", 2)[0]

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "proxy: connection does not support hijacking", http.StatusInternalServerError)
		return
	}
	clientConn, _, err := hijacker.Hijack()
	if err != nil {
		m.log.Warn("proxy: hijack failed", logger.Error(err))
		return
	}
	defer clientConn.Close()

	if _, err := clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		return
	}

	leaf, err := m.ca.LeafFor(host)
	if err != nil {
		m.log.Warn("proxy: minting leaf cert failed", logger.String("host", host), logger.Error(err))
		return
	}

	tlsConn := tls.Server(clientConn, &tls.Config{
		Certificates: []tls.Certificate{*leaf},
	})
	defer tlsConn.Close()

	// Serve every HTTP/1.1 request the client sends down this tunnel
	// until it closes the connection or a read fails.
	reader := bufio.NewReader(tlsConn)
	for {
		req, err := http.ReadRequest(reader)
		if err != nil {
			return
		}
		req.URL.Scheme = "https"
		if req.URL.Host == "" {
			req.URL.Host = host
		}

		respWriter := newConnResponseWriter(tlsConn)
		m.forward(respWriter, req)
		if respWriter.closeConn {
			return
		}
	}
}

// forward handles one already-decrypted request: it substitutes a
// delegated credential if one matches, bounds and forwards the
// request body, dials upstream, and tees the response.
func (m *MITM) forward(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	start := time.Now()
	keyType := string(apiKeyTypeForHost(r.URL.Host))
	if keyType == "" {
		keyType = "unknown"
	}

	body, err := readBounded(r.Body, maxRequestBodyBytes)
	if err != nil {
		http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
		return
	}

	outReq, err := http.NewRequestWithContext(r.Context(), r.Method, r.URL.String(), newRewindReader(body))
	if err != nil {
		http.Error(w, "proxy: building upstream request failed", http.StatusBadGateway)
		return
	}
	outReq.Header = r.Header.Clone()
	outReq.ContentLength = int64(len(body))

	hadCredential := m.substituteCredential(outReq)

	upstreamURL := outReq.URL.String()
	resp, err := m.client.Do(outReq)
	if err != nil {
		metrics.ProxyRequests.WithLabelValues(keyType, "upstream_error").Inc()
		http.Error(w, fmt.Sprintf("proxy: upstream request failed: %v", err), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	wrapped := m.wrapResponseBody(resp, requestID, upstreamURL)
	defer wrapped.Close()

	copyHeader(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	n, _ := io.Copy(w, wrapped)

	status := "forwarded"
	if !hadCredential {
		status = "no_credential"
	}
	metrics.ProxyRequests.WithLabelValues(keyType, status).Inc()
	metrics.ProxyRequestDuration.WithLabelValues(keyType).Observe(time.Since(start).Seconds())
	metrics.ProxyResponseBytes.WithLabelValues(keyType).Observe(float64(n))
}

// substituteCredential looks at the outbound Host to decide which
// provider this request targets, finds a delegated credential for
// that provider, and sets it as the x-api-key header for Anthropic or
// as an "Authorization: Bearer" header for other providers. With no
// matching credential the request is forwarded unmodified — the
// upstream will reject it on its own terms.
func (m *MITM) substituteCredential(req *http.Request) bool {
	if m.creds == nil {
		return false
	}
	keyType := apiKeyTypeForHost(req.URL.Host)
	if keyType == "" {
		return false
	}
	candidates := m.creds.ForKeyType(keyType)
	if len(candidates) == 0 {
		return false
	}
	// One delegated key per provider is the common case; when more
	// than one reverie delegates the same provider, the first
	// credential ForKeyType returns is used, and that order is not
	// defined.
	cred := candidates[0]
	switch keyType {
	case APIKeyTypeAnthropic:
		req.Header.Set("x-api-key", cred.APIKey)
	default:
		req.Header.Set("Authorization", "Bearer "+cred.APIKey)
	}
	return true
}

func apiKeyTypeForHost(host string) APIKeyType {
	h := strings.ToLower(host)
	switch {
	case strings.Contains(h, "anthropic"):
		return APIKeyTypeAnthropic
	case strings.Contains(h, "deepseek"):
		return APIKeyTypeDeepseek
	case strings.Contains(h, "openai"):
		return APIKeyTypeOpenAI
	default:
		return ""
	}
}

// wrapResponseBody decides between the SSE and full-body tee variants
// by Content-Type, and transparently decompresses a full-body
// response per Content-Encoding before handing it to the tee so the
// sink always sees plaintext JSON.
func (m *MITM) wrapResponseBody(resp *http.Response, requestID, upstreamURL string) io.ReadCloser {
	if isSSE(resp.Header.Get("Content-Type")) {
		return newSSETeeReader(resp.Body, requestID, upstreamURL, m.sink)
	}

	body := resp.Body
	if dec, err := decompressingReader(resp.Header.Get("Content-Encoding"), body); err == nil {
		body = dec
	} else {
		m.log.Warn("proxy: could not decompress response, teeing raw bytes", logger.Error(err))
	}
	return newTeeReader(body, requestID, upstreamURL, m.sink)
}

func isSSE(contentType string) bool {
	return strings.Contains(strings.ToLower(contentType), "text/event-stream")
}

// decompressingReader wraps body so reads return decompressed bytes,
// per resp's Content-Encoding. The returned ReadCloser's Close closes
// both the decompressor and the underlying body.
func decompressingReader(encoding string, body io.ReadCloser) (io.ReadCloser, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		return body, nil
	case "gzip":
		gz, err := gzip.NewReader(body)
		if err != nil {
			return nil, err
		}
		return &layeredReadCloser{Reader: gz, closers: []io.Closer{gz, body}}, nil
	case "deflate":
		fl := flate.NewReader(body)
		return &layeredReadCloser{Reader: fl, closers: []io.Closer{fl, body}}, nil
	case "zstd":
		zr, err := zstd.NewReader(body)
		if err != nil {
			return nil, err
		}
		zrc := zr.IOReadCloser()
		return &layeredReadCloser{Reader: zrc, closers: []io.Closer{zrc, body}}, nil
	default:
		return nil, fmt.Errorf("proxy: unsupported Content-Encoding %q", encoding)
	}
}

type layeredReadCloser struct {
	io.Reader
	closers []io.Closer
}

func (l *layeredReadCloser) Close() error {
	var firstErr error
	for _, c := range l.closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func readBounded(r io.Reader, limit int64) ([]byte, error) {
	limited := io.LimitReader(r, limit+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, ErrRequestBodyTooLarge
	}
	return data, nil
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

// connResponseWriter adapts the http.ResponseWriter interface onto a
// raw net.Conn, for serving requests read directly off a hijacked TLS
// tunnel rather than through net/http's own server loop.
type connResponseWriter struct {
	conn      net.Conn
	header    http.Header
	status    int
	wrote     bool
	closeConn bool
}

func newConnResponseWriter(conn net.Conn) *connResponseWriter {
	return &connResponseWriter{conn: conn, header: make(http.Header)}
}

func (c *connResponseWriter) Header() http.Header { return c.header }

func (c *connResponseWriter) WriteHeader(status int) {
	if c.wrote {
		return
	}
	c.wrote = true
	c.status = status
	if c.header.Get("Connection") == "close" {
		c.closeConn = true
	}
	fmt.Fprintf(c.conn, "HTTP/1.1 %d %s\r\n", status, http.StatusText(status))
	c.header.Write(c.conn)
	fmt.Fprintf(c.conn, "\r\n")
}

func (c *connResponseWriter) Write(p []byte) (int, error) {
	if !c.wrote {
		c.WriteHeader(http.StatusOK)
	}
	return c.conn.Write(p)
}

// rewindReader lets a []byte be replayed as the body of an
// *http.Request without pinning the original reader.
type rewindReader struct {
	data []byte
	pos  int
}

func newRewindReader(data []byte) io.ReadCloser { return &rewindReader{data: data} }

func (r *rewindReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.pos:])
	r.pos += n
	return n, nil
}

func (r *rewindReader) Close() error { return nil }
