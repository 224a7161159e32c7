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
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/reveries-network/node/identity"
	"github.com/reveries-network/node/internal/logger"
)

// InternalAPI is the second HTTPS server the owning node talks to, for
// adding and removing delegated API keys. Every mutating request must
// carry a valid X-Node-Signature/X-Node-Timestamp pair per spec §6.
type InternalAPI struct {
	creds   *CredentialStore
	nodePub ed25519.PublicKey
	log     logger.Logger
	nowFunc func() time.Time
}

// NewInternalAPI constructs the internal API handler. nodePub is the
// owning node's Ed25519 identity public key; only requests signed by
// its matching private key are accepted.
func NewInternalAPI(creds *CredentialStore, nodePub ed25519.PublicKey, log logger.Logger) *InternalAPI {
	if log == nil {
		log = logger.GetDefaultLogger()
	}
	return &InternalAPI{creds: creds, nodePub: nodePub, log: log, nowFunc: time.Now}
}

// Mux builds the http.Handler serving /add_api_key, /remove_api_key,
// and /health.
func (a *InternalAPI) Mux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/add_api_key", a.handleAddAPIKey)
	mux.HandleFunc("/remove_api_key", a.handleRemoveAPIKey)
	mux.HandleFunc("/health", a.handleHealth)
	return mux
}

type addAPIKeyRequest struct {
	ReverieID   string `json:"reverie_id"`
	APIKeyType  string `json:"api_key_type"`
	APIKey      string `json:"api_key"`
	Spender     string `json:"spender"`
	SpenderType string `json:"spender_type"`
}

type removeAPIKeyRequest struct {
	ReverieID string `json:"reverie_id"`
}

type statusResponse struct {
	Status string `json:"status"`
}

func (a *InternalAPI) handleAddAPIKey(w http.ResponseWriter, r *http.Request) {
	body, ok := a.verifiedBody(w, r)
	if !ok {
		return
	}

	var req addAPIKeyRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.ReverieID == "" || req.APIKey == "" {
		http.Error(w, "reverie_id and api_key are required", http.StatusBadRequest)
		return
	}

	a.creds.Add(Credential{
		ReverieID:   identity.ReverieId(req.ReverieID),
		APIKeyType:  APIKeyType(req.APIKeyType),
		APIKey:      req.APIKey,
		Spender:     req.Spender,
		SpenderType: SpenderType(req.SpenderType),
	})

	writeJSON(w, http.StatusOK, statusResponse{Status: "success"})
}

func (a *InternalAPI) handleRemoveAPIKey(w http.ResponseWriter, r *http.Request) {
	body, ok := a.verifiedBody(w, r)
	if !ok {
		return
	}

	var req removeAPIKeyRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	if !a.creds.Remove(identity.ReverieId(req.ReverieID)) {
		http.Error(w, "no credential delegated for reverie_id", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "success"})
}

func (a *InternalAPI) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{Status: "ok"})
}

// verifiedBody reads r's body, verifies its X-Node-Signature against
// a.nodePub, and returns the raw bytes on success. On failure it
// writes the appropriate error response itself and returns ok=false.
func (a *InternalAPI) verifiedBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return nil, false
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return nil, false
	}
	defer r.Body.Close()

	err = verifyNodeSignature(
		a.nodePub,
		r.Method,
		r.URL.Path,
		r.Header.Get("X-Node-Timestamp"),
		r.Header.Get("X-Node-Signature"),
		body,
		a.nowFunc(),
	)
	if err != nil {
		a.log.Warn("proxy: internal API request failed signature verification", logger.Error(err))
		http.Error(w, "signature verification failed", http.StatusUnauthorized)
		return nil, false
	}

	return body, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
