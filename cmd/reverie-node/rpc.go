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

package main

import (
	"crypto/ecdsa"
	"encoding/json"
	"net/http"

	"github.com/reveries-network/node/internal/logger"
	"github.com/reveries-network/node/storage/sqlite"
	"github.com/reveries-network/node/usage"
)

// reportUsageRequest mirrors usage.Reporter's own JSON-RPC 2.0
// envelope shape (method report_usage, params a SignedReport), per
// spec §6's "Usage report endpoint on the node."
type reportUsageRequest struct {
	JSONRPC string             `json:"jsonrpc"`
	Method  string             `json:"method"`
	Params  usage.SignedReport `json:"params"`
	ID      uint64             `json:"id"`
}

type reportUsageResponse struct {
	JSONRPC string `json:"jsonrpc"`
	Result  struct {
		Status string `json:"status"`
	} `json:"result,omitempty"`
	Error *rpcError `json:"error,omitempty"`
	ID    uint64    `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// newRPCMux builds the node's RPC surface: POST /report_usage
// (verifies and persists a signed usage report, resolving its
// reverie/spender attribution from attrSink) and GET /health.
func newRPCMux(reports *sqlite.UsageReportStore, attrSink *attributingSink, proxyPub *ecdsa.PublicKey, log logger.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/report_usage", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req reportUsageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeRPCError(w, 0, -32700, "parse error")
			return
		}

		payload, err := usage.VerifyReport(proxyPub, req.Params)
		if err != nil {
			log.Warn("reverie-node: usage report failed verification", logger.Error(err))
			writeRPCError(w, req.ID, -32602, "invalid signature")
			return
		}

		attr, _ := attrSink.Take(payload.RequestID)
		if err := reports.Store(payload, attr); err != nil {
			log.Error("reverie-node: storing usage report failed", logger.Error(err))
			writeRPCError(w, req.ID, -32000, "storage error")
			return
		}

		resp := reportUsageResponse{JSONRPC: "2.0", ID: req.ID}
		resp.Result.Status = "success"
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	})

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	return mux
}

func writeRPCError(w http.ResponseWriter, id uint64, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(reportUsageResponse{
		JSONRPC: "2.0",
		Error:   &rpcError{Code: code, Message: msg},
		ID:      id,
	})
}

