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
	"os"
	"strconv"
	"time"
)

// nodeConfig collects every environment variable the core consumes,
// per spec §6: RPC listening port, proxy ports, cert paths,
// REPORT_USAGE_URL, blockchain RPC URL/chain-ID, optional heartbeat
// tuning overrides. Unknown env var names are simply never read, so
// they cannot block startup.
type nodeConfig struct {
	ListenAddr        string
	RPCPort           int
	ProxyPort         int
	ProxyInternalPort int
	CertDir           string
	ReportUsageURL    string
	BlockchainRPC     string
	BlockchainChain   uint64
	ContractAddr      string
	Environment       string
	UsageDBPath       string
	RequestCtxDBPath  string
	HealthPort        int

	HeartbeatMaxFailures uint32
	SupervisorCountdown  time.Duration
}

func loadConfigFromEnv() nodeConfig {
	cfg := nodeConfig{
		ListenAddr:           envString("REVERIE_LISTEN_ADDR", "/ip4/0.0.0.0/tcp/4001"),
		RPCPort:              envInt("REVERIE_RPC_PORT", 8500),
		ProxyPort:            envInt("REVERIE_PROXY_PORT", 8443),
		ProxyInternalPort:    envInt("REVERIE_PROXY_INTERNAL_PORT", 8444),
		CertDir:              envString("REVERIE_CERT_DIR", "./data/certs"),
		ReportUsageURL:       envString("REPORT_USAGE_URL", "http://127.0.0.1:8500/report_usage"),
		BlockchainRPC:        envString("REVERIE_BLOCKCHAIN_RPC", ""),
		BlockchainChain:      uint64(envInt("REVERIE_BLOCKCHAIN_CHAIN_ID", 0)),
		ContractAddr:         envString("REVERIE_CONTRACT_ADDRESS", ""),
		Environment:          envString("ENV", "development"),
		UsageDBPath:          envString("P2P_USAGE_DB_PATH", "./data/p2p_usage.db"),
		RequestCtxDBPath:     envString("REVERIE_REQUEST_CONTEXT_DB_PATH", "./data/request_context.db"),
		HealthPort:           envInt("REVERIE_HEALTH_PORT", 8600),
		HeartbeatMaxFailures: uint32(envInt("REVERIE_HEARTBEAT_MAX_FAILURES", 3)),
		SupervisorCountdown:  envDuration("REVERIE_SUPERVISOR_COUNTDOWN", 10*time.Second),
	}
	return cfg
}

func envString(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func envInt(name string, def int) int {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envDuration(name string, def time.Duration) time.Duration {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
