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
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/reveries-network/node/internal/logger"
)

var rootCmd = &cobra.Command{
	Use:   "reverie-node",
	Short: "reverie-node runs one peer in a reveries network",
	Long: `reverie-node wires together the peer-to-peer network event loop,
the proxy re-encryption respawn protocol, and the LLM MITM proxy with
signed usage attribution into one runnable process.

It reads its configuration from environment variables (listen address,
RPC and proxy ports, certificate directory, REPORT_USAGE_URL,
blockchain RPC and chain ID, heartbeat tuning) and runs until it
receives SIGINT or SIGTERM.`,
	RunE: runNode,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

func runNode(cmd *cobra.Command, args []string) error {
	log := logger.GetDefaultLogger()
	cfg := loadConfigFromEnv()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	node, err := wireNode(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("wire node: %w", err)
	}

	log.Info("reverie-node: started",
		logger.String("listen_addr", cfg.ListenAddr),
		logger.String("environment", cfg.Environment))

	<-ctx.Done()
	log.Info("reverie-node: shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	node.Shutdown(shutdownCtx)

	log.Info("reverie-node: stopped")
	return nil
}
