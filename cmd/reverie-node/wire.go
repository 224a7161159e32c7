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

// cmd/reverie-node is a thin cobra CLI wiring every core component
// into one runnable process. It is not itself a core deliverable —
// spec.md's Non-goals explicitly exclude a CLI front end — it exists
// only so the packages built around the network event loop, respawn
// coordinator, MITM proxy and usage pipeline are runnable end to end.
package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/reveries-network/node/chainreg"
	"github.com/reveries-network/node/heartbeat"
	"github.com/reveries-network/node/identity"
	"github.com/reveries-network/node/internal/logger"
	"github.com/reveries-network/node/internal/metrics"
	"github.com/reveries-network/node/network"
	"github.com/reveries-network/node/nodeclient"
	"github.com/reveries-network/node/p2p/dht"
	"github.com/reveries-network/node/p2p/gossip"
	"github.com/reveries-network/node/p2p/reqresp"
	"github.com/reveries-network/node/pkg/health"
	"github.com/reveries-network/node/proxy"
	"github.com/reveries-network/node/registry"
	"github.com/reveries-network/node/respawn"
	"github.com/reveries-network/node/reverie"
	"github.com/reveries-network/node/storage/sqlite"
	"github.com/reveries-network/node/supervisor"
	"github.com/reveries-network/node/usage"
)

// runningNode holds every long-lived component so Shutdown can close
// them cleanly on exit.
type runningNode struct {
	cfg nodeConfig
	log logger.Logger

	host     interface{ Close() error }
	dhtNode  *dht.Node
	gossip   *gossip.Node
	reqSrv   *reqresp.Client
	proxySrv *http.Server
	internal *http.Server
	rpcSrv   *http.Server

	loop       *network.Loop
	supervisor *supervisor.Supervisor
	healthSrv  *health.Server

	cancel context.CancelFunc
}

// wireNode constructs every component described by SPEC_FULL.md's
// component table and returns a handle Run can drive and shut down.
func wireNode(ctx context.Context, cfg nodeConfig, log logger.Logger) (*runningNode, error) {
	ctx, cancel := context.WithCancel(ctx)

	ident, err := identity.NewPeerIdentity()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("generate peer identity: %w", err)
	}
	log.Info("reverie-node: identity ready", logger.String("peer", ident.ShortID()))

	h, err := libp2p.New(libp2p.ListenAddrStrings(cfg.ListenAddr))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("start libp2p host: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		cancel()
		h.Close()
		return nil, fmt.Errorf("start gossipsub: %w", err)
	}

	reg := registry.New()

	dhtNode, err := dht.New(ctx, h, ident, log)
	if err != nil {
		cancel()
		h.Close()
		return nil, fmt.Errorf("start dht: %w", err)
	}

	gossipNode := gossip.New(h, ps, ident, reg, log, unknownGossipHandler(log))

	loop := network.New(h, reg, log, nil)

	keys := nodeclient.NewMemKeyStore()
	reveries := nodeclient.NewMemReverieStore()
	peers := newHostPeerSource(h)

	reqClient := reqresp.NewClient(h, log)
	reqServer := reqresp.NewServer(h, log)
	frags := reqresp.NewFragmentAdapter(reqClient, reqServer, h.ID(), keys, log)

	coordinator := respawn.New(h.ID(), ident, reg, frags, dhtNode, peers, keys, reveries, gossipNode, log)

	hbService := heartbeat.NewService(h, reg, log, heartbeatPayloadSource(), loop.ReportHeartbeatFailure)

	nodeClient := nodeclient.New(h.ID(), ident, loop, reg, frags, dhtNode, peers, coordinator, keys, reveries, log)

	if cfg.BlockchainRPC != "" {
		ethClient, err := chainreg.NewEthereumClient(&chainreg.ClientConfig{
			RPC:      cfg.BlockchainRPC,
			Contract: cfg.ContractAddr,
			ChainID:  cfg.BlockchainChain,
		})
		if err != nil {
			log.Warn("reverie-node: ethereum client unavailable, Contract access conditions will be refused", logger.Error(err))
		} else {
			nodeClient.SetBalanceOracle(chainreg.NewBalanceOracle(ethClient))
		}
	}

	sup := supervisor.New(
		supervisor.Config{
			MaxFailures: cfg.HeartbeatMaxFailures,
			Countdown:   cfg.SupervisorCountdown,
			Environment: cfg.Environment,
		},
		log,
		restartHook(log),
		finalGossipAttempt(gossipNode),
	)

	go drainRespawns(ctx, loop, nodeClient, log)
	go loop.Run(ctx)
	go sup.Run(ctx)

	requestCtxDB, err := sqlite.Open(cfg.RequestCtxDBPath)
	if err != nil {
		cancel()
		h.Close()
		return nil, fmt.Errorf("open request context db: %w", err)
	}
	requestCtxStore, err := sqlite.NewRequestContextStore(requestCtxDB)
	if err != nil {
		cancel()
		h.Close()
		return nil, fmt.Errorf("init request context store: %w", err)
	}

	usageDB, err := sqlite.Open(cfg.UsageDBPath)
	if err != nil {
		cancel()
		h.Close()
		return nil, fmt.Errorf("open usage db: %w", err)
	}
	usageReportStore, err := sqlite.NewUsageReportStore(usageDB)
	if err != nil {
		cancel()
		h.Close()
		return nil, fmt.Errorf("init usage report store: %w", err)
	}

	proxySigner, err := usage.GenerateSigner()
	if err != nil {
		cancel()
		h.Close()
		return nil, fmt.Errorf("generate proxy usage signer: %w", err)
	}
	reporter := usage.NewReporter(cfg.ReportUsageURL, log)
	collector := usage.NewCollector(usage.DefaultRegistry(), proxySigner, reporter, requestCtxStore, log)

	ca, err := proxy.NewCertAuthority()
	if err != nil {
		cancel()
		h.Close()
		return nil, fmt.Errorf("generate proxy CA: %w", err)
	}
	credStore := proxy.NewCredentialStore()
	attrSink := newAttributingSink(credStore, collector)
	mitm := proxy.NewMITM(ca, credStore, attrSink, log)

	internalAPI := proxy.NewInternalAPI(credStore, ident.IdentityPublicKey(), log)

	healthSrv := startHealthServer(cfg, log, gossipNode, dhtNode, hbService, mitm)

	proxySrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.ProxyPort),
		Handler:           mitm,
		ReadHeaderTimeout: 10 * time.Second,
	}
	internalSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.ProxyInternalPort),
		Handler:           internalAPI.Mux(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	rpcSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.RPCPort),
		Handler:           newRPCMux(usageReportStore, attrSink, proxySigner.PublicKey(), log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	nodeClient.SetProxyInternalAPI(fmt.Sprintf("http://127.0.0.1:%d", cfg.ProxyInternalPort))

	go serveOrLog(proxySrv, log, "mitm proxy")
	go serveOrLog(internalSrv, log, "proxy internal api")
	go serveOrLog(rpcSrv, log, "node rpc")

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", metrics.Handler())
	go func() {
		if err := http.ListenAndServe(":9090", metricsMux); err != nil && err != http.ErrServerClosed {
			log.Warn("reverie-node: metrics server stopped", logger.Error(err))
		}
	}()

	return &runningNode{
		cfg:        cfg,
		log:        log,
		host:       h,
		dhtNode:    dhtNode,
		gossip:     gossipNode,
		reqSrv:     reqClient,
		proxySrv:   proxySrv,
		internal:   internalSrv,
		rpcSrv:     rpcSrv,
		loop:       loop,
		supervisor: sup,
		healthSrv:  healthSrv,
		cancel:     cancel,
	}, nil
}

// Shutdown stops every background server and cancels the root
// context, in roughly reverse construction order.
func (n *runningNode) Shutdown(ctx context.Context) {
	_ = n.healthSrv.Stop(ctx)
	_ = n.rpcSrv.Shutdown(ctx)
	_ = n.internal.Shutdown(ctx)
	_ = n.proxySrv.Shutdown(ctx)
	_ = n.reqSrv.Close()
	_ = n.gossip.Close()
	_ = n.dhtNode.Close()
	n.cancel()
	_ = n.host.Close()
}

func drainRespawns(ctx context.Context, loop *network.Loop, client *nodeclient.Client, log logger.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-loop.Respawns():
			if err := client.HandleRespawnRequest(ctx, req); err != nil {
				log.Error("reverie-node: respawn handling failed",
					logger.String("reverie_id", string(req.ReverieID)), logger.Error(err))
			}
		}
	}
}

func unknownGossipHandler(log logger.Logger) gossip.Handler {
	return func(ctx context.Context, from peer.ID, t gossip.Topic, payload []byte) {
		log.Debug("reverie-node: unrecognized gossip topic",
			logger.String("peer", from.String()), logger.String("topic", t.String()))
	}
}

func heartbeatPayloadSource() heartbeat.PayloadSource {
	var blockHeight uint32
	return func() reverie.HeartbeatPayload {
		blockHeight++
		return reverie.HeartbeatPayload{BlockHeight: blockHeight}
	}
}

// restartHook is the platform restart action for a bare-process
// deployment: log and let the process exit, trusting an orchestrator
// (systemd, Kubernetes, docker --restart) to bring it back up. A
// container-specific deployment would replace this with a call into
// that platform's restart API.
func restartHook(log logger.Logger) supervisor.RestartHook {
	return func(reason supervisor.RestartReason) error {
		log.Warn("reverie-node: restart hook invoked", logger.String("reason", string(reason)))
		return nil
	}
}

// finalGossipAttempt publishes a best-effort departure notice on the
// topic_switch topic so peers do not need to wait out a full
// liveness timeout to notice this node is leaving.
func finalGossipAttempt(g *gossip.Node) supervisor.FinalGossipFunc {
	return func(ctx context.Context) error {
		return g.Publish(ctx, gossip.TopicSwitch(), nil)
	}
}

func serveOrLog(srv *http.Server, log logger.Logger, name string) {
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Warn("reverie-node: server stopped", logger.String("server", name), logger.Error(err))
	}
}
