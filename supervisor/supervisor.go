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

// Package supervisor implements the container supervisor (C12): the
// last stage of the heartbeat-failure escalation path described by
// C6/C7. When this node determines it can no longer reach the
// network, it hands a RestartReason to the Supervisor rather than
// deciding anything about process lifecycle itself.
package supervisor

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/reveries-network/node/internal/logger"
)

// RestartReason labels why the supervisor was escalated to, mirroring
// the restart-reason codes the platform restart hook receives.
type RestartReason string

const (
	// ReasonScheduledHeartbeatFailure is raised when this node's own
	// outbound heartbeats have failed consecutively past MaxFailures.
	ReasonScheduledHeartbeatFailure RestartReason = "scheduled_heartbeat_failure"
	// ReasonSyntheticFailure is raised only by TriggerSyntheticFailure,
	// for exercising the escalation path in non-production environments.
	ReasonSyntheticFailure RestartReason = "synthetic_failure"
)

// DefaultCountdown is how long the supervisor waits, still attempting
// a final gossip exchange, before invoking the restart hook.
const DefaultCountdown = 10 * time.Second

// DefaultMaxFailures is the consecutive internal heartbeat send
// failure count that triggers escalation.
const DefaultMaxFailures = 3

// ErrNotNonProduction is returned by TriggerSyntheticFailure when
// ENV is set to "production"; the synthetic trigger is a test-only
// escape hatch.
var ErrNotNonProduction = errors.New("supervisor: synthetic failure trigger only works in non-production environments")

// RestartHook is the platform-specific restart action: reboot the
// container, request an orchestrator restart, whatever the deployment
// target needs. Errors are logged; the supervisor exits regardless.
type RestartHook func(reason RestartReason) error

// FinalGossipFunc attempts one last gossip exchange before restart.
// Best-effort: errors are logged and do not interrupt the countdown.
type FinalGossipFunc func(ctx context.Context) error

// Config tunes a Supervisor. Zero value uses the package defaults.
type Config struct {
	Countdown   time.Duration
	MaxFailures uint32
	// Environment mirrors the original "ENV" variable; TriggerSyntheticFailure
	// refuses to act when this equals "production".
	Environment string
}

func (c Config) withDefaults() Config {
	if c.Countdown <= 0 {
		c.Countdown = DefaultCountdown
	}
	if c.MaxFailures == 0 {
		c.MaxFailures = DefaultMaxFailures
	}
	return c
}

func (c Config) isNonProduction() bool {
	return c.Environment != "production"
}

// Supervisor receives RestartReasons, counts down while attempting a
// final gossip exchange, then invokes the restart hook and exits.
type Supervisor struct {
	cfg         Config
	log         logger.Logger
	restartHook RestartHook
	finalGossip FinalGossipFunc
	exitFunc    func(code int)
	tickerFunc  func(d time.Duration) (<-chan time.Time, func())

	reasons   chan RestartReason
	failCount atomic.Uint32

	mu      sync.Mutex
	running bool
}

// New constructs a Supervisor. restartHook is required; finalGossip
// may be nil if the caller has no gossip layer to drain (e.g. tests).
func New(cfg Config, log logger.Logger, restartHook RestartHook, finalGossip FinalGossipFunc) *Supervisor {
	if log == nil {
		log = logger.GetDefaultLogger()
	}
	return &Supervisor{
		cfg:         cfg.withDefaults(),
		log:         log,
		restartHook: restartHook,
		finalGossip: finalGossip,
		exitFunc:    os.Exit,
		reasons:     make(chan RestartReason, 4),
	}
}

// Escalate hands reason to the supervisor, non-blocking. If the
// channel is already full (a restart is already underway) the reason
// is logged and dropped, matching the backpressure policy used
// elsewhere for best-effort signals.
func (s *Supervisor) Escalate(reason RestartReason) {
	select {
	case s.reasons <- reason:
	default:
		s.log.Warn("supervisor: restart reason dropped, one already pending",
			logger.String("reason", string(reason)))
	}
}

// IncrementFailure increments the consecutive internal heartbeat
// failure counter and escalates with ReasonScheduledHeartbeatFailure
// once it exceeds cfg.MaxFailures. Returns the counter's new value.
func (s *Supervisor) IncrementFailure() uint32 {
	n := s.failCount.Add(1)
	if n > s.cfg.MaxFailures {
		s.Escalate(ReasonScheduledHeartbeatFailure)
	}
	return n
}

// ResetFailures clears the consecutive failure counter, called after
// a successful outbound heartbeat.
func (s *Supervisor) ResetFailures() {
	s.failCount.Store(0)
}

// TriggerSyntheticFailure sets the internal fail counter above
// threshold and escalates immediately, for exercising the restart
// path outside production. Mirrors the original
// trigger_heartbeat_failure's "only works in non production
// environments" guard.
func (s *Supervisor) TriggerSyntheticFailure() error {
	if !s.cfg.isNonProduction() {
		return ErrNotNonProduction
	}
	s.failCount.Store(s.cfg.MaxFailures + 1)
	s.Escalate(ReasonSyntheticFailure)
	return nil
}

// Run blocks, waiting for an escalated RestartReason. On receipt it
// logs, counts down cfg.Countdown while best-effort attempting a
// final gossip exchange, then invokes the restart hook and exits via
// exitFunc. Returns early if ctx is canceled before any escalation
// arrives.
func (s *Supervisor) Run(ctx context.Context) {
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		return
	case reason := <-s.reasons:
		s.handleRestart(ctx, reason)
	}
}

func (s *Supervisor) handleRestart(ctx context.Context, reason RestartReason) {
	s.log.Warn("supervisor: restart escalation received", logger.String("reason", string(reason)))
	s.log.Warn("supervisor: initiating recovery")

	go s.attemptFinalGossip(ctx)
	s.countdown(ctx, reason)

	if err := s.restartHook(reason); err != nil {
		s.log.Error("supervisor: restart hook failed", logger.Error(err))
	}
	s.exitFunc(1)
}

func (s *Supervisor) attemptFinalGossip(ctx context.Context) {
	if s.finalGossip == nil {
		return
	}
	gossipCtx, cancel := context.WithTimeout(ctx, s.cfg.Countdown)
	defer cancel()
	if err := s.finalGossip(gossipCtx); err != nil {
		s.log.Warn("supervisor: final gossip exchange failed", logger.Error(err))
	}
}

func (s *Supervisor) countdown(ctx context.Context, reason RestartReason) {
	remaining := s.cfg.Countdown
	newTicker := s.tickerFunc
	if newTicker == nil {
		newTicker = func(d time.Duration) (<-chan time.Time, func()) {
			t := time.NewTicker(d)
			return t.C, t.Stop
		}
	}

	ticks, stop := newTicker(time.Second)
	defer stop()

	seconds := int(remaining / time.Second)
	for secondsLeft := seconds; secondsLeft > 0; secondsLeft-- {
		s.log.Info("supervisor: restarting container",
			logger.String("reason", string(reason)),
			logger.Int("seconds_remaining", secondsLeft))
		select {
		case <-ctx.Done():
			return
		case <-ticks:
		}
	}
}
