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

package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// instantTicker drives countdown() without real sleeps, firing
// immediately so tests complete quickly.
func instantTicker(d time.Duration) (<-chan time.Time, func()) {
	ch := make(chan time.Time, 1)
	ch <- time.Now()
	go func() {
		for {
			select {
			case ch <- time.Now():
			default:
			}
		}
	}()
	return ch, func() {}
}

func newTestSupervisor(cfg Config, hook RestartHook, gossip FinalGossipFunc) *Supervisor {
	s := New(cfg, nil, hook, gossip)
	s.tickerFunc = instantTicker
	s.exitFunc = func(int) {}
	return s
}

func TestEscalateAndRunInvokesRestartHook(t *testing.T) {
	var mu sync.Mutex
	var gotReason RestartReason
	hookCalled := make(chan struct{})

	hook := func(reason RestartReason) error {
		mu.Lock()
		gotReason = reason
		mu.Unlock()
		close(hookCalled)
		return nil
	}

	s := newTestSupervisor(Config{Countdown: 2 * time.Second}, hook, nil)
	s.Escalate(ReasonScheduledHeartbeatFailure)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	select {
	case <-hookCalled:
	case <-time.After(time.Second):
		t.Fatal("restart hook was not invoked")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, ReasonScheduledHeartbeatFailure, gotReason)
}

func TestIncrementFailureEscalatesPastThreshold(t *testing.T) {
	hookCalled := make(chan RestartReason, 1)
	hook := func(reason RestartReason) error {
		hookCalled <- reason
		return nil
	}

	s := newTestSupervisor(Config{MaxFailures: 2, Countdown: time.Second}, hook, nil)

	assert.Equal(t, uint32(1), s.IncrementFailure())
	assert.Equal(t, uint32(2), s.IncrementFailure())
	assert.Equal(t, uint32(3), s.IncrementFailure())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go s.Run(ctx)

	select {
	case reason := <-hookCalled:
		assert.Equal(t, ReasonScheduledHeartbeatFailure, reason)
	case <-time.After(time.Second):
		t.Fatal("escalation past threshold did not trigger restart hook")
	}
}

func TestResetFailuresClearsCounter(t *testing.T) {
	s := newTestSupervisor(Config{MaxFailures: 5}, func(RestartReason) error { return nil }, nil)
	s.IncrementFailure()
	s.IncrementFailure()
	s.ResetFailures()
	assert.Equal(t, uint32(1), s.IncrementFailure())
}

func TestTriggerSyntheticFailureRejectedInProduction(t *testing.T) {
	s := newTestSupervisor(Config{Environment: "production"}, func(RestartReason) error { return nil }, nil)
	err := s.TriggerSyntheticFailure()
	require.ErrorIs(t, err, ErrNotNonProduction)
}

func TestTriggerSyntheticFailureEscalatesOutsideProduction(t *testing.T) {
	hookCalled := make(chan RestartReason, 1)
	hook := func(reason RestartReason) error {
		hookCalled <- reason
		return nil
	}
	s := newTestSupervisor(Config{Environment: "dev", Countdown: time.Second}, hook, nil)

	require.NoError(t, s.TriggerSyntheticFailure())
	assert.Greater(t, s.failCount.Load(), s.cfg.MaxFailures)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go s.Run(ctx)

	select {
	case reason := <-hookCalled:
		assert.Equal(t, ReasonSyntheticFailure, reason)
	case <-time.After(time.Second):
		t.Fatal("synthetic failure did not escalate")
	}
}

func TestEscalateDropsWhenChannelFull(t *testing.T) {
	s := newTestSupervisor(Config{}, func(RestartReason) error { return nil }, nil)
	for i := 0; i < cap(s.reasons)+2; i++ {
		s.Escalate(ReasonScheduledHeartbeatFailure)
	}
	assert.Len(t, s.reasons, cap(s.reasons))
}

func TestRunReturnsOnContextCancelWithoutEscalation(t *testing.T) {
	s := newTestSupervisor(Config{}, func(RestartReason) error { return nil }, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestFinalGossipFailureDoesNotBlockRestart(t *testing.T) {
	hookCalled := make(chan struct{})
	hook := func(RestartReason) error {
		close(hookCalled)
		return nil
	}
	gossipErr := errors.New("no peers reachable")
	gossip := func(ctx context.Context) error { return gossipErr }

	s := newTestSupervisor(Config{Countdown: time.Second}, hook, gossip)
	s.Escalate(ReasonScheduledHeartbeatFailure)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go s.Run(ctx)

	select {
	case <-hookCalled:
	case <-time.After(time.Second):
		t.Fatal("restart hook was not invoked despite gossip failure")
	}
}
