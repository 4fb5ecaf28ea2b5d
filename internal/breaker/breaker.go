// webhookflow is a webhook delivery pipeline.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package breaker implements the process-local circuit breaker that fronts
// the downstream delivery call.
package breaker

import (
	"sync"
	"time"
)

// State is one of the three circuit states.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

// GaugeValue is the value the breaker state metric exports, per the
// 0=closed,1=open,2=half-open convention.
func (s State) GaugeValue() float64 {
	switch s {
	case Open:
		return 1
	case HalfOpen:
		return 2
	default:
		return 0
	}
}

func (s State) String() string {
	switch s {
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "CLOSED"
	}
}

// Config holds the breaker's tunable thresholds.
type Config struct {
	FailureThreshold          int
	RecoveryTimeout           time.Duration
	HalfOpenRequiredSuccesses int
}

// DefaultConfig matches the thresholds named in the external interface
// table: 5 failures to open, 30s recovery, 3 successes to close.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:          5,
		RecoveryTimeout:           30 * time.Second,
		HalfOpenRequiredSuccesses: 3,
	}
}

// Breaker is a single mutex-guarded state machine. All transitions are
// serialized; Now is overridable so tests don't need real sleeps.
type Breaker struct {
	cfg Config
	Now func() time.Time

	mu            sync.Mutex
	state         State
	failureCount  int
	successCount  int
	lastFailureAt time.Time
}

// New constructs a Breaker in the CLOSED state.
func New(cfg Config) *Breaker {
	return &Breaker{cfg: cfg, Now: time.Now, state: Closed}
}

// CanExecute reports whether a delivery attempt may proceed, performing
// the OPEN -> HALF_OPEN transition as a side effect when the recovery
// timeout has elapsed.
func (b *Breaker) CanExecute() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case HalfOpen:
		return true
	case Open:
		if b.Now().Sub(b.lastFailureAt) > b.cfg.RecoveryTimeout {
			b.state = HalfOpen
			b.successCount = 0
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess advances the state machine on a successful delivery.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		b.failureCount = 0
	case HalfOpen:
		b.successCount++
		if b.successCount >= b.cfg.HalfOpenRequiredSuccesses {
			b.state = Closed
			b.failureCount = 0
			b.successCount = 0
		}
	}
}

// RecordFailure advances the state machine on a failed delivery.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		b.failureCount++
		if b.failureCount >= b.cfg.FailureThreshold {
			b.state = Open
			b.lastFailureAt = b.Now()
		}
	case HalfOpen:
		b.state = Open
		b.lastFailureAt = b.Now()
		b.successCount = 0
	case Open:
		b.lastFailureAt = b.Now()
	}
}

// State returns the current state under the same lock used by the
// transition methods, for metrics and tests.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
