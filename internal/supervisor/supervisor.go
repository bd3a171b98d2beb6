/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package supervisor wires leader election callbacks to the engine's
// watch-loop lifecycle: start a fresh watch loop goroutine on
// onStartedLeading, stop and join it on onStoppedLeading, and escalate to a
// full process shutdown if the loop ever gets stuck or exits on its own.
//
// Grounded on original_source/controller/src/__main__.py's main(), which
// wires LeaseLeaderElector.run's callbacks to a controller thread under a
// lock. The per-cycle "controller_stop" threading.Event survives unchanged
// as a plain chan struct{} here: unlike the engine's internal Ready/
// externalStop flags, a handoff stop signal is used exactly once per
// leadership cycle and then discarded, which is what a channel is for.
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/shipshape-io/reload-controller/internal/engine"
	"github.com/shipshape-io/reload-controller/internal/leaderelection"
)

// Supervisor owns the engine's lifetime across leadership acquisitions and
// losses. When elector is nil, leader election is disabled and the engine
// simply runs until shutdown.
type Supervisor struct {
	log     logr.Logger
	eng     *engine.Engine
	elector *leaderelection.Elector

	// leaderReady tracks whether this replica currently believes it is
	// leading, for the /leadz health endpoint. May be nil.
	leaderReady *engine.Event

	controllerStopJoinTimeout time.Duration

	shutdownOnce sync.Once
	shutdownCh   chan struct{}

	mu             sync.Mutex
	controllerStop chan struct{}
	controllerDone chan struct{}
}

// New constructs a Supervisor. Pass a nil elector to run the engine without
// leader election (single-replica mode).
func New(log logr.Logger, eng *engine.Engine, elector *leaderelection.Elector, leaderReady *engine.Event, controllerStopJoinTimeout time.Duration) *Supervisor {
	return &Supervisor{
		log:                       log,
		eng:                       eng,
		elector:                   elector,
		leaderReady:               leaderReady,
		controllerStopJoinTimeout: controllerStopJoinTimeout,
		shutdownCh:                make(chan struct{}),
	}
}

// RequestShutdown signals every goroutine under this supervisor to stop.
// Safe to call from a signal handler, any number of times.
func (s *Supervisor) RequestShutdown() {
	s.shutdownOnce.Do(func() { close(s.shutdownCh) })
}

// ShuttingDown reports whether RequestShutdown has been called.
func (s *Supervisor) ShuttingDown() bool {
	select {
	case <-s.shutdownCh:
		return true
	default:
		return false
	}
}

// Run blocks until shutdown. With leader election disabled it runs the
// engine's watch loop directly; with leader election enabled it runs the
// elector, which drives the watch loop on and off via onStartedLeading and
// onStoppedLeading as leadership is gained and lost.
func (s *Supervisor) Run(ctx context.Context) {
	if s.elector == nil {
		s.eng.RunForever(ctx, s.shutdownCh)
		return
	}

	s.elector.Run(ctx, s.onStartedLeading(ctx), s.onStoppedLeading, s.shutdownCh)
	s.onStoppedLeading()
}

func (s *Supervisor) onStartedLeading(ctx context.Context) func() {
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		if s.ShuttingDown() {
			return
		}
		if s.controllerDone != nil && !closed(s.controllerDone) {
			s.log.Error(nil, "refusing to start a new watch loop while the previous controller goroutine is still running")
			s.RequestShutdown()
			return
		}

		if s.leaderReady != nil {
			s.leaderReady.Set()
		}

		stop := make(chan struct{})
		done := make(chan struct{})
		s.controllerStop = stop
		s.controllerDone = done
		go s.runController(ctx, stop, done)
	}
}

func (s *Supervisor) onStoppedLeading() {
	s.mu.Lock()
	if s.leaderReady != nil {
		s.leaderReady.Clear()
	}
	s.eng.RequestStop()
	stop := s.controllerStop
	done := s.controllerDone
	if stop != nil && !closed(stop) {
		close(stop)
	}
	s.mu.Unlock()

	if done == nil {
		return
	}

	select {
	case <-done:
	case <-time.After(s.controllerStopJoinTimeout):
		s.log.Error(nil, "controller goroutine did not stop within timeout during leadership handoff; forcing shutdown",
			"timeoutSeconds", s.controllerStopJoinTimeout.Seconds())
		s.RequestShutdown()
		return
	}

	s.mu.Lock()
	s.controllerStop = nil
	s.controllerDone = nil
	s.mu.Unlock()
}

// runController runs one leadership cycle's watch loop and detects both
// panics and unexpected clean exits (the loop returning without either the
// per-cycle stop or the process shutdown signal firing), escalating either
// case to a full process shutdown so a stuck or crashed watch loop can
// never be mistaken for a healthy, leaderless replica.
func (s *Supervisor) runController(ctx context.Context, stop, done chan struct{}) {
	defer close(done)
	defer func() {
		if r := recover(); r != nil {
			s.log.Error(nil, "controller goroutine crashed", "recovered", r)
			s.RequestShutdown()
		}
	}()

	s.eng.RunForever(ctx, stop)

	if !closed(stop) && !s.ShuttingDown() {
		s.log.Error(nil, "controller goroutine exited without a stop signal; terminating process")
		s.RequestShutdown()
	}
}

func closed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
