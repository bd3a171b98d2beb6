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

// Package engine implements the core reconciliation loop: it watches
// ConfigMaps in one namespace and rolling-restarts the Deployments that
// consume them whenever the data content actually changes.
//
// Grounded on original_source/controller/src/controller.py's
// ConfigMapReloader, split across files the way the teacher splits its
// reconciler across internal/controller/reconciler_*.go: engine.go (state +
// constructor), events.go (event filter + debounce), reload.go (restart +
// retry + drain + force-flush), discovery.go (startup drift reconciliation),
// watch.go (list-then-watch loop).
package engine

import (
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	apiwatch "k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"

	"github.com/shipshape-io/reload-controller/internal/restart"
	"github.com/shipshape-io/reload-controller/internal/telemetry"
)

// Key identifies a debounce/retry/hash-cache entry: one ConfigMap in one
// logical environment.
type Key struct {
	Env           string
	ConfigMapName string
}

// Notifier is the optional restart-outcome notification sink (see
// SPEC_FULL.md §4.11). A nil Notifier is a valid no-op.
type Notifier interface {
	NotifyRestart(env, configMapName string, result restart.Result)
}

// Event is a minimal thread-safe substitute for Python's threading.Event:
// it tracks a boolean that can be set, cleared, and read from any goroutine.
type Event struct {
	mu  sync.RWMutex
	set bool
}

// Set marks the event as signaled.
func (e *Event) Set() {
	e.mu.Lock()
	e.set = true
	e.mu.Unlock()
}

// Clear resets the event to unsignaled.
func (e *Event) Clear() {
	e.mu.Lock()
	e.set = false
	e.mu.Unlock()
}

// IsSet reports whether the event is currently signaled.
func (e *Event) IsSet() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.set
}

// Engine watches ConfigMaps in a namespace and triggers Deployment rolling
// restarts on data changes. See the package doc for the algorithm.
type Engine struct {
	clientset            kubernetes.Interface
	namespace            string
	appSelector          string
	appLabelFilters      map[string]string
	rolloutAnnotationKey string
	debounceSeconds      int

	log      logr.Logger
	metrics  *telemetry.Metrics
	notifier Notifier
	now      restart.NowFunc
	executor *restart.Executor

	// Ready signals that the initial list has completed and the watch loop
	// is live; cleared on any fatal (401/403) error or on shutdown.
	Ready Event

	mu                    sync.Mutex
	lastRestart           map[Key]time.Time
	lastDataHash          map[Key]string
	pendingRestarts       map[Key]time.Time
	pendingRetryAttempts  map[Key]int

	externalStop Event

	watcherMu     sync.Mutex
	activeWatcher apiwatch.Interface
}

// Option customizes Engine construction.
type Option func(*Engine)

// WithNotifier attaches a restart-outcome notifier.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithNowFunc overrides the restart timestamp source, used by tests.
func WithNowFunc(now restart.NowFunc) Option {
	return func(e *Engine) { e.now = now }
}

// New constructs an Engine. appSelector is a Kubernetes label selector
// string ("app=helloworld,team=platform"); rolloutAnnotationKey is the pod
// template annotation set on every restart.
func New(
	clientset kubernetes.Interface,
	namespace, appSelector, rolloutAnnotationKey string,
	debounceSeconds int,
	log logr.Logger,
	metrics *telemetry.Metrics,
	opts ...Option,
) *Engine {
	e := &Engine{
		clientset:            clientset,
		namespace:            namespace,
		appSelector:          appSelector,
		appLabelFilters:      parseSelector(appSelector),
		rolloutAnnotationKey: rolloutAnnotationKey,
		debounceSeconds:      debounceSeconds,
		log:                  log,
		metrics:              metrics,
		now:                  restart.UTCNowRFC3339,
		lastRestart:          map[Key]time.Time{},
		lastDataHash:         map[Key]string{},
		pendingRestarts:      map[Key]time.Time{},
		pendingRetryAttempts: map[Key]int{},
	}
	for _, opt := range opts {
		opt(e)
	}
	e.executor = restart.NewExecutor(clientset.AppsV1().Deployments(namespace), namespace, rolloutAnnotationKey, e.now)
	metrics.PendingRestarts.Set(0)
	return e
}

func parseSelector(selector string) map[string]string {
	result := map[string]string{}
	for _, part := range strings.Split(selector, ",") {
		part = strings.TrimSpace(part)
		if key, value, found := strings.Cut(part, "="); found {
			result[strings.TrimSpace(key)] = strings.TrimSpace(value)
		}
	}
	return result
}

func (e *Engine) matchesAppLabels(labels map[string]string) bool {
	for k, v := range e.appLabelFilters {
		if labels[k] != v {
			return false
		}
	}
	return true
}

// deploymentSelectorForEnv extends the base app selector with env=<env> so a
// ConfigMap change in one environment only restarts that environment's
// deployments.
func (e *Engine) deploymentSelectorForEnv(env string) string {
	var clauses []string
	for _, part := range strings.Split(e.appSelector, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			clauses = append(clauses, part)
		}
	}
	hasEnvClause := false
	for _, part := range clauses {
		if strings.HasPrefix(part, "env=") {
			hasEnvClause = true
			break
		}
	}
	if !hasEnvClause {
		clauses = append(clauses, "env="+env)
	}
	return strings.Join(clauses, ",")
}

// RequestStop requests a cooperative stop and immediately interrupts any
// open watch stream, mirroring ConfigMapReloader.request_stop. Safe to call
// from any goroutine, any number of times.
func (e *Engine) RequestStop() {
	e.externalStop.Set()
	e.watcherMu.Lock()
	active := e.activeWatcher
	e.watcherMu.Unlock()
	if active != nil {
		active.Stop()
	}
}

func (e *Engine) shouldStop(stop <-chan struct{}) bool {
	if e.externalStop.IsSet() {
		return true
	}
	select {
	case <-stop:
		return true
	default:
		return false
	}
}

// waitStop blocks for d or until stop fires, whichever comes first —
// the Go analogue of threading.Event.wait(timeout=...).
func (e *Engine) waitStop(stop <-chan struct{}, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-stop:
	case <-timer.C:
	}
}
