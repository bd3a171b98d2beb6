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

package engine

import (
	"time"

	corev1 "k8s.io/api/core/v1"

	"github.com/shipshape-io/reload-controller/internal/hash"
	"github.com/shipshape-io/reload-controller/internal/restart"
)

// debounceRemaining returns the time remaining in the debounce window for a
// key. Zero means debounce is disabled, the key has never been restarted, or
// the full window has elapsed, so a restart may proceed immediately.
func (e *Engine) debounceRemaining(key Key, now time.Time) time.Duration {
	if e.debounceSeconds <= 0 {
		return 0
	}
	e.mu.Lock()
	lastSeen, ok := e.lastRestart[key]
	e.mu.Unlock()
	if !ok {
		return 0
	}
	elapsed := now.Sub(lastSeen)
	remaining := time.Duration(e.debounceSeconds)*time.Second - elapsed
	if remaining < 0 {
		return 0
	}
	return remaining
}

// schedulePendingRestart enqueues or postpones a restart so it fires after
// the debounce window. An already-pending due-at is pushed forward, never
// brought earlier, so coalescing always uses the latest change in-window.
func (e *Engine) schedulePendingRestart(key Key, now time.Time, delay time.Duration, resetRetryAttempt bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	dueAt := now.Add(delay)
	existing, ok := e.pendingRestarts[key]
	if !ok || dueAt.After(existing) {
		e.pendingRestarts[key] = dueAt
		e.metrics.PendingRestarts.Set(float64(len(e.pendingRestarts)))
	}
	if resetRetryAttempt {
		delete(e.pendingRetryAttempts, key)
	}
}

func (e *Engine) markRestartExecuted(key Key, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastRestart[key] = now
	delete(e.pendingRestarts, key)
	delete(e.pendingRetryAttempts, key)
	e.metrics.PendingRestarts.Set(float64(len(e.pendingRestarts)))
}

// hasMeaningfulDataChange reports whether a ConfigMap event represents a
// real data change, and always refreshes the cached hash as a side effect
// so the next comparison uses the freshest baseline. Returns false
// (suppress restart) for an initial ADDED replay with no prior baseline, or
// for an unchanged digest.
func (e *Engine) hasMeaningfulDataChange(key Key, eventType string, cm *corev1.ConfigMap) bool {
	currentHash := hash.Data(cm.Data)

	e.mu.Lock()
	previousHash, known := e.lastDataHash[key]
	e.lastDataHash[key] = currentHash
	e.mu.Unlock()

	if !known {
		if eventType == "ADDED" {
			e.log.Info("ignoring initial ADDED event with no prior data baseline", "env", key.Env, "configmap", key.ConfigMapName)
			return false
		}
		return true
	}

	if previousHash == currentHash {
		e.log.Info("ignoring unchanged data", "env", key.Env, "configmap", key.ConfigMapName)
		return false
	}
	return true
}

// HandleConfigMapEvent processes a single ConfigMap watch event: filters
// irrelevant events, applies debounce, and either restarts immediately or
// schedules a deferred restart. Returns a non-nil result only when a
// restart was executed immediately.
func (e *Engine) HandleConfigMapEvent(eventType string, cm *corev1.ConfigMap) *restart.Result {
	if eventType != "ADDED" && eventType != "MODIFIED" {
		return nil
	}
	if cm == nil {
		return nil
	}

	labels := cm.Labels
	if !e.matchesAppLabels(labels) {
		return nil
	}

	env := labels["env"]
	if env == "" {
		e.log.Info("skipping configmap because env label is missing", "configmap", cm.Name)
		return nil
	}
	if cm.Name == "" {
		e.log.Info("skipping configmap with empty name", "env", env)
		return nil
	}

	key := Key{Env: env, ConfigMapName: cm.Name}

	if !e.hasMeaningfulDataChange(key, eventType, cm) {
		return nil
	}

	now := time.Now()
	remaining := e.debounceRemaining(key, now)
	if remaining > 0 {
		e.schedulePendingRestart(key, now, remaining, true)
		e.log.Info("debounced configmap event", "env", env, "configmap", cm.Name, "delay", remaining)
		e.metrics.DebouncedTotal.WithLabelValues(env).Inc()
		return nil
	}

	// A fresh immediate restart attempt supersedes older retry state for
	// the same key.
	e.mu.Lock()
	delete(e.pendingRestarts, key)
	delete(e.pendingRetryAttempts, key)
	e.metrics.PendingRestarts.Set(float64(len(e.pendingRestarts)))
	e.mu.Unlock()

	result := e.restartAndRecord(key, now, false)
	return &result
}
