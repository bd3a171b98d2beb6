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
	"context"
	"math"
	"time"

	"github.com/shipshape-io/reload-controller/internal/restart"
)

const maxRetryBackoffSeconds = 30

func (e *Engine) recordRestartResult(result restart.Result) {
	e.metrics.RestartsTotal.WithLabelValues(result.Environment).Add(float64(result.Restarted))
	e.metrics.ErrorsTotal.WithLabelValues(result.Environment).Add(float64(result.Failed))
}

func (e *Engine) notifyRestart(key Key, result restart.Result) {
	if e.notifier == nil {
		return
	}
	e.notifier.NotifyRestart(key.Env, key.ConfigMapName, result)
}

// restartAndRecord executes one restart attempt and reconciles queue state.
// Failed attempts are retried with bounded exponential backoff unless
// force is true (shutdown/handoff flush), in which case the intent is
// dropped after recording failure so termination is never blocked forever.
func (e *Engine) restartAndRecord(key Key, now time.Time, force bool) restart.Result {
	result := e.restartDeploymentsForEnv(key)
	e.recordRestartResult(result)
	e.notifyRestart(key, result)

	if result.Failed == 0 {
		e.markRestartExecuted(key, now)
		return result
	}

	if force {
		e.mu.Lock()
		delete(e.pendingRestarts, key)
		delete(e.pendingRetryAttempts, key)
		e.metrics.PendingRestarts.Set(float64(len(e.pendingRestarts)))
		e.mu.Unlock()
		e.metrics.DroppedRestartsTotal.Inc()
		e.log.Error(nil, "forced restart failed during shutdown; dropping pending intent", "env", key.Env, "configmap", key.ConfigMapName)
		return result
	}

	e.scheduleRetry(key, now)
	return result
}

func (e *Engine) restartDeploymentsForEnv(key Key) restart.Result {
	selector := e.deploymentSelectorForEnv(key.Env)
	e.mu.Lock()
	configHash := e.lastDataHash[key]
	e.mu.Unlock()

	result, err := e.executor.RestartMatching(context.Background(), e.log, key.Env, key.ConfigMapName, selector, configHash)
	if err != nil {
		e.log.Error(err, "failed to list deployments for env", "env", key.Env, "selector", selector)
	}
	return result
}

// scheduleRetry schedules a retry after a failed restart attempt using
// bounded exponential backoff: min(30, 2^(attempt-1)) seconds.
func (e *Engine) scheduleRetry(key Key, now time.Time) {
	e.mu.Lock()
	attempt := e.pendingRetryAttempts[key] + 1
	e.pendingRetryAttempts[key] = attempt
	delaySeconds := math.Min(maxRetryBackoffSeconds, math.Pow(2, float64(attempt-1)))
	delay := time.Duration(delaySeconds * float64(time.Second))
	e.pendingRestarts[key] = now.Add(delay)
	e.metrics.PendingRestarts.Set(float64(len(e.pendingRestarts)))
	e.mu.Unlock()

	e.metrics.RetryTotal.WithLabelValues(key.Env).Inc()
	e.log.Info("restart failed; scheduling retry", "env", key.Env, "configmap", key.ConfigMapName, "attempt", attempt, "delay", delay)
}

// drainPendingRestarts processes every pending restart whose debounce
// window has elapsed as of now.
func (e *Engine) drainPendingRestarts(now time.Time) {
	e.mu.Lock()
	var due []Key
	for key, dueAt := range e.pendingRestarts {
		if !dueAt.After(now) {
			due = append(due, key)
		}
	}
	e.mu.Unlock()

	for _, key := range due {
		e.log.Info("processing debounced configmap restart", "env", key.Env, "configmap", key.ConfigMapName)
		e.restartAndRecord(key, now, false)
	}
}

// flushPendingRestartsOnShutdown force-processes all pending restarts before
// shutdown so a leadership handoff or process termination cannot silently
// lose a previously observed ConfigMap change.
func (e *Engine) flushPendingRestartsOnShutdown() {
	e.mu.Lock()
	keys := make([]Key, 0, len(e.pendingRestarts))
	for key := range e.pendingRestarts {
		keys = append(keys, key)
	}
	count := len(keys)
	e.mu.Unlock()

	if count == 0 {
		return
	}
	e.log.Info("forcing pending restarts before shutdown", "count", count)

	for _, key := range keys {
		e.log.Info("forcing pending configmap restart due to shutdown or leadership handoff", "env", key.Env, "configmap", key.ConfigMapName)
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.log.Error(nil, "panic during forced shutdown restart", "env", key.Env, "configmap", key.ConfigMapName, "recovered", r)
					e.mu.Lock()
					delete(e.pendingRestarts, key)
					delete(e.pendingRetryAttempts, key)
					e.metrics.PendingRestarts.Set(float64(len(e.pendingRestarts)))
					e.mu.Unlock()
					e.metrics.DroppedRestartsTotal.Inc()
				}
			}()
			e.restartAndRecord(key, time.Now(), true)
		}()
	}
}

// nextWatchTimeoutSeconds returns the next watch timeout, shortened when
// restarts are pending so the loop wakes up in time to drain them.
func (e *Engine) nextWatchTimeoutSeconds(now time.Time) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.pendingRestarts) == 0 {
		return 30
	}
	var nearest time.Time
	for _, dueAt := range e.pendingRestarts {
		if nearest.IsZero() || dueAt.Before(nearest) {
			nearest = dueAt
		}
	}
	remaining := nearest.Sub(now).Seconds()
	if remaining < 1 {
		remaining = 1
	}
	seconds := int64(math.Ceil(remaining))
	if seconds > 30 {
		seconds = 30
	}
	if seconds < 1 {
		seconds = 1
	}
	return seconds
}
