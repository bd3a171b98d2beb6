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
	"math/rand"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	apiwatch "k8s.io/apimachinery/pkg/watch"
)

const maxBackoffSeconds = 30

func jitter(seconds int) time.Duration {
	return time.Duration(float64(seconds) * (0.5 + rand.Float64()) * float64(time.Second))
}

// RunForever is the main control loop: list-then-watch ConfigMaps until
// stop fires. See the package doc and original_source's run_forever for the
// full algorithm (initial-list retry backoff, startup drift reconciliation,
// 410 re-list, 401/403 fatal exit, debounce/retry draining, forced flush on
// shutdown).
func (e *Engine) RunForever(ctx context.Context, stop <-chan struct{}) {
	e.externalStop.Clear()

	resourceVersion, ok := e.initialList(ctx, stop)
	if !ok {
		return
	}
	if e.shouldStop(stop) {
		e.Ready.Clear()
		return
	}

	backoffSeconds := 1
	watchStreamCount := 0

	for !e.shouldStop(stop) {
		e.drainPendingRestarts(time.Now())

		timeoutSeconds := e.nextWatchTimeoutSeconds(time.Now())
		if watchStreamCount > 0 {
			e.metrics.WatchReconnectsTotal.Inc()
		}
		watchStreamCount++

		watcher, err := e.clientset.CoreV1().ConfigMaps(e.namespace).Watch(ctx, metav1.ListOptions{
			LabelSelector:  e.appSelector,
			ResourceVersion: resourceVersion,
			TimeoutSeconds: &timeoutSeconds,
		})
		if err != nil {
			e.log.Error(err, "kubernetes api watch error")
			e.metrics.WatchErrorsTotal.Inc()
			e.waitStop(stop, jitter(backoffSeconds))
			backoffSeconds = min(backoffSeconds*2, maxBackoffSeconds)
			continue
		}

		e.watcherMu.Lock()
		e.activeWatcher = watcher
		e.watcherMu.Unlock()

		outcome, newResourceVersion := e.consumeWatch(ctx, watcher, stop, resourceVersion)
		resourceVersion = newResourceVersion

		watcher.Stop()
		e.watcherMu.Lock()
		if e.activeWatcher == watcher {
			e.activeWatcher = nil
		}
		e.watcherMu.Unlock()

		switch outcome {
		case watchOutcomeFatal:
			return
		case watchOutcomeGone:
			continue
		case watchOutcomeError:
			e.waitStop(stop, jitter(backoffSeconds))
			backoffSeconds = min(backoffSeconds*2, maxBackoffSeconds)
		case watchOutcomeOK:
			backoffSeconds = 1
			e.drainPendingRestarts(time.Now())
		}
	}

	e.flushPendingRestartsOnShutdown()
	e.Ready.Clear()
}

type watchOutcome int

const (
	watchOutcomeOK watchOutcome = iota
	watchOutcomeError
	watchOutcomeGone
	watchOutcomeFatal
)

// consumeWatch drains one watch stream until it closes, the caller asks to
// stop, or a terminal server error event arrives.
func (e *Engine) consumeWatch(ctx context.Context, watcher apiwatch.Interface, stop <-chan struct{}, resourceVersion string) (watchOutcome, string) {
	for event := range watcher.ResultChan() {
		if e.shouldStop(stop) {
			return watchOutcomeOK, resourceVersion
		}

		if event.Type == apiwatch.Error {
			status, _ := event.Object.(*metav1.Status)
			code := int32(0)
			if status != nil {
				code = status.Code
			}

			if code == 410 {
				e.log.Info("watch resource version expired, re-listing")
				newRV, relistErr := e.relist(ctx)
				if relistErr != nil {
					if apierrors.IsUnauthorized(relistErr) || apierrors.IsForbidden(relistErr) {
						e.log.Error(relistErr, "kubernetes api access denied during 410 re-list")
						e.Ready.Clear()
						return watchOutcomeFatal, resourceVersion
					}
					e.log.Error(relistErr, "failed to re-list after 410")
					e.metrics.WatchErrorsTotal.Inc()
					return watchOutcomeGone, ""
				}
				return watchOutcomeGone, newRV
			}

			if code == 401 || code == 403 {
				e.log.Error(nil, "kubernetes api watch denied", "code", code)
				e.metrics.WatchErrorsTotal.Inc()
				e.Ready.Clear()
				return watchOutcomeFatal, resourceVersion
			}

			e.log.Error(nil, "kubernetes api watch error", "code", code)
			e.metrics.WatchErrorsTotal.Inc()
			return watchOutcomeError, resourceVersion
		}

		cm, ok := event.Object.(*corev1.ConfigMap)
		if !ok || cm == nil {
			continue
		}
		if cm.ResourceVersion != "" {
			resourceVersion = cm.ResourceVersion
		}
		e.HandleConfigMapEvent(string(event.Type), cm)
		e.drainPendingRestarts(time.Now())
	}
	return watchOutcomeOK, resourceVersion
}

func (e *Engine) relist(ctx context.Context) (string, error) {
	fresh, err := e.clientset.CoreV1().ConfigMaps(e.namespace).List(ctx, metav1.ListOptions{LabelSelector: e.appSelector})
	if err != nil {
		return "", err
	}
	e.syncCacheFromList(fresh, true)
	return fresh.ResourceVersion, nil
}

// initialList retries the initial ConfigMap list with exponential backoff
// so transient API startup failures do not crash-loop the controller. On
// success it seeds the hash cache, reconciles startup drift, and marks the
// engine ready. Returns ok=false only on a fatal (401/403) error.
func (e *Engine) initialList(ctx context.Context, stop <-chan struct{}) (string, bool) {
	startupBackoffSeconds := 1
	for !e.shouldStop(stop) {
		list, err := e.clientset.CoreV1().ConfigMaps(e.namespace).List(ctx, metav1.ListOptions{LabelSelector: e.appSelector})
		if err == nil {
			resourceVersion := list.ResourceVersion
			e.syncCacheFromList(list, false)
			e.reconcileStartupDrift(ctx, list)
			e.Ready.Set()
			e.log.Info("starting watch", "resourceVersion", resourceVersion)
			return resourceVersion, true
		}

		if apierrors.IsUnauthorized(err) || apierrors.IsForbidden(err) {
			e.log.Error(err, "kubernetes api access denied during initial list")
			e.Ready.Clear()
			return "", false
		}
		e.log.Error(err, "initial kubernetes configmap list failed")
		e.metrics.WatchErrorsTotal.Inc()

		e.waitStop(stop, jitter(startupBackoffSeconds))
		startupBackoffSeconds = min(startupBackoffSeconds*2, maxBackoffSeconds)
	}
	return "", true
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
