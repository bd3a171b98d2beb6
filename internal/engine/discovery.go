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
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/shipshape-io/reload-controller/internal/hash"
	"github.com/shipshape-io/reload-controller/internal/restart"
)

// syncCacheFromList seeds or refreshes the data-hash cache from a full
// ConfigMap listing. Called at startup (restartOnChange=false) to populate
// the baseline, and after a 410 Gone re-list (restartOnChange=true) to
// detect changes that occurred while the watch was disconnected.
func (e *Engine) syncCacheFromList(list *corev1.ConfigMapList, restartOnChange bool) {
	for i := range list.Items {
		cm := &list.Items[i]
		labels := cm.Labels
		if !e.matchesAppLabels(labels) {
			continue
		}
		env := labels["env"]
		if env == "" || cm.Name == "" {
			continue
		}

		key := Key{Env: env, ConfigMapName: cm.Name}
		currentHash := hash.Data(cm.Data)

		e.mu.Lock()
		previousHash, known := e.lastDataHash[key]
		e.lastDataHash[key] = currentHash
		e.mu.Unlock()

		if !restartOnChange {
			continue
		}
		if !known || previousHash == currentHash {
			continue
		}

		now := time.Now()
		remaining := e.debounceRemaining(key, now)
		if remaining > 0 {
			e.schedulePendingRestart(key, now, remaining, true)
			continue
		}

		e.log.Info("detected data drift after re-list; restarting matching deployments", "env", env, "configmap", cm.Name)
		e.restartAndRecord(key, now, false)
	}
}

// reconcileStartupDrift compares cached ConfigMap hashes against deployment
// hash annotations to detect changes that happened while the controller was
// down — but only for deployments already carrying a prior controller
// hash annotation, or whose rollout annotation indicates an older
// controller version that never persisted hash metadata.
func (e *Engine) reconcileStartupDrift(ctx context.Context, list *corev1.ConfigMapList) {
	for i := range list.Items {
		cm := &list.Items[i]
		labels := cm.Labels
		if !e.matchesAppLabels(labels) {
			continue
		}
		env := labels["env"]
		if env == "" || cm.Name == "" {
			continue
		}

		key := Key{Env: env, ConfigMapName: cm.Name}
		e.mu.Lock()
		currentHash, known := e.lastDataHash[key]
		e.mu.Unlock()
		if !known {
			continue
		}

		selector := e.deploymentSelectorForEnv(env)
		deployments, err := e.clientset.AppsV1().Deployments(e.namespace).List(ctx, metav1.ListOptions{LabelSelector: selector})
		if err != nil {
			e.log.Error(err, "failed startup drift check", "env", env, "configmap", cm.Name, "selector", selector)
			continue
		}
		if len(deployments.Items) == 0 {
			continue
		}

		hashAnnotationKey := restart.HashAnnotationKey(e.rolloutAnnotationKey, cm.Name)
		var staleDeployments []string
		annotationUnknown := 0

		for j := range deployments.Items {
			d := &deployments.Items[j]
			name := d.Name
			if name == "" {
				name = "<unknown>"
			}
			annotations := restart.TemplateAnnotations(d)
			observedHash, hasHash := annotations[hashAnnotationKey]

			if !hasHash {
				if _, hasRollout := annotations[e.rolloutAnnotationKey]; hasRollout {
					staleDeployments = append(staleDeployments, name)
				} else {
					annotationUnknown++
				}
				continue
			}
			if observedHash != currentHash {
				staleDeployments = append(staleDeployments, name)
			}
		}

		if annotationUnknown > 0 {
			e.log.Info("startup drift check skipped for deployments without hash annotation", "count", annotationUnknown, "env", env, "configmap", cm.Name)
		}

		if len(staleDeployments) == 0 {
			continue
		}

		e.log.Info("detected startup configmap drift; reconciling with restart", "env", env, "configmap", cm.Name, "staleDeployments", strings.Join(staleDeployments, ", "))
		e.restartAndRecord(key, time.Now(), false)
	}
}
