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

// Package restart patches Deployment pod-template annotations to trigger a
// rolling restart — the same mechanism "kubectl rollout restart" uses.
package restart

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	appsv1 "k8s.io/api/apps/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	appsv1client "k8s.io/client-go/kubernetes/typed/apps/v1"
)

// Result is an immutable record of a single rolling-restart operation,
// returned so callers can inspect outcomes without re-querying the API.
type Result struct {
	Environment        string
	MatchedDeployments int
	Restarted          int
	Failed             int
}

// NowFunc returns the current time. The executor formats it as a compact
// RFC 3339 string for the restart annotation's value so Kubernetes sees a
// template change.
type NowFunc func() time.Time

// UTCNowRFC3339 is the default NowFunc.
func UTCNowRFC3339() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}

func formatRFC3339(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}

// Executor patches Deployments matching a label selector to trigger a
// rolling restart, skipping Deployments that already carry the current
// content hash.
type Executor struct {
	deployments          appsv1client.DeploymentInterface
	namespace             string
	rolloutAnnotationKey string
	now                  NowFunc
}

// NewExecutor constructs an Executor bound to one namespace.
func NewExecutor(deployments appsv1client.DeploymentInterface, namespace, rolloutAnnotationKey string, now NowFunc) *Executor {
	if now == nil {
		now = UTCNowRFC3339
	}
	return &Executor{
		deployments:          deployments,
		namespace:             namespace,
		rolloutAnnotationKey: rolloutAnnotationKey,
		now:                  now,
	}
}

// TemplateAnnotations extracts a Deployment's pod template annotations
// safely, returning an empty (non-nil) map when none are set.
func TemplateAnnotations(d *appsv1.Deployment) map[string]string {
	if d.Spec.Template.ObjectMeta.Annotations == nil {
		return map[string]string{}
	}
	return d.Spec.Template.ObjectMeta.Annotations
}

func templateAnnotations(d *appsv1.Deployment) map[string]string {
	return TemplateAnnotations(d)
}

// RestartMatching lists Deployments in the executor's namespace matching
// selector and patches each pod template with the rollout annotation plus,
// when configHash is non-empty, a per-ConfigMap hash annotation. Deployments
// already carrying the current hash are skipped to avoid redundant rollouts.
func (e *Executor) RestartMatching(ctx context.Context, log logr.Logger, env, configMapName, selector, configHash string) (Result, error) {
	list, err := e.deployments.List(ctx, metav1.ListOptions{LabelSelector: selector})
	if err != nil {
		log.Error(err, "failed to list deployments", "env", env, "selector", selector)
		return Result{Environment: env, MatchedDeployments: 0, Restarted: 0, Failed: 1}, err
	}

	timestamp := formatRFC3339(e.now())
	hashKey := HashAnnotationKey(e.rolloutAnnotationKey, configMapName)

	var restarted, failed int
	for i := range list.Items {
		d := &list.Items[i]
		name := d.Name
		if name == "" {
			failed++
			log.Error(nil, "deployment with missing metadata.name", "env", env)
			continue
		}

		if configHash != "" {
			if templateAnnotations(d)[hashKey] == configHash {
				log.Info("deployment already has current config hash; skipping patch", "deployment", name, "env", env, "hash", configHash)
				continue
			}
		}

		if err := e.patch(ctx, name, timestamp, hashKey, configHash); err != nil {
			failed++
			log.Error(err, "failed to patch deployment", "deployment", name, "namespace", e.namespace)
			continue
		}
		restarted++
		log.Info("triggered rolling restart", "deployment", name, "env", env)
	}

	if len(list.Items) == 0 {
		log.Info("configmap changed but no deployments matched selector", "configmap", configMapName, "selector", selector)
	}

	return Result{
		Environment:        env,
		MatchedDeployments: len(list.Items),
		Restarted:          restarted,
		Failed:             failed,
	}, nil
}

type mergePatchAnnotations struct {
	Spec struct {
		Template struct {
			Metadata struct {
				Annotations map[string]string `json:"annotations"`
			} `json:"metadata"`
		} `json:"template"`
	} `json:"spec"`
}

func (e *Executor) patch(ctx context.Context, deploymentName, timestamp, hashKey, configHash string) error {
	annotations := map[string]string{e.rolloutAnnotationKey: timestamp}
	if configHash != "" {
		annotations[hashKey] = configHash
	}

	var body mergePatchAnnotations
	body.Spec.Template.Metadata.Annotations = annotations
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal restart patch for %s: %w", deploymentName, err)
	}

	_, err = e.deployments.Patch(ctx, deploymentName, types.MergePatchType, raw, metav1.PatchOptions{})
	if err != nil {
		return fmt.Errorf("patch deployment %s: %w", deploymentName, err)
	}
	return nil
}
