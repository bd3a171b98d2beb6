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
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

func testConfigMap(name, env string, data map[string]string) *corev1.ConfigMap {
	return &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: "default",
			Labels:    map[string]string{"app": "helloworld", "env": env},
		},
		Data: data,
	}
}

func testDeployment(name, env string) *appsv1.Deployment {
	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: "default",
			Labels:    map[string]string{"app": "helloworld", "env": env},
		},
		Spec: appsv1.DeploymentSpec{
			Selector: &metav1.LabelSelector{MatchLabels: map[string]string{"app": "helloworld", "env": env}},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: map[string]string{"app": "helloworld", "env": env}},
			},
		},
	}
}

var _ = Describe("ConfigMap event handling", func() {
	Context("When the event is not relevant", func() {
		It("Should ignore DELETED events", func() {
			e, _ := newTestEngine("default", "app=helloworld", 0)
			result := e.HandleConfigMapEvent("DELETED", testConfigMap("app-config", "prod", map[string]string{"k": "v"}))
			Expect(result).To(BeNil())
		})

		It("Should ignore a nil ConfigMap", func() {
			e, _ := newTestEngine("default", "app=helloworld", 0)
			result := e.HandleConfigMapEvent("MODIFIED", nil)
			Expect(result).To(BeNil())
		})

		It("Should ignore ConfigMaps not matching the app selector", func() {
			e, _ := newTestEngine("default", "app=helloworld", 0)
			cm := testConfigMap("app-config", "prod", map[string]string{"k": "v"})
			cm.Labels["app"] = "other"
			result := e.HandleConfigMapEvent("MODIFIED", cm)
			Expect(result).To(BeNil())
		})

		It("Should skip a ConfigMap with no env label", func() {
			e, _ := newTestEngine("default", "app=helloworld", 0)
			cm := testConfigMap("app-config", "prod", map[string]string{"k": "v"})
			delete(cm.Labels, "env")
			result := e.HandleConfigMapEvent("MODIFIED", cm)
			Expect(result).To(BeNil())
		})
	})

	Context("When a ConfigMap is seen for the first time", func() {
		It("Should suppress the initial ADDED replay and only seed the hash cache", func() {
			e, _ := newTestEngine("default", "app=helloworld", 0, testDeployment("hello-deploy", "prod"))
			cm := testConfigMap("app-config", "prod", map[string]string{"k": "v"})

			result := e.HandleConfigMapEvent("ADDED", cm)
			Expect(result).To(BeNil())

			key := Key{Env: "prod", ConfigMapName: "app-config"}
			e.mu.Lock()
			_, known := e.lastDataHash[key]
			e.mu.Unlock()
			Expect(known).To(BeTrue())
		})

		It("Should treat a first-seen MODIFIED event as a real change", func() {
			e, clientset := newTestEngine("default", "app=helloworld", 0, testDeployment("hello-deploy", "prod"))
			cm := testConfigMap("app-config", "prod", map[string]string{"k": "v"})

			result := e.HandleConfigMapEvent("MODIFIED", cm)
			Expect(result).NotTo(BeNil())
			Expect(result.Restarted).To(Equal(1))

			d, err := clientset.AppsV1().Deployments("default").Get(context.Background(), "hello-deploy", metav1.GetOptions{})
			Expect(err).NotTo(HaveOccurred())
			Expect(d.Spec.Template.ObjectMeta.Annotations).To(HaveKey("shipshape.io/restartedAt"))
		})
	})

	Context("When the data content has not changed", func() {
		It("Should suppress a repeated event with the same hash", func() {
			e, _ := newTestEngine("default", "app=helloworld", 0, testDeployment("hello-deploy", "prod"))
			cm := testConfigMap("app-config", "prod", map[string]string{"k": "v"})

			first := e.HandleConfigMapEvent("MODIFIED", cm)
			Expect(first).NotTo(BeNil())

			second := e.HandleConfigMapEvent("MODIFIED", cm)
			Expect(second).To(BeNil())
		})
	})

	Context("When debounce is active", func() {
		It("Should defer the restart until the debounce window expires", func() {
			e, _ := newTestEngine("default", "app=helloworld", 60, testDeployment("hello-deploy", "prod"))
			cm := testConfigMap("app-config", "prod", map[string]string{"k": "v1"})

			first := e.HandleConfigMapEvent("MODIFIED", cm)
			Expect(first).NotTo(BeNil())

			cm2 := testConfigMap("app-config", "prod", map[string]string{"k": "v2"})
			second := e.HandleConfigMapEvent("MODIFIED", cm2)
			Expect(second).To(BeNil())

			key := Key{Env: "prod", ConfigMapName: "app-config"}
			e.mu.Lock()
			_, pending := e.pendingRestarts[key]
			e.mu.Unlock()
			Expect(pending).To(BeTrue())
		})

		It("Should push a pending due-at forward but never bring it earlier", func() {
			e, _ := newTestEngine("default", "app=helloworld", 60, testDeployment("hello-deploy", "prod"))
			key := Key{Env: "prod", ConfigMapName: "app-config"}
			base := time.Now()

			e.schedulePendingRestart(key, base, 30*time.Second, false)
			e.mu.Lock()
			firstDueAt := e.pendingRestarts[key]
			e.mu.Unlock()

			// A later event with a shorter remaining delay must not move the
			// due-at earlier than what an in-window coalesced restart already
			// committed to.
			e.schedulePendingRestart(key, base.Add(5*time.Second), 10*time.Second, false)
			e.mu.Lock()
			secondDueAt := e.pendingRestarts[key]
			e.mu.Unlock()
			Expect(secondDueAt).To(Equal(firstDueAt))

			// A later event whose own due-at is further out does move it
			// forward.
			e.schedulePendingRestart(key, base.Add(5*time.Second), 40*time.Second, false)
			e.mu.Lock()
			thirdDueAt := e.pendingRestarts[key]
			e.mu.Unlock()
			Expect(thirdDueAt.After(firstDueAt)).To(BeTrue())
		})
	})
})
