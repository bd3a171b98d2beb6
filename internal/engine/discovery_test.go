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

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/shipshape-io/reload-controller/internal/hash"
	"github.com/shipshape-io/reload-controller/internal/restart"
)

var _ = Describe("Cache seeding from a full list", func() {
	Context("At startup, before any watch events", func() {
		It("Should seed the hash cache without triggering a restart", func() {
			e, _ := newTestEngine("default", "app=helloworld", 0, testDeployment("hello-deploy", "prod"))
			list := &corev1.ConfigMapList{Items: []corev1.ConfigMap{*testConfigMap("app-config", "prod", map[string]string{"k": "v"})}}

			e.syncCacheFromList(list, false)

			key := Key{Env: "prod", ConfigMapName: "app-config"}
			e.mu.Lock()
			seeded, known := e.lastDataHash[key]
			e.mu.Unlock()
			Expect(known).To(BeTrue())
			Expect(seeded).To(Equal(hash.Data(map[string]string{"k": "v"})))
		})
	})

	Context("After a 410 re-list", func() {
		It("Should restart deployments for a ConfigMap whose content drifted while disconnected", func() {
			e, clientset := newTestEngine("default", "app=helloworld", 0, testDeployment("hello-deploy", "prod"))
			key := Key{Env: "prod", ConfigMapName: "app-config"}
			e.mu.Lock()
			e.lastDataHash[key] = hash.Data(map[string]string{"k": "old"})
			e.mu.Unlock()

			list := &corev1.ConfigMapList{Items: []corev1.ConfigMap{*testConfigMap("app-config", "prod", map[string]string{"k": "new"})}}
			e.syncCacheFromList(list, true)

			d, err := clientset.AppsV1().Deployments("default").Get(context.Background(), "hello-deploy", metav1.GetOptions{})
			Expect(err).NotTo(HaveOccurred())
			Expect(d.Spec.Template.ObjectMeta.Annotations).To(HaveKey("shipshape.io/restartedAt"))
		})

		It("Should not restart when content is unchanged", func() {
			e, clientset := newTestEngine("default", "app=helloworld", 0, testDeployment("hello-deploy", "prod"))
			key := Key{Env: "prod", ConfigMapName: "app-config"}
			e.mu.Lock()
			e.lastDataHash[key] = hash.Data(map[string]string{"k": "same"})
			e.mu.Unlock()

			list := &corev1.ConfigMapList{Items: []corev1.ConfigMap{*testConfigMap("app-config", "prod", map[string]string{"k": "same"})}}
			e.syncCacheFromList(list, true)

			d, err := clientset.AppsV1().Deployments("default").Get(context.Background(), "hello-deploy", metav1.GetOptions{})
			Expect(err).NotTo(HaveOccurred())
			Expect(d.Spec.Template.ObjectMeta.Annotations).NotTo(HaveKey("shipshape.io/restartedAt"))
		})
	})
})

var _ = Describe("Startup drift reconciliation", func() {
	Context("When a deployment already carries a stale content hash", func() {
		It("Should restart it to catch up with changes made while the controller was down", func() {
			e, clientset := newTestEngine("default", "app=helloworld", 0)
			deploy := testDeployment("hello-deploy", "prod")
			hashKey := restart.HashAnnotationKey("shipshape.io/restartedAt", "app-config")
			deploy.Spec.Template.ObjectMeta.Annotations = map[string]string{hashKey: "stale-hash"}
			_, err := clientset.AppsV1().Deployments("default").Create(context.Background(), deploy, metav1.CreateOptions{})
			Expect(err).NotTo(HaveOccurred())

			key := Key{Env: "prod", ConfigMapName: "app-config"}
			e.mu.Lock()
			e.lastDataHash[key] = "fresh-hash"
			e.mu.Unlock()

			list := &corev1.ConfigMapList{Items: []corev1.ConfigMap{*testConfigMap("app-config", "prod", map[string]string{"k": "v"})}}
			e.reconcileStartupDrift(context.Background(), list)

			updated, err := clientset.AppsV1().Deployments("default").Get(context.Background(), "hello-deploy", metav1.GetOptions{})
			Expect(err).NotTo(HaveOccurred())
			Expect(updated.Spec.Template.ObjectMeta.Annotations["shipshape.io/restartedAt"]).NotTo(BeEmpty())
		})
	})

	Context("When a deployment carries the current content hash already", func() {
		It("Should not restart it", func() {
			e, clientset := newTestEngine("default", "app=helloworld", 0)
			deploy := testDeployment("hello-deploy", "prod")
			hashKey := restart.HashAnnotationKey("shipshape.io/restartedAt", "app-config")
			deploy.Spec.Template.ObjectMeta.Annotations = map[string]string{hashKey: "fresh-hash"}
			_, err := clientset.AppsV1().Deployments("default").Create(context.Background(), deploy, metav1.CreateOptions{})
			Expect(err).NotTo(HaveOccurred())

			key := Key{Env: "prod", ConfigMapName: "app-config"}
			e.mu.Lock()
			e.lastDataHash[key] = "fresh-hash"
			e.mu.Unlock()

			list := &corev1.ConfigMapList{Items: []corev1.ConfigMap{*testConfigMap("app-config", "prod", map[string]string{"k": "v"})}}
			e.reconcileStartupDrift(context.Background(), list)

			updated, err := clientset.AppsV1().Deployments("default").Get(context.Background(), "hello-deploy", metav1.GetOptions{})
			Expect(err).NotTo(HaveOccurred())
			Expect(updated.Spec.Template.ObjectMeta.Annotations).NotTo(HaveKey("shipshape.io/restartedAt"))
		})
	})

	Context("When a deployment carries the rollout annotation but predates hash tracking", func() {
		It("Should treat it as stale and restart it once to backfill the hash annotation", func() {
			e, clientset := newTestEngine("default", "app=helloworld", 0)
			deploy := testDeployment("hello-deploy", "prod")
			deploy.Spec.Template.ObjectMeta.Annotations = map[string]string{"shipshape.io/restartedAt": "2024-01-01T00:00:00Z"}
			_, err := clientset.AppsV1().Deployments("default").Create(context.Background(), deploy, metav1.CreateOptions{})
			Expect(err).NotTo(HaveOccurred())

			key := Key{Env: "prod", ConfigMapName: "app-config"}
			e.mu.Lock()
			e.lastDataHash[key] = "fresh-hash"
			e.mu.Unlock()

			list := &corev1.ConfigMapList{Items: []corev1.ConfigMap{*testConfigMap("app-config", "prod", map[string]string{"k": "v"})}}
			e.reconcileStartupDrift(context.Background(), list)

			updated, err := clientset.AppsV1().Deployments("default").Get(context.Background(), "hello-deploy", metav1.GetOptions{})
			Expect(err).NotTo(HaveOccurred())
			Expect(updated.Spec.Template.ObjectMeta.Annotations["shipshape.io/restartedAt"]).NotTo(Equal("2024-01-01T00:00:00Z"))
		})
	})

	Context("When a deployment has never been managed by this controller", func() {
		It("Should skip it rather than guess at drift", func() {
			e, clientset := newTestEngine("default", "app=helloworld", 0)
			deploy := testDeployment("hello-deploy", "prod")
			_, err := clientset.AppsV1().Deployments("default").Create(context.Background(), deploy, metav1.CreateOptions{})
			Expect(err).NotTo(HaveOccurred())

			key := Key{Env: "prod", ConfigMapName: "app-config"}
			e.mu.Lock()
			e.lastDataHash[key] = "fresh-hash"
			e.mu.Unlock()

			list := &corev1.ConfigMapList{Items: []corev1.ConfigMap{*testConfigMap("app-config", "prod", map[string]string{"k": "v"})}}
			e.reconcileStartupDrift(context.Background(), list)

			updated, err := clientset.AppsV1().Deployments("default").Get(context.Background(), "hello-deploy", metav1.GetOptions{})
			Expect(err).NotTo(HaveOccurred())
			Expect(updated.Spec.Template.ObjectMeta.Annotations).To(BeEmpty())
		})
	})

	Context("When the ConfigMap has no cached hash yet", func() {
		It("Should skip it, since there is nothing to compare against", func() {
			e, clientset := newTestEngine("default", "app=helloworld", 0, testDeployment("hello-deploy", "prod"))
			list := &corev1.ConfigMapList{Items: []corev1.ConfigMap{*testConfigMap("app-config", "prod", map[string]string{"k": "v"})}}

			e.reconcileStartupDrift(context.Background(), list)

			updated, err := clientset.AppsV1().Deployments("default").Get(context.Background(), "hello-deploy", metav1.GetOptions{})
			Expect(err).NotTo(HaveOccurred())
			Expect(updated.Spec.Template.ObjectMeta.Annotations).To(BeEmpty())
		})
	})
})
