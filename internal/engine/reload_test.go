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

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	ktest "k8s.io/client-go/testing"
)

var _ = Describe("Restart execution and retry scheduling", func() {
	Context("When scheduling a retry after a failed restart", func() {
		It("Should back off as min(30, 2^(attempt-1)) seconds", func() {
			e, _ := newTestEngine("default", "app=helloworld", 0)
			key := Key{Env: "prod", ConfigMapName: "app-config"}
			now := time.Now()

			e.scheduleRetry(key, now)
			e.mu.Lock()
			firstDelay := e.pendingRestarts[key].Sub(now)
			e.mu.Unlock()
			Expect(firstDelay).To(BeNumerically("~", 1*time.Second, 50*time.Millisecond))

			e.scheduleRetry(key, now)
			e.mu.Lock()
			secondDelay := e.pendingRestarts[key].Sub(now)
			e.mu.Unlock()
			Expect(secondDelay).To(BeNumerically("~", 2*time.Second, 50*time.Millisecond))

			// Drive enough attempts that the formula would exceed the cap, and
			// confirm it saturates at 30s instead.
			for i := 0; i < 10; i++ {
				e.scheduleRetry(key, now)
			}
			e.mu.Lock()
			cappedDelay := e.pendingRestarts[key].Sub(now)
			e.mu.Unlock()
			Expect(cappedDelay).To(BeNumerically("~", 30*time.Second, 50*time.Millisecond))
		})
	})

	Context("When draining due restarts", func() {
		It("Should process a key only once its due-at has elapsed", func() {
			e, _ := newTestEngine("default", "app=helloworld", 0, testDeployment("hello-deploy", "prod"))
			key := Key{Env: "prod", ConfigMapName: "app-config"}
			e.mu.Lock()
			e.lastDataHash[key] = "deadbeef"
			e.mu.Unlock()

			now := time.Now()
			e.schedulePendingRestart(key, now, time.Hour, false)
			e.drainPendingRestarts(now)
			e.mu.Lock()
			_, stillPending := e.pendingRestarts[key]
			e.mu.Unlock()
			Expect(stillPending).To(BeTrue())

			e.drainPendingRestarts(now.Add(2 * time.Hour))
			e.mu.Lock()
			_, stillPending = e.pendingRestarts[key]
			e.mu.Unlock()
			Expect(stillPending).To(BeFalse())
		})
	})

	Context("When the retry itself fails", func() {
		It("Should reschedule rather than drop the intent", func() {
			e := newEngineWithFailingPatch()
			key := Key{Env: "prod", ConfigMapName: "app-config"}
			e.mu.Lock()
			e.lastDataHash[key] = "deadbeef"
			e.mu.Unlock()

			e.restartAndRecord(key, time.Now(), false)

			e.mu.Lock()
			attempt := e.pendingRetryAttempts[key]
			_, pending := e.pendingRestarts[key]
			e.mu.Unlock()
			Expect(attempt).To(Equal(1))
			Expect(pending).To(BeTrue())
		})
	})

	Context("On forced shutdown flush", func() {
		It("Should drop the pending intent and record it as dropped, rather than retry forever", func() {
			e := newEngineWithFailingPatch()
			key := Key{Env: "prod", ConfigMapName: "app-config"}
			e.mu.Lock()
			e.lastDataHash[key] = "deadbeef"
			e.pendingRestarts[key] = time.Now()
			e.mu.Unlock()

			e.flushPendingRestartsOnShutdown()

			e.mu.Lock()
			_, pending := e.pendingRestarts[key]
			e.mu.Unlock()
			Expect(pending).To(BeFalse())
		})

		It("Should be a no-op when there is nothing pending", func() {
			e, _ := newTestEngine("default", "app=helloworld", 0)
			e.flushPendingRestartsOnShutdown()
		})
	})

	Context("When computing the next watch timeout", func() {
		It("Should return the default 30s with nothing pending", func() {
			e, _ := newTestEngine("default", "app=helloworld", 0)
			Expect(e.nextWatchTimeoutSeconds(time.Now())).To(Equal(int64(30)))
		})

		It("Should shorten the timeout to wake up before the nearest pending restart", func() {
			e, _ := newTestEngine("default", "app=helloworld", 0)
			now := time.Now()
			e.schedulePendingRestart(Key{Env: "prod", ConfigMapName: "a"}, now, 5*time.Second, false)
			e.schedulePendingRestart(Key{Env: "prod", ConfigMapName: "b"}, now, 20*time.Second, false)
			Expect(e.nextWatchTimeoutSeconds(now)).To(BeNumerically("<=", 5))
		})

		It("Should never return less than one second", func() {
			e, _ := newTestEngine("default", "app=helloworld", 0)
			now := time.Now()
			e.schedulePendingRestart(Key{Env: "prod", ConfigMapName: "a"}, now, -5*time.Second, false)
			Expect(e.nextWatchTimeoutSeconds(now)).To(Equal(int64(1)))
		})
	})
})

// newEngineWithFailingPatch builds an engine whose deployment Patch calls
// always fail, for exercising the retry/drop-on-shutdown paths.
func newEngineWithFailingPatch() *Engine {
	e, clientset := newTestEngine("default", "app=helloworld", 0, testDeployment("hello-deploy", "prod"))
	clientset.PrependReactor("patch", "deployments", func(action ktest.Action) (bool, runtime.Object, error) {
		return true, nil, apiPatchError()
	})
	return e
}

func apiPatchError() error {
	return &metav1.StatusError{ErrStatus: metav1.Status{
		Status:  metav1.StatusFailure,
		Message: "simulated patch failure",
		Reason:  metav1.StatusReasonInternalError,
		Code:    500,
	}}
}
