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

// Package telemetry registers the Prometheus metrics exported on /metrics.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every counter/gauge/histogram the controller exports.
// All per-environment counters carry an "env" label so operators can alert
// on restart rates and error budgets independently per environment.
type Metrics struct {
	RestartsTotal                *prometheus.CounterVec
	ErrorsTotal                   *prometheus.CounterVec
	DebouncedTotal                *prometheus.CounterVec
	WatchErrorsTotal              prometheus.Counter
	WatchReconnectsTotal          prometheus.Counter
	LeaderTransitionsTotal        *prometheus.CounterVec
	LeaderState                   prometheus.Gauge
	LeaderAcquireLatencySeconds   prometheus.Histogram
	PendingRestarts               prometheus.Gauge
	RetryTotal                    *prometheus.CounterVec
	DroppedRestartsTotal          prometheus.Counter
	BuildInfo                     *prometheus.GaugeVec
}

// New registers and returns a fresh Metrics set against reg. Tests pass a
// throwaway prometheus.NewRegistry(); cmd/controller passes the registry it
// also hands to the health server's /metrics handler.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RestartsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "configmap_reload_restarts_total",
			Help: "Total deployment restarts triggered by ConfigMap changes",
		}, []string{"env"}),
		ErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "configmap_reload_errors_total",
			Help: "Total deployment restart errors",
		}, []string{"env"}),
		DebouncedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "configmap_reload_debounced_total",
			Help: "Total ConfigMap events suppressed by debounce",
		}, []string{"env"}),
		WatchErrorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "configmap_reload_watch_errors_total",
			Help: "Total Kubernetes watch errors",
		}),
		WatchReconnectsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "configmap_reload_watch_reconnects_total",
			Help: "Total watch stream reconnects after the initial connection",
		}),
		LeaderTransitionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "configmap_reload_leader_transitions_total",
			Help: "Total leadership state transitions",
		}, []string{"transition"}),
		LeaderState: factory.NewGauge(prometheus.GaugeOpts{
			Name: "configmap_reload_leader_state",
			Help: "Whether this controller replica is currently leader (1=yes, 0=no)",
		}),
		LeaderAcquireLatencySeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "configmap_reload_leader_acquire_latency_seconds",
			Help:    "Seconds spent waiting to acquire leadership",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
		}),
		PendingRestarts: factory.NewGauge(prometheus.GaugeOpts{
			Name: "configmap_reload_pending_restarts",
			Help: "Current number of debounced restarts waiting to be processed",
		}),
		RetryTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "configmap_reload_retry_total",
			Help: "Total restart retry attempts scheduled after failed patch operations",
		}, []string{"env"}),
		DroppedRestartsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "configmap_reload_dropped_restarts_total",
			Help: "Total pending restarts dropped on shutdown",
		}),
		// client_golang has no equivalent of prometheus_client's Info metric;
		// a GaugeVec with labels set to 1 is the standard idiom ecosystem
		// exporters (e.g. kube-state-metrics) use for build-info gauges.
		BuildInfo: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "configmap_reload_build_info",
			Help: "Build information for the controller",
		}, []string{"version", "revision"}),
	}
}

// SetBuildInfo records the running version/revision as a 1-valued gauge.
func (m *Metrics) SetBuildInfo(version, revision string) {
	m.BuildInfo.WithLabelValues(version, revision).Set(1)
}
