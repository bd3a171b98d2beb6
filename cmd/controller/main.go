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

// Command controller runs the ConfigMap reload controller: it watches
// ConfigMaps in one namespace and rolling-restarts the Deployments that
// consume them whenever their data content changes.
//
// Grounded on original_source/controller/src/__main__.py's main(): logging
// setup, cluster client construction, leader election wiring, health
// server, and signal handling happen in the same order here.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/shipshape-io/reload-controller/internal/clusterapi"
	"github.com/shipshape-io/reload-controller/internal/config"
	"github.com/shipshape-io/reload-controller/internal/engine"
	"github.com/shipshape-io/reload-controller/internal/health"
	"github.com/shipshape-io/reload-controller/internal/leaderelection"
	"github.com/shipshape-io/reload-controller/internal/logging"
	"github.com/shipshape-io/reload-controller/internal/notify"
	"github.com/shipshape-io/reload-controller/internal/supervisor"
	"github.com/shipshape-io/reload-controller/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	zapLogger := logging.New(cfg.LogFormat, cfg.LogLevel)
	defer func() { _ = zapLogger.Sync() }()
	log := logging.LogrFrom(zapLogger)

	registry := prometheus.NewRegistry()
	metrics := telemetry.New(registry)
	metrics.SetBuildInfo(cfg.AppVersion, cfg.GitSHA)

	restConfig, err := clusterapi.LoadConfig(log)
	if err != nil {
		return fmt.Errorf("load kubernetes configuration: %w", err)
	}
	clientset, err := clusterapi.NewClientset(restConfig)
	if err != nil {
		return fmt.Errorf("build kubernetes clientset: %w", err)
	}

	var notifier engine.Notifier
	if cfg.Alert.OnRestart {
		notifier = notify.NewManager(log, cfg.Alert.OnRestart, cfg.Alert.Sink, cfg.Alert.WebhookURL)
	}

	eng := engine.New(
		clientset,
		cfg.Namespace,
		cfg.AppSelector,
		cfg.RolloutAnnotationKey,
		cfg.DebounceSeconds,
		log,
		metrics,
		engine.WithNotifier(notifier),
	)

	var leaderReady *engine.Event
	var elector *leaderelection.Elector
	if cfg.LeaderElection.Enabled {
		leaderReady = &engine.Event{}
		elector, err = leaderelection.New(
			clientset.CoordinationV1().Leases(cfg.Namespace),
			cfg.Namespace,
			cfg.LeaderElection.LeaseName,
			cfg.LeaderElection.Identity,
			cfg.LeaderElection.LeaseDurationSeconds,
			cfg.LeaderElection.RenewDeadlineSeconds,
			cfg.LeaderElection.RetryPeriodSeconds,
			log,
			metrics,
		)
		if err != nil {
			return fmt.Errorf("build leader elector: %w", err)
		}
	}

	super := supervisor.New(
		log,
		eng,
		elector,
		leaderReady,
		time.Duration(cfg.LeaderElection.ControllerStopJoinTimeoutSeconds)*time.Second,
	)

	// health.New takes its leader argument as an interface: passing the
	// *engine.Event directly when leaderReady is nil would wrap a typed nil
	// pointer in a non-nil interface value, so leave it as a true nil
	// interface in that case instead.
	var leaderReadinessSource health.ReadinessSource
	if leaderReady != nil {
		leaderReadinessSource = leaderReady
	}
	healthServer := health.New(log, &eng.Ready, leaderReadinessSource, registry, fmt.Sprintf(":%d", cfg.HealthPort))
	if err := healthServer.Start(); err != nil {
		return fmt.Errorf("start health server: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		log.Info("received signal, shutting down", "signal", sig.String())
		super.RequestShutdown()
	}()

	super.Run(context.Background())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		log.Error(err, "failed to shut down health server cleanly")
	}

	log.Info("controller stopped")
	return nil
}
