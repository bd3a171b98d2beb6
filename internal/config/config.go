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

// Package config loads and validates the controller's environment-variable
// configuration. There is no CLI flag surface: every setting is read from
// the environment, matching original_source's env_int/os.getenv pattern.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// LeaderElection holds Lease-based leader election tuning.
type LeaderElection struct {
	Enabled                       bool
	LeaseName                     string
	Identity                      string
	LeaseDurationSeconds          int
	RenewDeadlineSeconds          int
	RetryPeriodSeconds            int
	ControllerStopJoinTimeoutSeconds int
}

// Alert holds restart-notification settings (see SPEC_FULL.md §4.11).
type Alert struct {
	OnRestart  bool
	Sink       string
	WebhookURL string
}

// Config is the fully validated controller configuration.
type Config struct {
	Namespace            string
	AppSelector          string
	RolloutAnnotationKey string
	DebounceSeconds      int

	HealthPort int
	LogLevel   string
	LogFormat  string

	AppVersion string
	GitSHA     string

	LeaderElection LeaderElection
	Alert          Alert
}

func envInt(name string, def int, min, max *int) (int, error) {
	raw, ok := os.LookupEnv(name)
	value := def
	if ok {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			return 0, fmt.Errorf("%s must be an integer", name)
		}
		value = parsed
	}
	if min != nil && value < *min {
		return 0, fmt.Errorf("%s must be >= %d, got: %d", name, *min, value)
	}
	if max != nil && value > *max {
		return 0, fmt.Errorf("%s must be <= %d, got: %d", name, *max, value)
	}
	return value, nil
}

func intPtr(v int) *int { return &v }

func parseBoolEnv(name string, def bool) bool {
	raw, ok := os.LookupEnv(name)
	if !ok {
		return def
	}
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func getenv(name, def string) string {
	if v, ok := os.LookupEnv(name); ok {
		return v
	}
	return def
}

// ParseSelector parses a Kubernetes label selector string ("k=v,k2=v2") into
// a map, mirroring ConfigMapReloader._parse_selector.
func ParseSelector(selector string) map[string]string {
	result := map[string]string{}
	for _, part := range strings.Split(selector, ",") {
		part = strings.TrimSpace(part)
		if key, value, found := strings.Cut(part, "="); found {
			result[strings.TrimSpace(key)] = strings.TrimSpace(value)
		}
	}
	return result
}

func defaultIdentity() string {
	if v := os.Getenv("HOSTNAME"); v != "" {
		return v
	}
	if v := os.Getenv("POD_NAME"); v != "" {
		return v
	}
	return "unknown"
}

// Load reads and validates configuration from the environment.
func Load() (*Config, error) {
	namespace := getenv("WATCH_NAMESPACE", "shipshape")
	if strings.TrimSpace(namespace) == "" {
		return nil, fmt.Errorf("WATCH_NAMESPACE must be a non-empty string")
	}

	appSelector := getenv("APP_SELECTOR", "app=helloworld")
	if len(ParseSelector(appSelector)) == 0 {
		return nil, fmt.Errorf("APP_SELECTOR must contain at least one key=value pair, got: %q", appSelector)
	}

	rolloutAnnotationKey := getenv("ROLLOUT_ANNOTATION_KEY", "shipshape.io/restartedAt")

	debounceSeconds, err := envInt("DEBOUNCE_SECONDS", 5, intPtr(0), nil)
	if err != nil {
		return nil, err
	}

	healthPort, err := envInt("HEALTH_PORT", 8080, intPtr(1), intPtr(65535))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Namespace:            namespace,
		AppSelector:          appSelector,
		RolloutAnnotationKey: rolloutAnnotationKey,
		DebounceSeconds:      debounceSeconds,
		HealthPort:           healthPort,
		LogLevel:             strings.ToUpper(getenv("LOG_LEVEL", "INFO")),
		LogFormat:            getenv("LOG_FORMAT", "json"),
		AppVersion:           getenv("APP_VERSION", "0.1.0"),
		GitSHA:               getenv("GIT_SHA", "unknown"),
		Alert: Alert{
			OnRestart:  parseBoolEnv("ALERT_ON_RESTART", false),
			Sink:       getenv("ALERT_SINK", "webhook"),
			WebhookURL: getenv("ALERT_WEBHOOK_URL", ""),
		},
	}

	if cfg.Alert.OnRestart && cfg.Alert.WebhookURL == "" {
		return nil, fmt.Errorf("ALERT_ON_RESTART is enabled but ALERT_WEBHOOK_URL is not configured")
	}

	leaderElectionEnabled := parseBoolEnv("LEADER_ELECTION_ENABLED", true)

	leaseDuration, err := envInt("LEADER_ELECTION_LEASE_DURATION_SECONDS", 15, intPtr(1), nil)
	if err != nil {
		return nil, err
	}
	renewDeadline, err := envInt("LEADER_ELECTION_RENEW_DEADLINE_SECONDS", 10, intPtr(1), nil)
	if err != nil {
		return nil, err
	}
	retryPeriod, err := envInt("LEADER_ELECTION_RETRY_PERIOD_SECONDS", 2, intPtr(1), nil)
	if err != nil {
		return nil, err
	}
	if renewDeadline >= leaseDuration {
		return nil, fmt.Errorf("LEADER_ELECTION_RENEW_DEADLINE_SECONDS must be smaller than LEADER_ELECTION_LEASE_DURATION_SECONDS")
	}
	if retryPeriod >= renewDeadline {
		return nil, fmt.Errorf("LEADER_ELECTION_RETRY_PERIOD_SECONDS must be smaller than LEADER_ELECTION_RENEW_DEADLINE_SECONDS")
	}
	stopJoinTimeout, err := envInt("LEADER_ELECTION_CONTROLLER_STOP_TIMEOUT_SECONDS", 45, intPtr(1), nil)
	if err != nil {
		return nil, err
	}

	cfg.LeaderElection = LeaderElection{
		Enabled:                          leaderElectionEnabled,
		LeaseName:                        getenv("LEADER_ELECTION_LEASE_NAME", "helloworld-controller-leader"),
		Identity:                         getenv("LEADER_ELECTION_IDENTITY", defaultIdentity()),
		LeaseDurationSeconds:             leaseDuration,
		RenewDeadlineSeconds:             renewDeadline,
		RetryPeriodSeconds:               retryPeriod,
		ControllerStopJoinTimeoutSeconds: stopJoinTimeout,
	}

	return cfg, nil
}
