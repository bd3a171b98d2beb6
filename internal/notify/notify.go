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

// Package notify sends restart-outcome alerts to a chat webhook (Slack,
// Microsoft Teams, Google Chat, or a generic webhook).
//
// Adapted from the teacher's internal/pkg/alerts package: the Sender
// interface and the three webhook payload builders carry over almost
// unchanged, but Message is reshaped around a ConfigMap-driven restart
// (environment, ConfigMap name, matched/restarted/failed deployment counts)
// instead of a single reloaded workload, and Manager configures itself
// directly from internal/config.Alert instead of fetching a webhook URL
// from a Kubernetes Secret through a controller-runtime client.Client.
package notify

import (
	"context"
	"time"
)

// Sender delivers one alert Message to a chat webhook.
type Sender interface {
	Send(ctx context.Context, message *Message) error
	Name() string
}

// Message describes one restart outcome worth alerting on.
type Message struct {
	Title string
	Text  string
	// Color is the severity hint: "good", "warning", or "danger".
	Color string
	Fields    map[string]string
	Timestamp time.Time

	Environment        string
	ConfigMapName       string
	MatchedDeployments int
	Restarted          int
	Failed             int
	Error              string
}

// NewRestartSuccessMessage builds the alert for a restart with no failures.
func NewRestartSuccessMessage(env, configMapName string, matched, restarted int) *Message {
	return &Message{
		Title:               "ConfigMap change rolled out",
		Text:                "Restarted deployments for environment " + env + " after a ConfigMap change",
		Color:               "good",
		Environment:         env,
		ConfigMapName:       configMapName,
		MatchedDeployments:  matched,
		Restarted:           restarted,
		Fields:              map[string]string{},
	}
}

// NewRestartFailureMessage builds the alert for a restart with one or more
// failed deployment patches.
func NewRestartFailureMessage(env, configMapName string, matched, restarted, failed int, errMsg string) *Message {
	return &Message{
		Title:               "ConfigMap rollout failed",
		Text:                "Failed to restart some deployments for environment " + env + " after a ConfigMap change",
		Color:               "danger",
		Environment:         env,
		ConfigMapName:       configMapName,
		MatchedDeployments:  matched,
		Restarted:           restarted,
		Failed:              failed,
		Error:               errMsg,
		Fields:              map[string]string{},
	}
}
