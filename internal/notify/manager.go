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

package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"github.com/shipshape-io/reload-controller/internal/restart"
)

// Manager dispatches restart outcomes to a configured webhook sink. It
// implements engine.Notifier. A Manager built with OnRestart=false is a
// valid no-op, so callers never need to special-case disabled alerting.
type Manager struct {
	log        logr.Logger
	onRestart  bool
	sink       string
	webhookURL string
	timeout    time.Duration
}

// NewManager builds a Manager from validated alert settings (see
// internal/config.Alert). sink is one of "slack", "teams", "gchat", or
// "webhook".
func NewManager(log logr.Logger, onRestart bool, sink, webhookURL string) *Manager {
	return &Manager{
		log:        log,
		onRestart:  onRestart,
		sink:       sink,
		webhookURL: webhookURL,
		timeout:    10 * time.Second,
	}
}

func (m *Manager) sender() (Sender, error) {
	switch m.sink {
	case "slack":
		return NewSlackSender(m.webhookURL), nil
	case "teams":
		return NewTeamsSender(m.webhookURL), nil
	case "gchat":
		return NewGoogleChatSender(m.webhookURL), nil
	case "webhook":
		return NewSlackSender(m.webhookURL), nil
	default:
		return nil, fmt.Errorf("unknown alert sink type: %s (supported: slack, teams, gchat, webhook)", m.sink)
	}
}

// NotifyRestart implements engine.Notifier. It sends in a detached
// goroutine with its own bounded timeout so a slow or unreachable webhook
// never blocks the watch loop.
func (m *Manager) NotifyRestart(env, configMapName string, result restart.Result) {
	if !m.onRestart {
		return
	}

	var message *Message
	if result.Failed > 0 {
		message = NewRestartFailureMessage(env, configMapName, result.MatchedDeployments, result.Restarted, result.Failed, "one or more deployment patches failed")
	} else {
		message = NewRestartSuccessMessage(env, configMapName, result.MatchedDeployments, result.Restarted)
	}
	message.Timestamp = time.Now()

	sender, err := m.sender()
	if err != nil {
		m.log.Error(err, "failed to build alert sender")
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		defer cancel()
		if err := sender.Send(ctx, message); err != nil {
			m.log.Error(err, "failed to send restart alert", "sender", sender.Name())
			return
		}
		m.log.Info("sent restart alert", "sender", sender.Name(), "env", env, "configmap", configMapName)
	}()
}
