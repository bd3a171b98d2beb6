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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// SlackSender sends alerts to Slack using incoming webhooks. Also used as
// the payload format for the generic "webhook" sink, since it is the most
// widely compatible shape.
type SlackSender struct {
	webhookURL string
	client     *http.Client
}

// NewSlackSender creates a new Slack alert sender.
func NewSlackSender(webhookURL string) *SlackSender {
	return &SlackSender{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// Name returns the sender name.
func (s *SlackSender) Name() string { return "Slack" }

// Send sends an alert to Slack.
func (s *SlackSender) Send(ctx context.Context, message *Message) error {
	payload := s.buildPayload(message)

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal Slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewBuffer(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send Slack webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("Slack webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func (s *SlackSender) buildPayload(message *Message) map[string]interface{} {
	color := "#36a64f"
	switch {
	case message.Error != "":
		color = "#ff0000"
	case message.Color == "warning":
		color = "#ffcc00"
	case message.Color == "danger":
		color = "#ff0000"
	}

	fields := []map[string]interface{}{
		{"title": "Environment", "value": message.Environment, "short": true},
		{"title": "ConfigMap", "value": message.ConfigMapName, "short": true},
		{"title": "Matched deployments", "value": fmt.Sprintf("%d", message.MatchedDeployments), "short": true},
		{"title": "Restarted", "value": fmt.Sprintf("%d", message.Restarted), "short": true},
	}
	if message.Failed > 0 {
		fields = append(fields, map[string]interface{}{"title": "Failed", "value": fmt.Sprintf("%d", message.Failed), "short": true})
	}
	for key, value := range message.Fields {
		fields = append(fields, map[string]interface{}{"title": key, "value": value, "short": true})
	}
	if message.Error != "" {
		fields = append(fields, map[string]interface{}{"title": "Error", "value": message.Error, "short": false})
	}

	attachment := map[string]interface{}{
		"fallback":    message.Title + ": " + message.Text,
		"color":       color,
		"title":       message.Title,
		"text":        message.Text,
		"fields":      fields,
		"footer":      "ConfigMap Reload Controller",
		"ts":          message.Timestamp.Unix(),
	}

	return map[string]interface{}{
		"attachments": []map[string]interface{}{attachment},
	}
}
