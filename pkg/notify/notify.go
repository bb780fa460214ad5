/*
Copyright 2025 Jordi Gil.

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

// Package notify defines the reconciler's alerting collaborator. Real
// delivery (email, webhook, pager) is out of scope; the only shipped
// implementation logs at warn level.
package notify

import (
	"context"

	"github.com/sirupsen/logrus"
)

// Alert is a single notification the reconciler asks to have delivered
// after a deployment or preview crosses its consecutive-failure
// threshold.
type Alert struct {
	ResourceType string
	ResourceID   string
	Project      string
	Reason       string
	FailureCount int
}

// Notifier delivers Alerts. Implementations must not block the
// reconciler tick for longer than a best-effort attempt.
type Notifier interface {
	Notify(ctx context.Context, alert Alert) error
}

// LoggingNotifier is the only shipped Notifier: it records the alert as
// a structured warning and returns. It exists so the reconciler's
// "emit a notification" contract has a concrete collaborator to call
// without depending on an external alerting pipeline.
type LoggingNotifier struct {
	log *logrus.Entry
}

// NewLoggingNotifier builds a LoggingNotifier.
func NewLoggingNotifier(logger *logrus.Logger) *LoggingNotifier {
	return &LoggingNotifier{log: logger.WithField("component", "notify")}
}

func (n *LoggingNotifier) Notify(_ context.Context, alert Alert) error {
	n.log.WithFields(logrus.Fields{
		"resource_type": alert.ResourceType,
		"resource_id":   alert.ResourceID,
		"project":       alert.Project,
		"failure_count": alert.FailureCount,
	}).Warn(alert.Reason)
	return nil
}
