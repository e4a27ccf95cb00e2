// internal/reconcile/notifier.go
package reconcile

import (
	"context"
	"encoding/json"
	"sync"

	"focus-sync/internal/common/aws"
	"focus-sync/internal/common/errors"
	"focus-sync/internal/common/logger"
	"focus-sync/internal/models"
)

// ConflictNotifier is told about high-severity conflicts so an operator
// can review them. Notification failures never fail a reconciliation pass.
type ConflictNotifier interface {
	NotifyHighSeverity(ctx context.Context, conflict *models.Conflict) error
}

// NoopNotifier drops every notification. Used when alerting is disabled.
type NoopNotifier struct{}

func (NoopNotifier) NotifyHighSeverity(context.Context, *models.Conflict) error { return nil }

// SNSNotifier publishes high-severity conflicts to an SNS topic, at most
// once per conflict key so repeated passes over the same divergence do not
// page repeatedly.
type SNSNotifier struct {
	client   *aws.SNSClient
	topicARN string
	log      logger.Logger

	mu       sync.Mutex
	notified map[string]bool
}

// NewSNSNotifier wires an SNS client to a topic.
func NewSNSNotifier(client *aws.SNSClient, topicARN string, log logger.Logger) *SNSNotifier {
	return &SNSNotifier{
		client:   client,
		topicARN: topicARN,
		log:      log,
		notified: make(map[string]bool),
	}
}

func (n *SNSNotifier) NotifyHighSeverity(ctx context.Context, conflict *models.Conflict) error {
	n.mu.Lock()
	if n.notified[conflict.Key] {
		n.mu.Unlock()
		return nil
	}
	n.notified[conflict.Key] = true
	n.mu.Unlock()

	body, err := json.Marshal(map[string]interface{}{
		"key":        conflict.Key,
		"type":       string(conflict.Type),
		"severity":   string(conflict.Severity),
		"detectedAt": conflict.DetectedAt,
	})
	if err != nil {
		return errors.NewNotifyFailedError(err)
	}

	err = n.client.Alert(ctx, n.topicARN, "High-severity session conflict", string(body))
	if err != nil {
		n.log.WithError(err).Warn("conflict notification failed", map[string]interface{}{
			"key": conflict.Key,
		})
		return errors.NewNotifyFailedError(err)
	}
	return nil
}
