// Package notifications publishes provider health and budget events.
package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
)

type NotificationType string

const (
	NotificationProviderDown       NotificationType = "provider_down"
	NotificationProviderRecovering NotificationType = "provider_recovering"
	NotificationProviderUp         NotificationType = "provider_up"
	NotificationBudgetAlert        NotificationType = "budget_alert"
)

type Notification struct {
	Type      NotificationType `json:"type"`
	Provider  string           `json:"provider"`
	Message   string           `json:"message"`
	Data      map[string]any   `json:"data,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

type Notifier interface {
	Send(ctx context.Context, notification Notification) error
}

// Publisher is the subset of the SNS client used here.
type Publisher interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

type SNSNotifier struct {
	client   Publisher
	topicArn string
	logger   *slog.Logger
}

func NewSNSNotifier(ctx context.Context, region, topicArn string, logger *slog.Logger) (*SNSNotifier, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return NewSNSNotifierWithClient(sns.NewFromConfig(cfg), topicArn, logger), nil
}

func NewSNSNotifierWithClient(client Publisher, topicArn string, logger *slog.Logger) *SNSNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &SNSNotifier{
		client:   client,
		topicArn: topicArn,
		logger:   logger,
	}
}

func (n *SNSNotifier) Send(ctx context.Context, notification Notification) error {
	message, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	input := &sns.PublishInput{
		TopicArn: aws.String(n.topicArn),
		Subject:  aws.String(fmt.Sprintf("LLM provider %s: %s", notification.Provider, notification.Type)),
		Message:  aws.String(string(message)),
		MessageAttributes: map[string]snstypes.MessageAttributeValue{
			"Type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(notification.Type)),
			},
		},
	}

	if notification.Provider != "" {
		input.MessageAttributes["Provider"] = snstypes.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(notification.Provider),
		}
	}

	if _, err := n.client.Publish(ctx, input); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}

	n.logger.Info("notification sent",
		"type", notification.Type,
		"provider", notification.Provider,
	)

	return nil
}

// InMemoryNotifier keeps notifications in process; used when no topic is
// configured and in tests.
type InMemoryNotifier struct {
	mu            sync.Mutex
	notifications []Notification
	logger        *slog.Logger
}

func NewInMemoryNotifier(logger *slog.Logger) *InMemoryNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &InMemoryNotifier{
		notifications: make([]Notification, 0),
		logger:        logger,
	}
}

func (n *InMemoryNotifier) Send(ctx context.Context, notification Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.notifications = append(n.notifications, notification)

	n.logger.Info("notification sent (in-memory)",
		"type", notification.Type,
		"provider", notification.Provider,
	)

	return nil
}

func (n *InMemoryNotifier) GetNotifications() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	result := make([]Notification, len(n.notifications))
	copy(result, n.notifications)
	return result
}

// LogNotifier only logs; used when no topic is configured.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Send(ctx context.Context, notification Notification) error {
	n.logger.Warn("notification",
		"type", notification.Type,
		"provider", notification.Provider,
		"message", notification.Message,
	)
	return nil
}
