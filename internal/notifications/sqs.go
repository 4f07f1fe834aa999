package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// Sender is the subset of the SQS client used here.
type Sender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSNotifier enqueues notifications for a downstream consumer, such as the
// worker that emails users their budget alerts.
type SQSNotifier struct {
	client   Sender
	queueURL string
	logger   *slog.Logger
}

func NewSQSNotifier(ctx context.Context, region, queueURL string, logger *slog.Logger) (*SQSNotifier, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return NewSQSNotifierWithClient(sqs.NewFromConfig(cfg), queueURL, logger), nil
}

func NewSQSNotifierWithClient(client Sender, queueURL string, logger *slog.Logger) *SQSNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQSNotifier{
		client:   client,
		queueURL: queueURL,
		logger:   logger,
	}
}

func (n *SQSNotifier) Send(ctx context.Context, notification Notification) error {
	body, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(n.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqstypes.MessageAttributeValue{
			"Type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(notification.Type)),
			},
		},
	}

	if notification.Provider != "" {
		input.MessageAttributes["Provider"] = sqstypes.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(notification.Provider),
		}
	}

	out, err := n.client.SendMessage(ctx, input)
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}

	var messageID string
	if out != nil {
		messageID = aws.ToString(out.MessageId)
	}
	n.logger.Info("notification queued",
		"type", notification.Type,
		"provider", notification.Provider,
		"message_id", messageID,
	)

	return nil
}

// Multi fans a notification out to every notifier, returning the joined
// errors of those that failed.
type Multi []Notifier

func (m Multi) Send(ctx context.Context, notification Notification) error {
	var errs []error
	for _, n := range m {
		if err := n.Send(ctx, notification); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
