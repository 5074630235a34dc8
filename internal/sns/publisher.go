package sns

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"
)

// API is the subset of the SNS client used by Publisher.
type API interface {
	Publish(ctx context.Context, in *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Publisher fans outbox entries out through an SNS topic. The email queue
// subscribes to the topic with raw message delivery.
type Publisher struct {
	client   API
	topicARN string
	logger   *zap.Logger
}

// NewClient creates an SNS client for region. A non-empty endpoint
// overrides the service URL (for LocalStack).
func NewClient(ctx context.Context, region, endpoint string) (*sns.Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return sns.NewFromConfig(cfg, func(o *sns.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	}), nil
}

func NewPublisher(client API, topicARN string, logger *zap.Logger) *Publisher {
	return &Publisher{
		client:   client,
		topicARN: topicARN,
		logger:   logger,
	}
}

// Publish sends payload to the topic. The event type is both the subject
// and a message attribute so subscriptions can filter on it.
func (p *Publisher) Publish(ctx context.Context, eventType string, payload []byte) error {
	input := &sns.PublishInput{
		TopicArn: aws.String(p.topicARN),
		Message:  aws.String(string(payload)),
		Subject:  aws.String(eventType),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"event_type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(eventType),
			},
			"content_type": {
				DataType:    aws.String("String"),
				StringValue: aws.String("application/json"),
			},
		},
	}

	result, err := p.client.Publish(ctx, input)
	if err != nil {
		return fmt.Errorf("failed to publish to SNS: %w", err)
	}

	p.logger.Debug("published to sns",
		zap.String("event_type", eventType),
		zap.String("sns_message_id", aws.ToString(result.MessageId)),
	)
	return nil
}
