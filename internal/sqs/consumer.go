package sqs

import (
	"context"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/metrics"
	"github.com/lalithlochan/herald/internal/queue"
)

// Consumer long-polls the email queue and hands each body to a handler.
type Consumer struct {
	client      API
	queueURL    string
	concurrency int
	logger      *zap.Logger
}

func NewConsumer(client API, cfg Config, logger *zap.Logger) *Consumer {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}

	logger.Info("sqs consumer initialized",
		zap.String("queue_url", cfg.QueueURL),
		zap.Int("concurrency", cfg.Concurrency),
	)

	return &Consumer{
		client:      client,
		queueURL:    cfg.QueueURL,
		concurrency: cfg.Concurrency,
		logger:      logger,
	}
}

// Run receives until ctx is cancelled, then waits for in-flight handlers.
// Every received message is deleted once handled, whatever the outcome.
func (c *Consumer) Run(ctx context.Context, handle queue.Handler) error {
	sem := make(chan struct{}, c.concurrency)
	var wg sync.WaitGroup
	defer wg.Wait()

	work := context.WithoutCancel(ctx)

	for {
		if ctx.Err() != nil {
			c.logger.Info("sqs consumer stopping")
			return nil
		}

		msgs, err := c.receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("sqs receive failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		for _, m := range msgs {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				// Not handled; it becomes visible again after the timeout.
				return nil
			}

			wg.Add(1)
			metrics.AddQueueInFlight(1)
			go func(m types.Message) {
				defer func() {
					metrics.AddQueueInFlight(-1)
					<-sem
					wg.Done()
				}()
				handle(work, []byte(aws.ToString(m.Body)))
				c.delete(work, m.ReceiptHandle)
			}(m)
		}
	}
}

func (c *Consumer) receive(ctx context.Context) ([]types.Message, error) {
	result, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: int32(min(c.concurrency, 10)),
		WaitTimeSeconds:     20,
		VisibilityTimeout:   60,
	})
	if err != nil {
		return nil, err
	}
	return result.Messages, nil
}

func (c *Consumer) delete(ctx context.Context, receiptHandle *string) {
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: receiptHandle,
	})
	if err != nil {
		c.logger.Warn("sqs delete failed", zap.Error(err))
	}
}
