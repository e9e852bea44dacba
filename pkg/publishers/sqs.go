package publishers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/samvad-hq/samvad-article-sync/pkg/awsconf"
)

// sqsClient defines the minimal subset of the SQS client used by awsSQSSender.
type sqsClient interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// awsSQSSender delivers events as SQS messages.
type awsSQSSender struct {
	queueURL string
	client   sqsClient
	log      Logger
}

// Send marshals the event and sends it to the queue with routing attributes.
func (s *awsSQSSender) Send(ctx context.Context, evt Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	attrs := make(map[string]types.MessageAttributeValue)
	for k, v := range evt.attributes() {
		if v == "" {
			continue
		}
		attrs[k] = types.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(v),
		}
	}

	input := &sqs.SendMessageInput{
		QueueUrl:          aws.String(s.queueURL),
		MessageBody:       aws.String(string(payload)),
		MessageAttributes: attrs,
	}
	if isFIFO(s.queueURL) {
		group, dedup := evt.fifoKeys()
		input.MessageGroupId = aws.String(group)
		input.MessageDeduplicationId = aws.String(dedup)
	}

	out, err := s.client.SendMessage(ctx, input)
	if err != nil {
		s.log.ErrorObj("sqs publisher send failed", "publisher_sqs_error", map[string]any{
			"queue_url":  s.queueURL,
			"article_id": evt.ArticleID,
			"error":      err.Error(),
		})
		return fmt.Errorf("send message to sqs: %w", err)
	}
	s.log.DebugObj("sqs publisher delivered event", "publisher_sqs_delivery", map[string]any{
		"queue_url":  s.queueURL,
		"article_id": evt.ArticleID,
		"message_id": aws.ToString(out.MessageId),
	})
	return nil
}

// sqsPublisher implements the Publisher interface for AWS SQS.
type sqsPublisher struct {
	id     string
	sender *awsSQSSender
}

// newSQSPublisher creates a new SQS publisher with the given configuration.
func newSQSPublisher(ctx context.Context, cfg PublisherConfig, log Logger) (Publisher, error) {
	if cfg.SQS == nil {
		return nil, fmt.Errorf("publisher %q missing sqs configuration", cfg.ID)
	}

	awsCfg, err := awsconf.Load(ctx, cfg.SQS.awsOptions())
	if err != nil {
		return nil, err
	}

	return &sqsPublisher{
		id: cfg.ID,
		sender: &awsSQSSender{
			queueURL: cfg.SQS.QueueURL,
			client:   sqs.NewFromConfig(awsCfg),
			log:      ensureLogger(log),
		},
	}, nil
}

func (s *sqsPublisher) ID() string   { return s.id }
func (s *sqsPublisher) Type() string { return TypeSQS }

// Publish sends the event to the configured SQS queue.
func (s *sqsPublisher) Publish(ctx context.Context, evt Event) error {
	return s.sender.Send(ctx, evt)
}
