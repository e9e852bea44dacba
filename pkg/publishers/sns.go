package publishers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/samvad-hq/samvad-article-sync/pkg/awsconf"
)

// snsClient defines the minimal subset of the SNS client used by awsSNSSender.
type snsClient interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// awsSNSSender delivers events to an SNS topic.
type awsSNSSender struct {
	topicARN string
	client   snsClient
	log      Logger
}

// Send marshals the event and publishes it with routing attributes.
func (s *awsSNSSender) Send(ctx context.Context, evt Event) error {
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

	input := &sns.PublishInput{
		TopicArn:          aws.String(s.topicARN),
		Message:           aws.String(string(payload)),
		MessageAttributes: attrs,
	}
	if isFIFO(s.topicARN) {
		group, dedup := evt.fifoKeys()
		input.MessageGroupId = aws.String(group)
		input.MessageDeduplicationId = aws.String(dedup)
	}

	out, err := s.client.Publish(ctx, input)
	if err != nil {
		s.log.ErrorObj("sns publisher send failed", "publisher_sns_error", map[string]any{
			"topic_arn":  s.topicARN,
			"article_id": evt.ArticleID,
			"error":      err.Error(),
		})
		return fmt.Errorf("publish to sns: %w", err)
	}
	s.log.DebugObj("sns publisher delivered event", "publisher_sns_delivery", map[string]any{
		"topic_arn":  s.topicARN,
		"article_id": evt.ArticleID,
		"message_id": aws.ToString(out.MessageId),
	})
	return nil
}

type snsPublisher struct {
	id     string
	sender *awsSNSSender
}

func newSNSPublisher(ctx context.Context, cfg PublisherConfig, log Logger) (Publisher, error) {
	if cfg.SNS == nil {
		return nil, fmt.Errorf("publisher %q missing sns configuration", cfg.ID)
	}

	awsCfg, err := awsconf.Load(ctx, cfg.SNS.awsOptions())
	if err != nil {
		return nil, err
	}

	return &snsPublisher{
		id: cfg.ID,
		sender: &awsSNSSender{
			topicARN: cfg.SNS.TopicARN,
			client:   sns.NewFromConfig(awsCfg),
			log:      ensureLogger(log),
		},
	}, nil
}

func (s *snsPublisher) ID() string   { return s.id }
func (s *snsPublisher) Type() string { return TypeSNS }

func (s *snsPublisher) Publish(ctx context.Context, evt Event) error {
	return s.sender.Send(ctx, evt)
}
