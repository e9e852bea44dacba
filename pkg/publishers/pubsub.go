package publishers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"
)

// GCPQueueConfig holds Google Cloud Pub/Sub settings.
type GCPQueueConfig struct {
	ProjectID string `json:"project_id" yaml:"project_id"`
	Topic     string `json:"topic" yaml:"topic"`
}

// gcpPubSubSender publishes events to a Pub/Sub topic.
type gcpPubSubSender struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	log    Logger
}

// newGCPPubSubSender connects to the configured project. PUBSUB_EMULATOR_HOST
// is honored by the client library.
func newGCPPubSubSender(ctx context.Context, cfg *GCPQueueConfig, log Logger) (*gcpPubSubSender, error) {
	if cfg == nil || cfg.ProjectID == "" || cfg.Topic == "" {
		return nil, errors.New("pubsub project_id and topic are required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	return &gcpPubSubSender{
		client: client,
		topic:  client.Topic(cfg.Topic),
		log:    ensureLogger(log),
	}, nil
}

// Send publishes the event and waits for the server ack.
func (s *gcpPubSubSender) Send(ctx context.Context, evt Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	res := s.topic.Publish(ctx, &pubsub.Message{
		Data:       payload,
		Attributes: evt.attributes(),
	})
	id, err := res.Get(ctx)
	if err != nil {
		s.log.ErrorObj("pubsub publisher send failed", "publisher_pubsub_error", map[string]any{
			"topic":      s.topic.ID(),
			"article_id": evt.ArticleID,
			"error":      err.Error(),
		})
		return fmt.Errorf("publish to pubsub: %w", err)
	}
	s.log.DebugObj("pubsub publisher delivered event", "publisher_pubsub_delivery", map[string]any{
		"topic":      s.topic.ID(),
		"article_id": evt.ArticleID,
		"message_id": id,
	})
	return nil
}

// Close flushes pending messages and closes the client.
func (s *gcpPubSubSender) Close() error {
	s.topic.Stop()
	return s.client.Close()
}

type pubSubPublisher struct {
	id     string
	sender *gcpPubSubSender
}

func newPubSubPublisher(ctx context.Context, cfg PublisherConfig, log Logger) (Publisher, error) {
	if cfg.PubSub == nil {
		return nil, fmt.Errorf("publisher %q missing pubsub configuration", cfg.ID)
	}
	sender, err := newGCPPubSubSender(ctx, cfg.PubSub, log)
	if err != nil {
		return nil, fmt.Errorf("publisher %q: %w", cfg.ID, err)
	}
	return &pubSubPublisher{id: cfg.ID, sender: sender}, nil
}

func (p *pubSubPublisher) ID() string   { return p.id }
func (p *pubSubPublisher) Type() string { return TypePubSub }

func (p *pubSubPublisher) Publish(ctx context.Context, evt Event) error {
	return p.sender.Send(ctx, evt)
}

func (p *pubSubPublisher) Close() error { return p.sender.Close() }
