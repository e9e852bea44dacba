package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"
)

// maxSQSDelay is the longest DelaySeconds SQS accepts. Jobs due later are
// re-sent with the remaining delay when they surface early.
const maxSQSDelay = 15 * time.Minute

// sqsAPI is the subset of the SQS client used by SQSQueue.
type sqsAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// SQSQueue schedules jobs as delayed SQS messages.
type SQSQueue struct {
	*dispatcher
	client   sqsAPI
	queueURL string
	wait     time.Duration
	now      func() time.Time
}

// NewSQSQueue wraps an SQS client bound to queueURL.
func NewSQSQueue(client sqsAPI, queueURL string, opts Options) (*SQSQueue, error) {
	if client == nil {
		return nil, errors.New("sqs queue requires a client")
	}
	if queueURL == "" {
		return nil, errors.New("sqs queue url is required")
	}
	opts = opts.normalized()
	return &SQSQueue{
		dispatcher: newDispatcher(opts),
		client:     client,
		queueURL:   queueURL,
		wait:       20 * time.Second,
		now:        time.Now,
	}, nil
}

// NewSQSClient builds an SQS client from an aws.Config.
func NewSQSClient(cfg aws.Config) *sqs.Client {
	return sqs.NewFromConfig(cfg)
}

// ScheduleAt sends the job as a message delayed until at, capped at the SQS maximum.
func (q *SQSQueue) ScheduleAt(ctx context.Context, at time.Time, name string, args json.RawMessage) (string, error) {
	if name == "" {
		return "", errors.New("job name is required")
	}
	job := Job{
		ID:         uuid.NewString(),
		Name:       name,
		Args:       args,
		RunAt:      at.UTC(),
		EnqueuedAt: q.now().UTC(),
	}
	if err := q.send(ctx, job); err != nil {
		return "", err
	}
	return job.ID, nil
}

func (q *SQSQueue) send(ctx context.Context, job Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	_, err = q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:     aws.String(q.queueURL),
		MessageBody:  aws.String(string(body)),
		DelaySeconds: q.delaySeconds(job.RunAt),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"job": {
				DataType:    aws.String("String"),
				StringValue: aws.String(job.Name),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("send job to sqs: %w", err)
	}
	return nil
}

func (q *SQSQueue) delaySeconds(at time.Time) int32 {
	delay := at.Sub(q.now())
	if delay <= 0 {
		return 0
	}
	if delay > maxSQSDelay {
		delay = maxSQSDelay
	}
	return int32((delay + time.Second - 1) / time.Second)
}

// Run long-polls the queue and dispatches messages to a bounded worker pool.
func (q *SQSQueue) Run(ctx context.Context) error {
	q.opts.Log.InfoObj("sqs job queue started", "scheduler_meta", map[string]any{
		"queue_url": q.queueURL,
		"workers":   q.opts.Workers,
	})
	sem := make(chan struct{}, q.opts.Workers)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		if ctx.Err() != nil {
			q.opts.Log.InfoObj("sqs job queue stopped", "scheduler_meta", nil)
			return nil
		}
		msgs, err := q.receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			q.opts.Log.ErrorObj("sqs receive failed", "scheduler_meta", map[string]any{"error": err.Error()})
			select {
			case <-ctx.Done():
			case <-time.After(q.opts.Poll):
			}
			continue
		}
		for _, msg := range msgs {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				continue
			}
			wg.Add(1)
			go func(msg types.Message) {
				defer wg.Done()
				defer func() { <-sem }()
				q.handle(ctx, msg)
			}(msg)
		}
	}
}

func (q *SQSQueue) receive(ctx context.Context) ([]types.Message, error) {
	batch := int32(q.opts.Workers)
	if batch > 10 {
		batch = 10
	}
	out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.queueURL),
		MaxNumberOfMessages: batch,
		WaitTimeSeconds:     int32(q.wait / time.Second),
		VisibilityTimeout:   int32(q.opts.Lease / time.Second),
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
		},
	})
	if err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// handle runs one message. Success and abandonment delete it; a retryable
// failure shortens its visibility so SQS redelivers after the retry delay.
func (q *SQSQueue) handle(ctx context.Context, msg types.Message) {
	var job Job
	if err := json.Unmarshal([]byte(aws.ToString(msg.Body)), &job); err != nil || job.Name == "" {
		q.opts.Log.ErrorObj("dropping undecodable sqs job", "scheduler_meta", map[string]any{
			"message_id": aws.ToString(msg.MessageId),
		})
		q.delete(ctx, msg)
		return
	}

	if job.RunAt.After(q.now()) {
		// Not due yet: the delay exceeded the SQS maximum.
		if err := q.send(ctx, job); err != nil {
			q.opts.Log.ErrorObj("re-delay sqs job failed", "scheduler_meta", map[string]any{"job_id": job.ID, "error": err.Error()})
			return
		}
		q.delete(ctx, msg)
		return
	}

	job.Attempts = receiveCount(msg)
	err := q.execute(ctx, job)
	if err == nil {
		q.delete(ctx, msg)
		return
	}
	if ctx.Err() != nil {
		return
	}
	if job.Attempts >= q.opts.MaxAttempts {
		q.abandon(job, err)
		q.delete(ctx, msg)
		return
	}
	if _, verr := q.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(q.queueURL),
		ReceiptHandle:     msg.ReceiptHandle,
		VisibilityTimeout: int32(q.opts.Retry / time.Second),
	}); verr != nil {
		q.opts.Log.WarnObj("sqs visibility change failed", "scheduler_meta", map[string]any{"job_id": job.ID, "error": verr.Error()})
	}
}

func (q *SQSQueue) delete(ctx context.Context, msg types.Message) {
	if _, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: msg.ReceiptHandle,
	}); err != nil {
		q.opts.Log.WarnObj("sqs delete failed", "scheduler_meta", map[string]any{
			"message_id": aws.ToString(msg.MessageId),
			"error":      err.Error(),
		})
	}
}

func receiveCount(msg types.Message) int {
	n, err := strconv.Atoi(msg.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)])
	if err != nil || n < 1 {
		return 1
	}
	return n
}
