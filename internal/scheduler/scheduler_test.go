package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/samvad-hq/samvad-article-sync/internal/storage"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
)

func openQueue(t *testing.T, opts Options) *BoltQueue {
	t.Helper()
	db, err := bolt.Open(filepath.Join(t.TempDir(), "jobs.db"), 0o600, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	q, err := NewBoltQueue(db, opts)
	require.NoError(t, err)
	return q
}

func runQueue(t *testing.T, s Scheduler) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = s.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func TestBoltQueueFiresDueJobsInOrder(t *testing.T) {
	q := openQueue(t, Options{Workers: 1, Poll: 5 * time.Millisecond})

	var mu sync.Mutex
	var order []string
	fired := make(chan struct{}, 3)
	q.OnFire("note", func(_ context.Context, args json.RawMessage) error {
		var v string
		_ = json.Unmarshal(args, &v)
		mu.Lock()
		order = append(order, v)
		mu.Unlock()
		fired <- struct{}{}
		return nil
	})

	now := time.Now()
	_, err := q.ScheduleAt(context.Background(), now.Add(-time.Second), "note", json.RawMessage(`"second"`))
	require.NoError(t, err)
	_, err = q.ScheduleAt(context.Background(), now.Add(-2*time.Second), "note", json.RawMessage(`"first"`))
	require.NoError(t, err)
	_, err = q.ScheduleAt(context.Background(), now.Add(time.Hour), "note", json.RawMessage(`"later"`))
	require.NoError(t, err)

	runQueue(t, q)
	for i := 0; i < 2; i++ {
		select {
		case <-fired:
		case <-time.After(2 * time.Second):
			t.Fatalf("job %d did not fire", i)
		}
	}

	mu.Lock()
	require.Equal(t, []string{"first", "second"}, order)
	mu.Unlock()

	require.Eventually(t, func() bool {
		n, err := q.Pending()
		return err == nil && n == 1
	}, time.Second, 5*time.Millisecond)
}

func TestBoltQueueRetriesThenAbandons(t *testing.T) {
	q := openQueue(t, Options{Workers: 2, Poll: 5 * time.Millisecond, Retry: 10 * time.Millisecond, MaxAttempts: 3})

	var calls atomic.Int32
	q.OnFire("flaky", func(context.Context, json.RawMessage) error {
		calls.Add(1)
		return errors.New("upstream down")
	})
	_, err := q.ScheduleAt(context.Background(), time.Now(), "flaky", nil)
	require.NoError(t, err)

	runQueue(t, q)
	require.Eventually(t, func() bool {
		n, err := q.Pending()
		return err == nil && n == 0 && calls.Load() == 3
	}, 3*time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	require.EqualValues(t, 3, calls.Load())
}

func TestBoltQueueRetrySucceeds(t *testing.T) {
	q := openQueue(t, Options{Workers: 1, Poll: 5 * time.Millisecond, Retry: 10 * time.Millisecond, MaxAttempts: 5})

	var calls atomic.Int32
	q.OnFire("once-flaky", func(context.Context, json.RawMessage) error {
		if calls.Add(1) == 1 {
			return errors.New("transient")
		}
		return nil
	})
	_, err := q.ScheduleAt(context.Background(), time.Now(), "once-flaky", nil)
	require.NoError(t, err)

	runQueue(t, q)
	require.Eventually(t, func() bool {
		n, err := q.Pending()
		return err == nil && n == 0 && calls.Load() == 2
	}, 3*time.Second, 5*time.Millisecond)
}

func TestBoltQueueReleasesExpiredLease(t *testing.T) {
	q := openQueue(t, Options{Workers: 1, Lease: time.Minute})
	_, err := q.ScheduleAt(context.Background(), time.Now().Add(-time.Second), "job", nil)
	require.NoError(t, err)

	claimed, err := q.claimDue(10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, 1, claimed[0].Attempts)

	again, err := q.claimDue(10)
	require.NoError(t, err)
	require.Empty(t, again, "leased job must not be claimed twice")

	base := time.Now()
	q.now = func() time.Time { return base.Add(2 * time.Minute) }
	again, err = q.claimDue(10)
	require.NoError(t, err)
	require.Len(t, again, 1)
	require.Equal(t, 2, again[0].Attempts)
}

func TestDispatcherSkipsDuplicateDeliveries(t *testing.T) {
	ledger := storage.NewMemoryLedger(time.Hour)
	d := newDispatcher(Options{Ledger: ledger}.normalized())

	var calls int
	d.OnFire("job", func(context.Context, json.RawMessage) error {
		calls++
		return nil
	})
	job := Job{ID: "fixed-id", Name: "job"}
	require.NoError(t, d.execute(context.Background(), job))
	require.NoError(t, d.execute(context.Background(), job))
	require.Equal(t, 1, calls)

	err := d.execute(context.Background(), Job{ID: "x", Name: "unknown"})
	require.ErrorIs(t, err, ErrNoHandler)
}

type fakeSQS struct {
	mu         sync.Mutex
	sent       []*sqs.SendMessageInput
	deleted    []string
	visibility []int32
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, in)
	return &sqs.SendMessageOutput{MessageId: aws.String("m")}, nil
}

func (f *fakeSQS) ReceiveMessage(ctx context.Context, _ *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (f *fakeSQS) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, aws.ToString(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func (f *fakeSQS) ChangeMessageVisibility(_ context.Context, in *sqs.ChangeMessageVisibilityInput, _ ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.visibility = append(f.visibility, in.VisibilityTimeout)
	return &sqs.ChangeMessageVisibilityOutput{}, nil
}

func message(t *testing.T, job Job, receipt string, receives int) types.Message {
	t.Helper()
	raw, err := json.Marshal(job)
	require.NoError(t, err)
	return types.Message{
		Body:          aws.String(string(raw)),
		MessageId:     aws.String(receipt),
		ReceiptHandle: aws.String(receipt),
		Attributes: map[string]string{
			"ApproximateReceiveCount": strconv.Itoa(receives),
		},
	}
}

func TestSQSQueueScheduleCapsDelay(t *testing.T) {
	client := &fakeSQS{}
	q, err := NewSQSQueue(client, "https://sqs.example/queue", Options{})
	require.NoError(t, err)
	base := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return base }

	_, err = q.ScheduleAt(context.Background(), base.Add(10*time.Second), "job", json.RawMessage(`{}`))
	require.NoError(t, err)
	_, err = q.ScheduleAt(context.Background(), base.Add(2*time.Hour), "job", json.RawMessage(`{}`))
	require.NoError(t, err)
	_, err = q.ScheduleAt(context.Background(), base.Add(-time.Minute), "job", json.RawMessage(`{}`))
	require.NoError(t, err)

	require.Len(t, client.sent, 3)
	require.EqualValues(t, 10, client.sent[0].DelaySeconds)
	require.EqualValues(t, 900, client.sent[1].DelaySeconds)
	require.EqualValues(t, 0, client.sent[2].DelaySeconds)
	require.Equal(t, "https://sqs.example/queue", aws.ToString(client.sent[0].QueueUrl))
}

func TestSQSQueueHandleOutcomes(t *testing.T) {
	client := &fakeSQS{}
	q, err := NewSQSQueue(client, "https://sqs.example/queue", Options{MaxAttempts: 2, Retry: 30 * time.Second})
	require.NoError(t, err)
	base := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return base }

	q.OnFire("ok", func(context.Context, json.RawMessage) error { return nil })
	q.OnFire("fail", func(context.Context, json.RawMessage) error { return errors.New("nope") })

	ctx := context.Background()
	q.handle(ctx, message(t, Job{ID: "1", Name: "ok", RunAt: base}, "r-ok", 1))
	q.handle(ctx, message(t, Job{ID: "2", Name: "fail", RunAt: base}, "r-retry", 1))
	q.handle(ctx, message(t, Job{ID: "3", Name: "fail", RunAt: base}, "r-abandon", 2))
	q.handle(ctx, message(t, Job{ID: "4", Name: "ok", RunAt: base.Add(time.Hour)}, "r-early", 1))
	q.handle(ctx, types.Message{Body: aws.String("garbage"), ReceiptHandle: aws.String("r-bad")})

	require.ElementsMatch(t, []string{"r-ok", "r-abandon", "r-early", "r-bad"}, client.deleted)
	require.Equal(t, []int32{30}, client.visibility)
	require.Len(t, client.sent, 1, "early job is re-sent with remaining delay")
	require.EqualValues(t, 900, client.sent[0].DelaySeconds)
}

func TestSQSQueueRunStopsOnCancel(t *testing.T) {
	q, err := NewSQSQueue(&fakeSQS{}, "https://sqs.example/queue", Options{})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- q.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}
