package scheduler

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var jobsBucket = []byte("scheduled_jobs")

// BoltQueue is a durable delayed-job queue stored in bbolt.
//
// Keys are the big-endian run time followed by the job id, so a cursor walk
// yields jobs in due order. Claiming a job re-keys it to now+lease: a crashed
// worker's job fires again once its lease expires.
type BoltQueue struct {
	*dispatcher
	db    *bolt.DB
	queue chan Job
	wg    sync.WaitGroup
	now   func() time.Time
}

// NewBoltQueue creates the jobs bucket on db.
func NewBoltQueue(db *bolt.DB, opts Options) (*BoltQueue, error) {
	if db == nil {
		return nil, errors.New("bolt queue requires a database")
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(jobsBucket)
		return err
	}); err != nil {
		return nil, fmt.Errorf("init jobs bucket: %w", err)
	}
	opts = opts.normalized()
	return &BoltQueue{
		dispatcher: newDispatcher(opts),
		db:         db,
		queue:      make(chan Job, opts.Workers*2),
		now:        time.Now,
	}, nil
}

// ScheduleAt persists a job to fire at or after at.
func (q *BoltQueue) ScheduleAt(_ context.Context, at time.Time, name string, args json.RawMessage) (string, error) {
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
	if err := q.db.Update(func(tx *bolt.Tx) error {
		return putJob(tx.Bucket(jobsBucket), job)
	}); err != nil {
		return "", fmt.Errorf("persist job: %w", err)
	}
	return job.ID, nil
}

// Run starts the worker pool and polls for due jobs until ctx is cancelled.
func (q *BoltQueue) Run(ctx context.Context) error {
	q.opts.Log.InfoObj("bolt job queue started", "scheduler_meta", map[string]any{
		"workers": q.opts.Workers,
		"poll_ms": q.opts.Poll.Milliseconds(),
	})
	for i := 0; i < q.opts.Workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}

	ticker := time.NewTicker(q.opts.Poll)
	defer ticker.Stop()
	for {
		if err := q.pump(ctx); err != nil && !errors.Is(err, context.Canceled) {
			q.opts.Log.ErrorObj("claim due jobs failed", "scheduler_meta", map[string]any{"error": err.Error()})
		}
		select {
		case <-ctx.Done():
			close(q.queue)
			q.wg.Wait()
			q.opts.Log.InfoObj("bolt job queue stopped", "scheduler_meta", nil)
			return nil
		case <-ticker.C:
		}
	}
}

// pump hands every currently due job to the workers.
func (q *BoltQueue) pump(ctx context.Context) error {
	for {
		jobs, err := q.claimDue(q.opts.Workers)
		if err != nil {
			return err
		}
		for _, job := range jobs {
			select {
			case q.queue <- job:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if len(jobs) < q.opts.Workers {
			return nil
		}
	}
}

// claimDue leases up to limit due jobs.
func (q *BoltQueue) claimDue(limit int) ([]Job, error) {
	now := q.now().UTC()
	var claimed []Job
	err := q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(jobsBucket)
		c := b.Cursor()
		var due []Job
		for k, v := c.First(); k != nil && len(due) < limit; k, v = c.Next() {
			if keyTime(k).After(now) {
				break
			}
			var job Job
			if err := json.Unmarshal(v, &job); err != nil {
				q.opts.Log.ErrorObj("dropping undecodable job", "scheduler_meta", map[string]any{"error": err.Error()})
				due = append(due, Job{RunAt: keyTime(k), ID: string(k[8:])})
				continue
			}
			due = append(due, job)
		}
		for _, job := range due {
			if err := b.Delete(jobKey(job.RunAt, job.ID)); err != nil {
				return err
			}
			if job.Name == "" {
				continue
			}
			job.Attempts++
			job.RunAt = now.Add(q.opts.Lease)
			if err := putJob(b, job); err != nil {
				return err
			}
			claimed = append(claimed, job)
		}
		return nil
	})
	return claimed, err
}

func (q *BoltQueue) worker(ctx context.Context) {
	defer q.wg.Done()
	for job := range q.queue {
		err := q.execute(ctx, job)
		if ctxErr := ctx.Err(); ctxErr != nil && err != nil {
			// Shutdown interrupted the job; its lease makes it fire again later.
			continue
		}
		if err := q.settle(job, err); err != nil {
			q.opts.Log.ErrorObj("settle job failed", "scheduler_meta", map[string]any{
				"job_id": job.ID,
				"error":  err.Error(),
			})
		}
	}
}

// settle removes a finished job, or re-schedules a failed one until MaxAttempts.
func (q *BoltQueue) settle(job Job, runErr error) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(jobsBucket)
		if err := b.Delete(jobKey(job.RunAt, job.ID)); err != nil {
			return err
		}
		if runErr == nil {
			return nil
		}
		if job.Attempts >= q.opts.MaxAttempts {
			q.abandon(job, runErr)
			return nil
		}
		job.RunAt = q.now().UTC().Add(q.opts.Retry * time.Duration(job.Attempts))
		return putJob(b, job)
	})
}

// Pending returns the number of stored jobs, leased ones included.
func (q *BoltQueue) Pending() (int, error) {
	var n int
	err := q.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(jobsBucket).Stats().KeyN
		return nil
	})
	return n, err
}

func putJob(b *bolt.Bucket, job Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return b.Put(jobKey(job.RunAt, job.ID), raw)
}

func jobKey(at time.Time, id string) []byte {
	k := make([]byte, 8+len(id))
	binary.BigEndian.PutUint64(k, uint64(at.UnixNano()))
	copy(k[8:], id)
	return k
}

func keyTime(k []byte) time.Time {
	if len(k) < 8 {
		return time.Time{}
	}
	return time.Unix(0, int64(binary.BigEndian.Uint64(k[:8]))).UTC()
}
