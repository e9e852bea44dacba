package storage

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	ledgerBucket     = "job_ledger"
	expiryValueBytes = 8
)

// BoltLedger records processed job ids with a TTL.
type BoltLedger struct {
	db              *bolt.DB
	cleanupMu       sync.Mutex
	lastCleanup     atomic.Int64
	ttl             time.Duration
	cleanupInterval time.Duration
}

// NewBoltLedger creates the ledger bucket in db.
func NewBoltLedger(db *bolt.DB, opts Options) (*BoltLedger, error) {
	if db == nil {
		return nil, fmt.Errorf("ledger requires a bbolt db")
	}
	opts = normalizeOptions(opts)
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(ledgerBucket))
		return err
	}); err != nil {
		return nil, fmt.Errorf("init ledger bucket: %w", err)
	}
	l := &BoltLedger{db: db, ttl: opts.LedgerTTL, cleanupInterval: opts.CleanupInterval}
	l.lastCleanup.Store(time.Now().Unix())
	return l, nil
}

// Seen reports whether the job id was marked and has not expired.
func (l *BoltLedger) Seen(id string) (bool, error) {
	if l == nil || l.db == nil {
		return false, nil
	}
	now := time.Now()
	if err := l.maybeCleanupExpired(now); err != nil {
		return false, err
	}

	var exists bool
	err := l.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(ledgerBucket))
		if bucket == nil {
			return fmt.Errorf("ledger bucket missing")
		}
		key := []byte(id)
		value := bucket.Get(key)
		if value == nil {
			return nil
		}
		expiry, ok := decodeExpiry(value)
		if !ok || !expiry.After(now) {
			return bucket.Delete(key)
		}
		exists = true
		return nil
	})
	return exists, err
}

// Mark records the job id as processed.
func (l *BoltLedger) Mark(id string) error {
	if l == nil || l.db == nil {
		return nil
	}
	now := time.Now()
	if err := l.maybeCleanupExpired(now); err != nil {
		return err
	}
	return l.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(ledgerBucket))
		if bucket == nil {
			return fmt.Errorf("ledger bucket missing")
		}
		buf := make([]byte, expiryValueBytes)
		binary.BigEndian.PutUint64(buf, uint64(now.Add(l.ttl).Unix()))
		return bucket.Put([]byte(id), buf)
	})
}

// maybeCleanupExpired sweeps expired ids at most once per cleanup interval.
func (l *BoltLedger) maybeCleanupExpired(now time.Time) error {
	last := time.Unix(l.lastCleanup.Load(), 0)
	if now.Sub(last) < l.cleanupInterval {
		return nil
	}

	l.cleanupMu.Lock()
	defer l.cleanupMu.Unlock()

	last = time.Unix(l.lastCleanup.Load(), 0)
	if now.Sub(last) < l.cleanupInterval {
		return nil
	}

	err := l.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(ledgerBucket))
		if bucket == nil {
			return fmt.Errorf("ledger bucket missing")
		}
		cursor := bucket.Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			expiry, ok := decodeExpiry(v)
			if !ok || !expiry.After(now) {
				if err := cursor.Delete(); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err == nil {
		l.lastCleanup.Store(now.Unix())
	}
	return err
}

func decodeExpiry(value []byte) (time.Time, bool) {
	if len(value) != expiryValueBytes {
		return time.Time{}, false
	}
	unix := int64(binary.BigEndian.Uint64(value))
	if unix <= 0 {
		return time.Time{}, false
	}
	return time.Unix(unix, 0), true
}

// MemoryLedger is an in-process ledger for backends without a bbolt file.
type MemoryLedger struct {
	mu   sync.Mutex
	ttl  time.Duration
	seen map[string]time.Time
}

// NewMemoryLedger returns a ledger that keeps ids for ttl.
func NewMemoryLedger(ttl time.Duration) *MemoryLedger {
	if ttl <= 0 {
		ttl = defaultLedgerTTL
	}
	return &MemoryLedger{ttl: ttl, seen: make(map[string]time.Time)}
}

func (m *MemoryLedger) Seen(id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exp, ok := m.seen[id]
	if !ok {
		return false, nil
	}
	if !exp.After(time.Now()) {
		delete(m.seen, id)
		return false, nil
	}
	return true, nil
}

func (m *MemoryLedger) Mark(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for k, exp := range m.seen {
		if !exp.After(now) {
			delete(m.seen, k)
		}
	}
	m.seen[id] = now.Add(m.ttl)
	return nil
}
