// Package lock implements the core's single-writer advisory lock: a JSON
// record at _wal/transaction.lock, acquired by polling, with stale-owner
// stealing. Grounded on the teacher's
// infrastructure/persistence/dynamodb/distributed_lock.go (conditional
// acquire, stale-steal via expiry) adapted from a DynamoDB conditional
// PutItem to a filesystem rewrite-in-place, and on the WAL lock/recovery
// discipline in the calvinalkan-agent-task store reference.
package lock

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/forgeflow/core/internal/clockid"
	"github.com/forgeflow/core/internal/ferrors"
)

// StaleLockThreshold is the single authoritative age past which a lock
// record is considered abandoned and may be stolen. This resolves
// the duplicated-threshold open question: every caller imports this
// constant rather than hard-coding 5*time.Minute a second time.
const StaleLockThreshold = 5 * time.Minute

// DefaultPollInterval is how often acquire re-reads the lock record while
// waiting.
const DefaultPollInterval = 250 * time.Millisecond

const lockFileName = "transaction.lock"

// Record is the on-disk shape of the lock file.
type Record struct {
	Locked     bool   `json:"locked"`
	Owner      string `json:"owner"`
	AcquiredAt string `json:"acquired_at"`
	StolenFrom string `json:"stolen_from,omitempty"`
}

// Lock is a single-writer advisory lock rooted at <root>/_wal/transaction.lock.
type Lock struct {
	path         string
	clock        clockid.Clock
	logger       *zap.Logger
	pollInterval time.Duration

	owner string
}

// New constructs a Lock rooted under root (the store's root directory),
// guarding the store's single-writer transaction record.
func New(root string, clock clockid.Clock, logger *zap.Logger) *Lock {
	return NewNamed(root, lockFileName, clock, logger)
}

// NewNamed constructs a Lock guarding its own record file under
// <root>/_wal/<name>, independent of the store's transaction lock. Used
// for discipline that needs the same acquire/steal/release semantics
// without contending with in-flight run execution, e.g. the archive
// sweep's own lock record.
func NewNamed(root, name string, clock clockid.Clock, logger *zap.Logger) *Lock {
	return &Lock{
		path:         filepath.Join(root, "_wal", name),
		clock:        clock,
		logger:       logger,
		pollInterval: DefaultPollInterval,
	}
}

// WithPollInterval overrides the default poll interval (tests use this to
// avoid slow suites).
func (l *Lock) WithPollInterval(d time.Duration) *Lock {
	l.pollInterval = d
	return l
}

// Acquire polls the lock record until it can be claimed by owner, a stale
// lock is stolen, or maxWait elapses (LOCK_TIMEOUT). It returns once this
// Lock value holds the record.
func (l *Lock) Acquire(ctx context.Context, owner string, maxWait time.Duration) error {
	// The wait bound is wall-clock time; the injected clock only stamps
	// and ages lock records.
	deadline := time.Now().Add(maxWait)
	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	for {
		ok, err := l.tryAcquire(owner)
		if err != nil {
			return err
		}
		if ok {
			l.owner = owner
			return nil
		}

		if time.Now().After(deadline) {
			return ferrors.New(ferrors.KindLockTimeout, "lock acquisition timed out")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// tryAcquire makes one attempt: claim a free record, or steal a stale one.
func (l *Lock) tryAcquire(owner string) (bool, error) {
	rec, err := l.read()
	if err != nil {
		return false, err
	}

	now := l.clock.Now()

	if !rec.Locked {
		return true, l.write(Record{Locked: true, Owner: owner, AcquiredAt: clockid.RFC3339(now)})
	}

	acquiredAt, err := clockid.ParseRFC3339(rec.AcquiredAt)
	if err == nil && now.Sub(acquiredAt) > StaleLockThreshold {
		if l.logger != nil {
			l.logger.Warn("stealing stale lock",
				zap.String("prior_owner", rec.Owner),
				zap.String("new_owner", owner),
				zap.Duration("age", now.Sub(acquiredAt)))
		}
		return true, l.write(Record{
			Locked:     true,
			Owner:      owner,
			AcquiredAt: clockid.RFC3339(now),
			StolenFrom: rec.Owner,
		})
	}

	return false, nil
}

// Release unconditionally rewrites the record to the unlocked shape.
func (l *Lock) Release(_ context.Context) error {
	if l.logger != nil {
		l.logger.Debug("releasing lock", zap.String("owner", l.owner))
	}
	l.owner = ""
	return l.write(Record{Locked: false})
}

// CurrentOwner reports the owner string this Lock value believes it holds
// the record as (empty if not held).
func (l *Lock) CurrentOwner() string { return l.owner }

func (l *Lock) read() (Record, error) {
	data, err := os.ReadFile(l.path)
	if os.IsNotExist(err) {
		return Record{Locked: false}, nil
	}
	if err != nil {
		return Record{}, fmt.Errorf("lock: read record: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("lock: decode record: %w", err)
	}
	return rec, nil
}

// write rewrites the lock record in place via a temp-file rename, fsyncing
// both the file and its containing directory so the rename is durable on
// POSIX filesystems.
func (l *Lock) write(rec Record) error {
	dir := filepath.Dir(l.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("lock: mkdir: %w", err)
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("lock: marshal record: %w", err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(dir, lockFileName+".tmp-*")
	if err != nil {
		return fmt.Errorf("lock: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("lock: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("lock: fsync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("lock: close temp: %w", err)
	}
	if err := os.Rename(tmpPath, l.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("lock: rename: %w", err)
	}
	if dirFile, err := os.Open(dir); err == nil {
		_ = dirFile.Sync()
		_ = dirFile.Close()
	}
	return nil
}
