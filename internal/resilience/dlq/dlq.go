// Package dlq implements the dead-letter queue: one JSON file per failed
// operation, idempotent add, and ordered replay. Grounded on the teacher's
// outbox markEventFailed/markEventPublished attempt-counting pattern
// (infrastructure/persistence/dynamodb/outbox_processor.go), adapted from
// "publish to an event bus, track attempts in DynamoDB" to "persist one
// JSON file per failed operation, track attempts on disk."
package dlq

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/forgeflow/core/internal/clockid"
	"github.com/forgeflow/core/internal/ferrors"
)

// Status is the DLQ entry's lifecycle state.
type Status string

const (
	StatusFailed     Status = "failed"
	StatusInProgress Status = "in_progress"
	StatusResolved   Status = "resolved"
)

// Operation describes the failed call shape used to compute the
// idempotency key.
type Operation struct {
	Verb     string          `json:"verb"`
	Params   json.RawMessage `json:"params"`
	Resource string          `json:"resource"`
}

// FailureInfo records the error that sent the operation to the queue.
type FailureInfo struct {
	Kind    ferrors.Kind `json:"kind"`
	Message string       `json:"message"`
}

// Entry is one DLQ record.
type Entry struct {
	ID             string      `json:"id"`
	Timestamp      string      `json:"timestamp"`
	IdempotencyKey string      `json:"idempotency_key"`
	Operation      Operation   `json:"operation"`
	Error          FailureInfo `json:"error"`
	Attempts       int         `json:"attempts"`
	Status         Status      `json:"status"`
	Context        any         `json:"context,omitempty"`
}

// Executor re-enters the verb dispatch that originally produced the
// failure.
type Executor func(op Operation, ctx any) error

// Queue is the filesystem-backed DLQ rooted at <root>/_dlq.
type Queue struct {
	root   string
	clock  clockid.Clock
	logger *zap.Logger
	mu     sync.Mutex
}

// New constructs a Queue rooted at root.
func New(root string, clock clockid.Clock, logger *zap.Logger) *Queue {
	return &Queue{root: root, clock: clock, logger: logger}
}

func (q *Queue) dir() string { return filepath.Join(q.root, "_dlq") }

func idempotencyKey(op Operation) string {
	canon, err := clockid.Canonical(op)
	if err != nil {
		canon = []byte(fmt.Sprintf("%s|%s|%s", op.Verb, op.Params, op.Resource))
	}
	return clockid.SHA256Hex(canon)
}

// Add computes the idempotency key from the operation shape; if an entry
// with that key exists its attempts is incremented and returned,
// otherwise a new failed entry is written atomically.
func (q *Queue) Add(op Operation, failErr FailureInfo, ctx any) (Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := idempotencyKey(op)
	existing, found, err := q.findByKey(key)
	if err != nil {
		return Entry{}, err
	}
	if found {
		existing.Attempts++
		existing.Error = failErr
		if err := q.write(existing); err != nil {
			return Entry{}, err
		}
		return existing, nil
	}

	entry := Entry{
		ID:             fmt.Sprintf("dlq-%d-%s", q.clock.Now().UnixMilli(), key[:8]),
		Timestamp:      clockid.RFC3339(q.clock.Now()),
		IdempotencyKey: key,
		Operation:      op,
		Error:          failErr,
		Attempts:       1,
		Status:         StatusFailed,
		Context:        ctx,
	}
	if err := q.write(entry); err != nil {
		return Entry{}, err
	}
	if q.logger != nil {
		q.logger.Info("dlq entry added", zap.String("id", entry.ID), zap.String("verb", op.Verb))
	}
	return entry, nil
}

// Get reads one entry by id.
func (q *Queue) Get(id string) (Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.read(id)
}

// Filter selects entries for List.
type Filter struct {
	Verb   string
	Status Status
}

// List returns entries matching filter, sorted by timestamp ascending (ties
// by id), matching the deterministic-replay ordering the queue uses
// internally.
func (q *Queue) List(filter Filter) ([]Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	entries, err := q.all()
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, e := range entries {
		if filter.Verb != "" && e.Operation.Verb != filter.Verb {
			continue
		}
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		out = append(out, e)
	}
	sortByTimestampThenID(out)
	return out, nil
}

// Delete removes one entry by id.
func (q *Queue) Delete(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return os.Remove(filepath.Join(q.dir(), id+".json"))
}

// Replay marks the entry in_progress, invokes executor, and flips it to
// resolved on success or failed (attempts+1) on failure. Replaying an
// already-resolved entry is a no-op returning its terminal state.
func (q *Queue) Replay(id string, executor Executor) (Entry, error) {
	q.mu.Lock()
	entry, err := q.read(id)
	if err != nil {
		q.mu.Unlock()
		return Entry{}, err
	}
	if entry.Status == StatusResolved {
		q.mu.Unlock()
		return entry, nil
	}
	entry.Status = StatusInProgress
	if err := q.write(entry); err != nil {
		q.mu.Unlock()
		return Entry{}, err
	}
	q.mu.Unlock()

	execErr := executor(entry.Operation, entry.Context)

	q.mu.Lock()
	defer q.mu.Unlock()
	entry, err = q.read(id)
	if err != nil {
		return Entry{}, err
	}
	if execErr == nil {
		entry.Status = StatusResolved
	} else {
		entry.Status = StatusFailed
		entry.Attempts++
		entry.Error = FailureInfo{Message: execErr.Error()}
	}
	if err := q.write(entry); err != nil {
		return Entry{}, err
	}
	return entry, nil
}

// ReplayBatch processes up to batchSize matching entries, one at a time,
// in the List ordering.
func (q *Queue) ReplayBatch(filter Filter, executor Executor, batchSize int) ([]Entry, error) {
	entries, err := q.List(filter)
	if err != nil {
		return nil, err
	}
	if len(entries) > batchSize {
		entries = entries[:batchSize]
	}
	results := make([]Entry, 0, len(entries))
	for _, e := range entries {
		replayed, err := q.Replay(e.ID, executor)
		if err != nil {
			return results, err
		}
		results = append(results, replayed)
	}
	return results, nil
}

// Stats aggregates entry counts by status and verb.
type Stats struct {
	ByStatus map[Status]int `json:"by_status"`
	ByVerb   map[string]int `json:"by_verb"`
}

// Statistics computes aggregate counts over the whole queue.
func (q *Queue) Statistics() (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	entries, err := q.all()
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{ByStatus: map[Status]int{}, ByVerb: map[string]int{}}
	for _, e := range entries {
		stats.ByStatus[e.Status]++
		stats.ByVerb[e.Operation.Verb]++
	}
	return stats, nil
}

func (q *Queue) findByKey(key string) (Entry, bool, error) {
	entries, err := q.all()
	if err != nil {
		return Entry{}, false, err
	}
	for _, e := range entries {
		if e.IdempotencyKey == key {
			return e, true, nil
		}
	}
	return Entry{}, false, nil
}

func (q *Queue) all() ([]Entry, error) {
	dir := q.dir()
	files, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dlq: read dir: %w", err)
	}
	var entries []Entry
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, f.Name()))
		if err != nil {
			continue
		}
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (q *Queue) read(id string) (Entry, error) {
	data, err := os.ReadFile(filepath.Join(q.dir(), id+".json"))
	if os.IsNotExist(err) {
		return Entry{}, ferrors.Newf(ferrors.KindNotFound, "dlq entry %q not found", id)
	}
	if err != nil {
		return Entry{}, err
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return Entry{}, err
	}
	return e, nil
}

func (q *Queue) write(e Entry) error {
	dir := q.dir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(dir, e.ID+".json")
	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	tmp, err := os.CreateTemp(dir, e.ID+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	tmp.Close()
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

func sortByTimestampThenID(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Timestamp != entries[j].Timestamp {
			return entries[i].Timestamp < entries[j].Timestamp
		}
		return entries[i].ID < entries[j].ID
	})
}
