// Package ledger implements the monotonic, idempotency-keyed event ledger.
// Grounded on the teacher's outbox pattern
// (infrastructure/persistence/dynamodb/outbox_processor.go /
// event_store.go): a two-phase write where the sequence counter is
// committed before the dependent record, so a crash between the two
// cannot reuse a sequence number.
package ledger

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/forgeflow/core/internal/clockid"
)

// Entry is one ledger record.
type Entry struct {
	Timestamp      string `json:"timestamp"`
	SourceEventID  string `json:"source_event_id"`
	IdempotencyKey string `json:"idempotency_key"`
	MonotonicSeq   int64  `json:"monotonic_seq"`
	TargetScope    string `json:"target_scope"`
	Payload        any    `json:"payload"`
}

type sequenceRecord struct {
	MonotonicSeq int64 `json:"monotonic_seq"`
}

// Publisher mirrors a committed ledger Entry onto an external bus. It is
// best-effort: a Publisher error is logged but never fails the Append
// call that produced the entry, since the on-disk ledger is the durable
// record and the bus mirror is a downstream convenience.
type Publisher interface {
	Publish(ctx context.Context, entry Entry) error
}

// Ledger is the append-only, sequence-ordered event log.
type Ledger struct {
	root      string
	clock     clockid.Clock
	logger    *zap.Logger
	publisher Publisher
	mu        sync.Mutex

	seenKeys map[string]int64 // idempotency key -> seq, for fast duplicate detection
	loaded   bool
}

// WithPublisher attaches a Publisher that every subsequent successful
// Append mirrors to, the way the teacher's outbox processor forwards
// committed events to EventBridge after the local write lands.
func (l *Ledger) WithPublisher(p Publisher) *Ledger {
	l.publisher = p
	return l
}

// New constructs a Ledger rooted at root, using status/seq.json for the
// sequence counter and events_ledger.jsonl for the entries.
func New(root string, clock clockid.Clock, logger *zap.Logger) *Ledger {
	return &Ledger{root: root, clock: clock, logger: logger, seenKeys: map[string]int64{}}
}

func (l *Ledger) seqPath() string    { return filepath.Join(l.root, "status", "seq.json") }
func (l *Ledger) ledgerPath() string { return filepath.Join(l.root, "events_ledger.jsonl") }

// Append computes the idempotency key for (sourceEventID, payload, scope,
// next seq); if an entry with that key already exists it is a no-op
// returning the existing entry. Otherwise it writes the sequence file
// first, then appends the ledger entry, fsyncing each.
func (l *Ledger) Append(sourceEventID string, payload any, scope string) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.ensureLoaded(); err != nil {
		return Entry{}, err
	}

	current, err := l.readSeq()
	if err != nil {
		return Entry{}, err
	}
	nextSeq := current + 1

	canon, err := clockid.Canonical(payload)
	if err != nil {
		return Entry{}, fmt.Errorf("ledger: canonicalize payload: %w", err)
	}
	key := clockid.SHA256Hex([]byte(fmt.Sprintf("ns=ff6.4|%s|%s|%s|%d", sourceEventID, canon, scope, nextSeq)))

	if existingSeq, ok := l.seenKeys[key]; ok {
		entries, err := l.readAll()
		if err != nil {
			return Entry{}, err
		}
		for _, e := range entries {
			if e.IdempotencyKey == key && e.MonotonicSeq == existingSeq {
				return e, nil
			}
		}
	}

	if err := l.writeSeq(nextSeq); err != nil {
		return Entry{}, fmt.Errorf("ledger: write seq: %w", err)
	}

	entry := Entry{
		Timestamp:      clockid.RFC3339(l.clock.Now()),
		SourceEventID:  sourceEventID,
		IdempotencyKey: key,
		MonotonicSeq:   nextSeq,
		TargetScope:    scope,
		Payload:        payload,
	}

	if err := l.appendLine(entry); err != nil {
		return Entry{}, fmt.Errorf("ledger: append: %w", err)
	}
	l.seenKeys[key] = nextSeq

	if l.logger != nil {
		l.logger.Debug("ledger entry appended",
			zap.Int64("seq", nextSeq), zap.String("scope", scope), zap.String("source_event_id", sourceEventID))
	}

	if l.publisher != nil {
		if err := l.publisher.Publish(context.Background(), entry); err != nil {
			if l.logger != nil {
				l.logger.Warn("failed to mirror ledger entry to publisher",
					zap.Int64("seq", nextSeq), zap.Error(err))
			}
		}
	}

	return entry, nil
}

func (l *Ledger) ensureLoaded() error {
	if l.loaded {
		return nil
	}
	entries, err := l.readAll()
	if err != nil {
		return err
	}
	for _, e := range entries {
		l.seenKeys[e.IdempotencyKey] = e.MonotonicSeq
	}
	l.loaded = true
	return nil
}

func (l *Ledger) readSeq() (int64, error) {
	data, err := os.ReadFile(l.seqPath())
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("ledger: read seq: %w", err)
	}
	var rec sequenceRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return 0, fmt.Errorf("ledger: decode seq: %w", err)
	}
	return rec.MonotonicSeq, nil
}

func (l *Ledger) writeSeq(seq int64) error {
	dir := filepath.Dir(l.seqPath())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(sequenceRecord{MonotonicSeq: seq})
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "seq.json.tmp-*")
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
	if err := os.Rename(tmpPath, l.seqPath()); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if dirFile, err := os.Open(dir); err == nil {
		_ = dirFile.Sync()
		_ = dirFile.Close()
	}
	return nil
}

func (l *Ledger) appendLine(entry Entry) error {
	dir := filepath.Dir(l.ledgerPath())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	f, err := os.OpenFile(l.ledgerPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(line); err != nil {
		return err
	}
	return f.Sync()
}

func (l *Ledger) readAll() ([]Entry, error) {
	f, err := os.Open(l.ledgerPath())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, scanner.Err()
}

// All returns every ledger entry, in append order.
func (l *Ledger) All() ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.readAll()
}
