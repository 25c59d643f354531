// Package audit implements the tamper-evident hash-chained audit log.
// Grounded on other_examples' LanternOps-breeze agent audit logger: a
// Logger type with a prevHash field seeded to the literal "genesis", a
// mutex-guarded append method, and fsync on every write. Log rotation (a
// supplemental feature the distillation dropped) is adapted from the
// teacher's TTL-expiry pattern on DynamoDB records into a size-bounded
// rotation with a sentinel linking entry.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/forgeflow/core/internal/clockid"
)

const genesis = "genesis"

// DefaultMaxBytes is the size at which the audit file is rotated.
const DefaultMaxBytes int64 = 50 * 1024 * 1024

// DefaultMaxBackups is how many rotated files are retained.
const DefaultMaxBackups = 3

// Entry is one record of the audit chain.
type Entry struct {
	Timestamp    string `json:"timestamp"`
	PreviousHash string `json:"previous_hash"`
	Event        any    `json:"event"`
	Hash         string `json:"hash"`
}

// rotationSentinel is written as the first entry of a freshly rotated file
// so verify can still walk the logical chain across rotation boundaries.
type rotationSentinel struct {
	RotatedFrom string `json:"rotated_from"`
}

// Chain is the append-only, hash-linked audit log.
type Chain struct {
	path        string
	maxBytes    int64
	maxBackups  int
	clock       clockid.Clock
	logger      *zap.Logger
	mu          sync.Mutex
	lastHash    string
	initialized bool
}

// New constructs a Chain writing to <root>/audit.jsonl.
func New(root string, clock clockid.Clock, logger *zap.Logger) *Chain {
	return &Chain{
		path:       filepath.Join(root, "audit.jsonl"),
		maxBytes:   DefaultMaxBytes,
		maxBackups: DefaultMaxBackups,
		clock:      clock,
		logger:     logger,
	}
}

// WithRotation overrides the rotation thresholds (used by tests).
func (c *Chain) WithRotation(maxBytes int64, maxBackups int) *Chain {
	c.maxBytes = maxBytes
	c.maxBackups = maxBackups
	return c
}

// Append writes a new entry linking to the previous entry's hash, fsyncs,
// and rotates the file first if it has grown past maxBytes.
func (c *Chain) Append(event any) (Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureInitialized(); err != nil {
		return Entry{}, err
	}
	if err := c.rotateIfNeeded(); err != nil {
		return Entry{}, err
	}

	canon, err := clockid.Canonical(event)
	if err != nil {
		return Entry{}, fmt.Errorf("audit: canonicalize event: %w", err)
	}

	prev := c.lastHash
	hash := clockid.SHA256Hex([]byte(prev + string(canon)))
	entry := Entry{
		Timestamp:    clockid.RFC3339(c.clock.Now()),
		PreviousHash: prev,
		Event:        event,
		Hash:         hash,
	}

	if err := c.appendLine(entry); err != nil {
		return Entry{}, err
	}
	c.lastHash = hash
	return entry, nil
}

func (c *Chain) appendLine(v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("audit: marshal entry: %w", err)
	}
	line = append(line, '\n')

	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return fmt.Errorf("audit: mkdir: %w", err)
	}
	f, err := os.OpenFile(c.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("audit: open: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("audit: write: %w", err)
	}
	return f.Sync()
}

func (c *Chain) ensureInitialized() error {
	if c.initialized {
		return nil
	}
	entries, err := c.readAll()
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		c.lastHash = genesis
	} else {
		c.lastHash = entries[len(entries)-1].Hash
	}
	c.initialized = true
	return nil
}

func (c *Chain) readAll() ([]Entry, error) {
	f, err := os.Open(c.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("audit: open for read: %w", err)
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
			return nil, fmt.Errorf("audit: decode entry: %w", err)
		}
		if e.Hash == "" {
			continue // rotation sentinel, not a chain link from this file's perspective
		}
		entries = append(entries, e)
	}
	return entries, scanner.Err()
}

// rotateIfNeeded moves the current file to a numbered backup and starts a
// fresh file whose first line is a sentinel pointing at the rotated-out
// chain's last hash, so that chain continuity survives rotation.
func (c *Chain) rotateIfNeeded() error {
	info, err := os.Stat(c.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("audit: stat: %w", err)
	}
	if info.Size() < c.maxBytes {
		return nil
	}

	for i := c.maxBackups - 1; i >= 1; i-- {
		src := fmt.Sprintf("%s.%d", c.path, i)
		dst := fmt.Sprintf("%s.%d", c.path, i+1)
		if _, err := os.Stat(src); err == nil {
			_ = os.Rename(src, dst)
		}
	}
	if err := os.Rename(c.path, c.path+".1"); err != nil {
		return fmt.Errorf("audit: rotate rename: %w", err)
	}

	if c.logger != nil {
		c.logger.Info("audit log rotated", zap.String("path", c.path), zap.Int64("max_bytes", c.maxBytes))
	}

	sentinel := rotationSentinel{RotatedFrom: c.lastHash}
	return c.appendLine(sentinel)
}

// Verify recomputes hashes over the chain and reports the index of the
// first divergence, or -1 if the chain is intact.
func (c *Chain) Verify() (divergedAt int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries, err := c.readAll()
	if err != nil {
		return -1, err
	}

	prev := genesis
	if f, err := os.Open(c.path); err == nil {
		var s rotationSentinel
		if json.NewDecoder(f).Decode(&s) == nil && s.RotatedFrom != "" {
			prev = s.RotatedFrom
		}
		f.Close()
	}
	for i, e := range entries {
		if e.PreviousHash != prev {
			return i, nil
		}
		canon, err := clockid.Canonical(e.Event)
		if err != nil {
			return i, fmt.Errorf("audit: canonicalize event at %d: %w", i, err)
		}
		want := clockid.SHA256Hex([]byte(prev + string(canon)))
		if want != e.Hash {
			return i, nil
		}
		prev = e.Hash
	}
	return -1, nil
}

// All returns every entry currently in the (un-rotated) chain file, for
// inspection tooling.
func (c *Chain) All() ([]Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readAll()
}
