// Package health implements the process-wide HealthMesh and the Guard that
// gates mutating operations on it. Grounded on the teacher's circuit
// breaker decorator's state-tracking style
// (internal/infrastructure/persistence/circuit_breaker_decorator.go) but
// adapted from a per-call sliding window to a consecutive-failure
// safe-mode model, with a short-TTL in-memory cache over the on-disk
// health record.
package health

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/forgeflow/core/internal/clockid"
	"github.com/forgeflow/core/internal/ferrors"
)

// CacheTTL is how long the in-memory view of the health record is trusted
// before being re-read from disk.
const CacheTTL = 5 * time.Second

// FailuresToOpen is the consecutive-failure count at which safe mode flips
// to read_only.
const FailuresToOpen = 3

// SafeMode is the process-wide posture.
type SafeMode string

const (
	SafeModeHealthy  SafeMode = "healthy"
	SafeModeReadOnly SafeMode = "read_only"
)

// Record is the on-disk shape of status/health.json.
type Record struct {
	SafeMode           SafeMode  `json:"safe_mode"`
	Reason             string    `json:"reason,omitempty"`
	Since              string    `json:"since,omitempty"`
	ConsecutiveFailures int      `json:"consecutive_failures"`
	ViolationWarnings  int       `json:"violation_warnings"`
}

// Mesh is the process-wide health state.
type Mesh struct {
	path   string
	clock  clockid.Clock
	logger *zap.Logger

	mu        sync.Mutex
	cached    Record
	cachedAt  time.Time
	hasCached bool
}

// New constructs a Mesh rooted at <root>/status/health.json.
func New(root string, clock clockid.Clock, logger *zap.Logger) *Mesh {
	return &Mesh{path: filepath.Join(root, "status", "health.json"), clock: clock, logger: logger}
}

// RecordFailure increments consecutive_failures; on reaching
// FailuresToOpen the record flips to read_only.
func (m *Mesh) RecordFailure(reason string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.loadLocked()
	if err != nil {
		return Record{}, err
	}
	rec.ConsecutiveFailures++
	if rec.ConsecutiveFailures >= FailuresToOpen && rec.SafeMode != SafeModeReadOnly {
		rec.SafeMode = SafeModeReadOnly
		rec.Reason = reason
		rec.Since = clockid.RFC3339(m.clock.Now())
		if m.logger != nil {
			m.logger.Warn("entering safe mode", zap.String("reason", reason), zap.Int("consecutive_failures", rec.ConsecutiveFailures))
		}
	}
	return rec, m.saveLocked(rec)
}

// RecordSuccess clears the consecutive-failure counter; when transitioning
// from read_only back to healthy the reason field is cleared.
func (m *Mesh) RecordSuccess() (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.loadLocked()
	if err != nil {
		return Record{}, err
	}
	rec.ConsecutiveFailures = 0
	if rec.SafeMode == SafeModeReadOnly {
		rec.SafeMode = SafeModeHealthy
		rec.Reason = ""
		rec.Since = ""
		if m.logger != nil {
			m.logger.Info("safe mode cleared")
		}
	}
	return rec, m.saveLocked(rec)
}

// RecordViolation bumps violation_warnings, used by Guard's adaptive
// enforcement escalation.
func (m *Mesh) RecordViolation() (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.loadLocked()
	if err != nil {
		return Record{}, err
	}
	rec.ViolationWarnings++
	return rec, m.saveLocked(rec)
}

// IsCircuitOpen reports whether consecutive_failures >= FailuresToOpen.
func (m *Mesh) IsCircuitOpen() (bool, error) {
	rec, err := m.Current()
	if err != nil {
		return false, err
	}
	return rec.ConsecutiveFailures >= FailuresToOpen, nil
}

// Current returns the current record, served from the short-TTL cache when
// fresh.
func (m *Mesh) Current() (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadLocked()
}

func (m *Mesh) loadLocked() (Record, error) {
	if m.hasCached && m.clock.Now().Sub(m.cachedAt) < CacheTTL {
		return m.cached, nil
	}
	data, err := os.ReadFile(m.path)
	if os.IsNotExist(err) {
		rec := Record{SafeMode: SafeModeHealthy}
		m.cached, m.cachedAt, m.hasCached = rec, m.clock.Now(), true
		return rec, nil
	}
	if err != nil {
		return Record{}, fmt.Errorf("health: read record: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("health: decode record: %w", err)
	}
	m.cached, m.cachedAt, m.hasCached = rec, m.clock.Now(), true
	return rec, nil
}

func (m *Mesh) saveLocked(rec Record) error {
	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	tmp, err := os.CreateTemp(dir, "health.json.tmp-*")
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
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	m.cached, m.cachedAt, m.hasCached = rec, m.clock.Now(), true
	return nil
}

// EnforcementLevel is the escalation level Guard.AdaptiveEnforce computes
// from violation_warnings.
type EnforcementLevel string

const (
	LevelWarn      EnforcementLevel = "warn"
	LevelSoftBlock EnforcementLevel = "soft_block"
	LevelHardBlock EnforcementLevel = "hard_block"
)

// EscalationThresholds configures the violation-count boundaries at which
// Guard escalates: warn at 1-2, soft_block at 3-5, hard_block at 6+ by
// default.
type EscalationThresholds struct {
	SoftBlockAt int // first violation count that triggers soft_block
	HardBlockAt int // first violation count that triggers hard_block
}

// DefaultEscalationThresholds is the decided default policy.
var DefaultEscalationThresholds = EscalationThresholds{SoftBlockAt: 3, HardBlockAt: 6}

// Guard gates mutating operations on the Mesh's state.
type Guard struct {
	mesh       *Mesh
	thresholds EscalationThresholds
	logger     *zap.Logger
}

// NewGuard constructs a Guard over mesh with the given escalation
// thresholds.
func NewGuard(mesh *Mesh, thresholds EscalationThresholds, logger *zap.Logger) *Guard {
	return &Guard{mesh: mesh, thresholds: thresholds, logger: logger}
}

// EnforceSafeMode returns CIRCUIT_BREAKER_OPEN if the circuit is open, else
// SAFE_MODE_READ_ONLY if safe mode is read_only, else nil.
func (g *Guard) EnforceSafeMode() error {
	rec, err := g.mesh.Current()
	if err != nil {
		return err
	}
	if rec.ConsecutiveFailures >= FailuresToOpen {
		return ferrors.New(ferrors.KindCircuitBreakerOpen, "health mesh circuit is open")
	}
	if rec.SafeMode == SafeModeReadOnly {
		return ferrors.New(ferrors.KindSafeModeReadOnly, rec.Reason)
	}
	return nil
}

// AdaptiveEnforce classifies operation against the current violation count
// and either allows it (warn), records a violation and refuses unless
// allowOverride (soft_block), or refuses unconditionally (hard_block).
func (g *Guard) AdaptiveEnforce(operation string, allowOverride bool) (EnforcementLevel, error) {
	rec, err := g.mesh.Current()
	if err != nil {
		return "", err
	}

	level := LevelWarn
	switch {
	case rec.ViolationWarnings >= g.thresholds.HardBlockAt:
		level = LevelHardBlock
	case rec.ViolationWarnings >= g.thresholds.SoftBlockAt:
		level = LevelSoftBlock
	}

	switch level {
	case LevelWarn:
		if g.logger != nil {
			g.logger.Warn("adaptive enforcement: warn", zap.String("operation", operation))
		}
		return level, nil
	case LevelSoftBlock:
		if _, err := g.mesh.RecordViolation(); err != nil {
			return level, err
		}
		if allowOverride {
			return level, nil
		}
		return level, ferrors.Newf(ferrors.KindSafeModeReadOnly, "operation %q soft-blocked by adaptive enforcement", operation)
	default: // LevelHardBlock
		return level, ferrors.Newf(ferrors.KindSafeModeReadOnly, "operation %q hard-blocked by adaptive enforcement", operation)
	}
}
