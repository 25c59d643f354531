// Package runlog implements the Run and Incident lifecycle records and the
// archive sweep that moves terminal-state records out of the active
// directories, grounded on the teacher's TTL-based DynamoDB item-expiry
// pattern (LockRecord.TTL / EventRecord.TTL fields in
// infrastructure/persistence/dynamodb) adapted to a filesystem sweep.
package runlog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/forgeflow/core/internal/clockid"
	"github.com/forgeflow/core/internal/durable/audit"
	"github.com/forgeflow/core/internal/durable/ledger"
	"github.com/forgeflow/core/internal/durable/lock"
	"github.com/forgeflow/core/internal/durable/wal"
	"github.com/forgeflow/core/internal/ferrors"
)

// RunState is the Run lifecycle state.
type RunState string

const (
	RunExecuting         RunState = "executing"
	RunSucceeded         RunState = "succeeded"
	RunFailed            RunState = "failed"
	RunPartiallySucceeded RunState = "partially_succeeded"
)

// Run is a bounded, lock-holding unit of work.
type Run struct {
	ID         string   `json:"id"`
	State      RunState `json:"state"`
	StartedAt  string   `json:"started_at"`
	FinishedAt string   `json:"finished_at,omitempty"`
	DurationMs int64    `json:"duration_ms,omitempty"`
	Payload    any      `json:"payload"`
	Notes      []string `json:"notes"`
}

// IncidentStatus is the Incident lifecycle state.
type IncidentStatus string

const (
	IncidentOpen     IncidentStatus = "open"
	IncidentResolved IncidentStatus = "resolved"
)

// Incident is a durable record of an operational event that does not hold
// the lock.
type Incident struct {
	ID          string         `json:"id"`
	Status      IncidentStatus `json:"status"`
	Severity    string         `json:"severity"`
	Summary     string         `json:"summary"`
	StartedAt   string         `json:"started_at"`
	ResolvedAt  string         `json:"resolved_at,omitempty"`
	Notes       []string       `json:"notes"`
	RCA         string         `json:"rca,omitempty"`
	RelatedMaps []string       `json:"related_maps,omitempty"`
}

// Manager owns the lifecycle operations for Run and Incident records.
type Manager struct {
	root        string
	clock       clockid.Clock
	logger      *zap.Logger
	theLock     *lock.Lock
	archiveLock *lock.Lock
	journal     *wal.Journal
	auditLog    *audit.Chain
	events      *ledger.Ledger

	onRunFinish func(run Run) // Prometheus histogram hook; nil-safe
}

// New constructs a Manager. theLock guards individual run execution;
// ArchiveCompleted uses its own dedicated lock record (archive.lock)
// rather than theLock, so a sweep never contends with an in-flight run
// it is not touching in the first place.
func New(root string, clock clockid.Clock, logger *zap.Logger, theLock *lock.Lock, journal *wal.Journal, auditLog *audit.Chain, events *ledger.Ledger) *Manager {
	return &Manager{
		root:        root,
		clock:       clock,
		logger:      logger,
		theLock:     theLock,
		archiveLock: lock.NewNamed(root, "archive.lock", clock, logger),
		journal:     journal,
		auditLog:    auditLog,
		events:      events,
	}
}

// OnRunFinish registers a hook invoked every time a Run reaches a terminal
// state, used by internal/observability to record
// forgeflow_run_duration_seconds.
func (m *Manager) OnRunFinish(hook func(run Run)) { m.onRunFinish = hook }

func (m *Manager) runPath(id string) string      { return filepath.Join("runs", id+".json") }
func (m *Manager) incidentPath(id string) string { return filepath.Join("_incidents", id+".json") }

// StartRun generates a run id, acquires the lock, writes the run document,
// and records it in the audit chain and event ledger.
func (m *Manager) StartRun(payload any, maxWait time.Duration) (Run, error) {
	id := clockid.NewRunID(m.clock)
	if err := m.theLock.Acquire(context.Background(), id, maxWait); err != nil {
		return Run{}, err
	}

	run := Run{ID: id, State: RunExecuting, StartedAt: clockid.RFC3339(m.clock.Now()), Payload: payload, Notes: []string{}}
	if err := m.journal.AtomicWriteJSON(m.runPath(id), run, id); err != nil {
		_ = m.theLock.Release(context.Background())
		return Run{}, err
	}
	if m.auditLog != nil {
		if _, err := m.auditLog.Append(map[string]any{"action": "run_start", "run_id": id}); err != nil {
			_ = m.theLock.Release(context.Background())
			return Run{}, err
		}
	}
	if m.events != nil {
		if _, err := m.events.Append(id, map[string]any{"event": "run_start"}, "runs/"+id); err != nil {
			_ = m.theLock.Release(context.Background())
			return Run{}, err
		}
	}
	if m.logger != nil {
		m.logger.Info("run started", zap.String("run_id", id))
	}
	return run, nil
}

// Note appends content to a run's notes and rewrites the document.
func (m *Manager) Note(id, content string) (Run, error) {
	run, err := m.readRun(id)
	if err != nil {
		return Run{}, err
	}
	run.Notes = append(run.Notes, content)
	if err := m.journal.AtomicWriteJSON(m.runPath(id), run, id); err != nil {
		return Run{}, err
	}
	return run, nil
}

// FinishRun stamps finished_at/duration_ms, writes, audits, ledger-records,
// releases the lock, and fires the Prometheus duration hook.
func (m *Manager) FinishRun(id string, outcome RunState) (Run, error) {
	run, err := m.readRun(id)
	if err != nil {
		return Run{}, err
	}

	started, perr := clockid.ParseRFC3339(run.StartedAt)
	now := m.clock.Now()
	run.FinishedAt = clockid.RFC3339(now)
	if perr == nil {
		run.DurationMs = now.Sub(started).Milliseconds()
	}
	run.State = outcome

	if err := m.journal.AtomicWriteJSON(m.runPath(id), run, id); err != nil {
		return Run{}, err
	}
	if m.auditLog != nil {
		if _, err := m.auditLog.Append(map[string]any{"action": "run_finish", "run_id": id, "state": string(outcome)}); err != nil {
			return Run{}, err
		}
	}
	if m.events != nil {
		if _, err := m.events.Append(id, map[string]any{"event": "run_finish", "state": string(outcome)}, "runs/"+id); err != nil {
			return Run{}, err
		}
	}

	if err := m.theLock.Release(context.Background()); err != nil {
		return Run{}, err
	}

	if m.onRunFinish != nil {
		m.onRunFinish(run)
	}
	if m.logger != nil {
		m.logger.Info("run finished", zap.String("run_id", id), zap.String("state", string(outcome)), zap.Int64("duration_ms", run.DurationMs))
	}
	return run, nil
}

func (m *Manager) readRun(id string) (Run, error) {
	data, err := os.ReadFile(filepath.Join(m.root, m.runPath(id)))
	if os.IsNotExist(err) {
		return Run{}, ferrors.Newf(ferrors.KindNotFound, "run %q not found", id)
	}
	if err != nil {
		return Run{}, fmt.Errorf("runlog: read run %q: %w", id, err)
	}
	var run Run
	if err := json.Unmarshal(data, &run); err != nil {
		return Run{}, fmt.Errorf("runlog: decode run %q: %w", id, err)
	}
	return run, nil
}

// StartIncident writes an open incident record without touching the lock.
func (m *Manager) StartIncident(severity, summary string) (Incident, error) {
	id := clockid.NewIncidentID(m.clock)
	inc := Incident{ID: id, Status: IncidentOpen, Severity: severity, Summary: summary, StartedAt: clockid.RFC3339(m.clock.Now()), Notes: []string{}}
	if err := m.journal.AtomicWriteJSON(m.incidentPath(id), inc, "incident-"+id); err != nil {
		return Incident{}, err
	}
	if m.auditLog != nil {
		if _, err := m.auditLog.Append(map[string]any{"action": "incident_start", "incident_id": id}); err != nil {
			return Incident{}, err
		}
	}
	return inc, nil
}

// NoteIncident appends a note to an incident.
func (m *Manager) NoteIncident(id, content string) (Incident, error) {
	inc, err := m.readIncident(id)
	if err != nil {
		return Incident{}, err
	}
	inc.Notes = append(inc.Notes, content)
	if err := m.journal.AtomicWriteJSON(m.incidentPath(id), inc, "incident-"+id); err != nil {
		return Incident{}, err
	}
	return inc, nil
}

// ResolveIncident stamps resolved_at and the RCA, and marks the incident
// resolved.
func (m *Manager) ResolveIncident(id, rca string, relatedMaps []string) (Incident, error) {
	inc, err := m.readIncident(id)
	if err != nil {
		return Incident{}, err
	}
	inc.Status = IncidentResolved
	inc.ResolvedAt = clockid.RFC3339(m.clock.Now())
	inc.RCA = rca
	inc.RelatedMaps = relatedMaps
	if err := m.journal.AtomicWriteJSON(m.incidentPath(id), inc, "incident-"+id); err != nil {
		return Incident{}, err
	}
	if m.auditLog != nil {
		if _, err := m.auditLog.Append(map[string]any{"action": "incident_resolve", "incident_id": id}); err != nil {
			return Incident{}, err
		}
	}
	return inc, nil
}

func (m *Manager) readIncident(id string) (Incident, error) {
	data, err := os.ReadFile(filepath.Join(m.root, m.incidentPath(id)))
	if os.IsNotExist(err) {
		return Incident{}, ferrors.Newf(ferrors.KindNotFound, "incident %q not found", id)
	}
	if err != nil {
		return Incident{}, fmt.Errorf("runlog: read incident %q: %w", id, err)
	}
	var inc Incident
	if err := json.Unmarshal(data, &inc); err != nil {
		return Incident{}, fmt.Errorf("runlog: decode incident %q: %w", id, err)
	}
	return inc, nil
}

// archiveSweepLockWait bounds how long ArchiveCompleted waits for its
// own lock record before giving up, the same way StartRun's caller
// supplies a maxWait for run acquisition.
const archiveSweepLockWait = 10 * time.Second

// ArchiveCompleted moves terminal-state runs and incidents older than
// olderThan into _archive/runs and _archive/incidents, through the same
// Acquire/Release+AtomicWriter discipline as any other mutation: the
// sweep holds its own lock record (m.archiveLock, not theLock) for its
// duration, so two sweeps can never race each other's renames. It
// deliberately does not contend with theLock — that lock tracks a single
// in-flight run's exclusive execution window, and the sweep only ever
// touches runs already in a terminal state, so serializing it against
// unrelated in-flight runs would only make archiving less available. It
// is operator-triggered or cron-triggered, never automatic, and never
// touches map records.
func (m *Manager) ArchiveCompleted(olderThan time.Duration) (int, error) {
	if err := m.archiveLock.Acquire(context.Background(), "archive-sweep", archiveSweepLockWait); err != nil {
		return 0, fmt.Errorf("runlog: archive sweep: %w", err)
	}
	defer func() { _ = m.archiveLock.Release(context.Background()) }()

	count := 0
	now := m.clock.Now()

	runsDir := filepath.Join(m.root, "runs")
	entries, err := os.ReadDir(runsDir)
	if err != nil && !os.IsNotExist(err) {
		return 0, fmt.Errorf("runlog: list runs: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		id := trimJSON(e.Name())
		run, err := m.readRun(id)
		if err != nil {
			continue
		}
		if run.State == RunExecuting {
			continue
		}
		finished, err := clockid.ParseRFC3339(run.FinishedAt)
		if err != nil || now.Sub(finished) < olderThan {
			continue
		}
		if err := m.archiveOne(filepath.Join("runs", id+".json"), filepath.Join("_archive", "runs", id+".json"), run); err != nil {
			return count, err
		}
		count++
	}

	incDir := filepath.Join(m.root, "_incidents")
	entries, err = os.ReadDir(incDir)
	if err != nil && !os.IsNotExist(err) {
		return count, fmt.Errorf("runlog: list incidents: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		id := trimJSON(e.Name())
		inc, err := m.readIncident(id)
		if err != nil {
			continue
		}
		if inc.Status != IncidentResolved {
			continue
		}
		resolved, err := clockid.ParseRFC3339(inc.ResolvedAt)
		if err != nil || now.Sub(resolved) < olderThan {
			continue
		}
		if err := m.archiveOne(filepath.Join("_incidents", id+".json"), filepath.Join("_archive", "incidents", id+".json"), inc); err != nil {
			return count, err
		}
		count++
	}

	return count, nil
}

func (m *Manager) archiveOne(src, dst string, payload any) error {
	if err := m.journal.AtomicWriteJSON(dst, payload, "archive-sweep"); err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(m.root, src)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("runlog: remove archived source %s: %w", src, err)
	}
	if m.auditLog != nil {
		if _, err := m.auditLog.Append(map[string]any{"action": "archive", "src": src, "dst": dst}); err != nil {
			return err
		}
	}
	return nil
}

func trimJSON(name string) string {
	return name[:len(name)-len(filepath.Ext(name))]
}
