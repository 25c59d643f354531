// Package wrapper implements ResilientWrapper: the compile-time façade
// that composes Retry, the breaker registry, and the error taxonomy
// around any provider. Provider is a small, explicit Go interface — not a
// reflective dynamic proxy over arbitrary method names — and the
// destructive/monitored classification is a compile-time map literal
// rather than a runtime string match.
package wrapper

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/forgeflow/core/internal/clockid"
	"github.com/forgeflow/core/internal/durable/wal"
	"github.com/forgeflow/core/internal/ferrors"
	"github.com/forgeflow/core/internal/resilience/breaker"
	"github.com/forgeflow/core/internal/resilience/retry"
)

// Provider is the small set of operations the core actually calls on an
// external data provider, expressed as a fixed interface rather than a
// dynamic proxy over arbitrary method names.
type Provider interface {
	Init(ctx context.Context) error
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
	Query(ctx context.Context, table string, filter map[string]any, opts map[string]any) (any, error)
	Insert(ctx context.Context, table string, doc map[string]any) (any, error)
	Update(ctx context.Context, table string, filter map[string]any, doc map[string]any) (any, error)
	Delete(ctx context.Context, table string, filter map[string]any) (any, error)
	CreateTable(ctx context.Context, table string, schema map[string]any) error
	DropTable(ctx context.Context, table string) error
	ApplySecurityRules(ctx context.Context, rules map[string]any) error
	RunMigrations(ctx context.Context) error
	GetAppliedMigrations(ctx context.Context) ([]string, error)

	Supports(feature string) bool
	GetCapabilities() []string
}

// methodClass is the compile-time destructive/monitored attribute used
// in place of a runtime string match.
type methodClass struct {
	destructive bool
	monitored   bool
}

var methodClasses = map[string]methodClass{
	"Init":                 {destructive: false, monitored: true},
	"Ping":                 {destructive: false, monitored: true},
	"Close":                {destructive: false, monitored: false},
	"Query":                {destructive: false, monitored: true},
	"Insert":               {destructive: false, monitored: false},
	"Update":               {destructive: false, monitored: true},
	"Delete":               {destructive: true, monitored: true},
	"CreateTable":          {destructive: false, monitored: true},
	"DropTable":            {destructive: true, monitored: false},
	"ApplySecurityRules":   {destructive: false, monitored: false},
	"RunMigrations":        {destructive: false, monitored: false},
	"GetAppliedMigrations": {destructive: false, monitored: false},
}

// capabilityMethods bypass all wrapping: they report what a provider
// supports and never touch it, so neither retry nor the breaker applies.
var capabilityMethods = map[string]bool{"Supports": true, "GetCapabilities": true}

// Wrapper composes retry + the breaker registry + taxonomy mapping around
// one Provider instance.
type Wrapper struct {
	name     string
	provider Provider
	breakers *breaker.Registry
	retryCfg retry.Config
	logger   *zap.Logger

	root    string
	clock   clockid.Clock
	journal *wal.Journal
}

// New constructs a Wrapper named name (used as the breaker registry key
// and as the capability snapshot's provider field) around provider. root
// and journal locate the status/capabilities.json diagnostic snapshot;
// journal may be nil if the embedding application never calls Init or
// Capabilities through this Wrapper.
func New(name string, provider Provider, breakers *breaker.Registry, retryCfg retry.Config, root string, clock clockid.Clock, journal *wal.Journal, logger *zap.Logger) *Wrapper {
	return &Wrapper{name: name, provider: provider, breakers: breakers, retryCfg: retryCfg, root: root, clock: clock, journal: journal, logger: logger}
}

// Call invokes the named method (one of Provider's method names) with the
// given thunk, applying the destructive/monitored classification: if
// destructive, retry is disabled; if monitored, the call executes inside
// the named breaker.
func (w *Wrapper) Call(ctx context.Context, method string, fn func(ctx context.Context) (any, error)) (any, error) {
	if capabilityMethods[method] {
		return fn(ctx)
	}

	class := methodClasses[method]

	exec := func(ctx context.Context) (any, error) {
		val, err := fn(ctx)
		if err != nil {
			return nil, w.classify(err)
		}
		return val, nil
	}

	runner := exec
	if class.monitored {
		runner = func(ctx context.Context) (any, error) {
			return w.breakers.Execute(ctx, w.name, func() (any, error) { return exec(ctx) })
		}
	}

	var result any
	var err error
	if class.destructive {
		result, err = runner(ctx)
	} else {
		result, err = retry.WithRetry(ctx, w.retryCfg, runner)
	}

	if err == nil && method == "Init" {
		w.refreshSnapshot()
	}
	return result, err
}

// classify maps a raw provider error to the closed taxonomy by a small
// rule table on the message: "rate limit" -> PROVIDER_RATE_LIMIT;
// "timeout" -> NETWORK_TIMEOUT; "auth"/"permission" ->
// INVALID_CREDENTIALS; default -> TRANSIENT_5XX. If err already carries
// a Kind (a well-behaved provider returning *ferrors.Error directly), that
// Kind is preserved untouched.
func (w *Wrapper) classify(err error) error {
	if _, ok := ferrors.KindOf(err); ok {
		return err
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit"):
		return ferrors.Wrap(ferrors.KindProviderRateLimit, w.name, err)
	case strings.Contains(msg, "timeout"):
		return ferrors.Wrap(ferrors.KindNetworkTimeout, w.name, err)
	case strings.Contains(msg, "auth") || strings.Contains(msg, "permission"):
		return ferrors.Wrap(ferrors.KindInvalidCredentials, w.name, err)
	default:
		return ferrors.Wrap(ferrors.KindTransient5xx, w.name, err)
	}
}

// capabilitySnapshotPath is where the diagnostic snapshot lives, relative
// to root, matching the rest of this module's runs/maps/status layout.
const capabilitySnapshotPath = "status/capabilities.json"

// CapabilityTTL is how long a snapshot is trusted before a live
// GetCapabilities() call refreshes it.
const CapabilityTTL = 5 * time.Minute

// CapabilitySnapshot is the diagnostic status/capabilities.json record: a
// small, non-authoritative record of what a provider reported the last
// time Init succeeded, read back by operators without touching the
// provider itself.
type CapabilitySnapshot struct {
	Provider     string   `json:"provider"`
	Capabilities []string `json:"capabilities"`
	CheckedAt    string   `json:"checked_at"`
}

// Capabilities returns the current capability snapshot, reading it from
// disk and refreshing it from a live provider.GetCapabilities() call when
// absent or older than CapabilityTTL.
func (w *Wrapper) Capabilities(ctx context.Context) (CapabilitySnapshot, error) {
	snap, err := w.readSnapshot()
	if err == nil && w.clock != nil {
		checkedAt, parseErr := time.Parse(time.RFC3339, snap.CheckedAt)
		if parseErr == nil && w.clock.Now().Sub(checkedAt) < CapabilityTTL {
			return snap, nil
		}
	}
	return w.refreshSnapshot(), nil
}

func (w *Wrapper) readSnapshot() (CapabilitySnapshot, error) {
	var snap CapabilitySnapshot
	if w.root == "" {
		return snap, fmt.Errorf("wrapper: no root configured")
	}
	data, err := os.ReadFile(filepath.Join(w.root, capabilitySnapshotPath))
	if err != nil {
		return snap, err
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		return snap, fmt.Errorf("wrapper: decode capability snapshot: %w", err)
	}
	return snap, nil
}

// refreshSnapshot rebuilds the snapshot from a live, unwrapped
// GetCapabilities() call (capability methods bypass retry/breaker
// wrapping, same as Call does for them) and persists it through the same
// AtomicWriter the rest of this module's mutations use.
func (w *Wrapper) refreshSnapshot() CapabilitySnapshot {
	checkedAt := time.Now().UTC()
	if w.clock != nil {
		checkedAt = w.clock.Now()
	}
	snap := CapabilitySnapshot{
		Provider:     w.name,
		Capabilities: w.provider.GetCapabilities(),
		CheckedAt:    checkedAt.UTC().Format(time.RFC3339),
	}

	if w.journal != nil {
		if err := w.journal.AtomicWriteJSON(capabilitySnapshotPath, snap, "capability-snapshot-"+w.name); err != nil && w.logger != nil {
			w.logger.Warn("failed to persist capability snapshot", zap.String("provider", w.name), zap.Error(err))
		}
	}
	return snap
}
