// Package maprepo implements the Context/Repository layer: a
// content-addressed collection of "maps," a bounded hot index, and a
// scoring function, flowing exclusively through the durability primitives
// (schema, WAL/AtomicWriter, audit); writes are serialized by an
// in-process mutex, not the store's lock record. The hot index is a bounded
// min-heap keyed by access_count (ties by last_accessed), using the
// standard library's container/heap — no third-party heap library
// appears anywhere in the example pack, so this is a deliberate,
// justified stdlib use rather than a gap (see DESIGN.md).
//
// The package is named maprepo (not context) even though it lives under
// internal/context/, so callers can import it alongside the standard
// library's context package without an alias.
package maprepo

import (
	"container/heap"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/forgeflow/core/internal/clockid"
	"github.com/forgeflow/core/internal/durable/audit"
	"github.com/forgeflow/core/internal/durable/schema"
	"github.com/forgeflow/core/internal/durable/wal"
	"github.com/forgeflow/core/internal/ferrors"
)

// MaxHotIndexEntries is the hot index's hard bound.
const MaxHotIndexEntries = 50

// FreshnessWindowDays is the age, in days, past which freshness bottoms
// out at 0.
const FreshnessWindowDays = 90.0

// PlaybookBoost is added to the base score when playbook_required is true.
const PlaybookBoost = 0.15

// Status is the map's lifecycle state.
type Status string

const (
	StatusDraft    Status = "draft"
	StatusActive   Status = "active"
	StatusArchived Status = "archived"
	StatusDeleted  Status = "deleted"
)

// Map is one content record. Domain fields beyond the stable set are
// carried in Extra so the repository never needs to know a caller's
// schema ahead of time; the schema validator enforces required shape at
// write time regardless.
type Map struct {
	ID                string         `json:"id" validate:"required,kebabcase"`
	CreatedAt         string         `json:"created_at" validate:"required"`
	UpdatedAt         string         `json:"updated_at" validate:"required"`
	Status            Status         `json:"status" validate:"required,oneof=draft active archived deleted"`
	Tags              []string       `json:"tags,omitempty"`
	Version           int            `json:"version,omitempty"`
	PlaybookRequired  bool           `json:"playbook_required,omitempty"`
	Extra             map[string]any `json:"-"`
}

// MarshalJSON flattens Extra alongside the stable fields so the on-disk
// shape is one object, not a nested "extra" key.
func (m Map) MarshalJSON() ([]byte, error) {
	type alias Map
	base, err := json.Marshal(alias(m))
	if err != nil {
		return nil, err
	}
	if len(m.Extra) == 0 {
		return base, nil
	}
	var merged map[string]any
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range m.Extra {
		if _, exists := merged[k]; !exists {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// UnmarshalJSON captures unknown fields into Extra.
func (m *Map) UnmarshalJSON(data []byte) error {
	type alias Map
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*m = Map(a)

	var generic map[string]any
	if err := json.Unmarshal(data, &generic); err != nil {
		return err
	}
	known := map[string]bool{
		"id": true, "created_at": true, "updated_at": true, "status": true,
		"tags": true, "version": true, "playbook_required": true,
	}
	extra := map[string]any{}
	for k, v := range generic {
		if !known[k] {
			extra[k] = v
		}
	}
	m.Extra = extra
	return nil
}

// IndexMetadata is the per-map summary stored in the map index.
type IndexMetadata struct {
	ID        string   `json:"id"`
	Tags      []string `json:"tags,omitempty"`
	Status    Status   `json:"status"`
	CreatedAt string   `json:"created_at"`
	UpdatedAt string   `json:"updated_at"`
}

// MapIndex is the single JSON file summarizing every map.
type MapIndex struct {
	Maps      []IndexMetadata `json:"maps"`
	UpdatedAt string          `json:"updated_at"`
	Version   int             `json:"version"`
}

// HotEntry is one hot-index record.
type HotEntry struct {
	MapID         string `json:"map_id"`
	AccessCount   int    `json:"access_count"`
	FirstAccessed string `json:"first_accessed"`
	LastAccessed  string `json:"last_accessed"`
}

// HotIndex is the on-disk shape of context/hot_index.json.
type HotIndex struct {
	Entries   []HotEntry `json:"entries"`
	UpdatedAt string     `json:"updated_at"`
}

// Hint drives getTopMaps' scoring.
type Hint struct {
	Tags []string
}

// Score is the per-map scoring breakdown.
type Score struct {
	Freshness float64 `json:"freshness"`
	TagsMatch float64 `json:"tags_match"`
	Semantic  float64 `json:"semantic"`
	Base      float64 `json:"base"`
	Total     float64 `json:"total"`
}

// Repository implements upsertMap/read/list/getTopMaps through the
// durability primitives.
type Repository struct {
	root      string
	clock     clockid.Clock
	logger    *zap.Logger
	validator *schema.Validator
	journal   *wal.Journal
	auditLog  *audit.Chain

	mu sync.Mutex
}

// New constructs a Repository rooted at root.
func New(root string, clock clockid.Clock, logger *zap.Logger, validator *schema.Validator, journal *wal.Journal, auditLog *audit.Chain) *Repository {
	return &Repository{root: root, clock: clock, logger: logger, validator: validator, journal: journal, auditLog: auditLog}
}

func (r *Repository) mapPath(id string) string { return filepath.Join("maps", id+".json") }
func (r *Repository) indexPath() string {
	return filepath.Join(r.root, "context", "map_index_with_triggers.json")
}
func (r *Repository) hotIndexPath() string { return filepath.Join(r.root, "context", "hot_index.json") }

// UpsertMap validates data against the "map" schema, writes maps/{id}.json
// via the WAL/AtomicWriter, updates the map index and hot index, and
// records an audit entry.
func (r *Repository) UpsertMap(id string, data map[string]any, runID string) (Map, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := clockid.RFC3339(r.clock.Now())
	existing, found, err := r.readLocked(id)
	if err != nil {
		return Map{}, err
	}

	m := buildMap(id, data, now, existing, found)

	if err := r.validator.ValidateOrThrow(m, "map"); err != nil {
		return Map{}, err
	}

	if err := r.journal.AtomicWriteJSON(r.mapPath(id), m, runID); err != nil {
		return Map{}, err
	}

	if err := r.updateIndexLocked(m); err != nil {
		return Map{}, err
	}
	if err := r.touchHotIndexLocked(id); err != nil {
		return Map{}, err
	}

	if r.auditLog != nil {
		if _, err := r.auditLog.Append(map[string]any{
			"action": "upsert_map", "map_id": id, "run_id": runID,
		}); err != nil {
			return Map{}, err
		}
	}

	return m, nil
}

func buildMap(id string, data map[string]any, now string, existing Map, found bool) Map {
	m := Map{ID: id, UpdatedAt: now, Status: StatusDraft, Extra: map[string]any{}}
	if found {
		m.CreatedAt = existing.CreatedAt
		m.Status = existing.Status
		m.Tags = existing.Tags
		m.Version = existing.Version
		m.PlaybookRequired = existing.PlaybookRequired
	} else {
		m.CreatedAt = now
	}

	for k, v := range data {
		switch k {
		case "status":
			if s, ok := v.(string); ok {
				m.Status = Status(s)
			}
		case "tags":
			m.Tags = toStringSlice(v)
		case "version":
			if f, ok := v.(float64); ok {
				m.Version = int(f)
			}
		case "playbook_required":
			if b, ok := v.(bool); ok {
				m.PlaybookRequired = b
			}
		case "id", "created_at", "updated_at":
			// stable fields are never caller-overridable
		default:
			m.Extra[k] = v
		}
	}
	return m
}

func toStringSlice(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, e := range raw {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Read returns the map and increments the hot index.
func (r *Repository) Read(id string) (Map, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, found, err := r.readLocked(id)
	if err != nil {
		return Map{}, err
	}
	if !found {
		return Map{}, ferrors.Newf(ferrors.KindNotFound, "map %q not found", id)
	}
	if err := r.touchHotIndexLocked(id); err != nil {
		return Map{}, err
	}
	return m, nil
}

func (r *Repository) readLocked(id string) (Map, bool, error) {
	data, err := os.ReadFile(filepath.Join(r.root, r.mapPath(id)))
	if os.IsNotExist(err) {
		return Map{}, false, nil
	}
	if err != nil {
		return Map{}, false, fmt.Errorf("context: read map %q: %w", id, err)
	}
	var m Map
	if err := json.Unmarshal(data, &m); err != nil {
		return Map{}, false, fmt.Errorf("context: decode map %q: %w", id, err)
	}
	return m, true, nil
}

// ListFilter narrows List's scan.
type ListFilter struct {
	Status Status
	Tag    string
}

// List scans maps/*.json, skipping malformed files with a warning, and
// returns metadata.
func (r *Repository) List(filter ListFilter) ([]IndexMetadata, error) {
	dir := filepath.Join(r.root, "maps")
	files, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("context: list maps: %w", err)
	}

	var out []IndexMetadata
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, f.Name()))
		if err != nil {
			if r.logger != nil {
				r.logger.Warn("context: skipping unreadable map file", zap.String("file", f.Name()), zap.Error(err))
			}
			continue
		}
		var m Map
		if err := json.Unmarshal(data, &m); err != nil {
			if r.logger != nil {
				r.logger.Warn("context: skipping malformed map file", zap.String("file", f.Name()), zap.Error(err))
			}
			continue
		}
		if filter.Status != "" && m.Status != filter.Status {
			continue
		}
		if filter.Tag != "" && !containsString(m.Tags, filter.Tag) {
			continue
		}
		out = append(out, IndexMetadata{ID: m.ID, Tags: m.Tags, Status: m.Status, CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt})
	}
	return out, nil
}

func containsString(ss []string, target string) bool {
	for _, s := range ss {
		if s == target {
			return true
		}
	}
	return false
}

// ComputeScore computes a map's relevance score for the given hint.
func (r *Repository) ComputeScore(m Map, hint Hint) (Score, error) {
	updatedAt, err := clockid.ParseRFC3339(m.UpdatedAt)
	if err != nil {
		updatedAt, err = clockid.ParseRFC3339(m.CreatedAt)
		if err != nil {
			return Score{}, fmt.Errorf("context: parse timestamps for %q: %w", m.ID, err)
		}
	}
	ageDays := r.clock.Now().Sub(updatedAt).Hours() / 24
	freshness := 1 - ageDays/FreshnessWindowDays
	if freshness < 0 {
		freshness = 0
	}

	var tagsMatch float64
	if len(hint.Tags) > 0 {
		tagsMatch = float64(intersectionCount(hint.Tags, m.Tags)) / float64(len(hint.Tags))
	} else {
		tagsMatch = 0.5
	}

	// semantic = 0.5 placeholder: no embedding lookup is implemented.
	semantic := 0.5

	base := 0.4*freshness + 0.2*tagsMatch + 0.4*semantic
	total := base
	if m.PlaybookRequired {
		total += PlaybookBoost
	}
	if total > 1.0 {
		total = 1.0
	}

	return Score{Freshness: freshness, TagsMatch: tagsMatch, Semantic: semantic, Base: base, Total: total}, nil
}

func intersectionCount(a, b []string) int {
	set := make(map[string]bool, len(b))
	for _, s := range b {
		set[s] = true
	}
	count := 0
	for _, s := range a {
		if set[s] {
			count++
		}
	}
	return count
}

// ScoredMap pairs a map with its computed score, for getTopMaps.
type ScoredMap struct {
	Map   Map
	Score Score
}

// GetTopMaps scores every map and returns the top limit by score.Total.
// Ties are broken by updated_at desc, then id asc.
func (r *Repository) GetTopMaps(hint Hint, limit int) ([]ScoredMap, error) {
	metas, err := r.List(ListFilter{})
	if err != nil {
		return nil, err
	}

	scored := make([]ScoredMap, 0, len(metas))
	for _, meta := range metas {
		m, found, err := r.readLocked(meta.ID)
		if err != nil || !found {
			continue
		}
		score, err := r.ComputeScore(m, hint)
		if err != nil {
			continue
		}
		scored = append(scored, ScoredMap{Map: m, Score: score})
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score.Total != scored[j].Score.Total {
			return scored[i].Score.Total > scored[j].Score.Total
		}
		if scored[i].Map.UpdatedAt != scored[j].Map.UpdatedAt {
			return scored[i].Map.UpdatedAt > scored[j].Map.UpdatedAt
		}
		return scored[i].Map.ID < scored[j].Map.ID
	})

	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}

func (r *Repository) updateIndexLocked(m Map) error {
	idx, err := r.readIndexLocked()
	if err != nil {
		return err
	}

	replaced := false
	for i := range idx.Maps {
		if idx.Maps[i].ID == m.ID {
			idx.Maps[i] = IndexMetadata{ID: m.ID, Tags: m.Tags, Status: m.Status, CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt}
			replaced = true
			break
		}
	}
	if !replaced {
		idx.Maps = append(idx.Maps, IndexMetadata{ID: m.ID, Tags: m.Tags, Status: m.Status, CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt})
	}
	idx.UpdatedAt = clockid.RFC3339(r.clock.Now())
	idx.Version++

	return writeJSONAtomic(r.indexPath(), idx)
}

func (r *Repository) readIndexLocked() (MapIndex, error) {
	data, err := os.ReadFile(r.indexPath())
	if os.IsNotExist(err) {
		return MapIndex{}, nil
	}
	if err != nil {
		return MapIndex{}, err
	}
	var idx MapIndex
	if err := json.Unmarshal(data, &idx); err != nil {
		return MapIndex{}, err
	}
	return idx, nil
}

// touchHotIndexLocked bumps map_id's access_count (or adds it at count 1),
// then enforces the 50-entry bound via a min-heap keyed by access_count,
// ties broken by oldest last_accessed.
func (r *Repository) touchHotIndexLocked(mapID string) error {
	hi, err := r.readHotIndexLocked()
	if err != nil {
		return err
	}

	now := clockid.RFC3339(r.clock.Now())
	found := false
	for i := range hi.Entries {
		if hi.Entries[i].MapID == mapID {
			hi.Entries[i].AccessCount++
			hi.Entries[i].LastAccessed = now
			found = true
			break
		}
	}
	if !found {
		hi.Entries = append(hi.Entries, HotEntry{MapID: mapID, AccessCount: 1, FirstAccessed: now, LastAccessed: now})
	}

	if len(hi.Entries) > MaxHotIndexEntries {
		hi.Entries = evictLowest(hi.Entries, MaxHotIndexEntries)
	}
	hi.UpdatedAt = now

	return writeJSONAtomic(r.hotIndexPath(), hi)
}

// evictLowest keeps the top `keep` entries by access_count (ties by most
// recent last_accessed), using container/heap as a bounded min-heap so
// the lowest-ranked entries are evicted in O(n log keep) rather than a
// full re-sort on every write.
func evictLowest(entries []HotEntry, keep int) []HotEntry {
	h := &hotHeap{}
	heap.Init(h)
	for _, e := range entries {
		heap.Push(h, e)
		if h.Len() > keep {
			heap.Pop(h)
		}
	}
	out := make([]HotEntry, h.Len())
	for i := range out {
		out[i] = (*h)[i]
	}
	return out
}

// hotHeap is a min-heap ordered by access_count ascending, ties by oldest
// last_accessed — so Pop always removes the entry evictLowest wants to
// discard first.
type hotHeap []HotEntry

func (h hotHeap) Len() int { return len(h) }
func (h hotHeap) Less(i, j int) bool {
	if h[i].AccessCount != h[j].AccessCount {
		return h[i].AccessCount < h[j].AccessCount
	}
	return h[i].LastAccessed < h[j].LastAccessed
}
func (h hotHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *hotHeap) Push(x any)   { *h = append(*h, x.(HotEntry)) }
func (h *hotHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

func (r *Repository) readHotIndexLocked() (HotIndex, error) {
	data, err := os.ReadFile(r.hotIndexPath())
	if os.IsNotExist(err) {
		return HotIndex{}, nil
	}
	if err != nil {
		return HotIndex{}, err
	}
	var hi HotIndex
	if err := json.Unmarshal(data, &hi); err != nil {
		return HotIndex{}, err
	}
	return hi, nil
}

func writeJSONAtomic(path string, v any) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
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
	if dirFile, err := os.Open(dir); err == nil {
		_ = dirFile.Sync()
		_ = dirFile.Close()
	}
	return nil
}
