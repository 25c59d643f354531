// Package clockid supplies the monotonic-feeling timestamps, random
// identifiers, content hashes, and canonical JSON encoding every other
// package in the core builds on.
package clockid

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Clock is the time source used by the durable core. Production code uses
// RealClock; tests substitute a fixed or steppable clock without touching
// the system wall clock.
type Clock interface {
	Now() time.Time
}

// RealClock returns the system wall clock, truncated to UTC.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now().UTC() }

// FixedClock always returns the same instant. Useful for deterministic
// hash-chain and audit tests.
type FixedClock struct {
	At time.Time
}

func (c FixedClock) Now() time.Time { return c.At }

// RFC3339 formats a timestamp the way every on-disk record expects it:
// RFC-3339 UTC with second precision is insufficient for high-frequency
// writers, so nanosecond precision is kept.
func RFC3339(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseRFC3339 is the inverse of RFC3339.
func ParseRFC3339(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// NewRunID generates a run-{unix_ms}-{8 hex} identifier per spec.
func NewRunID(c Clock) string {
	return fmt.Sprintf("run-%d-%s", c.Now().UnixMilli(), randHex8())
}

// NewIncidentID generates an incident-{unix_ms}-{8 hex} identifier per spec.
func NewIncidentID(c Clock) string {
	return fmt.Sprintf("incident-%d-%s", c.Now().UnixMilli(), randHex8())
}

func randHex8() string {
	id := uuid.New()
	return hex.EncodeToString(id[:4])
}

// Canonical encodes v as canonical JSON: object keys sorted, no insignificant
// whitespace. Hashing and checksums are always computed over this form so
// that field-order churn in a Go struct never changes a stored hash.
func Canonical(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("clockid: marshal for canonicalization: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("clockid: unmarshal for canonicalization: %w", err)
	}
	return canonicalMarshal(generic)
}

func canonicalMarshal(v any) ([]byte, error) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := []byte{'{'}
		for i, k := range keys {
			if i > 0 {
				out = append(out, ',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			out = append(out, kb...)
			out = append(out, ':')
			vb, err := canonicalMarshal(val[k])
			if err != nil {
				return nil, err
			}
			out = append(out, vb...)
		}
		out = append(out, '}')
		return out, nil
	case []any:
		out := []byte{'['}
		for i, e := range val {
			if i > 0 {
				out = append(out, ',')
			}
			eb, err := canonicalMarshal(e)
			if err != nil {
				return nil, err
			}
			out = append(out, eb...)
		}
		out = append(out, ']')
		return out, nil
	default:
		return json.Marshal(val)
	}
}

// SHA256Hex returns the lowercase hex SHA-256 digest of b.
func SHA256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// ChecksumOf returns the checksum the WAL and AtomicWriter record for a
// payload: SHA-256 hex of its canonical JSON encoding.
func ChecksumOf(payload any) (string, error) {
	canon, err := Canonical(payload)
	if err != nil {
		return "", err
	}
	return SHA256Hex(canon), nil
}
