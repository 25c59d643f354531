package ferrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindRetryableAndCategory(t *testing.T) {
	tests := []struct {
		kind     Kind
		category Category
		retry    bool
		status   int
	}{
		{KindProviderRateLimit, CategoryTransient, true, 429},
		{KindNetworkTimeout, CategoryTransient, true, 504},
		{KindServiceUnavailable, CategoryTransient, false, 503},
		{KindNotFound, CategoryPermanent, false, 404},
		{KindWALIntegrity, CategoryFatal, false, 500},
		{KindCircuitBreakerOpen, CategoryRefused, false, 503},
	}
	for _, tc := range tests {
		t.Run(string(tc.kind), func(t *testing.T) {
			assert.Equal(t, tc.category, tc.kind.Category())
			assert.Equal(t, tc.retry, tc.kind.Retryable())
			assert.Equal(t, tc.status, tc.kind.HTTPStatus())
		})
	}
}

func TestUnknownKindDefaults(t *testing.T) {
	k := Kind("NOT_A_REAL_KIND")
	assert.Equal(t, CategoryPermanent, k.Category())
	assert.False(t, k.Retryable())
	assert.Equal(t, 500, k.HTTPStatus())
}

func TestErrorMessageFormatting(t *testing.T) {
	err := New(KindNotFound, "map missing")
	assert.Equal(t, "NOT_FOUND: map missing", err.Error())

	withOp := Newf(KindSchemaInvalid, "field %s required", "id")
	withOp.Operation = "validate"
	assert.Equal(t, "validate: SCHEMA_INVALID: field id required", withOp.Error())
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("disk full")
	wrapped := Wrap(KindWALIntegrity, "write", cause)
	assert.Same(t, cause, errors.Unwrap(wrapped))
	assert.Contains(t, wrapped.Error(), "disk full")
}

func TestErrorIsMatchesOnKindOnly(t *testing.T) {
	err := Newf(KindLockTimeout, "waited 5s")
	target := New(KindLockTimeout, "")
	assert.True(t, errors.Is(err, target))

	other := New(KindNotFound, "")
	assert.False(t, errors.Is(err, other))
}

func TestFromHTTPStatus(t *testing.T) {
	tests := map[int]Kind{
		401: KindInvalidCredentials,
		403: KindInvalidCredentials,
		404: KindNotFound,
		429: KindProviderRateLimit,
		500: KindTransient5xx,
		503: KindTransient5xx,
		418: KindOperationFailed,
	}
	for status, want := range tests {
		t.Run(fmt.Sprintf("status_%d", status), func(t *testing.T) {
			assert.Equal(t, want, FromHTTPStatus(status))
		})
	}
}

func TestKindOfUnwrapsChain(t *testing.T) {
	inner := New(KindCircuitBreakerOpen, "breaker open")
	outer := fmt.Errorf("calling provider: %w", inner)

	kind, ok := KindOf(outer)
	assert.True(t, ok)
	assert.Equal(t, KindCircuitBreakerOpen, kind)

	_, ok = KindOf(errors.New("plain error"))
	assert.False(t, ok)
}
