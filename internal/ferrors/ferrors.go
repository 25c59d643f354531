// Package ferrors implements the core's closed error taxonomy: a fixed set
// of Kinds, each with a category, a retryable flag, and an HTTP status
// mapping. It replaces ad-hoc message sniffing ("contains 'rate limit'")
// with a typed value every layer can switch on.
package ferrors

import "fmt"

// Kind is the closed set of error kinds the core ever produces or accepts
// from a provider wrapper. It is a string-backed enum rather than an open
// string so exhaustiveness is checkable and typos fail at compile time at
// call sites that use the Kind* constants.
type Kind string

const (
	KindProviderRateLimit  Kind = "PROVIDER_RATE_LIMIT"
	KindNetworkTimeout     Kind = "NETWORK_TIMEOUT"
	KindTransient5xx       Kind = "TRANSIENT_5XX"
	KindServiceUnavailable Kind = "SERVICE_UNAVAILABLE"
	KindInvalidCredentials Kind = "INVALID_CREDENTIALS"
	KindNotFound           Kind = "NOT_FOUND"
	KindSchemaInvalid      Kind = "SCHEMA_INVALID"
	KindLockTimeout        Kind = "LOCK_TIMEOUT"
	KindWALIntegrity       Kind = "WAL_INTEGRITY"
	KindSafeModeReadOnly   Kind = "SAFE_MODE_READ_ONLY"
	KindCircuitBreakerOpen Kind = "CIRCUIT_BREAKER_OPEN"
	KindOperationFailed    Kind = "OPERATION_FAILED"
)

// Category groups kinds for logging and metrics, mirroring the teacher's
// ErrorSeverity-adjacent grouping in internal/errors/unified_errors.go.
type Category string

const (
	CategoryTransient Category = "transient"
	CategoryPermanent Category = "permanent"
	CategoryFatal     Category = "fatal"
	CategoryRefused   Category = "refused"
)

type kindInfo struct {
	category   Category
	retryable  bool
	httpStatus int
}

var registry = map[Kind]kindInfo{
	KindProviderRateLimit:  {CategoryTransient, true, 429},
	KindNetworkTimeout:     {CategoryTransient, true, 504},
	KindTransient5xx:       {CategoryTransient, true, 503},
	KindServiceUnavailable: {CategoryTransient, false, 503},
	KindInvalidCredentials: {CategoryPermanent, false, 401},
	KindNotFound:           {CategoryPermanent, false, 404},
	KindSchemaInvalid:      {CategoryPermanent, false, 400},
	KindLockTimeout:        {CategoryPermanent, false, 409},
	KindWALIntegrity:       {CategoryFatal, false, 500},
	KindSafeModeReadOnly:   {CategoryRefused, false, 503},
	KindCircuitBreakerOpen: {CategoryRefused, false, 503},
	KindOperationFailed:    {CategoryPermanent, false, 500},
}

// Category returns the category of k, or CategoryPermanent if k is unknown.
func (k Kind) Category() Category {
	if info, ok := registry[k]; ok {
		return info.category
	}
	return CategoryPermanent
}

// Retryable reports whether the retry layer should retry an error of this
// kind. Retry never inspects anything but this flag.
func (k Kind) Retryable() bool {
	return registry[k].retryable
}

// HTTPStatus returns the status code a provider-facing HTTP surface should
// map this kind to.
func (k Kind) HTTPStatus() int {
	if status := registry[k].httpStatus; status != 0 {
		return status
	}
	return 500
}

// Error is the single error type the core raises and accepts. It carries a
// Kind, a human message, the operation that failed, and an optional wrapped
// cause, grounded on the teacher's ErrorBuilder/UnifiedError pattern but
// narrowed to the closed Kind set above.
type Error struct {
	Kind      Kind
	Message   string
	Operation string
	Cause     error
}

func (e *Error) Error() string {
	if e.Operation != "" {
		return fmt.Sprintf("%s: %s: %s", e.Operation, e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is supports errors.Is(err, ferrors.New(kind, "")) comparisons on Kind
// alone, ignoring message and cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New constructs an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf constructs an *Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an *Error of the given kind that carries cause as its
// wrapped Unwrap() target.
func Wrap(kind Kind, operation string, cause error) *Error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return &Error{Kind: kind, Message: msg, Operation: operation, Cause: cause}
}

// FromHTTPStatus maps a provider HTTP status code to a Kind:
// 401/403 -> INVALID_CREDENTIALS, 404 -> NOT_FOUND, 429 -> PROVIDER_RATE_LIMIT,
// 5xx -> TRANSIENT_5XX, anything else -> OPERATION_FAILED.
func FromHTTPStatus(status int) Kind {
	switch {
	case status == 401 || status == 403:
		return KindInvalidCredentials
	case status == 404:
		return KindNotFound
	case status == 429:
		return KindProviderRateLimit
	case status >= 500 && status < 600:
		return KindTransient5xx
	default:
		return KindOperationFailed
	}
}

// KindOf extracts the Kind of err if it is (or wraps) an *Error, and reports
// whether one was found.
func KindOf(err error) (Kind, bool) {
	var fe *Error
	if ok := asError(err, &fe); ok {
		return fe.Kind, true
	}
	return "", false
}

func asError(err error, target **Error) bool {
	for err != nil {
		if fe, ok := err.(*Error); ok {
			*target = fe
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}
