package checkin

import (
	"context"
	"database/sql/driver"
	"errors"
	"net"

	"github.com/warp/checkin-engine/ledger"
)

// ErrorKind is the failure taxonomy reported to check-in callers.
type ErrorKind string

const (
	KindNone ErrorKind = ""

	// Business rejections: expected, no retry without a state change.
	KindNoSessionsLeft ErrorKind = "NO_SESSIONS_LEFT"
	KindRecentCheckIn  ErrorKind = "RECENT_CHECK_IN"
	KindClientNotFound ErrorKind = "CLIENT_NOT_FOUND"

	// Partial-commit failures.
	KindSessionCreationFailed ErrorKind = "SESSION_CREATION_FAILED"
	KindPurchaseUpdateFailed  ErrorKind = "PURCHASE_UPDATE_FAILED"

	// Transient infrastructure: safe to retry immediately.
	KindNetworkError ErrorKind = "NETWORK_ERROR"
	KindTimeoutError ErrorKind = "TIMEOUT_ERROR"

	KindUnknownError ErrorKind = "UNKNOWN_ERROR"
)

// Kinds lists every failure kind.
var Kinds = []ErrorKind{
	KindNoSessionsLeft,
	KindRecentCheckIn,
	KindClientNotFound,
	KindSessionCreationFailed,
	KindPurchaseUpdateFailed,
	KindNetworkError,
	KindTimeoutError,
	KindUnknownError,
}

// Category groups kinds by how a caller should react.
type Category string

const (
	CategoryNone          Category = ""
	CategoryBusiness      Category = "business"
	CategoryTransient     Category = "transient"
	CategoryPartialCommit Category = "partial_commit"
	CategoryUnknown       Category = "unknown"
)

func (k ErrorKind) Category() Category {
	switch k {
	case KindNone:
		return CategoryNone
	case KindNoSessionsLeft, KindRecentCheckIn, KindClientNotFound:
		return CategoryBusiness
	case KindNetworkError, KindTimeoutError:
		return CategoryTransient
	case KindSessionCreationFailed, KindPurchaseUpdateFailed:
		return CategoryPartialCommit
	default:
		return CategoryUnknown
	}
}

// Retryable reports whether retrying the same check-in right away is safe.
// A retry after PURCHASE_UPDATE_FAILED is not: an orphaned session exists.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindNetworkError, KindTimeoutError, KindSessionCreationFailed:
		return true
	}
	return false
}

// ParseErrorKind accepts the wire form of a kind.
func ParseErrorKind(s string) (ErrorKind, bool) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, true
		}
	}
	return KindNone, false
}

// Classify maps an infrastructure error to a transient kind, or to
// KindUnknownError when the error is not recognizably transient.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeoutError
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeoutError
		}
		return KindNetworkError
	}
	if errors.Is(err, ledger.ErrStoreUnavailable) ||
		errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, context.Canceled) {
		return KindNetworkError
	}
	return KindUnknownError
}

// classifyOr returns the transient kind for err, or fallback when err is not
// an infrastructure fault.
func classifyOr(err error, fallback ErrorKind) ErrorKind {
	if k := Classify(err); k == KindNetworkError || k == KindTimeoutError {
		return k
	}
	return fallback
}
