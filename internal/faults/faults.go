// Package faults classifies pipeline errors and decides how the system
// responds to them: retry with backoff, escalate for manual handling, or
// abort. A co-located circuit breaker protects downstream services from
// repeated calls while they are failing.
//
// Classification is deterministic: typed sentinel errors are inspected
// first via errors.Is/errors.As, then a configurable table of message
// patterns. The resulting Classification carries everything the recovery
// orchestrator needs to choose between retrying, healing, and aborting.
package faults

import (
	"fmt"
	"time"
)

// Category identifies the failure domain of an error. The set is closed;
// anything that matches no sentinel and no pattern is CategoryUnknown.
type Category string

const (
	CategoryConnection         Category = "connection"
	CategoryTimeout            Category = "timeout"
	CategoryAuthentication     Category = "authentication"
	CategoryAuthorization      Category = "authorization"
	CategoryResource           Category = "resource"
	CategoryRateLimit          Category = "rate_limit"
	CategoryData               Category = "data"
	CategorySchema             Category = "schema"
	CategoryServiceUnavailable Category = "service_unavailable"
	CategoryConfiguration      Category = "configuration"
	CategoryDependency         Category = "dependency"
	CategoryValidation         Category = "validation"
	CategoryUnknown            Category = "unknown"
)

// Severity ranks how urgently a fault needs attention.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// bump raises severity by one level. CRITICAL is the ceiling.
func (s Severity) bump() Severity {
	switch s {
	case SeverityLow:
		return SeverityMedium
	case SeverityMedium:
		return SeverityHigh
	case SeverityHigh, SeverityCritical:
		return SeverityCritical
	default:
		return s
	}
}

// Recoverability states whether the system may act on a fault without a
// human in the loop.
type Recoverability string

const (
	// AutoRecoverable faults may be retried or healed autonomously.
	AutoRecoverable Recoverability = "AUTO_RECOVERABLE"

	// ManualRecoverable faults are surfaced for operator action. Retry
	// exhaustion escalates AutoRecoverable faults to this level.
	ManualRecoverable Recoverability = "MANUAL_RECOVERABLE"

	// NonRecoverable faults abort the operation outright.
	NonRecoverable Recoverability = "NON_RECOVERABLE"
)

// Context carries the operational situation in which an error occurred.
// RetryCount is the 1-based attempt number of the failing operation.
type Context struct {
	RetryCount int
	IsCritical bool
	Timeout    time.Duration
}

// Classification is the classifier verdict for one error value. Retry is
// populated only when Retryable is true.
type Classification struct {
	Category         Category
	Severity         Severity
	Recoverability   Recoverability
	Retryable        bool
	SuggestedActions []string
	Retry            *RetryStrategy
}

// CategorizedError pins an explicit category onto a wrapped error. Layers
// that know the failure domain at the call site (a storage driver, an HTTP
// client) wrap their errors so the classifier does not have to guess from
// message text.
type CategorizedError struct {
	Category Category
	Err      error
}

// Error implements the error interface.
func (e *CategorizedError) Error() string {
	return fmt.Sprintf("%s: %v", e.Category, e.Err)
}

// Unwrap exposes the wrapped error to errors.Is/errors.As chains.
func (e *CategorizedError) Unwrap() error {
	return e.Err
}

// Categorize wraps err with an explicit category. A nil err returns nil.
func Categorize(err error, category Category) error {
	if err == nil {
		return nil
	}

	return &CategorizedError{Category: category, Err: err}
}
