package faults

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net"
	"os"
	"strings"
)

// DefaultMaxRetryAttempts bounds automatic retries when the caller does not
// configure a limit. Once an operation's attempt count reaches this bound,
// AUTO_RECOVERABLE escalates to MANUAL_RECOVERABLE.
const DefaultMaxRetryAttempts = 3

// transientCategories are failure domains that typically clear on their own.
// Errors in these categories classify AUTO_RECOVERABLE while retry budget
// remains.
var transientCategories = map[Category]bool{
	CategoryConnection:         true,
	CategoryTimeout:            true,
	CategoryRateLimit:          true,
	CategoryServiceUnavailable: true,
	CategoryResource:           true,
}

// messagePattern maps lowercase substrings to a category. Patterns are
// evaluated in table order; the first match wins, so more specific
// categories come before broad ones.
type messagePattern struct {
	category Category
	needles  []string
}

// defaultPatterns is the built-in message pattern table. Callers extend it
// via ClassifierConfig.ExtraPatterns; extra patterns are checked first so
// deployments can override the defaults.
var defaultPatterns = []messagePattern{
	{CategoryRateLimit, []string{"rate limit", "too many requests", "quota exceeded", "throttl"}},
	{CategoryTimeout, []string{"timeout", "timed out", "deadline exceeded"}},
	{CategoryConnection, []string{
		"connection refused", "connection reset", "broken pipe",
		"no such host", "network is unreachable", "dial tcp",
	}},
	{CategoryServiceUnavailable, []string{
		"service unavailable", "bad gateway", "temporarily unavailable", "server is shutting down",
	}},
	{CategoryAuthentication, []string{
		"authentication", "unauthenticated", "invalid credentials", "token expired", "unauthorized",
	}},
	{CategoryAuthorization, []string{"permission denied", "access denied", "forbidden", "not authorized"}},
	{CategoryResource, []string{
		"out of memory", "memory limit", "resource exhausted",
		"disk full", "no space left", "too many open files",
	}},
	{CategorySchema, []string{
		"schema mismatch", "schema change", "unknown column", "no such column",
		"column not found", "type mismatch", "incompatible type",
	}},
	{CategoryValidation, []string{"validation", "constraint violation", "invalid value", "null value in column"}},
	{CategoryData, []string{"corrupt", "malformed", "parse error", "unexpected token", "bad record"}},
	{CategoryConfiguration, []string{"configuration", "misconfigured", "missing required setting"}},
	{CategoryDependency, []string{"dependency", "upstream", "prerequisite"}},
}

// baseSeverity is the category → severity table before contextual bumps.
var baseSeverity = map[Category]Severity{
	CategoryAuthentication:     SeverityHigh,
	CategoryAuthorization:      SeverityHigh,
	CategoryConfiguration:      SeverityHigh,
	CategoryDependency:         SeverityHigh,
	CategoryConnection:         SeverityMedium,
	CategoryTimeout:            SeverityMedium,
	CategoryRateLimit:          SeverityMedium,
	CategoryResource:           SeverityMedium,
	CategoryServiceUnavailable: SeverityMedium,
	CategoryData:               SeverityMedium,
	CategorySchema:             SeverityMedium,
	CategoryValidation:         SeverityLow,
	CategoryUnknown:            SeverityMedium,
}

// suggestedActions names remediation steps per category. They surface in
// alerts and feed the recovery orchestrator's strategy selection.
var suggestedActions = map[Category][]string{
	CategoryConnection:         {"verify network connectivity", "check service endpoint", "retry with backoff"},
	CategoryTimeout:            {"retry with backoff", "increase operation timeout"},
	CategoryAuthentication:     {"refresh credentials", "verify service account"},
	CategoryAuthorization:      {"review access policy", "request required permissions"},
	CategoryResource:           {"increase memory or cpu allocation", "reduce batch size"},
	CategoryRateLimit:          {"retry with exponential backoff", "request quota increase"},
	CategoryData:               {"run data quality validation", "apply data correction"},
	CategorySchema:             {"compare registered schema versions", "plan schema evolution"},
	CategoryServiceUnavailable: {"retry after backoff", "check downstream service status"},
	CategoryConfiguration:      {"validate configuration", "restore last known good configuration"},
	CategoryDependency:         {"check upstream task status", "retry once dependency recovers"},
	CategoryValidation:         {"review validation rules", "inspect failing records"},
	CategoryUnknown:            {"inspect error details", "escalate to operator"},
}

type (
	// ClassifierConfig tunes classification behaviour.
	ClassifierConfig struct {
		// MaxRetryAttempts caps automatic retries; zero means
		// DefaultMaxRetryAttempts.
		MaxRetryAttempts int

		// ExtraPatterns are deployment-specific message patterns, checked
		// before the built-in table.
		ExtraPatterns map[Category][]string

		// Logger receives one structured record per classification.
		// Nil means slog.Default().
		Logger *slog.Logger
	}

	// Classifier turns error values into Classifications. It is stateless
	// after construction and safe for concurrent use.
	Classifier struct {
		maxRetryAttempts int
		patterns         []messagePattern
		logger           *slog.Logger
	}
)

// NewClassifier creates a Classifier from config, applying defaults for
// zero-valued fields.
func NewClassifier(config ClassifierConfig) *Classifier {
	maxRetries := config.MaxRetryAttempts
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetryAttempts
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	patterns := make([]messagePattern, 0, len(config.ExtraPatterns)+len(defaultPatterns))
	for category, needles := range config.ExtraPatterns {
		lowered := make([]string, len(needles))
		for i, needle := range needles {
			lowered[i] = strings.ToLower(needle)
		}

		patterns = append(patterns, messagePattern{category: category, needles: lowered})
	}

	patterns = append(patterns, defaultPatterns...)

	return &Classifier{
		maxRetryAttempts: maxRetries,
		patterns:         patterns,
		logger:           logger,
	}
}

// Classify produces the verdict for one error value given its operational
// context. A nil error reports an unknown, non-retryable fault.
func (c *Classifier) Classify(err error, reqCtx Context) Classification {
	if err == nil {
		return Classification{
			Category:         CategoryUnknown,
			Severity:         SeverityLow,
			Recoverability:   NonRecoverable,
			SuggestedActions: suggestedActions[CategoryUnknown],
		}
	}

	category := c.categorize(err)

	severity := baseSeverity[category]
	if reqCtx.IsCritical || reqCtx.RetryCount >= c.maxRetryAttempts {
		severity = severity.bump()
	}

	recoverability := c.recoverability(err, category, reqCtx)
	retryable := recoverability == AutoRecoverable

	classification := Classification{
		Category:         category,
		Severity:         severity,
		Recoverability:   recoverability,
		Retryable:        retryable,
		SuggestedActions: suggestedActions[category],
	}

	if retryable {
		classification.Retry = c.retryStrategy(category)
	}

	c.log(err, reqCtx, classification)

	return classification
}

// MaxRetryAttempts returns the configured retry bound.
func (c *Classifier) MaxRetryAttempts() int {
	return c.maxRetryAttempts
}

// categorize resolves the failure domain: explicit CategorizedError first,
// then known sentinel and interface types, then message patterns.
func (c *Classifier) categorize(err error) Category {
	var categorized *CategorizedError
	if errors.As(err, &categorized) {
		return categorized.Category
	}

	switch {
	case errors.Is(err, ErrCircuitOpen):
		return CategoryServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return CategoryTimeout
	case errors.Is(err, sql.ErrConnDone):
		return CategoryConnection
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CategoryTimeout
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return CategoryConnection
	}

	return c.matchPatterns(err.Error())
}

func (c *Classifier) matchPatterns(message string) Category {
	lowered := strings.ToLower(message)

	for _, pattern := range c.patterns {
		for _, needle := range pattern.needles {
			if strings.Contains(lowered, needle) {
				return pattern.category
			}
		}
	}

	return CategoryUnknown
}

// recoverability applies the escalation rules. Circuit-open and cancelled
// operations are never recovered; transient categories are AUTO until the
// retry budget is spent.
func (c *Classifier) recoverability(err error, category Category, reqCtx Context) Recoverability {
	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, context.Canceled) {
		return NonRecoverable
	}

	if !transientCategories[category] {
		return ManualRecoverable
	}

	if reqCtx.RetryCount >= c.maxRetryAttempts {
		return ManualRecoverable
	}

	return AutoRecoverable
}

// retryStrategy selects the backoff parameters for a retryable category.
func (c *Classifier) retryStrategy(category Category) *RetryStrategy {
	strategy := RetryStrategy{
		MaxRetries:    c.maxRetryAttempts,
		BackoffFactor: defaultBackoffFactor,
		MaxDelay:      defaultMaxDelay,
		JitterFactor:  defaultJitterFactor,
	}

	switch category {
	case CategoryRateLimit:
		strategy.BackoffFactor = rateLimitBackoffFactor
		strategy.MaxDelay = rateLimitMaxDelay
	case CategoryServiceUnavailable:
		strategy.MaxDelay = serviceUnavailableMaxDelay
	}

	return &strategy
}

func (c *Classifier) log(err error, reqCtx Context, classification Classification) {
	attrs := []any{
		slog.String("category", string(classification.Category)),
		slog.String("severity", string(classification.Severity)),
		slog.String("recoverability", string(classification.Recoverability)),
		slog.Bool("retryable", classification.Retryable),
		slog.Int("retry_count", reqCtx.RetryCount),
		slog.Any("error", err),
	}

	switch classification.Severity {
	case SeverityHigh, SeverityCritical:
		c.logger.Warn("fault classified", attrs...)
	default:
		c.logger.Debug("fault classified", attrs...)
	}
}
