package config

import (
	"errors"
	"fmt"
	"time"
)

// HealingMode controls how much autonomy the healing core has.
type HealingMode string

const (
	// HealingDisabled classifies and records issues but never plans or runs corrections.
	HealingDisabled HealingMode = "disabled"

	// HealingAdvisory runs the full analysis and records a recommendation, but parks
	// every healing execution at the approval gate instead of running an engine.
	HealingAdvisory HealingMode = "advisory"

	// HealingAutomatic runs the full loop including engine execution when confidence allows.
	HealingAutomatic HealingMode = "automatic"
)

// IsValid returns true if the healing mode is one of the recognized values.
func (m HealingMode) IsValid() bool {
	switch m {
	case HealingDisabled, HealingAdvisory, HealingAutomatic:
		return true
	default:
		return false
	}
}

// String returns the string representation of the healing mode.
func (m HealingMode) String() string {
	return string(m)
}

// Defaults for the process-wide settings. Threshold and attempt defaults are part
// of the healing contract; changing them changes which issues are auto-remediated.
const (
	DefaultConfidenceThreshold             = 0.85
	DefaultMaxRetryAttempts                = 5
	DefaultMaxRecoveryAttempts             = 3
	DefaultApprovalRequiredBelowConfidence = 0.9
	DefaultActionSuccessThreshold          = 0.6
	DefaultOrphanTimeoutMinutes            = 30
	DefaultApprovalTimeoutHours            = 24
	DefaultHealingQueueDepth               = 10
	DefaultBreakerFailureThreshold         = 5
	DefaultBreakerResetTimeout             = 60 * time.Second
	DefaultFeedbackRetentionDays           = 90
	DefaultPatternMinOccurrences           = 3
	DefaultRelatedEventWindowMinutes       = 15
	DefaultCausalityGraphDepth             = 3
)

// Sentinel errors for settings validation failures.
var (
	ErrInvalidHealingMode        = errors.New("healing mode must be one of: disabled, advisory, automatic")
	ErrInvalidThreshold          = errors.New("threshold must be in [0, 1]")
	ErrInvalidAttemptLimit       = errors.New("attempt limit must be positive")
	ErrInvalidQueueDepth         = errors.New("healing queue depth must be positive")
	ErrInvalidTimeout            = errors.New("timeout must be positive")
	ErrInvalidBreakerThreshold   = errors.New("circuit breaker failure threshold must be positive")
	ErrInvalidRetentionWindow    = errors.New("feedback retention must be positive")
	ErrInvalidOccurrenceFloor    = errors.New("pattern occurrence floor must be positive")
	ErrInvalidCausalityDepth     = errors.New("causality graph depth must be positive")
	ErrInvalidRelatedEventWindow = errors.New("related event window must be positive")
)

// Settings is the process-wide configuration object shared by the healing core.
//
// It is loaded once at startup from environment variables and passed by pointer
// into every component; fields are read-only after LoadSettings returns.
type Settings struct {
	// Environment tags every metadata record (e.g. "production", "staging").
	Environment string

	// HealingMode gates how far the healing loop is allowed to go.
	HealingMode HealingMode

	// ConfidenceThreshold is the minimum classification confidence required before
	// a classification keeps its automatic recoverability.
	ConfidenceThreshold float64

	// ApprovalRequiredBelowConfidence routes healing executions with lower
	// confidence through the approval gate.
	ApprovalRequiredBelowConfidence float64

	// ActionSuccessThreshold is the minimum historical success rate an active
	// action needs to be auto-selected.
	ActionSuccessThreshold float64

	// MaxRetryAttempts caps in-place retries before AUTO recoverability is
	// escalated to MANUAL.
	MaxRetryAttempts int

	// MaxRecoveryAttempts caps healing executions per (execution, issue signature).
	MaxRecoveryAttempts int

	// HealingQueueDepth bounds queued healing work per pipeline.
	HealingQueueDepth int

	// OrphanTimeout is how long an IN_PROGRESS healing execution may go without
	// progress before the sweeper fails it as cancelled.
	OrphanTimeout time.Duration

	// ApprovalTimeout is how long an execution may wait at the approval gate
	// before it is auto-rejected.
	ApprovalTimeout time.Duration

	// BreakerFailureThreshold and BreakerResetTimeout are circuit-breaker defaults.
	BreakerFailureThreshold int
	BreakerResetTimeout     time.Duration

	// FeedbackRetention bounds the learning feedback window.
	FeedbackRetention time.Duration

	// PatternMinOccurrences is the cluster size at which the learner promotes
	// recurring unmatched issues into a new pattern.
	PatternMinOccurrences int

	// RelatedEventWindow bounds the root-cause analyzer's metadata fetches.
	RelatedEventWindow time.Duration

	// CausalityGraphDepth bounds the root-cause causality graph.
	CausalityGraphDepth int
}

// LoadSettings loads the process-wide settings from environment variables,
// falling back to the documented defaults, and validates the result.
func LoadSettings() (*Settings, error) {
	s := &Settings{
		Environment:                     GetEnvStr("ENVIRONMENT", "development"),
		HealingMode:                     HealingMode(GetEnvStr("HEALING_MODE", string(HealingAutomatic))),
		ConfidenceThreshold:             GetEnvFloat("CONFIDENCE_THRESHOLD", DefaultConfidenceThreshold),
		ApprovalRequiredBelowConfidence: GetEnvFloat("APPROVAL_REQUIRED_BELOW_CONFIDENCE", DefaultApprovalRequiredBelowConfidence),
		ActionSuccessThreshold:          GetEnvFloat("ACTION_SUCCESS_THRESHOLD", DefaultActionSuccessThreshold),
		MaxRetryAttempts:                GetEnvInt("MAX_RETRY_ATTEMPTS", DefaultMaxRetryAttempts),
		MaxRecoveryAttempts:             GetEnvInt("MAX_RECOVERY_ATTEMPTS", DefaultMaxRecoveryAttempts),
		HealingQueueDepth:               GetEnvInt("HEALING_QUEUE_DEPTH", DefaultHealingQueueDepth),
		OrphanTimeout:                   time.Duration(GetEnvInt("ORPHAN_TIMEOUT_MINUTES", DefaultOrphanTimeoutMinutes)) * time.Minute,
		ApprovalTimeout:                 time.Duration(GetEnvInt("APPROVAL_TIMEOUT_HOURS", DefaultApprovalTimeoutHours)) * time.Hour,
		BreakerFailureThreshold:         GetEnvInt("CIRCUIT_FAILURE_THRESHOLD", DefaultBreakerFailureThreshold),
		BreakerResetTimeout:             GetEnvDuration("CIRCUIT_RESET_TIMEOUT", DefaultBreakerResetTimeout),
		FeedbackRetention:               time.Duration(GetEnvInt("FEEDBACK_RETENTION_DAYS", DefaultFeedbackRetentionDays)) * 24 * time.Hour,
		PatternMinOccurrences:           GetEnvInt("PATTERN_MIN_OCCURRENCES", DefaultPatternMinOccurrences),
		RelatedEventWindow:              time.Duration(GetEnvInt("RELATED_EVENT_WINDOW_MINUTES", DefaultRelatedEventWindowMinutes)) * time.Minute,
		CausalityGraphDepth:             GetEnvInt("CAUSALITY_GRAPH_DEPTH", DefaultCausalityGraphDepth),
	}

	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("settings validation failed: %w", err)
	}

	return s, nil
}

// Validate checks that all settings fall inside their documented ranges.
func (s *Settings) Validate() error {
	if !s.HealingMode.IsValid() {
		return fmt.Errorf("%w: got %q", ErrInvalidHealingMode, s.HealingMode)
	}

	for name, v := range map[string]float64{
		"CONFIDENCE_THRESHOLD":               s.ConfidenceThreshold,
		"APPROVAL_REQUIRED_BELOW_CONFIDENCE": s.ApprovalRequiredBelowConfidence,
		"ACTION_SUCCESS_THRESHOLD":           s.ActionSuccessThreshold,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%w: %s=%v", ErrInvalidThreshold, name, v)
		}
	}

	if s.MaxRetryAttempts <= 0 || s.MaxRecoveryAttempts <= 0 {
		return ErrInvalidAttemptLimit
	}

	if s.HealingQueueDepth <= 0 {
		return ErrInvalidQueueDepth
	}

	if s.OrphanTimeout <= 0 || s.ApprovalTimeout <= 0 || s.BreakerResetTimeout <= 0 {
		return ErrInvalidTimeout
	}

	if s.BreakerFailureThreshold <= 0 {
		return ErrInvalidBreakerThreshold
	}

	if s.FeedbackRetention <= 0 {
		return ErrInvalidRetentionWindow
	}

	if s.PatternMinOccurrences <= 0 {
		return ErrInvalidOccurrenceFloor
	}

	if s.CausalityGraphDepth <= 0 {
		return ErrInvalidCausalityDepth
	}

	if s.RelatedEventWindow <= 0 {
		return ErrInvalidRelatedEventWindow
	}

	return nil
}

// String returns a loggable representation of the settings.
func (s *Settings) String() string {
	return fmt.Sprintf(
		"Settings{Environment: %s, HealingMode: %s, ConfidenceThreshold: %.2f, ApprovalBelow: %.2f, MaxRetry: %d, MaxRecovery: %d, QueueDepth: %d, OrphanTimeout: %s, ApprovalTimeout: %s}",
		s.Environment,
		s.HealingMode,
		s.ConfidenceThreshold,
		s.ApprovalRequiredBelowConfidence,
		s.MaxRetryAttempts,
		s.MaxRecoveryAttempts,
		s.HealingQueueDepth,
		s.OrphanTimeout,
		s.ApprovalTimeout,
	)
}
