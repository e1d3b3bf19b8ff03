package correction

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/pipemend-io/pipemend/internal/config"
	"github.com/pipemend-io/pipemend/internal/issues"
)

// Pipeline adjustment strategies.
const (
	StrategyIncreaseTimeout       = "increase_timeout"
	StrategyOptimizeExecution     = "optimize_execution"
	StrategyIncreaseResources     = "increase_resources"
	StrategyOptimizeResourceUsage = "optimize_resource_usage"
	StrategyFixConfiguration      = "fix_configuration"
	StrategyUseDefaultConfig      = "use_default_config"
	StrategyRetryWithBackoff      = "retry_with_backoff"
	StrategySkipDependency        = "skip_dependency"
)

// DefaultPolicyPath is the default location for the adjuster policy file.
const DefaultPolicyPath = ".pipemend.yaml"

// PolicyPathEnvVar is the environment variable naming a custom policy path.
const PolicyPathEnvVar = "ADJUSTER_POLICY_PATH"

// Policy ceilings applied when the policy file sets none.
const (
	defaultMaxTimeoutSeconds = 3600
	defaultMaxParallelism    = 16
	defaultMaxBackoffSeconds = 3600
	defaultMaxMemoryMB       = 65536
	defaultMaxCPUCores       = 32
)

// defaultResourceFactor is the scaling step increase_resources applies to
// memory and cpu when the action parameters name no factor.
const defaultResourceFactor = 1.5

// pipelinePriors are the per-strategy base confidences. Targeted, reversible
// adjustments score higher than structural ones.
var pipelinePriors = map[string]float64{
	StrategyIncreaseTimeout:       0.85,
	StrategyOptimizeExecution:     0.7,
	StrategyIncreaseResources:     0.8,
	StrategyOptimizeResourceUsage: 0.7,
	StrategyFixConfiguration:      0.8,
	StrategyUseDefaultConfig:      0.75,
	StrategyRetryWithBackoff:      0.85,
	StrategySkipDependency:        0.6,
}

type (
	// AdjusterPolicy bounds what the pipeline adjuster may change. It is
	// loaded from a YAML file so operators can tighten the limits without
	// a rebuild.
	//
	//nolint:tagliatelle // snake_case is intentional for YAML config files
	AdjusterPolicy struct {
		// CriticalFields are config keys no strategy may modify.
		CriticalFields []string `yaml:"critical_fields"`

		// MaxTimeoutSeconds caps increase_timeout.
		MaxTimeoutSeconds float64 `yaml:"max_timeout_seconds"`

		// MaxParallelism caps optimize_execution.
		MaxParallelism float64 `yaml:"max_parallelism"`

		// MaxBackoffSeconds caps retry_with_backoff delays.
		MaxBackoffSeconds float64 `yaml:"max_backoff_seconds"`

		// MaxMemoryMB and MaxCPUCores cap increase_resources.
		MaxMemoryMB float64 `yaml:"max_memory_mb"`
		MaxCPUCores float64 `yaml:"max_cpu_cores"`
	}

	// PipelineAdjuster fixes pipeline execution issues by producing an
	// adjusted copy of the pipeline configuration. The original config is
	// never mutated.
	PipelineAdjuster struct {
		policy *AdjusterPolicy
		logger *slog.Logger
	}

	// PipelineAdjusterConfig configures a PipelineAdjuster. A nil Policy
	// falls back to DefaultAdjusterPolicy.
	PipelineAdjusterConfig struct {
		Policy *AdjusterPolicy
		Logger *slog.Logger
	}
)

// DefaultAdjusterPolicy returns the built-in adjustment limits.
func DefaultAdjusterPolicy() *AdjusterPolicy {
	return &AdjusterPolicy{
		CriticalFields:    []string{"pipeline_id", "source", "destination", "owner"},
		MaxTimeoutSeconds: defaultMaxTimeoutSeconds,
		MaxParallelism:    defaultMaxParallelism,
		MaxBackoffSeconds: defaultMaxBackoffSeconds,
		MaxMemoryMB:       defaultMaxMemoryMB,
		MaxCPUCores:       defaultMaxCPUCores,
	}
}

// LoadAdjusterPolicy loads the adjustment policy from a YAML file.
//
// Behavior:
//   - Returns the default policy (not an error) if the file doesn't exist
//   - Returns the default policy + logs a warning if the YAML is invalid
//   - Returns the file's policy, with defaults filling unset fields, on success
//
// This graceful degradation keeps the healing core runnable without a
// policy file; the defaults are deliberately conservative.
func LoadAdjusterPolicy(path string) (*AdjusterPolicy, error) {
	policy := DefaultAdjusterPolicy()

	data, err := os.ReadFile(path) //nolint:gosec // path is from trusted config source
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Debug("Policy file not found, using default adjustment limits",
				slog.String("path", path))

			return policy, nil
		}

		slog.Warn("Failed to read policy file, using default adjustment limits",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return policy, nil
	}

	if len(data) == 0 {
		return policy, nil
	}

	loaded := &AdjusterPolicy{}
	if err := yaml.Unmarshal(data, loaded); err != nil {
		slog.Warn("Failed to parse policy file, using default adjustment limits",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return DefaultAdjusterPolicy(), nil
	}

	if len(loaded.CriticalFields) == 0 {
		loaded.CriticalFields = policy.CriticalFields
	}

	if loaded.MaxTimeoutSeconds <= 0 {
		loaded.MaxTimeoutSeconds = policy.MaxTimeoutSeconds
	}

	if loaded.MaxParallelism <= 0 {
		loaded.MaxParallelism = policy.MaxParallelism
	}

	if loaded.MaxBackoffSeconds <= 0 {
		loaded.MaxBackoffSeconds = policy.MaxBackoffSeconds
	}

	if loaded.MaxMemoryMB <= 0 {
		loaded.MaxMemoryMB = policy.MaxMemoryMB
	}

	if loaded.MaxCPUCores <= 0 {
		loaded.MaxCPUCores = policy.MaxCPUCores
	}

	return loaded, nil
}

// LoadAdjusterPolicyFromEnv loads the policy from the path in
// ADJUSTER_POLICY_PATH, falling back to ".pipemend.yaml".
func LoadAdjusterPolicyFromEnv() (*AdjusterPolicy, error) {
	path := config.GetEnvStr(PolicyPathEnvVar, DefaultPolicyPath)

	return LoadAdjusterPolicy(path)
}

// NewPipelineAdjuster creates a pipeline adjustment engine.
func NewPipelineAdjuster(cfg PipelineAdjusterConfig) *PipelineAdjuster {
	policy := cfg.Policy
	if policy == nil {
		policy = DefaultAdjusterPolicy()
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &PipelineAdjuster{
		policy: policy,
		logger: logger,
	}
}

// Name identifies the engine.
func (a *PipelineAdjuster) Name() string {
	return "pipeline_adjuster"
}

// CanHandle accepts pipeline execution issues.
func (a *PipelineAdjuster) CanHandle(classification *issues.IssueClassification) bool {
	return classification != nil && classification.Category == issues.CategoryPipeline
}

// Apply produces an adjusted copy of the pipeline configuration in the
// original state. Every strategy declares which keys it may change; the
// validator rejects corrections that drift outside that set or touch a
// critical field.
func (a *PipelineAdjuster) Apply(_ context.Context, req Request) (*CorrectionResult, error) {
	if len(req.OriginalState) == 0 {
		return nil, fmt.Errorf("%w: pipeline adjustment needs the pipeline config", ErrMissingState)
	}

	strategy := stringParam(req.Parameters, "strategy", "")
	if strategy == "" {
		strategy = strategyForPipelineIssue(req.Classification)
	}

	if strategy == "" {
		return nil, fmt.Errorf("%w: no pipeline strategy for issue", ErrNoStrategy)
	}

	prior, ok := pipelinePriors[strategy]
	if !ok {
		return nil, fmt.Errorf("%w: unknown pipeline strategy %q", ErrNoStrategy, strategy)
	}

	corrected, err := cloneState(req.OriginalState)
	if err != nil {
		return nil, err
	}

	allowed, stats, err := a.adjust(strategy, corrected, req)
	if err != nil {
		return nil, err
	}

	changed := changedKeys(req.OriginalState, corrected)
	if err := validateChanges(strategy, changed, allowed, a.policy.CriticalFields); err != nil {
		return nil, err
	}

	result := &CorrectionResult{
		CorrectionID:  uuid.NewString(),
		Strategy:      strategy,
		OriginalState: req.OriginalState,
		Confidence:    Confidence(prior, historicalRate(req), classificationConfidence(req)),
		Metadata:      stats,
	}

	if len(changed) == 0 {
		a.logger.Info("pipeline adjustment found nothing to change", "strategy", strategy)

		return result, nil
	}

	result.Successful = true
	result.CorrectedState = corrected
	result.Metadata["changed_fields"] = changed

	a.logger.Info("pipeline adjustment computed",
		"strategy", strategy,
		"changed_fields", changed)

	return result, nil
}

// adjust dispatches to the strategy, mutating the corrected copy in place.
// It returns the keys the strategy is allowed to change.
func (a *PipelineAdjuster) adjust(strategy string, corrected map[string]any, req Request) ([]string, map[string]any, error) {
	switch strategy {
	case StrategyIncreaseTimeout:
		return a.increaseTimeout(corrected, req.Parameters)
	case StrategyOptimizeExecution:
		return a.optimizeExecution(corrected, req.Parameters)
	case StrategyIncreaseResources:
		return a.increaseResources(corrected, req.Parameters)
	case StrategyOptimizeResourceUsage:
		return a.optimizeResourceUsage(corrected, req.Parameters)
	case StrategyFixConfiguration:
		return a.fixConfiguration(corrected, req.Parameters)
	case StrategyUseDefaultConfig:
		return a.useDefaultConfig(corrected, req.Parameters)
	case StrategyRetryWithBackoff:
		return a.retryWithBackoff(corrected, req.Parameters)
	case StrategySkipDependency:
		return a.skipDependency(corrected, req)
	default:
		return nil, nil, fmt.Errorf("%w: unknown pipeline strategy %q", ErrNoStrategy, strategy)
	}
}

// strategyForPipelineIssue derives a strategy from the classified issue
// type when the action parameters name none.
func strategyForPipelineIssue(classification *issues.IssueClassification) string {
	if classification == nil {
		return ""
	}

	switch classification.IssueType {
	case "task_timeout":
		return StrategyIncreaseTimeout
	case "resource_exhaustion":
		return StrategyIncreaseResources
	case "invalid_configuration":
		return StrategyFixConfiguration
	case "dependency_failure":
		return StrategyRetryWithBackoff
	default:
		return ""
	}
}

func (a *PipelineAdjuster) increaseTimeout(corrected map[string]any, params map[string]any) ([]string, map[string]any, error) {
	current, ok := asNumber(corrected["timeout_seconds"])
	if !ok {
		return nil, nil, fmt.Errorf("%w: config has no timeout_seconds", ErrMissingState)
	}

	factor := floatParam(params, "timeout_factor", 2)

	next := current * factor
	if next > a.policy.MaxTimeoutSeconds {
		next = a.policy.MaxTimeoutSeconds
	}

	stats := map[string]any{"timeout_before": current, "timeout_after": next}

	if next > current {
		corrected["timeout_seconds"] = next
	}

	return []string{"timeout_seconds"}, stats, nil
}

func (a *PipelineAdjuster) optimizeExecution(corrected map[string]any, params map[string]any) ([]string, map[string]any, error) {
	stats := map[string]any{}

	if batch, ok := asNumber(corrected["batch_size"]); ok && batch > 1 {
		next := float64(int(batch / 2))
		if next < 1 {
			next = 1
		}

		corrected["batch_size"] = next
		stats["batch_size_before"] = batch
		stats["batch_size_after"] = next
	}

	if parallelism, ok := asNumber(corrected["parallelism"]); ok && parallelism < a.policy.MaxParallelism {
		next := parallelism * 2
		if next > a.policy.MaxParallelism {
			next = a.policy.MaxParallelism
		}

		corrected["parallelism"] = next
		stats["parallelism_before"] = parallelism
		stats["parallelism_after"] = next
	}

	return []string{"batch_size", "parallelism"}, stats, nil
}

// increaseResources scales the pipeline's memory and cpu requests by 1.5×
// (or the factors in the action parameters), capped by the policy ceilings.
func (a *PipelineAdjuster) increaseResources(corrected map[string]any, params map[string]any) ([]string, map[string]any, error) {
	memory, hasMemory := asNumber(corrected["memory_mb"])
	cores, hasCores := asNumber(corrected["cpu_cores"])

	if !hasMemory && !hasCores {
		return nil, nil, fmt.Errorf("%w: config has neither memory_mb nor cpu_cores", ErrMissingState)
	}

	stats := map[string]any{}

	if hasMemory {
		next := memory * floatParam(params, "memory_factor", defaultResourceFactor)
		if next > a.policy.MaxMemoryMB {
			next = a.policy.MaxMemoryMB
		}

		stats["memory_mb_before"] = memory
		stats["memory_mb_after"] = next

		if next > memory {
			corrected["memory_mb"] = next
		}
	}

	if hasCores {
		next := cores * floatParam(params, "cpu_factor", defaultResourceFactor)
		if next > a.policy.MaxCPUCores {
			next = a.policy.MaxCPUCores
		}

		stats["cpu_cores_before"] = cores
		stats["cpu_cores_after"] = next

		if next > cores {
			corrected["cpu_cores"] = next
		}
	}

	return []string{"memory_mb", "cpu_cores"}, stats, nil
}

// optimizeResourceUsage trades throughput for footprint: smaller batches and
// fewer parallel workers lower peak memory without asking for new capacity.
func (a *PipelineAdjuster) optimizeResourceUsage(corrected map[string]any, params map[string]any) ([]string, map[string]any, error) {
	stats := map[string]any{}

	if batch, ok := asNumber(corrected["batch_size"]); ok && batch > 1 {
		next := float64(int(batch / 2))
		if next < 1 {
			next = 1
		}

		corrected["batch_size"] = next
		stats["batch_size_before"] = batch
		stats["batch_size_after"] = next
	}

	if parallelism, ok := asNumber(corrected["parallelism"]); ok && parallelism > 1 {
		next := float64(int(parallelism / 2))
		if next < 1 {
			next = 1
		}

		corrected["parallelism"] = next
		stats["parallelism_before"] = parallelism
		stats["parallelism_after"] = next
	}

	return []string{"batch_size", "parallelism"}, stats, nil
}

func (a *PipelineAdjuster) fixConfiguration(corrected map[string]any, params map[string]any) ([]string, map[string]any, error) {
	fixes, ok := params["config_fixes"].(map[string]any)
	if !ok || len(fixes) == 0 {
		return nil, nil, fmt.Errorf("%w: fix_configuration needs config_fixes", ErrMissingState)
	}

	allowed := make([]string, 0, len(fixes))

	for key, value := range fixes {
		corrected[key] = value
		allowed = append(allowed, key)
	}

	sort.Strings(allowed)

	return allowed, map[string]any{"fixes_applied": len(fixes)}, nil
}

func (a *PipelineAdjuster) useDefaultConfig(corrected map[string]any, params map[string]any) ([]string, map[string]any, error) {
	section := stringParam(params, "section", "")
	defaults, ok := params["default_config"].(map[string]any)

	if section == "" || !ok {
		return nil, nil, fmt.Errorf("%w: use_default_config needs section and default_config", ErrMissingState)
	}

	corrected[section] = defaults

	return []string{section}, map[string]any{"section": section}, nil
}

func (a *PipelineAdjuster) retryWithBackoff(corrected map[string]any, params map[string]any) ([]string, map[string]any, error) {
	initial := floatParam(params, "initial_delay_seconds", 60)
	factor := floatParam(params, "backoff_factor", 2)
	maxDelay := floatParam(params, "max_delay_seconds", a.policy.MaxBackoffSeconds)
	retries := floatParam(params, "max_retries", 3)

	if maxDelay > a.policy.MaxBackoffSeconds {
		maxDelay = a.policy.MaxBackoffSeconds
	}

	corrected["retry_policy"] = map[string]any{
		"initial_delay_seconds": initial,
		"backoff_factor":        factor,
		"max_delay_seconds":     maxDelay,
		"max_retries":           retries,
	}

	return []string{"retry_policy"}, map[string]any{"max_retries": retries}, nil
}

func (a *PipelineAdjuster) skipDependency(corrected map[string]any, req Request) ([]string, map[string]any, error) {
	dependency := stringParam(req.Parameters, "dependency", "")
	if dependency == "" && req.Classification != nil {
		if name, ok := req.Classification.Features["dependency"].(string); ok {
			dependency = name
		}
	}

	if dependency == "" {
		return nil, nil, fmt.Errorf("%w: skip_dependency needs the dependency name", ErrMissingState)
	}

	for _, critical := range stringSlice(corrected["critical_dependencies"]) {
		if critical == dependency {
			return nil, nil, fmt.Errorf("%w: dependency %q is critical and cannot be skipped",
				ErrValidationFailed, dependency)
		}
	}

	dependencies := stringSlice(corrected["dependencies"])
	kept := make([]any, 0, len(dependencies))

	for _, name := range dependencies {
		if name != dependency {
			kept = append(kept, name)
		}
	}

	if len(kept) < len(dependencies) {
		corrected["dependencies"] = kept
	}

	stats := map[string]any{"dependency": dependency, "skipped": len(kept) < len(dependencies)}

	return []string{"dependencies"}, stats, nil
}

// validateChanges rejects corrections that changed keys outside the
// strategy's declared set or touched a critical field.
func validateChanges(strategy string, changed, allowed, critical []string) error {
	allowedSet := make(map[string]bool, len(allowed))
	for _, key := range allowed {
		allowedSet[key] = true
	}

	criticalSet := make(map[string]bool, len(critical))
	for _, key := range critical {
		criticalSet[key] = true
	}

	for _, key := range changed {
		if criticalSet[key] {
			return fmt.Errorf("%w: strategy %s modified critical field %q",
				ErrValidationFailed, strategy, key)
		}

		if !allowedSet[key] {
			return fmt.Errorf("%w: strategy %s modified unexpected field %q",
				ErrValidationFailed, strategy, key)
		}
	}

	return nil
}

// cloneState deep-copies a state map through a JSON round trip, which also
// normalizes all numbers to float64.
func cloneState(state map[string]any) (map[string]any, error) {
	encoded, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("failed to clone state: %w", err)
	}

	var clone map[string]any
	if err := json.Unmarshal(encoded, &clone); err != nil {
		return nil, fmt.Errorf("failed to clone state: %w", err)
	}

	return clone, nil
}

// changedKeys lists the top-level keys whose values differ between the
// original and corrected states.
func changedKeys(original, corrected map[string]any) []string {
	keys := map[string]bool{}

	for key := range original {
		keys[key] = true
	}

	for key := range corrected {
		keys[key] = true
	}

	changed := make([]string, 0, len(keys))

	for key := range keys {
		if !sameValue(original[key], corrected[key]) {
			changed = append(changed, key)
		}
	}

	sort.Strings(changed)

	return changed
}

// sameValue compares two values through their canonical JSON encoding.
func sameValue(a, b any) bool {
	left, errLeft := json.Marshal(a)
	right, errRight := json.Marshal(b)

	if errLeft != nil || errRight != nil {
		return false
	}

	return bytes.Equal(left, right)
}

func stringSlice(value any) []string {
	raw, ok := value.([]any)
	if !ok {
		return nil
	}

	values := make([]string, 0, len(raw))

	for _, entry := range raw {
		if text, ok := entry.(string); ok {
			values = append(values, text)
		}
	}

	return values
}
