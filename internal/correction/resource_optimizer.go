package correction

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/google/uuid"

	"github.com/pipemend-io/pipemend/internal/issues"
)

// Resource optimization strategies.
const (
	StrategyScaleQuerySlots      = "scale_query_slots"
	StrategyResizeWorkerPool     = "resize_worker_pool"
	StrategyAdjustMemoryHeadroom = "adjust_memory_headroom"
	StrategyPruneCache           = "prune_cache"
)

// Allocation ceilings and floors applied when the action parameters set
// none.
const (
	defaultMaxQuerySlots  = 100
	defaultMaxWorkers     = 32
	defaultMaxHeadroomMB  = 16384
	defaultMinCacheMB     = 64
	defaultScaleFactor    = 1.5
	saturatedScaleFactor  = 2.0
	defaultRetainFraction = 0.5
)

// resourcePriors are the per-strategy base confidences.
var resourcePriors = map[string]float64{
	StrategyScaleQuerySlots:      0.8,
	StrategyResizeWorkerPool:     0.8,
	StrategyAdjustMemoryHeadroom: 0.85,
	StrategyPruneCache:           0.75,
}

type (
	// ResourceOptimizer fixes capacity issues by producing an adjusted
	// copy of the resource allocation: query slots, worker pool size,
	// memory headroom, and cache size.
	ResourceOptimizer struct {
		logger *slog.Logger
	}

	// ResourceOptimizerConfig configures a ResourceOptimizer.
	ResourceOptimizerConfig struct {
		Logger *slog.Logger
	}
)

// NewResourceOptimizer creates a resource optimization engine.
func NewResourceOptimizer(config ResourceOptimizerConfig) *ResourceOptimizer {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &ResourceOptimizer{logger: logger}
}

// Name identifies the engine.
func (o *ResourceOptimizer) Name() string {
	return "resource_optimizer"
}

// CanHandle accepts resource and capacity issues.
func (o *ResourceOptimizer) CanHandle(classification *issues.IssueClassification) bool {
	return classification != nil && classification.Category == issues.CategoryResource
}

// Apply produces an adjusted copy of the allocation in the original state.
// Each strategy touches exactly one knob and respects its ceiling or
// floor; the validator rejects anything beyond that.
func (o *ResourceOptimizer) Apply(_ context.Context, req Request) (*CorrectionResult, error) {
	if len(req.OriginalState) == 0 {
		return nil, fmt.Errorf("%w: resource optimization needs the current allocation", ErrMissingState)
	}

	strategy := stringParam(req.Parameters, "strategy", "")
	if strategy == "" {
		strategy = strategyForResourceIssue(req.Classification)
	}

	if strategy == "" {
		return nil, fmt.Errorf("%w: no resource strategy for issue", ErrNoStrategy)
	}

	prior, ok := resourcePriors[strategy]
	if !ok {
		return nil, fmt.Errorf("%w: unknown resource strategy %q", ErrNoStrategy, strategy)
	}

	corrected, err := cloneState(req.OriginalState)
	if err != nil {
		return nil, err
	}

	allowed, stats, err := o.optimize(strategy, corrected, req)
	if err != nil {
		return nil, err
	}

	changed := changedKeys(req.OriginalState, corrected)
	if err := validateChanges(strategy, changed, allowed, nil); err != nil {
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
		o.logger.Info("resource optimization found nothing to change", "strategy", strategy)

		return result, nil
	}

	result.Successful = true
	result.CorrectedState = corrected
	result.Metadata["changed_fields"] = changed

	o.logger.Info("resource optimization computed",
		"strategy", strategy,
		"changed_fields", changed)

	return result, nil
}

func (o *ResourceOptimizer) optimize(strategy string, corrected map[string]any, req Request) ([]string, map[string]any, error) {
	switch strategy {
	case StrategyScaleQuerySlots:
		return o.scaleQuerySlots(corrected, req)
	case StrategyResizeWorkerPool:
		return o.resizeWorkerPool(corrected, req)
	case StrategyAdjustMemoryHeadroom:
		return o.adjustMemoryHeadroom(corrected, req.Parameters)
	case StrategyPruneCache:
		return o.pruneCache(corrected, req.Parameters)
	default:
		return nil, nil, fmt.Errorf("%w: unknown resource strategy %q", ErrNoStrategy, strategy)
	}
}

// strategyForResourceIssue derives a strategy from the classified issue
// type when the action parameters name none.
func strategyForResourceIssue(classification *issues.IssueClassification) string {
	if classification == nil {
		return ""
	}

	switch classification.IssueType {
	case "memory_exhaustion":
		return StrategyAdjustMemoryHeadroom
	case "disk_exhaustion":
		return StrategyPruneCache
	case "rate_limited":
		return StrategyResizeWorkerPool
	case "resource_exhaustion":
		return StrategyScaleQuerySlots
	default:
		return ""
	}
}

func (o *ResourceOptimizer) scaleQuerySlots(corrected map[string]any, req Request) ([]string, map[string]any, error) {
	slots, ok := asNumber(corrected["query_slots"])
	if !ok {
		return nil, nil, fmt.Errorf("%w: allocation has no query_slots", ErrMissingState)
	}

	// Saturated slot utilization earns a steeper default scale.
	factor := defaultScaleFactor
	if featureBand(req.Classification, "slot_utilization_band") == "saturated" {
		factor = saturatedScaleFactor
	}

	factor = floatParam(req.Parameters, "scale_factor", factor)
	ceiling := floatParam(req.Parameters, "max_query_slots", defaultMaxQuerySlots)

	next := math.Ceil(slots * factor)
	if next > ceiling {
		next = ceiling
	}

	stats := map[string]any{"query_slots_before": slots, "query_slots_after": next}

	if next > slots {
		corrected["query_slots"] = next
	}

	return []string{"query_slots"}, stats, nil
}

func (o *ResourceOptimizer) resizeWorkerPool(corrected map[string]any, req Request) ([]string, map[string]any, error) {
	workers, ok := asNumber(corrected["worker_pool_size"])
	if !ok {
		return nil, nil, fmt.Errorf("%w: allocation has no worker_pool_size", ErrMissingState)
	}

	direction := stringParam(req.Parameters, "direction", "")
	if direction == "" {
		// Rate limited workloads shrink to relieve downstream pressure;
		// everything else grows.
		direction = "grow"
		if req.Classification != nil && req.Classification.IssueType == "rate_limited" {
			direction = "shrink"
		}
	}

	var next float64

	switch direction {
	case "grow":
		ceiling := floatParam(req.Parameters, "max_workers", defaultMaxWorkers)

		next = math.Ceil(workers * defaultScaleFactor)
		if next > ceiling {
			next = ceiling
		}

		if next <= workers {
			next = workers
		}
	case "shrink":
		next = math.Floor(workers * defaultRetainFraction)
		if next < 1 {
			next = 1
		}

		if next >= workers {
			next = workers
		}
	default:
		return nil, nil, fmt.Errorf("%w: unknown resize direction %q", ErrNoStrategy, direction)
	}

	stats := map[string]any{
		"worker_pool_before": workers,
		"worker_pool_after":  next,
		"direction":          direction,
	}

	if next != workers {
		corrected["worker_pool_size"] = next
	}

	return []string{"worker_pool_size"}, stats, nil
}

func (o *ResourceOptimizer) adjustMemoryHeadroom(corrected map[string]any, params map[string]any) ([]string, map[string]any, error) {
	headroom, ok := asNumber(corrected["memory_headroom_mb"])
	if !ok {
		return nil, nil, fmt.Errorf("%w: allocation has no memory_headroom_mb", ErrMissingState)
	}

	factor := floatParam(params, "headroom_factor", defaultScaleFactor)
	ceiling := floatParam(params, "max_headroom_mb", defaultMaxHeadroomMB)

	next := math.Ceil(headroom * factor)
	if next > ceiling {
		next = ceiling
	}

	stats := map[string]any{"headroom_before": headroom, "headroom_after": next}

	if next > headroom {
		corrected["memory_headroom_mb"] = next
	}

	return []string{"memory_headroom_mb"}, stats, nil
}

func (o *ResourceOptimizer) pruneCache(corrected map[string]any, params map[string]any) ([]string, map[string]any, error) {
	cache, ok := asNumber(corrected["cache_size_mb"])
	if !ok {
		return nil, nil, fmt.Errorf("%w: allocation has no cache_size_mb", ErrMissingState)
	}

	retain := floatParam(params, "retain_fraction", defaultRetainFraction)
	floor := floatParam(params, "min_cache_mb", defaultMinCacheMB)

	next := math.Floor(cache * retain)
	if next < floor {
		next = floor
	}

	stats := map[string]any{"cache_before": cache, "cache_after": next}

	if next < cache {
		corrected["cache_size_mb"] = next
	}

	return []string{"cache_size_mb"}, stats, nil
}

// featureBand reads a banded utilization feature from the classification.
func featureBand(classification *issues.IssueClassification, key string) string {
	if classification == nil {
		return ""
	}

	if band, ok := classification.Features[key].(string); ok {
		return band
	}

	return ""
}
