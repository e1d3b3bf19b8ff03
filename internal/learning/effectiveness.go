package learning

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/pipemend-io/pipemend/internal/patterns"
)

// Effectiveness analysis defaults.
const (
	// defaultEffectivenessWindow is the rolling window trends are computed
	// over.
	defaultEffectivenessWindow = 7 * 24 * time.Hour

	// defaultColdAttempts is how many windowed attempts with zero successes
	// it takes before an action is recommended for deactivation.
	defaultColdAttempts = 20

	// trendEpsilon is the rate difference below which a window is
	// considered steady.
	trendEpsilon = 0.05
)

// Trend compares a rolling-window success rate against the overall rate.
type Trend string

const (
	TrendImproving Trend = "improving"
	TrendDeclining Trend = "declining"
	TrendSteady    Trend = "steady"
)

// Recommendation kinds produced by the analyzer.
const (
	// RecommendDeactivateAction flags an action that keeps failing.
	RecommendDeactivateAction = "deactivate_action"

	// RecommendReviewPattern flags a pattern whose recent outcomes fall far
	// below its historical rate.
	RecommendReviewPattern = "review_pattern"
)

type (
	// ActionEffectiveness is one action's overall and windowed performance.
	ActionEffectiveness struct {
		ActionID        string  `json:"action_id"`
		PatternID       string  `json:"pattern_id"`
		Active          bool    `json:"active"`
		OverallAttempts int     `json:"overall_attempts"`
		OverallRate     float64 `json:"overall_rate"`
		WindowAttempts  int     `json:"window_attempts"`
		WindowSuccesses int     `json:"window_successes"`
		WindowRate      float64 `json:"window_rate"`
		Trend           Trend   `json:"trend"`
	}

	// PatternEffectiveness is one pattern's overall and windowed performance,
	// aggregated across its actions' feedback.
	PatternEffectiveness struct {
		PatternID       string  `json:"pattern_id"`
		Name            string  `json:"name"`
		OverallAttempts int     `json:"overall_attempts"`
		OverallRate     float64 `json:"overall_rate"`
		WindowAttempts  int     `json:"window_attempts"`
		WindowSuccesses int     `json:"window_successes"`
		WindowRate      float64 `json:"window_rate"`
		Trend           Trend   `json:"trend"`
	}

	// EffectivenessReport is one analyzer pass over the feedback window.
	EffectivenessReport struct {
		Window      time.Duration          `json:"window"`
		GeneratedAt time.Time              `json:"generated_at"`
		Actions     []ActionEffectiveness  `json:"actions"`
		Patterns    []PatternEffectiveness `json:"patterns"`
	}

	// ImprovementRecommendation is an operator-facing suggestion derived
	// from effectiveness evidence.
	ImprovementRecommendation struct {
		Kind            string  `json:"kind"`
		ActionID        string  `json:"action_id,omitempty"`
		PatternID       string  `json:"pattern_id,omitempty"`
		Reason          string  `json:"reason"`
		WindowAttempts  int     `json:"window_attempts"`
		WindowSuccesses int     `json:"window_successes"`
		WindowRate      float64 `json:"window_rate"`
	}

	// EffectivenessConfig configures the analyzer.
	EffectivenessConfig struct {
		// Window is the rolling window. Zero means seven days.
		Window time.Duration

		// ColdAttempts is the deactivation evidence floor. Zero means 20.
		ColdAttempts int

		// Logger receives structured logs. Nil means slog.Default().
		Logger *slog.Logger
	}

	// EffectivenessAnalyzer measures how patterns and actions perform over a
	// rolling feedback window and turns cold streaks into recommendations.
	EffectivenessAnalyzer struct {
		feedback     *FeedbackCollector
		patterns     *patterns.Store
		window       time.Duration
		coldAttempts int
		logger       *slog.Logger
	}

	// windowTally accumulates windowed outcomes for one action or pattern.
	windowTally struct {
		attempts  int
		successes int
	}
)

// NewEffectivenessAnalyzer creates an analyzer over the feedback collector
// and the pattern store.
func NewEffectivenessAnalyzer(feedback *FeedbackCollector, store *patterns.Store, cfg EffectivenessConfig) *EffectivenessAnalyzer {
	window := cfg.Window
	if window <= 0 {
		window = defaultEffectivenessWindow
	}

	coldAttempts := cfg.ColdAttempts
	if coldAttempts <= 0 {
		coldAttempts = defaultColdAttempts
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &EffectivenessAnalyzer{
		feedback:     feedback,
		patterns:     store,
		window:       window,
		coldAttempts: coldAttempts,
		logger:       logger,
	}
}

// Report computes per-action and per-pattern success rates over the rolling
// window and compares them against the all-time counters.
func (a *EffectivenessAnalyzer) Report(ctx context.Context) (*EffectivenessReport, error) {
	now := time.Now().UTC()

	records, err := a.feedback.Window(ctx, now.Add(-a.window))
	if err != nil {
		return nil, fmt.Errorf("failed to load feedback window: %w", err)
	}

	actionTallies := make(map[string]*windowTally)
	patternTallies := make(map[string]*windowTally)

	for i := range records {
		record := &records[i]

		tallyInto(actionTallies, record.ActionID, record.Successful)

		if record.PatternID != "" {
			tallyInto(patternTallies, record.PatternID, record.Successful)
		}
	}

	report := &EffectivenessReport{
		Window:      a.window,
		GeneratedAt: now,
		Actions:     make([]ActionEffectiveness, 0, len(actionTallies)),
		Patterns:    make([]PatternEffectiveness, 0, len(patternTallies)),
	}

	for _, actionID := range sortedKeys(actionTallies) {
		tally := actionTallies[actionID]

		entry := ActionEffectiveness{
			ActionID:        actionID,
			WindowAttempts:  tally.attempts,
			WindowSuccesses: tally.successes,
			WindowRate:      rate(tally.successes, tally.attempts),
		}

		action, err := a.patterns.GetAction(ctx, actionID)
		if err != nil {
			// Feedback can outlive its action; report the window evidence
			// without overall context.
			a.logger.Warn("feedback references unknown action",
				slog.String("action_id", actionID),
				slog.String("error", err.Error()))
		} else {
			entry.PatternID = action.PatternID
			entry.Active = action.Active
			entry.OverallAttempts = action.ExecutionCount
			entry.OverallRate = action.SuccessRate
		}

		entry.Trend = trend(entry.WindowRate, entry.OverallRate, tally.attempts)
		report.Actions = append(report.Actions, entry)
	}

	for _, patternID := range sortedKeys(patternTallies) {
		tally := patternTallies[patternID]

		entry := PatternEffectiveness{
			PatternID:       patternID,
			WindowAttempts:  tally.attempts,
			WindowSuccesses: tally.successes,
			WindowRate:      rate(tally.successes, tally.attempts),
		}

		pattern, err := a.patterns.GetPattern(ctx, patternID)
		if err != nil {
			a.logger.Warn("feedback references unknown pattern",
				slog.String("pattern_id", patternID),
				slog.String("error", err.Error()))
		} else {
			entry.Name = pattern.Name
			entry.OverallAttempts = pattern.OccurrenceCount
			entry.OverallRate = pattern.SuccessRate
		}

		entry.Trend = trend(entry.WindowRate, entry.OverallRate, tally.attempts)
		report.Patterns = append(report.Patterns, entry)
	}

	return report, nil
}

// Recommendations turns the current report into improvement suggestions:
// active actions with enough windowed attempts and zero successes should be
// deactivated, and patterns whose window collapsed well below their history
// deserve review.
func (a *EffectivenessAnalyzer) Recommendations(ctx context.Context) ([]ImprovementRecommendation, error) {
	report, err := a.Report(ctx)
	if err != nil {
		return nil, err
	}

	recommendations := make([]ImprovementRecommendation, 0)

	for _, action := range report.Actions {
		if !action.Active || action.WindowAttempts < a.coldAttempts || action.WindowSuccesses > 0 {
			continue
		}

		recommendations = append(recommendations, ImprovementRecommendation{
			Kind:     RecommendDeactivateAction,
			ActionID: action.ActionID,
			Reason: fmt.Sprintf("deactivate action %s: 0 successes in last %d attempts",
				action.ActionID, action.WindowAttempts),
			WindowAttempts:  action.WindowAttempts,
			WindowSuccesses: action.WindowSuccesses,
			WindowRate:      action.WindowRate,
		})
	}

	for _, pattern := range report.Patterns {
		if pattern.WindowAttempts < a.coldAttempts || pattern.Trend != TrendDeclining {
			continue
		}

		recommendations = append(recommendations, ImprovementRecommendation{
			Kind:      RecommendReviewPattern,
			PatternID: pattern.PatternID,
			Reason: fmt.Sprintf("review pattern %s: window rate %.2f fell below overall %.2f",
				pattern.PatternID, pattern.WindowRate, pattern.OverallRate),
			WindowAttempts:  pattern.WindowAttempts,
			WindowSuccesses: pattern.WindowSuccesses,
			WindowRate:      pattern.WindowRate,
		})
	}

	if len(recommendations) > 0 {
		a.logger.Info("improvement recommendations produced",
			slog.Int("count", len(recommendations)))
	}

	return recommendations, nil
}

// tallyInto accumulates one outcome under a key.
func tallyInto(tallies map[string]*windowTally, key string, success bool) {
	tally, ok := tallies[key]
	if !ok {
		tally = &windowTally{}
		tallies[key] = tally
	}

	tally.attempts++

	if success {
		tally.successes++
	}
}

// trend compares the window rate against the overall rate. Windows without
// evidence are steady by definition.
func trend(windowRate, overallRate float64, attempts int) Trend {
	if attempts == 0 {
		return TrendSteady
	}

	switch {
	case windowRate > overallRate+trendEpsilon:
		return TrendImproving
	case windowRate < overallRate-trendEpsilon:
		return TrendDeclining
	default:
		return TrendSteady
	}
}

// rate is successes over attempts, zero when there were none.
func rate(successes, attempts int) float64 {
	if attempts <= 0 {
		return 0
	}

	return float64(successes) / float64(attempts)
}

// sortedKeys returns map keys in lexical order for deterministic reports.
func sortedKeys(tallies map[string]*windowTally) []string {
	keys := make([]string, 0, len(tallies))

	for key := range tallies {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	return keys
}
