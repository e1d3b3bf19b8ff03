package healing

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pipemend-io/pipemend/internal/config"
	"github.com/pipemend-io/pipemend/internal/correction"
	"github.com/pipemend-io/pipemend/internal/faults"
	"github.com/pipemend-io/pipemend/internal/issues"
	"github.com/pipemend-io/pipemend/internal/patterns"
	"github.com/pipemend-io/pipemend/internal/rootcause"
)

type (
	// OrchestratorConfig wires the healing loop's collaborators and gates.
	OrchestratorConfig struct {
		// Classifier turns raw failure signals into issue classifications.
		// Required.
		Classifier *issues.Classifier

		// Matcher scores classifications against the learned pattern set.
		// Required.
		Matcher *patterns.Matcher

		// Patterns resolves actions for matched patterns. Required.
		Patterns *patterns.Store

		// Learner parks unmatched classifications for pattern mining. Nil
		// disables the learning hook.
		Learner *patterns.Learner

		// Analyzer explains issues when pattern actions cannot. Nil skips
		// root-cause analysis.
		Analyzer *rootcause.Analyzer

		// Engines are the correction engines, dispatched by CanHandle in
		// order.
		Engines []correction.Engine

		// Mode is the autonomy level. Empty means automatic.
		Mode config.HealingMode

		// ApprovalBelowConfidence parks executions whose classification
		// confidence falls below it. Zero means the process default.
		ApprovalBelowConfidence float64

		// ActionSuccessThreshold is the historical rate an action needs to
		// be auto-selected. Zero means the process default.
		ActionSuccessThreshold float64

		// MaxAttempts caps healing executions per (execution, issue
		// signature). Zero means the process default.
		MaxAttempts int

		// Logger receives structured logs. Nil means slog.Default().
		Logger *slog.Logger
	}

	// Orchestrator runs the recovery loop: classify, match, analyze, select
	// a strategy, gate on approval, execute, and commit the outcome. One
	// orchestrator serves the whole process; per-issue serialization is the
	// in-flight claim set plus the store's duplicate check.
	Orchestrator struct {
		store           *Store
		classifier      *issues.Classifier
		matcher         *patterns.Matcher
		patterns        *patterns.Store
		learner         *patterns.Learner
		analyzer        *rootcause.Analyzer
		engines         []correction.Engine
		mode            config.HealingMode
		approvalBelow   float64
		actionThreshold float64
		maxAttempts     int
		logger          *slog.Logger

		mu       sync.Mutex
		inFlight map[string]struct{}
	}

	// HealRequest is one failed unit of work submitted for recovery. The
	// descriptor identifies and describes the failure; OriginalState is the
	// engine input to correct (artifact reference, pipeline config, or
	// resource allocation).
	HealRequest struct {
		Descriptor    *issues.IssueDescriptor
		OriginalState map[string]any
	}

	// strategy is a selection verdict: where it came from, which engine
	// input it carries, and the history backing it.
	strategy struct {
		source     string
		patternID  string
		actionID   string
		parameters map[string]any
		rate       float64
		confidence float64
		reason     string
	}
)

// NewOrchestrator creates the recovery orchestrator, applying process
// defaults for zero-valued gates.
func NewOrchestrator(store *Store, cfg OrchestratorConfig) *Orchestrator {
	mode := cfg.Mode
	if mode == "" {
		mode = config.HealingAutomatic
	}

	approvalBelow := cfg.ApprovalBelowConfidence
	if approvalBelow <= 0 {
		approvalBelow = config.DefaultApprovalRequiredBelowConfidence
	}

	actionThreshold := cfg.ActionSuccessThreshold
	if actionThreshold <= 0 {
		actionThreshold = config.DefaultActionSuccessThreshold
	}

	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = config.DefaultMaxRecoveryAttempts
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Orchestrator{
		store:           store,
		classifier:      cfg.Classifier,
		matcher:         cfg.Matcher,
		patterns:        cfg.Patterns,
		learner:         cfg.Learner,
		analyzer:        cfg.Analyzer,
		engines:         cfg.Engines,
		mode:            mode,
		approvalBelow:   approvalBelow,
		actionThreshold: actionThreshold,
		maxAttempts:     maxAttempts,
		logger:          logger,
		inFlight:        make(map[string]struct{}),
	}
}

// Mode returns the autonomy level the orchestrator runs under.
func (o *Orchestrator) Mode() config.HealingMode {
	return o.mode
}

// Heal runs the full recovery loop for one issue. The classification is
// always produced and returned; whether an execution is created depends on
// the healing mode, the recoverability verdict, the attempt cap, and the
// duplicate check. In automatic mode with sufficient confidence the selected
// engine runs synchronously and the returned execution is terminal.
func (o *Orchestrator) Heal(ctx context.Context, req HealRequest) (*Result, error) {
	classification, err := o.classifier.Classify(ctx, req.Descriptor)
	if err != nil {
		return nil, fmt.Errorf("failed to classify issue: %w", err)
	}

	result := &Result{Classification: classification}

	if o.mode == config.HealingDisabled {
		o.logger.Info("healing disabled, issue classified and recorded only",
			slog.String("issue_id", classification.IssueID),
			slog.String("issue_type", classification.IssueType))

		return result, nil
	}

	if classification.Recoverability == faults.NonRecoverable {
		o.logger.Warn("issue is non-recoverable, healing aborted",
			slog.String("issue_id", classification.IssueID),
			slog.String("issue_type", classification.IssueType),
			slog.String("severity", string(classification.Severity)))

		return result, nil
	}

	signature := classification.Signature()

	release, err := o.claim(ctx, req.Descriptor.ExecutionID, signature)
	if err != nil {
		return result, err
	}
	defer release()

	attempts, err := o.store.AttemptCount(ctx, req.Descriptor.ExecutionID, signature)
	if err != nil {
		return result, fmt.Errorf("failed to count healing attempts: %w", err)
	}

	if attempts >= o.maxAttempts {
		o.logger.Warn("recovery attempts exhausted, escalating to operator",
			slog.String("issue_id", classification.IssueID),
			slog.String("signature", signature),
			slog.Int("attempts", attempts))

		return result, fmt.Errorf("%w: %d attempts for signature %s",
			ErrAttemptsExhausted, attempts, signature)
	}

	result.Analysis = o.analyze(ctx, req.Descriptor, classification)

	selected, err := o.selectStrategy(ctx, classification, result.Analysis)
	if err != nil {
		return result, err
	}

	execution, err := o.store.Create(ctx,
		o.newExecution(req, classification, result.Analysis, signature, attempts+1, selected))
	if err != nil {
		return result, fmt.Errorf("failed to create healing execution: %w", err)
	}

	result.Execution = execution

	if selected == nil {
		completed, err := o.store.Complete(ctx, execution.HealingID, Outcome{
			Status: StatusFailed,
			Reason: "no viable strategy",
		})
		if err != nil {
			return result, err
		}

		result.Execution = completed

		return result, nil
	}

	if o.mode == config.HealingAdvisory || classification.Confidence < o.approvalBelow {
		parked, err := o.park(ctx, execution.HealingID, classification.Confidence, selected)
		if err != nil {
			return result, err
		}

		result.Execution = parked

		return result, nil
	}

	completed, err := o.execute(ctx, execution, req.OriginalState, classification, result.Analysis, selected)
	if err != nil {
		return result, err
	}

	result.Execution = completed

	return result, nil
}

// HealManual runs recovery with an operator-selected action, bypassing
// strategy selection. The approval gate still applies unless force is set.
// The pattern owning the action must match the issue's category for the
// action's counters to be meaningful, but no similarity threshold applies.
func (o *Orchestrator) HealManual(ctx context.Context, req HealRequest, actionID string, force bool) (*Result, error) {
	if o.mode == config.HealingDisabled {
		return nil, ErrHealingDisabled
	}

	classification, err := o.classifier.Classify(ctx, req.Descriptor)
	if err != nil {
		return nil, fmt.Errorf("failed to classify issue: %w", err)
	}

	result := &Result{Classification: classification}

	action, err := o.patterns.GetAction(ctx, actionID)
	if err != nil {
		return result, err
	}

	signature := classification.Signature()

	release, err := o.claim(ctx, req.Descriptor.ExecutionID, signature)
	if err != nil {
		return result, err
	}
	defer release()

	attempts, err := o.store.AttemptCount(ctx, req.Descriptor.ExecutionID, signature)
	if err != nil {
		return result, fmt.Errorf("failed to count healing attempts: %w", err)
	}

	if attempts >= o.maxAttempts {
		return result, fmt.Errorf("%w: %d attempts for signature %s",
			ErrAttemptsExhausted, attempts, signature)
	}

	result.Analysis = o.analyze(ctx, req.Descriptor, classification)

	selected := &strategy{
		source:     SourceManual,
		patternID:  action.PatternID,
		actionID:   action.ActionID,
		parameters: action.Parameters,
		rate:       action.SuccessRate,
		confidence: classification.Confidence,
		reason:     fmt.Sprintf("operator selected action %s", action.ActionID),
	}

	execution, err := o.store.Create(ctx,
		o.newExecution(req, classification, result.Analysis, signature, attempts+1, selected))
	if err != nil {
		return result, fmt.Errorf("failed to create healing execution: %w", err)
	}

	result.Execution = execution

	if !force && (o.mode == config.HealingAdvisory || classification.Confidence < o.approvalBelow) {
		parked, err := o.park(ctx, execution.HealingID, classification.Confidence, selected)
		if err != nil {
			return result, err
		}

		result.Execution = parked

		return result, nil
	}

	completed, err := o.execute(ctx, execution, req.OriginalState, classification, result.Analysis, selected)
	if err != nil {
		return result, err
	}

	result.Execution = completed

	return result, nil
}

// Approve releases a parked execution and runs its selected engine. The
// decision is recorded on the execution before the engine starts so a crash
// mid-run still shows who released it.
func (o *Orchestrator) Approve(ctx context.Context, healingID, decidedBy string) (*HealingExecution, error) {
	if o.mode == config.HealingDisabled {
		return nil, ErrHealingDisabled
	}

	execution, err := o.store.Get(ctx, healingID)
	if err != nil {
		return nil, err
	}

	if execution.Status != StatusApprovalRequired {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotAwaitingApproval, healingID, execution.Status)
	}

	approved, err := o.store.Transition(ctx, healingID, StatusApproved, func(e *HealingExecution) {
		e.DecidedBy = decidedBy
	})
	if err != nil {
		return nil, err
	}

	o.logger.Info("healing execution approved",
		slog.String("healing_id", healingID),
		slog.String("decided_by", decidedBy))

	selected := &strategy{
		source:     approved.StrategySource,
		patternID:  approved.PatternID,
		actionID:   approved.ActionID,
		parameters: approved.Parameters,
		rate:       approved.Confidence,
		confidence: approved.Confidence,
	}

	if selected.actionID != "" {
		if action, err := o.patterns.GetAction(ctx, selected.actionID); err == nil {
			selected.rate = action.SuccessRate
		}
	}

	return o.execute(ctx, approved, approved.OriginalState, approved.Classification, analysisFor(approved), selected)
}

// Reject refuses a parked execution. Terminal; counters do not move.
func (o *Orchestrator) Reject(ctx context.Context, healingID, decidedBy, reason string) (*HealingExecution, error) {
	execution, err := o.store.Get(ctx, healingID)
	if err != nil {
		return nil, err
	}

	if execution.Status != StatusApprovalRequired {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotAwaitingApproval, healingID, execution.Status)
	}

	if reason == "" {
		reason = "rejected by operator"
	}

	return o.store.Complete(ctx, healingID, Outcome{
		Status:    StatusRejected,
		Reason:    reason,
		DecidedBy: decidedBy,
	})
}

// claim reserves the (execution, signature) pair in process and verifies no
// durable non-terminal execution exists for it. The returned release must be
// called once the healing attempt reaches a parked or terminal state.
func (o *Orchestrator) claim(ctx context.Context, executionID, signature string) (func(), error) {
	key := executionID + "|" + signature

	o.mu.Lock()
	if _, held := o.inFlight[key]; held {
		o.mu.Unlock()

		return nil, fmt.Errorf("%w: signature %s on execution %s",
			ErrDuplicateInFlight, signature, executionID)
	}

	o.inFlight[key] = struct{}{}
	o.mu.Unlock()

	release := func() {
		o.mu.Lock()
		delete(o.inFlight, key)
		o.mu.Unlock()
	}

	existing, err := o.store.InFlight(ctx, executionID, signature)
	if err != nil {
		release()

		return nil, fmt.Errorf("failed to check in-flight executions: %w", err)
	}

	if existing != nil {
		release()

		return nil, fmt.Errorf("%w: execution %s is %s",
			ErrDuplicateInFlight, existing.HealingID, existing.Status)
	}

	return release, nil
}

// analyze runs root-cause analysis. Analysis failures degrade to a
// pattern-only strategy rather than blocking recovery.
func (o *Orchestrator) analyze(
	ctx context.Context,
	descriptor *issues.IssueDescriptor,
	classification *issues.IssueClassification,
) *rootcause.Analysis {
	if o.analyzer == nil {
		return nil
	}

	analysis, err := o.analyzer.Analyze(ctx, descriptor, classification)
	if err != nil {
		o.logger.Warn("root-cause analysis failed, continuing without it",
			slog.String("issue_id", classification.IssueID),
			slog.String("error", err.Error()))

		return nil
	}

	return analysis
}

// selectStrategy picks the correction to run: the strongest matching
// pattern's best qualified action first, the root-cause recommendation as
// fallback. A nil strategy with nil error means escalation: no viable
// strategy exists and the execution should fail loudly.
func (o *Orchestrator) selectStrategy(
	ctx context.Context,
	classification *issues.IssueClassification,
	analysis *rootcause.Analysis,
) (*strategy, error) {
	matches, err := o.matcher.Match(ctx, classification)
	if err != nil {
		return nil, fmt.Errorf("failed to match patterns: %w", err)
	}

	if len(matches) == 0 && o.learner != nil {
		if err := o.learner.RecordUnmatched(ctx, classification); err != nil {
			o.logger.Warn("failed to park unmatched issue for learning",
				slog.String("issue_id", classification.IssueID),
				slog.String("error", err.Error()))
		}
	}

	for _, match := range matches {
		action, err := o.bestAction(ctx, match.Pattern.PatternID)
		if err != nil {
			return nil, err
		}

		if action == nil {
			continue
		}

		o.logger.Info("pattern action selected",
			slog.String("issue_id", classification.IssueID),
			slog.String("pattern_id", match.Pattern.PatternID),
			slog.String("action_id", action.ActionID),
			slog.Float64("similarity", match.Similarity),
			slog.Float64("action_success_rate", action.SuccessRate))

		return &strategy{
			source:     SourcePatternAction,
			patternID:  match.Pattern.PatternID,
			actionID:   action.ActionID,
			parameters: action.Parameters,
			rate:       action.SuccessRate,
			confidence: classification.Confidence,
			reason: fmt.Sprintf("pattern %s matched at %.2f", match.Pattern.PatternID,
				match.Similarity),
		}, nil
	}

	if analysis != nil {
		if recommendation := analysis.BestRecommendation(); recommendation != "" {
			o.logger.Info("root-cause recommendation selected",
				slog.String("issue_id", classification.IssueID),
				slog.String("recommendation", recommendation))

			return &strategy{
				source:     SourceRootCause,
				parameters: map[string]any{"recommendation": recommendation},
				rate:       1,
				confidence: classification.Confidence,
				reason:     recommendation,
			}, nil
		}
	}

	o.logger.Warn("no viable healing strategy",
		slog.String("issue_id", classification.IssueID),
		slog.String("category", string(classification.Category)),
		slog.Int("pattern_matches", len(matches)))

	return nil, nil
}

// bestAction returns the pattern's highest-rate active action that clears
// the success threshold. Never-executed actions qualify: a fresh recipe has
// no evidence against it.
func (o *Orchestrator) bestAction(ctx context.Context, patternID string) (*patterns.Action, error) {
	actions, err := o.patterns.ListActions(ctx, patternID, true)
	if err != nil {
		return nil, fmt.Errorf("failed to list pattern actions: %w", err)
	}

	var best *patterns.Action

	for i := range actions {
		action := &actions[i]

		if action.ExecutionCount > 0 && action.SuccessRate < o.actionThreshold {
			continue
		}

		if best == nil || action.SuccessRate > best.SuccessRate {
			best = action
		}
	}

	return best, nil
}

// newExecution assembles the PENDING execution record for a healing attempt.
// The classification, the primary cause, and the original state are persisted
// on the record so an approval-time run does not depend on process memory.
func (o *Orchestrator) newExecution(
	req HealRequest,
	classification *issues.IssueClassification,
	analysis *rootcause.Analysis,
	signature string,
	attempt int,
	selected *strategy,
) HealingExecution {
	execution := HealingExecution{
		IssueID:        classification.IssueID,
		IssueSignature: signature,
		PipelineID:     req.Descriptor.PipelineID,
		ExecutionID:    req.Descriptor.ExecutionID,
		TaskID:         req.Descriptor.TaskID,
		Dataset:        req.Descriptor.Dataset,
		Table:          req.Descriptor.Table,
		Attempt:        attempt,
		Classification: classification,
		OriginalState:  req.OriginalState,
		Confidence:     classification.Confidence,
	}

	if analysis != nil {
		execution.RootCause = analysis.PrimaryCause()
	}

	if selected != nil {
		execution.StrategySource = selected.source
		execution.PatternID = selected.patternID
		execution.ActionID = selected.actionID
		execution.Parameters = selected.parameters
		execution.Reason = selected.reason
	}

	return execution
}

// park moves an execution to the approval gate with the recommendation
// recorded, so an operator sees what would run and why it paused.
func (o *Orchestrator) park(
	ctx context.Context,
	healingID string,
	confidence float64,
	selected *strategy,
) (*HealingExecution, error) {
	reason := fmt.Sprintf("confidence %.2f below auto threshold %.2f", confidence, o.approvalBelow)
	if o.mode == config.HealingAdvisory {
		reason = "advisory mode requires operator approval"
	}

	parked, err := o.store.Transition(ctx, healingID, StatusApprovalRequired, func(e *HealingExecution) {
		e.Reason = reason
	})
	if err != nil {
		return nil, err
	}

	o.logger.Info("healing execution awaiting approval",
		slog.String("healing_id", healingID),
		slog.String("strategy_source", selected.source),
		slog.String("reason", reason))

	return parked, nil
}

// execute runs the selected engine and commits the terminal outcome. Engine
// errors and no-op corrections both complete FAILED; only a correction that
// actually changed state completes SUCCESS.
func (o *Orchestrator) execute(
	ctx context.Context,
	execution *HealingExecution,
	originalState map[string]any,
	classification *issues.IssueClassification,
	analysis *rootcause.Analysis,
	selected *strategy,
) (*HealingExecution, error) {
	engine := o.engineFor(classification)
	if engine == nil {
		return o.store.Complete(ctx, execution.HealingID, Outcome{
			Status: StatusFailed,
			Reason: fmt.Sprintf("no correction engine handles category %s", classification.Category),
		})
	}

	running, err := o.store.Transition(ctx, execution.HealingID, StatusInProgress, func(e *HealingExecution) {
		e.Engine = engine.Name()
	})
	if err != nil {
		return nil, err
	}

	request := correction.Request{
		OriginalState:  originalState,
		Classification: classification,
		Parameters:     selected.parameters,
		HistoricalRate: selected.rate,
	}

	if analysis != nil {
		request.RootCause = analysis.PrimaryCause()
	}

	corrected, err := engine.Apply(ctx, request)
	if err != nil {
		o.logger.Error("correction engine failed",
			slog.String("healing_id", running.HealingID),
			slog.String("engine", engine.Name()),
			slog.String("error", err.Error()))

		return o.store.Complete(ctx, running.HealingID, Outcome{
			Status: StatusFailed,
			Reason: err.Error(),
		})
	}

	if !corrected.Successful {
		return o.store.Complete(ctx, running.HealingID, Outcome{
			Status:       StatusFailed,
			Reason:       "correction made no changes",
			CorrectionID: corrected.CorrectionID,
			Result:       corrected.Metadata,
		})
	}

	outcome := Outcome{
		Status:       StatusSuccess,
		Reason:       fmt.Sprintf("correction %s applied", corrected.Strategy),
		CorrectionID: corrected.CorrectionID,
		Result: map[string]any{
			"strategy":        corrected.Strategy,
			"confidence":      corrected.Confidence,
			"corrected_state": corrected.CorrectedState,
		},
	}

	for key, value := range corrected.Metadata {
		outcome.Result[key] = value
	}

	return o.store.Complete(ctx, running.HealingID, outcome)
}

// engineFor returns the first engine claiming the classification.
func (o *Orchestrator) engineFor(classification *issues.IssueClassification) correction.Engine {
	for _, engine := range o.engines {
		if engine.CanHandle(classification) {
			return engine
		}
	}

	return nil
}

// analysisFor rebuilds the analysis view persisted on a parked execution so
// approval-time engine runs see the same root cause the selection did.
func analysisFor(execution *HealingExecution) *rootcause.Analysis {
	if execution.RootCause == nil {
		return nil
	}

	return &rootcause.Analysis{
		IssueID:    execution.IssueID,
		RootCauses: []rootcause.RootCause{*execution.RootCause},
	}
}
