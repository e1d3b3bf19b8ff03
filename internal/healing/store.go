package healing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/pipemend-io/pipemend/internal/lineage"
	"github.com/pipemend-io/pipemend/internal/metadata"
	"github.com/pipemend-io/pipemend/internal/patterns"
	"github.com/pipemend-io/pipemend/internal/storage"
)

type (
	// StoreConfig configures a healing execution store.
	StoreConfig struct {
		// Patterns propagates terminal outcomes into the pattern and action
		// counters. Nil skips counter propagation.
		Patterns *patterns.Store

		// Lineage records healing events against the affected dataset after
		// the terminal state commits. Nil skips lineage recording.
		Lineage *lineage.Graph

		// Metadata receives the terminal audit record that root-cause
		// analysis and execution summaries read. Nil skips it.
		Metadata *metadata.Store

		// Logger receives structured operation logs. Nil means slog.Default().
		Logger *slog.Logger
	}

	// Store persists healing executions and enforces their state machine.
	// The terminal commit is atomic: the execution's final state and the
	// pattern+action counter pair land in one transaction, so a crash can
	// never leave counters that disagree with recorded outcomes.
	Store struct {
		docs     storage.DocumentStore
		patterns *patterns.Store
		lineage  *lineage.Graph
		metadata *metadata.Store
		logger   *slog.Logger
	}
)

// NewStore creates a healing execution store over the document store.
func NewStore(docs storage.DocumentStore, config StoreConfig) *Store {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Store{
		docs:     docs,
		patterns: config.Patterns,
		lineage:  config.Lineage,
		metadata: config.Metadata,
		logger:   logger,
	}
}

// Create persists a new healing execution. The id and timestamps are minted
// here; an empty status defaults to PENDING.
func (s *Store) Create(ctx context.Context, execution HealingExecution) (*HealingExecution, error) {
	if execution.Status == "" {
		execution.Status = StatusPending
	}

	if err := execution.Validate(); err != nil {
		return nil, err
	}

	if execution.HealingID == "" {
		execution.HealingID = uuid.NewString()
	}

	now := time.Now().UTC()
	execution.StartTime = now
	execution.CreatedAt = now
	execution.UpdatedAt = now

	if err := s.docs.Set(ctx, CollectionExecutions, execution.HealingID, execution); err != nil {
		return nil, fmt.Errorf("failed to create healing execution: %w", err)
	}

	s.logger.Info("healing execution created",
		slog.String("healing_id", execution.HealingID),
		slog.String("issue_id", execution.IssueID),
		slog.String("signature", execution.IssueSignature),
		slog.Int("attempt", execution.Attempt),
	)

	return &execution, nil
}

// Get returns one healing execution by id.
func (s *Store) Get(ctx context.Context, healingID string) (*HealingExecution, error) {
	raw, err := s.docs.Get(ctx, CollectionExecutions, healingID)
	if err != nil {
		if errors.Is(err, storage.ErrDocumentNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, healingID)
		}

		return nil, err
	}

	return decodeExecution(raw)
}

// Transition moves an execution to a non-terminal state, applying mutate to
// record strategy selection or approval details. The state machine is
// enforced under the store's write lock.
func (s *Store) Transition(
	ctx context.Context,
	healingID string,
	next Status,
	mutate func(*HealingExecution),
) (*HealingExecution, error) {
	if next.IsTerminal() {
		return nil, fmt.Errorf("%w: terminal transitions go through Complete", ErrInvalidTransition)
	}

	var updated HealingExecution

	err := s.docs.Update(ctx, CollectionExecutions, healingID, func(raw json.RawMessage) (any, error) {
		execution, err := decodeExecution(raw)
		if err != nil {
			return nil, err
		}

		if err := ValidateStateTransition(execution.Status, next); err != nil {
			return nil, err
		}

		execution.Status = next

		if mutate != nil {
			mutate(execution)
		}

		execution.UpdatedAt = time.Now().UTC()
		updated = *execution

		return execution, nil
	})
	if err != nil {
		if errors.Is(err, storage.ErrDocumentNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, healingID)
		}

		return nil, err
	}

	s.logger.Info("healing execution transitioned",
		slog.String("healing_id", healingID),
		slog.String("status", next.String()),
	)

	return &updated, nil
}

// Complete commits a terminal outcome. The execution's final state and the
// pattern+action counter bumps land in one transaction; the lineage healing
// event and the metadata audit record follow after commit and are logged,
// not fatal, when they fail.
func (s *Store) Complete(ctx context.Context, healingID string, outcome Outcome) (*HealingExecution, error) {
	if !outcome.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: %s is not terminal", ErrInvalidTransition, outcome.Status)
	}

	var completed HealingExecution

	err := s.docs.Transact(ctx, func(tx storage.DocumentTx) error {
		err := tx.Update(ctx, CollectionExecutions, healingID, func(raw json.RawMessage) (any, error) {
			execution, err := decodeExecution(raw)
			if err != nil {
				return nil, err
			}

			if err := ValidateStateTransition(execution.Status, outcome.Status); err != nil {
				return nil, err
			}

			now := time.Now().UTC()

			execution.Status = outcome.Status
			execution.Reason = outcome.Reason
			execution.CorrectionID = outcome.CorrectionID
			execution.Result = outcome.Result

			// Approval decisions land before the engine runs; an outcome
			// without a decider keeps the recorded one.
			if outcome.DecidedBy != "" {
				execution.DecidedBy = outcome.DecidedBy
			}
			execution.CompletionTime = &now
			execution.UpdatedAt = now

			completed = *execution

			return execution, nil
		})
		if err != nil {
			if errors.Is(err, storage.ErrDocumentNotFound) {
				return fmt.Errorf("%w: %s", ErrExecutionNotFound, healingID)
			}

			return err
		}

		if outcome.Status.CountersMove() && s.patterns != nil &&
			completed.PatternID != "" && completed.ActionID != "" {
			return s.patterns.ApplyOutcomeTx(ctx, tx,
				completed.PatternID, completed.ActionID, outcome.Status == StatusSuccess)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	s.recordLineage(ctx, &completed)
	s.recordMetadata(ctx, &completed)

	s.logger.Info("healing execution completed",
		slog.String("healing_id", healingID),
		slog.String("status", outcome.Status.String()),
		slog.String("reason", outcome.Reason),
	)

	return &completed, nil
}

// recordLineage emits a healing event against the affected dataset. Only
// executions where an engine actually produced a correction touch lineage.
func (s *Store) recordLineage(ctx context.Context, execution *HealingExecution) {
	if s.lineage == nil || execution.Dataset == "" || execution.Table == "" ||
		execution.CorrectionID == "" {
		return
	}

	operation := execution.Engine
	if strategy, ok := execution.Result["strategy"].(string); ok && strategy != "" {
		operation = strategy
	}

	_, err := s.lineage.RecordHealing(ctx, lineage.HealingEvent{
		Dataset:     lineage.DatasetRef{Dataset: execution.Dataset, Table: execution.Table},
		HealingID:   execution.HealingID,
		ExecutionID: execution.ExecutionID,
		Operation:   operation,
		Details: map[string]any{
			"status":        execution.Status.String(),
			"correction_id": execution.CorrectionID,
		},
	})
	if err != nil {
		s.logger.Warn("failed to record healing lineage",
			slog.String("healing_id", execution.HealingID),
			slog.String("error", err.Error()))
	}
}

// recordMetadata writes the terminal audit record the metadata store serves
// to execution summaries and root-cause analysis.
func (s *Store) recordMetadata(ctx context.Context, execution *HealingExecution) {
	if s.metadata == nil {
		return
	}

	_, err := s.metadata.TrackSelfHealingMetadata(ctx, metadata.SelfHealingRecord{
		HealingID:   execution.HealingID,
		ExecutionID: execution.ExecutionID,
		IssueID:     execution.IssueID,
		PatternID:   execution.PatternID,
		ActionID:    execution.ActionID,
		Status:      execution.Status.String(),
		Confidence:  execution.Confidence,
		Details: map[string]any{
			"strategy_source": execution.StrategySource,
			"engine":          execution.Engine,
			"reason":          execution.Reason,
			"correction_id":   execution.CorrectionID,
			"attempt":         execution.Attempt,
		},
	})
	if err != nil {
		s.logger.Warn("failed to record healing metadata",
			slog.String("healing_id", execution.HealingID),
			slog.String("error", err.Error()))
	}
}

// InFlight returns the non-terminal execution for an (execution, issue
// signature) pair, or nil when none is running.
func (s *Store) InFlight(ctx context.Context, executionID, signature string) (*HealingExecution, error) {
	executions, err := s.listBySignature(ctx, executionID, signature)
	if err != nil {
		return nil, err
	}

	for i := range executions {
		if !executions[i].Status.IsTerminal() {
			return &executions[i], nil
		}
	}

	return nil, nil
}

// AttemptCount counts healing executions, terminal or not, for an
// (execution, issue signature) pair. Rejected and failed attempts count:
// the cap exists to stop healing loops, not to grant retries.
func (s *Store) AttemptCount(ctx context.Context, executionID, signature string) (int, error) {
	executions, err := s.listBySignature(ctx, executionID, signature)
	if err != nil {
		return 0, err
	}

	return len(executions), nil
}

// ListStale returns executions sitting in a status since before the cutoff.
func (s *Store) ListStale(ctx context.Context, status Status, updatedBefore time.Time) ([]HealingExecution, error) {
	criteria := storage.Criteria{
		"status":     status.String(),
		"updated_at": map[string]any{storage.OpLTE: updatedBefore.UTC().Format(time.RFC3339Nano)},
	}

	return s.query(ctx, criteria)
}

// PendingApprovals returns every execution parked at the approval gate,
// ordered by id.
func (s *Store) PendingApprovals(ctx context.Context) ([]HealingExecution, error) {
	return s.query(ctx, storage.Criteria{"status": StatusApprovalRequired.String()})
}

func (s *Store) listBySignature(ctx context.Context, executionID, signature string) ([]HealingExecution, error) {
	executions, err := s.query(ctx, storage.Criteria{"issue_signature": signature})
	if err != nil {
		return nil, err
	}

	matched := executions[:0]

	for i := range executions {
		if executions[i].ExecutionID == executionID {
			matched = append(matched, executions[i])
		}
	}

	return matched, nil
}

func (s *Store) query(ctx context.Context, criteria storage.Criteria) ([]HealingExecution, error) {
	raws, err := s.docs.Query(ctx, CollectionExecutions, criteria, 0)
	if err != nil {
		return nil, err
	}

	executions := make([]HealingExecution, 0, len(raws))

	for _, raw := range raws {
		execution, err := decodeExecution(raw)
		if err != nil {
			return nil, err
		}

		executions = append(executions, *execution)
	}

	return executions, nil
}

func decodeExecution(raw json.RawMessage) (*HealingExecution, error) {
	var execution HealingExecution
	if err := json.Unmarshal(raw, &execution); err != nil {
		return nil, fmt.Errorf("failed to decode healing execution: %w", err)
	}

	return &execution, nil
}
