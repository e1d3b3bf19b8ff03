package patterns

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/pipemend-io/pipemend/internal/issues"
	"github.com/pipemend-io/pipemend/internal/storage"
)

type (
	// StoreConfig tunes the pattern store.
	StoreConfig struct {
		// Logger receives structured operation logs. Nil means slog.Default().
		Logger *slog.Logger
	}

	// Store persists patterns and their actions in the document store.
	// Counter updates are atomic read-modify-write; the pattern+action pair
	// bumped by a terminal healing outcome commits in a single transaction.
	Store struct {
		docs   storage.DocumentStore
		logger *slog.Logger
	}
)

// NewStore creates a pattern store over the given document store.
func NewStore(docs storage.DocumentStore, config StoreConfig) *Store {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Store{docs: docs, logger: logger}
}

// CreatePattern registers a new pattern. The id, creation time, and success
// rate are minted here; caller-supplied counters are preserved so seeded
// patterns can carry prior history.
func (s *Store) CreatePattern(ctx context.Context, pattern Pattern) (*Pattern, error) {
	if err := pattern.Validate(); err != nil {
		return nil, err
	}

	if pattern.PatternID == "" {
		pattern.PatternID = uuid.NewString()
	}

	now := time.Now().UTC()
	pattern.CreatedAt = now

	if pattern.LastSeen.IsZero() {
		pattern.LastSeen = now
	}

	pattern.SuccessRate = recomputeRate(pattern.SuccessCount, pattern.OccurrenceCount)

	if err := s.docs.Set(ctx, CollectionPatterns, pattern.PatternID, pattern); err != nil {
		return nil, fmt.Errorf("failed to create pattern: %w", err)
	}

	s.logger.Info("pattern created",
		slog.String("pattern_id", pattern.PatternID),
		slog.String("name", pattern.Name),
		slog.String("category", string(pattern.Category)),
		slog.Float64("threshold", pattern.ConfidenceThreshold),
	)

	return &pattern, nil
}

// GetPattern returns one pattern by id.
func (s *Store) GetPattern(ctx context.Context, patternID string) (*Pattern, error) {
	raw, err := s.docs.Get(ctx, CollectionPatterns, patternID)
	if err != nil {
		if errors.Is(err, storage.ErrDocumentNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrPatternNotFound, patternID)
		}

		return nil, err
	}

	return decodePattern(raw)
}

// ListPatterns returns all patterns in a category, ordered by id. An empty
// category returns every pattern.
func (s *Store) ListPatterns(ctx context.Context, category issues.Category) ([]Pattern, error) {
	criteria := storage.Criteria{}
	if category != "" {
		criteria["category"] = string(category)
	}

	raws, err := s.docs.Query(ctx, CollectionPatterns, criteria, 0)
	if err != nil {
		return nil, err
	}

	patterns := make([]Pattern, 0, len(raws))

	for _, raw := range raws {
		pattern, err := decodePattern(raw)
		if err != nil {
			return nil, err
		}

		patterns = append(patterns, *pattern)
	}

	return patterns, nil
}

// UpdatePatternStats records one healing outcome against a pattern:
// occurrence count up by one, success count up when the healing succeeded,
// success rate rewritten from the counters, last seen advanced. The whole
// mutation is one atomic read-modify-write.
func (s *Store) UpdatePatternStats(ctx context.Context, patternID string, healingSuccess bool) (*Pattern, error) {
	var updated Pattern

	err := s.docs.Update(ctx, CollectionPatterns, patternID, func(raw json.RawMessage) (any, error) {
		pattern, err := decodePattern(raw)
		if err != nil {
			return nil, err
		}

		bumpPattern(pattern, healingSuccess)
		updated = *pattern

		return pattern, nil
	})
	if err != nil {
		if errors.Is(err, storage.ErrDocumentNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrPatternNotFound, patternID)
		}

		return nil, err
	}

	return &updated, nil
}

// CreateAction registers a remediation recipe under a pattern. New actions
// default to active unless explicitly created inactive with history.
func (s *Store) CreateAction(ctx context.Context, action Action) (*Action, error) {
	if err := action.Validate(); err != nil {
		return nil, err
	}

	if _, err := s.GetPattern(ctx, action.PatternID); err != nil {
		return nil, err
	}

	if action.ActionID == "" {
		action.ActionID = uuid.NewString()
	}

	action.CreatedAt = time.Now().UTC()
	action.SuccessRate = recomputeRate(action.SuccessCount, action.ExecutionCount)

	if err := s.docs.Set(ctx, CollectionActions, action.ActionID, action); err != nil {
		return nil, fmt.Errorf("failed to create action: %w", err)
	}

	s.logger.Info("action created",
		slog.String("action_id", action.ActionID),
		slog.String("pattern_id", action.PatternID),
		slog.String("kind", string(action.Kind)),
		slog.Bool("active", action.Active),
	)

	return &action, nil
}

// GetAction returns one action by id.
func (s *Store) GetAction(ctx context.Context, actionID string) (*Action, error) {
	raw, err := s.docs.Get(ctx, CollectionActions, actionID)
	if err != nil {
		if errors.Is(err, storage.ErrDocumentNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrActionNotFound, actionID)
		}

		return nil, err
	}

	return decodeAction(raw)
}

// ListActions returns a pattern's actions ordered by id, optionally
// restricted to active ones.
func (s *Store) ListActions(ctx context.Context, patternID string, activeOnly bool) ([]Action, error) {
	criteria := storage.Criteria{"pattern_id": patternID}
	if activeOnly {
		criteria["active"] = true
	}

	raws, err := s.docs.Query(ctx, CollectionActions, criteria, 0)
	if err != nil {
		return nil, err
	}

	actions := make([]Action, 0, len(raws))

	for _, raw := range raws {
		action, err := decodeAction(raw)
		if err != nil {
			return nil, err
		}

		actions = append(actions, *action)
	}

	return actions, nil
}

// UpdateActionStats records one execution outcome against an action, same
// semantics as UpdatePatternStats.
func (s *Store) UpdateActionStats(ctx context.Context, actionID string, success bool) (*Action, error) {
	var updated Action

	err := s.docs.Update(ctx, CollectionActions, actionID, func(raw json.RawMessage) (any, error) {
		action, err := decodeAction(raw)
		if err != nil {
			return nil, err
		}

		bumpAction(action, success)
		updated = *action

		return action, nil
	})
	if err != nil {
		if errors.Is(err, storage.ErrDocumentNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrActionNotFound, actionID)
		}

		return nil, err
	}

	return &updated, nil
}

// SetActionActive flips an action's eligibility for strategy selection.
func (s *Store) SetActionActive(ctx context.Context, actionID string, active bool) error {
	err := s.docs.Update(ctx, CollectionActions, actionID, func(raw json.RawMessage) (any, error) {
		action, err := decodeAction(raw)
		if err != nil {
			return nil, err
		}

		action.Active = active

		return action, nil
	})
	if err != nil {
		if errors.Is(err, storage.ErrDocumentNotFound) {
			return fmt.Errorf("%w: %s", ErrActionNotFound, actionID)
		}

		return err
	}

	s.logger.Info("action activity changed",
		slog.String("action_id", actionID),
		slog.Bool("active", active),
	)

	return nil
}

// RecordOutcome bumps the pattern and action counters for one terminal
// healing outcome in a single transaction. Either both documents commit with
// the new counters or neither does; a partial update would break the
// success-rate invariants the orchestrator selects strategies by.
func (s *Store) RecordOutcome(ctx context.Context, patternID, actionID string, success bool) error {
	err := s.docs.Transact(ctx, func(tx storage.DocumentTx) error {
		return s.ApplyOutcomeTx(ctx, tx, patternID, actionID, success)
	})
	if err != nil {
		return err
	}

	s.logger.Debug("healing outcome recorded",
		slog.String("pattern_id", patternID),
		slog.String("action_id", actionID),
		slog.Bool("success", success),
	)

	return nil
}

// ApplyOutcomeTx bumps the pattern and action counter pair inside a
// caller-owned transaction. The healing store rides on this to commit an
// execution's terminal state and its counters atomically.
func (s *Store) ApplyOutcomeTx(ctx context.Context, tx storage.DocumentTx, patternID, actionID string, success bool) error {
	err := tx.Update(ctx, CollectionPatterns, patternID, func(raw json.RawMessage) (any, error) {
		pattern, err := decodePattern(raw)
		if err != nil {
			return nil, err
		}

		bumpPattern(pattern, success)

		return pattern, nil
	})
	if err != nil {
		if errors.Is(err, storage.ErrDocumentNotFound) {
			return fmt.Errorf("%w: %s", ErrPatternNotFound, patternID)
		}

		return err
	}

	return s.ApplyActionOutcomeTx(ctx, tx, actionID, success)
}

// ApplyActionOutcomeTx bumps one action's counters inside a caller-owned
// transaction. The feedback collector rides on this to commit a feedback
// record and the counters it implies atomically.
func (s *Store) ApplyActionOutcomeTx(ctx context.Context, tx storage.DocumentTx, actionID string, success bool) error {
	err := tx.Update(ctx, CollectionActions, actionID, func(raw json.RawMessage) (any, error) {
		action, err := decodeAction(raw)
		if err != nil {
			return nil, err
		}

		bumpAction(action, success)

		return action, nil
	})
	if err != nil {
		if errors.Is(err, storage.ErrDocumentNotFound) {
			return fmt.Errorf("%w: %s", ErrActionNotFound, actionID)
		}

		return err
	}

	return nil
}

// bumpPattern applies one healing outcome to a pattern's counters.
func bumpPattern(pattern *Pattern, success bool) {
	pattern.OccurrenceCount++

	if success {
		pattern.SuccessCount++
	}

	pattern.SuccessRate = recomputeRate(pattern.SuccessCount, pattern.OccurrenceCount)
	pattern.LastSeen = time.Now().UTC()
}

// bumpAction applies one execution outcome to an action's counters.
func bumpAction(action *Action, success bool) {
	action.ExecutionCount++

	if success {
		action.SuccessCount++
	}

	action.SuccessRate = recomputeRate(action.SuccessCount, action.ExecutionCount)
}

func decodePattern(raw json.RawMessage) (*Pattern, error) {
	var pattern Pattern
	if err := json.Unmarshal(raw, &pattern); err != nil {
		return nil, fmt.Errorf("failed to decode pattern: %w", err)
	}

	return &pattern, nil
}

func decodeAction(raw json.RawMessage) (*Action, error) {
	var action Action
	if err := json.Unmarshal(raw, &action); err != nil {
		return nil, fmt.Errorf("failed to decode action: %w", err)
	}

	return &action, nil
}
