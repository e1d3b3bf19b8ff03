package learning

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/pipemend-io/pipemend/internal/config"
	"github.com/pipemend-io/pipemend/internal/patterns"
	"github.com/pipemend-io/pipemend/internal/storage"
)

type (
	// CollectorConfig configures a feedback collector.
	CollectorConfig struct {
		// Actions receives counter bumps for the referenced actions. Nil
		// skips counter propagation.
		Actions *patterns.Store

		// Retention bounds how long feedback is kept. Zero means the
		// process default.
		Retention time.Duration

		// Logger receives structured operation logs. Nil means slog.Default().
		Logger *slog.Logger
	}

	// FeedbackCollector persists healing-outcome observations and keeps the
	// referenced action counters in step with them. One feedback record and
	// its counter bump commit in a single transaction.
	FeedbackCollector struct {
		docs      storage.DocumentStore
		actions   *patterns.Store
		retention time.Duration
		logger    *slog.Logger
	}
)

// NewFeedbackCollector creates a feedback collector over the document store.
func NewFeedbackCollector(docs storage.DocumentStore, cfg CollectorConfig) *FeedbackCollector {
	retention := cfg.Retention
	if retention <= 0 {
		retention = config.DefaultFeedbackRetentionDays * 24 * time.Hour
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &FeedbackCollector{
		docs:      docs,
		actions:   cfg.Actions,
		retention: retention,
		logger:    logger,
	}
}

// Record persists one feedback record and bumps the referenced action's
// counters in the same transaction. A zero confidence defaults to 1: a
// source that does not qualify its observation is taken at face value.
func (c *FeedbackCollector) Record(ctx context.Context, feedback Feedback) (*Feedback, error) {
	if feedback.Confidence == 0 {
		feedback.Confidence = 1
	}

	if err := feedback.Validate(); err != nil {
		return nil, err
	}

	if feedback.FeedbackID == "" {
		feedback.FeedbackID = uuid.NewString()
	}

	if feedback.CreatedAt.IsZero() {
		feedback.CreatedAt = time.Now().UTC()
	}

	err := c.docs.Transact(ctx, func(tx storage.DocumentTx) error {
		if err := tx.Set(ctx, CollectionFeedback, feedback.FeedbackID, feedback); err != nil {
			return fmt.Errorf("failed to persist feedback: %w", err)
		}

		if c.actions == nil {
			return nil
		}

		return c.actions.ApplyActionOutcomeTx(ctx, tx, feedback.ActionID, feedback.Successful)
	})
	if err != nil {
		return nil, err
	}

	c.logger.Info("feedback recorded",
		slog.String("feedback_id", feedback.FeedbackID),
		slog.String("action_id", feedback.ActionID),
		slog.String("kind", feedback.Kind.String()),
		slog.Bool("successful", feedback.Successful),
	)

	return &feedback, nil
}

// Get returns one feedback record by id.
func (c *FeedbackCollector) Get(ctx context.Context, feedbackID string) (*Feedback, error) {
	raw, err := c.docs.Get(ctx, CollectionFeedback, feedbackID)
	if err != nil {
		return nil, err
	}

	return decodeFeedback(raw)
}

// Window returns feedback created at or after since, newest last.
func (c *FeedbackCollector) Window(ctx context.Context, since time.Time) ([]Feedback, error) {
	criteria := storage.Criteria{
		"created_at": map[string]any{storage.OpGTE: since.UTC().Format(time.RFC3339Nano)},
	}

	raws, err := c.docs.Query(ctx, CollectionFeedback, criteria, 0)
	if err != nil {
		return nil, err
	}

	records := make([]Feedback, 0, len(raws))

	for _, raw := range raws {
		record, err := decodeFeedback(raw)
		if err != nil {
			return nil, err
		}

		records = append(records, *record)
	}

	return records, nil
}

// ForAction returns the window's feedback for one action.
func (c *FeedbackCollector) ForAction(ctx context.Context, actionID string, since time.Time) ([]Feedback, error) {
	records, err := c.Window(ctx, since)
	if err != nil {
		return nil, err
	}

	matched := records[:0]

	for i := range records {
		if records[i].ActionID == actionID {
			matched = append(matched, records[i])
		}
	}

	return matched, nil
}

// Prune deletes feedback older than the retention window and returns how
// many records it removed.
func (c *FeedbackCollector) Prune(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-c.retention)
	criteria := storage.Criteria{
		"created_at": map[string]any{storage.OpLTE: cutoff.Format(time.RFC3339Nano)},
	}

	raws, err := c.docs.Query(ctx, CollectionFeedback, criteria, 0)
	if err != nil {
		return 0, err
	}

	pruned := 0

	for _, raw := range raws {
		record, err := decodeFeedback(raw)
		if err != nil {
			return pruned, err
		}

		if err := c.docs.Delete(ctx, CollectionFeedback, record.FeedbackID); err != nil {
			return pruned, fmt.Errorf("failed to prune feedback %s: %w", record.FeedbackID, err)
		}

		pruned++
	}

	if pruned > 0 {
		c.logger.Info("feedback pruned",
			slog.Int("records", pruned),
			slog.Time("cutoff", cutoff),
		)
	}

	return pruned, nil
}

func decodeFeedback(raw json.RawMessage) (*Feedback, error) {
	var feedback Feedback
	if err := json.Unmarshal(raw, &feedback); err != nil {
		return nil, fmt.Errorf("failed to decode feedback: %w", err)
	}

	return &feedback, nil
}
