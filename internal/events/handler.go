package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/pipemend-io/pipemend/internal/healing"
	"github.com/pipemend-io/pipemend/internal/issues"
	"github.com/pipemend-io/pipemend/internal/metadata"
)

type (
	// HealIntake accepts failed work for recovery. Satisfied by
	// *healing.Queue.
	HealIntake interface {
		Enqueue(ctx context.Context, req healing.HealRequest) error
	}

	// HandlerConfig wires the event handler's collaborators.
	HandlerConfig struct {
		// Metadata records every event. Required.
		Metadata *metadata.Store

		// Intake receives failure events for healing. Nil disables healing
		// intake; events are still recorded.
		Intake HealIntake

		// Logger receives structured logs. Nil means slog.Default().
		Logger *slog.Logger
	}

	// Handler applies one execution event: track or update the matching
	// metadata record, then hand failures to the healing intake. Handle is
	// safe for concurrent use; per-execution write ordering is the
	// metadata store's concern.
	Handler struct {
		metadata *metadata.Store
		intake   HealIntake
		logger   *slog.Logger
	}
)

// NewHandler creates an event handler.
func NewHandler(cfg HandlerConfig) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Handler{
		metadata: cfg.Metadata,
		intake:   cfg.Intake,
		logger:   logger,
	}
}

// Handle processes one execution event. Validation failures wrap
// ErrInvalidEvent so the consumer can skip poison messages; store failures
// are returned as-is so the message is redelivered.
func (h *Handler) Handle(ctx context.Context, event ExecutionEvent) error {
	if err := h.record(ctx, event); err != nil {
		return err
	}

	if !event.IsFailure() || h.intake == nil {
		return nil
	}

	return h.submitFailure(ctx, event)
}

// record tracks a new execution record or applies a status update to the
// existing one. A PENDING event always creates; anything else updates and
// falls back to create when no record exists yet, which covers consumers
// that joined mid-run.
func (h *Handler) record(ctx context.Context, event ExecutionEvent) error {
	if err := event.Validate(); err != nil {
		return err
	}

	var err error

	switch event.Scope {
	case ScopePipeline:
		err = h.recordPipeline(ctx, event)
	case ScopeTask:
		err = h.recordTask(ctx, event)
	}

	if errors.Is(err, metadata.ErrTerminalStatus) {
		// Redelivered terminal event; the record is already closed out.
		h.logger.Debug("dropped status update against terminal execution",
			slog.String("execution_id", event.ExecutionID),
			slog.String("task_id", event.TaskID),
			slog.String("status", string(event.Status)),
		)

		return nil
	}

	return err
}

func (h *Handler) recordPipeline(ctx context.Context, event ExecutionEvent) error {
	if event.Status != metadata.StatusPending {
		_, err := h.metadata.UpdatePipelineExecution(ctx, event.ExecutionID, executionUpdate(event))
		if !errors.Is(err, metadata.ErrRecordNotFound) {
			return err
		}
	}

	_, err := h.metadata.TrackPipelineExecution(ctx, metadata.PipelineExecutionRecord{
		ExecutionID:  event.ExecutionID,
		PipelineID:   event.PipelineID,
		Status:       event.Status,
		StartTime:    event.EventTime,
		Parameters:   event.Params,
		Metrics:      metricsBlob(event.Metrics),
		ErrorDetails: errorDetails(event),
	})

	return err
}

func (h *Handler) recordTask(ctx context.Context, event ExecutionEvent) error {
	if event.Status != metadata.StatusPending {
		_, err := h.metadata.UpdateTaskExecution(ctx, event.ExecutionID, event.TaskID, executionUpdate(event))
		if !errors.Is(err, metadata.ErrRecordNotFound) {
			return err
		}
	}

	_, err := h.metadata.TrackTaskExecution(ctx, metadata.TaskExecutionRecord{
		TaskID:       event.TaskID,
		ExecutionID:  event.ExecutionID,
		TaskKind:     event.TaskKind,
		Status:       event.Status,
		StartTime:    event.EventTime,
		Params:       event.Params,
		Metrics:      metricsBlob(event.Metrics),
		ErrorDetails: errorDetails(event),
	})

	return err
}

// submitFailure hands a failed event to the healing intake. A full lane is
// not an error here: the queue has already logged the drop and recorded it
// in metadata.
func (h *Handler) submitFailure(ctx context.Context, event ExecutionEvent) error {
	err := h.intake.Enqueue(ctx, healing.HealRequest{
		Descriptor: descriptorFor(event),
	})
	if err == nil || errors.Is(err, healing.ErrQueueFull) {
		return nil
	}

	if errors.Is(err, healing.ErrQueueClosed) {
		h.logger.Warn("healing intake closed; failure recorded without healing",
			slog.String("execution_id", event.ExecutionID),
			slog.String("task_id", event.TaskID),
		)

		return nil
	}

	return fmt.Errorf("failed to submit failure for healing: %w", err)
}

// descriptorFor maps a failure event onto the issue descriptor the
// classifier consumes.
func descriptorFor(event ExecutionEvent) *issues.IssueDescriptor {
	context := map[string]any{"scope": event.Scope.String()}

	if event.Producer != "" {
		context["producer"] = event.Producer
	}

	if event.TaskKind != "" {
		context["task_kind"] = event.TaskKind
	}

	return &issues.IssueDescriptor{
		ErrorMessage: event.ErrorMessage,
		StackTrace:   event.StackTrace,
		Component:    event.Component,
		Dataset:      event.Dataset,
		Table:        event.Table,
		PipelineID:   event.PipelineID,
		ExecutionID:  event.ExecutionID,
		TaskID:       event.TaskID,
		RetryCount:   event.RetryCount,
		IsCritical:   event.IsCritical,
		Metrics:      event.Metrics,
		Context:      context,
		OccurredAt:   event.EventTime,
	}
}

func executionUpdate(event ExecutionEvent) metadata.ExecutionUpdate {
	update := metadata.ExecutionUpdate{
		Status:       event.Status,
		Metrics:      metricsBlob(event.Metrics),
		ErrorDetails: errorDetails(event),
	}

	if event.Status.IsTerminal() {
		end := event.EventTime
		update.EndTime = &end
	}

	return update
}

func metricsBlob(metrics map[string]float64) map[string]any {
	if len(metrics) == 0 {
		return nil
	}

	blob := make(map[string]any, len(metrics))
	for name, value := range metrics {
		blob[name] = value
	}

	return blob
}

func errorDetails(event ExecutionEvent) map[string]any {
	if event.ErrorMessage == "" && event.StackTrace == "" {
		return nil
	}

	details := map[string]any{"message": event.ErrorMessage}

	if event.StackTrace != "" {
		details["stack_trace"] = event.StackTrace
	}

	if event.Component != "" {
		details["component"] = event.Component
	}

	return details
}
