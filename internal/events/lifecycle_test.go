package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipemend-io/pipemend/internal/metadata"
)

func TestValidateStatusTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    metadata.ExecutionStatus
		to      metadata.ExecutionStatus
		wantErr error
	}{
		{name: "pending to running", from: metadata.StatusPending, to: metadata.StatusRunning},
		{name: "pending to failed", from: metadata.StatusPending, to: metadata.StatusFailed},
		{name: "running to success", from: metadata.StatusRunning, to: metadata.StatusSuccess},
		{name: "running to failed", from: metadata.StatusRunning, to: metadata.StatusFailed},
		{name: "running to healing", from: metadata.StatusRunning, to: metadata.StatusHealing},
		{name: "running heartbeat", from: metadata.StatusRunning, to: metadata.StatusRunning},
		{name: "healing back to running", from: metadata.StatusHealing, to: metadata.StatusRunning},
		{name: "healing to success", from: metadata.StatusHealing, to: metadata.StatusSuccess},
		{name: "healing to failed", from: metadata.StatusHealing, to: metadata.StatusFailed},
		{name: "healing heartbeat", from: metadata.StatusHealing, to: metadata.StatusHealing},
		{name: "success redelivery is idempotent", from: metadata.StatusSuccess, to: metadata.StatusSuccess},
		{name: "failed redelivery is idempotent", from: metadata.StatusFailed, to: metadata.StatusFailed},
		{
			name:    "success is immutable",
			from:    metadata.StatusSuccess,
			to:      metadata.StatusRunning,
			wantErr: ErrTerminalImmutable,
		},
		{
			name:    "failed is immutable",
			from:    metadata.StatusFailed,
			to:      metadata.StatusHealing,
			wantErr: ErrTerminalImmutable,
		},
		{
			name:    "duplicate pending",
			from:    metadata.StatusPending,
			to:      metadata.StatusPending,
			wantErr: ErrDuplicatePending,
		},
		{
			name:    "running back to pending",
			from:    metadata.StatusRunning,
			to:      metadata.StatusPending,
			wantErr: ErrBackwardTransition,
		},
		{
			name:    "healing back to pending",
			from:    metadata.StatusHealing,
			to:      metadata.StatusPending,
			wantErr: ErrBackwardTransition,
		},
		{
			name:    "pending straight to healing",
			from:    metadata.StatusPending,
			to:      metadata.StatusHealing,
			wantErr: ErrInvalidTransition,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateStatusTransition(tt.from, tt.to)

			if tt.wantErr != nil {
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.wantErr)

				return
			}

			assert.NoError(t, err)
		})
	}
}

func TestSortEventsByTime(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	events := []ExecutionEvent{
		{ExecutionID: "e1", Status: metadata.StatusSuccess, EventTime: base.Add(2 * time.Minute)},
		{ExecutionID: "e1", Status: metadata.StatusPending, EventTime: base},
		{ExecutionID: "e1", Status: metadata.StatusRunning, EventTime: base.Add(time.Minute)},
	}

	sorted := SortEventsByTime(events)

	require.Len(t, sorted, 3)
	assert.Equal(t, metadata.StatusPending, sorted[0].Status)
	assert.Equal(t, metadata.StatusRunning, sorted[1].Status)
	assert.Equal(t, metadata.StatusSuccess, sorted[2].Status)

	// Original slice untouched.
	assert.Equal(t, metadata.StatusSuccess, events[0].Status)
}

func TestValidateEventSequence(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	event := func(status metadata.ExecutionStatus, offset time.Duration) ExecutionEvent {
		return ExecutionEvent{
			Scope:       ScopePipeline,
			ExecutionID: "exec-1",
			Status:      status,
			EventTime:   base.Add(offset),
		}
	}

	t.Run("out of order delivery sorts and validates", func(t *testing.T) {
		events := []ExecutionEvent{
			event(metadata.StatusSuccess, 3*time.Minute),
			event(metadata.StatusPending, 0),
			event(metadata.StatusRunning, time.Minute),
		}

		sorted, final, err := ValidateEventSequence(events)

		require.NoError(t, err)
		require.Len(t, sorted, 3)
		assert.Equal(t, metadata.StatusSuccess, final)
	})

	t.Run("healing round trip", func(t *testing.T) {
		events := []ExecutionEvent{
			event(metadata.StatusRunning, 0),
			event(metadata.StatusHealing, time.Minute),
			event(metadata.StatusRunning, 2*time.Minute),
			event(metadata.StatusSuccess, 3*time.Minute),
		}

		_, final, err := ValidateEventSequence(events)

		require.NoError(t, err)
		assert.Equal(t, metadata.StatusSuccess, final)
	})

	t.Run("transition out of terminal fails", func(t *testing.T) {
		events := []ExecutionEvent{
			event(metadata.StatusFailed, 0),
			event(metadata.StatusRunning, time.Minute),
		}

		_, _, err := ValidateEventSequence(events)

		require.Error(t, err)
		assert.ErrorIs(t, err, ErrTerminalImmutable)
	})

	t.Run("empty list", func(t *testing.T) {
		_, _, err := ValidateEventSequence(nil)

		assert.ErrorIs(t, err, ErrEmptyEventList)
	})
}

func TestExecutionEventValidate(t *testing.T) {
	valid := ExecutionEvent{
		Scope:       ScopeTask,
		Status:      metadata.StatusFailed,
		ExecutionID: "exec-1",
		TaskID:      "load",
		EventTime:   time.Now().UTC(),
	}

	t.Run("valid task event", func(t *testing.T) {
		assert.NoError(t, valid.Validate())
	})

	t.Run("unknown scope", func(t *testing.T) {
		bad := valid
		bad.Scope = "job"

		assert.ErrorIs(t, bad.Validate(), ErrUnknownScope)
	})

	t.Run("unknown status", func(t *testing.T) {
		bad := valid
		bad.Status = "DONE"

		assert.ErrorIs(t, bad.Validate(), ErrUnknownStatus)
	})

	t.Run("missing execution id", func(t *testing.T) {
		bad := valid
		bad.ExecutionID = ""

		assert.ErrorIs(t, bad.Validate(), ErrInvalidEvent)
	})

	t.Run("task event needs task id", func(t *testing.T) {
		bad := valid
		bad.TaskID = ""

		assert.ErrorIs(t, bad.Validate(), ErrInvalidEvent)
	})

	t.Run("missing event time", func(t *testing.T) {
		bad := valid
		bad.EventTime = time.Time{}

		assert.ErrorIs(t, bad.Validate(), ErrInvalidEvent)
	})
}
