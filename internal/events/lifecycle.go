package events

import (
	"errors"
	"fmt"
	"sort"

	"github.com/pipemend-io/pipemend/internal/metadata"
)

// Sentinel errors for lifecycle validation. Usable with errors.Is.
var (
	// ErrInvalidTransition indicates a transition outside the execution
	// lifecycle.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrTerminalImmutable indicates a transition out of SUCCESS or FAILED.
	// Only a manual reset may move a terminal execution.
	ErrTerminalImmutable = errors.New("terminal status is immutable")

	// ErrDuplicatePending indicates a second PENDING event for the same
	// execution.
	ErrDuplicatePending = errors.New("duplicate PENDING event")

	// ErrBackwardTransition indicates a transition back toward PENDING.
	ErrBackwardTransition = errors.New("cannot transition backwards")

	// ErrEmptyEventList indicates sequence validation over zero events.
	ErrEmptyEventList = errors.New("empty event list")
)

// forwardTransitions holds the legal non-terminal moves. Repeating RUNNING
// or HEALING is legal: orchestrators re-emit in-flight states as heartbeats.
var forwardTransitions = map[metadata.ExecutionStatus]map[metadata.ExecutionStatus]bool{
	metadata.StatusPending: {
		metadata.StatusRunning: true,
		metadata.StatusFailed:  true,
	},
	metadata.StatusRunning: {
		metadata.StatusRunning: true,
		metadata.StatusSuccess: true,
		metadata.StatusFailed:  true,
		metadata.StatusHealing: true,
	},
	metadata.StatusHealing: {
		metadata.StatusHealing: true,
		metadata.StatusRunning: true,
		metadata.StatusSuccess: true,
		metadata.StatusFailed:  true,
	},
}

// ValidateStatusTransition validates one move through the execution
// lifecycle.
//
// Valid transitions:
//   - PENDING → {RUNNING, FAILED}
//   - RUNNING → {RUNNING, SUCCESS, FAILED, HEALING}
//   - HEALING → {HEALING, RUNNING, SUCCESS, FAILED}
//   - SUCCESS/FAILED → same state (idempotent redelivery)
//
// Invalid transitions:
//   - SUCCESS/FAILED → any different state (terminal immutability)
//   - PENDING → PENDING (duplicate scheduling event)
//   - any state → PENDING (backwards)
func ValidateStatusTransition(from, to metadata.ExecutionStatus) error {
	if from.IsTerminal() {
		if from != to {
			return fmt.Errorf("%w: %s → %s", ErrTerminalImmutable, from, to)
		}

		return nil
	}

	if from == metadata.StatusPending && to == metadata.StatusPending {
		return fmt.Errorf("%w: execution already scheduled", ErrDuplicatePending)
	}

	if to == metadata.StatusPending {
		return fmt.Errorf("%w: %s → PENDING", ErrBackwardTransition, from)
	}

	if forwardTransitions[from][to] {
		return nil
	}

	return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, to)
}

// SortEventsByTime returns the events ordered by EventTime ascending. The
// input is not modified. Delivery order is meaningless for ordering
// decisions: network delays and consumer rebalances reorder events freely.
func SortEventsByTime(events []ExecutionEvent) []ExecutionEvent {
	sorted := make([]ExecutionEvent, len(events))
	copy(sorted, events)

	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].EventTime.Before(sorted[j].EventTime)
	})

	return sorted
}

// ValidateEventSequence sorts events chronologically and validates every
// transition in order. It returns the sorted events and the final status,
// ready for persistence.
func ValidateEventSequence(events []ExecutionEvent) ([]ExecutionEvent, metadata.ExecutionStatus, error) {
	if len(events) == 0 {
		return nil, "", ErrEmptyEventList
	}

	sorted := SortEventsByTime(events)
	current := sorted[0].Status

	for i := 1; i < len(sorted); i++ {
		next := sorted[i].Status

		if err := ValidateStatusTransition(current, next); err != nil {
			return nil, "", fmt.Errorf("transition %d failed (%s → %s at %s): %w",
				i, current, next, sorted[i].EventTime.Format("15:04:05"), err)
		}

		current = next
	}

	return sorted, current, nil
}
