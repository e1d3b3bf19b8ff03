package healing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipemend-io/pipemend/internal/config"
)

func TestSweepCancelsOrphansAndExpiresApprovals(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	h := newHealingHarness(t, config.HealingAutomatic, nil)

	now := time.Now().UTC()
	orphan := seedExecution(t, h, HealingExecution{
		HealingID: "heal-orphan",
		Status:    StatusInProgress,
		UpdatedAt: now.Add(-45 * time.Minute),
	})
	running := seedExecution(t, h, HealingExecution{
		HealingID: "heal-running",
		Status:    StatusInProgress,
		UpdatedAt: now.Add(-5 * time.Minute),
	})
	expired := seedExecution(t, h, HealingExecution{
		HealingID: "heal-expired",
		Status:    StatusApprovalRequired,
		UpdatedAt: now.Add(-25 * time.Hour),
	})
	parked := seedExecution(t, h, HealingExecution{
		HealingID: "heal-parked",
		Status:    StatusApprovalRequired,
		UpdatedAt: now.Add(-time.Hour),
	})

	sweeper := NewSweeper(SweeperConfig{Store: h.store, Interval: time.Hour})
	defer sweeper.Close()

	swept, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, swept)

	cancelled, err := h.store.Get(ctx, orphan.HealingID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, cancelled.Status)
	assert.Equal(t, "cancelled", cancelled.Reason)
	require.NotNil(t, cancelled.CompletionTime)

	rejected, err := h.store.Get(ctx, expired.HealingID)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, rejected.Status)
	assert.Equal(t, "approval window expired", rejected.Reason)
	assert.Equal(t, "approval_timeout", rejected.DecidedBy)

	untouched, err := h.store.Get(ctx, running.HealingID)
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, untouched.Status)

	untouched, err = h.store.Get(ctx, parked.HealingID)
	require.NoError(t, err)
	assert.Equal(t, StatusApprovalRequired, untouched.Status)

	// A second pass finds nothing left to close.
	swept, err = sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, swept)
}

func TestSweeperBackgroundLoop(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	h := newHealingHarness(t, config.HealingAutomatic, nil)

	orphan := seedExecution(t, h, HealingExecution{
		HealingID: "heal-orphan",
		Status:    StatusInProgress,
		UpdatedAt: time.Now().UTC().Add(-45 * time.Minute),
	})

	sweeper := NewSweeper(SweeperConfig{Store: h.store, Interval: 20 * time.Millisecond})

	require.Eventually(t, func() bool {
		execution, err := h.store.Get(context.Background(), orphan.HealingID)

		return err == nil && execution.Status == StatusFailed
	}, 2*time.Second, 10*time.Millisecond, "background sweep cancels the orphan")

	require.NoError(t, sweeper.Close())
	require.NoError(t, sweeper.Close(), "close is idempotent")
}
