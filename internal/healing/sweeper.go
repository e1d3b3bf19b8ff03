package healing

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pipemend-io/pipemend/internal/config"
)

// Sweep cadence and bounds.
const (
	// defaultSweepInterval is how often the sweeper scans for stale
	// executions.
	defaultSweepInterval = time.Minute

	// sweepTimeout bounds one sweep pass.
	sweepTimeout = 30 * time.Second
)

type (
	// SweeperConfig configures the stale-execution sweeper.
	SweeperConfig struct {
		// Store is the healing execution store. Required.
		Store *Store

		// Interval is the scan cadence. Zero means one minute.
		Interval time.Duration

		// OrphanTimeout is how long an execution may sit IN_PROGRESS before
		// it is considered abandoned. Zero means the process default.
		OrphanTimeout time.Duration

		// ApprovalTimeout is how long an execution may wait at the approval
		// gate before it expires. Zero means the process default.
		ApprovalTimeout time.Duration

		// Logger receives structured logs. Nil means slog.Default().
		Logger *slog.Logger
	}

	// Sweeper closes out executions the loop lost track of: IN_PROGRESS
	// runs whose worker died become FAILED("cancelled"), and approval
	// requests nobody decided expire to REJECTED. It runs its own ticker
	// goroutine from construction until Close.
	Sweeper struct {
		store           *Store
		interval        time.Duration
		orphanTimeout   time.Duration
		approvalTimeout time.Duration
		logger          *slog.Logger

		stop      chan struct{}
		done      chan struct{}
		closeOnce sync.Once
	}
)

// NewSweeper creates the sweeper and starts its scan goroutine.
func NewSweeper(cfg SweeperConfig) *Sweeper {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultSweepInterval
	}

	orphanTimeout := cfg.OrphanTimeout
	if orphanTimeout <= 0 {
		orphanTimeout = config.DefaultOrphanTimeoutMinutes * time.Minute
	}

	approvalTimeout := cfg.ApprovalTimeout
	if approvalTimeout <= 0 {
		approvalTimeout = config.DefaultApprovalTimeoutHours * time.Hour
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	sweeper := &Sweeper{
		store:           cfg.Store,
		interval:        interval,
		orphanTimeout:   orphanTimeout,
		approvalTimeout: approvalTimeout,
		logger:          logger,
		stop:            make(chan struct{}),
		done:            make(chan struct{}),
	}

	go sweeper.run()

	sweeper.logger.Info("healing sweeper started",
		slog.Duration("interval", interval),
		slog.Duration("orphan_timeout", orphanTimeout),
		slog.Duration("approval_timeout", approvalTimeout))

	return sweeper
}

// Close stops the scan goroutine. Safe to call more than once.
func (s *Sweeper) Close() error {
	s.closeOnce.Do(func() {
		close(s.stop)

		select {
		case <-s.done:
			s.logger.Info("healing sweeper stopped")
		case <-time.After(queueShutdownTimeout):
			s.logger.Warn("healing sweeper did not stop within timeout")
		}
	})

	return nil
}

// Sweep runs one pass and returns how many executions it closed out. It is
// exported so the service can force a pass and tests can drive it directly.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	swept := 0

	orphans, err := s.store.ListStale(ctx, StatusInProgress, now.Add(-s.orphanTimeout))
	if err != nil {
		return swept, fmt.Errorf("failed to list orphaned executions: %w", err)
	}

	for i := range orphans {
		execution := &orphans[i]

		if _, err := s.store.Complete(ctx, execution.HealingID, Outcome{
			Status: StatusFailed,
			Reason: "cancelled",
		}); err != nil {
			s.logger.Error("failed to cancel orphaned execution",
				slog.String("healing_id", execution.HealingID),
				slog.String("error", err.Error()))

			continue
		}

		swept++

		s.logger.Warn("orphaned healing execution cancelled",
			slog.String("healing_id", execution.HealingID),
			slog.Time("stale_since", execution.UpdatedAt))
	}

	expired, err := s.store.ListStale(ctx, StatusApprovalRequired, now.Add(-s.approvalTimeout))
	if err != nil {
		return swept, fmt.Errorf("failed to list expired approvals: %w", err)
	}

	for i := range expired {
		execution := &expired[i]

		if _, err := s.store.Complete(ctx, execution.HealingID, Outcome{
			Status:    StatusRejected,
			Reason:    "approval window expired",
			DecidedBy: "approval_timeout",
		}); err != nil {
			s.logger.Error("failed to expire approval request",
				slog.String("healing_id", execution.HealingID),
				slog.String("error", err.Error()))

			continue
		}

		swept++

		s.logger.Warn("healing approval request expired",
			slog.String("healing_id", execution.HealingID),
			slog.Time("waiting_since", execution.UpdatedAt))
	}

	return swept, nil
}

func (s *Sweeper) run() {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)

			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Error("healing sweep failed", slog.String("error", err.Error()))
			}

			cancel()
		}
	}
}
