// Package service wires the healing core's components into one supervised
// runtime: the Kafka event intake, the per-pipeline healing queue, the
// execution sweeper, and the periodic maintenance loops (pattern mining,
// analytical export, feedback pruning, model training).
//
// The runtime owns lifecycle only. Components are constructed and wired by
// the caller; the runtime starts them, supervises them, and shuts them down
// in order when a signal arrives or a worker fails.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pipemend-io/pipemend/internal/config"
	"github.com/pipemend-io/pipemend/internal/events"
	"github.com/pipemend-io/pipemend/internal/healing"
	"github.com/pipemend-io/pipemend/internal/learning"
	"github.com/pipemend-io/pipemend/internal/metadata"
	"github.com/pipemend-io/pipemend/internal/patterns"
)

// Default cadences for the maintenance loops.
const (
	DefaultScanInterval    = 1 * time.Hour
	DefaultExportInterval  = 15 * time.Minute
	DefaultPruneInterval   = 24 * time.Hour
	DefaultTrainInterval   = 6 * time.Hour
	DefaultShutdownTimeout = 30 * time.Second
)

// Sentinel errors for runtime configuration and shutdown.
var (
	// ErrMissingQueue indicates a runtime without a healing queue.
	ErrMissingQueue = errors.New("healing queue is required")

	// ErrShutdownTimeout indicates workers that did not stop within the
	// shutdown window.
	ErrShutdownTimeout = errors.New("shutdown timed out waiting for workers")
)

type (
	// Config wires the runtime's components and cadences. Only the queue is
	// required; every other component is optional and its loop is skipped
	// when nil.
	Config struct {
		// Queue is the per-pipeline healing intake. Required; Close drains
		// it on shutdown.
		Queue *healing.Queue

		// Consumer is the Kafka event intake. Nil disables event-driven
		// healing; the operator surface still works.
		Consumer *events.Consumer

		// Sweeper recovers orphaned and approval-expired executions. The
		// sweeper runs its own loop; the runtime only closes it.
		Sweeper *healing.Sweeper

		// Learner mines parked unmatched issues into new patterns on the
		// scan cadence.
		Learner *patterns.Learner

		// Metadata drives the analytical export loop. Exports run only
		// when ExportEnabled is set; the store stays authoritative either
		// way.
		Metadata      *metadata.Store
		ExportEnabled bool

		// Feedback is pruned to its retention window on the prune cadence.
		Feedback *learning.FeedbackCollector

		// Trainer retrains the classifier model on the train cadence.
		// ModelID names the model lineage the trainer versions under.
		Trainer *learning.ModelTrainer
		ModelID string

		// Loop cadences. Zero means the package default.
		ScanInterval   time.Duration
		ExportInterval time.Duration
		PruneInterval  time.Duration
		TrainInterval  time.Duration

		// ShutdownTimeout bounds how long Start waits for workers after a
		// shutdown signal. Zero means DefaultShutdownTimeout.
		ShutdownTimeout time.Duration

		// Logger receives structured logs. Nil means slog.Default().
		Logger *slog.Logger
	}

	// Runtime supervises the healing core's workers.
	Runtime struct {
		cfg    Config
		logger *slog.Logger
	}
)

// LoadLoopConfig reads the maintenance-loop cadences from the environment,
// falling back to the package defaults.
func LoadLoopConfig() (scan, export, prune, train, shutdown time.Duration) {
	return config.GetEnvDuration("PATTERN_SCAN_INTERVAL", DefaultScanInterval),
		config.GetEnvDuration("ANALYTICAL_EXPORT_INTERVAL", DefaultExportInterval),
		config.GetEnvDuration("FEEDBACK_PRUNE_INTERVAL", DefaultPruneInterval),
		config.GetEnvDuration("MODEL_TRAIN_INTERVAL", DefaultTrainInterval),
		config.GetEnvDuration("SHUTDOWN_TIMEOUT", DefaultShutdownTimeout)
}

// New creates a runtime over the given components.
func New(cfg Config) (*Runtime, error) {
	if cfg.Queue == nil {
		return nil, ErrMissingQueue
	}

	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = DefaultScanInterval
	}

	if cfg.ExportInterval <= 0 {
		cfg.ExportInterval = DefaultExportInterval
	}

	if cfg.PruneInterval <= 0 {
		cfg.PruneInterval = DefaultPruneInterval
	}

	if cfg.TrainInterval <= 0 {
		cfg.TrainInterval = DefaultTrainInterval
	}

	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Runtime{cfg: cfg, logger: logger}, nil
}

// Start runs the runtime until an interrupt or termination signal arrives,
// then shuts the workers down within the shutdown timeout. A worker failure
// also stops the runtime and is returned after cleanup.
func (r *Runtime) Start() error {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErrors := make(chan error, 1)

	go func() {
		runErrors <- r.Run(ctx)
	}()

	select {
	case err := <-runErrors:
		closeErr := r.Close()

		if err != nil {
			return fmt.Errorf("healing core failed: %w", err)
		}

		return closeErr

	case sig := <-stop:
		r.logger.Info("Received shutdown signal",
			slog.String("signal", sig.String()),
			slog.Duration("shutdown_timeout", r.cfg.ShutdownTimeout),
		)

		return r.shutdown(cancel, runErrors)
	}
}

// Run starts the event intake and the maintenance loops and blocks until the
// context is cancelled or a worker fails. Cancellation is a clean stop and
// returns nil.
func (r *Runtime) Run(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)

	if r.cfg.Consumer != nil {
		group.Go(func() error {
			return r.cfg.Consumer.Run(groupCtx)
		})
	} else {
		r.logger.Warn("Event intake disabled, no Kafka consumer configured")
	}

	if r.cfg.Learner != nil {
		group.Go(func() error {
			return r.scanLoop(groupCtx)
		})
	}

	if r.cfg.Metadata != nil && r.cfg.ExportEnabled {
		group.Go(func() error {
			return r.exportLoop(groupCtx)
		})
	}

	if r.cfg.Feedback != nil {
		group.Go(func() error {
			return r.pruneLoop(groupCtx)
		})
	}

	if r.cfg.Trainer != nil {
		group.Go(func() error {
			return r.trainLoop(groupCtx)
		})
	}

	r.logger.Info("Healing core running",
		slog.Bool("event_intake", r.cfg.Consumer != nil),
		slog.Bool("pattern_mining", r.cfg.Learner != nil),
		slog.Bool("analytical_export", r.cfg.Metadata != nil && r.cfg.ExportEnabled),
		slog.Bool("model_training", r.cfg.Trainer != nil),
	)

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

// Close releases the runtime's components: the consumer first so the intake
// stops, then the queue so in-flight healing drains, then the sweeper.
func (r *Runtime) Close() error {
	var errs []error

	if r.cfg.Consumer != nil {
		if err := r.cfg.Consumer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close event consumer: %w", err))
		}
	}

	if err := r.cfg.Queue.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close healing queue: %w", err))
	}

	if r.cfg.Sweeper != nil {
		if err := r.cfg.Sweeper.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close sweeper: %w", err))
		}
	}

	return errors.Join(errs...)
}

// shutdown cancels the workers, waits for them up to the shutdown timeout,
// and then closes the components regardless.
func (r *Runtime) shutdown(cancel context.CancelFunc, runErrors <-chan error) error {
	cancel()

	var errs []error

	select {
	case err := <-runErrors:
		if err != nil {
			errs = append(errs, err)
		}

	case <-time.After(r.cfg.ShutdownTimeout):
		errs = append(errs, ErrShutdownTimeout)
	}

	if err := r.Close(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) == 0 {
		r.logger.Info("Healing core stopped")
	}

	return errors.Join(errs...)
}

// scanLoop mines parked unmatched issues into new patterns on a fixed
// cadence.
func (r *Runtime) scanLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-ticker.C:
			minted, err := r.cfg.Learner.Scan(ctx)
			if err != nil {
				r.logger.Error("Pattern scan failed", slog.String("error", err.Error()))

				continue
			}

			if len(minted) > 0 {
				r.logger.Info("Pattern scan minted new patterns", slog.Int("count", len(minted)))
			}
		}
	}
}

// exportLoop copies recently updated metadata records into the analytical
// store. Each window starts where the previous successful export ended, so
// a failed export is retried over the widened window on the next tick.
func (r *Runtime) exportLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.ExportInterval)
	defer ticker.Stop()

	since := time.Now().UTC().Add(-r.cfg.ExportInterval)

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-ticker.C:
			end := time.Now().UTC()

			exported, err := r.cfg.Metadata.ExportToAnalytical(ctx, since, end)
			if err != nil {
				r.logger.Error("Analytical export failed",
					slog.Time("window_start", since),
					slog.String("error", err.Error()),
				)

				continue
			}

			since = end

			if exported > 0 {
				r.logger.Info("Exported metadata to analytical store", slog.Int("records", exported))
			}
		}
	}
}

// pruneLoop drops learning feedback older than the retention window.
func (r *Runtime) pruneLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-ticker.C:
			pruned, err := r.cfg.Feedback.Prune(ctx)
			if err != nil {
				r.logger.Error("Feedback prune failed", slog.String("error", err.Error()))

				continue
			}

			if pruned > 0 {
				r.logger.Info("Pruned expired feedback", slog.Int("records", pruned))
			}
		}
	}
}

// trainLoop retrains the classifier model from accumulated feedback. Runs
// below the sample floor are routine early on and logged at debug.
func (r *Runtime) trainLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.TrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-ticker.C:
			run, err := r.cfg.Trainer.Train(ctx, r.cfg.ModelID)
			if err != nil {
				if errors.Is(err, learning.ErrNotEnoughSamples) {
					r.logger.Debug("Skipping training run, not enough samples",
						slog.String("model_id", r.cfg.ModelID),
					)

					continue
				}

				r.logger.Error("Training run failed",
					slog.String("model_id", r.cfg.ModelID),
					slog.String("error", err.Error()),
				)

				continue
			}

			r.logger.Info("Training run complete",
				slog.String("model_id", run.ModelID),
				slog.String("version", run.Version),
				slog.Bool("promoted", run.Promoted),
			)
		}
	}
}
