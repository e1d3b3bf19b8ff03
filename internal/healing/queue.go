package healing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pipemend-io/pipemend/internal/config"
	"github.com/pipemend-io/pipemend/internal/metadata"
)

// Queue processing limits.
const (
	// defaultHealTimeout bounds one queued healing attempt end to end.
	defaultHealTimeout = 5 * time.Minute

	// queueShutdownTimeout bounds how long Close waits for workers.
	queueShutdownTimeout = 5 * time.Second
)

// Sentinel errors for queue intake.
var (
	// ErrQueueFull indicates the pipeline's healing lane is at depth.
	ErrQueueFull = errors.New("healing queue full")

	// ErrQueueClosed indicates the queue no longer accepts requests.
	ErrQueueClosed = errors.New("healing queue closed")
)

type (
	// QueueConfig configures the healing intake queue.
	QueueConfig struct {
		// Orchestrator runs the queued healing attempts. Required.
		Orchestrator *Orchestrator

		// Metadata records dropped requests so overflow is visible in the
		// audit trail. Nil skips the record.
		Metadata *metadata.Store

		// Depth bounds each pipeline's lane. Zero means the process default.
		Depth int

		// HealTimeout bounds one healing attempt. Zero means five minutes.
		HealTimeout time.Duration

		// Logger receives structured logs. Nil means slog.Default().
		Logger *slog.Logger
	}

	// Queue buffers healing requests per pipeline and works each lane with
	// one goroutine, so healing attempts for the same pipeline never race
	// each other. A full lane drops the request loudly instead of blocking
	// the event intake.
	Queue struct {
		orchestrator *Orchestrator
		metadata     *metadata.Store
		depth        int
		healTimeout  time.Duration
		logger       *slog.Logger

		mu     sync.Mutex
		lanes  map[string]chan HealRequest
		closed bool

		stop      chan struct{}
		wg        sync.WaitGroup
		closeOnce sync.Once
	}
)

// NewQueue creates the healing intake queue.
func NewQueue(cfg QueueConfig) *Queue {
	depth := cfg.Depth
	if depth <= 0 {
		depth = config.DefaultHealingQueueDepth
	}

	healTimeout := cfg.HealTimeout
	if healTimeout <= 0 {
		healTimeout = defaultHealTimeout
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Queue{
		orchestrator: cfg.Orchestrator,
		metadata:     cfg.Metadata,
		depth:        depth,
		healTimeout:  healTimeout,
		logger:       logger,
		lanes:        make(map[string]chan HealRequest),
		stop:         make(chan struct{}),
	}
}

// Enqueue submits a healing request to its pipeline's lane. Requests without
// a pipeline id share one lane. Overflow logs, records a DROPPED metadata
// record, and returns ErrQueueFull; no healing execution is created.
func (q *Queue) Enqueue(ctx context.Context, req HealRequest) error {
	if req.Descriptor == nil {
		return fmt.Errorf("heal request needs an issue descriptor")
	}

	lane, err := q.lane(req.Descriptor.PipelineID)
	if err != nil {
		return err
	}

	select {
	case lane <- req:
		return nil
	default:
		q.drop(ctx, req)

		return fmt.Errorf("%w: pipeline %s at depth %d",
			ErrQueueFull, req.Descriptor.PipelineID, q.depth)
	}
}

// Backlog returns the number of requests waiting in a pipeline's lane.
func (q *Queue) Backlog(pipelineID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.lanes[pipelineID])
}

// Close stops the workers. Requests still buffered in lanes are discarded;
// attempts already running finish within their own timeout. Safe to call
// more than once.
func (q *Queue) Close() error {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		q.mu.Unlock()

		close(q.stop)

		done := make(chan struct{})

		go func() {
			q.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			q.logger.Info("healing queue stopped")
		case <-time.After(queueShutdownTimeout):
			q.logger.Warn("healing queue workers did not stop within timeout")
		}
	})

	return nil
}

// lane returns the pipeline's channel, starting its worker on first use.
func (q *Queue) lane(pipelineID string) (chan HealRequest, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrQueueClosed
	}

	lane, ok := q.lanes[pipelineID]
	if !ok {
		lane = make(chan HealRequest, q.depth)
		q.lanes[pipelineID] = lane

		q.wg.Add(1)

		go q.worker(pipelineID, lane)
	}

	return lane, nil
}

func (q *Queue) worker(pipelineID string, lane <-chan HealRequest) {
	defer q.wg.Done()

	for {
		select {
		case <-q.stop:
			return
		case req := <-lane:
			q.heal(pipelineID, req)
		}
	}
}

// heal runs one queued attempt. Domain rejections are expected traffic and
// log below error level; only infrastructure failures escalate.
func (q *Queue) heal(pipelineID string, req HealRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), q.healTimeout)
	defer cancel()

	result, err := q.orchestrator.Heal(ctx, req)
	if err != nil {
		switch {
		case errors.Is(err, ErrDuplicateInFlight):
			q.logger.Info("healing already in flight, request skipped",
				slog.String("pipeline_id", pipelineID),
				slog.String("execution_id", req.Descriptor.ExecutionID))
		case errors.Is(err, ErrAttemptsExhausted):
			q.logger.Warn("recovery attempts exhausted, operator attention needed",
				slog.String("pipeline_id", pipelineID),
				slog.String("execution_id", req.Descriptor.ExecutionID))
		default:
			q.logger.Error("queued healing attempt failed",
				slog.String("pipeline_id", pipelineID),
				slog.String("execution_id", req.Descriptor.ExecutionID),
				slog.String("error", err.Error()))
		}

		return
	}

	if result.Execution != nil {
		q.logger.Info("queued healing attempt processed",
			slog.String("pipeline_id", pipelineID),
			slog.String("healing_id", result.Execution.HealingID),
			slog.String("status", result.Execution.Status.String()))
	}
}

// drop records an overflow: a warning plus a DROPPED audit record carrying
// enough to replay the request by hand.
func (q *Queue) drop(ctx context.Context, req HealRequest) {
	q.logger.Warn("healing queue full",
		slog.String("pipeline_id", req.Descriptor.PipelineID),
		slog.String("execution_id", req.Descriptor.ExecutionID),
		slog.String("task_id", req.Descriptor.TaskID),
		slog.Int("depth", q.depth))

	if q.metadata == nil {
		return
	}

	record := metadata.SelfHealingRecord{
		HealingID:   uuid.NewString(),
		ExecutionID: req.Descriptor.ExecutionID,
		Status:      "DROPPED",
		Details: map[string]any{
			"reason":        "healing queue full",
			"pipeline_id":   req.Descriptor.PipelineID,
			"task_id":       req.Descriptor.TaskID,
			"error_message": req.Descriptor.ErrorMessage,
			"queue_depth":   q.depth,
		},
	}

	if _, err := q.metadata.TrackSelfHealingMetadata(ctx, record); err != nil {
		q.logger.Error("failed to record dropped healing request",
			slog.String("execution_id", req.Descriptor.ExecutionID),
			slog.String("error", err.Error()))
	}
}
