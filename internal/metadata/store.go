package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/pipemend-io/pipemend/internal/storage"
)

const (
	// CollectionMetadata is the document store collection holding every
	// metadata record.
	CollectionMetadata = "pipeline_metadata"

	// ExportTable is the analytical table receiving derived record exports.
	ExportTable = "metadata_records"

	// recentExecutionLimit bounds the execution list in GetPipelineMetadata.
	recentExecutionLimit = 10

	// exportBatchSize bounds rows per analytical insert statement.
	exportBatchSize = 500
)

// Sentinel errors for metadata operations.
var (
	// ErrRecordNotFound indicates no record matches the given identifier.
	ErrRecordNotFound = errors.New("metadata record not found")

	// ErrMissingRecordKey indicates a required identifier field was empty.
	ErrMissingRecordKey = errors.New("record key field is required")

	// ErrInvalidStatus indicates a status outside the execution alphabet.
	ErrInvalidStatus = errors.New("invalid execution status")

	// ErrTerminalStatus indicates an update against an execution that
	// already reached SUCCESS or FAILED. Only a manual reset may move it.
	ErrTerminalStatus = errors.New("execution already in a terminal status")
)

type (
	// Record is a metadata document of any type: the decoded envelope plus
	// the raw JSON for callers that need the full typed payload.
	Record struct {
		Envelope

		Raw json.RawMessage `json:"-"`
	}

	// ExecutionUpdate mutates a pipeline or task execution record. Nil maps
	// leave the stored values untouched; a terminal Status closes out
	// EndTime and DurationSeconds.
	ExecutionUpdate struct {
		Status       ExecutionStatus
		Metrics      map[string]any
		ErrorDetails map[string]any
		EndTime      *time.Time
	}

	// IncludeOptions selects the related records returned by
	// GetExecutionMetadata.
	IncludeOptions struct {
		Tasks   bool
		Quality bool
		Healing bool
	}

	// PipelineMetadata is a pipeline definition with its recent executions,
	// most recent first.
	PipelineMetadata struct {
		Definition       *PipelineDefinitionRecord
		RecentExecutions []PipelineExecutionRecord
	}

	// ExecutionMetadata is one execution with its optional related records.
	ExecutionMetadata struct {
		Execution *PipelineExecutionRecord
		Tasks     []TaskExecutionRecord
		Quality   []DataQualityRecord
		Healing   []SelfHealingRecord
	}

	// StoreConfig tunes the metadata store.
	StoreConfig struct {
		// Environment tags every record (e.g. "production"). Empty means
		// "development".
		Environment string

		// Logger receives structured operation logs. Nil means
		// slog.Default().
		Logger *slog.Logger
	}

	// Store persists metadata records in the document store and derives
	// analytical exports from them. All operations are safe for concurrent
	// use; read-modify-write updates go through DocumentStore.Update.
	Store struct {
		docs        storage.DocumentStore
		analytical  storage.AnalyticalStore
		environment string
		logger      *slog.Logger
	}
)

// NewStore creates a metadata store over the given document store. The
// analytical store may be nil when exports are disabled.
func NewStore(docs storage.DocumentStore, analytical storage.AnalyticalStore, config StoreConfig) *Store {
	environment := config.Environment
	if environment == "" {
		environment = "development"
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Store{
		docs:        docs,
		analytical:  analytical,
		environment: environment,
		logger:      logger,
	}
}

// newEnvelope stamps a fresh record header.
func (s *Store) newEnvelope(recordType RecordType) Envelope {
	now := time.Now().UTC()

	return Envelope{
		MetadataID:  uuid.NewString(),
		RecordType:  recordType,
		CreatedAt:   now,
		UpdatedAt:   now,
		Environment: s.environment,
	}
}

// TrackSourceSystem registers a data origin. Connection info is masked
// before persistence; the caller's record is not modified.
func (s *Store) TrackSourceSystem(ctx context.Context, record SourceSystemRecord) (*SourceSystemRecord, error) {
	if record.SourceID == "" {
		return nil, fmt.Errorf("%w: source_id", ErrMissingRecordKey)
	}

	record.Envelope = s.newEnvelope(RecordSourceSystem)
	record.ConnectionInfo = MaskSensitive(record.ConnectionInfo)

	if err := s.docs.Set(ctx, CollectionMetadata, record.MetadataID, record); err != nil {
		return nil, fmt.Errorf("failed to track source system: %w", err)
	}

	s.logger.Debug("tracked source system",
		slog.String("metadata_id", record.MetadataID),
		slog.String("source_id", record.SourceID),
		slog.String("kind", record.Kind),
	)

	return &record, nil
}

// TrackPipelineDefinition registers a pipeline.
func (s *Store) TrackPipelineDefinition(
	ctx context.Context, record PipelineDefinitionRecord,
) (*PipelineDefinitionRecord, error) {
	if record.PipelineID == "" {
		return nil, fmt.Errorf("%w: pipeline_id", ErrMissingRecordKey)
	}

	record.Envelope = s.newEnvelope(RecordPipelineDefinition)

	if err := s.docs.Set(ctx, CollectionMetadata, record.MetadataID, record); err != nil {
		return nil, fmt.Errorf("failed to track pipeline definition: %w", err)
	}

	return &record, nil
}

// TrackPipelineExecution records the start of a pipeline run. A zero
// StartTime defaults to the record creation time, and a zero Status to
// PENDING.
func (s *Store) TrackPipelineExecution(
	ctx context.Context, record PipelineExecutionRecord,
) (*PipelineExecutionRecord, error) {
	if record.ExecutionID == "" {
		return nil, fmt.Errorf("%w: execution_id", ErrMissingRecordKey)
	}

	if record.Status == "" {
		record.Status = StatusPending
	}

	if !record.Status.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, record.Status)
	}

	record.Envelope = s.newEnvelope(RecordPipelineExecution)

	if record.StartTime.IsZero() {
		record.StartTime = record.CreatedAt
	}

	if err := s.docs.Set(ctx, CollectionMetadata, record.MetadataID, record); err != nil {
		return nil, fmt.Errorf("failed to track pipeline execution: %w", err)
	}

	s.logger.Debug("tracked pipeline execution",
		slog.String("execution_id", record.ExecutionID),
		slog.String("pipeline_id", record.PipelineID),
		slog.String("status", string(record.Status)),
	)

	return &record, nil
}

// UpdatePipelineExecution applies a status update to a pipeline execution.
// Terminal transitions set end_time and duration_seconds in the same write;
// updates against an already-terminal execution fail with ErrTerminalStatus.
func (s *Store) UpdatePipelineExecution(
	ctx context.Context, executionID string, update ExecutionUpdate,
) (*PipelineExecutionRecord, error) {
	if executionID == "" {
		return nil, fmt.Errorf("%w: execution_id", ErrMissingRecordKey)
	}

	if !update.Status.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, update.Status)
	}

	existing, err := s.findPipelineExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}

	var updated PipelineExecutionRecord

	err = s.docs.Update(ctx, CollectionMetadata, existing.MetadataID, func(raw json.RawMessage) (any, error) {
		var current PipelineExecutionRecord
		if err := json.Unmarshal(raw, &current); err != nil {
			return nil, fmt.Errorf("failed to decode pipeline execution: %w", err)
		}

		if current.Status.IsTerminal() {
			return nil, fmt.Errorf("%w: execution %s is %s", ErrTerminalStatus, executionID, current.Status)
		}

		applyExecutionUpdate(&current.Status, &current.EndTime, &current.DurationSeconds,
			current.StartTime, update)

		if update.Metrics != nil {
			current.Metrics = update.Metrics
		}

		if update.ErrorDetails != nil {
			current.ErrorDetails = update.ErrorDetails
		}

		current.UpdatedAt = time.Now().UTC()
		updated = current

		return current, nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("updated pipeline execution",
		slog.String("execution_id", executionID),
		slog.String("status", string(update.Status)),
	)

	return &updated, nil
}

// ResetPipelineExecution is the manual escape hatch from a terminal status.
// It rewinds the execution to the given status and clears the timing fields
// so a rerun can close them out again.
func (s *Store) ResetPipelineExecution(
	ctx context.Context, executionID string, status ExecutionStatus,
) (*PipelineExecutionRecord, error) {
	if !status.IsValid() || status.IsTerminal() {
		return nil, fmt.Errorf("%w: reset target %q", ErrInvalidStatus, status)
	}

	existing, err := s.findPipelineExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}

	var updated PipelineExecutionRecord

	err = s.docs.Update(ctx, CollectionMetadata, existing.MetadataID, func(raw json.RawMessage) (any, error) {
		var current PipelineExecutionRecord
		if err := json.Unmarshal(raw, &current); err != nil {
			return nil, fmt.Errorf("failed to decode pipeline execution: %w", err)
		}

		current.Status = status
		current.EndTime = nil
		current.DurationSeconds = nil
		current.UpdatedAt = time.Now().UTC()
		updated = current

		return current, nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("manually reset pipeline execution",
		slog.String("execution_id", executionID),
		slog.String("status", string(status)),
	)

	return &updated, nil
}

// TrackTaskExecution records one task within an execution.
func (s *Store) TrackTaskExecution(ctx context.Context, record TaskExecutionRecord) (*TaskExecutionRecord, error) {
	if record.ExecutionID == "" {
		return nil, fmt.Errorf("%w: execution_id", ErrMissingRecordKey)
	}

	if record.TaskID == "" {
		return nil, fmt.Errorf("%w: task_id", ErrMissingRecordKey)
	}

	if record.Status == "" {
		record.Status = StatusPending
	}

	if !record.Status.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, record.Status)
	}

	record.Envelope = s.newEnvelope(RecordTaskExecution)

	if record.StartTime.IsZero() {
		record.StartTime = record.CreatedAt
	}

	if err := s.docs.Set(ctx, CollectionMetadata, record.MetadataID, record); err != nil {
		return nil, fmt.Errorf("failed to track task execution: %w", err)
	}

	return &record, nil
}

// UpdateTaskExecution applies a status update to one task, keyed by
// (executionID, taskID). Semantics mirror UpdatePipelineExecution.
func (s *Store) UpdateTaskExecution(
	ctx context.Context, executionID, taskID string, update ExecutionUpdate,
) (*TaskExecutionRecord, error) {
	if executionID == "" || taskID == "" {
		return nil, fmt.Errorf("%w: execution_id and task_id", ErrMissingRecordKey)
	}

	if !update.Status.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, update.Status)
	}

	existing, err := s.findTaskExecution(ctx, executionID, taskID)
	if err != nil {
		return nil, err
	}

	var updated TaskExecutionRecord

	err = s.docs.Update(ctx, CollectionMetadata, existing.MetadataID, func(raw json.RawMessage) (any, error) {
		var current TaskExecutionRecord
		if err := json.Unmarshal(raw, &current); err != nil {
			return nil, fmt.Errorf("failed to decode task execution: %w", err)
		}

		if current.Status.IsTerminal() {
			return nil, fmt.Errorf("%w: task %s is %s", ErrTerminalStatus, taskID, current.Status)
		}

		applyExecutionUpdate(&current.Status, &current.EndTime, &current.DurationSeconds,
			current.StartTime, update)

		if update.Metrics != nil {
			current.Metrics = update.Metrics
		}

		if update.ErrorDetails != nil {
			current.ErrorDetails = update.ErrorDetails
		}

		current.UpdatedAt = time.Now().UTC()
		updated = current

		return current, nil
	})
	if err != nil {
		return nil, err
	}

	return &updated, nil
}

// TrackSchemaMetadata records a schema registration or change.
func (s *Store) TrackSchemaMetadata(ctx context.Context, record SchemaMetadataRecord) (*SchemaMetadataRecord, error) {
	if record.SchemaName == "" {
		return nil, fmt.Errorf("%w: schema_name", ErrMissingRecordKey)
	}

	record.Envelope = s.newEnvelope(RecordSchema)

	if err := s.docs.Set(ctx, CollectionMetadata, record.MetadataID, record); err != nil {
		return nil, fmt.Errorf("failed to track schema metadata: %w", err)
	}

	return &record, nil
}

// TrackDataQualityMetadata records one validation outcome.
func (s *Store) TrackDataQualityMetadata(ctx context.Context, record DataQualityRecord) (*DataQualityRecord, error) {
	if record.ValidationID == "" {
		return nil, fmt.Errorf("%w: validation_id", ErrMissingRecordKey)
	}

	record.Envelope = s.newEnvelope(RecordDataQuality)

	if err := s.docs.Set(ctx, CollectionMetadata, record.MetadataID, record); err != nil {
		return nil, fmt.Errorf("failed to track data quality metadata: %w", err)
	}

	return &record, nil
}

// TrackSelfHealingMetadata records one healing attempt.
func (s *Store) TrackSelfHealingMetadata(ctx context.Context, record SelfHealingRecord) (*SelfHealingRecord, error) {
	if record.HealingID == "" {
		return nil, fmt.Errorf("%w: healing_id", ErrMissingRecordKey)
	}

	record.Envelope = s.newEnvelope(RecordSelfHealing)

	if err := s.docs.Set(ctx, CollectionMetadata, record.MetadataID, record); err != nil {
		return nil, fmt.Errorf("failed to track self healing metadata: %w", err)
	}

	return &record, nil
}

// GetMetadataRecord returns the record stored under a metadata id.
func (s *Store) GetMetadataRecord(ctx context.Context, metadataID string) (*Record, error) {
	if metadataID == "" {
		return nil, fmt.Errorf("%w: metadata_id", ErrMissingRecordKey)
	}

	raw, err := s.docs.Get(ctx, CollectionMetadata, metadataID)
	if err != nil {
		if errors.Is(err, storage.ErrDocumentNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, metadataID)
		}

		return nil, err
	}

	return decodeRecord(raw)
}

// GetPipelineMetadata returns a pipeline definition with its most recent
// executions, newest first.
func (s *Store) GetPipelineMetadata(ctx context.Context, pipelineID string) (*PipelineMetadata, error) {
	if pipelineID == "" {
		return nil, fmt.Errorf("%w: pipeline_id", ErrMissingRecordKey)
	}

	defRaw, err := s.docs.Query(ctx, CollectionMetadata, storage.Criteria{
		"record_type": string(RecordPipelineDefinition),
		"pipeline_id": pipelineID,
	}, 1)
	if err != nil {
		return nil, err
	}

	if len(defRaw) == 0 {
		return nil, fmt.Errorf("%w: pipeline %s", ErrRecordNotFound, pipelineID)
	}

	var definition PipelineDefinitionRecord
	if err := json.Unmarshal(defRaw[0], &definition); err != nil {
		return nil, fmt.Errorf("failed to decode pipeline definition: %w", err)
	}

	execRaw, err := s.docs.Query(ctx, CollectionMetadata, storage.Criteria{
		"record_type": string(RecordPipelineExecution),
		"pipeline_id": pipelineID,
	}, 0)
	if err != nil {
		return nil, err
	}

	executions := make([]PipelineExecutionRecord, 0, len(execRaw))

	for _, raw := range execRaw {
		var execution PipelineExecutionRecord
		if err := json.Unmarshal(raw, &execution); err != nil {
			return nil, fmt.Errorf("failed to decode pipeline execution: %w", err)
		}

		executions = append(executions, execution)
	}

	sort.Slice(executions, func(i, j int) bool {
		return executions[i].StartTime.After(executions[j].StartTime)
	})

	if len(executions) > recentExecutionLimit {
		executions = executions[:recentExecutionLimit]
	}

	return &PipelineMetadata{Definition: &definition, RecentExecutions: executions}, nil
}

// GetExecutionMetadata returns one execution and, per include flags, its
// tasks, quality results, and healing records.
func (s *Store) GetExecutionMetadata(
	ctx context.Context, executionID string, include IncludeOptions,
) (*ExecutionMetadata, error) {
	execution, err := s.findPipelineExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}

	result := &ExecutionMetadata{Execution: execution}

	if include.Tasks {
		raws, err := s.queryByExecution(ctx, RecordTaskExecution, executionID)
		if err != nil {
			return nil, err
		}

		for _, raw := range raws {
			var task TaskExecutionRecord
			if err := json.Unmarshal(raw, &task); err != nil {
				return nil, fmt.Errorf("failed to decode task execution: %w", err)
			}

			result.Tasks = append(result.Tasks, task)
		}
	}

	if include.Quality {
		raws, err := s.queryByExecution(ctx, RecordDataQuality, executionID)
		if err != nil {
			return nil, err
		}

		for _, raw := range raws {
			var quality DataQualityRecord
			if err := json.Unmarshal(raw, &quality); err != nil {
				return nil, fmt.Errorf("failed to decode data quality record: %w", err)
			}

			result.Quality = append(result.Quality, quality)
		}
	}

	if include.Healing {
		raws, err := s.queryByExecution(ctx, RecordSelfHealing, executionID)
		if err != nil {
			return nil, err
		}

		for _, raw := range raws {
			var healing SelfHealingRecord
			if err := json.Unmarshal(raw, &healing); err != nil {
				return nil, fmt.Errorf("failed to decode self healing record: %w", err)
			}

			result.Healing = append(result.Healing, healing)
		}
	}

	return result, nil
}

// SearchMetadata queries records by criteria, optionally pinned to one
// record type. Empty criteria match everything.
func (s *Store) SearchMetadata(
	ctx context.Context, criteria storage.Criteria, recordType RecordType, limit int,
) ([]Record, error) {
	merged := make(storage.Criteria, len(criteria)+1)
	for key, value := range criteria {
		merged[key] = value
	}

	if recordType != "" {
		if !recordType.IsValid() {
			return nil, fmt.Errorf("%w: unknown record type %q", storage.ErrInvalidCriteria, recordType)
		}

		merged["record_type"] = string(recordType)
	}

	raws, err := s.docs.Query(ctx, CollectionMetadata, merged, limit)
	if err != nil {
		return nil, err
	}

	records := make([]Record, 0, len(raws))

	for _, raw := range raws {
		record, err := decodeRecord(raw)
		if err != nil {
			return nil, err
		}

		records = append(records, *record)
	}

	return records, nil
}

// ExportToAnalytical copies records updated within [start, end] into the
// analytical store and returns the exported row count. Exports are derived
// data: the document store stays authoritative and re-exports are safe.
func (s *Store) ExportToAnalytical(ctx context.Context, start, end time.Time) (int, error) {
	if s.analytical == nil {
		return 0, errors.New("analytical store not configured")
	}

	columns := []storage.Column{
		{Name: "metadata_id", Type: storage.ColumnText},
		{Name: "record_type", Type: storage.ColumnText},
		{Name: "environment", Type: storage.ColumnText},
		{Name: "created_at", Type: storage.ColumnTimestamp},
		{Name: "updated_at", Type: storage.ColumnTimestamp},
		{Name: "record", Type: storage.ColumnJSON},
	}

	if err := s.analytical.EnsureTable(ctx, ExportTable, columns); err != nil {
		return 0, err
	}

	raws, err := s.docs.Query(ctx, CollectionMetadata, storage.Criteria{
		"updated_at": map[string]any{
			storage.OpGTE: start.UTC().Format(time.RFC3339Nano),
			storage.OpLTE: end.UTC().Format(time.RFC3339Nano),
		},
	}, 0)
	if err != nil {
		return 0, err
	}

	exported := 0

	for batchStart := 0; batchStart < len(raws); batchStart += exportBatchSize {
		batchEnd := min(batchStart+exportBatchSize, len(raws))

		rows := make([]storage.Row, 0, batchEnd-batchStart)

		for _, raw := range raws[batchStart:batchEnd] {
			record, err := decodeRecord(raw)
			if err != nil {
				return exported, err
			}

			rows = append(rows, storage.Row{
				"metadata_id": record.MetadataID,
				"record_type": string(record.RecordType),
				"environment": record.Environment,
				"created_at":  record.CreatedAt,
				"updated_at":  record.UpdatedAt,
				"record":      string(raw),
			})
		}

		if err := s.analytical.InsertRows(ctx, ExportTable, rows); err != nil {
			return exported, err
		}

		exported += len(rows)
	}

	s.logger.Info("exported metadata records",
		slog.Int("rows", exported),
		slog.Time("start", start),
		slog.Time("end", end),
	)

	return exported, nil
}

// HealthCheck verifies the backing document store is reachable.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.docs.HealthCheck(ctx)
}

// findPipelineExecution locates the execution record for an execution id.
func (s *Store) findPipelineExecution(ctx context.Context, executionID string) (*PipelineExecutionRecord, error) {
	raws, err := s.docs.Query(ctx, CollectionMetadata, storage.Criteria{
		"record_type":  string(RecordPipelineExecution),
		"execution_id": executionID,
	}, 1)
	if err != nil {
		return nil, err
	}

	if len(raws) == 0 {
		return nil, fmt.Errorf("%w: execution %s", ErrRecordNotFound, executionID)
	}

	var record PipelineExecutionRecord
	if err := json.Unmarshal(raws[0], &record); err != nil {
		return nil, fmt.Errorf("failed to decode pipeline execution: %w", err)
	}

	return &record, nil
}

// findTaskExecution locates one task record by (executionID, taskID).
func (s *Store) findTaskExecution(ctx context.Context, executionID, taskID string) (*TaskExecutionRecord, error) {
	raws, err := s.docs.Query(ctx, CollectionMetadata, storage.Criteria{
		"record_type":  string(RecordTaskExecution),
		"execution_id": executionID,
		"task_id":      taskID,
	}, 1)
	if err != nil {
		return nil, err
	}

	if len(raws) == 0 {
		return nil, fmt.Errorf("%w: task %s in execution %s", ErrRecordNotFound, taskID, executionID)
	}

	var record TaskExecutionRecord
	if err := json.Unmarshal(raws[0], &record); err != nil {
		return nil, fmt.Errorf("failed to decode task execution: %w", err)
	}

	return &record, nil
}

// queryByExecution fetches all records of one type for an execution.
func (s *Store) queryByExecution(
	ctx context.Context, recordType RecordType, executionID string,
) ([]json.RawMessage, error) {
	return s.docs.Query(ctx, CollectionMetadata, storage.Criteria{
		"record_type":  string(recordType),
		"execution_id": executionID,
	}, 0)
}

// applyExecutionUpdate writes the shared status/timing transition used by
// both pipeline and task updates.
func applyExecutionUpdate(
	status *ExecutionStatus, endTime **time.Time, durationSeconds **float64,
	startTime time.Time, update ExecutionUpdate,
) {
	*status = update.Status

	if !update.Status.IsTerminal() {
		return
	}

	end := time.Now().UTC()
	if update.EndTime != nil {
		end = update.EndTime.UTC()
	}

	duration := end.Sub(startTime).Seconds()

	*endTime = &end
	*durationSeconds = &duration
}

// decodeRecord unwraps a raw document into its envelope.
func decodeRecord(raw json.RawMessage) (*Record, error) {
	var record Record
	if err := json.Unmarshal(raw, &record.Envelope); err != nil {
		return nil, fmt.Errorf("failed to decode metadata record: %w", err)
	}

	record.Raw = raw

	return &record, nil
}
