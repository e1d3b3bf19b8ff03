package correction

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pipemend-io/pipemend/internal/issues"
	"github.com/pipemend-io/pipemend/internal/storage"
)

// Data correction strategies.
const (
	StrategyImputeConstant     = "impute_constant"
	StrategyImputeMean         = "impute_mean"
	StrategyImputeInterpolated = "impute_interpolated"
	StrategyRemoveOutliers     = "remove_outliers"
	StrategyFlagOutliers       = "flag_outliers"
	StrategyRemoveDuplicates   = "remove_duplicates"
	StrategyCoerceTypes        = "coerce_types"
	StrategyNormalizeFormat    = "normalize_format"
	StrategyAdaptSchemaDrift   = "adapt_schema_drift"
)

// stagedPrefix is where corrected artifacts land. The original object is
// never touched; promotion is the pipeline's decision.
const stagedPrefix = "staged"

// dataPriors are the per-strategy base confidences before action history
// and classification confidence weigh in. Conservative transforms score
// higher than destructive ones.
var dataPriors = map[string]float64{
	StrategyImputeConstant:     0.9,
	StrategyImputeMean:         0.85,
	StrategyImputeInterpolated: 0.8,
	StrategyRemoveOutliers:     0.75,
	StrategyFlagOutliers:       0.9,
	StrategyRemoveDuplicates:   0.85,
	StrategyCoerceTypes:        0.8,
	StrategyNormalizeFormat:    0.85,
	StrategyAdaptSchemaDrift:   0.7,
}

// dateLayouts are the formats normalize_format recognizes when coercing
// date strings to ISO form.
var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
	"01/02/2006",
	"02.01.2006",
}

type (
	// DataCorrector fixes data quality issues by rewriting the affected
	// artifact into a staged copy. It reads JSON row sets from the object
	// store, applies one strategy, and uploads the result under a fresh
	// staging path.
	DataCorrector struct {
		objects storage.ObjectStore
		logger  *slog.Logger
	}

	// DataCorrectorConfig configures a DataCorrector.
	DataCorrectorConfig struct {
		Logger *slog.Logger
	}
)

// NewDataCorrector creates a data correction engine over the object store.
func NewDataCorrector(objects storage.ObjectStore, config DataCorrectorConfig) *DataCorrector {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &DataCorrector{
		objects: objects,
		logger:  logger,
	}
}

// Name identifies the engine.
func (c *DataCorrector) Name() string {
	return "data_corrector"
}

// CanHandle accepts data quality issues.
func (c *DataCorrector) CanHandle(classification *issues.IssueClassification) bool {
	return classification != nil && classification.Category == issues.CategoryDataQuality
}

// Apply downloads the artifact named by the original state, applies the
// requested strategy, and stages the corrected rows as a new object. The
// original state needs "bucket" and "path"; the source object is never
// modified.
func (c *DataCorrector) Apply(ctx context.Context, req Request) (*CorrectionResult, error) {
	bucket := stringParam(req.OriginalState, "bucket", "")
	objectPath := stringParam(req.OriginalState, "path", "")

	if bucket == "" || objectPath == "" {
		return nil, fmt.Errorf("%w: data correction needs bucket and path", ErrMissingState)
	}

	strategy := stringParam(req.Parameters, "strategy", "")
	if strategy == "" {
		strategy = strategyForDataIssue(req.Classification)
	}

	if strategy == "" {
		return nil, fmt.Errorf("%w: no data strategy for issue", ErrNoStrategy)
	}

	prior, ok := dataPriors[strategy]
	if !ok {
		return nil, fmt.Errorf("%w: unknown data strategy %q", ErrNoStrategy, strategy)
	}

	data, err := c.objects.Download(ctx, bucket, objectPath)
	if err != nil {
		return nil, fmt.Errorf("failed to download artifact %s/%s: %w", bucket, objectPath, err)
	}

	var rows []map[string]any
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("failed to decode artifact %s/%s as row set: %w", bucket, objectPath, err)
	}

	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: artifact %s/%s has no rows", ErrMissingState, bucket, objectPath)
	}

	corrected, stats, err := c.transform(strategy, rows, req)
	if err != nil {
		return nil, err
	}

	result := &CorrectionResult{
		CorrectionID:  uuid.NewString(),
		Strategy:      strategy,
		OriginalState: req.OriginalState,
		Confidence:    Confidence(prior, historicalRate(req), classificationConfidence(req)),
		Metadata:      stats,
	}

	affected := affectedCount(stats)
	if affected == 0 {
		c.logger.Info("data correction found nothing to fix",
			"strategy", strategy,
			"bucket", bucket,
			"path", objectPath)

		return result, nil
	}

	stagingID := uuid.NewString()
	stagedPath := stagedPrefix + "/" + stagingID + "/" + path.Base(objectPath)

	payload, err := json.Marshal(corrected)
	if err != nil {
		return nil, fmt.Errorf("failed to encode corrected rows: %w", err)
	}

	info, err := c.objects.Upload(ctx, bucket, stagedPath, payload, storage.ObjectMetadata{
		"original_path": objectPath,
		"staging_id":    stagingID,
		"strategy":      strategy,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to stage corrected artifact: %w", err)
	}

	result.Successful = true
	result.CorrectedState = map[string]any{
		"bucket":    bucket,
		"path":      stagedPath,
		"digest":    info.Digest,
		"row_count": len(corrected),
	}
	result.Metadata["staging_id"] = stagingID

	c.logger.Info("data correction staged",
		"strategy", strategy,
		"bucket", bucket,
		"original_path", objectPath,
		"staged_path", stagedPath,
		"rows_affected", affected)

	return result, nil
}

// transform dispatches to the strategy implementation. Every strategy
// returns the corrected rows plus a stats map recording what it touched.
func (c *DataCorrector) transform(strategy string, rows []map[string]any, req Request) ([]map[string]any, map[string]any, error) {
	switch strategy {
	case StrategyImputeConstant:
		return imputeConstant(rows, req)
	case StrategyImputeMean:
		return imputeMean(rows, req)
	case StrategyImputeInterpolated:
		return imputeInterpolated(rows, req)
	case StrategyRemoveOutliers:
		return handleOutliers(rows, req, true)
	case StrategyFlagOutliers:
		return handleOutliers(rows, req, false)
	case StrategyRemoveDuplicates:
		return removeDuplicates(rows, req)
	case StrategyCoerceTypes:
		return coerceTypes(rows, req)
	case StrategyNormalizeFormat:
		return normalizeFormat(rows, req)
	case StrategyAdaptSchemaDrift:
		return adaptSchemaDrift(rows, req)
	default:
		return nil, nil, fmt.Errorf("%w: unknown data strategy %q", ErrNoStrategy, strategy)
	}
}

// strategyForDataIssue derives a strategy from the classified issue type
// when the action parameters name none.
func strategyForDataIssue(classification *issues.IssueClassification) string {
	if classification == nil {
		return ""
	}

	switch classification.IssueType {
	case "missing_values":
		return StrategyImputeMean
	case "outliers":
		return StrategyFlagOutliers
	case "duplicate_records":
		return StrategyRemoveDuplicates
	case "type_mismatch":
		return StrategyCoerceTypes
	case "format_violation":
		return StrategyNormalizeFormat
	case "schema_drift", "schema_mismatch":
		return StrategyAdaptSchemaDrift
	default:
		return ""
	}
}

// targetColumns resolves the columns a strategy works on: the explicit
// parameter, the classified column feature, or the provided fallback set.
func targetColumns(req Request, rows []map[string]any, numericOnly bool) []string {
	if column := stringParam(req.Parameters, "column", ""); column != "" {
		return []string{column}
	}

	if req.Classification != nil {
		if column, ok := req.Classification.Features["column"].(string); ok && column != "" {
			return []string{column}
		}
	}

	if numericOnly {
		return numericColumns(rows)
	}

	return allColumns(rows)
}

func imputeConstant(rows []map[string]any, req Request) ([]map[string]any, map[string]any, error) {
	columns := targetColumns(req, rows, false)
	fill, hasFill := req.Parameters["fill_value"]

	imputed := 0

	for _, column := range columns {
		value := fill
		if !hasFill {
			value = defaultFill(rows, column)
		}

		for _, row := range rows {
			if current, ok := row[column]; !ok || current == nil {
				row[column] = value
				imputed++
			}
		}
	}

	return rows, map[string]any{"cells_imputed": imputed, "columns": columns}, nil
}

func imputeMean(rows []map[string]any, req Request) ([]map[string]any, map[string]any, error) {
	columns := targetColumns(req, rows, true)

	imputed := 0

	for _, column := range columns {
		values := columnValues(rows, column)
		if len(values) == 0 {
			continue
		}

		mean := meanOf(values)

		for _, row := range rows {
			if current, ok := row[column]; !ok || current == nil {
				row[column] = mean
				imputed++
			}
		}
	}

	return rows, map[string]any{"cells_imputed": imputed, "columns": columns}, nil
}

func imputeInterpolated(rows []map[string]any, req Request) ([]map[string]any, map[string]any, error) {
	columns := targetColumns(req, rows, true)

	imputed := 0

	for _, column := range columns {
		// Indexes of rows that already carry a numeric value, in order.
		known := make([]int, 0, len(rows))

		for i, row := range rows {
			if _, ok := asNumber(row[column]); ok {
				known = append(known, i)
			}
		}

		if len(known) == 0 {
			continue
		}

		for i, row := range rows {
			if current, ok := row[column]; ok && current != nil {
				continue
			}

			row[column] = interpolateAt(rows, column, known, i)
			imputed++
		}
	}

	return rows, map[string]any{"cells_imputed": imputed, "columns": columns}, nil
}

// interpolateAt fills index i linearly between the nearest known
// neighbors, or carries the boundary value when only one side exists.
func interpolateAt(rows []map[string]any, column string, known []int, i int) float64 {
	prev, next := -1, -1

	for _, k := range known {
		if k < i {
			prev = k
		}

		if k > i {
			next = k

			break
		}
	}

	switch {
	case prev >= 0 && next >= 0:
		lo, _ := asNumber(rows[prev][column])
		hi, _ := asNumber(rows[next][column])
		fraction := float64(i-prev) / float64(next-prev)

		return lo + (hi-lo)*fraction
	case prev >= 0:
		value, _ := asNumber(rows[prev][column])

		return value
	default:
		value, _ := asNumber(rows[next][column])

		return value
	}
}

func handleOutliers(rows []map[string]any, req Request, remove bool) ([]map[string]any, map[string]any, error) {
	columns := targetColumns(req, rows, true)
	method := stringParam(req.Parameters, "method", "iqr")

	flagged := map[int][]string{}

	for _, column := range columns {
		values := columnValues(rows, column)
		if len(values) < 4 {
			continue
		}

		lo, hi, ok := outlierBounds(values, method, req.Parameters)
		if !ok {
			continue
		}

		for i, row := range rows {
			value, isNumber := asNumber(row[column])
			if !isNumber {
				continue
			}

			if value < lo || value > hi {
				flagged[i] = append(flagged[i], column)
			}
		}
	}

	stats := map[string]any{"outlier_rows": len(flagged), "method": method, "columns": columns}

	if len(flagged) == 0 {
		return rows, stats, nil
	}

	if !remove {
		for i, offending := range flagged {
			sort.Strings(offending)
			rows[i]["_outlier"] = true
			rows[i]["_outlier_columns"] = offending
		}

		return rows, stats, nil
	}

	kept := make([]map[string]any, 0, len(rows)-len(flagged))

	for i, row := range rows {
		if _, drop := flagged[i]; !drop {
			kept = append(kept, row)
		}
	}

	return kept, stats, nil
}

// outlierBounds computes the acceptance interval for one column. The iqr
// method fences at multiplier*IQR beyond the quartiles; zscore fences at
// threshold standard deviations from the mean.
func outlierBounds(values []float64, method string, params map[string]any) (float64, float64, bool) {
	switch method {
	case "iqr":
		sorted := append([]float64(nil), values...)
		sort.Float64s(sorted)

		q1 := percentile(sorted, 0.25)
		q3 := percentile(sorted, 0.75)
		spread := q3 - q1

		if spread == 0 {
			return 0, 0, false
		}

		multiplier := floatParam(params, "iqr_multiplier", 1.5)

		return q1 - multiplier*spread, q3 + multiplier*spread, true
	case "zscore":
		mean := meanOf(values)
		sd := stddevOf(values, mean)

		if sd == 0 {
			return 0, 0, false
		}

		threshold := floatParam(params, "z_threshold", 3)

		return mean - threshold*sd, mean + threshold*sd, true
	default:
		return 0, 0, false
	}
}

func removeDuplicates(rows []map[string]any, req Request) ([]map[string]any, map[string]any, error) {
	keyColumns := stringSliceParam(req.Parameters, "key_columns")

	seen := make(map[string]bool, len(rows))
	kept := make([]map[string]any, 0, len(rows))

	for _, row := range rows {
		key, err := rowKey(row, keyColumns)
		if err != nil {
			return nil, nil, err
		}

		if seen[key] {
			continue
		}

		seen[key] = true
		kept = append(kept, row)
	}

	stats := map[string]any{"rows_removed": len(rows) - len(kept)}
	if len(keyColumns) > 0 {
		stats["key_columns"] = keyColumns
	}

	return kept, stats, nil
}

// rowKey canonicalizes a row, or its key columns, for duplicate detection.
func rowKey(row map[string]any, keyColumns []string) (string, error) {
	subject := row

	if len(keyColumns) > 0 {
		subject = make(map[string]any, len(keyColumns))

		for _, column := range keyColumns {
			subject[column] = row[column]
		}
	}

	encoded, err := json.Marshal(subject)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize row for deduplication: %w", err)
	}

	return string(encoded), nil
}

func coerceTypes(rows []map[string]any, req Request) ([]map[string]any, map[string]any, error) {
	columns := targetColumns(req, rows, false)
	targetType := stringParam(req.Parameters, "target_type", "number")

	coerced, uncoercible := 0, 0

	for _, column := range columns {
		for _, row := range rows {
			current, ok := row[column]
			if !ok || current == nil {
				continue
			}

			value, changed, err := coerceValue(current, targetType)
			if err != nil {
				uncoercible++

				continue
			}

			if changed {
				row[column] = value
				coerced++
			}
		}
	}

	stats := map[string]any{
		"cells_coerced": coerced,
		"uncoercible":   uncoercible,
		"target_type":   targetType,
		"columns":       columns,
	}

	if uncoercible > 0 {
		// Partial coercions leave mixed types behind, so the staged
		// artifact would still fail the original check.
		return rows, stats, fmt.Errorf("%w: %d values resist coercion to %s",
			ErrValidationFailed, uncoercible, targetType)
	}

	return rows, stats, nil
}

// coerceValue converts a single cell to the target type. It reports
// whether the value actually changed.
func coerceValue(value any, targetType string) (any, bool, error) {
	switch targetType {
	case "number":
		if number, ok := asNumber(value); ok {
			_, already := value.(float64)

			return number, !already, nil
		}

		if text, ok := value.(string); ok {
			number, err := strconv.ParseFloat(strings.TrimSpace(text), 64)
			if err == nil {
				return number, true, nil
			}
		}
	case "integer":
		if number, ok := asNumber(value); ok && math.Trunc(number) == number {
			return number, false, nil
		}

		if text, ok := value.(string); ok {
			number, err := strconv.ParseFloat(strings.TrimSpace(text), 64)
			if err == nil && math.Trunc(number) == number {
				return number, true, nil
			}
		}
	case "string":
		if text, ok := value.(string); ok {
			return text, false, nil
		}

		if number, ok := asNumber(value); ok {
			return strconv.FormatFloat(number, 'f', -1, 64), true, nil
		}

		if truth, ok := value.(bool); ok {
			return strconv.FormatBool(truth), true, nil
		}
	case "boolean":
		if truth, ok := value.(bool); ok {
			return truth, false, nil
		}

		if text, ok := value.(string); ok {
			truth, err := strconv.ParseBool(strings.ToLower(strings.TrimSpace(text)))
			if err == nil {
				return truth, true, nil
			}
		}

		if number, ok := asNumber(value); ok && (number == 0 || number == 1) {
			return number == 1, true, nil
		}
	}

	return nil, false, fmt.Errorf("cannot coerce %T to %s", value, targetType)
}

func normalizeFormat(rows []map[string]any, req Request) ([]map[string]any, map[string]any, error) {
	columns := targetColumns(req, rows, false)
	format := stringParam(req.Parameters, "format", "trim")

	normalized := 0

	for _, column := range columns {
		for _, row := range rows {
			text, ok := row[column].(string)
			if !ok {
				continue
			}

			replacement, changed := normalizeText(text, format)
			if changed {
				row[column] = replacement
				normalized++
			}
		}
	}

	return rows, map[string]any{"cells_normalized": normalized, "format": format, "columns": columns}, nil
}

func normalizeText(text, format string) (string, bool) {
	switch format {
	case "trim":
		trimmed := strings.TrimSpace(text)

		return trimmed, trimmed != text
	case "lower":
		lowered := strings.ToLower(text)

		return lowered, lowered != text
	case "upper":
		raised := strings.ToUpper(text)

		return raised, raised != text
	case "date_iso":
		for _, layout := range dateLayouts {
			parsed, err := time.Parse(layout, strings.TrimSpace(text))
			if err != nil {
				continue
			}

			iso := parsed.UTC().Format("2006-01-02")

			return iso, iso != text
		}

		return text, false
	default:
		return text, false
	}
}

func adaptSchemaDrift(rows []map[string]any, req Request) ([]map[string]any, map[string]any, error) {
	renames := renameMap(req.Parameters)
	additions := additionMap(req.Parameters)

	renamed, added := 0, 0

	for _, row := range rows {
		for oldName, newName := range renames {
			value, ok := row[oldName]
			if !ok {
				continue
			}

			row[newName] = value
			delete(row, oldName)
			renamed++
		}
	}

	if len(additions) == 0 && len(renames) == 0 {
		// Without explicit drift instructions, square the rows up against
		// the union of observed columns.
		additions = map[string]any{}

		for _, column := range allColumns(rows) {
			additions[column] = nil
		}
	}

	for column, fallback := range additions {
		for _, row := range rows {
			if _, ok := row[column]; !ok {
				row[column] = fallback
				added++
			}
		}
	}

	return rows, map[string]any{"cells_added": added, "cells_renamed": renamed}, nil
}

// renameMap reads rename_columns as old name to new name.
func renameMap(params map[string]any) map[string]string {
	raw, ok := params["rename_columns"].(map[string]any)
	if !ok {
		return nil
	}

	renames := make(map[string]string, len(raw))

	for oldName, value := range raw {
		if newName, ok := value.(string); ok && newName != "" {
			renames[oldName] = newName
		}
	}

	return renames
}

// additionMap reads add_columns as either a list of names or a map of
// name to default value.
func additionMap(params map[string]any) map[string]any {
	switch raw := params["add_columns"].(type) {
	case map[string]any:
		return raw
	case []any:
		additions := make(map[string]any, len(raw))

		for _, entry := range raw {
			if name, ok := entry.(string); ok && name != "" {
				additions[name] = nil
			}
		}

		return additions
	default:
		return nil
	}
}

// affectedCount sums the cell and row counters a strategy reported.
func affectedCount(stats map[string]any) int {
	total := 0

	for key, value := range stats {
		switch key {
		case "cells_imputed", "cells_coerced", "cells_normalized", "cells_added",
			"cells_renamed", "rows_removed", "outlier_rows":
			if count, ok := value.(int); ok {
				total += count
			}
		}
	}

	return total
}

func stringSliceParam(params map[string]any, key string) []string {
	raw, ok := params[key].([]any)
	if !ok {
		return nil
	}

	values := make([]string, 0, len(raw))

	for _, entry := range raw {
		if text, ok := entry.(string); ok && text != "" {
			values = append(values, text)
		}
	}

	return values
}

func allColumns(rows []map[string]any) []string {
	seen := map[string]bool{}

	for _, row := range rows {
		for column := range row {
			seen[column] = true
		}
	}

	columns := make([]string, 0, len(seen))
	for column := range seen {
		columns = append(columns, column)
	}

	sort.Strings(columns)

	return columns
}

func numericColumns(rows []map[string]any) []string {
	seen := map[string]bool{}

	for _, row := range rows {
		for column, value := range row {
			if _, ok := asNumber(value); ok {
				seen[column] = true
			}
		}
	}

	columns := make([]string, 0, len(seen))
	for column := range seen {
		columns = append(columns, column)
	}

	sort.Strings(columns)

	return columns
}

// columnValues collects the numeric values present in a column.
func columnValues(rows []map[string]any, column string) []float64 {
	values := make([]float64, 0, len(rows))

	for _, row := range rows {
		if value, ok := asNumber(row[column]); ok {
			values = append(values, value)
		}
	}

	return values
}

// defaultFill picks a type-appropriate constant for a column: zero when
// the column carries numbers, empty string otherwise.
func defaultFill(rows []map[string]any, column string) any {
	for _, row := range rows {
		if _, ok := asNumber(row[column]); ok {
			return float64(0)
		}
	}

	return ""
}

func asNumber(value any) (float64, bool) {
	switch number := value.(type) {
	case float64:
		return number, true
	case float32:
		return float64(number), true
	case int:
		return float64(number), true
	case int64:
		return float64(number), true
	case json.Number:
		parsed, err := number.Float64()

		return parsed, err == nil
	default:
		return 0, false
	}
}

func meanOf(values []float64) float64 {
	sum := 0.0
	for _, value := range values {
		sum += value
	}

	return sum / float64(len(values))
}

func stddevOf(values []float64, mean float64) float64 {
	if len(values) < 2 {
		return 0
	}

	sum := 0.0
	for _, value := range values {
		sum += (value - mean) * (value - mean)
	}

	return math.Sqrt(sum / float64(len(values)-1))
}

// percentile interpolates linearly between the neighboring ranks of a
// sorted sample.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}

	rank := p * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))

	if lower == upper {
		return sorted[lower]
	}

	fraction := rank - float64(lower)

	return sorted[lower] + (sorted[upper]-sorted[lower])*fraction
}
