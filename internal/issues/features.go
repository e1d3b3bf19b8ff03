package issues

import "strings"

// contextFeatureKeys are the descriptor context keys copied into the feature
// vector verbatim. Identity fields (dataset, table, execution ids) stay out:
// features describe what KIND of failure occurred, and identity keys would
// dilute the key-overlap similarity patterns are matched by.
var contextFeatureKeys = []string{
	"error_kind",
	"column",
	"rule_kind",
	"schema_name",
	"task_kind",
	"service",
	"dependency",
}

// resourceMetricKeys are the utilization metrics banded into features for
// resource issues.
var resourceMetricKeys = []string{
	"memory_usage",
	"cpu_usage",
	"disk_usage",
	"slot_utilization",
}

// ExtractFeatures builds the pattern-matching feature vector for a
// classified issue. The vector is intentionally small and categorical:
// the derived error kind, the reporting component, the allowlisted context
// keys, and banded utilization metrics for resource issues.
func ExtractFeatures(descriptor *IssueDescriptor, category Category, issueType string) map[string]any {
	features := make(map[string]any, 4)

	if issueType != "" {
		features["error_kind"] = issueType
	}

	if component := strings.TrimSpace(descriptor.Component); component != "" {
		features["component"] = component
	}

	for _, key := range contextFeatureKeys {
		if value, ok := descriptor.Context[key]; ok && value != nil && value != "" {
			features[key] = value
		}
	}

	if category == CategoryResource {
		for _, key := range resourceMetricKeys {
			if value, ok := descriptor.Metrics[key]; ok {
				features[key+"_band"] = metricBand(value)
			}
		}
	}

	return features
}

// metricBand discretizes a utilization ratio so near-identical pressure
// situations produce equal feature values.
func metricBand(value float64) string {
	// Metrics reported as percentages normalize to ratios.
	if value > 1.5 {
		value /= 100
	}

	switch {
	case value >= 0.9:
		return "saturated"
	case value >= 0.7:
		return "elevated"
	default:
		return "nominal"
	}
}
