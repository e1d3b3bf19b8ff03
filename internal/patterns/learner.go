package patterns

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/pipemend-io/pipemend/internal/issues"
	"github.com/pipemend-io/pipemend/internal/storage"
)

const (
	defaultClusterAffinity = 0.5
	defaultUnmatchedMaxAge = 30 * 24 * time.Hour

	minPatternThreshold = 0.5
	maxPatternThreshold = 0.95
)

type (
	// UnmatchedIssue is a classified issue that matched no known pattern,
	// parked until enough similar ones accumulate to mint a pattern from.
	UnmatchedIssue struct {
		IssueID    string          `json:"issue_id"`
		Category   issues.Category `json:"category"`
		IssueType  string          `json:"issue_type"`
		Features   map[string]any  `json:"features"`
		RecordedAt time.Time       `json:"recorded_at"`
	}

	// LearnerConfig tunes pattern discovery.
	LearnerConfig struct {
		// MinOccurrences is the cluster size required before a pattern is
		// minted. Zero means 3.
		MinOccurrences int
		// ClusterAffinity is the similarity floor for grouping unmatched
		// issues into one cluster. Zero means 0.5.
		ClusterAffinity float64
		// UnmatchedMaxAge prunes parked issues older than this during Scan.
		// Zero means 30 days.
		UnmatchedMaxAge time.Duration
		// Logger receives structured logs. Nil means slog.Default().
		Logger *slog.Logger
	}

	// Learner parks unmatched issues and promotes recurring clusters of
	// similar ones into new patterns.
	Learner struct {
		docs            storage.DocumentStore
		store           *Store
		cache           *Cache
		minOccurrences  int
		clusterAffinity float64
		maxAge          time.Duration
		logger          *slog.Logger
	}
)

// NewLearner creates a learner writing new patterns through the given store.
func NewLearner(docs storage.DocumentStore, store *Store, cache *Cache, config LearnerConfig) *Learner {
	minOccurrences := config.MinOccurrences
	if minOccurrences <= 0 {
		minOccurrences = 3
	}

	affinity := config.ClusterAffinity
	if affinity <= 0 {
		affinity = defaultClusterAffinity
	}

	maxAge := config.UnmatchedMaxAge
	if maxAge <= 0 {
		maxAge = defaultUnmatchedMaxAge
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Learner{
		docs:            docs,
		store:           store,
		cache:           cache,
		minOccurrences:  minOccurrences,
		clusterAffinity: affinity,
		maxAge:          maxAge,
		logger:          logger,
	}
}

// RecordUnmatched parks a classified issue that matched no pattern.
func (l *Learner) RecordUnmatched(ctx context.Context, classification *issues.IssueClassification) error {
	if len(classification.Features) == 0 {
		return fmt.Errorf("%w: no features to learn from", ErrInvalidPattern)
	}

	unmatched := UnmatchedIssue{
		IssueID:    classification.IssueID,
		Category:   classification.Category,
		IssueType:  classification.IssueType,
		Features:   classification.Features,
		RecordedAt: time.Now().UTC(),
	}

	if unmatched.IssueID == "" {
		unmatched.IssueID = uuid.NewString()
	}

	if err := l.docs.Set(ctx, CollectionUnmatched, unmatched.IssueID, unmatched); err != nil {
		return fmt.Errorf("failed to record unmatched issue: %w", err)
	}

	l.logger.Debug("unmatched issue parked",
		slog.String("issue_id", unmatched.IssueID),
		slog.String("category", string(unmatched.Category)),
		slog.String("issue_type", unmatched.IssueType),
	)

	return nil
}

// Scan clusters parked issues by feature similarity and mints a pattern from
// every cluster that reached the occurrence floor. Consumed and expired
// parked issues are removed; smaller clusters stay parked for later scans.
func (l *Learner) Scan(ctx context.Context) ([]Pattern, error) {
	raws, err := l.docs.Query(ctx, CollectionUnmatched, storage.Criteria{}, 0)
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().UTC().Add(-l.maxAge)
	byCategory := make(map[issues.Category][]UnmatchedIssue)

	for _, raw := range raws {
		var unmatched UnmatchedIssue
		if err := json.Unmarshal(raw, &unmatched); err != nil {
			return nil, fmt.Errorf("failed to decode unmatched issue: %w", err)
		}

		if unmatched.RecordedAt.Before(cutoff) {
			if err := l.docs.Delete(ctx, CollectionUnmatched, unmatched.IssueID); err != nil {
				return nil, err
			}

			continue
		}

		byCategory[unmatched.Category] = append(byCategory[unmatched.Category], unmatched)
	}

	var minted []Pattern

	for category, parked := range byCategory {
		clusters := clusterBySimilarity(parked, l.clusterAffinity)

		for _, cluster := range clusters {
			if len(cluster) < l.minOccurrences {
				continue
			}

			pattern, ok := l.mintPattern(category, cluster)
			if !ok {
				continue
			}

			created, err := l.store.CreatePattern(ctx, pattern)
			if err != nil {
				return nil, err
			}

			for _, member := range cluster {
				if err := l.docs.Delete(ctx, CollectionUnmatched, member.IssueID); err != nil {
					return nil, err
				}
			}

			l.cache.Invalidate(category)
			minted = append(minted, *created)

			l.logger.Info("pattern minted from recurring issues",
				slog.String("pattern_id", created.PatternID),
				slog.String("category", string(category)),
				slog.Int("cluster_size", len(cluster)),
				slog.Float64("threshold", created.ConfidenceThreshold),
			)
		}
	}

	return minted, nil
}

// mintPattern derives a pattern from a cluster: features are the key/value
// pairs shared by every member, the threshold is the weakest member's
// similarity to those shared features. Clusters sharing nothing are skipped.
func (l *Learner) mintPattern(category issues.Category, cluster []UnmatchedIssue) (Pattern, bool) {
	features := commonFeatures(cluster)
	if len(features) == 0 {
		return Pattern{}, false
	}

	threshold := maxPatternThreshold

	for _, member := range cluster {
		if similarity := Similarity(features, member.Features); similarity < threshold {
			threshold = similarity
		}
	}

	if threshold < minPatternThreshold {
		threshold = minPatternThreshold
	}

	name := string(category) + "/recurring_issue"
	if issueType := dominantIssueType(cluster); issueType != "" {
		name = string(category) + "/" + issueType
	}

	return Pattern{
		Name:                name,
		Category:            category,
		Features:            features,
		ConfidenceThreshold: threshold,
	}, true
}

// clusterBySimilarity groups issues greedily: each issue joins the first
// cluster whose seed it resembles at or above the affinity floor, otherwise
// it seeds a new cluster. Seed-anchored comparison keeps the grouping
// deterministic for a given input order.
func clusterBySimilarity(parked []UnmatchedIssue, affinity float64) [][]UnmatchedIssue {
	var clusters [][]UnmatchedIssue

next:
	for _, issue := range parked {
		for i, cluster := range clusters {
			if Similarity(cluster[0].Features, issue.Features) >= affinity {
				clusters[i] = append(clusters[i], issue)

				continue next
			}
		}

		clusters = append(clusters, []UnmatchedIssue{issue})
	}

	return clusters
}

// commonFeatures intersects the members' feature maps, keeping keys present
// in every member with equal values.
func commonFeatures(cluster []UnmatchedIssue) map[string]any {
	common := make(map[string]any, len(cluster[0].Features))

	for key, value := range cluster[0].Features {
		common[key] = value
	}

	for _, member := range cluster[1:] {
		for key, value := range common {
			other, ok := member.Features[key]
			if !ok || !featureValueEqual(value, other) {
				delete(common, key)
			}
		}
	}

	return common
}

// dominantIssueType returns the most frequent issue type in the cluster.
func dominantIssueType(cluster []UnmatchedIssue) string {
	counts := make(map[string]int, len(cluster))

	var best string

	for _, member := range cluster {
		if member.IssueType == "" {
			continue
		}

		counts[member.IssueType]++

		if best == "" || counts[member.IssueType] > counts[best] {
			best = member.IssueType
		}
	}

	return best
}
