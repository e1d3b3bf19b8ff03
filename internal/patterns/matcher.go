package patterns

import (
	"context"
	"log/slog"
	"sort"

	"github.com/pipemend-io/pipemend/internal/issues"
)

type (
	// MatcherConfig tunes pattern matching.
	MatcherConfig struct {
		// Logger receives structured logs. Nil means slog.Default().
		Logger *slog.Logger
	}

	// Matcher scores classified issues against known patterns. A pattern
	// matches when the feature similarity reaches its own confidence
	// threshold; each pattern carries its threshold because feature spaces
	// differ in how discriminating they are.
	Matcher struct {
		cache  *Cache
		logger *slog.Logger
	}
)

// NewMatcher creates a matcher over the given pattern cache.
func NewMatcher(cache *Cache, config MatcherConfig) *Matcher {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Matcher{cache: cache, logger: logger}
}

// Match returns every pattern of the issue's category whose similarity to the
// issue features reaches the pattern's threshold, strongest first. Ties break
// toward the higher historical success rate.
func (m *Matcher) Match(ctx context.Context, classification *issues.IssueClassification) ([]Match, error) {
	candidates, err := m.cache.Patterns(ctx, classification.Category)
	if err != nil {
		return nil, err
	}

	matches := make([]Match, 0, len(candidates))

	for _, pattern := range candidates {
		similarity := Similarity(pattern.Features, classification.Features)
		if similarity < pattern.ConfidenceThreshold {
			continue
		}

		matches = append(matches, Match{Pattern: pattern, Similarity: similarity})
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}

		return matches[i].Pattern.SuccessRate > matches[j].Pattern.SuccessRate
	})

	m.logger.Debug("pattern match completed",
		slog.String("issue_id", classification.IssueID),
		slog.String("category", string(classification.Category)),
		slog.Int("candidates", len(candidates)),
		slog.Int("matches", len(matches)),
	)

	return matches, nil
}

// Best returns the strongest match, or nil when nothing reaches threshold.
func (m *Matcher) Best(ctx context.Context, classification *issues.IssueClassification) (*Match, error) {
	matches, err := m.Match(ctx, classification)
	if err != nil {
		return nil, err
	}

	if len(matches) == 0 {
		return nil, nil
	}

	return &matches[0], nil
}
