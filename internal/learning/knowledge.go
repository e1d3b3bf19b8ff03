package learning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/pipemend-io/pipemend/internal/storage"
)

// EntryKind names the four flavours of knowledge the base accumulates.
type EntryKind string

const (
	// EntryIssue captures what a classified issue looked like.
	EntryIssue EntryKind = "issue"

	// EntryPattern captures what a learned pattern covers.
	EntryPattern EntryKind = "pattern"

	// EntryCorrection captures how a correction strategy behaved.
	EntryCorrection EntryKind = "correction"

	// EntryEffectiveness captures an analyzer finding worth keeping.
	EntryEffectiveness EntryKind = "effectiveness"
)

// IsValid returns true for recognized entry kinds.
func (k EntryKind) IsValid() bool {
	switch k {
	case EntryIssue, EntryPattern, EntryCorrection, EntryEffectiveness:
		return true
	default:
		return false
	}
}

// String returns the string representation of the entry kind.
func (k EntryKind) String() string {
	return string(k)
}

type (
	// KnowledgeEntry is one piece of learned knowledge. Entries are never
	// rewritten in place: appending a newer entry for the same (kind,
	// subject) marks the older one superseded, so the base keeps its full
	// history while reads see only the current generation.
	KnowledgeEntry struct {
		EntryID string    `json:"entry_id"`
		Kind    EntryKind `json:"kind"`

		// Subject is the stable key the entry is about: an issue signature,
		// a pattern id, a correction strategy, an action id.
		Subject string `json:"subject"`

		Title string         `json:"title,omitempty"`
		Body  map[string]any `json:"body"`

		UsageCount   int     `json:"usage_count"`
		SuccessCount int     `json:"success_count"`
		SuccessRate  float64 `json:"success_rate"`

		Superseded   bool   `json:"superseded"`
		SupersededBy string `json:"superseded_by,omitempty"`

		CreatedAt  time.Time  `json:"created_at"`
		UpdatedAt  time.Time  `json:"updated_at"`
		LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	}

	// KnowledgeConfig configures a knowledge base.
	KnowledgeConfig struct {
		// Logger receives structured operation logs. Nil means slog.Default().
		Logger *slog.Logger
	}

	// KnowledgeBase is the append-with-supersede store of learned knowledge.
	KnowledgeBase struct {
		docs   storage.DocumentStore
		logger *slog.Logger
	}
)

// Validate checks entry fields before persisting.
func (e *KnowledgeEntry) Validate() error {
	if !e.Kind.IsValid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEntry, e.Kind)
	}

	if e.Subject == "" {
		return fmt.Errorf("%w: subject is required", ErrInvalidEntry)
	}

	if len(e.Body) == 0 {
		return fmt.Errorf("%w: body is empty", ErrInvalidEntry)
	}

	if e.UsageCount < 0 || e.SuccessCount < 0 || e.SuccessCount > e.UsageCount {
		return fmt.Errorf("%w: counter invariant violated (%d/%d)",
			ErrInvalidEntry, e.SuccessCount, e.UsageCount)
	}

	return nil
}

// Relevance scores how much an entry should influence decisions now:
// recency of last touch, times used, and how well it worked.
//
//	relevance = 0.9^(age_days/30) · ln(usage+2) · (successes+1)/(usage+2)
//
// The usage and rate terms are Laplace-smoothed so a fresh entry that was
// never used still surfaces instead of scoring zero.
func (e *KnowledgeEntry) Relevance(now time.Time) float64 {
	recency := decay(now.Sub(e.UpdatedAt))
	usage := math.Log1p(float64(e.UsageCount) + 1)
	successRate := (float64(e.SuccessCount) + 1) / (float64(e.UsageCount) + 2)

	return recency * usage * successRate
}

// NewKnowledgeBase creates a knowledge base over the document store.
func NewKnowledgeBase(docs storage.DocumentStore, cfg KnowledgeConfig) *KnowledgeBase {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &KnowledgeBase{docs: docs, logger: logger}
}

// Append persists a new entry and marks the previous generation for the same
// (kind, subject) superseded. The supersede and the insert commit together.
func (kb *KnowledgeBase) Append(ctx context.Context, entry KnowledgeEntry) (*KnowledgeEntry, error) {
	if err := entry.Validate(); err != nil {
		return nil, err
	}

	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}

	now := time.Now().UTC()
	entry.CreatedAt = now
	entry.UpdatedAt = now
	entry.Superseded = false
	entry.SupersededBy = ""

	previous, err := kb.current(ctx, entry.Kind, entry.Subject)
	if err != nil {
		return nil, err
	}

	err = kb.docs.Transact(ctx, func(tx storage.DocumentTx) error {
		if err := tx.Set(ctx, CollectionKnowledge, entry.EntryID, entry); err != nil {
			return fmt.Errorf("failed to persist knowledge entry: %w", err)
		}

		if previous == nil {
			return nil
		}

		return tx.Update(ctx, CollectionKnowledge, previous.EntryID, func(raw json.RawMessage) (any, error) {
			old, err := decodeEntry(raw)
			if err != nil {
				return nil, err
			}

			old.Superseded = true
			old.SupersededBy = entry.EntryID
			old.UpdatedAt = now

			return old, nil
		})
	})
	if err != nil {
		return nil, err
	}

	kb.logger.Info("knowledge entry appended",
		slog.String("entry_id", entry.EntryID),
		slog.String("kind", entry.Kind.String()),
		slog.String("subject", entry.Subject),
		slog.Bool("superseded_previous", previous != nil),
	)

	return &entry, nil
}

// Get returns one entry by id.
func (kb *KnowledgeBase) Get(ctx context.Context, entryID string) (*KnowledgeEntry, error) {
	raw, err := kb.docs.Get(ctx, CollectionKnowledge, entryID)
	if err != nil {
		if errors.Is(err, storage.ErrDocumentNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, entryID)
		}

		return nil, err
	}

	return decodeEntry(raw)
}

// Active returns the current generation of entries, optionally filtered by
// kind. Superseded entries never appear.
func (kb *KnowledgeBase) Active(ctx context.Context, kind EntryKind) ([]KnowledgeEntry, error) {
	criteria := storage.Criteria{"superseded": false}
	if kind != "" {
		criteria["kind"] = kind.String()
	}

	raws, err := kb.docs.Query(ctx, CollectionKnowledge, criteria, 0)
	if err != nil {
		return nil, err
	}

	entries := make([]KnowledgeEntry, 0, len(raws))

	for _, raw := range raws {
		entry, err := decodeEntry(raw)
		if err != nil {
			return nil, err
		}

		entries = append(entries, *entry)
	}

	return entries, nil
}

// Relevant returns up to limit active entries of a kind, most relevant
// first. limit <= 0 returns everything.
func (kb *KnowledgeBase) Relevant(ctx context.Context, kind EntryKind, limit int) ([]KnowledgeEntry, error) {
	entries, err := kb.Active(ctx, kind)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Relevance(now) > entries[j].Relevance(now)
	})

	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}

	return entries, nil
}

// RecordUsage bumps an entry's usage counters after it influenced a
// decision.
func (kb *KnowledgeBase) RecordUsage(ctx context.Context, entryID string, success bool) (*KnowledgeEntry, error) {
	var updated KnowledgeEntry

	err := kb.docs.Update(ctx, CollectionKnowledge, entryID, func(raw json.RawMessage) (any, error) {
		entry, err := decodeEntry(raw)
		if err != nil {
			return nil, err
		}

		now := time.Now().UTC()

		entry.UsageCount++

		if success {
			entry.SuccessCount++
		}

		entry.SuccessRate = rate(entry.SuccessCount, entry.UsageCount)
		entry.LastUsedAt = &now
		entry.UpdatedAt = now

		updated = *entry

		return entry, nil
	})
	if err != nil {
		if errors.Is(err, storage.ErrDocumentNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, entryID)
		}

		return nil, err
	}

	return &updated, nil
}

// current returns the active entry for a (kind, subject) pair, newest first
// when history anomalies left more than one.
func (kb *KnowledgeBase) current(ctx context.Context, kind EntryKind, subject string) (*KnowledgeEntry, error) {
	raws, err := kb.docs.Query(ctx, CollectionKnowledge, storage.Criteria{
		"kind":       kind.String(),
		"subject":    subject,
		"superseded": false,
	}, 0)
	if err != nil {
		return nil, err
	}

	if len(raws) == 0 {
		return nil, nil
	}

	entries := make([]KnowledgeEntry, 0, len(raws))

	for _, raw := range raws {
		entry, err := decodeEntry(raw)
		if err != nil {
			return nil, err
		}

		entries = append(entries, *entry)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CreatedAt.After(entries[j].CreatedAt)
	})

	return &entries[0], nil
}

func decodeEntry(raw json.RawMessage) (*KnowledgeEntry, error) {
	var entry KnowledgeEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("failed to decode knowledge entry: %w", err)
	}

	return &entry, nil
}
