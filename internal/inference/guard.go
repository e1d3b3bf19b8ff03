package inference

import (
	"context"
	"sync"
)

// ModelGuard holds the champion model behind a read-write mutex so the
// learning subsystem can promote a new artifact while predictions are in
// flight. Readers always see either the old champion or the new one, never a
// torn state.
type ModelGuard struct {
	mu       sync.RWMutex
	champion *LocalModel
}

var _ Client = (*ModelGuard)(nil)

// NewModelGuard creates a guard, optionally seeded with an initial champion.
func NewModelGuard(champion *LocalModel) *ModelGuard {
	return &ModelGuard{champion: champion}
}

// Champion returns the current champion, or nil before any model is loaded.
func (g *ModelGuard) Champion() *LocalModel {
	g.mu.RLock()
	defer g.mu.RUnlock()

	return g.champion
}

// Swap installs a new champion and returns the previous one.
func (g *ModelGuard) Swap(next *LocalModel) *LocalModel {
	g.mu.Lock()
	defer g.mu.Unlock()

	previous := g.champion
	g.champion = next

	return previous
}

// Predict delegates to the current champion.
func (g *ModelGuard) Predict(ctx context.Context, endpoint string, features map[string]float64) (*Prediction, error) {
	champion := g.Champion()
	if champion == nil {
		return nil, ErrNoChampion
	}

	return champion.Predict(ctx, endpoint, features)
}
