// Package inference provides model prediction clients for the healing core:
// a remote HTTP JSON client for managed model endpoints and a local linear
// model loaded from an artifact on disk. The champion model lives behind a
// ModelGuard so the learning subsystem can swap in a newly promoted artifact
// without interrupting in-flight predictions.
package inference

import (
	"context"
	"errors"
)

// Sentinel errors returned by the prediction clients.
var (
	// ErrBadArtifact indicates a model artifact that fails validation.
	ErrBadArtifact = errors.New("invalid model artifact")

	// ErrNoChampion is returned by a ModelGuard before any model is loaded.
	ErrNoChampion = errors.New("no champion model loaded")

	// ErrPredictFailed wraps terminal prediction failures from the remote
	// endpoint.
	ErrPredictFailed = errors.New("prediction request failed")
)

type (
	// Prediction is the outcome of a model call: per-label scores, the
	// winning label, and its confidence in [0, 1].
	Prediction struct {
		Label        string             `json:"label"`
		Confidence   float64            `json:"confidence"`
		Predictions  map[string]float64 `json:"predictions"`
		ModelID      string             `json:"model_id,omitempty"`
		ModelVersion string             `json:"model_version,omitempty"`
	}

	// Client scores a feature vector against a model. The endpoint argument
	// selects the route on remote implementations; local implementations
	// ignore it. Implementations must be safe for concurrent use.
	Client interface {
		Predict(ctx context.Context, endpoint string, features map[string]float64) (*Prediction, error)
	}
)
