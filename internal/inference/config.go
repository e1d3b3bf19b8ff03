package inference

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pipemend-io/pipemend/internal/config"
)

// Prediction modes: score in process against the champion artifact, or call
// a managed model endpoint.
const (
	ModeLocal  = "local"
	ModeRemote = "remote"
)

const (
	defaultRequestsPerSecond = 10.0
	defaultBurst             = 20
	defaultRequestTimeout    = 10 * time.Second
	defaultMaxAttempts       = 3
	defaultBackoffFactor     = 0.5
)

// Sentinel errors for configuration validation failures.
var (
	ErrUnknownMode      = errors.New("inference mode must be local or remote")
	ErrEndpointRequired = errors.New("remote inference requires an endpoint")
	ErrInvalidRate      = errors.New("request rate and burst must be positive")
	ErrInvalidAttempts  = errors.New("max attempts must be positive")
)

// Config holds the prediction client configuration.
type Config struct {
	// Mode selects local or remote prediction.
	Mode string

	// Endpoint is the base URL of the remote model server. Required in
	// remote mode.
	Endpoint string

	// ArtifactPath locates the champion model artifact on disk. Optional;
	// without it local mode starts with an empty guard and serves rule-based
	// classifications until the trainer promotes a model.
	ArtifactPath string

	// RequestsPerSecond and Burst bound the remote request rate.
	RequestsPerSecond float64
	Burst             int

	// RequestTimeout caps one remote prediction round trip.
	RequestTimeout time.Duration

	// MaxAttempts and BackoffFactor shape the retry schedule for transient
	// remote failures.
	MaxAttempts   int
	BackoffFactor float64

	// Logger receives structured operation logs. Nil means slog.Default().
	Logger *slog.Logger
}

// LoadConfig loads the inference configuration from environment variables
// with fallback to defaults.
func LoadConfig() *Config {
	return &Config{
		Mode:              strings.ToLower(config.GetEnvStr("CLASSIFIER_MODE", ModeLocal)),
		Endpoint:          config.GetEnvStr("INFERENCE_ENDPOINT", ""),
		ArtifactPath:      config.GetEnvStr("MODEL_ARTIFACT_PATH", ""),
		RequestsPerSecond: config.GetEnvFloat("INFERENCE_REQUESTS_PER_SECOND", defaultRequestsPerSecond),
		Burst:             config.GetEnvInt("INFERENCE_BURST", defaultBurst),
		RequestTimeout:    config.GetEnvDuration("INFERENCE_REQUEST_TIMEOUT", defaultRequestTimeout),
		MaxAttempts:       config.GetEnvInt("INFERENCE_MAX_ATTEMPTS", defaultMaxAttempts),
		BackoffFactor:     config.GetEnvFloat("INFERENCE_BACKOFF_FACTOR", defaultBackoffFactor),
	}
}

// Validate checks the configuration for the selected mode.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeLocal, ModeRemote:
	default:
		return fmt.Errorf("%w: got %q", ErrUnknownMode, c.Mode)
	}

	if c.Mode == ModeRemote && strings.TrimSpace(c.Endpoint) == "" {
		return ErrEndpointRequired
	}

	if c.RequestsPerSecond <= 0 || c.Burst <= 0 {
		return ErrInvalidRate
	}

	if c.MaxAttempts <= 0 {
		return ErrInvalidAttempts
	}

	return nil
}
