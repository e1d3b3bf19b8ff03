package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/pipemend-io/pipemend/internal/faults"
)

// maxErrorBodyBytes caps how much of an error response is read for the
// diagnostic message.
const maxErrorBodyBytes = 4 << 10

type (
	// RemoteClient calls a model serving endpoint over HTTP JSON. Requests
	// are rate limited with a token bucket and transient failures (network
	// errors, 5xx, 429) are retried with exponential backoff.
	RemoteClient struct {
		baseURL    string
		httpClient *http.Client
		limiter    *rate.Limiter
		retry      faults.RetryStrategy
		logger     *slog.Logger
	}

	predictRequest struct {
		Features map[string]float64 `json:"features"`
	}

	predictResponse struct {
		Predictions  map[string]float64 `json:"predictions"`
		Label        string             `json:"label"`
		Confidence   float64            `json:"confidence"`
		ModelID      string             `json:"model_id"`
		ModelVersion string             `json:"model_version"`
		Error        string             `json:"error"`
	}
)

var _ Client = (*RemoteClient)(nil)

// NewRemoteClient creates a rate-limited HTTP prediction client. Zero-valued
// rate, timeout, and retry fields fall back to the package defaults; only the
// endpoint is mandatory.
func NewRemoteClient(config *Config) (*RemoteClient, error) {
	if strings.TrimSpace(config.Endpoint) == "" {
		return nil, ErrEndpointRequired
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	rps := config.RequestsPerSecond
	if rps <= 0 {
		rps = defaultRequestsPerSecond
	}

	burst := config.Burst
	if burst <= 0 {
		burst = defaultBurst
	}

	timeout := config.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	attempts := config.MaxAttempts
	if attempts <= 0 {
		attempts = defaultMaxAttempts
	}

	backoff := config.BackoffFactor
	if backoff <= 0 {
		backoff = defaultBackoffFactor
	}

	return &RemoteClient{
		baseURL: strings.TrimRight(config.Endpoint, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		retry: faults.RetryStrategy{
			MaxRetries:    attempts,
			BackoffFactor: backoff,
		},
		logger: logger,
	}, nil
}

// Predict posts the features to the endpoint and decodes the scored result.
// The endpoint argument is resolved against the configured base URL; an
// absolute http(s) URL overrides it. Every attempt waits on the rate limiter
// first, so retries cannot exceed the configured request budget.
func (c *RemoteClient) Predict(ctx context.Context, endpoint string, features map[string]float64) (*Prediction, error) {
	body, err := json.Marshal(predictRequest{Features: features})
	if err != nil {
		return nil, fmt.Errorf("encoding prediction request: %w", err)
	}

	url := c.resolveURL(endpoint)

	var lastErr error

	for attempt := 1; attempt <= c.retry.MaxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("waiting for request budget: %w", err)
		}

		prediction, retryable, err := c.do(ctx, url, body)
		if err == nil {
			return prediction, nil
		}

		lastErr = err

		if !retryable || attempt == c.retry.MaxRetries {
			break
		}

		delay := c.retry.Delay(attempt)

		c.logger.Warn("prediction attempt failed, retrying",
			slog.String("url", url),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", delay),
			slog.String("error", err.Error()),
		)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	return nil, lastErr
}

// do runs one prediction attempt. The second return reports whether the
// failure is worth retrying.
func (c *RemoteClient) do(ctx context.Context, url string, body []byte) (*Prediction, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, false, fmt.Errorf("building prediction request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Network-level failures are transient until proven otherwise.
		return nil, true, fmt.Errorf("%w: %v", ErrPredictFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		retryable := resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests

		return nil, retryable, fmt.Errorf("%w: endpoint returned %d: %s",
			ErrPredictFailed, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var decoded predictResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, false, fmt.Errorf("%w: decoding response: %v", ErrPredictFailed, err)
	}

	if decoded.Error != "" {
		return nil, false, fmt.Errorf("%w: %s", ErrPredictFailed, decoded.Error)
	}

	prediction := &Prediction{
		Label:        decoded.Label,
		Confidence:   decoded.Confidence,
		Predictions:  decoded.Predictions,
		ModelID:      decoded.ModelID,
		ModelVersion: decoded.ModelVersion,
	}

	// Endpoints that return only the score map still yield a usable result.
	if prediction.Label == "" {
		for label, score := range prediction.Predictions {
			if prediction.Label == "" || score > prediction.Confidence ||
				(score == prediction.Confidence && label < prediction.Label) {
				prediction.Label = label
				prediction.Confidence = score
			}
		}
	}

	return prediction, false, nil
}

func (c *RemoteClient) resolveURL(endpoint string) string {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return endpoint
	}

	if endpoint == "" {
		return c.baseURL
	}

	return c.baseURL + "/" + strings.TrimLeft(endpoint, "/")
}
