// Package provider is the HTTP client for the external asynchronous video
// processing service. Transient failures (network, 5xx, open breaker) surface
// as ErrUnavailable and are retried by the registration service and sweeper,
// never bubbled to callers as ingestion failure.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

// ErrUnavailable indicates a transient provider failure; the caller should
// leave the asset pending/processing and let the retry path handle it.
var ErrUnavailable = errors.New("processing provider unavailable")

// Config holds provider connection settings.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// CreateAssetInput describes a processing job submission.
type CreateAssetInput struct {
	SourceURL        string `json:"source_url"`
	PlaybackPolicy   string `json:"playback_policy,omitempty"`
	GenerateCaptions bool   `json:"generate_captions,omitempty"`
}

// AssetStatus is the provider's view of a processing job. DurationSeconds
// arrives as a decimal and must be rounded before persistence.
type AssetStatus struct {
	ExternalAssetID string  `json:"asset_id"`
	Status          string  `json:"status"` // preparing|ready|errored
	PlaybackRef     string  `json:"playback_id"`
	ThumbnailURL    string  `json:"thumbnail_url"`
	TranscriptURL   string  `json:"transcript_url"`
	DurationSeconds float64 `json:"duration"`
	ErrorReason     string  `json:"error_reason"`
}

// Client calls the processing provider REST API behind a circuit breaker.
type Client struct {
	cfg     Config
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[[]byte]
	logger  *zap.Logger
}

// NewClient creates a provider client.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	breaker := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:    "processing-provider",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		breaker: breaker,
		logger:  logger,
	}
}

// CreateAsset submits a processing job for a source object and returns the
// provider-issued external asset id.
func (c *Client) CreateAsset(ctx context.Context, in CreateAssetInput) (string, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return "", fmt.Errorf("marshal create asset: %w", err)
	}
	raw, err := c.do(ctx, http.MethodPost, "/assets", body)
	if err != nil {
		return "", err
	}
	var out struct {
		AssetID string `json:"asset_id"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("decode create asset response: %w", err)
	}
	if out.AssetID == "" {
		return "", fmt.Errorf("provider returned empty asset id")
	}
	return out.AssetID, nil
}

// GetAssetStatus polls the provider for the current state of a processing job.
// Used by the reconciliation sweeper as the fallback for a lost webhook.
func (c *Client) GetAssetStatus(ctx context.Context, externalAssetID string) (*AssetStatus, error) {
	raw, err := c.do(ctx, http.MethodGet, "/assets/"+externalAssetID, nil)
	if err != nil {
		return nil, err
	}
	var st AssetStatus
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("decode asset status: %w", err)
	}
	return &st, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	raw, err := c.breaker.Execute(func() ([]byte, error) {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}
		if resp.StatusCode >= 500 {
			return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return nil, fmt.Errorf("provider request failed: status %d: %s", resp.StatusCode, data)
		}
		return data, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			c.logger.Warn("provider circuit breaker open", zap.String("path", path))
			return nil, fmt.Errorf("%w: circuit open", ErrUnavailable)
		}
		return nil, err
	}
	return raw, nil
}
