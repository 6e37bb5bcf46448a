// Package removal calls an HTTP background-removal service such as remove.bg.
package removal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/dunamismax/backdrop/internal/config"
	"golang.org/x/time/rate"
)

const (
	HeaderAPIKey = "X-Api-Key"

	maxResponseBytes = 32 << 20
)

var (
	ErrMissingAPIKey = errors.New("removal api key is not configured")
	ErrRejected      = errors.New("removal service rejected the image")
	ErrEmptyCutout   = errors.New("removal service returned an empty image")
)

// Remover turns a photo into a cutout with a transparent background.
type Remover interface {
	Remove(ctx context.Context, image []byte, filename string) ([]byte, error)
}

type Client struct {
	httpClient     *http.Client
	endpoint       string
	apiKey         string
	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	limiter        *rate.Limiter
}

func NewClient(cfg config.RemovalConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	maxAttempts := cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	limit := rate.Inf
	if cfg.RequestsPerSec > 0 {
		limit = rate.Limit(cfg.RequestsPerSec)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}

	return &Client{
		httpClient:     &http.Client{Timeout: timeout},
		endpoint:       strings.TrimSpace(cfg.Endpoint),
		apiKey:         strings.TrimSpace(cfg.APIKey),
		maxAttempts:    maxAttempts,
		initialBackoff: 500 * time.Millisecond,
		maxBackoff:     8 * time.Second,
		limiter:        rate.NewLimiter(limit, burst),
	}
}

// Remove uploads image as multipart/form-data and returns the PNG cutout.
func (c *Client) Remove(ctx context.Context, image []byte, filename string) ([]byte, error) {
	if c.apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	if len(image) == 0 {
		return nil, fmt.Errorf("%w: empty upload", ErrRejected)
	}

	body, contentType, err := buildForm(image, filename)
	if err != nil {
		return nil, err
	}

	backoff := c.initialBackoff
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("wait for removal slot: %w", err)
		}

		cutout, retry, err := c.do(ctx, body, contentType)
		if err == nil {
			return cutout, nil
		}
		if !retry {
			return nil, err
		}

		lastErr = err
		if attempt == c.maxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, c.maxBackoff)
	}

	return nil, fmt.Errorf("removal failed after %d attempts: %w", c.maxAttempts, lastErr)
}

func (c *Client) do(ctx context.Context, body []byte, contentType string) ([]byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, false, fmt.Errorf("build removal request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "image/png")
	req.Header.Set(HeaderAPIKey, c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		return nil, true, fmt.Errorf("removal request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return nil, true, fmt.Errorf("read removal response: %w", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if len(data) == 0 {
			return nil, false, ErrEmptyCutout
		}
		if len(data) > maxResponseBytes {
			return nil, false, fmt.Errorf("removal response exceeds %d bytes", maxResponseBytes)
		}
		return data, false, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, true, fmt.Errorf("removal service returned status=%d", resp.StatusCode)
	default:
		return nil, false, fmt.Errorf("%w: status=%d body=%s", ErrRejected, resp.StatusCode, snippet(data))
	}
}

func buildForm(image []byte, filename string) ([]byte, string, error) {
	filename = filepath.Base(strings.TrimSpace(filename))
	if filename == "" || filename == "." || filename == string(filepath.Separator) {
		filename = "upload"
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("size", "auto"); err != nil {
		return nil, "", fmt.Errorf("write size field: %w", err)
	}
	part, err := w.CreateFormFile("image_file", filename)
	if err != nil {
		return nil, "", fmt.Errorf("create image_file part: %w", err)
	}
	if _, err := part.Write(image); err != nil {
		return nil, "", fmt.Errorf("write image_file part: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart body: %w", err)
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

func snippet(data []byte) string {
	const limit = 200
	s := strings.TrimSpace(string(data))
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}

// Passthrough returns the upload unchanged. It stands in for the removal
// service when the photo already has a transparent background.
type Passthrough struct{}

func (Passthrough) Remove(_ context.Context, image []byte, _ string) ([]byte, error) {
	if len(image) == 0 {
		return nil, ErrEmptyCutout
	}
	return image, nil
}
