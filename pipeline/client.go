// Package pipeline is the client side of the external automation pipeline:
// fire-and-forget multipart webhooks with retry/backoff for document ingest
// and export-email dispatch. The pipeline answers asynchronously by calling
// back into /pipeline/callback.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"mime/multipart"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/cardiva/cardiva_backend/config"
)

// ErrNotConfigured is returned when the webhook URL env var is empty. No
// delivery attempt is made in that case.
var ErrNotConfigured = errors.New("webhook url not configured")

// HTTPStatusError marks a non-retryable response (4xx other than 429).
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("webhook rejected with status %d: %s", e.StatusCode, e.Body)
}

// DeliveryError is returned when every attempt was exhausted.
type DeliveryError struct {
	Attempts int
	LastErr  error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("webhook delivery failed after %d attempts: %v", e.Attempts, e.LastErr)
}

func (e *DeliveryError) Unwrap() error {
	return e.LastErr
}

// FilePart is a binary part of the multipart payload.
type FilePart struct {
	FieldName string
	FileName  string
	Content   []byte
}

type Client struct {
	// MaxRetries is the number of retries after the first attempt
	// (default 3, i.e. 4 attempts total).
	MaxRetries int
	// InitialDelay is the base of the exponential backoff (default 1s).
	InitialDelay time.Duration
	// AttemptTimeout bounds each individual attempt (default 30s).
	AttemptTimeout time.Duration
	// SharedSecret, when set, is sent as X-Webhook-Secret on every attempt.
	SharedSecret string

	httpClient *http.Client
}

func NewClient() *Client {
	return &Client{
		MaxRetries:     3,
		InitialDelay:   time.Second,
		AttemptTimeout: 30 * time.Second,
		SharedSecret:   os.Getenv("PIPELINE_SHARED_SECRET"),
	}
}

// Post delivers a multipart payload with exponential backoff. 2xx is success.
// A 4xx other than 429 surfaces immediately as *HTTPStatusError. Anything
// else (5xx, 429, transport error, timeout) is retried with
// InitialDelay × 2^attempt plus up to 25% jitter between attempts.
func (c *Client) Post(ctx context.Context, url string, fields map[string]string, files []FilePart) error {
	if strings.TrimSpace(url) == "" {
		return ErrNotConfigured
	}

	maxRetries := c.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	initialDelay := c.InitialDelay
	if initialDelay <= 0 {
		initialDelay = time.Second
	}
	attemptTimeout := c.AttemptTimeout
	if attemptTimeout <= 0 {
		attemptTimeout = 30 * time.Second
	}
	httpClient := c.httpClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	body, contentType, err := encodeMultipart(fields, files)
	if err != nil {
		return err
	}

	logger := config.GetLogger()
	var lastErr error
	totalAttempts := maxRetries + 1

	for attempt := 0; attempt < totalAttempts; attempt++ {
		if attempt > 0 {
			// full backoff step plus up to 25% jitter so concurrent uploads
			// don't retry in lockstep
			delay := initialDelay * time.Duration(1<<(attempt-1))
			delay += time.Duration(rand.Int63n(int64(delay)/4 + 1))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return &DeliveryError{Attempts: attempt, LastErr: ctx.Err()}
			}
		}

		lastErr = c.attempt(ctx, httpClient, url, contentType, body, attemptTimeout)
		if lastErr == nil {
			return nil
		}

		var statusErr *HTTPStatusError
		if errors.As(lastErr, &statusErr) {
			// client-side rejection, retrying cannot help
			return statusErr
		}

		logger.WithField("module", "pipeline").
			WithField("attempt", attempt+1).
			WithField("url", url).
			Warn(lastErr.Error())
	}

	return &DeliveryError{Attempts: totalAttempts, LastErr: lastErr}
}

func (c *Client) attempt(ctx context.Context, httpClient *http.Client, url string, contentType string, body []byte, timeout time.Duration) error {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	if c.SharedSecret != "" {
		req.Header.Set("X-Webhook-Secret", c.SharedSecret)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return &HTTPStatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}
	return fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
}

func encodeMultipart(fields map[string]string, files []FilePart) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	for _, f := range files {
		part, err := w.CreateFormFile(f.FieldName, f.FileName)
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(f.Content); err != nil {
			return nil, "", err
		}
	}
	for name, value := range fields {
		if err := w.WriteField(name, value); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}
