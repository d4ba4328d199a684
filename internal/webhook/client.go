package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	HeaderSignature = "X-Normthumb-Signature"
	HeaderTimestamp = "X-Normthumb-Timestamp"
	HeaderEvent     = "X-Normthumb-Event"
)

const (
	EventThumbnailCompleted = "thumbnail.completed"
	EventThumbnailBypassed  = "thumbnail.bypassed"
	EventThumbnailFailed    = "thumbnail.failed"
)

// ErrInvalidSignature is returned by Verify when a delivery was not signed
// with the configured secret.
var ErrInvalidSignature = errors.New("webhook: invalid signature")

type Config struct {
	SigningSecret  string
	Timeout        time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

type Client struct {
	httpClient     *http.Client
	signingSecret  string
	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}

	return &Client{
		httpClient:     &http.Client{Timeout: cfg.Timeout},
		signingSecret:  cfg.SigningSecret,
		maxAttempts:    max(cfg.MaxAttempts, 1),
		initialBackoff: cfg.InitialBackoff,
		maxBackoff:     max(cfg.MaxBackoff, cfg.InitialBackoff),
	}
}

// Send posts payload as JSON to endpoint, signed with the configured secret.
// An empty endpoint is a no-op.
func (c *Client) Send(ctx context.Context, endpoint, event string, payload any) error {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	d := delivery{
		endpoint:  endpoint,
		event:     event,
		timestamp: strconv.FormatInt(time.Now().UTC().Unix(), 10),
		body:      body,
	}
	d.signature = c.sign(d.timestamp, body)

	wait := c.initialBackoff
	for attempt := 1; ; attempt++ {
		retry, err := c.deliver(ctx, d)
		if err == nil {
			return nil
		}
		if !retry || attempt >= c.maxAttempts {
			return fmt.Errorf("webhook delivery failed after %d attempt(s): %w", attempt, err)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		wait = min(wait*2, c.maxBackoff)
	}
}

type delivery struct {
	endpoint  string
	event     string
	timestamp string
	signature string
	body      []byte
}

// deliver makes one attempt and reports whether a failure is worth retrying.
func (c *Client) deliver(ctx context.Context, d delivery) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(d.body))
	if err != nil {
		return false, fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderTimestamp, d.timestamp)
	req.Header.Set(HeaderSignature, d.signature)
	req.Header.Set(HeaderEvent, d.event)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return true, err
	}
	resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return false, nil
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return true, fmt.Errorf("webhook returned status=%d", resp.StatusCode)
	default:
		// Other 4xx answers will not change on retry.
		return false, fmt.Errorf("webhook returned status=%d", resp.StatusCode)
	}
}

// Verify checks a received body against the signature and timestamp headers.
func (c *Client) Verify(timestamp, signature string, body []byte) error {
	expected := c.sign(timestamp, body)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrInvalidSignature
	}
	return nil
}

func (c *Client) sign(timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(c.signingSecret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
