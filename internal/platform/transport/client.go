// Package transport is the HTTP client for the partner exchange endpoint.
// Outbound envelopes are HMAC-SHA256 signed and submitted with an idempotency
// header; fetches return partner content wrapped in envelopes.
package transport

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/hie/hie/internal/domain/sync"
	"github.com/hie/hie/internal/platform/envelope"
)

const (
	// SignatureHeader carries the hex HMAC-SHA256 of the request body.
	SignatureHeader = "X-Exchange-Signature"
	// MessageIDHeader lets the partner deduplicate redelivered envelopes.
	MessageIDHeader = "X-Message-ID"
	// TimestampHeader is when the request was signed.
	TimestampHeader = "X-Exchange-Timestamp"

	defaultTimeout = 15 * time.Second
	maxErrorBody   = 1024
)

// Error is a transport failure with its retryability decided by the HTTP
// outcome: 5xx and connection failures may clear up, 4xx will not.
type Error struct {
	StatusCode int
	Detail     string
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("exchange endpoint returned %d: %s", e.StatusCode, e.Detail)
	}
	return e.Detail
}

// Retryable reports whether the same request may succeed later.
func (e *Error) Retryable() bool {
	return e.StatusCode == 0 || e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// Config for the exchange client.
type Config struct {
	// BaseURL of the partner exchange endpoint, e.g. https://rhe.example.org/exchange.
	BaseURL string
	// Secret signs outbound request bodies.
	Secret string
	// Timeout per request; zero means the default.
	Timeout time.Duration
}

// Client submits and fetches envelopes over HTTPS. It satisfies the sync
// orchestrator's RemoteGateway port.
type Client struct {
	baseURL string
	secret  string
	client  *http.Client
	log     zerolog.Logger
}

func NewClient(cfg Config, log zerolog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL: cfg.BaseURL,
		secret:  cfg.Secret,
		client:  &http.Client{Timeout: timeout},
		log:     log.With().Str("component", "exchange_client").Logger(),
	}
}

// Sign computes the hex HMAC-SHA256 of body under secret.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a presented signature against body in constant time.
func VerifySignature(body []byte, secret, signature string) bool {
	return hmac.Equal([]byte(Sign(body, secret)), []byte(signature))
}

// Submit POSTs the envelope to the partner. The message id doubles as the
// idempotency key, so redelivery after an ambiguous failure is safe.
func (c *Client) Submit(ctx context.Context, env *envelope.Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/envelopes", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build submit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(MessageIDHeader, env.MessageID)
	req.Header.Set(SignatureHeader, "sha256="+Sign(body, c.secret))
	req.Header.Set(TimestampHeader, time.Now().UTC().Format(time.RFC3339))

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return &Error{Detail: err.Error()}
	}
	defer resp.Body.Close()

	c.log.Debug().
		Str("message_id", env.MessageID).
		Int("status", resp.StatusCode).
		Dur("latency", time.Since(start)).
		Msg("envelope submitted")

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &Error{StatusCode: resp.StatusCode, Detail: string(detail)}
}

// Fetch retrieves the partner's current copy of an entity as an envelope.
func (c *Client) Fetch(ctx context.Context, entityType, entityID string) (*envelope.Envelope, error) {
	target := fmt.Sprintf("%s/entities/%s/%s", c.baseURL, url.PathEscape(entityType), url.PathEscape(entityID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build fetch request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &Error{Detail: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, sync.ErrRemoteNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &Error{StatusCode: resp.StatusCode, Detail: string(detail)}
	}

	var env envelope.Envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return &env, nil
}
