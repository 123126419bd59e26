// Package authority talks to the remote service that owns reaction counts.
package authority

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"reactsync/internal/reaction"
)

// Authority is the contract the cache consumes. Every operation answers with
// the entity's full reaction payload.
type Authority interface {
	FetchCounts(ctx context.Context, entityID string) (reaction.Payload, error)
	AddOrUpdateReaction(ctx context.Context, entityID, reactionType string) (reaction.Payload, error)
	RemoveReaction(ctx context.Context, entityID string) (reaction.Payload, error)
}

// Ensure Client implements Authority at compile time.
var _ Authority = (*Client)(nil)

// StatusError is returned when the authority answers with a non-2xx status.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("authority returned status %d", e.Status)
	}
	return fmt.Sprintf("authority returned status %d: %s", e.Status, e.Body)
}

// ErrNilClient guards calls on an unconfigured client.
var ErrNilClient = errors.New("authority client is nil")

const (
	defaultUserAgent = "reactsync/0.1"
	requestTimeout   = 10 * time.Second
	maxErrorBody     = 512
)

// Client is the HTTP implementation of Authority.
type Client struct {
	baseURL   *url.URL
	http      *http.Client
	token     string
	userAgent string
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithToken sends the value as a bearer token on every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = strings.TrimSpace(token) }
}

// NewClient builds a Client rooted at baseURL, e.g. "http://localhost:8787".
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(baseURL)
	if trimmed == "" {
		return nil, fmt.Errorf("authority url is empty")
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "http://" + trimmed
	}
	base, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("parse authority url: %w", err)
	}
	c := &Client{
		baseURL:   base,
		http:      &http.Client{Timeout: requestTimeout},
		userAgent: defaultUserAgent,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// FetchCounts reads the current counts and the caller's own reaction.
func (c *Client) FetchCounts(ctx context.Context, entityID string) (reaction.Payload, error) {
	return c.do(ctx, http.MethodGet, entityID, nil)
}

// AddOrUpdateReaction sets the caller's reaction on the entity.
func (c *Client) AddOrUpdateReaction(ctx context.Context, entityID, reactionType string) (reaction.Payload, error) {
	body := map[string]string{"reaction_type": reactionType}
	return c.do(ctx, http.MethodPost, entityID, body)
}

// RemoveReaction clears the caller's reaction on the entity.
func (c *Client) RemoveReaction(ctx context.Context, entityID string) (reaction.Payload, error) {
	return c.do(ctx, http.MethodDelete, entityID, nil)
}

func (c *Client) endpoint(entityID string) string {
	return strings.TrimRight(c.baseURL.String(), "/") + "/api/reactions/" + url.PathEscape(entityID)
}

func (c *Client) do(ctx context.Context, method, entityID string, body any) (reaction.Payload, error) {
	if c == nil {
		return reaction.Payload{}, ErrNilClient
	}
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return reaction.Payload{}, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(entityID), reader)
	if err != nil {
		return reaction.Payload{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return reaction.Payload{}, fmt.Errorf("%s %s: %w", method, entityID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return reaction.Payload{}, &StatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}

	var payload reaction.Payload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return reaction.Payload{}, fmt.Errorf("%w: decode: %v", reaction.ErrInvalidPayload, err)
	}
	if err := payload.Validate(); err != nil {
		return reaction.Payload{}, err
	}
	return payload, nil
}
