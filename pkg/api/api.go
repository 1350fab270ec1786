// Package api is the server-facing contract of the sync core: the
// mutation replay protocol, the conflict error shape, and the
// connectivity probe.
//
// The replay protocol is plain REST: create -> POST /<entity>,
// update -> PUT /<entity>/<id>, delete -> DELETE /<entity>/<id>, with
// JSON bodies. A 409-class response is a conflict and carries the
// server's current version of the record.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/reportive/synckit/pkg/auth"
)

// Kind is the mutation kind shared by the queue and the optimistic
// engine.
type Kind string

const (
	KindCreate Kind = "create"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

// Valid reports whether k is one of the three known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindCreate, KindUpdate, KindDelete:
		return true
	}
	return false
}

// Mutation is one entity change to replay against the server.
type Mutation struct {
	Entity   string          `json:"entity"`
	Kind     Kind            `json:"kind"`
	RecordID string          `json:"record_id,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// Result is the server's answer to a successful mutation.
type Result struct {
	RecordID  string          `json:"record_id,omitempty"`
	Version   int64           `json:"version,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// ConflictError is returned for 409-class responses. ServerVersion is
// populated from the response body so the caller can record a conflict
// without a second round trip.
type ConflictError struct {
	StatusCode      int
	ServerVersion   int64           `json:"version"`
	ServerTimestamp int64           `json:"timestamp"`
	ServerActorID   string          `json:"actor_id"`
	ServerPayload   json.RawMessage `json:"payload"`
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("api: conflict (status %d, server version %d)", e.StatusCode, e.ServerVersion)
}

// StatusError is any other non-2xx response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("api: request failed with status %d: %s", e.StatusCode, e.Body)
}

// IsConflict reports whether err is (or wraps) a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// Client replays mutations over HTTP.
type Client struct {
	httpClient *http.Client
	baseURL    string
	tokens     *auth.TokenSource
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient swaps the underlying *http.Client, typically for tests.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithTokenSource attaches bearer tokens to every request.
func WithTokenSource(ts *auth.TokenSource) ClientOption {
	return func(c *Client) { c.tokens = ts }
}

func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do replays one mutation. Conflicts come back as *ConflictError, other
// failed statuses as *StatusError, and transport errors unwrapped.
func (c *Client) Do(ctx context.Context, m Mutation) (*Result, error) {
	if !m.Kind.Valid() {
		return nil, fmt.Errorf("api: unknown mutation kind %q", m.Kind)
	}

	var (
		method string
		path   string
		body   io.Reader
	)
	switch m.Kind {
	case KindCreate:
		method = http.MethodPost
		path = "/" + m.Entity
		body = bytes.NewReader(m.Payload)
	case KindUpdate:
		method = http.MethodPut
		path = "/" + m.Entity + "/" + m.RecordID
		body = bytes.NewReader(m.Payload)
	case KindDelete:
		method = http.MethodDelete
		path = "/" + m.Entity + "/" + m.RecordID
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("api: failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokens != nil {
		token, err := c.tokens.Token()
		if err != nil && !errors.Is(err, auth.ErrNoToken) {
			return nil, err
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("api: request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("api: failed to read response body: %w", err)
	}

	if resp.StatusCode == http.StatusConflict {
		ce := &ConflictError{StatusCode: resp.StatusCode}
		// A body that fails to parse still yields a usable ConflictError;
		// the caller just gets no server version details.
		_ = json.Unmarshal(respBody, ce)
		return nil, ce
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	res := &Result{}
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, res); err != nil {
			return nil, fmt.Errorf("api: failed to decode response: %w", err)
		}
	}
	return res, nil
}
