// Package approvalqsdk is a small client for the approvalq HTTP API.
package approvalqsdk

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
)

// Client talks to one approvalq server.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

type HistoryEntry struct {
	Level   int    `json:"level"`
	Action  string `json:"action"`
	ActorID string `json:"actor_id"`
	TS      string `json:"ts"`
}

// Request is a submitted change request. Secrets in Payload come back masked.
type Request struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Payload      map[string]any `json:"payload"`
	Status       string         `json:"status"`
	CurrentLevel int            `json:"current_level"`
	CustomerName string         `json:"customer_name"`
	Branch       string         `json:"branch"`
	SubmittedBy  string         `json:"submitted_by"`
	History      []HistoryEntry `json:"history"`
	CreatedAt    string         `json:"created_at"`
	UpdatedAt    string         `json:"updated_at"`
}

type Definition struct {
	RequestType string   `json:"request_type"`
	Levels      []string `json:"levels"`
	CreatedAt   string   `json:"created_at"`
	UpdatedAt   string   `json:"updated_at"`
}

// ActionResult is returned by Approve and Decline.
type ActionResult struct {
	Request   Request `json:"request"`
	Completed bool    `json:"completed"`
	Executed  string  `json:"executed,omitempty"`
}

type Activity struct {
	ID      int64  `json:"id"`
	Action  string `json:"action"`
	ActorID string `json:"actor_id"`
	Target  string `json:"target,omitempty"`
	Details string `json:"details,omitempty"`
	TS      string `json:"ts"`
}

// APIError wraps non-2xx responses. Code is the server's error code when the
// body carries the standard envelope.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsCode reports whether err is an APIError with the given code, e.g. "stale_level".
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

type PaginatedRequests struct {
	Items      []Request `json:"items"`
	NextCursor string    `json:"next_cursor"`
}

type PaginatedActivity struct {
	Items      []Activity `json:"items"`
	NextCursor string     `json:"next_cursor"`
}

// Login exchanges credentials for a token and stores it on the client.
func (c *Client) Login(ctx context.Context, email, password string) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	err := c.do(ctx, http.MethodPost, "auth/login", map[string]any{"email": email, "password": password}, &resp)
	if err != nil {
		return "", err
	}
	c.BearerToken = resp.Token
	return resp.Token, nil
}

// Submit files a new request of requestType.
func (c *Client) Submit(ctx context.Context, requestType string, payload map[string]any) (Request, error) {
	var resp Request
	err := c.do(ctx, http.MethodPost, "requests", map[string]any{"type": requestType, "payload": payload}, &resp)
	return resp, err
}

// Approve approves id at expectedLevel; zero means the current level.
func (c *Client) Approve(ctx context.Context, id string, expectedLevel int) (ActionResult, error) {
	return c.act(ctx, id, "approve", expectedLevel)
}

func (c *Client) Decline(ctx context.Context, id string, expectedLevel int) (ActionResult, error) {
	return c.act(ctx, id, "decline", expectedLevel)
}

func (c *Client) act(ctx context.Context, id, action string, expectedLevel int) (ActionResult, error) {
	var body any
	if expectedLevel > 0 {
		body = map[string]any{"expected_level": expectedLevel}
	}
	var resp ActionResult
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("requests/%s/%s", url.PathEscape(id), action), body, &resp)
	return resp, err
}

func (c *Client) GetRequest(ctx context.Context, id string) (Request, error) {
	var resp Request
	err := c.do(ctx, http.MethodGet, "requests/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Pending returns the requests role can act on; an empty role means the caller's.
func (c *Client) Pending(ctx context.Context, role string) ([]Request, error) {
	endpoint := "pending"
	if role != "" {
		endpoint += "?role=" + url.QueryEscape(role)
	}
	var resp struct {
		Items []Request `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// RequestsPage lists requests newest first.
func (c *Client) RequestsPage(ctx context.Context, status string, limit int, cursor string) (PaginatedRequests, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp PaginatedRequests
	err := c.do(ctx, http.MethodGet, withQuery("requests", q), nil, &resp)
	return resp, err
}

func (c *Client) Definitions(ctx context.Context) ([]Definition, error) {
	var resp []Definition
	err := c.do(ctx, http.MethodGet, "definitions", nil, &resp)
	return resp, err
}

// SaveDefinition creates or replaces the approval chain of requestType.
func (c *Client) SaveDefinition(ctx context.Context, requestType string, levels []string) (Definition, error) {
	var resp Definition
	err := c.do(ctx, http.MethodPut, "definitions/"+url.PathEscape(requestType), map[string]any{"levels": levels}, &resp)
	return resp, err
}

func (c *Client) DeleteDefinition(ctx context.Context, requestType string) error {
	return c.do(ctx, http.MethodDelete, "definitions/"+url.PathEscape(requestType), nil, nil)
}

// ActivityPage returns activity newest first.
func (c *Client) ActivityPage(ctx context.Context, limit int, cursor string) (PaginatedActivity, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp PaginatedActivity
	err := c.do(ctx, http.MethodGet, withQuery("activity", q), nil, &resp)
	return resp, err
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code, apiErr.Message = envelope.Error.Code, envelope.Error.Message
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
