// Package restapi is a thin client for the platform REST endpoints used to
// bootstrap subscriptions and fill cache misses.
package restapi

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

	"github.com/matheus3301/campus/internal/frame"
)

// Endpoint paths, relative to BaseURL.
const (
	PathConversations = "/api/communities/joined/"
	PathCourses       = "/api/courses/"
	PathCategories    = "/api/categories/"
)

// ErrUnauthorized is wrapped by HTTPError for 401 and 403 responses.
var ErrUnauthorized = errors.New("restapi: unauthorized")

// HTTPError is a non-2xx response.
type HTTPError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s %s: http %d: %s", e.Method, e.Path, e.Status, e.Body)
}

func (e *HTTPError) Unwrap() error {
	if e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden {
		return ErrUnauthorized
	}
	return nil
}

// Conversation is a community the user belongs to.
type Conversation struct {
	ID    frame.ID `json:"id"`
	Name  string   `json:"name"`
	Image string   `json:"image,omitempty"`
}

// Course is a course reference entry.
type Course struct {
	ID         frame.ID `json:"id"`
	Title      string   `json:"title"`
	CategoryID frame.ID `json:"category,omitempty"`
	Image      string   `json:"image,omitempty"`
}

// Category groups courses.
type Category struct {
	ID   frame.ID `json:"id"`
	Name string   `json:"name"`
}

// Client calls the REST collaborator.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// New creates a client with a default timeout.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Token:      token,
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// ListConversations returns the communities the user belongs to.
func (c *Client) ListConversations(ctx context.Context) ([]Conversation, error) {
	var out []Conversation
	return out, c.getList(ctx, PathConversations, &out)
}

// ListCourses returns the course catalogue.
func (c *Client) ListCourses(ctx context.Context) ([]Course, error) {
	var out []Course
	return out, c.getList(ctx, PathCourses, &out)
}

// ListCategories returns the course categories.
func (c *Client) ListCategories(ctx context.Context) ([]Category, error) {
	var out []Category
	return out, c.getList(ctx, PathCategories, &out)
}

// getList decodes either a bare JSON array or a paginated {"results": [...]} body.
func (c *Client) getList(ctx context.Context, path string, dst any) error {
	data, err := c.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '{' {
		var page struct {
			Results json.RawMessage `json:"results"`
		}
		if err := json.Unmarshal(data, &page); err != nil {
			return fmt.Errorf("decode %s: %w", path, err)
		}
		data = page.Results
	}
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values) ([]byte, error) {
	u := c.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	hc := c.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &HTTPError{Method: method, Path: path, Status: resp.StatusCode, Body: truncate(string(body), 200)}
	}
	return body, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
