// Package syncclient is the HTTP client for the assignments API.
package syncclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"golang.org/x/oauth2"

	"github.com/marcus/fieldsync/internal/models"
)

// Client talks to the assignments API. Requests carry a bearer token from
// Tokens when it is set.
type Client struct {
	BaseURL   string
	Tokens    oauth2.TokenSource
	HTTP      *http.Client
	UserAgent string
}

// New creates a client. Per-call deadlines come from the caller's context.
func New(baseURL string, tokens oauth2.TokenSource) *Client {
	return &Client{
		BaseURL:   strings.TrimRight(baseURL, "/"),
		Tokens:    tokens,
		HTTP:      &http.Client{Timeout: 2 * time.Minute},
		UserAgent: "fieldsync",
	}
}

// HealthResponse is the response from GET /healthz.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}

// HealthCheck hits /healthz to verify the server is reachable.
func (c *Client) HealthCheck(ctx context.Context) error {
	var resp HealthResponse
	if err := c.doRequest(ctx, http.MethodGet, "/healthz", nil, &resp, false); err != nil {
		return err
	}
	if resp.Status != "ok" {
		return &ServerError{StatusCode: http.StatusServiceUnavailable, Message: "status " + resp.Status}
	}
	return nil
}

// ServerVersion returns the version the server reports on /healthz.
func (c *Client) ServerVersion(ctx context.Context) (string, error) {
	var resp HealthResponse
	if err := c.doRequest(ctx, http.MethodGet, "/healthz", nil, &resp, false); err != nil {
		return "", err
	}
	return resp.Version, nil
}

// SubmitWork records the responses of one assignment. Resubmitting the same
// payload is safe; the server keeps the latest.
func (c *Client) SubmitWork(ctx context.Context, p models.SubmissionPayload) error {
	path := "/assignments/" + strconv.FormatInt(p.AssignmentID, 10) + "/work"
	return c.doRequest(ctx, http.MethodPut, path, p, nil, true)
}

// ListAssignments returns the assignments of a worker.
func (c *Client) ListAssignments(ctx context.Context, workerID int64) ([]models.Assignment, error) {
	q := url.Values{"workerId": {strconv.FormatInt(workerID, 10)}}
	var resp []models.Assignment
	if err := c.doRequest(ctx, http.MethodGet, "/assignments?"+q.Encode(), nil, &resp, true); err != nil {
		return nil, err
	}
	return resp, nil
}

// GetAssignment returns one assignment with its tasks and fields.
func (c *Client) GetAssignment(ctx context.Context, id int64) (*models.Assignment, error) {
	var resp models.Assignment
	if err := c.doRequest(ctx, http.MethodGet, "/assignments/"+strconv.FormatInt(id, 10), nil, &resp, true); err != nil {
		return nil, err
	}
	return &resp, nil
}

// errorBody is the standard error body from the server.
type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) doRequest(ctx context.Context, method, path string, body, result any, auth bool) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.UserAgent != "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}
	if auth && c.Tokens != nil {
		tok, err := c.Tokens.Token()
		if err != nil {
			return &NetworkError{Op: "token", URL: req.URL.Redacted(), Err: err}
		}
		tok.SetAuthHeader(req)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return &NetworkError{Op: method, URL: req.URL.Redacted(), Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &NetworkError{Op: "read", URL: req.URL.Redacted(), Err: err}
	}

	if resp.StatusCode >= 400 {
		se := &ServerError{StatusCode: resp.StatusCode, Body: string(respBody)}
		var eb errorBody
		if json.Unmarshal(respBody, &eb) == nil {
			se.Code = eb.Error.Code
			se.Message = eb.Error.Message
		}
		return se
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}
