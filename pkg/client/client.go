// Package client is a Go client for the door-lock HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ao/doorlock/pkg/api"
)

// Client is a door-lock API client
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      string
}

// ClientOption is a function that configures a Client
type ClientOption func(*Client)

// WithTimeout sets the timeout for the HTTP client
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// WithToken sets the admin bearer token
func WithToken(token string) ClientOption {
	return func(c *Client) {
		c.token = token
	}
}

// NewClient creates a new door-lock API client
func NewClient(baseURL string, options ...ClientOption) *Client {
	client := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}

	for _, option := range options {
		option(client)
	}

	return client
}

// APIError is returned for non-2xx responses
type APIError struct {
	StatusCode int
	Body       api.Error
}

func (e *APIError) Error() string {
	if e.Body.Message != "" {
		return fmt.Sprintf("API error: %d - %s: %s", e.StatusCode, e.Body.Error, e.Body.Message)
	}
	return fmt.Sprintf("API error: %d - %s", e.StatusCode, e.Body.Error)
}

// Home returns the service banner
func (c *Client) Home(ctx context.Context) (api.HomeResponse, error) {
	var out api.HomeResponse
	err := c.do(ctx, http.MethodGet, "/", nil, &out)
	return out, err
}

// Status returns the recognition status
func (c *Client) Status(ctx context.Context) (api.StatusResponse, error) {
	var out api.StatusResponse
	err := c.do(ctx, http.MethodGet, "/api/status", nil, &out)
	return out, err
}

// Health checks the server and its store
func (c *Client) Health(ctx context.Context) (api.HealthResponse, error) {
	var out api.HealthResponse
	err := c.do(ctx, http.MethodGet, "/healthz", nil, &out)
	return out, err
}

// VerifyQR submits a base64 frame containing a QR code
func (c *Client) VerifyQR(ctx context.Context, image string) (api.VerifyQRResponse, error) {
	var out api.VerifyQRResponse
	err := c.do(ctx, http.MethodPost, "/api/verify-qr", api.ImageRequest{Image: &image}, &out)
	return out, err
}

// RecognizeFace submits a base64 frame containing a face
func (c *Client) RecognizeFace(ctx context.Context, image string) (api.RecognizeFaceResponse, error) {
	var out api.RecognizeFaceResponse
	err := c.do(ctx, http.MethodPost, "/api/recognize-face", api.ImageRequest{Image: &image}, &out)
	return out, err
}

// Session checks whether a QR session is still valid
func (c *Client) Session(ctx context.Context, id string) (api.SessionResponse, error) {
	var out api.SessionResponse
	err := c.do(ctx, http.MethodGet, "/api/sessions/"+url.PathEscape(id), nil, &out)
	return out, err
}

// ListUsers returns the active users
func (c *Client) ListUsers(ctx context.Context) ([]api.User, error) {
	var out []api.User
	err := c.do(ctx, http.MethodGet, "/api/admin/users", nil, &out)
	return out, err
}

// CreateUser adds a user
func (c *Client) CreateUser(ctx context.Context, name, role string) (api.User, error) {
	var out api.User
	err := c.do(ctx, http.MethodPost, "/api/admin/users", api.CreateUserRequest{Name: name, Role: role}, &out)
	return out, err
}

// EnrollFace stores the face in a base64 image for name
func (c *Client) EnrollFace(ctx context.Context, name, image, imageName string) (api.EnrollFaceResponse, error) {
	var out api.EnrollFaceResponse
	path := fmt.Sprintf("/api/admin/users/%s/faces", url.PathEscape(name))
	err := c.do(ctx, http.MethodPost, path, api.EnrollFaceRequest{Image: image, ImageName: imageName}, &out)
	return out, err
}

// DeleteEncodings removes every face encoding of name
func (c *Client) DeleteEncodings(ctx context.Context, name string) (api.DeleteEncodingsResponse, error) {
	var out api.DeleteEncodingsResponse
	path := fmt.Sprintf("/api/admin/users/%s/faces", url.PathEscape(name))
	err := c.do(ctx, http.MethodDelete, path, nil, &out)
	return out, err
}

// AccessLogs returns recent access log entries. Zero limit and empty user
// use the server defaults.
func (c *Client) AccessLogs(ctx context.Context, limit int, user string) ([]api.AccessLog, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if user != "" {
		q.Set("user", user)
	}

	path := "/api/admin/access-logs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var out []api.AccessLog
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// ReloadFaces asks the server to reload its face gallery
func (c *Client) ReloadFaces(ctx context.Context) (api.ReloadResponse, error) {
	var out api.ReloadResponse
	err := c.do(ctx, http.MethodPost, "/api/admin/faces/reload", nil, &out)
	return out, err
}

// do performs an HTTP request and decodes the JSON response into out
func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}

	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(&apiErr.Body); err != nil || apiErr.Body.Error == "" {
			apiErr.Body.Error = resp.Status
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
