// Package gateway wraps every outbound call to the assessment backend.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/starford/assessdesk/internal/apperr"
)

const (
	maxResponseBytes = 16 << 20
	maxLoggedBody    = 512
)

// ClientConfig holds configuration for creating a Client.
type ClientConfig struct {
	// BaseURL is the backend server root (e.g. "http://127.0.0.1:8000").
	BaseURL string
	// AuthPath is the token endpoint, relative to BaseURL.
	AuthPath string
	// ResourcePrefix is prepended to every collection path.
	ResourcePrefix string
	// HTTPClient is used for all requests. If nil, a client with a 30s timeout is used.
	HTTPClient *http.Client
	// Logger is used for structured logging. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Client is the unauthenticated half of the gateway: it knows where the
// backend lives and how to exchange credentials for a token.
type Client struct {
	baseURL        string
	authPath       string
	resourcePrefix string
	httpClient     *http.Client
	logger         *slog.Logger
}

// NewClient creates a new unauthenticated client.
func NewClient(config ClientConfig) (*Client, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("gateway: BaseURL is required")
	}
	if _, err := url.Parse(config.BaseURL); err != nil {
		return nil, fmt.Errorf("gateway: invalid BaseURL %q: %w", config.BaseURL, err)
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	authPath := config.AuthPath
	if authPath == "" {
		authPath = "/api/token/"
	}

	return &Client{
		baseURL:        strings.TrimRight(config.BaseURL, "/"),
		authPath:       ensureLeadingSlash(authPath),
		resourcePrefix: strings.TrimRight(ensureLeadingSlash(config.ResourcePrefix), "/"),
		httpClient:     httpClient,
		logger:         logger,
	}, nil
}

// tokenResponse is the body of a successful authentication.
type tokenResponse struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh,omitempty"`
}

// ObtainToken posts credentials to the authentication endpoint. Only a 200
// carrying a non-empty access token counts as success; every other status is
// ErrInvalidCredentials and a transport failure is ErrNetwork.
func (c *Client) ObtainToken(ctx context.Context, username, password string) (string, error) {
	credentials := map[string]string{"username": username, "password": password}

	status, body, err := c.send(ctx, http.MethodPost, c.authPath, nil, "", credentials)
	if err != nil {
		return "", err
	}
	if status != http.StatusOK {
		c.logFailure(http.MethodPost, c.authPath, status, body)
		return "", &StatusError{
			Method:     http.MethodPost,
			Path:       c.authPath,
			StatusCode: status,
			Body:       truncate(body),
			Kind:       apperr.ErrInvalidCredentials,
		}
	}

	var resp tokenResponse
	if err := json.Unmarshal(body, &resp); err != nil || resp.Access == "" {
		return "", fmt.Errorf("gateway: token response without access token: %w", apperr.ErrInvalidCredentials)
	}
	return resp.Access, nil
}

// send performs one request and returns status and body. A transport failure
// is returned as a *StatusError of kind ErrNetwork; HTTP statuses are left to
// the caller.
func (c *Client) send(ctx context.Context, method, path string, query url.Values, token string, requestBody any) (int, []byte, error) {
	requestURL := c.baseURL + path
	if len(query) > 0 {
		requestURL += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if requestBody != nil {
		encoded, err := json.Marshal(requestBody)
		if err != nil {
			return 0, nil, fmt.Errorf("gateway: failed to encode request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, requestURL, bodyReader)
	if err != nil {
		return 0, nil, fmt.Errorf("gateway: failed to create request: %w", err)
	}
	request.Header.Set("Accept", "application/json")
	if requestBody != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	requestID := uuid.NewString()
	request.Header.Set("X-Request-ID", requestID)

	started := time.Now()
	response, err := c.httpClient.Do(request)
	if err != nil {
		return 0, nil, &StatusError{Method: method, Path: path, Kind: apperr.ErrNetwork, Err: err}
	}
	defer response.Body.Close()

	c.logger.Debug("gateway: response",
		slog.String("request_id", requestID),
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("status", response.StatusCode),
		slog.Duration("elapsed", time.Since(started)))

	responseBody, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return response.StatusCode, nil, &StatusError{Method: method, Path: path, Kind: apperr.ErrNetwork, Err: err}
	}
	return response.StatusCode, responseBody, nil
}

func (c *Client) logFailure(method, path string, status int, body []byte) {
	c.logger.Warn("gateway: request failed",
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("status", status),
		slog.String("body", truncate(body)))
}

func truncate(body []byte) string {
	if len(body) > maxLoggedBody {
		return string(body[:maxLoggedBody]) + "..."
	}
	return string(body)
}

func ensureLeadingSlash(p string) string {
	if p == "" || strings.HasPrefix(p, "/") {
		return p
	}
	return "/" + p
}
