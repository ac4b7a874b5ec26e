// Package rest is the HTTP transport used for the credential handshake and
// for wiki room resolution.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/luciancaetano/wikichat"
)

// MaxResponseSize bounds response body reads.
const MaxResponseSize int64 = 32 << 20

// TokenCookie is the cookie carrying the session token.
const TokenCookie = "access_token"

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	Method     string
	URL        string
	Body       string
}

func (e *StatusError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	return fmt.Sprintf("rest: unexpected %d response from %s %s: %s", e.StatusCode, e.Method, e.URL, body)
}

// IsUnauthorized reports whether err is a 401 or 403 StatusError.
func IsUnauthorized(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode == http.StatusUnauthorized || statusErr.StatusCode == http.StatusForbidden
	}
	return false
}

// ClientConfig configures a Client.
type ClientConfig struct {
	// HTTPClient is used for every request. Nil uses http.DefaultClient.
	HTTPClient *http.Client

	// UserAgent is sent with every request when set.
	UserAgent string

	Logger *slog.Logger
}

// Client implements wikichat.Requester.
type Client struct {
	httpClient *http.Client
	userAgent  string
	logger     *slog.Logger

	mu    sync.RWMutex
	token string
}

// NewClient creates a Client.
func NewClient(cfg ClientConfig) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		httpClient: httpClient,
		userAgent:  cfg.UserAgent,
		logger:     logger,
	}
}

// SetToken sets the session token attached to Auth requests.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Token returns the session token.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// Do performs req and returns the body of a 2xx response. Other responses
// yield a *StatusError.
func (c *Client) Do(ctx context.Context, req wikichat.Request) ([]byte, error) {
	response, err := c.send(ctx, req)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()
	return c.read(req, response)
}

// DoResponse is like Do but also returns the response, whose body has been
// consumed. Used where cookies set by the server matter.
func (c *Client) DoResponse(ctx context.Context, req wikichat.Request) ([]byte, *http.Response, error) {
	response, err := c.send(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	defer response.Body.Close()
	body, err := c.read(req, response)
	return body, response, err
}

func (c *Client) send(ctx context.Context, req wikichat.Request) (*http.Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	requestURL := req.URL
	if len(req.Query) > 0 {
		sep := "?"
		if strings.Contains(requestURL, "?") {
			sep = "&"
		}
		requestURL += sep + req.Query.Encode()
	}

	var bodyReader io.Reader
	contentType := ""
	switch {
	case req.Form != nil:
		bodyReader = strings.NewReader(req.Form.Encode())
		contentType = "application/x-www-form-urlencoded"
	case req.JSON != nil:
		encoded, err := json.Marshal(req.JSON)
		if err != nil {
			return nil, fmt.Errorf("rest: failed to encode request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
		contentType = "application/json"
	}

	request, err := http.NewRequestWithContext(ctx, method, requestURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("rest: failed to create request: %w", err)
	}

	for key, values := range req.Headers {
		for _, value := range values {
			request.Header.Add(key, value)
		}
	}
	if contentType != "" {
		request.Header.Set("Content-Type", contentType)
	}
	if c.userAgent != "" {
		request.Header.Set("User-Agent", c.userAgent)
	}
	if req.Auth {
		if token := c.Token(); token != "" {
			request.AddCookie(&http.Cookie{Name: TokenCookie, Value: token})
		}
	}

	c.logger.Debug("rest request", "method", method, "url", req.URL, "auth", req.Auth)

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("rest: request to %s %s failed: %w", method, req.URL, err)
	}
	return response, nil
}

func (c *Client) read(req wikichat.Request, response *http.Response) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(response.Body, MaxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("rest: failed to read response body: %w", err)
	}

	if response.StatusCode >= 200 && response.StatusCode < 300 {
		return body, nil
	}

	method := response.Request.Method
	return nil, &StatusError{
		StatusCode: response.StatusCode,
		Method:     method,
		URL:        req.URL,
		Body:       string(body),
	}
}
