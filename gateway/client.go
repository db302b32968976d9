package gateway

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/tatuut/agentgateway/gateway/relay"
	"go.uber.org/zap"
)

// Client talks to a running gateway over its HTTP API, and dials its WebSocket relay.
type Client struct {
	Logger     *zap.SugaredLogger
	HTTPClient *http.Client

	baseURL                  string
	token                    string
	tlsConfig                *tls.Config
	customizeRetryableClient func(*retryablehttp.Client)

	waitInterval time.Duration
}

type ClientOption func(c *Client)

func WithClientWaitInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		c.waitInterval = d
	}
}

// WithClientToken sends a bearer token with every request.
func WithClientToken(token string) ClientOption {
	return func(c *Client) {
		c.token = token
	}
}

func WithClientTLSConfig(cfg *tls.Config) ClientOption {
	return func(c *Client) {
		c.tlsConfig = cfg
	}
}

func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) ClientOption {
	return func(c *Client) {
		c.customizeRetryableClient = f
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// APIError is a non-2xx response from the gateway.
type APIError struct {
	StatusCode int
	Message    string
	Stderr     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gateway returned %d: %s", e.StatusCode, e.Message)
}

// NewClient builds a client for the gateway at baseURL, e.g. "http://127.0.0.1:8080".
func NewClient(log *zap.SugaredLogger, baseURL string, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing gateway URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("gateway URL must be http or https, got %q", baseURL)
	}

	c := &Client{
		Logger:       log.Named("gateway_client"),
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		waitInterval: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = &http.Client{
		Transport: &http.Transport{
			Proxy:           http.ProxyFromEnvironment,
			TLSClientConfig: c.tlsConfig,
		},
	}
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 50 * time.Millisecond
	}
	retryClient.RetryMax = 10
	// a 500 is a failed agent run, running it again won't help
	retryClient.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if resp != nil && resp.StatusCode == http.StatusInternalServerError {
			return false, nil
		}
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}
	retryClient.Logger = &logAdapter{SugaredLogger: c.Logger}

	if c.customizeRetryableClient != nil {
		c.customizeRetryableClient(retryClient)
	}

	c.HTTPClient = retryClient.StandardClient()
	return c, nil
}

func (c *Client) prepReq(r *http.Request) {
	r.Header.Add("Content-Type", "application/json")
	if c.token != "" {
		r.Header.Set("Authorization", "Bearer "+c.token)
	}
	r.Close = true
}

// do sends a request with an optional JSON body and decodes a JSON response into out.
func (c *Client) do(ctx context.Context, method, urlPath string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+urlPath, reqBody)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}

	c.prepReq(req)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP error: %w", err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: string(b)}
		var errResp ErrorResponse
		if json.Unmarshal(b, &errResp) == nil && errResp.Error != "" {
			apiErr.Message = errResp.Error
			apiErr.Stderr = errResp.Stderr
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	err = json.Unmarshal(b, out)
	if err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	var resp HealthResponse
	err := c.do(ctx, http.MethodGet, "/health", nil, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Info(ctx context.Context) (*InfoResponse, error) {
	var resp InfoResponse
	err := c.do(ctx, http.MethodGet, "/api/info", nil, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// Query runs one synchronous turn. A failed agent run is returned as an *APIError carrying the agent's stderr.
func (c *Client) Query(ctx context.Context, prompt string, opts *relay.QueryOptions) (*QueryResponse, error) {
	var resp QueryResponse
	err := c.do(ctx, http.MethodPost, "/api/query", QueryRequest{Prompt: prompt, Options: opts}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Sessions(ctx context.Context) ([]SessionInfo, error) {
	var resp []SessionInfo
	err := c.do(ctx, http.MethodGet, "/api/sessions", nil, &resp)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Events returns the recorded transcript of a session. A positive limit keeps only the most recent events.
func (c *Client) Events(ctx context.Context, sessionID string, limit int) (*EventsResponse, error) {
	p := "/api/sessions/" + url.PathEscape(sessionID) + "/events"
	if limit > 0 {
		p += "?limit=" + strconv.Itoa(limit)
	}
	var resp EventsResponse
	err := c.do(ctx, http.MethodGet, p, nil, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// Dial opens a relay connection to the gateway.
func (c *Client) Dial(ctx context.Context) (*relay.Client, error) {
	return relay.Dial(ctx, c.baseURL+"/ws", c.Logger, &relay.DialOptions{
		HTTPClient: c.HTTPClient,
		Token:      c.token,
	})
}

func (c *Client) WaitForServer(ctx context.Context) error {
	ticker := time.NewTicker(c.waitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			_, err := c.Health(ctx)
			if err == nil {
				c.Logger.Debug("health check succeeded, done waiting for server")
				return nil
			}
			c.Logger.Debugf("got health check error: %s", err)
		}
	}
}
