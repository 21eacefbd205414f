package steps

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vallit/flowexec/pkg/schema"
)

// HTTPConfig configures outbound HTTP collaborators.
type HTTPConfig struct {
	MaxResponseBody int64
	DefaultTimeout  time.Duration
	// Client overrides the HTTP client, mainly for tests.
	Client *http.Client
}

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 30 * time.Second
)

func (c HTTPConfig) withDefaults() HTTPConfig {
	if c.MaxResponseBody <= 0 {
		c.MaxResponseBody = defaultMaxResponseBody
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = defaultHTTPTimeout
	}
	if c.Client == nil {
		c.Client = &http.Client{}
	}
	return c
}

// HTTPRequester is the net/http Requester used by webhook steps.
// Statuses >= 400 are errors: 5xx and 429 are retryable, other 4xx are not.
type HTTPRequester struct {
	config HTTPConfig
}

// NewHTTPRequester creates a requester with defaults filled in.
func NewHTTPRequester(cfg HTTPConfig) *HTTPRequester {
	return &HTTPRequester{config: cfg.withDefaults()}
}

func (r *HTTPRequester) Request(ctx context.Context, rawURL, method string, headers map[string]string, body any) (int, error) {
	u, err := url.ParseRequestURI(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return 0, schema.NewErrorf(schema.ErrCodeValidation, "webhook: invalid url %q", rawURL)
	}
	method = strings.ToUpper(method)
	if method == "" {
		method = http.MethodPost
	}

	var bodyReader io.Reader
	var contentType string
	switch b := body.(type) {
	case nil:
	case string:
		bodyReader = strings.NewReader(b)
		contentType = "text/plain"
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return 0, schema.NewError(schema.ErrCodeValidation, "webhook: failed to marshal body as JSON").WithCause(err)
		}
		bodyReader = bytes.NewReader(data)
		contentType = "application/json"
	}

	reqCtx, cancel := context.WithTimeout(ctx, r.config.DefaultTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, rawURL, bodyReader)
	if err != nil {
		return 0, schema.NewError(schema.ErrCodeValidation, "webhook: failed to create request").WithCause(err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := r.config.Client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, schema.NewError(schema.ErrCodeCancelled, "webhook: request cancelled").WithCause(ctx.Err())
		}
		return 0, schema.NewErrorf(schema.ErrCodeExecution, "webhook: request failed: %v", err).WithCause(err)
	}
	defer resp.Body.Close()
	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, r.config.MaxResponseBody))

	if err := statusError("webhook", resp.StatusCode); err != nil {
		return resp.StatusCode, err.WithDetails(map[string]any{"url": rawURL, "method": method, "status": resp.StatusCode})
	}
	return resp.StatusCode, nil
}

// statusError classifies an HTTP status. Returns nil below 400.
func statusError(who string, status int) *schema.FlowError {
	switch {
	case status < 400:
		return nil
	case status >= 500 || status == http.StatusTooManyRequests:
		return schema.NewErrorf(schema.ErrCodeExecution, "%s: server returned %d", who, status)
	case status == http.StatusNotFound:
		return schema.NewErrorf(schema.ErrCodeNotFound, "%s: server returned %d", who, status)
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "%s: server returned %d", who, status)
	}
}

// jsonAPI is the JSON request/response plumbing shared by the API clients.
type jsonAPI struct {
	name    string
	baseURL string
	headers map[string]string
	config  HTTPConfig
}

// do sends in as the JSON body (if non-nil) and decodes the response into out.
func (a *jsonAPI) do(ctx context.Context, method, path string, in, out any) error {
	var bodyReader io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "%s: failed to marshal request", a.name).WithCause(err)
		}
		bodyReader = bytes.NewReader(data)
	}

	reqCtx, cancel := context.WithTimeout(ctx, a.config.DefaultTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, strings.TrimRight(a.baseURL, "/")+path, bodyReader)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s: failed to create request", a.name).WithCause(err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range a.headers {
		req.Header.Set(k, v)
	}

	resp, err := a.config.Client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return schema.NewErrorf(schema.ErrCodeCancelled, "%s: request cancelled", a.name).WithCause(ctx.Err())
		}
		return schema.NewErrorf(schema.ErrCodeExecution, "%s: request failed: %v", a.name, err).WithCause(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, a.config.MaxResponseBody))
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeExecution, "%s: failed to read response body", a.name).WithCause(err)
	}
	if serr := statusError(a.name, resp.StatusCode); serr != nil {
		return serr.WithDetails(map[string]any{"status": resp.StatusCode, "body": truncate(string(body), 512)})
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return schema.NewErrorf(schema.ErrCodeExecution, "%s: invalid JSON response", a.name).WithCause(err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...(%d bytes)", s[:n], len(s))
}
