package gen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// HTTPCaller calls a JSON-over-HTTP generation endpoint: POST of the Request
// as a JSON body, Response expected back as JSON. Status codes are mapped to
// the package's error kinds: 408/429/5xx are transient (429 honors a
// Retry-After header), every other non-2xx is a validation error.
type HTTPCaller struct {
	// URL is the full endpoint URL. Required.
	URL string

	// Client used for requests. If nil, http.DefaultClient is used; set a
	// client with a Timeout for production use (the step executor adds its
	// own per-call deadline on top).
	Client *http.Client

	// Keys supplies an API key per call (e.g. a *KeyRotator). If nil, no
	// Authorization header is sent.
	Keys KeySource

	// Provider is stamped onto responses that do not name one themselves.
	Provider string
}

// KeySource supplies an API key for an outgoing call.
type KeySource interface {
	Next() string
}

// Call implements Caller.
func (c *HTTPCaller) Call(ctx context.Context, req Request) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, Invalid("encode request", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return nil, Invalid("build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.Keys != nil {
		if key := c.Keys.Next(); key != "" {
			httpReq.Header.Set("Authorization", "Bearer "+key)
		}
	}

	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, Transport(fmt.Errorf("post %q: %w", c.URL, err))
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp); err != nil {
		return nil, err
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, Transport(fmt.Errorf("read body: %w", err))
	}
	var out Response
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, Invalid("decode response", err)
	}
	if out.Provider == "" {
		out.Provider = c.Provider
	}
	return &out, nil
}

// classifyStatus converts a non-2xx HTTP status into the matching error kind.
func classifyStatus(resp *http.Response) error {
	code := resp.StatusCode
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests:
		return RateLimited(parseRetryAfter(resp.Header.Get("Retry-After")), fmt.Errorf("status %d", code))
	case code == http.StatusRequestTimeout || code >= 500:
		return Transport(fmt.Errorf("status %d", code))
	default:
		return Invalid(fmt.Sprintf("status %d", code), nil)
	}
}

// parseRetryAfter reads a Retry-After header value in seconds or HTTP-date
// form. Returns 0 when absent or unparseable.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
