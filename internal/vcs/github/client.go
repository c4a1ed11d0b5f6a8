package github

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
)

const (
	defaultBaseURL = "https://api.github.com"
	apiVersion     = "2022-11-28"
)

// ErrNotFound matches any APIError with status 404.
var ErrNotFound = errors.New("github: not found")

// APIError captures non-2xx responses from GitHub.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("github api error: status=%d message=%s", e.StatusCode, e.Message)
}

func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

// Client is a minimal GitHub API client for releases and release assets.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	UserAgent  string

	breakers *breakerSet
}

// NewClient constructs a GitHub client with a DNS-caching transport.
// Token may be empty when every call goes through WithToken.
func NewClient(token string) *Client {
	return &Client{
		BaseURL:    defaultBaseURL,
		Token:      token,
		HTTPClient: newHTTPClient(),
		UserAgent:  "redirectory",
		breakers:   newBreakerSet(),
	}
}

// WithToken returns a client that authenticates as token and shares the
// transport and circuit breakers of c.
func (c *Client) WithToken(token string) *Client {
	clone := *c
	clone.Token = token
	return &clone
}

// BreakerStates reports "open" or "closed" per upstream host.
func (c *Client) BreakerStates() map[string]string {
	if c == nil || c.breakers == nil {
		return map[string]string{}
	}
	return c.breakers.states()
}

func (c *Client) doJSON(ctx context.Context, method, path string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	base := strings.TrimRight(c.BaseURL, "/")
	req, err := http.NewRequestWithContext(ctx, method, base+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	if c == nil {
		return errors.New("github client is nil")
	}
	if c.Token == "" {
		return errors.New("github token missing")
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+c.Token)
	req.Header.Set("User-Agent", c.UserAgent)
	req.Header.Set("X-GitHub-Api-Version", apiVersion)

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	breakers := c.breakers
	if breakers == nil {
		breakers = newBreakerSet()
	}

	var body *trackedBody
	if req.Body != nil && req.Body != http.NoBody {
		body = &trackedBody{ReadCloser: req.Body}
		req.Body = body
	}

	var (
		resp      *http.Response
		callerErr error
	)
	err := breakers.call(req.URL.Host, func() error {
		var err error
		resp, err = client.Do(req)
		if err != nil {
			// Body and context faults belong to the caller, not the upstream.
			if body.failed(req.ContentLength) || req.Context().Err() != nil {
				callerErr = err
				return nil
			}
			return err
		}
		if resp.StatusCode >= 500 {
			defer resp.Body.Close()
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
			return &APIError{StatusCode: resp.StatusCode, Message: string(msg)}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if callerErr != nil {
		return callerErr
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Message: string(respBody)}
	}
	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return err
		}
	}
	return nil
}

// trackedBody records how much of a request body the transport consumed and
// whether reading it failed.
type trackedBody struct {
	io.ReadCloser

	mu  sync.Mutex
	n   int64
	eof bool
	err error
}

func (b *trackedBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.n += int64(n)
	switch {
	case errors.Is(err, io.EOF):
		b.eof = true
	case err != nil:
		b.err = err
	}
	return n, err
}

// failed reports a body that errored or ended before the declared length.
func (b *trackedBody) failed(declared int64) bool {
	if b == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err != nil || (b.eof && declared > 0 && b.n < declared)
}
