// Package client executes single remote calls with the retry, backoff, and
// rate-limit policy every service call in this tool shares. It retries only
// what is safe to retry: timeouts, 5xx, and 429 with the server's hint.
// Auth failures surface as a typed error so the call-site can refresh the
// session and retry once; other 4xx fail immediately.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"segforge/internal/session"
)

// Policy bounds a single call's retry behavior.
type Policy struct {
	MaxAttempts    int
	BackoffBase    float64
	BackoffJitter  float64
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
}

// DefaultPolicy matches the budgets the backend tolerates well.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    4,
		BackoffBase:    1.6,
		BackoffJitter:  0.25,
		ConnectTimeout: 5 * time.Second,
		ReadTimeout:    30 * time.Second,
	}
}

// Request describes one remote call.
type Request struct {
	Method  string
	URL     string
	Query   url.Values
	Body    any // JSON-marshaled when non-nil
	Referer string
	// Timeout overrides the policy read timeout for this call.
	Timeout time.Duration
}

// Response is the raw outcome of a successful call.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Snippet returns a bounded, single-line view of the body for diagnostics.
func (r *Response) Snippet() string {
	const max = 500
	s := string(r.Body)
	if len(s) > max {
		s = s[:max]
	}
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.ReplaceAll(s, "\r", " ")
}

// JSON decodes the body into v. An empty body is a valid empty result. A
// non-JSON body is a parse error carrying a snippet, except an HTML login
// page, which means the session expired.
func (r *Response) JSON(v any) error {
	body := bytes.TrimSpace(r.Body)
	if len(body) == 0 {
		return nil
	}
	if body[0] != '{' && body[0] != '[' {
		if looksLikeLoginPage(body) {
			return &Error{Class: ClassAuth, Status: r.Status, Snippet: r.Snippet()}
		}
		return &Error{Class: ClassParse, Status: r.Status, Snippet: r.Snippet()}
	}
	if err := json.Unmarshal(body, v); err != nil {
		return &Error{Class: ClassParse, Status: r.Status, Snippet: r.Snippet(), Err: err}
	}
	return nil
}

func looksLikeLoginPage(body []byte) bool {
	lower := strings.ToLower(string(body[:min(len(body), 2048)]))
	if !strings.Contains(lower, "<html") && !strings.HasPrefix(lower, "<!doctype") {
		return false
	}
	return strings.Contains(lower, "sign in") ||
		strings.Contains(lower, "sign-in") ||
		strings.Contains(lower, "login") ||
		strings.Contains(lower, "authenticate")
}

// Client executes calls over a session handle.
type Client struct {
	hc     *http.Client
	policy Policy
	log    *zap.Logger

	// sleep and jitter are seams for tests.
	sleep  func(context.Context, time.Duration) error
	jitter func() float64
}

// New builds a client with the given policy.
func New(policy Policy, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	dialer := &net.Dialer{Timeout: policy.ConnectTimeout}
	return &Client{
		hc: &http.Client{
			Transport: &http.Transport{
				DialContext:         dialer.DialContext,
				TLSHandshakeTimeout: policy.ConnectTimeout,
			},
		},
		policy: policy,
		log:    log,
		sleep:  sleepCtx,
		jitter: rand.Float64,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do runs one call under the retry policy, using h's headers and cookies.
func (c *Client) Do(ctx context.Context, h *session.Handle, req Request) (*Response, error) {
	var lastErr error
	for attempt := 1; attempt <= c.policy.MaxAttempts; attempt++ {
		resp, retryIn, err := c.once(ctx, h, req)
		if err == nil && retryIn < 0 {
			return resp, nil
		}
		if err != nil {
			var ce *Error
			if errors.As(err, &ce) && ce.Class != ClassTransient && ce.Class != ClassRateLimited {
				return nil, err
			}
			lastErr = err
			if attempt == c.policy.MaxAttempts {
				return nil, lastErr
			}
			if sleepErr := c.sleep(ctx, c.backoff(attempt)); sleepErr != nil {
				return nil, &Error{Class: ClassTransient, Err: sleepErr}
			}
			continue
		}
		// Retryable status with a server-directed delay (429 hint) or our
		// own backoff.
		lastErr = &Error{Class: classOfStatus(resp.Status), Status: resp.Status, Snippet: resp.Snippet()}
		if attempt == c.policy.MaxAttempts {
			return nil, lastErr
		}
		delay := retryIn
		if delay == 0 {
			delay = c.backoff(attempt)
		}
		c.log.Debug("retrying call",
			zap.String("url", req.URL),
			zap.Int("status", resp.Status),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay))
		if sleepErr := c.sleep(ctx, delay); sleepErr != nil {
			return nil, &Error{Class: ClassTransient, Err: sleepErr}
		}
	}
	return nil, lastErr
}

// once performs a single attempt. Return contract: on success retryIn is -1;
// a retryable status returns the response with retryIn >= 0 (0 meaning "use
// backoff"); terminal failures return a typed error.
func (c *Client) once(ctx context.Context, h *session.Handle, req Request) (*Response, time.Duration, error) {
	timeout := req.Timeout
	if timeout == 0 {
		timeout = c.policy.ReadTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	u := req.URL
	if len(req.Query) > 0 {
		sep := "?"
		if strings.Contains(u, "?") {
			sep = "&"
		}
		u += sep + req.Query.Encode()
	}

	var bodyReader io.Reader
	if req.Body != nil {
		data, err := json.Marshal(req.Body)
		if err != nil {
			return nil, 0, &Error{Class: ClassPermanent, Err: fmt.Errorf("encode request body: %w", err)}
		}
		bodyReader = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(callCtx, req.Method, u, bodyReader)
	if err != nil {
		return nil, 0, &Error{Class: ClassPermanent, Err: err}
	}
	if req.Referer != "" {
		httpReq.Header.Set("Referer", req.Referer)
	}
	h.Apply(httpReq)

	resp, err := c.hc.Do(httpReq)
	if err != nil {
		return nil, 0, &Error{Class: ClassTransient, Err: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, 0, &Error{Class: ClassTransient, Err: fmt.Errorf("read response: %w", err)}
	}

	out := &Response{Status: resp.StatusCode, Header: resp.Header, Body: body}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, 0, &Error{Class: ClassAuth, Status: resp.StatusCode, Snippet: out.Snippet()}
	case resp.StatusCode == http.StatusTooManyRequests:
		return out, retryAfter(resp.Header), nil
	case resp.StatusCode >= 500:
		return out, 0, nil
	case resp.StatusCode >= 400:
		return nil, 0, &Error{Class: ClassPermanent, Status: resp.StatusCode, Snippet: out.Snippet()}
	}
	return out, -1, nil
}

func classOfStatus(status int) Class {
	if status == http.StatusTooManyRequests {
		return ClassRateLimited
	}
	return ClassTransient
}

func (c *Client) backoff(attempt int) time.Duration {
	base := math.Pow(c.policy.BackoffBase, float64(attempt))
	return time.Duration((base + c.jitter()*c.policy.BackoffJitter) * float64(time.Second))
}

// retryAfter parses a Retry-After header: whole seconds or an HTTP date.
// Returns 0 (meaning "use backoff") when absent or unparseable.
func retryAfter(h http.Header) time.Duration {
	v := strings.TrimSpace(h.Get("Retry-After"))
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
