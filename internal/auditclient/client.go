package auditclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/park285/coin-bridge/internal/transport"
	"github.com/park285/coin-bridge/internal/wallet"
	"github.com/park285/coin-bridge/pkg/walletdto"
)

// Client signs processed transactions and delivers them to the audit sink.
// Safe for concurrent use.
type Client struct {
	baseURL string
	secret  []byte
	nodeID  string
	http    *fasthttp.Client

	defaultTimeout time.Duration
	retryMax       int
}

type Option func(*Client)

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.defaultTimeout = d }
}

func WithRetry(max int) Option {
	return func(c *Client) { c.retryMax = max }
}

func WithMaxConnsPerHost(n int) Option {
	return func(c *Client) { c.http.MaxConnsPerHost = n }
}

func NewClient(baseURL, secret, nodeID string, opts ...Option) *Client {
	c := &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		secret:         []byte(secret),
		nodeID:         strings.TrimSpace(nodeID),
		http:           &fasthttp.Client{ReadTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second, MaxConnsPerHost: 64},
		defaultTimeout: 10 * time.Second,
		retryMax:       transport.DefaultMaxRetries,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Post signs payload over its canonical JSON and POSTs it with a
// deterministic idempotency key, so sink-side dedup collapses node retries.
func (c *Client) Post(ctx context.Context, payload walletdto.UpdatePayload) error {
	sig, err := wallet.SignPayload(payload, c.secret)
	if err != nil {
		return fmt.Errorf("sign payload: %w", err)
	}
	body, err := json.Marshal(walletdto.IngestRequest{Payload: &payload})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	headers := map[string]string{
		"X-Signature":     sig,
		"Idempotency-Key": c.nodeID + "-" + payload.TxnID,
	}
	var resp walletdto.IngestResponse
	if err := c.doJSON(ctx, fasthttp.MethodPost, "/log/transactions", body, headers, &resp); err != nil {
		return err
	}
	if !resp.Accepted {
		return errors.New("sink did not accept delivery")
	}
	return nil
}

// Query returns the latest audit rows, optionally filtered by user.
func (c *Client) Query(ctx context.Context, userID string, limit int) ([]walletdto.AuditRow, error) {
	q := url.Values{}
	if strings.TrimSpace(userID) != "" {
		q.Set("userId", strings.TrimSpace(userID))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/log/transactions"
	if enc := q.Encode(); enc != "" {
		path += "?" + enc
	}
	var rows []walletdto.AuditRow
	if err := c.doJSON(ctx, fasthttp.MethodGet, path, nil, nil, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body []byte, headers map[string]string, out any) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}()

	req.Header.SetMethod(method)
	req.SetRequestURI(c.baseURL + path)
	req.Header.SetContentType("application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if body != nil {
		req.SetBody(body)
	}

	attempts := c.retryMax
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := c.http.DoDeadline(req, resp, c.computeDeadline(ctx))
		if err != nil {
			lastErr = fmt.Errorf("request failed: %w", err)
			if attempt == attempts {
				return lastErr
			}
			if transport.SleepWithContext(ctx, transport.BackoffDuration(attempt)) != nil {
				return lastErr
			}
			continue
		}

		status := resp.StatusCode()
		if status >= 200 && status < 300 {
			if out != nil {
				if err := json.Unmarshal(resp.Body(), out); err != nil {
					return fmt.Errorf("decode response: %w", err)
				}
			}
			return nil
		}

		lastErr = fmt.Errorf("sink error: status=%d body=%s", status, truncate(string(resp.Body()), 512))
		if attempt == attempts || !shouldRetryStatus(status) {
			return lastErr
		}
		wait := transport.BackoffDuration(attempt)
		// A server-advertised hint overrides the computed backoff.
		if d, ok := transport.RetryAfter(string(resp.Header.Peek(fasthttp.HeaderRetryAfter))); ok {
			wait = d
		}
		if transport.SleepWithContext(ctx, wait) != nil {
			return lastErr
		}
	}
	return lastErr
}

func (c *Client) computeDeadline(ctx context.Context) time.Time {
	clientDL := time.Now().Add(c.defaultTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(clientDL) {
		return dl
	}
	return clientDL
}

func shouldRetryStatus(code int) bool {
	return code == fasthttp.StatusTooManyRequests || code >= 500
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
