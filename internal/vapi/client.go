package vapi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"
	json "github.com/goccy/go-json"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"gitlab.com/timkado/api/vapi-call-sync/internal/apperrors"
	"gitlab.com/timkado/api/vapi-call-sync/internal/config"
	"gitlab.com/timkado/api/vapi-call-sync/internal/model"
	"gitlab.com/timkado/api/vapi-call-sync/internal/observer"
	"gitlab.com/timkado/api/vapi-call-sync/pkg/logger"
	"gitlab.com/timkado/api/vapi-call-sync/pkg/utils"
)

const (
	DefaultBaseURL   = "https://api.vapi.ai"
	DefaultPageSize  = 100
	DefaultMaxOffset = 1000

	defaultQuickTimeout    = 15 * time.Second
	defaultListTimeout     = 30 * time.Second
	defaultRetryMaxElapsed = 10 * time.Second
	retryInitialInterval   = 200 * time.Millisecond
	retryMaxInterval       = 2 * time.Second
	maxResponseBytes       = 32 << 20
	maxRemoteMessage       = 200

	endpointList   = "list_calls"
	endpointDelete = "delete_call"
	endpointProbe  = "probe"
)

var _ API = (*Client)(nil)

// Client talks to the remote call API. It is safe for concurrent use.
type Client struct {
	baseURL         string
	httpClient      *http.Client
	limiter         *rate.Limiter
	pageSize        int
	maxOffset       int
	quickTimeout    time.Duration
	listTimeout     time.Duration
	retryMaxElapsed time.Duration
	chunkItemDelay  time.Duration
	log             *zap.Logger
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithChunkItemDelay sets the delay between deletions inside one chunk.
func WithChunkItemDelay(d time.Duration) Option {
	return func(c *Client) { c.chunkItemDelay = d }
}

// WithLogger sets the base logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.log = l }
}

// NewClient builds a client from configuration, applying defaults for zero values.
func NewClient(cfg config.VapiConfig, opts ...Option) *Client {
	c := &Client{
		baseURL:         strings.TrimRight(cfg.BaseURL, "/"),
		httpClient:      &http.Client{},
		pageSize:        cfg.PageSize,
		maxOffset:       cfg.MaxOffset,
		quickTimeout:    cfg.QuickTimeout,
		listTimeout:     cfg.ListTimeout,
		retryMaxElapsed: cfg.RetryMaxElapsed,
		chunkItemDelay:  DefaultChunkItemDelay,
		log:             logger.Log,
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.pageSize <= 0 {
		c.pageSize = DefaultPageSize
	}
	if c.maxOffset <= 0 {
		c.maxOffset = DefaultMaxOffset
	}
	if c.quickTimeout <= 0 {
		c.quickTimeout = defaultQuickTimeout
	}
	if c.listTimeout <= 0 {
		c.listTimeout = defaultListTimeout
	}
	if c.retryMaxElapsed < 0 {
		c.retryMaxElapsed = defaultRetryMaxElapsed
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	c.limiter = rate.NewLimiter(limit, burst)

	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.Named("vapi_client")
	return c
}

// TestConnection issues a minimal listing and reports whether it answered 200.
func (c *Client) TestConnection(ctx context.Context, credential string) bool {
	resp, err := c.do(ctx, http.MethodGet, endpointProbe, "/call", url.Values{"limit": {"1"}}, credential, c.quickTimeout)
	if err != nil {
		logger.FromContextOr(ctx, c.log).Warn("Remote API connection test failed", zap.Error(err))
		return false
	}
	if resp.statusCode != http.StatusOK {
		logger.FromContextOr(ctx, c.log).Warn("Remote API connection test rejected", zap.Int("status", resp.statusCode))
		return false
	}
	return true
}

// FetchCallLogs retrieves a single page of calls. Both a bare JSON array and a
// {"data": [...]} envelope are accepted; any other JSON shape yields an empty
// batch. Transport errors, non-200 answers and malformed bodies are errors.
func (c *Client) FetchCallLogs(ctx context.Context, credential string, filters ListFilters) (*CallBatch, error) {
	query := c.listQuery(filters)
	resp, err := c.do(ctx, http.MethodGet, endpointList, "/call", query, credential, c.listTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: list calls: %w", apperrors.ErrUpstream, err)
	}
	if resp.statusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: list calls: HTTP %d: %s", apperrors.ErrUpstream, resp.statusCode, remoteMessage(resp.body))
	}

	records, rejected, err := decodeCalls(resp.body)
	if err != nil {
		return nil, fmt.Errorf("%w: list calls: %v", apperrors.ErrUpstream, err)
	}
	log := logger.FromContextOr(ctx, c.log)
	for _, reason := range rejected {
		log.Warn("Dropping malformed call from page", zap.Int("offset", filters.Offset), zap.Error(reason))
	}
	log.Debug("Fetched call page",
		zap.Int("count", len(records)),
		zap.Int("malformed", len(rejected)),
		zap.String("date_from", filters.DateFrom),
		zap.String("date_to", filters.DateTo),
		zap.Int("offset", filters.Offset),
	)
	return &CallBatch{Records: records, Malformed: len(rejected)}, nil
}

// FetchAllCallLogs pages through the listing until a short or empty page, or
// until the offset safety cap is reached. A page failure stops paging and the
// records collected so far are returned.
func (c *Client) FetchAllCallLogs(ctx context.Context, credential string, filters ListFilters) (*CallBatch, error) {
	all := &CallBatch{}
	offset := 0
	for {
		page := filters
		page.Offset = offset
		batch, err := c.FetchCallLogs(ctx, credential, page)
		if err != nil {
			logger.FromContextOr(ctx, c.log).Warn("Stopping pagination after page failure",
				zap.Int("offset", offset), zap.Error(err))
			break
		}
		received := batch.Len() + batch.Malformed
		if received == 0 {
			break
		}
		all.Records = append(all.Records, batch.Records...)
		all.Malformed += batch.Malformed
		if received < c.pageSize {
			break
		}
		offset += c.pageSize
		if offset >= c.maxOffset {
			logger.FromContextOr(ctx, c.log).Info("Reached maximum pagination offset", zap.Int("offset", offset))
			break
		}
	}
	return all, nil
}

// DeleteCall removes one remote call. Any 2xx answer is success.
func (c *Client) DeleteCall(ctx context.Context, credential, callID string) error {
	if callID == "" {
		return fmt.Errorf("%w: empty call id", apperrors.ErrBadRequest)
	}
	resp, err := c.do(ctx, http.MethodDelete, endpointDelete, "/call/"+url.PathEscape(callID), nil, credential, c.quickTimeout)
	if err != nil {
		return fmt.Errorf("%w: delete call %s: %w", apperrors.ErrUpstream, callID, err)
	}
	if resp.statusCode < 200 || resp.statusCode >= 300 {
		return fmt.Errorf("%w: delete call %s: HTTP %d: %s", apperrors.ErrUpstream, callID, resp.statusCode, remoteMessage(resp.body))
	}
	return nil
}

// RateLimitInfo reads the rate limit headers from a minimal listing.
func (c *Client) RateLimitInfo(ctx context.Context, credential string) (*RateLimitInfo, error) {
	resp, err := c.do(ctx, http.MethodGet, endpointProbe, "/call", url.Values{"limit": {"1"}}, credential, c.quickTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: rate limit probe: %w", apperrors.ErrUpstream, err)
	}
	info := &RateLimitInfo{
		Limit:     resp.header.Get("x-ratelimit-limit"),
		Remaining: resp.header.Get("x-ratelimit-remaining"),
		Reset:     resp.header.Get("x-ratelimit-reset"),
		Headers:   make(map[string]string, len(resp.header)),
	}
	for k := range resp.header {
		info.Headers[strings.ToLower(k)] = resp.header.Get(k)
	}
	return info, nil
}

func (c *Client) listQuery(filters ListFilters) url.Values {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(c.pageSize))
	if filters.Offset > 0 {
		q.Set("offset", strconv.Itoa(filters.Offset))
	}
	if filters.Status != "" {
		q.Set("status", filters.Status)
	}
	if filters.DateFrom != "" {
		q.Set("createdAtGt", filters.DateFrom+"T00:00:00.000Z")
	}
	if filters.DateTo != "" {
		q.Set("createdAtLt", filters.DateTo+"T23:59:59.999Z")
	}
	return q
}

type response struct {
	statusCode int
	header     http.Header
	body       []byte
}

// transientStatusError marks an answer worth retrying; the last one is
// returned to the caller once retries are exhausted.
type transientStatusError struct {
	resp       *response
	retryAfter time.Duration
}

func (e *transientStatusError) Error() string {
	return fmt.Sprintf("transient HTTP %d", e.resp.statusCode)
}

// do sends a request through the rate limiter, retrying transient failures
// within the configured elapsed budget.
func (c *Client) do(ctx context.Context, method, endpoint, path string, query url.Values, credential string, timeout time.Duration) (*response, error) {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	policy := newRetryPolicy(c.retryMaxElapsed)
	var last *response
	operation := func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		resp, err := c.send(ctx, method, endpoint, target, credential, timeout)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(apperrors.NewFatal(err, "%s %s", method, endpoint))
			}
			policy.lastErr = err
			return apperrors.NewRetryable(err, "%s %s", method, endpoint)
		}
		last = resp
		if isTransientStatus(resp.statusCode) {
			transient := &transientStatusError{resp: resp, retryAfter: parseRetryAfter(resp.header.Get("Retry-After"))}
			policy.lastErr = transient
			return transient
		}
		return nil
	}
	notify := func(err error, d time.Duration) {
		logger.FromContextOr(ctx, c.log).Warn("Retrying remote API request",
			zap.String("endpoint", endpoint),
			zap.Error(err),
			zap.Duration("after", d),
		)
	}

	err := backoff.RetryNotify(operation, backoff.WithContext(policy, ctx), notify)
	if err != nil {
		var transient *transientStatusError
		if errors.As(err, &transient) && last != nil {
			return last, nil
		}
		return nil, err
	}
	return last, nil
}

func (c *Client) send(ctx context.Context, method, endpoint, target, credential string, timeout time.Duration) (*response, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, target, nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Authorization", "Bearer "+credential)
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	res, err := c.httpClient.Do(req)
	if err != nil {
		observer.ObserveAPIRequest(endpoint, 0, time.Since(start))
		return nil, err
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	observer.ObserveAPIRequest(endpoint, res.StatusCode, time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return &response{statusCode: res.StatusCode, header: res.Header, body: body}, nil
}

// decodeCalls accepts a bare array or a {"data": [...]} envelope. Elements
// are decoded one by one; those that fail are returned as rejected instead
// of failing the page.
func decodeCalls(body []byte) ([]model.RemoteCall, []error, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, nil, errors.New("empty response body")
	}

	var items []json.RawMessage
	switch trimmed[0] {
	case '[':
		if err := utils.UnmarshalJSON(trimmed, &items); err != nil {
			return nil, nil, fmt.Errorf("malformed response body: %w", err)
		}
	case '{':
		var envelope struct {
			Data json.RawMessage `json:"data"`
		}
		if err := utils.UnmarshalJSON(trimmed, &envelope); err != nil {
			return nil, nil, fmt.Errorf("malformed response body: %w", err)
		}
		data := bytes.TrimSpace(envelope.Data)
		if len(data) == 0 || data[0] != '[' {
			return []model.RemoteCall{}, nil, nil
		}
		if err := utils.UnmarshalJSON(data, &items); err != nil {
			return nil, nil, fmt.Errorf("malformed call envelope: %w", err)
		}
	default:
		if !json.Valid(trimmed) {
			return nil, nil, errors.New("malformed response body")
		}
		return []model.RemoteCall{}, nil, nil
	}

	calls := make([]model.RemoteCall, 0, len(items))
	var rejected []error
	for i, item := range items {
		var call model.RemoteCall
		if err := utils.UnmarshalJSON(item, &call); err != nil {
			rejected = append(rejected, fmt.Errorf("element %d: %w", i, err))
			continue
		}
		calls = append(calls, call)
	}
	return calls, rejected, nil
}

func remoteMessage(body []byte) string {
	var payload struct {
		Message interface{} `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Message != nil {
		return fmt.Sprint(payload.Message)
	}
	return truncateRunes(strings.TrimSpace(string(body)), maxRemoteMessage)
}

func truncateRunes(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit])
}

func isTransientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
