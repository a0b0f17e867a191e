// Package client is a thin REST client for the query and search-download APIs.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"insight-cli/internal/monitor"
)

const maxResponseBytes = 64 << 20

// TokenSource supplies the bearer token for each request.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource that always returns the same token.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) {
	return string(t), nil
}

// APIError is returned for any non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
	RequestID  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error (status %d): %s", e.StatusCode, e.Message)
}

// IsNotFound returns true for 404 responses.
func IsNotFound(err error) bool {
	return hasStatus(err, http.StatusNotFound)
}

// IsConflict returns true for 409 responses.
func IsConflict(err error) bool {
	return hasStatus(err, http.StatusConflict)
}

// IsBadRequest returns true for 400 responses.
func IsBadRequest(err error) bool {
	return hasStatus(err, http.StatusBadRequest)
}

func hasStatus(err error, code int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == code
}

// Options configures a Client.
type Options struct {
	QueryURL  string
	SearchURL string
	OID       string
	Tokens    TokenSource

	Timeout        time.Duration
	RateLimitRPS   float64
	RateLimitBurst int

	// HTTPClient overrides the default client (Timeout is then ignored).
	HTTPClient *http.Client
	Metrics    *monitor.Metrics
	Tracer     *monitor.Tracer
}

// Client issues requests against the remote service. It is safe for
// sequential use; the limiter is the only shared state.
type Client struct {
	queryURL  string
	searchURL string
	oid       string
	tokens    TokenSource
	http      *http.Client
	limiter   *rate.Limiter
	metrics   *monitor.Metrics
	tracer    *monitor.Tracer
}

// New creates a Client.
func New(opts Options) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 5 * time.Minute
		}
		hc = &http.Client{Timeout: timeout}
	}

	limit := rate.Inf
	burst := opts.RateLimitBurst
	if opts.RateLimitRPS > 0 {
		limit = rate.Limit(opts.RateLimitRPS)
		if burst < 1 {
			burst = 1
		}
	}

	return &Client{
		queryURL:  strings.TrimRight(opts.QueryURL, "/"),
		searchURL: strings.TrimRight(opts.SearchURL, "/"),
		oid:       opts.OID,
		tokens:    opts.Tokens,
		http:      hc,
		limiter:   rate.NewLimiter(limit, burst),
		metrics:   opts.Metrics,
		tracer:    opts.Tracer,
	}
}

// OID returns the organization the client is bound to.
func (c *Client) OID() string {
	return c.oid
}

// Query posts one query request and returns the page. A non-empty
// resp.Error is left for the caller to interpret.
func (c *Client) Query(ctx context.Context, req QueryRequest) (*QueryResponse, error) {
	if req.OID == "" {
		req.OID = c.oid
	}
	var resp QueryResponse
	if err := c.do(ctx, "query", http.MethodPost, c.queryURL, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Schema fetches the event types available for autocompletion.
func (c *Client) Schema(ctx context.Context) (*Schema, error) {
	u := c.queryURL + "/schema?" + url.Values{"oid": {c.oid}}.Encode()
	var schema Schema
	if err := c.do(ctx, "schema", http.MethodGet, u, nil, &schema); err != nil {
		return nil, err
	}
	return &schema, nil
}

// StartDownload submits a new download job.
func (c *Client) StartDownload(ctx context.Context, req DownloadRequest) (*DownloadStarted, error) {
	if req.OID == "" {
		req.OID = c.oid
	}
	var started DownloadStarted
	if err := c.do(ctx, "download.start", http.MethodPost, c.searchURL+"/download", req, &started); err != nil {
		return nil, err
	}
	return &started, nil
}

// DownloadStatus fetches the current status of a job.
func (c *Client) DownloadStatus(ctx context.Context, jobID string) (*JobStatus, error) {
	var status JobStatus
	if err := c.do(ctx, "download.status", http.MethodGet, c.jobURL(jobID), nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// ListDownloads lists recent jobs.
func (c *Client) ListDownloads(ctx context.Context, limit, offset int) ([]JobStatus, error) {
	q := url.Values{
		"limit":  {strconv.Itoa(limit)},
		"offset": {strconv.Itoa(offset)},
	}
	var list jobList
	if err := c.do(ctx, "download.list", http.MethodGet, c.searchURL+"/download?"+q.Encode(), nil, &list); err != nil {
		return nil, err
	}
	return list.Jobs, nil
}

// CancelDownload cancels a job. 200 and 204 both count as success.
func (c *Client) CancelDownload(ctx context.Context, jobID string) error {
	return c.do(ctx, "download.cancel", http.MethodDelete, c.jobURL(jobID), nil, nil)
}

func (c *Client) jobURL(jobID string) string {
	return c.searchURL + "/download/" + url.PathEscape(jobID)
}

func (c *Client) do(ctx context.Context, endpoint, method, target string, in, out any) (err error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	requestID := uuid.NewString()
	ctx, span := c.tracer.StartSpan(ctx, "api."+endpoint,
		monitor.AttrEndpoint.String(endpoint),
		monitor.AttrMethod.String(method),
		monitor.AttrRequestID.String(requestID),
	)
	defer func() { monitor.EndSpan(span, err) }()

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding %s request: %w", endpoint, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("building %s request: %w", endpoint, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", requestID)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return fmt.Errorf("obtaining token: %w", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.metrics.RecordAPIRequest(endpoint, 0, time.Since(start).Seconds())
		return fmt.Errorf("%s request failed: %w", endpoint, err)
	}
	defer resp.Body.Close()
	c.metrics.RecordAPIRequest(endpoint, resp.StatusCode, time.Since(start).Seconds())
	span.SetAttributes(monitor.AttrStatusCode.Int(resp.StatusCode))

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("reading %s response: %w", endpoint, err)
	}

	log.Debug().
		Str("endpoint", endpoint).
		Str("request_id", requestID).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("api call")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{
			StatusCode: resp.StatusCode,
			Message:    errorMessage(resp.StatusCode, data),
			RequestID:  requestID,
		}
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding %s response: %w", endpoint, err)
	}
	return nil
}

func errorMessage(code int, data []byte) string {
	var eb errorBody
	if json.Unmarshal(data, &eb) == nil {
		if eb.Error != "" {
			return eb.Error
		}
		if eb.Message != "" {
			return eb.Message
		}
	}
	if msg := strings.TrimSpace(string(data)); msg != "" {
		if len(msg) > 512 {
			msg = msg[:512] + "..."
		}
		return msg
	}
	return http.StatusText(code)
}
