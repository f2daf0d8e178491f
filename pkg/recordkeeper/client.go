// Package recordkeeper is the HTTP client for the remote record-keeping
// service that holds listings, matches and exchanges.
//
// Every call waits on a token-bucket limiter and carries its own timeout.
// Failures are reported as *contracts.ExternalServiceError.
package recordkeeper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/lizTheDeveloper/solarpunk-utopia-sub001/pkg/contracts"
)

const serviceName = "recordkeeper"

// ErrListingNotFound is wrapped when the service has no such listing.
var ErrListingNotFound = errors.New("listing not found")

// StatusError is a non-2xx response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

// Client talks to the record-keeping API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	limiter *rate.Limiter
	timeout time.Duration
	logger  *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithToken sets a bearer token sent on every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithRateLimit replaces the default limiter (10 rps, burst 20).
func WithRateLimit(r rate.Limit, burst int) Option {
	return func(c *Client) { c.limiter = rate.NewLimiter(r, burst) }
}

// WithTimeout bounds each call, including the wait on the limiter.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// New creates a client for the service at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{},
		limiter: rate.NewLimiter(rate.Limit(10), 20),
		timeout: 10 * time.Second,
		logger:  slog.Default().With("component", "recordkeeper"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateMatch records a match between an offer and a need.
// The proposal id is sent as idempotency key so a retried call does not
// create a second match.
func (c *Client) CreateMatch(ctx context.Context, m contracts.NewMatch) (contracts.Match, error) {
	var out contracts.Match
	err := c.do(ctx, "create_match", http.MethodPost, "/matches", m, &out, idempotencyKey(m.ProposalID, "match"))
	return out, err
}

// GetListing fetches one listing by id.
func (c *Client) GetListing(ctx context.Context, id string) (contracts.Listing, error) {
	var out contracts.Listing
	err := c.do(ctx, "get_listing", http.MethodGet, "/listings/"+url.PathEscape(id), nil, &out, "")
	return out, err
}

// CreateExchange schedules the hand-over for a match.
func (c *Client) CreateExchange(ctx context.Context, x contracts.NewExchange) (contracts.Exchange, error) {
	var out contracts.Exchange
	err := c.do(ctx, "create_exchange", http.MethodPost, "/exchanges", x, &out, idempotencyKey(x.ProposalID, "exchange"))
	return out, err
}

// DeleteMatch removes a match record. A match that is already gone counts as deleted.
func (c *Client) DeleteMatch(ctx context.Context, id string) error {
	err := c.do(ctx, "delete_match", http.MethodDelete, "/matches/"+url.PathEscape(id), nil, nil, "")
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusNotFound {
		return nil
	}
	return err
}

// Listings returns all listings of one type.
func (c *Client) Listings(ctx context.Context, t contracts.ListingType) ([]contracts.Listing, error) {
	var out []contracts.Listing
	path := "/listings?type=" + url.QueryEscape(string(t))
	if err := c.do(ctx, "list_listings", http.MethodGet, path, nil, &out, ""); err != nil {
		return nil, err
	}
	return out, nil
}

// Ping checks the service is reachable.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, "ping", http.MethodGet, "/healthz", nil, nil, "")
}

func idempotencyKey(proposalID, step string) string {
	if proposalID == "" {
		return ""
	}
	return proposalID + ":" + step
}

func (c *Client) do(ctx context.Context, op, method, path string, in, out any, idemKey string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.limiter.Wait(ctx); err != nil {
		return contracts.NewExternalServiceError(serviceName, op, fmt.Errorf("rate limit wait: %w", err))
	}

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", op, err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return contracts.NewExternalServiceError(serviceName, op, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if idemKey != "" {
		req.Header.Set("Idempotency-Key", idemKey)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return contracts.NewExternalServiceError(serviceName, op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	c.logger.DebugContext(ctx, "record-keeping call",
		"op", op,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		se := &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
		if resp.StatusCode == http.StatusNotFound && op == "get_listing" {
			return contracts.NewExternalServiceError(serviceName, op, fmt.Errorf("%w: %w", ErrListingNotFound, se))
		}
		return contracts.NewExternalServiceError(serviceName, op, se)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return contracts.NewExternalServiceError(serviceName, op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}
