package connector

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/omnisql/omnisql/internal/types"
)

const maxResponseSize = 50 * 1024 * 1024

// Transport is the shared HTTP layer under every adapter: auth headers,
// transient-retry for 5xx, a circuit breaker per connector, pagination,
// and mapping of native failures to the standard error kinds. It never
// retries a 429; throttling belongs to the rate governor.
type Transport struct {
	cfg     Config
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

// NewTransport builds the transport for one connector config.
func NewTransport(cfg Config, logger *slog.Logger) *Transport {
	return &Transport{
		cfg:    cfg,
		client: &http.Client{Timeout: 30 * time.Second},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name: cfg.Name,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			Timeout: 30 * time.Second,
		}),
		logger: logger.With("source", cfg.Name),
	}
}

// WithHTTPClient swaps the underlying HTTP client, for tests.
func (t *Transport) WithHTTPClient(client *http.Client) *Transport {
	t.client = client
	return t
}

type httpStatusError struct {
	status     int
	retryAfter time.Duration
	body       string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("http %d: %s", e.status, e.body)
}

// do performs one authenticated request with transient retry, then maps
// the outcome to the standard error kinds.
func (t *Transport) do(ctx context.Context, method, urlStr string, body any) ([]byte, http.Header, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, nil, types.Internal(fmt.Errorf("marshal request: %w", err))
		}
	}

	attempts := t.cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}

	var respBody []byte
	var respHeader http.Header

	attempt := func() error {
		out, err := t.breaker.Execute(func() (any, error) {
			return t.once(ctx, method, urlStr, payload)
		})
		if err != nil {
			return err
		}
		res := out.(*roundTripResult)
		respBody, respHeader = res.body, res.header
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(attempts-1)), ctx)
	err := backoff.Retry(func() error {
		err := attempt()
		if err == nil {
			return nil
		}
		var httpErr *httpStatusError
		if errors.As(err, &httpErr) && retryable(httpErr.status) {
			t.logger.Warn("transient upstream failure, retrying",
				"status", httpErr.status, "url", urlStr)
			return err
		}
		return backoff.Permanent(err)
	}, policy)
	if err != nil {
		return nil, nil, t.mapError(err)
	}
	return respBody, respHeader, nil
}

type roundTripResult struct {
	body   []byte
	header http.Header
}

func (t *Transport) once(ctx context.Context, method, urlStr string, payload []byte) (*roundTripResult, error) {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, urlStr, reqBody)
	if err != nil {
		return nil, err
	}
	t.setAuth(req)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	_ = resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, &httpStatusError{
			status:     resp.StatusCode,
			retryAfter: parseRetryAfter(resp.Header),
			body:       truncate(string(body), 200),
		}
	}
	return &roundTripResult{body: body, header: resp.Header}, nil
}

func retryable(status int) bool {
	switch status {
	case http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

func (t *Transport) mapError(err error) error {
	var httpErr *httpStatusError
	switch {
	case errors.As(err, &httpErr):
		if httpErr.status == http.StatusTooManyRequests {
			return types.RateLimited(t.cfg.Name, httpErr.retryAfter)
		}
		return types.SourceErr(t.cfg.Name, httpErr)
	case errors.Is(err, context.DeadlineExceeded):
		return types.Timeout(t.cfg.Name, err)
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return types.SourceErr(t.cfg.Name, fmt.Errorf("circuit open: %w", err))
	default:
		return types.SourceErr(t.cfg.Name, err)
	}
}

func (t *Transport) setAuth(req *http.Request) {
	cred := t.cfg.Credential()
	if cred == "" {
		return
	}
	switch t.cfg.AuthType {
	case "basic":
		req.Header.Set("Authorization",
			"Basic "+base64.StdEncoding.EncodeToString([]byte(cred)))
	case "", "bearer":
		req.Header.Set("Authorization", "Bearer "+cred)
	}
}

func parseRetryAfter(h http.Header) time.Duration {
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

// GetJSON performs one GET and decodes the response into out.
func (t *Transport) GetJSON(ctx context.Context, path string, params url.Values, out any) error {
	urlStr := strings.TrimRight(t.cfg.BaseURL, "/") + path
	if len(params) > 0 {
		urlStr += "?" + params.Encode()
	}
	body, _, err := t.do(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return types.SourceErr(t.cfg.Name, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// PaginateREST follows Link rel="next" headers, collecting the items
// extract pulls from each page body.
func (t *Transport) PaginateREST(ctx context.Context, path string, params url.Values,
	extract func(body []byte) ([]map[string]any, error)) ([]map[string]any, error) {

	urlStr := strings.TrimRight(t.cfg.BaseURL, "/") + path
	if len(params) > 0 {
		urlStr += "?" + params.Encode()
	}

	var all []map[string]any
	for urlStr != "" {
		if err := ctx.Err(); err != nil {
			return nil, types.Timeout(t.cfg.Name, err)
		}
		body, header, err := t.do(ctx, http.MethodGet, urlStr, nil)
		if err != nil {
			return nil, err
		}
		items, err := extract(body)
		if err != nil {
			return nil, types.SourceErr(t.cfg.Name, err)
		}
		all = append(all, items...)
		urlStr = nextLink(header.Get("Link"))
	}
	return all, nil
}

// nextLink extracts the rel="next" target of a Link header, or "".
func nextLink(header string) string {
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if !strings.Contains(part, `rel="next"`) {
			continue
		}
		target := strings.SplitN(part, ";", 2)[0]
		return strings.Trim(strings.TrimSpace(target), "<>")
	}
	return ""
}

type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type graphqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// GraphQL posts one query and returns the data payload. GraphQL-level
// errors are source errors even though the HTTP status is 200.
func (t *Transport) GraphQL(ctx context.Context, query string, variables map[string]any) (json.RawMessage, error) {
	path := t.cfg.GraphQLPath
	if path == "" {
		path = "/graphql"
	}
	urlStr := strings.TrimRight(t.cfg.BaseURL, "/") + path

	body, _, err := t.do(ctx, http.MethodPost, urlStr, graphqlRequest{Query: query, Variables: variables})
	if err != nil {
		return nil, err
	}
	var resp graphqlResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, types.SourceErr(t.cfg.Name, fmt.Errorf("decode graphql response: %w", err))
	}
	if len(resp.Errors) > 0 {
		return nil, types.SourceErr(t.cfg.Name, fmt.Errorf("graphql: %s", resp.Errors[0].Message))
	}
	return resp.Data, nil
}

// PaginateGraphQL drives cursor pagination: it re-issues the query with
// the cursor variable advanced until pageInfo.hasNextPage is false.
// dataPath walks the response to the connection object holding `nodes`
// and `pageInfo` ("repository.pullRequests").
func (t *Transport) PaginateGraphQL(ctx context.Context, query string, variables map[string]any, dataPath string) ([]map[string]any, error) {
	vars := make(map[string]any, len(variables)+1)
	for k, v := range variables {
		vars[k] = v
	}
	if _, ok := vars["first"]; !ok {
		vars["first"] = t.cfg.pageSize()
	}

	var all []map[string]any
	for {
		if err := ctx.Err(); err != nil {
			return nil, types.Timeout(t.cfg.Name, err)
		}
		data, err := t.GraphQL(ctx, query, vars)
		if err != nil {
			return nil, err
		}

		conn, err := walkPath(data, dataPath)
		if err != nil {
			return nil, types.SourceErr(t.cfg.Name, err)
		}
		for _, n := range conn.Nodes {
			all = append(all, n)
		}
		if !conn.PageInfo.HasNextPage || conn.PageInfo.EndCursor == "" {
			return all, nil
		}
		vars["cursor"] = conn.PageInfo.EndCursor
	}
}

type connection struct {
	Nodes    []map[string]any `json:"nodes"`
	PageInfo struct {
		EndCursor   string `json:"endCursor"`
		HasNextPage bool   `json:"hasNextPage"`
	} `json:"pageInfo"`
}

func walkPath(data json.RawMessage, path string) (*connection, error) {
	current := data
	for _, key := range strings.Split(path, ".") {
		var node map[string]json.RawMessage
		if err := json.Unmarshal(current, &node); err != nil {
			return nil, fmt.Errorf("walk %q: %w", path, err)
		}
		next, ok := node[key]
		if !ok {
			return nil, fmt.Errorf("walk %q: missing %q", path, key)
		}
		current = next
	}
	var conn connection
	if err := json.Unmarshal(current, &conn); err != nil {
		return nil, fmt.Errorf("decode connection at %q: %w", path, err)
	}
	return &conn, nil
}
