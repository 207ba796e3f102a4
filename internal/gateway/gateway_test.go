package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omnisql/omnisql/internal/cache"
	"github.com/omnisql/omnisql/internal/executor"
	"github.com/omnisql/omnisql/internal/federate"
	"github.com/omnisql/omnisql/internal/governor"
	"github.com/omnisql/omnisql/internal/tenant"
)

const acmeDoc = `
tenant_id: acme
connectors:
  - name: github
    type: github
    base_url: mock
`

const throttledDoc = `
tenant_id: throttled
connectors:
  - name: github
    type: github
    base_url: mock
    rate_capacity: 1
    refill_per_second: 0.001
`

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "acme.yaml"), []byte(acmeDoc), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "throttled.yaml"), []byte(throttledDoc), 0o644))

	logger := slog.New(slog.DiscardHandler)
	registry := tenant.NewRegistry(dir, nil, logger)
	require.NoError(t, registry.Load())

	c, err := cache.New(cache.DefaultConfig())
	require.NoError(t, err)
	gov := governor.New()
	exec := executor.New(c, gov, executor.Options{}, logger)
	svc := federate.New(registry, exec, gov, logger)

	ts := httptest.NewServer(New(svc, registry, logger).Handler())
	t.Cleanup(ts.Close)
	return ts
}

func postQuery(t *testing.T, ts *httptest.Server, tenantID, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/v1/query", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("X-Omni-User", "u1")
	req.Header.Set("X-Omni-Tenant", tenantID)
	req.Header.Set("X-Omni-Team", "mobile")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestQueryOK(t *testing.T) {
	ts := newTestServer(t)

	resp := postQuery(t, ts, "acme", `{
		"sql": "SELECT gh.pr_id, gh.status FROM github.pull_requests gh WHERE gh.status = 'open'",
		"metadata": {"max_staleness_ms": 60000, "trace_id": "t-42"}
	}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body federate.Response
	decode(t, resp, &body)
	assert.Equal(t, []string{"pr_id", "status"}, body.Columns)
	assert.NotEmpty(t, body.Rows)
	assert.Equal(t, "t-42", body.TraceID)
	assert.Contains(t, body.RateLimitStatus, "github")
}

func TestQueryMissingIdentity(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Post(ts.URL+"/v1/query", "application/json",
		strings.NewReader(`{"sql": "SELECT gh.pr_id FROM github.pull_requests gh"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	var body federate.ErrorBody
	decode(t, resp, &body)
	assert.Equal(t, "ENTITLEMENT_DENIED", body.Error.Code)
}

func TestQueryBadSQL(t *testing.T) {
	ts := newTestServer(t)

	resp := postQuery(t, ts, "acme", `{"sql": "DROP TABLE github.pull_requests"}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body federate.ErrorBody
	decode(t, resp, &body)
	assert.Equal(t, "PLAN_FAILED", body.Error.Code)
}

func TestQueryEmptySQL(t *testing.T) {
	ts := newTestServer(t)

	resp := postQuery(t, ts, "acme", `{"sql": "  "}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestQueryUnknownTenant(t *testing.T) {
	ts := newTestServer(t)

	resp := postQuery(t, ts, "ghost", `{"sql": "SELECT gh.pr_id FROM github.pull_requests gh"}`)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()
}

func TestQueryRateLimited(t *testing.T) {
	ts := newTestServer(t)
	body := `{"sql": "SELECT gh.pr_id FROM github.pull_requests gh", "metadata": {"max_staleness_ms": 0}}`

	first := postQuery(t, ts, "throttled", body)
	require.Equal(t, http.StatusOK, first.StatusCode)
	first.Body.Close()

	second := postQuery(t, ts, "throttled", body)
	require.Equal(t, http.StatusTooManyRequests, second.StatusCode)
	assert.NotEmpty(t, second.Header.Get("Retry-After"))

	var errBody federate.ErrorBody
	decode(t, second, &errBody)
	assert.Equal(t, "RATE_LIMIT_EXHAUSTED", errBody.Error.Code)
	assert.Greater(t, errBody.Error.RetryAfterMS, int64(0))
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	decode(t, resp, &body)
	assert.Equal(t, "ok", body["status"])
}

func TestTenantList(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/v1/tenants")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Tenants []string `json:"tenants"`
	}
	decode(t, resp, &body)
	assert.ElementsMatch(t, []string{"acme", "throttled"}, body.Tenants)
}
