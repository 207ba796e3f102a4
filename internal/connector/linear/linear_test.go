package linear

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omnisql/omnisql/internal/connector"
	"github.com/omnisql/omnisql/internal/types"
)

func discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestMockFetch(t *testing.T) {
	cfg := connector.Config{Name: "linear", BaseURL: "mock"}
	c := New(cfg, connector.NewTransport(cfg, discard()), discard())

	rs, err := c.Fetch(context.Background(), connector.Request{
		Table:   "issues",
		Filters: map[string]types.PushedFilter{"status": {Op: types.OpEq, Value: "Done"}},
	})
	require.NoError(t, err)
	require.Len(t, rs.Rows, 1)
	assert.Equal(t, "LIN-3", rs.Rows[0][rs.Schema.Index("id")])
}

func TestRemoteFetchBuildsStateFilter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Variables map[string]any `json:"variables"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		filter := req.Variables["filter"].(map[string]any)
		state := filter["state"].(map[string]any)["name"].(map[string]any)
		assert.Equal(t, "Done", state["eq"])

		require.NoError(t, json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{
				"issues": map[string]any{
					"nodes": []map[string]any{{
						"id":       "LIN-9",
						"title":    "Ship it",
						"state":    map[string]any{"name": "Done"},
						"assignee": map[string]any{"name": "carol"},
						"team":     map[string]any{"name": "core"},
						"priority": float64(2),
					}},
					"pageInfo": map[string]any{"endCursor": "", "hasNextPage": false},
				},
			},
		}))
	}))
	defer srv.Close()

	cfg := connector.Config{Name: "linear", BaseURL: srv.URL}
	c := New(cfg, connector.NewTransport(cfg, discard()), discard())

	rs, err := c.Fetch(context.Background(), connector.Request{
		Table:   "issues",
		Filters: map[string]types.PushedFilter{"status": {Op: types.OpEq, Value: "Done"}},
	})
	require.NoError(t, err)
	require.Len(t, rs.Rows, 1)

	rec := rs.Maps()[0]
	assert.Equal(t, "LIN-9", rec["id"])
	assert.Equal(t, "carol", rec["assignee"])
	assert.EqualValues(t, 2, rec["priority"])
}

func TestGraphQLErrorIsSourceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewEncoder(w).Encode(map[string]any{
			"errors": []map[string]any{{"message": "rate budget exceeded"}},
		}))
	}))
	defer srv.Close()

	cfg := connector.Config{Name: "linear", BaseURL: srv.URL}
	c := New(cfg, connector.NewTransport(cfg, discard()), discard())

	_, err := c.Fetch(context.Background(), connector.Request{Table: "issues"})
	require.Error(t, err)
	assert.Equal(t, types.KindSourceError, types.KindOf(err))
}
