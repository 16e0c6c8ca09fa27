package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/facet-io/facet/go/connections"
	"github.com/facet-io/facet/go/connector"
	"github.com/facet-io/facet/go/metadata"
	"github.com/facet-io/facet/go/query"
	"github.com/stretchr/testify/require"
)

// fakeBackend is a scripted in-memory driver keyed by connection ID.
type fakeBackend struct {
	rows []connector.Row
	meta *connector.Metadata

	mu       sync.Mutex
	executed []string
}

var (
	fakesMu sync.Mutex
	fakes   = map[string]*fakeBackend{}
)

func init() {
	connector.Register("fake", func(conn *connections.Connection) (connector.Connector, error) {
		fakesMu.Lock()
		defer fakesMu.Unlock()
		backend, ok := fakes[conn.ID]
		if !ok {
			return nil, errors.New("no scripted backend for connection")
		}
		return backend, nil
	})
}

func (f *fakeBackend) Connect(context.Context) error { return nil }
func (f *fakeBackend) TestConnection(context.Context) (bool, string) {
	return true, "Connection successful. Fake version: 1.0"
}
func (f *fakeBackend) GetMetadata(context.Context) (*connector.Metadata, error) {
	if f.meta == nil {
		return &connector.Metadata{}, nil
	}
	return &connector.Metadata{
		Tables:        append([]metadata.Table(nil), f.meta.Tables...),
		Columns:       append([]metadata.Column(nil), f.meta.Columns...),
		Relationships: append([]metadata.Relationship(nil), f.meta.Relationships...),
	}, nil
}
func (f *fakeBackend) ExecuteQuery(_ context.Context, sql string, _ map[string]any) (*connector.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed = append(f.executed, sql)
	if strings.Contains(sql, "COUNT(*) AS count FROM (") {
		return &connector.QueryOutput{Rows: []connector.Row{{"count": int64(len(f.rows))}}}, nil
	}
	return &connector.QueryOutput{Rows: f.rows}, nil
}
func (f *fakeBackend) StreamQuery(ctx context.Context, sql string, params map[string]any) (*connector.RowStream, error) {
	return connector.NewRowStream(ctx, func(emit func(connector.Row) error) error {
		for _, row := range f.rows {
			if err := emit(row); err != nil {
				return err
			}
		}
		return nil
	}), nil
}
func (f *fakeBackend) Explain(context.Context, string, map[string]any) (*connector.Explanation, error) {
	return &connector.Explanation{Plan: "Seq Scan"}, nil
}
func (f *fakeBackend) Dialect() query.Dialect { return query.PostgreSQL }
func (f *fakeBackend) Close() error           { return nil }

// newTestServer stands up the full router with one scripted fake connection.
func newTestServer(t *testing.T, backend *fakeBackend) (*httptest.Server, string) {
	t.Helper()

	var registry = connections.NewRegistry()
	var conn = registry.Create("fake conn", "fake", connections.Config{"password": "hunter2"})

	fakesMu.Lock()
	fakes[conn.ID] = backend
	fakesMu.Unlock()

	var server = httptest.NewServer(NewServer(registry).Router(nil))
	t.Cleanup(func() {
		server.Close()
		fakesMu.Lock()
		delete(fakes, conn.ID)
		fakesMu.Unlock()
	})
	return server, conn.ID
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, map[string]any) {
	t.Helper()

	var reqBody *bytes.Buffer = bytes.NewBuffer(nil)
	if body != nil {
		require.NoError(t, json.NewEncoder(reqBody).Encode(body))
	}
	req, err := http.NewRequest(method, url, reqBody)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]any
	if resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	}
	return resp, decoded
}

func TestHealthEndpoints(t *testing.T) {
	var server, _ = newTestServer(t, &fakeBackend{})

	for _, path := range []string{"/", "/api"} {
		resp, body := doJSON(t, "GET", server.URL+path, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, "facet-gateway", body["service"])
		require.Equal(t, "ok", body["status"])
		_, err := time.Parse(time.RFC3339, body["timestamp"].(string))
		require.NoError(t, err)
	}

	resp, body := doJSON(t, "GET", server.URL+"/api/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "healthy", body["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	var server, _ = newTestServer(t, &fakeBackend{})
	resp, err := http.Get(server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestConnectionCRUD(t *testing.T) {
	var server, predefinedID = newTestServer(t, &fakeBackend{})
	var base = server.URL + "/api/v1/connections"

	resp, created := doJSON(t, "POST", base, map[string]any{
		"name":   "warehouse",
		"type":   "postgres",
		"config": map[string]any{"host": "db.internal", "user": "app", "password": "hunter2"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var id = created["id"].(string)
	require.NotEmpty(t, id)
	require.Equal(t, "********", created["config"].(map[string]any)["password"])

	resp, listed := doJSON(t, "GET", base, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, listed["connections"], 2)

	resp, fetched := doJSON(t, "GET", base+"/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "warehouse", fetched["name"])

	resp, updated := doJSON(t, "PUT", base+"/"+id, map[string]any{
		"name":   "warehouse-replica",
		"type":   "postgres",
		"config": map[string]any{"host": "replica.internal", "user": "app"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "warehouse-replica", updated["name"])

	resp, _ = doJSON(t, "DELETE", base+"/"+id, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = doJSON(t, "GET", base+"/"+id, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Create without a type is rejected.
	resp, _ = doJSON(t, "POST", base, map[string]any{"name": "broken"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	_ = predefinedID
}

func TestConnectionTestRoute(t *testing.T) {
	var server, connID = newTestServer(t, &fakeBackend{})

	// The handler builds an unsaved connection, so the scripted backend must
	// be reachable without an ID; an unknown type still reports failure in
	// the body rather than a 5xx.
	resp, body := doJSON(t, "POST", server.URL+"/api/v1/connections/test", map[string]any{
		"name":   "probe",
		"type":   "fake",
		"config": map[string]any{},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, false, body["success"])
	require.Contains(t, body["message"], "Connection failed")

	_ = connID
}

func TestQueryExecuteRoute(t *testing.T) {
	var backend = &fakeBackend{rows: []connector.Row{
		{"id": int64(1), "status": "active"},
		{"id": int64(2), "status": "active"},
	}}
	var server, connID = newTestServer(t, backend)
	var url = server.URL + "/api/v1/query/execute"

	resp, body := doJSON(t, "POST", url, map[string]any{
		"connectionId": connID,
		"query":        map[string]any{"source": map[string]any{"table": "events"}},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, float64(2), body["rowCount"])
	require.Contains(t, body["sql"], "FROM public.events")

	// Pagination flows through to totals.
	resp, body = doJSON(t, "POST", url, map[string]any{
		"connectionId": connID,
		"query": map[string]any{
			"source":             map[string]any{"table": "events"},
			"limit":              2,
			"offset":             0,
			"isServerPagination": true,
		},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, float64(2), body["totalCount"])

	// Offset without pagination is a client error.
	resp, _ = doJSON(t, "POST", url, map[string]any{
		"connectionId": connID,
		"query": map[string]any{
			"source": map[string]any{"table": "events"},
			"offset": 10,
		},
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Unknown connections are 404.
	resp, _ = doJSON(t, "POST", url, map[string]any{
		"connectionId": "nope",
		"query":        map[string]any{"source": map[string]any{"table": "events"}},
	})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMetadataRoutes(t *testing.T) {
	var backend = &fakeBackend{meta: &connector.Metadata{
		Tables: []metadata.Table{
			{Name: "events", SchemaName: "public", Type: "table", Explorable: true},
		},
		Columns: []metadata.Column{
			{Name: "id", TableName: "events", DataType: "integer"},
			{Name: "ts", TableName: "events", DataType: "timestamp"},
		},
		Relationships: []metadata.Relationship{
			{SourceTable: "events", SourceColumn: "user_id", TargetTable: "users", TargetColumn: "id"},
		},
	}}
	var server, connID = newTestServer(t, backend)
	var base = fmt.Sprintf("%s/api/v1/metadata/connections/%s", server.URL, connID)

	resp, body := doJSON(t, "GET", base+"/tables", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, body["tables"], 1)

	resp, body = doJSON(t, "GET", base+"/tables/events", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, body["columns"], 2)

	resp, _ = doJSON(t, "GET", base+"/tables/missing", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = doJSON(t, "GET", base+"/tables/events/columns", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, body["columns"], 2)

	resp, body = doJSON(t, "GET", base+"/relationships", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, body["relationships"], 1)

	resp, body = doJSON(t, "PUT", base+"/tables/events", map[string]any{
		"displayName": "Event Log",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "Event Log", body["table"].(map[string]any)["displayName"])

	resp, body = doJSON(t, "POST", base+"/refresh", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, float64(1), body["tables"])
}
