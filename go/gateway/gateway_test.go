package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/facet-io/facet/go/connections"
	"github.com/facet-io/facet/go/connector"
	"github.com/facet-io/facet/go/metadata"
	"github.com/facet-io/facet/go/query"
	"github.com/stretchr/testify/require"
)

// fakeBackend is a scripted in-memory driver. Tests key scripts by
// connection ID and the registered constructor looks them up.
type fakeBackend struct {
	dialect   query.Dialect
	columns   []query.ColumnInfo
	rows      []connector.Row
	countRows []connector.Row
	meta      *connector.Metadata
	execErr   error

	mu        sync.Mutex
	metaErr   error
	executed  []string
	metaCalls int
	closed    bool
}

// setMetaErr scripts the outcome of subsequent GetMetadata calls.
func (f *fakeBackend) setMetaErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metaErr = err
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

func (f *fakeBackend) GetMetadata(ctx context.Context) (*connector.Metadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.metaCalls++
	if f.metaErr != nil {
		return nil, f.metaErr
	}
	// Deep-copy tables so cached snapshots never alias the script.
	var meta = &connector.Metadata{
		Tables:        append([]metadata.Table(nil), f.meta.Tables...),
		Columns:       append([]metadata.Column(nil), f.meta.Columns...),
		Relationships: append([]metadata.Relationship(nil), f.meta.Relationships...),
	}
	return meta, nil
}

func (f *fakeBackend) ExecuteQuery(_ context.Context, sql string, _ map[string]any) (*connector.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed = append(f.executed, sql)
	if f.execErr != nil {
		return nil, f.execErr
	}
	if strings.Contains(sql, "COUNT(*) AS count FROM (") {
		return &connector.QueryOutput{Rows: f.countRows}, nil
	}
	return &connector.QueryOutput{Rows: f.rows, Columns: f.columns}, nil
}

func (f *fakeBackend) StreamQuery(ctx context.Context, sql string, params map[string]any) (*connector.RowStream, error) {
	out, err := f.ExecuteQuery(ctx, sql, params)
	if err != nil {
		return nil, err
	}
	return connector.NewRowStream(ctx, func(emit func(connector.Row) error) error {
		for _, row := range out.Rows {
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

func (f *fakeBackend) Dialect() query.Dialect { return f.dialect }

func (f *fakeBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// newFake registers a scripted backend under a fresh fake connection and
// returns its registry and connection ID.
func newFake(t *testing.T, backend *fakeBackend) (*connections.Registry, string) {
	t.Helper()
	if backend.dialect == "" {
		backend.dialect = query.PostgreSQL
	}
	if backend.meta == nil {
		backend.meta = &connector.Metadata{}
	}

	var registry = connections.NewRegistry()
	var conn = registry.Create("fake conn", "fake", connections.Config{})

	fakesMu.Lock()
	fakes[conn.ID] = backend
	fakesMu.Unlock()
	t.Cleanup(func() {
		fakesMu.Lock()
		delete(fakes, conn.ID)
		fakesMu.Unlock()
	})
	return registry, conn.ID
}

func modelFor(connectionID string) *query.Model {
	return &query.Model{Source: query.Source{ConnectionID: connectionID, Table: "events"}}
}

func TestExecuteReturnsEnvelope(t *testing.T) {
	var backend = &fakeBackend{
		columns: []query.ColumnInfo{{Name: "id", Type: "integer"}},
		rows: []connector.Row{
			{"id": int64(1)}, {"id": int64(2)}, {"id": int64(3)},
		},
	}
	var registry, connID = newFake(t, backend)
	var service = NewQueryService(registry)

	result, err := service.Execute(context.Background(), modelFor(connID))
	require.NoError(t, err)
	require.Empty(t, result.Error)
	require.Equal(t, 3, result.RowCount)
	require.Nil(t, result.TotalCount)
	require.False(t, result.HasMore)
	require.Contains(t, result.SQL, "FROM public.events")
	require.True(t, backend.closed)
}

func TestExecuteServerPagination(t *testing.T) {
	var backend = &fakeBackend{
		rows:      []connector.Row{{"id": int64(1)}, {"id": int64(2)}},
		countRows: []connector.Row{{"count": int64(5)}},
	}
	var registry, connID = newFake(t, backend)
	var service = NewQueryService(registry)

	var model = modelFor(connID)
	var limit, offset = 2, 0
	model.Limit, model.Offset = &limit, &offset
	model.IsServerPagination = true

	result, err := service.Execute(context.Background(), model)
	require.NoError(t, err)
	require.NotNil(t, result.TotalCount)
	require.Equal(t, int64(5), *result.TotalCount)
	require.True(t, result.HasMore)
	require.Len(t, backend.executed, 2)
	require.Contains(t, backend.executed[0], "COUNT(*) AS count FROM (")

	// The last page reports no further rows.
	offset = 3
	result, err = service.Execute(context.Background(), model)
	require.NoError(t, err)
	require.False(t, result.HasMore)
}

func TestExecuteUnknownConnection(t *testing.T) {
	var service = NewQueryService(connections.NewRegistry())
	_, err := service.Execute(context.Background(), modelFor("nope"))
	require.ErrorIs(t, err, connections.ErrNotFound)
}

func TestExecuteInvalidModel(t *testing.T) {
	var registry, connID = newFake(t, &fakeBackend{})
	var service = NewQueryService(registry)

	var model = modelFor(connID)
	var offset = 10
	model.Offset = &offset // offset requires server pagination

	_, err := service.Execute(context.Background(), model)
	require.ErrorIs(t, err, query.ErrInvalidQuery)
}

func TestExecuteBackendFailure(t *testing.T) {
	var backend = &fakeBackend{execErr: errors.New("relation does not exist")}
	var registry, connID = newFake(t, backend)
	var service = NewQueryService(registry)

	result, err := service.Execute(context.Background(), modelFor(connID))
	require.NoError(t, err)
	require.Equal(t, "relation does not exist", result.Error)
	require.Zero(t, result.RowCount)
	require.Contains(t, result.SQL, "SELECT *")
	require.True(t, backend.closed)
}

func TestStreamDrainsAndCloses(t *testing.T) {
	var backend = &fakeBackend{
		rows: []connector.Row{{"id": int64(1)}, {"id": int64(2)}},
	}
	var registry, connID = newFake(t, backend)
	var service = NewQueryService(registry)

	stream, sql, err := service.Stream(context.Background(), modelFor(connID))
	require.NoError(t, err)
	require.Contains(t, sql, "FROM public.events")

	var count int
	for range stream.Rows() {
		count++
	}
	require.NoError(t, stream.Err())
	require.Equal(t, 2, count)
	require.True(t, backend.closed)
}

func TestExplain(t *testing.T) {
	var backend = &fakeBackend{}
	var registry, connID = newFake(t, backend)
	var service = NewQueryService(registry)

	plan, sql, err := service.Explain(context.Background(), modelFor(connID))
	require.NoError(t, err)
	require.Equal(t, "Seq Scan", plan.Plan)
	require.Contains(t, sql, "FROM public.events")
	require.True(t, backend.closed)
}

func TestExtractCount(t *testing.T) {
	n, err := extractCount([]connector.Row{{"count": int64(7)}})
	require.NoError(t, err)
	require.Equal(t, int64(7), n)

	// ClickHouse reports unsigned counts, Snowflake upper-cases the column.
	n, err = extractCount([]connector.Row{{"count": uint64(9)}})
	require.NoError(t, err)
	require.Equal(t, int64(9), n)

	n, err = extractCount([]connector.Row{{"COUNT": "12"}})
	require.NoError(t, err)
	require.Equal(t, int64(12), n)

	n, err = extractCount([]connector.Row{{"total": float64(3)}})
	require.NoError(t, err)
	require.Equal(t, int64(3), n)

	_, err = extractCount(nil)
	require.Error(t, err)
}

func TestMetadataCachedAcrossReads(t *testing.T) {
	var backend = &fakeBackend{meta: &connector.Metadata{
		Tables: []metadata.Table{
			{Name: "events", SchemaName: "public", Type: "table", Explorable: true},
			{Name: "users", SchemaName: "public", Type: "table", Explorable: true},
		},
		Columns: []metadata.Column{
			{Name: "id", TableName: "events", DataType: "integer"},
			{Name: "email", TableName: "users", DataType: "string"},
		},
		Relationships: []metadata.Relationship{
			{SourceTable: "events", SourceColumn: "user_id", TargetTable: "users", TargetColumn: "id"},
		},
	}}
	var registry, connID = newFake(t, backend)
	var service = NewMetadataService(registry)
	var ctx = context.Background()

	tables, err := service.GetTables(ctx, connID)
	require.NoError(t, err)
	require.Len(t, tables, 2)
	require.NotNil(t, tables[0].RefreshedAt)

	_, err = service.GetTables(ctx, connID)
	require.NoError(t, err)
	require.Equal(t, 1, backend.metaCalls)

	columns, err := service.GetColumns(ctx, connID, "users")
	require.NoError(t, err)
	require.Len(t, columns, 1)
	require.Equal(t, "email", columns[0].Name)

	relationships, err := service.GetRelationships(ctx, connID)
	require.NoError(t, err)
	require.Len(t, relationships, 1)

	table, tableColumns, err := service.GetTable(ctx, connID, "events")
	require.NoError(t, err)
	require.Equal(t, "events", table.Name)
	require.Len(t, tableColumns, 1)

	_, _, err = service.GetTable(ctx, connID, "missing")
	require.ErrorIs(t, err, connections.ErrNotFound)

	require.Equal(t, 1, backend.metaCalls)
}

func TestMetadataRefreshAndPatch(t *testing.T) {
	var backend = &fakeBackend{meta: &connector.Metadata{
		Tables: []metadata.Table{{Name: "events", Type: "table", Explorable: true}},
	}}
	var registry, connID = newFake(t, backend)
	var service = NewMetadataService(registry)
	var ctx = context.Background()

	var displayName = "Event Log"
	var explorable = false
	patched, err := service.UpdateTable(ctx, connID, "events", metadata.TableUpdate{
		DisplayName: &displayName,
		Explorable:  &explorable,
	})
	require.NoError(t, err)
	require.Equal(t, "Event Log", patched.DisplayName)
	require.False(t, patched.Explorable)

	tables, err := service.GetTables(ctx, connID)
	require.NoError(t, err)
	require.Equal(t, "Event Log", tables[0].DisplayName)

	// A refresh reloads from the backend and discards the patch.
	summary, err := service.Refresh(ctx, connID)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Tables)
	require.Equal(t, 2, backend.metaCalls)

	tables, err = service.GetTables(ctx, connID)
	require.NoError(t, err)
	require.Empty(t, tables[0].DisplayName)

	service.Invalidate(connID)
	_, err = service.GetTables(ctx, connID)
	require.NoError(t, err)
	require.Equal(t, 3, backend.metaCalls)
}

func TestMetadataRefreshFailureKeepsSnapshot(t *testing.T) {
	var backend = &fakeBackend{meta: &connector.Metadata{
		Tables: []metadata.Table{
			{Name: "events", Type: "table", Explorable: true},
			{Name: "users", Type: "table", Explorable: true},
		},
	}}
	var registry, connID = newFake(t, backend)
	var service = NewMetadataService(registry)
	var ctx = context.Background()

	var displayName = "Event Log"
	_, err := service.UpdateTable(ctx, connID, "events", metadata.TableUpdate{DisplayName: &displayName})
	require.NoError(t, err)

	// A failed refresh reports the error and leaves the cached snapshot,
	// patches included, fully readable.
	backend.setMetaErr(errors.New("backend went away"))
	_, err = service.Refresh(ctx, connID)
	require.ErrorContains(t, err, "backend went away")

	tables, err := service.GetTables(ctx, connID)
	require.NoError(t, err)
	require.Len(t, tables, 2)
	require.Equal(t, "Event Log", tables[0].DisplayName)

	// Once the backend recovers, a refresh swaps in a fresh snapshot.
	backend.setMetaErr(nil)
	summary, err := service.Refresh(ctx, connID)
	require.NoError(t, err)
	require.Equal(t, 2, summary.Tables)

	tables, err = service.GetTables(ctx, connID)
	require.NoError(t, err)
	require.Empty(t, tables[0].DisplayName)
}

func TestMetadataColdLoadFailureNotCached(t *testing.T) {
	var backend = &fakeBackend{meta: &connector.Metadata{
		Tables: []metadata.Table{{Name: "events", Type: "table"}},
	}}
	backend.setMetaErr(errors.New("backend went away"))
	var registry, connID = newFake(t, backend)
	var service = NewMetadataService(registry)
	var ctx = context.Background()

	_, err := service.GetTables(ctx, connID)
	require.ErrorContains(t, err, "backend went away")

	backend.setMetaErr(nil)
	tables, err := service.GetTables(ctx, connID)
	require.NoError(t, err)
	require.Len(t, tables, 1)
	require.Equal(t, 2, backend.metaCalls)
}

func TestMetadataConcurrentColdReadsCollapse(t *testing.T) {
	var backend = &fakeBackend{meta: &connector.Metadata{
		Tables: []metadata.Table{
			{Name: "events", Type: "table"},
			{Name: "users", Type: "table"},
		},
	}}
	var registry, connID = newFake(t, backend)
	var service = NewMetadataService(registry)

	var wg sync.WaitGroup
	var errs = make(chan error, 8)
	for i := 0; i != 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tables, err := service.GetTables(context.Background(), connID)
			if err == nil && len(tables) != 2 {
				err = fmt.Errorf("read %d tables, expected 2", len(tables))
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, 1, backend.metaCalls)
}

func TestMetadataConcurrentReadsDuringRefresh(t *testing.T) {
	var backend = &fakeBackend{meta: &connector.Metadata{
		Tables: []metadata.Table{
			{Name: "events", Type: "table"},
			{Name: "users", Type: "table"},
		},
		Columns: []metadata.Column{
			{Name: "id", TableName: "events", DataType: "integer"},
			{Name: "email", TableName: "users", DataType: "string"},
		},
	}}
	var registry, connID = newFake(t, backend)
	var service = NewMetadataService(registry)
	var ctx = context.Background()

	_, err := service.GetTables(ctx, connID)
	require.NoError(t, err)

	// Readers must always observe a complete snapshot, never a partially
	// refreshed one, while refreshes and patches land concurrently.
	var done = make(chan struct{})
	var errs = make(chan error, 4)
	for i := 0; i != 4; i++ {
		go func() {
			for {
				select {
				case <-done:
					errs <- nil
					return
				default:
				}
				tables, err := service.GetTables(ctx, connID)
				if err == nil && len(tables) != 2 {
					err = fmt.Errorf("read %d tables, expected 2", len(tables))
				}
				if err == nil {
					var columns []metadata.Column
					if columns, err = service.GetColumns(ctx, connID, ""); err == nil && len(columns) != 2 {
						err = fmt.Errorf("read %d columns, expected 2", len(columns))
					}
				}
				if err != nil {
					errs <- err
					return
				}
			}
		}()
	}

	var displayName = "Event Log"
	for i := 0; i != 10; i++ {
		_, err = service.Refresh(ctx, connID)
		require.NoError(t, err)
		_, err = service.UpdateTable(ctx, connID, "events", metadata.TableUpdate{DisplayName: &displayName})
		require.NoError(t, err)
	}
	close(done)

	for i := 0; i != 4; i++ {
		require.NoError(t, <-errs)
	}
}

func TestMetadataLoadDetachedFromCallerContext(t *testing.T) {
	var backend = &fakeBackend{meta: &connector.Metadata{
		Tables: []metadata.Table{{Name: "events", Type: "table"}},
	}}
	var registry, connID = newFake(t, backend)
	var service = NewMetadataService(registry)

	// A cancelled caller does not poison the shared fetch.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tables, err := service.GetTables(ctx, connID)
	require.NoError(t, err)
	require.Len(t, tables, 1)
}

func TestTestConnection(t *testing.T) {
	var registry, connID = newFake(t, &fakeBackend{})
	var service = NewQueryService(registry)

	conn, err := registry.Get(connID)
	require.NoError(t, err)

	ok, message := service.TestConnection(context.Background(), conn)
	require.True(t, ok)
	require.Contains(t, message, "Connection successful")
}
