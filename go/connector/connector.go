// Package connector defines the uniform capability every database backend
// implements, and the type-tag factory that selects a backend for a
// connection.
package connector

import (
	"context"
	"errors"
	"time"

	"github.com/facet-io/facet/go/metadata"
	"github.com/facet-io/facet/go/query"
)

// ErrUnsupported is returned by New for connection types no backend has
// registered.
var ErrUnsupported = errors.New("unsupported database type")

// Row is a single result row, keyed by column name.
type Row = map[string]any

// Metadata is the full schema triple extracted from a backend.
type Metadata struct {
	Tables        []metadata.Table
	Columns       []metadata.Column
	Relationships []metadata.Relationship
}

// QueryOutput is the materialized result of one executed statement. Columns
// are in result order; Elapsed is wall-clock time from submit to
// materialization.
type QueryOutput struct {
	Rows    []Row
	Columns []query.ColumnInfo
	Elapsed time.Duration
}

// Explanation is a backend execution plan. Plan and Details are
// backend-shaped; Cost is only populated by backends that report one.
type Explanation struct {
	Plan    any      `json:"plan"`
	Cost    *float64 `json:"cost,omitempty"`
	Details any      `json:"details,omitempty"`
}

// Connector is the capability implemented per backend. A Connector owns its
// client or pool: Connect is idempotent, and Close is idempotent, tolerated
// after partial construction, and best-effort during an in-flight call.
type Connector interface {
	// Connect establishes the backend client or pool.
	Connect(ctx context.Context) error

	// TestConnection probes the backend with a trivial query. It reports
	// (ok, human-readable message) and never returns an error: a failed
	// probe is a negative result, not a fault.
	TestConnection(ctx context.Context) (bool, string)

	// GetMetadata extracts the schema triple from the backend.
	GetMetadata(ctx context.Context) (*Metadata, error)

	// ExecuteQuery runs a statement and materializes all rows.
	ExecuteQuery(ctx context.Context, sql string, params map[string]any) (*QueryOutput, error)

	// StreamQuery runs a statement and hands rows over incrementally.
	StreamQuery(ctx context.Context, sql string, params map[string]any) (*RowStream, error)

	// Explain returns the backend's execution plan for a statement.
	Explain(ctx context.Context, sql string, params map[string]any) (*Explanation, error)

	// Dialect reports the SQL dialect the backend parses.
	Dialect() query.Dialect

	// Close releases the client or pool.
	Close() error
}
