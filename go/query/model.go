// Package query holds the JSON query model and its translation to
// dialect-specific SQL.
package query

import "errors"

// ErrInvalidQuery is returned (wrapped) for any query model that violates the
// model invariants, before SQL generation is attempted.
var ErrInvalidQuery = errors.New("invalid query")

// Source names the connection and table a query runs against.
type Source struct {
	ConnectionID string `json:"connectionId"`
	Table        string `json:"table"`
}

// Filter is a node of the filter tree: either a single condition
// (Column/Operator/Value) or a logical group (Logic/Conditions). A non-empty
// Logic marks the node as a group; the condition fields are ignored for
// groups and vice versa. Groups nest to arbitrary depth.
type Filter struct {
	Column   string `json:"column,omitempty"`
	Operator string `json:"operator,omitempty"`
	Value    any    `json:"value,omitempty"`

	Logic      string   `json:"logic,omitempty"`
	Conditions []Filter `json:"conditions,omitempty"`
}

// IsGroup returns true if this node is a logical group rather than a single
// condition.
func (f *Filter) IsGroup() bool {
	return f.Logic != ""
}

// Aggregation applies Function to Column, projected under Alias.
type Aggregation struct {
	Column   string `json:"column,omitempty"`
	Function string `json:"function"`
	Alias    string `json:"alias,omitempty"`
}

// CustomRange bounds a custom time range. Either side may be empty for a
// one-sided comparison.
type CustomRange struct {
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`
}

// TimeRange restricts a query to a time window on Column. Range is "custom",
// "last_<N>_<unit>" or "this_<unit>".
type TimeRange struct {
	Column      string       `json:"column,omitempty"`
	Range       string       `json:"range"`
	Granularity string       `json:"granularity,omitempty"`
	CustomRange *CustomRange `json:"customRange,omitempty"`
}

// SortOrder is a single ORDER BY entry.
type SortOrder struct {
	Column    string `json:"column"`
	Direction string `json:"direction"`
}

// Visualization is the client's rendering hint. Only Type influences SQL
// generation (projection rules).
type Visualization struct {
	Type   string         `json:"type"`
	Config map[string]any `json:"config,omitempty"`
}

// Model is the JSON IR of an analytical query.
type Model struct {
	Source             Source         `json:"source"`
	Filters            []Filter       `json:"filters,omitempty"`
	GroupBy            []string       `json:"groupBy,omitempty"`
	Agg                []Aggregation  `json:"agg,omitempty"`
	TimeRange          *TimeRange     `json:"timeRange,omitempty"`
	Sort               []SortOrder    `json:"sort,omitempty"`
	Limit              *int           `json:"limit,omitempty"`
	Offset             *int           `json:"offset,omitempty"`
	IsServerPagination bool           `json:"isServerPagination,omitempty"`
	Visualization      *Visualization `json:"visualization,omitempty"`
	SelectedFields     []string       `json:"selectedFields,omitempty"`
	Granularity        string         `json:"granularity,omitempty"`
}

// visualizationType returns the visualization hint, defaulting to "table".
func (m *Model) visualizationType() string {
	if m.Visualization == nil || m.Visualization.Type == "" {
		return "table"
	}
	return m.Visualization.Type
}

// ColumnInfo describes one column of a result set, in result order.
type ColumnInfo struct {
	Name        string `json:"name"`
	Type        string `json:"type,omitempty"`
	Cardinality *int64 `json:"cardinality,omitempty"`
}

// Result is the uniform envelope returned for every executed query. Error is
// set (with empty Data) when execution failed after SQL was generated, so the
// client can still render the statement alongside the message.
type Result struct {
	Columns       []ColumnInfo     `json:"columns"`
	Data          []map[string]any `json:"data"`
	RowCount      int              `json:"rowCount"`
	TotalCount    *int64           `json:"totalCount,omitempty"`
	ExecutionTime float64          `json:"executionTime"`
	SQL           string           `json:"sql"`
	Warnings      []string         `json:"warnings"`
	Error         string           `json:"error,omitempty"`
	HasMore       bool             `json:"hasMore"`
}
