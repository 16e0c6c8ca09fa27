// Package metadata defines the schema descriptors extracted from backend
// databases: tables, columns and the relationships between them.
package metadata

import "time"

// Table describes a table or view of a connected database.
type Table struct {
	Name        string     `json:"name"`
	SchemaName  string     `json:"schema_name"`
	Description string     `json:"description,omitempty"`
	Type        string     `json:"type"`
	RowCount    int64      `json:"rowCount,omitempty"`
	DisplayName string     `json:"displayName,omitempty"`
	Category    string     `json:"category,omitempty"`
	Explorable  bool       `json:"explorable"`
	RefreshedAt *time.Time `json:"refreshedAt,omitempty"`

	// Columns is populated on single-table reads; table listings leave it
	// empty.
	Columns []Column `json:"columns,omitempty"`
}

// Column describes one column of a Table. DataType is normalized into the
// common vocabulary (integer, number, string, boolean, date, timestamp,
// json, array) rather than the backend's native type name. ForeignKey, when
// set, is "table.column".
type Column struct {
	Name        string            `json:"name"`
	TableName   string            `json:"tableName"`
	DataType    string            `json:"dataType"`
	Nullable    bool              `json:"nullable"`
	Description string            `json:"description,omitempty"`
	PrimaryKey  bool              `json:"primaryKey"`
	ForeignKey  string            `json:"foreignKey,omitempty"`
	DisplayName string            `json:"displayName,omitempty"`
	Cardinality *int64            `json:"cardinality,omitempty"`
	SpecialType string            `json:"specialType,omitempty"`
	ValueMap    map[string]string `json:"valueMap,omitempty"`
	Explorable  bool              `json:"explorable"`
}

// Relationship links a source column to a target column, typically derived
// from a foreign key constraint.
type Relationship struct {
	SourceTable  string `json:"sourceTable"`
	SourceColumn string `json:"sourceColumn"`
	TargetTable  string `json:"targetTable"`
	TargetColumn string `json:"targetColumn"`
	Relationship string `json:"relationship"`
	Automatic    bool   `json:"automatic"`
}

// TableUpdate patches the display-only fields of a cached Table. Nil fields
// are left unchanged.
type TableUpdate struct {
	DisplayName *string `json:"displayName,omitempty"`
	Description *string `json:"description,omitempty"`
	Category    *string `json:"category,omitempty"`
	Explorable  *bool   `json:"explorable,omitempty"`
}
