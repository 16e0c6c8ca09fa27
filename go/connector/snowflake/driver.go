// Package snowflake implements the Snowflake backend.
package snowflake

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/facet-io/facet/go/connections"
	"github.com/facet-io/facet/go/connector"
	"github.com/facet-io/facet/go/metadata"
	"github.com/facet-io/facet/go/query"
	log "github.com/sirupsen/logrus"
	sf "github.com/snowflakedb/gosnowflake"
	"golang.org/x/sync/semaphore"
)

const (
	queryTimeout = 30 * time.Second
	// maxConcurrentCalls bounds in-flight Snowflake calls per driver instance.
	maxConcurrentCalls = 5
)

// The driver Params map uses string pointers as values.
var trueString = "true"

func init() {
	connector.Register("snowflake", func(conn *connections.Connection) (connector.Connector, error) {
		var cfg = configFromConnection(conn.Config)
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("snowflake configuration: %w", err)
		}
		return &driver{cfg: cfg, calls: semaphore.NewWeighted(maxConcurrentCalls)}, nil
	})
}

// config is the endpoint configuration for snowflake.
type config struct {
	Account   string
	User      string
	Password  string
	Database  string
	Schema    string
	Warehouse string
	Role      string
}

func configFromConnection(c connections.Config) *config {
	var cfg = &config{
		Account:   c.GetString("account"),
		User:      c.GetString("user"),
		Password:  c.GetString("password"),
		Database:  c.GetString("database"),
		Schema:    c.GetString("schema"),
		Warehouse: c.GetString("warehouse"),
		Role:      c.GetString("role"),
	}
	if cfg.Schema == "" {
		cfg.Schema = "PUBLIC"
	}
	return cfg
}

// Validate the configuration.
func (c *config) Validate() error {
	var requiredProperties = [][]string{
		{"account", c.Account},
		{"user", c.User},
		{"database", c.Database},
	}
	for _, req := range requiredProperties {
		if req[1] == "" {
			return fmt.Errorf("missing '%s'", req[0])
		}
	}
	return nil
}

// dsn builds the connection string. The keepalive parameter stops the
// authentication token from expiring after four hours of inactivity.
func (c *config) dsn() (string, error) {
	var sfConfig = sf.Config{
		Account:   c.Account,
		User:      c.User,
		Password:  c.Password,
		Database:  c.Database,
		Schema:    c.Schema,
		Warehouse: c.Warehouse,
		Role:      c.Role,
		Params: map[string]*string{
			"client_session_keep_alive": &trueString,
		},
	}
	dsn, err := sf.DSN(&sfConfig)
	if err != nil {
		return "", fmt.Errorf("building snowflake DSN: %w", err)
	}
	return dsn, nil
}

// sampleData reports whether the connection targets the shared read-only
// SNOWFLAKE_SAMPLE_DATA database, which exposes no key metadata and whose
// default schema differs.
func (c *config) sampleData() bool {
	return strings.EqualFold(c.Database, "SNOWFLAKE_SAMPLE_DATA")
}

func (c *config) effectiveSchema() string {
	if c.sampleData() && strings.EqualFold(c.Schema, "PUBLIC") {
		return "TPCH_SF1"
	}
	return c.Schema
}

type driver struct {
	cfg   *config
	calls *semaphore.Weighted
	db    *sql.DB
}

func (d *driver) Connect(ctx context.Context) error {
	if d.db != nil {
		return nil
	}

	dsn, err := d.cfg.dsn()
	if err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"account":   d.cfg.Account,
		"database":  d.cfg.Database,
		"schema":    d.cfg.effectiveSchema(),
		"warehouse": d.cfg.Warehouse,
	}).Info("connecting to snowflake")

	db, err := sql.Open("snowflake", dsn)
	if err != nil {
		return fmt.Errorf("connecting to snowflake: %w", err)
	}
	db.SetMaxOpenConns(maxConcurrentCalls)

	if err = db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("connecting to snowflake: %w", err)
	}
	d.db = db
	return nil
}

// acquire bounds concurrent backend calls so one driver instance cannot
// monopolize the gateway.
func (d *driver) acquire(ctx context.Context) (release func(), err error) {
	if err = d.calls.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { d.calls.Release(1) }, nil
}

func (d *driver) TestConnection(ctx context.Context) (bool, string) {
	if err := d.Connect(ctx); err != nil {
		return false, fmt.Sprintf("Connection failed: %v", err)
	}

	var version string
	if err := d.db.QueryRowContext(ctx, "SELECT CURRENT_VERSION()").Scan(&version); err != nil {
		log.WithField("err", err).Error("snowflake connection test failed")
		return false, fmt.Sprintf("Connection failed: %v", err)
	}
	return true, fmt.Sprintf("Connection successful. Snowflake version: %s", version)
}

const tablesQuery = `
SELECT
    TABLE_NAME,
    TABLE_SCHEMA,
    TABLE_TYPE,
    COALESCE(ROW_COUNT, 0),
    COALESCE(COMMENT, '')
FROM INFORMATION_SCHEMA.TABLES
WHERE TABLE_SCHEMA = ?
ORDER BY TABLE_NAME
`

const columnsQuery = `
SELECT
    c.TABLE_NAME,
    c.COLUMN_NAME,
    c.DATA_TYPE,
    c.IS_NULLABLE,
    COALESCE(c.COMMENT, ''),
    COALESCE(pk.CONSTRAINT_TYPE, '') AS KEY_TYPE,
    COALESCE(fk.REFERENCED_TABLE, '') AS REFERENCED_TABLE,
    COALESCE(fk.REFERENCED_COLUMN, '') AS REFERENCED_COLUMN
FROM INFORMATION_SCHEMA.COLUMNS c
LEFT JOIN (
    SELECT kcu.TABLE_NAME, kcu.COLUMN_NAME, tc.CONSTRAINT_TYPE
    FROM INFORMATION_SCHEMA.KEY_COLUMN_USAGE kcu
    JOIN INFORMATION_SCHEMA.TABLE_CONSTRAINTS tc
        ON tc.CONSTRAINT_NAME = kcu.CONSTRAINT_NAME
        AND tc.TABLE_SCHEMA = kcu.TABLE_SCHEMA
    WHERE tc.CONSTRAINT_TYPE = 'PRIMARY KEY' AND kcu.TABLE_SCHEMA = ?
) pk ON pk.TABLE_NAME = c.TABLE_NAME AND pk.COLUMN_NAME = c.COLUMN_NAME
LEFT JOIN (
    SELECT
        kcu.TABLE_NAME,
        kcu.COLUMN_NAME,
        kcu2.TABLE_NAME AS REFERENCED_TABLE,
        kcu2.COLUMN_NAME AS REFERENCED_COLUMN
    FROM INFORMATION_SCHEMA.KEY_COLUMN_USAGE kcu
    JOIN INFORMATION_SCHEMA.REFERENTIAL_CONSTRAINTS rc
        ON rc.CONSTRAINT_NAME = kcu.CONSTRAINT_NAME
    JOIN INFORMATION_SCHEMA.KEY_COLUMN_USAGE kcu2
        ON kcu2.CONSTRAINT_NAME = rc.UNIQUE_CONSTRAINT_NAME
    WHERE kcu.TABLE_SCHEMA = ?
) fk ON fk.TABLE_NAME = c.TABLE_NAME AND fk.COLUMN_NAME = c.COLUMN_NAME
WHERE c.TABLE_SCHEMA = ?
ORDER BY c.TABLE_NAME, c.ORDINAL_POSITION
`

// sampleColumnsQuery skips key introspection, which the shared sample
// database does not expose.
const sampleColumnsQuery = `
SELECT
    c.TABLE_NAME,
    c.COLUMN_NAME,
    c.DATA_TYPE,
    c.IS_NULLABLE,
    COALESCE(c.COMMENT, ''),
    '' AS KEY_TYPE,
    '' AS REFERENCED_TABLE,
    '' AS REFERENCED_COLUMN
FROM INFORMATION_SCHEMA.COLUMNS c
WHERE c.TABLE_SCHEMA = ?
ORDER BY c.TABLE_NAME, c.ORDINAL_POSITION
`

// GetMetadata loads tables, columns, and foreign-key relationships from
// INFORMATION_SCHEMA. Foreign keys become many-to-one relationships.
func (d *driver) GetMetadata(ctx context.Context) (*connector.Metadata, error) {
	if err := d.Connect(ctx); err != nil {
		return nil, err
	}
	release, err := d.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	var schema = d.cfg.effectiveSchema()
	log.WithFields(log.Fields{
		"database": d.cfg.Database,
		"schema":   schema,
	}).Info("fetching snowflake metadata")

	var out = new(connector.Metadata)

	rows, err := d.db.QueryContext(ctx, tablesQuery, schema)
	if err != nil {
		return nil, fmt.Errorf("listing tables: %w", err)
	}
	for rows.Next() {
		var table metadata.Table
		var tableType string
		if err = rows.Scan(&table.Name, &table.SchemaName, &tableType, &table.RowCount, &table.Description); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning table row: %w", err)
		}
		if strings.EqualFold(tableType, "VIEW") {
			table.Type = "view"
		} else {
			table.Type = "table"
		}
		table.Explorable = true
		out.Tables = append(out.Tables, table)
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("listing tables: %w", err)
	}

	var colQuery = columnsQuery
	var colArgs = []any{schema, schema, schema}
	if d.cfg.sampleData() {
		colQuery = sampleColumnsQuery
		colArgs = []any{schema}
	}

	rows, err = d.db.QueryContext(ctx, colQuery, colArgs...)
	if err != nil {
		return nil, fmt.Errorf("listing columns: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var col metadata.Column
		var dataType, isNullable, keyType, refTable, refColumn string
		if err = rows.Scan(&col.TableName, &col.Name, &dataType, &isNullable,
			&col.Description, &keyType, &refTable, &refColumn); err != nil {
			return nil, fmt.Errorf("scanning column row: %w", err)
		}
		col.DataType = normalizeType(dataType)
		col.Nullable = strings.EqualFold(isNullable, "YES")
		col.PrimaryKey = keyType == "PRIMARY KEY"
		col.Explorable = true
		if refTable != "" {
			col.ForeignKey = refTable + "." + refColumn
			out.Relationships = append(out.Relationships, metadata.Relationship{
				SourceTable:  col.TableName,
				SourceColumn: col.Name,
				TargetTable:  refTable,
				TargetColumn: refColumn,
				Relationship: "many-to-one",
				Automatic:    true,
			})
		}
		out.Columns = append(out.Columns, col)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("listing columns: %w", err)
	}

	return out, nil
}

// normalizeType maps a snowflake type name into the common type vocabulary.
func normalizeType(dataType string) string {
	dataType = strings.ToUpper(dataType)
	switch {
	case dataType == "INT", dataType == "INTEGER", dataType == "BIGINT",
		dataType == "SMALLINT", dataType == "TINYINT", dataType == "BYTEINT":
		return "integer"
	case strings.HasPrefix(dataType, "NUMBER"), strings.HasPrefix(dataType, "DECIMAL"),
		strings.HasPrefix(dataType, "NUMERIC"):
		// A zero scale means the column holds whole numbers.
		if strings.HasSuffix(dataType, ",0)") {
			return "integer"
		}
		return "number"
	case dataType == "FLOAT", dataType == "FLOAT4", dataType == "FLOAT8",
		dataType == "DOUBLE", dataType == "DOUBLE PRECISION", dataType == "REAL":
		return "number"
	case strings.HasPrefix(dataType, "VARCHAR"), strings.HasPrefix(dataType, "CHAR"),
		dataType == "STRING", dataType == "TEXT", dataType == "BINARY", dataType == "VARBINARY":
		return "string"
	case dataType == "BOOLEAN":
		return "boolean"
	case dataType == "DATE":
		return "date"
	case strings.HasPrefix(dataType, "TIMESTAMP"), dataType == "TIME", dataType == "DATETIME":
		return "timestamp"
	case dataType == "VARIANT", dataType == "OBJECT", dataType == "ARRAY":
		return "json"
	default:
		return strings.ToLower(dataType)
	}
}

// resultTypeName maps the driver-reported column type of a result set into
// the common type vocabulary.
func resultTypeName(databaseType string) string {
	switch strings.ToUpper(databaseType) {
	case "FIXED", "REAL":
		return "number"
	case "TEXT", "BINARY":
		return "string"
	case "DATE":
		return "date"
	case "TIME", "TIMESTAMP_LTZ", "TIMESTAMP_NTZ", "TIMESTAMP_TZ":
		return "timestamp"
	case "BOOLEAN":
		return "boolean"
	case "VARIANT", "OBJECT", "ARRAY":
		return "json"
	default:
		return strings.ToLower(databaseType)
	}
}

func substitute(sql string, params map[string]any) string {
	return connector.SubstituteParams(sql, params, func(key string) string {
		return ":" + key
	})
}

// scanRow scans the current row into a name-keyed map. Byte slices become
// strings so values stay JSON-representable.
func scanRow(rows *sql.Rows, names []string) (connector.Row, error) {
	var targets = make([]any, len(names))
	for i := range targets {
		targets[i] = new(any)
	}
	if err := rows.Scan(targets...); err != nil {
		return nil, fmt.Errorf("scanning row: %w", err)
	}

	var row = make(connector.Row, len(names))
	for i, name := range names {
		var value = *(targets[i].(*any))
		if raw, ok := value.([]byte); ok {
			value = string(raw)
		}
		row[name] = value
	}
	return row, nil
}

func (d *driver) ExecuteQuery(ctx context.Context, sqlText string, params map[string]any) (*connector.QueryOutput, error) {
	if err := d.Connect(ctx); err != nil {
		return nil, err
	}
	release, err := d.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	var queryCtx, cancel = context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var started = time.Now()
	rows, err := d.db.QueryContext(queryCtx, substitute(sqlText, params))
	if err != nil {
		return nil, fmt.Errorf("executing query: %w", err)
	}
	defer rows.Close()

	columnTypes, err := rows.ColumnTypes()
	if err != nil {
		return nil, fmt.Errorf("reading column types: %w", err)
	}
	var names = make([]string, len(columnTypes))
	var columns = make([]query.ColumnInfo, len(columnTypes))
	for i, ct := range columnTypes {
		names[i] = ct.Name()
		columns[i] = query.ColumnInfo{
			Name: ct.Name(),
			Type: resultTypeName(ct.DatabaseTypeName()),
		}
	}

	var out = &connector.QueryOutput{Columns: columns}
	for rows.Next() {
		row, err := scanRow(rows, names)
		if err != nil {
			return nil, err
		}
		out.Rows = append(out.Rows, row)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("executing query: %w", err)
	}

	out.Elapsed = time.Since(started)
	return out, nil
}

func (d *driver) StreamQuery(ctx context.Context, sqlText string, params map[string]any) (*connector.RowStream, error) {
	if err := d.Connect(ctx); err != nil {
		return nil, err
	}

	return connector.NewRowStream(ctx, func(emit func(connector.Row) error) error {
		release, err := d.acquire(ctx)
		if err != nil {
			return err
		}
		defer release()

		rows, err := d.db.QueryContext(ctx, substitute(sqlText, params))
		if err != nil {
			return fmt.Errorf("executing streaming query: %w", err)
		}
		defer rows.Close()

		columns, err := rows.Columns()
		if err != nil {
			return fmt.Errorf("reading columns: %w", err)
		}
		for rows.Next() {
			row, err := scanRow(rows, columns)
			if err != nil {
				return err
			}
			if err = emit(row); err != nil {
				return err
			}
		}
		return rows.Err()
	}), nil
}

// Explain returns Snowflake's JSON plan. Operator statistics require an
// executed query, so an EXPLAIN-only plan carries no runtime details.
func (d *driver) Explain(ctx context.Context, sqlText string, params map[string]any) (*connector.Explanation, error) {
	if err := d.Connect(ctx); err != nil {
		return nil, err
	}
	release, err := d.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	var raw string
	if err = d.db.QueryRowContext(ctx, "EXPLAIN USING JSON "+substitute(sqlText, params)).Scan(&raw); err != nil {
		return nil, fmt.Errorf("explaining query: %w", err)
	}

	var plan map[string]any
	if err = json.Unmarshal([]byte(raw), &plan); err != nil {
		// Plan text that is not JSON is still worth surfacing.
		return &connector.Explanation{Plan: raw}, nil
	}
	return &connector.Explanation{
		Plan:    plan,
		Details: plan["GlobalStats"],
	}, nil
}

func (d *driver) Dialect() query.Dialect { return query.Snowflake }

func (d *driver) Close() error {
	if d.db == nil {
		return nil
	}
	var err = d.db.Close()
	d.db = nil
	if err != nil {
		log.WithField("err", err).Error("error closing snowflake connection")
	}
	return err
}
