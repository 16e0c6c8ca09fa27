// Package postgres implements the PostgreSQL backend.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/facet-io/facet/go/connections"
	"github.com/facet-io/facet/go/connector"
	"github.com/facet-io/facet/go/metadata"
	"github.com/facet-io/facet/go/query"
	"github.com/jackc/pgproto3/v2"
	"github.com/jackc/pgtype"
	"github.com/jackc/pgx/v4/pgxpool"
	log "github.com/sirupsen/logrus"
)

const (
	connectTimeout = 10 * time.Second
	queryTimeout   = 30 * time.Second
)

func init() {
	connector.Register("postgres", func(conn *connections.Connection) (connector.Connector, error) {
		var cfg = configFromConnection(conn.Config)
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("postgres configuration: %w", err)
		}
		return &driver{cfg: cfg}, nil
	})
}

// config is the endpoint configuration for postgres.
type config struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
	SSL      bool
}

func configFromConnection(c connections.Config) *config {
	return &config{
		Host:     c.GetString("host"),
		Port:     c.GetInt("port", 5432),
		Database: c.GetString("database"),
		User:     c.GetString("user"),
		Password: c.GetString("password"),
		SSL:      c.GetBool("ssl"),
	}
}

// Validate the configuration.
func (c *config) Validate() error {
	var requiredProperties = [][]string{
		{"host", c.Host},
		{"user", c.User},
	}
	for _, req := range requiredProperties {
		if req[1] == "" {
			return fmt.Errorf("missing '%s'", req[0])
		}
	}
	return nil
}

// ToURI converts the config to a DSN string.
func (c *config) ToURI() string {
	var uri = url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", c.Host, c.Port),
		User:   url.UserPassword(c.User, c.Password),
	}
	if c.Database != "" {
		uri.Path = "/" + c.Database
	}
	var params = url.Values{}
	if c.SSL {
		params.Set("sslmode", "require")
	}
	uri.RawQuery = params.Encode()
	return uri.String()
}

type driver struct {
	cfg  *config
	pool *pgxpool.Pool
}

// Connect builds the connection pool. It is a no-op if the pool exists.
func (d *driver) Connect(ctx context.Context) error {
	if d.pool != nil {
		return nil
	}

	poolCfg, err := pgxpool.ParseConfig(d.cfg.ToURI())
	if err != nil {
		return fmt.Errorf("parsing postgres DSN: %w", err)
	}
	poolCfg.MinConns = 1
	poolCfg.MaxConns = 10
	poolCfg.ConnConfig.ConnectTimeout = connectTimeout

	log.WithFields(log.Fields{
		"host":     d.cfg.Host,
		"port":     d.cfg.Port,
		"database": d.cfg.Database,
		"user":     d.cfg.User,
	}).Info("opening postgres pool")

	pool, err := pgxpool.ConnectConfig(ctx, poolCfg)
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}
	d.pool = pool
	return nil
}

func (d *driver) TestConnection(ctx context.Context) (bool, string) {
	if err := d.Connect(ctx); err != nil {
		return false, fmt.Sprintf("Connection failed: %v", err)
	}

	var ctxq, cancel = context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var version string
	if err := d.pool.QueryRow(ctxq, "SELECT version()").Scan(&version); err != nil {
		log.WithField("err", err).Error("postgres connection test failed")
		return false, fmt.Sprintf("Connection failed: %v", err)
	}
	return true, fmt.Sprintf("Connection successful. PostgreSQL version: %s", version)
}

const tablesQuery = `
SELECT
    t.table_name AS name,
    t.table_schema AS schema,
    COALESCE(obj_description(pgc.oid), '') AS description,
    CASE WHEN t.table_type = 'VIEW' THEN 'view' ELSE 'table' END AS type,
    pg_stat_get_live_tuples(pgc.oid) AS row_count
FROM information_schema.tables t
JOIN pg_class pgc ON pgc.relname = t.table_name
JOIN pg_namespace n ON pgc.relnamespace = n.oid AND n.nspname = t.table_schema
WHERE t.table_schema NOT IN ('pg_catalog', 'information_schema')
AND t.table_type IN ('BASE TABLE', 'VIEW')
ORDER BY t.table_schema, t.table_name`

const columnsQuery = `
SELECT
    c.table_name,
    c.column_name AS name,
    c.data_type,
    c.is_nullable = 'YES' AS nullable,
    COALESCE(pg_catalog.col_description(pgc.oid, c.ordinal_position::int), '') AS description,
    pk.constraint_name IS NOT NULL AS primary_key,
    COALESCE(fk.referenced_table_name || '.' || fk.referenced_column_name, '') AS foreign_key
FROM information_schema.columns c
JOIN pg_class pgc ON pgc.relname = c.table_name
JOIN pg_namespace n ON pgc.relnamespace = n.oid AND n.nspname = c.table_schema
LEFT JOIN (
    SELECT tc.constraint_name, kcu.table_name, kcu.column_name
    FROM information_schema.table_constraints tc
    JOIN information_schema.key_column_usage kcu
        ON tc.constraint_name = kcu.constraint_name
        AND tc.table_schema = kcu.table_schema
    WHERE tc.constraint_type = 'PRIMARY KEY'
) pk ON pk.table_name = c.table_name AND pk.column_name = c.column_name
LEFT JOIN (
    SELECT
        tc.constraint_name,
        kcu.table_name,
        kcu.column_name,
        ccu.table_name AS referenced_table_name,
        ccu.column_name AS referenced_column_name
    FROM information_schema.table_constraints tc
    JOIN information_schema.key_column_usage kcu
        ON tc.constraint_name = kcu.constraint_name
        AND tc.table_schema = kcu.table_schema
    JOIN information_schema.constraint_column_usage ccu
        ON tc.constraint_name = ccu.constraint_name
        AND tc.table_schema = ccu.table_schema
    WHERE tc.constraint_type = 'FOREIGN KEY'
) fk ON fk.table_name = c.table_name AND fk.column_name = c.column_name
WHERE c.table_schema NOT IN ('pg_catalog', 'information_schema')
ORDER BY c.table_name, c.ordinal_position`

const relationshipsQuery = `
SELECT
    kcu.table_name AS source_table,
    kcu.column_name AS source_column,
    ccu.table_name AS target_table,
    ccu.column_name AS target_column
FROM information_schema.table_constraints tc
JOIN information_schema.key_column_usage kcu
    ON tc.constraint_name = kcu.constraint_name
    AND tc.table_schema = kcu.table_schema
JOIN information_schema.constraint_column_usage ccu
    ON tc.constraint_name = ccu.constraint_name
    AND tc.table_schema = ccu.table_schema
WHERE tc.constraint_type = 'FOREIGN KEY'
AND tc.table_schema NOT IN ('pg_catalog', 'information_schema')`

func (d *driver) GetMetadata(ctx context.Context) (*connector.Metadata, error) {
	if err := d.Connect(ctx); err != nil {
		return nil, err
	}

	var ctxq, cancel = context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var out = new(connector.Metadata)

	rows, err := d.pool.Query(ctxq, tablesQuery)
	if err != nil {
		return nil, fmt.Errorf("listing tables: %w", err)
	}
	for rows.Next() {
		var table = metadata.Table{Explorable: true}
		if err = rows.Scan(&table.Name, &table.SchemaName, &table.Description,
			&table.Type, &table.RowCount); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning table row: %w", err)
		}
		out.Tables = append(out.Tables, table)
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("listing tables: %w", err)
	}

	rows, err = d.pool.Query(ctxq, columnsQuery)
	if err != nil {
		return nil, fmt.Errorf("listing columns: %w", err)
	}
	for rows.Next() {
		var col = metadata.Column{Explorable: true}
		var dataType string
		if err = rows.Scan(&col.TableName, &col.Name, &dataType, &col.Nullable,
			&col.Description, &col.PrimaryKey, &col.ForeignKey); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning column row: %w", err)
		}
		col.DataType = normalizeType(dataType)
		out.Columns = append(out.Columns, col)
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("listing columns: %w", err)
	}

	rows, err = d.pool.Query(ctxq, relationshipsQuery)
	if err != nil {
		return nil, fmt.Errorf("listing relationships: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var rel = metadata.Relationship{Relationship: "many-to-one", Automatic: true}
		if err = rows.Scan(&rel.SourceTable, &rel.SourceColumn,
			&rel.TargetTable, &rel.TargetColumn); err != nil {
			return nil, fmt.Errorf("scanning relationship row: %w", err)
		}
		out.Relationships = append(out.Relationships, rel)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("listing relationships: %w", err)
	}

	return out, nil
}

// normalizeType maps a postgres type name into the common type vocabulary.
func normalizeType(dataType string) string {
	dataType = strings.ToLower(dataType)
	switch {
	case strings.Contains(dataType, "int"):
		return "integer"
	case dataType == "real" || dataType == "double precision" ||
		dataType == "numeric" || dataType == "decimal":
		return "number"
	case strings.Contains(dataType, "char") || strings.Contains(dataType, "text"):
		return "string"
	case strings.Contains(dataType, "bool"):
		return "boolean"
	case strings.Contains(dataType, "date"):
		return "date"
	case strings.Contains(dataType, "time"):
		return "timestamp"
	case strings.Contains(dataType, "json"):
		return "json"
	default:
		return dataType
	}
}

// oidTypeName maps the common wire type OIDs to result column type names.
func oidTypeName(oid uint32) string {
	switch oid {
	case pgtype.BoolOID:
		return "boolean"
	case pgtype.Int2OID, pgtype.Int4OID, pgtype.Int8OID:
		return "integer"
	case pgtype.Float4OID, pgtype.Float8OID, pgtype.NumericOID:
		return "number"
	case pgtype.TextOID, pgtype.VarcharOID, pgtype.BPCharOID, pgtype.NameOID:
		return "string"
	case pgtype.DateOID:
		return "date"
	case pgtype.TimestampOID, pgtype.TimestamptzOID:
		return "timestamp"
	case pgtype.JSONOID, pgtype.JSONBOID:
		return "json"
	case pgtype.UUIDOID:
		return "string"
	default:
		return ""
	}
}

func (d *driver) ExecuteQuery(ctx context.Context, sql string, params map[string]any) (*connector.QueryOutput, error) {
	if err := d.Connect(ctx); err != nil {
		return nil, err
	}

	var ctxq, cancel = context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var started = time.Now()
	rows, err := d.pool.Query(ctxq, sql)
	if err != nil {
		return nil, fmt.Errorf("executing query: %w", err)
	}
	defer rows.Close()

	var columns = columnInfo(rows.FieldDescriptions())
	var out = &connector.QueryOutput{Columns: columns}
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("reading row: %w", err)
		}
		var row = make(connector.Row, len(columns))
		for i, col := range columns {
			row[col.Name] = values[i]
		}
		out.Rows = append(out.Rows, row)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("executing query: %w", err)
	}

	out.Elapsed = time.Since(started)
	return out, nil
}

func columnInfo(fields []pgproto3.FieldDescription) []query.ColumnInfo {
	var columns = make([]query.ColumnInfo, len(fields))
	for i, fd := range fields {
		columns[i] = query.ColumnInfo{
			Name: string(fd.Name),
			Type: oidTypeName(fd.DataTypeOID),
		}
	}
	return columns
}

// StreamQuery holds a pooled connection for the duration of the stream. The
// per-query timeout does not apply; cancellation comes from ctx.
func (d *driver) StreamQuery(ctx context.Context, sql string, params map[string]any) (*connector.RowStream, error) {
	if err := d.Connect(ctx); err != nil {
		return nil, err
	}

	return connector.NewRowStream(ctx, func(emit func(connector.Row) error) error {
		rows, err := d.pool.Query(ctx, sql)
		if err != nil {
			return fmt.Errorf("executing streaming query: %w", err)
		}
		defer rows.Close()

		var columns = columnInfo(rows.FieldDescriptions())
		for rows.Next() {
			values, err := rows.Values()
			if err != nil {
				return fmt.Errorf("reading row: %w", err)
			}
			var row = make(connector.Row, len(columns))
			for i, col := range columns {
				row[col.Name] = values[i]
			}
			if err = emit(row); err != nil {
				return err
			}
		}
		return rows.Err()
	}), nil
}

func (d *driver) Explain(ctx context.Context, sql string, params map[string]any) (*connector.Explanation, error) {
	if err := d.Connect(ctx); err != nil {
		return nil, err
	}

	var ctxq, cancel = context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var raw []byte
	var explainSQL = "EXPLAIN (FORMAT JSON, ANALYZE, VERBOSE) " + sql
	if err := d.pool.QueryRow(ctxq, explainSQL).Scan(&raw); err != nil {
		return nil, fmt.Errorf("explaining query: %w", err)
	}

	var plans []map[string]any
	if err := json.Unmarshal(raw, &plans); err != nil {
		return nil, fmt.Errorf("parsing explain output: %w", err)
	}
	if len(plans) == 0 {
		return &connector.Explanation{}, nil
	}

	var explanation = &connector.Explanation{Plan: plans[0], Details: plans[0]}
	if inner, ok := plans[0]["Plan"].(map[string]any); ok {
		if cost, ok := inner["Total Cost"].(float64); ok {
			explanation.Cost = &cost
		}
	}
	return explanation, nil
}

func (d *driver) Dialect() query.Dialect { return query.PostgreSQL }

// Close releases the pool. It is safe to call repeatedly and after partial
// construction.
func (d *driver) Close() error {
	if d.pool != nil {
		d.pool.Close()
		d.pool = nil
	}
	return nil
}
