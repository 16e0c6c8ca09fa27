// Package clickhouse implements the ClickHouse backend over the HTTP
// interface.
package clickhouse

import (
	"context"
	"crypto/tls"
	"database/sql"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/facet-io/facet/go/connections"
	"github.com/facet-io/facet/go/connector"
	"github.com/facet-io/facet/go/metadata"
	"github.com/facet-io/facet/go/query"
	log "github.com/sirupsen/logrus"
)

const dialTimeout = 10 * time.Second

func init() {
	connector.Register("clickhouse", func(conn *connections.Connection) (connector.Connector, error) {
		var cfg = configFromConnection(conn.Config)
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("clickhouse configuration: %w", err)
		}
		return &driver{cfg: cfg}, nil
	})
}

// config is the endpoint configuration for clickhouse.
type config struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
	HTTPS    bool
}

func configFromConnection(c connections.Config) *config {
	return &config{
		Host:     c.GetString("host"),
		Port:     c.GetInt("port", 8123),
		Database: c.GetString("database"),
		User:     c.GetString("user"),
		Password: c.GetString("password"),
		HTTPS:    c.GetBool("https"),
	}
}

// Validate the configuration.
func (c *config) Validate() error {
	var requiredProperties = [][]string{
		{"host", c.Host},
		{"database", c.Database},
	}
	for _, req := range requiredProperties {
		if req[1] == "" {
			return fmt.Errorf("missing '%s'", req[0])
		}
	}
	return nil
}

// options builds the client options. The HTTP protocol keeps the transport
// model of a stateless per-request session, so the connection must be opened
// through the database/sql bridge (the native interface speaks TCP only).
func (c *config) options() *clickhouse.Options {
	var opts = &clickhouse.Options{
		Protocol: clickhouse.HTTP,
		Addr:     []string{fmt.Sprintf("%s:%d", c.Host, c.Port)},
		Auth: clickhouse.Auth{
			Database: c.Database,
			Username: c.User,
			Password: c.Password,
		},
		DialTimeout: dialTimeout,
	}
	if c.HTTPS {
		opts.TLS = &tls.Config{}
	}
	return opts
}

type driver struct {
	cfg *config
	db  *sql.DB
}

func (d *driver) Connect(ctx context.Context) error {
	if d.db != nil {
		return nil
	}

	log.WithFields(log.Fields{
		"host":     d.cfg.Host,
		"port":     d.cfg.Port,
		"database": d.cfg.Database,
		"https":    d.cfg.HTTPS,
	}).Info("connecting to clickhouse")

	var db = clickhouse.OpenDB(d.cfg.options())
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("connecting to clickhouse: %w", err)
	}
	d.db = db
	return nil
}

func (d *driver) TestConnection(ctx context.Context) (bool, string) {
	if err := d.Connect(ctx); err != nil {
		return false, fmt.Sprintf("Connection failed: %v", err)
	}

	var version string
	if err := d.db.QueryRowContext(ctx, "SELECT version() as version").Scan(&version); err != nil {
		log.WithField("err", err).Error("clickhouse connection test failed")
		return false, fmt.Sprintf("Connection failed: %v", err)
	}
	return true, fmt.Sprintf("Connection successful. ClickHouse version: %s", version)
}

// GetMetadata lists tables with SHOW TABLES and columns with a DESCRIBE per
// table. A DESCRIBE failure on one table is logged and skipped; the rest of
// the schema still loads. ClickHouse has no foreign keys, so relationships
// are always empty.
func (d *driver) GetMetadata(ctx context.Context) (*connector.Metadata, error) {
	if err := d.Connect(ctx); err != nil {
		return nil, err
	}

	var out = new(connector.Metadata)

	rows, err := d.db.QueryContext(ctx, fmt.Sprintf("SHOW TABLES FROM %s", d.cfg.Database))
	if err != nil {
		return nil, fmt.Errorf("listing tables: %w", err)
	}
	var tableNames []string
	for rows.Next() {
		var name string
		if err = rows.Scan(&name); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning table name: %w", err)
		}
		tableNames = append(tableNames, name)
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("listing tables: %w", err)
	}

	log.WithFields(log.Fields{
		"database": d.cfg.Database,
		"count":    len(tableNames),
	}).Info("found clickhouse tables")

	for _, name := range tableNames {
		out.Tables = append(out.Tables, metadata.Table{
			Name:       name,
			SchemaName: d.cfg.Database,
			Type:       "table",
			Explorable: true,
		})
	}

	for _, name := range tableNames {
		descRows, err := d.scanAll(ctx, fmt.Sprintf("DESCRIBE TABLE %s.%s", d.cfg.Database, name))
		if err != nil {
			log.WithFields(log.Fields{"table": name, "err": err}).
				Error("error getting clickhouse columns, skipping table")
			continue
		}
		for _, row := range descRows {
			colName, _ := row["name"].(string)
			colType, _ := row["type"].(string)
			out.Columns = append(out.Columns, metadata.Column{
				Name:       colName,
				TableName:  name,
				DataType:   normalizeType(colType),
				Nullable:   true,
				Explorable: true,
			})
		}
	}

	return out, nil
}

// normalizeType maps a clickhouse type name into the common type vocabulary.
func normalizeType(colType string) string {
	colType = strings.ToLower(colType)
	switch {
	case strings.Contains(colType, "int"):
		return "integer"
	case strings.Contains(colType, "float"),
		strings.Contains(colType, "double"),
		strings.Contains(colType, "decimal"):
		return "number"
	case strings.Contains(colType, "fixedstring"), strings.Contains(colType, "string"):
		return "string"
	case strings.Contains(colType, "datetime"):
		return "timestamp"
	case strings.Contains(colType, "date"):
		return "date"
	case strings.Contains(colType, "array"):
		return "array"
	default:
		return colType
	}
}

// scanAll runs a statement and materializes every row into a name-keyed map,
// using the server-reported column types to allocate scan targets.
func (d *driver) scanAll(ctx context.Context, sqlText string) ([]connector.Row, error) {
	rows, err := d.db.QueryContext(ctx, sqlText)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columnTypes, err := rows.ColumnTypes()
	if err != nil {
		return nil, fmt.Errorf("reading column types: %w", err)
	}
	var out []connector.Row
	for rows.Next() {
		row, err := scanRow(rows, columnTypes)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// scanRow allocates scan targets from the driver-reported scan types, which
// keeps native values (numbers, times, arrays) instead of raw bytes.
func scanRow(rows *sql.Rows, columnTypes []*sql.ColumnType) (connector.Row, error) {
	var targets = make([]any, len(columnTypes))
	for i, ct := range columnTypes {
		targets[i] = reflect.New(ct.ScanType()).Interface()
	}
	if err := rows.Scan(targets...); err != nil {
		return nil, fmt.Errorf("scanning row: %w", err)
	}

	var row = make(connector.Row, len(columnTypes))
	for i, ct := range columnTypes {
		row[ct.Name()] = reflect.ValueOf(targets[i]).Elem().Interface()
	}
	return row, nil
}

func substitute(sqlText string, params map[string]any) string {
	return connector.SubstituteParams(sqlText, params, func(key string) string {
		return "{" + key + "}"
	})
}

func (d *driver) ExecuteQuery(ctx context.Context, sqlText string, params map[string]any) (*connector.QueryOutput, error) {
	if err := d.Connect(ctx); err != nil {
		return nil, err
	}

	var started = time.Now()
	rows, err := d.db.QueryContext(ctx, substitute(sqlText, params))
	if err != nil {
		return nil, fmt.Errorf("executing query: %w", err)
	}
	defer rows.Close()

	columnTypes, err := rows.ColumnTypes()
	if err != nil {
		return nil, fmt.Errorf("reading column types: %w", err)
	}
	var columns = make([]query.ColumnInfo, len(columnTypes))
	for i, ct := range columnTypes {
		columns[i] = query.ColumnInfo{
			Name: ct.Name(),
			Type: normalizeType(ct.DatabaseTypeName()),
		}
	}

	var out = &connector.QueryOutput{Columns: columns}
	for rows.Next() {
		row, err := scanRow(rows, columnTypes)
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
		rows, err := d.db.QueryContext(ctx, substitute(sqlText, params))
		if err != nil {
			return fmt.Errorf("executing streaming query: %w", err)
		}
		defer rows.Close()

		columnTypes, err := rows.ColumnTypes()
		if err != nil {
			return fmt.Errorf("reading column types: %w", err)
		}
		for rows.Next() {
			row, err := scanRow(rows, columnTypes)
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

// Explain returns the logical plan. ClickHouse reports no cost estimate.
func (d *driver) Explain(ctx context.Context, sqlText string, params map[string]any) (*connector.Explanation, error) {
	if err := d.Connect(ctx); err != nil {
		return nil, err
	}

	rows, err := d.db.QueryContext(ctx, "EXPLAIN PLAN "+substitute(sqlText, params))
	if err != nil {
		return nil, fmt.Errorf("explaining query: %w", err)
	}
	defer rows.Close()

	var lines []string
	for rows.Next() {
		var line string
		if err = rows.Scan(&line); err != nil {
			return nil, fmt.Errorf("scanning plan line: %w", err)
		}
		lines = append(lines, line)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("explaining query: %w", err)
	}

	return &connector.Explanation{
		Plan:    strings.Join(lines, "\n"),
		Details: lines,
	}, nil
}

func (d *driver) Dialect() query.Dialect { return query.ClickHouse }

func (d *driver) Close() error {
	if d.db == nil {
		return nil
	}
	var err = d.db.Close()
	d.db = nil
	if err != nil {
		log.WithField("err", err).Error("error closing clickhouse connection")
	}
	return err
}
